package onspot

import (
	"encoding/json"
	"fmt"
	"net/url"
)

// Resolution endpoints, selected by the pipeline transition matrix.
const (
	EndpointAddressesToDevices = "/save/addresses/all/devices"
	EndpointGeoframeToDevices  = "/save/geoframe/all/devices"
	EndpointFilesToHousehold   = "/save/files/household"
	EndpointFilesDemographics  = "/save/files/demographics/all"
)

// Mode selects the request body shape.
type Mode string

const (
	// ModeFeatures sends a GeoJSON FeatureCollection read from the source blob.
	ModeFeatures Mode = "features"
	// ModeSources sends a {sources: [...]} file reference request.
	ModeSources Mode = "sources"
)

// JobInput describes one resolution job: which endpoint, which body shape,
// the source location, and the working prefix the result files land under.
type JobInput struct {
	Endpoint     string `json:"endpoint"`
	Mode         Mode   `json:"mode"`
	Source       string `json:"source"`
	OutputPrefix string `json:"output_prefix"`

	// Instance is the waiting orchestration instance, set by RunJob. It is
	// embedded in the callback URL so the HTTP surface can route the event.
	Instance string `json:"instance"`

	// Extra is merged into the top level of sources-mode request bodies,
	// carrying step custom coding such as demographics date ranges.
	Extra map[string]any `json:"extra,omitempty"`
}

// fileFormat is the delimited-output format every job requests.
var fileFormat = map[string]any{
	"delimiter":        ",",
	"quoteEncapsulate": true,
}

// BuildRequest assembles the request body. Every feature (or the single
// source set) gets a unique name, an output file name under the working
// prefix, and a callback URL whose last path segment is the event name the
// orchestration waits on. Returns the body and the event names in feature
// order.
func BuildRequest(in JobInput, source []byte, callbackBase string, newName func() string) ([]byte, []string, error) {
	switch in.Mode {
	case ModeFeatures:
		return buildFeatureRequest(in, source, callbackBase, newName)
	case ModeSources:
		return buildSourcesRequest(in, callbackBase, newName)
	default:
		return nil, nil, fmt.Errorf("unknown onspot request mode %q", in.Mode)
	}
}

func buildFeatureRequest(in JobInput, source []byte, callbackBase string, newName func() string) ([]byte, []string, error) {
	var collection struct {
		Type     string           `json:"type"`
		Features []map[string]any `json:"features"`
	}
	if err := json.Unmarshal(source, &collection); err != nil {
		return nil, nil, fmt.Errorf("parse feature collection: %w", err)
	}
	if len(collection.Features) == 0 {
		return nil, nil, fmt.Errorf("feature collection has no features")
	}

	events := make([]string, 0, len(collection.Features))
	for _, feature := range collection.Features {
		props, _ := feature["properties"].(map[string]any)
		if props == nil {
			props = make(map[string]any)
		}

		name := newName()
		props["name"] = name
		props["fileName"] = fmt.Sprintf("%s%s.csv", in.OutputPrefix, name)
		props["fileFormat"] = fileFormat
		props["hash"] = false
		props["callback"] = callbackURL(callbackBase, in.Instance, name)
		feature["properties"] = props

		events = append(events, name)
	}

	body, err := json.Marshal(map[string]any{
		"type":     "FeatureCollection",
		"features": collection.Features,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("marshal feature request: %w", err)
	}
	return body, events, nil
}

func buildSourcesRequest(in JobInput, callbackBase string, newName func() string) ([]byte, []string, error) {
	name := newName()

	request := make(map[string]any, len(in.Extra)+6)
	for k, v := range in.Extra {
		request[k] = v
	}
	request["sources"] = []string{in.Source}
	request["name"] = name
	request["fileName"] = fmt.Sprintf("%s%s.csv", in.OutputPrefix, name)
	request["fileFormat"] = fileFormat
	request["hash"] = false
	request["callback"] = callbackURL(callbackBase, in.Instance, name)

	body, err := json.Marshal(request)
	if err != nil {
		return nil, nil, fmt.Errorf("marshal sources request: %w", err)
	}
	return body, []string{name}, nil
}

// callbackURL addresses the callback route. The last path segment is the
// event name the orchestration waits on.
func callbackURL(base, instance, event string) string {
	return fmt.Sprintf("%s/api/onspot/callback/%s/%s", base, url.PathEscape(instance), event)
}
