// Package audience defines the audience domain model: definitions, processing
// steps, run history, and canonical snapshot locations.
package audience

import (
	"fmt"
	"regexp"
	"sort"
	"time"

	"github.com/go-playground/validator/v10"
)

// DataType is the payload type flowing between processing steps.
type DataType string

const (
	TypeAddresses DataType = "addresses"
	TypePolygons  DataType = "polygons"
	TypeDeviceIDs DataType = "deviceids"
)

// Valid reports whether the data type is one of the known values.
func (t DataType) Valid() bool {
	switch t {
	case TypeAddresses, TypePolygons, TypeDeviceIDs:
		return true
	}
	return false
}

// DataSource describes the audience's initial input.
type DataSource struct {
	DataType DataType `json:"dataType" validate:"required"`
}

// ProcessingStep is one step of the audience pipeline. Its input type is the
// previous step's OutputType, or the audience DataSource type for step zero.
type ProcessingStep struct {
	ID           string         `json:"id" validate:"required"`
	Sort         int            `json:"sort"`
	OutputType   DataType       `json:"outputType" validate:"required"`
	CustomCoding map[string]any `json:"customCoding,omitempty"`

	// Results holds the output blob URLs, populated during execution.
	Results []string `json:"results,omitempty"`
}

// Advertiser carries the downstream platform advertiser IDs.
type Advertiser struct {
	Meta      string `json:"meta,omitempty"`
	Xandr     string `json:"xandr,omitempty"`
	Freewheel string `json:"freewheel,omitempty"`
}

// Audience is the full audience definition.
type Audience struct {
	ID              string           `json:"id" validate:"required"`
	Status          bool             `json:"status"`
	RebuildSchedule string           `json:"rebuildSchedule" validate:"required"`
	TTLLength       int              `json:"TTL_Length"`
	TTLUnit         string           `json:"TTL_Unit"`
	DataSource      DataSource       `json:"dataSource"`
	Processes       []ProcessingStep `json:"processes" validate:"dive"`
	Advertiser      Advertiser       `json:"advertiser"`
	Tags            []string         `json:"tags,omitempty"`

	// Count is the last-known unique device count.
	Count int64 `json:"count"`

	// Platform audience IDs and the Freewheel segment key.
	MetaAudienceID  string `json:"meta,omitempty"`
	XandrAudienceID string `json:"xandr,omitempty"`
	FreewheelID     string `json:"freewheel,omitempty"`
	Segment         string `json:"segment,omitempty"`
}

var validate = validator.New()

// Validate checks the definition for structural problems.
func (a *Audience) Validate() error {
	if err := validate.Struct(a); err != nil {
		return fmt.Errorf("invalid audience %q: %w", a.ID, err)
	}
	if !a.DataSource.DataType.Valid() {
		return fmt.Errorf("invalid audience %q: unknown data source type %q", a.ID, a.DataSource.DataType)
	}
	for _, p := range a.Processes {
		if !p.OutputType.Valid() {
			return fmt.Errorf("invalid audience %q: step %s has unknown output type %q", a.ID, p.ID, p.OutputType)
		}
	}
	return nil
}

// StepInputType returns the input type for step k.
func (a *Audience) StepInputType(k int) DataType {
	if k == 0 {
		return a.DataSource.DataType
	}
	return a.Processes[k-1].OutputType
}

// FinalOutputType returns the output type of the last step, or the data
// source type when the audience has no steps.
func (a *Audience) FinalOutputType() DataType {
	if len(a.Processes) == 0 {
		return a.DataSource.DataType
	}
	return a.Processes[len(a.Processes)-1].OutputType
}

// RunSummary records one completed (or failed) rebuild.
type RunSummary struct {
	RanAt       time.Time      `json:"ran_at"`
	Prefix      string         `json:"prefix"`
	FileCount   int            `json:"file_count"`
	DeviceCount *int64         `json:"device_count,omitempty"`
	Error       string         `json:"error,omitempty"`
	Targets     map[string]any `json:"targets,omitempty"`
}

// MaxRunHistory bounds the per-audience run history.
const MaxRunHistory = 5

// AppendRunSummary appends a summary to the history, collapsing duplicates by
// (prefix, ran_at), sorting ascending by ran_at, and trimming to the newest
// MaxRunHistory entries.
func AppendRunSummary(history []RunSummary, s RunSummary) []RunSummary {
	merged := make([]RunSummary, 0, len(history)+1)
	seen := make(map[string]bool, len(history)+1)

	for _, entry := range append(append([]RunSummary{}, history...), s) {
		key := entry.Prefix + "|" + entry.RanAt.UTC().Format(time.RFC3339Nano)
		if seen[key] {
			continue
		}
		seen[key] = true
		merged = append(merged, entry)
	}

	sort.SliceStable(merged, func(i, j int) bool {
		return merged[i].RanAt.Before(merged[j].RanAt)
	})

	if len(merged) > MaxRunHistory {
		merged = merged[len(merged)-MaxRunHistory:]
	}
	return merged
}

// AnonymousDeviceID is the all-zero UUID, which never appears in canonical
// output.
const AnonymousDeviceID = "00000000-0000-0000-0000-000000000000"

var deviceIDPattern = regexp.MustCompile(`^[0-9a-f]{8}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{4}-[0-9a-f]{12}$`)

// IsDeviceID reports whether s is a canonical device ID: 36 lowercase
// hex-with-dashes characters and not the anonymous UUID.
func IsDeviceID(s string) bool {
	if len(s) != 36 || s == AnonymousDeviceID {
		return false
	}
	return deviceIDPattern.MatchString(s)
}
