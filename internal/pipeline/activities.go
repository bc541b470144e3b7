package pipeline

import (
	"bufio"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/metrics"
	"github.com/esquire-media/audience-engine/internal/notify"
	"github.com/esquire-media/audience-engine/internal/synapse"
)

// Activity names.
const (
	ActivityGetAudience    = "audience.get"
	ActivityListSources    = "source.list"
	ActivityNewestSnapshot = "snapshot.newest"
	ActivityCountFiles     = "snapshot.count-files"
	ActivityCountDevices   = "devices.count-distinct"
	ActivitySaveCount      = "audience.save-count"
	ActivityFailureEmail   = "notify.failure-email"
	ActivityFinalizeBatch  = "finalize.batch"
	ActivityCountRows      = "finalize.count-rows"
	ActivityFootprint      = "polygons.footprint"
)

// SnapshotInfo is the newest-snapshot activity result.
type SnapshotInfo struct {
	Prefix string    `json:"prefix"`
	RanAt  time.Time `json:"ran_at"`
}

type saveCountInput struct {
	AudienceID string `json:"audience_id"`
	Count      int64  `json:"count"`
}

type failureEmailInput struct {
	AudienceID string `json:"audience_id"`
	Error      string `json:"error"`
}

type finalizeBatchInput struct {
	Sources   []string `json:"sources"`
	OutputKey string   `json:"output_key"`
}

type finalizeBatchOutput struct {
	Key     string `json:"key"`
	URL     string `json:"url"`
	Devices int64  `json:"devices"`
}

// sasExpiry is the read-URL lifetime for finalized shards.
const sasExpiry = 48 * time.Hour

// Activities implements the pipeline's side effects: catalog reads, blob
// streaming, device counting, and the failure email.
type Activities struct {
	Catalog   audience.Store
	Blobs     blobstore.Store
	Synapse   synapse.Executor
	Email     notify.Sender
	Footprint *FootprintClient
	Container string

	log *slog.Logger
}

// NewActivities wires the pipeline activities.
func NewActivities(catalog audience.Store, blobs blobstore.Store, syn synapse.Executor, email notify.Sender, footprint *FootprintClient, container string) *Activities {
	return &Activities{
		Catalog:   catalog,
		Blobs:     blobs,
		Synapse:   syn,
		Email:     email,
		Footprint: footprint,
		Container: container,
		log:       logging.Component("pipeline"),
	}
}

// Register registers all pipeline activities on the runtime.
func (a *Activities) Register(rt *durable.Runtime) {
	rt.RegisterActivity(ActivityGetAudience, a.getAudience)
	rt.RegisterActivity(ActivityListSources, a.listSources)
	rt.RegisterActivity(ActivityNewestSnapshot, a.newestSnapshot)
	rt.RegisterActivity(ActivityCountFiles, a.countFiles)
	rt.RegisterActivity(ActivityCountDevices, a.countDevices)
	rt.RegisterActivity(ActivitySaveCount, a.saveCount)
	rt.RegisterActivity(ActivityFailureEmail, a.failureEmail)
	rt.RegisterActivity(ActivityFinalizeBatch, a.finalizeBatch)
	rt.RegisterActivity(ActivityCountRows, a.countRows)
	rt.RegisterActivity(ActivityFootprint, a.footprint)
}

func (a *Activities) getAudience(ctx context.Context, input json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(input, &id); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	aud, err := a.Catalog.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := aud.Validate(); err != nil {
		return nil, err
	}
	return aud, nil
}

func (a *Activities) listSources(ctx context.Context, input json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(input, &id); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	objects, err := a.Blobs.List(ctx, audience.SourcePrefix(id))
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(objects))
	for _, obj := range objects {
		keys = append(keys, obj.Key)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("audience %s has no source files under %s", id, audience.SourcePrefix(id))
	}
	return keys, nil
}

func (a *Activities) newestSnapshot(ctx context.Context, input json.RawMessage) (any, error) {
	var id string
	if err := json.Unmarshal(input, &id); err != nil {
		return nil, fmt.Errorf("decode audience id: %w", err)
	}

	snap, err := audience.NewestSnapshot(ctx, a.Blobs, id)
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return (*SnapshotInfo)(nil), nil
	}
	return &SnapshotInfo{Prefix: snap.Prefix, RanAt: snap.RanAt}, nil
}

func (a *Activities) countFiles(ctx context.Context, input json.RawMessage) (any, error) {
	var prefix string
	if err := json.Unmarshal(input, &prefix); err != nil {
		return nil, fmt.Errorf("decode prefix: %w", err)
	}

	objects, err := a.Blobs.List(ctx, prefix)
	if err != nil {
		return nil, err
	}
	return len(objects), nil
}

func (a *Activities) countDevices(ctx context.Context, input json.RawMessage) (any, error) {
	var prefix string
	if err := json.Unmarshal(input, &prefix); err != nil {
		return nil, fmt.Errorf("decode prefix: %w", err)
	}
	return a.Synapse.CountDistinctDevices(ctx, prefix)
}

func (a *Activities) saveCount(ctx context.Context, input json.RawMessage) (any, error) {
	var in saveCountInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode save-count input: %w", err)
	}

	if err := a.Catalog.SaveCount(ctx, in.AudienceID, in.Count); err != nil {
		return nil, err
	}
	if m := metrics.Get(); m != nil {
		m.AddDevicesFinalized(in.AudienceID, float64(in.Count))
	}
	a.log.Info("Persisted audience count", "audience_id", in.AudienceID, "count", in.Count)
	return nil, nil
}

// failureEmail sends the HTML failure report. Delivery problems are logged
// and swallowed so the original failure keeps propagating.
func (a *Activities) failureEmail(ctx context.Context, input json.RawMessage) (any, error) {
	var in failureEmailInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode failure-email input: %w", err)
	}

	if m := metrics.Get(); m != nil {
		m.IncBuildsFailed(in.AudienceID)
	}

	if a.Email == nil {
		a.log.Warn("No email sender configured, skipping failure notification",
			"audience_id", in.AudienceID)
		return nil, nil
	}

	subject, body := notify.BuildFailureEmail(in.AudienceID, in.Error)
	if err := a.Email.Send(ctx, subject, body); err != nil {
		a.log.Error("Failed to send failure email", "audience_id", in.AudienceID, "error", err)
	}
	return nil, nil
}

// finalizeBatch streams the batch's sources into one canonical shard:
// device column detection, normalization, 36-character and anonymous-UUID
// filtering, and first-seen dedupe within the batch.
func (a *Activities) finalizeBatch(ctx context.Context, input json.RawMessage) (any, error) {
	var in finalizeBatchInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode finalize input: %w", err)
	}

	w, err := a.Blobs.NewWriter(ctx, in.OutputKey)
	if err != nil {
		return nil, fmt.Errorf("create shard %s: %w", in.OutputKey, err)
	}

	bw := bufio.NewWriter(w)
	if _, err := bw.WriteString("deviceid\n"); err != nil {
		w.Close()
		return nil, fmt.Errorf("write header: %w", err)
	}

	seen := make(map[string]struct{})
	for _, src := range in.Sources {
		if err := a.appendDevices(ctx, src, seen, bw); err != nil {
			w.Close()
			a.Blobs.Delete(ctx, in.OutputKey)
			return nil, err
		}
	}

	if err := bw.Flush(); err != nil {
		w.Close()
		return nil, fmt.Errorf("flush shard %s: %w", in.OutputKey, err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("commit shard %s: %w", in.OutputKey, err)
	}

	url, err := a.Blobs.SignedGetURL(ctx, in.OutputKey, sasExpiry)
	if err != nil {
		return nil, fmt.Errorf("sign shard %s: %w", in.OutputKey, err)
	}

	a.log.Info("Finalized shard", "key", in.OutputKey, "devices", len(seen), "sources", len(in.Sources))
	return finalizeBatchOutput{Key: in.OutputKey, URL: url, Devices: int64(len(seen))}, nil
}

func (a *Activities) appendDevices(ctx context.Context, source string, seen map[string]struct{}, out io.Writer) error {
	key := blobstore.ParseLocation(a.Container, source)

	r, err := a.Blobs.NewReader(ctx, key)
	if err != nil {
		return fmt.Errorf("open source %s: %w", source, err)
	}
	defer r.Close()

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1

	header, err := cr.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read header of %s: %w", source, err)
	}

	col, err := synapse.DeviceColumn(header)
	if err != nil {
		return fmt.Errorf("source %s: %w", source, err)
	}

	for {
		record, err := cr.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("read %s: %w", source, err)
		}
		if col >= len(record) {
			continue
		}

		id := synapse.NormalizeDeviceID(record[col])
		if len(id) != 36 || id == audience.AnonymousDeviceID {
			continue
		}
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}

		if _, err := io.WriteString(out, id+"\n"); err != nil {
			return fmt.Errorf("write device row: %w", err)
		}
	}
}

func (a *Activities) countRows(ctx context.Context, input json.RawMessage) (any, error) {
	var keys []string
	if err := json.Unmarshal(input, &keys); err != nil {
		return nil, fmt.Errorf("decode keys: %w", err)
	}
	return a.Synapse.CountRows(ctx, keys)
}

func (a *Activities) footprint(ctx context.Context, input json.RawMessage) (any, error) {
	var in StepInput
	if err := json.Unmarshal(input, &in); err != nil {
		return nil, fmt.Errorf("decode step input: %w", err)
	}
	if a.Footprint == nil {
		return nil, fmt.Errorf("footprint service not configured")
	}
	return a.Footprint.Resolve(ctx, in.Source, in.OutputPrefix)
}
