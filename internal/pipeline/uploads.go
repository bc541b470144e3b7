package pipeline

import (
	"encoding/json"
	"fmt"

	"github.com/esquire-media/audience-engine/internal/durable"
)

// UploadsInput names the audience and which platforms receive it.
type UploadsInput struct {
	AudienceID string `json:"audience_id"`
	Meta       bool   `json:"meta"`
	Freewheel  bool   `json:"freewheel"`
}

// UploadsOutput carries the raw per-platform results.
type UploadsOutput struct {
	Meta      json.RawMessage `json:"meta,omitempty"`
	Freewheel json.RawMessage `json:"freewheel,omitempty"`
}

// Uploads schedules the platform uploaders. Both slots are always scheduled,
// in a fixed order, so the history shape never depends on which platforms are
// enabled; disabled slots run the no-op orchestration.
func (o *Orchestrators) Uploads(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var in UploadsInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode uploads input: %w", err)
	}

	metaName := o.metaOrch
	if !in.Meta || metaName == "" {
		metaName = OrchestratorUploadNoop
	}
	freewheelName := o.freewheelOrch
	if !in.Freewheel || freewheelName == "" {
		freewheelName = OrchestratorUploadNoop
	}

	metaTask := ctx.StartSubOrchestrator(metaName, "", in.AudienceID)
	freewheelTask := ctx.StartSubOrchestrator(freewheelName, "", in.AudienceID)

	var out UploadsOutput
	if err := metaTask.Await(&out.Meta); err != nil {
		return nil, err
	}
	if err := freewheelTask.Await(&out.Freewheel); err != nil {
		return nil, err
	}
	return out, nil
}

func (o *Orchestrators) uploadNoop(ctx *durable.Context, raw json.RawMessage) (any, error) {
	return map[string]any{"skipped": true}, nil
}
