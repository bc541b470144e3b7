package pipeline

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/durable"
)

// PipelineInput carries the full audience definition so replay never observes
// a catalog edit mid-build.
type PipelineInput struct {
	Audience *audience.Audience `json:"audience"`
}

// Pipeline walks the audience's processing steps, fanning each source out to
// one step sub-orchestration, converts the final payload to device IDs when
// needed, and hands the results to the finalizer.
func (o *Orchestrators) Pipeline(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var in PipelineInput
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, fmt.Errorf("decode pipeline input: %w", err)
	}
	aud := in.Audience
	if aud == nil {
		return nil, fmt.Errorf("pipeline input has no audience")
	}

	var sources []string
	if err := ctx.CallActivityWithRetry(ActivityListSources, durable.ReadRetry, aud.ID, &sources); err != nil {
		return nil, err
	}

	// The device-targeting date range comes from the last step's custom
	// coding when present, otherwise from the audience TTL.
	coding := map[string]any(nil)
	if n := len(aud.Processes); n > 0 {
		coding = aud.Processes[n-1].CustomCoding
	}
	if coding == nil {
		coding = defaultCoding(aud, ctx.CurrentUTC())
	}

	for k := range aud.Processes {
		step := &aud.Processes[k]
		def, err := StepFor(aud.StepInputType(k), step.OutputType)
		if err != nil {
			return nil, fmt.Errorf("audience %s step %d: %w", aud.ID, k, err)
		}

		stepCoding := step.CustomCoding
		if k == len(aud.Processes)-1 && step.OutputType == audience.TypeDeviceIDs {
			stepCoding = coding
		}

		results, err := o.runStep(ctx, def, sources, audience.WorkingPrefix(ctx.InstanceID(), aud.ID, k), stepCoding)
		if err != nil {
			return nil, err
		}
		step.Results = results
		sources = results
	}

	if final := aud.FinalOutputType(); final != audience.TypeDeviceIDs {
		def, err := StepFor(final, audience.TypeDeviceIDs)
		if err != nil {
			return nil, fmt.Errorf("audience %s final conversion: %w", aud.ID, err)
		}
		results, err := o.runStep(ctx, def, sources, audience.WorkingPrefix(ctx.InstanceID(), aud.ID, len(aud.Processes)), coding)
		if err != nil {
			return nil, err
		}
		sources = results
	}

	var out FinalizeOutput
	if err := ctx.CallSubOrchestrator(OrchestratorFinalize, "", FinalizeInput{
		AudienceID: aud.ID,
		Sources:    sources,
	}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// runStep fans the sources out to the step's sub-orchestration, at most
// StepFanout in flight, and flattens the per-source result lists in input
// order.
func (o *Orchestrators) runStep(ctx *durable.Context, def StepDef, sources []string, working string, coding map[string]any) ([]string, error) {
	lists, err := windowedTaskAll[[]string](len(sources), o.cfg.StepFanout, func(i int) *durable.Task {
		return ctx.StartSubOrchestrator(def.Orchestrator, "", StepInput{
			Source:       sources[i],
			OutputPrefix: working,
			CustomCoding: coding,
		})
	})
	if err != nil {
		return nil, err
	}

	var flat []string
	for _, list := range lists {
		flat = append(flat, list...)
	}
	return flat, nil
}

// defaultCoding builds the TTL-derived device observation window. The range
// ends two days back to stay clear of ingest lag.
func defaultCoding(aud *audience.Audience, now time.Time) map[string]any {
	length := aud.TTLLength
	if length <= 0 {
		length = 90
	}

	start := now.AddDate(0, 0, -length)
	if strings.EqualFold(aud.TTLUnit, "months") {
		start = now.AddDate(0, -length, 0)
	}
	end := now.AddDate(0, 0, -2)

	return map[string]any{
		"dateStart": start.Format("2006-01-02"),
		"dateEnd":   end.Format("2006-01-02"),
	}
}
