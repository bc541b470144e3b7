package pipeline

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/metrics"
	"github.com/esquire-media/audience-engine/internal/schedule"
)

// Eternal is the per-audience lifecycle orchestration. Each cycle reloads the
// definition, rebuilds when the schedule (or a force flag) demands it, then
// sleeps until the next daily tick or a restart event and continues as new.
func (o *Orchestrators) Eternal(ctx *durable.Context, raw json.RawMessage) (any, error) {
	var settings EternalSettings
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &settings); err != nil {
			return nil, fmt.Errorf("decode settings: %w", err)
		}
	}
	if settings.AudienceID == "" {
		settings.AudienceID = ctx.InstanceID()
	}

	var aud audience.Audience
	if err := ctx.CallActivityWithRetry(ActivityGetAudience, durable.ReadRetry, settings.AudienceID, &aud); err != nil {
		return nil, err
	}

	if !aud.Status {
		ctx.SetCustomStatus(StatusPayload{
			State:        StateDisabled,
			AudienceID:   aud.ID,
			Schedule:     aud.RebuildSchedule,
			PreviousRuns: settings.History,
		})
		return map[string]string{"state": StateDisabled, "audience_id": aud.ID}, nil
	}

	var snap *SnapshotInfo
	if err := ctx.CallActivityWithRetry(ActivityNewestSnapshot, durable.ReadRetry, aud.ID, &snap); err != nil {
		return nil, err
	}

	// The schedule is evaluated against the newest snapshot so a missed
	// window triggers a rebuild on the next cycle.
	lastRun := time.Unix(0, 0).UTC()
	if snap != nil {
		lastRun = snap.RanAt
	}
	nextRun, err := schedule.Next(aud.RebuildSchedule, lastRun)
	if err != nil {
		return nil, err
	}
	nextFromNow, err := schedule.Next(aud.RebuildSchedule, ctx.CurrentUTC())
	if err != nil {
		return nil, err
	}

	history := settings.History
	if snap != nil {
		summary, err := o.summarize(ctx, snap, nil)
		if err != nil {
			return nil, err
		}
		history = audience.AppendRunSummary(history, summary)
	}

	ctx.SetCustomStatus(StatusPayload{
		State:        StateIdle,
		AudienceID:   aud.ID,
		Schedule:     aud.RebuildSchedule,
		Enabled:      true,
		NextRun:      &nextRun,
		NextFromNow:  &nextFromNow,
		PreviousRuns: history,
	})

	if settings.ForceRebuild || !ctx.CurrentUTC().Before(nextRun) {
		history, err = o.build(ctx, &aud, history)
		if err != nil {
			history = audience.AppendRunSummary(history, audience.RunSummary{
				RanAt: ctx.CurrentUTC(),
				Error: err.Error(),
			})
			ctx.SetCustomStatus(StatusPayload{
				State:        StateError,
				AudienceID:   aud.ID,
				Schedule:     aud.RebuildSchedule,
				Enabled:      true,
				Error:        err.Error(),
				PreviousRuns: history,
			})
			if mailErr := ctx.CallActivity(ActivityFailureEmail, failureEmailInput{
				AudienceID: aud.ID,
				Error:      err.Error(),
			}, nil); mailErr != nil {
				ctx.Logger().Error("Failure notification activity failed", "error", mailErr)
			}
			return nil, err
		}
		nextFromNow, err = schedule.Next(aud.RebuildSchedule, ctx.CurrentUTC())
		if err != nil {
			return nil, err
		}
	}

	// Sleep until midnight UTC or an explicit restart, whichever is first.
	tick, err := schedule.Next(schedule.DailyTick, ctx.CurrentUTC())
	if err != nil {
		return nil, err
	}
	timer := ctx.CreateTimer(tick)
	restart := ctx.WaitForExternalEvent(EventRestart)

	ctx.SetCustomStatus(StatusPayload{
		State:        StateSleeping,
		Message:      fmt.Sprintf("%s %s", NextRunPrefix, nextFromNow.Format(time.RFC3339)),
		AudienceID:   aud.ID,
		Schedule:     aud.RebuildSchedule,
		Enabled:      true,
		NextFromNow:  &nextFromNow,
		PreviousRuns: history,
	})

	winner, err := ctx.TaskAny([]*durable.Task{timer, restart})
	if err != nil {
		return nil, err
	}

	next := EternalSettings{AudienceID: aud.ID, History: history}
	if winner == restart {
		var overrides EternalSettings
		if err := restart.Result(&overrides); err != nil {
			return nil, fmt.Errorf("decode restart event: %w", err)
		}
		next.ForceRebuild = overrides.ForceRebuild
	}

	ctx.ContinueAsNew(next)
	return nil, nil
}

// build runs one rebuild cycle: pipeline, uploads, and the post-run summary.
func (o *Orchestrators) build(ctx *durable.Context, aud *audience.Audience, history []audience.RunSummary) ([]audience.RunSummary, error) {
	ctx.SetCustomStatus(StatusPayload{
		State:        StateBuilding,
		Message:      "Building audience",
		AudienceID:   aud.ID,
		Schedule:     aud.RebuildSchedule,
		Enabled:      true,
		PreviousRuns: history,
	})

	var built FinalizeOutput
	if err := ctx.CallSubOrchestrator(OrchestratorPipeline, "", PipelineInput{Audience: aud}, &built); err != nil {
		return history, err
	}

	targets := map[string]any{
		"meta":      aud.Advertiser.Meta != "",
		"xandr":     aud.Advertiser.Xandr != "",
		"freewheel": aud.Advertiser.Freewheel != "" && aud.Segment != "",
	}

	ctx.SetCustomStatus(StatusPayload{
		State:        StateUploading,
		Message:      "Uploading audience",
		AudienceID:   aud.ID,
		Schedule:     aud.RebuildSchedule,
		Enabled:      true,
		Targets:      targets,
		PreviousRuns: history,
	})

	var uploads UploadsOutput
	err := ctx.CallSubOrchestrator(OrchestratorUploads, "", UploadsInput{
		AudienceID: aud.ID,
		Meta:       aud.Advertiser.Meta != "",
		Freewheel:  aud.Advertiser.Freewheel != "" && aud.Segment != "",
	}, &uploads)
	if err != nil {
		return history, err
	}

	var snap *SnapshotInfo
	if err := ctx.CallActivityWithRetry(ActivityNewestSnapshot, durable.ReadRetry, aud.ID, &snap); err != nil {
		return history, err
	}
	if snap != nil {
		summary, err := o.summarize(ctx, snap, targets)
		if err != nil {
			return history, err
		}
		history = audience.AppendRunSummary(history, summary)
	}

	if !ctx.IsReplaying() {
		if m := metrics.Get(); m != nil {
			m.IncBuildsCompleted(aud.ID)
		}
	}

	completed := ctx.CurrentUTC()
	nextRun, err := schedule.Next(aud.RebuildSchedule, completed)
	if err != nil {
		return history, err
	}
	ctx.SetCustomStatus(StatusPayload{
		State:        StateCompleted,
		AudienceID:   aud.ID,
		Schedule:     aud.RebuildSchedule,
		Enabled:      true,
		NextRun:      &nextRun,
		Targets:      targets,
		CompletedAt:  &completed,
		PreviousRuns: history,
	})
	return history, nil
}

// summarize counts the snapshot's shards and distinct devices.
func (o *Orchestrators) summarize(ctx *durable.Context, snap *SnapshotInfo, targets map[string]any) (audience.RunSummary, error) {
	var files int
	if err := ctx.CallActivityWithRetry(ActivityCountFiles, durable.ReadRetry, snap.Prefix, &files); err != nil {
		return audience.RunSummary{}, err
	}
	var devices int64
	if err := ctx.CallActivityWithRetry(ActivityCountDevices, durable.ReadRetry, snap.Prefix, &devices); err != nil {
		return audience.RunSummary{}, err
	}
	return audience.RunSummary{
		RanAt:       snap.RanAt,
		Prefix:      snap.Prefix,
		FileCount:   files,
		DeviceCount: &devices,
		Targets:     targets,
	}, nil
}
