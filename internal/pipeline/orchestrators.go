// Package pipeline contains the audience orchestrations: the eternal
// per-audience lifecycle, the typed step state machine, the finalizer, and
// the upload coordinator.
package pipeline

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/config"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/onspot"
)

// Orchestrator names.
const (
	OrchestratorEternal    = "audience-lifecycle"
	OrchestratorPipeline   = "audience-pipeline"
	OrchestratorFinalize   = "audience-finalize"
	OrchestratorUploads    = "audience-uploads"
	OrchestratorUploadNoop = "uploads/noop"
)

// EventRestart wakes a sleeping lifecycle instance with new settings.
const EventRestart = "restart"

// Custom-status states published by the lifecycle orchestrator.
const (
	StateDisabled  = "Disabled"
	StateIdle      = "Idle"
	StateBuilding  = "Building"
	StateUploading = "Uploading"
	StateCompleted = "Completed"
	StateError     = "Error"
	StateSleeping  = "Sleeping"
)

// NextRunPrefix starts the sleeping-status message. The HTTP starter treats a
// running instance whose message carries this prefix as safely restartable
// via the restart event.
const NextRunPrefix = "Next run:"

// EternalSettings is the lifecycle orchestrator's input, carried across
// continue-as-new cycles.
type EternalSettings struct {
	AudienceID   string                `json:"audience_id"`
	ForceRebuild bool                  `json:"forceRebuild,omitempty"`
	History      []audience.RunSummary `json:"history,omitempty"`
}

// StatusPayload is the custom status published for external monitors.
type StatusPayload struct {
	State        string                `json:"state"`
	Message      string                `json:"message,omitempty"`
	AudienceID   string                `json:"audience_id,omitempty"`
	Schedule     string                `json:"schedule,omitempty"`
	Enabled      bool                  `json:"enabled"`
	NextRun      *time.Time            `json:"next_run,omitempty"`
	NextFromNow  *time.Time            `json:"next_from_now,omitempty"`
	PreviousRuns []audience.RunSummary `json:"previous_runs"`
	Targets      map[string]any        `json:"targets,omitempty"`
	CompletedAt  *time.Time            `json:"completed_at,omitempty"`
	Error        string                `json:"error,omitempty"`
}

// StepInput is the input of every step orchestrator: one source location and
// the working prefix its outputs land under.
type StepInput struct {
	Source       string         `json:"source"`
	OutputPrefix string         `json:"output_prefix"`
	CustomCoding map[string]any `json:"customCoding,omitempty"`
}

// Orchestrators holds the orchestration definitions. The uploader
// orchestrator names are injected so the pipeline stays decoupled from the
// platform packages.
type Orchestrators struct {
	cfg           config.PipelineConfig
	metaOrch      string
	freewheelOrch string
	log           *slog.Logger
}

// NewOrchestrators wires the orchestration definitions.
func NewOrchestrators(cfg config.PipelineConfig, metaOrch, freewheelOrch string) *Orchestrators {
	if cfg.StepFanout <= 0 {
		cfg.StepFanout = 10
	}
	if cfg.FinalizeBatch <= 0 {
		cfg.FinalizeBatch = 200
	}
	if cfg.CountFanout <= 0 {
		cfg.CountFanout = 50
	}
	return &Orchestrators{
		cfg:           cfg,
		metaOrch:      metaOrch,
		freewheelOrch: freewheelOrch,
		log:           logging.Component("pipeline"),
	}
}

// Register registers every pipeline orchestrator on the runtime.
func (o *Orchestrators) Register(rt *durable.Runtime) {
	rt.RegisterOrchestrator(OrchestratorEternal, o.Eternal)
	rt.RegisterOrchestrator(OrchestratorPipeline, o.Pipeline)
	rt.RegisterOrchestrator(OrchestratorFinalize, o.Finalize)
	rt.RegisterOrchestrator(OrchestratorUploads, o.Uploads)
	rt.RegisterOrchestrator(OrchestratorUploadNoop, o.uploadNoop)

	registered := make(map[string]bool)
	for _, def := range stepTable {
		if registered[def.Orchestrator] {
			continue
		}
		registered[def.Orchestrator] = true
		rt.RegisterOrchestrator(def.Orchestrator, o.stepOrchestrator(def))
	}
}

// stepOrchestrator builds the orchestration for one transition cell.
func (o *Orchestrators) stepOrchestrator(def StepDef) durable.OrchestratorFunc {
	return func(ctx *durable.Context, raw json.RawMessage) (any, error) {
		var in StepInput
		if err := json.Unmarshal(raw, &in); err != nil {
			return nil, fmt.Errorf("decode step input: %w", err)
		}

		switch def.Kind {
		case StepNoop:
			return []string{in.Source}, nil

		case StepFootprint:
			var results []string
			if err := ctx.CallActivityWithRetry(ActivityFootprint, durable.NetworkRetry, in, &results); err != nil {
				return nil, err
			}
			return results, nil

		default:
			return onspot.RunJob(ctx, onspot.JobInput{
				Endpoint:     def.Endpoint,
				Mode:         def.Mode,
				Source:       in.Source,
				OutputPrefix: in.OutputPrefix,
				Extra:        in.CustomCoding,
			})
		}
	}
}
