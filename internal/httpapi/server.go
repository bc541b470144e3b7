// Package httpapi exposes the engine's HTTP surface: audience lifecycle
// control, status queries, and the OnSpot callback sink.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/gofiber/fiber/v3"

	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/onspot"
	"github.com/esquire-media/audience-engine/internal/pipeline"
)

// Server routes HTTP requests to the durable runtime.
type Server struct {
	rt  *durable.Runtime
	app *fiber.App
	log *slog.Logger
}

// NewServer builds the HTTP server and its routes.
func NewServer(rt *durable.Runtime) *Server {
	s := &Server{
		rt:  rt,
		app: fiber.New(fiber.Config{AppName: "audience-engine"}),
		log: logging.Component("httpapi"),
	}

	s.app.Get("/healthz", s.health)
	s.app.Post("/api/audiences/:id", s.startAudience)
	s.app.Get("/api/audiences/:id", s.getAudience)
	s.app.Post("/api/onspot/callback/:instance/:event", s.onspotCallback)

	return s
}

// App exposes the fiber app for tests.
func (s *Server) App() *fiber.App {
	return s.app
}

// Listen serves until shutdown.
func (s *Server) Listen(addr string) error {
	return s.app.Listen(addr)
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.app.ShutdownWithContext(ctx)
}

func (s *Server) health(c fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// startAudience starts (or wakes) the audience's lifecycle orchestration. A
// sleeping instance is woken with a restart event instead of being recreated,
// so its run history survives; anything else is replaced wholesale.
func (s *Server) startAudience(c fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "audience id required"})
	}

	settings := pipeline.EternalSettings{
		AudienceID:   id,
		ForceRebuild: c.Query("force") == "true" || c.Query("force") == "1",
	}

	status, err := s.rt.GetStatus(c.Context(), id)
	if err == nil && status.Runtime == durable.StatusRunning {
		if sleeping(status.CustomStatus) {
			if err := s.rt.RaiseEvent(c.Context(), id, pipeline.EventRestart, settings); err != nil {
				return s.internalError(c, "raise restart", err)
			}
			s.log.Info("Woke sleeping audience", "audience_id", id, "force", settings.ForceRebuild)
			return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"instance_id": id, "restarted": true})
		}
		if err := s.rt.Terminate(c.Context(), id, "restart requested"); err != nil {
			return s.internalError(c, "terminate", err)
		}
		waitCtx, cancel := context.WithTimeout(c.Context(), 10*time.Second)
		_, waitErr := s.rt.WaitForCompletion(waitCtx, id)
		cancel()
		if waitErr != nil {
			return s.internalError(c, "await termination", waitErr)
		}
	}
	if err == nil {
		if err := s.rt.Purge(c.Context(), id); err != nil {
			return s.internalError(c, "purge", err)
		}
	}

	if err := s.rt.StartNew(c.Context(), pipeline.OrchestratorEternal, id, settings); err != nil {
		return s.internalError(c, "start", err)
	}
	s.log.Info("Started audience lifecycle", "audience_id", id, "force", settings.ForceRebuild)
	return c.Status(fiber.StatusAccepted).JSON(fiber.Map{"instance_id": id, "started": true})
}

// sleeping reports whether the custom status is the sleeping state with a
// next-run message, meaning a restart event will be consumed.
func sleeping(customStatus json.RawMessage) bool {
	if len(customStatus) == 0 {
		return false
	}
	var payload pipeline.StatusPayload
	if err := json.Unmarshal(customStatus, &payload); err != nil {
		return false
	}
	return payload.State == pipeline.StateSleeping && strings.HasPrefix(payload.Message, pipeline.NextRunPrefix)
}

func (s *Server) getAudience(c fiber.Ctx) error {
	status, err := s.rt.GetStatus(c.Context(), c.Params("id"))
	if errors.Is(err, durable.ErrNoHistory) {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such audience instance"})
	}
	if err != nil {
		return s.internalError(c, "get status", err)
	}
	return c.JSON(status)
}

// onspotCallback raises the named external event on the waiting instance.
func (s *Server) onspotCallback(c fiber.Ctx) error {
	instance, err := url.PathUnescape(c.Params("instance"))
	if err != nil || instance == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad instance id"})
	}
	event := c.Params("event")

	var payload onspot.Callback
	if err := c.Bind().JSON(&payload); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad callback payload"})
	}

	if err := s.rt.RaiseEvent(c.Context(), instance, event, payload); err != nil {
		if errors.Is(err, durable.ErrNoHistory) {
			return c.Status(fiber.StatusNotFound).JSON(fiber.Map{"error": "no such instance"})
		}
		return s.internalError(c, "raise callback event", err)
	}

	s.log.Info("Received resolution callback", "instance", instance, "event", event, "success", payload.Success)
	return c.JSON(fiber.Map{"accepted": true})
}

func (s *Server) internalError(c fiber.Ctx, op string, err error) error {
	s.log.Error("Request failed", "op", op, "error", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": err.Error()})
}
