package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/esquire-media/audience-engine/internal/audience"
	"github.com/esquire-media/audience-engine/internal/blobstore"
	"github.com/esquire-media/audience-engine/internal/config"
	"github.com/esquire-media/audience-engine/internal/durable"
	"github.com/esquire-media/audience-engine/internal/freewheel"
	"github.com/esquire-media/audience-engine/internal/httpapi"
	"github.com/esquire-media/audience-engine/internal/logging"
	"github.com/esquire-media/audience-engine/internal/metaads"
	"github.com/esquire-media/audience-engine/internal/metrics"
	"github.com/esquire-media/audience-engine/internal/notify"
	"github.com/esquire-media/audience-engine/internal/onspot"
	"github.com/esquire-media/audience-engine/internal/pipeline"
	"github.com/esquire-media/audience-engine/internal/synapse"
)

func main() {
	cfg := config.MustLoad()
	logging.Setup(logging.Config{Format: cfg.Logging.Format, Level: cfg.Logging.Level})
	log := logging.Component("main")

	if cfg.Metrics.Enabled {
		metrics.Init("audience_engine")
		go func() {
			if err := metrics.StartServer(cfg.Metrics.Address); err != nil {
				log.Error("Metrics server stopped", "error", err)
			}
		}()
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	blobs, err := blobstore.Open(ctx, blobstore.Config{
		BucketURL:      cfg.Storage.BucketURL,
		Container:      cfg.Storage.Container,
		MaxAppendBlock: cfg.Freewheel.MaxAppendBlock,
	})
	if err != nil {
		fatal(log, "open blob store", err)
	}
	defer blobs.Close()

	var catalog audience.Store
	if cfg.Catalog.PostgresDSN != "" {
		catalog, err = audience.NewPostgresStore(cfg.Catalog.PostgresDSN)
		if err != nil {
			fatal(log, "open catalog", err)
		}
	} else {
		log.Warn("No catalog DSN configured, using in-memory catalog")
		catalog = audience.NewMemoryStore()
	}
	defer catalog.Close()

	histStore, err := durable.NewFileStore(cfg.Runtime.HistoryDir)
	if err != nil {
		fatal(log, "open history store", err)
	}

	rt := durable.NewRuntime(histStore, durable.Options{
		Workers:   cfg.Runtime.Workers,
		QueueSize: cfg.Runtime.QueueSize,
	})

	syn := synapse.NewBlobExecutor(blobs)

	var email notify.Sender
	if cfg.Email.Endpoint != "" {
		email = notify.NewHTTPSender(cfg.Email.Endpoint, cfg.Email.From, cfg.Email.To)
	}

	var footprint *pipeline.FootprintClient
	if cfg.Pipeline.FootprintEndpoint != "" {
		footprint = pipeline.NewFootprintClient(cfg.Pipeline.FootprintEndpoint)
	}

	onspotClient := onspot.NewClient(cfg.OnSpot.Endpoint, cfg.OnSpot.APIKey)
	coordinator := onspot.NewCoordinator(blobs, onspotClient, cfg.Storage.Container,
		cfg.HTTP.PublicBaseURL, cfg.OnSpot.MaxInlineBytes)
	coordinator.Register(rt)

	activities := pipeline.NewActivities(catalog, blobs, syn, email, footprint, cfg.Storage.Container)
	activities.Register(rt)

	metaUploader := metaads.NewUploader(catalog, blobs, syn,
		metaads.NewClient(cfg.Meta.GraphURL, cfg.Meta.AccessToken),
		cfg.Meta.AdAccountID, cfg.Meta.BatchSize)
	metaUploader.Register(rt)

	fwUploader := freewheel.NewUploader(catalog, blobs,
		freewheel.NewClient(cfg.Freewheel.BuzzURL, cfg.Freewheel.Email, cfg.Freewheel.Password),
		cfg.Freewheel)
	fwUploader.Register(rt)

	orchestrators := pipeline.NewOrchestrators(cfg.Pipeline, metaads.OrchestratorName, freewheel.OrchestratorName)
	orchestrators.Register(rt)

	if err := rt.Start(ctx); err != nil {
		fatal(log, "start runtime", err)
	}

	server := httpapi.NewServer(rt)
	go func() {
		if err := server.Listen(cfg.HTTP.ListenAddr); err != nil {
			log.Error("HTTP server stopped", "error", err)
			cancel()
		}
	}()
	log.Info("Audience engine started", "listen_addr", cfg.HTTP.ListenAddr)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("Shutting down", "signal", sig.String())
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("HTTP shutdown failed", "error", err)
	}
	if err := rt.Shutdown(shutdownCtx); err != nil {
		log.Error("Runtime shutdown failed", "error", err)
	}
	log.Info("Audience engine stopped")
}

func fatal(log *slog.Logger, op string, err error) {
	log.Error("Startup failed", "op", op, "error", err)
	os.Exit(1)
}
