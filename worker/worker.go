package main

import (
	"context"
	"log/slog"
	"os"
	"time"

	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/worker"

	"storefront/activities"
	"storefront/app"
	"storefront/config"
	"storefront/observability"
	"storefront/workflows"
)

// Version information - update this when deploying new versions
const (
	WorkerVersion = "2.0.0"
	BuildID       = "2.0.0"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		os.Exit(1)
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx := context.Background()
	tracing, err := observability.New(ctx, observability.Config{
		ServiceName:    "storefront-worker",
		ServiceVersion: WorkerVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		logger.Error("Failed to initialize tracing", "error", err)
		os.Exit(1)
	}
	defer shutdown(tracing)

	core, err := app.Open(ctx, cfg)
	if err != nil {
		logger.Error("Failed to initialize dependencies", "error", err)
		os.Exit(1)
	}
	defer core.Close()

	gw, err := core.Gateway(core.Store)
	if err != nil {
		logger.Error("Failed to create gateway client", "error", err)
		os.Exit(1)
	}

	opts, err := core.TemporalOptions()
	if err != nil {
		logger.Error("Failed to configure Temporal client", "error", err)
		os.Exit(1)
	}
	c, err := client.Dial(opts)
	if err != nil {
		logger.Error("Unable to create Temporal client", "error", err)
		os.Exit(1)
	}
	defer c.Close()

	buildID := os.Getenv("BUILD_ID")
	if buildID == "" {
		buildID = BuildID
	}

	// Worker versioning needs server-side task queue configuration.
	w := worker.New(c, cfg.TaskQueue, worker.Options{
		BuildID:                                buildID,
		MaxConcurrentActivityExecutionSize:     100,
		MaxConcurrentWorkflowTaskExecutionSize: 50,
	})

	w.RegisterWorkflow(workflows.PaymentReconcileWorkflow)
	w.RegisterWorkflow(workflows.RefundReconcileWorkflow)

	reconcileActivities := activities.NewReconcileActivities(gw, core.Processor)
	w.RegisterActivity(reconcileActivities.ReconcilePayment)
	w.RegisterActivity(reconcileActivities.ReconcileRefund)

	logger.Info("Starting Temporal worker",
		"version", WorkerVersion,
		"build_id", buildID,
		"temporal_address", cfg.TemporalAddress,
		"task_queue", cfg.TaskQueue,
		"gateway", cfg.Gateway.BaseURL,
		"encryption", cfg.EncryptionKey != "",
	)

	if err := w.Run(worker.InterruptCh()); err != nil {
		logger.Error("Unable to start worker", "error", err)
		os.Exit(1)
	}
}

func shutdown(p *observability.Provider) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := p.Shutdown(ctx); err != nil {
		slog.Warn("Tracing shutdown failed", "error", err)
	}
}
