package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.temporal.io/sdk/client"

	"storefront/api"
	"storefront/app"
	"storefront/checkout"
	"storefront/config"
	"storefront/gateway"
	"storefront/giftcards"
	"storefront/observability"
	"storefront/orders"
	"storefront/refunds"
	"storefront/workflows"
)

const ServerVersion = "2.0.0"

func main() {
	if err := run(); err != nil {
		slog.Error("Server stopped", "error", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger := observability.NewLogger(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tracing, err := observability.New(ctx, observability.Config{
		ServiceName:    "storefront-api",
		ServiceVersion: ServerVersion,
		OTLPEndpoint:   cfg.OTLPEndpoint,
		Insecure:       cfg.OTLPInsecure,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tracing.Shutdown(sctx)
	}()

	core, err := app.Open(ctx, cfg)
	if err != nil {
		return err
	}
	defer core.Close()

	gw, err := core.Gateway(core.Store)
	if err != nil {
		return err
	}

	// The lazy client connects on first use, so the API serves even while
	// Temporal is down; reconciliation starts then fail and are logged.
	opts, err := core.TemporalOptions()
	if err != nil {
		return err
	}
	tc, err := client.NewLazyClient(opts)
	if err != nil {
		return err
	}
	defer tc.Close()
	reconciler := workflows.NewStarter(tc, cfg.TaskQueue, core.ReconcileTemplate())

	refundService, err := refunds.NewService(core.Store, func(ledger gateway.RefundLedger) (refunds.Gateway, error) {
		return core.Gateway(ledger)
	}, refunds.WithReconciler(reconciler))
	if err != nil {
		return err
	}
	validator, err := api.NewJWTValidator(cfg.JWTSecret)
	if err != nil {
		return err
	}
	proxies, err := api.ParseTrustedProxies(cfg.Webhooks.TrustedProxies)
	if err != nil {
		return err
	}
	limiterOpts := []api.LimiterOption{api.WithTrustedProxies(proxies)}
	if core.WebhookLimiter != nil {
		limiterOpts = append(limiterOpts, api.WithSharedLimiter(core.WebhookLimiter))
	}

	handler := &api.Handler{
		Orders: orders.NewService(core.Store, orders.Pricing{
			TaxRate:               cfg.Pricing.TaxRate,
			FreeShippingThreshold: cfg.Pricing.FreeShippingThreshold,
			FlatShippingRate:      cfg.Pricing.FlatShippingRate,
		}),
		GiftCards: giftcards.NewService(core.Store, giftcards.Config{
			MaxAmount: cfg.GiftCards.MaxAmount,
			Validity:  cfg.GiftCards.Validity,
		}),
		Checkout:    checkout.NewService(core.Store, gw, core.Processor, checkout.WithReconciler(reconciler)),
		Refunds:     refundService,
		Callbacks:   core.Processor,
		Health:      core.Store,
		Counters:    core.Counters,
		Auth:        validator,
		WebhookRate: api.NewRateLimiter(cfg.Webhooks.RPS, cfg.Webhooks.Burst, limiterOpts...),
	}

	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handler.Router(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("HTTP server listening", "addr", srv.Addr, "version", ServerVersion, "database", cfg.DatabaseDriver)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	logger.Info("Shutting down HTTP server")
	sctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return srv.Shutdown(sctx)
}
