// Package app wires the ledgers, the provider client and the callback
// processor from configuration. The HTTP server and the Temporal worker share
// it so both apply provider outcomes the same way.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	amqp "github.com/rabbitmq/amqp091-go"
	"go.temporal.io/sdk/client"
	"go.temporal.io/sdk/converter"
	tlog "go.temporal.io/sdk/log"

	"storefront/callbacks"
	"storefront/checksum"
	"storefront/codec"
	"storefront/config"
	"storefront/events"
	"storefront/gateway"
	"storefront/metrics"
	"storefront/store"
	"storefront/workflows"
)

const (
	brokerAttempts       = 5
	webhookLimiterPrefix = "storefront:ratelimit:webhooks"
)

// Core holds the components every process needs.
type Core struct {
	Config    *config.Config
	Store     *store.Store
	Signer    *checksum.Codec
	Publisher events.Publisher
	Counters  metrics.Counters
	Processor *callbacks.Processor

	// WebhookLimiter is nil without Redis; webhook limits are then per process.
	WebhookLimiter *metrics.RedisLimiter

	logger  *slog.Logger
	closers []func() error
}

// Open connects storage, counters and the event broker and builds the
// callback processor. Redis and RabbitMQ are optional: without REDIS_ADDR
// counters stay in process, without AMQP_URL events go to the log.
func Open(ctx context.Context, cfg *config.Config) (*Core, error) {
	c := &Core{Config: cfg, logger: slog.Default().With("component", "app")}

	s, err := store.Open(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	c.Store = s
	c.closers = append(c.closers, s.Close)
	if err := s.Migrate(ctx); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	c.Signer, err = checksum.New(cfg.Gateway.SaltKey, cfg.Gateway.SaltIndex)
	if err != nil {
		c.Close()
		return nil, err
	}

	c.Counters = metrics.NewLocalCounters()
	if cfg.RedisAddr != "" {
		rc := metrics.NewRedisCounters(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err := rc.Ping(ctx); err != nil {
			c.logger.WarnContext(ctx, "Redis unavailable, keeping counters in process", "addr", cfg.RedisAddr, "error", err)
			_ = rc.Close()
		} else {
			c.Counters = rc
			c.WebhookLimiter = rc.Limiter(webhookLimiterPrefix, cfg.Webhooks.RPS, cfg.Webhooks.Burst)
			c.closers = append(c.closers, rc.Close)
		}
	}

	c.Publisher = events.LogPublisher{Logger: slog.Default()}
	if cfg.AMQPURL != "" {
		conn, ch, err := events.SetupConn(cfg.AMQPURL, brokerAttempts)
		if err != nil {
			c.Close()
			return nil, err
		}
		c.Publisher = events.NewAMQPPublisher(ch)
		c.closers = append(c.closers, closeBroker(conn, ch))
	}

	c.Processor = callbacks.New(s, c.Signer,
		callbacks.WithPublisher(c.Publisher),
		callbacks.WithCounters(c.Counters),
	)
	return c, nil
}

// Gateway builds a provider client that records refunds in ledger.
func (c *Core) Gateway(ledger gateway.RefundLedger) (*gateway.Client, error) {
	g := c.Config.Gateway
	return gateway.New(gateway.Config{
		BaseURL:           g.BaseURL,
		MerchantID:        g.MerchantID,
		RedirectURL:       g.RedirectURL,
		CallbackURL:       g.CallbackURL,
		RefundCallbackURL: g.RefundCallbackURL,
		Timeout:           g.Timeout,
	}, c.Signer, ledger)
}

// TemporalOptions returns client options with the payload codec installed
// when ENCRYPTION_KEY is set.
func (c *Core) TemporalOptions() (client.Options, error) {
	opts := client.Options{
		HostPort: c.Config.TemporalAddress,
		Logger:   tlog.NewStructuredLogger(slog.Default()),
	}
	dc, err := DataConverter(c.Config.EncryptionKey)
	if err != nil {
		return opts, err
	}
	if dc == nil {
		c.logger.Warn("ENCRYPTION_KEY not set, workflow payloads are stored unencrypted")
	}
	opts.DataConverter = dc
	return opts, nil
}

// ReconcileTemplate is the polling schedule given to every reconciliation.
func (c *Core) ReconcileTemplate() workflows.ReconcileRequest {
	r := c.Config.Reconcile
	return workflows.ReconcileRequest{
		GracePeriod: r.GracePeriod,
		Interval:    r.Interval,
		MaxPolls:    r.MaxPolls,
	}
}

// Close releases everything Open acquired, newest first.
func (c *Core) Close() {
	for i := len(c.closers) - 1; i >= 0; i-- {
		if err := c.closers[i](); err != nil {
			c.logger.Warn("close failed", "error", err)
		}
	}
	c.closers = nil
}

// DataConverter returns the encrypting converter for a hex key, or nil for an
// empty key.
func DataConverter(hexKey string) (converter.DataConverter, error) {
	if hexKey == "" {
		return nil, nil
	}
	key, err := codec.ParseKey(hexKey)
	if err != nil {
		return nil, err
	}
	return codec.NewEncryptionDataConverter(key)
}

func closeBroker(conn *amqp.Connection, ch *amqp.Channel) func() error {
	return func() error {
		return errors.Join(ch.Close(), conn.Close())
	}
}
