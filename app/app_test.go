package app_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"storefront/app"
	"storefront/config"
	"storefront/metrics"
	"storefront/store"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.DatabaseDriver = store.DriverSQLite
	cfg.DatabaseURL = ":memory:"
	cfg.Gateway.MerchantID = "MERCHANTUAT"
	cfg.Gateway.SaltKey = "salt-key"
	cfg.Gateway.BaseURL = "http://127.0.0.1:1"
	return cfg
}

func TestOpen_LocalFallbacks(t *testing.T) {
	core, err := app.Open(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(core.Close)

	require.NoError(t, core.Store.Ping(context.Background()))
	assert.IsType(t, &metrics.LocalCounters{}, core.Counters)
	assert.Nil(t, core.WebhookLimiter)
	assert.NotNil(t, core.Processor)

	gw, err := core.Gateway(core.Store)
	require.NoError(t, err)
	assert.Equal(t, "phonepe", gw.Provider())
}

func TestOpen_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*config.Config)
		want   string
	}{
		{"driver", func(c *config.Config) { c.DatabaseDriver = "mysql" }, "unsupported database driver"},
		{"salt key", func(c *config.Config) { c.Gateway.SaltKey = "" }, "checksum secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)
			_, err := app.Open(context.Background(), cfg)
			require.Error(t, err)
			assert.Contains(t, strings.ToLower(err.Error()), tt.want)
		})
	}
}

func TestTemporalOptions(t *testing.T) {
	core, err := app.Open(context.Background(), testConfig())
	require.NoError(t, err)
	t.Cleanup(core.Close)

	opts, err := core.TemporalOptions()
	require.NoError(t, err)
	assert.Equal(t, "localhost:7233", opts.HostPort)
	assert.Nil(t, opts.DataConverter)
	assert.NotNil(t, opts.Logger)

	core.Config.EncryptionKey = strings.Repeat("ab", 32)
	opts, err = core.TemporalOptions()
	require.NoError(t, err)
	assert.NotNil(t, opts.DataConverter)

	core.Config.EncryptionKey = "abcd"
	_, err = core.TemporalOptions()
	assert.Error(t, err)
}

func TestReconcileTemplate(t *testing.T) {
	cfg := testConfig()
	cfg.Reconcile.MaxPolls = 7
	core, err := app.Open(context.Background(), cfg)
	require.NoError(t, err)
	t.Cleanup(core.Close)

	tmpl := core.ReconcileTemplate()
	assert.Equal(t, 7, tmpl.MaxPolls)
	assert.Equal(t, cfg.Reconcile.Interval, tmpl.Interval)
	assert.Empty(t, tmpl.ID)
}
