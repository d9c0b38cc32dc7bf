// Package config loads process configuration from the environment, optionally
// layered over a YAML file named by CONFIG_FILE. Environment variables win
// over the file, and the file wins over defaults.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config holds server and worker configuration.
type Config struct {
	Port     string `yaml:"port"`
	LogLevel string `yaml:"logLevel"`

	DatabaseDriver string `yaml:"databaseDriver"`
	DatabaseURL    string `yaml:"databaseUrl"`

	TemporalAddress string `yaml:"temporalAddress"`
	TaskQueue       string `yaml:"taskQueue"`
	EncryptionKey   string `yaml:"encryptionKey"`

	Gateway Gateway `yaml:"gateway"`

	JWTSecret string `yaml:"jwtSecret"`

	RedisAddr     string `yaml:"redisAddr"`
	RedisPassword string `yaml:"redisPassword"`
	RedisDB       int    `yaml:"redisDb"`

	AMQPURL string `yaml:"amqpUrl"`

	OTLPEndpoint string `yaml:"otlpEndpoint"`
	OTLPInsecure bool   `yaml:"otlpInsecure"`

	Pricing   Pricing   `yaml:"pricing"`
	GiftCards GiftCards `yaml:"giftCards"`
	Webhooks  Webhooks  `yaml:"webhooks"`
	Reconcile Reconcile `yaml:"reconcile"`
}

// Gateway is the payment provider merchant account.
type Gateway struct {
	BaseURL           string        `yaml:"baseUrl"`
	MerchantID        string        `yaml:"merchantId"`
	SaltKey           string        `yaml:"saltKey"`
	SaltIndex         int           `yaml:"saltIndex"`
	RedirectURL       string        `yaml:"redirectUrl"`
	CallbackURL       string        `yaml:"callbackUrl"`
	RefundCallbackURL string        `yaml:"refundCallbackUrl"`
	Timeout           time.Duration `yaml:"timeout"`
}

// Pricing holds the flat order pricing constants.
type Pricing struct {
	TaxRate               decimal.Decimal `yaml:"taxRate"`
	FreeShippingThreshold decimal.Decimal `yaml:"freeShippingThreshold"`
	FlatShippingRate      decimal.Decimal `yaml:"flatShippingRate"`
}

// GiftCards bounds gift card purchases.
type GiftCards struct {
	MaxAmount decimal.Decimal `yaml:"maxAmount"`
	Validity  time.Duration   `yaml:"validity"`
}

// Webhooks limits unauthenticated callback traffic per client address.
type Webhooks struct {
	RPS   int `yaml:"rps"`
	Burst int `yaml:"burst"`
	// TrustedProxies lists the CIDRs whose X-Forwarded-For is believed.
	// Empty means the peer address is always the client.
	TrustedProxies []string `yaml:"trustedProxies"`
}

// Reconcile is the polling schedule of the reconciliation workflows.
type Reconcile struct {
	GracePeriod time.Duration `yaml:"gracePeriod"`
	Interval    time.Duration `yaml:"interval"`
	MaxPolls    int           `yaml:"maxPolls"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Port:            "8080",
		LogLevel:        "INFO",
		DatabaseDriver:  "postgres",
		DatabaseURL:     "postgres://storefront@localhost:5432/storefront?sslmode=disable",
		TemporalAddress: "localhost:7233",
		TaskQueue:       "storefront-reconcile",
		Gateway: Gateway{
			BaseURL:   "https://api-preprod.phonepe.com/apis/pg-sandbox",
			SaltIndex: 1,
			Timeout:   10 * time.Second,
		},
		Pricing: Pricing{
			TaxRate:               decimal.RequireFromString("0.18"),
			FreeShippingThreshold: decimal.NewFromInt(1000),
			FlatShippingRate:      decimal.NewFromInt(50),
		},
		GiftCards: GiftCards{
			MaxAmount: decimal.NewFromInt(10000),
			Validity:  365 * 24 * time.Hour,
		},
		Webhooks: Webhooks{RPS: 20, Burst: 40},
		Reconcile: Reconcile{
			GracePeriod: 2 * time.Minute,
			Interval:    30 * time.Second,
			MaxPolls:    20,
		},
	}
}

// Load builds the configuration from defaults, CONFIG_FILE and the
// environment.
func Load() (*Config, error) {
	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.loadEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) loadEnv() error {
	setString(&c.Port, "PORT")
	setString(&c.LogLevel, "LOG_LEVEL")
	setString(&c.DatabaseDriver, "DATABASE_DRIVER")
	setString(&c.DatabaseURL, "DATABASE_URL")
	setString(&c.TemporalAddress, "TEMPORAL_ADDRESS")
	setString(&c.TaskQueue, "TASK_QUEUE")
	setString(&c.EncryptionKey, "ENCRYPTION_KEY")
	setString(&c.Gateway.BaseURL, "GATEWAY_BASE_URL")
	setString(&c.Gateway.MerchantID, "GATEWAY_MERCHANT_ID")
	setString(&c.Gateway.SaltKey, "GATEWAY_SALT_KEY")
	setString(&c.Gateway.RedirectURL, "GATEWAY_REDIRECT_URL")
	setString(&c.Gateway.CallbackURL, "GATEWAY_CALLBACK_URL")
	setString(&c.Gateway.RefundCallbackURL, "GATEWAY_REFUND_CALLBACK_URL")
	setString(&c.JWTSecret, "JWT_SECRET")
	setString(&c.RedisAddr, "REDIS_ADDR")
	setString(&c.RedisPassword, "REDIS_PASSWORD")
	setString(&c.AMQPURL, "AMQP_URL")
	setString(&c.OTLPEndpoint, "OTLP_ENDPOINT")
	setList(&c.Webhooks.TrustedProxies, "TRUSTED_PROXIES")

	return errors.Join(
		setInt(&c.Gateway.SaltIndex, "GATEWAY_SALT_INDEX"),
		setDuration(&c.Gateway.Timeout, "GATEWAY_TIMEOUT"),
		setInt(&c.RedisDB, "REDIS_DB"),
		setBool(&c.OTLPInsecure, "OTLP_INSECURE"),
		setDecimal(&c.Pricing.TaxRate, "TAX_RATE"),
		setDecimal(&c.Pricing.FreeShippingThreshold, "FREE_SHIPPING_THRESHOLD"),
		setDecimal(&c.Pricing.FlatShippingRate, "FLAT_SHIPPING_RATE"),
		setDecimal(&c.GiftCards.MaxAmount, "GIFT_CARD_MAX_AMOUNT"),
		setInt(&c.Webhooks.RPS, "WEBHOOK_RPS"),
		setInt(&c.Webhooks.Burst, "WEBHOOK_BURST"),
		setDuration(&c.Reconcile.GracePeriod, "RECONCILE_GRACE_PERIOD"),
		setDuration(&c.Reconcile.Interval, "RECONCILE_INTERVAL"),
		setInt(&c.Reconcile.MaxPolls, "RECONCILE_MAX_POLLS"),
	)
}

// Validate reports every setting the HTTP server cannot start without.
func (c *Config) Validate() error {
	var errs []error
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		errs = append(errs, fmt.Errorf("DATABASE_DRIVER must be postgres or sqlite, got %q", c.DatabaseDriver))
	}
	if c.Gateway.MerchantID == "" {
		errs = append(errs, errors.New("GATEWAY_MERCHANT_ID is required"))
	}
	if c.Gateway.SaltKey == "" {
		errs = append(errs, errors.New("GATEWAY_SALT_KEY is required"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.Pricing.TaxRate.IsNegative() || c.Pricing.FlatShippingRate.IsNegative() || c.Pricing.FreeShippingThreshold.IsNegative() {
		errs = append(errs, errors.New("pricing values must not be negative"))
	}
	for _, cidr := range c.Webhooks.TrustedProxies {
		if _, err := netip.ParsePrefix(cidr); err != nil {
			errs = append(errs, fmt.Errorf("TRUSTED_PROXIES entry %q is not a CIDR", cidr))
		}
	}
	return errors.Join(errs...)
}

func setString(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setList(dst *[]string, key string) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	*dst = out
}

func setInt(dst *int, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = n
	return nil
}

func setBool(dst *bool, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = b
	return nil
}

func setDuration(dst *time.Duration, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setDecimal(dst *decimal.Decimal, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	d, err := decimal.NewFromString(v)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = d
	return nil
}
