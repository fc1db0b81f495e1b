package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is the config file name used when no path is given.
const DefaultConfigFile = "config.yaml"

// ConfigPathEnv overrides the config path when the flag is empty.
const ConfigPathEnv = "CREDITCORE_CONFIG"

// AppConfig holds process level options resolved from flags.
type AppConfig struct {
	ConfigPath string
}

// Config is the YAML configuration of the credit service.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	JWT       JWTConfig       `yaml:"jwt"`
	Admin     AdminConfig     `yaml:"admin"`
	Stripe    StripeConfig    `yaml:"stripe"`
	Redis     RedisConfig     `yaml:"redis"`
	Log       LogConfig       `yaml:"log"`
	Webhook   WebhookConfig   `yaml:"webhook"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	ImageAPI  ImageAPIConfig  `yaml:"image-api"`
	Catalog   CatalogConfig   `yaml:"catalog"`
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	Mode            string        `yaml:"mode"`
	ShutdownTimeout time.Duration `yaml:"shutdown-timeout"`
}

// DatabaseConfig configures the ledger store.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"`
}

// JWTConfig holds the shared secrets used to verify user and admin tokens.
type JWTConfig struct {
	Secret      string        `yaml:"secret"`
	AdminSecret string        `yaml:"admin-secret"`
	AdminExpiry time.Duration `yaml:"admin-expiry"`
}

// AdminConfig seeds the initial operator account.
type AdminConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// StripeConfig configures the payment processor.
type StripeConfig struct {
	SecretKey     string `yaml:"secret-key"`
	WebhookSecret string `yaml:"webhook-secret"`
}

// RedisConfig configures the optional webhook in-flight lock. An empty Addr disables it.
type RedisConfig struct {
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	LockTTL  time.Duration `yaml:"lock-ttl"`
}

// LogConfig configures logrus output.
type LogConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max-size-mb"`
	MaxBackups int    `yaml:"max-backups"`
	MaxAgeDays int    `yaml:"max-age-days"`
}

// WebhookConfig configures the webhook retry policy.
type WebhookConfig struct {
	MaxAttempts int           `yaml:"max-attempts"`
	BaseDelay   time.Duration `yaml:"base-delay"`
	MaxDelay    time.Duration `yaml:"max-delay"`
}

// ReconcileConfig holds default reconciliation thresholds.
type ReconcileConfig struct {
	OrphanLookback    time.Duration `yaml:"orphan-lookback"`
	StalePendingAfter time.Duration `yaml:"stale-pending-after"`
}

// ImageAPIConfig configures the external face swap API.
type ImageAPIConfig struct {
	BaseURL string        `yaml:"base-url"`
	APIKey  string        `yaml:"api-key"`
	Timeout time.Duration `yaml:"timeout"`
}

// CatalogConfig seeds reference data on migrate.
type CatalogConfig struct {
	Actions  []ActionConfig  `yaml:"actions"`
	Packages []PackageConfig `yaml:"packages"`
	Plans    []PlanConfig    `yaml:"subscription-plans"`
}

// ActionConfig is a consumption cost entry.
type ActionConfig struct {
	ActionType string `yaml:"action-type"`
	Credits    int64  `yaml:"credits"`
	Active     *bool  `yaml:"active"`
}

// PackageConfig is a purchasable credit package.
type PackageConfig struct {
	ID       string `yaml:"id"`
	Name     string `yaml:"name"`
	Credits  int64  `yaml:"credits"`
	Price    string `yaml:"price"`
	Currency string `yaml:"currency"`
}

// PlanConfig maps a subscription price to credits per period.
type PlanConfig struct {
	PriceID    string `yaml:"price-id"`
	Name       string `yaml:"name"`
	UnitAmount int64  `yaml:"unit-amount"`
	Currency   string `yaml:"currency"`
	Interval   string `yaml:"interval"`
	Credits    int64  `yaml:"credits"`
}

// ResolveConfigPath returns the config path from the flag, the environment or the default.
func ResolveConfigPath(path string) string {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv(ConfigPathEnv))
	}
	if path == "" {
		path = DefaultConfigFile
	}
	return filepath.Clean(path)
}

// ConfigExists reports whether a config file is present at path.
func ConfigExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// Load reads the YAML config at path, applies environment overrides and defaults, and validates it.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	data, errRead := os.ReadFile(path)
	if errRead != nil && !errors.Is(errRead, os.ErrNotExist) {
		return nil, fmt.Errorf("config: read %s: %w", path, errRead)
	}
	if len(data) > 0 {
		if errUnmarshal := yaml.Unmarshal(data, cfg); errUnmarshal != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, errUnmarshal)
		}
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	if errValidate := cfg.Validate(); errValidate != nil {
		return nil, errValidate
	}
	return cfg, nil
}

// LoadDatabaseDSN loads only the database DSN from the config at path.
func LoadDatabaseDSN(path string) (string, error) {
	cfg, err := Load(path)
	if err != nil {
		return "", err
	}
	return cfg.Database.DSN, nil
}

// applyEnv overrides secrets from the environment.
func (c *Config) applyEnv() {
	overrides := []struct {
		env    string
		target *string
	}{
		{"DATABASE_DSN", &c.Database.DSN},
		{"JWT_SECRET", &c.JWT.Secret},
		{"ADMIN_JWT_SECRET", &c.JWT.AdminSecret},
		{"STRIPE_SECRET_KEY", &c.Stripe.SecretKey},
		{"STRIPE_WEBHOOK_SECRET", &c.Stripe.WebhookSecret},
		{"REDIS_ADDR", &c.Redis.Addr},
		{"IMAGE_API_KEY", &c.ImageAPI.APIKey},
	}
	for _, o := range overrides {
		if v, ok := os.LookupEnv(o.env); ok && strings.TrimSpace(v) != "" {
			*o.target = strings.TrimSpace(v)
		}
	}
}

func (c *Config) applyDefaults() {
	if c.Server.Addr == "" {
		c.Server.Addr = ":8080"
	}
	if c.Server.Mode == "" {
		c.Server.Mode = "release"
	}
	if c.Server.ShutdownTimeout <= 0 {
		c.Server.ShutdownTimeout = 10 * time.Second
	}
	if c.Database.DSN == "" {
		c.Database.DSN = "data/creditcore.db"
	}
	if c.JWT.AdminSecret == "" {
		c.JWT.AdminSecret = c.JWT.Secret
	}
	if c.JWT.AdminExpiry <= 0 {
		c.JWT.AdminExpiry = 12 * time.Hour
	}
	if c.Redis.LockTTL <= 0 {
		c.Redis.LockTTL = 30 * time.Second
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "text"
	}
	if c.Log.MaxSizeMB <= 0 {
		c.Log.MaxSizeMB = 100
	}
	if c.Log.MaxBackups <= 0 {
		c.Log.MaxBackups = 7
	}
	if c.Log.MaxAgeDays <= 0 {
		c.Log.MaxAgeDays = 30
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 3
	}
	if c.Webhook.BaseDelay <= 0 {
		c.Webhook.BaseDelay = time.Second
	}
	if c.Reconcile.OrphanLookback <= 0 {
		c.Reconcile.OrphanLookback = 30 * 24 * time.Hour
	}
	if c.Reconcile.StalePendingAfter <= 0 {
		c.Reconcile.StalePendingAfter = 10 * time.Minute
	}
	if c.ImageAPI.Timeout <= 0 {
		c.ImageAPI.Timeout = 60 * time.Second
	}
	if len(c.Catalog.Actions) == 0 {
		c.Catalog.Actions = []ActionConfig{{ActionType: "face_swap", Credits: 1}}
	}
}

// Validate checks settings that have no safe default.
func (c *Config) Validate() error {
	switch c.Server.Mode {
	case "debug", "release", "test":
	default:
		return fmt.Errorf("config: invalid server mode %q", c.Server.Mode)
	}
	for _, a := range c.Catalog.Actions {
		if strings.TrimSpace(a.ActionType) == "" || a.Credits <= 0 {
			return fmt.Errorf("config: invalid action %q: credits must be positive", a.ActionType)
		}
	}
	for _, p := range c.Catalog.Packages {
		if strings.TrimSpace(p.ID) == "" || p.Credits <= 0 || strings.TrimSpace(p.Price) == "" {
			return fmt.Errorf("config: invalid package %q", p.ID)
		}
	}
	for _, p := range c.Catalog.Plans {
		if strings.TrimSpace(p.PriceID) == "" || p.Credits <= 0 {
			return fmt.Errorf("config: invalid subscription plan %q", p.PriceID)
		}
	}
	return nil
}
