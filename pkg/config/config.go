// Package config loads the mindcared server configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/mihaimyh/mindcare/pkg/entitlement"
)

// Storage backends
const (
	StorageMemory    = "memory"
	StorageSQLite    = "sqlite"
	StorageRedis     = "redis"
	StoragePostgres  = "postgres"
	StorageFirestore = "firestore"
	StorageTiered    = "tiered"
)

// Config is the server configuration.
type Config struct {
	ListenAddr      string        `env:"MINDCARE_LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"MINDCARE_SHUTDOWN_TIMEOUT" envDefault:"15s"`

	Storage string `env:"MINDCARE_STORAGE" envDefault:"memory"`
	// TieredCold names the durable store behind the Redis cache when Storage is "tiered"
	TieredCold          string `env:"MINDCARE_TIERED_COLD" envDefault:"postgres"`
	SQLitePath          string `env:"MINDCARE_SQLITE_PATH" envDefault:"mindcare.db"`
	RedisAddr           string `env:"MINDCARE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword       string `env:"MINDCARE_REDIS_PASSWORD"`
	RedisKeyPrefix      string `env:"MINDCARE_REDIS_KEY_PREFIX"`
	PostgresDSN         string `env:"MINDCARE_POSTGRES_DSN"`
	FirestoreProject    string `env:"MINDCARE_FIRESTORE_PROJECT"`
	FirestoreCollection string `env:"MINDCARE_FIRESTORE_COLLECTION" envDefault:"mindcare_records"`

	BreakerThreshold int           `env:"MINDCARE_BREAKER_THRESHOLD" envDefault:"5"`
	BreakerTimeout   time.Duration `env:"MINDCARE_BREAKER_TIMEOUT" envDefault:"30s"`

	LimitArtTherapy    int `env:"MINDCARE_LIMIT_ART_THERAPY" envDefault:"1"`
	LimitTictacMinutes int `env:"MINDCARE_LIMIT_TICTAC_MINUTES" envDefault:"30"`
	LimitAIAnalyses    int `env:"MINDCARE_LIMIT_AI_ANALYSES" envDefault:"10"`
	LimitMoodTracking  int `env:"MINDCARE_LIMIT_MOOD_TRACKING" envDefault:"-1"`

	Timezone        string `env:"MINDCARE_TIMEZONE" envDefault:"UTC"`
	Strict          bool   `env:"MINDCARE_STRICT"`
	OverLimitPolicy string `env:"MINDCARE_OVER_LIMIT_POLICY" envDefault:"allow"`
	SyncWrites      bool   `env:"MINDCARE_SYNC_WRITES"`

	// TrackerIdleTTL unloads trackers not used for this long
	TrackerIdleTTL       time.Duration `env:"MINDCARE_TRACKER_IDLE_TTL" envDefault:"30m"`
	TrackerEvictInterval time.Duration `env:"MINDCARE_TRACKER_EVICT_INTERVAL" envDefault:"5m"`

	// AllowDirectUpgrade exposes the unauthenticated subscription route;
	// unset, it follows whether Stripe webhooks are disabled.
	AllowDirectUpgrade *bool `env:"MINDCARE_ALLOW_DIRECT_UPGRADE"`

	LogLevel         string `env:"MINDCARE_LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"MINDCARE_LOG_FORMAT" envDefault:"json"`
	MetricsNamespace string `env:"MINDCARE_METRICS_NAMESPACE" envDefault:"mindcare"`

	StripeAPIKey            string `env:"STRIPE_API_KEY"`
	StripeWebhookSecret     string `env:"STRIPE_WEBHOOK_SECRET"`
	StripePricePremium      string `env:"STRIPE_PRICE_PREMIUM"`
	StripePriceProfessional string `env:"STRIPE_PRICE_PROFESSIONAL"`
}

// Load reads an optional .env file, then parses the environment.
// Variables already set in the environment win over the file.
func Load(envFile string) (*Config, error) {
	if envFile != "" {
		if err := godotenv.Load(envFile); err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("load env file %s: %w", envFile, err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	cfg.Storage = strings.ToLower(strings.TrimSpace(cfg.Storage))
	cfg.TieredCold = strings.ToLower(strings.TrimSpace(cfg.TieredCold))
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the configuration for consistency
func (c *Config) Validate() error {
	switch c.Storage {
	case StorageMemory, StorageSQLite, StorageRedis, StoragePostgres, StorageFirestore:
	case StorageTiered:
		switch c.TieredCold {
		case StorageSQLite, StoragePostgres, StorageFirestore:
		default:
			return fmt.Errorf("tiered cold storage must be sqlite, postgres or firestore, got %q", c.TieredCold)
		}
	default:
		return fmt.Errorf("unknown storage backend %q", c.Storage)
	}
	if c.needs(StoragePostgres) && c.PostgresDSN == "" {
		return errors.New("MINDCARE_POSTGRES_DSN is required for postgres storage")
	}
	if c.needs(StorageFirestore) && c.FirestoreProject == "" {
		return errors.New("MINDCARE_FIRESTORE_PROJECT is required for firestore storage")
	}

	if err := c.Limits().Validate(); err != nil {
		return err
	}
	if _, err := c.Location(); err != nil {
		return err
	}
	switch entitlement.OverLimitPolicy(c.OverLimitPolicy) {
	case entitlement.OverLimitAllow, entitlement.OverLimitReject:
	default:
		return fmt.Errorf("invalid over-limit policy %q", c.OverLimitPolicy)
	}
	if c.TrackerIdleTTL <= 0 || c.TrackerEvictInterval <= 0 {
		return errors.New("tracker idle TTL and eviction interval must be positive")
	}
	if c.StripeWebhookSecret != "" && c.StripePricePremium == "" && c.StripePriceProfessional == "" {
		return errors.New("stripe webhooks need at least one of STRIPE_PRICE_PREMIUM or STRIPE_PRICE_PROFESSIONAL")
	}
	return nil
}

func (c *Config) needs(backend string) bool {
	return c.Storage == backend || (c.Storage == StorageTiered && c.TieredCold == backend)
}

// DirectUpgrade reports whether POST /subscription is mounted.
func (c *Config) DirectUpgrade() bool {
	if c.AllowDirectUpgrade != nil {
		return *c.AllowDirectUpgrade
	}
	return c.StripeWebhookSecret == ""
}

// Limits returns the free-tier daily caps
func (c *Config) Limits() entitlement.Limits {
	return entitlement.Limits{
		entitlement.FeatureArtTherapy:    c.LimitArtTherapy,
		entitlement.FeatureTictacMinutes: c.LimitTictacMinutes,
		entitlement.FeatureAIAnalyses:    c.LimitAIAnalyses,
		entitlement.FeatureMoodTracking:  c.LimitMoodTracking,
	}
}

// Location loads the default timezone
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("invalid timezone %q: %w", c.Timezone, err)
	}
	return loc, nil
}

// TierMapping maps configured Stripe prices to tiers
func (c *Config) TierMapping() map[string]string {
	mapping := make(map[string]string, 2)
	if c.StripePricePremium != "" {
		mapping[c.StripePricePremium] = string(entitlement.TierPremium)
	}
	if c.StripePriceProfessional != "" {
		mapping[c.StripePriceProfessional] = string(entitlement.TierProfessional)
	}
	return mapping
}
