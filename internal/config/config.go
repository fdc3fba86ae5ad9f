package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ConflictPolicy decides what a duplicate submission does while the first
// attempt for its key is still processing.
type ConflictPolicy string

const (
	ConflictReject ConflictPolicy = "reject"
	ConflictWait   ConflictPolicy = "wait"
)

type Config struct {
	Env            string
	InitialBalance int64
	ChargeAmount   int64
	Latency        time.Duration
	KeyTTL         time.Duration
	SweepInterval  time.Duration
	ConflictPolicy ConflictPolicy
	LogLevel       slog.Level
}

// Load reads configuration from the environment, falling back to the defaults
// of the reference checkout flow (a $1000 wallet charged $100 per request).
func Load() (*Config, error) {
	v := viper.New()
	v.AutomaticEnv()

	v.SetDefault("ENVIRONMENT", "development")
	v.SetDefault("INITIAL_BALANCE", 1000)
	v.SetDefault("CHARGE_AMOUNT", 100)
	v.SetDefault("LATENCY", "1500ms")
	v.SetDefault("KEY_TTL", "24h")
	v.SetDefault("SWEEP_INTERVAL", "1m")
	v.SetDefault("CONFLICT_POLICY", string(ConflictReject))
	v.SetDefault("LOG_LEVEL", "info")

	cfg := &Config{
		Env:            v.GetString("ENVIRONMENT"),
		InitialBalance: v.GetInt64("INITIAL_BALANCE"),
		ChargeAmount:   v.GetInt64("CHARGE_AMOUNT"),
		Latency:        v.GetDuration("LATENCY"),
		KeyTTL:         v.GetDuration("KEY_TTL"),
		SweepInterval:  v.GetDuration("SWEEP_INTERVAL"),
		ConflictPolicy: ConflictPolicy(strings.ToLower(v.GetString("CONFLICT_POLICY"))),
	}

	if err := cfg.LogLevel.UnmarshalText([]byte(v.GetString("LOG_LEVEL"))); err != nil {
		return nil, fmt.Errorf("LOG_LEVEL: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.InitialBalance < 0 {
		return fmt.Errorf("INITIAL_BALANCE must not be negative, got %d", c.InitialBalance)
	}
	if c.ChargeAmount <= 0 {
		return fmt.Errorf("CHARGE_AMOUNT must be positive, got %d", c.ChargeAmount)
	}
	if c.Latency < 0 || c.KeyTTL < 0 || c.SweepInterval < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch c.ConflictPolicy {
	case ConflictReject, ConflictWait:
	default:
		return fmt.Errorf("CONFLICT_POLICY must be %q or %q, got %q", ConflictReject, ConflictWait, c.ConflictPolicy)
	}
	return nil
}
