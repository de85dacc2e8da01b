// Package config loads runtime configuration for the order engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Environment identifies the runtime environment.
type Environment string

const (
	// EnvDev marks the development environment.
	EnvDev Environment = "dev"
	// EnvStaging marks the staging environment.
	EnvStaging Environment = "staging"
	// EnvProd marks the production environment.
	EnvProd Environment = "prod"
)

// Store driver names.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
)

// Duration wraps time.Duration so yaml values like "30s" parse.
type Duration time.Duration

// UnmarshalYAML decodes either a duration string or a nanosecond integer.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err == nil {
		parsed, parseErr := time.ParseDuration(strings.TrimSpace(raw))
		if parseErr != nil {
			return fmt.Errorf("parse duration %q: %w", raw, parseErr)
		}
		*d = Duration(parsed)
		return nil
	}
	var nanos int64
	if err := value.Decode(&nanos); err != nil {
		return fmt.Errorf("parse duration: %w", err)
	}
	*d = Duration(nanos)
	return nil
}

// MarshalYAML renders the duration in its string form.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Account configures one brokerage account.
type Account struct {
	ID            string  `yaml:"id"`
	Venue         string  `yaml:"venue"`
	BaseURL       string  `yaml:"base_url"`
	APIKey        string  `yaml:"api_key"`
	APISecret     string  `yaml:"api_secret"`
	Paper         bool    `yaml:"paper"`
	ThrottleRPS   float64 `yaml:"throttle_rps"`
	ThrottleBurst int     `yaml:"throttle_burst"`
}

// Retry overrides the broker retry schedule.
type Retry struct {
	Delays []Duration `yaml:"delays"`
}

// Schedule converts the configured delays for the retry policy. A nil result
// means the policy default applies.
func (r Retry) Schedule() []time.Duration {
	if len(r.Delays) == 0 {
		return nil
	}
	delays := make([]time.Duration, 0, len(r.Delays))
	for _, d := range r.Delays {
		delays = append(delays, d.Std())
	}
	return delays
}

// Reconcile configures the periodic reconciliation loop.
type Reconcile struct {
	Interval Duration `yaml:"interval"`
}

// Store selects and configures the order store backend.
type Store struct {
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

// Config is the full configuration tree.
type Config struct {
	Environment Environment `yaml:"environment"`
	Accounts    []Account   `yaml:"accounts"`
	Retry       Retry       `yaml:"retry"`
	Reconcile   Reconcile   `yaml:"reconcile"`
	Store       Store       `yaml:"store"`
}

// Default returns the baseline configuration: a single paper account against
// an in-memory store.
func Default() Config {
	return Config{
		Environment: EnvDev,
		Accounts: []Account{
			{ID: "paper-1", Venue: "paper", Paper: true},
		},
		Reconcile: Reconcile{Interval: Duration(30 * time.Second)},
		Store:     Store{Driver: StoreMemory},
	}
}

// Load reads and validates the configuration at path. An empty path falls
// back to the ORDERCORE_CONFIG environment variable.
func Load(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ORDERCORE_CONFIG"))
	}
	if path == "" {
		return Config{}, fmt.Errorf("config path required")
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	var cfg Config
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}
	if cfg.Environment == "" {
		cfg.Environment = EnvDev
	}
	if cfg.Store.Driver == "" {
		cfg.Store.Driver = StoreMemory
	}
	if cfg.Reconcile.Interval <= 0 {
		cfg.Reconcile.Interval = Duration(30 * time.Second)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// LoadOrDefault loads the configuration at path, or returns Default when no
// path is given and ORDERCORE_CONFIG is unset.
func LoadOrDefault(path string) (Config, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		path = strings.TrimSpace(os.Getenv("ORDERCORE_CONFIG"))
	}
	if path == "" {
		return Default(), nil
	}
	return Load(path)
}

// Validate performs semantic validation on the loaded configuration.
func (c Config) Validate() error {
	switch c.Environment {
	case EnvDev, EnvStaging, EnvProd:
	default:
		return fmt.Errorf("environment must be one of dev, staging, prod")
	}
	if len(c.Accounts) == 0 {
		return fmt.Errorf("at least one account required")
	}
	seen := make(map[string]struct{}, len(c.Accounts))
	for i, account := range c.Accounts {
		if strings.TrimSpace(account.ID) == "" {
			return fmt.Errorf("account %d: id required", i)
		}
		if _, dup := seen[account.ID]; dup {
			return fmt.Errorf("account %s: duplicate id", account.ID)
		}
		seen[account.ID] = struct{}{}
		if strings.TrimSpace(account.Venue) == "" {
			return fmt.Errorf("account %s: venue required", account.ID)
		}
		if !account.Paper {
			if strings.TrimSpace(account.BaseURL) == "" {
				return fmt.Errorf("account %s: base_url required", account.ID)
			}
			if strings.TrimSpace(account.APIKey) == "" || strings.TrimSpace(account.APISecret) == "" {
				return fmt.Errorf("account %s: api credentials required", account.ID)
			}
		}
		if account.ThrottleRPS < 0 || account.ThrottleBurst < 0 {
			return fmt.Errorf("account %s: throttle values must not be negative", account.ID)
		}
	}
	for i, d := range c.Retry.Delays {
		if d <= 0 {
			return fmt.Errorf("retry delay %d must be positive", i)
		}
	}
	if c.Reconcile.Interval <= 0 {
		return fmt.Errorf("reconcile interval must be positive")
	}
	switch c.Store.Driver {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("postgres store requires a dsn")
		}
	default:
		return fmt.Errorf("store driver must be memory or postgres")
	}
	return nil
}
