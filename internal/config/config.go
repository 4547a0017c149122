package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/northbridge-sports/auctioneer/internal/auction"
)

// Config represents the application configuration.
type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	Server    ServerConfig    `yaml:"server"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Auction   AuctionConfig   `yaml:"auction"`
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "sqlx" or "ent"
}

// DSN returns the Postgres connection string.
func (d DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		d.Host, d.Port, d.User, d.Password, d.DBName, d.SSLMode,
	)
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
	OTLPEndpoint   string `yaml:"otlp_endpoint"`
	Insecure       bool   `yaml:"insecure"`
}

// AuctionConfig holds tuning knobs the engine applies when a caller creates
// an auction without specifying them explicitly.
type AuctionConfig struct {
	DefaultTimerSeconds int                    `yaml:"default_timer_seconds"`
	ScarcityCap         float64                `yaml:"scarcity_cap"`
	DefaultIncrements   []IncrementRuleConfig  `yaml:"default_increment_rules"`
}

// IncrementRuleConfig mirrors auction.IncrementRule in YAML-friendly form.
type IncrementRuleConfig struct {
	FromMultiplier float64 `yaml:"from_multiplier"`
	ToMultiplier   float64 `yaml:"to_multiplier"`
	Increment      int     `yaml:"increment"`
}

// Rules converts the configured defaults to auction.IncrementRule.
func (a AuctionConfig) Rules() []auction.IncrementRule {
	rules := make([]auction.IncrementRule, len(a.DefaultIncrements))
	for i, r := range a.DefaultIncrements {
		rules[i] = auction.IncrementRule{
			FromMultiplier: r.FromMultiplier,
			ToMultiplier:   r.ToMultiplier,
			Increment:      r.Increment,
		}
	}
	return rules
}

// Load reads a YAML configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := &Config{
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "sqlx",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "auctioneer",
			ServiceVersion: "0.1.0",
		},
		Auction: AuctionConfig{
			DefaultTimerSeconds: 10,
			ScarcityCap:         1.15,
			DefaultIncrements: []IncrementRuleConfig{
				{FromMultiplier: 0, ToMultiplier: 2, Increment: 10},
				{FromMultiplier: 2, ToMultiplier: 5, Increment: 25},
				{FromMultiplier: 5, ToMultiplier: 1e9, Increment: 50},
			},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	switch c.Database.Driver {
	case "sqlx", "ent":
		// valid
	default:
		return fmt.Errorf("unsupported database driver %q: must be \"sqlx\" or \"ent\"", c.Database.Driver)
	}
	if c.Auction.DefaultTimerSeconds < 0 {
		return fmt.Errorf("auction.default_timer_seconds must be >= 0, got %d", c.Auction.DefaultTimerSeconds)
	}
	if c.Auction.ScarcityCap < 1 {
		return fmt.Errorf("auction.scarcity_cap must be >= 1, got %f", c.Auction.ScarcityCap)
	}
	return nil
}
