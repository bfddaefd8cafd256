package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"gopkg.in/yaml.v3"
)

// Config represents the application configuration.
type Config struct {
	Auction        AuctionConfig        `yaml:"auction"`
	ResourceAPI    ResourceAPIConfig    `yaml:"resource_api"`
	Database       DatabaseConfig       `yaml:"database"`
	Server         ServerConfig         `yaml:"server"`
	Telemetry      TelemetryConfig      `yaml:"telemetry"`
	LeaderElection LeaderElectionConfig `yaml:"leader_election"`
	Notify         NotifyConfig         `yaml:"notify"`
}

// AuctionConfig describes the auction run by this process.
type AuctionConfig struct {
	TenderID string `yaml:"tender_id" env:"AUCTION_TENDER_ID"`
	Sandbox  bool   `yaml:"sandbox" env:"AUCTION_SANDBOX"`
	// DutchSteps overrides the mode's dutch step count when positive.
	DutchSteps  int           `yaml:"dutch_steps"`
	SaveTimeout time.Duration `yaml:"save_timeout"`
}

// ResourceAPIConfig holds upstream tender API settings.
type ResourceAPIConfig struct {
	URL        string        `yaml:"url"`
	Token      string        `yaml:"token" env:"RESOURCE_API_TOKEN"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxElapsed time.Duration `yaml:"max_elapsed"`
}

// TenderURL returns the resource URL of tenderID.
func (r ResourceAPIConfig) TenderURL(tenderID string) string {
	return strings.TrimRight(r.URL, "/") + "/" + tenderID
}

// DatabaseConfig holds database connection settings.
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password" env:"DATABASE_PASSWORD"`
	DBName   string `yaml:"dbname"`
	SSLMode  string `yaml:"sslmode"`
	Driver   string `yaml:"driver"` // "postgres" or "memory"
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

// LeaderElectionConfig holds Kubernetes leader election settings.
type LeaderElectionConfig struct {
	Enabled        bool          `yaml:"enabled"`
	LeaseName      string        `yaml:"lease_name"`
	LeaseNamespace string        `yaml:"lease_namespace"`
	LeaseDuration  time.Duration `yaml:"lease_duration"`
	RenewDeadline  time.Duration `yaml:"renew_deadline"`
	RetryPeriod    time.Duration `yaml:"retry_period"`
}

// NotifyConfig holds Redis change notification settings.
type NotifyConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Password string `yaml:"password" env:"REDIS_PASSWORD"`
	DB       int    `yaml:"db"`
}

// Default returns the configuration used for keys a file leaves unset.
func Default() *Config {
	return &Config{
		Auction: AuctionConfig{
			SaveTimeout: 10 * time.Second,
		},
		ResourceAPI: ResourceAPIConfig{
			Timeout:    10 * time.Second,
			MaxElapsed: time.Minute,
		},
		Server: ServerConfig{
			Port:            8080,
			ShutdownTimeout: 15 * time.Second,
		},
		Database: DatabaseConfig{
			Host:    "localhost",
			Port:    5432,
			SSLMode: "disable",
			Driver:  "postgres",
		},
		Telemetry: TelemetryConfig{
			ServiceName:    "insiderauction",
			ServiceVersion: "0.1.0",
		},
		LeaderElection: LeaderElectionConfig{
			Enabled:        false,
			LeaseName:      "insiderauction-leader",
			LeaseNamespace: "default",
			LeaseDuration:  15 * time.Second,
			RenewDeadline:  10 * time.Second,
			RetryPeriod:    2 * time.Second,
		},
		Notify: NotifyConfig{
			Addr: "localhost:6379",
		},
	}
}

// Load reads a YAML configuration file from the given path and applies
// environment overrides on top of it.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(filepath.Clean(path))
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing environment: %w", err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// validate checks configuration invariants.
func (c *Config) validate() error {
	var errs []error
	switch c.Database.Driver {
	case "postgres", "memory":
		// valid
	default:
		errs = append(errs, fmt.Errorf("unsupported database driver %q: must be \"postgres\" or \"memory\"", c.Database.Driver))
	}
	if c.Auction.TenderID == "" {
		errs = append(errs, errors.New("auction.tender_id is required"))
	}
	if c.Auction.DutchSteps < 0 {
		errs = append(errs, fmt.Errorf("auction.dutch_steps %d must not be negative", c.Auction.DutchSteps))
	}
	if c.ResourceAPI.URL == "" {
		errs = append(errs, errors.New("resource_api.url is required"))
	}
	if c.ResourceAPI.MaxElapsed <= 0 {
		errs = append(errs, fmt.Errorf("resource_api.max_elapsed %s must be positive", c.ResourceAPI.MaxElapsed))
	}
	if c.Notify.Enabled && c.Notify.Addr == "" {
		errs = append(errs, errors.New("notify.addr is required when notify is enabled"))
	}
	return errors.Join(errs...)
}
