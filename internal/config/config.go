package config

import (
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure.
// It is read-only after Load() returns and thread-safe for concurrent reads.
type Config struct {
	Source      EndpointConfig    `yaml:"source"`
	Destination EndpointConfig    `yaml:"destination"`
	Replication ReplicationConfig `yaml:"replication"`
	Report      ReportConfig      `yaml:"report"`
	Journal     JournalConfig     `yaml:"journal"`
	Server      ServerConfig      `yaml:"server"`
	Export      ExportConfig      `yaml:"export"`
	Log         LogConfig         `yaml:"log"`
}

// EndpointConfig describes one database.
type EndpointConfig struct {
	Driver  string `yaml:"driver"`
	DSN     string `yaml:"dsn"`
	Dialect string `yaml:"dialect"`
}

// ReplicationConfig contains the replication cycle settings.
type ReplicationConfig struct {
	CycleDelay    Duration         `yaml:"cycle_delay"`
	ProgressBatch int              `yaml:"progress_batch"`
	LockTimeout   Duration         `yaml:"lock_timeout"`
	VersionColumn string           `yaml:"version_column"`
	Tables        []TableConfig    `yaml:"tables"`
	Statements    StatementsConfig `yaml:"statements"`
}

// TableConfig names one replicated table. List order is processing order.
type TableConfig struct {
	ID    string `yaml:"id"`
	Title string `yaml:"title"`
}

// StatementsConfig holds optional statement template overrides.
type StatementsConfig struct {
	Source      TemplatesConfig `yaml:"source"`
	Destination TemplatesConfig `yaml:"destination"`
}

// TemplatesConfig overrides individual statement templates. Empty fields
// keep the dialect default.
type TemplatesConfig struct {
	CountChanged  string `yaml:"count_changed"`
	SelectChanged string `yaml:"select_changed"`
	Apply         string `yaml:"apply"`
	GetWatermark  string `yaml:"get_watermark"`
	SetWatermark  string `yaml:"set_watermark"`
}

// ReportConfig contains progress reporting settings.
type ReportConfig struct {
	Interval  Duration `yaml:"interval"`
	StatePath string   `yaml:"state_path"`
	Terminal  bool     `yaml:"terminal"`
}

// JournalConfig contains cycle journal settings.
type JournalConfig struct {
	Path   string `yaml:"path"`
	Retain int    `yaml:"retain"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Enabled         bool     `yaml:"enabled"`
	Port            int      `yaml:"port"`
	ReadTimeout     Duration `yaml:"read_timeout"`
	WriteTimeout    Duration `yaml:"write_timeout"`
	ShutdownTimeout Duration `yaml:"shutdown_timeout"`
	APIKey          string   `yaml:"-"` // env-only, never in YAML
}

// ExportConfig contains S3-compatible state export settings.
// An empty Bucket disables the export.
type ExportConfig struct {
	Bucket    string   `yaml:"bucket"`
	Prefix    string   `yaml:"prefix"`
	Endpoint  string   `yaml:"endpoint"`
	Region    string   `yaml:"region"`
	AccessKey string   `yaml:"-"` // env-only
	SecretKey string   `yaml:"-"` // env-only
	UseSSL    bool     `yaml:"use_ssl"`
	Interval  Duration `yaml:"interval"`
}

// LogConfig contains logging settings.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Duration is a wrapper around time.Duration that supports YAML string parsing.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler for Duration.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler for Duration.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// Std returns d as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Supported drivers.
const (
	DriverPgx    = "pgx"
	DriverSQLite = "sqlite"
)

var tableIDPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Load loads configuration with precedence:
// defaults → YAML file → .env file → env vars.
func Load() (*Config, error) {
	cfg := newDefaults()

	configPath := getEnv("REPLICATOR_CONFIG_PATH", "config/replicator.yaml")
	if err := loadYAMLFile(cfg, configPath); err != nil {
		return nil, err
	}

	if err := loadEnvFile(getEnv("REPLICATOR_ENV_FILE", ".env")); err != nil {
		return nil, err
	}
	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromFile loads configuration from a specific path.
// Used by --config and in tests.
func LoadFromFile(path string) (*Config, error) {
	cfg := newDefaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newDefaults returns a Config with all default values.
func newDefaults() *Config {
	return &Config{
		Source:      EndpointConfig{Driver: DriverPgx},
		Destination: EndpointConfig{Driver: DriverPgx},
		Replication: ReplicationConfig{
			CycleDelay:    Duration(5 * time.Second),
			ProgressBatch: 100,
			VersionColumn: "x_ver",
		},
		Report: ReportConfig{
			Interval:  Duration(1 * time.Second),
			StatePath: "state/replicator.state",
		},
		Journal: JournalConfig{
			Path:   "data/journal.db",
			Retain: 1000,
		},
		Server: ServerConfig{
			Enabled:         true,
			Port:            8090,
			ReadTimeout:     Duration(10 * time.Second),
			WriteTimeout:    Duration(10 * time.Second),
			ShutdownTimeout: Duration(10 * time.Second),
		},
		Export: ExportConfig{
			Prefix:   "replicator",
			UseSSL:   true,
			Interval: Duration(1 * time.Minute),
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// loadYAMLFile loads configuration from a YAML file if it exists.
// Missing file is not an error; we just use defaults.
func loadYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("parsing config file: %w", err)
	}
	return nil
}

// loadEnvFile populates the environment from a dotenv file if it exists.
// Variables already set in the environment win.
func loadEnvFile(path string) error {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("reading env file: %w", err)
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("parsing env file: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides to the config.
// Only non-empty env vars override config values.
func applyEnvOverrides(cfg *Config) {
	// Endpoints
	if v := os.Getenv("REPLICATOR_SOURCE_DSN"); v != "" {
		cfg.Source.DSN = v
	}
	if v := os.Getenv("REPLICATOR_SOURCE_DRIVER"); v != "" {
		cfg.Source.Driver = v
	}
	if v := os.Getenv("REPLICATOR_DEST_DSN"); v != "" {
		cfg.Destination.DSN = v
	}
	if v := os.Getenv("REPLICATOR_DEST_DRIVER"); v != "" {
		cfg.Destination.Driver = v
	}

	// Replication
	if v := os.Getenv("REPLICATOR_CYCLE_DELAY"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Replication.CycleDelay = Duration(d)
		}
	}
	if v := os.Getenv("REPLICATOR_PROGRESS_BATCH"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Replication.ProgressBatch = n
		}
	}

	// Report
	if v := os.Getenv("REPLICATOR_REDRAW_INTERVAL"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Report.Interval = Duration(d)
		}
	}
	if v := os.Getenv("REPLICATOR_STATE_PATH"); v != "" {
		cfg.Report.StatePath = v
	}

	// Journal
	if v := os.Getenv("REPLICATOR_JOURNAL_PATH"); v != "" {
		cfg.Journal.Path = v
	}

	// Server
	if v := os.Getenv("REPLICATOR_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Server.Port = port
		}
	}
	if v := os.Getenv("REPLICATOR_API_KEY"); v != "" {
		cfg.Server.APIKey = v
	}

	// Export
	if v := os.Getenv("REPLICATOR_EXPORT_BUCKET"); v != "" {
		cfg.Export.Bucket = v
	}
	if v := os.Getenv("REPLICATOR_S3_ENDPOINT"); v != "" {
		cfg.Export.Endpoint = v
	}
	if v := os.Getenv("REPLICATOR_S3_ACCESS_KEY"); v != "" {
		cfg.Export.AccessKey = v
	}
	if v := os.Getenv("REPLICATOR_S3_SECRET_KEY"); v != "" {
		cfg.Export.SecretKey = v
	}

	// Log
	if v := os.Getenv("REPLICATOR_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("REPLICATOR_LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

// validate checks that required configuration values are set.
func (c *Config) validate() error {
	var errs []error

	endpoints := []struct {
		name string
		ep   EndpointConfig
	}{{"source", c.Source}, {"destination", c.Destination}}
	for _, e := range endpoints {
		if e.ep.DSN == "" {
			errs = append(errs, fmt.Errorf("%s.dsn is required", e.name))
		}
		if e.ep.Driver != DriverPgx && e.ep.Driver != DriverSQLite {
			errs = append(errs, fmt.Errorf("%s.driver %q is not supported (pgx, sqlite)", e.name, e.ep.Driver))
		}
	}

	if len(c.Replication.Tables) == 0 {
		errs = append(errs, errors.New("replication.tables must list at least one table"))
	}
	seen := make(map[string]bool, len(c.Replication.Tables))
	for i, t := range c.Replication.Tables {
		if !tableIDPattern.MatchString(t.ID) {
			errs = append(errs, fmt.Errorf("replication.tables[%d]: invalid id %q", i, t.ID))
			continue
		}
		if seen[t.ID] {
			errs = append(errs, fmt.Errorf("replication.tables[%d]: duplicate id %q", i, t.ID))
		}
		seen[t.ID] = true
	}

	if c.Replication.CycleDelay <= 0 {
		errs = append(errs, errors.New("replication.cycle_delay must be positive"))
	}
	if c.Replication.ProgressBatch <= 0 {
		errs = append(errs, errors.New("replication.progress_batch must be positive"))
	}
	if c.Replication.LockTimeout < 0 {
		errs = append(errs, errors.New("replication.lock_timeout must not be negative"))
	}
	if c.Replication.VersionColumn == "" {
		errs = append(errs, errors.New("replication.version_column is required"))
	}
	if c.Report.Interval <= 0 {
		errs = append(errs, errors.New("report.interval must be positive"))
	}
	if c.Export.Bucket != "" {
		if c.Export.Endpoint == "" {
			errs = append(errs, errors.New("export.endpoint is required when export.bucket is set"))
		}
		if c.Export.Interval <= 0 {
			errs = append(errs, errors.New("export.interval must be positive"))
		}
	}

	return errors.Join(errs...)
}

// getEnv returns the value of an environment variable or a default.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
