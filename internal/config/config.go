// Package config loads and validates the apisync YAML configuration.
package config

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/njoerd114/apisync/internal/model"
)

// Defaults applied by Load for absent fields.
const (
	DefaultListenAddr     = ":8080"
	DefaultRequestTimeout = 30 * time.Second
	DefaultSyncInterval   = 5 * time.Minute
	DefaultRetryAttempts  = 3
	DefaultRetryDelay     = time.Second
	DefaultBatchSize      = 100
	DefaultBatchDelay     = 50 * time.Millisecond
)

// Config holds the full application configuration loaded from YAML.
type Config struct {
	// ListenAddr is the address the HTTP server binds (e.g. ":8080").
	ListenAddr string `yaml:"listen_addr"`

	// DBPath is the SQLite database file. Empty selects the default under
	// ~/.local/share/apisync.
	DBPath string `yaml:"db_path"`

	// RequestTimeout bounds every remote API request. Defaults to 30s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// AdminAPIKey, when set, must be sent as X-API-Key on every /api route.
	AdminAPIKey string `yaml:"admin_api_key"`

	Stream StreamConfig `yaml:"stream"`

	// Collections seeds the settings document of each collection on first
	// start. Once a document exists it takes precedence over this block.
	Collections map[string]CollectionConfig `yaml:"collections"`

	// Telemetry configures optional OpenTelemetry export via OTLP gRPC.
	// Omit the block entirely to disable telemetry.
	Telemetry *TelemetryConfig `yaml:"telemetry,omitempty"`
}

// StreamConfig holds the default batch pacing of streaming syncs.
type StreamConfig struct {
	BatchSize  int           `yaml:"batch_size"`
	BatchDelay time.Duration `yaml:"batch_delay"`
}

// CollectionConfig is the seed configuration of one collection.
type CollectionConfig struct {
	Kind     string `yaml:"kind"`
	APIURL   string `yaml:"api_url"`
	Endpoint string `yaml:"endpoint"`

	// BearerToken is expanded with os.ExpandEnv, so "${API_JWT_TOKEN}"
	// reads the token from the environment.
	BearerToken string `yaml:"bearer_token"`

	AutoSync      bool              `yaml:"auto_sync"`
	SyncInterval  time.Duration     `yaml:"sync_interval"`
	RetryAttempts int               `yaml:"retry_attempts"`
	RetryDelay    time.Duration     `yaml:"retry_delay"`
	FieldMapping  map[string]string `yaml:"field_mapping,omitempty"`
	Headers       map[string]string `yaml:"headers,omitempty"`
}

// TelemetryConfig holds optional OpenTelemetry settings.
type TelemetryConfig struct {
	// OTLPEndpoint is the gRPC host:port of the OTLP collector (e.g. "localhost:4317").
	OTLPEndpoint string `yaml:"otlp_endpoint"`

	// Insecure disables TLS for the collector connection. Use for local collectors.
	Insecure bool `yaml:"insecure"`

	// ServiceName overrides the OTel service.name attribute. Defaults to "apisync".
	ServiceName string `yaml:"service_name"`

	// Headers contains key-value pairs sent as gRPC metadata on every OTLP
	// request, e.g. Authorization: "Bearer <token>".
	Headers map[string]string `yaml:"headers,omitempty"`

	// SampleRatio is the fraction of sync traces exported, in (0, 1].
	// Zero exports every trace.
	SampleRatio float64 `yaml:"sample_ratio,omitempty"`

	// MetricInterval is the metric export period. Defaults to 30s.
	MetricInterval time.Duration `yaml:"metric_interval,omitempty"`
}

// DefaultPath returns the default config file path: ~/.config/apisync/config.yaml.
func DefaultPath() (string, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolving home directory: %w", err)
	}
	return filepath.Join(home, ".config", "apisync", "config.yaml"), nil
}

// Load reads and validates the configuration file at the given path.
func Load(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening config file %q: %w", path, err)
	}
	defer f.Close()

	var cfg Config
	dec := yaml.NewDecoder(f)
	dec.KnownFields(true) // reject unknown keys to catch typos early
	if err := dec.Decode(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file %q: %w", path, err)
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Write saves c to path as YAML, creating parent directories. The file is
// created with owner-only permissions since it may carry tokens.
func (c *Config) Write(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("encoding config: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, data, 0o600); err != nil {
		return fmt.Errorf("writing config file %q: %w", path, err)
	}
	return nil
}

// validate applies defaults and checks that all fields are well-formed.
func (c *Config) validate() error {
	if c.ListenAddr == "" {
		c.ListenAddr = DefaultListenAddr
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = DefaultRequestTimeout
	}
	if c.RequestTimeout < 0 {
		return fmt.Errorf("request_timeout %v must be positive", c.RequestTimeout)
	}

	if c.Stream.BatchSize == 0 {
		c.Stream.BatchSize = DefaultBatchSize
	}
	if c.Stream.BatchSize < 0 {
		return fmt.Errorf("stream.batch_size %d must be positive", c.Stream.BatchSize)
	}
	if c.Stream.BatchDelay == 0 {
		c.Stream.BatchDelay = DefaultBatchDelay
	}
	if c.Stream.BatchDelay < 0 {
		return fmt.Errorf("stream.batch_delay %v must not be negative", c.Stream.BatchDelay)
	}

	for name, col := range c.Collections {
		if err := model.ValidateCollectionName(name); err != nil {
			return fmt.Errorf("collections: %w", err)
		}
		if err := col.validate(name); err != nil {
			return err
		}
		c.Collections[name] = col
	}

	if c.Telemetry != nil {
		if c.Telemetry.OTLPEndpoint == "" {
			return fmt.Errorf("telemetry.otlp_endpoint is required when telemetry is configured")
		}
		if r := c.Telemetry.SampleRatio; r < 0 || r > 1 {
			return fmt.Errorf("telemetry.sample_ratio %v must be between 0 and 1", r)
		}
		if c.Telemetry.MetricInterval < 0 {
			return fmt.Errorf("telemetry.metric_interval %v must be positive", c.Telemetry.MetricInterval)
		}
	}

	return nil
}

func (c *CollectionConfig) validate(name string) error {
	if c.APIURL == "" {
		return fmt.Errorf("collections[%q].api_url is required", name)
	}
	u, err := url.ParseRequestURI(c.APIURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("collections[%q].api_url %q must be a valid http or https URL", name, c.APIURL)
	}
	if c.Endpoint == "" {
		return fmt.Errorf("collections[%q].endpoint is required", name)
	}

	if c.Kind == "" {
		c.Kind = name
	}
	if _, err := model.ParseKind(c.Kind); err != nil {
		return fmt.Errorf("collections[%q].kind: %w", name, err)
	}

	if c.SyncInterval == 0 {
		c.SyncInterval = DefaultSyncInterval
	}
	if c.SyncInterval < 0 {
		return fmt.Errorf("collections[%q].sync_interval %v must be positive", name, c.SyncInterval)
	}
	if c.RetryAttempts == 0 {
		c.RetryAttempts = DefaultRetryAttempts
	}
	if c.RetryAttempts < 0 {
		return fmt.Errorf("collections[%q].retry_attempts %d must be positive", name, c.RetryAttempts)
	}
	if c.RetryDelay == 0 {
		c.RetryDelay = DefaultRetryDelay
	}
	if c.RetryDelay < 0 {
		return fmt.Errorf("collections[%q].retry_delay %v must not be negative", name, c.RetryDelay)
	}

	c.BearerToken = os.ExpandEnv(c.BearerToken)
	return nil
}

// SyncConfig converts the seed for collection name into a [model.SyncConfig].
func (c CollectionConfig) SyncConfig(name string) model.SyncConfig {
	return model.SyncConfig{
		APIURL:         c.APIURL,
		Endpoint:       c.Endpoint,
		BearerToken:    c.BearerToken,
		Headers:        c.Headers,
		CollectionName: name,
		Kind:           model.Kind(c.Kind),
		AutoSync:       c.AutoSync,
		SyncInterval:   c.SyncInterval,
		RetryAttempts:  c.RetryAttempts,
		RetryDelay:     c.RetryDelay,
		FieldMapping:   c.FieldMapping,
	}
}

// CollectionNames returns the configured collection names in sorted order.
func (c *Config) CollectionNames() []string {
	names := make([]string, 0, len(c.Collections))
	for name := range c.Collections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
