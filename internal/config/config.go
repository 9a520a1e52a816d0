// Package config handles configuration loading for the detection engine.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the complete engine configuration.
type Config struct {
	Rules      RulesConfig      `yaml:"rules"`
	Beaconing  BeaconingConfig  `yaml:"beaconing"`
	Reputation ReputationConfig `yaml:"reputation"`
	Detection  DetectionConfig  `yaml:"detection"`
	Scan       ScanConfig       `yaml:"scan"`
	Queue      QueueConfig      `yaml:"queue"`
	Consumer   ConsumerConfig   `yaml:"consumer"`
	Storage    StorageConfig    `yaml:"storage"`
	Publisher  PublisherConfig  `yaml:"publisher"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// RulesConfig holds signature rule store settings.
type RulesConfig struct {
	Dir string `yaml:"dir"`
}

// BeaconingConfig holds beaconing analyzer thresholds.
type BeaconingConfig struct {
	MinConnections int           `yaml:"min_connections"`
	MaxJitter      float64       `yaml:"max_jitter"`
	MinInterval    time.Duration `yaml:"min_interval"`
	BaseSeverity   int           `yaml:"base_severity"`
}

// ReputationConfig holds hash reputation settings.
type ReputationConfig struct {
	KnownBadPath    string        `yaml:"known_bad_path"`
	APIKey          string        `yaml:"api_key"`
	BaseURL         string        `yaml:"base_url"`
	EngineThreshold int           `yaml:"engine_threshold"`
	LookupTimeout   time.Duration `yaml:"lookup_timeout"`
	MaxInFlight     int           `yaml:"max_in_flight"`
	Cache           CacheConfig   `yaml:"cache"`
}

// CacheConfig holds the Redis verdict cache settings.
type CacheConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Addr     string        `yaml:"addr"`
	Password string        `yaml:"password"`
	DB       int           `yaml:"db"`
	TTL      time.Duration `yaml:"ttl"`
}

// DetectionConfig holds coordinator settings.
type DetectionConfig struct {
	Workers            int `yaml:"workers"`
	HashLocalSeverity  int `yaml:"hash_local_severity"`
	HashRemoteSeverity int `yaml:"hash_remote_severity"`
}

// ScanConfig holds the default batch scan inputs.
type ScanConfig struct {
	Root            string        `yaml:"root"`
	Extensions      []string      `yaml:"extensions"`
	ConnectionsFile string        `yaml:"connections_file"`
	Interval        time.Duration `yaml:"interval"`
}

// QueueConfig holds the findings queue settings.
type QueueConfig struct {
	Size int `yaml:"size"`
}

// ConsumerConfig holds findings consumer settings.
type ConsumerConfig struct {
	Workers      int           `yaml:"workers"`
	PollInterval time.Duration `yaml:"poll_interval"`
	ShutdownWait time.Duration `yaml:"shutdown_wait"`
}

// StorageConfig holds findings persistence settings.
type StorageConfig struct {
	Enabled     bool              `yaml:"enabled"`
	ClickHouse  ClickHouseConfig  `yaml:"clickhouse"`
	BatchWriter BatchWriterConfig `yaml:"batch_writer"`
}

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Hosts           []string      `yaml:"hosts"`
	Database        string        `yaml:"database"`
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	TLSEnabled      bool          `yaml:"tls_enabled"`
	DialTimeout     time.Duration `yaml:"dial_timeout"`
}

// BatchWriterConfig holds batch writer settings.
type BatchWriterConfig struct {
	BatchSize     int           `yaml:"batch_size"`
	FlushInterval time.Duration `yaml:"flush_interval"`
	MaxRetries    int           `yaml:"max_retries"`
	RetryDelay    time.Duration `yaml:"retry_delay"`
}

// PublisherConfig holds the findings publisher settings.
type PublisherConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Rules: RulesConfig{
			Dir: "rules",
		},
		Beaconing: BeaconingConfig{
			MinConnections: 10,
			MaxJitter:      0.05,
			MinInterval:    time.Second,
			BaseSeverity:   5,
		},
		Reputation: ReputationConfig{
			KnownBadPath:    "data/known_bad.txt",
			EngineThreshold: 5,
			LookupTimeout:   10 * time.Second,
			MaxInFlight:     4,
			Cache: CacheConfig{
				Enabled: false,
				Addr:    "localhost:6379",
				TTL:     time.Hour,
			},
		},
		Detection: DetectionConfig{
			Workers:            0, // 0 means number of cores
			HashLocalSeverity:  9,
			HashRemoteSeverity: 7,
		},
		Scan: ScanConfig{
			Root:     "/tmp",
			Interval: 5 * time.Minute,
		},
		Queue: QueueConfig{
			Size: 10000,
		},
		Consumer: ConsumerConfig{
			Workers:      2,
			PollInterval: 10 * time.Millisecond,
			ShutdownWait: 30 * time.Second,
		},
		Storage: StorageConfig{
			Enabled: false, // Disabled by default for development without ClickHouse
			ClickHouse: ClickHouseConfig{
				Hosts:           []string{"localhost:9000"},
				Database:        "edr",
				Username:        "default",
				Password:        "",
				MaxOpenConns:    10,
				MaxIdleConns:    5,
				ConnMaxLifetime: time.Hour,
				TLSEnabled:      false,
				DialTimeout:     10 * time.Second,
			},
			BatchWriter: BatchWriterConfig{
				BatchSize:     500,
				FlushInterval: 5 * time.Second,
				MaxRetries:    3,
				RetryDelay:    time.Second,
			},
		},
		Publisher: PublisherConfig{
			Enabled: false,
			Brokers: []string{"localhost:9092"},
			Topic:   "edr.findings",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// Load loads configuration from a file or returns defaults.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	configPath := os.Getenv("EDR_CONFIG_PATH")
	if configPath == "" {
		configPath = "configs/config.yaml"
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// File doesn't exist, use defaults
			cfg.applyEnvOverrides()
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	cfg.applyEnvOverrides()
	return cfg, nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if level := os.Getenv("EDR_LOG_LEVEL"); level != "" {
		c.Logging.Level = level
	}

	if dir := os.Getenv("EDR_RULES_DIR"); dir != "" {
		c.Rules.Dir = dir
	}

	if key := os.Getenv("EDR_REPUTATION_API_KEY"); key != "" {
		c.Reputation.APIKey = key
	}

	if path := os.Getenv("EDR_KNOWN_BAD_PATH"); path != "" {
		c.Reputation.KnownBadPath = path
	}

	if workers := os.Getenv("EDR_WORKERS"); workers != "" {
		fmt.Sscanf(workers, "%d", &c.Detection.Workers)
	}

	// Storage settings
	if enabled := os.Getenv("EDR_STORAGE_ENABLED"); enabled == "true" {
		c.Storage.Enabled = true
	}

	if host := os.Getenv("CLICKHOUSE_HOST"); host != "" {
		c.Storage.ClickHouse.Hosts = []string{host}
	}

	if db := os.Getenv("CLICKHOUSE_DATABASE"); db != "" {
		c.Storage.ClickHouse.Database = db
	}

	if user := os.Getenv("CLICKHOUSE_USER"); user != "" {
		c.Storage.ClickHouse.Username = user
	}

	if pass := os.Getenv("CLICKHOUSE_PASSWORD"); pass != "" {
		c.Storage.ClickHouse.Password = pass
	}

	// Cache settings
	if enabled := os.Getenv("EDR_CACHE_ENABLED"); enabled == "true" {
		c.Reputation.Cache.Enabled = true
	}

	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		c.Reputation.Cache.Addr = addr
	}

	// Publisher settings
	if enabled := os.Getenv("EDR_PUBLISHER_ENABLED"); enabled == "true" {
		c.Publisher.Enabled = true
	}

	if brokers := os.Getenv("KAFKA_BROKERS"); brokers != "" {
		c.Publisher.Brokers = splitAndTrim(brokers, ",")
	}
}

// splitAndTrim splits a string by separator and trims whitespace from each part.
func splitAndTrim(s, sep string) []string {
	parts := make([]string, 0)
	for _, part := range strings.Split(s, sep) {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Rules.Dir == "" {
		return fmt.Errorf("rules dir is required")
	}

	if c.Beaconing.MinConnections < 2 {
		return fmt.Errorf("beaconing min_connections must be at least 2")
	}

	if c.Beaconing.MaxJitter <= 0 || c.Beaconing.MaxJitter >= 1 {
		return fmt.Errorf("beaconing max_jitter must be in (0,1): %v", c.Beaconing.MaxJitter)
	}

	if c.Beaconing.BaseSeverity < 1 || c.Beaconing.BaseSeverity > 10 {
		return fmt.Errorf("beaconing base_severity must be in [1,10]: %d", c.Beaconing.BaseSeverity)
	}

	if c.Reputation.EngineThreshold < 0 {
		return fmt.Errorf("reputation engine_threshold must not be negative")
	}

	if c.Reputation.MaxInFlight <= 0 {
		return fmt.Errorf("reputation max_in_flight must be positive")
	}

	if c.Detection.Workers < 0 {
		return fmt.Errorf("detection workers must not be negative")
	}

	if c.Scan.Interval <= 0 {
		return fmt.Errorf("scan interval must be positive")
	}

	if c.Queue.Size <= 0 {
		return fmt.Errorf("queue size must be positive")
	}

	if c.Publisher.Enabled && len(c.Publisher.Brokers) == 0 {
		return fmt.Errorf("publisher enabled but no brokers configured")
	}

	return nil
}
