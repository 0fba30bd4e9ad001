package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for Lockgate.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Site       SiteConfig       `yaml:"site"`
	LockServer LockServerConfig `yaml:"lockserver"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Console    ConsoleConfig    `yaml:"console"`
}

// SiteConfig identifies this deployment (one fleet depot or region).
type SiteConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// LockServerConfig contains the device-facing TCP server settings.
type LockServerConfig struct {
	// Host and Port the locks are configured to connect to.
	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	// CommandTimeout is how long to wait for a lock to acknowledge (seconds).
	CommandTimeout int `yaml:"command_timeout"`

	// QueueCommands queues a second command per lock instead of rejecting it.
	QueueCommands bool `yaml:"queue_commands"`

	// QueueTimeout bounds the wait for a queued command's turn (seconds).
	QueueTimeout int `yaml:"queue_timeout"`

	// MaxQueueDepth bounds the number of waiting commands per lock.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// WriteTimeout is the per-frame write deadline (seconds).
	WriteTimeout int `yaml:"write_timeout"`

	// IdleTimeout closes connections silent for this long (seconds).
	// 0 disables it.
	IdleTimeout int `yaml:"idle_timeout"`

	// MaxFrameSize bounds a single inbound frame (bytes).
	MaxFrameSize int `yaml:"max_frame_size"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// AuditRetentionDays deletes audit entries older than this many days.
	// 0 keeps the trail forever.
	AuditRetentionDays int `yaml:"audit_retention_days"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`

	// HealthInterval is how often bridge health is published (seconds).
	HealthInterval int `yaml:"health_interval"`
}

// MQTTBrokerConfig contains MQTT broker connection details.
type MQTTBrokerConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	TLS      bool   `yaml:"tls"`
	ClientID string `yaml:"client_id"`
}

// MQTTAuthConfig contains MQTT authentication credentials.
type MQTTAuthConfig struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
}

// MQTTReconnectConfig contains MQTT reconnection settings.
type MQTTReconnectConfig struct {
	InitialDelay int `yaml:"initial_delay"`
	MaxDelay     int `yaml:"max_delay"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
	Enabled  bool             `yaml:"enabled"`
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings (seconds).
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
}

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	MaxMessageSize int `yaml:"max_message_size"`
	PingInterval   int `yaml:"ping_interval"`
	PongTimeout    int `yaml:"pong_timeout"`
}

// InfluxDBConfig contains InfluxDB connection settings.
type InfluxDBConfig struct {
	Enabled       bool   `yaml:"enabled"`
	URL           string `yaml:"url"`
	Token         string `yaml:"token"`
	Org           string `yaml:"org"`
	Bucket        string `yaml:"bucket"`
	BatchSize     int    `yaml:"batch_size"`
	FlushInterval int    `yaml:"flush_interval"`
}

// LoggingConfig contains logging settings.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`

	// Output is "stdout", "stderr" or "file".
	Output string `yaml:"output"`

	// File is the log file path when Output is "file".
	File string `yaml:"file"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
}

// JWTConfig contains JWT token settings.
// An empty secret leaves the API unauthenticated.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	Issuer string `yaml:"issuer"`
}

// ConsoleConfig contains the interactive operator console settings.
type ConsoleConfig struct {
	Enabled bool   `yaml:"enabled"`
	Prompt  string `yaml:"prompt"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: LOCKGATE_SECTION_KEY
// For example: LOCKGATE_LOCKSERVER_PORT, LOCKGATE_JWT_SECRET
//
// Parameters:
//   - path: Path to the YAML configuration file
//
// Returns:
//   - *Config: Loaded and validated configuration
//   - error: If file cannot be read, parsed, or validation fails
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// Default returns the built-in configuration with environment overrides
// applied, for running without a config file.
func Default() (*Config, error) {
	cfg := defaultConfig()
	applyEnvOverrides(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Site: SiteConfig{
			ID:   "site-001",
			Name: "Lockgate",
		},
		LockServer: LockServerConfig{
			Host:           "0.0.0.0",
			Port:           8081,
			CommandTimeout: 10,
			QueueCommands:  false,
			QueueTimeout:   30,
			MaxQueueDepth:  8,
			WriteTimeout:   5,
			IdleTimeout:    900,
			MaxFrameSize:   512,
		},
		Database: DatabaseConfig{
			Path:               "./data/lockgate.db",
			WALMode:            true,
			BusyTimeout:        5,
			AuditRetentionDays: 90,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "lockgate",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
			HealthInterval: 30,
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    5000,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 60,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
			File:   "lockgate.log",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				Issuer: "lockgate",
			},
		},
		Console: ConsoleConfig{
			Enabled: false,
			Prompt:  "lockgate> ",
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: LOCKGATE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Lock server
	if v := os.Getenv("LOCKGATE_LOCKSERVER_HOST"); v != "" {
		cfg.LockServer.Host = v
	}
	if v, ok := envInt("LOCKGATE_LOCKSERVER_PORT"); ok {
		cfg.LockServer.Port = v
	}
	if v, ok := envBool("LOCKGATE_LOCKSERVER_QUEUE_COMMANDS"); ok {
		cfg.LockServer.QueueCommands = v
	}

	// Database
	if v := os.Getenv("LOCKGATE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v, ok := envBool("LOCKGATE_MQTT_ENABLED"); ok {
		cfg.MQTT.Enabled = v
	}
	if v := os.Getenv("LOCKGATE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("LOCKGATE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("LOCKGATE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("LOCKGATE_API_HOST"); v != "" {
		cfg.API.Host = v
	}
	if v, ok := envInt("LOCKGATE_API_PORT"); ok {
		cfg.API.Port = v
	}

	// InfluxDB
	if v := os.Getenv("LOCKGATE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("LOCKGATE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Security - JWT secret (never commit one to the config file)
	if v := os.Getenv("LOCKGATE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}

	// Console
	if v, ok := envBool("LOCKGATE_CONSOLE_ENABLED"); ok {
		cfg.Console.Enabled = v
	}
}

// envInt reads an integer environment variable. Unparseable values are ignored.
func envInt(key string) (int, bool) {
	v := os.Getenv(key)
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, false
	}
	return n, true
}

// envBool reads a boolean environment variable. Unparseable values are ignored.
func envBool(key string) (bool, bool) {
	v := os.Getenv(key)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Site.ID == "" {
		errs = append(errs, "site.id is required")
	}

	// Lock server validation
	if c.LockServer.Port < 0 || c.LockServer.Port > 65535 {
		errs = append(errs, "lockserver.port must be between 0 and 65535")
	}
	if c.LockServer.CommandTimeout < 1 {
		errs = append(errs, "lockserver.command_timeout must be at least 1 second")
	}
	if c.LockServer.QueueCommands && c.LockServer.MaxQueueDepth < 1 {
		errs = append(errs, "lockserver.max_queue_depth must be at least 1 when queue_commands is set")
	}
	if c.LockServer.IdleTimeout < 0 {
		errs = append(errs, "lockserver.idle_timeout must not be negative")
	}
	if c.LockServer.MaxFrameSize != 0 && c.LockServer.MaxFrameSize < 64 {
		errs = append(errs, "lockserver.max_frame_size must be at least 64 bytes")
	}

	// Database validation
	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.AuditRetentionDays < 0 {
		errs = append(errs, "database.audit_retention_days must not be negative")
	}

	// MQTT validation
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.MQTT.Enabled && c.MQTT.Broker.Host == "" {
		errs = append(errs, "mqtt.broker.host is required when mqtt is enabled")
	}

	// API validation
	if c.API.Enabled && (c.API.Port < 1 || c.API.Port > 65535) {
		errs = append(errs, "api.port must be between 1 and 65535")
	}
	// An HTTP lock command must be able to wait out its queue slot and the
	// lock's reply before the response write deadline.
	if c.API.Enabled && c.API.Timeouts.Write > 0 {
		worst := c.LockServer.CommandTimeout
		if c.LockServer.QueueCommands {
			worst += c.LockServer.QueueTimeout
		}
		if c.API.Timeouts.Write <= worst {
			errs = append(errs, fmt.Sprintf("api.timeouts.write must exceed the longest lock command wait (%ds)", worst))
		}
	}

	// InfluxDB validation
	if c.InfluxDB.Enabled && (c.InfluxDB.URL == "" || c.InfluxDB.Bucket == "") {
		errs = append(errs, "influxdb.url and influxdb.bucket are required when influxdb is enabled")
	}

	// Logging validation
	if strings.EqualFold(c.Logging.Output, "file") && c.Logging.File == "" {
		errs = append(errs, "logging.file is required when logging.output is file")
	}

	// Security validation. A weak secret lets anyone forge tokens that
	// open locks, so an empty secret is the only accepted short value.
	const minJWTSecretLength = 32
	if s := c.Security.JWT.Secret; s != "" && len(s) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// AuthEnabled reports whether the API requires bearer tokens.
func (c *Config) AuthEnabled() bool {
	return c.Security.JWT.Secret != ""
}

// GetReadTimeout returns the API read timeout as a Duration.
func (c *Config) GetReadTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Read) * time.Second
}

// GetWriteTimeout returns the API write timeout as a Duration.
func (c *Config) GetWriteTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Write) * time.Second
}

// GetIdleTimeout returns the API idle timeout as a Duration.
func (c *Config) GetIdleTimeout() time.Duration {
	return time.Duration(c.API.Timeouts.Idle) * time.Second
}

// GetCommandTimeout returns the lock command timeout as a Duration.
func (c *Config) GetCommandTimeout() time.Duration {
	return time.Duration(c.LockServer.CommandTimeout) * time.Second
}

// GetQueueTimeout returns the command queue timeout as a Duration.
func (c *Config) GetQueueTimeout() time.Duration {
	return time.Duration(c.LockServer.QueueTimeout) * time.Second
}

// GetLockWriteTimeout returns the lock frame write timeout as a Duration.
func (c *Config) GetLockWriteTimeout() time.Duration {
	return time.Duration(c.LockServer.WriteTimeout) * time.Second
}

// GetLockIdleTimeout returns the lock idle timeout as a Duration.
// A negative Duration means disabled.
func (c *Config) GetLockIdleTimeout() time.Duration {
	if c.LockServer.IdleTimeout == 0 {
		return -1
	}
	return time.Duration(c.LockServer.IdleTimeout) * time.Second
}

// GetMQTTHealthInterval returns the MQTT health publish interval as a Duration.
func (c *Config) GetMQTTHealthInterval() time.Duration {
	return time.Duration(c.MQTT.HealthInterval) * time.Second
}

// GetAuditRetention returns how long audit entries are kept. Zero means
// forever.
func (c *Config) GetAuditRetention() time.Duration {
	return time.Duration(c.Database.AuditRetentionDays) * 24 * time.Hour
}
