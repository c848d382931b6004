package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure for camrelay.
// All configuration is loaded from YAML and can be overridden by environment variables.
type Config struct {
	Relay     RelayConfig     `yaml:"relay"`
	Database  DatabaseConfig  `yaml:"database"`
	MQTT      MQTTConfig      `yaml:"mqtt"`
	API       APIConfig       `yaml:"api"`
	WebSocket WebSocketConfig `yaml:"websocket"`
	InfluxDB  InfluxDBConfig  `yaml:"influxdb"`
	Logging   LoggingConfig   `yaml:"logging"`
	Security  SecurityConfig  `yaml:"security"`
}

// RelayConfig contains the connection-relay core settings.
type RelayConfig struct {
	// ID identifies this relay instance in MQTT status messages.
	ID string `yaml:"id"`

	// HeartbeatInterval is the liveness probe period. A device that has not
	// acknowledged the previous probe when the next one is due is evicted.
	// Default: 30s
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// CaptureTimeout is the default deadline for a single capture.
	// Default: 6s
	CaptureTimeout time.Duration `yaml:"capture_timeout"`

	// CommandTimeout bounds delivery of fire-and-forget commands.
	// Default: 10s
	CommandTimeout time.Duration `yaml:"command_timeout"`

	// SubscriberBuffer is the number of frames queued per viewer before the
	// viewer is considered too slow and dropped.
	// Default: 8
	SubscriberBuffer int `yaml:"subscriber_buffer"`

	// SubscriberWriteTimeout bounds a single write to a viewer sink.
	// Default: 2s
	SubscriberWriteTimeout time.Duration `yaml:"subscriber_write_timeout"`

	// StaleFrameAfter is how old the cached frame may be before a new viewer
	// triggers a capture request toward the device.
	// Default: 10s
	StaleFrameAfter time.Duration `yaml:"stale_frame_after"`

	// PruneInterval is how often expired directory entries (OTP challenges,
	// revocation records) are deleted.
	// Default: 10m
	PruneInterval time.Duration `yaml:"prune_interval"`

	// AccessLogRetention is how long access-log entries are kept. Zero keeps
	// them forever.
	// Default: 720h
	AccessLogRetention time.Duration `yaml:"access_log_retention"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`
}

// MQTTConfig contains MQTT broker connection settings.
type MQTTConfig struct {
	Enabled   bool                `yaml:"enabled"`
	Broker    MQTTBrokerConfig    `yaml:"broker"`
	Auth      MQTTAuthConfig      `yaml:"auth"`
	QoS       int                 `yaml:"qos"`
	Reconnect MQTTReconnectConfig `yaml:"reconnect"`
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
	Host     string           `yaml:"host"`
	Port     int              `yaml:"port"`
	TLS      TLSConfig        `yaml:"tls"`
	Timeouts APITimeoutConfig `yaml:"timeouts"`
	CORS     CORSConfig       `yaml:"cors"`
	Viewer   ViewerConfig     `yaml:"viewer"`
}

// ViewerConfig controls the browser viewer page served at the root path.
type ViewerConfig struct {
	Enabled bool `yaml:"enabled"`

	// Dir serves the page from disk instead of the embedded copy.
	Dir string `yaml:"dir"`
}

// TLSConfig contains TLS certificate settings.
type TLSConfig struct {
	Enabled  bool   `yaml:"enabled"`
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`
}

// APITimeoutConfig contains HTTP timeout settings in seconds.
// Write applies to request/response handlers only; streaming endpoints
// manage their own per-frame deadlines.
type APITimeoutConfig struct {
	Read  int `yaml:"read"`
	Write int `yaml:"write"`
	Idle  int `yaml:"idle"`
}

// CORSConfig contains Cross-Origin Resource Sharing settings.
type CORSConfig struct {
	AllowedOrigins []string `yaml:"allowed_origins"`
	AllowedMethods []string `yaml:"allowed_methods"`
	AllowedHeaders []string `yaml:"allowed_headers"`
}

// WebSocketConfig contains WebSocket settings shared by the device transport
// and the viewer endpoint.
type WebSocketConfig struct {
	DevicePath     string `yaml:"device_path"`
	MaxMessageSize int    `yaml:"max_message_size"`
	PingInterval   int    `yaml:"ping_interval"`
	PongTimeout    int    `yaml:"pong_timeout"`
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
	Output string `yaml:"output"`
}

// SecurityConfig contains security settings.
type SecurityConfig struct {
	JWT JWTConfig `yaml:"jwt"`
	OTP OTPConfig `yaml:"otp"`

	// ForceReauth requires a fresh OTP challenge for every new session.
	// When false, a device that has passed one challenge is issued sessions
	// directly until its verification is revoked.
	// Default: true
	ForceReauth bool `yaml:"force_reauth"`

	// CookieSecure sets the Secure attribute on the session cookie.
	CookieSecure bool `yaml:"cookie_secure"`
}

// JWTConfig contains session token settings.
type JWTConfig struct {
	Secret string `yaml:"secret"`
	// SessionTTL is the session lifetime in minutes.
	SessionTTL int `yaml:"session_ttl"`
}

// OTPConfig contains one-time passcode settings.
type OTPConfig struct {
	// TTL is the challenge lifetime in seconds.
	TTL         int    `yaml:"ttl"`
	MaxAttempts int    `yaml:"max_attempts"`
	Subject     string `yaml:"subject"`
}

// Load reads configuration from a YAML file and applies environment variable overrides.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: CAMRELAY_SECTION_KEY
// For example: CAMRELAY_DATABASE_PATH, CAMRELAY_API_HOST
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

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Relay: RelayConfig{
			ID:                     "camrelay-001",
			HeartbeatInterval:      30 * time.Second,
			CaptureTimeout:         6 * time.Second,
			CommandTimeout:         10 * time.Second,
			SubscriberBuffer:       8,
			SubscriberWriteTimeout: 2 * time.Second,
			StaleFrameAfter:        10 * time.Second,
			PruneInterval:          10 * time.Minute,
			AccessLogRetention:     30 * 24 * time.Hour,
		},
		Database: DatabaseConfig{
			Path:        "./data/camrelay.db",
			WALMode:     true,
			BusyTimeout: 5,
		},
		MQTT: MQTTConfig{
			Enabled: false,
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "camrelay",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 30,
				Idle:  60,
			},
			Viewer: ViewerConfig{Enabled: true},
		},
		WebSocket: WebSocketConfig{
			DevicePath:     "/ws/device",
			MaxMessageSize: 4 << 20,
			PingInterval:   30,
			PongTimeout:    10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				SessionTTL: 60,
			},
			OTP: OTPConfig{
				TTL:         300,
				MaxAttempts: 5,
				Subject:     "Your camera access code",
			},
			ForceReauth: true,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: CAMRELAY_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("CAMRELAY_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("CAMRELAY_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("CAMRELAY_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("CAMRELAY_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// API
	if v := os.Getenv("CAMRELAY_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("CAMRELAY_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Security - JWT secret (IMPORTANT: always override in production)
	if v := os.Getenv("CAMRELAY_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
	if v := os.Getenv("CAMRELAY_FORCE_REAUTH"); v != "" {
		cfg.Security.ForceReauth = v == "true" || v == "1"
	}
}

// Validate checks the configuration for errors and security issues.
//
// Returns:
//   - error: Description of validation failure, or nil if valid
func (c *Config) Validate() error {
	var errs []string

	if c.Relay.ID == "" {
		errs = append(errs, "relay.id is required")
	}
	if c.Relay.HeartbeatInterval <= 0 {
		errs = append(errs, "relay.heartbeat_interval must be positive")
	}
	if c.Relay.CaptureTimeout <= 0 {
		errs = append(errs, "relay.capture_timeout must be positive")
	}
	if c.Relay.SubscriberBuffer < 1 {
		errs = append(errs, "relay.subscriber_buffer must be at least 1")
	}
	if c.Relay.AccessLogRetention < 0 {
		errs = append(errs, "relay.access_log_retention must not be negative")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}

	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Session tokens gate access to live camera feeds; a weak secret lets
	// anyone forge a session for any device.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set CAMRELAY_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters for adequate security")
	}

	if c.Security.OTP.MaxAttempts < 1 {
		errs = append(errs, "security.otp.max_attempts must be at least 1")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
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

// SessionTTL returns the session lifetime as a Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.Security.JWT.SessionTTL) * time.Minute
}

// OTPTTL returns the OTP challenge lifetime as a Duration.
func (c *Config) OTPTTL() time.Duration {
	return time.Duration(c.Security.OTP.TTL) * time.Second
}
