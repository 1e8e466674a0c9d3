package config

import (
	"fmt"
	"os"
	"slices"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the root configuration structure shared by the microscope
// service and the device host. All configuration is loaded from YAML and
// can be overridden by environment variables.
type Config struct {
	Instrument InstrumentConfig `yaml:"instrument"`
	Database   DatabaseConfig   `yaml:"database"`
	MQTT       MQTTConfig       `yaml:"mqtt"`
	NATS       NATSConfig       `yaml:"nats"`
	API        APIConfig        `yaml:"api"`
	WebSocket  WebSocketConfig  `yaml:"websocket"`
	InfluxDB   InfluxDBConfig   `yaml:"influxdb"`
	Logging    LoggingConfig    `yaml:"logging"`
	Security   SecurityConfig   `yaml:"security"`
	Remote     RemoteConfig     `yaml:"remote"`
	Session    SessionConfig    `yaml:"session"`
	Host       HostConfig       `yaml:"host"`

	// Devices is the instrument topology, in participant order.
	Devices []DeviceConfig `yaml:"devices"`

	// Dependencies are cross-device constraints such as
	// "camera.exposure <= light.pulse_width".
	Dependencies []string `yaml:"dependencies"`
}

// InstrumentConfig identifies the microscope.
type InstrumentConfig struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// DatabaseConfig contains SQLite database settings.
type DatabaseConfig struct {
	Path        string `yaml:"path"`
	WALMode     bool   `yaml:"wal_mode"`
	BusyTimeout int    `yaml:"busy_timeout"`

	// HistoryRetention bounds how long device transitions are kept.
	// Zero keeps them forever.
	HistoryRetention time.Duration `yaml:"history_retention"`
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
	MaxAttempts  int `yaml:"max_attempts"`
}

// NATSConfig contains NATS connection settings.
type NATSConfig struct {
	Enabled       bool               `yaml:"enabled"`
	URL           string             `yaml:"url"`
	Name          string             `yaml:"name"`
	ReconnectWait int                `yaml:"reconnect_wait"`
	MaxReconnects int                `yaml:"max_reconnects"`
	Embedded      NATSEmbeddedConfig `yaml:"embedded"`
}

// NATSEmbeddedConfig runs a NATS server inside the process. A device host
// on an isolated bench network uses it so no separate broker is needed.
type NATSEmbeddedConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// APIConfig contains HTTP API server settings.
type APIConfig struct {
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

// APITimeoutConfig contains HTTP timeout settings.
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

// WebSocketConfig contains WebSocket server settings.
type WebSocketConfig struct {
	Path           string `yaml:"path"`
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
	JWT   JWTConfig    `yaml:"jwt"`
	Users []UserConfig `yaml:"users"`
}

// JWTConfig contains JWT token settings.
type JWTConfig struct {
	Secret         string `yaml:"secret"`
	AccessTokenTTL int    `yaml:"access_token_ttl"`
}

// UserConfig is an API account. PasswordHash is an Argon2id PHC string.
type UserConfig struct {
	Username     string `yaml:"username"`
	PasswordHash string `yaml:"password_hash"`
	Role         string `yaml:"role"`
}

// RemoteConfig controls how the service reaches devices on device hosts.
type RemoteConfig struct {
	CallTimeout time.Duration     `yaml:"call_timeout"`
	CacheTTL    time.Duration     `yaml:"cache_ttl"`
	Retry       RemoteRetryConfig `yaml:"retry"`
}

// RemoteRetryConfig bounds retries of link failures.
type RemoteRetryConfig struct {
	MaxTries        int           `yaml:"max_tries"`
	InitialInterval time.Duration `yaml:"initial_interval"`
	MaxInterval     time.Duration `yaml:"max_interval"`
}

// SessionConfig holds coordinator defaults.
type SessionConfig struct {
	ArmTimeout        time.Duration `yaml:"arm_timeout"`
	CompletionTimeout time.Duration `yaml:"completion_timeout"`
	AbortTimeout      time.Duration `yaml:"abort_timeout"`
}

// HostConfig configures the device host process.
type HostConfig struct {
	Name            string        `yaml:"name"`
	StorePath       string        `yaml:"store_path"`
	MaxCallDuration time.Duration `yaml:"max_call_duration"`
	ReplayLimit     int           `yaml:"replay_limit"`
}

// DeviceConfig is one entry of the topology: either a local driver or a
// device on a device host.
type DeviceConfig struct {
	Name   string         `yaml:"name"`
	Driver string         `yaml:"driver,omitempty"`
	Params map[string]any `yaml:"params,omitempty"`

	Remote *RemoteAddressConfig `yaml:"remote,omitempty"`

	// Settings are staged after the device initialises.
	Settings map[string]any `yaml:"settings,omitempty"`
}

// RemoteAddressConfig locates a device on a device host.
type RemoteAddressConfig struct {
	Transport string `yaml:"transport"`
	Host      string `yaml:"host"`
	Device    string `yaml:"device"`
}

// Transports a remote device may be reached through.
const (
	TransportMQTT = "mqtt"
	TransportNATS = "nats"
)

// Load reads the microscope service configuration.
//
// The configuration loading order is:
//  1. Default values (hardcoded)
//  2. YAML file values (override defaults)
//  3. Environment variables (override file values)
//
// Environment variables follow the pattern: MICROSCOPE_SECTION_KEY
// For example: MICROSCOPE_DATABASE_PATH, MICROSCOPE_API_HOST
func Load(path string) (*Config, error) {
	return load(path, (*Config).Validate)
}

// LoadHost reads the device host configuration. The API, database and
// security sections are not required.
func LoadHost(path string) (*Config, error) {
	return load(path, (*Config).ValidateHost)
}

func load(path string, validate func(*Config) error) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyEnvOverrides(cfg)

	if err := validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Instrument: InstrumentConfig{
			ID:   "scope-001",
			Name: "Microscope",
		},
		Database: DatabaseConfig{
			Path:             "./data/microscope.db",
			WALMode:          true,
			BusyTimeout:      5,
			HistoryRetention: 30 * 24 * time.Hour,
		},
		MQTT: MQTTConfig{
			Broker: MQTTBrokerConfig{
				Host:     "localhost",
				Port:     1883,
				ClientID: "microscope-core",
			},
			QoS: 1,
			Reconnect: MQTTReconnectConfig{
				InitialDelay: 1,
				MaxDelay:     60,
			},
		},
		NATS: NATSConfig{
			URL:           "nats://127.0.0.1:4222",
			Name:          "microscope-core",
			ReconnectWait: 2,
			MaxReconnects: -1,
			Embedded: NATSEmbeddedConfig{
				Host: "127.0.0.1",
				Port: 4222,
			},
		},
		API: APIConfig{
			Host: "0.0.0.0",
			Port: 8080,
			Timeouts: APITimeoutConfig{
				Read:  30,
				Write: 120,
				Idle:  60,
			},
		},
		WebSocket: WebSocketConfig{
			Path:           "/ws",
			MaxMessageSize: 8192,
			PingInterval:   30,
			PongTimeout:    10,
		},
		InfluxDB: InfluxDBConfig{
			Bucket:        "microscope",
			BatchSize:     100,
			FlushInterval: 10,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Security: SecurityConfig{
			JWT: JWTConfig{
				AccessTokenTTL: 60,
			},
		},
		Remote: RemoteConfig{
			CallTimeout: 5 * time.Second,
			CacheTTL:    2 * time.Second,
			Retry: RemoteRetryConfig{
				MaxTries:        4,
				InitialInterval: 100 * time.Millisecond,
				MaxInterval:     2 * time.Second,
			},
		},
		Session: SessionConfig{
			ArmTimeout:        5 * time.Second,
			CompletionTimeout: 30 * time.Second,
			AbortTimeout:      5 * time.Second,
		},
		Host: HostConfig{
			StorePath:       "./data/devicehost.db",
			MaxCallDuration: 5 * time.Minute,
			ReplayLimit:     1024,
		},
	}
}

// applyEnvOverrides applies environment variable overrides to the configuration.
// Environment variables follow the pattern: MICROSCOPE_SECTION_KEY
func applyEnvOverrides(cfg *Config) {
	// Database
	if v := os.Getenv("MICROSCOPE_DATABASE_PATH"); v != "" {
		cfg.Database.Path = v
	}

	// MQTT
	if v := os.Getenv("MICROSCOPE_MQTT_HOST"); v != "" {
		cfg.MQTT.Broker.Host = v
	}
	if v := os.Getenv("MICROSCOPE_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Auth.Username = v
	}
	if v := os.Getenv("MICROSCOPE_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Auth.Password = v
	}

	// NATS
	if v := os.Getenv("MICROSCOPE_NATS_URL"); v != "" {
		cfg.NATS.URL = v
	}

	// API
	if v := os.Getenv("MICROSCOPE_API_HOST"); v != "" {
		cfg.API.Host = v
	}

	// InfluxDB
	if v := os.Getenv("MICROSCOPE_INFLUXDB_TOKEN"); v != "" {
		cfg.InfluxDB.Token = v
	}

	// Logging
	if v := os.Getenv("MICROSCOPE_LOG_LEVEL"); v != "" {
		cfg.Logging.Level = v
	}

	// Device host
	if v := os.Getenv("MICROSCOPE_HOST_NAME"); v != "" {
		cfg.Host.Name = v
	}

	// Security - JWT secret (always override in production)
	if v := os.Getenv("MICROSCOPE_JWT_SECRET"); v != "" {
		cfg.Security.JWT.Secret = v
	}
}

// Validate checks the microscope service configuration.
func (c *Config) Validate() error {
	var errs []string

	if c.Instrument.ID == "" {
		errs = append(errs, "instrument.id is required")
	}

	if c.Database.Path == "" {
		errs = append(errs, "database.path is required")
	}
	if c.Database.HistoryRetention < 0 {
		errs = append(errs, "database.history_retention must not be negative")
	}

	if c.API.Port < 1 || c.API.Port > 65535 {
		errs = append(errs, "api.port must be between 1 and 65535")
	}

	// Anyone holding a forged token can move stages and fire light sources.
	const minJWTSecretLength = 32
	if c.Security.JWT.Secret == "" {
		errs = append(errs, "security.jwt.secret is required (set MICROSCOPE_JWT_SECRET environment variable)")
	} else if len(c.Security.JWT.Secret) < minJWTSecretLength {
		errs = append(errs, "security.jwt.secret must be at least 32 characters")
	}
	for i, u := range c.Security.Users {
		if u.Username == "" || u.PasswordHash == "" {
			errs = append(errs, fmt.Sprintf("security.users[%d]: username and password_hash are required", i))
		}
	}

	errs = append(errs, c.validateTransports()...)
	errs = append(errs, c.validateTiming()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

// ValidateHost checks the device host configuration.
func (c *Config) ValidateHost() error {
	var errs []string

	if c.Host.Name == "" {
		errs = append(errs, "host.name is required (set MICROSCOPE_HOST_NAME environment variable)")
	}
	if !c.MQTT.Enabled && !c.NATS.Enabled {
		errs = append(errs, "at least one of mqtt.enabled or nats.enabled is required")
	}
	if c.Host.ReplayLimit < 0 {
		errs = append(errs, "host.replay_limit must not be negative")
	}
	for i, d := range c.Devices {
		if d.Remote != nil {
			errs = append(errs, fmt.Sprintf("devices[%d] (%s): a device host only exports local drivers", i, d.Name))
		}
	}

	errs = append(errs, c.validateTransports()...)
	errs = append(errs, c.validateDevices()...)

	if len(errs) > 0 {
		return fmt.Errorf("configuration errors: %s", strings.Join(errs, "; "))
	}

	return nil
}

func (c *Config) validateTransports() []string {
	var errs []string
	if c.MQTT.QoS < 0 || c.MQTT.QoS > 2 {
		errs = append(errs, "mqtt.qos must be 0, 1, or 2")
	}
	if c.NATS.Enabled && c.NATS.URL == "" && !c.NATS.Embedded.Enabled {
		errs = append(errs, "nats.url is required when nats is enabled")
	}
	return errs
}

func (c *Config) validateTiming() []string {
	var errs []string
	if c.Session.ArmTimeout < 0 || c.Session.CompletionTimeout < 0 || c.Session.AbortTimeout < 0 {
		errs = append(errs, "session timeouts must not be negative")
	}
	if c.Remote.CallTimeout < 0 || c.Remote.Retry.MaxTries < 0 {
		errs = append(errs, "remote.call_timeout and remote.retry.max_tries must not be negative")
	}
	return errs
}

func (c *Config) validateDevices() []string {
	var errs []string
	seen := make(map[string]bool, len(c.Devices))
	for i, d := range c.Devices {
		prefix := fmt.Sprintf("devices[%d]", i)
		if d.Name == "" {
			errs = append(errs, prefix+": name is required")
			continue
		}
		if strings.ContainsAny(d.Name, " ./") {
			errs = append(errs, fmt.Sprintf("%s (%s): name must not contain spaces, dots or slashes", prefix, d.Name))
		}
		if seen[d.Name] {
			errs = append(errs, fmt.Sprintf("%s: duplicate device name %q", prefix, d.Name))
		}
		seen[d.Name] = true

		switch {
		case d.Driver == "" && d.Remote == nil:
			errs = append(errs, fmt.Sprintf("%s (%s): driver or remote is required", prefix, d.Name))
		case d.Driver != "" && d.Remote != nil:
			errs = append(errs, fmt.Sprintf("%s (%s): driver and remote are mutually exclusive", prefix, d.Name))
		case d.Remote != nil:
			if !slices.Contains([]string{TransportMQTT, TransportNATS}, d.Remote.Transport) {
				errs = append(errs, fmt.Sprintf("%s (%s): remote.transport must be mqtt or nats", prefix, d.Name))
			}
			if d.Remote.Host == "" || d.Remote.Device == "" {
				errs = append(errs, fmt.Sprintf("%s (%s): remote.host and remote.device are required", prefix, d.Name))
			}
		}
	}
	for i, dep := range c.Dependencies {
		if strings.TrimSpace(dep) == "" {
			errs = append(errs, fmt.Sprintf("dependencies[%d] is empty", i))
		}
	}
	return errs
}

// UsesTransport reports whether any device is reached through transport.
func (c *Config) UsesTransport(transport string) bool {
	return slices.ContainsFunc(c.Devices, func(d DeviceConfig) bool {
		return d.Remote != nil && d.Remote.Transport == transport
	})
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
