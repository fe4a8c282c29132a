package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/iohc-gateway/iohc-gateway-pro/pkg/iohc"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	API        APIConfig        `yaml:"api"`
	Database   DatabaseConfig   `yaml:"database"`
	NATS       NATSConfig       `yaml:"nats"`
	JWT        JWTConfig        `yaml:"jwt"`
	Log        LogConfig        `yaml:"log"`
	Controller ControllerConfig `yaml:"controller"`
	Radio      RadioConfig      `yaml:"radio"`
}

// ServerConfig represents server identification
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// APIConfig represents REST API configuration
type APIConfig struct {
	Enabled bool   `yaml:"enabled"`
	Host    string `yaml:"host"`
	Port    int    `yaml:"port"`
}

// DatabaseConfig represents the optional history store
type DatabaseConfig struct {
	Enabled         bool          `yaml:"enabled"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// NATSConfig represents the frame bus connection
type NATSConfig struct {
	URL               string        `yaml:"url"`
	MaxReconnects     int           `yaml:"max_reconnects"`
	ReconnectInterval time.Duration `yaml:"reconnect_interval"`
}

// JWTConfig represents API token configuration
type JWTConfig struct {
	Secret          string        `yaml:"secret"`
	AccessTokenTTL  time.Duration `yaml:"access_token_ttl"`
	RefreshTokenTTL time.Duration `yaml:"refresh_token_ttl"`
}

// LogConfig represents logging configuration
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ControllerConfig represents the gateway core configuration
type ControllerConfig struct {
	// Identity address used as the source of every outbound frame
	Address string `yaml:"address"`

	// Per-family secrets, hex encoded. The system key is required before
	// any pairing can start; the transfer key falls back to the built-in
	// family constant when empty.
	SystemKey   string `yaml:"system_key"`
	TransferKey string `yaml:"transfer_key"`

	RegistryFile string `yaml:"registry_file"`

	TickInterval      time.Duration `yaml:"tick_interval"`
	PairingTimeout    time.Duration `yaml:"pairing_timeout"`
	StepTimeout       time.Duration `yaml:"step_timeout"`
	DiscoverInterval  time.Duration `yaml:"discover_interval"`
	BroadcastInterval time.Duration `yaml:"broadcast_interval"`
	RetryDelay        time.Duration `yaml:"retry_delay"`
	RetryAttempts     int           `yaml:"retry_attempts"`

	AutoPair bool `yaml:"auto_pair"`
}

// RadioConfig represents the radio bridge configuration
type RadioConfig struct {
	UDPBind      string `yaml:"udp_bind"`
	SubjectRX    string `yaml:"subject_rx"`
	SubjectTX    string `yaml:"subject_tx"`
	SubjectState string `yaml:"subject_state"`
}

// Load reads and validates a configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns the built-in defaults
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Name:    "iohc-gateway",
			Version: "dev",
		},
		API: APIConfig{
			Enabled: true,
			Host:    "0.0.0.0",
			Port:    8090,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			ConnMaxLifetime: time.Hour,
		},
		NATS: NATSConfig{
			URL:               "nats://127.0.0.1:4222",
			MaxReconnects:     -1,
			ReconnectInterval: 2 * time.Second,
		},
		JWT: JWTConfig{
			AccessTokenTTL:  15 * time.Minute,
			RefreshTokenTTL: 7 * 24 * time.Hour,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "console",
		},
		Controller: ControllerConfig{
			Address:           "ba11ad",
			RegistryFile:      "devices-2w.json",
			TickInterval:      100 * time.Millisecond,
			PairingTimeout:    30 * time.Second,
			StepTimeout:       5 * time.Second,
			DiscoverInterval:  500 * time.Millisecond,
			BroadcastInterval: 250 * time.Millisecond,
			RetryDelay:        100 * time.Millisecond,
			RetryAttempts:     5,
		},
		Radio: RadioConfig{
			UDPBind:      "0.0.0.0:17000",
			SubjectRX:    "radio.frame.rx",
			SubjectTX:    "radio.frame.tx",
			SubjectState: "radio.state",
		},
	}
}

// Validate checks field consistency
func (c *Config) Validate() error {
	if _, err := iohc.ParseAddress(c.Controller.Address); err != nil {
		return fmt.Errorf("controller.address: %w", err)
	}
	if c.Controller.SystemKey != "" {
		if _, err := iohc.ParseKey(c.Controller.SystemKey); err != nil {
			return fmt.Errorf("controller.system_key: %w", err)
		}
	}
	if c.Controller.TransferKey != "" {
		if _, err := iohc.ParseKey(c.Controller.TransferKey); err != nil {
			return fmt.Errorf("controller.transfer_key: %w", err)
		}
	}
	if c.API.Enabled && c.JWT.Secret == "" {
		return fmt.Errorf("jwt.secret is required when the API is enabled")
	}
	if c.Database.Enabled && c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required when the history store is enabled")
	}
	if c.Controller.TickInterval <= 0 {
		return fmt.Errorf("controller.tick_interval must be positive")
	}
	return nil
}

// ControllerAddress returns the parsed controller identity
func (c *Config) ControllerAddress() iohc.Address {
	addr, _ := iohc.ParseAddress(c.Controller.Address)
	return addr
}

// SystemKey returns the parsed system key, if configured
func (c *Config) SystemKey() (iohc.Key, bool) {
	if c.Controller.SystemKey == "" {
		return iohc.Key{}, false
	}
	k, err := iohc.ParseKey(c.Controller.SystemKey)
	if err != nil {
		return iohc.Key{}, false
	}
	return k, true
}

// TransferKey returns the configured transfer key or the family constant
func (c *Config) TransferKey() iohc.Key {
	if c.Controller.TransferKey == "" {
		return iohc.TransferKey
	}
	k, err := iohc.ParseKey(c.Controller.TransferKey)
	if err != nil {
		return iohc.TransferKey
	}
	return k
}
