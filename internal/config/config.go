// Package config loads application configuration from a yaml file with
// environment overrides. The loaded value is immutable and passed explicitly
// to the components that need it; nothing reads the environment afterwards.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Inverter transport protocols.
const (
	ProtocolSolarman  = "solarman"
	ProtocolModbusTCP = "modbus-tcp"
)

// Config holds all configuration for the monitor.
type Config struct {
	Inverter  InverterConfig  `mapstructure:"inverter"`
	Collector CollectorConfig `mapstructure:"collector"`
	Storage   StorageConfig   `mapstructure:"storage"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

type InverterConfig struct {
	// Address is the host:port of the data-logger stick (solarman, port
	// 8899) or the Modbus TCP endpoint.
	Address string `mapstructure:"address"`
	// Serial is the logger stick serial number; required for solarman.
	Serial   uint32 `mapstructure:"serial"`
	SlaveID  uint8  `mapstructure:"slave_id"`
	Protocol string `mapstructure:"protocol"`
	// TimeoutSeconds bounds the socket I/O of one poll.
	TimeoutSeconds int `mapstructure:"timeout_seconds"`
}

type CollectorConfig struct {
	PollIntervalSeconds int `mapstructure:"poll_interval_seconds"`
}

type StorageConfig struct {
	Path          string `mapstructure:"path"`
	BusyTimeoutMS int    `mapstructure:"busy_timeout_ms"`
}

type ServerConfig struct {
	Host           string  `mapstructure:"host"`
	Port           int     `mapstructure:"port"`
	RateLimit      float64 `mapstructure:"rate_limit"`
	RateLimitBurst int     `mapstructure:"rate_limit_burst"`
	CacheSize      int     `mapstructure:"cache_size"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Timeout returns the poll I/O bound as a duration.
func (c InverterConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// Interval returns the poll cycle period as a duration.
func (c CollectorConfig) Interval() time.Duration {
	return time.Duration(c.PollIntervalSeconds) * time.Second
}

// Load reads configuration from the file at path, if it exists, and from
// SOLARMON_* environment variables, which take precedence. The result is
// validated before being returned.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("SOLARMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			// A missing file is fine when the environment carries the
			// required settings; a malformed one is not.
			if !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config file: %w", err)
			}
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate checks the loaded configuration for usable values.
func (c *Config) Validate() error {
	if c.Inverter.Address == "" {
		return fmt.Errorf("inverter.address is required")
	}
	switch c.Inverter.Protocol {
	case ProtocolSolarman:
		if c.Inverter.Serial == 0 {
			return fmt.Errorf("inverter.serial is required for the solarman protocol")
		}
	case ProtocolModbusTCP:
	default:
		return fmt.Errorf("inverter.protocol must be %q or %q, got %q",
			ProtocolSolarman, ProtocolModbusTCP, c.Inverter.Protocol)
	}
	if c.Collector.PollIntervalSeconds <= 0 {
		return fmt.Errorf("collector.poll_interval_seconds must be positive")
	}
	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port out of range: %d", c.Server.Port)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	// Zero-value defaults register the keys so AutomaticEnv can see them.
	v.SetDefault("inverter.address", "")
	v.SetDefault("inverter.serial", 0)
	v.SetDefault("inverter.slave_id", 1)
	v.SetDefault("inverter.protocol", ProtocolSolarman)
	v.SetDefault("inverter.timeout_seconds", 10)

	v.SetDefault("collector.poll_interval_seconds", 300)

	v.SetDefault("storage.path", "/data/solar.db")
	v.SetDefault("storage.busy_timeout_ms", 5000)

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.rate_limit", 5.0)
	v.SetDefault("server.rate_limit_burst", 10)
	v.SetDefault("server.cache_size", 128)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
