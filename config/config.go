package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/pelletier/go-toml/v2"
	"go.uber.org/zap"
)

// Duration is a time.Duration written as "20ms" or "2m" in the config file.
type Duration time.Duration

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

type Config struct {
	Server   ServerConfig   `toml:"server"`
	Database DatabaseConfig `toml:"database"`
	Relay    RelayConfig    `toml:"relay"`
	Timeouts TimeoutsConfig `toml:"timeouts"`
	Log      LogConfig      `toml:"log"`
}

type ServerConfig struct {
	Host            string `toml:"host"`
	Port            int    `toml:"port"`
	AcceptedVersion string `toml:"accepted_version"`
	ControlSocket   string `toml:"control_socket"` // empty disables it
}

type DatabaseConfig struct {
	Path string `toml:"path"`
}

type RelayConfig struct {
	PollInterval   Duration `toml:"poll_interval"`
	AcceptInterval Duration `toml:"accept_interval"`
	HistoryLimit   int      `toml:"history_limit"`
}

// TimeoutsConfig bounds client waits. Zero disables a timeout.
type TimeoutsConfig struct {
	Handshake Duration `toml:"handshake"` // Ping after connect
	Login     Duration `toml:"login"`     // each LoginRequest
	Write     Duration `toml:"write"`
}

type LogConfig struct {
	Level       string `toml:"level"`
	Development bool   `toml:"development"`
}

func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            2277,
			AcceptedVersion: "0.1.1",
			ControlSocket:   "/tmp/deltalima.sock",
		},
		Database: DatabaseConfig{
			Path: "deltalima.db",
		},
		Relay: RelayConfig{
			PollInterval:   Duration(50 * time.Millisecond),
			AcceptInterval: Duration(20 * time.Millisecond),
			HistoryLimit:   1000,
		},
		Timeouts: TimeoutsConfig{
			Handshake: Duration(2 * time.Minute),
			Login:     Duration(10 * time.Minute),
			Write:     Duration(30 * time.Second),
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}

// Load reads the config file at path, creating it with the defaults when it
// does not exist, then applies DL_* environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
		if err := cfg.Write(path); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) Write(path string) error {
	data, err := toml.Marshal(c)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

func (c *Config) applyEnv() {
	if host := os.Getenv("DL_HOST"); host != "" {
		c.Server.Host = host
	}

	if portStr := os.Getenv("DL_PORT"); portStr != "" {
		if port, err := strconv.Atoi(portStr); err == nil {
			c.Server.Port = port
		}
	}

	if version := os.Getenv("DL_ACCEPTED_VERSION"); version != "" {
		c.Server.AcceptedVersion = version
	}

	if socket, ok := os.LookupEnv("DL_CONTROL_SOCKET"); ok {
		c.Server.ControlSocket = socket
	}

	if dbPath := os.Getenv("DL_DB_PATH"); dbPath != "" {
		c.Database.Path = dbPath
	}

	envDuration("DL_POLL_INTERVAL", &c.Relay.PollInterval)
	envDuration("DL_ACCEPT_INTERVAL", &c.Relay.AcceptInterval)
	envDuration("DL_HANDSHAKE_TIMEOUT", &c.Timeouts.Handshake)
	envDuration("DL_LOGIN_TIMEOUT", &c.Timeouts.Login)
	envDuration("DL_WRITE_TIMEOUT", &c.Timeouts.Write)

	if limitStr := os.Getenv("DL_HISTORY_LIMIT"); limitStr != "" {
		if limit, err := strconv.Atoi(limitStr); err == nil {
			c.Relay.HistoryLimit = limit
		}
	}

	if level := os.Getenv("DL_LOG_LEVEL"); level != "" {
		c.Log.Level = level
	}

	if devStr := os.Getenv("DL_LOG_DEVELOPMENT"); devStr != "" {
		if dev, err := strconv.ParseBool(devStr); err == nil {
			c.Log.Development = dev
		}
	}
}

func envDuration(key string, dst *Duration) {
	if s := os.Getenv(key); s != "" {
		if d, err := time.ParseDuration(s); err == nil {
			*dst = Duration(d)
		}
	}
}

func (c *Config) Validate() error {
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port %d", c.Server.Port)
	}
	if c.Server.AcceptedVersion == "" {
		return errors.New("accepted_version must not be empty")
	}
	if c.Database.Path == "" {
		return errors.New("database path must not be empty")
	}
	if c.Relay.PollInterval <= 0 || c.Relay.AcceptInterval <= 0 {
		return errors.New("relay intervals must be positive")
	}
	if c.Relay.HistoryLimit < 1 {
		return fmt.Errorf("invalid history_limit %d", c.Relay.HistoryLimit)
	}
	return nil
}

// Address is the TCP listen address.
func (c *Config) Address() string {
	return fmt.Sprintf("%s:%d", c.Server.Host, c.Server.Port)
}

// NewLogger builds the process logger.
func (c LogConfig) NewLogger() (*zap.Logger, error) {
	zc := zap.NewProductionConfig()
	if c.Development {
		zc = zap.NewDevelopmentConfig()
	}

	if c.Level != "" {
		level, err := zap.ParseAtomicLevel(c.Level)
		if err != nil {
			return nil, fmt.Errorf("log level: %w", err)
		}
		zc.Level = level
	}

	return zc.Build()
}
