// Package config loads opsdash settings from YAML, environment and defaults.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

const EnvPrefix = "OPSDASH"

type Config struct {
	DataDir       string              `mapstructure:"data_dir"`
	Server        ServerConfig        `mapstructure:"server"`
	Socket        SocketConfig        `mapstructure:"socket"`
	API           APIConfig           `mapstructure:"api"`
	Metrics       MetricsConfig       `mapstructure:"metrics"`
	Notifications NotificationsConfig `mapstructure:"notifications"`
	Auth          AuthConfig          `mapstructure:"auth"`
	Simulator     SimulatorConfig     `mapstructure:"simulator"`
}

type ServerConfig struct {
	Listen    string  `mapstructure:"listen" validate:"required"`
	RateLimit float64 `mapstructure:"rate_limit" validate:"gt=0"`
	Burst     int     `mapstructure:"burst" validate:"gt=0"`
	// AllowedOrigins lists extra browser origins for the event socket.
	AllowedOrigins []string `mapstructure:"allowed_origins"`
}

type SocketConfig struct {
	URL          string        `mapstructure:"url" validate:"required,url"`
	BaseInterval time.Duration `mapstructure:"base_interval" validate:"gt=0"`
	MaxAttempts  int           `mapstructure:"max_attempts" validate:"gte=0"`
	PingPeriod   time.Duration `mapstructure:"ping_period" validate:"gt=0"`
	AuthTimeout  time.Duration `mapstructure:"auth_timeout"`
	DialTimeout  time.Duration `mapstructure:"dial_timeout" validate:"gt=0"`
}

type APIConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
}

type MetricsConfig struct {
	Capacity        int           `mapstructure:"capacity" validate:"gt=0"`
	RefreshInterval time.Duration `mapstructure:"refresh_interval" validate:"gt=0"`
}

type NotificationsConfig struct {
	Limit int `mapstructure:"limit" validate:"gt=0"`
}

type AuthConfig struct {
	JWTSecret   string        `mapstructure:"jwt_secret" validate:"required,min=8"`
	TokenExpiry time.Duration `mapstructure:"token_expiry" validate:"gt=0"`
	Users       []User        `mapstructure:"users" validate:"dive"`
}

// User is a mock account. PasswordHash is a bcrypt hash (see tools/hashpw).
type User struct {
	Username     string `mapstructure:"username" validate:"required"`
	PasswordHash string `mapstructure:"password_hash" validate:"required"`
}

type SimulatorConfig struct {
	Listen       string        `mapstructure:"listen" validate:"required"`
	PushInterval time.Duration `mapstructure:"push_interval" validate:"gt=0"`
	SampleEvery  time.Duration `mapstructure:"sample_every" validate:"gt=0"`
	HistorySize  int           `mapstructure:"history_size" validate:"gt=0"`
	AlertRate    float64       `mapstructure:"alert_rate" validate:"gte=0,lte=1"`
	ErrorRate    float64       `mapstructure:"error_rate" validate:"gte=0,lte=1"`
	Latency      time.Duration `mapstructure:"latency" validate:"gte=0"`
	Devices      int           `mapstructure:"devices" validate:"gte=0"`
}

// UserMap returns the configured accounts keyed by username.
func (c *Config) UserMap() map[string]string {
	out := make(map[string]string, len(c.Auth.Users))
	for _, u := range c.Auth.Users {
		out[u.Username] = u.PasswordHash
	}
	return out
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("data_dir", defaultDataDir())

	v.SetDefault("server.listen", "127.0.0.1:8470")
	v.SetDefault("server.rate_limit", 20)
	v.SetDefault("server.burst", 40)
	v.SetDefault("server.allowed_origins", []string{})

	v.SetDefault("socket.url", "ws://127.0.0.1:8471/ws")
	v.SetDefault("socket.base_interval", "3s")
	v.SetDefault("socket.max_attempts", 5)
	v.SetDefault("socket.ping_period", "30s")
	v.SetDefault("socket.auth_timeout", "10s")
	v.SetDefault("socket.dial_timeout", "10s")

	v.SetDefault("api.base_url", "http://127.0.0.1:8471")

	v.SetDefault("metrics.capacity", 24)
	v.SetDefault("metrics.refresh_interval", "30s")

	v.SetDefault("notifications.limit", 100)

	v.SetDefault("auth.jwt_secret", "opsdash-dev-secret")
	v.SetDefault("auth.token_expiry", "24h")
	v.SetDefault("auth.users", []map[string]string{})

	v.SetDefault("simulator.listen", "127.0.0.1:8471")
	v.SetDefault("simulator.push_interval", "5s")
	v.SetDefault("simulator.sample_every", "5s")
	v.SetDefault("simulator.history_size", 24)
	v.SetDefault("simulator.alert_rate", 0.1)
	v.SetDefault("simulator.error_rate", 0.0)
	v.SetDefault("simulator.latency", "300ms")
	v.SetDefault("simulator.devices", 12)
}

func defaultDataDir() string {
	exe, err := os.Executable()
	if err != nil {
		return "."
	}
	return filepath.Dir(exe)
}

// Load reads configuration. An explicit path must exist; otherwise config.yaml
// is searched in the working directory, ./config and /etc/opsdash, and a
// missing file falls back to defaults. OPSDASH_* variables override both.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./config")
		v.AddConfigPath("/etc/opsdash/")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unable to decode config: %w", err)
	}
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New()

// Validate checks field constraints and cross-field rules.
func Validate(cfg *Config) error {
	if err := validate.Struct(cfg); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	seen := make(map[string]struct{}, len(cfg.Auth.Users))
	for _, u := range cfg.Auth.Users {
		if _, dup := seen[u.Username]; dup {
			return fmt.Errorf("invalid config: duplicate user %q", u.Username)
		}
		seen[u.Username] = struct{}{}
	}
	return nil
}
