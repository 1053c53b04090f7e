// Package config loads tutor-chat settings from a YAML file, TUTOR_CHAT_*
// environment variables and command line flags, in increasing precedence.
package config

import (
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"time"

	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/tutor-chat/pkg/redisstream"
	"github.com/go-go-golems/tutor-chat/pkg/session"
)

const (
	EnvPrefix = "TUTOR_CHAT"

	TransportWebSocket = "ws"
	TransportHTTP      = "http"

	DefaultGreeting = "你好，我是 XieShui 智能教学辅助 Agent"
)

type Config struct {
	Endpoint  string               `mapstructure:"endpoint"`
	Transport string               `mapstructure:"transport"`
	Greeting  string               `mapstructure:"greeting"`
	Reconnect ReconnectConfig      `mapstructure:"reconnect"`
	Upload    UploadConfig         `mapstructure:"upload"`
	WebSocket WebSocketConfig      `mapstructure:"websocket"`
	Store     StoreConfig          `mapstructure:"store"`
	Redis     redisstream.Settings `mapstructure:"redis"`
	Metrics   MetricsConfig        `mapstructure:"metrics"`
	Log       LogConfig            `mapstructure:"log"`
}

type ReconnectConfig struct {
	Delay       time.Duration `mapstructure:"delay"`
	MaxAttempts int           `mapstructure:"max-attempts"`
}

func (r ReconnectConfig) Policy() session.ReconnectPolicy {
	return session.ReconnectPolicy{Delay: r.Delay, MaxAttempts: r.MaxAttempts}
}

type UploadConfig struct {
	AckTimeout time.Duration `mapstructure:"ack-timeout"`
}

type WebSocketConfig struct {
	PingInterval time.Duration `mapstructure:"ping-interval"`
	SendBuffer   int           `mapstructure:"send-buffer"`
}

type StoreConfig struct {
	// DSN is a sqlite DSN or a plain file path. Empty disables persistence.
	DSN string `mapstructure:"dsn"`
}

type MetricsConfig struct {
	// Addr serves /metrics when set, e.g. ":9090".
	Addr string `mapstructure:"addr"`
}

type LogConfig struct {
	Level string `mapstructure:"level"`
}

// Dir is the per-user configuration directory, ~/.tutor-chat.
func Dir() (string, error) {
	dir, err := homedir.Expand("~/.tutor-chat")
	if err != nil {
		return "", errors.Wrap(err, "resolve home directory")
	}
	return dir, nil
}

// SetDefaults registers every key, which also makes each key visible to
// environment lookups during Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("endpoint", "ws://localhost:7223")
	v.SetDefault("transport", TransportWebSocket)
	v.SetDefault("greeting", DefaultGreeting)
	v.SetDefault("reconnect.delay", session.DefaultReconnectDelay)
	v.SetDefault("reconnect.max-attempts", session.DefaultReconnectMaxAttempts)
	v.SetDefault("upload.ack-timeout", 30*time.Second)
	v.SetDefault("websocket.ping-interval", 30*time.Second)
	v.SetDefault("websocket.send-buffer", 64)
	v.SetDefault("store.dsn", "")
	rs := redisstream.DefaultSettings()
	v.SetDefault("redis.enabled", rs.Enabled)
	v.SetDefault("redis.addr", rs.Addr)
	v.SetDefault("redis.stream", rs.Stream)
	v.SetDefault("redis.group", rs.Group)
	v.SetDefault("redis.consumer", rs.Consumer)
	v.SetDefault("metrics.addr", "")
	v.SetDefault("log.level", "info")
}

// New returns a viper instance with defaults and environment binding. When
// configFile is empty, config.yaml is looked up in Dir() and the working
// directory; a missing file is not an error.
func New(configFile string) (*viper.Viper, error) {
	v := viper.New()
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, errors.Wrapf(err, "read config %s", configFile)
		}
		return v, nil
	}

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if dir, err := Dir(); err == nil {
		v.AddConfigPath(dir)
	}
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, errors.Wrap(err, "read config")
		}
	}
	return v, nil
}

// BindFlags maps flag names onto config keys, e.g. "max-attempts" onto
// "reconnect.max-attempts". Flags that were not set keep lower precedence.
func BindFlags(v *viper.Viper, flags *pflag.FlagSet, keys map[string]string) error {
	for flagName, key := range keys {
		f := flags.Lookup(flagName)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind flag %s", flagName)
		}
	}
	return nil
}

func Load(v *viper.Viper) (*Config, error) {
	var c Config
	if err := v.Unmarshal(&c); err != nil {
		return nil, errors.Wrap(err, "decode config")
	}
	c.Transport = strings.ToLower(strings.TrimSpace(c.Transport))
	c.Endpoint = strings.TrimSpace(c.Endpoint)
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	if c.Endpoint == "" {
		return errors.New("endpoint is required")
	}
	switch c.Transport {
	case TransportWebSocket, TransportHTTP:
	default:
		return errors.Errorf("unknown transport %q (want %s or %s)", c.Transport, TransportWebSocket, TransportHTTP)
	}
	if c.Reconnect.Delay < 0 {
		return errors.New("reconnect.delay must not be negative")
	}
	if c.Reconnect.MaxAttempts < 0 {
		return errors.New("reconnect.max-attempts must not be negative")
	}
	if c.WebSocket.SendBuffer < 0 {
		return errors.New("websocket.send-buffer must not be negative")
	}
	return c.Redis.Validate()
}

// DefaultDBPath is where threads are stored when persistence is enabled
// without an explicit DSN.
func DefaultDBPath() (string, error) {
	dir, err := Dir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "transcripts.db"), nil
}

// WriteYAML prints the effective settings, defaults and environment included,
// preceded by the config file in use.
func WriteYAML(v *viper.Viper, w io.Writer) error {
	file := v.ConfigFileUsed()
	if file == "" {
		file = "none"
	}
	if _, err := fmt.Fprintf(w, "# config file: %s\n", file); err != nil {
		return errors.Wrap(err, "write config header")
	}
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(v.AllSettings()); err != nil {
		return errors.Wrap(err, "encode config")
	}
	return enc.Close()
}
