package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams configuration for the transcript mirror.
type Settings struct {
	Enabled  bool   `mapstructure:"enabled" yaml:"enabled"`
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Stream   string `mapstructure:"stream" yaml:"stream"`
	Group    string `mapstructure:"group" yaml:"group"`
	Consumer string `mapstructure:"consumer" yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Stream:   "tutor-chat",
		Group:    "tutor-chat-tail",
		Consumer: "tail-1",
	}
}

// Validate checks the settings only when the mirror is enabled.
func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Stream) == "" {
		return errors.New("redis: stream is required when enabled")
	}
	return nil
}

// Topic returns the stream name a thread's transcript is mirrored to.
func (s Settings) Topic(threadID string) string {
	prefix := strings.TrimSpace(s.Stream)
	if prefix == "" {
		prefix = DefaultSettings().Stream
	}
	return prefix + ":" + threadID
}
