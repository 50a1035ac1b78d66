package redisstream

import (
	"strings"

	"github.com/pkg/errors"
)

// Settings holds Redis Streams transport configuration for Watermill.
type Settings struct {
	Enabled  bool   `yaml:"enabled"`
	Addr     string `yaml:"addr"`
	Group    string `yaml:"group"`
	Consumer string `yaml:"consumer"`
}

func DefaultSettings() Settings {
	return Settings{
		Addr:     "localhost:6379",
		Group:    "runtimeline",
		Consumer: "viewer-1",
	}
}

func (s Settings) Validate() error {
	if !s.Enabled {
		return nil
	}
	if strings.TrimSpace(s.Addr) == "" {
		return errors.New("redis: addr is required when enabled")
	}
	if strings.TrimSpace(s.Group) == "" {
		return errors.New("redis: group is required when enabled")
	}
	if strings.TrimSpace(s.Consumer) == "" {
		return errors.New("redis: consumer is required when enabled")
	}
	return nil
}
