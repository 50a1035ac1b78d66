// Package config loads the runtimeline client configuration. Sources are layered
// defaults < YAML file < RUNTIMELINE_* environment; command-line flags are applied last by the CLI.
package config

import (
	"bytes"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"

	"github.com/go-go-golems/runtimeline/pkg/redisstream"
	"github.com/go-go-golems/runtimeline/pkg/timeline"
)

const EnvPrefix = "RUNTIMELINE_"

type Config struct {
	BaseURL string `yaml:"base-url"`
	// WSURL defaults to the base URL's /ws endpoint with a ws/wss scheme.
	WSURL           string               `yaml:"ws-url,omitempty"`
	PageSize        int                  `yaml:"page-size"`
	MaxCatchUpPages int                  `yaml:"max-catch-up-pages"`
	CatchUpFallback bool                 `yaml:"catch-up-fallback"`
	RetryMax        int                  `yaml:"retry-max"`
	MaxEvents       int                  `yaml:"max-events,omitempty"`
	StorageDSN      string               `yaml:"storage-dsn,omitempty"`
	Viewport        string               `yaml:"viewport"`
	Redis           redisstream.Settings `yaml:"redis"`
	Log             LogSettings          `yaml:"log"`
}

type LogSettings struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

func Default() Config {
	return Config{
		BaseURL:         "http://localhost:8080/api",
		PageSize:        timeline.DefaultPageSize,
		MaxCatchUpPages: timeline.DefaultMaxCatchUpPages,
		CatchUpFallback: true,
		Viewport:        string(timeline.ViewportWide),
		Redis:           redisstream.DefaultSettings(),
		Log:             LogSettings{Level: "info", Format: "auto"},
	}
}

// DefaultPath is $XDG_CONFIG_HOME/runtimeline/config.yaml (or the OS equivalent).
func DefaultPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(dir, "runtimeline", "config.yaml")
}

// Load builds a config from defaults, the file at path and the environment. A missing file is
// only an error when path was given explicitly.
func Load(path string, explicit bool) (Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := decode(data, &cfg); err != nil {
				return Config{}, errors.Wrapf(err, "config: parse %s", path)
			}
		case os.IsNotExist(err) && !explicit:
		default:
			return Config{}, errors.Wrapf(err, "config: read %s", path)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(data []byte, cfg *Config) error {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	return dec.Decode(cfg)
}

// ApplyEnv overlays RUNTIMELINE_* variables looked up through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(name string, dst *string) {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	integer := func(name string, dst *int) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "config: %s%s", EnvPrefix, name)
		}
		*dst = n
		return nil
	}
	boolean := func(name string, dst *bool) error {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			return nil
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return errors.Wrapf(err, "config: %s%s", EnvPrefix, name)
		}
		*dst = b
		return nil
	}

	str("BASE_URL", &c.BaseURL)
	str("WS_URL", &c.WSURL)
	str("STORAGE_DSN", &c.StorageDSN)
	str("VIEWPORT", &c.Viewport)
	str("LOG_LEVEL", &c.Log.Level)
	str("LOG_FORMAT", &c.Log.Format)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("REDIS_GROUP", &c.Redis.Group)
	str("REDIS_CONSUMER", &c.Redis.Consumer)
	for name, dst := range map[string]*int{
		"PAGE_SIZE":          &c.PageSize,
		"MAX_CATCH_UP_PAGES": &c.MaxCatchUpPages,
		"RETRY_MAX":          &c.RetryMax,
		"MAX_EVENTS":         &c.MaxEvents,
	} {
		if err := integer(name, dst); err != nil {
			return err
		}
	}
	if err := boolean("CATCH_UP_FALLBACK", &c.CatchUpFallback); err != nil {
		return err
	}
	return boolean("REDIS_ENABLED", &c.Redis.Enabled)
}

func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return errors.Errorf("config: base-url %q must be an absolute http(s) URL", c.BaseURL)
	}
	if c.WSURL != "" {
		u, err := url.Parse(c.WSURL)
		if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") || u.Host == "" {
			return errors.Errorf("config: ws-url %q must be an absolute ws(s) URL", c.WSURL)
		}
	}
	if c.PageSize <= 0 {
		return errors.New("config: page-size must be > 0")
	}
	if c.MaxCatchUpPages <= 0 {
		return errors.New("config: max-catch-up-pages must be > 0")
	}
	if c.RetryMax < 0 {
		return errors.New("config: retry-max must be >= 0")
	}
	if c.MaxEvents < 0 {
		return errors.New("config: max-events must be >= 0")
	}
	if _, err := c.ViewportClass(); err != nil {
		return err
	}
	if _, err := zerolog.ParseLevel(strings.ToLower(c.Log.Level)); err != nil {
		return errors.Wrapf(err, "config: log level %q", c.Log.Level)
	}
	switch c.Log.Format {
	case "", "auto", "text", "json":
	default:
		return errors.Errorf("config: log format %q must be auto, text or json", c.Log.Format)
	}
	return c.Redis.Validate()
}

func (c Config) ViewportClass() (timeline.ViewportClass, error) {
	switch v := timeline.ViewportClass(strings.ToLower(strings.TrimSpace(c.Viewport))); v {
	case timeline.ViewportWide, timeline.ViewportNarrow:
		return v, nil
	case "":
		return timeline.ViewportWide, nil
	default:
		return "", errors.Errorf("config: viewport %q must be wide or narrow", c.Viewport)
	}
}

// ResolvedWSURL returns WSURL, or the /ws endpoint next to the base URL.
func (c Config) ResolvedWSURL() (string, error) {
	if c.WSURL != "" {
		return c.WSURL, nil
	}
	u, err := url.Parse(c.BaseURL)
	if err != nil {
		return "", errors.Wrap(err, "config: parse base-url")
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	default:
		u.Scheme = "ws"
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/ws"
	u.RawQuery = ""
	return u.String(), nil
}
