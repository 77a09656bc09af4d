package main

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/jmgilman/go/errors"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// Config is the on-disk configuration. Flags override individual fields.
type Config struct {
	Strategy string `yaml:"strategy"` // network | local
	Width    int    `yaml:"width"`
	Height   int    `yaml:"height"`

	Memory struct {
		Fraction float64 `yaml:"fraction"`
		HeapMB   int     `yaml:"heap_mb"`
		Capacity string  `yaml:"capacity"` // e.g. "64 MiB"; overrides fraction
	} `yaml:"memory"`

	Disk struct {
		Dir     string `yaml:"dir"` // empty disables the disk tier
		MaxSize string `yaml:"max_size"`
		Version int    `yaml:"version"`
	} `yaml:"disk"`

	Network struct {
		UserAgent    string        `yaml:"user_agent"`
		Timeout      time.Duration `yaml:"timeout"`
		RateLimit    float64       `yaml:"rate_limit"`
		Burst        int           `yaml:"burst"`
		CornerRadius float64       `yaml:"corner_radius"`
		Density      float64       `yaml:"density"`
		MaxBody      string        `yaml:"max_body"`
	} `yaml:"network"`

	Local struct {
		Dir     string `yaml:"dir"`
		Raw     bool   `yaml:"raw"`
		Workers int    `yaml:"workers"`
	} `yaml:"local"`

	Log struct {
		Level  string `yaml:"level"`
		Format string `yaml:"format"` // console | json
	} `yaml:"log"`

	HTTP struct {
		Metrics string `yaml:"metrics"`
		Pprof   string `yaml:"pprof"`
	} `yaml:"http"`
}

// DefaultConfig returns the configuration used when no file is given.
func DefaultConfig() Config {
	var c Config
	c.Strategy = "network"
	c.Width, c.Height = 96, 96
	c.Memory.Fraction = 1.0 / 8.0
	c.Disk.MaxSize = "10 MiB"
	c.Disk.Version = 1
	c.Network.Timeout = 30 * time.Second
	c.Network.Density = 1
	c.Network.MaxBody = "16 MiB"
	c.Local.Dir = "."
	c.Log.Level = "info"
	c.Log.Format = "console"
	return c
}

// LoadConfig reads a YAML file over DefaultConfig. An empty path returns the
// defaults.
func LoadConfig(path string) (Config, error) {
	c := DefaultConfig()
	if path == "" {
		return c, nil
	}
	f, err := os.Open(path)
	if err != nil {
		return c, errors.Wrapf(err, errors.CodeInvalidConfig, "open config %s", path)
	}
	defer f.Close()
	return c, decodeConfig(f, &c)
}

func decodeConfig(r io.Reader, c *Config) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return errors.Wrap(err, errors.CodeInvalidConfig, "decode config")
	}
	return c.Validate()
}

// Validate checks enumerations and size strings.
func (c *Config) Validate() error {
	switch c.Strategy {
	case "network", "local":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown strategy %q (use network or local)", c.Strategy)
	}
	if c.Width < 0 || c.Height < 0 {
		return errors.Newf(errors.CodeInvalidConfig, "negative target size %dx%d", c.Width, c.Height)
	}
	for name, v := range map[string]string{
		"memory.capacity":  c.Memory.Capacity,
		"disk.max_size":    c.Disk.MaxSize,
		"network.max_body": c.Network.MaxBody,
	} {
		if _, err := parseSize(v); err != nil {
			return errors.Wrapf(err, errors.CodeInvalidConfig, "%s", name)
		}
	}
	if _, err := zerolog.ParseLevel(c.Log.Level); err != nil {
		return errors.Wrapf(err, errors.CodeInvalidConfig, "log.level")
	}
	switch c.Log.Format {
	case "console", "json":
	default:
		return errors.Newf(errors.CodeInvalidConfig, "unknown log format %q", c.Log.Format)
	}
	return nil
}

// MemoryBytes returns the explicit memory capacity, or 0 for fraction sizing.
func (c *Config) MemoryBytes() int64 { return mustSize(c.Memory.Capacity) }

// DiskBytes returns the disk tier bound.
func (c *Config) DiskBytes() int64 { return mustSize(c.Disk.MaxSize) }

// MaxBodyBytes returns the download bound.
func (c *Config) MaxBodyBytes() int64 { return mustSize(c.Network.MaxBody) }

// mustSize is parseSize for values Validate already accepted.
func mustSize(s string) int64 {
	n, _ := parseSize(s)
	return n
}

// parseSize accepts humanized sizes ("10 MiB", "512kB", "4096"). Empty is 0.
func parseSize(s string) (int64, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, nil
	}
	n, err := humanize.ParseBytes(s)
	if err != nil {
		return 0, err
	}
	if n > 1<<62 {
		return 0, errors.Newf(errors.CodeInvalidInput, "size %q too large", s)
	}
	return int64(n), nil
}

// newLogger builds the process logger from the log section.
func newLogger(c *Config, w io.Writer) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(c.Log.Level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	if c.Log.Format == "console" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(lvl).With().Timestamp().Logger()
}
