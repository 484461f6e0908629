// Package config loads the YAML configuration of the explorer
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/kass/go-geo-explorer/pkg/postgis"
	"github.com/kass/go-geo-explorer/pkg/telemetry"
)

const (
	DefaultFile        = "config.yaml"
	ExampleFile        = "config.yaml.example"
	DefaultAddr        = ":8080"
	DefaultMaxUploadMB = 32
)

// Config mirrors config.yaml
type Config struct {
	Server struct {
		Addr           string        `yaml:"addr"`
		MaxUploadMB    int64         `yaml:"max_upload_mb"`
		ReadTimeout    time.Duration `yaml:"read_timeout"`
		WriteTimeout   time.Duration `yaml:"write_timeout"`
		AllowedOrigins []string      `yaml:"allowed_origins"`
	} `yaml:"server"`
	// Schema is a builtin schema name or a schema file path
	Schema  string `yaml:"schema"`
	Catalog struct {
		Snapshot   string `yaml:"snapshot"`
		PageSize   int    `yaml:"page_size"`
		Partitions int    `yaml:"partitions"`
	} `yaml:"catalog"`
	Fetch struct {
		Timeout time.Duration `yaml:"timeout"`
	} `yaml:"fetch"`
	PostGIS struct {
		Enabled        bool `yaml:"enabled"`
		postgis.Config `yaml:",inline"`
	} `yaml:"postgis"`
	Telemetry telemetry.Config `yaml:"telemetry"`
	Log       struct {
		Level       string `yaml:"level"`
		Development bool   `yaml:"development"`
	} `yaml:"log"`

	// Source is the file the configuration was read from, empty for defaults
	Source string `yaml:"-"`
}

// Default returns the configuration used when no file is found
func Default() *Config {
	cfg := &Config{}
	cfg.Server.Addr = DefaultAddr
	cfg.Server.MaxUploadMB = DefaultMaxUploadMB
	cfg.Server.ReadTimeout = 30 * time.Second
	cfg.Server.WriteTimeout = 60 * time.Second
	cfg.Server.AllowedOrigins = []string{"*"}
	cfg.Catalog.PageSize = 20
	cfg.Catalog.Partitions = 4
	cfg.Fetch.Timeout = 30 * time.Second
	cfg.PostGIS.Host = "localhost"
	cfg.PostGIS.Port = 5432
	cfg.PostGIS.SSLMode = "disable"
	cfg.Log.Level = "info"
	return cfg
}

// Load reads path over the defaults. With an empty path config.yaml is
// tried, then config.yaml.example; if neither exists the defaults are
// returned.
func Load(path string) (*Config, error) {
	if path != "" {
		return loadFile(path)
	}
	for _, candidate := range []string{DefaultFile, ExampleFile} {
		cfg, err := loadFile(candidate)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		return cfg, err
	}
	return Default(), nil
}

func loadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	cfg.Source = path
	return cfg, nil
}

// Parse decodes YAML over the defaults and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the values that would otherwise fail late
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return errors.New("server.addr must not be empty")
	}
	if c.Server.MaxUploadMB <= 0 {
		return errors.New("server.max_upload_mb must be positive")
	}
	if c.Catalog.PageSize <= 0 {
		return errors.New("catalog.page_size must be positive")
	}
	if c.Catalog.Partitions < 0 {
		return errors.New("catalog.partitions must not be negative")
	}
	if c.Fetch.Timeout < 0 {
		return errors.New("fetch.timeout must not be negative")
	}
	if c.PostGIS.Enabled && c.PostGIS.DSN == "" && c.PostGIS.Database == "" {
		return errors.New("postgis.database is required when postgis is enabled")
	}
	return nil
}

// MaxUploadBytes returns the upload limit in bytes
func (c *Config) MaxUploadBytes() int64 {
	return c.Server.MaxUploadMB << 20
}
