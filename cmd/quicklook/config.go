package main

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"

	"github.com/airbusgeo/s2-quicklook/common"
	"github.com/airbusgeo/s2-quicklook/interface/catalog/copernicus"
	"github.com/airbusgeo/s2-quicklook/interface/provider"
	"github.com/airbusgeo/s2-quicklook/processor"
)

// EnvPrefix prefixes every environment variable of the configuration
const EnvPrefix = "QUICKLOOK_"

// Duration is a time.Duration written as "10s" in the config file and the environment
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type s3Config struct {
	Region          string `toml:"region" env:"REGION"`
	AccessKeyID     string `toml:"access_key_id" env:"ACCESS_KEY_ID"`
	SecretAccessKey string `toml:"secret_access_key" env:"SECRET_ACCESS_KEY"`
}

type config struct {
	CatalogURL string `toml:"catalog_url" env:"CATALOG_URL"`
	AuthURL    string `toml:"auth_url" env:"AUTH_URL"`
	ClientID   string `toml:"client_id" env:"CLIENT_ID"`
	Username   string `toml:"username" env:"USERNAME"`
	Password   string `toml:"password" env:"PASSWORD"`

	CacheDir   string `toml:"cache_dir" env:"CACHE_DIR"`
	OutputDir  string `toml:"output_dir" env:"OUTPUT_DIR"`
	StorageURI string `toml:"storage_uri" env:"STORAGE_URI"` // Optional: publication of the composites

	Bands            []string `toml:"bands" env:"BANDS"`
	WindowSize       int      `toml:"window_size" env:"WINDOW_SIZE"`
	Gain             float64  `toml:"gain" env:"GAIN"`
	ReflectanceScale float64  `toml:"reflectance_scale" env:"REFLECTANCE_SCALE"`
	Seed             uint64   `toml:"seed" env:"SEED"` // 0: random windows

	PageSize       int      `toml:"page_size" env:"PAGE_SIZE"`
	ConnectTimeout Duration `toml:"connect_timeout" env:"CONNECT_TIMEOUT"`
	ReadTimeout    Duration `toml:"read_timeout" env:"READ_TIMEOUT"`
	MaxRedirects   int      `toml:"max_redirects" env:"MAX_REDIRECTS"`

	LogLevel string `toml:"log_level" env:"LOG_LEVEL"`
	Listen   string `toml:"listen" env:"LISTEN"`

	S3 s3Config `toml:"s3" envPrefix:"S3_"`
}

func defaultConfig() *config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &config{
		CatalogURL:       copernicus.CopernicusODataURL,
		AuthURL:          provider.CopernicusAuthURL,
		ClientID:         provider.CopernicusClientID,
		CacheDir:         home,
		OutputDir:        home,
		Bands:            append([]string{}, common.DefaultBands...),
		WindowSize:       processor.DefaultWindowSize,
		Gain:             processor.DefaultGain,
		ReflectanceScale: processor.DefaultReflectanceScale,
		PageSize:         copernicus.DefaultPageSize,
		ConnectTimeout:   Duration{10 * time.Second},
		ReadTimeout:      Duration{60 * time.Second},
		MaxRedirects:     provider.DefaultMaxRedirects,
		LogLevel:         "info",
		Listen:           ":8080",
	}
}

// loadConfig returns the defaults, overridden by the config file (if any), then by the environment
func loadConfig(path string) (*config, error) {
	cfg := defaultConfig()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("loadConfig: %w", err)
		}
		defer f.Close()
		if err := toml.NewDecoder(f).DisallowUnknownFields().Decode(cfg); err != nil {
			return nil, fmt.Errorf("failed to load config file %q: %w", path, err)
		}
	}
	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}
	return cfg, nil
}

// applyFlags overrides the configuration with the flags explicitly set on the command line
func applyFlags(cmd *cobra.Command, cfg *config) error {
	flags := cmd.Flags()
	var err error
	for name, dst := range map[string]*string{
		"log-level":   &cfg.LogLevel,
		"cache-dir":   &cfg.CacheDir,
		"output-dir":  &cfg.OutputDir,
		"storage-uri": &cfg.StorageURI,
		"catalog-url": &cfg.CatalogURL,
		"auth-url":    &cfg.AuthURL,
		"listen":      &cfg.Listen,
	} {
		if flags.Lookup(name) != nil && flags.Changed(name) {
			if *dst, err = flags.GetString(name); err != nil {
				return err
			}
		}
	}
	if flags.Lookup("window-size") != nil && flags.Changed("window-size") {
		if cfg.WindowSize, err = flags.GetInt("window-size"); err != nil {
			return err
		}
	}
	if flags.Lookup("seed") != nil && flags.Changed("seed") {
		if cfg.Seed, err = flags.GetUint64("seed"); err != nil {
			return err
		}
	}
	return nil
}

func (c *config) validate() error {
	if len(c.Bands) != 3 {
		return fmt.Errorf("bands: expecting blue, green and red, got %v", c.Bands)
	}
	if c.WindowSize <= 0 {
		return fmt.Errorf("window_size must be positive, got %d", c.WindowSize)
	}
	if c.Gain <= 0 || c.ReflectanceScale <= 0 {
		return fmt.Errorf("gain and reflectance_scale must be positive, got %v and %v", c.Gain, c.ReflectanceScale)
	}
	if c.PageSize <= 0 {
		return fmt.Errorf("page_size must be positive, got %d", c.PageSize)
	}
	if c.MaxRedirects <= 0 {
		return fmt.Errorf("max_redirects must be positive, got %d", c.MaxRedirects)
	}
	if c.ConnectTimeout.Duration < 0 || c.ReadTimeout.Duration < 0 {
		return fmt.Errorf("timeouts must not be negative")
	}
	if c.CatalogURL == "" || c.AuthURL == "" {
		return fmt.Errorf("catalog_url and auth_url are required")
	}
	if c.CacheDir == "" || c.OutputDir == "" {
		return fmt.Errorf("cache_dir and output_dir are required")
	}
	return nil
}
