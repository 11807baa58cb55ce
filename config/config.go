// Package config loads engine settings from the environment, an optional
// .env file, and an optional YAML overlay for the selection catalogue.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"marketdash/internal/indicator"
	"marketdash/internal/model"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// Selection
	DefaultSymbol   string        `envconfig:"DEFAULT_SYMBOL" default:"BTCUSDT"`
	DefaultInterval string        `envconfig:"DEFAULT_INTERVAL" default:"1m"`
	SeriesLimit     int           `envconfig:"SERIES_LIMIT" default:"100"`
	Indicators      string        `envconfig:"INDICATORS" default:"sma5,sma20"`
	ReconnectDelay  time.Duration `envconfig:"RECONNECT_DELAY" default:"5s"`

	// Upstream
	RESTBaseURL string `envconfig:"REST_BASE_URL" default:"https://api.binance.com"`
	WSBaseURL   string `envconfig:"WS_BASE_URL" default:"wss://stream.binance.com:9443"`
	StagingMode bool   `envconfig:"STAGING_MODE" default:"false"`
	SimAddr     string `envconfig:"SIM_ADDR" default:"localhost:8090"`

	// Infrastructure
	RedisEnabled   bool   `envconfig:"REDIS_ENABLED" default:"false"`
	RedisAddr      string `envconfig:"REDIS_ADDR" default:"localhost:6379"`
	RedisPassword  string `envconfig:"REDIS_PASSWORD"`
	ArchiveEnabled bool   `envconfig:"ARCHIVE_ENABLED" default:"true"`
	SQLitePath     string `envconfig:"SQLITE_PATH" default:"data/klines.db"`
	HTTPAddr       string `envconfig:"HTTP_ADDR" default:":8080"`
	MetricsAddr    string `envconfig:"METRICS_ADDR" default:":9090"`
	LogLevel       string `envconfig:"LOG_LEVEL" default:"info"`

	ConfigFile string `envconfig:"CONFIG_FILE"`

	// Catalog is filled from ConfigFile, or defaults.
	Catalog Catalog `ignored:"true"`
}

// Catalog is the YAML overlay: the pairs offered to the dashboard and the
// indicators to compute.
type Catalog struct {
	Symbols    []string         `yaml:"symbols"`
	Intervals  []string         `yaml:"intervals"`
	Indicators []indicator.Spec `yaml:"indicators"`
}

// DefaultCatalog lists the pairs the dashboard offers out of the box.
func DefaultCatalog() Catalog {
	return Catalog{
		Symbols:   []string{"BTCUSDT", "ETHUSDT", "SOLUSDT"},
		Intervals: []string{"1m", "5m", "15m", "1h"},
	}
}

// Load reads .env (if present), then the environment, then CONFIG_FILE.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf("[config] ignoring .env: %v", err)
	}

	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}

	cfg.Catalog = DefaultCatalog()
	if cfg.ConfigFile != "" {
		overlay, err := LoadCatalog(cfg.ConfigFile)
		if err != nil {
			return nil, err
		}
		cfg.Catalog.merge(overlay)
	}

	if cfg.StagingMode {
		cfg.RESTBaseURL = "http://" + cfg.SimAddr
		cfg.WSBaseURL = "ws://" + cfg.SimAddr
		log.Printf("[config] staging mode: upstream is %s", cfg.SimAddr)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// LoadCatalog parses a YAML catalogue file.
func LoadCatalog(path string) (Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Catalog{}, fmt.Errorf("config: read %s: %w", path, err)
	}
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return Catalog{}, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return c, nil
}

func (c *Catalog) merge(o Catalog) {
	if len(o.Symbols) > 0 {
		c.Symbols = o.Symbols
	}
	if len(o.Intervals) > 0 {
		c.Intervals = o.Intervals
	}
	if len(o.Indicators) > 0 {
		c.Indicators = o.Indicators
	}
}

// Validate checks the default selection, limits and indicator list.
func (c *Config) Validate() error {
	if _, err := c.DefaultSelection(); err != nil {
		return fmt.Errorf("config: default selection: %w", err)
	}
	if c.SeriesLimit <= 0 {
		return fmt.Errorf("config: SERIES_LIMIT must be positive, got %d", c.SeriesLimit)
	}
	if c.ReconnectDelay <= 0 {
		return fmt.Errorf("config: RECONNECT_DELAY must be positive, got %s", c.ReconnectDelay)
	}
	if _, err := c.IndicatorSpecs(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	for i, s := range c.Catalog.Symbols {
		c.Catalog.Symbols[i] = strings.ToUpper(strings.TrimSpace(s))
	}
	for _, iv := range c.Catalog.Intervals {
		if !model.ValidInterval(iv) {
			return fmt.Errorf("config: catalog interval %q: %w", iv, model.ErrInvalidSelection)
		}
	}
	return nil
}

// DefaultSelection returns the pair shown on startup.
func (c *Config) DefaultSelection() (model.SelectionKey, error) {
	return model.NewSelectionKey(c.DefaultSymbol, c.DefaultInterval)
}

// IndicatorSpecs returns the YAML indicator list if one was given,
// otherwise INDICATORS parsed.
func (c *Config) IndicatorSpecs() ([]indicator.Spec, error) {
	if len(c.Catalog.Indicators) > 0 {
		for _, sp := range c.Catalog.Indicators {
			if err := indicator.Validate(sp); err != nil {
				return nil, err
			}
		}
		return c.Catalog.Indicators, nil
	}
	return indicator.ParseSpecs(c.Indicators)
}
