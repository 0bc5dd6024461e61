package config

import (
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var DefaultConfigYAML []byte

type Config struct {
	Feeds      []Feed     `yaml:"feeds"`
	Refresh    Refresh    `yaml:"refresh"`
	Workers    Workers    `yaml:"workers"`
	Enrichment Enrichment `yaml:"enrichment"`
	Legacy     Legacy     `yaml:"legacy"`
	Output     Output     `yaml:"output"`
	Server     Server     `yaml:"server"`
	Logging    Logging    `yaml:"logging"`
}

// Feed is a subscription seeded into the store by `smallrss init`.
type Feed struct {
	URL    string `yaml:"url"`
	Title  string `yaml:"title"`
	Enrich bool   `yaml:"enrich"`
}

type Refresh struct {
	IntervalMinutes int  `yaml:"interval_minutes"`
	OnStart         bool `yaml:"on_start"`
}

type Workers struct {
	FetchSize                int `yaml:"fetch_size"`
	EnrichmentSize           int `yaml:"enrichment_size"`
	FetchTimeoutSeconds      int `yaml:"fetch_timeout_seconds"`
	EnrichmentTimeoutSeconds int `yaml:"enrichment_timeout_seconds"`
	HostIntervalMS           int `yaml:"host_interval_ms"`
	MaxEntriesPerFeed        int `yaml:"max_entries_per_feed"`
}

type Enrichment struct {
	BaseURL            string `yaml:"base_url"`
	APIKey             string `yaml:"api_key"`
	APIKeyEnv          string `yaml:"api_key_env"`
	RateLimit          int    `yaml:"rate_limit"`
	WindowMS           int    `yaml:"window_ms"`
	CacheMemoryEntries int    `yaml:"cache_memory_entries"`
	CacheMaxAgeHours   int    `yaml:"cache_max_age_hours"`
}

type Legacy struct {
	Dir    string `yaml:"dir"`
	Import bool   `yaml:"import"`
}

type Output struct {
	DataDir string `yaml:"data_dir"`
}

type Server struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
	Port    int    `yaml:"port"`
}

type Logging struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// ConfigDir returns the XDG config directory for smallrss.
func ConfigDir() string {
	return filepath.Join(homeDir(), ".config", "smallrss")
}

// DataDir returns the XDG data directory for smallrss.
func DataDir() string {
	return filepath.Join(homeDir(), ".local", "share", "smallrss")
}

// ResolveConfigPath finds the config file following priority:
// explicit path > ~/.config/smallrss/config.yaml > ./config.yaml
func ResolveConfigPath(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	xdgConfig := filepath.Join(ConfigDir(), "config.yaml")
	if _, err := os.Stat(xdgConfig); err == nil {
		return xdgConfig, nil
	}

	cwdConfig := "config.yaml"
	if _, err := os.Stat(cwdConfig); err == nil {
		return cwdConfig, nil
	}

	return "", fmt.Errorf(
		"no config file found; searched:\n  %s\n  ./config.yaml\n\nRun 'smallrss init' to create a default config",
		xdgConfig,
	)
}

// Load reads and parses a config YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}
	return parse(data)
}

// Defaults returns the configuration used when a file leaves a field out.
func Defaults() *Config {
	return &Config{
		Refresh: Refresh{IntervalMinutes: 60, OnStart: true},
		Workers: Workers{
			FetchSize:                4,
			EnrichmentSize:           3,
			FetchTimeoutSeconds:      30,
			EnrichmentTimeoutSeconds: 15,
			HostIntervalMS:           500,
			MaxEntriesPerFeed:        200,
		},
		Enrichment: Enrichment{
			APIKeyEnv:          "OMDB_API_KEY",
			RateLimit:          3,
			WindowMS:           1000,
			CacheMemoryEntries: 1024,
		},
		Legacy:  Legacy{Import: true},
		Server:  Server{Addr: "127.0.0.1", Port: 8000},
		Logging: Logging{Level: "INFO", Format: "text"},
	}
}

// parse parses YAML bytes into a Config, applying defaults.
func parse(data []byte) (*Config, error) {
	cfg := Defaults()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the engine cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.Refresh.IntervalMinutes < 0:
		return fmt.Errorf("refresh.interval_minutes must not be negative")
	case c.Workers.FetchSize < 1:
		return fmt.Errorf("workers.fetch_size must be at least 1")
	case c.Workers.EnrichmentSize < 1:
		return fmt.Errorf("workers.enrichment_size must be at least 1")
	case c.Enrichment.RateLimit < 1:
		return fmt.Errorf("enrichment.rate_limit must be at least 1")
	case c.Enrichment.WindowMS < 1:
		return fmt.Errorf("enrichment.window_ms must be at least 1")
	}
	for i, f := range c.Feeds {
		if f.URL == "" {
			return fmt.Errorf("feeds[%d]: url is required", i)
		}
	}
	return nil
}

// GetDataDir returns the effective data directory from config or XDG default.
func (c *Config) GetDataDir() string {
	if c.Output.DataDir != "" {
		return c.Output.DataDir
	}
	return DataDir()
}

// DBPath returns the SQLite database path.
func (c *Config) DBPath() string {
	return filepath.Join(c.GetDataDir(), "smallrss.db")
}

// LegacyDir returns where flat-file state from older versions is looked up.
func (c *Config) LegacyDir() string {
	if c.Legacy.Dir != "" {
		return c.Legacy.Dir
	}
	return c.GetDataDir()
}

// RefreshInterval returns the periodic refresh interval; zero disables it.
func (c *Config) RefreshInterval() time.Duration {
	return time.Duration(c.Refresh.IntervalMinutes) * time.Minute
}

func (c *Config) FetchTimeout() time.Duration {
	return time.Duration(c.Workers.FetchTimeoutSeconds) * time.Second
}

func (c *Config) EnrichmentTimeout() time.Duration {
	return time.Duration(c.Workers.EnrichmentTimeoutSeconds) * time.Second
}

func (c *Config) HostInterval() time.Duration {
	return time.Duration(c.Workers.HostIntervalMS) * time.Millisecond
}

func (c *Config) RateWindow() time.Duration {
	return time.Duration(c.Enrichment.WindowMS) * time.Millisecond
}

func (c *Config) CacheMaxAge() time.Duration {
	return time.Duration(c.Enrichment.CacheMaxAgeHours) * time.Hour
}

// ServerAddr returns the listen address of the status server.
func (c *Config) ServerAddr() string {
	return fmt.Sprintf("%s:%d", c.Server.Addr, c.Server.Port)
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}
