package rasterfetch

import (
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Storage struct {
		RAM struct {
			MaxTiles int `yaml:"maxTiles"`
		} `yaml:"ram"`
		Disk struct {
			Path        string `yaml:"path"`
			Max         string `yaml:"max"`
			Compression string `yaml:"compression"`
		} `yaml:"disk"`
	} `yaml:"storage"`

	Fetch struct {
		BaseURL           string `yaml:"baseURL"`
		AccessToken       string `yaml:"accessToken"`
		UserAgent         string `yaml:"userAgent"`
		Concurrency       int    `yaml:"concurrency"`
		Timeout           string `yaml:"timeout"`
		DefaultExpiration string `yaml:"defaultExpiration"`
	} `yaml:"fetch"`

	Logging struct {
		Level      string `yaml:"level"`
		StatsEvery string `yaml:"statsEvery"`
	} `yaml:"logging"`

	// compiled
	diskMaxBytes  int64
	timeoutDur    time.Duration
	defaultExpDur time.Duration
	statsEveryDur time.Duration
}

// memoryDiskPath keeps the persistent tier in memory.
const memoryDiskPath = ":memory:"

func LoadConfig(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return ParseConfig(b)
}

// ParseConfig decodes YAML, fills defaults and compiles sizes and durations.
func ParseConfig(b []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, err
	}

	if cfg.Storage.RAM.MaxTiles == 0 {
		cfg.Storage.RAM.MaxTiles = 512
	}
	if cfg.Storage.RAM.MaxTiles < 0 {
		return Config{}, fmt.Errorf("storage.ram.maxTiles: must be positive, got %d", cfg.Storage.RAM.MaxTiles)
	}
	if cfg.Storage.Disk.Path == "" {
		cfg.Storage.Disk.Path = "./data/leveldb"
	}
	if cfg.Storage.Disk.Max == "" {
		cfg.Storage.Disk.Max = "256mb"
	}
	n, err := parseBytes(cfg.Storage.Disk.Max)
	if err != nil {
		return Config{}, fmt.Errorf("storage.disk.max: %w", err)
	}
	cfg.diskMaxBytes = n
	switch cfg.Storage.Disk.Compression {
	case "":
		cfg.Storage.Disk.Compression = "none"
	case "none", "zstd":
	default:
		return Config{}, fmt.Errorf("storage.disk.compression: unsupported %q", cfg.Storage.Disk.Compression)
	}

	if cfg.Fetch.BaseURL == "" {
		cfg.Fetch.BaseURL = "https://api.mapbox.com"
	}
	if _, err := url.Parse(cfg.Fetch.BaseURL); err != nil {
		return Config{}, fmt.Errorf("fetch.baseURL: %w", err)
	}
	cfg.Fetch.BaseURL = strings.TrimRight(cfg.Fetch.BaseURL, "/")
	if cfg.Fetch.AccessToken == "" {
		cfg.Fetch.AccessToken = os.Getenv("MAPBOX_ACCESS_TOKEN")
	}
	if cfg.Fetch.UserAgent == "" {
		cfg.Fetch.UserAgent = "rasterfetch/1"
	}
	if cfg.Fetch.Concurrency <= 0 {
		cfg.Fetch.Concurrency = 8
	}
	if cfg.timeoutDur, err = durationOr(cfg.Fetch.Timeout, 30*time.Second); err != nil {
		return Config{}, fmt.Errorf("fetch.timeout: %w", err)
	}
	if cfg.defaultExpDur, err = durationOr(cfg.Fetch.DefaultExpiration, 24*time.Hour); err != nil {
		return Config{}, fmt.Errorf("fetch.defaultExpiration: %w", err)
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.statsEveryDur, err = durationOr(cfg.Logging.StatsEvery, 0); err != nil {
		return Config{}, fmt.Errorf("logging.statsEvery: %w", err)
	}

	return cfg, nil
}

func durationOr(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %q", s)
	}
	return d, nil
}

// managerConfig maps the storage section onto the cache tiers.
func (c Config) managerConfig() ManagerConfig {
	path := c.Storage.Disk.Path
	if path == memoryDiskPath {
		path = ""
	}
	return ManagerConfig{
		MemoryTiles:  c.Storage.RAM.MaxTiles,
		DiskPath:     path,
		DiskMaxBytes: c.diskMaxBytes,
		Compression:  c.Storage.Disk.Compression,
	}
}
