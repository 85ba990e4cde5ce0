package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/cockroachdb/errors"
	str2duration "github.com/xhit/go-str2duration/v2"
	"gopkg.in/yaml.v3"
)

// Backend names accepted in the cache.backend setting.
const (
	BackendFile     = "file"
	BackendRedis    = "redis"
	BackendDatabase = "database"
)

// Config is the full application configuration: the cache block consumed
// by cache.NewManager and the client block consumed by epss.New.
type Config struct {
	Cache  Cache  `yaml:"cache" toml:"cache"`
	Client Client `yaml:"client" toml:"client"`
}

// Client configures the EPSS HTTP client.
type Client struct {
	BaseURL   string `yaml:"base_url" toml:"base_url"`
	Timeout   int    `yaml:"timeout" toml:"timeout"` // seconds
	UserAgent string `yaml:"user_agent" toml:"user_agent"`
}

// Cache configures the cache manager and its active backend.
type Cache struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Backend   string `yaml:"backend" toml:"backend"`
	TTL       int    `yaml:"ttl" toml:"ttl"` // seconds
	KeyPrefix string `yaml:"key_prefix" toml:"key_prefix"`

	Redis    Redis    `yaml:"redis" toml:"redis"`
	Database Database `yaml:"database" toml:"database"`
	File     File     `yaml:"file" toml:"file"`
}

// Redis configures the remote key-value backend.
type Redis struct {
	Host        string `yaml:"host" toml:"host"`
	Port        int    `yaml:"port" toml:"port"`
	DB          int    `yaml:"db" toml:"db"`
	Password    string `yaml:"password" toml:"password"`
	DialTimeout int    `yaml:"dial_timeout" toml:"dial_timeout"` // seconds
	ReadTimeout int    `yaml:"read_timeout" toml:"read_timeout"` // seconds
	PoolSize    int    `yaml:"pool_size" toml:"pool_size"`
}

// Database configures the relational backend.
type Database struct {
	URL          string `yaml:"url" toml:"url"`
	Table        string `yaml:"table_name" toml:"table_name"`
	MaxOpenConns int    `yaml:"max_open_conns" toml:"max_open_conns"`
	MaxIdleConns int    `yaml:"max_idle_conns" toml:"max_idle_conns"`
}

// File configures the file backend. Format selects the on-disk
// serialization, "json" or "msgpack".
type File struct {
	Directory   string `yaml:"directory" toml:"directory"`
	MaxSizeMB   int    `yaml:"max_size_mb" toml:"max_size_mb"`
	Compression bool   `yaml:"compression" toml:"compression"`
	Format      string `yaml:"format" toml:"format"`
}

// Default returns the built-in configuration: caching disabled, file
// backend, one hour TTL.
func Default() *Config {
	return &Config{
		Cache: Cache{
			Enabled:   false,
			Backend:   BackendFile,
			TTL:       3600,
			KeyPrefix: "epss",
			Redis: Redis{
				Host:        "localhost",
				Port:        6379,
				DB:          0,
				DialTimeout: 5,
				ReadTimeout: 5,
				PoolSize:    10,
			},
			Database: Database{
				URL:          "~/.cache/epss/cache.db",
				Table:        "epss_cache",
				MaxOpenConns: 5,
				MaxIdleConns: 2,
			},
			File: File{
				Directory:   "~/.cache/epss",
				MaxSizeMB:   100,
				Compression: true,
				Format:      "json",
			},
		},
		Client: Client{
			BaseURL:   "https://api.first.org/data/v1/epss",
			Timeout:   30,
			UserAgent: "epss-go/1.0 (+https://api.first.org/epss)",
		},
	}
}

// FromFile loads configuration from a YAML or TOML file, layered over the
// defaults. Unknown extensions and malformed content are errors.
func FromFile(path string) (*Config, error) {
	path = ExpandHome(path)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %s", path)
	}

	cfg := Default()
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing yaml config %s", path)
		}
	case ".toml":
		if err := toml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parsing toml config %s", path)
		}
	default:
		return nil, errors.Newf("unsupported config file format: %s", filepath.Ext(path))
	}
	return cfg, nil
}

// FromEnv loads configuration from EPSS_* environment variables, layered
// over the defaults. Unset or unparseable variables keep their defaults.
func FromEnv() *Config {
	cfg := Default()

	if v, ok := os.LookupEnv("EPSS_CACHE_ENABLED"); ok {
		cfg.Cache.Enabled = strings.EqualFold(v, "true") || v == "1"
	}
	if v := os.Getenv("EPSS_CACHE_BACKEND"); v != "" {
		cfg.Cache.Backend = v
	}
	if v := os.Getenv("EPSS_CACHE_TTL"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			cfg.Cache.TTL = secs
		}
	}
	if v := os.Getenv("EPSS_CACHE_KEY_PREFIX"); v != "" {
		cfg.Cache.KeyPrefix = v
	}

	if v := os.Getenv("EPSS_CACHE_REDIS_HOST"); v != "" {
		cfg.Cache.Redis.Host = v
	}
	if v := os.Getenv("EPSS_CACHE_REDIS_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Redis.Port = port
		}
	}
	if v := os.Getenv("EPSS_CACHE_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Cache.Redis.DB = db
		}
	}
	if v := os.Getenv("EPSS_CACHE_REDIS_PASSWORD"); v != "" {
		cfg.Cache.Redis.Password = v
	}

	if v := os.Getenv("EPSS_CACHE_DATABASE_URL"); v != "" {
		cfg.Cache.Database.URL = v
	}
	if v := os.Getenv("EPSS_CACHE_DATABASE_TABLE"); v != "" {
		cfg.Cache.Database.Table = v
	}

	if v := os.Getenv("EPSS_CACHE_FILE_DIRECTORY"); v != "" {
		cfg.Cache.File.Directory = v
	}
	if v := os.Getenv("EPSS_CACHE_FILE_MAX_SIZE_MB"); v != "" {
		if mb, err := strconv.Atoi(v); err == nil {
			cfg.Cache.File.MaxSizeMB = mb
		}
	}

	if v := os.Getenv("EPSS_BASE_URL"); v != "" {
		cfg.Client.BaseURL = v
	}
	if v := os.Getenv("EPSS_TIMEOUT"); v != "" {
		if secs, err := parseSeconds(v); err == nil {
			cfg.Client.Timeout = secs
		}
	}

	return cfg
}

// defaultLocations lists the config files Load probes when no explicit
// path is given, in precedence order.
func defaultLocations() []string {
	home, _ := os.UserHomeDir()
	return []string{
		filepath.Join(home, ".epss", "config.yaml"),
		filepath.Join(home, ".epss", "config.yml"),
		"epss.yaml",
		"epss.yml",
		"epss.toml",
	}
}

// Load resolves configuration with precedence file > environment >
// defaults. With an explicit path, a load failure is reported to the
// caller but the returned config is still usable (environment/defaults),
// so the process keeps running with caching degraded rather than dying
// over a bad config file.
func Load(path string) (*Config, error) {
	if path != "" {
		cfg, err := FromFile(path)
		if err != nil {
			return FromEnv(), err
		}
		return cfg, nil
	}
	for _, loc := range defaultLocations() {
		if _, err := os.Stat(ExpandHome(loc)); err != nil {
			continue
		}
		if cfg, err := FromFile(loc); err == nil {
			return cfg, nil
		}
	}
	return FromEnv(), nil
}

// TTLDuration returns the configured TTL as a duration.
func (c *Cache) TTLDuration() time.Duration {
	return time.Duration(c.TTL) * time.Second
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path[1:], "/"))
		}
	}
	return path
}

// parseSeconds accepts either a plain integer second count ("3600") or a
// duration string ("1h30m").
func parseSeconds(v string) (int, error) {
	if secs, err := strconv.Atoi(v); err == nil {
		return secs, nil
	}
	d, err := str2duration.ParseDuration(v)
	if err != nil {
		return 0, err
	}
	return int(d / time.Second), nil
}
