package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "HARVESTER_"

// Config holds application configuration.
type Config struct {
	Port               int           `toml:"port"`
	DBDriver           string        `toml:"db_driver"`
	DBDSN              string        `toml:"db_dsn"`
	ScratchDir         string        `toml:"scratch_dir"`
	Workers            int           `toml:"workers"`
	PollInterval       time.Duration `toml:"poll_interval"`
	LeaseDuration      time.Duration `toml:"lease_duration"`
	FetchTimeout       time.Duration `toml:"fetch_timeout"`
	MaxAttempts        int           `toml:"max_attempts"`
	BackoffBase        time.Duration `toml:"backoff_base"`
	BackoffMax         time.Duration `toml:"backoff_max"`
	HandleTTL          time.Duration `toml:"handle_ttl"`
	SweepInterval      time.Duration `toml:"sweep_interval"`
	StorageRetryBudget int           `toml:"storage_retry_budget"`

	Extractors []ExtractorConfig `toml:"extractor"`
}

// ExtractorConfig describes a command-line extractor for matching URLs.
// Args may contain {url} and {dir} placeholders.
type ExtractorConfig struct {
	Name    string   `toml:"name"`
	Pattern string   `toml:"pattern"`
	Command string   `toml:"command"`
	Args    []string `toml:"args"`
	// Kind is "audio" or "audio_video" (default).
	Kind string `toml:"kind"`
}

// setting binds one key to its flag, environment variable and field.
type setting struct {
	key   string
	usage string
	field func(*Config) any
}

var settings = []setting{
	{"port", "HTTP server port", func(c *Config) any { return &c.Port }},
	{"db_driver", "database driver (sqlite or mysql)", func(c *Config) any { return &c.DBDriver }},
	{"db_dsn", "database DSN; a file path for sqlite", func(c *Config) any { return &c.DBDSN }},
	{"scratch_dir", "directory for in-progress downloads", func(c *Config) any { return &c.ScratchDir }},
	{"workers", "number of download workers", func(c *Config) any { return &c.Workers }},
	{"poll_interval", "worker poll interval", func(c *Config) any { return &c.PollInterval }},
	{"lease_duration", "how long a claimed job is owned by a worker", func(c *Config) any { return &c.LeaseDuration }},
	{"fetch_timeout", "maximum duration of one download attempt", func(c *Config) any { return &c.FetchTimeout }},
	{"max_attempts", "maximum attempts per job", func(c *Config) any { return &c.MaxAttempts }},
	{"backoff_base", "delay after the first failed attempt", func(c *Config) any { return &c.BackoffBase }},
	{"backoff_max", "maximum retry delay", func(c *Config) any { return &c.BackoffMax }},
	{"handle_ttl", "lifetime of result handles", func(c *Config) any { return &c.HandleTTL }},
	{"sweep_interval", "how often expired handles are purged", func(c *Config) any { return &c.SweepInterval }},
	{"storage_retry_budget", "consecutive storage failures tolerated", func(c *Config) any { return &c.StorageRetryBudget }},
}

func (s setting) flagName() string { return strings.ReplaceAll(s.key, "_", "-") }
func (s setting) envName() string  { return EnvPrefix + strings.ToUpper(s.key) }

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Port:               8080,
		DBDriver:           "sqlite",
		ScratchDir:         DefaultScratchDir(),
		Workers:            3,
		PollInterval:       2 * time.Second,
		LeaseDuration:      30 * time.Minute,
		FetchTimeout:       20 * time.Minute,
		MaxAttempts:        5,
		BackoffBase:        30 * time.Second,
		BackoffMax:         30 * time.Minute,
		HandleTTL:          time.Hour,
		SweepInterval:      5 * time.Minute,
		StorageRetryBudget: 5,
	}
}

func cacheDir() string {
	dir := os.Getenv("XDG_CACHE_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".cache")
	}
	return filepath.Join(dir, "harvester")
}

// DefaultDBPath returns the default database path using XDG_CACHE_HOME.
func DefaultDBPath() string {
	return filepath.Join(cacheDir(), "jobs.db")
}

// DefaultScratchDir returns the default directory for downloads in flight.
func DefaultScratchDir() string {
	return filepath.Join(cacheDir(), "scratch")
}

// DefaultConfigPath returns the config file path using XDG_CONFIG_HOME.
func DefaultConfigPath() string {
	dir := os.Getenv("XDG_CONFIG_HOME")
	if dir == "" {
		home, _ := os.UserHomeDir()
		dir = filepath.Join(home, ".config")
	}
	return filepath.Join(dir, "harvester", "config.toml")
}

// ExpandPath expands a leading ~ to the user's home directory.
func ExpandPath(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

// Load builds the configuration from, in increasing precedence: defaults,
// the TOML file, HARVESTER_* environment variables and command-line flags.
func Load(args []string) (*Config, error) {
	fs := flag.NewFlagSet("harvester", flag.ContinueOnError)
	var path string
	fs.StringVar(&path, "config", "", "config file path (default "+DefaultConfigPath()+")")

	flags := Default()
	for _, s := range settings {
		switch p := s.field(flags).(type) {
		case *int:
			fs.IntVar(p, s.flagName(), *p, s.usage)
		case *string:
			fs.StringVar(p, s.flagName(), *p, s.usage)
		case *time.Duration:
			fs.DurationVar(p, s.flagName(), *p, s.usage)
		}
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg := Default()

	explicit := true
	if path == "" {
		path = os.Getenv(EnvPrefix + "CONFIG")
	}
	if path == "" {
		path, explicit = DefaultConfigPath(), false
	}
	if err := loadFile(cfg, ExpandPath(path), explicit); err != nil {
		return nil, err
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}

	byFlag := make(map[string]setting, len(settings))
	for _, s := range settings {
		byFlag[s.flagName()] = s
	}
	fs.Visit(func(f *flag.Flag) {
		if s, ok := byFlag[f.Name]; ok {
			copyField(s.field(cfg), s.field(flags))
		}
	})

	if cfg.DBDSN == "" && cfg.DBDriver == "sqlite" {
		cfg.DBDSN = DefaultDBPath()
	}
	if cfg.DBDriver == "sqlite" {
		cfg.DBDSN = ExpandPath(cfg.DBDSN)
	}
	cfg.ScratchDir = ExpandPath(cfg.ScratchDir)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile decodes a TOML file into cfg. A missing file is only an error
// when its path was given explicitly.
func loadFile(cfg *Config, path string, explicit bool) error {
	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) && !explicit {
			return nil
		}
		return fmt.Errorf("config file %s: %w", path, err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return fmt.Errorf("config file %s: unknown key %q", path, undecoded[0].String())
	}
	return nil
}

func applyEnv(cfg *Config) error {
	for _, s := range settings {
		raw := os.Getenv(s.envName())
		if raw == "" {
			continue
		}
		switch p := s.field(cfg).(type) {
		case *int:
			v, err := strconv.Atoi(raw)
			if err != nil {
				return fmt.Errorf("%s: invalid integer %q", s.envName(), raw)
			}
			*p = v
		case *string:
			*p = raw
		case *time.Duration:
			v, err := time.ParseDuration(raw)
			if err != nil {
				return fmt.Errorf("%s: invalid duration %q", s.envName(), raw)
			}
			*p = v
		}
	}
	return nil
}

func copyField(dst, src any) {
	switch d := dst.(type) {
	case *int:
		*d = *src.(*int)
	case *string:
		*d = *src.(*string)
	case *time.Duration:
		*d = *src.(*time.Duration)
	}
}

// Validate checks that the configuration is usable.
func (c *Config) Validate() error {
	switch {
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.DBDriver != "sqlite" && c.DBDriver != "mysql":
		return fmt.Errorf("unsupported db_driver %q", c.DBDriver)
	case c.DBDSN == "":
		return fmt.Errorf("db_dsn is required for %s", c.DBDriver)
	case c.ScratchDir == "":
		return errors.New("scratch_dir is required")
	case c.Workers < 1:
		return fmt.Errorf("workers must be at least 1, got %d", c.Workers)
	case c.MaxAttempts < 1:
		return fmt.Errorf("max_attempts must be at least 1, got %d", c.MaxAttempts)
	case c.StorageRetryBudget < 0:
		return fmt.Errorf("storage_retry_budget must not be negative, got %d", c.StorageRetryBudget)
	case c.FetchTimeout >= c.LeaseDuration:
		return fmt.Errorf("fetch_timeout %s must be shorter than lease_duration %s", c.FetchTimeout, c.LeaseDuration)
	case c.BackoffMax < c.BackoffBase:
		return fmt.Errorf("backoff_max %s is shorter than backoff_base %s", c.BackoffMax, c.BackoffBase)
	}

	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"poll_interval", c.PollInterval},
		{"lease_duration", c.LeaseDuration},
		{"fetch_timeout", c.FetchTimeout},
		{"backoff_base", c.BackoffBase},
		{"handle_ttl", c.HandleTTL},
		{"sweep_interval", c.SweepInterval},
	} {
		if d.v <= 0 {
			return fmt.Errorf("%s must be positive, got %s", d.key, d.v)
		}
	}

	for i, e := range c.Extractors {
		if e.Name == "" || e.Pattern == "" || e.Command == "" {
			return fmt.Errorf("extractor %d: name, pattern and command are required", i)
		}
	}
	return nil
}
