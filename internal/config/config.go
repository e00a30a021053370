// Package config holds the process configuration. Values are layered:
// built-in defaults, then an optional YAML file, then the environment, then
// command-line flags.
package config

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvAPIKey names the environment variable holding the generator credential.
const EnvAPIKey = "TASKPLANNER_API_KEY"

// Generator configures the generative-language service client.
type Generator struct {
	URL         string        `yaml:"url"`
	Model       string        `yaml:"model"`
	APIKey      string        `yaml:"api_key"`
	Timeout     time.Duration `yaml:"timeout"`
	Temperature float64       `yaml:"temperature"`
	MaxTokens   int           `yaml:"max_output_tokens"`
}

// Config is passed to every component at start-up; nothing reads globals.
type Config struct {
	Addr          string        `yaml:"addr"`
	DBPath        string        `yaml:"db"`
	Workers       int           `yaml:"workers"`
	Poll          time.Duration `yaml:"poll"`
	CheckInterval time.Duration `yaml:"check_interval"`
	MaxAttempts   int           `yaml:"max_attempts"`
	HoursPerDay   int           `yaml:"work_hours_per_day"`
	TZOffsetMin   int           `yaml:"timezone_offset_minutes"`
	LogLevel      string        `yaml:"log_level"`
	LogJSON       bool          `yaml:"log_json"`
	Debug         bool          `yaml:"debug"`
	Generator     Generator     `yaml:"generator"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Addr:          "127.0.0.1:8000",
		DBPath:        "taskplanner.db",
		Workers:       4,
		Poll:          250 * time.Millisecond,
		CheckInterval: 30 * time.Second,
		MaxAttempts:   3,
		HoursPerDay:   6,
		TZOffsetMin:   330,
		LogLevel:      "info",
		Generator: Generator{
			URL:         "https://generativelanguage.googleapis.com/v1beta",
			Model:       "gemini-2.5-flash",
			Timeout:     60 * time.Second,
			Temperature: 0.3,
			MaxTokens:   2048,
		},
	}
}

// Load builds a Config from args (without the program name) and the
// environment lookup getenv.
func Load(args []string, getenv func(string) string) (Config, error) {
	probe := Default()
	var path string
	fs := newFlagSet(&probe, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	cfg := Default()
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if key := getenv(EnvAPIKey); key != "" {
		cfg.Generator.APIKey = key
	}
	// Flags registered with the layered values as defaults only override
	// what the user actually passed.
	fs = newFlagSet(&cfg, &path)
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	return cfg, cfg.Validate()
}

func (c *Config) loadFile(path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(b, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// Validate rejects values the rest of the process cannot run with.
func (c Config) Validate() error {
	var errs []error
	if c.Addr == "" {
		errs = append(errs, errors.New("addr is required"))
	}
	if c.DBPath == "" {
		errs = append(errs, errors.New("db is required"))
	}
	if c.Workers <= 0 {
		errs = append(errs, fmt.Errorf("workers must be positive, got %d", c.Workers))
	}
	if c.Poll <= 0 || c.CheckInterval <= 0 {
		errs = append(errs, errors.New("poll and check_interval must be positive"))
	}
	if c.HoursPerDay <= 0 {
		errs = append(errs, fmt.Errorf("work_hours_per_day must be positive, got %d", c.HoursPerDay))
	}
	if c.MaxAttempts <= 0 {
		errs = append(errs, fmt.Errorf("max_attempts must be positive, got %d", c.MaxAttempts))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func newFlagSet(c *Config, path *string) *flag.FlagSet {
	fs := flag.NewFlagSet("taskplanner", flag.ContinueOnError)
	fs.StringVar(path, "config", *path, "YAML config file")
	fs.StringVar(&c.Addr, "addr", c.Addr, "HTTP bind address")
	fs.StringVar(&c.DBPath, "db", c.DBPath, "SQLite DB path")
	fs.IntVar(&c.Workers, "workers", c.Workers, "number of plan job workers")
	fs.DurationVar(&c.Poll, "poll", c.Poll, "poll interval for the job queue")
	fs.DurationVar(&c.CheckInterval, "check-interval", c.CheckInterval, "how often recurring plans are checked")
	fs.IntVar(&c.MaxAttempts, "max-attempts", c.MaxAttempts, "default attempts per plan job")
	fs.IntVar(&c.HoursPerDay, "hours-per-day", c.HoursPerDay, "default work hours per day")
	fs.IntVar(&c.TZOffsetMin, "tz-offset", c.TZOffsetMin, "timezone offset from UTC in minutes")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "log level (debug, info, warn, error)")
	fs.BoolVar(&c.LogJSON, "log-json", c.LogJSON, "emit JSON logs instead of console output")
	fs.BoolVar(&c.Debug, "debug", c.Debug, "expose pprof handlers")
	fs.StringVar(&c.Generator.URL, "generator-url", c.Generator.URL, "generative-language API base URL")
	fs.StringVar(&c.Generator.Model, "model", c.Generator.Model, "generative model name")
	fs.StringVar(&c.Generator.APIKey, "api-key", c.Generator.APIKey, "generator API key (prefer "+EnvAPIKey+")")
	fs.DurationVar(&c.Generator.Timeout, "generator-timeout", c.Generator.Timeout, "generator request timeout")
	return fs
}
