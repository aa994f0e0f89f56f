package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"

	"github.com/livinlefevreloca/digestd/internal/activity"
	"github.com/livinlefevreloca/digestd/internal/admin"
	"github.com/livinlefevreloca/digestd/internal/archive"
	"github.com/livinlefevreloca/digestd/internal/db"
	"github.com/livinlefevreloca/digestd/internal/delivery"
	"github.com/livinlefevreloca/digestd/internal/digest"
	"github.com/livinlefevreloca/digestd/internal/pipeline"
	"github.com/livinlefevreloca/digestd/internal/scheduler"
	"github.com/livinlefevreloca/digestd/internal/summarize"
)

// Config represents the application configuration
type Config struct {
	Database   db.Config        `toml:"database"`
	Scheduler  scheduler.Config `toml:"scheduler"`
	Pipeline   pipeline.Config  `toml:"pipeline"`
	Delivery   delivery.Config  `toml:"delivery"`
	Activity   ActivityConfig   `toml:"activity"`
	Summarizer summarize.Config `toml:"summarizer"`
	Composer   digest.Config    `toml:"composer"`
	Archive    archive.Config   `toml:"archive"`
	Admin      admin.Config     `toml:"admin"`
	Logging    LoggingConfig    `toml:"logging"`
}

// ActivityConfig holds the activity source settings
type ActivityConfig struct {
	// Timeout bounds one collection call including pagination
	Timeout time.Duration         `toml:"timeout"`
	GitHub  activity.GitHubConfig `toml:"github"`
}

// LoggingConfig holds logging settings
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"` // json or text
}

// DefaultConfig returns a Config with sensible defaults
func DefaultConfig() *Config {
	return &Config{
		Database: db.Config{
			Driver:          "sqlite3",
			DSN:             "file:digestd.db?_busy_timeout=5000&_txlock=immediate&_journal_mode=WAL&_foreign_keys=on",
			MaxOpenConns:    25,
			MaxIdleConns:    5,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			SkipMigrations:  false,
		},
		Scheduler: scheduler.DefaultConfig(),
		Pipeline:  pipeline.DefaultConfig(),
		Delivery:  delivery.DefaultConfig(),
		Activity: ActivityConfig{
			Timeout: time.Minute,
			GitHub: activity.GitHubConfig{
				BaseURL:  activity.DefaultGitHubBaseURL,
				MaxPages: 10,
				PerPage:  100,
			},
		},
		Summarizer: summarize.Config{
			Provider:          summarize.ProviderNone,
			Timeout:           time.Minute,
			RequestsPerMinute: 60,
		},
		Composer: digest.Config{
			MaxInputBytes:     digest.DefaultMaxInputBytes,
			CommitURLTemplate: digest.DefaultCommitURLTemplate,
			CallTimeout:       time.Minute,
		},
		Archive: archive.DefaultConfig(),
		Admin:   admin.DefaultConfig(),
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

// LoadFromFile loads configuration from a TOML file over the defaults
func LoadFromFile(path string) (*Config, error) {
	config := DefaultConfig()

	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("config file does not exist: %s", path)
	}

	md, err := toml.DecodeFile(path, config)
	if err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, len(undecoded))
		for i, k := range undecoded {
			keys[i] = k.String()
		}
		return nil, fmt.Errorf("unknown config keys: %s", strings.Join(keys, ", "))
	}

	return config, nil
}

// LoadConfig loads configuration with the following precedence:
// 1. Default values
// 2. Config file (if specified)
// 3. DIGESTD_* environment variables, including those from .env files
// 4. Command-line flags (handled by caller)
func LoadConfig(configPath string, envFiles ...string) (*Config, error) {
	config := DefaultConfig()

	if configPath != "" {
		fileConfig, err := LoadFromFile(configPath)
		if err != nil {
			return nil, err
		}
		config = fileConfig
	}

	if err := LoadEnvFiles(envFiles...); err != nil {
		return nil, err
	}
	if err := config.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}

	return config, nil
}

// LoadEnvFiles loads the given .env files that exist. Variables already set
// in the process environment win.
func LoadEnvFiles(files ...string) error {
	for _, file := range files {
		if _, err := os.Stat(file); err != nil {
			continue
		}
		if err := godotenv.Load(file); err != nil {
			return fmt.Errorf("failed to load %s: %w", file, err)
		}
	}
	return nil
}

// ApplyEnv overrides settings from DIGESTD_* variables looked up through
// lookup
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"DIGESTD_DB_DRIVER":       &c.Database.Driver,
		"DIGESTD_DB_DSN":          &c.Database.DSN,
		"DIGESTD_ADMIN_ADDRESS":   &c.Admin.Address,
		"DIGESTD_LLM_PROVIDER":    &c.Summarizer.Provider,
		"DIGESTD_LLM_MODEL":       &c.Summarizer.Model,
		"DIGESTD_LLM_API_KEY":     &c.Summarizer.APIKey,
		"DIGESTD_LLM_BASE_URL":    &c.Summarizer.BaseURL,
		"DIGESTD_GITHUB_TOKEN":    &c.Activity.GitHub.Token,
		"DIGESTD_GITHUB_BASE_URL": &c.Activity.GitHub.BaseURL,
		"DIGESTD_REDIS_URL":       &c.Archive.URL,
		"DIGESTD_LOG_LEVEL":       &c.Logging.Level,
		"DIGESTD_LOG_FORMAT":      &c.Logging.Format,
	}
	for key, field := range strs {
		if v, ok := lookup(key); ok && v != "" {
			*field = v
		}
	}

	if v, ok := lookup("DIGESTD_ARCHIVE_ENABLED"); ok && v != "" {
		switch strings.ToLower(v) {
		case "1", "true", "yes":
			c.Archive.Enabled = true
		case "0", "false", "no":
			c.Archive.Enabled = false
		default:
			return fmt.Errorf("DIGESTD_ARCHIVE_ENABLED: invalid boolean %q", v)
		}
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Database validation
	if c.Database.Driver == "" {
		return fmt.Errorf("database driver must be specified")
	}
	if c.Database.Driver != "sqlite3" && c.Database.Driver != "postgres" {
		return fmt.Errorf("unsupported database driver: %s (must be sqlite3 or postgres)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database DSN must be specified")
	}

	if err := c.Scheduler.Validate(); err != nil {
		return fmt.Errorf("scheduler: %w", err)
	}

	// Pipeline validation
	if c.Pipeline.MaxAttempts <= 0 {
		return fmt.Errorf("pipeline max_attempts must be positive")
	}
	if c.Pipeline.BaseDelay <= 0 || c.Pipeline.MaxDelay < c.Pipeline.BaseDelay {
		return fmt.Errorf("pipeline delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Pipeline.FirstRunLookback <= 0 {
		return fmt.Errorf("pipeline first_run_lookback must be positive")
	}

	// Delivery validation
	if c.Delivery.MaxAttempts <= 0 {
		return fmt.Errorf("delivery max_attempts must be positive")
	}
	if c.Delivery.BaseDelay <= 0 || c.Delivery.MaxDelay < c.Delivery.BaseDelay {
		return fmt.Errorf("delivery delays must satisfy 0 < base_delay <= max_delay")
	}
	if c.Delivery.AttemptTimeout <= 0 {
		return fmt.Errorf("delivery attempt_timeout must be positive")
	}
	if c.Delivery.MaxParallel <= 0 {
		return fmt.Errorf("delivery max_parallel must be positive")
	}

	// Summarizer validation
	switch strings.ToLower(c.Summarizer.Provider) {
	case summarize.ProviderNone, "":
	case summarize.ProviderOpenAI, summarize.ProviderOllama:
		if c.Summarizer.Model == "" {
			return fmt.Errorf("summarizer model must be specified for provider %s", c.Summarizer.Provider)
		}
	default:
		return fmt.Errorf("unsupported summarizer provider: %s (must be none, openai, or ollama)", c.Summarizer.Provider)
	}
	if c.Summarizer.RequestsPerMinute < 0 {
		return fmt.Errorf("summarizer requests_per_minute must not be negative")
	}

	if err := c.Archive.Validate(); err != nil {
		return err
	}
	if err := c.Admin.Validate(); err != nil {
		return err
	}

	// Logging validation
	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Logging.Level] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.Logging.Level)
	}
	if c.Logging.Format != "json" && c.Logging.Format != "text" {
		return fmt.Errorf("invalid log format: %s (must be json or text)", c.Logging.Format)
	}

	return nil
}
