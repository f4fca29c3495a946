// Package config loads and validates service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Firecrawl FirecrawlConfig `mapstructure:"firecrawl"`
	LLM       LLMConfig       `mapstructure:"llm"`
	Sheets    SheetsConfig    `mapstructure:"sheets"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	PubSub    PubSubConfig    `mapstructure:"pubsub"`
	Schedule  ScheduleConfig  `mapstructure:"schedule"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// PipelineConfig governs scheduler and orchestrator behavior.
type PipelineConfig struct {
	Concurrency      int  `mapstructure:"concurrency"`
	MaxJobsPerRun    int  `mapstructure:"max_jobs_per_run"`
	AnchorLimit      int  `mapstructure:"anchor_limit"`
	MaxHTMLBytes     int  `mapstructure:"max_html_bytes"`
	MaxBatchRows     int  `mapstructure:"max_batch_rows"`
	RetryMaxAttempts int  `mapstructure:"retry_max_attempts"`
	RetryBaseMs      int  `mapstructure:"retry_base_ms"`
	RetryMaxMs       int  `mapstructure:"retry_max_ms"`
	ATSFastPath      bool `mapstructure:"ats_fast_path"`
}

// FirecrawlConfig configures the extraction service client.
type FirecrawlConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	TimeoutSeconds    int     `mapstructure:"timeout_seconds"`
	WaitMs            int     `mapstructure:"wait_ms"`
	OnlyMainContent   bool    `mapstructure:"only_main_content"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
}

// LLMConfig configures the OpenRouter completion client.
type LLMConfig struct {
	APIKey            string  `mapstructure:"api_key"`
	BaseURL           string  `mapstructure:"base_url"`
	Model             string  `mapstructure:"model"`
	MaxTokens         int     `mapstructure:"max_tokens"`
	Temperature       float64 `mapstructure:"temperature"`
	MaxAttempts       int     `mapstructure:"max_attempts"`
	RequestsPerSecond float64 `mapstructure:"requests_per_second"`
	SiteURL           string  `mapstructure:"site_url"`
	SiteTitle         string  `mapstructure:"site_title"`
}

// SheetsConfig points the sink at one worksheet of one spreadsheet.
type SheetsConfig struct {
	SpreadsheetID   string `mapstructure:"spreadsheet_id"`
	Worksheet       string `mapstructure:"worksheet"`
	CredentialsFile string `mapstructure:"credentials_file"`
}

// LedgerConfig selects and configures the seen-job store. Backend is
// one of memory, postgres, redis.
type LedgerConfig struct {
	Backend  string `mapstructure:"backend"`
	DSN      string `mapstructure:"dsn"`
	RedisURL string `mapstructure:"redis_url"`
	TTLHours int    `mapstructure:"ttl_hours"`
}

// PubSubConfig holds metadata for run-summary notifications.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ScheduleConfig enables periodic runs in serve mode. Spec is a cron
// expression; URLs are the careers pages each scheduled run processes.
type ScheduleConfig struct {
	Spec string   `mapstructure:"spec"`
	URLs []string `mapstructure:"urls"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("JOBHARVEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("pipeline.concurrency", 10)
	v.SetDefault("pipeline.anchor_limit", 150)
	v.SetDefault("pipeline.max_html_bytes", 250000)
	v.SetDefault("pipeline.max_batch_rows", 500)
	v.SetDefault("pipeline.retry_max_attempts", 3)
	v.SetDefault("pipeline.retry_base_ms", 250)
	v.SetDefault("pipeline.retry_max_ms", 5000)
	v.SetDefault("pipeline.ats_fast_path", true)
	v.SetDefault("firecrawl.base_url", "https://api.firecrawl.dev")
	v.SetDefault("firecrawl.timeout_seconds", 30)
	v.SetDefault("firecrawl.requests_per_second", 1)
	v.SetDefault("llm.base_url", "https://openrouter.ai/api/v1")
	v.SetDefault("llm.model", "google/gemini-2.5-pro")
	v.SetDefault("llm.max_tokens", 2000)
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.max_attempts", 4)
	v.SetDefault("llm.requests_per_second", 2)
	v.SetDefault("sheets.worksheet", "Jobs")
	v.SetDefault("ledger.backend", "memory")
	v.SetDefault("logging.development", true)
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Pipeline.Concurrency <= 0 {
		return fmt.Errorf("pipeline.concurrency must be > 0")
	}
	if c.Pipeline.AnchorLimit <= 0 {
		return fmt.Errorf("pipeline.anchor_limit must be > 0")
	}
	switch c.Ledger.Backend {
	case "memory":
	case "postgres":
		if c.Ledger.DSN == "" {
			return fmt.Errorf("ledger.dsn must be set when ledger.backend is postgres")
		}
	case "redis":
		if c.Ledger.RedisURL == "" {
			return fmt.Errorf("ledger.redis_url must be set when ledger.backend is redis")
		}
	default:
		return fmt.Errorf("ledger.backend must be one of memory, postgres, redis")
	}
	if c.Schedule.Spec != "" && len(c.Schedule.URLs) == 0 {
		return fmt.Errorf("schedule.urls must be set when schedule.spec is set")
	}
	return nil
}

// RetryBase converts the retry backoff base into a duration.
func (c Config) RetryBase() time.Duration {
	return time.Duration(c.Pipeline.RetryBaseMs) * time.Millisecond
}

// RetryMax converts the retry backoff ceiling into a duration.
func (c Config) RetryMax() time.Duration {
	return time.Duration(c.Pipeline.RetryMaxMs) * time.Millisecond
}
