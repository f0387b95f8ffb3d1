// Package config loads and validates bot configuration from a JSON file
// with environment-variable overrides.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config holds the application configuration
type Config struct {
	GitLab struct {
		URL      string
		Token    string
		Username string   // the bot account; mentions of @Username trigger engagement
		Repos    []string // project paths in "group/project" form
	}
	Anthropic struct {
		Token string
		Model string
	}
	Monitor struct {
		PollIntervalSeconds int
		MaxAgeHours         int // never look further back than this, even on first sweep
		StaleIssueDays      int
		MaxParallelRepos    int
	}
	Context struct {
		Lines            int // lines of surrounding code per match
		MaxSize          int // overall character budget for assembled context
		MaxCommentLength int // per-fragment character cap
		MaxSourceFiles   int
		DefaultBranch    string
		ContextRepo      string // optional auxiliary documentation project
		PromptPrefix     string // prepended verbatim to every prompt
	}
	Engage struct {
		MaxToolCalls int
	}
	Retry struct {
		MaxRetries            int
		InitialDelayMS        int
		MaxDelayMS            int
		BackoffMultiplier     float64
		RequestTimeoutSeconds int
	}
	Cache struct {
		TTLHours int
		Capacity int
	}
	Triage struct {
		Enabled         bool
		SamplePerLabel  int
		MinTotalSamples int
		LookbackHours   int
		ExcludedLabels  []string
	}
	Logging struct {
		Level      string
		JSONFormat bool
	}
}

// Default returns a configuration populated with default values.
func Default() *Config {
	cfg := &Config{}
	cfg.GitLab.URL = "https://gitlab.com"
	cfg.Anthropic.Model = "claude-3-7-sonnet-20250219"
	cfg.Monitor.PollIntervalSeconds = 60
	cfg.Monitor.MaxAgeHours = 24
	cfg.Monitor.StaleIssueDays = 30
	cfg.Monitor.MaxParallelRepos = 4
	cfg.Context.Lines = 10
	cfg.Context.MaxSize = 60000
	cfg.Context.MaxCommentLength = 1000
	cfg.Context.MaxSourceFiles = 250
	cfg.Context.DefaultBranch = "main"
	cfg.Engage.MaxToolCalls = 5
	cfg.Retry.MaxRetries = 3
	cfg.Retry.InitialDelayMS = 1000
	cfg.Retry.MaxDelayMS = 30000
	cfg.Retry.BackoffMultiplier = 2.0
	cfg.Retry.RequestTimeoutSeconds = 60
	cfg.Cache.TTLHours = 24
	cfg.Cache.Capacity = 4096
	cfg.Triage.SamplePerLabel = 3
	cfg.Triage.MinTotalSamples = 3
	cfg.Triage.LookbackHours = 24
	cfg.Triage.ExcludedLabels = []string{"stale", "doing", "todo", "in progress"}
	cfg.Logging.Level = "info"
	return cfg
}

// Path returns the config file location. GLBOT_CONFIG overrides the
// default of ~/.config/glbot/config.json.
func Path() string {
	if p := os.Getenv("GLBOT_CONFIG"); p != "" {
		return p
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "config.json"
	}
	return filepath.Join(home, ".config", "glbot", "config.json")
}

// Exists checks if a configuration file is present.
func Exists() bool {
	_, err := os.Stat(Path())
	return err == nil
}

// Load reads the config file if present, applies environment overrides,
// and validates the result. A missing file is not an error: the bot can
// be configured entirely from the environment.
func Load() (*Config, error) {
	cfg := Default()

	path := Path()
	if data, err := os.ReadFile(path); err == nil {
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to decode config file %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	applyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	envStr("GITBOT_GITLAB_URL", &cfg.GitLab.URL)
	envStr("GITBOT_GITLAB_TOKEN", &cfg.GitLab.Token)
	envStr("GITBOT_USERNAME", &cfg.GitLab.Username)
	if v := os.Getenv("GITBOT_REPOS"); v != "" {
		var repos []string
		for _, r := range strings.Split(v, ",") {
			if r = strings.TrimSpace(r); r != "" {
				repos = append(repos, r)
			}
		}
		cfg.GitLab.Repos = repos
	}

	envStr("GITBOT_ANTHROPIC_TOKEN", &cfg.Anthropic.Token)
	envStr("ANTHROPIC_API_KEY", &cfg.Anthropic.Token)
	envStr("GITBOT_MODEL", &cfg.Anthropic.Model)

	envInt("GITBOT_POLL_INTERVAL_SECONDS", &cfg.Monitor.PollIntervalSeconds)
	envInt("GITBOT_MAX_AGE_HOURS", &cfg.Monitor.MaxAgeHours)
	envInt("GITBOT_STALE_ISSUE_DAYS", &cfg.Monitor.StaleIssueDays)
	envInt("GITBOT_MAX_PARALLEL_REPOS", &cfg.Monitor.MaxParallelRepos)

	envInt("GITBOT_CONTEXT_LINES", &cfg.Context.Lines)
	envInt("GITBOT_MAX_CONTEXT_SIZE", &cfg.Context.MaxSize)
	envInt("GITBOT_MAX_COMMENT_LENGTH", &cfg.Context.MaxCommentLength)
	envInt("GITBOT_MAX_SOURCE_FILES", &cfg.Context.MaxSourceFiles)
	envStr("GITBOT_DEFAULT_BRANCH", &cfg.Context.DefaultBranch)
	envStr("GITBOT_CONTEXT_REPO", &cfg.Context.ContextRepo)
	envStr("GITBOT_PROMPT_PREFIX", &cfg.Context.PromptPrefix)

	envInt("GITBOT_MAX_TOOL_CALLS", &cfg.Engage.MaxToolCalls)

	envInt("GITBOT_MAX_RETRIES", &cfg.Retry.MaxRetries)
	envInt("GITBOT_INITIAL_DELAY_MS", &cfg.Retry.InitialDelayMS)
	envInt("GITBOT_MAX_DELAY_MS", &cfg.Retry.MaxDelayMS)
	envFloat("GITBOT_BACKOFF_MULTIPLIER", &cfg.Retry.BackoffMultiplier)
	envInt("GITBOT_REQUEST_TIMEOUT_SECONDS", &cfg.Retry.RequestTimeoutSeconds)

	envInt("GITBOT_MENTION_TTL_HOURS", &cfg.Cache.TTLHours)
	envInt("GITBOT_MENTION_CACHE_CAPACITY", &cfg.Cache.Capacity)

	envBool("GITBOT_TRIAGE_ENABLED", &cfg.Triage.Enabled)
	envInt("GITBOT_TRIAGE_SAMPLE_PER_LABEL", &cfg.Triage.SamplePerLabel)
	envInt("GITBOT_TRIAGE_MIN_TOTAL_SAMPLES", &cfg.Triage.MinTotalSamples)
	envInt("GITBOT_TRIAGE_LOOKBACK_HOURS", &cfg.Triage.LookbackHours)

	envStr("GITBOT_LOG_LEVEL", &cfg.Logging.Level)
	envBool("GITBOT_LOG_JSON", &cfg.Logging.JSONFormat)
}

func envStr(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envFloat(key string, dst *float64) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

// Validate checks required fields and clamps numeric settings into their
// supported ranges.
func (c *Config) Validate() error {
	if c.GitLab.Token == "" {
		return fmt.Errorf("gitlab token is required")
	}
	if c.GitLab.Username == "" {
		return fmt.Errorf("gitlab bot username is required")
	}
	if len(c.GitLab.Repos) == 0 {
		return fmt.Errorf("at least one repository is required")
	}
	if c.Anthropic.Token == "" {
		return fmt.Errorf("anthropic token is required")
	}
	if c.Monitor.PollIntervalSeconds < 1 {
		return fmt.Errorf("poll interval must be at least 1 second")
	}

	if c.Retry.MaxRetries < 0 {
		c.Retry.MaxRetries = 0
	}
	if c.Retry.MaxRetries > 10 {
		c.Retry.MaxRetries = 10
	}
	if c.Retry.BackoffMultiplier < 1.0 {
		c.Retry.BackoffMultiplier = 1.0
	}
	if c.Retry.BackoffMultiplier > 10.0 {
		c.Retry.BackoffMultiplier = 10.0
	}
	if c.Monitor.MaxParallelRepos < 1 {
		c.Monitor.MaxParallelRepos = 1
	}
	if c.Engage.MaxToolCalls < 0 {
		c.Engage.MaxToolCalls = 0
	}
	if c.Cache.Capacity < 1 {
		c.Cache.Capacity = 1
	}
	return nil
}

// PollInterval returns the sweep interval as a duration.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.Monitor.PollIntervalSeconds) * time.Second
}

// MaxAge returns the maximum lookback window for incremental fetches.
func (c *Config) MaxAge() time.Duration {
	return time.Duration(c.Monitor.MaxAgeHours) * time.Hour
}

// StaleAge returns the activity age at which an issue is considered stale.
func (c *Config) StaleAge() time.Duration {
	return time.Duration(c.Monitor.StaleIssueDays) * 24 * time.Hour
}

// MentionTTL returns how long a processed mention stays deduplicated.
func (c *Config) MentionTTL() time.Duration {
	return time.Duration(c.Cache.TTLHours) * time.Hour
}

// InitialDelay returns the first retry backoff delay.
func (c *Config) InitialDelay() time.Duration {
	return time.Duration(c.Retry.InitialDelayMS) * time.Millisecond
}

// MaxDelay returns the retry backoff ceiling.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.Retry.MaxDelayMS) * time.Millisecond
}

// RequestTimeout returns the per-attempt timeout for remote calls.
func (c *Config) RequestTimeout() time.Duration {
	return time.Duration(c.Retry.RequestTimeoutSeconds) * time.Second
}

// TriageLookback returns the window scanned for unlabeled issues.
func (c *Config) TriageLookback() time.Duration {
	return time.Duration(c.Triage.LookbackHours) * time.Hour
}
