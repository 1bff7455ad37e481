package ledgerpipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so YAML values read as Go duration strings
// ("250ms", "1m30s") instead of raw nanosecond integers.
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config declares the full pipeline configuration in a file-friendly
// shape. Zero values fall back to the built-in defaults, so a partial
// YAML document configures only what it names.
type Config struct {
	Timeout       Duration     `yaml:"timeout"`
	TimeoutBudget BudgetConfig `yaml:"timeout_budget"`
	Retry         RetryFile    `yaml:"retry"`
	Pool          PoolFile     `yaml:"pool"`
	Circuit       CircuitFile  `yaml:"circuit_breaker"`
	CacheSettings CacheFile    `yaml:"cache"`
	Debug         bool         `yaml:"debug"`
	MetricsOn     bool         `yaml:"metrics"`
}

// BudgetConfig mirrors the timeout budget knobs.
type BudgetConfig struct {
	Total         Duration `yaml:"total"`
	MinPerAttempt Duration `yaml:"min_per_attempt"`
	Buffer        Duration `yaml:"buffer"`
}

// RetryFile mirrors RetryConfig for YAML loading.
type RetryFile struct {
	MaxRetries           int      `yaml:"max_retries"`
	InitialDelay         Duration `yaml:"initial_delay"`
	MaxDelay             Duration `yaml:"max_delay"`
	RetryableStatusCodes []int    `yaml:"retryable_status_codes"`
	Strategy             string   `yaml:"strategy"`
	IgnoreRetryAfter     bool     `yaml:"ignore_retry_after"`
}

// PoolFile mirrors PoolConfig for YAML loading.
type PoolFile struct {
	MaxConnsPerHost   int      `yaml:"max_conns_per_host"`
	MaxTotalConns     int      `yaml:"max_total_conns"`
	MaxQueueSize      int      `yaml:"max_queue_size"`
	CoalescingWindow  Duration `yaml:"coalescing_window"`
	DisableCoalescing bool     `yaml:"disable_coalescing"`
}

// CircuitFile mirrors CircuitBreakerConfig for YAML loading.
type CircuitFile struct {
	FailureThreshold int      `yaml:"failure_threshold"`
	RollingWindow    Duration `yaml:"rolling_window"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
	SuccessThreshold int      `yaml:"success_threshold"`
}

// CacheFile mirrors CacheConfig for YAML loading.
type CacheFile struct {
	Enabled    bool     `yaml:"enabled"`
	MaxEntries int      `yaml:"max_entries"`
	DefaultTTL Duration `yaml:"default_ttl"`
	LRU        *bool    `yaml:"lru"`
}

// LoadConfig reads a YAML config file. Unknown fields are rejected so a
// typo fails loudly instead of silently using a default.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	return ParseConfig(data)
}

// ParseConfig parses a single-document YAML configuration.
func ParseConfig(data []byte) (Config, error) {
	var cfg Config
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := decoder.Decode(&struct{}{}); err != io.EOF {
		if err == nil {
			return Config{}, fmt.Errorf("parse config: multiple YAML documents are not supported")
		}
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

// LoadEnv overlays configuration from the environment, loading a .env
// file first when one exists at the given path. Recognized variables use
// the LEDGERPIPE_ prefix and override file-level values.
func (c Config) LoadEnv(dotenvPath string) (Config, error) {
	if dotenvPath != "" {
		if _, err := os.Stat(dotenvPath); err == nil {
			if err := godotenv.Load(dotenvPath); err != nil {
				return c, fmt.Errorf("load dotenv: %w", err)
			}
		}
	}

	var err error
	if c.Timeout, err = envDuration("LEDGERPIPE_TIMEOUT", c.Timeout); err != nil {
		return c, err
	}
	if c.TimeoutBudget.Total, err = envDuration("LEDGERPIPE_BUDGET_TOTAL", c.TimeoutBudget.Total); err != nil {
		return c, err
	}
	if c.Retry.MaxRetries, err = envInt("LEDGERPIPE_MAX_RETRIES", c.Retry.MaxRetries); err != nil {
		return c, err
	}
	if c.Retry.InitialDelay, err = envDuration("LEDGERPIPE_INITIAL_DELAY", c.Retry.InitialDelay); err != nil {
		return c, err
	}
	if c.Pool.MaxConnsPerHost, err = envInt("LEDGERPIPE_MAX_CONNS_PER_HOST", c.Pool.MaxConnsPerHost); err != nil {
		return c, err
	}
	if c.Circuit.FailureThreshold, err = envInt("LEDGERPIPE_FAILURE_THRESHOLD", c.Circuit.FailureThreshold); err != nil {
		return c, err
	}
	if v := os.Getenv("LEDGERPIPE_DEBUG"); v != "" {
		c.Debug = v == "1" || v == "true"
	}
	if v := os.Getenv("LEDGERPIPE_METRICS"); v != "" {
		c.MetricsOn = v == "1" || v == "true"
	}
	return c, nil
}

func envDuration(name string, fallback Duration) (Duration, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", name, err)
	}
	return Duration(d), nil
}

func envInt(name string, fallback int) (int, error) {
	v := os.Getenv(name)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback, fmt.Errorf("%s: %w", name, err)
	}
	return n, nil
}

// Options converts the file configuration into client options.
func (c Config) Options() []Option {
	var opts []Option

	if c.Timeout > 0 {
		opts = append(opts, WithTimeout(c.Timeout.Std()))
	}
	if c.TimeoutBudget.Total > 0 {
		opts = append(opts, WithTimeoutBudgetConfig(c.TimeoutBudget.Total.Std(), c.TimeoutBudget.MinPerAttempt.Std(), c.TimeoutBudget.Buffer.Std()))
	}

	if c.Retry.MaxRetries > 0 {
		opts = append(opts, WithMaxRetries(c.Retry.MaxRetries))
	}
	if c.Retry.InitialDelay > 0 {
		opts = append(opts, WithInitialBackoff(c.Retry.InitialDelay.Std()))
	}
	if c.Retry.MaxDelay > 0 {
		opts = append(opts, WithMaxBackoff(c.Retry.MaxDelay.Std()))
	}
	if c.Retry.RetryableStatusCodes != nil {
		opts = append(opts, WithRetryableStatusCodes(c.Retry.RetryableStatusCodes...))
	}
	if c.Retry.Strategy == "decorrelated" {
		opts = append(opts, WithBackoffStrategy(DecorrelatedJitter))
	}
	if c.Retry.IgnoreRetryAfter {
		opts = append(opts, WithIgnoreRetryAfter())
	}

	poolCfg := PoolConfig{
		MaxConnsPerHost:   c.Pool.MaxConnsPerHost,
		MaxTotalConns:     c.Pool.MaxTotalConns,
		MaxQueueSize:      c.Pool.MaxQueueSize,
		CoalescingWindow:  c.Pool.CoalescingWindow.Std(),
		DisableCoalescing: c.Pool.DisableCoalescing,
	}
	if poolCfg != (PoolConfig{}) {
		opts = append(opts, WithConnectionPool(poolCfg))
	}

	circuitCfg := CircuitBreakerConfig{
		FailureThreshold: c.Circuit.FailureThreshold,
		RollingWindow:    c.Circuit.RollingWindow.Std(),
		RecoveryTimeout:  c.Circuit.RecoveryTimeout.Std(),
		SuccessThreshold: c.Circuit.SuccessThreshold,
	}
	if c.Circuit != (CircuitFile{}) {
		opts = append(opts, WithCircuitBreaker(circuitCfg))
	}

	if c.CacheSettings.Enabled {
		cacheCfg := CacheConfig{
			MaxEntries: c.CacheSettings.MaxEntries,
			DefaultTTL: c.CacheSettings.DefaultTTL.Std(),
		}
		if c.CacheSettings.LRU != nil {
			cacheCfg.LRU = *c.CacheSettings.LRU
		} else {
			cacheCfg.LRU = true
		}
		opts = append(opts, WithCacheConfig(cacheCfg))
	}

	if c.Debug {
		opts = append(opts, WithSimpleLogger())
	}
	if c.MetricsOn {
		opts = append(opts, WithMetrics())
	}

	return opts
}
