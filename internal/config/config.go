package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

type AppConfig struct {
	HTTPAddr string

	DatabaseURL string
	RedisURL    string
	ModelsFile  string

	TickInterval        time.Duration
	AgentTimeout        time.Duration
	RateLimitBackoff    time.Duration
	RateLimitBackoffMax time.Duration
	LeaseTTL            time.Duration
	MoveDelay           time.Duration
	DefaultConcurrency  int

	EloK        float64
	EloBaseline float64

	OpenAIKey    string
	AnthropicKey string
	GoogleKey    string
	DeepSeekKey  string
	MistralKey   string

	Archive ArchiveConfig

	CORSOrigins []string
}

// ArchiveConfig targets an S3-compatible bucket. Empty Bucket disables archiving.
type ArchiveConfig struct {
	Bucket          string
	Endpoint        string
	Region          string
	AccessKeyID     string
	SecretAccessKey string
	Prefix          string
}

func (a ArchiveConfig) Enabled() bool { return a.Bucket != "" }

// Load reads the environment, after merging an optional .env file from the
// working directory. Variables already set win over .env entries.
func Load() (*AppConfig, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds the config from process environment only.
func FromEnv() (*AppConfig, error) {
	cfg := &AppConfig{
		HTTPAddr:            ":8080",
		TickInterval:        2 * time.Second,
		AgentTimeout:        60 * time.Second,
		RateLimitBackoff:    10 * time.Minute,
		RateLimitBackoffMax: time.Hour,
		LeaseTTL:            3 * time.Minute,
		MoveDelay:           0,
		DefaultConcurrency:  4,
		EloK:                32,
		EloBaseline:         1200,
		Archive:             ArchiveConfig{Region: "us-east-1", Prefix: "matches/"},
	}
	var errs []error

	if v := env("HTTP_ADDR"); v != "" {
		cfg.HTTPAddr = v
	}
	cfg.DatabaseURL = env("DATABASE_URL")
	cfg.RedisURL = env("REDIS_URL")
	cfg.ModelsFile = env("MODELS_FILE")

	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"TICK_INTERVAL", &cfg.TickInterval},
		{"AGENT_TIMEOUT", &cfg.AgentTimeout},
		{"RATE_LIMIT_BACKOFF", &cfg.RateLimitBackoff},
		{"RATE_LIMIT_BACKOFF_MAX", &cfg.RateLimitBackoffMax},
		{"LEASE_TTL", &cfg.LeaseTTL},
		{"MOVE_DELAY", &cfg.MoveDelay},
	}
	for _, d := range durations {
		if err := parseDuration(d.key, d.dst); err != nil {
			errs = append(errs, err)
		}
	}

	if v := env("DEFAULT_CONCURRENCY"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 {
			errs = append(errs, fmt.Errorf("DEFAULT_CONCURRENCY must be a positive integer, got %q", v))
		} else {
			cfg.DefaultConcurrency = n
		}
	}
	if err := parseFloat("ELO_K", &cfg.EloK); err != nil {
		errs = append(errs, err)
	}
	if err := parseFloat("ELO_BASELINE", &cfg.EloBaseline); err != nil {
		errs = append(errs, err)
	}

	cfg.OpenAIKey = env("OPENAI_API_KEY")
	cfg.AnthropicKey = env("ANTHROPIC_API_KEY")
	cfg.GoogleKey = env("GOOGLE_API_KEY")
	cfg.DeepSeekKey = env("DEEPSEEK_API_KEY")
	cfg.MistralKey = env("MISTRAL_API_KEY")

	cfg.Archive.Bucket = env("ARCHIVE_BUCKET")
	cfg.Archive.Endpoint = env("ARCHIVE_ENDPOINT")
	if v := env("ARCHIVE_REGION"); v != "" {
		cfg.Archive.Region = v
	}
	cfg.Archive.AccessKeyID = env("ARCHIVE_ACCESS_KEY_ID")
	cfg.Archive.SecretAccessKey = env("ARCHIVE_SECRET_ACCESS_KEY")
	if v, ok := os.LookupEnv("ARCHIVE_PREFIX"); ok {
		cfg.Archive.Prefix = strings.TrimSpace(v)
	}

	cfg.CORSOrigins = splitList(env("CORS_ORIGINS"))

	if cfg.TickInterval <= 0 {
		errs = append(errs, errors.New("TICK_INTERVAL must be positive"))
	}
	if cfg.AgentTimeout <= 0 {
		errs = append(errs, errors.New("AGENT_TIMEOUT must be positive"))
	}
	if cfg.LeaseTTL <= cfg.AgentTimeout {
		errs = append(errs, fmt.Errorf("LEASE_TTL (%s) must exceed AGENT_TIMEOUT (%s)", cfg.LeaseTTL, cfg.AgentTimeout))
	}
	if cfg.RateLimitBackoffMax < cfg.RateLimitBackoff {
		errs = append(errs, errors.New("RATE_LIMIT_BACKOFF_MAX must not be below RATE_LIMIT_BACKOFF"))
	}
	if cfg.EloK <= 0 {
		errs = append(errs, errors.New("ELO_K must be positive"))
	}
	if (cfg.Archive.AccessKeyID == "") != (cfg.Archive.SecretAccessKey == "") {
		errs = append(errs, errors.New("ARCHIVE_ACCESS_KEY_ID and ARCHIVE_SECRET_ACCESS_KEY must be set together"))
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return cfg, nil
}

func env(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func parseDuration(key string, dst *time.Duration) error {
	v := env(key)
	if v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	if d < 0 {
		return fmt.Errorf("%s must not be negative", key)
	}
	*dst = d
	return nil
}

func parseFloat(key string, dst *float64) error {
	v := env(key)
	if v == "" {
		return nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return fmt.Errorf("%s: %w", key, err)
	}
	*dst = f
	return nil
}

func splitList(v string) []string {
	if v == "" {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
