package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Port               string
	DatabaseURL        string
	RedisURL           string
	SlackBotToken      string
	SlackAppToken      string
	SlackSigningSecret string
	OpenAIAPIKey       string
	LogLevel           string
	LogFormat          string
	Environment        string

	OpenAI    OpenAIConfig
	Snapshot  SnapshotConfig
	Dispatch  DispatchConfig
	QueryLog  QueryLogConfig
	RateLimit RateLimitConfig

	// StatsSchedule is a cron spec for refreshing store and queue gauges.
	StatsSchedule string
}

type OpenAIConfig struct {
	EmbeddingModel string
	ChatModel      string
}

type SnapshotConfig struct {
	Backend             string // "file" or "pgvector"
	Dir                 string
	EmbeddingDimensions int
	ThresholdQuestion   float64
	ThresholdGist       float64
	Limit               int
}

type DispatchConfig struct {
	ConfirmationThreshold float64
	ConfirmationTimeout   time.Duration
	ConfirmationAttempts  int
	ConfirmationBackoff   float64
	MaxQuestionLength     int
	BlacklistedPrefixes   []string
	Salutations           []string
	GistEnabled           bool
	FallbackWorker        string
	Consumers             int
}

type QueryLogConfig struct {
	Path string
}

type RateLimitConfig struct {
	RequestsPerSecond float64
	Burst             int
}

const (
	BackendFile     = "file"
	BackendPgVector = "pgvector"
)

var defaultSalutations = []string{
	"hey", "hi", "hello", "ok", "okay", "so", "yo", "genie", "computer", "please", "um", "uh",
}

var defaultBlacklistedPrefixes = []string{
	"[no speech]", "[blank_audio]", "thank you for watching", "subtitles by",
}

func Load() *Config {
	return &Config{
		Port:               getEnvOrDefault("PORT", "8080"),
		DatabaseURL:        getEnvOrDefault("DATABASE_URL", "postgres://localhost/genie?sslmode=disable"),
		RedisURL:           os.Getenv("REDIS_URL"),
		SlackBotToken:      os.Getenv("SLACK_BOT_TOKEN"),
		SlackAppToken:      os.Getenv("SLACK_APP_TOKEN"),
		SlackSigningSecret: os.Getenv("SLACK_SIGNING_SECRET"),
		OpenAIAPIKey:       os.Getenv("OPENAI_API_KEY"),
		LogLevel:           getEnvOrDefault("LOG_LEVEL", "INFO"),
		LogFormat:          getEnvOrDefault("LOG_FORMAT", "text"),
		Environment:        getEnvOrDefault("ENVIRONMENT", "development"),
		OpenAI: OpenAIConfig{
			EmbeddingModel: getEnvOrDefault("OPENAI_EMBEDDING_MODEL", "text-embedding-ada-002"),
			ChatModel:      getEnvOrDefault("OPENAI_CHAT_MODEL", "gpt-4o-mini"),
		},
		Snapshot: SnapshotConfig{
			Backend:             strings.ToLower(getEnvOrDefault("SNAPSHOT_BACKEND", BackendFile)),
			Dir:                 getEnvOrDefault("SNAPSHOT_DIR", "data/snapshots"),
			EmbeddingDimensions: getEnvInt("SNAPSHOT_EMBEDDING_DIMENSIONS", 1536),
			ThresholdQuestion:   getEnvFloat("THRESHOLD_QUESTION", 98.0),
			ThresholdGist:       getEnvFloat("THRESHOLD_GIST", 95.0),
			Limit:               getEnvInt("SEARCH_LIMIT", 7),
		},
		Dispatch: DispatchConfig{
			ConfirmationThreshold: getEnvFloat("CONFIRMATION_THRESHOLD", 98.0),
			ConfirmationTimeout:   getEnvDuration("CONFIRMATION_TIMEOUT", 30*time.Second),
			ConfirmationAttempts:  getEnvInt("CONFIRMATION_ATTEMPTS", 3),
			ConfirmationBackoff:   getEnvFloat("CONFIRMATION_BACKOFF", 2.0),
			MaxQuestionLength:     getEnvInt("MAX_QUESTION_LENGTH", 512),
			BlacklistedPrefixes:   getEnvList("BLACKLISTED_PREFIXES", defaultBlacklistedPrefixes),
			Salutations:           getEnvList("SALUTATIONS", defaultSalutations),
			GistEnabled:           getEnvBool("GIST_ENABLED", true),
			FallbackWorker:        getEnvOrDefault("FALLBACK_WORKER", "receptionist"),
			Consumers:             getEnvInt("CONSUMERS", 1),
		},
		QueryLog: QueryLogConfig{
			Path: getEnvOrDefault("QUERY_LOG_PATH", "data/query_log.db"),
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: getEnvFloat("RATE_LIMIT_RPS", 10),
			Burst:             getEnvInt("RATE_LIMIT_BURST", 20),
		},
		StatsSchedule: getEnvOrDefault("STATS_SCHEDULE", "@every 1m"),
	}
}

func (c *Config) Validate() error {
	var problems []string

	if c.OpenAIAPIKey == "" {
		problems = append(problems, "OPENAI_API_KEY is required")
	}

	if c.SlackBotToken != "" && !strings.HasPrefix(c.SlackBotToken, "xoxb-") {
		problems = append(problems, "SLACK_BOT_TOKEN must start with 'xoxb-'")
	}
	if c.SlackAppToken != "" && !strings.HasPrefix(c.SlackAppToken, "xapp-") {
		problems = append(problems, "SLACK_APP_TOKEN must start with 'xapp-'")
	}
	if c.SlackBotToken != "" && c.SlackSigningSecret == "" && c.IsProduction() {
		problems = append(problems, "SLACK_SIGNING_SECRET is required in production when Slack is enabled")
	}

	switch c.Snapshot.Backend {
	case BackendFile:
		if c.Snapshot.Dir == "" {
			problems = append(problems, "SNAPSHOT_DIR is required for the file backend")
		}
	case BackendPgVector:
		if c.DatabaseURL == "" {
			problems = append(problems, "DATABASE_URL is required for the pgvector backend")
		}
	default:
		problems = append(problems, "SNAPSHOT_BACKEND must be one of: file, pgvector")
	}

	if c.Snapshot.ThresholdQuestion <= 0 || c.Snapshot.ThresholdQuestion > 100 {
		problems = append(problems, "THRESHOLD_QUESTION must be in (0, 100]")
	}
	if c.Snapshot.ThresholdGist <= 0 || c.Snapshot.ThresholdGist > 100 {
		problems = append(problems, "THRESHOLD_GIST must be in (0, 100]")
	}
	if c.Dispatch.ConfirmationThreshold < c.Snapshot.ThresholdQuestion || c.Dispatch.ConfirmationThreshold > 100 {
		problems = append(problems, "CONFIRMATION_THRESHOLD must be between THRESHOLD_QUESTION and 100")
	}
	if c.Snapshot.Limit <= 0 {
		problems = append(problems, "SEARCH_LIMIT must be positive")
	}
	if c.Dispatch.ConfirmationAttempts <= 0 {
		problems = append(problems, "CONFIRMATION_ATTEMPTS must be positive")
	}
	if c.Dispatch.ConfirmationBackoff < 1 {
		problems = append(problems, "CONFIRMATION_BACKOFF must be at least 1")
	}
	if c.Dispatch.Consumers <= 0 {
		problems = append(problems, "CONSUMERS must be positive")
	}

	validLogLevels := []string{"DEBUG", "INFO", "WARN", "ERROR"}
	if !contains(validLogLevels, strings.ToUpper(c.LogLevel)) {
		problems = append(problems, "LOG_LEVEL must be one of: DEBUG, INFO, WARN, ERROR")
	}

	validLogFormats := []string{"text", "json"}
	if !contains(validLogFormats, strings.ToLower(c.LogFormat)) {
		problems = append(problems, "LOG_FORMAT must be one of: text, json")
	}

	if len(problems) > 0 {
		return errors.New(problems[0])
	}

	return nil
}

func (c *Config) IsProduction() bool {
	return strings.ToLower(c.Environment) == "production"
}

func (c *Config) IsDevelopment() bool {
	return strings.ToLower(c.Environment) == "development"
}

func getEnvOrDefault(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	i, err := strconv.Atoi(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse integer from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return defaultValue
	}
	return i
}

func getEnvFloat(key string, defaultValue float64) float64 {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse float from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return defaultValue
	}
	return f
}

func getEnvBool(key string, defaultValue bool) bool {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	b, err := strconv.ParseBool(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse bool from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return defaultValue
	}
	return b
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[WARN] could not parse duration from env var %s=%q: %v. Using default value.\n", key, raw, err)
		return defaultValue
	}
	return d
}

// getEnvList reads a comma-separated list, trimming and lowercasing entries.
func getEnvList(key string, defaultValue []string) []string {
	raw := os.Getenv(key)
	if raw == "" {
		return append([]string(nil), defaultValue...)
	}
	var out []string
	for _, part := range strings.Split(raw, ",") {
		if part = strings.ToLower(strings.TrimSpace(part)); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func contains(slice []string, item string) bool {
	for _, s := range slice {
		if s == item {
			return true
		}
	}
	return false
}
