// Package config loads service configuration from environment variables with
// the COMPANION_ prefix. Values come with working defaults for a single-home
// deployment; everything security-sensitive must be overridden in production.
package config

import (
	"os"
	"strconv"
	"time"
)

// Config holds all settings for the companion daemon.
type Config struct {
	Server    ServerConfig
	Policy    PolicyConfig
	LLM       LLMConfig
	Adapters  AdaptersConfig
	Redis     RedisConfig
	Audit     AuditConfig
	Deadlines DeadlinesConfig
	LogLevel  string
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Addr string // listen address (default :7008)
}

// PolicyConfig locates the policy document.
type PolicyConfig struct {
	Path  string // policy YAML path (default config/policy.yaml)
	Watch bool   // reload on file change (default true)
}

// LLMConfig configures the intent endpoint.
type LLMConfig struct {
	URL           string // LLM endpoint URL
	PromptVersion string // system prompt version sent with every request
}

// AdaptersConfig holds the upstream gateway endpoints and credentials.
type AdaptersConfig struct {
	SmartHomeURL   string
	SmartHomeToken string
	SIPURL         string
	SIPToken       string
	NotifyURL      string
	NotifyToken    string
	TTSURL         string
	VideoURL       string
	VideoJWTSecret string
	DryRun         bool // record side effects instead of performing them
}

// RedisConfig configures the optional shared rate-limit store.
type RedisConfig struct {
	URL          string // empty disables redis, in-memory buckets are used
	PoolSize     int
	MinIdleConns int
	DialTimeout  time.Duration
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// AuditConfig configures the decision log sinks.
type AuditConfig struct {
	Dir             string // segment directory (default ./audit)
	SegmentMaxBytes int64
	PostgresDSN     string // empty disables the postgres sink
}

// DeadlinesConfig carries the pipeline time budgets.
type DeadlinesConfig struct {
	Utterance       time.Duration // full pipeline budget (default 2500ms)
	EmergencyAccept time.Duration // bypass accept budget (default 100ms)
	LLM             time.Duration // intent stage hard deadline (default 1500ms)
}

// FromEnv builds the configuration from environment variables.
func FromEnv() Config {
	return Config{
		Server: ServerConfig{
			Addr: envString("COMPANION_ADDR", ":7008"),
		},
		Policy: PolicyConfig{
			Path:  envString("COMPANION_POLICY_PATH", "config/policy.yaml"),
			Watch: envBool("COMPANION_POLICY_WATCH", true),
		},
		LLM: LLMConfig{
			URL:           envString("COMPANION_LLM_URL", "http://localhost:8000/parse_intent"),
			PromptVersion: envString("COMPANION_LLM_PROMPT_VERSION", "intent-zh-v2"),
		},
		Adapters: AdaptersConfig{
			SmartHomeURL:   envString("COMPANION_SMARTHOME_URL", "http://localhost:7003"),
			SmartHomeToken: os.Getenv("COMPANION_SMARTHOME_TOKEN"),
			SIPURL:         envString("COMPANION_SIP_URL", "http://localhost:7004"),
			SIPToken:       os.Getenv("COMPANION_SIP_TOKEN"),
			NotifyURL:      envString("COMPANION_NOTIFY_URL", "http://localhost:7005"),
			NotifyToken:    os.Getenv("COMPANION_NOTIFY_TOKEN"),
			TTSURL:         envString("COMPANION_TTS_URL", "http://localhost:7006"),
			VideoURL:       envString("COMPANION_VIDEO_URL", "http://localhost:7007"),
			VideoJWTSecret: envString("COMPANION_VIDEO_JWT_SECRET", "dev-secret-change-in-production"),
			DryRun:         envBool("COMPANION_ADAPTERS_DRY_RUN", false),
		},
		Redis: RedisConfig{
			URL:          os.Getenv("COMPANION_REDIS_URL"),
			PoolSize:     envInt("COMPANION_REDIS_POOL_SIZE", 10),
			MinIdleConns: envInt("COMPANION_REDIS_MIN_IDLE", 2),
			DialTimeout:  envDuration("COMPANION_REDIS_DIAL_TIMEOUT", 2*time.Second),
			ReadTimeout:  envDuration("COMPANION_REDIS_READ_TIMEOUT", 500*time.Millisecond),
			WriteTimeout: envDuration("COMPANION_REDIS_WRITE_TIMEOUT", 500*time.Millisecond),
		},
		Audit: AuditConfig{
			Dir:             envString("COMPANION_AUDIT_DIR", "audit"),
			SegmentMaxBytes: int64(envInt("COMPANION_AUDIT_SEGMENT_MAX_BYTES", 64<<20)),
			PostgresDSN:     os.Getenv("COMPANION_AUDIT_POSTGRES_DSN"),
		},
		Deadlines: DeadlinesConfig{
			Utterance:       envDuration("COMPANION_DEADLINE_UTTERANCE", 2500*time.Millisecond),
			EmergencyAccept: envDuration("COMPANION_DEADLINE_EMERGENCY_ACCEPT", 100*time.Millisecond),
			LLM:             envDuration("COMPANION_DEADLINE_LLM", 1500*time.Millisecond),
		},
		LogLevel: envString("COMPANION_LOG_LEVEL", "info"),
	}
}

func envString(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return parsed
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return parsed
}
