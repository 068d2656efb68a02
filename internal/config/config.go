// Package config loads the Config struct that carries every §6 environment
// knob: defaults, then an optional TOML file, then CHATTY_* environment
// variables (highest priority), then cross-field defaulting.
package config

import (
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config carries every tunable named in spec §6. Durations are stored as
// time.Duration so callers never re-derive units; the TOML/env surface
// accepts plain seconds for each duration field.
type Config struct {
	Server ServerConfig `toml:"server"`
	Redis  RedisConfig  `toml:"redis"`
	DB     DBConfig     `toml:"database"`

	InboxMaxSize      int           `toml:"inbox_max_size"`
	MaxConcurrency    int           `toml:"max_concurrency"`
	AcquireTimeout    time.Duration `toml:"-"`
	SlotTimeout       time.Duration `toml:"-"`
	RequestTimeout    time.Duration `toml:"-"`
	ToolTimeout       time.Duration `toml:"-"`
	MaxToolRounds     int           `toml:"max_tool_rounds"`

	ChatRateLimitPerSecond int           `toml:"chat_rate_limit_per_second"`
	ChatGlobalRateLimit    int           `toml:"chat_global_rate_limit"`
	RateWindow             time.Duration `toml:"-"`
	DedupWindow            time.Duration `toml:"-"`
	NonceTTL               time.Duration `toml:"-"`

	MaxConversationLength int  `toml:"max_conversation_length"`
	SendTraceback         bool `toml:"send_traceback"`

	// MaxResponseLength caps LLM response length (runes) as a post-LLM
	// safety net via ContentGuard, independent of the §6 wire-contract
	// query-length check. Zero disables the check.
	MaxResponseLength int `toml:"max_response_length"`

	// LLMRequestsPerMinute and LLMTokensPerMinute proactively throttle calls
	// to the chat model backend via WithRateLimit, ahead of retry. Zero
	// disables the respective check.
	LLMRequestsPerMinute int `toml:"llm_requests_per_minute"`
	LLMTokensPerMinute   int `toml:"llm_tokens_per_minute"`

	// Seconds mirrors of the time.Duration fields above, the TOML/env wire
	// shape (plain integer seconds); applyDurations folds these into the
	// Duration fields after decoding.
	AcquireTimeoutSeconds int `toml:"acquire_timeout_seconds"`
	SlotTimeoutSeconds    int `toml:"slot_timeout_seconds"`
	RequestTimeoutSeconds int `toml:"request_timeout_seconds"`
	ToolTimeoutSeconds    int `toml:"tool_timeout_seconds"`
	RateWindowSeconds     int `toml:"rate_window_seconds"`
	DedupWindowSeconds    int `toml:"dedup_window_seconds"`
	NonceTTLSeconds       int `toml:"nonce_ttl_seconds"`
}

// ServerConfig is the HTTP listener and API prefix.
type ServerConfig struct {
	Addr      string `toml:"addr"`
	APIPrefix string `toml:"api_prefix"`
}

// RedisConfig points at the shared KV backend (§4.2). Addr empty means "use
// the in-process Local backend" — single-replica/dev mode.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// DBConfig is the Postgres connection string for history/RAG/semantic cache.
type DBConfig struct {
	DSN string `toml:"dsn"`
}

// Default returns the zero-value-safe defaults for every knob in §6.
func Default() Config {
	cfg := Config{
		Server: ServerConfig{Addr: ":8080", APIPrefix: "/v1"},

		InboxMaxSize:   64,
		MaxConcurrency: 4,
		MaxToolRounds:  3, // §4.9's recommended R_max

		AcquireTimeoutSeconds: 30,
		SlotTimeoutSeconds:    60,
		RequestTimeoutSeconds: 180,
		ToolTimeoutSeconds:    20,

		ChatRateLimitPerSecond: 5,
		ChatGlobalRateLimit:    200,
		RateWindowSeconds:      1,
		DedupWindowSeconds:     10,
		NonceTTLSeconds:        60, // fixed per §3; configurable only for tests

		MaxConversationLength: 50,
		SendTraceback:         false,

		MaxResponseLength: 8000,
	}
	applyDurations(&cfg)
	return cfg
}

// Load reads config: defaults -> TOML file (if it exists) -> CHATTY_* env
// vars (env wins) -> cross-field defaulting. path == "" falls back to
// "chatty.toml" in the working directory; a missing file is not an error,
// matching the teacher's Load semantics of decoding best-effort over the
// defaults.
func Load(path string) Config {
	cfg := Default()

	if path == "" {
		path = "chatty.toml"
	}
	if data, err := os.ReadFile(path); err == nil {
		_ = toml.Unmarshal(data, &cfg)
	}

	applyEnv(&cfg)
	applyDurations(&cfg)
	return cfg
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CHATTY_SERVER_ADDR"); v != "" {
		cfg.Server.Addr = v
	}
	if v := os.Getenv("CHATTY_API_PREFIX"); v != "" {
		cfg.Server.APIPrefix = v
	}
	if v := os.Getenv("CHATTY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("CHATTY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("CHATTY_DB_DSN"); v != "" {
		cfg.DB.DSN = v
	}
	envInt("CHATTY_INBOX_MAX_SIZE", &cfg.InboxMaxSize)
	envInt("CHATTY_MAX_CONCURRENCY", &cfg.MaxConcurrency)
	envInt("CHATTY_MAX_TOOL_ROUNDS", &cfg.MaxToolRounds)
	envInt("CHATTY_ACQUIRE_TIMEOUT_SECONDS", &cfg.AcquireTimeoutSeconds)
	envInt("CHATTY_SLOT_TIMEOUT_SECONDS", &cfg.SlotTimeoutSeconds)
	envInt("CHATTY_REQUEST_TIMEOUT_SECONDS", &cfg.RequestTimeoutSeconds)
	envInt("CHATTY_TOOL_TIMEOUT_SECONDS", &cfg.ToolTimeoutSeconds)
	envInt("CHATTY_CHAT_RATE_LIMIT_PER_SECOND", &cfg.ChatRateLimitPerSecond)
	envInt("CHATTY_CHAT_GLOBAL_RATE_LIMIT", &cfg.ChatGlobalRateLimit)
	envInt("CHATTY_RATE_WINDOW_SECONDS", &cfg.RateWindowSeconds)
	envInt("CHATTY_DEDUP_WINDOW_SECONDS", &cfg.DedupWindowSeconds)
	envInt("CHATTY_MAX_CONVERSATION_LENGTH", &cfg.MaxConversationLength)
	envInt("CHATTY_MAX_RESPONSE_LENGTH", &cfg.MaxResponseLength)
	envInt("CHATTY_LLM_REQUESTS_PER_MINUTE", &cfg.LLMRequestsPerMinute)
	envInt("CHATTY_LLM_TOKENS_PER_MINUTE", &cfg.LLMTokensPerMinute)
	if v := os.Getenv("CHATTY_SEND_TRACEBACK"); v == "true" || v == "1" {
		cfg.SendTraceback = true
	}
}

func envInt(key string, dst *int) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if n, err := strconv.Atoi(v); err == nil {
		*dst = n
	}
}

// applyDurations folds the TOML/env integer-seconds fields into the
// time.Duration fields the rest of the system consumes. RateWindow's zero
// value would otherwise make the sliding window degenerate, so it is
// special-cased to at least one second.
func applyDurations(cfg *Config) {
	cfg.AcquireTimeout = time.Duration(cfg.AcquireTimeoutSeconds) * time.Second
	cfg.SlotTimeout = time.Duration(cfg.SlotTimeoutSeconds) * time.Second
	cfg.RequestTimeout = time.Duration(cfg.RequestTimeoutSeconds) * time.Second
	cfg.ToolTimeout = time.Duration(cfg.ToolTimeoutSeconds) * time.Second
	cfg.RateWindow = time.Duration(cfg.RateWindowSeconds) * time.Second
	if cfg.RateWindow <= 0 {
		cfg.RateWindow = time.Second
	}
	cfg.DedupWindow = time.Duration(cfg.DedupWindowSeconds) * time.Second
	cfg.NonceTTL = time.Duration(cfg.NonceTTLSeconds) * time.Second
	if cfg.NonceTTLSeconds == 0 {
		cfg.NonceTTL = 60 * time.Second
	}
}
