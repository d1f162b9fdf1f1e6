// Package config loads and validates the process configuration from
// environment variables (optionally preloaded from a .env file).
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config is the frozen, validated settings surface for the whole process.
// It is loaded once at startup; nothing downstream mutates it.
type Config struct {
	ChatAPIKey  string
	AdminAPIKey string

	LLMProvider   string // "openai" | "gemini"
	LLMAPIKey     string
	LLMModel      string
	LLMMaxTokens  int

	MaxHistoryMessages int
	SummaryThreshold   int
	SummaryKeepTail    int

	RAGDocsFolder   string
	RAGTopK         int
	RAGChunkTokens  int
	RAGChunkOverlap int
	RAGMinScore     float64

	DatabaseURL string

	Host string
	Port string

	LogLevel string

	TurnTimeout     time.Duration
	MaxFrameBytes   int64
	ShutdownGrace   time.Duration
	DebugChunks     bool
}

// Load reads configuration from the environment, applying defaults for
// optional keys and failing fast on missing required ones.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("no .env file loaded", "reason", err)
	}

	v := viper.New()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("LLM_PROVIDER", "openai")
	v.SetDefault("LLM_MAX_TOKENS", 1024)
	v.SetDefault("MAX_HISTORY_MESSAGES", 20)
	v.SetDefault("SUMMARY_THRESHOLD", 20)
	v.SetDefault("SUMMARY_KEEP_TAIL", 6)
	v.SetDefault("RAG_DOCS_FOLDER", "./docs")
	v.SetDefault("RAG_TOP_K", 4)
	v.SetDefault("RAG_CHUNK_TOKENS", 500)
	v.SetDefault("RAG_CHUNK_OVERLAP", 50)
	v.SetDefault("RAG_MIN_SCORE", 0.15)
	v.SetDefault("DATABASE_URL", "file:avatarbackend.db?cache=shared")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", "8080")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("TURN_TIMEOUT_SECONDS", 60)
	v.SetDefault("MAX_FRAME_BYTES", 64*1024)
	v.SetDefault("SHUTDOWN_GRACE_SECONDS", 15)
	v.SetDefault("DEBUG_CHUNKS", false)

	cfg := &Config{
		ChatAPIKey:  v.GetString("CHAT_API_KEY"),
		AdminAPIKey: v.GetString("ADMIN_API_KEY"),

		LLMProvider:  strings.ToLower(v.GetString("LLM_PROVIDER")),
		LLMMaxTokens: v.GetInt("LLM_MAX_TOKENS"),

		MaxHistoryMessages: v.GetInt("MAX_HISTORY_MESSAGES"),
		SummaryThreshold:   v.GetInt("SUMMARY_THRESHOLD"),
		SummaryKeepTail:    v.GetInt("SUMMARY_KEEP_TAIL"),

		RAGDocsFolder:   v.GetString("RAG_DOCS_FOLDER"),
		RAGTopK:         v.GetInt("RAG_TOP_K"),
		RAGChunkTokens:  v.GetInt("RAG_CHUNK_TOKENS"),
		RAGChunkOverlap: v.GetInt("RAG_CHUNK_OVERLAP"),
		RAGMinScore:     v.GetFloat64("RAG_MIN_SCORE"),

		DatabaseURL: v.GetString("DATABASE_URL"),

		Host: v.GetString("HOST"),
		Port: v.GetString("PORT"),

		LogLevel: v.GetString("LOG_LEVEL"),

		TurnTimeout:   time.Duration(v.GetInt("TURN_TIMEOUT_SECONDS")) * time.Second,
		MaxFrameBytes: v.GetInt64("MAX_FRAME_BYTES"),
		ShutdownGrace: time.Duration(v.GetInt("SHUTDOWN_GRACE_SECONDS")) * time.Second,
		DebugChunks:   v.GetBool("DEBUG_CHUNKS"),
	}

	providerKey := strings.ToUpper(cfg.LLMProvider) + "_API_KEY"
	cfg.LLMAPIKey = v.GetString(providerKey)

	switch cfg.LLMProvider {
	case "openai":
		cfg.LLMModel = v.GetString("OPENAI_MODEL")
		if cfg.LLMModel == "" {
			cfg.LLMModel = "gpt-4o-mini"
		}
	case "gemini":
		cfg.LLMModel = v.GetString("GEMINI_MODEL")
		if cfg.LLMModel == "" {
			cfg.LLMModel = "gemini-2.5-flash"
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate enforces the required-key set from the external configuration
// contract.
func (c *Config) Validate() error {
	if c.ChatAPIKey == "" {
		return fmt.Errorf("CHAT_API_KEY is required")
	}
	if c.AdminAPIKey == "" {
		return fmt.Errorf("ADMIN_API_KEY is required")
	}
	if c.LLMProvider != "openai" && c.LLMProvider != "gemini" {
		return fmt.Errorf("unsupported LLM_PROVIDER %q (want openai or gemini)", c.LLMProvider)
	}
	if c.LLMAPIKey == "" {
		return fmt.Errorf("%s_API_KEY is required", strings.ToUpper(c.LLMProvider))
	}
	if c.SummaryKeepTail >= c.MaxHistoryMessages {
		return fmt.Errorf("SUMMARY_KEEP_TAIL (%d) must be less than MAX_HISTORY_MESSAGES (%d)", c.SummaryKeepTail, c.MaxHistoryMessages)
	}
	return nil
}

// Addr returns the "host:port" listener address.
func (c *Config) Addr() string {
	return c.Host + ":" + c.Port
}
