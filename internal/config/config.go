package config

import (
	"os"
	"strconv"
	"time"
)

type Config struct {
	Host    string
	Port    string
	DataDir string
	APIKey  string

	LLMAPIKey     string
	LLMBaseURL    string
	LLMModel      string
	LLMEmbedModel string
	LLMTimeout    time.Duration

	SandboxAPIKey  string
	SandboxBaseURL string
	SandboxTimeout time.Duration
	SandboxKeepMS  int

	SearchAPIKey string

	ReapSchedule string
	SandboxIdle  time.Duration

	PolicyFile string
}

func Load() Config {
	return Config{
		Host:    getenv("SCOUT_HOST", "127.0.0.1"),
		Port:    getenv("SCOUT_PORT", "8088"),
		DataDir: getenv("SCOUT_DATA_DIR", ".data"),
		APIKey:  os.Getenv("SCOUT_API_KEY"),

		LLMAPIKey:     os.Getenv("LLM_API_KEY"),
		LLMBaseURL:    getenv("LLM_BASE_URL", "https://api.groq.com/openai/v1"),
		LLMModel:      getenv("LLM_MODEL", "qwen/qwen3-32b"),
		LLMEmbedModel: os.Getenv("LLM_EMBED_MODEL"),
		LLMTimeout:    getenvDuration("LLM_TIMEOUT_MS", 120*time.Second),

		SandboxAPIKey:  os.Getenv("SANDBOX_API_KEY"),
		SandboxBaseURL: getenv("SANDBOX_BASE_URL", "https://api.sandbox.dev/v1"),
		SandboxTimeout: getenvDuration("SANDBOX_TIMEOUT_MS", 180*time.Second),
		SandboxKeepMS:  getenvInt("SANDBOX_KEEPALIVE_MS", 600_000),

		SearchAPIKey: os.Getenv("SEARCH_API_KEY"),

		ReapSchedule: getenv("SCOUT_REAP_SCHEDULE", "*/5 * * * *"),
		SandboxIdle:  getenvDuration("SCOUT_SANDBOX_IDLE_MS", 10*time.Minute),

		PolicyFile: os.Getenv("SCOUT_POLICY_FILE"),
	}
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getenvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}

func getenvDuration(key string, fallback time.Duration) time.Duration {
	ms := getenvInt(key, 0)
	if ms <= 0 {
		return fallback
	}
	return time.Duration(ms) * time.Millisecond
}
