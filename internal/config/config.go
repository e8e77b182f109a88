// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Classifier strategies.
const (
	ClassifierHeuristic = "heuristic"
	ClassifierLLM       = "llm"
)

// Config holds all application configuration.
type Config struct {
	Port                string
	FrontendURL         string
	DBPath              string
	SessionIdleTTL      time.Duration
	SessionSweep        time.Duration
	Classifier          string
	PolicyFile          string
	HistoryTurns        int
	MaxRequestBodyBytes int64
	RateLimit           RateLimitConfig
	LLM                 LLMConfig
	Tools               ToolsConfig
	ConversationLog     ConversationLogConfig
}

// LLMConfig selects and configures the language model provider.
type LLMConfig struct {
	Provider  string
	Model     string
	Timeout   time.Duration
	MaxTokens int

	OpenAIAPIKey    string
	OpenAIBaseURL   string
	AzureEndpoint   string
	AzureDeployment string
	AzureAPIVersion string

	AnthropicAPIKey string
	GeminiAPIKey    string
	OllamaHost      string

	RetryAttempts int
}

// ToolsConfig locates the SQL and chart tool servers.
type ToolsConfig struct {
	SQLServerURL   string
	ChartServerURL string
	Timeout        time.Duration
	ConnectTimeout time.Duration
	RetryBackoff   time.Duration

	ExecuteTool    string
	ListTablesTool string
	DescribeTool   string
	ChartTool      string

	MaxCorrections  int
	MaxRows         int
	SchemaMaxTables int
	Dialect         string
}

// RateLimitConfig bounds chat requests per client.
type RateLimitConfig struct {
	Requests int
	Window   time.Duration
}

// ConversationLogConfig controls JSON conversation logging.
type ConversationLogConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("CONVERSATION_LOG_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:                getEnv("PORT", "8080"),
		FrontendURL:         getEnv("FRONTEND_URL", ""),
		DBPath:              getEnv("DB_PATH", "./data/delfos.db"),
		SessionIdleTTL:      getEnvDuration("SESSION_IDLE_TTL", 60*time.Minute),
		SessionSweep:        getEnvDuration("SESSION_SWEEP_INTERVAL", 5*time.Minute),
		Classifier:          strings.ToLower(getEnv("CLASSIFIER", ClassifierHeuristic)),
		PolicyFile:          getEnv("POLICY_FILE", ""),
		HistoryTurns:        getEnvInt("HISTORY_TURNS", 6),
		MaxRequestBodyBytes: int64(getEnvInt("MAX_REQUEST_BODY_BYTES", 1<<20)),
		RateLimit: RateLimitConfig{
			Requests: getEnvInt("RATE_LIMIT_REQUESTS", 30),
			Window:   getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		LLM: LLMConfig{
			Provider:        strings.ToLower(getEnv("LLM_PROVIDER", "openai")),
			Model:           getEnv("LLM_MODEL", ""),
			Timeout:         getEnvDuration("LLM_TIMEOUT", 60*time.Second),
			MaxTokens:       getEnvInt("LLM_MAX_TOKENS", 1024),
			OpenAIAPIKey:    getEnv("OPENAI_API_KEY", ""),
			OpenAIBaseURL:   getEnv("OPENAI_BASE_URL", ""),
			AzureEndpoint:   getEnv("AZURE_OPENAI_ENDPOINT", ""),
			AzureDeployment: getEnv("AZURE_OPENAI_DEPLOYMENT", ""),
			AzureAPIVersion: getEnv("AZURE_OPENAI_API_VERSION", ""),
			AnthropicAPIKey: getEnv("ANTHROPIC_API_KEY", ""),
			GeminiAPIKey:    getEnv("GEMINI_API_KEY", ""),
			OllamaHost:      getEnv("OLLAMA_HOST", ""),
			RetryAttempts:   getEnvInt("LLM_RETRY_ATTEMPTS", 3),
		},
		Tools: ToolsConfig{
			SQLServerURL:    getEnv("SQL_TOOL_SERVER_URL", "http://localhost:8081/mcp"),
			ChartServerURL:  getEnv("CHART_TOOL_SERVER_URL", "http://localhost:8082/mcp"),
			Timeout:         getEnvDuration("TOOL_TIMEOUT", 30*time.Second),
			ConnectTimeout:  getEnvDuration("TOOL_CONNECT_TIMEOUT", 5*time.Second),
			RetryBackoff:    getEnvDuration("TOOL_RETRY_BACKOFF", 500*time.Millisecond),
			ExecuteTool:     getEnv("SQL_EXECUTE_TOOL", "execute_sql_query"),
			ListTablesTool:  getEnv("SQL_LIST_TABLES_TOOL", "list_tables"),
			DescribeTool:    getEnv("SQL_DESCRIBE_TOOL", "get_table_schema"),
			ChartTool:       getEnv("CHART_TOOL", "generate_chart"),
			MaxCorrections:  getEnvInt("SQL_MAX_CORRECTIONS", 2),
			MaxRows:         getEnvInt("SQL_MAX_ROWS", 1000),
			SchemaMaxTables: getEnvInt("SCHEMA_MAX_TABLES", 50),
			Dialect:         getEnv("SQL_DIALECT", "ANSI SQL"),
		},
		ConversationLog: ConversationLogConfig{
			Enabled:       getEnvBool("CONVERSATION_LOG_ENABLED", true),
			Dir:           getEnv("CONVERSATION_LOG_DIR", "./data/logs/conversations"),
			GlobalEnabled: getEnvBool("CONVERSATION_LOG_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("CONVERSATION_LOG_GLOBAL_PATH", "./data/logs/conversations/all.ndjson"),
			QueueSize:     queueSize,
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("SESSION_IDLE_TTL must be > 0")
	}
	if c.SessionSweep <= 0 {
		return fmt.Errorf("SESSION_SWEEP_INTERVAL must be > 0")
	}
	if c.Classifier != ClassifierHeuristic && c.Classifier != ClassifierLLM {
		return fmt.Errorf("CLASSIFIER must be %q or %q, got %q", ClassifierHeuristic, ClassifierLLM, c.Classifier)
	}
	if c.HistoryTurns < 0 {
		return fmt.Errorf("HISTORY_TURNS must be >= 0")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("MAX_REQUEST_BODY_BYTES must be > 0")
	}
	if c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0 {
		return fmt.Errorf("RATE_LIMIT_REQUESTS and RATE_LIMIT_WINDOW must be > 0")
	}
	if c.LLM.Provider == "" {
		return fmt.Errorf("LLM_PROVIDER cannot be empty")
	}
	if c.Tools.SQLServerURL == "" {
		return fmt.Errorf("SQL_TOOL_SERVER_URL cannot be empty")
	}
	if c.Tools.ChartServerURL == "" {
		return fmt.Errorf("CHART_TOOL_SERVER_URL cannot be empty")
	}
	if c.Tools.MaxCorrections < 0 {
		return fmt.Errorf("SQL_MAX_CORRECTIONS must be >= 0")
	}
	if c.Tools.SchemaMaxTables <= 0 {
		return fmt.Errorf("SCHEMA_MAX_TABLES must be > 0")
	}
	if c.ConversationLog.Dir == "" {
		return fmt.Errorf("CONVERSATION_LOG_DIR cannot be empty")
	}
	if c.ConversationLog.GlobalPath == "" {
		return fmt.Errorf("CONVERSATION_LOG_GLOBAL_PATH cannot be empty")
	}
	if c.ConversationLog.QueueSize <= 0 {
		return fmt.Errorf("CONVERSATION_LOG_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

// getEnvDuration accepts Go durations ("90s") or plain seconds ("90").
func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	value = strings.TrimSpace(value)
	if d, err := time.ParseDuration(value); err == nil {
		return d
	}
	if n, err := strconv.Atoi(value); err == nil {
		return time.Duration(n) * time.Second
	}
	return fallback
}
