package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ashureev/delfos/internal/domain"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.SessionIdleTTL != time.Hour {
		t.Errorf("SessionIdleTTL = %v, want 1h", cfg.SessionIdleTTL)
	}
	if cfg.Classifier != ClassifierHeuristic {
		t.Errorf("Classifier = %q, want heuristic", cfg.Classifier)
	}
	if cfg.Tools.MaxCorrections != 2 {
		t.Errorf("MaxCorrections = %d, want 2", cfg.Tools.MaxCorrections)
	}
	if cfg.Tools.ExecuteTool != "execute_sql_query" || cfg.Tools.ChartTool != "generate_chart" {
		t.Errorf("unexpected tool names: %+v", cfg.Tools)
	}
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("SESSION_IDLE_TTL", "15m")
	t.Setenv("TOOL_TIMEOUT", "45")
	t.Setenv("CLASSIFIER", "LLM")
	t.Setenv("SQL_MAX_CORRECTIONS", "0")
	t.Setenv("CONVERSATION_LOG_ENABLED", "off")
	t.Setenv("LLM_PROVIDER", "Anthropic")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.SessionIdleTTL != 15*time.Minute {
		t.Errorf("SessionIdleTTL = %v", cfg.SessionIdleTTL)
	}
	if cfg.Tools.Timeout != 45*time.Second {
		t.Errorf("Tools.Timeout = %v, want 45s", cfg.Tools.Timeout)
	}
	if cfg.Classifier != ClassifierLLM {
		t.Errorf("Classifier = %q", cfg.Classifier)
	}
	if cfg.Tools.MaxCorrections != 0 {
		t.Errorf("MaxCorrections = %d, want 0", cfg.Tools.MaxCorrections)
	}
	if cfg.ConversationLog.Enabled {
		t.Error("expected conversation log disabled")
	}
	if cfg.LLM.Provider != "anthropic" {
		t.Errorf("Provider = %q", cfg.LLM.Provider)
	}
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	tests := []struct {
		key, value, want string
	}{
		{"CLASSIFIER", "magic", "CLASSIFIER"},
		{"SQL_MAX_CORRECTIONS", "-1", "SQL_MAX_CORRECTIONS"},
		{"SESSION_IDLE_TTL", "0s", "SESSION_IDLE_TTL"},
		{"SQL_TOOL_SERVER_URL", "", "SQL_TOOL_SERVER_URL"},
		{"RATE_LIMIT_REQUESTS", "0", "RATE_LIMIT"},
	}
	for _, tt := range tests {
		t.Run(tt.key, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Fatalf("Load error = %v, want mention of %s", err, tt.want)
			}
		})
	}
}

func TestGetEnvDurationFallsBackOnGarbage(t *testing.T) {
	t.Setenv("SOME_DURATION", "soon")
	if got := getEnvDuration("SOME_DURATION", time.Second); got != time.Second {
		t.Fatalf("got %v, want fallback", got)
	}
}

func TestIsDevelopment(t *testing.T) {
	for url, want := range map[string]bool{
		"":                       true,
		"http://localhost:5173":  true,
		"http://127.0.0.1:3000":  true,
		"https://delfos.example": false,
	} {
		c := &Config{FrontendURL: url}
		if got := c.IsDevelopment(); got != want {
			t.Errorf("IsDevelopment(%q) = %v, want %v", url, got, want)
		}
	}
}

func TestLoadPolicyDefaults(t *testing.T) {
	p, err := LoadPolicy("")
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Validator.ForbiddenKeywords) == 0 || len(p.Vocabulary.Chart) == 0 {
		t.Fatal("expected compiled-in defaults")
	}
}

func TestParsePolicyOverridesPresentLists(t *testing.T) {
	raw := []byte(`
schema_version: 1
validator:
  denied_schemas: [audit]
  allowed_schemas: [sales]
  allow_comments: true
vocabulary:
  chart: [chart, gráfico]
  kinds:
    pie: [pie, quesito]
`)
	p, err := ParsePolicy(raw)
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	if len(p.Validator.DeniedSchemas) != 1 || p.Validator.DeniedSchemas[0] != "audit" {
		t.Errorf("DeniedSchemas = %v", p.Validator.DeniedSchemas)
	}
	if len(p.Validator.AllowedSchemas) != 1 || p.Validator.AllowedSchemas[0] != "sales" {
		t.Errorf("AllowedSchemas = %v", p.Validator.AllowedSchemas)
	}
	if !p.Validator.AllowComments {
		t.Error("expected comments allowed")
	}
	if len(p.Validator.ForbiddenKeywords) == 0 {
		t.Error("absent lists must keep their defaults")
	}
	if len(p.Vocabulary.Chart) != 2 {
		t.Errorf("Chart = %v", p.Vocabulary.Chart)
	}
	if got := p.Vocabulary.Kinds[domain.ChartPie]; len(got) != 2 || got[1] != "quesito" {
		t.Errorf("pie words = %v", got)
	}
	if len(p.Vocabulary.Kinds[domain.ChartLine]) == 0 {
		t.Error("kinds not named in the file keep their defaults")
	}
}

func TestParsePolicyRejectsFutureVersion(t *testing.T) {
	if _, err := ParsePolicy([]byte("schema_version: 7\n")); err == nil {
		t.Fatal("expected error for unsupported schema_version")
	}
}

func TestLoadPolicyFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("validator:\n  allowed_statements: [select]\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	p, err := LoadPolicy(path)
	if err != nil {
		t.Fatalf("LoadPolicy: %v", err)
	}
	if len(p.Validator.AllowedStatements) != 1 {
		t.Errorf("AllowedStatements = %v", p.Validator.AllowedStatements)
	}

	if _, err := LoadPolicy(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
