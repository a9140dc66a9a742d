// No t.Parallel() — env vars are process-global and not thread-safe.
package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// chdir changes the working directory for the test and restores it on
// cleanup; stand-in for t.Chdir, which needs Go 1.24+.
func chdir(t *testing.T, dir string) {
	t.Helper()
	old, err := os.Getwd()
	if err != nil {
		t.Fatalf("getwd: %v", err)
	}
	if err := os.Chdir(dir); err != nil {
		t.Fatalf("chdir: %v", err)
	}
	t.Cleanup(func() { os.Chdir(old) })
}

func TestLoad_Defaults(t *testing.T) {
	t.Setenv("LLMGATE_CONFIG", "")
	t.Setenv("LLMGATE_DB_PATH", "")
	t.Setenv("OLLAMA_BASE_URL", "")
	chdir(t, t.TempDir()) // no config.yaml in cwd

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Listen.Port != 8000 {
		t.Errorf("expected default port 8000, got %d", cfg.Listen.Port)
	}
	p, ok := cfg.Providers["ollama"]
	if !ok {
		t.Fatal("expected default ollama provider")
	}
	if p.BaseURL != "http://localhost:11434" {
		t.Errorf("expected default ollama base_url, got %q", p.BaseURL)
	}
	if cfg.Retrieval.ChunkSize != 1000 || cfg.Retrieval.ChunkOverlap != 100 {
		t.Errorf("expected 1000/100 chunking defaults, got %d/%d", cfg.Retrieval.ChunkSize, cfg.Retrieval.ChunkOverlap)
	}
	if cfg.Retrieval.RelevanceThreshold != 0 {
		t.Errorf("expected relevance_threshold 0 by default, got %f", cfg.Retrieval.RelevanceThreshold)
	}
}

func TestLoad_YAMLFile(t *testing.T) {
	t.Setenv("LLMGATE_CONFIG", "")
	t.Setenv("LLMGATE_PORT", "")

	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
listen:
  host: 0.0.0.0
  port: 9090
providers:
  openai:
    type: openai
    base_url: https://api.openai.com/v1
    api_key: sk-test
    priority: 1
    timeout: 30
retrieval:
  chunk_size: 500
  chunk_overlap: 50
  top_k: 5
log_level: debug
`
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Listen.Port != 9090 {
		t.Errorf("expected port 9090 from file, got %d", cfg.Listen.Port)
	}
	openai, ok := cfg.Providers["openai"]
	if !ok {
		t.Fatal("expected openai provider from file")
	}
	if openai.APIKey != "sk-test" {
		t.Errorf("expected api_key from file, got %q", openai.APIKey)
	}
	if cfg.Retrieval.ChunkSize != 500 || cfg.Retrieval.TopK != 5 {
		t.Errorf("expected retrieval overrides, got chunk_size=%d top_k=%d", cfg.Retrieval.ChunkSize, cfg.Retrieval.TopK)
	}
	if cfg.LogLevel != "debug" {
		t.Errorf("expected log_level debug, got %q", cfg.LogLevel)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("LLMGATE_CONFIG", "")
	t.Setenv("LLMGATE_DB_PATH", "/tmp/override.db")
	t.Setenv("LLMGATE_PORT", "7777")
	t.Setenv("OLLAMA_BASE_URL", "http://ollama.internal:11434")
	chdir(t, t.TempDir())

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Database.Path != "/tmp/override.db" {
		t.Errorf("expected db path override, got %q", cfg.Database.Path)
	}
	if cfg.Listen.Port != 7777 {
		t.Errorf("expected port override 7777, got %d", cfg.Listen.Port)
	}
	if cfg.Providers["ollama"].BaseURL != "http://ollama.internal:11434" {
		t.Errorf("expected ollama base_url override, got %q", cfg.Providers["ollama"].BaseURL)
	}
}

func TestLoad_ExplicitPathMissing_ReturnsError(t *testing.T) {
	if _, err := Load("/nonexistent/config.yaml"); err == nil {
		t.Error("expected error for missing explicit config path")
	}
}

func TestLoad_InvalidOverlap_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "retrieval:\n  chunk_size: 100\n  chunk_overlap: 100\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for overlap >= chunk_size")
	}
}

func TestLoad_UnknownProviderType_ReturnsError(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := "providers:\n  weird:\n    type: grpc\n    base_url: http://x\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := Load(path); err == nil {
		t.Error("expected error for unknown provider type")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := []struct {
		in      string
		want    slog.Level
		wantErr bool
	}{
		{"", slog.LevelInfo, false},
		{"info", slog.LevelInfo, false},
		{"DEBUG", slog.LevelDebug, false},
		{" warn ", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"verbose", slog.LevelInfo, true},
	}
	for _, tc := range cases {
		got, err := ParseLogLevel(tc.in)
		if (err != nil) != tc.wantErr {
			t.Errorf("ParseLogLevel(%q) error = %v, wantErr %v", tc.in, err, tc.wantErr)
		}
		if got != tc.want {
			t.Errorf("ParseLogLevel(%q) = %v, want %v", tc.in, got, tc.want)
		}
	}
}

func TestTimeoutHelpers_Defaults(t *testing.T) {
	var p ProviderConfig
	if p.ChatTimeout() != 60*time.Second {
		t.Errorf("expected 60s default chat timeout, got %v", p.ChatTimeout())
	}
	if p.EmbedTimeout() != 15*time.Second {
		t.Errorf("expected 15s default embed timeout, got %v", p.EmbedTimeout())
	}
	var r RetrievalConfig
	if r.RetrievalTimeout() != 2*time.Second {
		t.Errorf("expected 2s default retrieval timeout, got %v", r.RetrievalTimeout())
	}
	var s SessionConfig
	if s.SessionTimeout() != 120*time.Second {
		t.Errorf("expected 120s default session timeout, got %v", s.SessionTimeout())
	}
}
