// Package config provides application-wide configuration loaded from an
// optional YAML file with environment variable overrides.
// All fields have safe defaults so the binary runs locally without any setup.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds runtime configuration for llmgate.
type Config struct {
	Listen    ListenConfig              `yaml:"listen"`
	Database  DatabaseConfig            `yaml:"database"`
	Providers map[string]ProviderConfig `yaml:"providers"`
	Retrieval RetrievalConfig           `yaml:"retrieval"`
	Session   SessionConfig             `yaml:"session"`
	Registry  RegistryConfig            `yaml:"registry"`
	LogLevel  string                    `yaml:"log_level"`
}

// ListenConfig holds the HTTP listen address.
type ListenConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

// DatabaseConfig holds the SQLite database location.
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// ProviderConfig describes one configured LLM backend.
type ProviderConfig struct {
	// Type selects the adapter: "ollama" (local) or "openai" (hosted,
	// OpenAI-compatible API).
	Type    string `yaml:"type"`
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	// Priority orders providers when presenting equally-eligible models.
	// Lower values sort first.
	Priority int `yaml:"priority"`
	// TimeoutSeconds bounds chat calls; EmbedTimeoutSeconds bounds embedding
	// calls (embeddings are expected to return much faster).
	TimeoutSeconds      int `yaml:"timeout"`
	EmbedTimeoutSeconds int `yaml:"embed_timeout"`
}

// RetrievalConfig holds the RAG pipeline tunables.
type RetrievalConfig struct {
	EmbeddingModel     string  `yaml:"embedding_model"`
	EmbeddingBatchSize int     `yaml:"embedding_batch_size"`
	ChunkSize          int     `yaml:"chunk_size"`
	ChunkOverlap       int     `yaml:"chunk_overlap"`
	TopK               int     `yaml:"top_k"`
	RelevanceThreshold float64 `yaml:"relevance_threshold"`
	FileMaxCount       int     `yaml:"file_max_count"`
	FileMaxSize        int64   `yaml:"file_max_size"`
	// TimeoutMillis is the retrieval ceiling: past it, retrieval returns
	// whatever it has gathered instead of failing the generation.
	TimeoutMillis int `yaml:"timeout_ms"`
}

// SessionConfig holds streaming session tunables.
type SessionConfig struct {
	// TimeoutSeconds bounds one full generation from adapter start to the
	// terminal state.
	TimeoutSeconds int `yaml:"timeout"`
	// ReserveTokens is the share of the model context window held back for
	// the generated output when assembling the prompt.
	ReserveTokens int `yaml:"reserve_tokens"`
	// RetentionSeconds keeps terminal sessions around for late readers
	// before they are reaped.
	RetentionSeconds int `yaml:"retention"`
	// HistoryWindow is the number of most recent turns loaded from the
	// conversation store.
	HistoryWindow int `yaml:"history_window"`
}

// RegistryConfig holds provider registry tunables.
type RegistryConfig struct {
	ProbeIntervalSeconds int `yaml:"probe_interval"`
}

const (
	envKeyConfigFile = "LLMGATE_CONFIG"
	envKeyDBPath     = "LLMGATE_DB_PATH"
	envKeyLogLevel   = "LLMGATE_LOG_LEVEL"
	envKeyListenHost = "LLMGATE_HOST"
	envKeyListenPort = "LLMGATE_PORT"
	envKeyOllamaURL  = "OLLAMA_BASE_URL"
)

// Default returns the built-in configuration: a single local Ollama provider
// and retrieval defaults matching the common 1000/100 chunking setup.
func Default() Config {
	return Config{
		Listen:   ListenConfig{Host: "127.0.0.1", Port: 8000},
		Database: DatabaseConfig{Path: "data/llmgate.db"},
		Providers: map[string]ProviderConfig{
			"ollama": {
				Type:                "ollama",
				BaseURL:             "http://localhost:11434",
				Priority:            0,
				TimeoutSeconds:      60,
				EmbedTimeoutSeconds: 15,
			},
		},
		Retrieval: RetrievalConfig{
			EmbeddingModel:     "nomic-embed-text",
			EmbeddingBatchSize: 10,
			ChunkSize:          1000,
			ChunkOverlap:       100,
			TopK:               3,
			RelevanceThreshold: 0,
			FileMaxCount:       20,
			FileMaxSize:        52428800, // 50MB
			TimeoutMillis:      2000,
		},
		Session: SessionConfig{
			TimeoutSeconds:   120,
			ReserveTokens:    1024,
			RetentionSeconds: 300,
			HistoryWindow:    10,
		},
		Registry: RegistryConfig{ProbeIntervalSeconds: 30},
		LogLevel: "info",
	}
}

// Load reads configuration in three layers: built-in defaults, then the YAML
// file at path (skipped when path is empty and no file is found on the search
// path), then environment variable overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	file, err := findConfig(path)
	if err != nil {
		return Config{}, err
	}
	if file != "" {
		data, readErr := os.ReadFile(file)
		if readErr != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", file, readErr)
		}
		if yamlErr := yaml.Unmarshal(data, &cfg); yamlErr != nil {
			return Config{}, fmt.Errorf("config: parse %s: %w", file, yamlErr)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// findConfig locates the config file. An explicit path must exist; otherwise
// the search path is tried and a miss is not an error.
func findConfig(explicit string) (string, error) {
	if explicit == "" {
		explicit = os.Getenv(envKeyConfigFile)
	}
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config: file not found: %s", explicit)
		}
		return explicit, nil
	}
	for _, p := range searchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}
	return "", nil
}

// searchPaths returns the config file search order.
func searchPaths() []string {
	paths := []string{"config.yaml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "llmgate", "config.yaml"))
	}
	return append(paths, "/etc/llmgate/config.yaml")
}

// applyEnvOverrides lets a handful of deployment-critical settings be
// overridden without editing the YAML file.
func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv(envKeyDBPath); v != "" {
		cfg.Database.Path = v
	}
	if v := os.Getenv(envKeyLogLevel); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv(envKeyListenHost); v != "" {
		cfg.Listen.Host = v
	}
	if v := os.Getenv(envKeyListenPort); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			cfg.Listen.Port = port
		}
	}
	if v := os.Getenv(envKeyOllamaURL); v != "" {
		if p, ok := cfg.Providers["ollama"]; ok {
			p.BaseURL = v
			cfg.Providers["ollama"] = p
		}
	}
}

// validate rejects configurations that cannot work at all. Soft limits are
// clamped by the components that consume them.
func (c Config) validate() error {
	if c.Retrieval.ChunkSize <= 0 {
		return fmt.Errorf("config: retrieval.chunk_size must be positive, got %d", c.Retrieval.ChunkSize)
	}
	if c.Retrieval.ChunkOverlap < 0 || c.Retrieval.ChunkOverlap >= c.Retrieval.ChunkSize {
		return fmt.Errorf("config: retrieval.chunk_overlap must be in [0, chunk_size), got %d", c.Retrieval.ChunkOverlap)
	}
	for name, p := range c.Providers {
		if p.Type != "ollama" && p.Type != "openai" {
			return fmt.Errorf("config: provider %q has unknown type %q (valid: ollama, openai)", name, p.Type)
		}
		if p.BaseURL == "" {
			return fmt.Errorf("config: provider %q is missing base_url", name)
		}
	}
	return nil
}

// ChatTimeout returns the chat deadline for a provider config.
func (p ProviderConfig) ChatTimeout() time.Duration {
	if p.TimeoutSeconds <= 0 {
		return 60 * time.Second
	}
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// EmbedTimeout returns the embedding deadline for a provider config.
func (p ProviderConfig) EmbedTimeout() time.Duration {
	if p.EmbedTimeoutSeconds <= 0 {
		return 15 * time.Second
	}
	return time.Duration(p.EmbedTimeoutSeconds) * time.Second
}

// RetrievalTimeout returns the retrieval ceiling as a duration.
func (r RetrievalConfig) RetrievalTimeout() time.Duration {
	if r.TimeoutMillis <= 0 {
		return 2 * time.Second
	}
	return time.Duration(r.TimeoutMillis) * time.Millisecond
}

// SessionTimeout returns the per-session generation deadline.
func (s SessionConfig) SessionTimeout() time.Duration {
	if s.TimeoutSeconds <= 0 {
		return 120 * time.Second
	}
	return time.Duration(s.TimeoutSeconds) * time.Second
}

// Retention returns how long terminal sessions are kept before reaping.
func (s SessionConfig) Retention() time.Duration {
	if s.RetentionSeconds <= 0 {
		return 5 * time.Minute
	}
	return time.Duration(s.RetentionSeconds) * time.Second
}

// ProbeInterval returns the health probe cadence.
func (r RegistryConfig) ProbeInterval() time.Duration {
	if r.ProbeIntervalSeconds <= 0 {
		return 30 * time.Second
	}
	return time.Duration(r.ProbeIntervalSeconds) * time.Second
}
