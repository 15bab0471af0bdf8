package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/matheus3301/telequery/internal/paths"
)

// Config represents ~/.telequery/config.toml.
type Config struct {
	DataDir        string `toml:"data_dir"`
	MessagesDBPath string `toml:"messages_db_path"`
	ExpansionsPath string `toml:"expansions_db_path"`
	VectorsDBPath  string `toml:"vectors_db_path"`
	SocketPath     string `toml:"socket_path"`

	LLM       LLM       `toml:"llm"`
	Embedding Embedding `toml:"embedding"`
	Expansion Expansion `toml:"expansion"`
	Search    Search    `toml:"search"`
	Agent     Agent     `toml:"agent"`
	Index     Index     `toml:"index"`
	Tracing   Tracing   `toml:"tracing"`
	Log       Log       `toml:"log"`
}

// LLM selects the text completion provider.
type LLM struct {
	Provider string `toml:"provider"` // openai, openai_compatible, anthropic
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
}

// Embedding selects the embedding provider used by the vector index.
type Embedding struct {
	Provider string `toml:"provider"` // openai, genai
	Model    string `toml:"model"`
	APIKey   string `toml:"api_key"`
	BaseURL  string `toml:"base_url"`
	TaskType string `toml:"task_type"`
}

// Expansion configures the contextualizer and orchestrator.
type Expansion struct {
	BatchSize     int     `toml:"batch_size"`
	ContextWindow int     `toml:"context_window"`
	Temperature   float64 `toml:"temperature"`
	RunOnStart    bool    `toml:"run_on_start"`
}

// Search configures retrieval.
type Search struct {
	MaxDistance  float64 `toml:"max_distance"`
	TopK         int     `toml:"top_k"`
	RewriteQuery bool    `toml:"rewrite_query"`
}

// Agent configures answer generation.
type Agent struct {
	MaxContextMessages int     `toml:"max_context_messages"`
	Temperature        float64 `toml:"temperature"`
	MaxTokens          int     `toml:"max_tokens"`
}

// Index configures the vector index backend.
type Index struct {
	Backend          string `toml:"backend"` // sqlite, memory
	EmbedBatchSize   int    `toml:"embed_batch_size"`
	EmbedConcurrency int    `toml:"embed_concurrency"`
	ReindexOnStart   bool   `toml:"reindex_on_start"`
}

// Tracing configures OpenTelemetry span export.
type Tracing struct {
	Enabled     bool    `toml:"enabled"`
	Exporter    string  `toml:"exporter"` // stdout, otlp
	Endpoint    string  `toml:"endpoint"`
	SampleRatio float64 `toml:"sample_ratio"`
}

// Log configures the daemon logger.
type Log struct {
	Level string `toml:"level"`
	Path  string `toml:"path"`
}

// DefaultPath returns the global config file path.
func DefaultPath() string {
	return paths.ConfigPath()
}

// Default returns a config with every knob set to its standard value.
func Default() *Config {
	dir := paths.BaseDir()
	return &Config{
		DataDir:        dir,
		MessagesDBPath: paths.MessagesDBPath(dir),
		ExpansionsPath: paths.ExpansionsDBPath(dir),
		VectorsDBPath:  paths.VectorsDBPath(dir),
		SocketPath:     paths.SocketPath(dir),
		LLM: LLM{
			Provider: "openai",
			Model:    "gpt-4o-mini",
		},
		Embedding: Embedding{
			Provider: "openai",
			Model:    "text-embedding-3-small",
			TaskType: "RETRIEVAL_DOCUMENT",
		},
		Expansion: Expansion{
			BatchSize:     50,
			ContextWindow: 10,
			Temperature:   0.1,
			RunOnStart:    true,
		},
		Search: Search{
			MaxDistance:  0.75,
			TopK:         100,
			RewriteQuery: true,
		},
		Agent: Agent{
			MaxContextMessages: 100,
			Temperature:        0.3,
		},
		Index: Index{
			Backend:          "sqlite",
			EmbedBatchSize:   64,
			EmbedConcurrency: 4,
			ReindexOnStart:   true,
		},
		Tracing: Tracing{
			Exporter:    "stdout",
			SampleRatio: 1,
		},
		Log: Log{
			Level: "info",
			Path:  paths.LogPath(dir),
		},
	}
}

// Load reads config from the given path on top of Default. Returns error if file missing.
func Load(path string) (*Config, error) {
	cfg := Default()
	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadOrDefault reads the config at path, falling back to Default when the file does not exist.
func LoadOrDefault(path string) (*Config, error) {
	cfg, err := Load(path)
	if errors.Is(err, os.ErrNotExist) {
		return Default(), nil
	}
	return cfg, err
}

// Save writes config to the given path, creating parent dirs as needed.
func Save(path string, cfg *Config) error {
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return err
	}
	encErr := toml.NewEncoder(f).Encode(cfg)
	if closeErr := f.Close(); closeErr != nil && encErr == nil {
		return closeErr
	}
	return encErr
}

// ApplyEnv overrides paths, provider selection and credentials from the environment.
func (c *Config) ApplyEnv(getenv func(string) string) {
	if getenv == nil {
		getenv = os.Getenv
	}
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.MessagesDBPath, "TELEQUERY_MESSAGES_DB")
	set(&c.MessagesDBPath, "MAIN_DB_PATH")
	set(&c.ExpansionsPath, "TELEQUERY_EXPANSIONS_DB")
	set(&c.ExpansionsPath, "EXPANSION_DB_PATH")
	set(&c.VectorsDBPath, "TELEQUERY_VECTORS_DB")
	set(&c.LLM.Provider, "LLM_PROVIDER")

	if c.LLM.APIKey == "" {
		c.LLM.APIKey = strings.TrimSpace(getenv(apiKeyEnv(c.LLM.Provider)))
	}
	if c.Embedding.APIKey == "" {
		c.Embedding.APIKey = strings.TrimSpace(getenv(apiKeyEnv(c.Embedding.Provider)))
	}
}

func apiKeyEnv(provider string) string {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "genai", "gemini":
		return "GEMINI_API_KEY"
	default:
		return "OPENAI_API_KEY"
	}
}

// Validate reports configuration errors that make the daemon unable to start.
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.MessagesDBPath) == "" {
		errs = append(errs, errors.New("messages_db_path is required"))
	}
	if strings.TrimSpace(c.ExpansionsPath) == "" {
		errs = append(errs, errors.New("expansions_db_path is required"))
	}
	switch c.LLM.Provider {
	case "openai", "openai_compatible", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unknown llm provider %q", c.LLM.Provider))
	}
	if c.LLM.APIKey == "" {
		errs = append(errs, fmt.Errorf("missing api key for llm provider %q (set %s)", c.LLM.Provider, apiKeyEnv(c.LLM.Provider)))
	}
	switch c.Embedding.Provider {
	case "openai", "genai":
	default:
		errs = append(errs, fmt.Errorf("unknown embedding provider %q", c.Embedding.Provider))
	}
	if c.Embedding.APIKey == "" {
		errs = append(errs, fmt.Errorf("missing api key for embedding provider %q (set %s)", c.Embedding.Provider, apiKeyEnv(c.Embedding.Provider)))
	}
	switch c.Index.Backend {
	case "sqlite":
		if strings.TrimSpace(c.VectorsDBPath) == "" {
			errs = append(errs, errors.New("vectors_db_path is required for the sqlite index"))
		}
	case "memory":
	default:
		errs = append(errs, fmt.Errorf("unknown index backend %q", c.Index.Backend))
	}
	if c.Expansion.BatchSize <= 0 {
		errs = append(errs, errors.New("expansion.batch_size must be positive"))
	}
	if c.Search.MaxDistance < 0 || c.Search.MaxDistance > 2 {
		errs = append(errs, fmt.Errorf("search.max_distance %v outside [0, 2]", c.Search.MaxDistance))
	}
	if c.Search.TopK <= 0 {
		errs = append(errs, errors.New("search.top_k must be positive"))
	}
	if c.Agent.MaxContextMessages <= 0 {
		errs = append(errs, errors.New("agent.max_context_messages must be positive"))
	}
	return errors.Join(errs...)
}
