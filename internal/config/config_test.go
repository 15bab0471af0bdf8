package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validConfig() *Config {
	cfg := Default()
	cfg.LLM.APIKey = "sk-test"
	cfg.Embedding.APIKey = "sk-test"
	return cfg
}

func TestSaveAndLoad(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	cfg := Default()
	cfg.LLM.Provider = "anthropic"
	cfg.Search.MaxDistance = 0.6
	if err := Save(path, cfg); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	loaded, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if loaded.LLM.Provider != "anthropic" {
		t.Errorf("LLM.Provider = %q, want %q", loaded.LLM.Provider, "anthropic")
	}
	if loaded.Search.MaxDistance != 0.6 {
		t.Errorf("Search.MaxDistance = %v, want 0.6", loaded.Search.MaxDistance)
	}
}

func TestLoadFillsDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte("[search]\ntop_k = 25\n"), 0600); err != nil {
		t.Fatal(err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Search.TopK != 25 {
		t.Errorf("TopK = %d, want 25", cfg.Search.TopK)
	}
	if cfg.Search.MaxDistance != 0.75 {
		t.Errorf("MaxDistance = %v, want default 0.75", cfg.Search.MaxDistance)
	}
	if cfg.Expansion.BatchSize != 50 {
		t.Errorf("BatchSize = %d, want default 50", cfg.Expansion.BatchSize)
	}
}

func TestLoadMissing(t *testing.T) {
	_, err := Load("/nonexistent/config.toml")
	if err == nil {
		t.Error("Load() expected error for missing file")
	}

	cfg, err := LoadOrDefault("/nonexistent/config.toml")
	if err != nil {
		t.Fatalf("LoadOrDefault() error = %v", err)
	}
	if cfg.Agent.MaxContextMessages != 100 {
		t.Errorf("MaxContextMessages = %d, want 100", cfg.Agent.MaxContextMessages)
	}
}

func TestSavePermissions(t *testing.T) {
	tmpDir := t.TempDir()
	path := filepath.Join(tmpDir, "config.toml")

	if err := Save(path, Default()); err != nil {
		t.Fatal(err)
	}

	info, err := os.Stat(path)
	if err != nil {
		t.Fatal(err)
	}
	perm := info.Mode().Perm()
	if perm != 0600 {
		t.Errorf("file permission = %o, want 0600", perm)
	}
}

func TestApplyEnv(t *testing.T) {
	env := map[string]string{
		"MAIN_DB_PATH":      "/data/main.db",
		"LLM_PROVIDER":      "anthropic",
		"ANTHROPIC_API_KEY": "sk-ant",
		"OPENAI_API_KEY":    "sk-openai",
	}
	cfg := Default()
	cfg.ApplyEnv(func(k string) string { return env[k] })

	if cfg.MessagesDBPath != "/data/main.db" {
		t.Errorf("MessagesDBPath = %q", cfg.MessagesDBPath)
	}
	if cfg.LLM.Provider != "anthropic" || cfg.LLM.APIKey != "sk-ant" {
		t.Errorf("LLM = %+v, want anthropic with sk-ant", cfg.LLM)
	}
	if cfg.Embedding.APIKey != "sk-openai" {
		t.Errorf("Embedding.APIKey = %q, want sk-openai", cfg.Embedding.APIKey)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"valid", func(*Config) {}, ""},
		{"missing llm key", func(c *Config) { c.LLM.APIKey = "" }, "missing api key for llm provider"},
		{"unknown provider", func(c *Config) { c.LLM.Provider = "mystery" }, "unknown llm provider"},
		{"bad threshold", func(c *Config) { c.Search.MaxDistance = 3 }, "outside [0, 2]"},
		{"bad batch", func(c *Config) { c.Expansion.BatchSize = 0 }, "batch_size"},
		{"memory index needs no path", func(c *Config) { c.Index.Backend = "memory"; c.VectorsDBPath = "" }, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("Validate() error = %v", err)
				}
				return
			}
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("Validate() error = %v, want containing %q", err, tt.wantErr)
			}
		})
	}
}
