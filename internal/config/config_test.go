package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	if cfg.MaxActiveAgents != 10 {
		t.Errorf("MaxActiveAgents = %d, want 10", cfg.MaxActiveAgents)
	}
	if cfg.LockLease != 600*time.Second {
		t.Errorf("LockLease = %s, want 10m", cfg.LockLease)
	}
	if len(cfg.Knowledge.Providers) == 0 {
		t.Fatal("no default embedding provider")
	}
	if cfg.Knowledge.Providers[0].Type != "ollama" {
		t.Errorf("default provider = %s, want ollama", cfg.Knowledge.Providers[0].Type)
	}
}

func TestPathHelpers(t *testing.T) {
	cfg := Config{DataDir: "/data/corral"}
	tests := []struct {
		got, want string
	}{
		{cfg.DatabasePath(), filepath.Join("/data/corral", "corral.db")},
		{cfg.LocksDir(), filepath.Join("/data/corral", "locks")},
		{cfg.VectorsDir(), filepath.Join("/data/corral", "vectors")},
		{cfg.WorkspacesDir(), filepath.Join("/data/corral", "workspaces")},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("path = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestValidate(t *testing.T) {
	valid := func() Config {
		cfg := Default()
		cfg.AdminToken = "secret"
		return cfg
	}

	if err := valid().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"missing admin token", func(c *Config) { c.AdminToken = "" }, "admin token"},
		{"zero agent cap", func(c *Config) { c.MaxActiveAgents = 0 }, "max_active_agents"},
		{"negative lease", func(c *Config) { c.LockLease = -time.Second }, "lock_lease"},
		{"zero chunk size", func(c *Config) { c.Knowledge.ChunkTokens = 0 }, "chunk_tokens"},
		{"overlap too large", func(c *Config) { c.Knowledge.OverlapTokens = c.Knowledge.ChunkTokens }, "overlap_tokens"},
		{"zero batch", func(c *Config) { c.Knowledge.BatchSize = 0 }, "batch_size"},
		{"no providers", func(c *Config) { c.Knowledge.Providers = nil }, "provider"},
		{"zero dimension", func(c *Config) { c.Knowledge.Providers[0].Dimension = 0 }, "dimension"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if err == nil {
				t.Fatal("invalid config accepted")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad_FileAndEnvLayers(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "corral.yaml")
	yaml := `
admin_token: from-file
max_active_agents: 4
knowledge:
  chunk_tokens: 200
  overlap_tokens: 20
  batch_size: 16
  providers:
    - type: openai
      model: text-embedding-3-small
      api_key_env: OPENAI_API_KEY
      dimension: 1536
`
	if err := os.WriteFile(file, []byte(yaml), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}

	t.Setenv("CORRAL_CONFIG", file)
	t.Setenv("CORRAL_ADMIN_TOKEN", "")
	t.Setenv("CORRAL_DATA_DIR", filepath.Join(dir, "state"))
	t.Setenv("CORRAL_MAX_AGENTS", "7")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.AdminToken != "from-file" {
		t.Errorf("AdminToken = %q, want the file value", cfg.AdminToken)
	}
	// Environment wins over the file.
	if cfg.MaxActiveAgents != 7 {
		t.Errorf("MaxActiveAgents = %d, want env override 7", cfg.MaxActiveAgents)
	}
	if cfg.DataDir != filepath.Join(dir, "state") {
		t.Errorf("DataDir = %q, want env override", cfg.DataDir)
	}
	if got := cfg.Knowledge.Providers[0]; got.Type != "openai" || got.Dimension != 1536 {
		t.Errorf("provider = %+v, want the file's openai entry", got)
	}
}

func TestLoad_MissingAdminToken(t *testing.T) {
	t.Setenv("CORRAL_CONFIG", filepath.Join(t.TempDir(), "absent.yaml"))
	t.Setenv("CORRAL_ADMIN_TOKEN", "")
	if _, err := Load(); err == nil {
		t.Error("Load accepted a config without an admin token")
	}
}

func TestLoad_BadYAML(t *testing.T) {
	file := filepath.Join(t.TempDir(), "corral.yaml")
	if err := os.WriteFile(file, []byte("admin_token: [unclosed"), 0o644); err != nil {
		t.Fatalf("writing config file: %v", err)
	}
	t.Setenv("CORRAL_CONFIG", file)
	if _, err := Load(); err == nil {
		t.Error("Load accepted malformed YAML")
	}
}
