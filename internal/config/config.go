// Package config holds the runtime configuration for the corral server.
//
// Configuration is resolved in three layers: built-in defaults, an
// optional corral.yaml file, and environment variable overrides (in
// that order, later layers winning). The resolved Config is passed to
// the composition root; nothing in this package reaches into ambient
// state after Load returns.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ConfigFile is the optional YAML configuration file name, looked up
// in the working directory unless CORRAL_CONFIG points elsewhere.
const ConfigFile = "corral.yaml"

// ProviderConfig describes one embedding backend in the fallback chain.
type ProviderConfig struct {
	// Type selects the implementation: "ollama" or "openai".
	Type string `yaml:"type"`
	// Model is the embedding model name.
	Model string `yaml:"model"`
	// Host is the base URL of the backend.
	Host string `yaml:"host,omitempty"`
	// APIKeyEnv names the environment variable holding the API key,
	// so the key itself never lives in the config file.
	APIKeyEnv string `yaml:"api_key_env,omitempty"`
	// Dimension is the fixed vector dimension for this provider/model.
	Dimension int `yaml:"dimension"`
	// TimeoutSeconds bounds each embedding HTTP call.
	TimeoutSeconds int `yaml:"timeout_seconds,omitempty"`
}

// KnowledgeConfig configures the chunk/embed/query pipeline.
type KnowledgeConfig struct {
	// ChunkTokens is the target chunk size, measured in tokens.
	ChunkTokens int `yaml:"chunk_tokens"`
	// OverlapTokens is the token overlap between adjacent chunks.
	OverlapTokens int `yaml:"overlap_tokens"`
	// BatchSize caps how many chunks go to a provider in one call.
	BatchSize int `yaml:"batch_size"`
	// Providers is the ordered fallback chain.
	Providers []ProviderConfig `yaml:"providers"`
}

// Config is the full resolved server configuration.
type Config struct {
	// DataDir is the root for all persistent state.
	DataDir string `yaml:"data_dir"`
	// AdminToken authorizes admin-only tools. Required at startup.
	AdminToken string `yaml:"admin_token"`
	// MaxActiveAgents caps concurrently active agents.
	MaxActiveAgents int `yaml:"max_active_agents"`
	// LockLease is the default file-lock lease duration.
	LockLease time.Duration `yaml:"lock_lease"`
	// SweepInterval is how often expired locks are swept.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// IdleWindow is how long an agent may go without tool activity
	// before the idle reaper terminates it. Zero disables the reaper.
	IdleWindow time.Duration `yaml:"idle_window"`

	Knowledge KnowledgeConfig `yaml:"knowledge"`
}

// Default returns the built-in configuration, rooted under the user's
// home directory.
func Default() Config {
	home, _ := os.UserHomeDir()
	return Config{
		DataDir:         filepath.Join(home, ".corral"),
		MaxActiveAgents: 10,
		LockLease:       600 * time.Second,
		SweepInterval:   30 * time.Second,
		IdleWindow:      30 * time.Minute,
		Knowledge: KnowledgeConfig{
			ChunkTokens:   400,
			OverlapTokens: 40,
			BatchSize:     32,
			Providers: []ProviderConfig{
				{Type: "ollama", Model: "nomic-embed-text", Host: "http://localhost:11434", Dimension: 768, TimeoutSeconds: 30},
			},
		},
	}
}

// DatabasePath returns the SQLite database file under DataDir.
func (c Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "corral.db")
}

// LocksDir returns the directory holding mirrored .lock files.
func (c Config) LocksDir() string {
	return filepath.Join(c.DataDir, "locks")
}

// VectorsDir returns the directory holding the persisted vector index.
func (c Config) VectorsDir() string {
	return filepath.Join(c.DataDir, "vectors")
}

// WorkspacesDir returns the root under which agent working directories
// are created by the default session manager.
func (c Config) WorkspacesDir() string {
	return filepath.Join(c.DataDir, "workspaces")
}

// Load resolves the configuration: defaults, then the YAML file (if
// present), then environment overrides. It validates the result.
func Load() (Config, error) {
	cfg := Default()

	path := os.Getenv("CORRAL_CONFIG")
	if path == "" {
		path = ConfigFile
	}
	if data, err := os.ReadFile(path); err == nil {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parsing %s: %w", path, err)
		}
	} else if !os.IsNotExist(err) {
		return Config{}, fmt.Errorf("reading %s: %w", path, err)
	}

	applyEnv(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the invariants the rest of the system relies on.
func (c Config) Validate() error {
	if c.AdminToken == "" {
		return fmt.Errorf("admin token is required (set CORRAL_ADMIN_TOKEN or admin_token in %s)", ConfigFile)
	}
	if c.MaxActiveAgents < 1 {
		return fmt.Errorf("max_active_agents must be at least 1, got %d", c.MaxActiveAgents)
	}
	if c.LockLease <= 0 {
		return fmt.Errorf("lock_lease must be positive, got %s", c.LockLease)
	}
	if c.Knowledge.ChunkTokens < 1 {
		return fmt.Errorf("chunk_tokens must be at least 1, got %d", c.Knowledge.ChunkTokens)
	}
	if c.Knowledge.OverlapTokens < 0 || c.Knowledge.OverlapTokens >= c.Knowledge.ChunkTokens {
		return fmt.Errorf("overlap_tokens must be in [0, chunk_tokens), got %d", c.Knowledge.OverlapTokens)
	}
	if c.Knowledge.BatchSize < 1 {
		return fmt.Errorf("batch_size must be at least 1, got %d", c.Knowledge.BatchSize)
	}
	if len(c.Knowledge.Providers) == 0 {
		return fmt.Errorf("at least one embedding provider is required")
	}
	for i, p := range c.Knowledge.Providers {
		if p.Dimension < 1 {
			return fmt.Errorf("provider %d (%s): dimension must be positive", i, p.Type)
		}
	}
	return nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("CORRAL_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	if v := os.Getenv("CORRAL_ADMIN_TOKEN"); v != "" {
		cfg.AdminToken = v
	}
	if v := os.Getenv("CORRAL_MAX_AGENTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxActiveAgents = n
		}
	}
	if v := os.Getenv("CORRAL_LOCK_LEASE"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.LockLease = d
		}
	}
	if v := os.Getenv("CORRAL_IDLE_WINDOW"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.IdleWindow = d
		}
	}
}
