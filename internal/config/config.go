// Package config handles configuration loading and validation.
package config

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"
)

// Config represents the complete configuration.
type Config struct {
	Repo      RepoConfig      `mapstructure:"repo" yaml:"repo"`
	Embedding EmbeddingConfig `mapstructure:"embedding" yaml:"embedding"`
	Chunking  ChunkingConfig  `mapstructure:"chunking" yaml:"chunking"`
	Store     StoreConfig     `mapstructure:"store" yaml:"store"`
	Ingest    IngestConfig    `mapstructure:"ingest" yaml:"ingest"`
	Derive    DeriveConfig    `mapstructure:"derive" yaml:"derive"`
	Search    SearchConfig    `mapstructure:"search" yaml:"search"`
	Logging   LoggingConfig   `mapstructure:"logging" yaml:"logging"`
}

// RepoConfig locates the repository and its artifacts.
type RepoConfig struct {
	Path         string   `mapstructure:"path" yaml:"path"`                   // repository root
	DocPatterns  []string `mapstructure:"doc_patterns" yaml:"doc_patterns"`   // globs classified as documentation
	CodePatterns []string `mapstructure:"code_patterns" yaml:"code_patterns"` // globs classified as code
	Exclude      []string `mapstructure:"exclude" yaml:"exclude"`             // globs never ingested
	SprintsFile  string   `mapstructure:"sprints_file" yaml:"sprints_file"`   // optional sprints.yaml
	MaxFileSize  string   `mapstructure:"max_file_size" yaml:"max_file_size"` // e.g., "1MB"
}

// EmbeddingConfig contains embedding provider configuration.
type EmbeddingConfig struct {
	Provider  string `mapstructure:"provider" yaml:"provider"`     // openai, plugin
	Model     string `mapstructure:"model" yaml:"model"`           // model name
	Endpoint  string `mapstructure:"endpoint" yaml:"endpoint"`     // API endpoint override
	APIKey    string `mapstructure:"api_key" yaml:"api_key"`       // API key
	BatchSize int    `mapstructure:"batch_size" yaml:"batch_size"` // documents per batch
	PluginCmd string `mapstructure:"plugin_cmd" yaml:"plugin_cmd"` // plugin binary path
}

// ChunkingConfig contains chunking configuration.
type ChunkingConfig struct {
	Strategy    string `mapstructure:"strategy" yaml:"strategy"`         // treesitter, window
	MinSection  int    `mapstructure:"min_section" yaml:"min_section"`   // min prose section chars
	WindowLines int    `mapstructure:"window_lines" yaml:"window_lines"` // fallback window size
	Overlap     int    `mapstructure:"overlap" yaml:"overlap"`           // fallback window overlap
}

// StoreConfig contains graph store configuration.
type StoreConfig struct {
	Provider string `mapstructure:"provider" yaml:"provider"` // sqlitevec
	URI      string `mapstructure:"uri" yaml:"uri"`           // database path/URI; empty = default
}

// IngestConfig contains orchestrator tuning.
type IngestConfig struct {
	Workers    int           `mapstructure:"workers" yaml:"workers"`         // chunking workers
	Writers    int           `mapstructure:"writers" yaml:"writers"`         // writer tasks (1-2)
	BatchSize  int           `mapstructure:"batch_size" yaml:"batch_size"`   // mutations per batch
	QueueDepth int           `mapstructure:"queue_depth" yaml:"queue_depth"` // bounded write queue
	Timeout    time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// DeriveConfig contains relationship derivation thresholds.
type DeriveConfig struct {
	LinkThreshold      float64 `mapstructure:"link_threshold" yaml:"link_threshold"`           // links_to score floor
	ImplementThreshold float64 `mapstructure:"implement_threshold" yaml:"implement_threshold"` // implements score floor
	EvolveThreshold    float64 `mapstructure:"evolve_threshold" yaml:"evolve_threshold"`       // evolves_from similarity floor
	MaxEdgesPerSource  int     `mapstructure:"max_edges_per_source" yaml:"max_edges_per_source"`
	SearchBreadth      int     `mapstructure:"search_breadth" yaml:"search_breadth"` // candidates per evidence channel
}

// SearchConfig contains query layer configuration.
type SearchConfig struct {
	DefaultLimit  int     `mapstructure:"default_limit" yaml:"default_limit"`
	LexicalWeight float64 `mapstructure:"lexical_weight" yaml:"lexical_weight"`
	VectorWeight  float64 `mapstructure:"vector_weight" yaml:"vector_weight"`
}

// LoggingConfig contains logging configuration.
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`   // debug, info, warn, error
	Format string `mapstructure:"format" yaml:"format"` // text, json
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Repo: RepoConfig{
			Path: ".",
			DocPatterns: []string{
				"**/*.md", "**/*.markdown", "docs/**/*.txt",
			},
			CodePatterns: []string{
				"**/*.go", "**/*.py", "**/*.js", "**/*.jsx", "**/*.ts", "**/*.tsx",
				"**/*.java", "**/*.rs", "**/*.c", "**/*.h", "**/*.cpp", "**/*.rb",
				"**/*.sh", "**/*.sql", "**/*.proto",
			},
			Exclude: []string{
				"**/vendor/**", "**/node_modules/**", "**/.git/**",
				"**/dist/**", "**/build/**", "**/target/**",
				"**/*.min.js", "**/go.sum", "**/package-lock.json",
			},
			SprintsFile: "sprints.yaml",
			MaxFileSize: "1MB",
		},
		Embedding: EmbeddingConfig{
			Provider:  "openai",
			Model:     "text-embedding-3-small",
			BatchSize: 64,
		},
		Chunking: ChunkingConfig{
			Strategy:    "treesitter",
			MinSection:  80,
			WindowLines: 80,
			Overlap:     20,
		},
		Store: StoreConfig{
			Provider: "sqlitevec",
		},
		Ingest: IngestConfig{
			Workers:    8,
			Writers:    2,
			BatchSize:  300,
			QueueDepth: 16,
			Timeout:    30 * time.Minute,
		},
		Derive: DeriveConfig{
			LinkThreshold:      0.35,
			ImplementThreshold: 0.45,
			EvolveThreshold:    0.5,
			MaxEdgesPerSource:  5,
			SearchBreadth:      25,
		},
		Search: SearchConfig{
			DefaultLimit:  10,
			LexicalWeight: 0.3,
			VectorWeight:  0.7,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// ConfigDir returns the path to the .repograph directory.
func ConfigDir(projectRoot string) string {
	return filepath.Join(projectRoot, ".repograph")
}

// ConfigPath returns the path to config.yaml.
func ConfigPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "config.yaml")
}

// GraphDBPath returns the default path to graph.db.
func GraphDBPath(projectRoot string) string {
	return filepath.Join(ConfigDir(projectRoot), "graph.db")
}

// Load loads configuration from file, falling back to defaults.
// Environment variables prefixed REPOGRAPH_ override file values.
func Load(projectRoot string) (*Config, []string, error) {
	cfg := DefaultConfig()
	warnings := []string{}

	configPath := ConfigPath(projectRoot)

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		warnings = append(warnings, "No config file found, using defaults")
		return cfg, warnings, nil
	}

	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("REPOGRAPH")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, nil, fmt.Errorf("failed to read config: %w", err)
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, nil, fmt.Errorf("failed to parse config: %w", err)
	}

	// Apply defaults for missing values
	if cfg.Embedding.Provider == "" {
		cfg.Embedding.Provider = "openai"
		warnings = append(warnings, "Using default embedding provider: openai")
	}
	if cfg.Embedding.BatchSize == 0 {
		cfg.Embedding.BatchSize = 64
	}
	if cfg.Chunking.Strategy == "" {
		cfg.Chunking.Strategy = "treesitter"
	}
	if cfg.Chunking.WindowLines == 0 {
		cfg.Chunking.WindowLines = 80
	}
	if cfg.Ingest.Workers == 0 {
		cfg.Ingest.Workers = 8
	}
	if cfg.Ingest.Writers == 0 {
		cfg.Ingest.Writers = 2
	}
	if cfg.Ingest.BatchSize == 0 {
		cfg.Ingest.BatchSize = 300
	}
	if cfg.Ingest.QueueDepth == 0 {
		cfg.Ingest.QueueDepth = 16
	}
	if cfg.Derive.MaxEdgesPerSource == 0 {
		cfg.Derive.MaxEdgesPerSource = 5
	}
	if cfg.Search.DefaultLimit == 0 {
		cfg.Search.DefaultLimit = 10
	}

	return cfg, warnings, nil
}

// Save saves configuration to file.
func Save(projectRoot string, cfg *Config) error {
	configDir := ConfigDir(projectRoot)
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config dir: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(ConfigPath(projectRoot))
	v.SetConfigType("yaml")

	v.Set("repo", cfg.Repo)
	v.Set("embedding", cfg.Embedding)
	v.Set("chunking", cfg.Chunking)
	v.Set("store", cfg.Store)
	v.Set("ingest", cfg.Ingest)
	v.Set("derive", cfg.Derive)
	v.Set("search", cfg.Search)
	v.Set("logging", cfg.Logging)

	return v.WriteConfig()
}

// Validate validates the configuration.
func Validate(cfg *Config) []error {
	var errs []error

	validEmbeddingProviders := map[string]bool{
		"openai": true, "plugin": true,
	}
	if !validEmbeddingProviders[cfg.Embedding.Provider] {
		errs = append(errs, fmt.Errorf("invalid embedding provider: %s", cfg.Embedding.Provider))
	}
	if cfg.Embedding.Provider == "plugin" && cfg.Embedding.PluginCmd == "" {
		errs = append(errs, fmt.Errorf("embedding provider %q requires plugin_cmd", cfg.Embedding.Provider))
	}

	validChunkingStrategies := map[string]bool{
		"treesitter": true, "window": true,
	}
	if !validChunkingStrategies[cfg.Chunking.Strategy] {
		errs = append(errs, fmt.Errorf("invalid chunking strategy: %s", cfg.Chunking.Strategy))
	}
	if cfg.Chunking.Overlap >= cfg.Chunking.WindowLines && cfg.Chunking.WindowLines > 0 {
		errs = append(errs, fmt.Errorf("chunking overlap (%d) must be smaller than window (%d)",
			cfg.Chunking.Overlap, cfg.Chunking.WindowLines))
	}

	if cfg.Ingest.Writers < 1 || cfg.Ingest.Writers > 2 {
		errs = append(errs, fmt.Errorf("ingest writers must be 1 or 2, got %d", cfg.Ingest.Writers))
	}
	if cfg.Ingest.Workers < 1 {
		errs = append(errs, fmt.Errorf("ingest workers must be positive, got %d", cfg.Ingest.Workers))
	}

	for name, th := range map[string]float64{
		"link_threshold":      cfg.Derive.LinkThreshold,
		"implement_threshold": cfg.Derive.ImplementThreshold,
		"evolve_threshold":    cfg.Derive.EvolveThreshold,
	} {
		if th < 0 || th > 1 {
			errs = append(errs, fmt.Errorf("%s must be in [0,1], got %v", name, th))
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true, "": true}
	if !validLevels[cfg.Logging.Level] {
		errs = append(errs, fmt.Errorf("invalid log level: %s", cfg.Logging.Level))
	}

	return errs
}

// Hash returns a hash of configuration that affects ingestion.
// Used for detecting when re-chunking is needed.
func (c *Config) Hash() string {
	data := fmt.Sprintf("%s:%s:%s:%d:%d:%d",
		c.Embedding.Provider,
		c.Embedding.Model,
		c.Chunking.Strategy,
		c.Chunking.MinSection,
		c.Chunking.WindowLines,
		c.Chunking.Overlap,
	)
	h := sha256.Sum256([]byte(data))
	return hex.EncodeToString(h[:])
}

// DBPath resolves the store URI, defaulting to GraphDBPath.
func (c *Config) DBPath(projectRoot string) string {
	if c.Store.URI != "" {
		return c.Store.URI
	}
	return GraphDBPath(projectRoot)
}
