// Package config loads the recall service configuration from YAML and the
// environment, and watches the file for changes.
package config

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"gopkg.in/yaml.v3"

	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/secrets"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/tools"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Embedding providers.
const (
	EmbedderHash   = "hash"
	EmbedderOpenAI = "openai"
)

// Config is the complete service configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Log       LogConfig       `yaml:"log"`
	Store     StoreConfig     `yaml:"store"`
	Model     ModelConfig     `yaml:"model"`
	Embedding EmbeddingConfig `yaml:"embedding"`
	Memory    MemoryConfig    `yaml:"memory"`
	Loop      LoopConfig      `yaml:"loop"`
	Tools     ToolsConfig     `yaml:"tools"`
	Reindex   ReindexConfig   `yaml:"reindex"`

	// resolved holds values that came from env() or file() references.
	resolved []string
}

// ServerConfig configures the HTTP listener.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig configures the logger. Level changes apply on reload.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// StoreConfig selects the persistence backend.
type StoreConfig struct {
	Driver string `yaml:"driver"`
	// DSN is a file path for sqlite and a connection URL for postgres.
	DSN string `yaml:"dsn"`
	// Vector optionally moves embeddings to a separate store: "" keeps them
	// with the messages, "chromem" uses an embedded chromem-go collection.
	Vector     string `yaml:"vector"`
	VectorPath string `yaml:"vector_path"`
}

// ModelConfig selects the language model and its credentials.
type ModelConfig struct {
	// Name is a model string such as "claude-sonnet-4-20250514",
	// "openai/gpt-4o" or "ollama/llama3.2".
	Name            string        `yaml:"name"`
	SummaryModel    string        `yaml:"summary_model"`
	System          string        `yaml:"system"`
	MaxTokens       int           `yaml:"max_tokens"`
	Temperature     *float64      `yaml:"temperature"`
	Timeout         time.Duration `yaml:"timeout"`
	AnthropicAPIKey string        `yaml:"anthropic_api_key"`
	OpenAIAPIKey    string        `yaml:"openai_api_key"`
	OpenAIBaseURL   string        `yaml:"openai_base_url"`
	OllamaHost      string        `yaml:"ollama_host"`
}

// EmbeddingConfig selects the embedding service.
type EmbeddingConfig struct {
	Provider   string        `yaml:"provider"`
	Model      string        `yaml:"model"`
	Dimensions int           `yaml:"dimensions"`
	Timeout    time.Duration `yaml:"timeout"`
	// CacheSize is the number of vectors kept in memory; 0 disables the cache.
	CacheSize int64 `yaml:"cache_size"`
}

// MemoryConfig holds the memory tunables. All but SummaryWords apply on
// reload.
type MemoryConfig struct {
	memory.Tuning `yaml:",inline"`
	SummaryWords  int `yaml:"summary_words"`
}

// LoopConfig bounds the response loop.
type LoopConfig struct {
	MaxIterations   int           `yaml:"max_iterations"`
	TokenBudget     int           `yaml:"token_budget"`
	ToolTimeout     time.Duration `yaml:"tool_timeout"`
	ToolConcurrency int           `yaml:"tool_concurrency"`
	// TurnTimeout bounds a whole HTTP turn. It must stay below
	// server.write_timeout so a finished reply is never written to a closed
	// connection.
	TurnTimeout time.Duration `yaml:"turn_timeout"`
}

// ToolsConfig lists the tools offered to the model.
type ToolsConfig struct {
	Calculator bool               `yaml:"calculator"`
	Search     SearchToolConfig   `yaml:"search"`
	HTTP       []tools.HTTPConfig `yaml:"http"`
}

// SearchToolConfig configures search_hotels. It is registered only when
// an API key is present.
type SearchToolConfig struct {
	APIKey     string `yaml:"api_key"`
	Endpoint   string `yaml:"endpoint"`
	MaxResults int    `yaml:"max_results"`
}

// ReindexConfig schedules sweeps over messages stored without embeddings.
type ReindexConfig struct {
	// Schedule is a cron spec, e.g. "@every 5m". Empty disables sweeps.
	Schedule string `yaml:"schedule"`
	Batch    int    `yaml:"batch"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    120 * time.Second,
			ShutdownTimeout: 10 * time.Second,
		},
		Log:   LogConfig{Level: "info", Format: "json"},
		Store: StoreConfig{Driver: DriverMemory},
		Model: ModelConfig{
			Name:      "claude-sonnet-4-20250514",
			MaxTokens: 1024,
			Timeout:   60 * time.Second,
		},
		Embedding: EmbeddingConfig{
			Provider:   EmbedderHash,
			Dimensions: 384,
			Timeout:    10 * time.Second,
			CacheSize:  10000,
		},
		Memory: MemoryConfig{
			Tuning:       memory.DefaultTuning(),
			SummaryWords: memory.DefaultSummaryWords,
		},
		Loop: LoopConfig{
			MaxIterations:   8,
			ToolTimeout:     tools.DefaultTimeout,
			ToolConcurrency: tools.DefaultConcurrency,
			TurnTimeout:     110 * time.Second,
		},
		Tools: ToolsConfig{Calculator: true},
		Reindex: ReindexConfig{
			Schedule: "@every 5m",
			Batch:    100,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
// Environment overrides are applied and the result is validated.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return nil, err
	}
	if err := cfg.ResolveSecrets(context.Background(), secrets.Default()); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

type secretField struct {
	name string
	ptr  *string
}

// secretFields lists the scalar credential fields that may hold a
// reference.
func (c *Config) secretFields() []secretField {
	return []secretField{
		{"store.dsn", &c.Store.DSN},
		{"model.anthropic_api_key", &c.Model.AnthropicAPIKey},
		{"model.openai_api_key", &c.Model.OpenAIAPIKey},
		{"tools.search.api_key", &c.Tools.Search.APIKey},
	}
}

// ResolveSecrets replaces env(NAME) and file(path) references in
// credential fields with their values.
func (c *Config) ResolveSecrets(ctx context.Context, r secrets.Resolver) error {
	var errs []error
	for _, f := range c.secretFields() {
		v, err := secrets.Expand(ctx, r, f.name, f.ptr)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if v != "" {
			c.resolved = append(c.resolved, v)
		}
	}
	for i := range c.Tools.HTTP {
		for name, v := range c.Tools.HTTP[i].Headers {
			if !secrets.IsRef(v) {
				continue
			}
			resolved, err := secrets.Expand(ctx, r, fmt.Sprintf("tools.http[%d].headers.%s", i, name), &v)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			c.Tools.HTTP[i].Headers[name] = resolved
			c.resolved = append(c.resolved, resolved)
		}
	}
	return errors.Join(errs...)
}

// SecretValues returns every credential the config holds, for log
// redaction.
func (c *Config) SecretValues() []string {
	values := append([]string(nil), c.resolved...)
	for _, v := range []string{c.Model.AnthropicAPIKey, c.Model.OpenAIAPIKey, c.Tools.Search.APIKey} {
		if v != "" {
			values = append(values, v)
		}
	}
	if c.Store.Driver == DriverPostgres && c.Store.DSN != "" {
		values = append(values, c.Store.DSN)
	}
	for _, t := range c.Tools.HTTP {
		for name, v := range t.Headers {
			if credentialHeader(name) {
				values = append(values, v)
			}
		}
	}
	return values
}

func credentialHeader(name string) bool {
	lower := strings.ToLower(name)
	for _, part := range []string{"authorization", "token", "key", "secret"} {
		if strings.Contains(lower, part) {
			return true
		}
	}
	return false
}

// ApplyEnv overrides fields from environment variables. lookup is usually
// os.LookupEnv.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	str("RECALL_ADDR", &c.Server.Addr)
	str("RECALL_STORE_DRIVER", &c.Store.Driver)
	str("RECALL_STORE_DSN", &c.Store.DSN)
	str("RECALL_MODEL", &c.Model.Name)
	str("RECALL_LOG_LEVEL", &c.Log.Level)
	str("RECALL_EMBEDDING_PROVIDER", &c.Embedding.Provider)
	str("ANTHROPIC_API_KEY", &c.Model.AnthropicAPIKey)
	str("OPENAI_API_KEY", &c.Model.OpenAIAPIKey)
	str("OPENAI_BASE_URL", &c.Model.OpenAIBaseURL)
	str("OLLAMA_HOST", &c.Model.OllamaHost)
	str("TAVILY_API_KEY", &c.Tools.Search.APIKey)

	if v, ok := lookup("RECALL_TOKEN_BUDGET"); ok && v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("config: RECALL_TOKEN_BUDGET: %w", err)
		}
		c.Loop.TokenBudget = n
	}
	return nil
}

// Validate reports every invalid field at once.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if _, err := telemetry.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	switch strings.ToLower(c.Log.Format) {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("log.format %q must be json or text", c.Log.Format))
	}

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite, DriverPostgres:
		if c.Store.DSN == "" {
			errs = append(errs, fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver))
		}
	default:
		errs = append(errs, fmt.Errorf("store.driver %q must be memory, sqlite or postgres", c.Store.Driver))
	}
	switch c.Store.Vector {
	case "", "chromem":
	default:
		errs = append(errs, fmt.Errorf("store.vector %q must be empty or chromem", c.Store.Vector))
	}

	if c.Model.Name == "" {
		errs = append(errs, errors.New("model.name is required"))
	}
	switch c.Embedding.Provider {
	case EmbedderHash, EmbedderOpenAI:
	default:
		errs = append(errs, fmt.Errorf("embedding.provider %q must be hash or openai", c.Embedding.Provider))
	}
	if c.Embedding.Dimensions <= 0 {
		errs = append(errs, errors.New("embedding.dimensions must be positive"))
	}

	if c.Memory.RecencyWindow < 0 || c.Memory.ConsolidationThreshold < 0 || c.Memory.SemanticTopK < 0 {
		errs = append(errs, errors.New("memory values must not be negative"))
	}
	if c.Loop.MaxIterations < 1 {
		errs = append(errs, errors.New("loop.max_iterations must be at least 1"))
	}
	if c.Loop.TokenBudget < 0 {
		errs = append(errs, errors.New("loop.token_budget must not be negative"))
	}
	switch {
	case c.Loop.TurnTimeout < 0:
		errs = append(errs, errors.New("loop.turn_timeout must not be negative"))
	case c.Server.WriteTimeout > 0 && (c.Loop.TurnTimeout == 0 || c.Loop.TurnTimeout >= c.Server.WriteTimeout):
		errs = append(errs, fmt.Errorf("loop.turn_timeout (%s) must be set and below server.write_timeout (%s)", c.Loop.TurnTimeout, c.Server.WriteTimeout))
	}
	seen := map[string]bool{}
	for i, h := range c.Tools.HTTP {
		if h.Name == "" || h.URL == "" {
			errs = append(errs, fmt.Errorf("tools.http[%d]: name and url are required", i))
		}
		if seen[h.Name] {
			errs = append(errs, fmt.Errorf("tools.http[%d]: duplicate tool %q", i, h.Name))
		}
		seen[h.Name] = true
	}
	if c.Reindex.Schedule != "" {
		if _, err := cron.ParseStandard(c.Reindex.Schedule); err != nil {
			errs = append(errs, fmt.Errorf("reindex.schedule: %w", err))
		}
		if c.Reindex.Batch <= 0 {
			errs = append(errs, errors.New("reindex.batch must be positive when a schedule is set"))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("config: invalid: %w", errors.Join(errs...))
	}
	return nil
}
