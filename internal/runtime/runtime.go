// Package runtime wires the recall service together from configuration and
// serves it over HTTP.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/szaher/recall/internal/chat"
	"github.com/szaher/recall/internal/config"
	"github.com/szaher/recall/internal/embed"
	"github.com/szaher/recall/internal/llm"
	"github.com/szaher/recall/internal/loop"
	"github.com/szaher/recall/internal/memory"
	"github.com/szaher/recall/internal/session"
	"github.com/szaher/recall/internal/store"
	"github.com/szaher/recall/internal/store/chromem"
	"github.com/szaher/recall/internal/store/memstore"
	"github.com/szaher/recall/internal/store/postgres"
	"github.com/szaher/recall/internal/store/sqlite"
	"github.com/szaher/recall/internal/telemetry"
	"github.com/szaher/recall/internal/tools"
)

// Runtime owns every long-lived component of a recall process.
type Runtime struct {
	cfg      *config.Config
	store    store.Store
	chat     *chat.Service
	registry *tools.Registry
	server   *Server
	metrics  *telemetry.Metrics
	cron     *cron.Cron
	cache    *embed.Cached
	logger   *slog.Logger
	level    *slog.LevelVar
}

// Options overrides parts of the wiring, mostly for tests.
type Options struct {
	Logger *slog.Logger
	// Level is adjusted when a reloaded config changes log.level.
	Level *slog.LevelVar
	// LLMClient replaces the client built from model.name.
	LLMClient llm.Client
	// Embedder replaces the one built from the embedding section.
	Embedder embed.Embedder
	// Store replaces the one opened from the store section.
	Store store.Store
	// HTTPClient is used by outbound tools instead of the SSRF-safe default.
	HTTPClient *http.Client
}

// New builds a Runtime from cfg. The caller must Close it.
func New(ctx context.Context, cfg *config.Config, opts Options) (*Runtime, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rt := &Runtime{
		cfg:     cfg,
		metrics: telemetry.NewMetrics(),
		logger:  logger,
		level:   opts.Level,
	}

	st := opts.Store
	if st == nil {
		var err error
		if st, err = OpenStore(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}
	rt.store = st

	vectors := store.VectorStore(st)
	var purgers []store.Purger
	if cfg.Store.Vector == "chromem" {
		cv, err := openChromem(cfg.Store.VectorPath)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		vectors = cv
		purgers = append(purgers, cv)
		logger.Info("embeddings stored in chromem", "path", cfg.Store.VectorPath)
	}

	embedder := opts.Embedder
	if embedder == nil {
		var err error
		if embedder, rt.cache, err = buildEmbedder(cfg.Embedding, cfg.Model); err != nil {
			_ = st.Close()
			return nil, err
		}
	}

	client := opts.LLMClient
	model := cfg.Model.Name
	summaryClient := client
	summaryModel := cfg.Model.SummaryModel
	if client == nil {
		client, model = newModelClient(cfg.Model.Name, cfg.Model, opts.HTTPClient)
		summaryClient, summaryModel = client, model
		if cfg.Model.SummaryModel != "" && cfg.Model.SummaryModel != cfg.Model.Name {
			summaryClient, summaryModel = newModelClient(cfg.Model.SummaryModel, cfg.Model, opts.HTTPClient)
		}
	}
	if summaryModel == "" {
		summaryModel = model
	}

	registry, err := rt.buildRegistry(opts.HTTPClient)
	if err != nil {
		_ = st.Close()
		return nil, err
	}
	rt.registry = registry

	locker := session.NewLocker()
	index := memory.NewIndex(st, vectors, embedder, logger)
	consolidator := memory.NewConsolidator(st, st,
		memory.NewLLMSummarizer(summaryClient, summaryModel, cfg.Memory.SummaryWords),
		locker, cfg.Memory.ConsolidationThreshold, logger)
	responder := loop.New(client, registry, loop.Config{
		Model:         model,
		System:        cfg.Model.System,
		MaxIterations: cfg.Loop.MaxIterations,
		MaxTokens:     cfg.Model.MaxTokens,
		TokenBudget:   cfg.Loop.TokenBudget,
		Temperature:   cfg.Model.Temperature,
	}, logger)

	rt.chat = chat.NewService(chat.Deps{
		Store:        st,
		Index:        index,
		Consolidator: consolidator,
		Responder:    responder,
		Locker:       locker,
		Metrics:      rt.metrics,
		Logger:       logger,
		Purgers:      purgers,
	}, cfg.Memory.Tuning)
	rt.server = NewServer(rt.chat, WithLogger(logger), WithMetrics(rt.metrics), WithTurnTimeout(cfg.Loop.TurnTimeout))

	logger.Info("runtime ready",
		"store", cfg.Store.Driver,
		"model", cfg.Model.Name,
		"embedding", cfg.Embedding.Provider,
		"tools", len(registry.Definitions()))
	return rt, nil
}

// OpenStore opens the backend named by cfg.Store.Driver and applies its
// schema.
func OpenStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (store.Store, error) {
	switch cfg.Store.Driver {
	case config.DriverMemory, "":
		return memstore.New(), nil
	case config.DriverSQLite:
		s, err := sqlite.Open(ctx, cfg.Store.DSN, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.Store.DSN, cfg.Embedding.Dimensions, logger)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("runtime: unknown store driver %q", cfg.Store.Driver)
	}
}

func openChromem(path string) (*chromem.VectorStore, error) {
	if path == "" {
		return chromem.New()
	}
	return chromem.Open(path, false)
}

func buildEmbedder(cfg config.EmbeddingConfig, model config.ModelConfig) (embed.Embedder, *embed.Cached, error) {
	var e embed.Embedder
	switch cfg.Provider {
	case config.EmbedderOpenAI:
		e = embed.NewOpenAIEmbedder(embed.OpenAIConfig{
			APIKey:     model.OpenAIAPIKey,
			BaseURL:    model.OpenAIBaseURL,
			Model:      cfg.Model,
			Dimensions: cfg.Dimensions,
		})
	default:
		e = embed.NewHashEmbedder(cfg.Dimensions)
	}
	if cfg.Timeout > 0 {
		e = embed.WithTimeout(e, cfg.Timeout)
	}
	if cfg.CacheSize <= 0 {
		return e, nil, nil
	}
	cached, err := embed.NewCached(e, cfg.CacheSize)
	if err != nil {
		return nil, nil, fmt.Errorf("runtime: embedding cache: %w", err)
	}
	return cached, cached, nil
}

func newModelClient(name string, cfg config.ModelConfig, httpClient *http.Client) (llm.Client, string) {
	client, model := llm.NewClientForModel(name, llm.Credentials{
		AnthropicAPIKey: cfg.AnthropicAPIKey,
		OpenAIAPIKey:    cfg.OpenAIAPIKey,
		OpenAIBaseURL:   cfg.OpenAIBaseURL,
		OllamaHost:      cfg.OllamaHost,
		HTTPClient:      httpClient,
	})
	if cfg.Timeout > 0 {
		client = llm.WithTimeout(client, cfg.Timeout)
	}
	return client, model
}

func (rt *Runtime) buildRegistry(httpClient *http.Client) (*tools.Registry, error) {
	cfg := rt.cfg
	registry := tools.NewRegistry(
		tools.WithTimeout(cfg.Loop.ToolTimeout),
		tools.WithConcurrency(cfg.Loop.ToolConcurrency),
		tools.WithLogger(rt.logger),
		tools.WithObserver(rt.metrics.RecordToolCall),
	)

	if cfg.Tools.Calculator {
		if err := registry.Register(tools.CalculatorDefinition(), tools.Calculator{}); err != nil {
			return nil, err
		}
	}
	if cfg.Tools.Search.APIKey != "" {
		search := tools.NewHotelSearch(tools.SearchConfig{
			APIKey:     cfg.Tools.Search.APIKey,
			Endpoint:   cfg.Tools.Search.Endpoint,
			MaxResults: cfg.Tools.Search.MaxResults,
			HTTPClient: httpClient,
		})
		if err := registry.Register(tools.HotelSearchDefinition(), search); err != nil {
			return nil, err
		}
	} else {
		rt.logger.Warn("search_hotels disabled: no search API key configured")
	}
	for _, h := range cfg.Tools.HTTP {
		if err := registry.Register(h.Definition(), tools.NewHTTPExecutor(h, httpClient)); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Chat returns the turn service.
func (rt *Runtime) Chat() *chat.Service { return rt.chat }

// Tools returns the tool registry.
func (rt *Runtime) Tools() *tools.Registry { return rt.registry }

// Handler returns the HTTP handler.
func (rt *Runtime) Handler() http.Handler { return rt.server.Handler() }

// Reindex runs one sweep over messages stored without embeddings.
func (rt *Runtime) Reindex(ctx context.Context) (int, error) {
	return rt.chat.Reindex(ctx, rt.cfg.Reindex.Batch)
}

// Reload applies the parts of cfg that can change without a restart: the
// log level and the memory tunables.
func (rt *Runtime) Reload(cfg *config.Config) {
	if rt.level != nil {
		if lvl, err := telemetry.ParseLevel(cfg.Log.Level); err == nil && lvl != rt.level.Level() {
			rt.level.Set(lvl)
			rt.logger.Info("log level changed", "level", lvl.String())
		}
	}
	rt.chat.SetTuning(cfg.Memory.Tuning)
	rt.logger.Info("memory tuning applied",
		"recency_window", rt.chat.Tuning().RecencyWindow,
		"consolidation_threshold", rt.chat.Tuning().ConsolidationThreshold,
		"semantic_top_k", rt.chat.Tuning().SemanticTopK)
}

// Run serves HTTP and runs scheduled reindex sweeps until ctx is done, then
// shuts down gracefully.
func (rt *Runtime) Run(ctx context.Context) error {
	if rt.cfg.Reindex.Schedule != "" {
		rt.cron = cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
		_, err := rt.cron.AddFunc(rt.cfg.Reindex.Schedule, func() {
			if _, err := rt.Reindex(ctx); err != nil {
				rt.logger.Warn("scheduled reindex failed", "error", err)
			}
		})
		if err != nil {
			return fmt.Errorf("runtime: reindex schedule: %w", err)
		}
		rt.cron.Start()
		rt.logger.Info("reindex sweeps scheduled", "schedule", rt.cfg.Reindex.Schedule)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- rt.server.ListenAndServe(rt.cfg.Server.Addr, rt.cfg.Server.ReadTimeout, rt.cfg.Server.WriteTimeout)
	}()

	select {
	case err := <-errCh:
		rt.stopCron()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("runtime: serve: %w", err)
	case <-ctx.Done():
	}

	rt.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), rt.cfg.Server.ShutdownTimeout)
	defer cancel()
	rt.stopCron()
	if err := rt.server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("runtime: shutdown: %w", err)
	}
	return nil
}

func (rt *Runtime) stopCron() {
	if rt.cron == nil {
		return
	}
	select {
	case <-rt.cron.Stop().Done():
	case <-time.After(rt.cfg.Server.ShutdownTimeout):
		rt.logger.Warn("reindex sweep still running at shutdown")
	}
}

// Close releases the store and caches.
func (rt *Runtime) Close() error {
	if rt.cache != nil {
		rt.cache.Close()
	}
	return rt.store.Close()
}
