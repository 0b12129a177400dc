package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"slices"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/kailas-cloud/modelmux/internal/config"
	"github.com/kailas-cloud/modelmux/internal/db"
	dbRedis "github.com/kailas-cloud/modelmux/internal/db/redis"
	"github.com/kailas-cloud/modelmux/internal/domain"
	logpkg "github.com/kailas-cloud/modelmux/internal/logger"
	"github.com/kailas-cloud/modelmux/internal/metrics"
	"github.com/kailas-cloud/modelmux/internal/repository/embcache"
	"github.com/kailas-cloud/modelmux/internal/source/httpsource"
	"github.com/kailas-cloud/modelmux/internal/source/vector"
	"github.com/kailas-cloud/modelmux/internal/sysinfo"
	chiTransport "github.com/kailas-cloud/modelmux/internal/transport/chi"
	openaiTransport "github.com/kailas-cloud/modelmux/internal/transport/openai"
	"github.com/kailas-cloud/modelmux/internal/transport/rerank"
	"github.com/kailas-cloud/modelmux/internal/usecase/fusion"
	healthuc "github.com/kailas-cloud/modelmux/internal/usecase/health"
	"github.com/kailas-cloud/modelmux/internal/usecase/router"
	"github.com/kailas-cloud/modelmux/internal/version"
)

func main() {
	env := config.GetEnv()

	cfg, err := config.Load(env)
	if err != nil {
		panic("failed to load config: " + err.Error())
	}

	logger, err := logpkg.NewLogger(env, cfg.Logging.Level)
	if err != nil {
		panic("failed to create logger: " + err.Error())
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("Starting modelmux",
		zap.String("version", version.String()),
		zap.String("env", env),
		zap.Int("http_port", cfg.HTTP.Port),
		zap.Int("backends", len(cfg.Backends)),
		zap.Strings("sources", cfg.SourceIDs()),
	)

	metrics.Register()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Database is optional: without it there are no vector sources and no remote cache.
	var store db.Store
	if cfg.Database.Enabled() {
		s, err := dbRedis.NewStore(dbRedis.Config{
			Addrs:    cfg.Database.Addrs,
			Password: cfg.Database.Password,
		})
		if err != nil {
			logger.Fatal("Failed to create database store", zap.Error(err))
		}
		defer s.Close()

		if err := s.WaitForReady(ctx, time.Duration(cfg.Database.ReadinessTimeout)*time.Second); err != nil {
			logger.Fatal("Database not ready", zap.Error(err))
		}
		logger.Info("Connected to database",
			zap.String("driver", cfg.Database.Driver),
			zap.Strings("addrs", cfg.Database.Addrs),
		)
		store = s
	}

	orch, janitor := buildRouter(cfg, logger)
	go janitor.Run(ctx)

	embedder, embHealth := buildEmbedder(cfg, store, logger)
	engine := buildFusion(cfg, store, embedder, logger)

	healthSvc := healthuc.New(store, embHealth, orch)

	// Pass a nil interface, not a typed nil pointer, when fusion is off.
	var retriever chiTransport.Retriever
	if engine != nil {
		retriever = engine
	}
	server := chiTransport.NewServer(orch, retriever, healthSvc)

	addr := fmt.Sprintf(":%d", cfg.HTTP.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      chiTransport.NewRouter(server, cfg.Auth.APIKeys, logger),
		ReadTimeout:  time.Duration(cfg.HTTP.ReadTimeoutSec) * time.Second,
		WriteTimeout: time.Duration(cfg.HTTP.WriteTimeoutSec) * time.Second,
	}

	go func() {
		logger.Info("Starting HTTP server", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal("HTTP server error", zap.Error(err))
		}
	}()

	<-ctx.Done()
	logger.Info("Received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Duration(cfg.HTTP.ShutdownSec)*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Error during shutdown", zap.Error(err))
	}

	// Release resident models before exit.
	unloaded := orch.UnloadIdle(shutdownCtx, 0)
	logger.Info("Server stopped gracefully", zap.Strings("unloaded", unloaded))
}

// buildRouter wires the registry, metrics window, fallback policy and
// balancer into one orchestrator. All routing state lives here.
func buildRouter(cfg config.Config, logger *zap.Logger) (*router.Orchestrator, *router.Janitor) {
	rc := cfg.Router

	handles := make([]*router.Handle, 0, len(cfg.Backends))
	for _, role := range backendOrder(cfg) {
		b := cfg.Backends[role]
		handles = append(handles, router.NewHandle(role, openaiTransport.NewBackend(&openaiTransport.BackendConfig{
			Role:           role,
			APIKey:         b.APIKey,
			BaseURL:        b.BaseURL,
			Model:          b.Model,
			MaxTokens:      b.MaxTokens,
			WarmUpMaxTries: uint(b.WarmUpMaxTries),
			Logger:         logger,
		})))
	}
	registry := router.NewRegistry(handles...)

	store := router.NewMetricsStore(rc.WindowSize)
	history := router.NewFallbackHistory(rc.HistoryCapacity)

	var memory router.MemoryProbe
	if *rc.MemoryCheck {
		memory = sysinfo.NewMemoryProbe()
	}
	policy := router.NewFallbackPolicy(store, history, memory, router.Thresholds{
		ErrorRate:     rc.Thresholds.ErrorRate,
		Latency:       time.Duration(rc.Thresholds.LatencyMS) * time.Millisecond,
		MemoryPercent: rc.Thresholds.MemoryPercent,
	}, logger)

	balancer := router.NewLoadBalancer(registry, store, rc.MaxConcurrent)

	orch := router.New(registry, balancer, policy, store, router.Config{
		DefaultRole:         rc.DefaultRole,
		FastRole:            rc.FastRole,
		CapableRole:         rc.CapableRole,
		ComplexityThreshold: rc.ComplexityThreshold,
		FallbackChain:       rc.FallbackChain,
		GenerateTimeout:     time.Duration(rc.GenerateTimeoutSec) * time.Second,
	}, logger)

	janitor := router.NewJanitor(orch,
		seconds(rc.IdleUnloadAfterSec), seconds(rc.AdjustIntervalSec), logger)

	logger.Info("Router ready",
		zap.Strings("roles", registry.Roles()),
		zap.Strings("fallback_chain", rc.FallbackChain),
		zap.Bool("memory_check", memory != nil),
	)
	return orch, janitor
}

// backendOrder registers chain roles first so status output follows the chain.
func backendOrder(cfg config.Config) []string {
	seen := make(map[string]bool, len(cfg.Backends))
	var order []string
	add := func(role string) {
		if _, ok := cfg.Backends[role]; ok && !seen[role] {
			seen[role] = true
			order = append(order, role)
		}
	}
	for _, role := range cfg.Router.FallbackChain {
		add(role)
	}
	for _, role := range []string{cfg.Router.DefaultRole, cfg.Router.CapableRole} {
		add(role)
	}
	rest := make([]string, 0, len(cfg.Backends))
	for role := range cfg.Backends {
		if !seen[role] {
			rest = append(rest, role)
		}
	}
	slices.Sort(rest)
	return append(order, rest...)
}

// buildEmbedder assembles the decorator chain: OpenAI -> Cached -> Instruction.
// It returns nil when no embedding provider is configured.
func buildEmbedder(cfg config.Config, store db.Store, logger *zap.Logger) (domain.Embedder, domain.HealthChecker) {
	if !cfg.Embedding.Enabled() {
		return nil, nil
	}

	base := openaiTransport.NewEmbedder(&openaiTransport.EmbedderConfig{
		APIKey:     cfg.Embedding.APIKey,
		BaseURL:    cfg.Embedding.BaseURL,
		Model:      cfg.Embedding.Model,
		Dimensions: cfg.Embedding.Dimensions,
		Logger:     logger,
	})

	ttl := time.Duration(cfg.EmbeddingCache.TTLSec) * time.Second
	layers := []embcache.Layer{
		{Name: "memory", Cache: embcache.NewMemoryCache(ttl, cfg.EmbeddingCache.MaxEntries)},
	}
	if cfg.EmbeddingCache.Remote && store != nil {
		layers = append(layers, embcache.Layer{Name: "remote", Cache: embcache.NewRemoteCache(store, ttl, logger)})
	}
	cached := embcache.New(base, logger, layers...)

	logger.Info("Embedder created",
		zap.String("model", cfg.Embedding.Model),
		zap.Int("dimensions", cfg.Embedding.Dimensions),
		zap.Int("cache_layers", len(layers)),
	)

	// Instruction prefix is outermost so the cache key includes it.
	if cfg.Embedding.QueryInstruction != "" {
		return domain.NewInstructionEmbedder(cached, cfg.Embedding.QueryInstruction), cached
	}
	return cached, cached
}

// buildFusion creates one source per configured entry. It returns nil when
// no sources are configured.
func buildFusion(cfg config.Config, store db.Store, embedder domain.Embedder, logger *zap.Logger) *fusion.Engine {
	if len(cfg.Fusion.Sources) == 0 {
		return nil
	}

	specs := make([]fusion.SourceSpec, 0, len(cfg.Fusion.Sources))
	for _, sc := range cfg.Fusion.Sources {
		var src fusion.Source
		switch sc.Kind {
		case "vector":
			src = vector.New(vector.Config{
				ID:           sc.ID,
				Index:        sc.Index,
				VectorField:  sc.VectorField,
				ContentField: sc.ContentField,
				TopK:         sc.TopK,
				UserScoped:   sc.UserScoped,
			}, embedder, store)
		case "http":
			src = httpsource.New(httpsource.Config{
				ID:         sc.ID,
				URL:        sc.URL,
				APIKey:     sc.APIKey,
				TopK:       sc.TopK,
				Timeout:    time.Duration(sc.TimeoutMS) * time.Millisecond,
				RatePerSec: sc.RatePerSec,
				Burst:      sc.Burst,
			})
		}
		specs = append(specs, fusion.SourceSpec{
			Source:  src,
			Weight:  sc.Weight,
			Timeout: time.Duration(sc.TimeoutMS) * time.Millisecond,
		})
	}

	var reranker fusion.Reranker
	if cfg.Reranker.Enabled() {
		reranker = rerank.New(rerank.Config{
			BaseURL: cfg.Reranker.BaseURL,
			APIKey:  cfg.Reranker.APIKey,
			Model:   cfg.Reranker.Model,
			Timeout: time.Duration(cfg.Reranker.TimeoutSec) * time.Second,
			Logger:  logger,
		})
	}

	logger.Info("Fusion ready",
		zap.Strings("sources", cfg.SourceIDs()),
		zap.Bool("reranker", reranker != nil),
	)
	return fusion.New(specs, reranker, fusion.Config{
		TechnicalDelta: *cfg.Fusion.TechnicalDelta,
		TechnicalFrom:  cfg.Fusion.TechnicalFrom,
		TechnicalTo:    cfg.Fusion.TechnicalTo,
	}, logger)
}

// seconds converts a config value; non-positive values disable the feature.
func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}
