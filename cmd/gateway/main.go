package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/ocx/gateway/internal/agentrun"
	"github.com/ocx/gateway/internal/analytics"
	"github.com/ocx/gateway/internal/cache"
	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/credentials"
	"github.com/ocx/gateway/internal/events"
	"github.com/ocx/gateway/internal/metrics"
	"github.com/ocx/gateway/internal/pipeline"
	"github.com/ocx/gateway/internal/pricing"
	"github.com/ocx/gateway/internal/projectstore"
	"github.com/ocx/gateway/internal/sanitize"
	"github.com/ocx/gateway/internal/server"
	"github.com/ocx/gateway/internal/tuning"
	"github.com/ocx/gateway/internal/upstream"
	"github.com/ocx/gateway/internal/vectorstore"
)

func main() {
	// Local dev convenience; production supplies real env vars.
	_ = godotenv.Load()

	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if os.Getenv("LOG_PRETTY") == "true" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("configuration error")
	}

	store, err := projectstore.New(cfg.Store.URL, cfg.Store.ServiceKey)
	if err != nil {
		logger.Fatal().Err(err).Msg("project store init failed")
	}

	cipher, err := credentials.NewCipher(cfg.Crypto.MasterSecret)
	if err != nil {
		logger.Fatal().Err(err).Msg("credential cipher init failed")
	}

	pool := credentials.PoolKeys{
		"openai":     cfg.Pool.OpenAIKey,
		"anthropic":  cfg.Pool.AnthropicKey,
		"groq":       cfg.Pool.GroqKey,
		"openrouter": cfg.Pool.OpenRouterKey,
	}
	resolver := credentials.NewResolver(store, cipher, pool, logger)

	m := metrics.New()
	sanitizer := sanitize.New(cfg.Detection.TruncateRawLength)
	estimator := pricing.NewEstimator()
	router := upstream.NewRouter(logger, nil)

	// Vector store: pgvector when a DSN is configured, otherwise the null
	// store (cache degrades to exact-key only or full miss).
	var vectors vectorstore.Store = vectorstore.Null{}
	health := []server.HealthChecker{store}
	if cfg.Vector.DSN != "" {
		pg, err := vectorstore.NewPGStore(cfg.Vector.DSN, logger)
		if err != nil {
			logger.Fatal().Err(err).Msg("vector store init failed")
		}
		defer pg.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := pg.Migrate(ctx); err != nil {
			cancel()
			logger.Fatal().Err(err).Msg("vector store migration failed")
		}
		cancel()
		vectors = pg
		health = append(health, pg)
	} else {
		logger.Warn().Msg("VECTOR_DSN not set; semantic similarity lookups disabled")
	}

	// Observability queue. A dead queue is non-fatal: the emitter falls back
	// to direct sink writes.
	var queue events.Queue
	var exact cache.ExactStore = cache.NewMemoryExactStore()
	switch cfg.Queue.Backend {
	case "pubsub":
		q, err := events.NewPubSubQueue(cfg.Queue.PubSubProject, cfg.Queue.PubSubTopic, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("pubsub queue unavailable, events fall back to direct writes")
		} else {
			queue = q
			defer q.Close()
		}
	default:
		q, err := events.NewRedisQueue(cfg.Queue.RedisAddr, cfg.Queue.RedisPassword,
			cfg.Queue.RedisDB, cfg.Queue.RedisStream, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("redis queue unavailable, events fall back to direct writes")
		} else {
			queue = q
			exact = cache.NewRedisExactStore(q.Client())
			defer q.Close()
		}
	}

	// Analytics sink, optional.
	var sink *analytics.Client
	if cfg.Analytics.SinkURL != "" {
		sink = analytics.NewClient(cfg.Analytics.SinkURL, "default", cfg.Analytics.APIKey, "", logger)
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := sink.EnsureSchema(ctx); err != nil {
			logger.Warn().Err(err).Msg("analytics schema apply failed; sink writes may error")
		}
		cancel()
		health = append(health, sink)
	} else {
		logger.Warn().Msg("ANALYTICS_SINK_URL not set; analytics endpoints disabled")
	}

	// The emitter's fallback writes through the batched async writer so a
	// queue outage never turns into one synchronous sink insert per event.
	var sinkWriter events.SinkWriter
	if sink != nil {
		asyncSink := analytics.NewAsyncWriter(sink, 0, logger)
		defer asyncSink.Close()
		sinkWriter = asyncSink
	}
	emitter := events.NewEmitter(queue, sinkWriter, m, logger)

	embedder := cache.NewHTTPEmbedder(cfg.Embedding.URL, cfg.Embedding.APIKey, cfg.Embedding.Model)
	semcache := cache.New(vectors, exact, embedder, sanitizer, cfg.Vector.RetentionDays, logger)

	pipe := pipeline.New(resolver, semcache, router, estimator, sanitizer, emitter, m,
		cfg.Server.PipelineTimeout, logger)

	var ingestor *agentrun.Ingestor
	if cfg.Features.AgentDebuggerEnabled {
		var llm agentrun.LLMExplainer
		if cfg.Features.LLMExplainerEnabled && cfg.Pool.OpenAIKey != "" {
			llm = agentrun.NewChatExplainer(router, "", cfg.Pool.OpenAIKey)
		}
		explainer := agentrun.NewExplainer(llm, cfg.Detection.ExplainConfidence)

		var stepSink agentrun.StepSink
		if sink != nil {
			stepSink = sink
		}
		ingestor = agentrun.NewIngestor(resolver, store, stepSink, emitter, sanitizer,
			explainer, m, cfg.Detection, logger)
	}

	var tuner *tuning.Tuner
	if sink != nil {
		tuner = tuning.New(sink, store, logger)
	}

	srv := server.New(pipe, ingestor, tuner, sink, resolver, estimator, m, health,
		cfg.Server.MaxBodyBytes, logger)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           srv.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info().Str("port", cfg.Server.Port).Msg("gateway listening")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop

	logger.Info().Msg("shutting down")
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("shutdown error")
	}
}
