// Command ingest-worker consumes documents from NATS and indexes them into
// the vector store through the retrieval service.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/nats-io/nats.go"
	"golang.org/x/time/rate"

	"github.com/bookworm-ai/bookworm/engine/domain"
	"github.com/bookworm-ai/bookworm/engine/embed"
	"github.com/bookworm-ai/bookworm/engine/ingest"
	"github.com/bookworm-ai/bookworm/engine/retrieval"
	"github.com/bookworm-ai/bookworm/engine/semantic"
	"github.com/bookworm-ai/bookworm/pkg/fn"
	"github.com/bookworm-ai/bookworm/pkg/metrics"
	"github.com/bookworm-ai/bookworm/pkg/resilience"
)

type config struct {
	NATSURL     string
	QdrantURL   string
	Collection  string
	MetricsPort int

	EmbedProvider string
	CohereKey     string
	GeminiKey     string
	OpenAIKey     string
	EmbedRPS      float64
	EmbedBurst    int
}

func loadConfig() config {
	return config{
		NATSURL:     envOr("NATS_URL", nats.DefaultURL),
		QdrantURL:   envOr("QDRANT_URL", "localhost:6334"),
		Collection:  envOr("QDRANT_COLLECTION", "bookworm"),
		MetricsPort: envInt("METRICS_PORT", 9091),

		EmbedProvider: envOr("EMBED_PROVIDER", "cohere"),
		CohereKey:     os.Getenv("COHERE_API_KEY"),
		GeminiKey:     os.Getenv("GEMINI_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		EmbedRPS:      envFloat("EMBED_RPS", 10),
		EmbedBurst:    envInt("EMBED_BURST", 5),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

func newProvider(cfg config) (embed.Provider, error) {
	var (
		base embed.Provider
		err  error
	)
	switch cfg.EmbedProvider {
	case "cohere":
		base, err = embed.NewCohere(cfg.CohereKey)
	case "gemini":
		base, err = embed.NewGemini(cfg.GeminiKey)
	case "openai":
		base, err = embed.NewOpenAI(cfg.OpenAIKey)
	default:
		return nil, fmt.Errorf("%w: unknown embed provider %q", domain.ErrConfig, cfg.EmbedProvider)
	}
	if err != nil {
		return nil, err
	}

	retried := embed.WithRetry(base, fn.RetryOpts{
		MaxAttempts: 3,
		InitialWait: time.Second,
		MaxWait:     10 * time.Second,
		Jitter:      true,
	})
	return embed.WithRateLimit(retried, rate.Limit(cfg.EmbedRPS), cfg.EmbedBurst), nil
}

func main() {
	_ = godotenv.Load()

	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	if err := run(loadConfig(), logger); err != nil {
		logger.Error("worker exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := metrics.New()
	reg.CollectRuntime("bookworm_worker", 15*time.Second)
	reg.ServeAsync(cfg.MetricsPort)

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	store, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	svc := retrieval.New(provider, store, retrieval.DefaultOptions(), logger)
	if err := svc.Setup(ctx); err != nil {
		return fmt.Errorf("collection setup: %w", err)
	}
	logger.Info("connected to Qdrant", "collection", cfg.Collection, "dims", provider.Dimension())

	nc, err := nats.Connect(cfg.NATSURL,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return fmt.Errorf("nats connect: %w", err)
	}
	defer nc.Close()

	sub, err := ingest.StartConsumer(nc, ingest.Deps{
		Service: svc,
		Breaker: resilience.NewBreaker(resilience.DefaultBreakerOpts),
		Logger:  logger,
		Metrics: reg,
	})
	if err != nil {
		return fmt.Errorf("start consumer: %w", err)
	}

	logger.Info("ingest worker running",
		"subject", ingest.Subject,
		"queue", ingest.QueueGroup,
		"provider", provider.Name(),
	)

	<-ctx.Done()
	logger.Info("shutting down")
	if err := sub.Drain(); err != nil {
		logger.Warn("drain failed", "err", err)
	}
	return nil
}
