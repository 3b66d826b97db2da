// Package main implements the bookworm API server: document ingestion,
// scoped retrieval, and optional answer generation over HTTP.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
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
	"github.com/bookworm-ai/bookworm/pkg/answer"
	"github.com/bookworm-ai/bookworm/pkg/fn"
	"github.com/bookworm-ai/bookworm/pkg/metrics"
	"github.com/bookworm-ai/bookworm/pkg/mid"
)

// Config holds all environment-based configuration.
type Config struct {
	Port       string
	QdrantURL  string
	Collection string
	CORSOrigin string
	NATSURL    string

	EmbedProvider string
	CohereKey     string
	GeminiKey     string
	OpenAIKey     string
	EmbedRPS      float64
	EmbedBurst    int

	RequestRPS   float64
	RequestBurst int

	TopK         int
	Threshold    float64
	MaxChunkSize int

	AnswerModel string
}

func loadConfig() Config {
	return Config{
		Port:       envOr("PORT", "8080"),
		QdrantURL:  envOr("QDRANT_URL", "localhost:6334"),
		Collection: envOr("QDRANT_COLLECTION", "bookworm"),
		CORSOrigin: envOr("CORS_ORIGIN", "*"),
		NATSURL:    os.Getenv("NATS_URL"),

		EmbedProvider: envOr("EMBED_PROVIDER", "cohere"),
		CohereKey:     os.Getenv("COHERE_API_KEY"),
		GeminiKey:     os.Getenv("GEMINI_API_KEY"),
		OpenAIKey:     os.Getenv("OPENAI_API_KEY"),
		EmbedRPS:      envFloat("EMBED_RPS", 10),
		EmbedBurst:    envInt("EMBED_BURST", 5),

		RequestRPS:   envFloat("REQUEST_RPS", 50),
		RequestBurst: envInt("REQUEST_BURST", 100),

		TopK:         envInt("TOP_K", 5),
		Threshold:    envFloat("SIMILARITY_THRESHOLD", 0.7),
		MaxChunkSize: envInt("MAX_CHUNK_SIZE", 1000),

		AnswerModel: os.Getenv("ANSWER_MODEL"),
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

// newProvider builds the configured embedding provider wrapped with retry
// and rate limiting.
func newProvider(cfg Config) (embed.Provider, error) {
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

	cfg := loadConfig()

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited with error", "err", err)
		os.Exit(1)
	}
}

func run(cfg Config, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	provider, err := newProvider(cfg)
	if err != nil {
		return err
	}

	store, err := semantic.New(cfg.QdrantURL, cfg.Collection)
	if err != nil {
		return fmt.Errorf("qdrant connect: %w", err)
	}
	defer store.Close()

	opts := retrieval.DefaultOptions()
	opts.TopK = cfg.TopK
	opts.SimilarityThreshold = float32(cfg.Threshold)
	opts.MaxChunkSize = cfg.MaxChunkSize
	svc := retrieval.New(provider, store, opts, logger)

	if err := svc.Setup(ctx); err != nil {
		return fmt.Errorf("collection setup: %w", err)
	}

	// NATS is optional. Without it, ingestion runs synchronously in the
	// request path.
	var nc *nats.Conn
	if cfg.NATSURL != "" {
		nc, err = nats.Connect(cfg.NATSURL)
		if err != nil {
			return fmt.Errorf("nats connect: %w", err)
		}
		defer nc.Close()
	}

	// Answer generation is optional and needs an OpenAI key.
	var gen answer.Generator
	if cfg.OpenAIKey != "" {
		genOpts := answer.DefaultOptions()
		if cfg.AnswerModel != "" {
			genOpts.Model = cfg.AnswerModel
		}
		g, err := answer.NewOpenAI(cfg.OpenAIKey, genOpts, logger)
		if err != nil {
			return err
		}
		gen = g
	}

	reg := metrics.New()
	srv := newServer(serverDeps{
		retriever: svc,
		generator: gen,
		nats:      nc,
		logger:    logger,
		metrics:   reg,
	})

	handler := mid.Chain(srv.routes(),
		mid.Recover(logger),
		mid.OTel("bookworm-api"),
		mid.Logger(logger),
		mid.RequestMetrics(reg),
		mid.RateLimit(rate.NewLimiter(rate.Limit(cfg.RequestRPS), cfg.RequestBurst)),
		mid.CORS(cfg.CORSOrigin),
	)

	httpSrv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      handler,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("api server starting", "port", cfg.Port, "provider", provider.Name())
		errCh <- httpSrv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	}

	shutCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutCtx)
}

// retriever is the slice of retrieval.Service the handlers need.
type retriever interface {
	Ingest(ctx context.Context, doc domain.Document) (retrieval.IngestStats, error)
	Query(ctx context.Context, req retrieval.Request) (*retrieval.Result, error)
	DeleteBook(ctx context.Context, bookID string) error
}

type serverDeps struct {
	retriever retriever
	generator answer.Generator
	nats      *nats.Conn
	logger    *slog.Logger
	metrics   *metrics.Registry
}

type server struct {
	serverDeps
}

func newServer(deps serverDeps) *server {
	if deps.logger == nil {
		deps.logger = slog.Default()
	}
	return &server{serverDeps: deps}
}

func (s *server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("POST /v1/ingest", s.handleIngest)
	mux.HandleFunc("POST /v1/query", s.handleQuery)
	mux.HandleFunc("DELETE /v1/books/{id}", s.handleDeleteBook)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	return mux
}

func (s *server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// IngestRequest is the JSON body for POST /v1/ingest.
type IngestRequest struct {
	DocID     string            `json:"doc_id"`
	BookID    string            `json:"book_id"`
	ChapterID string            `json:"chapter_id,omitempty"`
	SectionID string            `json:"section_id,omitempty"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

func (s *server) handleIngest(w http.ResponseWriter, r *http.Request) {
	var req IngestRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	doc := domain.Document{
		DocID:     req.DocID,
		BookID:    req.BookID,
		ChapterID: req.ChapterID,
		SectionID: req.SectionID,
		Text:      req.Text,
		Metadata:  req.Metadata,
	}

	if s.nats != nil {
		if err := ingest.Enqueue(r.Context(), s.nats, doc); err != nil {
			s.writeDomainError(w, err)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{
			"status": "queued",
			"doc_id": doc.DocID,
		})
		return
	}

	stats, err := s.retriever.Ingest(r.Context(), doc)
	if err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "indexed",
		"doc_id":          stats.DocID,
		"chunks":          stats.Chunks,
		"processing_time": stats.Elapsed.Seconds(),
	})
}

// QueryRequest is the JSON body for POST /v1/query.
type QueryRequest struct {
	BookID         string   `json:"book_id"`
	ChapterID      string   `json:"chapter_id,omitempty"`
	SectionID      string   `json:"section_id,omitempty"`
	SelectedText   string   `json:"selected_text,omitempty"`
	Question       string   `json:"question"`
	TopK           int      `json:"top_k,omitempty"`
	Threshold      *float32 `json:"similarity_threshold,omitempty"`
	GenerateAnswer bool     `json:"generate_answer,omitempty"`
}

// QueryResponse is the JSON response for POST /v1/query.
type QueryResponse struct {
	QueryID        string               `json:"query_id"`
	Question       string               `json:"question"`
	Chunks         []domain.ScoredChunk `json:"chunks"`
	Selection      bool                 `json:"selection"`
	Answer         *answer.Answer       `json:"answer,omitempty"`
	ProcessingTime float64              `json:"processing_time"`
}

func (s *server) handleQuery(w http.ResponseWriter, r *http.Request) {
	var req QueryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := s.retriever.Query(r.Context(), retrieval.Request{
		BookID:       req.BookID,
		ChapterID:    req.ChapterID,
		SectionID:    req.SectionID,
		SelectedText: req.SelectedText,
		Question:     req.Question,
		TopK:         req.TopK,
		Threshold:    req.Threshold,
	})
	if err != nil {
		s.writeDomainError(w, err)
		return
	}

	resp := QueryResponse{
		QueryID:        res.QueryID,
		Question:       res.Question,
		Chunks:         res.Chunks,
		Selection:      res.Selection,
		ProcessingTime: res.Elapsed.Seconds(),
	}

	if req.GenerateAnswer && s.generator != nil {
		ans, err := s.generator.Generate(r.Context(), req.Question, res.Chunks)
		if err != nil {
			// Retrieval succeeded; return the chunks and report the
			// generation failure separately.
			s.logger.Error("answer generation failed", "err", err, "query_id", res.QueryID)
		} else {
			resp.Answer = ans
		}
	}

	writeJSON(w, http.StatusOK, resp)
}

func (s *server) handleDeleteBook(w http.ResponseWriter, r *http.Request) {
	bookID := r.PathValue("id")
	if err := s.retriever.DeleteBook(r.Context(), bookID); err != nil {
		s.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "deleted",
		"book_id": bookID,
	})
}

// writeDomainError maps domain errors to HTTP status codes.
func (s *server) writeDomainError(w http.ResponseWriter, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, verr.Error())
	case errors.Is(err, domain.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case retrieval.IsUnavailable(err):
		s.logger.Error("retrieval unavailable", "err", err)
		writeError(w, http.StatusServiceUnavailable, "retrieval temporarily unavailable")
	default:
		s.logger.Error("request failed", "err", err)
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
