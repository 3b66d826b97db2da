// Package retrieval orchestrates scoped retrieval-augmented context assembly.
// Ingestion runs chunking, batch embedding, and replace-semantics indexing;
// querying embeds a question, searches the index under a scope filter, and
// returns ranked, attributed chunks for a downstream generation step.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/bookworm-ai/bookworm/engine/chunker"
	"github.com/bookworm-ai/bookworm/engine/domain"
	"github.com/bookworm-ai/bookworm/engine/embed"
	"github.com/bookworm-ai/bookworm/engine/semantic"
	"github.com/bookworm-ai/bookworm/pkg/fn"
	"github.com/google/uuid"
)

// VectorIndex abstracts the Qdrant store for the orchestrator.
type VectorIndex interface {
	EnsureCollection(ctx context.Context, dims int) error
	Upsert(ctx context.Context, records []semantic.VectorRecord) error
	SearchScoped(ctx context.Context, embedding []float32, scope domain.Scope, topK int) ([]semantic.SearchResult, error)
	DeleteByScope(ctx context.Context, scope domain.Scope) error
	Count(ctx context.Context, scope domain.Scope) (uint64, error)
}

// Options configures retrieval behaviour.
type Options struct {
	TopK                int
	SimilarityThreshold float32
	MaxChunkSize        int
	EmbedBatchSize      int
	SearchTimeout       time.Duration
}

// DefaultOptions returns the recognized defaults.
func DefaultOptions() Options {
	return Options{
		TopK:                5,
		SimilarityThreshold: 0.7,
		MaxChunkSize:        chunker.DefaultMaxChunkSize,
		EmbedBatchSize:      96,
		SearchTimeout:       5 * time.Second,
	}
}

// Service is the stateless retrieval orchestrator. It holds only its
// collaborators; every operation is request-scoped and safe to run
// concurrently.
type Service struct {
	provider embed.Provider
	index    VectorIndex
	opts     Options
	logger   *slog.Logger
}

// New creates a retrieval Service.
func New(provider embed.Provider, index VectorIndex, opts Options, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.TopK <= 0 {
		opts.TopK = DefaultOptions().TopK
	}
	if opts.MaxChunkSize <= 0 {
		opts.MaxChunkSize = DefaultOptions().MaxChunkSize
	}
	if opts.EmbedBatchSize <= 0 {
		opts.EmbedBatchSize = DefaultOptions().EmbedBatchSize
	}
	if opts.SearchTimeout <= 0 {
		opts.SearchTimeout = DefaultOptions().SearchTimeout
	}
	return &Service{provider: provider, index: index, opts: opts, logger: logger}
}

// Setup verifies the collection exists with the provider's dimension.
// Called once on the startup path; a dimension mismatch fails here.
func (s *Service) Setup(ctx context.Context) error {
	return s.index.EnsureCollection(ctx, s.provider.Dimension())
}

// IngestStats summarizes one ingestion.
type IngestStats struct {
	DocID   string        `json:"doc_id"`
	Chunks  int           `json:"chunks"`
	Elapsed time.Duration `json:"elapsed"`
}

// Ingest chunks, embeds, and indexes one document with replace semantics:
// previous chunks for the same doc_id are deleted before the new set is
// upserted. The index is never touched until the whole embedding batch has
// succeeded, so a failed ingestion leaves no partial writes.
func (s *Service) Ingest(ctx context.Context, doc domain.Document) (IngestStats, error) {
	start := time.Now()

	if err := domain.ValidateDocument(doc); err != nil {
		return IngestStats{}, err
	}

	chunks := chunker.Split(doc.Text, s.opts.MaxChunkSize)
	if len(chunks) == 0 {
		return IngestStats{}, domain.NewValidationError("text", "", domain.ErrEmptyText)
	}

	vectors := make([][]float32, 0, len(chunks))
	for _, batch := range fn.Chunk(chunks, s.opts.EmbedBatchSize) {
		vecs, err := s.provider.EmbedDocuments(ctx, batch)
		if err != nil {
			return IngestStats{}, fmt.Errorf("retrieval: embed document %s: %w", doc.DocID, err)
		}
		vectors = append(vectors, vecs...)
	}

	records := make([]semantic.VectorRecord, len(chunks))
	for i, text := range chunks {
		payload := map[string]any{
			"text":        text,
			"doc_id":      doc.DocID,
			"book_id":     doc.BookID,
			"chunk_index": i,
		}
		if doc.ChapterID != "" {
			payload["chapter_id"] = doc.ChapterID
		}
		if doc.SectionID != "" {
			payload["section_id"] = doc.SectionID
		}
		for k, v := range doc.Metadata {
			payload[k] = v
		}
		records[i] = semantic.VectorRecord{
			ID:        pointID(doc.DocID, i),
			Embedding: vectors[i],
			Payload:   payload,
		}
	}

	// Replace semantics: drop the old chunk set, then write the new one
	// back-to-back. Readers see either the old set or the new one, never
	// a mix.
	if err := s.index.DeleteByScope(ctx, domain.ScopeForDocument(doc)); err != nil {
		return IngestStats{}, fmt.Errorf("retrieval: replace document %s: %w", doc.DocID, err)
	}
	if err := s.index.Upsert(ctx, records); err != nil {
		return IngestStats{}, fmt.Errorf("retrieval: upsert document %s: %w", doc.DocID, err)
	}

	stats := IngestStats{DocID: doc.DocID, Chunks: len(chunks), Elapsed: time.Since(start)}
	s.logger.Info("document ingested",
		"doc_id", doc.DocID,
		"book_id", doc.BookID,
		"chunks", stats.Chunks,
		"duration", stats.Elapsed,
	)
	return stats, nil
}

// DeleteBook removes every indexed chunk belonging to a book. Deleting a book
// with no indexed chunks returns ErrNotFound.
func (s *Service) DeleteBook(ctx context.Context, bookID string) error {
	if bookID == "" {
		return domain.NewValidationError("book_id", "", domain.ErrMissingBookID)
	}
	scope := domain.Scope{BookID: bookID}
	n, err := s.index.Count(ctx, scope)
	if err != nil {
		return fmt.Errorf("retrieval: count book %s: %w", bookID, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: book %s", domain.ErrNotFound, bookID)
	}
	if err := s.index.DeleteByScope(ctx, scope); err != nil {
		return fmt.Errorf("retrieval: delete book %s: %w", bookID, err)
	}
	s.logger.Info("book deleted", "book_id", bookID, "chunks", n)
	return nil
}

// Request is a scoped retrieval question. TopK of zero and a nil Threshold
// fall back to the service defaults. A non-empty SelectedText short-circuits
// the index: the selection itself becomes the context to reason over.
type Request struct {
	BookID       string   `json:"book_id"`
	ChapterID    string   `json:"chapter_id,omitempty"`
	SectionID    string   `json:"section_id,omitempty"`
	SelectedText string   `json:"selected_text,omitempty"`
	Question     string   `json:"question"`
	TopK         int      `json:"top_k,omitempty"`
	Threshold    *float32 `json:"similarity_threshold,omitempty"`
}

// Scope returns the conjunction of the request's set scope fields.
func (r Request) Scope() domain.Scope {
	return domain.Scope{BookID: r.BookID, ChapterID: r.ChapterID, SectionID: r.SectionID}
}

// Result is the ranked, attributed context for a question. An empty Chunks
// slice is a legitimate "no relevant content" outcome, never an error in
// disguise.
type Result struct {
	QueryID   string               `json:"query_id"`
	Question  string               `json:"question"`
	Chunks    []domain.ScoredChunk `json:"chunks"`
	Selection bool                 `json:"selection"`
	Elapsed   time.Duration        `json:"elapsed"`
}

// Query runs the scoped retrieval flow. Provider or index failures surface as
// domain.ErrRetrievalUnavailable; they are never converted into an empty
// result set.
func (s *Service) Query(ctx context.Context, req Request) (*Result, error) {
	if err := domain.ValidateQuestion(req.BookID, req.Question); err != nil {
		return nil, err
	}

	result := &Result{
		QueryID:  uuid.NewString(),
		Question: req.Question,
	}
	start := time.Now()

	// Ad-hoc selection: the caller already holds the material to reason
	// over, so it bypasses the index entirely.
	if req.SelectedText != "" {
		result.Selection = true
		result.Chunks = []domain.ScoredChunk{{
			ID:        "selection:" + result.QueryID,
			Text:      req.SelectedText,
			BookID:    req.BookID,
			ChapterID: req.ChapterID,
			SectionID: req.SectionID,
			Score:     1,
		}}
		result.Elapsed = time.Since(start)
		return result, nil
	}

	topK := req.TopK
	if topK <= 0 {
		topK = s.opts.TopK
	}
	threshold := s.opts.SimilarityThreshold
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	vector, err := s.provider.EmbedQuery(ctx, req.Question)
	if err != nil {
		return nil, fmt.Errorf("%w: embed query: %v", domain.ErrRetrievalUnavailable, err)
	}

	searchCtx, cancel := context.WithTimeout(ctx, s.opts.SearchTimeout)
	defer cancel()

	hits, err := s.index.SearchScoped(searchCtx, vector, req.Scope(), topK)
	if err != nil {
		return nil, fmt.Errorf("%w: search: %v", domain.ErrRetrievalUnavailable, err)
	}

	result.Chunks = rank(hits, threshold)
	result.Elapsed = time.Since(start)

	s.logger.Info("query answered",
		"query_id", result.QueryID,
		"book_id", req.BookID,
		"hits", len(hits),
		"kept", len(result.Chunks),
		"duration", result.Elapsed,
	)
	return result, nil
}

// rank drops hits below the threshold, preserving the index's descending
// score order.
func rank(hits []semantic.SearchResult, threshold float32) []domain.ScoredChunk {
	kept := fn.Filter(hits, func(h semantic.SearchResult) bool {
		return h.Score >= threshold
	})
	return fn.Map(kept, func(h semantic.SearchResult) domain.ScoredChunk {
		return domain.ScoredChunk{
			ID:        h.ID,
			Text:      h.Text,
			BookID:    h.BookID,
			ChapterID: h.ChapterID,
			SectionID: h.SectionID,
			DocID:     h.DocID,
			Index:     h.Index,
			Score:     h.Score,
		}
	})
}

// pointID derives a stable UUID for a (doc, chunk index) pair. Replace
// semantics never rely on this stability; it only keeps re-upserts of an
// unchanged document from growing the collection.
func pointID(docID string, index int) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(fmt.Sprintf("%s#%d", docID, index))).String()
}

// IsUnavailable reports whether err is the query-path availability failure.
func IsUnavailable(err error) bool {
	return errors.Is(err, domain.ErrRetrievalUnavailable)
}
