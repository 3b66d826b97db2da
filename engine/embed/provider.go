// Package embed abstracts over interchangeable embedding backends. Every
// provider declares a fixed output dimension up front and distinguishes
// document embedding from query embedding explicitly, since some backends
// encode the two asymmetrically.
package embed

import (
	"context"
	"net/http"
	"time"
)

// Provider converts text into fixed-dimension vectors.
//
// EmbedDocuments preserves input order one-to-one with output and fails the
// whole batch if any item fails; callers must never assume partial success.
type Provider interface {
	// Name identifies the backend for logs and metrics.
	Name() string
	// Dimension is the fixed output vector length, known before any call.
	Dimension() int
	// EmbedDocuments embeds a batch of document chunks.
	EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error)
	// EmbedQuery embeds a search question in the backend's query mode.
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// defaultHTTPTimeout bounds a single outbound embedding call when the caller
// supplies no deadline of its own.
const defaultHTTPTimeout = 30 * time.Second

func newHTTPClient() *http.Client {
	return &http.Client{Timeout: defaultHTTPTimeout}
}

// retryableStatus reports whether an HTTP status from an embedding backend
// should be treated as transient.
func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= 500
}
