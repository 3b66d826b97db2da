package domain

import (
	"errors"
	"fmt"
)

// Sentinel errors for the retrieval engine.
var (
	// ErrConfig marks setup-time misconfiguration: missing credentials or a
	// provider/index dimension mismatch. Fatal; never retried.
	ErrConfig = errors.New("configuration error")

	// ErrNotFound is returned when a caller asserts existence of a key that
	// the index does not hold. A query matching nothing is not ErrNotFound.
	ErrNotFound = errors.New("not found")

	// ErrRetrievalUnavailable wraps provider or index failures on the query
	// path. It must never be collapsed into an empty result set.
	ErrRetrievalUnavailable = errors.New("retrieval unavailable")

	// Validation sentinels.
	ErrEmptyText        = errors.New("text is empty")
	ErrTextTooLarge     = errors.New("text exceeds size limit")
	ErrMissingBookID    = errors.New("book_id is required")
	ErrMissingChapterID = errors.New("chapter_id is required")
	ErrMissingDocID     = errors.New("doc_id is required")
	ErrEmptyQuestion    = errors.New("question is empty")
	ErrEmptyScope       = errors.New("scope is empty")
)

// ProviderError wraps an embedding-backend failure with a retryable
// classification. Rate limits and transport failures are retryable;
// malformed requests and credential rejections are not.
type ProviderError struct {
	Op        string
	Retryable bool
	Err       error
}

func (e *ProviderError) Error() string {
	kind := "permanent"
	if e.Retryable {
		kind = "retryable"
	}
	return fmt.Sprintf("provider: %s: %s: %v", e.Op, kind, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProviderError wraps err as a provider failure for operation op.
func NewProviderError(op string, retryable bool, err error) *ProviderError {
	return &ProviderError{Op: op, Retryable: retryable, Err: err}
}

// IsRetryable reports whether err is a retryable provider failure.
func IsRetryable(err error) bool {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Retryable
	}
	return false
}

// IndexError wraps a vector-store failure.
type IndexError struct {
	Op  string
	Err error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("index: %s: %v", e.Op, e.Err)
}

func (e *IndexError) Unwrap() error { return e.Err }

// NewIndexError wraps err as an index failure for operation op.
func NewIndexError(op string, err error) *IndexError {
	return &IndexError{Op: op, Err: err}
}

// ValidationError wraps a sentinel with the offending field and value.
type ValidationError struct {
	Field   string
	Value   string
	Wrapped error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation: %s: %s (value=%q)", e.Wrapped, e.Field, e.Value)
}

func (e *ValidationError) Unwrap() error { return e.Wrapped }

// NewValidationError creates a ValidationError.
func NewValidationError(field, value string, wrapped error) *ValidationError {
	return &ValidationError{Field: field, Value: value, Wrapped: wrapped}
}
