// Package ingest runs the asynchronous document ingestion worker. Documents
// arrive as JSON messages on NATS, flow through a validate/index pipeline
// backed by the retrieval service, and failed messages are retried with a
// bounded count before landing on a dead letter subject.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/bookworm-ai/bookworm/engine/domain"
	"github.com/bookworm-ai/bookworm/engine/retrieval"
	"github.com/bookworm-ai/bookworm/pkg/fn"
	"github.com/bookworm-ai/bookworm/pkg/metrics"
	"github.com/bookworm-ai/bookworm/pkg/natsutil"
	"github.com/bookworm-ai/bookworm/pkg/resilience"
)

const (
	// Subject carries incoming documents.
	Subject = "engine.ingest.document"
	// DLQSubject receives messages that exhausted their retries or failed
	// validation.
	DLQSubject = "engine.ingest.dlq"
	// QueueGroup lets multiple workers share the subject.
	QueueGroup = "ingest-workers"
	// MaxRetries before a message is sent to the DLQ.
	MaxRetries = 3

	retryHeader = "X-Retry-Count"
)

// Ingester indexes a single document. Satisfied by *retrieval.Service.
type Ingester interface {
	Ingest(ctx context.Context, doc domain.Document) (retrieval.IngestStats, error)
}

// Deps holds the external dependencies of the worker.
type Deps struct {
	Service Ingester
	Breaker *resilience.Breaker
	Logger  *slog.Logger
	Metrics *metrics.Registry
}

// NewPipeline builds the validate/index stage chain. The index stage goes
// through the circuit breaker when one is configured, so a struggling
// embedding provider or vector store sheds load instead of being hammered.
func NewPipeline(deps Deps) fn.Stage[domain.Document, retrieval.IngestStats] {
	validate := fn.Stage[domain.Document, domain.Document](func(_ context.Context, doc domain.Document) fn.Result[domain.Document] {
		if err := domain.ValidateDocument(doc); err != nil {
			return fn.Err[domain.Document](err)
		}
		return fn.Ok(doc)
	})

	index := fn.Stage[domain.Document, retrieval.IngestStats](func(ctx context.Context, doc domain.Document) fn.Result[retrieval.IngestStats] {
		return fn.FromPair(deps.Service.Ingest(ctx, doc))
	})
	if deps.Breaker != nil {
		index = resilience.BreakerStage(deps.Breaker, index)
	}

	return fn.TracedStage("ingest.document", fn.Then(validate, index))
}

// dlqMessage is published to the DLQ on permanent failure.
type dlqMessage struct {
	Document domain.Document `json:"document"`
	Error    string          `json:"error"`
	Retries  int             `json:"retries"`
}

// permanent reports whether retrying the message cannot help.
func permanent(err error) bool {
	var verr *domain.ValidationError
	return errors.As(err, &verr)
}

func retryCount(msg *nats.Msg) int {
	if msg.Header == nil {
		return 0
	}
	n, err := strconv.Atoi(msg.Header.Get(retryHeader))
	if err != nil {
		return 0
	}
	return n
}

// StartConsumer subscribes to the ingest subject as part of the worker queue
// group and processes documents through the pipeline. Failed messages are
// republished with an incremented retry header; after MaxRetries, or
// immediately on validation failure, they go to the DLQ.
func StartConsumer(nc *nats.Conn, deps Deps) (*nats.Subscription, error) {
	pipeline := NewPipeline(deps)
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	var (
		ingested  *metrics.Counter
		failed    *metrics.Counter
		deadEnded *metrics.Counter
		duration  *metrics.Histogram
	)
	if deps.Metrics != nil {
		ingested = deps.Metrics.Counter("ingest_documents_total", "Documents indexed by the worker")
		failed = deps.Metrics.Counter("ingest_failures_total", "Pipeline failures, including retried attempts")
		deadEnded = deps.Metrics.Counter("ingest_dlq_total", "Messages sent to the dead letter queue")
		duration = deps.Metrics.Histogram("ingest_duration_seconds", "Wall time per document", nil)
	}

	return nc.QueueSubscribe(Subject, QueueGroup, func(msg *nats.Msg) {
		var doc domain.Document
		if err := json.Unmarshal(msg.Data, &doc); err != nil {
			log.Error("ingest: unmarshal failed", "error", err)
			return
		}

		ctx := natsutil.Extract(context.Background(), msg)
		start := time.Now()

		result := pipeline(ctx, doc)
		if duration != nil {
			duration.Since(start)
		}

		if stats, err := result.Unwrap(); err == nil {
			if ingested != nil {
				ingested.Inc()
			}
			log.Info("ingest: indexed",
				"doc_id", stats.DocID,
				"chunks", stats.Chunks,
				"elapsed", stats.Elapsed,
			)
		} else {
			if failed != nil {
				failed.Inc()
			}
			retries := retryCount(msg) + 1
			log.Error("ingest: pipeline failed",
				"error", err,
				"doc_id", doc.DocID,
				"retry", retries,
			)

			if permanent(err) || retries >= MaxRetries {
				dlq := dlqMessage{Document: doc, Error: err.Error(), Retries: retries}
				if pubErr := natsutil.Publish(ctx, nc, DLQSubject, dlq); pubErr != nil {
					log.Error("ingest: DLQ publish failed", "error", pubErr)
				} else if deadEnded != nil {
					deadEnded.Inc()
				}
			} else {
				retry := nats.NewMsg(Subject)
				retry.Data = msg.Data
				retry.Header.Set(retryHeader, strconv.Itoa(retries))
				natsutil.Inject(ctx, retry)
				if pubErr := nc.PublishMsg(retry); pubErr != nil {
					log.Error("ingest: retry publish failed", "error", pubErr)
				}
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}

// Enqueue publishes a document to the ingest subject. Validation runs before
// publish so callers learn about malformed documents synchronously.
func Enqueue(ctx context.Context, nc *nats.Conn, doc domain.Document) error {
	if err := domain.ValidateDocument(doc); err != nil {
		return err
	}
	if err := natsutil.Publish(ctx, nc, Subject, doc); err != nil {
		return fmt.Errorf("publish document %s: %w", doc.DocID, err)
	}
	return nil
}
