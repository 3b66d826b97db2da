package embed

import (
	"context"

	"github.com/bookworm-ai/bookworm/engine/domain"
	"github.com/bookworm-ai/bookworm/pkg/fn"
	"golang.org/x/time/rate"
)

// retryProvider retries transient backend failures with exponential backoff.
// Non-retryable failures and setup errors pass through immediately, and each
// attempt is still all-or-nothing for the whole batch.
type retryProvider struct {
	Provider
	opts fn.RetryOpts
}

// WithRetry wraps p so transient failures are retried per opts.
func WithRetry(p Provider, opts fn.RetryOpts) Provider {
	opts.RetryIf = domain.IsRetryable
	return &retryProvider{Provider: p, opts: opts}
}

func (r *retryProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	res := fn.Retry(ctx, r.opts, func(ctx context.Context) fn.Result[[][]float32] {
		return fn.FromPair(r.Provider.EmbedDocuments(ctx, texts))
	})
	return res.Unwrap()
}

func (r *retryProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	res := fn.Retry(ctx, r.opts, func(ctx context.Context) fn.Result[[]float32] {
		return fn.FromPair(r.Provider.EmbedQuery(ctx, text))
	})
	return res.Unwrap()
}

// limitedProvider paces outbound calls with a token bucket, counting one
// token per request regardless of batch size.
type limitedProvider struct {
	Provider
	limiter *rate.Limiter
}

// WithRateLimit wraps p so calls wait for the limiter before going out.
func WithRateLimit(p Provider, limit rate.Limit, burst int) Provider {
	return &limitedProvider{Provider: p, limiter: rate.NewLimiter(limit, burst)}
}

func (l *limitedProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, domain.NewProviderError("embed_batch", true, err)
	}
	return l.Provider.EmbedDocuments(ctx, texts)
}

func (l *limitedProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if err := l.limiter.Wait(ctx); err != nil {
		return nil, domain.NewProviderError("embed_query", true, err)
	}
	return l.Provider.EmbedQuery(ctx, text)
}
