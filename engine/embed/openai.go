package embed

import (
	"context"
	"errors"
	"fmt"

	"github.com/bookworm-ai/bookworm/engine/domain"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIDimension is the output dimension of text-embedding-3-small.
const OpenAIDimension = 1536

// OpenAIClient embeds text through an OpenAI-compatible API. The backend has
// no asymmetric mode, so documents and queries share one encoding.
type OpenAIClient struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAI creates an OpenAI embedding provider, failing fast on a missing key.
func NewOpenAI(apiKey string) (*OpenAIClient, error) {
	return NewOpenAIWithBaseURL(apiKey, "")
}

// NewOpenAIWithBaseURL creates a provider against a custom OpenAI-compatible
// endpoint (proxies, local inference servers, test servers).
func NewOpenAIWithBaseURL(apiKey, baseURL string) (*OpenAIClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: openai api key is empty", domain.ErrConfig)
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		model:  openai.SmallEmbedding3,
	}, nil
}

func (o *OpenAIClient) Name() string   { return "openai" }
func (o *OpenAIClient) Dimension() int { return OpenAIDimension }

func (o *OpenAIClient) embed(ctx context.Context, texts []string) ([][]float32, error) {
	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequestStrings{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		return nil, domain.NewProviderError("embed", openaiRetryable(err), err)
	}
	if len(resp.Data) != len(texts) {
		err := fmt.Errorf("openai: got %d embeddings for %d texts", len(resp.Data), len(texts))
		return nil, domain.NewProviderError("embed", false, err)
	}

	// The API may return data out of order; Index is authoritative.
	vecs := make([][]float32, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(texts) {
			err := fmt.Errorf("openai: embedding index %d out of range", d.Index)
			return nil, domain.NewProviderError("embed", false, err)
		}
		if len(d.Embedding) != OpenAIDimension {
			err := fmt.Errorf("openai: embedding %d has dimension %d, want %d", d.Index, len(d.Embedding), OpenAIDimension)
			return nil, domain.NewProviderError("embed", false, err)
		}
		vecs[d.Index] = d.Embedding
	}
	return vecs, nil
}

// EmbedDocuments embeds chunks in one batch, all-or-nothing.
func (o *OpenAIClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return o.embed(ctx, texts)
}

// EmbedQuery embeds a question. OpenAI uses symmetric encoding.
func (o *OpenAIClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := o.embed(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func openaiRetryable(err error) bool {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	// Transport-level failures are worth retrying.
	return true
}
