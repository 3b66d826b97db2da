package embed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/bookworm-ai/bookworm/engine/domain"
)

const (
	// CohereModel is the embedding model used against the Cohere API.
	CohereModel = "embed-english-v3.0"
	// CohereDimension is the output dimension of CohereModel.
	CohereDimension = 1024

	cohereBaseURL = "https://api.cohere.com"

	inputTypeDocument = "search_document"
	inputTypeQuery    = "search_query"
)

// CohereClient embeds text via the Cohere REST API.
type CohereClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewCohere creates a Cohere embedding provider. An empty API key fails here,
// not on the first call.
func NewCohere(apiKey string) (*CohereClient, error) {
	return NewCohereWithBaseURL(apiKey, cohereBaseURL)
}

// NewCohereWithBaseURL creates a Cohere provider against a custom endpoint.
func NewCohereWithBaseURL(apiKey, baseURL string) (*CohereClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: cohere api key is empty", domain.ErrConfig)
	}
	return &CohereClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   CohereModel,
		client:  newHTTPClient(),
	}, nil
}

func (c *CohereClient) Name() string   { return "cohere" }
func (c *CohereClient) Dimension() int { return CohereDimension }

type cohereEmbedReq struct {
	Texts     []string `json:"texts"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type"`
}

type cohereEmbedResp struct {
	Embeddings [][]float32 `json:"embeddings"`
}

func (c *CohereClient) embed(ctx context.Context, texts []string, inputType string) ([][]float32, error) {
	body, err := json.Marshal(cohereEmbedReq{Texts: texts, Model: c.model, InputType: inputType})
	if err != nil {
		return nil, domain.NewProviderError("embed", false, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/embed", bytes.NewReader(body))
	if err != nil {
		return nil, domain.NewProviderError("embed", false, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, domain.NewProviderError("embed", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("cohere: status %d: %s", resp.StatusCode, snippet)
		return nil, domain.NewProviderError("embed", retryableStatus(resp.StatusCode), err)
	}

	var out cohereEmbedResp
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, domain.NewProviderError("embed", false, fmt.Errorf("cohere: decode: %w", err))
	}
	if len(out.Embeddings) != len(texts) {
		err := fmt.Errorf("cohere: got %d embeddings for %d texts", len(out.Embeddings), len(texts))
		return nil, domain.NewProviderError("embed", false, err)
	}
	for i, v := range out.Embeddings {
		if len(v) != CohereDimension {
			err := fmt.Errorf("cohere: embedding %d has dimension %d, want %d", i, len(v), CohereDimension)
			return nil, domain.NewProviderError("embed", false, err)
		}
	}
	return out.Embeddings, nil
}

// EmbedDocuments embeds chunks in search_document mode, all-or-nothing.
func (c *CohereClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	return c.embed(ctx, texts, inputTypeDocument)
}

// EmbedQuery embeds a question in search_query mode.
func (c *CohereClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.embed(ctx, []string{text}, inputTypeQuery)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}
