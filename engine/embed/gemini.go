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
	// GeminiModel is the embedding model used against the Gemini API.
	GeminiModel = "embedding-001"
	// GeminiDimension is the output dimension of GeminiModel.
	GeminiDimension = 768

	geminiBaseURL = "https://generativelanguage.googleapis.com"

	taskTypeDocument = "RETRIEVAL_DOCUMENT"
	taskTypeQuery    = "RETRIEVAL_QUERY"
)

// GeminiClient embeds text via the Gemini REST API.
type GeminiClient struct {
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

// NewGemini creates a Gemini embedding provider, failing fast on a missing key.
func NewGemini(apiKey string) (*GeminiClient, error) {
	return NewGeminiWithBaseURL(apiKey, geminiBaseURL)
}

// NewGeminiWithBaseURL creates a Gemini provider against a custom endpoint.
func NewGeminiWithBaseURL(apiKey, baseURL string) (*GeminiClient, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: gemini api key is empty", domain.ErrConfig)
	}
	return &GeminiClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		model:   GeminiModel,
		client:  newHTTPClient(),
	}, nil
}

func (g *GeminiClient) Name() string   { return "gemini" }
func (g *GeminiClient) Dimension() int { return GeminiDimension }

type geminiContent struct {
	Parts []geminiPart `json:"parts"`
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedReq struct {
	Model    string        `json:"model"`
	Content  geminiContent `json:"content"`
	TaskType string        `json:"taskType"`
}

type geminiBatchReq struct {
	Requests []geminiEmbedReq `json:"requests"`
}

type geminiEmbedding struct {
	Values []float32 `json:"values"`
}

type geminiBatchResp struct {
	Embeddings []geminiEmbedding `json:"embeddings"`
}

func (g *GeminiClient) post(ctx context.Context, path string, payload, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return domain.NewProviderError("embed", false, err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s%s?key=%s", g.baseURL, g.model, path, g.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return domain.NewProviderError("embed", false, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return domain.NewProviderError("embed", true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		err := fmt.Errorf("gemini: status %d: %s", resp.StatusCode, snippet)
		return domain.NewProviderError("embed", retryableStatus(resp.StatusCode), err)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return domain.NewProviderError("embed", false, fmt.Errorf("gemini: decode: %w", err))
	}
	return nil
}

// EmbedDocuments embeds chunks with the RETRIEVAL_DOCUMENT task type using
// the batch endpoint, all-or-nothing.
func (g *GeminiClient) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	reqs := make([]geminiEmbedReq, len(texts))
	for i, t := range texts {
		reqs[i] = geminiEmbedReq{
			Model:    "models/" + g.model,
			Content:  geminiContent{Parts: []geminiPart{{Text: t}}},
			TaskType: taskTypeDocument,
		}
	}

	var out geminiBatchResp
	if err := g.post(ctx, ":batchEmbedContents", geminiBatchReq{Requests: reqs}, &out); err != nil {
		return nil, err
	}
	if len(out.Embeddings) != len(texts) {
		err := fmt.Errorf("gemini: got %d embeddings for %d texts", len(out.Embeddings), len(texts))
		return nil, domain.NewProviderError("embed", false, err)
	}

	vecs := make([][]float32, len(out.Embeddings))
	for i, e := range out.Embeddings {
		if len(e.Values) != GeminiDimension {
			err := fmt.Errorf("gemini: embedding %d has dimension %d, want %d", i, len(e.Values), GeminiDimension)
			return nil, domain.NewProviderError("embed", false, err)
		}
		vecs[i] = e.Values
	}
	return vecs, nil
}

// EmbedQuery embeds a question with the RETRIEVAL_QUERY task type.
func (g *GeminiClient) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	payload := geminiEmbedReq{
		Model:    "models/" + g.model,
		Content:  geminiContent{Parts: []geminiPart{{Text: text}}},
		TaskType: taskTypeQuery,
	}

	var out struct {
		Embedding geminiEmbedding `json:"embedding"`
	}
	if err := g.post(ctx, ":embedContent", payload, &out); err != nil {
		return nil, err
	}
	if len(out.Embedding.Values) != GeminiDimension {
		err := fmt.Errorf("gemini: query embedding has dimension %d, want %d", len(out.Embedding.Values), GeminiDimension)
		return nil, domain.NewProviderError("embed", false, err)
	}
	return out.Embedding.Values, nil
}
