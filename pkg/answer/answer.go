// Package answer turns retrieved context chunks into a grounded answer by
// calling a chat completion model.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/bookworm-ai/bookworm/engine/domain"
)

// DefaultChatModel is used when no model is configured.
const DefaultChatModel = "gpt-4o-mini"

const defaultSystemPrompt = `You are a helpful teaching assistant for a digital textbook.
Answer the student's question using ONLY the provided excerpts. If the
excerpts do not contain enough information, say so instead of guessing.
Cite excerpts using their [id].`

// Answer is a generated response with the chunks it was grounded on.
type Answer struct {
	Text       string               `json:"text"`
	Model      string               `json:"model"`
	TokensUsed int                  `json:"tokens_used"`
	Sources    []domain.ScoredChunk `json:"sources"`
}

// Generator produces an answer from a question and its retrieved context.
type Generator interface {
	Generate(ctx context.Context, question string, chunks []domain.ScoredChunk) (*Answer, error)
}

// Options configures answer generation.
type Options struct {
	Model        string
	Temperature  float32
	MaxTokens    int
	SystemPrompt string
}

// DefaultOptions returns sensible defaults.
func DefaultOptions() Options {
	return Options{
		Model:        DefaultChatModel,
		Temperature:  0.3,
		MaxTokens:    1024,
		SystemPrompt: defaultSystemPrompt,
	}
}

// OpenAIGenerator generates answers through the OpenAI chat API.
type OpenAIGenerator struct {
	client *openai.Client
	opts   Options
	logger *slog.Logger
}

// NewOpenAI creates a generator. The API key is required.
func NewOpenAI(apiKey string, opts Options, logger *slog.Logger) (*OpenAIGenerator, error) {
	return newOpenAI(apiKey, "", opts, logger)
}

// NewOpenAIWithBaseURL points the generator at an alternate endpoint.
// Used in tests.
func NewOpenAIWithBaseURL(apiKey, baseURL string, opts Options, logger *slog.Logger) (*OpenAIGenerator, error) {
	return newOpenAI(apiKey, baseURL, opts, logger)
}

func newOpenAI(apiKey, baseURL string, opts Options, logger *slog.Logger) (*OpenAIGenerator, error) {
	if apiKey == "" {
		return nil, fmt.Errorf("%w: missing OpenAI API key", domain.ErrConfig)
	}
	if opts.Model == "" {
		opts.Model = DefaultChatModel
	}
	if opts.MaxTokens <= 0 {
		opts.MaxTokens = DefaultOptions().MaxTokens
	}
	if opts.SystemPrompt == "" {
		opts.SystemPrompt = defaultSystemPrompt
	}
	if logger == nil {
		logger = slog.Default()
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		client: openai.NewClientWithConfig(cfg),
		opts:   opts,
		logger: logger,
	}, nil
}

// noContextAnswer is returned without a model call when retrieval found
// nothing above the threshold.
const noContextAnswer = "No relevant content was found for this question in the selected scope."

// Generate builds a prompt from the chunks and calls the chat model.
// An empty chunk set short-circuits with a canned answer.
func (g *OpenAIGenerator) Generate(ctx context.Context, question string, chunks []domain.ScoredChunk) (*Answer, error) {
	if len(chunks) == 0 {
		return &Answer{Text: noContextAnswer, Model: g.opts.Model}, nil
	}
	resp, err := g.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       g.opts.Model,
		Temperature: g.opts.Temperature,
		MaxTokens:   g.opts.MaxTokens,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: g.opts.SystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: buildPrompt(question, chunks)},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("answer: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("answer: chat completion returned no choices")
	}

	g.logger.Info("answer generated",
		"model", resp.Model,
		"tokens", resp.Usage.TotalTokens,
		"sources", len(chunks),
	)

	return &Answer{
		Text:       resp.Choices[0].Message.Content,
		Model:      resp.Model,
		TokensUsed: resp.Usage.TotalTokens,
		Sources:    chunks,
	}, nil
}

// buildPrompt formats the retrieved chunks and the question into the user
// message. Chunks keep their IDs so the model can cite them.
func buildPrompt(question string, chunks []domain.ScoredChunk) string {
	var b strings.Builder
	if len(chunks) > 0 {
		b.WriteString("Excerpts:\n\n")
		for _, c := range chunks {
			fmt.Fprintf(&b, "[%s] (score: %.3f)\n%s\n\n", c.ID, c.Score, c.Text)
		}
	}
	b.WriteString("Question: ")
	b.WriteString(question)
	return b.String()
}
