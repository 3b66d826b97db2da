package answer

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/bookworm-ai/bookworm/engine/domain"
)

func TestNewOpenAI_RequiresKey(t *testing.T) {
	_, err := NewOpenAI("", DefaultOptions(), nil)
	if !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestBuildPrompt(t *testing.T) {
	chunks := []domain.ScoredChunk{
		{ID: "c1", Text: "Neural networks have layers.", Score: 0.91},
		{ID: "c2", Text: "Backpropagation computes gradients.", Score: 0.85},
	}
	prompt := buildPrompt("How does training work?", chunks)

	for _, want := range []string{"[c1]", "[c2]", "Neural networks have layers.", "Question: How does training work?"} {
		if !strings.Contains(prompt, want) {
			t.Errorf("prompt missing %q:\n%s", want, prompt)
		}
	}
	if !strings.Contains(prompt, "score: 0.910") {
		t.Errorf("prompt missing score:\n%s", prompt)
	}
}

func TestBuildPrompt_NoChunks(t *testing.T) {
	prompt := buildPrompt("Anything?", nil)
	if strings.Contains(prompt, "Excerpts") {
		t.Errorf("empty context should omit excerpts section:\n%s", prompt)
	}
}

func TestGenerate(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewDecoder(r.Body).Decode(&gotBody)
		json.NewEncoder(w).Encode(map[string]any{
			"model": "gpt-4o-mini",
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": "Layers transform inputs. [c1]"}},
			},
			"usage": map[string]any{"total_tokens": 42},
		})
	}))
	defer srv.Close()

	gen, err := NewOpenAIWithBaseURL("test-key", srv.URL+"/v1", DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}

	chunks := []domain.ScoredChunk{{ID: "c1", Text: "Neural networks have layers.", Score: 0.9}}
	ans, err := gen.Generate(context.Background(), "What are layers?", chunks)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if ans.Text != "Layers transform inputs. [c1]" {
		t.Errorf("unexpected answer text: %q", ans.Text)
	}
	if ans.TokensUsed != 42 {
		t.Errorf("tokens used = %d", ans.TokensUsed)
	}
	if len(ans.Sources) != 1 || ans.Sources[0].ID != "c1" {
		t.Errorf("sources not carried through: %+v", ans.Sources)
	}

	msgs, _ := gotBody["messages"].([]any)
	if len(msgs) != 2 {
		t.Fatalf("expected system+user messages, got %d", len(msgs))
	}
}

func TestGenerate_EmptyContextSkipsModel(t *testing.T) {
	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		called = true
	}))
	defer srv.Close()

	gen, err := NewOpenAIWithBaseURL("test-key", srv.URL+"/v1", DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	ans, err := gen.Generate(context.Background(), "Anything?", nil)
	if err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("model called with empty context")
	}
	if !strings.Contains(ans.Text, "No relevant content") {
		t.Errorf("unexpected canned answer: %q", ans.Text)
	}
}

func TestGenerate_ServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, `{"error":{"message":"overloaded"}}`, http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	gen, err := NewOpenAIWithBaseURL("test-key", srv.URL+"/v1", DefaultOptions(), nil)
	if err != nil {
		t.Fatal(err)
	}
	chunks := []domain.ScoredChunk{{ID: "c1", Text: "Neural networks have layers.", Score: 0.9}}
	if _, err := gen.Generate(context.Background(), "q", chunks); err == nil {
		t.Fatal("expected error from upstream failure")
	}
}
