package retrieval

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/bookworm-ai/bookworm/engine/domain"
	"github.com/bookworm-ai/bookworm/engine/semantic"
)

// --- fakes ---

// letterProvider embeds text as a letter-frequency vector. Deterministic, so
// similarity between fixed texts is stable across runs.
type letterProvider struct {
	mu         sync.Mutex
	docCalls   int
	queryCalls int
	failBatch  error
	failQuery  error
}

func (p *letterProvider) Name() string   { return "letters" }
func (p *letterProvider) Dimension() int { return 26 }

func letterVector(text string) []float32 {
	v := make([]float32, 26)
	for _, r := range strings.ToLower(text) {
		if r >= 'a' && r <= 'z' {
			v[r-'a']++
		}
	}
	return v
}

func (p *letterProvider) EmbedDocuments(_ context.Context, texts []string) ([][]float32, error) {
	p.mu.Lock()
	p.docCalls++
	p.mu.Unlock()
	if p.failBatch != nil {
		return nil, p.failBatch
	}
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = letterVector(t)
	}
	return out, nil
}

func (p *letterProvider) EmbedQuery(_ context.Context, text string) ([]float32, error) {
	p.mu.Lock()
	p.queryCalls++
	p.mu.Unlock()
	if p.failQuery != nil {
		return nil, p.failQuery
	}
	return letterVector(text), nil
}

// memIndex is an in-memory VectorIndex with cosine scoring and deterministic
// tie-breaking by insertion recency.
type memIndex struct {
	mu       sync.Mutex
	dims     int
	records  map[string]semantic.VectorRecord
	order    map[string]int
	seq      int
	writes   int
	searches int
	failing  error
}

func newMemIndex() *memIndex {
	return &memIndex{records: make(map[string]semantic.VectorRecord), order: make(map[string]int)}
}

func (m *memIndex) EnsureCollection(_ context.Context, dims int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.dims != 0 && m.dims != dims {
		return fmt.Errorf("%w: collection has dimension %d, provider emits %d", domain.ErrConfig, m.dims, dims)
	}
	m.dims = dims
	return nil
}

func (m *memIndex) Upsert(_ context.Context, records []semantic.VectorRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	for _, r := range records {
		if _, ok := m.records[r.ID]; !ok {
			m.seq++
			m.order[r.ID] = m.seq
		}
		m.records[r.ID] = r
	}
	m.writes++
	return nil
}

func payloadStr(p map[string]any, key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

func (m *memIndex) matching(scope domain.Scope) []semantic.VectorRecord {
	var out []semantic.VectorRecord
	for _, r := range m.records {
		if scope.Matches(
			payloadStr(r.Payload, "book_id"),
			payloadStr(r.Payload, "chapter_id"),
			payloadStr(r.Payload, "section_id"),
			payloadStr(r.Payload, "doc_id"),
		) {
			out = append(out, r)
		}
	}
	return out
}

func cosine(a, b []float32) float32 {
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(na) * math.Sqrt(nb)))
}

func (m *memIndex) SearchScoped(_ context.Context, embedding []float32, scope domain.Scope, topK int) ([]semantic.SearchResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return nil, m.failing
	}
	m.searches++

	matched := m.matching(scope)
	results := make([]semantic.SearchResult, len(matched))
	for i, r := range matched {
		idx, _ := r.Payload["chunk_index"].(int)
		results[i] = semantic.SearchResult{
			ID:        r.ID,
			Score:     cosine(embedding, r.Embedding),
			Text:      payloadStr(r.Payload, "text"),
			BookID:    payloadStr(r.Payload, "book_id"),
			ChapterID: payloadStr(r.Payload, "chapter_id"),
			SectionID: payloadStr(r.Payload, "section_id"),
			DocID:     payloadStr(r.Payload, "doc_id"),
			Index:     idx,
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return m.order[results[i].ID] > m.order[results[j].ID]
	})
	if len(results) > topK {
		results = results[:topK]
	}
	return results, nil
}

func (m *memIndex) DeleteByScope(_ context.Context, scope domain.Scope) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return m.failing
	}
	if scope.IsEmpty() {
		return fmt.Errorf("memindex: %w", domain.ErrEmptyScope)
	}
	for _, r := range m.matching(scope) {
		delete(m.records, r.ID)
		delete(m.order, r.ID)
	}
	return nil
}

func (m *memIndex) Count(_ context.Context, scope domain.Scope) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing != nil {
		return 0, m.failing
	}
	return uint64(len(m.matching(scope))), nil
}

func (m *memIndex) texts() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []string
	for _, r := range m.records {
		out = append(out, payloadStr(r.Payload, "text"))
	}
	sort.Strings(out)
	return out
}

func newService(t *testing.T) (*Service, *letterProvider, *memIndex) {
	t.Helper()
	provider := &letterProvider{}
	index := newMemIndex()
	svc := New(provider, index, DefaultOptions(), nil)
	if err := svc.Setup(context.Background()); err != nil {
		t.Fatalf("setup: %v", err)
	}
	return svc, provider, index
}

func threshold(v float32) *float32 { return &v }

// --- tests ---

func TestSetup_DimensionMismatch(t *testing.T) {
	index := newMemIndex()
	index.dims = 999
	svc := New(&letterProvider{}, index, DefaultOptions(), nil)
	if err := svc.Setup(context.Background()); !errors.Is(err, domain.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

func TestIngest_ThreeSentences(t *testing.T) {
	svc, _, index := newService(t)
	svc.opts.MaxChunkSize = 20

	stats, err := svc.Ingest(context.Background(), domain.Document{
		DocID:     "d1",
		BookID:    "b1",
		ChapterID: "c1",
		Text:      "Sentence one. Sentence two. Sentence three.",
	})
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	if stats.Chunks != 3 {
		t.Fatalf("expected 3 chunks, got %d", stats.Chunks)
	}

	want := []string{"Sentence one.", "Sentence three.", "Sentence two."}
	got := index.texts()
	if len(got) != 3 {
		t.Fatalf("expected 3 index entries, got %d", len(got))
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("entry %d: expected %q, got %q", i, want[i], got[i])
		}
	}
	for _, r := range index.records {
		if payloadStr(r.Payload, "book_id") != "b1" || payloadStr(r.Payload, "chapter_id") != "c1" {
			t.Errorf("scope fields not inherited: %v", r.Payload)
		}
	}
}

func TestIngest_InvalidDocument(t *testing.T) {
	svc, provider, _ := newService(t)
	_, err := svc.Ingest(context.Background(), domain.Document{DocID: "d1", BookID: "", Text: "hi there."})
	if !errors.Is(err, domain.ErrMissingBookID) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if provider.docCalls != 0 {
		t.Error("provider called for invalid document")
	}
}

func TestIngest_EmbedFailureLeavesIndexUntouched(t *testing.T) {
	svc, provider, index := newService(t)
	provider.failBatch = domain.NewProviderError("embed", true, errors.New("rate limited"))

	_, err := svc.Ingest(context.Background(), domain.Document{DocID: "d1", BookID: "b1", Text: "Some text here."})
	if err == nil {
		t.Fatal("expected error")
	}
	if len(index.records) != 0 || index.writes != 0 {
		t.Error("index mutated despite embedding failure")
	}
}

func TestIngest_ReplaceSemantics(t *testing.T) {
	svc, _, index := newService(t)
	ctx := context.Background()

	doc := domain.Document{DocID: "d1", BookID: "b1", Text: "Old alpha text. Old beta text."}
	if _, err := svc.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}

	doc.Text = "Entirely new content now."
	if _, err := svc.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}

	for _, text := range index.texts() {
		if strings.Contains(text, "Old") {
			t.Errorf("stale chunk survived re-ingestion: %q", text)
		}
	}

	zero := threshold(0)
	res, err := svc.Query(ctx, Request{BookID: "b1", Question: "new content", TopK: 10, Threshold: zero})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range res.Chunks {
		if strings.Contains(c.Text, "Old") {
			t.Errorf("stale chunk returned from search: %q", c.Text)
		}
	}
}

func TestIngest_Idempotent(t *testing.T) {
	svc, _, index := newService(t)
	ctx := context.Background()

	doc := domain.Document{DocID: "d1", BookID: "b1", Text: "Alpha. Beta. Gamma."}
	for i := 0; i < 2; i++ {
		if _, err := svc.Ingest(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(index.records); got != len(index.texts()) || got == 0 {
		t.Fatalf("unexpected record count %d", got)
	}
	first := index.texts()
	if _, err := svc.Ingest(ctx, doc); err != nil {
		t.Fatal(err)
	}
	second := index.texts()
	if len(first) != len(second) {
		t.Fatalf("duplicate chunks after re-ingestion: %d vs %d", len(first), len(second))
	}
}

func TestQuery_TopOneFromIngestedChunks(t *testing.T) {
	svc, _, _ := newService(t)
	svc.opts.MaxChunkSize = 20
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, domain.Document{
		DocID: "d1", BookID: "b1", ChapterID: "c1",
		Text: "Sentence one. Sentence two. Sentence three.",
	}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Query(ctx, Request{
		BookID:    "b1",
		ChapterID: "c1",
		Question:  "What is sentence two about?",
		TopK:      1,
		Threshold: threshold(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) != 1 {
		t.Fatalf("expected exactly 1 result, got %d", len(res.Chunks))
	}
	valid := map[string]bool{"Sentence one.": true, "Sentence two.": true, "Sentence three.": true}
	if !valid[res.Chunks[0].Text] {
		t.Errorf("result not among ingested chunks: %q", res.Chunks[0].Text)
	}
}

func TestQuery_ScopeIsolation(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	docs := []domain.Document{
		{DocID: "d1", BookID: "b1", ChapterID: "c1", SectionID: "s1", Text: "Shared topic words here."},
		{DocID: "d2", BookID: "b1", ChapterID: "c2", Text: "Shared topic words here too."},
		{DocID: "d3", BookID: "b2", Text: "Shared topic words here as well."},
	}
	for _, d := range docs {
		if _, err := svc.Ingest(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	res, err := svc.Query(ctx, Request{
		BookID:    "b1",
		ChapterID: "c1",
		SectionID: "s1",
		Question:  "shared topic words",
		TopK:      10,
		Threshold: threshold(0),
	})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) == 0 {
		t.Fatal("expected results inside the scope")
	}
	for _, c := range res.Chunks {
		if c.BookID != "b1" || c.ChapterID != "c1" || c.SectionID != "s1" {
			t.Errorf("cross-scope leakage: %+v", c)
		}
	}

	wholeBook, err := svc.Query(ctx, Request{BookID: "b1", Question: "shared topic words", TopK: 10, Threshold: threshold(0)})
	if err != nil {
		t.Fatal(err)
	}
	for _, c := range wholeBook.Chunks {
		if c.BookID != "b1" {
			t.Errorf("book-scope leakage: %+v", c)
		}
	}
}

func TestQuery_RankedOrderAndLimit(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	text := "Apples grow on trees. Bees make honey. Rivers carry water. Clocks measure time. Wind moves clouds."
	svc.opts.MaxChunkSize = 25
	if _, err := svc.Ingest(ctx, domain.Document{DocID: "d1", BookID: "b1", Text: text}); err != nil {
		t.Fatal(err)
	}

	res, err := svc.Query(ctx, Request{BookID: "b1", Question: "where does honey come from", TopK: 3, Threshold: threshold(0)})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Chunks) > 3 {
		t.Fatalf("top_k violated: %d results", len(res.Chunks))
	}
	for i := 1; i < len(res.Chunks); i++ {
		if res.Chunks[i].Score > res.Chunks[i-1].Score {
			t.Errorf("results not in descending score order at %d", i)
		}
	}
}

func TestQuery_ThresholdMonotonicity(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, domain.Document{
		DocID: "d1", BookID: "b1",
		Text: "Apples grow on trees. Bees make honey. Rivers carry water.",
	}); err != nil {
		t.Fatal(err)
	}

	prev := -1
	for _, th := range []float32{0, 0.2, 0.4, 0.6, 0.8, 0.95} {
		res, err := svc.Query(ctx, Request{BookID: "b1", Question: "bees and honey", TopK: 10, Threshold: threshold(th)})
		if err != nil {
			t.Fatal(err)
		}
		if prev != -1 && len(res.Chunks) > prev {
			t.Errorf("raising threshold to %v increased result count %d -> %d", th, prev, len(res.Chunks))
		}
		prev = len(res.Chunks)
	}
}

func TestQuery_HighThresholdEmptyNotError(t *testing.T) {
	svc, _, _ := newService(t)
	ctx := context.Background()

	if _, err := svc.Ingest(ctx, domain.Document{DocID: "d1", BookID: "b1", Text: "abc abc abc."}); err != nil {
		t.Fatal(err)
	}

	// Digits share no letters with the corpus, so similarity is zero.
	res, err := svc.Query(ctx, Request{BookID: "b1", Question: "12345 67890", TopK: 5, Threshold: threshold(0.99)})
	if err != nil {
		t.Fatalf("empty result must not be an error, got %v", err)
	}
	if len(res.Chunks) != 0 {
		t.Fatalf("expected empty result, got %d", len(res.Chunks))
	}
}

func TestQuery_SelectionBypassesIndex(t *testing.T) {
	svc, provider, index := newService(t)

	res, err := svc.Query(context.Background(), Request{
		BookID:       "b1",
		Question:     "Explain this passage.",
		SelectedText: "The mitochondria is the powerhouse of the cell.",
	})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Selection {
		t.Error("expected selection result")
	}
	if len(res.Chunks) != 1 || res.Chunks[0].Text != "The mitochondria is the powerhouse of the cell." {
		t.Fatalf("expected the selection as the single context chunk, got %+v", res.Chunks)
	}
	if provider.queryCalls != 0 || provider.docCalls != 0 {
		t.Error("selection query must not call the provider")
	}
	if index.searches != 0 {
		t.Error("selection query must not search the index")
	}
}

func TestQuery_ProviderFailureIsUnavailable(t *testing.T) {
	svc, provider, _ := newService(t)
	provider.failQuery = domain.NewProviderError("embed", true, errors.New("timeout"))

	_, err := svc.Query(context.Background(), Request{BookID: "b1", Question: "anything at all"})
	if !IsUnavailable(err) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
}

func TestQuery_IndexFailureIsUnavailable(t *testing.T) {
	svc, _, index := newService(t)
	index.failing = domain.NewIndexError("search", errors.New("connection refused"))

	_, err := svc.Query(context.Background(), Request{BookID: "b1", Question: "anything at all"})
	if !IsUnavailable(err) {
		t.Fatalf("expected ErrRetrievalUnavailable, got %v", err)
	}
}

func TestQuery_Validation(t *testing.T) {
	svc, _, _ := newService(t)
	if _, err := svc.Query(context.Background(), Request{Question: "hi there"}); !errors.Is(err, domain.ErrMissingBookID) {
		t.Errorf("expected ErrMissingBookID, got %v", err)
	}
	if _, err := svc.Query(context.Background(), Request{BookID: "b1"}); !errors.Is(err, domain.ErrEmptyQuestion) {
		t.Errorf("expected ErrEmptyQuestion, got %v", err)
	}
}

func TestDeleteBook(t *testing.T) {
	svc, _, index := newService(t)
	ctx := context.Background()

	for _, d := range []domain.Document{
		{DocID: "d1", BookID: "b1", Text: "Keep or drop."},
		{DocID: "d2", BookID: "b2", Text: "Survivor text."},
	} {
		if _, err := svc.Ingest(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	if err := svc.DeleteBook(ctx, "b1"); err != nil {
		t.Fatal(err)
	}
	for _, r := range index.records {
		if payloadStr(r.Payload, "book_id") == "b1" {
			t.Error("b1 chunks survived delete")
		}
	}
	if len(index.records) == 0 {
		t.Error("delete removed other books' chunks")
	}

	if err := svc.DeleteBook(ctx, ""); !errors.Is(err, domain.ErrMissingBookID) {
		t.Errorf("expected ErrMissingBookID, got %v", err)
	}
	if err := svc.DeleteBook(ctx, "no-such-book"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPointID_Deterministic(t *testing.T) {
	a := pointID("doc-1", 0)
	b := pointID("doc-1", 0)
	c := pointID("doc-1", 1)
	if a != b {
		t.Error("same inputs must derive the same ID")
	}
	if a == c {
		t.Error("different chunk indexes must derive different IDs")
	}
}
