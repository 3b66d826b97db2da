package semantic

// VectorRecord is a single point to store in Qdrant: embedding plus payload.
// Payload always carries text, doc_id, book_id, chunk_index, and the optional
// chapter_id/section_id scope fields.
type VectorRecord struct {
	ID        string
	Embedding []float32
	Payload   map[string]any
}

// SearchResult is a single vector search hit with its provenance payload.
type SearchResult struct {
	ID        string            `json:"id"`
	Score     float32           `json:"score"`
	Text      string            `json:"text"`
	BookID    string            `json:"book_id"`
	ChapterID string            `json:"chapter_id,omitempty"`
	SectionID string            `json:"section_id,omitempty"`
	DocID     string            `json:"doc_id"`
	Index     int               `json:"chunk_index"`
	Meta      map[string]string `json:"meta,omitempty"`
}
