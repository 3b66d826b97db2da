// Package domain defines the core types, validation, and error taxonomy for
// the Bookworm retrieval engine. It acts as the validation gate at the entry
// points of the ingestion and query paths.
package domain

// Document is one ingested unit of textbook content. It is immutable once
// chunked; re-ingesting the same DocID replaces its chunk set.
type Document struct {
	DocID     string            `json:"doc_id"`
	BookID    string            `json:"book_id"`
	ChapterID string            `json:"chapter_id,omitempty"`
	SectionID string            `json:"section_id,omitempty"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// Chunk is a bounded, sentence-respecting segment of a document, the unit of
// embedding and retrieval.
type Chunk struct {
	Text  string `json:"text"`
	Index int    `json:"index"`
	DocID string `json:"doc_id"`
}

// Scope restricts search and delete operations to a document subtree.
// Set fields are combined as a conjunction of equality constraints; the zero
// value matches everything.
type Scope struct {
	BookID    string `json:"book_id,omitempty"`
	ChapterID string `json:"chapter_id,omitempty"`
	SectionID string `json:"section_id,omitempty"`
	DocID     string `json:"doc_id,omitempty"`
}

// IsEmpty reports whether the scope carries no constraints at all.
// An empty scope means an unrestricted operation and must be deliberate.
func (s Scope) IsEmpty() bool {
	return s.BookID == "" && s.ChapterID == "" && s.SectionID == "" && s.DocID == ""
}

// Conditions returns the set fields as payload-key → value pairs.
func (s Scope) Conditions() map[string]string {
	out := make(map[string]string, 4)
	if s.BookID != "" {
		out["book_id"] = s.BookID
	}
	if s.ChapterID != "" {
		out["chapter_id"] = s.ChapterID
	}
	if s.SectionID != "" {
		out["section_id"] = s.SectionID
	}
	if s.DocID != "" {
		out["doc_id"] = s.DocID
	}
	return out
}

// Matches reports whether a chunk's scope fields satisfy every constraint.
func (s Scope) Matches(bookID, chapterID, sectionID, docID string) bool {
	if s.BookID != "" && s.BookID != bookID {
		return false
	}
	if s.ChapterID != "" && s.ChapterID != chapterID {
		return false
	}
	if s.SectionID != "" && s.SectionID != sectionID {
		return false
	}
	if s.DocID != "" && s.DocID != docID {
		return false
	}
	return true
}

// ScopeForDocument returns the scope that selects exactly one document's chunks.
func ScopeForDocument(doc Document) Scope {
	return Scope{DocID: doc.DocID}
}

// ScoredChunk is one ranked retrieval hit with provenance.
type ScoredChunk struct {
	ID        string  `json:"id"`
	Text      string  `json:"text"`
	BookID    string  `json:"book_id"`
	ChapterID string  `json:"chapter_id,omitempty"`
	SectionID string  `json:"section_id,omitempty"`
	DocID     string  `json:"doc_id"`
	Index     int     `json:"index"`
	Score     float32 `json:"score"`
}
