package domain

import (
	"strings"
	"unicode/utf8"
)

const (
	// minQuestionLength is the minimum rune count for a user question.
	minQuestionLength = 3
	// MaxDocumentBytes caps a single ingestion request.
	MaxDocumentBytes = 10 << 20
)

// ValidateDocument checks a document before ingestion.
func ValidateDocument(doc Document) error {
	if doc.DocID == "" {
		return NewValidationError("doc_id", "", ErrMissingDocID)
	}
	if doc.BookID == "" {
		return NewValidationError("book_id", "", ErrMissingBookID)
	}
	if strings.TrimSpace(doc.Text) == "" {
		return NewValidationError("text", "", ErrEmptyText)
	}
	if len(doc.Text) > MaxDocumentBytes {
		return NewValidationError("text", "oversized", ErrTextTooLarge)
	}
	// A section always belongs to a chapter in the book hierarchy.
	if doc.SectionID != "" && doc.ChapterID == "" {
		return NewValidationError("chapter_id", "", ErrMissingChapterID)
	}
	return nil
}

// ValidateQuestion checks a user question before embedding.
func ValidateQuestion(bookID, question string) error {
	if bookID == "" {
		return NewValidationError("book_id", "", ErrMissingBookID)
	}
	q := strings.TrimSpace(question)
	if q == "" {
		return NewValidationError("question", "", ErrEmptyQuestion)
	}
	if utf8.RuneCountInString(q) < minQuestionLength {
		return NewValidationError("question", q, ErrEmptyQuestion)
	}
	return nil
}
