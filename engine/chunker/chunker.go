// Package chunker splits raw document text into bounded, sentence-respecting
// segments for embedding. Split is a pure function: no I/O, no state, safe to
// call concurrently across documents.
package chunker

import (
	"strings"
	"unicode"
)

// DefaultMaxChunkSize is the default chunk bound in characters.
const DefaultMaxChunkSize = 1000

// Split breaks text into ordered chunks of at most maxSize characters without
// splitting sentences. A single sentence longer than maxSize is word-wrapped
// into bounded pieces. Empty or whitespace-only input yields no chunks.
func Split(text string, maxSize int) []string {
	if maxSize <= 0 {
		maxSize = DefaultMaxChunkSize
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			chunks = append(chunks, s)
		}
		current.Reset()
	}

	for _, sentence := range splitSentences(text) {
		if len(sentence) > maxSize {
			// Word-wrap fallback for a pathological sentence. The last
			// piece stays open so normal accumulation resumes after it.
			flush()
			pieces := wrapWords(sentence, maxSize)
			for _, p := range pieces[:len(pieces)-1] {
				chunks = append(chunks, p)
			}
			current.WriteString(pieces[len(pieces)-1])
			current.WriteByte(' ')
			continue
		}
		if current.Len()+len(sentence) > maxSize {
			flush()
		}
		current.WriteString(sentence)
		current.WriteByte(' ')
	}
	flush()

	return chunks
}

// splitSentences splits text at terminal punctuation followed by whitespace.
// Text without terminal punctuation comes back as a single sentence.
func splitSentences(text string) []string {
	var sentences []string
	var current strings.Builder

	runes := []rune(text)
	for i, r := range runes {
		current.WriteRune(r)
		if r != '.' && r != '!' && r != '?' {
			continue
		}
		if i == len(runes)-1 || unicode.IsSpace(runes[i+1]) {
			if s := strings.TrimSpace(current.String()); s != "" {
				sentences = append(sentences, s)
			}
			current.Reset()
		}
	}
	if s := strings.TrimSpace(current.String()); s != "" {
		sentences = append(sentences, s)
	}
	return sentences
}

// wrapWords greedily packs the words of one oversized sentence into pieces of
// at most maxSize characters. Always returns at least one piece. A single
// word longer than maxSize is hard-split at rune boundaries.
func wrapWords(sentence string, maxSize int) []string {
	var pieces []string
	var current strings.Builder

	flush := func() {
		if s := strings.TrimSpace(current.String()); s != "" {
			pieces = append(pieces, s)
		}
		current.Reset()
	}

	for _, word := range strings.Fields(sentence) {
		if len(word) > maxSize {
			flush()
			for _, frag := range splitRunes(word, maxSize) {
				pieces = append(pieces, frag)
			}
			continue
		}
		if current.Len()+len(word) > maxSize {
			flush()
		}
		current.WriteString(word)
		current.WriteByte(' ')
	}
	flush()

	if len(pieces) == 0 {
		pieces = append(pieces, strings.TrimSpace(sentence))
	}
	return pieces
}

// splitRunes hard-splits a word into fragments of at most maxSize bytes,
// never cutting a rune in half.
func splitRunes(word string, maxSize int) []string {
	var out []string
	var current strings.Builder
	for _, r := range word {
		if current.Len()+len(string(r)) > maxSize && current.Len() > 0 {
			out = append(out, current.String())
			current.Reset()
		}
		current.WriteRune(r)
	}
	if current.Len() > 0 {
		out = append(out, current.String())
	}
	return out
}
