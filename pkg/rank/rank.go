// Package rank scores stored chunks against a free-text query by term
// overlap. This is deliberately crude fallback retrieval, not semantic
// search: plain term frequency, no TF-IDF, no stemming, no embeddings.
// The ranking behavior is part of the observable chat-quality contract.
package rank

import (
	"sort"
	"strings"
	"unicode/utf8"

	"bookpersona/pkg/domain"
)

const DefaultLimit = 5

// minTokenLength: query tokens of this rune length or shorter are dropped
// before scoring, as a stopword-ish filter.
const minTokenLength = 3

// Tokenize lower-cases the query, splits on whitespace, and discards short
// tokens. Exposed so callers can tell an empty query from a filtered one.
func Tokenize(query string) []string {
	var tokens []string
	for _, tok := range strings.Fields(strings.ToLower(query)) {
		if utf8.RuneCountInString(tok) <= minTokenLength {
			continue
		}
		tokens = append(tokens, tok)
	}
	return tokens
}

// FindRelevantChunks returns up to limit chunks ranked by total occurrence
// count of the surviving query tokens. Tokens are counted as literal
// substrings of the lower-cased chunk text. Zero-score chunks are dropped;
// ties keep storage order.
func FindRelevantChunks(chunks []domain.Chunk, query string, limit int) []domain.Chunk {
	if limit <= 0 {
		limit = DefaultLimit
	}
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil
	}
	type scored struct {
		chunk domain.Chunk
		score int
	}
	matches := make([]scored, 0, len(chunks))
	for _, chunk := range chunks {
		text := strings.ToLower(chunk.Text)
		score := 0
		for _, tok := range tokens {
			score += strings.Count(text, tok)
		}
		if score == 0 {
			continue
		}
		matches = append(matches, scored{chunk: chunk, score: score})
	}
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].score > matches[j].score
	})
	if len(matches) > limit {
		matches = matches[:limit]
	}
	result := make([]domain.Chunk, 0, len(matches))
	for _, m := range matches {
		result = append(result, m.chunk)
	}
	return result
}
