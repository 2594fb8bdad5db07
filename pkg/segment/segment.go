// Package segment splits raw book text into chapters and overlapping
// word-count chunks. All functions are pure; callers persist the results.
package segment

import (
	"regexp"
	"strings"
)

const (
	DefaultMaxWords     = 1000
	DefaultOverlapWords = 100

	// A heading pattern must match more than this many times to be
	// trusted as the book's chapter structure.
	minHeadingMatches = 2
)

// Chapter is one contiguous span of book text. Number is 1-based and
// assigned in document order, not parsed from the heading.
type Chapter struct {
	Number int
	Text   string
}

// Piece is one chunk produced from a chapter.
type Piece struct {
	ChapterNumber int
	Index         int
	Text          string
	WordCount     int
}

// Heading patterns tried in priority order. The first one with enough
// matches wins, even if a later pattern would segment better.
var chapterPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^[ \t]*Chapter[ \t]+(\d+|[IVXLCDM]+)\b`),
	regexp.MustCompile(`(?m)^[ \t]*CHAPTER[ \t]+(\d+|[IVXLCDM]+)\b`),
	regexp.MustCompile(`(?m)^[ \t]*\d+\.[ \t]`),
}

// DetectChapters splits text at chapter headings. If no pattern clears the
// match threshold the whole (trimmed) text becomes a single chapter
// numbered 1. This is a heuristic: a stray "Chapter" in running prose can
// fragment chapters, and unusual headings collapse to one chapter.
func DetectChapters(text string) []Chapter {
	for _, pattern := range chapterPatterns {
		locs := pattern.FindAllStringIndex(text, -1)
		if len(locs) <= minHeadingMatches {
			continue
		}
		chapters := make([]Chapter, 0, len(locs))
		for i, loc := range locs {
			end := len(text)
			if i+1 < len(locs) {
				end = locs[i+1][0]
			}
			body := strings.TrimSpace(text[loc[0]:end])
			chapters = append(chapters, Chapter{Number: i + 1, Text: body})
		}
		return chapters
	}
	return []Chapter{{Number: 1, Text: strings.TrimSpace(text)}}
}

// ChunkText produces fixed-size sliding word windows over chapter text.
// Window i starts at i*(maxWords-overlapWords); production stops once a
// window would start at or past the end of the word list. A chapter shorter
// than maxWords yields exactly one chunk.
func ChunkText(text string, chapterNumber, maxWords, overlapWords int) []Piece {
	if maxWords <= 0 {
		maxWords = DefaultMaxWords
	}
	if overlapWords < 0 {
		overlapWords = 0
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return nil
	}
	step := maxWords - overlapWords
	if step <= 0 {
		step = maxWords
	}
	var pieces []Piece
	for index, start := 0, 0; start < len(words); index, start = index+1, start+step {
		end := start + maxWords
		if end > len(words) {
			end = len(words)
		}
		window := words[start:end]
		pieces = append(pieces, Piece{
			ChapterNumber: chapterNumber,
			Index:         index,
			Text:          strings.Join(window, " "),
			WordCount:     len(window),
		})
	}
	return pieces
}

// NormalizeText removes NUL bytes and invalid UTF-8 and canonicalizes line
// endings while preserving line structure, which chapter detection relies on.
func NormalizeText(text string) string {
	text = strings.ReplaceAll(text, "\x00", " ")
	text = strings.ToValidUTF8(text, "")
	text = strings.ReplaceAll(text, "\r\n", "\n")
	text = strings.ReplaceAll(text, "\r", "\n")
	return strings.TrimSpace(text)
}
