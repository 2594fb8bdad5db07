package ai

import (
	"errors"
	"strings"
)

// ErrNoJSON is returned when no balanced JSON value of the requested kind
// exists in the text. Callers distinguish this from a value that extracts
// but fails to unmarshal.
var ErrNoJSON = errors.New("no JSON value found in response")

// ExtractJSON returns the first balanced JSON value delimited by open and
// close (e.g. '[' and ']' for an array, '{' and '}' for an object) from
// free-form model output. Markdown code fences are stripped first; brackets
// inside string literals do not affect matching.
func ExtractJSON(text string, open, close byte) (string, error) {
	text = stripCodeFences(text)
	start := strings.IndexByte(text, open)
	if start < 0 {
		return "", ErrNoJSON
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(text); i++ {
		ch := text[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '"':
				inString = false
			}
			continue
		}
		switch ch {
		case '"':
			inString = true
		case open:
			depth++
		case close:
			depth--
			if depth == 0 {
				return text[start : i+1], nil
			}
		}
	}
	return "", ErrNoJSON
}

// stripCodeFences removes markdown fence lines (``` or ```json) so that
// fenced responses extract the same as bare ones.
func stripCodeFences(text string) string {
	if !strings.Contains(text, "```") {
		return text
	}
	lines := strings.Split(text, "\n")
	kept := lines[:0]
	for _, line := range lines {
		if strings.HasPrefix(strings.TrimSpace(line), "```") {
			continue
		}
		kept = append(kept, line)
	}
	return strings.Join(kept, "\n")
}
