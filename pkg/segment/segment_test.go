package segment

import (
	"fmt"
	"reflect"
	"strings"
	"testing"
)

func words(n int, prefix string) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("%s%d", prefix, i)
	}
	return strings.Join(parts, " ")
}

func TestDetectChaptersFallbackSingleChapter(t *testing.T) {
	text := "  Just some prose with no headings at all.\nAnother line.  "
	chapters := DetectChapters(text)
	if len(chapters) != 1 {
		t.Fatalf("DetectChapters() = %d chapters, want 1", len(chapters))
	}
	if chapters[0].Number != 1 {
		t.Fatalf("chapter number = %d, want 1", chapters[0].Number)
	}
	if chapters[0].Text != strings.TrimSpace(text) {
		t.Fatalf("chapter text = %q, want trimmed input", chapters[0].Text)
	}
}

func TestDetectChaptersTwoMatchesIsNotEnough(t *testing.T) {
	text := "Chapter 1\nfirst part\nChapter 2\nsecond part"
	chapters := DetectChapters(text)
	if len(chapters) != 1 {
		t.Fatalf("DetectChapters() = %d chapters, want 1 (threshold is >2 matches)", len(chapters))
	}
}

func TestDetectChaptersThreeHeadings(t *testing.T) {
	text := "Chapter 1\nalpha text\nChapter 2\nbeta text\nChapter 3\ngamma text"
	chapters := DetectChapters(text)
	if len(chapters) != 3 {
		t.Fatalf("DetectChapters() = %d chapters, want 3", len(chapters))
	}
	for i, ch := range chapters {
		if ch.Number != i+1 {
			t.Fatalf("chapter %d number = %d, want %d", i, ch.Number, i+1)
		}
	}
	if !strings.Contains(chapters[1].Text, "beta text") {
		t.Fatalf("chapter 2 text = %q, want to contain %q", chapters[1].Text, "beta text")
	}
	if strings.Contains(chapters[0].Text, "beta") {
		t.Fatalf("chapter 1 leaked content of chapter 2: %q", chapters[0].Text)
	}
}

func TestDetectChaptersRomanNumerals(t *testing.T) {
	text := "CHAPTER I\none\nCHAPTER II\ntwo\nCHAPTER III\nthree\nCHAPTER IV\nfour"
	chapters := DetectChapters(text)
	if len(chapters) != 4 {
		t.Fatalf("DetectChapters() = %d chapters, want 4", len(chapters))
	}
}

func TestDetectChaptersFirstPatternWins(t *testing.T) {
	// Both the "Chapter N" and numbered-line patterns match; the priority
	// order must pick "Chapter N" and ignore the numbered lines.
	text := "Chapter 1\n1. point\n2. point\nChapter 2\n3. point\n4. point\nChapter 3\n5. point\n6. point"
	chapters := DetectChapters(text)
	if len(chapters) != 3 {
		t.Fatalf("DetectChapters() = %d chapters, want 3", len(chapters))
	}
}

func TestChunkTextChapteredScenario(t *testing.T) {
	// Three 500-word chapters: one chunk each, word counts within bounds.
	text := "Chapter 1\n" + words(500, "a") + "\nChapter 2\n" + words(500, "b") + "\nChapter 3\n" + words(500, "c")
	chapters := DetectChapters(text)
	if len(chapters) != 3 {
		t.Fatalf("DetectChapters() = %d chapters, want 3", len(chapters))
	}
	for _, ch := range chapters {
		pieces := ChunkText(ch.Text, ch.Number, 1000, 100)
		if len(pieces) != 1 {
			t.Fatalf("chapter %d: got %d chunks, want 1", ch.Number, len(pieces))
		}
		if pieces[0].WordCount <= 0 || pieces[0].WordCount > 1000 {
			t.Fatalf("chapter %d: wordCount = %d, want in (0,1000]", ch.Number, pieces[0].WordCount)
		}
	}
}

func TestChunkTextChapterlessScenario(t *testing.T) {
	// 2500 words, maxWords=1000, overlap=100: windows start at 0, 900,
	// 1800, so exactly three chunks with indices 0..2.
	text := words(2500, "w")
	pieces := ChunkText(text, 1, 1000, 100)
	if len(pieces) != 3 {
		t.Fatalf("ChunkText() = %d chunks, want 3", len(pieces))
	}
	for i, p := range pieces {
		if p.Index != i {
			t.Fatalf("chunk %d index = %d, want %d", i, p.Index, i)
		}
		if p.ChapterNumber != 1 {
			t.Fatalf("chunk %d chapter = %d, want 1", i, p.ChapterNumber)
		}
	}
	// Chunks 0 and 1 share the 100-word overlap region.
	tail := strings.Fields(pieces[0].Text)
	head := strings.Fields(pieces[1].Text)
	shared := tail[len(tail)-100:]
	if !reflect.DeepEqual(shared, head[:100]) {
		t.Fatalf("overlap mismatch between chunk 0 tail and chunk 1 head")
	}
}

func TestChunkTextIdempotent(t *testing.T) {
	text := words(3210, "x")
	first := ChunkText(text, 2, 1000, 100)
	second := ChunkText(text, 2, 1000, 100)
	if !reflect.DeepEqual(first, second) {
		t.Fatalf("ChunkText is not deterministic on identical input")
	}
}

func TestChunkTextCoverage(t *testing.T) {
	// Dropping each chunk's overlapping head reconstructs the chapter.
	text := words(2500, "w")
	pieces := ChunkText(text, 1, 1000, 100)
	var rebuilt []string
	for i, p := range pieces {
		ws := strings.Fields(p.Text)
		if i > 0 {
			ws = ws[100:]
		}
		rebuilt = append(rebuilt, ws...)
	}
	if got, want := strings.Join(rebuilt, " "), text; got != want {
		t.Fatalf("reassembled chunks do not reconstruct the chapter")
	}
}

func TestChunkTextShortChapter(t *testing.T) {
	pieces := ChunkText("only five words right here", 3, 1000, 100)
	if len(pieces) != 1 {
		t.Fatalf("ChunkText() = %d chunks, want 1", len(pieces))
	}
	if pieces[0].WordCount != 5 {
		t.Fatalf("wordCount = %d, want 5", pieces[0].WordCount)
	}
	if pieces[0].Text != "only five words right here" {
		t.Fatalf("chunk text = %q, want whole chapter", pieces[0].Text)
	}
}

func TestChunkTextEmpty(t *testing.T) {
	if pieces := ChunkText("   \n ", 1, 1000, 100); pieces != nil {
		t.Fatalf("ChunkText(blank) = %v, want nil", pieces)
	}
}

func TestNormalizeText(t *testing.T) {
	raw := "Title\x00\r\nLine one\rLine two\n"
	got := NormalizeText(raw)
	want := "Title \nLine one\nLine two"
	if got != want {
		t.Fatalf("NormalizeText() = %q, want %q", got, want)
	}
}
