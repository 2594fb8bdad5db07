package persona

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"bookpersona/pkg/ai"
	"bookpersona/pkg/domain"
	"bookpersona/pkg/store"
)

type stubCompleter struct {
	replies []string
	errs    []error
	calls   int

	lastPrompt string
	lastCfg    ai.GenerationConfig
}

func (s *stubCompleter) Complete(_ context.Context, _ string, parts []ai.Part, cfg ai.GenerationConfig) (string, error) {
	i := s.calls
	s.calls++
	if len(parts) > 0 {
		s.lastPrompt = parts[0].Text
	}
	s.lastCfg = cfg
	if i < len(s.errs) && s.errs[i] != nil {
		return "", s.errs[i]
	}
	if i < len(s.replies) {
		return s.replies[i], nil
	}
	return "", errors.New("stub exhausted")
}

const personaReply = "```json\n" + `{
  "personality_traits": ["witty", "stubborn"],
  "speaking_style": "Sharp, ironic, quick to tease",
  "motivation": "Marry for love, not convenience",
  "background": "",
  "worldview": "People deserve to be judged on merit",
  "typical_phrases": ["I am perfectly convinced"],
  "strengths": ["perceptive"],
  "weaknesses": ["quick to judge"],
  "favorite_color": "this key is not part of the schema"
}` + "\n```"

func newTestSynthesizer(t *testing.T, completer ai.Completer, cfg Config) (*Synthesizer, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	cfg.Store = st
	cfg.Completer = completer
	cfg.Retry = ai.NewRetryPolicy(3, time.Millisecond)
	if cfg.Pacing == 0 {
		cfg.Pacing = time.Millisecond
	}
	s, err := New(cfg)
	if err != nil {
		t.Fatalf("new synthesizer: %v", err)
	}
	return s, st
}

func seedCharacter(t *testing.T, st *store.MemoryStore, bookID, characterID, name string, chunkTexts []string) {
	t.Helper()
	if err := st.SaveBook(domain.Book{ID: bookID, Title: "Test", Status: domain.StatusCharactersExtracted}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	chunks := make([]domain.Chunk, 0, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks = append(chunks, domain.Chunk{
			ID:            fmt.Sprintf("%s-ch1-%d", bookID, i+1),
			BookID:        bookID,
			ChapterNumber: 1,
			ChunkIndex:    i,
			Text:          text,
			WordCount:     len(strings.Fields(text)),
		})
	}
	if err := st.ReplaceChunks(bookID, chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := st.SaveCharacter(domain.Character{ID: characterID, BookID: bookID, Name: name}); err != nil {
		t.Fatalf("save character: %v", err)
	}
}

func TestSynthesizeBuildsAndStoresPersona(t *testing.T) {
	completer := &stubCompleter{replies: []string{personaReply}}
	s, st := newTestSynthesizer(t, completer, Config{})
	seedCharacter(t, st, "book-1", "char-1", "Elizabeth", []string{
		"Elizabeth walked to Netherfield in the mud.",
		"The weather was dreary and nobody spoke.",
	})

	persona, err := s.Synthesize(context.Background(), "char-1")
	if err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	if persona.CharacterID != "char-1" {
		t.Fatalf("unexpected character id %q", persona.CharacterID)
	}
	if len(persona.Profile.PersonalityTraits) != 2 || persona.Profile.SpeakingStyle == "" {
		t.Fatalf("profile not decoded: %+v", persona.Profile)
	}
	if completer.lastCfg != ai.PersonaConfig {
		t.Fatalf("expected persona preset, got %+v", completer.lastCfg)
	}

	stored, ok, err := st.GetPersonaByCharacter("char-1")
	if err != nil || !ok {
		t.Fatalf("get persona: ok=%v err=%v", ok, err)
	}
	if stored.SystemInstruction != persona.SystemInstruction {
		t.Fatalf("stored instruction differs")
	}

	instr := persona.SystemInstruction
	for _, want := range []string{"You are Elizabeth", "Personality traits:", "- witty", "Speaking style: Sharp", "Worldview:"} {
		if !strings.Contains(instr, want) {
			t.Fatalf("instruction missing %q:\n%s", want, instr)
		}
	}
	// background is empty in the reply, so its section is omitted
	if strings.Contains(instr, "Background") {
		t.Fatalf("expected empty background omitted:\n%s", instr)
	}
}

func TestSynthesizeSelectsMentioningChunks(t *testing.T) {
	completer := &stubCompleter{replies: []string{personaReply}}
	s, st := newTestSynthesizer(t, completer, Config{MaxChunks: 2})
	seedCharacter(t, st, "book-1", "char-1", "Darcy", []string{
		"DARCY stood apart from the company.",
		"The ball went on without incident.",
		"Everyone noticed that darcy refused to dance.",
		"Darcy wrote a long letter the next morning.",
	})

	if _, err := s.Synthesize(context.Background(), "char-1"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	prompt := completer.lastPrompt
	if !strings.Contains(prompt, "DARCY stood apart") || !strings.Contains(prompt, "darcy refused to dance") {
		t.Fatalf("expected first two mentioning chunks in prompt:\n%s", prompt)
	}
	if strings.Contains(prompt, "long letter") {
		t.Fatalf("expected mention cap of 2 to exclude later chunks:\n%s", prompt)
	}
	if strings.Contains(prompt, "without incident") {
		t.Fatalf("expected non-mentioning chunk excluded:\n%s", prompt)
	}
}

func TestSynthesizeFallsBackToFirstChunks(t *testing.T) {
	completer := &stubCompleter{replies: []string{personaReply}}
	s, st := newTestSynthesizer(t, completer, Config{MaxChunks: 2})
	seedCharacter(t, st, "book-1", "char-1", "Wickham", []string{
		"First chunk with no mention.",
		"Second chunk, still nothing.",
		"Third chunk stays out of the prompt.",
	})

	if _, err := s.Synthesize(context.Background(), "char-1"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	prompt := completer.lastPrompt
	if !strings.Contains(prompt, "First chunk") || !strings.Contains(prompt, "Second chunk") {
		t.Fatalf("expected fallback to first chunks:\n%s", prompt)
	}
	if strings.Contains(prompt, "Third chunk") {
		t.Fatalf("expected fallback capped at 2 chunks:\n%s", prompt)
	}
}

func TestSynthesizeCapsContextChars(t *testing.T) {
	completer := &stubCompleter{replies: []string{personaReply}}
	s, st := newTestSynthesizer(t, completer, Config{MaxContextChars: 50})
	seedCharacter(t, st, "book-1", "char-1", "Elizabeth", []string{
		"Elizabeth " + strings.Repeat("words and more words ", 20),
	})

	if _, err := s.Synthesize(context.Background(), "char-1"); err != nil {
		t.Fatalf("synthesize: %v", err)
	}
	idx := strings.LastIndex(completer.lastPrompt, "PASSAGES:\n")
	if idx < 0 {
		t.Fatalf("prompt missing passages section")
	}
	sent := completer.lastPrompt[idx+len("PASSAGES:\n"):]
	if len([]rune(sent)) > 50 {
		t.Fatalf("expected context capped at 50 chars, got %d", len([]rune(sent)))
	}
}

func TestSynthesizeReplacesPriorPersona(t *testing.T) {
	completer := &stubCompleter{replies: []string{personaReply, personaReply}}
	s, st := newTestSynthesizer(t, completer, Config{})
	seedCharacter(t, st, "book-1", "char-1", "Elizabeth", []string{"Elizabeth spoke."})

	first, err := s.Synthesize(context.Background(), "char-1")
	if err != nil {
		t.Fatalf("first synthesize: %v", err)
	}
	if _, err := s.Synthesize(context.Background(), "char-1"); err != nil {
		t.Fatalf("second synthesize: %v", err)
	}

	stored, ok, err := st.GetPersonaByCharacter("char-1")
	if err != nil || !ok {
		t.Fatalf("get persona: ok=%v err=%v", ok, err)
	}
	if stored.ID != first.ID {
		t.Fatalf("expected upsert to keep persona id %q, got %q", first.ID, stored.ID)
	}
}

func TestSynthesizeUnknownCharacter(t *testing.T) {
	completer := &stubCompleter{}
	s, _ := newTestSynthesizer(t, completer, Config{})

	if _, err := s.Synthesize(context.Background(), "ghost"); !errors.Is(err, ErrCharacterNotFound) {
		t.Fatalf("expected ErrCharacterNotFound, got %v", err)
	}
	if completer.calls != 0 {
		t.Fatalf("expected no completion calls, got %d", completer.calls)
	}
}

func TestSynthesizeAllForBookTalliesFailures(t *testing.T) {
	completer := &stubCompleter{
		replies: []string{personaReply, "", personaReply},
		errs:    []error{nil, &ai.APIError{StatusCode: 500, Message: "boom"}, nil},
	}
	s, st := newTestSynthesizer(t, completer, Config{Pacing: 10 * time.Millisecond})
	seedCharacter(t, st, "book-1", "char-1", "Elizabeth", []string{"Elizabeth, Darcy and Jane talked."})
	if err := st.SaveCharacter(domain.Character{ID: "char-2", BookID: "book-1", Name: "Darcy"}); err != nil {
		t.Fatalf("save character: %v", err)
	}
	if err := st.SaveCharacter(domain.Character{ID: "char-3", BookID: "book-1", Name: "Jane"}); err != nil {
		t.Fatalf("save character: %v", err)
	}

	var pauses []time.Duration
	s.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	result, err := s.SynthesizeAllForBook(context.Background(), "book-1")
	if err != nil {
		t.Fatalf("synthesize all: %v", err)
	}
	if len(result.Succeeded) != 2 || len(result.Failed) != 1 {
		t.Fatalf("unexpected tally: %+v", result)
	}
	if result.Failed[0] != "char-2" {
		t.Fatalf("expected char-2 failure, got %+v", result.Failed)
	}
	if len(pauses) != 2 {
		t.Fatalf("expected pacing between each pair, got %d pauses", len(pauses))
	}
	for _, d := range pauses {
		if d != 10*time.Millisecond {
			t.Fatalf("unexpected pacing %v", d)
		}
	}

	if _, ok, _ := st.GetPersonaByCharacter("char-2"); ok {
		t.Fatalf("expected no persona for failed character")
	}
	if _, ok, _ := st.GetPersonaByCharacter("char-3"); !ok {
		t.Fatalf("expected persona for char-3 despite earlier failure")
	}
}
