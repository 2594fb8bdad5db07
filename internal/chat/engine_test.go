package chat

import (
	"context"
	"encoding/base64"
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
	reply string
	err   error
	calls int

	lastSystem string
	lastParts  []ai.Part
	lastCfg    ai.GenerationConfig
}

func (s *stubCompleter) Complete(_ context.Context, systemInstruction string, parts []ai.Part, cfg ai.GenerationConfig) (string, error) {
	s.calls++
	s.lastSystem = systemInstruction
	s.lastParts = parts
	s.lastCfg = cfg
	if s.err != nil {
		return "", s.err
	}
	return s.reply, nil
}

func (s *stubCompleter) prompt() string {
	for _, p := range s.lastParts {
		if p.Text != "" {
			return p.Text
		}
	}
	return ""
}

func newTestEngine(t *testing.T, completer ai.Completer) (*Engine, *store.MemoryStore) {
	t.Helper()
	st := store.NewMemoryStore()
	engine, err := NewEngine(st, completer, nil, 0)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine, st
}

func seedChatCharacter(t *testing.T, st *store.MemoryStore, chunkTexts ...string) {
	t.Helper()
	if err := st.SaveBook(domain.Book{ID: "book-1", Status: domain.StatusCharactersExtracted}); err != nil {
		t.Fatalf("save book: %v", err)
	}
	chunks := make([]domain.Chunk, 0, len(chunkTexts))
	for i, text := range chunkTexts {
		chunks = append(chunks, domain.Chunk{
			ID: fmt.Sprintf("book-1-ch1-%d", i+1), BookID: "book-1",
			ChapterNumber: 1, ChunkIndex: i, Text: text,
		})
	}
	if err := st.ReplaceChunks("book-1", chunks); err != nil {
		t.Fatalf("replace chunks: %v", err)
	}
	if err := st.SaveCharacter(domain.Character{
		ID: "char-1", BookID: "book-1", Name: "Elizabeth",
		Personality: "witty and stubborn", Description: "Second Bennet daughter.",
	}); err != nil {
		t.Fatalf("save character: %v", err)
	}
}

func TestGenerateReplyCharacterNotFound(t *testing.T) {
	completer := &stubCompleter{reply: "hello"}
	engine, _ := newTestEngine(t, completer)

	_, err := engine.GenerateReply(context.Background(), "ghost", "hi", nil, "", "", "")
	if !errors.Is(err, ErrCharacterNotFound) {
		t.Fatalf("expected ErrCharacterNotFound, got %v", err)
	}
	if completer.calls != 0 {
		t.Fatalf("expected no completion calls, got %d", completer.calls)
	}
}

func TestGenerateReplyFallbackInstruction(t *testing.T) {
	completer := &stubCompleter{reply: "  Good day to you.  "}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	reply, err := engine.GenerateReply(context.Background(), "char-1", "hello there", nil, "", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.Text != "Good day to you." {
		t.Fatalf("expected trimmed reply, got %q", reply.Text)
	}
	if !strings.Contains(completer.lastSystem, "You are Elizabeth") ||
		!strings.Contains(completer.lastSystem, "witty and stubborn") {
		t.Fatalf("fallback instruction missing character fields:\n%s", completer.lastSystem)
	}
	if completer.lastCfg != ai.ChatConfig {
		t.Fatalf("expected chat preset, got %+v", completer.lastCfg)
	}
}

func TestGenerateReplyUsesPersonaInstruction(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)
	if err := st.UpsertPersona(domain.Persona{
		ID: "p-1", CharacterID: "char-1",
		SystemInstruction: "You are Elizabeth Bennet, rendered from a persona profile.",
	}); err != nil {
		t.Fatalf("upsert persona: %v", err)
	}

	if _, err := engine.GenerateReply(context.Background(), "char-1", "hello", nil, "", "", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if completer.lastSystem != "You are Elizabeth Bennet, rendered from a persona profile." {
		t.Fatalf("expected persona instruction, got %q", completer.lastSystem)
	}
}

func TestGenerateReplyBookContext(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st,
		"The proposal at Hunsford went terribly wrong.",
		"A quiet morning with no relevant content.",
	)

	reply, err := engine.GenerateReply(context.Background(), "char-1", "Tell me about the proposal", nil, "", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reply.UsedBookContext {
		t.Fatalf("expected book context to be used")
	}
	if !strings.Contains(completer.prompt(), "Hunsford went terribly wrong") {
		t.Fatalf("prompt missing matched chunk:\n%s", completer.prompt())
	}

	reply, err = engine.GenerateReply(context.Background(), "char-1", "zzz qqqq xxxx", nil, "", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if reply.UsedBookContext {
		t.Fatalf("expected no book context for unmatched query")
	}
	if strings.Contains(completer.prompt(), "Relevant passages") {
		t.Fatalf("prompt should omit empty book context section:\n%s", completer.prompt())
	}
}

func TestGenerateReplyMemoryDigest(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	now := time.Now().UTC()
	if err := st.CreateConversation(domain.Conversation{ID: "conv-1", UserID: "user-1", CharacterID: "char-1", CreatedAt: now}); err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	long := strings.Repeat("x", 200)
	for i, msg := range []struct{ role, content string }{
		{"user", "Do you remember the ball at Netherfield?"},
		{"assistant", long},
	} {
		if err := st.AppendMessage(domain.Message{
			ID: fmt.Sprintf("m-%d", i), ConversationID: "conv-1",
			Role: msg.role, Content: msg.content, CreatedAt: now.Add(time.Duration(i) * time.Second),
		}); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	if _, err := engine.GenerateReply(context.Background(), "char-1", "hello", nil, "", "user-1", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	prompt := completer.prompt()
	if !strings.Contains(prompt, "remember from earlier conversations") {
		t.Fatalf("prompt missing memory section:\n%s", prompt)
	}
	if !strings.Contains(prompt, "[user] Do you remember the ball") {
		t.Fatalf("prompt missing memory excerpt:\n%s", prompt)
	}
	if strings.Contains(prompt, long) {
		t.Fatalf("expected long excerpt truncated")
	}
	if !strings.Contains(prompt, "[assistant] "+long[:memoryExcerptChars]) {
		t.Fatalf("expected 150-char excerpt:\n%s", prompt)
	}

	// newest message first in the digest
	assistantIdx := strings.Index(prompt, "[assistant]")
	userIdx := strings.Index(prompt, "[user]")
	if assistantIdx < 0 || userIdx < 0 || assistantIdx > userIdx {
		t.Fatalf("expected newest-first digest ordering:\n%s", prompt)
	}
}

func TestGenerateReplyMemorySkipsCurrentConversation(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	now := time.Now().UTC()
	// three prior conversations plus the one being answered, newest last
	for i, conv := range []struct{ id, content string }{
		{"conv-old-1", "our first talk about Longbourn"},
		{"conv-old-2", "our second talk about Rosings"},
		{"conv-old-3", "our third talk about Pemberley"},
		{"conv-current", "the question being asked right now"},
	} {
		at := now.Add(time.Duration(i) * time.Minute)
		if err := st.CreateConversation(domain.Conversation{
			ID: conv.id, UserID: "user-1", CharacterID: "char-1",
			CreatedAt: at, UpdatedAt: at,
		}); err != nil {
			t.Fatalf("create conversation: %v", err)
		}
		if err := st.AppendMessage(domain.Message{
			ID: "m-" + conv.id, ConversationID: conv.id,
			Role: "user", Content: conv.content, CreatedAt: at,
		}); err != nil {
			t.Fatalf("append message: %v", err)
		}
	}

	if _, err := engine.GenerateReply(context.Background(), "char-1", "the question being asked right now", nil, "", "user-1", "conv-current"); err != nil {
		t.Fatalf("generate: %v", err)
	}
	prompt := completer.prompt()
	if strings.Contains(prompt, "[user] the question being asked right now") {
		t.Fatalf("in-flight conversation leaked into memory:\n%s", prompt)
	}
	// skipping the current conversation must not cost a memory slot
	for _, want := range []string{
		"[user] our first talk about Longbourn",
		"[user] our second talk about Rosings",
		"[user] our third talk about Pemberley",
	} {
		if !strings.Contains(prompt, want) {
			t.Fatalf("memory missing %q:\n%s", want, prompt)
		}
	}
}

func TestGenerateReplyBookContextLimit(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	st := store.NewMemoryStore()
	engine, err := NewEngine(st, completer, nil, 1)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	seedChatCharacter(t, st,
		"The proposal at Hunsford, and the proposal again in the letter.",
		"A single mention of the proposal at Netherfield.",
	)

	reply, err := engine.GenerateReply(context.Background(), "char-1", "Tell me about the proposal", nil, "", "", "")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if !reply.UsedBookContext {
		t.Fatalf("expected book context to be used")
	}
	prompt := completer.prompt()
	if !strings.Contains(prompt, "Hunsford") {
		t.Fatalf("prompt missing top-ranked chunk:\n%s", prompt)
	}
	if strings.Contains(prompt, "Netherfield") {
		t.Fatalf("expected only one chunk with limit 1:\n%s", prompt)
	}
}

func TestGenerateReplyNoMemoryWithoutUser(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	if _, err := engine.GenerateReply(context.Background(), "char-1", "hello", nil, "", "", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if strings.Contains(completer.prompt(), "remember from earlier") {
		t.Fatalf("expected no memory section without userId")
	}
}

func TestGenerateReplyTranscriptLastTenTurns(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	history := make([]domain.Message, 0, 12)
	for i := 0; i < 12; i++ {
		role := "user"
		if i%2 == 1 {
			role = "assistant"
		}
		history = append(history, domain.Message{Role: role, Content: fmt.Sprintf("turn-%d", i)})
	}

	if _, err := engine.GenerateReply(context.Background(), "char-1", "hello", history, "", "", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	prompt := completer.prompt()
	if strings.Contains(prompt, "turn-0") || strings.Contains(prompt, "turn-1\n") {
		t.Fatalf("expected oldest turns dropped:\n%s", prompt)
	}
	if !strings.Contains(prompt, "User: turn-2") || !strings.Contains(prompt, "Elizabeth: turn-11") {
		t.Fatalf("expected last ten turns with speaker names:\n%s", prompt)
	}
}

func TestGenerateReplyImageHandling(t *testing.T) {
	completer := &stubCompleter{reply: "reply"}
	engine, st := newTestEngine(t, completer)
	seedChatCharacter(t, st)

	payload := base64.StdEncoding.EncodeToString([]byte("fake image bytes"))
	image := "data:image/png;base64," + payload
	if _, err := engine.GenerateReply(context.Background(), "char-1", "what is this", nil, image, "", ""); err != nil {
		t.Fatalf("generate: %v", err)
	}
	if len(completer.lastParts) != 2 {
		t.Fatalf("expected image + text parts, got %d", len(completer.lastParts))
	}
	if completer.lastParts[0].InlineData == nil || completer.lastParts[0].InlineData.MIMEType != "image/png" {
		t.Fatalf("expected inline image first, got %+v", completer.lastParts[0])
	}

	// malformed data falls back to text-only silently
	if _, err := engine.GenerateReply(context.Background(), "char-1", "what is this", nil, "data:image/png;base64,@@@not-base64@@@", "", ""); err != nil {
		t.Fatalf("generate with bad image: %v", err)
	}
	if len(completer.lastParts) != 1 || completer.lastParts[0].InlineData != nil {
		t.Fatalf("expected text-only fallback, got %+v", completer.lastParts)
	}
}

func TestParseImageDataURL(t *testing.T) {
	payload := base64.StdEncoding.EncodeToString([]byte("img"))
	cases := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid png", "data:image/png;base64," + payload, true},
		{"valid jpeg", "data:image/jpeg;base64," + payload, true},
		{"empty", "", false},
		{"no data prefix", "image/png;base64," + payload, false},
		{"not an image", "data:text/plain;base64," + payload, false},
		{"no encoding marker", "data:image/png," + payload, false},
		{"bad base64", "data:image/png;base64,!!!", false},
		{"empty payload", "data:image/png;base64,", false},
	}
	for _, tc := range cases {
		blob, ok := parseImageDataURL(tc.input)
		if ok != tc.ok {
			t.Fatalf("%s: got ok=%v, want %v", tc.name, ok, tc.ok)
		}
		if ok && blob.MIMEType == "" {
			t.Fatalf("%s: missing mime type", tc.name)
		}
	}
}
