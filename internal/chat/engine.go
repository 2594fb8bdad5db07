// Package chat assembles the per-turn prompt for a character conversation
// and forwards it to the completion service.
package chat

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"bookpersona/pkg/ai"
	"bookpersona/pkg/domain"
	"bookpersona/pkg/rank"
	"bookpersona/pkg/store"
)

const (
	maxMemoryConversations = 3
	maxMemoryPerConv       = 20
	maxMemoryMessages      = 30
	memoryExcerptChars     = 150
	maxTranscriptTurns     = 10
)

var ErrCharacterNotFound = errors.New("character not found")

// Reply is one generated turn. UsedBookContext reports whether ranked book
// chunks made it into the prompt.
type Reply struct {
	Text            string `json:"text"`
	UsedBookContext bool   `json:"usedBookContext"`
}

// Engine builds a single prompt per turn. Every section except the
// character itself is best-effort: a missing persona, empty retrieval, or a
// malformed image degrades the prompt instead of failing the call.
type Engine struct {
	store        store.Store
	completer    ai.Completer
	templates    *TemplateCache
	contextLimit int
}

// NewEngine builds an engine. contextLimit caps the ranked book chunks per
// prompt; zero or negative falls back to rank.DefaultLimit.
func NewEngine(st store.Store, completer ai.Completer, templates *TemplateCache, contextLimit int) (*Engine, error) {
	if st == nil {
		return nil, errors.New("store required")
	}
	if completer == nil {
		return nil, errors.New("completer required")
	}
	if templates == nil {
		templates = NewTemplateCache(st, DefaultTemplateTTL)
	}
	if contextLimit <= 0 {
		contextLimit = rank.DefaultLimit
	}
	return &Engine{store: st, completer: completer, templates: templates, contextLimit: contextLimit}, nil
}

// GenerateReply runs one chat turn. conversationID names the in-flight
// conversation so the memory digest covers only prior ones. Completion-service
// errors propagate to the caller unchanged; the calling layer owns persisting
// them.
func (e *Engine) GenerateReply(ctx context.Context, characterID, userMessage string, history []domain.Message, image, userID, conversationID string) (Reply, error) {
	character, ok, err := e.store.GetCharacter(characterID)
	if err != nil {
		return Reply{}, fmt.Errorf("load character: %w", err)
	}
	if !ok {
		return Reply{}, fmt.Errorf("%w: %s", ErrCharacterNotFound, characterID)
	}

	systemInstruction := e.systemInstruction(character)

	var sb strings.Builder
	if userID != "" {
		if memory := e.memoryDigest(userID, character.ID, conversationID); memory != "" {
			sb.WriteString("What you remember from earlier conversations with this user:\n")
			sb.WriteString(memory)
			sb.WriteString("\n")
		}
	}

	usedBookContext := false
	if bookContext := e.bookContext(character.BookID, userMessage); bookContext != "" {
		usedBookContext = true
		sb.WriteString("Relevant passages from your book:\n")
		sb.WriteString(bookContext)
		sb.WriteString("\n\n")
	}

	for _, tpl := range e.templates.Get(time.Now()) {
		sb.WriteString(tpl.Content)
		sb.WriteString("\n\n")
	}

	if transcript := renderTranscript(character.Name, history); transcript != "" {
		sb.WriteString("Recent conversation:\n")
		sb.WriteString(transcript)
		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "User: %s\n\n", userMessage)
	fmt.Fprintf(&sb, "Reply as %s, in character, without narrating your reasoning.", character.Name)

	parts := []ai.Part{ai.TextPart(sb.String())}
	if blob, ok := parseImageDataURL(image); ok {
		parts = append([]ai.Part{{InlineData: blob}}, parts...)
	}

	text, err := e.completer.Complete(ctx, systemInstruction, parts, ai.ChatConfig)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Text: strings.TrimSpace(text), UsedBookContext: usedBookContext}, nil
}

func (e *Engine) systemInstruction(character domain.Character) string {
	persona, ok, err := e.store.GetPersonaByCharacter(character.ID)
	if err == nil && ok && persona.SystemInstruction != "" {
		return persona.SystemInstruction
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Stay in character at all times and never reveal that you are an AI.\n", character.Name)
	if character.Personality != "" {
		fmt.Fprintf(&sb, "\nPersonality: %s\n", character.Personality)
	}
	if character.Description != "" {
		fmt.Fprintf(&sb, "\nAbout you: %s\n", character.Description)
	}
	sb.WriteString("\nSpeak naturally and keep replies conversational.")
	return sb.String()
}

// memoryDigest condenses the user's prior conversations with this character
// into role-prefixed excerpts, newest conversation first. The conversation
// named by currentConversationID is the one being answered and is excluded;
// its messages arrive through the transcript instead.
func (e *Engine) memoryDigest(userID, characterID, currentConversationID string) string {
	conversations, err := e.store.ListConversationsByUserAndCharacter(userID, characterID, maxMemoryConversations+1)
	if err != nil || len(conversations) == 0 {
		return ""
	}

	var lines []string
	taken := 0
	for _, conv := range conversations {
		if conv.ID == currentConversationID {
			continue
		}
		taken++
		if taken > maxMemoryConversations {
			break
		}
		messages, err := e.store.ListRecentMessages(conv.ID, maxMemoryPerConv)
		if err != nil {
			continue
		}
		// newest first within the digest
		for i := len(messages) - 1; i >= 0; i-- {
			msg := messages[i]
			excerpt := msg.Content
			if runes := []rune(excerpt); len(runes) > memoryExcerptChars {
				excerpt = string(runes[:memoryExcerptChars])
			}
			lines = append(lines, fmt.Sprintf("[%s] %s", msg.Role, excerpt))
			if len(lines) == maxMemoryMessages {
				return strings.Join(lines, "\n")
			}
		}
	}
	return strings.Join(lines, "\n")
}

func (e *Engine) bookContext(bookID, query string) string {
	chunks, err := e.store.ListChunksByBook(bookID)
	if err != nil || len(chunks) == 0 {
		return ""
	}
	matched := rank.FindRelevantChunks(chunks, query, e.contextLimit)
	if len(matched) == 0 {
		return ""
	}
	texts := make([]string, 0, len(matched))
	for _, chunk := range matched {
		texts = append(texts, chunk.Text)
	}
	return strings.Join(texts, "\n\n")
}

func renderTranscript(characterName string, history []domain.Message) string {
	if len(history) > maxTranscriptTurns {
		history = history[len(history)-maxTranscriptTurns:]
	}
	var lines []string
	for _, msg := range history {
		speaker := characterName
		if msg.Role == "user" {
			speaker = "User"
		}
		lines = append(lines, fmt.Sprintf("%s: %s", speaker, msg.Content))
	}
	return strings.Join(lines, "\n")
}

// parseImageDataURL decodes a data URL of the form
// data:image/png;base64,<payload>. Anything malformed returns false and the
// turn proceeds text-only.
func parseImageDataURL(image string) (*ai.Blob, bool) {
	if image == "" {
		return nil, false
	}
	rest, ok := strings.CutPrefix(image, "data:")
	if !ok {
		return nil, false
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, false
	}
	mimeType, enc, ok := strings.Cut(meta, ";")
	if !ok || enc != "base64" || !strings.HasPrefix(mimeType, "image/") {
		return nil, false
	}
	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil || len(data) == 0 {
		return nil, false
	}
	return &ai.Blob{MIMEType: mimeType, Data: data}, true
}
