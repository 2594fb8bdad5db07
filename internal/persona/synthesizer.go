// Package persona turns an approved character plus grounding chunks into a
// structured persona profile and a rendered system instruction.
package persona

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"bookpersona/internal/util"
	"bookpersona/pkg/ai"
	"bookpersona/pkg/domain"
	"bookpersona/pkg/store"
)

const (
	defaultMaxChunks       = 30
	defaultMaxContextChars = 30000
	defaultPacing          = 2 * time.Second
)

var ErrCharacterNotFound = errors.New("character not found")

const synthesisSystemInstruction = "You are a character analyst. You respond with JSON only, no prose."

// Config holds stage dependencies and bounds.
type Config struct {
	Store           store.Store
	Completer       ai.Completer
	Retry           ai.RetryPolicy
	MaxChunks       int
	MaxContextChars int
	Pacing          time.Duration
}

// Synthesizer builds personas one character at a time. Batch runs are
// sequential with a fixed pacing delay to stay under upstream rate limits.
type Synthesizer struct {
	store           store.Store
	completer       ai.Completer
	retry           ai.RetryPolicy
	maxChunks       int
	maxContextChars int
	pacing          time.Duration

	sleep func(context.Context, time.Duration) error
}

func New(cfg Config) (*Synthesizer, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer required")
	}
	maxChunks := cfg.MaxChunks
	if maxChunks <= 0 {
		maxChunks = defaultMaxChunks
	}
	maxContextChars := cfg.MaxContextChars
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	pacing := cfg.Pacing
	if pacing <= 0 {
		pacing = defaultPacing
	}
	return &Synthesizer{
		store:           cfg.Store,
		completer:       cfg.Completer,
		retry:           cfg.Retry,
		maxChunks:       maxChunks,
		maxContextChars: maxContextChars,
		pacing:          pacing,
		sleep: func(ctx context.Context, d time.Duration) error {
			timer := time.NewTimer(d)
			defer timer.Stop()
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-timer.C:
				return nil
			}
		},
	}, nil
}

// Synthesize builds and upserts the persona for one character, replacing
// any prior persona.
func (s *Synthesizer) Synthesize(ctx context.Context, characterID string) (domain.Persona, error) {
	character, ok, err := s.store.GetCharacter(characterID)
	if err != nil {
		return domain.Persona{}, fmt.Errorf("load character: %w", err)
	}
	if !ok {
		return domain.Persona{}, fmt.Errorf("%w: %s", ErrCharacterNotFound, characterID)
	}

	grounding, err := s.groundingContext(character)
	if err != nil {
		return domain.Persona{}, err
	}

	prompt := buildPrompt(character, grounding)
	var raw string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = s.completer.Complete(ctx, synthesisSystemInstruction, []ai.Part{ai.TextPart(prompt)}, ai.PersonaConfig)
		return callErr
	})
	if err != nil {
		return domain.Persona{}, fmt.Errorf("persona synthesis request: %w", err)
	}

	payload, err := ai.ExtractJSON(raw, '{', '}')
	if err != nil {
		return domain.Persona{}, fmt.Errorf("parse persona response: %w", err)
	}
	var profile domain.PersonaProfile
	if err := json.Unmarshal([]byte(payload), &profile); err != nil {
		return domain.Persona{}, fmt.Errorf("decode persona response: %w", err)
	}

	now := time.Now().UTC()
	persona := domain.Persona{
		ID:                util.NewID(),
		CharacterID:       character.ID,
		Profile:           profile,
		SystemInstruction: RenderSystemInstruction(character.Name, profile),
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := s.store.UpsertPersona(persona); err != nil {
		return domain.Persona{}, fmt.Errorf("upsert persona: %w", err)
	}
	slog.Info("persona synthesized", "characterId", character.ID, "name", character.Name)
	return persona, nil
}

// BatchResult tallies one SynthesizeAllForBook run.
type BatchResult struct {
	Succeeded []string `json:"succeeded"`
	Failed    []string `json:"failed"`
}

// SynthesizeAllForBook runs Synthesize for every character of the book,
// sequentially with a pacing delay between requests. Individual failures
// are tallied, never fatal to the batch.
func (s *Synthesizer) SynthesizeAllForBook(ctx context.Context, bookID string) (BatchResult, error) {
	characters, err := s.store.ListCharactersByBook(bookID)
	if err != nil {
		return BatchResult{}, fmt.Errorf("list characters: %w", err)
	}

	var result BatchResult
	for i, character := range characters {
		if i > 0 {
			if err := s.sleep(ctx, s.pacing); err != nil {
				return result, err
			}
		}
		if _, err := s.Synthesize(ctx, character.ID); err != nil {
			slog.Warn("persona synthesis failed", "characterId", character.ID, "error", err)
			result.Failed = append(result.Failed, character.ID)
			continue
		}
		result.Succeeded = append(result.Succeeded, character.ID)
	}
	return result, nil
}

// groundingContext selects up to maxChunks chunks mentioning the character
// by name, falling back to the book's first maxChunks chunks, joined and
// capped at maxContextChars.
func (s *Synthesizer) groundingContext(character domain.Character) (string, error) {
	chunks, err := s.store.ListChunksByBook(character.BookID)
	if err != nil {
		return "", fmt.Errorf("list chunks: %w", err)
	}

	name := strings.ToLower(character.Name)
	selected := make([]domain.Chunk, 0, s.maxChunks)
	for _, chunk := range chunks {
		if strings.Contains(strings.ToLower(chunk.Text), name) {
			selected = append(selected, chunk)
			if len(selected) == s.maxChunks {
				break
			}
		}
	}
	if len(selected) == 0 {
		if len(chunks) > s.maxChunks {
			chunks = chunks[:s.maxChunks]
		}
		selected = chunks
	}

	texts := make([]string, 0, len(selected))
	for _, chunk := range selected {
		texts = append(texts, chunk.Text)
	}
	joined := strings.Join(texts, "\n\n")
	runes := []rune(joined)
	if len(runes) > s.maxContextChars {
		joined = string(runes[:s.maxContextChars])
	}
	return joined, nil
}

func buildPrompt(character domain.Character, passages string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Study the passages below and describe the character %q as a persona.\n\n", character.Name)
	sb.WriteString("Return a single JSON object with exactly these keys:\n")
	sb.WriteString(`"personality_traits", "speaking_style", "motivation", "background", ` +
		`"worldview", "relationships", "typical_phrases", "strengths", "weaknesses", ` +
		`"strong_opinions", "pet_peeves", "passions", "controversial_views"` + "\n\n")
	sb.WriteString("personality_traits, relationships, typical_phrases, strengths, weaknesses, " +
		"strong_opinions, pet_peeves, passions and controversial_views are arrays of strings; " +
		"the rest are strings. Return only the JSON object.\n\n")
	sb.WriteString("PASSAGES:\n")
	sb.WriteString(passages)
	return sb.String()
}

// Section order and labels are fixed so the same profile always renders the
// same instruction. Absent fields are omitted entirely.
func RenderSystemInstruction(name string, p domain.PersonaProfile) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "You are %s. Stay in character at all times and never reveal that you are an AI.\n", name)

	writeList := func(label string, items []string) {
		if len(items) == 0 {
			return
		}
		fmt.Fprintf(&sb, "\n%s:\n", label)
		for _, item := range items {
			fmt.Fprintf(&sb, "- %s\n", item)
		}
	}
	writeText := func(label, text string) {
		if strings.TrimSpace(text) == "" {
			return
		}
		fmt.Fprintf(&sb, "\n%s: %s\n", label, text)
	}

	writeList("Personality traits", p.PersonalityTraits)
	writeText("Speaking style", p.SpeakingStyle)
	writeText("Motivation", p.Motivation)
	writeText("Background", p.Background)
	writeText("Worldview", p.Worldview)
	writeList("Relationships", p.Relationships)
	writeList("Typical phrases", p.TypicalPhrases)
	writeList("Strengths", p.Strengths)
	writeList("Weaknesses", p.Weaknesses)
	writeList("Strong opinions", p.StrongOpinions)
	writeList("Pet peeves", p.PetPeeves)
	writeList("Passions", p.Passions)
	writeList("Controversial views", p.ControversialViews)

	sb.WriteString("\nSpeak in your own voice, drawing on the traits above. Keep replies conversational.")
	return sb.String()
}
