// Package extract identifies character candidates in an ingested book via
// the completion service and records them for human approval.
package extract

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
	defaultMaxCandidates = 10
	defaultMaxTextChars  = 50000
)

var (
	ErrBookNotFound      = errors.New("book not found")
	ErrBookNotReady      = errors.New("book not ready for character extraction")
	ErrCandidateNotFound = errors.New("extracted character not found")
	ErrAlreadyApproved   = errors.New("extracted character already approved")
)

const extractionSystemInstruction = "You are a literary analyst. You respond with JSON only, no prose."

// Config holds stage dependencies and bounds.
type Config struct {
	Store         store.Store
	Completer     ai.Completer
	Retry         ai.RetryPolicy
	MaxCandidates int
	MaxTextChars  int
}

// Stage runs character extraction over a book's assembled text:
// chunks_created -> extracting_characters -> characters_extracted, or
// -> error on any failure. Re-running after a completed extraction is
// allowed and replaces nothing; new candidates are appended.
type Stage struct {
	store         store.Store
	completer     ai.Completer
	retry         ai.RetryPolicy
	maxCandidates int
	maxTextChars  int
}

func New(cfg Config) (*Stage, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Completer == nil {
		return nil, errors.New("completer required")
	}
	maxCandidates := cfg.MaxCandidates
	if maxCandidates <= 0 {
		maxCandidates = defaultMaxCandidates
	}
	maxTextChars := cfg.MaxTextChars
	if maxTextChars <= 0 {
		maxTextChars = defaultMaxTextChars
	}
	return &Stage{
		store:         cfg.Store,
		completer:     cfg.Completer,
		retry:         cfg.Retry,
		maxCandidates: maxCandidates,
		maxTextChars:  maxTextChars,
	}, nil
}

type candidate struct {
	Name             string `json:"name"`
	MentionCount     int    `json:"mention_count"`
	Role             string `json:"role"`
	BriefDescription string `json:"brief_description"`
}

// ExtractCharacters asks the completion service for the book's main
// characters and persists them as unapproved candidates.
func (s *Stage) ExtractCharacters(ctx context.Context, bookID string) ([]domain.ExtractedCharacter, error) {
	book, ok, err := s.store.GetBook(bookID)
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}
	if book.Status != domain.StatusChunksCreated && book.Status != domain.StatusCharactersExtracted {
		return nil, fmt.Errorf("%w: status %s", ErrBookNotReady, book.Status)
	}

	if err := s.store.SetBookStatus(bookID, domain.StatusExtractingCharacters, ""); err != nil {
		return nil, fmt.Errorf("set extracting status: %w", err)
	}

	chars, err := s.extract(ctx, book)
	if err != nil {
		return nil, s.fail(bookID, err)
	}
	if err := s.store.SaveExtractedCharacters(bookID, chars); err != nil {
		return nil, s.fail(bookID, fmt.Errorf("save extracted characters: %w", err))
	}
	if err := s.store.MarkCharactersExtracted(bookID, len(chars)); err != nil {
		return nil, s.fail(bookID, fmt.Errorf("mark characters extracted: %w", err))
	}
	slog.Info("characters extracted", "bookId", bookID, "count", len(chars))
	return chars, nil
}

func (s *Stage) fail(bookID string, err error) error {
	if setErr := s.store.SetBookStatus(bookID, domain.StatusError, err.Error()); setErr != nil {
		slog.Error("mark book error failed", "bookId", bookID, "error", setErr)
	}
	return err
}

func (s *Stage) extract(ctx context.Context, book domain.Book) ([]domain.ExtractedCharacter, error) {
	text, err := store.FullText(s.store, book.ID)
	if err != nil {
		return nil, fmt.Errorf("assemble book text: %w", err)
	}
	text = truncateChars(text, s.maxTextChars)
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("book has no chunk text")
	}

	prompt := s.buildPrompt(book.Title, text)
	var raw string
	err = s.retry.Do(ctx, func(ctx context.Context) error {
		var callErr error
		raw, callErr = s.completer.Complete(ctx, extractionSystemInstruction, []ai.Part{ai.TextPart(prompt)}, ai.ExtractionConfig)
		return callErr
	})
	if err != nil {
		return nil, fmt.Errorf("character extraction request: %w", err)
	}

	payload, err := ai.ExtractJSON(raw, '[', ']')
	if err != nil {
		return nil, fmt.Errorf("parse extraction response: %w", err)
	}
	var candidates []candidate
	if err := json.Unmarshal([]byte(payload), &candidates); err != nil {
		return nil, fmt.Errorf("decode extraction response: %w", err)
	}

	now := time.Now().UTC()
	chars := make([]domain.ExtractedCharacter, 0, len(candidates))
	for _, c := range candidates {
		name := strings.TrimSpace(c.Name)
		if name == "" {
			continue
		}
		chars = append(chars, domain.ExtractedCharacter{
			ID:               util.NewID(),
			BookID:           book.ID,
			Name:             name,
			MentionCount:     c.MentionCount,
			Role:             strings.TrimSpace(c.Role),
			BriefDescription: strings.TrimSpace(c.BriefDescription),
			Status:           domain.ExtractionExtracted,
			CreatedAt:        now,
		})
		if len(chars) == s.maxCandidates {
			break
		}
	}
	if len(chars) == 0 {
		return nil, errors.New("no characters found in extraction response")
	}
	return chars, nil
}

func (s *Stage) buildPrompt(title, text string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Identify the %d most important characters in the book %q from the text below.\n\n", s.maxCandidates, title)
	sb.WriteString("Return a JSON array, at most ")
	fmt.Fprintf(&sb, "%d entries, each an object with these keys:\n", s.maxCandidates)
	sb.WriteString("- \"name\": the character's most common name\n")
	sb.WriteString("- \"mention_count\": your estimate of how often they appear\n")
	sb.WriteString("- \"role\": their role in the story, a few words\n")
	sb.WriteString("- \"brief_description\": one or two sentences about them\n\n")
	sb.WriteString("Order entries from most to least important. Return only the JSON array.\n\n")
	sb.WriteString("BOOK TEXT:\n")
	sb.WriteString(text)
	return sb.String()
}

// Approve creates a Character from an extracted candidate and marks the
// candidate approved with a back-reference. A candidate can be approved at
// most once.
func (s *Stage) Approve(extractedID string) (domain.Character, error) {
	cand, ok, err := s.store.GetExtractedCharacter(extractedID)
	if err != nil {
		return domain.Character{}, fmt.Errorf("load extracted character: %w", err)
	}
	if !ok {
		return domain.Character{}, fmt.Errorf("%w: %s", ErrCandidateNotFound, extractedID)
	}
	if cand.Status == domain.ExtractionApproved {
		return domain.Character{}, fmt.Errorf("%w: %s", ErrAlreadyApproved, extractedID)
	}

	now := time.Now().UTC()
	character := domain.Character{
		ID:          util.NewID(),
		BookID:      cand.BookID,
		Name:        cand.Name,
		Personality: cand.Role,
		Description: cand.BriefDescription,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.SaveCharacter(character); err != nil {
		return domain.Character{}, fmt.Errorf("save character: %w", err)
	}
	if err := s.store.MarkExtractedCharacterApproved(cand.ID, character.ID); err != nil {
		return domain.Character{}, fmt.Errorf("mark approved: %w", err)
	}
	return character, nil
}

func truncateChars(text string, max int) string {
	if max <= 0 {
		return text
	}
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max])
}
