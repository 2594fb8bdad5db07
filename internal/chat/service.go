package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"bookpersona/pkg/domain"
	"bookpersona/pkg/store"
)

var (
	ErrConversationNotFound = errors.New("conversation not found")
	ErrConversationMismatch = errors.New("conversation belongs to another user or character")
)

// Shown to the user in place of a reply when the completion call fails.
// The user's own message stays saved either way.
const failureReply = "I seem to have lost my train of thought. Could you say that again?"

// Service wraps the engine with conversation persistence: lazy conversation
// creation, append-only message log, timestamp bumps.
type Service struct {
	store  store.Store
	engine *Engine
}

func NewService(st store.Store, engine *Engine) (*Service, error) {
	if st == nil {
		return nil, errors.New("store required")
	}
	if engine == nil {
		return nil, errors.New("engine required")
	}
	return &Service{store: st, engine: engine}, nil
}

// TurnResult is one completed chat turn.
type TurnResult struct {
	ConversationID string `json:"conversationId"`
	Reply          Reply  `json:"reply"`
}

// Send runs one chat turn for the user. The user message is saved before
// the completion call; if that call fails, a fallback reply is recorded so
// the failure is visible in the conversation, and the error is returned.
func (s *Service) Send(ctx context.Context, userID, characterID, conversationID, message, image string) (TurnResult, error) {
	userID = strings.TrimSpace(userID)
	message = strings.TrimSpace(message)
	if userID == "" {
		return TurnResult{}, errors.New("user id required")
	}
	if message == "" {
		return TurnResult{}, errors.New("message required")
	}
	if _, ok, err := s.store.GetCharacter(characterID); err != nil {
		return TurnResult{}, fmt.Errorf("load character: %w", err)
	} else if !ok {
		return TurnResult{}, fmt.Errorf("%w: %s", ErrCharacterNotFound, characterID)
	}

	conv, err := s.resolveConversation(userID, characterID, conversationID)
	if err != nil {
		return TurnResult{}, err
	}

	// history excludes the message being sent
	history, err := s.store.ListRecentMessages(conv.ID, maxTranscriptTurns)
	if err != nil {
		return TurnResult{}, fmt.Errorf("load history: %w", err)
	}

	now := time.Now().UTC()
	if err := s.store.AppendMessage(domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conv.ID,
		Role:           "user",
		Content:        message,
		Image:          image,
		CreatedAt:      now,
	}); err != nil {
		return TurnResult{}, fmt.Errorf("save user message: %w", err)
	}
	if err := s.store.TouchConversation(conv.ID, now); err != nil {
		slog.Warn("touch conversation failed", "conversationId", conv.ID, "error", err)
	}

	reply, err := s.engine.GenerateReply(ctx, characterID, message, history, image, userID, conv.ID)
	if err != nil {
		s.appendAssistant(conv.ID, failureReply)
		return TurnResult{ConversationID: conv.ID}, err
	}

	s.appendAssistant(conv.ID, reply.Text)
	return TurnResult{ConversationID: conv.ID, Reply: reply}, nil
}

func (s *Service) resolveConversation(userID, characterID, conversationID string) (domain.Conversation, error) {
	if conversationID != "" {
		conv, ok, err := s.store.GetConversation(conversationID)
		if err != nil {
			return domain.Conversation{}, fmt.Errorf("load conversation: %w", err)
		}
		if !ok {
			return domain.Conversation{}, fmt.Errorf("%w: %s", ErrConversationNotFound, conversationID)
		}
		if conv.UserID != userID || conv.CharacterID != characterID {
			return domain.Conversation{}, ErrConversationMismatch
		}
		return conv, nil
	}

	now := time.Now().UTC()
	conv := domain.Conversation{
		ID:          uuid.NewString(),
		UserID:      userID,
		CharacterID: characterID,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.CreateConversation(conv); err != nil {
		return domain.Conversation{}, fmt.Errorf("create conversation: %w", err)
	}
	return conv, nil
}

func (s *Service) appendAssistant(conversationID, content string) {
	now := time.Now().UTC()
	if err := s.store.AppendMessage(domain.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           "assistant",
		Content:        content,
		CreatedAt:      now,
	}); err != nil {
		slog.Error("save assistant message failed", "conversationId", conversationID, "error", err)
		return
	}
	if err := s.store.TouchConversation(conversationID, now); err != nil {
		slog.Warn("touch conversation failed", "conversationId", conversationID, "error", err)
	}
}
