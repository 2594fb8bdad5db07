package store

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"bookpersona/pkg/domain"
)

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens the DB and runs auto-migrations.
func NewGormStore(dsn string) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.AutoMigrate(
		&BookModel{},
		&ChunkModel{},
		&ExtractedCharacterModel{},
		&CharacterModel{},
		&PersonaModel{},
		&ConversationModel{},
		&MessageModel{},
		&PromptTemplateModel{},
	); err != nil {
		return nil, fmt.Errorf("auto migrate: %w", err)
	}
	return &GormStore{db: db}, nil
}

// SaveBook stores or updates a book.
func (s *GormStore) SaveBook(b domain.Book) error {
	model := bookToModel(b)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"title", "author", "language", "original_filename", "storage_key", "status", "error_message", "updated_at"}),
	}).Create(&model).Error
}

// GetBook retrieves a book.
func (s *GormStore) GetBook(id string) (domain.Book, bool, error) {
	var model BookModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Book{}, false, nil
		}
		return domain.Book{}, false, err
	}
	return bookFromModel(model), true, nil
}

// ListBooks returns all books ordered by created_at.
func (s *GormStore) ListBooks() ([]domain.Book, error) {
	var models []BookModel
	if err := s.db.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	books := make([]domain.Book, 0, len(models))
	for _, m := range models {
		books = append(books, bookFromModel(m))
	}
	return books, nil
}

// DeleteBook removes a book; chunks and characters follow via FK cascade.
func (s *GormStore) DeleteBook(id string) error {
	return s.db.Delete(&BookModel{}, "id = ?", id).Error
}

// SetBookStatus updates processing status and error message.
func (s *GormStore) SetBookStatus(id string, status domain.BookStatus, errMsg string) error {
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(status),
			"error_message": errMsg,
			"updated_at":    time.Now().UTC(),
		}).Error
}

// MarkChunksCreated records successful segmentation.
func (s *GormStore) MarkChunksCreated(id string, totalChunks int, processedAt time.Time) error {
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":        string(domain.StatusChunksCreated),
			"total_chunks":  totalChunks,
			"processed_at":  processedAt.UTC(),
			"error_message": "",
			"updated_at":    time.Now().UTC(),
		}).Error
}

// MarkCharactersExtracted records successful character extraction.
func (s *GormStore) MarkCharactersExtracted(id string, count int) error {
	return s.db.Model(&BookModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":               string(domain.StatusCharactersExtracted),
			"characters_extracted": count,
			"error_message":        "",
			"updated_at":           time.Now().UTC(),
		}).Error
}

// ReplaceChunks swaps in the full chunk set for a book in one transaction,
// so a concurrent reader never sees a partial mix of old and new chunks.
func (s *GormStore) ReplaceChunks(bookID string, chunks []domain.Chunk) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Delete(&ChunkModel{}, "book_id = ?", bookID).Error; err != nil {
			return err
		}
		if len(chunks) == 0 {
			return nil
		}
		models := make([]ChunkModel, 0, len(chunks))
		for _, chunk := range chunks {
			model := chunkToModel(chunk)
			model.BookID = bookID
			models = append(models, model)
		}
		return tx.CreateInBatches(&models, 200).Error
	})
}

// ListChunksByBook returns chunks ordered by (chapter, index).
func (s *GormStore) ListChunksByBook(bookID string) ([]domain.Chunk, error) {
	var models []ChunkModel
	if err := s.db.Where("book_id = ?", bookID).
		Order("chapter_number ASC").
		Order("chunk_index ASC").
		Find(&models).Error; err != nil {
		return nil, err
	}
	chunks := make([]domain.Chunk, 0, len(models))
	for _, model := range models {
		chunks = append(chunks, chunkFromModel(model))
	}
	return chunks, nil
}

// SaveExtractedCharacters persists a batch of candidates.
func (s *GormStore) SaveExtractedCharacters(bookID string, chars []domain.ExtractedCharacter) error {
	if len(chars) == 0 {
		return nil
	}
	models := make([]ExtractedCharacterModel, 0, len(chars))
	for _, c := range chars {
		model := extractedToModel(c)
		model.BookID = bookID
		models = append(models, model)
	}
	return s.db.Create(&models).Error
}

// ListExtractedCharacters returns candidates for a book, oldest first.
func (s *GormStore) ListExtractedCharacters(bookID string) ([]domain.ExtractedCharacter, error) {
	var models []ExtractedCharacterModel
	if err := s.db.Where("book_id = ?", bookID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chars := make([]domain.ExtractedCharacter, 0, len(models))
	for _, model := range models {
		chars = append(chars, extractedFromModel(model))
	}
	return chars, nil
}

// GetExtractedCharacter returns one candidate.
func (s *GormStore) GetExtractedCharacter(id string) (domain.ExtractedCharacter, bool, error) {
	var model ExtractedCharacterModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.ExtractedCharacter{}, false, nil
		}
		return domain.ExtractedCharacter{}, false, err
	}
	return extractedFromModel(model), true, nil
}

// MarkExtractedCharacterApproved records approval and the created character.
func (s *GormStore) MarkExtractedCharacterApproved(id, characterID string) error {
	return s.db.Model(&ExtractedCharacterModel{}).
		Where("id = ?", id).
		Updates(map[string]any{
			"status":       string(domain.ExtractionApproved),
			"character_id": characterID,
		}).Error
}

// SaveCharacter stores or updates a chat character.
func (s *GormStore) SaveCharacter(c domain.Character) error {
	model := characterToModel(c)
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "id"}},
		DoUpdates: clause.AssignmentColumns([]string{"name", "personality", "description", "image_url", "color", "greeting", "updated_at"}),
	}).Create(&model).Error
}

// GetCharacter retrieves one character.
func (s *GormStore) GetCharacter(id string) (domain.Character, bool, error) {
	var model CharacterModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Character{}, false, nil
		}
		return domain.Character{}, false, err
	}
	return characterFromModel(model), true, nil
}

// ListCharactersByBook returns a book's characters, oldest first.
func (s *GormStore) ListCharactersByBook(bookID string) ([]domain.Character, error) {
	var models []CharacterModel
	if err := s.db.Where("book_id = ?", bookID).Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	chars := make([]domain.Character, 0, len(models))
	for _, model := range models {
		chars = append(chars, characterFromModel(model))
	}
	return chars, nil
}

// DeleteCharacter removes a character; its persona follows via FK cascade.
func (s *GormStore) DeleteCharacter(id string) error {
	return s.db.Delete(&CharacterModel{}, "id = ?", id).Error
}

// UpsertPersona replaces any prior persona for the character.
func (s *GormStore) UpsertPersona(p domain.Persona) error {
	model, err := personaToModel(p)
	if err != nil {
		return err
	}
	return s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "character_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"profile", "system_instruction", "updated_at"}),
	}).Create(&model).Error
}

// GetPersonaByCharacter returns the character's persona, if any.
func (s *GormStore) GetPersonaByCharacter(characterID string) (domain.Persona, bool, error) {
	var model PersonaModel
	if err := s.db.First(&model, "character_id = ?", characterID).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Persona{}, false, nil
		}
		return domain.Persona{}, false, err
	}
	persona, err := personaFromModel(model)
	if err != nil {
		return domain.Persona{}, false, err
	}
	return persona, true, nil
}

// CreateConversation creates a new conversation record.
func (s *GormStore) CreateConversation(c domain.Conversation) error {
	model := conversationToModel(c)
	return s.db.Create(&model).Error
}

// GetConversation returns one conversation by ID.
func (s *GormStore) GetConversation(id string) (domain.Conversation, bool, error) {
	var model ConversationModel
	if err := s.db.First(&model, "id = ?", id).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			return domain.Conversation{}, false, nil
		}
		return domain.Conversation{}, false, err
	}
	return conversationFromModel(model), true, nil
}

// ListConversationsByUserAndCharacter returns the most recent conversations
// between one user and one character, newest first.
func (s *GormStore) ListConversationsByUserAndCharacter(userID, characterID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 3
	}
	var models []ConversationModel
	if err := s.db.Where("user_id = ? AND character_id = ?", userID, characterID).
		Order("last_message_at DESC NULLS LAST").
		Order("updated_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.Conversation, 0, len(models))
	for _, model := range models {
		items = append(items, conversationFromModel(model))
	}
	return items, nil
}

// TouchConversation bumps the updated/last-message timestamps.
func (s *GormStore) TouchConversation(id string, lastMessageAt time.Time) error {
	updates := map[string]any{"updated_at": time.Now().UTC()}
	if !lastMessageAt.IsZero() {
		updates["last_message_at"] = lastMessageAt.UTC()
	}
	return s.db.Model(&ConversationModel{}).Where("id = ?", id).Updates(updates).Error
}

// AppendMessage records a message. The log is append-only.
func (s *GormStore) AppendMessage(msg domain.Message) error {
	model := messageToModel(msg)
	return s.db.Create(&model).Error
}

// ListRecentMessages returns the newest messages of a conversation in
// chronological order.
func (s *GormStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	var models []MessageModel
	if err := s.db.Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&models).Error; err != nil {
		return nil, err
	}
	msgs := make([]domain.Message, 0, len(models))
	for i := len(models) - 1; i >= 0; i-- {
		msgs = append(msgs, messageFromModel(models[i]))
	}
	return msgs, nil
}

// ListActivePromptTemplates returns active templates in name order.
func (s *GormStore) ListActivePromptTemplates() ([]domain.PromptTemplate, error) {
	var models []PromptTemplateModel
	if err := s.db.Where("active = ?", true).Order("name ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	items := make([]domain.PromptTemplate, 0, len(models))
	for _, model := range models {
		items = append(items, promptTemplateFromModel(model))
	}
	return items, nil
}

func bookToModel(b domain.Book) BookModel {
	return BookModel{
		ID:                  b.ID,
		Title:               b.Title,
		Author:              b.Author,
		Language:            b.Language,
		OriginalFilename:    b.OriginalFilename,
		StorageKey:          b.StorageKey,
		Status:              string(b.Status),
		TotalChunks:         b.TotalChunks,
		CharactersExtracted: b.CharactersExtracted,
		ErrorMessage:        b.ErrorMessage,
		ProcessedAt:         b.ProcessedAt,
		CreatedAt:           b.CreatedAt,
		UpdatedAt:           b.UpdatedAt,
	}
}

func bookFromModel(m BookModel) domain.Book {
	return domain.Book{
		ID:                  m.ID,
		Title:               m.Title,
		Author:              m.Author,
		Language:            m.Language,
		OriginalFilename:    m.OriginalFilename,
		StorageKey:          m.StorageKey,
		Status:              domain.BookStatus(m.Status),
		TotalChunks:         m.TotalChunks,
		CharactersExtracted: m.CharactersExtracted,
		ErrorMessage:        m.ErrorMessage,
		ProcessedAt:         m.ProcessedAt,
		CreatedAt:           m.CreatedAt,
		UpdatedAt:           m.UpdatedAt,
	}
}

func chunkToModel(c domain.Chunk) ChunkModel {
	return ChunkModel{
		ID:            c.ID,
		BookID:        c.BookID,
		ChapterNumber: c.ChapterNumber,
		ChunkIndex:    c.ChunkIndex,
		Text:          c.Text,
		WordCount:     c.WordCount,
		CreatedAt:     c.CreatedAt,
	}
}

func chunkFromModel(m ChunkModel) domain.Chunk {
	return domain.Chunk{
		ID:            m.ID,
		BookID:        m.BookID,
		ChapterNumber: m.ChapterNumber,
		ChunkIndex:    m.ChunkIndex,
		Text:          m.Text,
		WordCount:     m.WordCount,
		CreatedAt:     m.CreatedAt,
	}
}

func extractedToModel(c domain.ExtractedCharacter) ExtractedCharacterModel {
	var characterID *string
	if c.CharacterID != "" {
		value := c.CharacterID
		characterID = &value
	}
	return ExtractedCharacterModel{
		ID:               c.ID,
		BookID:           c.BookID,
		Name:             c.Name,
		MentionCount:     c.MentionCount,
		Role:             c.Role,
		BriefDescription: c.BriefDescription,
		Status:           string(c.Status),
		CharacterID:      characterID,
		CreatedAt:        c.CreatedAt,
	}
}

func extractedFromModel(m ExtractedCharacterModel) domain.ExtractedCharacter {
	characterID := ""
	if m.CharacterID != nil {
		characterID = *m.CharacterID
	}
	return domain.ExtractedCharacter{
		ID:               m.ID,
		BookID:           m.BookID,
		Name:             m.Name,
		MentionCount:     m.MentionCount,
		Role:             m.Role,
		BriefDescription: m.BriefDescription,
		Status:           domain.ExtractionStatus(m.Status),
		CharacterID:      characterID,
		CreatedAt:        m.CreatedAt,
	}
}

func characterToModel(c domain.Character) CharacterModel {
	return CharacterModel{
		ID:          c.ID,
		BookID:      c.BookID,
		Name:        c.Name,
		Personality: c.Personality,
		Description: c.Description,
		ImageURL:    c.ImageURL,
		Color:       c.Color,
		Greeting:    c.Greeting,
		CreatedAt:   c.CreatedAt,
		UpdatedAt:   c.UpdatedAt,
	}
}

func characterFromModel(m CharacterModel) domain.Character {
	return domain.Character{
		ID:          m.ID,
		BookID:      m.BookID,
		Name:        m.Name,
		Personality: m.Personality,
		Description: m.Description,
		ImageURL:    m.ImageURL,
		Color:       m.Color,
		Greeting:    m.Greeting,
		CreatedAt:   m.CreatedAt,
		UpdatedAt:   m.UpdatedAt,
	}
}

func personaToModel(p domain.Persona) (PersonaModel, error) {
	profile, err := json.Marshal(p.Profile)
	if err != nil {
		return PersonaModel{}, fmt.Errorf("marshal persona profile: %w", err)
	}
	return PersonaModel{
		ID:                p.ID,
		CharacterID:       p.CharacterID,
		Profile:           profile,
		SystemInstruction: p.SystemInstruction,
		CreatedAt:         p.CreatedAt,
		UpdatedAt:         p.UpdatedAt,
	}, nil
}

func personaFromModel(m PersonaModel) (domain.Persona, error) {
	var profile domain.PersonaProfile
	if len(m.Profile) > 0 {
		if err := json.Unmarshal(m.Profile, &profile); err != nil {
			return domain.Persona{}, fmt.Errorf("unmarshal persona profile: %w", err)
		}
	}
	return domain.Persona{
		ID:                m.ID,
		CharacterID:       m.CharacterID,
		Profile:           profile,
		SystemInstruction: m.SystemInstruction,
		CreatedAt:         m.CreatedAt,
		UpdatedAt:         m.UpdatedAt,
	}, nil
}

func conversationToModel(c domain.Conversation) ConversationModel {
	return ConversationModel{
		ID:            c.ID,
		UserID:        c.UserID,
		CharacterID:   c.CharacterID,
		LastMessageAt: c.LastMessageAt,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
	}
}

func conversationFromModel(m ConversationModel) domain.Conversation {
	return domain.Conversation{
		ID:            m.ID,
		UserID:        m.UserID,
		CharacterID:   m.CharacterID,
		LastMessageAt: m.LastMessageAt,
		CreatedAt:     m.CreatedAt,
		UpdatedAt:     m.UpdatedAt,
	}
}

func messageToModel(msg domain.Message) MessageModel {
	return MessageModel{
		ID:             msg.ID,
		ConversationID: msg.ConversationID,
		Role:           msg.Role,
		Content:        msg.Content,
		Image:          msg.Image,
		CreatedAt:      msg.CreatedAt,
	}
}

func messageFromModel(m MessageModel) domain.Message {
	return domain.Message{
		ID:             m.ID,
		ConversationID: m.ConversationID,
		Role:           m.Role,
		Content:        m.Content,
		Image:          m.Image,
		CreatedAt:      m.CreatedAt,
	}
}

func promptTemplateFromModel(m PromptTemplateModel) domain.PromptTemplate {
	return domain.PromptTemplate{
		ID:        m.ID,
		Name:      m.Name,
		Content:   m.Content,
		Active:    m.Active,
		UpdatedAt: m.UpdatedAt,
	}
}
