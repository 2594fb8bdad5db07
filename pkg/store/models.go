package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM models used for persistence.
type BookModel struct {
	ID                  string `gorm:"primaryKey"`
	Title               string `gorm:"not null"`
	Author              string
	Language            string
	OriginalFilename    string
	StorageKey          string
	Status              string `gorm:"not null;index"`
	TotalChunks         int    `gorm:"not null;default:0"`
	CharactersExtracted int    `gorm:"not null;default:0"`
	ErrorMessage        string
	ProcessedAt         *time.Time
	CreatedAt           time.Time `gorm:"not null"`
	UpdatedAt           time.Time `gorm:"not null"`
}

type ChunkModel struct {
	ID            string `gorm:"primaryKey"`
	BookID        string `gorm:"not null;index;uniqueIndex:idx_chunk_book_pos,priority:1"`
	ChapterNumber int    `gorm:"not null;uniqueIndex:idx_chunk_book_pos,priority:2"`
	ChunkIndex    int    `gorm:"not null;uniqueIndex:idx_chunk_book_pos,priority:3"`
	Text          string `gorm:"type:text;not null"`
	WordCount     int    `gorm:"not null"`
	CreatedAt     time.Time
	Book          BookModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

type ExtractedCharacterModel struct {
	ID               string `gorm:"primaryKey"`
	BookID           string `gorm:"not null;index"`
	Name             string `gorm:"not null"`
	MentionCount     int
	Role             string
	BriefDescription string `gorm:"type:text"`
	Status           string `gorm:"not null"`
	CharacterID      *string
	CreatedAt        time.Time
	Book             BookModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

type CharacterModel struct {
	ID          string `gorm:"primaryKey"`
	BookID      string `gorm:"not null;index"`
	Name        string `gorm:"not null"`
	Personality string `gorm:"type:text"`
	Description string `gorm:"type:text"`
	ImageURL    string
	Color       string
	Greeting    string
	CreatedAt   time.Time
	UpdatedAt   time.Time
	Book        BookModel `gorm:"foreignKey:BookID;constraint:OnDelete:CASCADE"`
}

type PersonaModel struct {
	ID                string         `gorm:"primaryKey"`
	CharacterID       string         `gorm:"uniqueIndex;not null"`
	Profile           datatypes.JSON `gorm:"type:jsonb"`
	SystemInstruction string         `gorm:"type:text;not null"`
	CreatedAt         time.Time
	UpdatedAt         time.Time
	Character         CharacterModel `gorm:"foreignKey:CharacterID;constraint:OnDelete:CASCADE"`
}

type ConversationModel struct {
	ID            string `gorm:"primaryKey"`
	UserID        string `gorm:"not null;index:idx_conv_user_char,priority:1"`
	CharacterID   string `gorm:"not null;index:idx_conv_user_char,priority:2"`
	LastMessageAt *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type MessageModel struct {
	ID             string `gorm:"primaryKey"`
	ConversationID string `gorm:"not null;index"`
	Role           string `gorm:"not null"`
	Content        string `gorm:"type:text;not null"`
	Image          string `gorm:"type:text"`
	CreatedAt      time.Time         `gorm:"not null;index"`
	Conversation   ConversationModel `gorm:"foreignKey:ConversationID;constraint:OnDelete:CASCADE"`
}

type PromptTemplateModel struct {
	ID        string `gorm:"primaryKey"`
	Name      string `gorm:"uniqueIndex;not null"`
	Content   string `gorm:"type:text;not null"`
	Active    bool   `gorm:"not null;default:true;index"`
	UpdatedAt time.Time
}
