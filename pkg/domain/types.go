package domain

import (
	"fmt"
	"time"
)

// BookStatus tracks a book through the ingestion and extraction pipeline.
type BookStatus string

const (
	StatusPending              BookStatus = "pending"
	StatusProcessing           BookStatus = "processing"
	StatusChunksCreated        BookStatus = "chunks_created"
	StatusExtractingCharacters BookStatus = "extracting_characters"
	StatusCharactersExtracted  BookStatus = "characters_extracted"
	StatusError                BookStatus = "error"
)

// ExtractionStatus tracks a candidate character's approval lifecycle.
type ExtractionStatus string

const (
	ExtractionExtracted ExtractionStatus = "extracted"
	ExtractionApproved  ExtractionStatus = "approved"
)

type Book struct {
	ID                  string     `json:"id"`
	Title               string     `json:"title"`
	Author              string     `json:"author,omitempty"`
	Language            string     `json:"language,omitempty"`
	OriginalFilename    string     `json:"originalFilename"`
	StorageKey          string     `json:"-"`
	Status              BookStatus `json:"processingStatus"`
	TotalChunks         int        `json:"totalChunks"`
	CharactersExtracted int        `json:"charactersExtracted"`
	ErrorMessage        string     `json:"errorMessage,omitempty"`
	ProcessedAt         *time.Time `json:"processedAt,omitempty"`
	CreatedAt           time.Time  `json:"createdAt"`
	UpdatedAt           time.Time  `json:"updatedAt"`
}

// Chunk is an overlapping window of a chapter's words, the unit of retrieval.
// (ChapterNumber, ChunkIndex) is unique within a book; ChapterNumber is
// 1-based and ChunkIndex is 0-based within its chapter.
type Chunk struct {
	ID            string    `json:"id"`
	BookID        string    `json:"bookId"`
	ChapterNumber int       `json:"chapterNumber"`
	ChunkIndex    int       `json:"chunkIndex"`
	Text          string    `json:"text"`
	WordCount     int       `json:"wordCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// ChunkID builds the persisted chunk identifier. The trailing index is
// 1-based even though ChunkIndex is stored 0-based.
func ChunkID(bookID string, chapterNumber, chunkIndex int) string {
	return fmt.Sprintf("%s-ch%d-%d", bookID, chapterNumber, chunkIndex+1)
}

// ExtractedCharacter is a model-identified candidate awaiting approval.
// MentionCount is model-estimated and advisory only.
type ExtractedCharacter struct {
	ID               string           `json:"id"`
	BookID           string           `json:"bookId"`
	Name             string           `json:"name"`
	MentionCount     int              `json:"mentionCount"`
	Role             string           `json:"role"`
	BriefDescription string           `json:"briefDescription"`
	Status           ExtractionStatus `json:"extractionStatus"`
	CharacterID      string           `json:"characterId,omitempty"`
	CreatedAt        time.Time        `json:"createdAt"`
}

type Character struct {
	ID          string    `json:"id"`
	BookID      string    `json:"bookId"`
	Name        string    `json:"name"`
	Personality string    `json:"personality,omitempty"`
	Description string    `json:"description,omitempty"`
	ImageURL    string    `json:"imageUrl,omitempty"`
	Color       string    `json:"color,omitempty"`
	Greeting    string    `json:"greeting,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// PersonaProfile is the fixed schema returned by persona synthesis.
// Unknown fields in the model output are ignored on decode.
type PersonaProfile struct {
	PersonalityTraits  []string `json:"personality_traits,omitempty"`
	SpeakingStyle      string   `json:"speaking_style,omitempty"`
	Motivation         string   `json:"motivation,omitempty"`
	Background         string   `json:"background,omitempty"`
	Worldview          string   `json:"worldview,omitempty"`
	Relationships      []string `json:"relationships,omitempty"`
	TypicalPhrases     []string `json:"typical_phrases,omitempty"`
	Strengths          []string `json:"strengths,omitempty"`
	Weaknesses         []string `json:"weaknesses,omitempty"`
	StrongOpinions     []string `json:"strong_opinions,omitempty"`
	PetPeeves          []string `json:"pet_peeves,omitempty"`
	Passions           []string `json:"passions,omitempty"`
	ControversialViews []string `json:"controversial_views,omitempty"`
}

// Persona is one-to-one with a character. SystemInstruction is rendered
// deterministically from Profile and used verbatim as the LLM system prompt.
type Persona struct {
	ID                string         `json:"id"`
	CharacterID       string         `json:"characterId"`
	Profile           PersonaProfile `json:"profile"`
	SystemInstruction string         `json:"systemInstruction"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

// Conversation binds one user to one character. Created lazily on the
// first chat turn; messages are append-only.
type Conversation struct {
	ID            string     `json:"id"`
	UserID        string     `json:"userId"`
	CharacterID   string     `json:"characterId"`
	LastMessageAt *time.Time `json:"lastMessageAt,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
}

type Message struct {
	ID             string    `json:"id"`
	ConversationID string    `json:"conversationId"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Image          string    `json:"image,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
}

// PromptTemplate is an admin-managed text block mixed into chat prompts.
type PromptTemplate struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Content   string    `json:"content"`
	Active    bool      `json:"active"`
	UpdatedAt time.Time `json:"updatedAt"`
}
