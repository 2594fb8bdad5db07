package store

import (
	"strings"
	"time"

	"bookpersona/pkg/domain"
)

// Store defines persistence for books, chunks, characters, personas, and
// conversations. Chunk writes are replace-all per book; chunk reads are
// ordered by (chapterNumber, chunkIndex).
type Store interface {
	// books
	SaveBook(domain.Book) error
	GetBook(id string) (domain.Book, bool, error)
	ListBooks() ([]domain.Book, error)
	DeleteBook(id string) error
	SetBookStatus(id string, status domain.BookStatus, errMsg string) error
	MarkChunksCreated(id string, totalChunks int, processedAt time.Time) error
	MarkCharactersExtracted(id string, count int) error

	// chunks
	ReplaceChunks(bookID string, chunks []domain.Chunk) error
	ListChunksByBook(bookID string) ([]domain.Chunk, error)

	// extracted character candidates
	SaveExtractedCharacters(bookID string, chars []domain.ExtractedCharacter) error
	ListExtractedCharacters(bookID string) ([]domain.ExtractedCharacter, error)
	GetExtractedCharacter(id string) (domain.ExtractedCharacter, bool, error)
	MarkExtractedCharacterApproved(id, characterID string) error

	// characters
	SaveCharacter(domain.Character) error
	GetCharacter(id string) (domain.Character, bool, error)
	ListCharactersByBook(bookID string) ([]domain.Character, error)
	DeleteCharacter(id string) error

	// personas (at most one per character)
	UpsertPersona(domain.Persona) error
	GetPersonaByCharacter(characterID string) (domain.Persona, bool, error)

	// conversations and messages
	CreateConversation(domain.Conversation) error
	GetConversation(id string) (domain.Conversation, bool, error)
	ListConversationsByUserAndCharacter(userID, characterID string, limit int) ([]domain.Conversation, error)
	TouchConversation(id string, lastMessageAt time.Time) error
	AppendMessage(msg domain.Message) error
	ListRecentMessages(conversationID string, limit int) ([]domain.Message, error)

	// prompt templates
	ListActivePromptTemplates() ([]domain.PromptTemplate, error)
}

// FullText assembles a book's text as the ordered concatenation of its
// chunk texts joined by blank lines. Used to feed the character-extraction
// prompt; overlap regions repeat, which is acceptable for that purpose.
func FullText(s Store, bookID string) (string, error) {
	chunks, err := s.ListChunksByBook(bookID)
	if err != nil {
		return "", err
	}
	texts := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		texts = append(texts, chunk.Text)
	}
	return strings.Join(texts, "\n\n"), nil
}
