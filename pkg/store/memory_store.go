package store

import (
	"sort"
	"sync"
	"time"

	"bookpersona/pkg/domain"
)

// MemoryStore keeps everything in-process. Used by tests and local runs
// without Postgres.
type MemoryStore struct {
	mu            sync.RWMutex
	books         map[string]domain.Book
	bookOrder     []string
	chunks        map[string][]domain.Chunk // bookID -> ordered chunks
	extracted     map[string]domain.ExtractedCharacter
	extractedSeq  []string
	characters    map[string]domain.Character
	characterSeq  []string
	personas      map[string]domain.Persona // characterID -> persona
	conversations map[string]domain.Conversation
	messages      map[string][]domain.Message // conversationID -> chronological
	templates     []domain.PromptTemplate
}

// NewMemoryStore initializes an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		books:         make(map[string]domain.Book),
		chunks:        make(map[string][]domain.Chunk),
		extracted:     make(map[string]domain.ExtractedCharacter),
		characters:    make(map[string]domain.Character),
		personas:      make(map[string]domain.Persona),
		conversations: make(map[string]domain.Conversation),
		messages:      make(map[string][]domain.Message),
	}
}

func (m *MemoryStore) SaveBook(b domain.Book) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.books[b.ID]; !exists {
		m.bookOrder = append(m.bookOrder, b.ID)
	}
	m.books[b.ID] = b
	return nil
}

func (m *MemoryStore) GetBook(id string) (domain.Book, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.books[id]
	return b, ok, nil
}

func (m *MemoryStore) ListBooks() ([]domain.Book, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	books := make([]domain.Book, 0, len(m.bookOrder))
	for _, id := range m.bookOrder {
		if b, ok := m.books[id]; ok {
			books = append(books, b)
		}
	}
	return books, nil
}

func (m *MemoryStore) DeleteBook(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.books, id)
	delete(m.chunks, id)
	for cid, c := range m.characters {
		if c.BookID == id {
			delete(m.characters, cid)
			delete(m.personas, cid)
		}
	}
	for eid, e := range m.extracted {
		if e.BookID == id {
			delete(m.extracted, eid)
		}
	}
	return nil
}

func (m *MemoryStore) SetBookStatus(id string, status domain.BookStatus, errMsg string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	book.Status = status
	book.ErrorMessage = errMsg
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) MarkChunksCreated(id string, totalChunks int, processedAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	at := processedAt.UTC()
	book.Status = domain.StatusChunksCreated
	book.TotalChunks = totalChunks
	book.ProcessedAt = &at
	book.ErrorMessage = ""
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) MarkCharactersExtracted(id string, count int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	book, ok := m.books[id]
	if !ok {
		return nil
	}
	book.Status = domain.StatusCharactersExtracted
	book.CharactersExtracted = count
	book.ErrorMessage = ""
	book.UpdatedAt = time.Now().UTC()
	m.books[id] = book
	return nil
}

func (m *MemoryStore) ReplaceChunks(bookID string, chunks []domain.Chunk) error {
	ordered := make([]domain.Chunk, len(chunks))
	copy(ordered, chunks)
	sort.SliceStable(ordered, func(i, j int) bool {
		if ordered[i].ChapterNumber != ordered[j].ChapterNumber {
			return ordered[i].ChapterNumber < ordered[j].ChapterNumber
		}
		return ordered[i].ChunkIndex < ordered[j].ChunkIndex
	})
	m.mu.Lock()
	defer m.mu.Unlock()
	m.chunks[bookID] = ordered
	return nil
}

func (m *MemoryStore) ListChunksByBook(bookID string) ([]domain.Chunk, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	chunks := make([]domain.Chunk, len(m.chunks[bookID]))
	copy(chunks, m.chunks[bookID])
	return chunks, nil
}

func (m *MemoryStore) SaveExtractedCharacters(bookID string, chars []domain.ExtractedCharacter) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, c := range chars {
		c.BookID = bookID
		if _, exists := m.extracted[c.ID]; !exists {
			m.extractedSeq = append(m.extractedSeq, c.ID)
		}
		m.extracted[c.ID] = c
	}
	return nil
}

func (m *MemoryStore) ListExtractedCharacters(bookID string) ([]domain.ExtractedCharacter, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chars []domain.ExtractedCharacter
	for _, id := range m.extractedSeq {
		if c, ok := m.extracted[id]; ok && c.BookID == bookID {
			chars = append(chars, c)
		}
	}
	return chars, nil
}

func (m *MemoryStore) GetExtractedCharacter(id string) (domain.ExtractedCharacter, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.extracted[id]
	return c, ok, nil
}

func (m *MemoryStore) MarkExtractedCharacterApproved(id, characterID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.extracted[id]
	if !ok {
		return nil
	}
	c.Status = domain.ExtractionApproved
	c.CharacterID = characterID
	m.extracted[id] = c
	return nil
}

func (m *MemoryStore) SaveCharacter(c domain.Character) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.characters[c.ID]; !exists {
		m.characterSeq = append(m.characterSeq, c.ID)
	}
	m.characters[c.ID] = c
	return nil
}

func (m *MemoryStore) GetCharacter(id string) (domain.Character, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.characters[id]
	return c, ok, nil
}

func (m *MemoryStore) ListCharactersByBook(bookID string) ([]domain.Character, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var chars []domain.Character
	for _, id := range m.characterSeq {
		if c, ok := m.characters[id]; ok && c.BookID == bookID {
			chars = append(chars, c)
		}
	}
	return chars, nil
}

func (m *MemoryStore) DeleteCharacter(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.characters, id)
	delete(m.personas, id)
	return nil
}

func (m *MemoryStore) UpsertPersona(p domain.Persona) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if prior, ok := m.personas[p.CharacterID]; ok {
		p.ID = prior.ID
		p.CreatedAt = prior.CreatedAt
	}
	m.personas[p.CharacterID] = p
	return nil
}

func (m *MemoryStore) GetPersonaByCharacter(characterID string) (domain.Persona, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.personas[characterID]
	return p, ok, nil
}

func (m *MemoryStore) CreateConversation(c domain.Conversation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.conversations[c.ID] = c
	return nil
}

func (m *MemoryStore) GetConversation(id string) (domain.Conversation, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.conversations[id]
	return c, ok, nil
}

func (m *MemoryStore) ListConversationsByUserAndCharacter(userID, characterID string, limit int) ([]domain.Conversation, error) {
	if limit <= 0 {
		limit = 3
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.Conversation
	for _, c := range m.conversations {
		if c.UserID == userID && c.CharacterID == characterID {
			items = append(items, c)
		}
	}
	sort.SliceStable(items, func(i, j int) bool {
		return lastActivity(items[i]).After(lastActivity(items[j]))
	})
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func lastActivity(c domain.Conversation) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return c.UpdatedAt
}

func (m *MemoryStore) TouchConversation(id string, lastMessageAt time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.conversations[id]
	if !ok {
		return nil
	}
	if !lastMessageAt.IsZero() {
		at := lastMessageAt.UTC()
		c.LastMessageAt = &at
	}
	c.UpdatedAt = time.Now().UTC()
	m.conversations[id] = c
	return nil
}

func (m *MemoryStore) AppendMessage(msg domain.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.messages[msg.ConversationID] = append(m.messages[msg.ConversationID], msg)
	return nil
}

func (m *MemoryStore) ListRecentMessages(conversationID string, limit int) ([]domain.Message, error) {
	if limit <= 0 {
		return []domain.Message{}, nil
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	all := m.messages[conversationID]
	start := len(all) - limit
	if start < 0 {
		start = 0
	}
	msgs := make([]domain.Message, len(all)-start)
	copy(msgs, all[start:])
	return msgs, nil
}

// SetPromptTemplates replaces the template set. Test helper standing in for
// the admin CRUD surface.
func (m *MemoryStore) SetPromptTemplates(templates []domain.PromptTemplate) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.templates = append([]domain.PromptTemplate(nil), templates...)
}

func (m *MemoryStore) ListActivePromptTemplates() ([]domain.PromptTemplate, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var items []domain.PromptTemplate
	for _, tpl := range m.templates {
		if tpl.Active {
			items = append(items, tpl)
		}
	}
	return items, nil
}
