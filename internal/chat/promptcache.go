package chat

import (
	"log/slog"
	"sync"
	"time"

	"bookpersona/pkg/domain"
	"bookpersona/pkg/store"
)

const DefaultTemplateTTL = 60 * time.Second

// TemplateCache holds the active prompt-template rows for a short TTL.
// Staleness is tolerated: a failed refresh serves the previous rows rather
// than failing the chat turn.
type TemplateCache struct {
	store store.Store
	ttl   time.Duration

	mu        sync.Mutex
	rows      []domain.PromptTemplate
	fetchedAt time.Time
	primed    bool
}

func NewTemplateCache(st store.Store, ttl time.Duration) *TemplateCache {
	if ttl <= 0 {
		ttl = DefaultTemplateTTL
	}
	return &TemplateCache{store: st, ttl: ttl}
}

// Get returns the cached rows, refreshing them when older than the TTL.
func (c *TemplateCache) Get(now time.Time) []domain.PromptTemplate {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.primed && now.Sub(c.fetchedAt) < c.ttl {
		return c.rows
	}
	rows, err := c.store.ListActivePromptTemplates()
	if err != nil {
		slog.Warn("prompt template refresh failed", "error", err)
		return c.rows
	}
	c.rows = rows
	c.fetchedAt = now
	c.primed = true
	return c.rows
}
