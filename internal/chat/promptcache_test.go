package chat

import (
	"errors"
	"testing"
	"time"

	"bookpersona/pkg/domain"
	"bookpersona/pkg/store"
)

type flakyTemplateStore struct {
	store.Store
	fail bool
}

func (f *flakyTemplateStore) ListActivePromptTemplates() ([]domain.PromptTemplate, error) {
	if f.fail {
		return nil, errors.New("database unavailable")
	}
	return f.Store.ListActivePromptTemplates()
}

func TestTemplateCacheRefreshesAfterTTL(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetPromptTemplates([]domain.PromptTemplate{{ID: "t1", Name: "tone", Content: "Be polite.", Active: true}})
	cache := NewTemplateCache(st, time.Minute)

	t0 := time.Now()
	rows := cache.Get(t0)
	if len(rows) != 1 || rows[0].Content != "Be polite." {
		t.Fatalf("unexpected rows: %+v", rows)
	}

	// within the TTL the store is not consulted again
	st.SetPromptTemplates([]domain.PromptTemplate{{ID: "t2", Name: "tone", Content: "Be curt.", Active: true}})
	rows = cache.Get(t0.Add(30 * time.Second))
	if len(rows) != 1 || rows[0].Content != "Be polite." {
		t.Fatalf("expected cached rows within TTL, got %+v", rows)
	}

	rows = cache.Get(t0.Add(61 * time.Second))
	if len(rows) != 1 || rows[0].Content != "Be curt." {
		t.Fatalf("expected refreshed rows after TTL, got %+v", rows)
	}
}

func TestTemplateCacheServesStaleOnRefreshError(t *testing.T) {
	st := store.NewMemoryStore()
	st.SetPromptTemplates([]domain.PromptTemplate{{ID: "t1", Name: "tone", Content: "Be polite.", Active: true}})
	flaky := &flakyTemplateStore{Store: st}
	cache := NewTemplateCache(flaky, time.Minute)

	t0 := time.Now()
	if rows := cache.Get(t0); len(rows) != 1 {
		t.Fatalf("expected initial fetch, got %+v", rows)
	}

	flaky.fail = true
	rows := cache.Get(t0.Add(2 * time.Minute))
	if len(rows) != 1 || rows[0].Content != "Be polite." {
		t.Fatalf("expected stale rows on refresh failure, got %+v", rows)
	}

	flaky.fail = false
	st.SetPromptTemplates([]domain.PromptTemplate{{ID: "t2", Name: "tone", Content: "Be curt.", Active: true}})
	rows = cache.Get(t0.Add(4 * time.Minute))
	if len(rows) != 1 || rows[0].Content != "Be curt." {
		t.Fatalf("expected recovery after failure, got %+v", rows)
	}
}
