// Package ingest drives a book through segmentation into stored chunks and
// maintains its processing state machine.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"bookpersona/pkg/domain"
	"bookpersona/pkg/segment"
	"bookpersona/pkg/storage"
	"bookpersona/pkg/store"
)

var ErrBookNotFound = errors.New("book not found")

// Config holds pipeline dependencies and chunking parameters.
type Config struct {
	Store        store.Store
	Objects      storage.ObjectStore
	MaxWords     int
	OverlapWords int
}

// Pipeline turns an uploaded book file into stored chunks:
// pending -> processing -> chunks_created, or -> error on any failure.
type Pipeline struct {
	store        store.Store
	objects      storage.ObjectStore
	maxWords     int
	overlapWords int

	mu    sync.Mutex
	locks map[string]*bookLock
}

// bookLock serializes ingestion per book. Entries are refcounted and removed
// from the map once the last holder releases, so the map only holds books
// with ingestion in flight.
type bookLock struct {
	mu   sync.Mutex
	refs int
}

func New(cfg Config) (*Pipeline, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	maxWords := cfg.MaxWords
	if maxWords <= 0 {
		maxWords = segment.DefaultMaxWords
	}
	overlapWords := cfg.OverlapWords
	if overlapWords < 0 {
		overlapWords = segment.DefaultOverlapWords
	}
	return &Pipeline{
		store:        cfg.Store,
		objects:      cfg.Objects,
		maxWords:     maxWords,
		overlapWords: overlapWords,
		locks:        make(map[string]*bookLock),
	}, nil
}

// ProcessStored fetches the book's source from object storage and runs
// ProcessBook on the downloaded file.
func (p *Pipeline) ProcessStored(ctx context.Context, bookID string) error {
	book, ok, err := p.store.GetBook(bookID)
	if err != nil {
		return fmt.Errorf("load book: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}
	if p.objects == nil {
		return errors.New("object store not configured")
	}
	if book.StorageKey == "" {
		return fmt.Errorf("book %s has no stored source file", bookID)
	}
	path, err := p.objects.FetchToFile(ctx, book.StorageKey, "")
	if err != nil {
		return fmt.Errorf("fetch source file: %w", err)
	}
	defer os.Remove(path)
	return p.ProcessBook(ctx, bookID, path)
}

// ProcessBook segments the file at path into chunks and replaces the book's
// chunk set. Unsupported file types fail before any state mutation. Any
// failure after processing starts marks the book error with the message
// attached, and the error is returned for the caller's job record.
func (p *Pipeline) ProcessBook(ctx context.Context, bookID, path string) error {
	lock := p.acquireLock(bookID)
	defer p.releaseLock(bookID, lock)

	if _, ok, err := p.store.GetBook(bookID); err != nil {
		return fmt.Errorf("load book: %w", err)
	} else if !ok {
		return fmt.Errorf("%w: %s", ErrBookNotFound, bookID)
	}
	if err := SupportedFile(path); err != nil {
		return err
	}

	if err := p.store.SetBookStatus(bookID, domain.StatusProcessing, ""); err != nil {
		return fmt.Errorf("set processing status: %w", err)
	}

	chunks, err := p.segmentFile(bookID, path)
	if err != nil {
		return p.fail(bookID, err)
	}
	if err := p.store.ReplaceChunks(bookID, chunks); err != nil {
		return p.fail(bookID, fmt.Errorf("store chunks: %w", err))
	}
	if err := p.store.MarkChunksCreated(bookID, len(chunks), time.Now().UTC()); err != nil {
		return p.fail(bookID, fmt.Errorf("mark chunks created: %w", err))
	}

	slog.Info("book ingested", "bookId", bookID, "chunks", len(chunks))
	return nil
}

func (p *Pipeline) segmentFile(bookID, path string) ([]domain.Chunk, error) {
	raw, err := readBookText(path)
	if err != nil {
		return nil, err
	}
	text := segment.NormalizeText(raw)
	if text == "" {
		return nil, errors.New("no content extracted")
	}

	now := time.Now().UTC()
	var chunks []domain.Chunk
	for _, chapter := range segment.DetectChapters(text) {
		for _, piece := range segment.ChunkText(chapter.Text, chapter.Number, p.maxWords, p.overlapWords) {
			chunks = append(chunks, domain.Chunk{
				ID:            domain.ChunkID(bookID, piece.ChapterNumber, piece.Index),
				BookID:        bookID,
				ChapterNumber: piece.ChapterNumber,
				ChunkIndex:    piece.Index,
				Text:          piece.Text,
				WordCount:     piece.WordCount,
				CreatedAt:     now,
			})
		}
	}
	if len(chunks) == 0 {
		return nil, errors.New("no content extracted")
	}
	return chunks, nil
}

func (p *Pipeline) fail(bookID string, err error) error {
	if setErr := p.store.SetBookStatus(bookID, domain.StatusError, err.Error()); setErr != nil {
		slog.Error("mark book error failed", "bookId", bookID, "error", setErr)
	}
	return err
}

func (p *Pipeline) acquireLock(bookID string) *bookLock {
	p.mu.Lock()
	lock, ok := p.locks[bookID]
	if !ok {
		lock = &bookLock{}
		p.locks[bookID] = lock
	}
	lock.refs++
	p.mu.Unlock()

	lock.mu.Lock()
	return lock
}

func (p *Pipeline) releaseLock(bookID string, lock *bookLock) {
	lock.mu.Unlock()

	p.mu.Lock()
	lock.refs--
	if lock.refs == 0 {
		delete(p.locks, bookID)
	}
	p.mu.Unlock()
}
