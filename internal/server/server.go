// Package server is the thin HTTP boundary: it triggers background stages,
// exposes polled status, and forwards chat turns. All pipeline semantics
// live in the stage packages.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"bookpersona/internal/chat"
	"bookpersona/internal/extract"
	"bookpersona/internal/ingest"
	"bookpersona/internal/util"
	"bookpersona/pkg/domain"
	"bookpersona/pkg/queue"
	"bookpersona/pkg/storage"
	"bookpersona/pkg/store"
)

// JobQueue is the submit-and-poll surface the server needs.
type JobQueue interface {
	Enqueue(ctx context.Context, kind, subjectID string) (queue.JobStatus, error)
	GetJob(ctx context.Context, jobID string) (queue.JobStatus, bool, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Store          store.Store
	Objects        storage.ObjectStore
	Queue          JobQueue
	Extractor      *extract.Stage
	Chat           *chat.Service
	MaxUploadBytes int64
}

// Server exposes the HTTP API.
type Server struct {
	store          store.Store
	objects        storage.ObjectStore
	queue          JobQueue
	extractor      *extract.Stage
	chat           *chat.Service
	mux            *http.ServeMux
	maxUploadBytes int64
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Store == nil {
		return nil, errors.New("store required")
	}
	if cfg.Queue == nil {
		return nil, errors.New("queue required")
	}
	maxUploadBytes := cfg.MaxUploadBytes
	if maxUploadBytes <= 0 {
		maxUploadBytes = 50 * 1024 * 1024
	}
	s := &Server{
		store:          cfg.Store,
		objects:        cfg.Objects,
		queue:          cfg.Queue,
		extractor:      cfg.Extractor,
		chat:           cfg.Chat,
		mux:            http.NewServeMux(),
		maxUploadBytes: maxUploadBytes,
	}
	s.routes()
	return s, nil
}

// Router returns the configured handler.
func (s *Server) Router() http.Handler {
	return s.mux
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", s.handleHealth)
	s.mux.HandleFunc("/api/books", s.handleBooks)
	s.mux.HandleFunc("/api/books/", s.handleBookByID)
	s.mux.HandleFunc("/api/candidates/", s.handleCandidateByID)
	s.mux.HandleFunc("/api/characters/", s.handleCharacterByID)
	s.mux.HandleFunc("/api/chat", s.handleChat)
	s.mux.HandleFunc("/api/jobs/", s.handleJobByID)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleBooks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.handleUploadBook(w, r)
	case http.MethodGet:
		books, err := s.store.ListBooks()
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": books, "count": len(books)})
	default:
		methodNotAllowed(w)
	}
}

// handleUploadBook stores the file and registers the book as pending.
// Ingestion itself runs later, as a queued job.
func (s *Server) handleUploadBook(w http.ResponseWriter, r *http.Request) {
	if s.objects == nil {
		writeError(w, http.StatusInternalServerError, "object storage not configured")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		writeError(w, http.StatusBadRequest, "invalid form data")
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, http.StatusBadRequest, "file is required (field: file)")
		return
	}
	defer file.Close()
	if err := ingest.SupportedFile(header.Filename); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	now := time.Now().UTC()
	book := domain.Book{
		ID:               util.NewID(),
		Title:            strings.TrimSpace(r.FormValue("title")),
		Author:           strings.TrimSpace(r.FormValue("author")),
		Language:         strings.TrimSpace(r.FormValue("language")),
		OriginalFilename: header.Filename,
		Status:           domain.StatusPending,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if book.Title == "" {
		book.Title = strings.TrimSuffix(header.Filename, filepath.Ext(header.Filename))
	}
	book.StorageKey = storage.BookKey(book.ID, header.Filename)

	contentType := header.Header.Get("Content-Type")
	if err := s.objects.Put(r.Context(), book.StorageKey, file, header.Size, contentType); err != nil {
		writeError(w, http.StatusInternalServerError, "store file failed")
		return
	}
	if err := s.store.SaveBook(book); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusCreated, book)
}

// /api/books/{id} and /api/books/{id}/{action}
func (s *Server) handleBookByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/books/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		notFound(w, "not found")
		return
	}
	if len(parts) == 2 {
		s.handleBookAction(w, r, id, parts[1])
		return
	}

	book, ok, err := s.store.GetBook(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "book not found")
		return
	}
	switch r.Method {
	case http.MethodGet:
		writeJSON(w, http.StatusOK, book)
	case http.MethodDelete:
		if s.objects != nil && book.StorageKey != "" {
			_ = s.objects.Delete(r.Context(), book.StorageKey)
		}
		if err := s.store.DeleteBook(id); err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
	default:
		methodNotAllowed(w)
	}
}

func (s *Server) handleBookAction(w http.ResponseWriter, r *http.Request, id, action string) {
	book, ok, err := s.store.GetBook(id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "book not found")
		return
	}

	switch action {
	case "ingest":
		s.enqueue(w, r, queue.KindIngest, book.ID)
	case "extract":
		s.enqueue(w, r, queue.KindExtractCharacters, book.ID)
	case "personas":
		s.enqueue(w, r, queue.KindSynthesizePersonas, book.ID)
	case "candidates":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		candidates, err := s.store.ListExtractedCharacters(book.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": candidates, "count": len(candidates)})
	case "characters":
		if r.Method != http.MethodGet {
			methodNotAllowed(w)
			return
		}
		characters, err := s.store.ListCharactersByBook(book.ID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"items": characters, "count": len(characters)})
	case "download":
		if r.Method != http.MethodGet || s.objects == nil {
			methodNotAllowed(w)
			return
		}
		url, err := s.objects.PresignGet(r.Context(), book.StorageKey, 15*time.Minute)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to generate download URL")
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"url": url, "filename": book.OriginalFilename})
	default:
		notFound(w, "not found")
	}
}

// enqueue submits a background job and answers 202 with the job record.
// Failures of the stage itself are observable only via job and book status.
func (s *Server) enqueue(w http.ResponseWriter, r *http.Request, kind, subjectID string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	job, err := s.queue.Enqueue(r.Context(), kind, subjectID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	writeJSON(w, http.StatusAccepted, job)
}

// POST /api/candidates/{id}/approve
func (s *Server) handleCandidateByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/candidates/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "approve" {
		notFound(w, "not found")
		return
	}
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.extractor == nil {
		writeError(w, http.StatusInternalServerError, "extraction stage not configured")
		return
	}
	character, err := s.extractor.Approve(parts[0])
	if err != nil {
		switch {
		case errors.Is(err, extract.ErrCandidateNotFound):
			notFound(w, "extracted character not found")
		case errors.Is(err, extract.ErrAlreadyApproved):
			writeError(w, http.StatusConflict, "extracted character already approved")
		default:
			writeError(w, http.StatusInternalServerError, "internal error")
		}
		return
	}
	writeJSON(w, http.StatusCreated, character)
}

// POST /api/characters/{id}/persona
func (s *Server) handleCharacterByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/characters/")
	parts := strings.SplitN(path, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] != "persona" {
		notFound(w, "not found")
		return
	}
	if _, ok, err := s.store.GetCharacter(parts[0]); err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	} else if !ok {
		notFound(w, "character not found")
		return
	}
	s.enqueue(w, r, queue.KindSynthesizePersona, parts[0])
}

type chatRequest struct {
	CharacterID    string `json:"characterId"`
	ConversationID string `json:"conversationId,omitempty"`
	Message        string `json:"message"`
	Image          string `json:"image,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}
	if s.chat == nil {
		writeError(w, http.StatusInternalServerError, "chat service not configured")
		return
	}
	userID := strings.TrimSpace(r.Header.Get("X-User-ID"))
	if userID == "" {
		writeError(w, http.StatusBadRequest, "X-User-ID header required")
		return
	}
	var req chatRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.CharacterID == "" {
		writeError(w, http.StatusBadRequest, "characterId required")
		return
	}
	if strings.TrimSpace(req.Message) == "" {
		writeError(w, http.StatusBadRequest, "message required")
		return
	}

	result, err := s.chat.Send(r.Context(), userID, req.CharacterID, req.ConversationID, req.Message, req.Image)
	if err != nil {
		switch {
		case errors.Is(err, chat.ErrCharacterNotFound):
			notFound(w, "character not found")
		case errors.Is(err, chat.ErrConversationNotFound):
			notFound(w, "conversation not found")
		case errors.Is(err, chat.ErrConversationMismatch):
			writeError(w, http.StatusForbidden, "forbidden")
		default:
			writeError(w, http.StatusBadGateway, "reply generation failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// GET /api/jobs/{id}
func (s *Server) handleJobByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if id == "" || strings.Contains(id, "/") {
		notFound(w, "not found")
		return
	}
	job, ok, err := s.queue.GetJob(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if !ok {
		notFound(w, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func notFound(w http.ResponseWriter, msg string) {
	writeError(w, http.StatusNotFound, msg)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type errorResponse struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
