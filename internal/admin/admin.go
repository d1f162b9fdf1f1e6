// Package admin implements the bearer-token-gated HTTP surface for
// managing the system prompt, the RAG document index, and conversations.
package admin

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"avatarbackend/internal/engine"
	"avatarbackend/internal/retrieval"
	"avatarbackend/internal/store"

	jsoniter "github.com/json-iterator/go"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// PromptEngine is the subset of *engine.Engine the admin surface depends on.
type PromptEngine interface {
	SystemPrompt() string
	SetSystemPrompt(string)
}

// Server wires the admin endpoints onto a gorilla/mux router with CORS.
type Server struct {
	apiKey    string
	engine    PromptEngine
	retrieval *retrieval.Store
	store     *store.Store
	router    *mux.Router
}

// NewServer builds the admin HTTP surface.
func NewServer(apiKey string, eng *engine.Engine, ret *retrieval.Store, st *store.Store) *Server {
	s := &Server{apiKey: apiKey, engine: eng, retrieval: ret, store: st}
	s.router = mux.NewRouter()
	s.routes()
	return s
}

// Handler returns the CORS-wrapped, auth-gated http.Handler to mount.
func (s *Server) Handler() http.Handler {
	c := cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Authorization", "Content-Type"},
	})
	return c.Handler(s.authMiddleware(s.router))
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token := strings.TrimPrefix(auth, "Bearer ")
		if token == "" || token != s.apiKey {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) routes() {
	s.router.HandleFunc("/admin/prompt", s.handleGetPrompt).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/prompt", s.handleSetPrompt).Methods(http.MethodPost)

	s.router.HandleFunc("/admin/documents", s.handleListDocuments).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/documents", s.handleUploadDocument).Methods(http.MethodPost)
	s.router.HandleFunc("/admin/documents/{name}", s.handleDeleteDocument).Methods(http.MethodDelete)
	s.router.HandleFunc("/admin/reload", s.handleReload).Methods(http.MethodPost)

	s.router.HandleFunc("/admin/conversations", s.handleListConversations).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/conversations/{id}/download", s.handleDownloadConversation).Methods(http.MethodGet)
	s.router.HandleFunc("/admin/conversations/{id}", s.handleDeleteConversation).Methods(http.MethodDelete)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) handleGetPrompt(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"prompt": s.engine.SystemPrompt()})
}

func (s *Server) handleSetPrompt(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Prompt string `json:"prompt"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, "invalid body", http.StatusBadRequest)
		return
	}
	s.engine.SetSystemPrompt(body.Prompt)
	writeJSON(w, http.StatusOK, map[string]string{"prompt": body.Prompt})
}

func (s *Server) handleListDocuments(w http.ResponseWriter, r *http.Request) {
	docs, err := s.retrieval.ListDocuments(r.Context())
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, docs)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, "invalid multipart form", http.StatusBadRequest)
		return
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing file field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, "failed to read upload", http.StatusInternalServerError)
		return
	}
	if err := s.retrieval.AddDocument(r.Context(), header.Filename, data); err != nil {
		http.Error(w, "failed to index document", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "document_id": header.Filename})
}

func (s *Server) handleDeleteDocument(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	if err := s.retrieval.DeleteDocument(r.Context(), name); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if err := s.retrieval.Reload(r.Context()); err != nil {
		http.Error(w, "reload failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	limit := parseIntDefault(r.URL.Query().Get("limit"), 20)
	offset := parseIntDefault(r.URL.Query().Get("offset"), 0)

	total, convs, err := s.store.List(r.Context(), limit, offset)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"total": total, "conversations": convs})
}

func (s *Server) handleDownloadConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	conv, msgs, err := s.store.Export(r.Context(), id)
	if err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Disposition", "attachment; filename=\""+id+".json\"")
	writeJSON(w, http.StatusOK, map[string]any{"conversation": conv, "messages": msgs})
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.store.Delete(r.Context(), id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil || n < 0 {
		return def
	}
	return n
}
