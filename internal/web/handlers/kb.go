package handlers

import (
	"fmt"
	"log/slog"
	"net/http"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/rag"
)

type KBHandler struct {
	repo     db.Repository
	store    *kb.Store
	pipeline *rag.Pipeline
	log      *slog.Logger
}

func NewKBHandler(repo db.Repository, store *kb.Store, pipeline *rag.Pipeline, log *slog.Logger) *KBHandler {
	return &KBHandler{repo: repo, store: store, pipeline: pipeline, log: log}
}

type buildResponse struct {
	Success        bool     `json:"success"`
	Documents      int      `json:"documents"`
	Chunks         int      `json:"chunks"`
	SelectorChunks int      `json:"selector_chunks"`
	Sources        []string `json:"sources"`
	Message        string   `json:"message"`
}

// Build indexes every stored upload. With clear_existing=true the knowledge
// base is wiped first; otherwise only re-indexed sources are replaced.
func (h *KBHandler) Build(w http.ResponseWriter, r *http.Request) {
	count, err := h.repo.CountDocuments(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "counting documents", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if count == 0 {
		writeError(w, http.StatusConflict, "no documents uploaded, upload documents first")
		return
	}

	clear := r.URL.Query().Get("clear_existing")
	clearExisting := clear == "true" || clear == "1"

	stats, err := h.pipeline.Build(r.Context(), clearExisting)
	if err != nil {
		h.log.ErrorContext(r.Context(), "building knowledge base", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, buildResponse{
		Success:        true,
		Documents:      stats.Documents,
		Chunks:         stats.Chunks,
		SelectorChunks: stats.SelectorChunks,
		Sources:        stats.Sources,
		Message:        fmt.Sprintf("knowledge base built with %d chunks from %d documents", stats.Chunks, stats.Documents),
	})
}

type kbStatsResponse struct {
	TotalChunks  int64            `json:"total_chunks"`
	Sources      []string         `json:"sources"`
	ChunksByType map[string]int64 `json:"chunks_by_type"`
	Documents    int64            `json:"documents"`
}

func (h *KBHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.Stats(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "reading kb stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	docs, err := h.repo.CountDocuments(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "counting documents", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, kbStatsResponse{
		TotalChunks:  stats.TotalChunks,
		Sources:      stats.Sources,
		ChunksByType: stats.ChunksByType,
		Documents:    docs,
	})
}
