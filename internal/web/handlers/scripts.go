package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jusunglee/qaforge/internal/agent"
	"github.com/jusunglee/qaforge/internal/db"
	"github.com/samber/lo"
)

type ScriptHandler struct {
	generator *agent.ScriptGenerator
	repo      db.Repository
	log       *slog.Logger
}

func NewScriptHandler(generator *agent.ScriptGenerator, repo db.Repository, log *slog.Logger) *ScriptHandler {
	return &ScriptHandler{generator: generator, repo: repo, log: log}
}

type generateScriptRequest struct {
	TestID string `json:"test_id"`
}

type generateScriptResponse struct {
	Script         string  `json:"script"`
	TestID         string  `json:"test_id"`
	Filename       string  `json:"filename"`
	SyntaxOK       bool    `json:"syntax_ok"`
	GenerationTime float64 `json:"generation_time"`
}

func (h *ScriptHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateScriptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.TestID == "" {
		writeError(w, http.StatusBadRequest, "test_id is required")
		return
	}

	row, err := h.repo.GetTestCaseByTestID(r.Context(), req.TestID)
	if err != nil {
		if db.IsNoRows(err) {
			writeError(w, http.StatusNotFound, "test case not found")
			return
		}
		h.log.ErrorContext(r.Context(), "getting test case", "test_id", req.TestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	start := time.Now()
	script, err := h.generator.Generate(r.Context(), row)
	if err != nil {
		if errors.Is(err, agent.ErrNoSelectors) {
			writeError(w, http.StatusConflict, "no html selectors found in knowledge base, upload the page and rebuild")
			return
		}
		h.log.ErrorContext(r.Context(), "generating script", "test_id", req.TestID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, generateScriptResponse{
		Script:         script.Content,
		TestID:         req.TestID,
		Filename:       script.Filename,
		SyntaxOK:       script.SyntaxOK,
		GenerationTime: time.Since(start).Seconds(),
	})
}

type scriptItem struct {
	ID         int64  `json:"id"`
	TestCaseID int64  `json:"test_case_id"`
	TestID     string `json:"test_id"`
	Filename   string `json:"filename"`
	SyntaxOK   bool   `json:"syntax_ok"`
	CreatedAt  string `json:"created_at"`
}

type scriptListResponse struct {
	Data       []scriptItem   `json:"data"`
	Pagination paginationMeta `json:"pagination"`
}

// List returns script metadata only; fetch an individual script for content.
func (h *ScriptHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := parsePagination(r)

	total, err := h.repo.CountTestScripts(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "counting scripts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rows, err := h.repo.ListTestScripts(r.Context(), db.ListTestScriptsParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		h.log.ErrorContext(r.Context(), "listing scripts", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := lo.Map(rows, func(row db.ListTestScriptsRow, _ int) scriptItem {
		return scriptItem{
			ID:         row.ID,
			TestCaseID: row.TestCaseID,
			TestID:     row.TestID,
			Filename:   row.Filename,
			SyntaxOK:   row.SyntaxOK,
			CreatedAt:  row.CreatedAt.Format(time.RFC3339),
		}
	})

	writeJSON(w, http.StatusOK, scriptListResponse{
		Data: data,
		Pagination: paginationMeta{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}

type scriptDetail struct {
	ID         int64  `json:"id"`
	TestCaseID int64  `json:"test_case_id"`
	Filename   string `json:"filename"`
	Content    string `json:"content"`
	SyntaxOK   bool   `json:"syntax_ok"`
	CreatedAt  string `json:"created_at"`
}

func (h *ScriptHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid id")
		return
	}

	script, err := h.repo.GetTestScript(r.Context(), id)
	if err != nil {
		if db.IsNoRows(err) {
			writeError(w, http.StatusNotFound, "script not found")
			return
		}
		h.log.ErrorContext(r.Context(), "getting script", "id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	download := r.URL.Query().Get("download")
	if download == "1" || download == "true" {
		w.Header().Set("Content-Type", "text/x-python")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", script.Filename))
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(script.Content))
		return
	}

	writeJSON(w, http.StatusOK, scriptDetail{
		ID:         script.ID,
		TestCaseID: script.TestCaseID,
		Filename:   script.Filename,
		Content:    script.Content,
		SyntaxOK:   script.SyntaxOK,
		CreatedAt:  script.CreatedAt.Format(time.RFC3339),
	})
}
