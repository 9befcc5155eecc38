package handlers

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jusunglee/qaforge/internal/agent"
	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/rag"
)

type TestCaseHandler struct {
	generator *agent.CaseGenerator
	repo      db.Repository
	log       *slog.Logger
}

func NewTestCaseHandler(generator *agent.CaseGenerator, repo db.Repository, log *slog.Logger) *TestCaseHandler {
	return &TestCaseHandler{generator: generator, repo: repo, log: log}
}

type generateCasesRequest struct {
	Requirement string `json:"requirement"`
}

type generateCasesResponse struct {
	TestCases      []agent.TestCase    `json:"test_cases"`
	ContextSources []string            `json:"context_sources"`
	Grounding      rag.GroundingReport `json:"grounding"`
	GenerationTime float64             `json:"generation_time"`
}

func (h *TestCaseHandler) Generate(w http.ResponseWriter, r *http.Request) {
	var req generateCasesRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Requirement == "" {
		writeError(w, http.StatusBadRequest, "requirement is required")
		return
	}

	result, err := h.generator.Generate(r.Context(), req.Requirement)
	if err != nil {
		if errors.Is(err, agent.ErrNoContext) {
			writeError(w, http.StatusConflict, "no relevant context found in knowledge base, upload documents and build the knowledge base first")
			return
		}
		h.log.ErrorContext(r.Context(), "generating test cases", "requirement", req.Requirement, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	writeJSON(w, http.StatusOK, generateCasesResponse{
		TestCases:      result.Cases,
		ContextSources: result.Sources,
		Grounding:      result.Grounding,
		GenerationTime: result.Duration.Seconds(),
	})
}

type testCaseItem struct {
	ID int64 `json:"id"`
	agent.TestCase
	Requirement string `json:"requirement"`
	CreatedAt   string `json:"created_at"`
}

type testCaseListResponse struct {
	Data       []testCaseItem `json:"data"`
	Pagination paginationMeta `json:"pagination"`
}

func (h *TestCaseHandler) List(w http.ResponseWriter, r *http.Request) {
	page, limit, offset := parsePagination(r)

	total, err := h.repo.CountTestCases(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "counting test cases", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	rows, err := h.repo.ListTestCases(r.Context(), db.ListTestCasesParams{
		Limit:  int32(limit),
		Offset: int32(offset),
	})
	if err != nil {
		h.log.ErrorContext(r.Context(), "listing test cases", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := make([]testCaseItem, 0, len(rows))
	for _, row := range rows {
		tc, err := agent.CaseFromRow(row)
		if err != nil {
			h.log.ErrorContext(r.Context(), "decoding test case", "test_id", row.TestID, "error", err)
			continue
		}
		data = append(data, testCaseItem{
			ID:          row.ID,
			TestCase:    tc,
			Requirement: row.Requirement,
			CreatedAt:   row.CreatedAt.Format(time.RFC3339),
		})
	}

	writeJSON(w, http.StatusOK, testCaseListResponse{
		Data: data,
		Pagination: paginationMeta{
			Page:  page,
			Limit: limit,
			Total: total,
		},
	})
}
