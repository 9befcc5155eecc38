package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/ingest"
	"github.com/jusunglee/qaforge/internal/metrics"
	"github.com/samber/lo"
)

type DocumentHandler struct {
	repo           db.Repository
	log            *slog.Logger
	maxUploadBytes int64
	maxDocuments   int
}

func NewDocumentHandler(repo db.Repository, log *slog.Logger, maxUploadBytes int64, maxDocuments int) *DocumentHandler {
	return &DocumentHandler{repo: repo, log: log, maxUploadBytes: maxUploadBytes, maxDocuments: maxDocuments}
}

type uploadedFile struct {
	Filename  string `json:"filename"`
	DocType   string `json:"doc_type"`
	SizeBytes int64  `json:"size_bytes"`
}

type uploadResponse struct {
	Message string         `json:"message"`
	Files   []uploadedFile `json:"files"`
}

// Upload accepts support documents (requirements, policies, API notes) as
// multipart field "files". Everything is validated before the first row is
// written, so a rejected batch leaves the store untouched.
func (h *DocumentHandler) Upload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, int64(h.maxDocuments)*h.maxUploadBytes+1<<20)
	if err := r.ParseMultipartForm(8 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, "invalid multipart form")
		return
	}
	defer r.MultipartForm.RemoveAll()

	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, http.StatusBadRequest, `no files provided in field "files"`)
		return
	}
	if len(files) > h.maxDocuments {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("maximum %d documents allowed per upload", h.maxDocuments))
		return
	}

	for _, fh := range files {
		if !ingest.HasExtension(fh.Filename, ingest.DocumentExtensions) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid file type %s, allowed: %s",
				filepath.Ext(fh.Filename), strings.Join(ingest.DocumentExtensions, ", ")))
			return
		}
		if fh.Size > h.maxUploadBytes {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("%s exceeds the %d byte file limit", fh.Filename, h.maxUploadBytes))
			return
		}
	}

	stored, err := h.storedDocumentCount(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "counting documents", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	newCount := 0
	for _, fh := range files {
		name := ingest.SanitizeFilename(fh.Filename)
		if _, err := h.repo.GetDocumentByFilename(r.Context(), name); err != nil {
			if db.IsNoRows(err) {
				newCount++
				continue
			}
			h.log.ErrorContext(r.Context(), "checking document", "filename", name, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}
	}
	if int(stored)+newCount > h.maxDocuments {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("maximum %d stored documents allowed, %d already uploaded", h.maxDocuments, stored))
		return
	}

	results := make([]uploadedFile, 0, len(files))
	for _, fh := range files {
		data, name, err := readUpload(fh)
		if err != nil {
			h.log.ErrorContext(r.Context(), "reading upload", "filename", fh.Filename, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		parsed, err := ingest.Parse(name, data)
		if err != nil {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot parse %s: %v", name, err))
			return
		}

		doc, err := h.repo.UpsertDocument(r.Context(), db.UpsertDocumentParams{
			Filename:  name,
			DocType:   parsed.DocType,
			Content:   string(data),
			SizeBytes: int64(len(data)),
		})
		if err != nil {
			h.log.ErrorContext(r.Context(), "saving document", "filename", name, "error", err)
			writeError(w, http.StatusInternalServerError, "internal error")
			return
		}

		metrics.UploadsTotal.WithLabelValues("document").Inc()
		results = append(results, uploadedFile{Filename: doc.Filename, DocType: doc.DocType, SizeBytes: doc.SizeBytes})
	}

	h.log.InfoContext(r.Context(), "documents uploaded", "count", len(results))
	writeJSON(w, http.StatusCreated, uploadResponse{
		Message: fmt.Sprintf("uploaded %d documents", len(results)),
		Files:   results,
	})
}

type pageResponse struct {
	Message       string `json:"message"`
	Filename      string `json:"filename"`
	SizeBytes     int64  `json:"size_bytes"`
	SelectorCount int    `json:"selector_count"`
}

// UploadPage accepts the HTML page under test as multipart field "file".
// The selector count in the response is a preview; extraction proper happens
// at build time.
func (h *DocumentHandler) UploadPage(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadBytes+1<<20)
	file, fh, err := r.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("upload exceeds %d bytes", tooLarge.Limit))
			return
		}
		writeError(w, http.StatusBadRequest, `no file provided in field "file"`)
		return
	}
	defer file.Close()

	if !ingest.HasExtension(fh.Filename, ingest.HTMLExtensions) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid file type %s, allowed: %s",
			filepath.Ext(fh.Filename), strings.Join(ingest.HTMLExtensions, ", ")))
		return
	}
	if fh.Size > h.maxUploadBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("%s exceeds the %d byte file limit", fh.Filename, h.maxUploadBytes))
		return
	}

	data, err := io.ReadAll(file)
	if err != nil {
		h.log.ErrorContext(r.Context(), "reading upload", "filename", fh.Filename, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	name := ingest.SanitizeFilename(fh.Filename)
	parsed, err := ingest.Parse(name, data)
	if err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("cannot parse %s: %v", name, err))
		return
	}

	doc, err := h.repo.UpsertDocument(r.Context(), db.UpsertDocumentParams{
		Filename:  name,
		DocType:   parsed.DocType,
		Content:   string(data),
		SizeBytes: int64(len(data)),
	})
	if err != nil {
		h.log.ErrorContext(r.Context(), "saving page", "filename", name, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	metrics.UploadsTotal.WithLabelValues("page").Inc()
	h.log.InfoContext(r.Context(), "page uploaded", "filename", doc.Filename, "selectors", len(parsed.Selectors))
	writeJSON(w, http.StatusCreated, pageResponse{
		Message:       "page uploaded",
		Filename:      doc.Filename,
		SizeBytes:     doc.SizeBytes,
		SelectorCount: len(parsed.Selectors),
	})
}

type documentResponse struct {
	ID         int64  `json:"id"`
	Filename   string `json:"filename"`
	DocType    string `json:"doc_type"`
	SizeBytes  int64  `json:"size_bytes"`
	UploadedAt string `json:"uploaded_at"`
}

func (h *DocumentHandler) List(w http.ResponseWriter, r *http.Request) {
	docs, err := h.repo.ListDocuments(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "listing documents", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	data := lo.Map(docs, func(d db.Document, _ int) documentResponse {
		return documentResponse{
			ID:         d.ID,
			Filename:   d.Filename,
			DocType:    d.DocType,
			SizeBytes:  d.SizeBytes,
			UploadedAt: d.UploadedAt.Format(time.RFC3339),
		}
	})

	writeJSON(w, http.StatusOK, map[string]any{"data": data, "total": len(data)})
}

// Clear deletes every stored upload. Indexed chunks stay live until the next
// build, so retrieval keeps working against the last built knowledge base.
func (h *DocumentHandler) Clear(w http.ResponseWriter, r *http.Request) {
	deleted, err := h.repo.DeleteAllDocuments(r.Context())
	if err != nil {
		h.log.ErrorContext(r.Context(), "clearing uploads", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}

	h.log.InfoContext(r.Context(), "uploads cleared", "deleted", deleted)
	writeJSON(w, http.StatusOK, map[string]any{
		"deleted": deleted,
		"message": "all uploads cleared",
	})
}

func (h *DocumentHandler) storedDocumentCount(ctx context.Context) (int64, error) {
	total, err := h.repo.CountDocuments(ctx)
	if err != nil {
		return 0, err
	}
	pages, err := h.repo.CountDocumentsByType(ctx, "html")
	if err != nil {
		return 0, err
	}
	return total - pages, nil
}

func readUpload(fh *multipart.FileHeader) ([]byte, string, error) {
	f, err := fh.Open()
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, ingest.SanitizeFilename(fh.Filename), nil
}
