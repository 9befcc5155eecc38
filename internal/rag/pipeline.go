// Package rag builds the knowledge base from uploaded documents and retrieves
// source-attributed context for the generation agents.
package rag

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/ingest"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/metrics"
)

// SelectorChunkType marks chunks that hold one extracted HTML element each,
// as opposed to chunks of document text (whose type is the document type).
const SelectorChunkType = "html_selector"

// selectorQuery is the broad query used to sweep selector chunks out of the
// knowledge base when script generation needs every available element.
const selectorQuery = "html form input button select textarea link"

// Pipeline wires document parsing, chunking, and the vector store together.
type Pipeline struct {
	repo         db.Repository
	store        *kb.Store
	chunkSize    int
	chunkOverlap int
}

func New(repo db.Repository, store *kb.Store, chunkSize, chunkOverlap int) *Pipeline {
	return &Pipeline{
		repo:         repo,
		store:        store,
		chunkSize:    chunkSize,
		chunkOverlap: chunkOverlap,
	}
}

// BuildStats reports what one knowledge base build produced.
type BuildStats struct {
	Documents      int           `json:"documents"`
	Chunks         int           `json:"chunks"`
	SelectorChunks int           `json:"selector_chunks"`
	Sources        []string      `json:"sources"`
	Duration       time.Duration `json:"-"`
}

// Build rebuilds the knowledge base from every stored document. Each source's
// chunks are replaced atomically, so rebuilding is idempotent even without
// clearExisting; clearExisting additionally drops chunks whose source document
// was deleted since the last build. A document that fails to parse is logged
// and skipped, never fatal.
func (p *Pipeline) Build(ctx context.Context, clearExisting bool) (BuildStats, error) {
	start := time.Now()

	if clearExisting {
		if _, err := p.store.Clear(ctx); err != nil {
			return BuildStats{}, fmt.Errorf("clearing knowledge base: %w", err)
		}
	}

	docs, err := p.repo.ListDocuments(ctx)
	if err != nil {
		return BuildStats{}, fmt.Errorf("listing documents: %w", err)
	}

	stats := BuildStats{Sources: []string{}}
	for _, doc := range docs {
		parsed, err := ingest.Parse(doc.Filename, []byte(doc.Content))
		if err != nil {
			slog.Warn("skipping document", "filename", doc.Filename, "error", err)
			continue
		}

		entries := p.textEntries(doc.Filename, parsed)
		selectorCount := 0
		if parsed.DocType == "html" {
			selectorChunks := selectorEntries(doc.Filename, parsed.Selectors)
			selectorCount = len(selectorChunks)
			entries = append(entries, selectorChunks...)
		}

		if _, err := p.store.Replace(ctx, doc.Filename, entries); err != nil {
			return stats, fmt.Errorf("indexing %s: %w", doc.Filename, err)
		}

		stats.Documents++
		stats.Chunks += len(entries)
		stats.SelectorChunks += selectorCount
		stats.Sources = append(stats.Sources, doc.Filename)
	}
	stats.Duration = time.Since(start)

	total, err := p.repo.CountChunks(ctx)
	if err != nil {
		return stats, fmt.Errorf("counting chunks: %w", err)
	}
	metrics.KBChunks.Set(float64(total))
	metrics.KBBuildDuration.Observe(stats.Duration.Seconds())

	slog.Info("knowledge base built",
		"documents", stats.Documents,
		"chunks", stats.Chunks,
		"selector_chunks", stats.SelectorChunks,
		"cleared", clearExisting,
		"duration", stats.Duration)
	return stats, nil
}

func (p *Pipeline) textEntries(filename string, parsed ingest.Parsed) []kb.Entry {
	if strings.TrimSpace(parsed.Text) == "" {
		return nil
	}

	chunks := ingest.Chunk(parsed.Text, p.chunkSize, p.chunkOverlap)
	total := strconv.Itoa(len(chunks))

	entries := make([]kb.Entry, 0, len(chunks))
	for i, content := range chunks {
		entries = append(entries, kb.Entry{
			Content:    content,
			Source:     filename,
			ChunkType:  parsed.DocType,
			ChunkIndex: int32(i),
			Metadata:   map[string]string{"total_chunks": total},
		})
	}
	return entries
}

func selectorEntries(filename string, selectors []ingest.Selector) []kb.Entry {
	entries := make([]kb.Entry, 0, len(selectors))
	for i, sel := range selectors {
		entries = append(entries, kb.Entry{
			Content:    sel.ChunkText(),
			Source:     filename,
			ChunkType:  SelectorChunkType,
			ChunkIndex: int32(i),
			Metadata: map[string]string{
				"element_type": sel.ElementType,
				"element_id":   sel.ElementID,
				"element_name": sel.ElementName,
				"css_selector": sel.CSSSelector,
				"xpath":        sel.XPath,
				"placeholder":  sel.Placeholder,
				"input_type":   sel.InputType,
			},
		})
	}
	return entries
}

// Context is retrieved knowledge base content formatted for a prompt.
type Context struct {
	Text    string
	Sources []string
	Results []kb.SearchResult
}

// Retrieve searches the knowledge base and formats the hits with source
// attribution. Sources are deduplicated in rank order.
func (p *Pipeline) Retrieve(ctx context.Context, query string, topK int) (Context, error) {
	results, err := p.store.Search(ctx, query, topK)
	if err != nil {
		return Context{}, fmt.Errorf("searching knowledge base: %w", err)
	}

	seen := make(map[string]bool)
	sources := []string{}
	for _, r := range results {
		if r.Source == "" || seen[r.Source] {
			continue
		}
		seen[r.Source] = true
		sources = append(sources, r.Source)
	}

	return Context{
		Text:    FormatContext(results),
		Sources: sources,
		Results: results,
	}, nil
}

// FormatContext renders search results as the context block the agents embed
// in their prompts.
func FormatContext(results []kb.SearchResult) string {
	if len(results) == 0 {
		return "No relevant context found."
	}

	parts := []string{"RETRIEVED CONTEXT:\n"}
	for i, r := range results {
		parts = append(parts, fmt.Sprintf("[%d] Source: %s | Type: %s | Relevance: %.2f\n%s\n",
			i+1, r.Source, r.ChunkType, r.Similarity, r.Content))
	}
	return strings.Join(parts, "\n")
}

// SelectorRef is one HTML element reference rebuilt from chunk metadata, the
// shape handed to the script generation prompt.
type SelectorRef struct {
	ElementType string `json:"element_type"`
	ElementID   string `json:"element_id"`
	ElementName string `json:"element_name"`
	CSSSelector string `json:"css_selector"`
	XPath       string `json:"xpath"`
	Placeholder string `json:"placeholder"`
	InputType   string `json:"input_type"`
}

// SelectorContext returns every HTML selector in the knowledge base rendered
// as a JSON array for the script prompt. Returns "" when the knowledge base
// holds no selector chunks.
func (p *Pipeline) SelectorContext(ctx context.Context) (string, error) {
	results, err := p.store.Search(ctx, selectorQuery, 100)
	if err != nil {
		return "", fmt.Errorf("searching selectors: %w", err)
	}

	selectors := ExtractSelectorRefs(results)
	if len(selectors) == 0 {
		return "", nil
	}

	rendered, err := json.MarshalIndent(selectors, "", "  ")
	if err != nil {
		return "", fmt.Errorf("rendering selectors: %w", err)
	}
	return string(rendered), nil
}

// ExtractSelectorRefs rebuilds selector references from selector-typed search
// results, deduplicated by element identity (id, then name, then locator) in
// rank order.
func ExtractSelectorRefs(results []kb.SearchResult) []SelectorRef {
	seen := make(map[string]bool)
	var selectors []SelectorRef
	for _, r := range results {
		if r.ChunkType != SelectorChunkType {
			continue
		}
		ref := SelectorRef{
			ElementType: r.Metadata["element_type"],
			ElementID:   r.Metadata["element_id"],
			ElementName: r.Metadata["element_name"],
			CSSSelector: r.Metadata["css_selector"],
			XPath:       r.Metadata["xpath"],
			Placeholder: r.Metadata["placeholder"],
			InputType:   r.Metadata["input_type"],
		}

		key := ref.ElementID
		if key == "" {
			key = ref.ElementName
		}
		if key == "" {
			key = ref.CSSSelector + "|" + ref.XPath
		}
		if seen[key] {
			continue
		}
		seen[key] = true
		selectors = append(selectors, ref)
	}
	return selectors
}

// GroundingReport says which knowledge base sources a generated text mentions.
type GroundingReport struct {
	Grounded    bool     `json:"grounded"`
	Mentioned   []string `json:"mentioned"`
	Unmentioned []string `json:"unmentioned"`
}

// ValidateGrounding checks the generated text for case-insensitive mentions
// of the given source filenames. Empty source names are ignored rather than
// trivially matching everything.
func ValidateGrounding(text string, sources []string) GroundingReport {
	report := GroundingReport{Mentioned: []string{}, Unmentioned: []string{}}
	lower := strings.ToLower(text)
	for _, source := range sources {
		if source == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(source)) {
			report.Mentioned = append(report.Mentioned, source)
		} else {
			report.Unmentioned = append(report.Unmentioned, source)
		}
	}
	report.Grounded = len(report.Mentioned) > 0
	return report
}
