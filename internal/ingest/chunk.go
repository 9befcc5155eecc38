package ingest

import "strings"

const (
	DefaultChunkSize    = 750
	DefaultChunkOverlap = 100
)

// Chunk splits text into overlapping windows of roughly size bytes, breaking
// at a sentence end when one falls in the second half of the window, else at
// a word boundary, else mid-word. Consecutive chunks share overlap bytes.
func Chunk(text string, size, overlap int) []string {
	if size <= 0 {
		size = DefaultChunkSize
	}
	// Overlap beyond half the window would stall the scan.
	if overlap > size/2 {
		overlap = size / 2
	}

	if len(text) <= size {
		return []string{text}
	}

	var chunks []string
	start := 0

	for start < len(text) {
		end := start + size

		if end < len(text) {
			window := text[start:end]
			if i := lastSentenceEnd(window); i > size/2 {
				end = start + i + 1
			} else if j := strings.LastIndex(window, " "); j > size/2 {
				end = start + j
			}
			chunks = append(chunks, strings.TrimSpace(text[start:end]))
		} else {
			chunks = append(chunks, strings.TrimSpace(text[start:]))
		}

		start = end - overlap
	}

	return chunks
}

var sentenceEnds = []string{". ", "! ", "? ", "\n"}

// lastSentenceEnd returns the index of the latest sentence-ending mark in s,
// or -1 when none occurs.
func lastSentenceEnd(s string) int {
	best := -1
	for _, sep := range sentenceEnds {
		if i := strings.LastIndex(s, sep); i > best {
			best = i
		}
	}
	return best
}
