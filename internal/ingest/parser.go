// Package ingest turns uploaded project files into clean text, KB-sized
// chunks, and HTML element selectors.
package ingest

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

// DocumentExtensions are accepted for support-document uploads.
var DocumentExtensions = []string{".md", ".txt", ".pdf", ".json"}

// HTMLExtensions are accepted for checkout-page uploads.
var HTMLExtensions = []string{".html", ".htm"}

// Parsed is the format-independent result of parsing one uploaded file.
type Parsed struct {
	Text      string
	RawHTML   string
	Selectors []Selector
	DocType   string
}

// Parse dispatches on the file extension.
func Parse(filename string, data []byte) (Parsed, error) {
	switch strings.ToLower(filepath.Ext(filename)) {
	case ".html", ".htm":
		return parseHTML(data)
	case ".md":
		return Parsed{Text: CleanText(string(data)), DocType: "markdown"}, nil
	case ".txt":
		return Parsed{Text: CleanText(string(data)), DocType: "text"}, nil
	case ".json":
		return parseJSON(data)
	case ".pdf":
		return parsePDF(data)
	default:
		return Parsed{}, fmt.Errorf("unsupported file type: %s", filepath.Ext(filename))
	}
}

// HasExtension reports whether the filename's extension is in allowed.
func HasExtension(filename string, allowed []string) bool {
	ext := strings.ToLower(filepath.Ext(filename))
	for _, a := range allowed {
		if ext == a {
			return true
		}
	}
	return false
}

func parseHTML(data []byte) (Parsed, error) {
	doc, err := html.Parse(bytes.NewReader(data))
	if err != nil {
		return Parsed{}, fmt.Errorf("parsing html: %w", err)
	}

	// Text content with script and style subtrees dropped.
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && (n.Data == "script" || n.Data == "style") {
			return
		}
		if n.Type == html.TextNode {
			b.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)

	selectors, err := ExtractSelectors(string(data))
	if err != nil {
		return Parsed{}, err
	}

	return Parsed{
		Text:      CleanText(b.String()),
		RawHTML:   string(data),
		Selectors: selectors,
		DocType:   "html",
	}, nil
}

func parseJSON(data []byte) (Parsed, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return Parsed{}, fmt.Errorf("parsing json: %w", err)
	}
	pretty, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return Parsed{}, fmt.Errorf("formatting json: %w", err)
	}
	return Parsed{Text: string(pretty), DocType: "json"}, nil
}

func parsePDF(data []byte) (Parsed, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return Parsed{}, fmt.Errorf("parsing pdf: %w", err)
	}
	plain, err := reader.GetPlainText()
	if err != nil {
		return Parsed{}, fmt.Errorf("extracting pdf text: %w", err)
	}
	var b strings.Builder
	if _, err := io.Copy(&b, plain); err != nil {
		return Parsed{}, fmt.Errorf("reading pdf text: %w", err)
	}
	text := CleanText(b.String())
	if text == "" {
		return Parsed{}, errors.New("no text extracted")
	}
	return Parsed{Text: text, DocType: "pdf"}, nil
}

var whitespaceRe = regexp.MustCompile(`\s+`)

// CleanText collapses all whitespace runs to single spaces and trims the ends.
func CleanText(text string) string {
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}

var unsafeFilenameRe = regexp.MustCompile(`[^\w\s.-]`)

// SanitizeFilename strips path components and characters that could escape
// the upload namespace.
func SanitizeFilename(filename string) string {
	filename = filepath.Base(filename)
	return unsafeFilenameRe.ReplaceAllString(filename, "")
}
