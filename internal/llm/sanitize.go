package llm

import (
	"regexp"
	"strings"
)

var (
	// A tagged fence is ``` directly followed by a language name, optional
	// trailing spaces, then a newline. The closing fence is the nearest
	// following ```.
	taggedFenceRe = regexp.MustCompile("(?s)```[A-Za-z][A-Za-z0-9_+.-]*[ \t]*\r?\n(.*?)```")

	genericFenceRe = regexp.MustCompile("(?s)```(.*?)```")

	leadingFenceRe = regexp.MustCompile("^```[A-Za-z0-9_+.-]*[ \t]*\r?\n?")
)

// Sanitize extracts usable source text from a raw model reply. Models wrap
// code in markdown fences and pad it with prose even when the prompt forbids
// both, so every reply passes through here before anything downstream reads
// it. Total over all inputs, pure, and idempotent: one pass removes every
// fence marker, so a second pass is a no-op trim.
//
// Resolution order, first match wins:
//  1. first complete language-tagged fenced block
//  2. first complete generic fenced block
//  3. stray fence markers at the very start or very end, even unmatched
//     (a model that hits its output limit never closes its fence)
//
// Whether the result is complete, valid source is the caller's problem.
func Sanitize(raw string) string {
	text := strings.TrimSpace(raw)

	if m := taggedFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	if m := genericFenceRe.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}

	text = leadingFenceRe.ReplaceAllString(text, "")
	text = strings.TrimSuffix(text, "```")
	return strings.TrimSpace(text)
}
