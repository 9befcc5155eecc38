package llm

import "testing"

func TestSanitize(t *testing.T) {
	tests := []struct {
		name  string
		input string
		want  string
	}{
		{
			name:  "no fences returns trimmed input",
			input: "  def test_login():\n    pass  \n",
			want:  "def test_login():\n    pass",
		},
		{
			name:  "empty string",
			input: "",
			want:  "",
		},
		{
			name:  "whitespace only",
			input: "  \n\t  ",
			want:  "",
		},
		{
			name:  "python tagged block",
			input: "```python\nimport pytest\n```",
			want:  "import pytest",
		},
		{
			name:  "generic block",
			input: "```\nimport pytest\n```",
			want:  "import pytest",
		},
		{
			name:  "leading prose discarded",
			input: "Here is the code:\n```python\nx = 1\n```",
			want:  "x = 1",
		},
		{
			name:  "trailing prose discarded",
			input: "```python\nx = 1\n```\nLet me know if you need anything else!",
			want:  "x = 1",
		},
		{
			name:  "unterminated tagged fence",
			input: "```python\nx = 1",
			want:  "x = 1",
		},
		{
			name:  "unterminated generic fence",
			input: "```\nx = 1",
			want:  "x = 1",
		},
		{
			name:  "empty tagged block",
			input: "```python\n```",
			want:  "",
		},
		{
			name:  "first of multiple blocks wins",
			input: "```python\nfirst\n```\nand then\n```python\nsecond\n```",
			want:  "first",
		},
		{
			name:  "tagged block preferred over earlier generic block",
			input: "```\ngeneric\n```\n```python\ntagged\n```",
			want:  "tagged",
		},
		{
			name:  "stray closing fence at end",
			input: "x = 1\n```",
			want:  "x = 1",
		},
		{
			name:  "lone fence mid-text left alone",
			input: "before ``` after",
			want:  "before ``` after",
		},
		{
			name:  "bare opening fence only",
			input: "```",
			want:  "",
		},
		{
			name:  "bare tagged fence only",
			input: "```python",
			want:  "",
		},
		{
			name:  "crlf line endings",
			input: "```python\r\nx = 1\r\n```",
			want:  "x = 1",
		},
		{
			name:  "tag with digits and punctuation",
			input: "```objective-c\n[x release];\n```",
			want:  "[x release];",
		},
		{
			name:  "multiline body preserved",
			input: "```python\nimport pytest\n\n\ndef test_checkout():\n    assert True\n```",
			want:  "import pytest\n\n\ndef test_checkout():\n    assert True",
		},
		{
			name:  "single backticks untouched",
			input: "use the `submit` button",
			want:  "use the `submit` button",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Sanitize(tt.input); got != tt.want {
				t.Errorf("Sanitize(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestSanitizeIdempotent(t *testing.T) {
	inputs := []string{
		"",
		"plain text",
		"```python\ncode\n```",
		"```\ncode\n```",
		"prose\n```python\ncode\n```\nmore prose",
		"```python\nunterminated",
		"code\n```",
		"before ``` after",
		"```python\nfirst\n``` ```\nsecond\n```",
		"``````",
		"`````",
		"````",
	}

	for _, in := range inputs {
		once := Sanitize(in)
		twice := Sanitize(once)
		if once != twice {
			t.Errorf("Sanitize not idempotent for %q: first %q, second %q", in, once, twice)
		}
	}
}
