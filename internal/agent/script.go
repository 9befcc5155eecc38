package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/llm"
	"github.com/jusunglee/qaforge/internal/metrics"
	"github.com/jusunglee/qaforge/internal/rag"
)

// ErrNoSelectors means the knowledge base holds no HTML selector chunks, so
// there are no real elements to write a script against.
var ErrNoSelectors = errors.New("no html selectors found in knowledge base")

// scriptContextTopK bounds the supporting context for script prompts; the
// selector list already carries most of the page.
const scriptContextTopK = 5

// ScriptGenerator turns a stored test case into a Selenium pytest script.
type ScriptGenerator struct {
	llm      llm.Client
	pipeline *rag.Pipeline
	repo     db.Repository
	baseURL  string
}

func NewScriptGenerator(client llm.Client, pipeline *rag.Pipeline, repo db.Repository, baseURL string) *ScriptGenerator {
	return &ScriptGenerator{
		llm:      client,
		pipeline: pipeline,
		repo:     repo,
		baseURL:  baseURL,
	}
}

// Generate builds the prompt from the knowledge base selectors and feature
// context, asks the model for a script, sanitizes it, and persists it. The
// syntax check result is recorded but never blocks persistence. Returns
// ErrNoSelectors when no HTML page has been indexed.
func (g *ScriptGenerator) Generate(ctx context.Context, row db.TestCase) (db.TestScript, error) {
	tc, err := CaseFromRow(row)
	if err != nil {
		return db.TestScript{}, err
	}

	selectorsJSON, err := g.pipeline.SelectorContext(ctx)
	if err != nil {
		return db.TestScript{}, err
	}
	if selectorsJSON == "" {
		return db.TestScript{}, ErrNoSelectors
	}

	retrieved, err := g.pipeline.Retrieve(ctx, tc.Feature+" "+tc.Scenario, scriptContextTopK)
	if err != nil {
		return db.TestScript{}, err
	}

	caseJSON, err := json.MarshalIndent(tc, "", "  ")
	if err != nil {
		return db.TestScript{}, fmt.Errorf("encoding test case: %w", err)
	}

	prompt := buildScriptPrompt(string(caseJSON), selectorsJSON, retrieved.Text, g.baseURL)
	raw, err := llm.CompleteWithRetry(ctx, g.llm, scriptSystemPrompt, prompt, retryAttempts)
	if err != nil {
		return db.TestScript{}, err
	}

	script := llm.Sanitize(raw)

	issues := CheckPythonSyntax(script)
	if len(issues) > 0 {
		slog.Warn("generated script failed the syntax check",
			"test_id", tc.TestID, "issues", strings.Join(issues, "; "))
	}
	syntaxOK := len(issues) == 0

	saved, err := g.repo.UpsertTestScript(ctx, db.UpsertTestScriptParams{
		TestCaseID: row.ID,
		Filename:   ScriptFilename(tc.TestID, tc.Feature),
		Content:    script,
		SyntaxOK:   syntaxOK,
	})
	if err != nil {
		return db.TestScript{}, fmt.Errorf("saving script for %s: %w", tc.TestID, err)
	}
	metrics.ScriptsGenerated.WithLabelValues(strconv.FormatBool(syntaxOK)).Inc()
	return saved, nil
}

const scriptSystemPrompt = "You are a senior QA automation engineer. You write complete, executable Selenium pytest scripts that use only the provided element selectors."

// scriptScaffold is the template the model is told to follow; %q receives
// the configured base URL.
const scriptScaffold = `import pytest
import time
from selenium import webdriver
from selenium.webdriver.common.by import By
from selenium.webdriver.support.ui import WebDriverWait
from selenium.webdriver.support import expected_conditions as EC

BASE_URL = %q

@pytest.fixture(scope="module")
def driver():
    driver = webdriver.Chrome()
    driver.maximize_window()
    driver.implicitly_wait(5)
    yield driver
    driver.quit()

def test_feature_name(driver):
    wait = WebDriverWait(driver, 10)
    try:
        driver.get(BASE_URL)
        wait.until(EC.presence_of_element_located((By.ID, "replace-with-a-real-id")))

        # One block per test step: locate with an explicit wait, act, assert.

        print("TEST PASSED")
    except Exception:
        driver.save_screenshot(f"failure_{time.time()}.png")
        raise

if __name__ == "__main__":
    pytest.main([__file__, "-v", "-s"])`

func buildScriptPrompt(caseJSON, selectorsJSON, context, baseURL string) string {
	scaffold := "```python\n" + fmt.Sprintf(scriptScaffold, baseURL) + "\n```"

	return fmt.Sprintf(`Generate a complete Python Selenium pytest script following this EXACT template structure.

TEST CASE:
%s

AVAILABLE SELECTORS:
%s

CONTEXT:
%s

%s

CRITICAL RULES:
1. Use ONLY selectors from AVAILABLE SELECTORS above - never invent element ids, names, or CSS selectors
2. Selenium locators are TUPLES: (By.ID, "value") - use parentheses and a comma
3. Find every element through WebDriverWait and expected_conditions, never a bare find_element
4. Assert on substrings of status messages (msg.text.lower()), never exact text
5. Add time.sleep(0.5) after clicks that change the page
6. Name the test function after the test case feature
7. Keep the imports, BASE_URL, driver fixture, exception handling, and __main__ block from the template

OUTPUT: Raw Python code only, no markdown fences, no explanations. The script must be COMPLETE: all imports, BASE_URL, the driver fixture, the test function with every step and assertion, and the __main__ block.

Generate the COMPLETE executable script now:`, caseJSON, selectorsJSON, context, scaffold)
}

// CheckPythonSyntax runs a lightweight static pass over a generated script:
// required markers, leftover fences, and bracket/string balance outside
// comments and string literals. It catches the truncation and fencing
// artifacts models actually produce, not full Python syntax. An empty result
// means no issues found.
func CheckPythonSyntax(src string) []string {
	if strings.TrimSpace(src) == "" {
		return []string{"script is empty"}
	}

	var issues []string
	if !strings.Contains(src, "import ") {
		issues = append(issues, "no import statements")
	}
	if !strings.Contains(src, "def test_") {
		issues = append(issues, "no test function")
	}
	if strings.Contains(src, "```") {
		issues = append(issues, "markdown fence left in script")
	}
	return append(issues, scanBalance(src)...)
}

func scanBalance(src string) []string {
	opens := map[rune]rune{')': '(', ']': '[', '}': '{'}
	runes := []rune(src)

	var issues []string
	var stack []rune
	line := 1

	for i := 0; i < len(runes); {
		c := runes[i]
		switch {
		case c == '\n':
			line++
			i++
		case c == '#':
			for i < len(runes) && runes[i] != '\n' {
				i++
			}
		case c == '\'' || c == '"':
			next, terminated, newlines := skipString(runes, i)
			if !terminated {
				issues = append(issues, fmt.Sprintf("unterminated string starting on line %d", line))
			}
			line += newlines
			i = next
		case c == '(' || c == '[' || c == '{':
			stack = append(stack, c)
			i++
		case c == ')' || c == ']' || c == '}':
			if len(stack) == 0 || stack[len(stack)-1] != opens[c] {
				// One report; everything after a mismatch is noise.
				return append(issues, fmt.Sprintf("unexpected %q on line %d", c, line))
			}
			stack = stack[:len(stack)-1]
			i++
		default:
			i++
		}
	}

	if len(stack) > 0 {
		issues = append(issues, fmt.Sprintf("%d unclosed brackets at end of script", len(stack)))
	}
	return issues
}

// skipString advances past the string literal opening at runes[i] and returns
// the index after it, whether it closed, and how many newlines it spanned.
// Handles single, double, and triple quotes with backslash escapes; brackets
// inside strings (f-string bodies included) never reach the balance scan.
func skipString(runes []rune, i int) (next int, terminated bool, newlines int) {
	quote := runes[i]

	if i+2 < len(runes) && runes[i+1] == quote && runes[i+2] == quote {
		for j := i + 3; j < len(runes); j++ {
			switch runes[j] {
			case '\\':
				j++
			case '\n':
				newlines++
			case quote:
				if j+2 < len(runes) && runes[j+1] == quote && runes[j+2] == quote {
					return j + 3, true, newlines
				}
			}
		}
		return len(runes), false, newlines
	}

	for j := i + 1; j < len(runes); j++ {
		switch runes[j] {
		case '\\':
			j++
		case '\n':
			return j, false, 0
		case quote:
			return j + 1, true, 0
		}
	}
	return len(runes), false, 0
}

var filenamePartRe = regexp.MustCompile(`[^a-z0-9_]`)

// ScriptFilename names the saved script after its test case:
// test_<id>_<feature>.py, lowercased, spaces and slashes as underscores,
// feature part capped at 30 characters.
func ScriptFilename(testID, feature string) string {
	return fmt.Sprintf("test_%s_%s.py", filenamePart(testID, 0), filenamePart(feature, 30))
}

func filenamePart(s string, maxLen int) string {
	s = strings.ToLower(s)
	s = strings.ReplaceAll(s, " ", "_")
	s = strings.ReplaceAll(s, "/", "_")
	s = filenamePartRe.ReplaceAllString(s, "")
	if maxLen > 0 && len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}
