package agent

import (
	"context"
	"testing"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/kb"
	"github.com/jusunglee/qaforge/internal/rag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedSelectorChunk(t *testing.T, store *kb.Store) {
	t.Helper()
	_, err := store.Add(context.Background(), []kb.Entry{{
		Content:   "Element Type: input | ID: promo-code | Placeholder: Enter promo code",
		Source:    "checkout.html",
		ChunkType: rag.SelectorChunkType,
		Metadata: map[string]string{
			"element_type": "input",
			"element_id":   "promo-code",
			"css_selector": "#promo-code",
			"xpath":        "//*[@id='promo-code']",
			"placeholder":  "Enter promo code",
			"input_type":   "text",
		},
	}})
	require.NoError(t, err)
}

func seedTestCaseRow(t *testing.T, repo db.Repository) db.TestCase {
	t.Helper()
	params, err := caseParams(TestCase{
		TestID:         "TC_001",
		Feature:        "Promo Code Validation",
		Scenario:       "Apply a valid promo code",
		Steps:          []string{"Open checkout", "Enter SAVE15", "Click apply"},
		ExpectedResult: "Discount line shows 15 percent off",
		GroundedIn:     []string{"reqs.md"},
		TestType:       "positive",
	}, "promo codes")
	require.NoError(t, err)

	row, err := repo.UpsertTestCase(context.Background(), params)
	require.NoError(t, err)
	return row
}

const scriptResponse = "```python\n" + `import pytest
import time
from selenium import webdriver
from selenium.webdriver.common.by import By
from selenium.webdriver.support.ui import WebDriverWait
from selenium.webdriver.support import expected_conditions as EC

BASE_URL = "http://localhost:8000/checkout.html"

@pytest.fixture(scope="module")
def driver():
    driver = webdriver.Chrome()
    driver.maximize_window()
    driver.implicitly_wait(5)
    yield driver
    driver.quit()

def test_promo_code_validation(driver):
    wait = WebDriverWait(driver, 10)
    try:
        driver.get(BASE_URL)
        promo = wait.until(EC.presence_of_element_located((By.ID, "promo-code")))
        promo.send_keys("SAVE15")
        time.sleep(0.5)
        print("TEST PASSED")
    except Exception:
        driver.save_screenshot(f"failure_{time.time()}.png")
        raise

if __name__ == "__main__":
    pytest.main([__file__, "-v", "-s"])` + "\n```"

func TestGenerateScript(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)
	ctx := context.Background()

	seedSelectorChunk(t, store)
	seedTextChunk(t, store, "reqs.md", "Promo code SAVE15 grants 15 percent off.")
	row := seedTestCaseRow(t, repo)

	client := &fakeLLM{response: scriptResponse}
	gen := NewScriptGenerator(client, pipeline, repo, "http://localhost:8000/checkout.html")

	script, err := gen.Generate(ctx, row)
	require.NoError(t, err)

	assert.Equal(t, row.ID, script.TestCaseID)
	assert.Equal(t, "test_tc_001_promo_code_validation.py", script.Filename)
	assert.True(t, script.SyntaxOK)
	assert.NotContains(t, script.Content, "```", "fences must be stripped before saving")
	assert.Contains(t, script.Content, "def test_promo_code_validation")

	assert.Contains(t, client.prompt, "AVAILABLE SELECTORS:")
	assert.Contains(t, client.prompt, "#promo-code")
	assert.Contains(t, client.prompt, `BASE_URL = "http://localhost:8000/checkout.html"`)
	assert.Contains(t, client.prompt, "Apply a valid promo code")
	assert.Contains(t, client.system, "automation engineer")

	stored, err := repo.GetTestScriptByTestCaseID(ctx, row.ID)
	require.NoError(t, err)
	assert.Equal(t, script.ID, stored.ID)
}

func TestGenerateScriptNoSelectors(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)

	seedTextChunk(t, store, "reqs.md", "Text only, no page indexed.")
	row := seedTestCaseRow(t, repo)

	gen := NewScriptGenerator(&fakeLLM{response: scriptResponse}, pipeline, repo, "http://localhost:8000")
	_, err := gen.Generate(context.Background(), row)
	assert.ErrorIs(t, err, ErrNoSelectors)
}

func TestGenerateScriptRecordsSyntaxFailure(t *testing.T) {
	repo, pipeline, store := newTestEnv(t)
	ctx := context.Background()

	seedSelectorChunk(t, store)
	row := seedTestCaseRow(t, repo)

	truncated := "import pytest\n\ndef test_promo(driver):\n    wait.until(EC.presence_of_element_located((By.ID, \"promo-code\")"
	gen := NewScriptGenerator(&fakeLLM{response: truncated}, pipeline, repo, "http://localhost:8000")

	script, err := gen.Generate(ctx, row)
	require.NoError(t, err, "syntax issues are recorded, never fatal")
	assert.False(t, script.SyntaxOK)

	stored, err := repo.GetTestScriptByTestCaseID(ctx, row.ID)
	require.NoError(t, err)
	assert.False(t, stored.SyntaxOK)
}

func TestCheckPythonSyntax(t *testing.T) {
	valid := `import pytest

def test_example(driver):
    data = {"key": ["a", "b"]}  # trailing comment with ) and ]
    assert data["key"][0] == "a"
    print(f"done_{len(data)}")
`
	tests := []struct {
		name   string
		src    string
		issues int
	}{
		{"valid script", valid, 0},
		{"empty", "   \n\t", 1},
		{"missing imports and test", "x = 1", 2},
		{"leftover fence", "import pytest\ndef test_a():\n    pass\n```", 1},
		{"unclosed paren", "import pytest\ndef test_a():\n    f(1, 2\n", 1},
		{"stray close", "import pytest\ndef test_a():\n    f(1))\n", 1},
		{"unterminated string", "import pytest\ndef test_a():\n    s = \"oops\n", 1},
		{"brackets inside strings ignored", "import pytest\ndef test_a():\n    s = \"(((\"\n    c = '['\n", 0},
		{"brackets inside comments ignored", "import pytest\ndef test_a():\n    pass  # unmatched ( [ {\n", 0},
		{"triple quoted docstring", "import pytest\ndef test_a():\n    \"\"\"docstring with ( and [\n    spanning lines\"\"\"\n    pass\n", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			issues := CheckPythonSyntax(tt.src)
			assert.Len(t, issues, tt.issues, "issues: %v", issues)
		})
	}
}

func TestScriptFilename(t *testing.T) {
	tests := []struct {
		testID  string
		feature string
		want    string
	}{
		{"TC_001", "Promo Code Validation", "test_tc_001_promo_code_validation.py"},
		{"TC_002", "Checkout Flow With Multiple Promo Codes Applied", "test_tc_002_checkout_flow_with_multiple_pr.py"},
		{"TC 3/a", "Cart: Add & Remove!", "test_tc_3_a_cart_add__remove.py"},
		{"TC_004", "", "test_tc_004_.py"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, ScriptFilename(tt.testID, tt.feature))
		})
	}
}
