// Package agent holds the two LLM agents: grounded test case generation and
// Selenium script generation.
package agent

import (
	"context"
	"database/sql"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"time"

	"github.com/jusunglee/qaforge/internal/db"
	"github.com/jusunglee/qaforge/internal/llm"
	"github.com/jusunglee/qaforge/internal/metrics"
	"github.com/jusunglee/qaforge/internal/rag"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

// ErrNoContext means the knowledge base returned nothing for the requirement,
// so there is nothing to ground test cases in.
var ErrNoContext = errors.New("no relevant context found in knowledge base")

const retryAttempts = 3

// TestCase is one generated test case, in the JSON shape the model is asked
// to produce.
type TestCase struct {
	TestID         string   `json:"test_id"`
	Feature        string   `json:"feature"`
	Scenario       string   `json:"test_scenario"`
	Preconditions  string   `json:"preconditions,omitempty"`
	Steps          []string `json:"steps"`
	ExpectedResult string   `json:"expected_result"`
	GroundedIn     []string `json:"grounded_in"`
	TestType       string   `json:"test_type"`
}

//go:embed testcase_schema.json
var testCaseSchemaJSON string

var testCaseSchema = jsonschema.MustCompileString("testcase_schema.json", testCaseSchemaJSON)

// CaseGenerator turns a plain-language requirement into grounded, persisted
// test cases.
type CaseGenerator struct {
	llm      llm.Client
	pipeline *rag.Pipeline
	repo     db.Repository
	topK     int
	numCases int
}

func NewCaseGenerator(client llm.Client, pipeline *rag.Pipeline, repo db.Repository, topK, numCases int) *CaseGenerator {
	return &CaseGenerator{
		llm:      client,
		pipeline: pipeline,
		repo:     repo,
		topK:     topK,
		numCases: numCases,
	}
}

// CaseResult is one generation run: the cases, the sources they were grounded
// in, and how well the raw output referenced them.
type CaseResult struct {
	Cases     []TestCase
	Sources   []string
	Grounding rag.GroundingReport
	Duration  time.Duration
}

// Generate retrieves context for the requirement, asks the model for test
// cases, validates and persists them. Returns ErrNoContext when the knowledge
// base has nothing relevant.
func (g *CaseGenerator) Generate(ctx context.Context, requirement string) (CaseResult, error) {
	start := time.Now()

	retrieved, err := g.pipeline.Retrieve(ctx, requirement, g.topK)
	if err != nil {
		return CaseResult{}, err
	}
	if len(retrieved.Results) == 0 {
		return CaseResult{}, ErrNoContext
	}

	raw, err := llm.CompleteWithRetry(ctx, g.llm, caseSystemPrompt, buildCasePrompt(requirement, retrieved.Text, g.numCases), retryAttempts)
	if err != nil {
		return CaseResult{}, err
	}

	cleaned := llm.Sanitize(raw)
	cases, err := parseTestCases(ExtractJSON(cleaned))
	if err != nil {
		return CaseResult{}, err
	}

	err = g.repo.WithTx(ctx, func(repo db.Repository) error {
		for _, tc := range cases {
			params, err := caseParams(tc, requirement)
			if err != nil {
				return err
			}
			if _, err := repo.UpsertTestCase(ctx, params); err != nil {
				return fmt.Errorf("saving %s: %w", tc.TestID, err)
			}
		}
		return nil
	})
	if err != nil {
		return CaseResult{}, err
	}
	metrics.TestCasesGenerated.Add(float64(len(cases)))

	return CaseResult{
		Cases:     cases,
		Sources:   retrieved.Sources,
		Grounding: rag.ValidateGrounding(cleaned, retrieved.Sources),
		Duration:  time.Since(start),
	}, nil
}

const caseSystemPrompt = "You are an expert QA test case generator. Your role is to create comprehensive, grounded test cases based strictly on provided documentation."

func buildCasePrompt(requirement, context string, numCases int) string {
	return fmt.Sprintf(`CRITICAL GROUNDING RULES:
1. Use ONLY information from the RETRIEVED CONTEXT below
2. Every test case MUST include "grounded_in" field with source document names
3. If information is missing, respond: "Not specified in documents"
4. Do NOT use general knowledge or assumptions
5. Generate POSITIVE, NEGATIVE, and EDGE test scenarios
6. Each test case must be realistic and executable

%s

FEATURE QUERY: %s

OUTPUT FORMAT:
Generate a JSON array of test cases. Each test case must follow this exact schema:

{
  "test_id": "TC_XXX",
  "feature": "Feature name",
  "test_scenario": "Clear description of what is being tested",
  "preconditions": "Required setup or initial state",
  "steps": ["Step 1", "Step 2", "Step 3"],
  "expected_result": "What should happen when test passes",
  "grounded_in": ["source_file1.md", "source_file2.html"],
  "test_type": "positive" or "negative" or "edge"
}

REQUIREMENTS:
- Generate %d test cases
- Include at least 60%% positive and 40%% negative or edge scenarios
- Each test case must reference specific elements/features from the context
- Steps must be clear, actionable, and sequential
- Expected results must be specific and verifiable
- grounded_in field must list actual source documents from the context

Generate the test cases now as a JSON array:`, context, requirement, numCases)
}

// parseTestCases decodes the extracted JSON into test cases. Entries that
// fail schema validation are dropped with a warning; only a fully invalid
// response is an error. Defaults fill missing test_id, grounded_in, and
// test_type.
func parseTestCases(jsonText string) ([]TestCase, error) {
	var items []json.RawMessage
	if err := json.Unmarshal([]byte(jsonText), &items); err != nil {
		// A single object is accepted and wrapped.
		var single json.RawMessage
		if objErr := json.Unmarshal([]byte(jsonText), &single); objErr != nil {
			return nil, fmt.Errorf("response is not valid JSON: %w", err)
		}
		items = []json.RawMessage{single}
	}

	var cases []TestCase
	for i, item := range items {
		var value any
		if err := json.Unmarshal(item, &value); err != nil {
			slog.Warn("dropping unreadable test case", "index", i, "error", err)
			continue
		}
		if err := testCaseSchema.Validate(value); err != nil {
			slog.Warn("dropping test case that failed validation", "index", i, "error", err)
			continue
		}

		var tc TestCase
		if err := json.Unmarshal(item, &tc); err != nil {
			slog.Warn("dropping undecodable test case", "index", i, "error", err)
			continue
		}

		if tc.TestID == "" {
			tc.TestID = fmt.Sprintf("TC_%03d", i+1)
		}
		if len(tc.GroundedIn) == 0 {
			tc.GroundedIn = []string{"Not specified"}
		}
		if tc.TestType == "" {
			tc.TestType = "positive"
		}
		cases = append(cases, tc)
	}

	if len(cases) == 0 {
		return nil, errors.New("no valid test cases in response")
	}
	return cases, nil
}

var (
	fencedJSONRe = regexp.MustCompile("```(?:json)?\\s*(\\[[\\s\\S]*?\\]|\\{[\\s\\S]*?\\})\\s*```")
	rawJSONRe    = regexp.MustCompile(`(\[[\s\S]*\]|\{[\s\S]*\})`)
)

// ExtractJSON pulls the JSON payload out of model output: a fenced block if
// present, otherwise the outermost array or object, otherwise the text as-is.
func ExtractJSON(text string) string {
	if m := fencedJSONRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	if m := rawJSONRe.FindStringSubmatch(text); m != nil {
		return m[1]
	}
	return text
}

func caseParams(tc TestCase, requirement string) (db.UpsertTestCaseParams, error) {
	steps, err := json.Marshal(tc.Steps)
	if err != nil {
		return db.UpsertTestCaseParams{}, fmt.Errorf("encoding steps: %w", err)
	}
	grounded, err := json.Marshal(tc.GroundedIn)
	if err != nil {
		return db.UpsertTestCaseParams{}, fmt.Errorf("encoding grounded_in: %w", err)
	}

	return db.UpsertTestCaseParams{
		TestID:         tc.TestID,
		Feature:        tc.Feature,
		Scenario:       tc.Scenario,
		Preconditions:  sql.NullString{String: tc.Preconditions, Valid: tc.Preconditions != ""},
		Steps:          steps,
		ExpectedResult: tc.ExpectedResult,
		GroundedIn:     grounded,
		TestType:       tc.TestType,
		Requirement:    requirement,
	}, nil
}

// CaseFromRow rebuilds a TestCase from its stored row.
func CaseFromRow(row db.TestCase) (TestCase, error) {
	var steps, grounded []string
	if err := json.Unmarshal(row.Steps, &steps); err != nil {
		return TestCase{}, fmt.Errorf("decoding steps for %s: %w", row.TestID, err)
	}
	if err := json.Unmarshal(row.GroundedIn, &grounded); err != nil {
		return TestCase{}, fmt.Errorf("decoding grounded_in for %s: %w", row.TestID, err)
	}

	return TestCase{
		TestID:         row.TestID,
		Feature:        row.Feature,
		Scenario:       row.Scenario,
		Preconditions:  row.Preconditions.String,
		Steps:          steps,
		ExpectedResult: row.ExpectedResult,
		GroundedIn:     grounded,
		TestType:       row.TestType,
	}, nil
}
