// Command e2e drives a running qaforge-web server end to end: upload
// fixtures, build the knowledge base, generate test cases and a script, and
// download the script. It makes real LLM calls, so the server must be
// configured with live API keys.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const fixtureDoc = `# Checkout Requirements

## Promo Codes
The checkout page accepts promo codes. SAVE15 applies a 15 percent discount
to the order subtotal. WELCOME10 applies a 10 percent discount for first
orders. An invalid promo code must show an error message and leave the total
unchanged.

## Order Placement
Placing an order requires a valid email address and at least one item in the
cart. On success the page shows an order confirmation with an order number.
Submitting without an email shows a validation error next to the email field.
`

const fixturePage = `<!DOCTYPE html>
<html>
<head><title>Checkout</title></head>
<body>
  <form id="checkout-form" action="/order" method="post">
    <input id="email" name="email" type="email" placeholder="Email">
    <input id="promo-code" name="promo" type="text" placeholder="Promo code">
    <button id="apply-promo" type="button">Apply</button>
    <span id="promo-message" class="message"></span>
    <span id="order-total" class="total">$100.00</span>
    <button id="place-order" type="submit">Place order</button>
    <div id="confirmation" class="hidden"></div>
  </form>
</body>
</html>
`

func main() {
	if err := run(); err != nil {
		slog.Error("E2E FAILED", "error", err)
		os.Exit(1)
	}
	slog.Info("E2E PASSED")
}

func run() error {
	_ = godotenv.Load()

	baseURL := envDefault("E2E_BASE_URL", "http://localhost:8000")
	adminKey := os.Getenv("E2E_ADMIN_KEY")

	// Generate endpoints block on LLM round trips.
	client := &http.Client{Timeout: 180 * time.Second}

	log := slog.Default()

	log.Info("Phase 1: Checking health...", "base_url", baseURL)
	var healthResp struct {
		Status   string `json:"status"`
		Provider string `json:"llm_provider"`
	}
	if err := getJSON(client, baseURL+"/health", http.StatusOK, &healthResp); err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if healthResp.Status != "ok" {
		return fmt.Errorf("server unhealthy: status=%s", healthResp.Status)
	}
	log.Info("server healthy", "provider", healthResp.Provider)

	log.Info("Phase 2: Clearing previous uploads...")
	if err := clearUploads(client, baseURL, adminKey); err != nil {
		return err
	}

	log.Info("Phase 3: Uploading fixtures...")
	docBody, docType, err := multipartFile("files", "checkout_requirements.md", fixtureDoc)
	if err != nil {
		return err
	}
	var uploadResp struct {
		Files []struct {
			Filename string `json:"filename"`
			DocType  string `json:"doc_type"`
		} `json:"files"`
	}
	if err := postBody(client, baseURL+"/api/v1/documents", docType, docBody, http.StatusCreated, &uploadResp); err != nil {
		return fmt.Errorf("uploading document: %w", err)
	}
	if len(uploadResp.Files) != 1 || uploadResp.Files[0].DocType != "markdown" {
		return fmt.Errorf("unexpected upload response: %+v", uploadResp)
	}

	pageBody, pageType, err := multipartFile("file", "checkout.html", fixturePage)
	if err != nil {
		return err
	}
	var pageResp struct {
		SelectorCount int `json:"selector_count"`
	}
	if err := postBody(client, baseURL+"/api/v1/pages", pageType, pageBody, http.StatusCreated, &pageResp); err != nil {
		return fmt.Errorf("uploading page: %w", err)
	}
	if pageResp.SelectorCount == 0 {
		return fmt.Errorf("page upload extracted no selectors")
	}
	log.Info("fixtures uploaded", "selectors", pageResp.SelectorCount)

	log.Info("Phase 4: Building knowledge base...")
	var buildResp struct {
		Success        bool `json:"success"`
		Documents      int  `json:"documents"`
		Chunks         int  `json:"chunks"`
		SelectorChunks int  `json:"selector_chunks"`
	}
	if err := postBody(client, baseURL+"/api/v1/kb/build?clear_existing=true", "", nil, http.StatusOK, &buildResp); err != nil {
		return fmt.Errorf("building knowledge base: %w", err)
	}
	if !buildResp.Success || buildResp.Chunks == 0 || buildResp.SelectorChunks == 0 {
		return fmt.Errorf("unexpected build result: %+v", buildResp)
	}
	log.Info("knowledge base built", "documents", buildResp.Documents, "chunks", buildResp.Chunks, "selector_chunks", buildResp.SelectorChunks)

	var statsResp struct {
		TotalChunks int `json:"total_chunks"`
	}
	if err := getJSON(client, baseURL+"/api/v1/kb/stats", http.StatusOK, &statsResp); err != nil {
		return fmt.Errorf("fetching kb stats: %w", err)
	}
	if statsResp.TotalChunks != buildResp.Chunks {
		return fmt.Errorf("stats disagree with build: %d != %d", statsResp.TotalChunks, buildResp.Chunks)
	}

	log.Info("Phase 5: Generating test cases...")
	caseReq, _ := json.Marshal(map[string]string{
		"requirement": "Test the promo code discount behavior on the checkout page",
	})
	var casesResp struct {
		TestCases []struct {
			TestID  string `json:"test_id"`
			Feature string `json:"feature"`
		} `json:"test_cases"`
		GenerationTime float64 `json:"generation_time"`
	}
	if err := postBody(client, baseURL+"/api/v1/testcases/generate", "application/json", bytes.NewReader(caseReq), http.StatusOK, &casesResp); err != nil {
		return fmt.Errorf("generating test cases: %w", err)
	}
	if len(casesResp.TestCases) == 0 {
		return fmt.Errorf("no test cases generated")
	}
	target := casesResp.TestCases[0]
	log.Info("test cases generated", "count", len(casesResp.TestCases), "seconds", casesResp.GenerationTime, "first", target.TestID)

	log.Info("Phase 6: Generating script...", "test_id", target.TestID)
	scriptReq, _ := json.Marshal(map[string]string{"test_id": target.TestID})
	var scriptResp struct {
		Script   string `json:"script"`
		Filename string `json:"filename"`
		SyntaxOK bool   `json:"syntax_ok"`
	}
	if err := postBody(client, baseURL+"/api/v1/scripts/generate", "application/json", bytes.NewReader(scriptReq), http.StatusOK, &scriptResp); err != nil {
		return fmt.Errorf("generating script: %w", err)
	}
	if !strings.Contains(scriptResp.Script, "def test_") {
		return fmt.Errorf("generated script has no test function")
	}
	if !scriptResp.SyntaxOK {
		log.Warn("script failed the syntax check", "filename", scriptResp.Filename)
	}
	log.Info("script generated", "filename", scriptResp.Filename, "bytes", len(scriptResp.Script), "syntax_ok", scriptResp.SyntaxOK)

	log.Info("Phase 7: Downloading script...")
	var listResp struct {
		Data []struct {
			ID       int64  `json:"id"`
			Filename string `json:"filename"`
		} `json:"data"`
	}
	if err := getJSON(client, baseURL+"/api/v1/scripts", http.StatusOK, &listResp); err != nil {
		return fmt.Errorf("listing scripts: %w", err)
	}
	var scriptID int64 = -1
	for _, s := range listResp.Data {
		if s.Filename == scriptResp.Filename {
			scriptID = s.ID
			break
		}
	}
	if scriptID < 0 {
		return fmt.Errorf("generated script %s missing from list", scriptResp.Filename)
	}

	resp, err := client.Get(fmt.Sprintf("%s/api/v1/scripts/%d?download=1", baseURL, scriptID))
	if err != nil {
		return fmt.Errorf("downloading script: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("downloading script: status %d", resp.StatusCode)
	}
	if cd := resp.Header.Get("Content-Disposition"); !strings.Contains(cd, scriptResp.Filename) {
		return fmt.Errorf("unexpected Content-Disposition: %q", cd)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading script body: %w", err)
	}
	if string(body) != scriptResp.Script {
		return fmt.Errorf("downloaded script differs from generated script")
	}
	log.Info("script downloaded", "bytes", len(body))

	log.Info("Phase 8: Cleaning up...")
	if err := clearUploads(client, baseURL, adminKey); err != nil {
		return err
	}

	log.Info("all verifications passed",
		"test_cases", len(casesResp.TestCases),
		"script", scriptResp.Filename,
		"chunks", buildResp.Chunks,
	)
	return nil
}

func clearUploads(client *http.Client, baseURL, adminKey string) error {
	req, err := http.NewRequest(http.MethodDelete, baseURL+"/api/v1/uploads", nil)
	if err != nil {
		return err
	}
	if adminKey != "" {
		req.Header.Set("X-API-Key", adminKey)
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("clearing uploads: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("clearing uploads: status %d (set E2E_ADMIN_KEY when the server runs with --admin-key)", resp.StatusCode)
	}
	return nil
}

func getJSON(client *http.Client, url string, wantStatus int, out any) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, wantStatus, out)
}

func postBody(client *http.Client, url, contentType string, body io.Reader, wantStatus int, out any) error {
	resp, err := client.Post(url, contentType, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return decodeResponse(resp, wantStatus, out)
}

func decodeResponse(resp *http.Response, wantStatus int, out any) error {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode != wantStatus {
		return fmt.Errorf("status %d (want %d): %s", resp.StatusCode, wantStatus, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

func multipartFile(field, filename, content string) (io.Reader, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	part, err := w.CreateFormFile(field, filename)
	if err != nil {
		return nil, "", err
	}
	if _, err := io.WriteString(part, content); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
