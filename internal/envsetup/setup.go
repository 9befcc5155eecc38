// Package envsetup loads .env configuration and knows which key variables
// each LLM provider needs. The interactive wizard that writes .env lives in
// cmd/devsetup.
package envsetup

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// KeyEnvVar maps an LLM provider to its API key environment variable.
func KeyEnvVar(provider string) string {
	switch provider {
	case "google":
		return "GEMINI_API_KEY"
	case "anthropic":
		return "ANTHROPIC_API_KEY"
	case "openai":
		return "OPENAI_API_KEY"
	}
	return ""
}

// Load reads .env when present. A missing file is fine; configuration can
// come from the environment or flags instead. A malformed file is an error.
func Load() error {
	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("loading .env: %w", err)
	}
	return nil
}

// NeedsSetup reports whether no .env file exists yet.
func NeedsSetup() bool {
	_, err := os.Stat(".env")
	return os.IsNotExist(err)
}
