// devsetup is a developer environment setup wizard. It checks the Go
// toolchain, makes sure Python can run the generated Selenium scripts,
// collects provider API keys into .env, and initializes the SQLite
// database. Run via `make setup`.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/jusunglee/qaforge/internal/db/sqlite"
	"github.com/jusunglee/qaforge/internal/envsetup"
)

type step int

const (
	stepGo step = iota
	stepPython
	stepEnv
	stepDatabase
	stepComplete
)

var stepNames = []string{
	"Go Toolchain",
	"Python + Selenium",
	"Environment (.env)",
	"Database (SQLite)",
	"Complete",
}

type envField int

const (
	fieldProvider envField = iota
	fieldGeminiKey
	fieldProviderKey
	fieldBaseURL
	fieldDone
)

const defaultBaseURL = "http://localhost:8000/checkout.html"

type model struct {
	step         step
	envField     envField
	textInput    textinput.Model
	envValues    map[envField]string
	err          error
	width        int
	height       int
	skippedSteps map[step]bool
}

type stepDoneMsg struct {
	skipped bool
}
type stepErrorMsg struct{ err error }

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205")).
			MarginBottom(1)

	stepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	activeStepStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("86")).
			Bold(true)

	completedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("42"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("196"))

	linkStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("39")).
			Underline(true)

	subtleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("240"))

	boxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("62")).
			Padding(1, 2)
)

func initialModel() model {
	ti := textinput.New()
	ti.Focus()
	ti.CharLimit = 256
	ti.Width = 60

	return model{
		step:         stepGo,
		envField:     fieldProvider,
		textInput:    ti,
		envValues:    make(map[envField]string),
		skippedSteps: make(map[step]bool),
	}
}

func (m model) Init() tea.Cmd {
	return m.runCurrentStep()
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.Type {
		case tea.KeyCtrlC, tea.KeyEsc:
			return m, tea.Quit
		}
		switch msg.String() {
		case "q":
			if m.step != stepEnv {
				return m, tea.Quit
			}
		case "enter":
			if m.step == stepEnv && m.envField < fieldDone {
				return m.handleEnvInput()
			}
			if m.step == stepComplete {
				return m, tea.Quit
			}
		case "tab":
			if m.step == stepEnv && m.envField < fieldDone {
				return m.skipEnvField()
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height

	case stepDoneMsg:
		m.skippedSteps[m.step] = msg.skipped
		m.step++
		if m.step == stepEnv && !envsetup.NeedsSetup() {
			m.skippedSteps[stepEnv] = true
			m.step++
		}
		if m.step <= stepComplete {
			return m, m.runCurrentStep()
		}

	case stepErrorMsg:
		m.err = msg.err
		return m, nil
	}

	if m.step == stepEnv && m.envField < fieldDone {
		var cmd tea.Cmd
		m.textInput, cmd = m.textInput.Update(msg)
		return m, cmd
	}

	return m, nil
}

func (m model) View() string {
	var s strings.Builder

	s.WriteString(titleStyle.Render("QAForge - Developer Setup"))
	s.WriteString("\n\n")

	s.WriteString(m.renderProgress())
	s.WriteString("\n\n")

	s.WriteString(m.renderStepContent())
	s.WriteString("\n\n")

	s.WriteString(subtleStyle.Render("enter=continue • esc/ctrl+c=quit"))
	if m.step == stepEnv && m.envField == fieldBaseURL {
		s.WriteString(subtleStyle.Render(" • tab=skip"))
	}

	return boxStyle.Render(s.String())
}

func (m model) renderProgress() string {
	var dots []string
	for i := 0; i <= int(stepComplete); i++ {
		if i < int(m.step) {
			dots = append(dots, completedStyle.Render("●"))
		} else if i == int(m.step) {
			dots = append(dots, activeStepStyle.Render("●"))
		} else {
			dots = append(dots, stepStyle.Render("○"))
		}
	}
	progress := strings.Join(dots, " ")

	stepLabel := ""
	if m.step <= stepComplete {
		stepLabel = fmt.Sprintf("Step %d of %d: %s", m.step+1, len(stepNames), stepNames[m.step])
	}

	return fmt.Sprintf("[%s]  %s", progress, activeStepStyle.Render(stepLabel))
}

func (m model) renderStepContent() string {
	if m.err != nil {
		return errorStyle.Render(fmt.Sprintf("Error: %v", m.err))
	}

	switch m.step {
	case stepGo:
		return "Checking Go installation..."
	case stepPython:
		return "Checking Python, Selenium, and pytest..."
	case stepEnv:
		return m.renderEnvStep()
	case stepDatabase:
		return "Initializing SQLite database..."
	case stepComplete:
		return m.renderComplete()
	}
	return ""
}

func (m model) fieldName() string {
	switch m.envField {
	case fieldProvider:
		return "LLM Provider"
	case fieldGeminiKey:
		return "Gemini API Key"
	case fieldProviderKey:
		if m.envValues[fieldProvider] == "openai" {
			return "OpenAI API Key"
		}
		return "Anthropic API Key"
	case fieldBaseURL:
		return "Target Page URL (optional)"
	}
	return ""
}

func (m model) renderEnvStep() string {
	if m.envField >= fieldDone {
		return completedStyle.Render("Environment configured!")
	}

	var s strings.Builder
	s.WriteString("Configure your environment:\n\n")
	s.WriteString(fmt.Sprintf("%s:\n", activeStepStyle.Render(m.fieldName())))

	switch m.envField {
	case fieldProvider:
		s.WriteString("  Choose the provider that generates test cases and scripts:\n")
		s.WriteString("  • google - Gemini (default)\n")
		s.WriteString("  • anthropic - Claude\n")
		s.WriteString("  • openai - GPT\n")
		s.WriteString("\n")
		s.WriteString(subtleStyle.Render("  Enter 'google', 'anthropic', or 'openai' (enter for google):\n"))
	case fieldGeminiKey:
		s.WriteString(fmt.Sprintf("  1. Go to %s\n", linkStyle.Render("https://aistudio.google.com/apikey")))
		s.WriteString("  2. Click \"Create API Key\"\n")
		s.WriteString("  Embeddings always go through the Gemini API, so this key is\n")
		s.WriteString("  required even when generation uses another provider.\n")
		s.WriteString("\n")
		s.WriteString(subtleStyle.Render(fmt.Sprintf("  Paste your Gemini API key (%s):\n", envsetup.KeyEnvVar("google"))))
	case fieldProviderKey:
		provider := m.envValues[fieldProvider]
		if provider == "openai" {
			s.WriteString(fmt.Sprintf("  1. Go to %s\n", linkStyle.Render("https://platform.openai.com/api-keys")))
			s.WriteString("  2. Click \"Create new secret key\"\n")
		} else {
			s.WriteString(fmt.Sprintf("  1. Go to %s\n", linkStyle.Render("https://console.anthropic.com/")))
			s.WriteString("  2. Sign up/in → Go to API Keys → Create Key\n")
		}
		s.WriteString("\n")
		s.WriteString(subtleStyle.Render(fmt.Sprintf("  Paste your API key (%s):\n", envsetup.KeyEnvVar(provider))))
	case fieldBaseURL:
		s.WriteString("  The URL generated Selenium scripts open. Point it at the page\n")
		s.WriteString("  you upload for selector extraction.\n")
		s.WriteString("\n")
		s.WriteString(subtleStyle.Render(fmt.Sprintf("  Enter the URL (or tab for %s):\n", defaultBaseURL)))
	}

	s.WriteString("\n")
	s.WriteString(m.textInput.View())

	return s.String()
}

func (m model) renderComplete() string {
	var s strings.Builder
	s.WriteString(completedStyle.Render("✓ Setup complete!"))
	s.WriteString("\n\n")

	skipped := 0
	for _, v := range m.skippedSteps {
		if v {
			skipped++
		}
	}

	if skipped > 0 {
		s.WriteString(subtleStyle.Render(fmt.Sprintf("(%d steps were already configured)\n\n", skipped)))
	}

	s.WriteString("Next steps:\n")
	s.WriteString("  1. Run " + activeStepStyle.Render("make run") + " to start the API on :8000\n")
	s.WriteString("  2. Upload requirement documents and the target page, then build the knowledge base\n")
	s.WriteString("  3. Generate test cases and scripts; run scripts with " + activeStepStyle.Render("pytest") + "\n")

	return s.String()
}

func (m model) handleEnvInput() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(m.textInput.Value())

	switch m.envField {
	case fieldProvider:
		if value == "" {
			value = "google"
		}
		if value != "google" && value != "anthropic" && value != "openai" {
			return m, nil
		}
		m.envValues[m.envField] = value
	case fieldBaseURL:
		m.envValues[m.envField] = value
	default:
		if value == "" {
			return m, nil
		}
		m.envValues[m.envField] = value
	}

	m.textInput.SetValue("")
	m.envField++
	// The Gemini key already covers generation when google is the provider.
	if m.envField == fieldProviderKey && m.envValues[fieldProvider] == "google" {
		m.envField++
	}
	if m.envField == fieldGeminiKey || m.envField == fieldProviderKey {
		m.textInput.EchoMode = textinput.EchoPassword
	} else {
		m.textInput.EchoMode = textinput.EchoNormal
	}

	if m.envField == fieldDone {
		return m, m.writeEnvFile()
	}

	return m, nil
}

func (m model) skipEnvField() (tea.Model, tea.Cmd) {
	if m.envField == fieldBaseURL {
		m.envValues[m.envField] = ""
		m.textInput.SetValue("")
		m.envField++
		return m, m.writeEnvFile()
	}
	return m, nil
}

func (m model) writeEnvFile() tea.Cmd {
	return func() tea.Msg {
		provider := m.envValues[fieldProvider]
		baseURL := m.envValues[fieldBaseURL]
		if baseURL == "" {
			baseURL = defaultBaseURL
		}

		var anthropicKey, openaiKey string
		switch provider {
		case "anthropic":
			anthropicKey = m.envValues[fieldProviderKey]
		case "openai":
			openaiKey = m.envValues[fieldProviderKey]
		}

		content := fmt.Sprintf(`# Generated by setup tool

# Database Configuration
DATABASE_URL=qaforge.db

# LLM API Configuration
LLM_PROVIDER=%s
GEMINI_API_KEY=%s
ANTHROPIC_API_KEY=%s
OPENAI_API_KEY=%s
# LLM_MODEL is the provider default when unset

# Script Generation
BASE_URL=%s
`,
			provider,
			m.envValues[fieldGeminiKey],
			anthropicKey,
			openaiKey,
			baseURL,
		)

		if err := os.WriteFile(".env", []byte(content), 0600); err != nil {
			return stepErrorMsg{err}
		}
		return stepDoneMsg{skipped: false}
	}
}

func (m model) runCurrentStep() tea.Cmd {
	switch m.step {
	case stepGo:
		return checkGo()
	case stepPython:
		return checkPython()
	case stepEnv:
		return nil
	case stepDatabase:
		return initDatabase()
	case stepComplete:
		return nil
	}
	return nil
}

func commandExists(cmd string) bool {
	_, err := exec.LookPath(cmd)
	return err == nil
}

func checkGo() tea.Cmd {
	return func() tea.Msg {
		if commandExists("go") {
			return stepDoneMsg{skipped: true}
		}
		return stepErrorMsg{errors.New("go is required, install it from https://go.dev/dl/")}
	}
}

func checkPython() tea.Cmd {
	return func() tea.Msg {
		if !commandExists("python3") {
			return stepErrorMsg{errors.New("python3 is required to run generated scripts, install it from https://www.python.org/downloads/")}
		}

		if exec.Command("python3", "-c", "import selenium, pytest").Run() == nil {
			return stepDoneMsg{skipped: true}
		}

		cmd := exec.Command("python3", "-m", "pip", "install", "selenium", "pytest")
		if err := cmd.Run(); err != nil {
			return stepErrorMsg{fmt.Errorf("failed to install selenium and pytest: %w", err)}
		}
		return stepDoneMsg{skipped: false}
	}
}

func initDatabase() tea.Cmd {
	return func() tea.Msg {
		if _, err := os.Stat("qaforge.db"); err == nil {
			return stepDoneMsg{skipped: true}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		repo, err := sqlite.New(ctx, "qaforge.db")
		if err != nil {
			return stepErrorMsg{fmt.Errorf("initializing qaforge.db: %w", err)}
		}
		repo.Close()
		return stepDoneMsg{skipped: false}
	}
}

func main() {
	p := tea.NewProgram(initialModel())
	if _, err := p.Run(); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}
