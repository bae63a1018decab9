package ui

import (
	"fmt"
	"os"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
)

// Confirm asks a yes/no question on stderr. bypassHint tells the operator
// how to avoid the prompt; non-interactive terminals return
// *ErrNoInteraction carrying it.
func Confirm(question string, bypassHint string) (bool, error) {
	if err := RequireInteraction(bypassHint); err != nil {
		return false, requireErr("confirmation", err)
	}

	m := &confirmModel{question: question}
	if _, err := tea.NewProgram(m, tea.WithOutput(os.Stderr)).Run(); err != nil {
		return false, fmt.Errorf("confirm prompt: %w", err)
	}
	if m.cancelled {
		return false, ErrCancelled
	}
	return m.confirmed, nil
}

// Choose asks the operator to pick one of options and returns its index.
// Options may start with a distinct letter, which selects them directly.
func Choose(question string, options []string, bypassHint string) (int, error) {
	if err := RequireInteraction(bypassHint); err != nil {
		return -1, requireErr("choice", err)
	}
	if len(options) == 0 {
		return -1, fmt.Errorf("choose: no options")
	}

	m := newChooseModel(question, options)
	if _, err := tea.NewProgram(m, tea.WithOutput(os.Stderr)).Run(); err != nil {
		return -1, fmt.Errorf("choice prompt: %w", err)
	}
	if m.cancelled {
		return -1, ErrCancelled
	}
	return m.cursor, nil
}

type confirmModel struct {
	question  string
	confirmed bool
	cancelled bool
	answered  bool
}

func (m *confirmModel) Init() tea.Cmd { return nil }

func (m *confirmModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if msg, ok := msg.(tea.KeyMsg); ok {
		switch msg.String() {
		case "y", "Y":
			m.confirmed = true
			m.answered = true
			return m, tea.Quit
		case "n", "N", "enter":
			m.confirmed = false
			m.answered = true
			return m, tea.Quit
		case "ctrl+c", "esc":
			m.cancelled = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *confirmModel) View() string {
	if m.answered || m.cancelled {
		return ""
	}
	return AccentStyle.Render("?") + " " + m.question + " " + MutedStyle.Render("[y/N]") + " "
}

type chooseModel struct {
	question  string
	options   []string
	shortcuts map[string]int
	cursor    int
	chosen    bool
	cancelled bool
}

func newChooseModel(question string, options []string) *chooseModel {
	m := &chooseModel{question: question, options: options, shortcuts: map[string]int{}}
	seen := map[string]int{}
	for _, o := range options {
		if o != "" {
			seen[strings.ToLower(o[:1])]++
		}
	}
	for i, o := range options {
		if o == "" {
			continue
		}
		if k := strings.ToLower(o[:1]); seen[k] == 1 {
			m.shortcuts[k] = i
		}
	}
	return m
}

func (m *chooseModel) Init() tea.Cmd { return nil }

func (m *chooseModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	key, ok := msg.(tea.KeyMsg)
	if !ok {
		return m, nil
	}
	switch k := key.String(); k {
	case "up", "k":
		if m.cursor > 0 {
			m.cursor--
		}
	case "down", "j":
		if m.cursor < len(m.options)-1 {
			m.cursor++
		}
	case "enter":
		m.chosen = true
		return m, tea.Quit
	case "ctrl+c", "esc":
		m.cancelled = true
		return m, tea.Quit
	default:
		if i, ok := m.shortcuts[strings.ToLower(k)]; ok {
			m.cursor = i
			m.chosen = true
			return m, tea.Quit
		}
	}
	return m, nil
}

func (m *chooseModel) View() string {
	if m.chosen || m.cancelled {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(AccentStyle.Render("?") + " " + m.question + "\n")
	for i, o := range m.options {
		if i == m.cursor {
			sb.WriteString(AccentStyle.Render("> "+o) + "\n")
			continue
		}
		sb.WriteString("  " + o + "\n")
	}
	return sb.String()
}
