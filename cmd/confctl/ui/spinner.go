package ui

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
)

// RunWithSpinner runs fn while a spinner with the elapsed time is shown on
// stderr. On success the spinner line is replaced by a check mark that
// stays on screen. Without an interactive terminal fn runs with no output.
// Ctrl+C cancels the context passed to fn.
func RunWithSpinner(ctx context.Context, msg string, fn func(ctx context.Context) error) error {
	if IsNoInteraction() {
		return fn(ctx)
	}

	fnCtx, fnCancel := context.WithCancel(ctx)
	defer fnCancel()

	m := newSpinnerModel(msg, time.Now())
	p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithContext(ctx))

	done := make(chan error, 1)
	go func() {
		err := fn(fnCtx)
		done <- err
		p.Send(taskDoneMsg{err: err})
	}()

	if _, err := p.Run(); err != nil {
		fnCancel()
		<-done
		return fmt.Errorf("spinner: %w", err)
	}
	if m.cancelled {
		fnCancel()
		<-done
		return context.Canceled
	}
	return <-done
}

type taskDoneMsg struct{ err error }

type spinnerModel struct {
	spinner   spinner.Model
	msg       string
	started   time.Time
	elapsed   time.Duration
	finished  bool
	err       error
	cancelled bool
}

func newSpinnerModel(msg string, started time.Time) *spinnerModel {
	return &spinnerModel{
		spinner: spinner.New(
			spinner.WithSpinner(spinner.MiniDot),
			spinner.WithStyle(lipgloss.NewStyle().Foreground(purple)),
		),
		msg:     msg,
		started: started,
	}
}

func (m *spinnerModel) Init() tea.Cmd {
	return m.spinner.Tick
}

func (m *spinnerModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		if msg.String() == "ctrl+c" {
			m.cancelled = true
			return m, tea.Quit
		}
	case taskDoneMsg:
		m.finished = true
		m.err = msg.err
		m.elapsed = time.Since(m.started)
		return m, tea.Quit
	case spinner.TickMsg:
		m.elapsed = time.Since(m.started)
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

// View leaves nothing behind on failure or cancel: the caller reports the
// error.
func (m *spinnerModel) View() string {
	switch {
	case m.cancelled:
		return ""
	case m.finished && m.err != nil:
		return ""
	case m.finished:
		return SuccessMsg("%s %s", m.msg, Muted(formatElapsed(m.elapsed))) + "\n"
	}
	line := m.spinner.View() + " " + m.msg
	if m.elapsed >= time.Second {
		line += " " + Muted(formatElapsed(m.elapsed))
	}
	return line + "\n"
}

func formatElapsed(d time.Duration) string {
	if d < time.Second {
		return d.Round(10 * time.Millisecond).String()
	}
	return d.Round(time.Second).String()
}
