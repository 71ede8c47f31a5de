package ui

import (
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"
)

// RunFunc executes one lint pass for watch mode and returns the rendered
// summary. paths is the settled change batch; nil means lint everything.
type RunFunc func(paths []string) (string, error)

// Messages for tea updates.
type (
	// ChangesMsg delivers a settled change batch from the watcher.
	ChangesMsg []string

	resultMsg struct {
		summary string
		err     error
		took    time.Duration
	}
)

type watchState int

const (
	watchRunning watchState = iota
	watchResult
)

// WatchModel is the bubbletea model behind flowlint watch.
type WatchModel struct {
	spinner spinner.Model
	styles  Styles
	dirs    []string
	run     RunFunc

	state   watchState
	summary string
	err     error
	lastAt  time.Time
	took    time.Duration
	runs    int
	pending []string
	width   int
}

// NewWatchModel builds the watch TUI. run is invoked once at startup and
// again on every settled change batch or the r key.
func NewWatchModel(styles Styles, dirs []string, run RunFunc) WatchModel {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	sp.Style = styles.Spinner
	return WatchModel{
		spinner: sp,
		styles:  styles,
		dirs:    dirs,
		run:     run,
		state:   watchRunning,
	}
}

// NewWatchProgram wraps the model in a program. The caller pumps watcher
// batches into it with Send(ChangesMsg(...)).
func NewWatchProgram(m WatchModel) *tea.Program {
	return tea.NewProgram(m, tea.WithAltScreen())
}

func (m WatchModel) Init() tea.Cmd {
	return tea.Batch(m.spinner.Tick, m.runCmd(nil))
}

func (m WatchModel) runCmd(paths []string) tea.Cmd {
	run := m.run
	return func() tea.Msg {
		start := time.Now()
		summary, err := run(paths)
		return resultMsg{summary: summary, err: err, took: time.Since(start)}
	}
}

func (m WatchModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c", "esc":
			return m, tea.Quit
		case "r":
			if m.state != watchRunning {
				m.state = watchRunning
				return m, tea.Batch(m.spinner.Tick, m.runCmd(nil))
			}
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width

	case ChangesMsg:
		if m.state == watchRunning {
			m.pending = append(m.pending, msg...)
			return m, nil
		}
		m.state = watchRunning
		return m, tea.Batch(m.spinner.Tick, m.runCmd(msg))

	case resultMsg:
		m.state = watchResult
		m.summary = msg.summary
		m.err = msg.err
		m.took = msg.took
		m.lastAt = time.Now()
		m.runs++
		if len(m.pending) > 0 {
			paths := m.pending
			m.pending = nil
			m.state = watchRunning
			return m, tea.Batch(m.spinner.Tick, m.runCmd(paths))
		}
		return m, nil

	case spinner.TickMsg:
		if m.state == watchRunning {
			var cmd tea.Cmd
			m.spinner, cmd = m.spinner.Update(msg)
			return m, cmd
		}
	}
	return m, nil
}

func (m WatchModel) View() string {
	s := m.styles
	var b strings.Builder

	b.WriteString(s.Title.Render("flowlint watch") + "\n")
	b.WriteString(s.Muted.Render("watching "+strings.Join(m.dirs, ", ")) + "\n\n")

	switch m.state {
	case watchRunning:
		b.WriteString(m.spinner.View() + " linting...\n\n")
	case watchResult:
		if m.err != nil {
			b.WriteString(s.Error.Render("✗ "+m.err.Error()) + "\n\n")
		} else {
			status := time.Since(m.lastAt).Round(time.Second)
			b.WriteString(s.Muted.Render(
				"run #"+strconv.Itoa(m.runs)+" finished in "+formatDuration(m.took)+", "+status.String()+" ago") + "\n\n")
		}
	}

	if m.summary != "" {
		b.WriteString(m.summary)
		if !strings.HasSuffix(m.summary, "\n") {
			b.WriteString("\n")
		}
	}

	b.WriteString("\n" + s.Muted.Render("q quit · r re-run"))
	return b.String()
}
