// Package tui renders a live terminal view of a report server's event
// stream.
package tui

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"runtime"
	"sort"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/mattn/go-isatty"

	"github.com/basket/shotreport/internal/hub"
	"github.com/basket/shotreport/internal/report"
)

type frameMsg hub.Message

type streamErrMsg struct{ err error }

type model struct {
	url     string
	state   *State
	frames  <-chan hub.Message
	errs    <-chan error
	lastErr string
}

func waitFrame(frames <-chan hub.Message) tea.Cmd {
	return func() tea.Msg {
		msg, ok := <-frames
		if !ok {
			return tea.Quit()
		}
		return frameMsg(msg)
	}
}

func waitErr(errs <-chan error) tea.Cmd {
	return func() tea.Msg {
		err, ok := <-errs
		if !ok {
			return nil
		}
		return streamErrMsg{err: err}
	}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(waitFrame(m.frames), waitErr(m.errs))
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "tab":
			m.state.Feed().Toggle()
		}
	case frameMsg:
		m.state.Apply(hub.Message(msg))
		m.lastErr = ""
		return m, waitFrame(m.frames)
	case streamErrMsg:
		m.lastErr = humanError(msg.err)
		return m, waitErr(m.errs)
	}
	return m, nil
}

func (m model) View() string {
	title := lipgloss.NewStyle().Bold(true)
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))

	var b strings.Builder
	b.WriteString(title.Render("shotreport watch") + " " + dim.Render(m.url) + "\n\n")

	runState := "idle"
	if m.state.Running {
		runState = "running"
	}
	fmt.Fprintf(&b, "Run: %s\n", runState)
	browsers := "(none)"
	if len(m.state.Browsers) > 0 {
		browsers = strings.Join(m.state.Browsers, ", ")
	}
	fmt.Fprintf(&b, "Browsers: %s\n", browsers)
	fmt.Fprintf(&b, "Results: %s\n", formatCounts(m.state.Counts()))
	if m.state.CustomGUIError != "" {
		fmt.Fprintf(&b, "Custom GUI: %s\n", m.state.CustomGUIError)
	}

	if failing := m.state.Failing(); len(failing) > 0 {
		b.WriteString("\n" + statusStyle(report.StatusFail).Render("Failing:") + "\n")
		for _, f := range failing {
			b.WriteString("  " + f + "\n")
		}
	}
	if feed := m.state.Feed().View(); feed != "" {
		b.WriteString("\n" + feed)
	}
	if m.lastErr != "" {
		b.WriteString("\n" + statusStyle(report.StatusError).Render("Connection: "+m.lastErr) + "\n")
	}
	b.WriteString("\n" + dim.Render("Press q to quit.") + "\n")
	return b.String()
}

// Run shows the live view for the server at baseURL until the user quits or
// ctx ends.
func Run(ctx context.Context, baseURL string) error {
	defer bestEffortResetTTY()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	frames := make(chan hub.Message, 64)
	errs := make(chan error, 1)
	go Follow(ctx, nil, baseURL, frames, func(err error) {
		select {
		case errs <- err:
		default:
		}
	})

	m := model{url: baseURL, state: NewState(), frames: frames, errs: errs}
	p := tea.NewProgram(m, tea.WithContext(ctx))
	_, err := p.Run()
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// RunPlain prints one line per frame to w, for output that is not a terminal.
func RunPlain(ctx context.Context, w io.Writer, baseURL string) error {
	frames := make(chan hub.Message, 64)
	errCh := make(chan error, 1)
	go func() {
		errCh <- Stream(ctx, nil, baseURL, frames)
		close(frames)
	}()
	state := NewState()
	for msg := range frames {
		state.Apply(msg)
		fmt.Fprintln(w, PlainLine(state, msg))
	}
	err := <-errCh
	if ctx.Err() != nil {
		return nil
	}
	return err
}

// PlainLine summarizes a frame after it has been applied to state.
func PlainLine(state *State, msg hub.Message) string {
	switch msg.Event {
	case hub.EventInit:
		return fmt.Sprintf("init: %s", formatCounts(state.Counts()))
	case hub.EventBegin:
		return "run started"
	case hub.EventEnd:
		return fmt.Sprintf("run finished: %s", formatCounts(state.Counts()))
	case hub.EventTestResult, hub.EventUpdate:
		var results []report.TestAttempt
		if !decodeKey(msg.Data, "results", &results) || len(results) == 0 {
			return msg.Event
		}
		lines := make([]string, 0, len(results))
		for _, r := range results {
			lines = append(lines, fmt.Sprintf("%s %s %s [%s]", msg.Event, r.Status, strings.Join(r.SuitePath, " / "), r.BrowserID))
		}
		return strings.Join(lines, "\n")
	default:
		return msg.Event
	}
}

func formatCounts(counts map[report.Status]int) string {
	if len(counts) == 0 {
		return "(none)"
	}
	keys := make([]string, 0, len(counts))
	for s := range counts {
		keys = append(keys, string(s))
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%d", k, counts[report.Status(k)]))
	}
	return strings.Join(parts, " ")
}

// humanError extracts the innermost message from an error chain.
// "connect http://x: dial tcp: connection refused" → "Connection refused"
func humanError(err error) string {
	if err == nil {
		return ""
	}
	msg := err.Error()
	if idx := strings.LastIndex(msg, ": "); idx != -1 && idx+2 < len(msg) {
		inner := msg[idx+2:]
		return strings.ToUpper(inner[:1]) + inner[1:]
	}
	return msg
}

func bestEffortResetTTY() {
	if runtime.GOOS == "windows" || !isatty.IsTerminal(os.Stdin.Fd()) {
		return
	}
	_ = exec.Command("sh", "-c", "stty sane < /dev/tty >/dev/null 2>&1 || true").Run()
}
