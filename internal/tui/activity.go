package tui

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/basket/shotreport/internal/hub"
	"github.com/basket/shotreport/internal/report"
)

// ResultItem is one line of the live result feed.
type ResultItem struct {
	Event     string
	SuitePath []string
	BrowserID string
	Status    report.Status
	At        time.Time
}

// ResultFeed keeps the most recent results, oldest first.
type ResultFeed struct {
	mu        sync.Mutex
	items     []ResultItem
	collapsed bool
	maxItems  int
	now       func() time.Time
}

func NewResultFeed() *ResultFeed {
	return &ResultFeed{maxItems: 10, now: time.Now}
}

func (f *ResultFeed) Add(event string, a report.TestAttempt) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items, ResultItem{
		Event:     event,
		SuitePath: a.SuitePath,
		BrowserID: a.BrowserID,
		Status:    a.Status,
		At:        f.now(),
	})
	if len(f.items) > f.maxItems {
		f.items = f.items[1:]
	}
}

func (f *ResultFeed) Toggle() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.collapsed = !f.collapsed
}

func (f *ResultFeed) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.items)
}

func (f *ResultFeed) View() string {
	f.mu.Lock()
	defer f.mu.Unlock()

	if len(f.items) == 0 {
		return ""
	}
	dim := lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	if f.collapsed {
		return dim.Render(fmt.Sprintf("── %d recent results (tab to expand) ──", len(f.items))) + "\n"
	}

	var out strings.Builder
	out.WriteString(dim.Render("── Recent results (tab to collapse) ──") + "\n")
	for _, it := range f.items {
		line := fmt.Sprintf("%s %s [%s]", statusIcon(it.Status), strings.Join(it.SuitePath, " / "), it.BrowserID)
		if it.Event == hub.EventUpdate {
			line += dim.Render(" accepted")
		}
		out.WriteString(statusStyle(it.Status).Render(line) + "\n")
	}
	return out.String()
}

func statusIcon(s report.Status) string {
	switch s {
	case report.StatusSuccess:
		return "✓"
	case report.StatusFail:
		return "✗"
	case report.StatusError:
		return "!"
	case report.StatusUpdated:
		return "↻"
	case report.StatusSkipped:
		return "-"
	default:
		return "·"
	}
}

func statusStyle(s report.Status) lipgloss.Style {
	switch s {
	case report.StatusSuccess, report.StatusUpdated:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	case report.StatusFail, report.StatusError:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	case report.StatusSkipped:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	default:
		return lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
	}
}
