// Package admin renders the run-journal dashboard.
package admin

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/xiy/lmembed/internal/store"
	"github.com/xiy/lmembed/pkg/types"
)

const refreshEvery = 2 * time.Second

// Source is the read side of the journal the dashboard polls.
type Source interface {
	Stats(ctx context.Context, now time.Time) (store.Stats, error)
	RecentRuns(ctx context.Context, limit int) ([]types.Run, error)
	FailuresByKind(ctx context.Context) ([]store.KindCount, error)
}

type tickMsg time.Time

type snapshotMsg struct {
	stats    store.Stats
	runs     []types.Run
	failures []store.KindCount
	took     time.Duration
	err      error
}

type model struct {
	ctx       context.Context
	src       Source
	title     string
	stats     store.Stats
	runs      []types.Run
	failures  []store.KindCount
	lastErr   error
	refreshed time.Time
	events    []string
	maxEvents int
	runLimit  int
	width     int
	height    int
}

// Run opens the dashboard and blocks until the user quits.
func Run(ctx context.Context, src Source, title string) error {
	m := newModel(ctx, src, title).event("dashboard started")
	_, err := tea.NewProgram(m, tea.WithAltScreen(), tea.WithContext(ctx)).Run()
	return err
}

func newModel(ctx context.Context, src Source, title string) model {
	return model{ctx: ctx, src: src, title: title, maxEvents: 10, runLimit: 10}
}

func (m model) Init() tea.Cmd {
	return tea.Batch(m.fetch(), tick())
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "esc", "ctrl+c":
			return m.event("quit"), tea.Quit
		case "r":
			return m.event("manual refresh"), m.fetch()
		}
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
	case tickMsg:
		return m, tea.Batch(m.fetch(), tick())
	case snapshotMsg:
		m.lastErr = msg.err
		if msg.err != nil {
			return m.event("refresh failed: " + msg.err.Error()), nil
		}
		m.stats, m.runs, m.failures = msg.stats, msg.runs, msg.failures
		m.refreshed = time.Now()
		return m.event(fmt.Sprintf("refreshed %d runs, %d failed (%s)",
			msg.stats.Total, msg.stats.Failed, shortDuration(msg.took))), nil
	}
	return m, nil
}

func (m model) View() string {
	header := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("39")).Render(m.title + " history")
	hint := lipgloss.NewStyle().Foreground(lipgloss.Color("244")).
		Render(fmt.Sprintf("q quit • r refresh • auto refresh %s", refreshEvery))

	w, h := 54, 9
	if m.width > 0 {
		w = max(38, (m.width-3)/2)
	}
	if m.height > 0 {
		h = max(8, (m.height-8)/2)
	}

	events := "(nothing yet)"
	if len(m.events) > 0 {
		events = strings.Join(m.events, "\n")
	}
	top := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Stats", m.statsBody(), w, h), " ",
		pane("General Logs", events, w, h))
	bottom := lipgloss.JoinHorizontal(lipgloss.Top,
		pane("Recent Runs", runsBody(m.runs), w, h), " ",
		pane("Failures by Kind", failuresBody(m.failures, m.stats.Failed), w, h))

	return lipgloss.JoinVertical(lipgloss.Left, header, hint, "", top, bottom)
}

func (m model) statsBody() string {
	rate := "-"
	if m.stats.Total > 0 {
		rate = fmt.Sprintf("%.1f%%", 100*float64(m.stats.OK)/float64(m.stats.Total))
	}
	last := "-"
	if !m.refreshed.IsZero() {
		last = m.refreshed.Format(time.RFC3339)
	}
	body := fmt.Sprintf(
		"Runs:           %d\nSucceeded:      %d\nFailed:         %d\nSuccess rate:   %s\nLast 24h:       %d\nLast refresh:   %s",
		m.stats.Total, m.stats.OK, m.stats.Failed, rate, m.stats.Last24h, last,
	)
	if m.lastErr != nil {
		body += "\n\nLast error: " + clip(oneLine(m.lastErr.Error()), 120)
	}
	return body
}

func (m model) fetch() tea.Cmd {
	ctx, src, limit := m.ctx, m.src, m.runLimit
	return func() tea.Msg {
		started := time.Now()
		stats, err := src.Stats(ctx, started.UTC())
		if err != nil {
			return snapshotMsg{err: err, took: time.Since(started)}
		}
		runs, err := src.RecentRuns(ctx, limit)
		if err != nil {
			return snapshotMsg{err: err, took: time.Since(started)}
		}
		failures, err := src.FailuresByKind(ctx)
		if err != nil {
			return snapshotMsg{err: err, took: time.Since(started)}
		}
		return snapshotMsg{stats: stats, runs: runs, failures: failures, took: time.Since(started)}
	}
}

func tick() tea.Cmd {
	return tea.Tick(refreshEvery, func(t time.Time) tea.Msg { return tickMsg(t) })
}

func (m model) event(line string) model {
	line = oneLine(line)
	if line == "" {
		return m
	}
	// Copy so earlier model values keep their own history.
	events := append(append([]string(nil), m.events...), fmt.Sprintf("[%s] %s", time.Now().UTC().Format("15:04:05"), line))
	if len(events) > m.maxEvents {
		events = events[len(events)-m.maxEvents:]
	}
	m.events = events
	return m
}

func runsBody(runs []types.Run) string {
	if len(runs) == 0 {
		return "(no runs journaled yet)"
	}
	lines := make([]string, 0, len(runs))
	for _, r := range runs {
		status := "ok "
		detail := fmt.Sprintf("%d tok -> %d dims", r.Tokens, r.Dimensions)
		if !r.Success {
			status = "err"
			detail = r.ErrorKind
		}
		lines = append(lines, fmt.Sprintf("[%s] %s %-3s %-5s %5dms %s",
			clock(r.CreatedAt), status, r.Mode, r.Precision, max(0, r.DurationMS), clip(detail, 40)))
	}
	return strings.Join(lines, "\n")
}

func failuresBody(kinds []store.KindCount, failed int64) string {
	if len(kinds) == 0 {
		return "(no failures)"
	}
	lines := make([]string, 0, len(kinds))
	for _, kc := range kinds {
		kind := kc.Kind
		if kind == "" {
			kind = "unknown"
		}
		share := 0.0
		if failed > 0 {
			share = 100 * float64(kc.Count) / float64(failed)
		}
		lines = append(lines, fmt.Sprintf("%-15s %5d  %5.1f%%", kind, kc.Count, share))
	}
	return strings.Join(lines, "\n")
}

func pane(title, body string, width, height int) string {
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		Padding(1, 2).
		Width(width).
		Height(height).
		Render(title + "\n\n" + body)
}

func shortDuration(d time.Duration) string {
	switch {
	case d < time.Millisecond:
		return d.String()
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	default:
		return d.Round(10 * time.Millisecond).String()
	}
}

func clock(t time.Time) string {
	if t.IsZero() {
		return "--:--:--"
	}
	return t.UTC().Format("15:04:05")
}

func clip(s string, limit int) string {
	r := []rune(strings.TrimSpace(s))
	if len(r) <= limit {
		return string(r)
	}
	if limit <= 3 {
		return string(r[:limit])
	}
	return string(r[:limit-3]) + "..."
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
