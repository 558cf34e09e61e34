package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/jcawthorne/attache/internal/events"
)

// WorkerState tracks persistent worker lifecycle per group, assembled from
// worker.* events.
type WorkerState struct {
	Group      string
	Status     string // running | stopped | crash_loop
	Restarts   int
	LastChange time.Time
}

func updateWorkerState(workers map[string]*WorkerState, e events.Event) {
	if !strings.HasPrefix(string(e.Type), "worker.") {
		return
	}

	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)
	group, _ := data["group"].(string)
	if group == "" {
		return
	}

	st, ok := workers[group]
	if !ok {
		st = &WorkerState{Group: group}
		workers[group] = st
	}
	st.LastChange = e.At

	switch e.Type {
	case events.WorkerStarted:
		st.Status = "running"
	case events.WorkerStopped:
		st.Status = "stopped"
	case events.WorkerRestarted:
		st.Status = "running"
		st.Restarts++
	case events.WorkerCrashLoop:
		st.Status = "crash_loop"
		if n, ok := data["restarts"].(float64); ok {
			st.Restarts = int(n)
		}
	}
}

func renderWorkers(workers map[string]*WorkerState, theme Theme, width int) string {
	innerWidth := width - 4

	if len(workers) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("WORKERS"),
			theme.Dim.Render("  No persistent workers..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	groups := make([]string, 0, len(workers))
	for g := range workers {
		groups = append(groups, g)
	}
	sort.Strings(groups)

	var lines []string
	for _, g := range groups {
		st := workers[g]
		var style lipgloss.Style
		switch st.Status {
		case "running":
			style = theme.StatusOK
		case "crash_loop":
			style = theme.StatusFailed
		default:
			style = theme.StatusDead
		}
		age := time.Since(st.LastChange).Round(time.Second)
		lines = append(lines, fmt.Sprintf("  %-24s %s  restarts:%d  %s",
			truncate(st.Group, 24),
			style.Render(fmt.Sprintf("%-10s", st.Status)),
			st.Restarts,
			theme.Dim.Render(fmt.Sprintf("%s ago", age)),
		))
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("WORKERS"),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}
