package watch

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/jcawthorne/attache/internal/events"
)

func renderEventStream(eventLog []events.Event, theme Theme, width int) string {
	innerWidth := width - 4

	if len(eventLog) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("EVENT STREAM"),
			theme.Dim.Render("  Waiting for events..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	var lines []string
	for i, e := range eventLog {
		if i >= 10 {
			break
		}
		lines = append(lines, formatEvent(e, theme))
	}

	eventsText := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("EVENT STREAM"),
		eventsText,
	)

	return theme.Border.Width(innerWidth).Render(content)
}

func formatEvent(e events.Event, theme Theme) string {
	ts := theme.Dim.Render(e.At.Format("15:04:05"))

	// Color the event type based on category
	typ := string(e.Type)
	var typeStyle lipgloss.Style
	switch {
	case strings.HasSuffix(typ, ".completed"), e.Type == events.SchedulerFired:
		typeStyle = theme.StatusOK
	case strings.HasSuffix(typ, ".failed"), strings.HasSuffix(typ, ".crash_loop"),
		strings.HasSuffix(typ, ".wait_timeout"):
		typeStyle = theme.StatusFailed
	case strings.HasSuffix(typ, ".admitted"), strings.HasSuffix(typ, ".started"):
		typeStyle = theme.StatusRunning
	case strings.HasPrefix(typ, "scheduler"):
		typeStyle = theme.Highlight
	default:
		typeStyle = theme.Dim
	}

	typeName := typeStyle.Render(fmt.Sprintf("%-24s", e.Type))

	desc := extractEventDesc(e)

	return fmt.Sprintf("%s %s %s", ts, typeName, desc)
}

func extractEventDesc(e events.Event) string {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	var parts []string

	if execID, ok := data["execution_id"].(string); ok {
		if len(execID) > 8 {
			execID = execID[:8]
		}
		parts = append(parts, fmt.Sprintf("[%s]", execID))
	}

	if conversation, ok := data["conversation"].(string); ok && conversation != "" {
		parts = append(parts, conversation)
	}

	if group, ok := data["group"].(string); ok && group != "" {
		parts = append(parts, group)
	}

	if task, ok := data["task"].(string); ok && task != "" {
		parts = append(parts, task)
	}

	if status, ok := data["status"].(string); ok {
		parts = append(parts, status)
	}

	if len(parts) == 0 {
		raw := string(e.Data)
		if len(raw) > 60 {
			raw = raw[:60] + "..."
		}
		return raw
	}

	return strings.Join(parts, " ")
}
