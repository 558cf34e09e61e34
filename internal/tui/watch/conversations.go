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

// ConversationState tracks the latest dispatch activity per conversation,
// assembled from the event stream.
type ConversationState struct {
	Key         string
	Status      string // queued | running | completed | failed | timed_out | cancelled
	ExecutionID string
	Pending     int
	LastChange  time.Time
}

// updateConversationState folds one event into the per-conversation map.
func updateConversationState(conversations map[string]*ConversationState, e events.Event) {
	data := make(map[string]any)
	_ = json.Unmarshal(e.Data, &data)

	key, _ := data["conversation"].(string)
	if key == "" {
		key, _ = data["conversation_key"].(string)
	}
	if key == "" {
		return
	}

	st, ok := conversations[key]
	if !ok {
		st = &ConversationState{Key: key}
		conversations[key] = st
	}
	st.LastChange = e.At

	switch e.Type {
	case events.QueueItemEnqueued, events.QueueItemRequeued:
		st.Pending++
		if st.Status == "" {
			st.Status = "queued"
		}
	case events.DispatchAdmitted:
		st.Status = "running"
		if id, ok := data["execution_id"].(string); ok {
			st.ExecutionID = id
		}
		if n, ok := data["items"].(float64); ok {
			st.Pending -= int(n)
			if st.Pending < 0 {
				st.Pending = 0
			}
		}
	case events.DispatchTerminal:
		if status, ok := data["status"].(string); ok {
			st.Status = status
		}
	case events.DispatchSuperseded:
		st.Status = "cancelled"
	case events.QueueItemFailed:
		st.Status = "failed"
	}
}

func renderConversations(conversations map[string]*ConversationState, selected int, theme Theme, width int) string {
	innerWidth := width - 4

	if len(conversations) == 0 {
		content := lipgloss.JoinVertical(lipgloss.Left,
			theme.Title.Render("CONVERSATIONS"),
			theme.Dim.Render("  No activity yet..."),
		)
		return theme.Border.Width(innerWidth).Render(content)
	}

	keys := make([]string, 0, len(conversations))
	for key := range conversations {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var lines []string
	for i, key := range keys {
		st := conversations[key]
		marker := "  "
		if i == selected {
			marker = theme.Highlight.Render("> ")
		}

		statusStyle := statusStyleFor(st.Status, theme)
		line := fmt.Sprintf("%s%-24s %s  pending:%d  %s",
			marker,
			truncate(st.Key, 24),
			statusStyle.Render(fmt.Sprintf("%-10s", st.Status)),
			st.Pending,
			theme.Dim.Render(st.LastChange.Format("15:04:05")),
		)
		lines = append(lines, line)
	}

	body := lipgloss.NewStyle().Padding(0, 1).Render(strings.Join(lines, "\n"))
	content := lipgloss.JoinVertical(lipgloss.Left,
		theme.Title.Render("CONVERSATIONS"),
		body,
	)
	return theme.Border.Width(innerWidth).Render(content)
}

func statusStyleFor(status string, theme Theme) lipgloss.Style {
	switch status {
	case "completed":
		return theme.StatusOK
	case "running":
		return theme.StatusRunning
	case "failed", "timed_out":
		return theme.StatusFailed
	case "cancelled":
		return theme.StatusDead
	default:
		return theme.StatusQueued
	}
}

func truncate(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max-1] + "…"
}
