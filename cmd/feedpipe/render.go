package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"

	"github.com/pders01/feedpipe/internal/feed"
	"github.com/pders01/feedpipe/internal/search"
	"github.com/pders01/feedpipe/internal/storage"
)

var (
	headerStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#4ECDC4"))
	okStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("#95E1D3"))
	warnStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFA86B"))
	mutedStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("#FF6B6B")).Bold(true)
	dimStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	titleStyle  = lipgloss.NewStyle().Bold(true)
)

// stateLabel is the one-word health of a fetch record.
func stateLabel(s *storage.FetchState) string {
	switch {
	case s.Muted:
		return mutedStyle.Render("muted: " + s.Error)
	case s.Error != "":
		return warnStyle.Render(fmt.Sprintf("%s (backoff %d)", s.Error, s.BackoffFactor))
	case s.LastUpdate.IsZero():
		return dimStyle.Render("never fetched")
	default:
		return okStyle.Render("ok")
	}
}

func renderState(s *storage.FetchState) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render(s.URL))
	b.WriteString("\n  ")
	b.WriteString(stateLabel(s))
	if s.Title != "" {
		fmt.Fprintf(&b, "\n  title: %s", s.Title)
	}
	if !s.LastUpdate.IsZero() {
		fmt.Fprintf(&b, "\n  last update: %s", s.LastUpdate.Local().Format(time.DateTime))
	}
	return b.String()
}

func renderStatus(statuses []feed.FeedStatus) string {
	if len(statuses) == 0 {
		return dimStyle.Render("No subscriptions")
	}

	nameWidth := len("NAME")
	for _, st := range statuses {
		nameWidth = max(nameWidth, lipgloss.Width(displayName(st.Feed)))
	}
	nameCol := lipgloss.NewStyle().Width(nameWidth + 2)
	unreadCol := lipgloss.NewStyle().Width(8)
	idCol := lipgloss.NewStyle().Width(38)

	lines := []string{headerStyle.Render(
		idCol.Render("ID") + nameCol.Render("NAME") + unreadCol.Render("UNREAD") + "STATE",
	)}
	for _, st := range statuses {
		lines = append(lines,
			idCol.Render(dimStyle.Render(st.Feed.ID))+
				nameCol.Render(displayName(st.Feed))+
				unreadCol.Render(fmt.Sprint(st.Feed.UnreadCount))+
				stateLabel(st.State),
			"  "+dimStyle.Render(st.Feed.URL),
		)
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func displayName(f *storage.Feed) string {
	if f.Name != "" {
		return f.Name
	}
	return f.URL
}

func renderEntries(entries []*storage.Entry) string {
	if len(entries) == 0 {
		return dimStyle.Render("No entries")
	}
	lines := make([]string, 0, len(entries))
	for _, e := range entries {
		marker := " "
		if !e.Read {
			marker = okStyle.Render("•")
		}
		if e.Starred {
			marker = warnStyle.Render("★")
		}
		lines = append(lines, fmt.Sprintf("%s %s %s  %s",
			marker,
			dimStyle.Render(e.Date.Local().Format(time.DateOnly)),
			titleStyle.Render(entryTitle(e)),
			dimStyle.Render(e.ID),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}

func entryTitle(e *storage.Entry) string {
	switch {
	case e.Title != "":
		return e.Title
	case e.Link != "":
		return e.Link
	default:
		return "(untitled)"
	}
}

func renderResults(results []*search.Result) string {
	if len(results) == 0 {
		return dimStyle.Render("No matches")
	}
	lines := make([]string, 0, len(results))
	for _, r := range results {
		lines = append(lines, fmt.Sprintf("%s  %s\n  %s",
			titleStyle.Render(r.Title),
			dimStyle.Render(fmt.Sprintf("%.2f", r.Score)),
			dimStyle.Render(r.Link+" "+r.EntryID),
		))
	}
	return lipgloss.JoinVertical(lipgloss.Left, lines...)
}
