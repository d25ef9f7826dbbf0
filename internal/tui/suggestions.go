package tui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/fentz26/attest/internal/models"
)

// Suggestions provides autocomplete for commands
type Suggestions struct {
	items        []SuggestionItem
	filtered     []SuggestionItem
	selectedIdx  int
	visible      bool
	prefix       string // "/" or "@"
	currentInput string
}

// SuggestionItem represents a single autocomplete suggestion
type SuggestionItem struct {
	Text        string
	Description string
	Type        string // "command" or "task"
}

var commandSuggestions = []SuggestionItem{
	{Text: "add", Description: "Create a new task", Type: "command"},
	{Text: "sub", Description: "Add a subtask under the selected task", Type: "command"},
	{Text: "start", Description: "Hand the selected task to the worker", Type: "command"},
	{Text: "approve", Description: "Approve the selected task", Type: "command"},
	{Text: "reject", Description: "Send the task back with feedback", Type: "command"},
	{Text: "escalate", Description: "Hand the task to a human", Type: "command"},
	{Text: "edit", Description: "Replace the task content", Type: "command"},
	{Text: "abandon", Description: "Fail the task permanently", Type: "command"},
	{Text: "delete", Description: "Delete the task and its subtasks", Type: "command"},
	{Text: "verify", Description: "Promote an approved task", Type: "command"},
	{Text: "pause", Description: "Pause the session", Type: "command"},
	{Text: "resume", Description: "Resume the session", Type: "command"},
	{Text: "stop", Description: "Stop the session and escalate open tasks", Type: "command"},
	{Text: "begin", Description: "Open a new session run", Type: "command"},
}

// NewSuggestions creates a new suggestions handler
func NewSuggestions() *Suggestions {
	return &Suggestions{items: commandSuggestions}
}

// Update updates suggestions based on current input
func (s *Suggestions) Update(input string) {
	s.currentInput = input
	switch {
	case strings.HasPrefix(input, "/"):
		s.prefix = "/"
		s.items = commandSuggestions
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "/")))
	case strings.HasPrefix(input, "@"):
		if s.prefix != "@" {
			s.items = nil
		}
		s.prefix = "@"
		s.visible = true
		s.filter(strings.ToLower(strings.TrimPrefix(input, "@")))
	default:
		s.visible = false
		s.filtered = nil
		s.prefix = ""
	}
}

// SetTasks replaces the task references offered after "@".
func (s *Suggestions) SetTasks(tasks []models.Task) {
	if s.prefix != "@" {
		return
	}
	s.items = make([]SuggestionItem, 0, len(tasks))
	for _, t := range tasks {
		s.items = append(s.items, SuggestionItem{Text: t.ID, Description: truncate(t.Content, 40), Type: "task"})
	}
	s.filter(strings.ToLower(strings.TrimPrefix(s.currentInput, "@")))
}

func (s *Suggestions) filter(query string) {
	s.selectedIdx = 0
	if query == "" {
		s.filtered = s.items
		return
	}
	s.filtered = nil
	for _, item := range s.items {
		if strings.Contains(strings.ToLower(item.Text), query) ||
			(item.Type == "task" && strings.Contains(strings.ToLower(item.Description), query)) {
			s.filtered = append(s.filtered, item)
		}
	}
}

// Next moves to the next suggestion
func (s *Suggestions) Next() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx = (s.selectedIdx + 1) % len(s.filtered)
}

// Prev moves to the previous suggestion
func (s *Suggestions) Prev() {
	if len(s.filtered) == 0 {
		return
	}
	s.selectedIdx--
	if s.selectedIdx < 0 {
		s.selectedIdx = len(s.filtered) - 1
	}
}

// Selected returns the currently selected suggestion
func (s *Suggestions) Selected() *SuggestionItem {
	if !s.visible || len(s.filtered) == 0 || s.selectedIdx >= len(s.filtered) {
		return nil
	}
	return &s.filtered[s.selectedIdx]
}

// IsVisible returns whether suggestions are currently visible
func (s *Suggestions) IsVisible() bool {
	return s.visible && len(s.filtered) > 0
}

// Render renders the suggestions dropdown
func (s *Suggestions) Render(width int) string {
	if !s.IsVisible() {
		return ""
	}

	var b strings.Builder
	header := "Commands"
	if s.prefix == "@" {
		header = "Tasks"
	}
	b.WriteString(lipgloss.NewStyle().Bold(true).Foreground(primaryColor).Render(header))
	b.WriteString("\n")

	const maxVisible = 5
	for i, item := range s.filtered {
		if i >= maxVisible {
			b.WriteString(helpStyle.Render(fmt.Sprintf("  ... and %d more", len(s.filtered)-maxVisible)))
			break
		}
		if i == s.selectedIdx {
			b.WriteString(selectedStyle.Render("> " + item.Text + " " + item.Description))
		} else {
			b.WriteString("  " + item.Text + " " + helpStyle.Render(item.Description))
		}
		b.WriteString("\n")
	}

	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(secondaryColor).
		Padding(0, 1).
		Width(max(width-4, 20)).
		Render(b.String())
}
