package tui

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/dustin/go-humanize"
	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/models"
)

var (
	// Colors
	primaryColor   = lipgloss.Color("#7C3AED")
	secondaryColor = lipgloss.Color("#6366F1")
	successColor   = lipgloss.Color("#10B981")
	warningColor   = lipgloss.Color("#F59E0B")
	errorColor     = lipgloss.Color("#EF4444")
	mutedColor     = lipgloss.Color("#6B7280")
	fgColor        = lipgloss.Color("#F9FAFB")
	cyanColor      = lipgloss.Color("#06B6D4")

	// Styles
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(primaryColor).
			Padding(0, 1)

	statusBarStyle = lipgloss.NewStyle().
			Background(lipgloss.Color("#374151")).
			Foreground(fgColor).
			Padding(0, 1)

	inputBoxStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(primaryColor).
			Padding(0, 1)

	selectedStyle = lipgloss.NewStyle().
			Background(primaryColor).
			Foreground(fgColor).
			Bold(true)

	helpStyle = lipgloss.NewStyle().
			Foreground(mutedColor).
			Italic(true)

	sectionStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(cyanColor).
			MarginTop(1)

	labelStyle = lipgloss.NewStyle().Foreground(mutedColor)
)

func statusStyle(s models.TaskStatus) lipgloss.Style {
	switch s {
	case models.TaskStatusPending:
		return lipgloss.NewStyle().Foreground(warningColor)
	case models.TaskStatusInProgress, models.TaskStatusClaimed:
		return lipgloss.NewStyle().Foreground(secondaryColor)
	case models.TaskStatusAuditing:
		return lipgloss.NewStyle().Foreground(cyanColor)
	case models.TaskStatusApproved, models.TaskStatusVerified:
		return lipgloss.NewStyle().Foreground(successColor)
	case models.TaskStatusNeedsHuman, models.TaskStatusFailed:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true)
	default:
		return lipgloss.NewStyle()
	}
}

func sessionBadge(st controlplane.SessionStatus, online bool) string {
	if !online {
		return lipgloss.NewStyle().Foreground(errorColor).Render("o DAEMON OFFLINE")
	}
	switch st.State {
	case controlplane.SessionPaused:
		return lipgloss.NewStyle().Foreground(warningColor).Bold(true).Render("|| PAUSED")
	case controlplane.SessionStopped:
		return lipgloss.NewStyle().Foreground(errorColor).Bold(true).Render("# STOPPED")
	default:
		return lipgloss.NewStyle().Foreground(successColor).Bold(true).Render("> RUNNING")
	}
}

// View implements tea.Model
func (a *App) View() string {
	var b strings.Builder

	header := titleStyle.Render("attest") + "  " + sessionBadge(a.session, a.daemonOnline)
	if n := countStatus(a.tasks, models.TaskStatusNeedsHuman); n > 0 {
		header += "  " + statusStyle(models.TaskStatusNeedsHuman).Render(fmt.Sprintf("[%d need review]", n))
	}
	b.WriteString(header + "\n")
	if a.daemonOnline && a.session.State != controlplane.SessionRunning && a.session.Reason != "" {
		b.WriteString(helpStyle.Render(" "+truncate(a.session.Reason, max(a.width-2, 20))) + "\n")
	}
	b.WriteString(strings.Repeat("-", max(a.width, 1)) + "\n")

	contentHeight := max(a.height-9, 5)
	switch a.mode {
	case modeList:
		label := "ALL"
		if f := filters[a.filterIdx]; f != "" {
			label = strings.ToUpper(string(f))
		}
		b.WriteString(labelStyle.Render(fmt.Sprintf(" Filter: [%s]", label)) + "\n")
		b.WriteString(renderTaskList(a.tasks, a.selectedIdx, a.width, contentHeight-1, a.loading))
	case modeEscalations:
		b.WriteString(renderEscalations(a.escalations, a.escIdx, a.width, contentHeight))
	case modeDetail:
		if a.current == nil {
			b.WriteString("\n  Loading...\n")
		} else {
			b.WriteString(a.viewport.View())
		}
	}

	if a.message != "" {
		msgStyle := lipgloss.NewStyle().Foreground(successColor)
		if strings.HasPrefix(a.message, "Error") {
			msgStyle = lipgloss.NewStyle().Foreground(errorColor)
		}
		b.WriteString("\n" + msgStyle.Render(a.message))
	} else {
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(inputBoxStyle.Render(a.input.View()))
	if a.suggestions.IsVisible() {
		b.WriteString("\n")
		b.WriteString(a.suggestions.Render(a.width))
	}
	b.WriteString("\n")

	var status string
	switch a.mode {
	case modeList:
		status = fmt.Sprintf(" Tasks: %d | up/down:nav | Enter:open | Tab:filter | Ctrl+E:escalations | Ctrl+R:refresh | Ctrl+C:quit", len(a.tasks))
	case modeEscalations:
		status = fmt.Sprintf(" Escalations: %d | approve | reject <feedback> | Esc:back", len(a.escalations))
	default:
		status = " up/down:scroll | Esc:back | type / for commands"
	}
	b.WriteString(statusBarStyle.Width(max(a.width, 1)).Render(status))

	return b.String()
}

func countStatus(tasks []models.Task, s models.TaskStatus) int {
	n := 0
	for _, t := range tasks {
		if t.Status == s {
			n++
		}
	}
	return n
}

// depths returns how deep each task sits in the tree.
func depths(tasks []models.Task) map[string]int {
	d := make(map[string]int, len(tasks))
	for _, t := range tasks {
		if p, ok := d[t.ParentID]; ok && t.ParentID != "" {
			d[t.ID] = p + 1
		} else {
			d[t.ID] = 0
		}
	}
	return d
}

func renderTaskList(tasks []models.Task, selected, width, height int, loading bool) string {
	if loading && len(tasks) == 0 {
		return "\n  Loading tasks...\n"
	}
	if len(tasks) == 0 {
		return "\n  No tasks found. Type: add <content> to create one.\n"
	}

	depth := depths(tasks)
	lines := make([]string, 0, len(tasks))
	for i, t := range tasks {
		status := fmt.Sprintf("%-12s", t.Status)
		content := truncate(t.Content, max(width-24-2*depth[t.ID], 10))
		row := fmt.Sprintf("%s%s  %s", strings.Repeat("  ", depth[t.ID]), status, content)
		if i == selected {
			lines = append(lines, selectedStyle.Render("> "+row))
		} else {
			lines = append(lines, "  "+strings.Replace(row, status, statusStyle(t.Status).Render(status), 1))
		}
	}
	return strings.Join(window(lines, selected, height), "\n")
}

func renderEscalations(tasks []models.Task, selected, width, height int) string {
	if len(tasks) == 0 {
		return "\n  Nothing needs human review.\n"
	}
	var lines []string
	for i, t := range tasks {
		head := fmt.Sprintf("%s  %s", shortID(t.ID), truncate(t.Content, max(width-14, 10)))
		if i == selected {
			lines = append(lines, selectedStyle.Render("> "+head))
		} else {
			lines = append(lines, "  "+head)
		}
		if t.Escalation != nil {
			reason := fmt.Sprintf("%s: %s (%s)", t.Escalation.Trigger, t.Escalation.Reason, humanize.Time(t.Escalation.At))
			lines = append(lines, labelStyle.Render(indent.String(wordwrap.String(reason, max(width-8, 20)), 4)))
		}
	}
	return strings.Join(window(lines, 0, height), "\n")
}

// window keeps the selected line visible within height lines.
func window(lines []string, selected, height int) []string {
	if len(lines) <= height || height <= 0 {
		return lines
	}
	start := max(selected-height/2, 0)
	end := start + height
	if end > len(lines) {
		end = len(lines)
		start = max(0, end-height)
	}
	return lines[start:end]
}

// renderDetail renders one task with its verdicts and audit trail.
func renderDetail(t models.Task, events []models.AuditEvent, width int) string {
	wrap := max(width-6, 20)
	para := func(s string) string {
		return indent.String(wordwrap.String(s, wrap), 4)
	}

	var b strings.Builder
	b.WriteString("\n" + para(lipgloss.NewStyle().Bold(true).Render(t.Content)) + "\n")
	fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("ID:"), t.ID)
	fmt.Fprintf(&b, "  %s %s  %s %s\n", labelStyle.Render("Status:"), statusStyle(t.Status).Render(string(t.Status)),
		labelStyle.Render("Review:"), t.Review)
	fmt.Fprintf(&b, "  %s %d  %s %d  %s %d\n",
		labelStyle.Render("Audits:"), t.AuditAttempts,
		labelStyle.Render("Revisions:"), t.RevisionAttempts,
		labelStyle.Render("No progress:"), t.NoProgress)
	if t.Deadline != nil {
		fmt.Fprintf(&b, "  %s %s\n", labelStyle.Render("Deadline:"), humanize.Time(*t.Deadline))
	}
	if len(t.Children) > 0 {
		fmt.Fprintf(&b, "  %s %d\n", labelStyle.Render("Subtasks:"), len(t.Children))
	}

	if t.Escalation != nil {
		b.WriteString(sectionStyle.Render("  Needs human review") + "\n")
		b.WriteString(para(fmt.Sprintf("%s: %s", t.Escalation.Trigger, t.Escalation.Reason)) + "\n")
	}
	if t.Feedback != "" {
		b.WriteString(sectionStyle.Render("  Feedback") + "\n")
		b.WriteString(para(t.Feedback) + "\n")
	}

	if t.Claim != nil {
		b.WriteString(sectionStyle.Render(fmt.Sprintf("  Claim (attempt %d)", t.Claim.Attempt)) + "\n")
		b.WriteString(para(t.Claim.Explanation) + "\n")
		for _, ev := range t.Claim.Evidence {
			fmt.Fprintf(&b, "    - %s %s\n", ev.Kind, truncate(ev.Label+" "+ev.Content, max(wrap-len(ev.Kind), 10)))
		}
		for _, r := range t.Claim.Rounds {
			b.WriteString(para(fmt.Sprintf("Q%d: %s", r.Number, r.Request.Question)) + "\n")
			b.WriteString(para(fmt.Sprintf("A%d: %s", r.Number, r.Response.Answer)) + "\n")
		}
	}

	if n := len(t.Verdicts); n > 0 {
		v := t.Verdicts[n-1]
		b.WriteString(sectionStyle.Render(fmt.Sprintf("  Last verdict (attempt %d, %s)", v.Attempt, v.Source)) + "\n")
		line := fmt.Sprintf("%s, confidence %.2f", v.Verdict.Decision, v.Verdict.Confidence)
		if v.Verdict.Downgrade != "" {
			line += ", downgraded: " + v.Verdict.Downgrade
		}
		b.WriteString(para(line) + "\n")
		for _, r := range v.Verdict.Reasons {
			b.WriteString(para("- "+r.Reason) + "\n")
		}
		for _, act := range v.Verdict.RequiredActions {
			b.WriteString(para("* "+act) + "\n")
		}
	}

	if len(events) > 0 {
		b.WriteString(sectionStyle.Render("  Audit trail") + "\n")
		sorted := append([]models.AuditEvent(nil), events...)
		sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
		for _, ev := range sorted {
			fmt.Fprintf(&b, "    %-14s %-8s %s\n", humanize.Time(ev.Timestamp), ev.Actor, ev.Action)
		}
	}
	return b.String()
}
