package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/models"
)

var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Manage tasks",
}

var taskAddCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Add a new task",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runTaskAdd,
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks in tree order",
	RunE:  runTaskList,
}

var taskShowCmd = &cobra.Command{
	Use:   "show [task-id]",
	Short: "Show task details",
	Args:  cobra.ExactArgs(1),
	RunE:  runTaskShow,
}

var taskAuditCmd = &cobra.Command{
	Use:   "audit [task-id]",
	Short: "Show the audit trail of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var events []models.AuditEvent
		if err := apiGet("/tasks/"+url.PathEscape(args[0])+"/audit", &events); err != nil {
			return err
		}
		printEvents(events)
		return nil
	},
}

var taskReorderCmd = &cobra.Command{
	Use:   "reorder [task-id] [index]",
	Short: "Move a task among its siblings",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		idx, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("index must be a number: %w", err)
		}
		return postTaskCommand(args[0], "reorder", map[string]interface{}{"index": idx})
	},
}

var taskVerifyCmd = &cobra.Command{
	Use:   "verify [task-id]",
	Short: "Promote an approved task whose subtasks are all verified",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var resp controlplane.VerifyResponse
		if err := apiPost("/tasks/"+url.PathEscape(args[0])+"/verify", nil, &resp); err != nil {
			return err
		}
		if resp.Verified {
			fmt.Printf("Task %s verified\n", truncateID(resp.Task.ID))
		} else {
			fmt.Printf("Task %s not verified (status %s)\n", truncateID(resp.Task.ID), resp.Task.Status)
		}
		return nil
	},
}

var taskDeleteCmd = &cobra.Command{
	Use:   "delete [task-id]",
	Short: "Delete a task and its subtasks",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := apiPost("/tasks/"+url.PathEscape(args[0])+"/delete", nil, nil); err != nil {
			return err
		}
		fmt.Printf("Deleted task %s\n", args[0])
		return nil
	},
}

var (
	taskParent   string
	taskChecks   []string
	taskStatus   string
	taskRootOnly bool
)

func init() {
	taskCmd.AddCommand(taskAddCmd, taskListCmd, taskShowCmd, taskAuditCmd, taskReorderCmd, taskVerifyCmd, taskDeleteCmd)
	taskCmd.AddCommand(
		textCommand("start", "Hand a pending task to the worker", "", false),
		textCommand("approve", "Approve a task, overriding any auditor verdict", "note", false),
		textCommand("reject", "Send a task back to the worker with feedback", "feedback", true),
		textCommand("escalate", "Hand a task to a human", "reason", false),
		textCommand("edit", "Replace the content of a task", "content", true),
		textCommand("abandon", "Fail a task permanently", "reason", false),
	)

	taskAddCmd.Flags().StringVar(&taskParent, "parent", "", "Parent task ID (creates a subtask)")
	taskAddCmd.Flags().StringArrayVar(&taskChecks, "check", nil,
		"Acceptance criterion as kind:key=value[,key=value] (e.g. 'file_exists:path=README.md')")

	taskListCmd.Flags().StringVar(&taskStatus, "status", "", "Filter by comma-separated statuses (e.g. needs_human,auditing)")
	taskListCmd.Flags().BoolVar(&taskRootOnly, "root", false, "Only list top-level tasks")
}

// textCommand builds a "task <verb> <id> [text]" command posting text as
// the named field.
func textCommand(verb, short, field string, required bool) *cobra.Command {
	use := verb + " [task-id]"
	args := cobra.ExactArgs(1)
	if field != "" {
		use += " [" + field + "]"
		args = cobra.MinimumNArgs(1)
		if required {
			args = cobra.MinimumNArgs(2)
		}
	}
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, args []string) error {
			var body map[string]interface{}
			if field != "" && len(args) > 1 {
				body = map[string]interface{}{field: strings.Join(args[1:], " ")}
			}
			return postTaskCommand(args[0], verb, body)
		},
	}
}

func postTaskCommand(id, action string, body map[string]interface{}) error {
	var task models.Task
	if err := apiPost("/tasks/"+url.PathEscape(id)+"/"+action, body, &task); err != nil {
		return err
	}
	fmt.Printf("Task %s: %s (review %s)\n", truncateID(task.ID), task.Status, task.Review)
	if task.Escalation != nil {
		fmt.Printf("Escalated (%s): %s\n", task.Escalation.Trigger, task.Escalation.Reason)
	}
	return nil
}

func runTaskAdd(cmd *cobra.Command, args []string) error {
	criteria := make([]models.Criterion, 0, len(taskChecks))
	for _, raw := range taskChecks {
		c, err := parseCriterion(raw)
		if err != nil {
			return err
		}
		criteria = append(criteria, c)
	}

	body := map[string]interface{}{
		"content":  strings.Join(args, " "),
		"criteria": criteria,
	}
	if taskParent != "" {
		body["parent_id"] = taskParent
	}

	var task models.Task
	if err := apiPost("/tasks", body, &task); err != nil {
		return err
	}
	fmt.Printf("Created task: %s\n", task.ID)
	return nil
}

// parseCriterion parses kind:key=value[,key=value].
func parseCriterion(raw string) (models.Criterion, error) {
	kind, params, _ := strings.Cut(strings.TrimSpace(raw), ":")
	if kind == "" {
		return models.Criterion{}, fmt.Errorf("criterion %q: missing kind", raw)
	}
	c := models.Criterion{Kind: models.CriterionKind(kind)}
	if params == "" {
		return c, nil
	}
	c.Params = make(map[string]string)
	for _, pair := range strings.Split(params, ",") {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return models.Criterion{}, fmt.Errorf("criterion %q: expected key=value, got %q", raw, pair)
		}
		c.Params[strings.TrimSpace(k)] = strings.TrimSpace(v)
	}
	return c, nil
}

func runTaskList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	if taskStatus != "" {
		q.Set("status", taskStatus)
	}
	if taskRootOnly {
		q.Set("root", "true")
	}
	path := "/tasks"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var tasks []models.Task
	if err := apiGet(path, &tasks); err != nil {
		return err
	}
	if len(tasks) == 0 {
		fmt.Println("No tasks found")
		return nil
	}
	printTasks(tasks)
	return nil
}

func printTasks(tasks []models.Task) {
	depth := make(map[string]int, len(tasks))
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tREVIEW\tAUDITS\tCHANGED\tCONTENT")
	for _, t := range tasks {
		if p, ok := depth[t.ParentID]; ok && t.ParentID != "" {
			depth[t.ID] = p + 1
		}
		content := strings.Repeat("  ", depth[t.ID]) + truncate(t.Content, 50)
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n", truncateID(t.ID), t.Status, t.Review,
			t.AuditAttempts, humanize.Time(t.StatusChangedAt), content)
	}
	w.Flush()
}

func runTaskShow(cmd *cobra.Command, args []string) error {
	var t models.Task
	if err := apiGet("/tasks/"+url.PathEscape(args[0]), &t); err != nil {
		return err
	}

	fmt.Printf("ID:         %s\n", t.ID)
	fmt.Printf("Content:    %s\n", t.Content)
	fmt.Printf("Status:     %s (review %s)\n", t.Status, t.Review)
	if t.ParentID != "" {
		fmt.Printf("Parent:     %s\n", t.ParentID)
	}
	if len(t.Children) > 0 {
		fmt.Printf("Subtasks:   %s\n", strings.Join(t.Children, ", "))
	}
	fmt.Printf("Attempts:   %d audits, %d revisions, %d without progress\n", t.AuditAttempts, t.RevisionAttempts, t.NoProgress)
	fmt.Printf("Created:    %s\n", humanize.Time(t.CreatedAt))
	fmt.Printf("Changed:    %s\n", humanize.Time(t.StatusChangedAt))
	if t.Deadline != nil {
		fmt.Printf("Deadline:   %s\n", humanize.Time(*t.Deadline))
	}
	for _, c := range t.Criteria {
		fmt.Printf("Criterion:  %s %v\n", c.Kind, c.Params)
	}
	if t.Feedback != "" {
		fmt.Printf("Feedback:   %s\n", t.Feedback)
	}
	if t.Escalation != nil {
		fmt.Printf("Escalation: %s: %s (%s)\n", t.Escalation.Trigger, t.Escalation.Reason, humanize.Time(t.Escalation.At))
	}
	if t.Claim != nil {
		fmt.Printf("\n--- CLAIM (attempt %d) ---\n%s\n", t.Claim.Attempt, t.Claim.Explanation)
		for _, ev := range t.Claim.Evidence {
			fmt.Printf("  - [%s] %s %s\n", ev.Kind, ev.Label, truncate(ev.Content, 80))
		}
	}
	for _, v := range t.Verdicts {
		fmt.Printf("\n--- VERDICT (attempt %d, %s) ---\n%s, confidence %.2f\n", v.Attempt, v.Source, v.Verdict.Decision, v.Verdict.Confidence)
		if v.Verdict.Downgrade != "" {
			fmt.Printf("Downgraded: %s\n", v.Verdict.Downgrade)
		}
		for _, r := range v.Verdict.Reasons {
			fmt.Printf("  - %s\n", r.Reason)
		}
		for _, a := range v.Verdict.RequiredActions {
			fmt.Printf("  * %s\n", a)
		}
	}
	return nil
}

// --- Helpers ---

func truncate(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

func truncateID(id string) string {
	if len(id) <= 8 {
		return id
	}
	return id[:8]
}
