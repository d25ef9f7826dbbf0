package main

import (
	"fmt"
	"net/url"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/fentz26/attest/internal/models"
)

var (
	auditTask   string
	auditActor  string
	auditAction string
	auditPrefix string
	auditAfter  int64
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Query the audit log",
	RunE: func(cmd *cobra.Command, args []string) error {
		q := url.Values{}
		for k, v := range map[string]string{
			"task":   auditTask,
			"actor":  auditActor,
			"action": auditAction,
			"prefix": auditPrefix,
		} {
			if v != "" {
				q.Set(k, v)
			}
		}
		if auditAfter > 0 {
			q.Set("after", strconv.FormatInt(auditAfter, 10))
		}
		path := "/audit"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		var events []models.AuditEvent
		if err := apiGet(path, &events); err != nil {
			return err
		}
		if len(events) == 0 {
			fmt.Println("No events found")
			return nil
		}
		printEvents(events)
		return nil
	},
}

var escalationsCmd = &cobra.Command{
	Use:   "escalations",
	Short: "List tasks waiting for a human",
	RunE: func(cmd *cobra.Command, args []string) error {
		var tasks []models.Task
		if err := apiGet("/escalations", &tasks); err != nil {
			return err
		}
		if len(tasks) == 0 {
			fmt.Println("Nothing needs review")
			return nil
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tTRIGGER\tAUDITS\tSINCE\tREASON")
		for _, t := range tasks {
			var trigger models.EscalationTrigger
			reason, since := "", "-"
			if t.Escalation != nil {
				trigger, reason = t.Escalation.Trigger, t.Escalation.Reason
				since = humanize.Time(t.Escalation.At)
			}
			fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\n", truncateID(t.ID), trigger, t.AuditAttempts, since, truncate(reason, 60))
		}
		return w.Flush()
	},
}

func init() {
	auditCmd.Flags().StringVar(&auditTask, "task", "", "Only events for this task ID")
	auditCmd.Flags().StringVar(&auditActor, "actor", "", "Only events by this actor (worker, auditor, human, system)")
	auditCmd.Flags().StringVar(&auditAction, "action", "", "Only events with this exact action")
	auditCmd.Flags().StringVar(&auditPrefix, "prefix", "", "Only events whose action starts with this prefix (e.g. audit.)")
	auditCmd.Flags().Int64Var(&auditAfter, "after", 0, "Only events with an ID greater than this")
}

func printEvents(events []models.AuditEvent) {
	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tWHEN\tTASK\tACTOR\tACTION\tDETAIL")
	for _, ev := range events {
		fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%s\n", ev.ID, ev.Timestamp.Format("2006-01-02 15:04:05"),
			truncateID(ev.TaskID), ev.Actor, ev.Action, transition(ev))
	}
	w.Flush()
}

// transition summarises the status change of an event, followed by its payload.
func transition(ev models.AuditEvent) string {
	var parts []string
	switch {
	case ev.Before != nil && ev.After != nil && ev.Before.Status != ev.After.Status:
		parts = append(parts, fmt.Sprintf("%s -> %s", ev.Before.Status, ev.After.Status))
	case ev.Before == nil && ev.After != nil:
		parts = append(parts, "-> "+string(ev.After.Status))
	}
	keys := make([]string, 0, len(ev.Payload))
	for k := range ev.Payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		parts = append(parts, k+"="+truncate(ev.Payload[k], 40))
	}
	return strings.Join(parts, " ")
}
