package main

import (
	"testing"

	"github.com/fentz26/attest/internal/models"
)

func TestParseCriterion(t *testing.T) {
	c, err := parseCriterion("file_contains:path=main.go, text=func main")
	if err != nil {
		t.Fatalf("parseCriterion failed: %v", err)
	}
	if c.Kind != models.CriterionFileContains {
		t.Errorf("Expected kind file_contains, got %s", c.Kind)
	}
	if c.Params["path"] != "main.go" || c.Params["text"] != "func main" {
		t.Errorf("Unexpected params %v", c.Params)
	}

	c, err = parseCriterion("file_exists")
	if err != nil || c.Params != nil {
		t.Errorf("Kind without params should parse, got %+v, %v", c, err)
	}

	for _, bad := range []string{"", ":path=a", "file_exists:path"} {
		if _, err := parseCriterion(bad); err == nil {
			t.Errorf("Expected error for %q", bad)
		}
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("a  b\nc", 10); got != "a b c" {
		t.Errorf("Expected whitespace collapsed, got %q", got)
	}
	if got := truncate("abcdefghijk", 8); got != "abcde..." {
		t.Errorf("Unexpected truncation %q", got)
	}
	if got := truncateID("0123456789"); got != "01234567" {
		t.Errorf("Unexpected ID %q", got)
	}
}

func TestTransition(t *testing.T) {
	ev := models.AuditEvent{
		Before:  &models.Task{Status: models.TaskStatusAuditing},
		After:   &models.Task{Status: models.TaskStatusApproved},
		Payload: map[string]string{"reason": "ok", "attempt": "1"},
	}
	if got := transition(ev); got != "auditing -> approved attempt=1 reason=ok" {
		t.Errorf("Unexpected transition %q", got)
	}
}
