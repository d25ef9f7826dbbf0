// Package connectors defines how attest runs commands on behalf of
// acceptance-criterion checkers and read-only audit tools.
package connectors

import (
	"context"
	"strings"
	"time"
)

// ExecResult is the outcome of one allowlisted command.
type ExecResult struct {
	Command  string        `json:"command"`
	Args     []string      `json:"args"`
	ExitCode int           `json:"exit_code"`
	Stdout   string        `json:"stdout"`
	Stderr   string        `json:"stderr"`
	Duration time.Duration `json:"duration"`
}

// OK reports a zero exit code.
func (r *ExecResult) OK() bool {
	return r.ExitCode == 0
}

// Line renders the command line as it was run.
func (r *ExecResult) Line() string {
	return strings.TrimSpace(r.Command + " " + strings.Join(r.Args, " "))
}

// LastLine returns the final non-empty output line, preferring stderr.
func (r *ExecResult) LastLine() string {
	for _, s := range []string{r.Stderr, r.Stdout} {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if i := strings.LastIndexByte(s, '\n'); i >= 0 {
			return s[i+1:]
		}
		return s
	}
	return ""
}

// Connector runs commands inside a fixed working directory.
type Connector interface {
	Name() string
	// WorkDir is the directory every command runs in.
	WorkDir() string
	// Execute runs cmd. Commands outside the allowlist fail without running.
	Execute(ctx context.Context, cmd string, args []string) (*ExecResult, error)
	IsAllowed(cmd string, args []string) bool
}
