// Package localexec provides a local command executor with an allowlist.
package localexec

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/connectors"
)

// ErrNotAllowed is returned for commands outside the allowlist.
var ErrNotAllowed = errors.New("command not allowed")

// maxOutput caps captured stdout/stderr per stream.
const maxOutput = 64 * 1024

// DefaultAllowlist is the allowlist used when none is configured. An empty
// subcommand list allows any arguments.
func DefaultAllowlist() map[string][]string {
	return map[string][]string{
		"go":     {"test", "vet", "build"},
		"git":    {"diff", "status", "log", "show"},
		"pytest": {},
		"make":   {"test", "check", "lint"},
		"npm":    {"test"},
	}
}

// LocalExec implements the Connector interface for local command execution.
type LocalExec struct {
	workDir string
	allow   map[string][]string
}

var _ connectors.Connector = (*LocalExec)(nil)

// New creates a new LocalExec connector. A nil allowlist selects
// DefaultAllowlist.
func New(workDir string, allow map[string][]string) *LocalExec {
	if allow == nil {
		allow = DefaultAllowlist()
	}
	return &LocalExec{workDir: workDir, allow: allow}
}

// Name returns the connector identifier.
func (l *LocalExec) Name() string {
	return "localexec"
}

// WorkDir returns the directory commands run in.
func (l *LocalExec) WorkDir() string {
	return l.workDir
}

// IsAllowed checks if a command is in the allowlist.
func (l *LocalExec) IsAllowed(cmd string, args []string) bool {
	allowedSubcmds, ok := l.allow[cmd]
	if !ok {
		return false
	}
	if len(allowedSubcmds) == 0 {
		return true
	}
	if len(args) == 0 {
		return false
	}

	// Check if the first arg (subcommand) is allowed
	subcmd := args[0]
	for _, allowed := range allowedSubcmds {
		if subcmd == allowed {
			return true
		}
	}
	return false
}

// Execute runs a command if it's in the allowlist. A non-zero exit is
// reported in the result, not as an error.
func (l *LocalExec) Execute(ctx context.Context, cmd string, args []string) (*connectors.ExecResult, error) {
	if !l.IsAllowed(cmd, args) {
		return nil, fmt.Errorf("%w: %s %s", ErrNotAllowed, cmd, strings.Join(args, " "))
	}

	execCmd := exec.CommandContext(ctx, cmd, args...)
	if l.workDir != "" {
		execCmd.Dir = l.workDir
	}

	var stdout, stderr bytes.Buffer
	execCmd.Stdout = &stdout
	execCmd.Stderr = &stderr

	start := time.Now()
	err := execCmd.Run()
	if ctx.Err() != nil {
		return nil, fmt.Errorf("exec %s: %w", cmd, ctx.Err())
	}

	exitCode := 0
	if err != nil {
		var exitError *exec.ExitError
		if !errors.As(err, &exitError) {
			return nil, fmt.Errorf("exec error: %w", err)
		}
		exitCode = exitError.ExitCode()
	}

	return &connectors.ExecResult{
		Command:  cmd,
		Args:     args,
		ExitCode: exitCode,
		Stdout:   truncate(stdout.String()),
		Stderr:   truncate(stderr.String()),
		Duration: time.Since(start),
	}, nil
}

func truncate(s string) string {
	if len(s) <= maxOutput {
		return s
	}
	return s[:maxOutput] + "\n[truncated]"
}
