// Package criteria evaluates a task's machine-checkable acceptance criteria.
package criteria

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/fentz26/attest/internal/connectors"
	"github.com/fentz26/attest/internal/models"
)

// ErrUnsupported is returned for a criterion kind with no checker.
var ErrUnsupported = errors.New("no checker for criterion kind")

// WorkingContext is the environment a criterion is evaluated in.
type WorkingContext struct {
	Dir string
}

// Result is the outcome of one check.
type Result struct {
	Passed bool   `json:"passed"`
	Detail string `json:"detail"`
}

// Checker evaluates one kind of criterion.
type Checker interface {
	Check(ctx context.Context, c models.Criterion, wc WorkingContext) (Result, error)
}

// CheckerFunc adapts a function to Checker.
type CheckerFunc func(ctx context.Context, c models.Criterion, wc WorkingContext) (Result, error)

// Check implements Checker.
func (f CheckerFunc) Check(ctx context.Context, c models.Criterion, wc WorkingContext) (Result, error) {
	return f(ctx, c, wc)
}

// Suite maps criterion kinds to their checkers.
type Suite struct {
	checkers map[models.CriterionKind]Checker
}

// NewSuite returns a suite with the built-in checkers. exec runs
// command_exit_zero criteria; when nil that kind has no checker.
func NewSuite(exec connectors.Connector) *Suite {
	s := &Suite{checkers: make(map[models.CriterionKind]Checker)}
	if exec != nil {
		s.Register(models.CriterionCommandExitZero, CommandExitZero(exec))
	}
	s.Register(models.CriterionFileExists, CheckerFunc(fileExists))
	s.Register(models.CriterionFileContains, CheckerFunc(fileContains))
	return s
}

// Register installs or replaces the checker for kind.
func (s *Suite) Register(kind models.CriterionKind, c Checker) {
	s.checkers[kind] = c
}

// Supports reports whether kind has an automatic checker.
func (s *Suite) Supports(kind models.CriterionKind) bool {
	_, ok := s.checkers[kind]
	return ok
}

// Check evaluates c. A checker failure is returned as an error, distinct
// from a criterion that ran and did not pass.
func (s *Suite) Check(ctx context.Context, c models.Criterion, wc WorkingContext) (Result, error) {
	checker, ok := s.checkers[c.Kind]
	if !ok {
		return Result{}, fmt.Errorf("%w: %s", ErrUnsupported, c.Kind)
	}
	return checker.Check(ctx, c, wc)
}

// CommandExitZero returns a checker that passes when params["command"]
// exits zero. The command line is split with shell quoting rules and must
// pass the connector's allowlist.
func CommandExitZero(exec connectors.Connector) Checker {
	return CheckerFunc(func(ctx context.Context, c models.Criterion, wc WorkingContext) (Result, error) {
		line := strings.TrimSpace(c.Params["command"])
		if line == "" {
			return Result{}, errors.New("command_exit_zero: missing command parameter")
		}
		argv, err := shellquote.Split(line)
		if err != nil {
			return Result{}, fmt.Errorf("command_exit_zero: parse %q: %w", line, err)
		}
		res, err := exec.Execute(ctx, argv[0], argv[1:])
		if err != nil {
			return Result{}, fmt.Errorf("command_exit_zero: %w", err)
		}
		if !res.OK() {
			return Result{Detail: fmt.Sprintf("%s exited %d: %s", line, res.ExitCode, res.LastLine())}, nil
		}
		return Result{Passed: true, Detail: fmt.Sprintf("%s exited 0", line)}, nil
	})
}

func fileExists(_ context.Context, c models.Criterion, wc WorkingContext) (Result, error) {
	path, err := ResolvePath(wc.Dir, c.Params["path"])
	if err != nil {
		return Result{}, err
	}
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Detail: fmt.Sprintf("%s does not exist", c.Params["path"])}, nil
		}
		return Result{}, fmt.Errorf("file_exists: %w", err)
	}
	return Result{Passed: true, Detail: fmt.Sprintf("%s exists", c.Params["path"])}, nil
}

func fileContains(_ context.Context, c models.Criterion, wc WorkingContext) (Result, error) {
	path, err := ResolvePath(wc.Dir, c.Params["path"])
	if err != nil {
		return Result{}, err
	}
	want := c.Params["text"]
	if want == "" {
		return Result{}, errors.New("file_contains: missing text parameter")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Result{Detail: fmt.Sprintf("%s does not exist", c.Params["path"])}, nil
		}
		return Result{}, fmt.Errorf("file_contains: %w", err)
	}
	if !strings.Contains(string(data), want) {
		return Result{Detail: fmt.Sprintf("%s does not contain %q", c.Params["path"], want)}, nil
	}
	return Result{Passed: true, Detail: fmt.Sprintf("%s contains %q", c.Params["path"], want)}, nil
}

// ResolvePath joins p to dir, refusing relative paths that escape dir.
func ResolvePath(dir, p string) (string, error) {
	if strings.TrimSpace(p) == "" {
		return "", errors.New("missing path parameter")
	}
	if dir == "" || filepath.IsAbs(p) {
		return filepath.Clean(p), nil
	}
	full := filepath.Join(dir, p)
	rel, err := filepath.Rel(dir, full)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path %q escapes working directory", p)
	}
	return full, nil
}
