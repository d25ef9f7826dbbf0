package protocol

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/fentz26/attest/internal/criteria"
	"github.com/fentz26/attest/internal/models"
)

// Packet is everything the auditor is given for one evaluation. It is built
// from the task record alone; no worker-side state is reachable from it.
type Packet struct {
	TaskID        string                 `json:"task_id"`
	Content       string                 `json:"content"`
	Criteria      []models.Criterion     `json:"criteria,omitempty"`
	Attempt       int                    `json:"attempt"`
	Round         int                    `json:"round"`
	Explanation   string                 `json:"explanation"`
	TouchedFiles  []string               `json:"touched_files,omitempty"`
	Evidence      []models.Evidence      `json:"evidence"`
	Rounds        []models.FollowUpRound `json:"rounds,omitempty"`
	PriorVerdicts []models.VerdictRecord `json:"prior_verdicts,omitempty"`
	// Final means no more follow-ups will be served; the auditor must
	// decide on the evidence at hand.
	Final bool `json:"final"`

	Tools *Tools `json:"-"`
}

// NewPacket builds the packet for the current attempt of t.
func NewPacket(t models.Task, tools *Tools, round int, final bool) Packet {
	t = *t.Clone()
	p := Packet{
		TaskID:        t.ID,
		Content:       t.Content,
		Criteria:      t.Criteria,
		Attempt:       t.AuditAttempts,
		Round:         round,
		PriorVerdicts: t.Verdicts,
		Final:         final,
		Tools:         tools,
	}
	if t.Claim != nil {
		p.Explanation = t.Claim.Explanation
		p.TouchedFiles = t.Claim.TouchedFiles
		p.Evidence = t.Claim.Evidence
		p.Rounds = t.Claim.Rounds
	}
	return p
}

// maxReadBytes caps ReadFile results.
const maxReadBytes = 256 * 1024

// FileInfo is the subset of file metadata exposed to auditors.
type FileInfo struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	IsDir   bool      `json:"is_dir"`
	ModTime time.Time `json:"mod_time"`
}

// Tools is the read-only verification capability handed to auditors. Every
// call is bounded by the per-tool-call timeout.
type Tools struct {
	root    string
	suite   *criteria.Suite
	timeout time.Duration
}

// NewTools creates a tool handle rooted at root.
func NewTools(root string, suite *criteria.Suite, timeout time.Duration) *Tools {
	return &Tools{root: root, suite: suite, timeout: timeout}
}

func (t *Tools) path(p string) (string, error) {
	if filepath.IsAbs(p) {
		return "", fmt.Errorf("absolute path %q not allowed", p)
	}
	return criteria.ResolvePath(t.root, p)
}

func (t *Tools) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	if t.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, t.timeout)
}

// ReadFile returns up to maxReadBytes of a file under the root.
func (t *Tools) ReadFile(ctx context.Context, p string) (string, error) {
	ctx, cancel := t.bound(ctx)
	defer cancel()
	full, err := t.path(p)
	if err != nil {
		return "", err
	}
	f, err := os.Open(full)
	if err != nil {
		return "", err
	}
	defer f.Close()

	type result struct {
		data []byte
		err  error
	}
	done := make(chan result, 1)
	go func() {
		data, err := io.ReadAll(io.LimitReader(f, maxReadBytes))
		done <- result{data, err}
	}()
	select {
	case r := <-done:
		return string(r.data), r.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// Stat describes a file under the root.
func (t *Tools) Stat(ctx context.Context, p string) (FileInfo, error) {
	if err := ctx.Err(); err != nil {
		return FileInfo{}, err
	}
	full, err := t.path(p)
	if err != nil {
		return FileInfo{}, err
	}
	fi, err := os.Stat(full)
	if err != nil {
		return FileInfo{}, err
	}
	return FileInfo{Path: p, Size: fi.Size(), IsDir: fi.IsDir(), ModTime: fi.ModTime()}, nil
}

// RunCheck evaluates an acceptance criterion against the working tree.
func (t *Tools) RunCheck(ctx context.Context, c models.Criterion) (criteria.Result, error) {
	if t.suite == nil {
		return criteria.Result{}, errors.New("no criteria checkers configured")
	}
	ctx, cancel := t.bound(ctx)
	defer cancel()
	return t.suite.Check(ctx, c, criteria.WorkingContext{Dir: t.root})
}
