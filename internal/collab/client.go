// Package collab talks to external worker and auditor collaborators over
// HTTP+JSON.
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/protocol"
)

// DefaultTimeout bounds a single collaborator request when no context
// deadline is shorter.
const DefaultTimeout = 5 * time.Minute

// maxBody caps collaborator responses.
const maxBody = 8 << 20

// TaskLookup resolves the current record for a task id.
type TaskLookup func(id string) (models.Task, error)

// ClaimRequest is the body sent to a worker's /claim endpoint.
type ClaimRequest struct {
	TaskID   string             `json:"task_id"`
	Content  string             `json:"content"`
	Criteria []models.Criterion `json:"criteria,omitempty"`
	Feedback string             `json:"feedback,omitempty"`
	Revision int                `json:"revision"`
}

// FollowUpBody is the body sent to a worker's /follow-up endpoint.
type FollowUpBody struct {
	TaskID  string                 `json:"task_id"`
	Request models.FollowUpRequest `json:"request"`
}

// Worker is a protocol.Worker reached over HTTP.
type Worker struct {
	base   string
	client *http.Client
	lookup TaskLookup
}

var _ protocol.Worker = (*Worker)(nil)

// NewWorker creates a worker client for baseURL. lookup supplies the task
// content and latest feedback sent with each claim request.
func NewWorker(baseURL string, timeout time.Duration, lookup TaskLookup) *Worker {
	return &Worker{base: strings.TrimRight(baseURL, "/"), client: newClient(timeout), lookup: lookup}
}

// SubmitClaim asks the worker to do (or redo) the task and return a claim.
func (w *Worker) SubmitClaim(ctx context.Context, taskID string) (models.Claim, error) {
	body := ClaimRequest{TaskID: taskID}
	if w.lookup != nil {
		t, err := w.lookup(taskID)
		if err != nil {
			return models.Claim{}, err
		}
		body.Content = t.Content
		body.Criteria = t.Criteria
		body.Feedback = t.Feedback
		body.Revision = t.RevisionAttempts
	}
	var claim models.Claim
	if err := postJSON(ctx, w.client, w.base+"/claim", body, &claim); err != nil {
		return models.Claim{}, fmt.Errorf("%w: %v", models.ErrWorkerUnavailable, err)
	}
	return claim, nil
}

// RespondToFollowUp forwards an auditor question to the worker.
func (w *Worker) RespondToFollowUp(ctx context.Context, taskID string, req models.FollowUpRequest) (models.Response, error) {
	var resp models.Response
	if err := postJSON(ctx, w.client, w.base+"/follow-up", FollowUpBody{TaskID: taskID, Request: req}, &resp); err != nil {
		return models.Response{}, fmt.Errorf("%w: %v", models.ErrWorkerUnavailable, err)
	}
	return resp, nil
}

// Auditor is a protocol.Auditor reached over HTTP.
type Auditor struct {
	base   string
	client *http.Client
}

var _ protocol.Auditor = (*Auditor)(nil)

// NewAuditor creates an auditor client for baseURL.
func NewAuditor(baseURL string, timeout time.Duration) *Auditor {
	return &Auditor{base: strings.TrimRight(baseURL, "/"), client: newClient(timeout)}
}

// Evaluate posts the audit packet to the auditor's /evaluate endpoint.
func (a *Auditor) Evaluate(ctx context.Context, p protocol.Packet) (protocol.Assessment, error) {
	var out protocol.Assessment
	if err := postJSON(ctx, a.client, a.base+"/evaluate", p, &out); err != nil {
		return protocol.Assessment{}, fmt.Errorf("%w: %v", models.ErrAuditorUnavailable, err)
	}
	if (out.Verdict == nil) == (out.FollowUp == nil) {
		return protocol.Assessment{}, fmt.Errorf("%w: assessment must carry exactly one of verdict or follow_up", models.ErrAuditorUnavailable)
	}
	return out, nil
}

func newClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &http.Client{Timeout: timeout}
}

// postJSON sends in as JSON and decodes the response into out.
func postJSON(ctx context.Context, client *http.Client, url string, in, out interface{}) error {
	data, err := json.Marshal(in)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("collaborator error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
