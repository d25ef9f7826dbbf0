package tui

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/controlplane"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/scheduler"
)

// DefaultClientTimeout is the default timeout for API requests.
const DefaultClientTimeout = 10 * time.Second

// Client wraps HTTP calls to the attest API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient creates a new API client with timeout.
func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: DefaultClientTimeout,
		},
	}
}

// ListTasks fetches tasks, optionally filtered by status.
func (c *Client) ListTasks(status string) ([]models.Task, error) {
	path := "/tasks"
	if status != "" {
		path += "?status=" + url.QueryEscape(status)
	}
	var tasks []models.Task
	return tasks, c.get(path, &tasks)
}

// GetTask fetches a single task.
func (c *Client) GetTask(id string) (models.Task, error) {
	var t models.Task
	return t, c.get("/tasks/"+url.PathEscape(id), &t)
}

// AuditTrail fetches the lifecycle events of one task.
func (c *Client) AuditTrail(id string) ([]models.AuditEvent, error) {
	var events []models.AuditEvent
	return events, c.get("/tasks/"+url.PathEscape(id)+"/audit", &events)
}

// Escalations fetches every task waiting on a human.
func (c *Client) Escalations() ([]models.Task, error) {
	var tasks []models.Task
	return tasks, c.get("/escalations", &tasks)
}

// Session fetches the session state.
func (c *Client) Session() (controlplane.SessionStatus, error) {
	var st controlplane.SessionStatus
	return st, c.get("/session", &st)
}

// Stats fetches scheduler activity.
func (c *Client) Stats() (scheduler.Stats, error) {
	var st scheduler.Stats
	return st, c.get("/stats", &st)
}

// CreateTask creates a task, under parentID when set.
func (c *Client) CreateTask(content, parentID string) (models.Task, error) {
	var t models.Task
	body := map[string]string{"content": content}
	if parentID != "" {
		body["parent_id"] = parentID
	}
	return t, c.post("/tasks", body, &t)
}

// TaskCommand posts a task command such as start or reject.
func (c *Client) TaskCommand(id, action string, body map[string]interface{}) (models.Task, error) {
	path := "/tasks/" + url.PathEscape(id) + "/" + action
	if action == "verify" {
		var resp controlplane.VerifyResponse
		err := c.post(path, body, &resp)
		return resp.Task, err
	}
	if action == "delete" {
		return models.Task{ID: id}, c.post(path, body, nil)
	}
	var t models.Task
	return t, c.post(path, body, &t)
}

// SessionCommand posts start, pause, resume or stop.
func (c *Client) SessionCommand(action, reason string) (controlplane.SessionStatus, error) {
	var st controlplane.SessionStatus
	var body map[string]interface{}
	if reason != "" {
		body = map[string]interface{}{"reason": reason}
	}
	return st, c.post("/session/"+action, body, &st)
}

// CheckHealth checks if the daemon is healthy.
func (c *Client) CheckHealth() (bool, error) {
	var health controlplane.HealthResponse
	if err := c.get("/health", &health); err != nil {
		return false, err
	}
	return health.OK, nil
}

func (c *Client) get(path string, out interface{}) error {
	resp, err := c.httpClient.Get(c.baseURL + path)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func (c *Client) post(path string, data, out interface{}) error {
	var rd io.Reader = http.NoBody
	if data != nil {
		jsonData, err := json.Marshal(data)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(jsonData)
	}
	resp, err := c.httpClient.Post(c.baseURL+path, "application/json", rd)
	if err != nil {
		return err
	}
	return decode(resp, out)
}

func decode(resp *http.Response, out interface{}) error {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("API error (%d): %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		return nil
	}
	return json.Unmarshal(body, out)
}
