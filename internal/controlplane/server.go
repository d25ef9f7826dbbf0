package controlplane

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fentz26/attest/internal/audit"
	"github.com/fentz26/attest/internal/models"
	"github.com/fentz26/attest/internal/registry"
)

// Version is reported by /health. The build overrides it with -ldflags.
var Version = "dev"

// Pinger reports whether the backing store is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server provides the HTTP API for attest.
type Server struct {
	service *Service
	db      Pinger
	addr    string
	server  *http.Server
	logger  *slog.Logger
}

// NewServer creates a new HTTP server.
func NewServer(service *Service, db Pinger, addr string) *Server {
	return &Server{
		service: service,
		db:      db,
		addr:    addr,
		logger:  service.logger.With("component", "http"),
	}
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Task endpoints
	mux.HandleFunc("/tasks", s.handleTasks)
	mux.HandleFunc("/tasks/", s.handleTaskByID)

	// Audit and escalation queries
	mux.HandleFunc("/audit", s.handleAudit)
	mux.HandleFunc("/escalations", s.handleEscalations)

	// Session endpoints
	mux.HandleFunc("/session", s.handleSession)
	mux.HandleFunc("/session/", s.handleSessionCommand)

	mux.HandleFunc("/stats", s.handleStats)
	mux.HandleFunc("/health", s.handleHealth)
	return mux
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	s.logger.Info("starting attest daemon", "addr", s.addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// HealthResponse is the /health payload.
type HealthResponse struct {
	OK      bool         `json:"ok"`
	DB      string       `json:"db"`
	Version string       `json:"version"`
	Time    string       `json:"time"`
	Session SessionState `json:"session"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	health := HealthResponse{
		OK:      true,
		DB:      "ok",
		Version: Version,
		Time:    time.Now().UTC().Format(time.RFC3339),
		Session: s.service.Session().State,
	}
	status := http.StatusOK
	if s.db != nil {
		if err := s.db.Ping(ctx); err != nil {
			health.OK = false
			health.DB = err.Error()
			status = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, status, health)
}

// handleTasks handles POST /tasks and GET /tasks
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		s.createTask(w, r)
	case http.MethodGet:
		s.listTasks(w, r)
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

// handleTaskByID handles /tasks/{id}/*
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/tasks/")
	parts := strings.Split(strings.Trim(path, "/"), "/")

	if len(parts) == 0 || parts[0] == "" {
		http.Error(w, "task id required", http.StatusBadRequest)
		return
	}

	taskID := parts[0]
	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		s.getTask(w, r, taskID)
	case action == "audit" && r.Method == http.MethodGet:
		s.getTaskAudit(w, r, taskID)
	case r.Method == http.MethodPost && action != "":
		s.taskCommand(w, r, taskID, action)
	default:
		http.Error(w, "not found", http.StatusNotFound)
	}
}

// --- Task Handlers ---

type createTaskRequest struct {
	Content  string             `json:"content"`
	Criteria []models.Criterion `json:"criteria,omitempty"`
	ParentID string             `json:"parent_id,omitempty"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var (
		task models.Task
		err  error
	)
	if req.ParentID != "" {
		task, err = s.service.AddSubtask(r.Context(), req.ParentID, req.Content, req.Criteria)
	} else {
		task, err = s.service.CreateTask(r.Context(), req.Content, req.Criteria)
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) listTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := registry.ListFilter{
		Statuses: parseStatuses(q.Get("status")),
		ParentID: q.Get("parent"),
		RootOnly: q.Get("root") == "true",
	}
	tasks := s.service.ListTasks(f)
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request, taskID string) {
	task, err := s.service.GetTask(taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) getTaskAudit(w http.ResponseWriter, r *http.Request, taskID string) {
	events, err := s.service.AuditTrail(r.Context(), taskID)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// commandRequest carries the optional fields of task commands.
type commandRequest struct {
	Note     string             `json:"note,omitempty"`
	Feedback string             `json:"feedback,omitempty"`
	Reason   string             `json:"reason,omitempty"`
	Content  string             `json:"content,omitempty"`
	Index    *int               `json:"index,omitempty"`
	Criteria []models.Criterion `json:"criteria,omitempty"`
}

// VerifyResponse is returned by POST /tasks/{id}/verify.
type VerifyResponse struct {
	Verified bool        `json:"verified"`
	Task     models.Task `json:"task"`
}

func (s *Server) taskCommand(w http.ResponseWriter, r *http.Request, taskID, action string) {
	ctx := r.Context()

	if action == "claim" {
		var claim models.Claim
		if err := json.NewDecoder(r.Body).Decode(&claim); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
		s.respond(w, http.StatusOK)(s.service.SubmitClaim(ctx, taskID, claim))
		return
	}

	var req commandRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	switch action {
	case "start":
		s.respond(w, http.StatusOK)(s.service.StartTask(ctx, taskID))
	case "approve":
		s.respond(w, http.StatusOK)(s.service.Approve(ctx, taskID, req.Note))
	case "reject":
		s.respond(w, http.StatusOK)(s.service.Reject(ctx, taskID, req.Feedback))
	case "escalate":
		s.respond(w, http.StatusOK)(s.service.Escalate(ctx, taskID, req.Reason))
	case "edit":
		s.respond(w, http.StatusOK)(s.service.Edit(ctx, taskID, req.Content))
	case "abandon":
		s.respond(w, http.StatusOK)(s.service.Abandon(ctx, taskID, req.Reason))
	case "subtasks":
		s.respond(w, http.StatusCreated)(s.service.AddSubtask(ctx, taskID, req.Content, req.Criteria))
	case "reorder":
		if req.Index == nil {
			s.writeError(w, fmt.Errorf("%w: index is required", ErrBadRequest))
			return
		}
		s.respond(w, http.StatusOK)(s.service.Reorder(ctx, taskID, *req.Index))
	case "delete":
		if err := s.service.Delete(ctx, taskID); err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": taskID})
	case "verify":
		ok, err := s.service.Verify(ctx, taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		task, err := s.service.GetTask(taskID)
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, VerifyResponse{Verified: ok, Task: task})
	default:
		s.writeError(w, fmt.Errorf("%w: %s", ErrUnknownAction, action))
	}
}

// respond writes the task returned by a command, or its error.
func (s *Server) respond(w http.ResponseWriter, status int) func(models.Task, error) {
	return func(task models.Task, err error) {
		if err != nil {
			s.writeError(w, err)
			return
		}
		writeJSON(w, status, task)
	}
}

// --- Audit Handlers ---

func (s *Server) handleAudit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	q := r.URL.Query()
	f := audit.Filter{
		TaskID:       q.Get("task"),
		Actor:        models.Actor(q.Get("actor")),
		Action:       q.Get("action"),
		ActionPrefix: q.Get("prefix"),
	}
	if raw := q.Get("after"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid after", http.StatusBadRequest)
			return
		}
		f.AfterID = after
	}
	events, err := s.service.AuditLog(r.Context(), f)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if events == nil {
		events = []models.AuditEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

func (s *Server) handleEscalations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	tasks := s.service.Escalations()
	if tasks == nil {
		tasks = []models.Task{}
	}
	writeJSON(w, http.StatusOK, tasks)
}

// --- Session Handlers ---

func (s *Server) handleSession(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, s.service.Session())
}

func (s *Server) handleSessionCommand(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req commandRequest
	if err := decodeOptional(r.Body, &req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	var (
		st  SessionStatus
		err error
	)
	switch strings.Trim(strings.TrimPrefix(r.URL.Path, "/session/"), "/") {
	case "start":
		st, err = s.service.StartSession(r.Context(), req.Reason)
	case "pause":
		st, err = s.service.Pause(r.Context(), req.Reason)
	case "resume":
		st, err = s.service.Resume(r.Context())
	case "stop":
		st, err = s.service.Stop(r.Context(), req.Reason)
	default:
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, ok := s.service.Stats()
	if !ok {
		http.Error(w, "no scheduler attached", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

// --- helpers ---

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeOptional decodes a JSON body if one was sent.
func decodeOptional(body io.Reader, v interface{}) error {
	err := json.NewDecoder(body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

// parseStatuses splits a comma-separated status list.
func parseStatuses(raw string) []models.TaskStatus {
	var out []models.TaskStatus
	for _, part := range strings.Split(raw, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, models.TaskStatus(part))
		}
	}
	return out
}
