package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"agentgate/internal/confirm"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/research"
	"agentgate/internal/runtime"
	"agentgate/internal/stream"
	"agentgate/internal/trust"
)

const maxBodySize = 1 << 20 // 1MB

// Config describes the listen address and optional surfaces.
type Config struct {
	Host            string
	Port            int
	Version         string
	MetricsEnabled  bool
	MetricsEndpoint string
}

// Deps are the collaborators the HTTP surface exposes.
type Deps struct {
	Sessions *runtime.Manager
	Confirms *confirm.Broker
	Engine   *trust.Engine
	Store    domain.Store
	SSE      *stream.SSE
	Research *research.Tracker
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

// Server is the HTTP transport over the execution core. All state lives in
// the collaborators; handlers translate between JSON and domain calls.
type Server struct {
	cfg     Config
	deps    Deps
	started time.Time
	httpSrv *http.Server
}

func New(cfg Config, deps Deps) *Server {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}
	if cfg.Port == 0 {
		cfg.Port = 8080
	}
	if cfg.Version == "" {
		cfg.Version = "dev"
	}
	if cfg.MetricsEndpoint == "" {
		cfg.MetricsEndpoint = "/metrics"
	}
	return &Server{cfg: cfg, deps: deps, started: time.Now()}
}

// Handler builds the route table. Exposed separately from Start so tests can
// drive the mux through httptest.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/sessions", s.handleCreateSession)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleGetSession)
	mux.HandleFunc("GET /api/sessions/{id}/stream", s.handleStream)
	mux.HandleFunc("POST /api/sessions/{id}/calls", s.handleSubmitCall)
	mux.HandleFunc("POST /api/sessions/{id}/finish", s.handleFinishSession)
	mux.HandleFunc("POST /api/sessions/{id}/fail", s.handleFailSession)
	mux.HandleFunc("POST /api/sessions/{id}/stop", s.handleStopSession)
	mux.HandleFunc("POST /api/sessions/{id}/findings", s.handleFindings)

	mux.HandleFunc("GET /api/confirmations/{id}", s.handleGetConfirmation)
	mux.HandleFunc("POST /api/confirmations/{id}/respond", s.handleRespond)

	mux.HandleFunc("GET /api/workspaces/{id}/trust", s.handleGetTrust)
	mux.HandleFunc("PUT /api/workspaces/{id}/trust", s.handlePutTrust)
	mux.HandleFunc("GET /api/workspaces/{id}/audit", s.handleListAudit)

	mux.HandleFunc("GET /status", s.handleStatus)
	if s.cfg.MetricsEnabled {
		mux.Handle("GET "+s.cfg.MetricsEndpoint, s.deps.Metrics.Handler())
	}

	return mux
}

// Start serves until ctx is cancelled, then drains with a bounded shutdown.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpSrv = &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.deps.Logger.Info("http server listening", "addr", addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpSrv.Shutdown(shutdownCtx)
	}
}

// --- sessions ---

type createSessionRequest struct {
	WorkspaceID string `json:"workspace_id"`
}

func (s *Server) handleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.WorkspaceID == "" {
		req.WorkspaceID = "default"
	}

	sess, err := s.deps.Sessions.Create(r.Context(), req.WorkspaceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusCreated, sess)
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	state, err := s.deps.Sessions.State(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, state)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.State(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Metrics.Subscribers.Inc()
	defer s.deps.Metrics.Subscribers.Dec()
	s.deps.SSE.ServeSession(w, r, id)
}

type submitCallRequest struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

func (s *Server) handleSubmitCall(w http.ResponseWriter, r *http.Request) {
	var req submitCallRequest
	if !s.decode(w, r, &req) {
		return
	}
	if req.Tool == "" {
		s.error(w, http.StatusBadRequest, "tool is required")
		return
	}

	call, err := s.deps.Sessions.Submit(r.PathValue("id"), req.Tool, req.Args)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusAccepted, call)
}

type finishSessionRequest struct {
	Summary string `json:"summary,omitempty"`
}

func (s *Server) handleFinishSession(w http.ResponseWriter, r *http.Request) {
	var req finishSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Sessions.Finish(r.PathValue("id"), req.Summary); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

type failSessionRequest struct {
	Message string `json:"message,omitempty"`
}

func (s *Server) handleFailSession(w http.ResponseWriter, r *http.Request) {
	var req failSessionRequest
	if !s.decode(w, r, &req) {
		return
	}
	if err := s.deps.Sessions.Fail(r.PathValue("id"), req.Message); err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopSession(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.deps.Sessions.Stop(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}
	s.deps.Research.Forget(id)
	w.WriteHeader(http.StatusNoContent)
}

type findingsRequest struct {
	Subtopics []string         `json:"subtopics,omitempty"`
	Findings  []domain.Finding `json:"findings"`
	Depth     int              `json:"depth,omitempty"`
}

func (s *Server) handleFindings(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.deps.Sessions.State(r.Context(), id); err != nil {
		s.fail(w, r, err)
		return
	}

	var req findingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	if len(req.Findings) == 0 {
		s.error(w, http.StatusBadRequest, "findings must not be empty")
		return
	}

	advice := s.deps.Research.Add(id, req.Subtopics, req.Findings, req.Depth)
	s.json(w, http.StatusOK, advice)
}

// --- confirmations ---

func (s *Server) handleGetConfirmation(w http.ResponseWriter, r *http.Request) {
	req, err := s.deps.Confirms.Get(r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, req)
}

type respondRequest struct {
	Approved       bool   `json:"approved"`
	Feedback       string `json:"feedback,omitempty"`
	RememberChoice bool   `json:"remember_choice,omitempty"`
}

func (s *Server) handleRespond(w http.ResponseWriter, r *http.Request) {
	var req respondRequest
	if !s.decode(w, r, &req) {
		return
	}

	err := s.deps.Confirms.Respond(r.Context(), domain.ConfirmationResponse{
		RequestID:      r.PathValue("id"),
		Approved:       req.Approved,
		Feedback:       req.Feedback,
		RememberChoice: req.RememberChoice,
	})
	if err != nil {
		s.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// --- workspaces ---

func (s *Server) handleGetTrust(w http.ResponseWriter, r *http.Request) {
	cfg, err := s.deps.Engine.WorkspaceConfig(r.Context(), r.PathValue("id"))
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, cfg)
}

type putTrustRequest struct {
	Enabled          bool                       `json:"enabled"`
	AutoApproveLevel domain.RiskLevel           `json:"auto_approve_level"`
	PreAuthorized    []domain.OperationCategory `json:"pre_authorized_operations,omitempty"`
	Blacklist        []domain.OperationCategory `json:"blacklisted_operations,omitempty"`
	ApproveOnTimeout []domain.OperationCategory `json:"approve_on_timeout,omitempty"`
}

var knownCategories = map[domain.OperationCategory]bool{
	domain.CategoryFileRead: true, domain.CategoryFileWrite: true,
	domain.CategoryFileDelete: true, domain.CategoryCommandExecute: true,
	domain.CategoryAPICall: true, domain.CategoryDataModify: true,
	domain.CategorySystemConfig: true,
}

func (s *Server) handlePutTrust(w http.ResponseWriter, r *http.Request) {
	var req putTrustRequest
	if !s.decode(w, r, &req) {
		return
	}
	if !req.AutoApproveLevel.Valid() {
		s.error(w, http.StatusBadRequest, "auto_approve_level must be one of: low, medium, high, critical")
		return
	}
	for _, set := range [][]domain.OperationCategory{req.PreAuthorized, req.Blacklist, req.ApproveOnTimeout} {
		for _, cat := range set {
			if !knownCategories[cat] {
				s.error(w, http.StatusBadRequest, fmt.Sprintf("unknown operation category %q", cat))
				return
			}
		}
	}

	cfg := domain.TrustConfig{
		WorkspaceID:      r.PathValue("id"),
		Enabled:          req.Enabled,
		AutoApproveLevel: req.AutoApproveLevel,
		PreAuthorized:    req.PreAuthorized,
		Blacklist:        req.Blacklist,
		ApproveOnTimeout: req.ApproveOnTimeout,
	}
	if err := s.deps.Store.PutTrustConfig(r.Context(), cfg); err != nil {
		s.fail(w, r, err)
		return
	}

	updated, err := s.deps.Engine.WorkspaceConfig(r.Context(), cfg.WorkspaceID)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	s.json(w, http.StatusOK, updated)
}

type auditPage struct {
	Entries []domain.AuditLogEntry `json:"entries"`
	Limit   int                    `json:"limit"`
	Offset  int                    `json:"offset"`
}

func (s *Server) handleListAudit(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)
	if limit < 1 || limit > 500 {
		s.error(w, http.StatusBadRequest, "limit must be between 1 and 500")
		return
	}
	if offset < 0 {
		s.error(w, http.StatusBadRequest, "offset must be >= 0")
		return
	}

	entries, err := s.deps.Store.ListAudit(r.Context(), r.PathValue("id"), limit, offset)
	if err != nil {
		s.fail(w, r, err)
		return
	}
	if entries == nil {
		entries = []domain.AuditLogEntry{}
	}
	s.json(w, http.StatusOK, auditPage{Entries: entries, Limit: limit, Offset: offset})
}

// --- status ---

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.json(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  time.Since(s.started).Round(time.Second).String(),
	})
}

// --- helpers ---

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	body := http.MaxBytesReader(w, r.Body, maxBodySize)
	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	err := dec.Decode(dst)
	if err == nil || errors.Is(err, io.EOF) {
		// An empty body means all-defaults for requests whose fields are
		// optional; required fields are validated by the handler.
		return true
	}
	s.error(w, http.StatusBadRequest, "invalid request body: "+err.Error())
	return false
}

func (s *Server) json(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.deps.Logger.Error("encode response", "err", err)
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) error(w http.ResponseWriter, status int, msg string) {
	s.json(w, status, errorResponse{Error: msg})
}

// fail maps domain errors onto HTTP statuses.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		s.error(w, http.StatusNotFound, err.Error())
	case errors.Is(err, domain.ErrInvalidState), errors.Is(err, domain.ErrAlreadyPending):
		s.error(w, http.StatusConflict, err.Error())
	case errors.Is(err, domain.ErrQueueFull):
		s.error(w, http.StatusTooManyRequests, err.Error())
	default:
		s.deps.Logger.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		s.error(w, http.StatusInternalServerError, err.Error())
	}
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return n
}
