package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"agentgate/internal/confirm"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/research"
	"agentgate/internal/runtime"
	"agentgate/internal/store"
	"agentgate/internal/stream"
	"agentgate/internal/tool"
	"agentgate/internal/trust"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

type recordingTool struct {
	name string
	mu   sync.Mutex
	runs int
}

func (t *recordingTool) Name() string               { return t.name }
func (t *recordingTool) Description() string        { return "test tool" }
func (t *recordingTool) Parameters() map[string]any { return tool.ToolParameters(nil, nil) }
func (t *recordingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.runs++
	return "ok", nil
}

func (t *recordingTool) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.runs
}

type fixture struct {
	ts      *httptest.Server
	manager *runtime.Manager
	write   *recordingTool
	list    *recordingTool
}

func newFixture(t *testing.T, defaults domain.TrustConfig) *fixture {
	t.Helper()
	logger := testLogger()

	st, err := store.NewSQLiteStore(filepath.Join(t.TempDir(), "agentgate.db"), logger)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { st.Close() })

	grants := trust.NewGrants()
	engine := trust.NewEngine(trust.DefaultTable(), st, grants, defaults, logger)
	broker := confirm.NewBroker(st, engine, grants, logger)
	events := stream.NewBroker(logger)

	registry := tool.NewRegistry(logger)
	f := &fixture{
		write: &recordingTool{name: "write_file"},
		list:  &recordingTool{name: "list_dir"},
	}
	registry.Register(f.write)
	registry.Register(f.list)

	m := metrics.New()
	f.manager = runtime.NewManager(runtime.Deps{
		Store:    st,
		Engine:   engine,
		Confirms: broker,
		Registry: registry,
		Events:   events,
		Grants:   grants,
		Metrics:  m,
		Logger:   logger,
	}, runtime.Config{ConfirmTTL: time.Minute})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		f.manager.Shutdown(ctx)
	})

	srv := New(Config{MetricsEnabled: true, Version: "test"}, Deps{
		Sessions: f.manager,
		Confirms: broker,
		Engine:   engine,
		Store:    st,
		SSE:      stream.NewSSE(events, logger),
		Research: research.NewTracker(domain.DepthConfig{}, logger),
		Metrics:  m,
		Logger:   logger,
	})
	f.ts = httptest.NewServer(srv.Handler())
	t.Cleanup(f.ts.Close)
	return f
}

func restrictiveDefaults() domain.TrustConfig {
	return domain.TrustConfig{Enabled: true, AutoApproveLevel: domain.RiskLow}
}

func permissiveDefaults() domain.TrustConfig {
	return domain.TrustConfig{Enabled: true, AutoApproveLevel: domain.RiskMedium}
}

func (f *fixture) do(t *testing.T, method, path string, body any) (*http.Response, []byte) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req, err := http.NewRequest(method, f.ts.URL+path, &buf)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close()
	var out bytes.Buffer
	if _, err := out.ReadFrom(resp.Body); err != nil {
		t.Fatal(err)
	}
	return resp, out.Bytes()
}

func (f *fixture) createSession(t *testing.T, workspace string) domain.Session {
	t.Helper()
	resp, body := f.do(t, http.MethodPost, "/api/sessions", map[string]string{"workspace_id": workspace})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("create session: status %d: %s", resp.StatusCode, body)
	}
	var sess domain.Session
	if err := json.Unmarshal(body, &sess); err != nil {
		t.Fatal(err)
	}
	return sess
}

// waitPending polls session state until a pending confirmation appears.
func (f *fixture) waitPending(t *testing.T, sessionID string) domain.ConfirmationRequest {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		resp, body := f.do(t, http.MethodGet, "/api/sessions/"+sessionID, nil)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("get session: status %d", resp.StatusCode)
		}
		var state runtime.SessionState
		if err := json.Unmarshal(body, &state); err != nil {
			t.Fatal(err)
		}
		if state.PendingConfirmation != nil {
			return *state.PendingConfirmation
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("no pending confirmation appeared")
	return domain.ConfirmationRequest{}
}

func TestServer_SessionLifecycle(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	sess := f.createSession(t, "w1")
	if sess.WorkspaceID != "w1" {
		t.Fatalf("workspace = %q", sess.WorkspaceID)
	}

	resp, body := f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d: %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/stop", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("stop: status %d", resp.StatusCode)
	}
	// Stopping an already-stopped session is a no-op success.
	resp, _ = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/stop", nil)
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("second stop: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/sessions/"+sess.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get stopped session: status %d", resp.StatusCode)
	}
}

func TestServer_UnknownSessionIs404(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	resp, _ := f.do(t, http.MethodGet, "/api/sessions/nope", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/sessions/nope/stop", nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("stop unknown: status = %d", resp.StatusCode)
	}
	resp, _ = f.do(t, http.MethodPost, "/api/sessions/nope/calls", map[string]any{"tool": "list_dir"})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("submit unknown: status = %d", resp.StatusCode)
	}
}

func TestServer_SubmitRequiresTool(t *testing.T) {
	f := newFixture(t, permissiveDefaults())
	sess := f.createSession(t, "w1")

	resp, _ := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/calls", map[string]any{})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServer_ConfirmationRoundTrip(t *testing.T) {
	f := newFixture(t, restrictiveDefaults())
	sess := f.createSession(t, "w1")

	resp, body := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/calls",
		map[string]any{"tool": "write_file", "args": map[string]any{"path": "a.txt"}})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d: %s", resp.StatusCode, body)
	}

	pending := f.waitPending(t, sess.ID)
	if pending.Call.Tool != "write_file" {
		t.Fatalf("pending tool = %q", pending.Call.Tool)
	}

	resp, body = f.do(t, http.MethodGet, "/api/confirmations/"+pending.ID, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get confirmation: status %d: %s", resp.StatusCode, body)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/confirmations/"+pending.ID+"/respond",
		map[string]any{"approved": true})
	if resp.StatusCode != http.StatusNoContent {
		t.Fatalf("respond: status %d", resp.StatusCode)
	}

	// Second resolution conflicts.
	resp, _ = f.do(t, http.MethodPost, "/api/confirmations/"+pending.ID+"/respond",
		map[string]any{"approved": false})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("second respond: status %d", resp.StatusCode)
	}

	deadline := time.Now().Add(5 * time.Second)
	for f.write.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if f.write.count() != 1 {
		t.Fatalf("tool ran %d times", f.write.count())
	}
}

func TestServer_RespondUnknownIs404(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	resp, _ := f.do(t, http.MethodPost, "/api/confirmations/nope/respond",
		map[string]any{"approved": true})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d", resp.StatusCode)
	}
}

func TestServer_StreamDeliversTerminalEvent(t *testing.T) {
	f := newFixture(t, permissiveDefaults())
	sess := f.createSession(t, "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.ts.URL+"/api/sessions/"+sess.ID+"/stream", nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := f.ts.Client().Do(req)
	if err != nil {
		t.Fatalf("open stream: %v", err)
	}
	defer resp.Body.Close()
	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("content type = %q", ct)
	}
	// Headers arrive before the handler subscribes; give it a moment so the
	// terminal event is not emitted into a not-yet-registered stream.
	time.Sleep(100 * time.Millisecond)

	fResp, _ := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/finish",
		map[string]string{"summary": "all done"})
	if fResp.StatusCode != http.StatusAccepted {
		t.Fatalf("finish: status %d", fResp.StatusCode)
	}

	scanner := bufio.NewScanner(resp.Body)
	sawDone := false
	for scanner.Scan() {
		if strings.HasPrefix(scanner.Text(), "event: done") {
			sawDone = true
			break
		}
	}
	if !sawDone {
		t.Fatal("stream ended without a done event")
	}
}

func TestServer_TrustConfigRoundTrip(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	// Defaults apply until the workspace is customized.
	resp, body := f.do(t, http.MethodGet, "/api/workspaces/w1/trust", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("get: status %d", resp.StatusCode)
	}
	var cfg domain.TrustConfig
	if err := json.Unmarshal(body, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.AutoApproveLevel != domain.RiskMedium {
		t.Fatalf("default level = %s", cfg.AutoApproveLevel)
	}

	resp, body = f.do(t, http.MethodPut, "/api/workspaces/w1/trust", map[string]any{
		"enabled":                true,
		"auto_approve_level":     "low",
		"blacklisted_operations": []string{"system-config"},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("put: status %d: %s", resp.StatusCode, body)
	}
	if err := json.Unmarshal(body, &cfg); err != nil {
		t.Fatal(err)
	}
	if cfg.AutoApproveLevel != domain.RiskLow || !cfg.IsBlacklisted(domain.CategorySystemConfig) {
		t.Fatalf("updated config = %+v", cfg)
	}
}

func TestServer_PutTrustValidation(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	resp, _ := f.do(t, http.MethodPut, "/api/workspaces/w1/trust", map[string]any{
		"enabled":            true,
		"auto_approve_level": "extreme",
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad level: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPut, "/api/workspaces/w1/trust", map[string]any{
		"enabled":                   true,
		"auto_approve_level":        "low",
		"pre_authorized_operations": []string{"teleportation"},
	})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("bad category: status %d", resp.StatusCode)
	}
}

func TestServer_AuditListing(t *testing.T) {
	f := newFixture(t, permissiveDefaults())
	sess := f.createSession(t, "w1")

	resp, _ := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/calls",
		map[string]any{"tool": "list_dir"})
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("submit: status %d", resp.StatusCode)
	}
	deadline := time.Now().Add(5 * time.Second)
	for f.list.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	resp, body := f.do(t, http.MethodGet, "/api/workspaces/w1/audit?limit=10", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audit: status %d", resp.StatusCode)
	}
	var page auditPage
	if err := json.Unmarshal(body, &page); err != nil {
		t.Fatal(err)
	}
	if len(page.Entries) == 0 {
		t.Fatal("expected at least one audit entry")
	}
	if page.Entries[0].Decision != domain.AuditAutoApproved {
		t.Fatalf("decision = %s", page.Entries[0].Decision)
	}

	resp, _ = f.do(t, http.MethodGet, "/api/workspaces/w1/audit?limit=9999", nil)
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("oversized limit: status %d", resp.StatusCode)
	}
}

func TestServer_FindingsReturnAdvice(t *testing.T) {
	f := newFixture(t, permissiveDefaults())
	sess := f.createSession(t, "w1")

	findings := []map[string]any{}
	for i := 0; i < 3; i++ {
		findings = append(findings, map[string]any{
			"content": fmt.Sprintf("unique%dalpha insight%dbeta number%dgamma", i, i, i),
			"source":  "https://example.com",
		})
	}
	resp, body := f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/findings",
		map[string]any{"findings": findings, "depth": 1})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("findings: status %d: %s", resp.StatusCode, body)
	}
	var advice domain.DepthAdvice
	if err := json.Unmarshal(body, &advice); err != nil {
		t.Fatal(err)
	}
	if advice.Action != domain.DepthContinue {
		t.Fatalf("action = %s", advice.Action)
	}
	if advice.Metrics.TotalFindings != 3 {
		t.Fatalf("total = %d", advice.Metrics.TotalFindings)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/"+sess.ID+"/findings",
		map[string]any{"findings": []any{}})
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty findings: status %d", resp.StatusCode)
	}

	resp, _ = f.do(t, http.MethodPost, "/api/sessions/nope/findings",
		map[string]any{"findings": findings})
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown session: status %d", resp.StatusCode)
	}
}

func TestServer_StatusAndMetrics(t *testing.T) {
	f := newFixture(t, permissiveDefaults())

	resp, body := f.do(t, http.MethodGet, "/status", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d", resp.StatusCode)
	}
	var st map[string]any
	if err := json.Unmarshal(body, &st); err != nil {
		t.Fatal(err)
	}
	if st["status"] != "ok" || st["version"] != "test" {
		t.Fatalf("status body = %v", st)
	}

	resp, body = f.do(t, http.MethodGet, "/metrics", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("metrics: %d", resp.StatusCode)
	}
	if !strings.Contains(string(body), "agentgate_active_sessions") {
		t.Fatal("metrics output missing gauges")
	}
}
