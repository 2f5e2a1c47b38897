package runtime

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"agentgate/internal/confirm"
	"agentgate/internal/domain"
	"agentgate/internal/metrics"
	"agentgate/internal/store"
	"agentgate/internal/stream"
	"agentgate/internal/tool"
	"agentgate/internal/trust"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// recordingTool remembers whether it ran, under any registered name.
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

// blockingTool parks in Execute until its context is cancelled. started
// closes when the first call reaches Execute.
type blockingTool struct {
	name    string
	started chan struct{}
	once    sync.Once
}

func (t *blockingTool) Name() string               { return t.name }
func (t *blockingTool) Description() string        { return "test tool" }
func (t *blockingTool) Parameters() map[string]any { return tool.ToolParameters(nil, nil) }
func (t *blockingTool) Execute(ctx context.Context, args map[string]any) (string, error) {
	t.once.Do(func() { close(t.started) })
	<-ctx.Done()
	return "", ctx.Err()
}

type fixture struct {
	manager  *Manager
	store    *store.SQLiteStore
	broker   *confirm.Broker
	events   *stream.Broker
	grants   *trust.Grants
	registry *tool.Registry
	write    *recordingTool
	del      *recordingTool
	shell    *recordingTool
}

func newFixture(t *testing.T, defaults domain.TrustConfig, cfg Config) *fixture {
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
		store:    st,
		broker:   broker,
		events:   events,
		grants:   grants,
		registry: registry,
		write:    &recordingTool{name: "write_file"},
		del:      &recordingTool{name: "delete_file"},
		shell:    &recordingTool{name: "shell"},
	}
	registry.Register(f.write)
	registry.Register(f.del)
	registry.Register(f.shell)

	f.manager = NewManager(Deps{
		Store:    st,
		Engine:   engine,
		Confirms: broker,
		Registry: registry,
		Events:   events,
		Grants:   grants,
		Metrics:  metrics.New(),
		Logger:   logger,
	}, cfg)
	return f
}

func permissiveDefaults() domain.TrustConfig {
	return domain.TrustConfig{Enabled: true, AutoApproveLevel: domain.RiskMedium}
}

// waitEvent reads events until one of the wanted kind arrives.
func waitEvent(t *testing.T, ch <-chan domain.Event, kind domain.EventKind) domain.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed while waiting for %s", kind)
			}
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s", kind)
		}
	}
}

func TestRunner_AutoApprovedCallExecutes(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, err := f.manager.Create(context.Background(), "w1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	call, err := f.manager.Submit(sess.ID, "write_file", map[string]any{"path": "a.txt"})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if call.Seq != 1 {
		t.Fatalf("seq = %d", call.Seq)
	}

	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultSuccess || ev.Result != "ok" {
		t.Fatalf("result = %+v", ev)
	}
	if f.write.count() != 1 {
		t.Fatalf("tool ran %d times", f.write.count())
	}

	entries, err := f.store.ListAudit(context.Background(), "w1", 10, 0)
	if err != nil {
		t.Fatalf("audit: %v", err)
	}
	if len(entries) != 1 || entries[0].Decision != domain.AuditAutoApproved {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestRunner_ConfirmationApprovePath(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	// delete_file is high risk, above the medium ceiling.
	if _, err := f.manager.Submit(sess.ID, "delete_file", map[string]any{"path": "a.txt"}); err != nil {
		t.Fatalf("submit: %v", err)
	}

	need := waitEvent(t, ch, domain.EventConfirmRequired)
	if need.ConfirmationID == "" || need.Classification == nil {
		t.Fatalf("confirm event = %+v", need)
	}
	state, err := f.manager.State(context.Background(), sess.ID)
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	if state.Session.Status != domain.SessionWaitingConfirmation {
		t.Fatalf("status = %s", state.Session.Status)
	}
	if state.PendingConfirmation == nil || state.PendingConfirmation.ID != need.ConfirmationID {
		t.Fatalf("pending = %+v", state.PendingConfirmation)
	}

	if err := f.broker.Respond(context.Background(), domain.ConfirmationResponse{
		RequestID: need.ConfirmationID,
		Approved:  true,
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultSuccess {
		t.Fatalf("result = %+v", ev)
	}
	if f.del.count() != 1 {
		t.Fatalf("tool ran %d times", f.del.count())
	}
}

func TestRunner_ConfirmationRejectSkipsExecution(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "delete_file", nil)
	need := waitEvent(t, ch, domain.EventConfirmRequired)

	if err := f.broker.Respond(context.Background(), domain.ConfirmationResponse{
		RequestID: need.ConfirmationID,
		Approved:  false,
		Feedback:  "too risky",
	}); err != nil {
		t.Fatalf("respond: %v", err)
	}

	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultCancelled {
		t.Fatalf("result = %+v", ev)
	}
	if f.del.count() != 0 {
		t.Fatal("rejected tool executed")
	}
}

func TestRunner_RememberChoiceSkipsSecondConfirmation(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "delete_file", nil)
	need := waitEvent(t, ch, domain.EventConfirmRequired)
	f.broker.Respond(context.Background(), domain.ConfirmationResponse{
		RequestID:      need.ConfirmationID,
		Approved:       true,
		RememberChoice: true,
	})
	waitEvent(t, ch, domain.EventToolResult)

	// Same category again: the session grant must auto-approve it.
	f.manager.Submit(sess.ID, "delete_file", nil)
	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultSuccess {
		t.Fatalf("second call result = %+v", ev)
	}
	if f.del.count() != 2 {
		t.Fatalf("tool ran %d times", f.del.count())
	}
}

func TestRunner_BlacklistDenied(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	if err := f.store.PutTrustConfig(context.Background(), domain.TrustConfig{
		WorkspaceID:      "w1",
		Enabled:          true,
		AutoApproveLevel: domain.RiskCritical,
		Blacklist:        []domain.OperationCategory{domain.CategoryCommandExecute},
	}); err != nil {
		t.Fatalf("put config: %v", err)
	}

	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "shell", map[string]any{"command": "rm -rf /"})
	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultError {
		t.Fatalf("result = %+v", ev)
	}
	if f.shell.count() != 0 {
		t.Fatal("blacklisted tool executed")
	}
}

func TestRunner_FinishCompletesSession(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "write_file", nil)
	if err := f.manager.Finish(sess.ID, "all done"); err != nil {
		t.Fatalf("finish: %v", err)
	}

	waitEvent(t, ch, domain.EventDone)

	got, err := f.store.GetSession(context.Background(), sess.ID)
	if err != nil || got == nil {
		t.Fatalf("get session: %v", err)
	}
	if got.Status != domain.SessionCompleted || got.CompletedAt == nil {
		t.Fatalf("session = %+v", got)
	}
	// The runner ran the queued call before completing.
	if f.write.count() != 1 {
		t.Fatalf("tool ran %d times", f.write.count())
	}
}

func TestRunner_StopWhileWaitingCancelsEverything(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "delete_file", nil)
	waitEvent(t, ch, domain.EventConfirmRequired)

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.manager.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	ev := waitEvent(t, ch, domain.EventError)
	if ev.Content != "session cancelled" {
		t.Fatalf("terminal = %+v", ev)
	}

	got, _ := f.store.GetSession(context.Background(), sess.ID)
	if got.Status != domain.SessionCancelled {
		t.Fatalf("status = %s", got.Status)
	}
	if f.del.count() != 0 {
		t.Fatal("cancelled tool executed")
	}
	if len(f.grants.List(sess.ID)) != 0 {
		t.Fatal("grants survived session end")
	}
	// The stream is sealed: submitting after stop fails.
	if _, err := f.manager.Submit(sess.ID, "write_file", nil); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("submit after stop err = %v", err)
	}
}

func TestRunner_StopSkipsQueuedCalls(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	blocker := &blockingTool{name: "read_file", started: make(chan struct{})}
	f.registry.Register(blocker)

	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	if _, err := f.manager.Submit(sess.ID, "read_file", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking tool never started")
	}
	// Queue a second call behind the in-flight one, then stop the session.
	if _, err := f.manager.Submit(sess.ID, "write_file", nil); err != nil {
		t.Fatalf("submit second: %v", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.manager.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}

	// Drain through the terminal event: the queued call must never start,
	// even though it was sitting in the queue when the stop landed.
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatal("stream closed before terminal event")
			}
			if ev.Kind == domain.EventToolCall && ev.Seq == 2 {
				t.Fatal("queued call dispatched after stop")
			}
			if ev.Kind == domain.EventError && ev.Content == "session cancelled" {
				if f.write.count() != 0 {
					t.Fatalf("queued tool ran %d times after stop", f.write.count())
				}
				return
			}
		case <-deadline:
			t.Fatal("timed out waiting for terminal event")
		}
	}
}

func TestRunner_QueueFullReturnsSentinel(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{QueueSize: 1})
	blocker := &blockingTool{name: "read_file", started: make(chan struct{})}
	f.registry.Register(blocker)

	sess, _ := f.manager.Create(context.Background(), "w1")

	if _, err := f.manager.Submit(sess.ID, "read_file", nil); err != nil {
		t.Fatalf("submit: %v", err)
	}
	select {
	case <-blocker.started:
	case <-time.After(5 * time.Second):
		t.Fatal("blocking tool never started")
	}
	// One slot: the second submission queues, the third must bounce with
	// the sentinel so callers can tell backpressure from a hard failure.
	if _, err := f.manager.Submit(sess.ID, "write_file", nil); err != nil {
		t.Fatalf("submit second: %v", err)
	}
	if _, err := f.manager.Submit(sess.ID, "write_file", nil); !errors.Is(err, domain.ErrQueueFull) {
		t.Fatalf("err = %v, want ErrQueueFull", err)
	}

	ctx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	if err := f.manager.Stop(ctx, sess.ID); err != nil {
		t.Fatalf("stop: %v", err)
	}
}

func TestRunner_TimeoutExpiresConfirmation(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{ConfirmTTL: 30 * time.Millisecond})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	f.manager.Submit(sess.ID, "delete_file", nil)
	need := waitEvent(t, ch, domain.EventConfirmRequired)
	if need.Deadline == nil {
		t.Fatal("confirm event missing deadline")
	}

	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultCancelled {
		t.Fatalf("result = %+v", ev)
	}
	if f.del.count() != 0 {
		t.Fatal("expired tool executed")
	}
	entries, _ := f.store.ListAudit(context.Background(), "w1", 10, 0)
	if len(entries) != 1 || entries[0].Decision != domain.AuditRejected || entries[0].Reason != "timeout" {
		t.Fatalf("audit = %+v", entries)
	}
}

func TestRunner_UnknownToolRequiresConfirmation(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	sess, _ := f.manager.Create(context.Background(), "w1")
	ch, cancel := f.events.Subscribe(sess.ID)
	defer cancel()

	// Not in the registry and not in the classification table: the policy
	// gate fires before dispatch ever would.
	f.manager.Submit(sess.ID, "teleport", nil)
	need := waitEvent(t, ch, domain.EventConfirmRequired)
	if need.Classification.Level != domain.RiskHigh || need.Classification.Category != domain.CategorySystemConfig {
		t.Fatalf("classification = %+v", need.Classification)
	}

	f.broker.Respond(context.Background(), domain.ConfirmationResponse{RequestID: need.ConfirmationID, Approved: true})
	ev := waitEvent(t, ch, domain.EventToolResult)
	if ev.Status != domain.ToolResultError {
		t.Fatalf("result = %+v, want dispatch error for unregistered tool", ev)
	}
}

func TestManager_StateUnknownSession(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	if _, err := f.manager.State(context.Background(), "ghost"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestManager_ShutdownStopsActiveSessions(t *testing.T) {
	f := newFixture(t, permissiveDefaults(), Config{})
	s1, _ := f.manager.Create(context.Background(), "w1")
	s2, _ := f.manager.Create(context.Background(), "w1")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := f.manager.Shutdown(ctx); err != nil {
		t.Fatalf("shutdown: %v", err)
	}

	for _, id := range []string{s1.ID, s2.ID} {
		got, _ := f.store.GetSession(context.Background(), id)
		if got == nil || got.Status != domain.SessionCancelled {
			t.Fatalf("session %s = %+v", id, got)
		}
	}
}
