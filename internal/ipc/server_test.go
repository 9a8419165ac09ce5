package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/usecase"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// fakeSessions is a minimal single-session tracker.
type fakeSessions struct {
	mu      sync.Mutex
	current *domain.TrackingSession
	meta    domain.DaemonMetadata
}

func (f *fakeSessions) Snapshot() *domain.StateDocument {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &domain.StateDocument{Version: domain.StateVersion, Daemon: f.meta, Session: f.current.Clone()}
}

func (f *fakeSessions) Current() *domain.TrackingSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current.Clone()
}

func (f *fakeSessions) Start(spec usecase.StartSpec) (*domain.TrackingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if spec.Task.TaskName == "" {
		return nil, domain.ErrInvalidTask
	}
	if f.current != nil {
		return nil, domain.ErrSessionActive
	}
	f.current = &domain.TrackingSession{ID: "s-" + spec.Task.TaskName, TaskName: spec.Task.TaskName, StartTime: time.Now()}
	return f.current.Clone(), nil
}

func (f *fakeSessions) Stop(notes string) (*domain.Entry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, domain.ErrNoActiveSession
	}
	now := time.Now()
	f.current.EndTime = &now
	f.current.Notes = notes
	e := domain.NewEntry(f.current)
	f.current = nil
	return &e, nil
}

func (f *fakeSessions) Switch(spec usecase.StartSpec) (*domain.Entry, *domain.TrackingSession, error) {
	entry, err := f.Stop("")
	if err != nil {
		return nil, nil, err
	}
	s, err := f.Start(spec)
	return entry, s, err
}

func (f *fakeSessions) Discard() (*domain.TrackingSession, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.current == nil {
		return nil, domain.ErrNoActiveSession
	}
	s := f.current
	f.current = nil
	return s, nil
}

type fakeRules struct {
	mu    sync.Mutex
	rules []domain.Rule
}

func (f *fakeRules) List() []domain.Rule {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.Rule(nil), f.rules...)
}

func (f *fakeRules) Add(pattern string, task domain.TaskTemplate) (domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if pattern == "" || strings.Contains(pattern, "[") {
		return domain.Rule{}, domain.ErrInvalidRule
	}
	r := domain.Rule{ID: "r" + pattern, Pattern: pattern, Task: task, Enabled: true, Confidence: 1}
	f.rules = append(f.rules, r)
	return r, nil
}

func (f *fakeRules) Remove(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, r := range f.rules {
		if r.ID == id {
			f.rules = append(f.rules[:i], f.rules[i+1:]...)
			return nil
		}
	}
	return domain.ErrRuleNotFound
}

func (f *fakeRules) SetEnabled(id string, enabled bool) (domain.Rule, error) {
	return f.update(id, func(r *domain.Rule) { r.Enabled = enabled })
}

func (f *fakeRules) ResetConfidence(id string) (domain.Rule, error) {
	return f.update(id, func(r *domain.Rule) { r.Confidence = 1 })
}

func (f *fakeRules) update(id string, fn func(r *domain.Rule)) (domain.Rule, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.rules {
		if f.rules[i].ID == id {
			fn(&f.rules[i])
			return f.rules[i], nil
		}
	}
	return domain.Rule{}, domain.ErrRuleNotFound
}

type fakeDecisions struct {
	mu      sync.Mutex
	pending map[string]domain.Event
}

func (f *fakeDecisions) Pending() []domain.Event {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.Event
	for _, ev := range f.pending {
		out = append(out, ev)
	}
	return out
}

func (f *fakeDecisions) Resolve(id string, d domain.Decision, _ *domain.TaskTemplate) (*usecase.Resolution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.pending[id]; !ok {
		return nil, domain.ErrEventNotFound
	}
	delete(f.pending, id)
	return &usecase.Resolution{EventID: id, Decision: d}, nil
}

type fakeControl struct {
	mu        sync.Mutex
	reloads   int
	shutdowns int
	reloadErr error
}

func (f *fakeControl) Reload() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reloads++
	return f.reloadErr
}

func (f *fakeControl) RequestShutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdowns++
}

type serverFixture struct {
	server    *Server
	hub       *Hub
	mux       *Mux
	sessions  *fakeSessions
	rules     *fakeRules
	decisions *fakeDecisions
	control   *fakeControl
	path      string
}

// socketPath returns a path short enough for a Unix socket.
func socketPath(t *testing.T) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "trackd")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	return filepath.Join(dir, "run", "trackd.sock")
}

func newServerFixture(t *testing.T, configure func(cfg *ServerConfig)) *serverFixture {
	t.Helper()
	f := &serverFixture{
		hub:       NewHub(zap.NewNop()),
		mux:       NewMux(),
		sessions:  &fakeSessions{meta: domain.DaemonMetadata{PID: 42, LifecycleState: domain.LifecycleRunning, StartedAt: time.Now().Add(-time.Minute)}},
		rules:     &fakeRules{},
		decisions: &fakeDecisions{pending: map[string]domain.Event{}},
		control:   &fakeControl{},
		path:      socketPath(t),
	}
	RegisterHandlers(f.mux, Services{
		Sessions:  f.sessions,
		Rules:     f.rules,
		Decisions: f.decisions,
		Control:   f.control,
		Version:   "test",
	})

	cfg := DefaultServerConfig(f.path)
	if configure != nil {
		configure(&cfg)
	}
	f.server = NewServer(cfg, f.mux, f.hub, zap.NewNop())
	require.NoError(t, f.server.Listen())

	done := make(chan error, 1)
	go func() { done <- f.server.Serve() }()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = f.server.Shutdown(ctx)
		assert.NoError(t, <-done)
	})
	return f
}

func (f *serverFixture) dial(t *testing.T) *Client {
	t.Helper()
	c, err := Dial(context.Background(), f.path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

// rawConn sends hand-written lines and reads raw responses.
type rawConn struct {
	net.Conn
	r *bufio.Reader
}

func (f *serverFixture) raw(t *testing.T) *rawConn {
	t.Helper()
	nc, err := net.Dial("unix", f.path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = nc.Close() })
	_ = nc.SetDeadline(time.Now().Add(5 * time.Second))
	return &rawConn{Conn: nc, r: bufio.NewReader(nc)}
}

func (c *rawConn) roundTrip(t *testing.T, line string) Response {
	t.Helper()
	_, err := c.Write([]byte(line + "\n"))
	require.NoError(t, err)
	return c.read(t)
}

func (c *rawConn) read(t *testing.T) Response {
	t.Helper()
	data, err := c.r.ReadBytes('\n')
	require.NoError(t, err)
	var resp Response
	require.NoError(t, json.Unmarshal(data, &resp))
	return resp
}

func TestServer_SessionRoundTrip(t *testing.T) {
	f := newServerFixture(t, nil)
	c := f.dial(t)
	ctx := context.Background()

	var pong map[string]string
	require.NoError(t, c.Call(ctx, "ping", nil, &pong))
	assert.Equal(t, "test", pong["pong"])

	var started SessionResult
	require.NoError(t, c.Call(ctx, "start", TaskParams{TaskTemplate: domain.TaskTemplate{TaskName: "Writing"}}, &started))
	assert.Equal(t, "Writing", started.Session.TaskName)

	var cur SessionResult
	require.NoError(t, c.Call(ctx, "current", nil, &cur))
	require.NotNil(t, cur.Session)
	assert.Equal(t, started.Session.ID, cur.Session.ID)

	var status StatusResult
	require.NoError(t, c.Call(ctx, "status", nil, &status))
	assert.Equal(t, domain.LifecycleRunning, status.State)
	assert.Equal(t, 42, status.PID)
	assert.GreaterOrEqual(t, status.UptimeSeconds, int64(59))
	require.NotNil(t, status.Session)

	err := c.Call(ctx, "start", TaskParams{TaskTemplate: domain.TaskTemplate{TaskName: "Other"}}, nil)
	assert.ErrorIs(t, err, domain.ErrSessionActive)

	var stopped SessionResult
	require.NoError(t, c.Call(ctx, "stop", StopParams{Notes: "done"}, &stopped))
	require.NotNil(t, stopped.Entry)
	assert.Equal(t, "done", stopped.Entry.Notes)

	err = c.Call(ctx, "stop", nil, nil)
	assert.ErrorIs(t, err, domain.ErrNoActiveSession)
	var wire *Error
	require.True(t, errors.As(err, &wire))
	assert.Equal(t, CodeNoActiveSession, wire.Code)
}

func TestServer_RuleAndDecisionMethods(t *testing.T) {
	f := newServerFixture(t, nil)
	f.decisions.pending["ev-1"] = domain.Event{ID: "ev-1", Kind: domain.EventSuggestSwitch}
	c := f.dial(t)
	ctx := context.Background()

	var rule domain.Rule
	require.NoError(t, c.Call(ctx, "addRule", RuleParams{Pattern: "code", TaskTemplate: domain.TaskTemplate{TaskName: "Coding"}}, &rule))
	assert.Equal(t, "Coding", rule.Task.TaskName)

	err := c.Call(ctx, "addRule", RuleParams{Pattern: "[", TaskTemplate: domain.TaskTemplate{TaskName: "x"}}, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidRule)

	var listed map[string][]domain.Rule
	require.NoError(t, c.Call(ctx, "listRules", nil, &listed))
	assert.Len(t, listed["rules"], 1)

	disabled := false
	require.NoError(t, c.Call(ctx, "enableRule", RuleIDParams{ID: rule.ID, Enabled: &disabled}, &rule))
	assert.False(t, rule.Enabled)

	require.NoError(t, c.Call(ctx, "resetRule", RuleIDParams{ID: rule.ID}, &rule))
	require.NoError(t, c.Call(ctx, "removeRule", RuleIDParams{ID: rule.ID}, nil))
	assert.ErrorIs(t, c.Call(ctx, "removeRule", RuleIDParams{ID: rule.ID}, nil), domain.ErrRuleNotFound)

	var pending map[string][]domain.Event
	require.NoError(t, c.Call(ctx, "pendingEvents", nil, &pending))
	assert.Len(t, pending["events"], 1)

	var res usecase.Resolution
	require.NoError(t, c.Call(ctx, "resolveEvent", ResolveParams{EventID: "ev-1", Decision: domain.DecisionReject}, &res))
	assert.Equal(t, "ev-1", res.EventID)
	err = c.Call(ctx, "resolveEvent", ResolveParams{EventID: "ev-1", Decision: domain.DecisionReject}, nil)
	assert.ErrorIs(t, err, domain.ErrEventNotFound)

	require.NoError(t, c.Call(ctx, "reload", nil, nil))
	require.NoError(t, c.Call(ctx, "shutdown", nil, nil))
	assert.Equal(t, 1, f.control.reloads)
	assert.Equal(t, 1, f.control.shutdowns)
}

func TestServer_EnvelopeErrors(t *testing.T) {
	tests := []struct {
		name     string
		line     string
		wantCode int
	}{
		{"malformed json", `{"id":1,"method":`, CodeParseError},
		{"missing method", `{"id":1}`, CodeInvalidRequest},
		{"params not an object", `{"id":1,"method":"start","params":[1]}`, CodeInvalidRequest},
		{"unknown method", `{"id":1,"method":"teleport"}`, CodeMethodNotFound},
		{"unknown param", `{"id":1,"method":"stop","params":{"bogus":true}}`, CodeInvalidParams},
		{"empty task", `{"id":1,"method":"start","params":{"task_name":""}}`, CodeInvalidParams},
		{"missing rule id", `{"id":1,"method":"removeRule","params":{}}`, CodeInvalidParams},
		{"object id", `{"id":{"n":1},"method":"ping"}`, CodeInvalidRequest},
		{"array id", `{"id":[1],"method":"ping"}`, CodeInvalidRequest},
		{"task name spelled twice", `{"id":1,"method":"start","params":{"taskName":"A","task_name":"B"}}`, CodeInvalidParams},
	}

	f := newServerFixture(t, nil)
	conn := f.raw(t)

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := conn.roundTrip(t, tt.line)
			require.NotNil(t, resp.Error)
			assert.Equal(t, tt.wantCode, resp.Error.Code)

			// The connection stays usable.
			ok := conn.roundTrip(t, `{"id":"after","method":"ping"}`)
			assert.Nil(t, ok.Error)
			assert.JSONEq(t, `"after"`, string(ok.ID))
		})
	}
}

func TestServer_RejectedIDIsAnsweredWithNull(t *testing.T) {
	f := newServerFixture(t, nil)
	conn := f.raw(t)

	resp := conn.roundTrip(t, `{"id":{"n":1},"method":"ping"}`)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeInvalidRequest, resp.Error.Code)
	assert.Contains(t, []string{"", "null"}, string(resp.ID))
}

func TestServer_AcceptsCamelCaseParams(t *testing.T) {
	f := newServerFixture(t, nil)
	conn := f.raw(t)

	resp := conn.roundTrip(t, `{"id":1,"method":"start","params":{"taskName":"Dev"}}`)
	require.Nil(t, resp.Error)
	var started SessionResult
	require.NoError(t, json.Unmarshal(resp.Result, &started))
	require.NotNil(t, started.Session)
	assert.Equal(t, "Dev", started.Session.TaskName)

	resp = conn.roundTrip(t, `{"id":2,"method":"status"}`)
	require.Nil(t, resp.Error)
	var status StatusResult
	require.NoError(t, json.Unmarshal(resp.Result, &status))
	require.NotNil(t, status.Session)
	assert.Equal(t, "Dev", status.Session.TaskName)

	resp = conn.roundTrip(t, `{"id":3,"method":"addRule","params":{"pattern":"code","taskName":"Coding"}}`)
	require.Nil(t, resp.Error)
	var rule domain.Rule
	require.NoError(t, json.Unmarshal(resp.Result, &rule))
	assert.Equal(t, "Coding", rule.Task.TaskName)
}

func TestServer_OversizedRequestKeepsConnection(t *testing.T) {
	f := newServerFixture(t, nil)
	conn := f.raw(t)

	big := `{"id":1,"method":"start","params":{"task_name":"` + strings.Repeat("x", MaxMessageSize) + `"}}`
	resp := conn.roundTrip(t, big)
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeTooLarge, resp.Error.Code)
	assert.Nil(t, f.sessions.Current(), "nothing was started")

	ok := conn.roundTrip(t, `{"id":2,"method":"ping"}`)
	assert.Nil(t, ok.Error)
	assert.JSONEq(t, `2`, string(ok.ID))
}

func TestServer_RequestsOnAConnectionAreFIFO(t *testing.T) {
	f := newServerFixture(t, nil)
	conn := f.raw(t)

	var batch strings.Builder
	for i := 0; i < 20; i++ {
		batch.WriteString(`{"id":` + strings.Repeat("1", i+1) + `,"method":"ping"}` + "\n")
	}
	_, err := conn.Write([]byte(batch.String()))
	require.NoError(t, err)

	for i := 0; i < 20; i++ {
		resp := conn.read(t)
		assert.Equal(t, strings.Repeat("1", i+1), string(resp.ID))
	}
}

func TestServer_SubscriberReceivesEventsInOrder(t *testing.T) {
	f := newServerFixture(t, nil)
	c := f.dial(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events, err := c.Subscribe(ctx)
	require.NoError(t, err)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	// A one-shot caller is not held up by the subscriber.
	other := f.dial(t)
	require.NoError(t, other.Call(context.Background(), "ping", nil, nil))

	kinds := []domain.EventKind{domain.EventProcessChanged, domain.EventSuggestSwitch, domain.EventIdleEntered}
	for _, k := range kinds {
		f.hub.Publish(domain.Event{ID: string(k), Kind: k, Process: "code"})
	}

	for _, want := range kinds {
		select {
		case push := <-events:
			assert.Equal(t, want, push.Event)
			var ev domain.Event
			require.NoError(t, json.Unmarshal(push.Data, &ev))
			assert.Equal(t, "code", ev.Process)
		case <-time.After(time.Second):
			t.Fatalf("missing push %s", want)
		}
	}

	cancel()
	require.Eventually(t, func() bool {
		_, open := <-events
		return !open
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return f.hub.Count() == 0 }, time.Second, 5*time.Millisecond)
}

func TestServer_SlowSubscriberIsDropped(t *testing.T) {
	f := newServerFixture(t, func(cfg *ServerConfig) {
		cfg.QueueSize = 1
		cfg.WriteTimeout = 50 * time.Millisecond
	})

	// Subscribes and then never reads.
	slow := f.raw(t)
	resp := slow.roundTrip(t, `{"id":1,"method":"subscribe"}`)
	require.Nil(t, resp.Error)
	require.Eventually(t, func() bool { return f.hub.Count() == 1 }, time.Second, 5*time.Millisecond)

	payload := strings.Repeat("p", 16*1024)
	deadline := time.Now().Add(3 * time.Second)
	for f.hub.Count() > 0 && time.Now().Before(deadline) {
		f.hub.Publish(domain.Event{Kind: domain.EventProcessChanged, Process: payload})
	}
	assert.Zero(t, f.hub.Count())

	// Other clients are unaffected.
	c := f.dial(t)
	assert.NoError(t, c.Call(context.Background(), "ping", nil, nil))
}

func TestServer_SocketPermissions(t *testing.T) {
	f := newServerFixture(t, nil)

	info, err := os.Stat(f.path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(f.path))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0700), dirInfo.Mode().Perm())
}

func TestServer_SecondListenerFailsToBind(t *testing.T) {
	f := newServerFixture(t, nil)

	other := NewServer(DefaultServerConfig(f.path), NewMux(), NewHub(zap.NewNop()), zap.NewNop())
	err := other.Listen()
	assert.ErrorIs(t, err, domain.ErrChannelBindFailed)

	// The running daemon keeps its socket.
	c := f.dial(t)
	assert.NoError(t, c.Call(context.Background(), "ping", nil, nil))
}

func TestServer_StaleSocketIsReplaced(t *testing.T) {
	path := socketPath(t)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, nil, 0600))

	s := NewServer(DefaultServerConfig(path), NewMux(), NewHub(zap.NewNop()), zap.NewNop())
	require.NoError(t, s.Listen())

	done := make(chan error, 1)
	go func() { done <- s.Serve() }()

	nc, err := net.Dial("unix", path)
	require.NoError(t, err)
	_ = nc.Close()

	require.NoError(t, s.Shutdown(context.Background()))
	assert.NoError(t, <-done)
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err), "socket removed on shutdown")
}

func TestServer_ShutdownLetsInFlightRequestFinish(t *testing.T) {
	f := newServerFixture(t, nil)
	started := make(chan struct{})
	f.mux.Handle("slow", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		time.Sleep(100 * time.Millisecond)
		return "finished", nil
	})

	idle := f.dial(t)
	require.NoError(t, idle.Call(context.Background(), "ping", nil, nil))

	c := f.dial(t)
	result := make(chan error, 1)
	go func() {
		var out string
		err := c.Call(context.Background(), "slow", nil, &out)
		if err == nil && out != "finished" {
			err = errors.New("unexpected result " + out)
		}
		result <- err
	}()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	begin := time.Now()
	require.NoError(t, f.server.Shutdown(ctx))
	assert.Less(t, time.Since(begin), time.Second, "idle connections do not hold up shutdown")
	assert.NoError(t, <-result)

	_, err := Dial(context.Background(), f.path)
	assert.Error(t, err, "no new connections after shutdown")
}

func TestServer_ShutdownDeadlineClosesConnections(t *testing.T) {
	f := newServerFixture(t, nil)
	release := make(chan struct{})
	started := make(chan struct{})
	f.mux.Handle("hang", func(context.Context, json.RawMessage) (any, error) {
		close(started)
		<-release
		return nil, nil
	})

	c := f.dial(t)
	result := make(chan error, 1)
	go func() { result <- c.Call(context.Background(), "hang", nil, nil) }()
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- f.server.Shutdown(ctx) }()

	assert.Error(t, <-result, "the hung call's connection is closed at the deadline")
	close(release)
	assert.ErrorIs(t, <-shutdownErr, context.DeadlineExceeded)
}
