package usecase

import (
	"encoding/json"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// memStateFile keeps the last saved document as JSON, like the real file.
type memStateFile struct {
	mu      sync.Mutex
	data    []byte
	saves   int
	saveErr error
	loadErr error
}

func (m *memStateFile) Load() (*domain.StateDocument, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.loadErr != nil {
		return nil, m.loadErr
	}
	if m.data == nil {
		return nil, nil
	}
	var doc domain.StateDocument
	if err := json.Unmarshal(m.data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (m *memStateFile) Save(doc *domain.StateDocument) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.saveErr != nil {
		return m.saveErr
	}
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	m.data = data
	m.saves++
	return nil
}

func (m *memStateFile) Quarantine() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = nil
	m.loadErr = nil
	return "quarantined", nil
}

func (m *memStateFile) Path() string { return "mem://state.json" }

func (m *memStateFile) setSaveErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveErr = err
}

// memEntryStore records appended entries by session ID.
type memEntryStore struct {
	mu        sync.Mutex
	entries   map[string]domain.Entry
	order     []string
	appendErr error
}

func newMemEntryStore() *memEntryStore {
	return &memEntryStore{entries: make(map[string]domain.Entry)}
}

func (m *memEntryStore) Append(e domain.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.appendErr != nil {
		return m.appendErr
	}
	if _, ok := m.entries[e.ID]; !ok {
		m.order = append(m.order, e.ID)
	}
	m.entries[e.ID] = e
	return nil
}

func (m *memEntryStore) List(since, until time.Time) ([]domain.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Entry
	for _, id := range m.order {
		e := m.entries[id]
		if !e.StartTime.Before(since) && e.StartTime.Before(until) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memEntryStore) all() []domain.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.Entry, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, m.entries[id])
	}
	return out
}

// fakeClock is a manually advanced clock.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 4, 1, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

// recordingPublisher collects published events.
type recordingPublisher struct {
	mu     sync.Mutex
	events []domain.Event
}

func (p *recordingPublisher) Publish(ev domain.Event) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
}

func (p *recordingPublisher) kinds() []domain.EventKind {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]domain.EventKind, len(p.events))
	for i, ev := range p.events {
		out[i] = ev.Kind
	}
	return out
}

func (p *recordingPublisher) last(kind domain.EventKind) (domain.Event, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := len(p.events) - 1; i >= 0; i-- {
		if p.events[i].Kind == kind {
			return p.events[i], true
		}
	}
	return domain.Event{}, false
}

// recordingNotifier collects notifications.
type recordingNotifier struct {
	mu    sync.Mutex
	notes []domain.Notification
	block chan struct{}
}

func (n *recordingNotifier) Notify(note domain.Notification) error {
	if n.block != nil {
		<-n.block
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func (n *recordingNotifier) count() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return len(n.notes)
}

// fakeLearner records feedback calls.
type fakeLearner struct {
	mu        sync.Mutex
	feedback  map[string][]bool
	observed  []string
	createErr error
}

func newFakeLearner() *fakeLearner {
	return &fakeLearner{feedback: make(map[string][]bool)}
}

func (l *fakeLearner) RecordFeedback(id string, accepted bool) (domain.Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.feedback[id] = append(l.feedback[id], accepted)
	return domain.Rule{ID: id}, nil
}

func (l *fakeLearner) CreateFromObservation(process string, task domain.TaskTemplate) (domain.Rule, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.createErr != nil {
		return domain.Rule{}, l.createErr
	}
	l.observed = append(l.observed, process)
	return domain.Rule{ID: "learned-" + process, Pattern: process, Task: task, Learned: true}, nil
}

func newTestTracker(t *testing.T) (*Tracker, *memStateFile, *memEntryStore, *fakeClock) {
	t.Helper()
	state := &memStateFile{}
	entries := newMemEntryStore()
	clock := newFakeClock()

	tr := NewTracker(state, entries, zap.NewNop())
	tr.SetClock(clock.Now)
	if err := tr.Load(domain.DaemonMetadata{PID: 1, LifecycleState: domain.LifecycleStarting}); err != nil {
		t.Fatalf("failed to load tracker: %v", err)
	}
	return tr, state, entries, clock
}
