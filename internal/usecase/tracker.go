// Package usecase contains the tracking state machine and event routing.
package usecase

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// StartSpec describes a session to open.
type StartSpec struct {
	Task        domain.TaskTemplate
	Notes       string
	AutoTracked bool
	RuleID      string
	Process     string
}

// Tracker owns the single authoritative tracking state.
//
// Mutations are serialized by one lock, persisted durably, and only then
// published as a new immutable snapshot. Readers load the snapshot without
// taking the lock and never see a half-applied change.
type Tracker struct {
	mu       sync.Mutex
	snapshot atomic.Pointer[domain.StateDocument]

	state    domain.StateFile
	entries  domain.EntryStore
	logger   *zap.Logger
	now      func() time.Time
	observer func(domain.Event)
}

// NewTracker creates a tracker with an empty, stopped state.
func NewTracker(state domain.StateFile, entries domain.EntryStore, logger *zap.Logger) *Tracker {
	t := &Tracker{
		state:   state,
		entries: entries,
		logger:  logger,
		now:     time.Now,
	}
	t.snapshot.Store(&domain.StateDocument{
		Version: domain.StateVersion,
		Daemon:  domain.DaemonMetadata{LifecycleState: domain.LifecycleStopped},
	})
	return t
}

// SetClock replaces the time source (for tests).
func (t *Tracker) SetClock(now func() time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.now = now
}

// SetObserver registers a callback for session events. It runs while the
// writer lock is held, so it must not block or call back into the tracker.
func (t *Tracker) SetObserver(fn func(domain.Event)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.observer = fn
}

// Load restores persisted state and installs meta as the daemon metadata.
// A corrupted file is quarantined and the daemon starts with no session.
func (t *Tracker) Load(meta domain.DaemonMetadata) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	doc, err := t.state.Load()
	if err != nil {
		if !errors.Is(err, domain.ErrStateCorrupted) {
			return fmt.Errorf("failed to load state: %w", err)
		}
		moved, qerr := t.state.Quarantine()
		t.logger.Error("state file corrupted, starting empty",
			zap.String("path", t.state.Path()),
			zap.String("moved_to", moved),
			zap.Error(err),
			zap.NamedError("quarantine_error", qerr))
		doc = nil
	}

	if doc == nil {
		doc = &domain.StateDocument{}
	}
	doc.Version = domain.StateVersion
	doc.Daemon = meta

	// A closed session should never be persisted; finalize it if one is found.
	if doc.Session != nil && !doc.Session.IsOpen() {
		if err := t.entries.Append(domain.NewEntry(doc.Session)); err != nil {
			return fmt.Errorf("failed to finalize recovered session: %w", err)
		}
		doc.Session = nil
	}

	if err := t.state.Save(doc); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	t.snapshot.Store(doc)

	if doc.Session != nil {
		t.logger.Info("recovered open session",
			zap.String("session_id", doc.Session.ID),
			zap.String("task", doc.Session.TaskName),
			zap.Time("started", doc.Session.StartTime))
	}
	return nil
}

// Snapshot returns a copy of the current state.
func (t *Tracker) Snapshot() *domain.StateDocument {
	return t.snapshot.Load().Clone()
}

// Current returns the open session, or nil.
func (t *Tracker) Current() *domain.TrackingSession {
	return t.snapshot.Load().Session.Clone()
}

// Metadata returns the daemon metadata.
func (t *Tracker) Metadata() domain.DaemonMetadata {
	return t.snapshot.Load().Clone().Daemon
}

// Start opens a new session. Fails with ErrSessionActive if one is open.
func (t *Tracker) Start(spec StartSpec) (*domain.TrackingSession, error) {
	if err := validateSpec(spec); err != nil {
		return nil, err
	}

	var started *domain.TrackingSession
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		if doc.Session != nil {
			return domain.ErrSessionActive
		}
		doc.Session = newSession(spec, now)
		started = doc.Session.Clone()
		return nil
	}, func() []domain.Event {
		return []domain.Event{t.event(domain.EventSessionStarted, started)}
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("session started",
		zap.String("session_id", started.ID),
		zap.String("task", started.TaskName),
		zap.Bool("auto_tracked", started.AutoTracked))
	return started, nil
}

// Stop closes the open session now.
func (t *Tracker) Stop(notes string) (*domain.Entry, error) {
	return t.StopAt(time.Time{}, notes)
}

// StopAt closes the open session at the given time (zero means now). The end
// is clamped to the session start. The finalized entry is written to the
// entry store before the state drops the session.
func (t *Tracker) StopAt(at time.Time, notes string) (*domain.Entry, error) {
	var entry domain.Entry
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		if doc.Session == nil {
			return domain.ErrNoActiveSession
		}
		if at.IsZero() {
			at = now
		}
		e, err := t.finalize(doc.Session, at, notes)
		if err != nil {
			return err
		}
		entry = e
		doc.Session = nil
		return nil
	}, func() []domain.Event {
		return []domain.Event{t.event(domain.EventSessionStopped, &entry.TrackingSession)}
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("session stopped",
		zap.String("session_id", entry.ID),
		zap.String("task", entry.TaskName),
		zap.Int64("duration_seconds", entry.DurationSeconds),
		zap.Int64("idle_seconds", entry.IdleSeconds))
	return &entry, nil
}

// Switch closes the open session and opens a new one in a single durable
// step. Fails with ErrNoActiveSession if nothing is open.
func (t *Tracker) Switch(spec StartSpec) (*domain.Entry, *domain.TrackingSession, error) {
	if err := validateSpec(spec); err != nil {
		return nil, nil, err
	}

	var (
		entry   domain.Entry
		started *domain.TrackingSession
	)
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		if doc.Session == nil {
			return domain.ErrNoActiveSession
		}
		e, err := t.finalize(doc.Session, now, "")
		if err != nil {
			return err
		}
		entry = e
		doc.Session = newSession(spec, now)
		started = doc.Session.Clone()
		return nil
	}, func() []domain.Event {
		ev := t.event(domain.EventSessionSwitched, started)
		return []domain.Event{ev}
	})
	if err != nil {
		return nil, nil, err
	}

	t.logger.Info("session switched",
		zap.String("from", entry.TaskName),
		zap.String("to", started.TaskName),
		zap.Bool("auto_tracked", started.AutoTracked))
	return &entry, started, nil
}

// Discard drops the open session without recording it.
func (t *Tracker) Discard() (*domain.TrackingSession, error) {
	var dropped *domain.TrackingSession
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		if doc.Session == nil {
			return domain.ErrNoActiveSession
		}
		dropped = doc.Session.Clone()
		doc.Session = nil
		return nil
	}, func() []domain.Event {
		return []domain.Event{t.event(domain.EventSessionStopped, dropped)}
	})
	if err != nil {
		return nil, err
	}

	t.logger.Info("session discarded",
		zap.String("session_id", dropped.ID),
		zap.String("task", dropped.TaskName))
	return dropped, nil
}

// SplitAtIdle closes the open session where the idle window began and opens
// the same task again now, so the idle interval belongs to neither.
func (t *Tracker) SplitAtIdle(window domain.IdleWindow) (*domain.Entry, *domain.TrackingSession, error) {
	var (
		entry   domain.Entry
		started *domain.TrackingSession
	)
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		if doc.Session == nil {
			return domain.ErrNoActiveSession
		}
		prev := doc.Session
		e, err := t.finalize(prev, window.StartedAt, "")
		if err != nil {
			return err
		}
		entry = e
		doc.Session = newSession(StartSpec{
			Task:        prev.Template(),
			AutoTracked: prev.AutoTracked,
			RuleID:      prev.SourceRuleID,
			Process:     prev.ActiveProcess,
		}, now)
		started = doc.Session.Clone()
		return nil
	}, func() []domain.Event {
		return []domain.Event{t.event(domain.EventSessionSwitched, started)}
	})
	if err != nil {
		return nil, nil, err
	}

	t.logger.Info("idle time discarded",
		zap.String("task", started.TaskName),
		zap.String("idle_window", window.ID))
	return &entry, started, nil
}

// AccumulateIdle adds the part of a closed idle window that overlaps the open
// session to its idle seconds. Replaying the same window is a no-op.
func (t *Tracker) AccumulateIdle(window domain.IdleWindow) error {
	return t.foldIdle(window, func(s *domain.TrackingSession, secs int64) {
		s.IdleSeconds += secs
	})
}

// MarkIdleUnresolved records an idle window nobody decided on.
func (t *Tracker) MarkIdleUnresolved(window domain.IdleWindow) error {
	return t.foldIdle(window, func(s *domain.TrackingSession, secs int64) {
		s.UnresolvedIdleSeconds += secs
	})
}

func (t *Tracker) foldIdle(window domain.IdleWindow, apply func(s *domain.TrackingSession, secs int64)) error {
	changed := false
	err := t.commit(func(doc *domain.StateDocument, now time.Time) error {
		s := doc.Session
		if s == nil {
			return domain.ErrNoActiveSession
		}
		if s.HasIdleWindow(window.ID) {
			return nil
		}
		apply(s, idleOverlap(s, window, now))
		s.IdleWindows = append(s.IdleWindows, window.ID)
		changed = true
		return nil
	}, nil)
	if err == nil && !changed {
		t.logger.Debug("idle window already applied", zap.String("idle_window", window.ID))
	}
	return err
}

// UpdateMetadata applies fn to the daemon metadata and persists it.
func (t *Tracker) UpdateMetadata(fn func(m *domain.DaemonMetadata)) error {
	return t.commit(func(doc *domain.StateDocument, _ time.Time) error {
		fn(&doc.Daemon)
		return nil
	}, nil)
}

// SetLifecycle records a lifecycle transition.
func (t *Tracker) SetLifecycle(state domain.LifecycleState) error {
	err := t.UpdateMetadata(func(m *domain.DaemonMetadata) {
		m.LifecycleState = state
	})
	if err == nil {
		t.logger.Info("lifecycle transition", zap.String("state", string(state)))
	}
	return err
}

// Flush persists the current state. With finalize set, an open session is
// stopped first so it reaches the entry store.
func (t *Tracker) Flush(finalize bool) error {
	if finalize {
		_, err := t.Stop("")
		if err == nil || errors.Is(err, domain.ErrNoActiveSession) {
			return nil
		}
		return err
	}
	return t.commit(func(*domain.StateDocument, time.Time) error { return nil }, nil)
}

// commit runs mutate on a private copy, writes it, then publishes it.
// Nothing becomes visible if mutate or the write fails.
func (t *Tracker) commit(mutate func(doc *domain.StateDocument, now time.Time) error, events func() []domain.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	next := t.snapshot.Load().Clone()
	if err := mutate(next, t.now()); err != nil {
		return err
	}
	if err := t.state.Save(next); err != nil {
		return fmt.Errorf("failed to persist state: %w", err)
	}
	t.snapshot.Store(next)

	if events != nil && t.observer != nil {
		for _, ev := range events() {
			t.observer(ev)
		}
	}
	return nil
}

// finalize closes s at end and hands the entry to the entry store.
func (t *Tracker) finalize(s *domain.TrackingSession, end time.Time, notes string) (domain.Entry, error) {
	closed := s.Clone()
	if end.Before(closed.StartTime) {
		end = closed.StartTime
	}
	closed.EndTime = &end
	if notes != "" {
		if closed.Notes != "" {
			closed.Notes += "\n"
		}
		closed.Notes += notes
	}

	entry := domain.NewEntry(closed)
	if err := t.entries.Append(entry); err != nil {
		return domain.Entry{}, fmt.Errorf("failed to record entry: %w", err)
	}
	return entry, nil
}

func (t *Tracker) event(kind domain.EventKind, s *domain.TrackingSession) domain.Event {
	return domain.Event{
		ID:      uuid.NewString(),
		Kind:    kind,
		Time:    t.now(),
		Session: s.Clone(),
	}
}

func newSession(spec StartSpec, now time.Time) *domain.TrackingSession {
	task := spec.Task.Normalized()
	return &domain.TrackingSession{
		ID:            uuid.NewString(),
		TaskName:      strings.TrimSpace(task.TaskName),
		Project:       task.Project,
		Category:      task.Category,
		Tags:          task.Tags,
		Notes:         spec.Notes,
		StartTime:     now,
		AutoTracked:   spec.AutoTracked,
		SourceRuleID:  spec.RuleID,
		ActiveProcess: spec.Process,
	}
}

func validateSpec(spec StartSpec) error {
	if strings.TrimSpace(spec.Task.TaskName) == "" {
		return domain.ErrInvalidTask
	}
	return nil
}

// idleOverlap returns how many seconds of window fall inside the session.
func idleOverlap(s *domain.TrackingSession, w domain.IdleWindow, now time.Time) int64 {
	start := w.StartedAt
	if start.Before(s.StartTime) {
		start = s.StartTime
	}
	end := now
	if w.EndedAt != nil {
		end = *w.EndedAt
	}
	if !end.After(start) {
		return 0
	}
	secs := int64(end.Sub(start).Seconds())
	if w.Seconds > 0 && secs > w.Seconds {
		secs = w.Seconds
	}
	return secs
}
