// Package domain contains core tracking entities and interfaces.
// This is the innermost layer - no dependencies outside the standard library.
package domain

import (
	"slices"
	"time"
)

// StateVersion is the schema version written into the state document.
const StateVersion = 1

// LifecycleState is the daemon's position in its lifecycle.
type LifecycleState string

const (
	LifecycleStarting LifecycleState = "starting"
	LifecycleRunning  LifecycleState = "running"
	LifecycleStopping LifecycleState = "stopping"
	LifecycleStopped  LifecycleState = "stopped"
)

// TaskTemplate describes what a session should be started as.
type TaskTemplate struct {
	TaskName string   `json:"task_name"`
	Project  string   `json:"project,omitempty"`
	Category string   `json:"category,omitempty"`
	Tags     []string `json:"tags,omitempty"`
}

// Normalized returns a copy with tags de-duplicated in first-seen order.
func (t TaskTemplate) Normalized() TaskTemplate {
	out := t
	out.Tags = dedupeTags(t.Tags)
	return out
}

// TrackingSession is a contiguous interval attributed to one task.
// EndTime is nil while the session is open.
type TrackingSession struct {
	ID                    string     `json:"id"`
	TaskName              string     `json:"task_name"`
	Project               string     `json:"project,omitempty"`
	Category              string     `json:"category,omitempty"`
	Tags                  []string   `json:"tags,omitempty"`
	Notes                 string     `json:"notes,omitempty"`
	StartTime             time.Time  `json:"start_time"`
	EndTime               *time.Time `json:"end_time,omitempty"`
	IdleSeconds           int64      `json:"idle_seconds"`
	UnresolvedIdleSeconds int64      `json:"unresolved_idle_seconds,omitempty"`
	IdleWindows           []string   `json:"idle_windows,omitempty"` // windows already folded in
	AutoTracked           bool       `json:"auto_tracked"`
	SourceRuleID          string     `json:"source_rule_id,omitempty"`
	ActiveProcess         string     `json:"active_process,omitempty"`
}

// IsOpen reports whether the session has not been closed yet.
func (s *TrackingSession) IsOpen() bool {
	return s.EndTime == nil
}

// Duration returns the wall-clock length of the session.
// For an open session it is measured up to now.
func (s *TrackingSession) Duration(now time.Time) time.Duration {
	end := now
	if s.EndTime != nil {
		end = *s.EndTime
	}
	if end.Before(s.StartTime) {
		return 0
	}
	return end.Sub(s.StartTime)
}

// ActiveSeconds is duration minus idle, floored at zero.
func (s *TrackingSession) ActiveSeconds(now time.Time) int64 {
	active := int64(s.Duration(now).Seconds()) - s.IdleSeconds
	if active < 0 {
		return 0
	}
	return active
}

// HasIdleWindow reports whether the idle window was already folded into the session.
func (s *TrackingSession) HasIdleWindow(id string) bool {
	return slices.Contains(s.IdleWindows, id)
}

// Template returns the task description of the session.
func (s *TrackingSession) Template() TaskTemplate {
	return TaskTemplate{
		TaskName: s.TaskName,
		Project:  s.Project,
		Category: s.Category,
		Tags:     slices.Clone(s.Tags),
	}
}

// Clone returns a deep copy.
func (s *TrackingSession) Clone() *TrackingSession {
	if s == nil {
		return nil
	}
	c := *s
	c.Tags = slices.Clone(s.Tags)
	c.IdleWindows = slices.Clone(s.IdleWindows)
	if s.EndTime != nil {
		end := *s.EndTime
		c.EndTime = &end
	}
	return &c
}

// Entry is a finalized session as handed to the entry store.
type Entry struct {
	TrackingSession
	DurationSeconds int64 `json:"duration_seconds"`
	ActiveSeconds   int64 `json:"active_seconds"`
}

// NewEntry finalizes a closed session into an Entry.
func NewEntry(s *TrackingSession) Entry {
	end := s.StartTime
	if s.EndTime != nil {
		end = *s.EndTime
	}
	return Entry{
		TrackingSession: *s.Clone(),
		DurationSeconds: int64(s.Duration(end).Seconds()),
		ActiveSeconds:   s.ActiveSeconds(end),
	}
}

// Rule maps a process-name pattern to a task template.
type Rule struct {
	ID         string       `json:"id"`
	Pattern    string       `json:"pattern"`
	Task       TaskTemplate `json:"task"`
	Enabled    bool         `json:"enabled"`
	Learned    bool         `json:"learned"`
	Confidence float64      `json:"confidence"`
	MatchCount int          `json:"match_count"`
	CreatedAt  time.Time    `json:"created_at"`
}

// Clone returns a deep copy.
func (r *Rule) Clone() *Rule {
	if r == nil {
		return nil
	}
	c := *r
	c.Task.Tags = slices.Clone(r.Task.Tags)
	return &c
}

// DaemonMetadata is the daemon's self-description, persisted with the session.
type DaemonMetadata struct {
	PID                      int            `json:"pid"`
	Version                  string         `json:"version,omitempty"`
	StartedAt                time.Time      `json:"started_at"`
	LifecycleState           LifecycleState `json:"lifecycle_state"`
	LastProcessCheck         *time.Time     `json:"last_process_check,omitempty"`
	LastIdleCheck            *time.Time     `json:"last_idle_check,omitempty"`
	ProcessChecksPerformed   int64          `json:"process_checks_performed"`
	IdleChecksPerformed      int64          `json:"idle_checks_performed"`
	LastDetectedProcess      string         `json:"last_detected_process,omitempty"`
	IsIdle                   bool           `json:"is_idle"`
	IdleSince                *time.Time     `json:"idle_since,omitempty"`
	NotificationsSent        int64          `json:"notifications_sent"`
	ProcessMonitoringEnabled bool           `json:"process_monitoring_enabled"`
	IdleMonitoringEnabled    bool           `json:"idle_monitoring_enabled"`
}

// StateDocument is the persisted tracking state.
// Session is nil when nothing is being tracked.
type StateDocument struct {
	Version int              `json:"version"`
	Daemon  DaemonMetadata   `json:"daemon"`
	Session *TrackingSession `json:"session"`
}

// Clone returns a deep copy.
func (d *StateDocument) Clone() *StateDocument {
	c := *d
	c.Session = d.Session.Clone()
	c.Daemon.LastProcessCheck = cloneTime(d.Daemon.LastProcessCheck)
	c.Daemon.LastIdleCheck = cloneTime(d.Daemon.LastIdleCheck)
	c.Daemon.IdleSince = cloneTime(d.Daemon.IdleSince)
	return &c
}

// IdleWindow is an interval of no user input that crossed the idle threshold.
type IdleWindow struct {
	ID        string     `json:"id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Seconds   int64      `json:"seconds"`
}

// ActiveWindow is what the window source reports as focused.
type ActiveWindow struct {
	Process string `json:"process"`
	Title   string `json:"title,omitempty"`
	PID     int    `json:"pid,omitempty"`
}

// EventKind identifies a monitor or tracker event.
type EventKind string

const (
	EventProcessChanged  EventKind = "process_changed"
	EventSuggestSwitch   EventKind = "suggest_switch"
	EventIdleEntered     EventKind = "idle_entered"
	EventIdleExited      EventKind = "idle_exited"
	EventReminderDue     EventKind = "reminder_due"
	EventSessionStarted  EventKind = "session_started"
	EventSessionStopped  EventKind = "session_stopped"
	EventSessionSwitched EventKind = "session_switched"
)

// Event is published to subscribers and, for suggestions and idle returns,
// may wait for a user decision.
type Event struct {
	ID               string           `json:"id"`
	Kind             EventKind        `json:"kind"`
	Time             time.Time        `json:"time"`
	Process          string           `json:"process,omitempty"`
	PreviousProcess  string           `json:"previous_process,omitempty"`
	Rule             *Rule            `json:"rule,omitempty"`
	IdleWindow       *IdleWindow      `json:"idle_window,omitempty"`
	Session          *TrackingSession `json:"session,omitempty"`
	RequiresDecision bool             `json:"requires_decision,omitempty"`
	ExpiresAt        *time.Time       `json:"expires_at,omitempty"`
}

// Decision is a user's answer to a pending event.
type Decision string

const (
	DecisionAccept   Decision = "accept"
	DecisionReject   Decision = "reject"
	DecisionContinue Decision = "continue"
	DecisionStop     Decision = "stop"
	DecisionDiscard  Decision = "discard"
)

// IdleAction is what happens to an open session when the user returns from idle.
type IdleAction string

const (
	IdleActionPrompt   IdleAction = "prompt"
	IdleActionAutoStop IdleAction = "auto_stop"
	IdleActionContinue IdleAction = "continue"
)

// NotificationCategory gates notifications by user preference.
type NotificationCategory string

const (
	NotifyStatus      NotificationCategory = "status"
	NotifyIdle        NotificationCategory = "idle"
	NotifySuggestions NotificationCategory = "suggestions"
	NotifyReminders   NotificationCategory = "reminders"
)

// Notification is handed to the sink; delivery is fire-and-forget.
type Notification struct {
	Title    string
	Body     string
	Category NotificationCategory
}

func dedupeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, t := range tags {
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}
