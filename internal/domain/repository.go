package domain

import (
	"context"
	"time"
)

// IdleSource reports seconds since the last user input.
// Implementations: xprintidle/D-Bus (Linux), ioreg (macOS).
type IdleSource interface {
	// IdleSeconds returns the current idle time. Failures map to ErrProbeUnavailable.
	IdleSeconds(ctx context.Context) (int64, error)

	// Name identifies the backend in logs.
	Name() string
}

// WindowSource reports the focused window and its owning process.
type WindowSource interface {
	// ActiveWindow returns the focused window. Failures map to ErrProbeUnavailable.
	ActiveWindow(ctx context.Context) (ActiveWindow, error)

	// Name identifies the backend in logs.
	Name() string
}

// ProcessManager handles OS process lookups.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// NameOf returns the executable name of a PID.
	NameOf(pid int) (string, error)

	// IsRunning checks if a PID exists and is running.
	IsRunning(pid int) bool

	// GetCurrentPID returns the current process PID.
	GetCurrentPID() int
}

// RuleRepository persists the ordered rule set.
// Implementation: SQLCipher encrypted database.
type RuleRepository interface {
	// LoadRules returns all rules in insertion order.
	LoadRules() ([]Rule, error)

	// SaveRule inserts or updates a rule. New rules are appended to the order.
	SaveRule(rule Rule) error

	// DeleteRule removes a rule by ID.
	DeleteRule(id string) error

	// Close releases the database handle.
	Close() error
}

// StateFile persists the tracking state document.
// Writes must be atomic: a reader sees the old or the new document, never a mix.
type StateFile interface {
	// Load returns the stored document, nil if none exists, or ErrStateCorrupted.
	Load() (*StateDocument, error)

	// Save atomically replaces the stored document.
	Save(doc *StateDocument) error

	// Quarantine moves an unreadable file aside and returns its new path.
	Quarantine() (string, error)

	// Path returns the file location.
	Path() string
}

// EntryStore receives finalized sessions.
// Append is idempotent by session ID.
type EntryStore interface {
	// Append stores an entry, replacing any entry with the same session ID.
	Append(entry Entry) error

	// List returns entries whose start time falls in [since, until).
	List(since, until time.Time) ([]Entry, error)
}

// NotificationSink delivers desktop notifications.
type NotificationSink interface {
	// Notify sends a notification. Callers do not wait on delivery.
	Notify(n Notification) error
}

// RuleKeyStore keeps the key the rules database is encrypted with.
type RuleKeyStore interface {
	Load() ([]byte, error)
	Save(key []byte) error
	Exists() bool
}
