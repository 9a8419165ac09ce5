package ipc

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
	"github.com/eliteGoblin/focusd/trackd/internal/usecase"
)

// SessionService is the tracker as seen by the control channel.
type SessionService interface {
	Snapshot() *domain.StateDocument
	Current() *domain.TrackingSession
	Start(spec usecase.StartSpec) (*domain.TrackingSession, error)
	Stop(notes string) (*domain.Entry, error)
	Switch(spec usecase.StartSpec) (*domain.Entry, *domain.TrackingSession, error)
	Discard() (*domain.TrackingSession, error)
}

// RuleService is the rule engine as seen by the control channel.
type RuleService interface {
	List() []domain.Rule
	Add(pattern string, task domain.TaskTemplate) (domain.Rule, error)
	Remove(id string) error
	SetEnabled(id string, enabled bool) (domain.Rule, error)
	ResetConfidence(id string) (domain.Rule, error)
}

// DecisionService resolves pending events.
type DecisionService interface {
	Pending() []domain.Event
	Resolve(eventID string, decision domain.Decision, task *domain.TaskTemplate) (*usecase.Resolution, error)
}

// Controller is implemented by the supervisor.
type Controller interface {
	Reload() error
	// RequestShutdown starts a drain and returns without waiting for it.
	RequestShutdown()
}

// Services are the collaborators the command table calls into.
type Services struct {
	Sessions  SessionService
	Rules     RuleService
	Decisions DecisionService
	Control   Controller
	Version   string
	Now       func() time.Time
}

// StatusResult answers status.
type StatusResult struct {
	State         domain.LifecycleState   `json:"state"`
	PID           int                     `json:"pid"`
	Version       string                  `json:"version"`
	StartedAt     time.Time               `json:"started_at"`
	UptimeSeconds int64                   `json:"uptime_seconds"`
	Daemon        domain.DaemonMetadata   `json:"daemon"`
	Session       *domain.TrackingSession `json:"session"`
	PendingEvents int                     `json:"pending_events"`
}

// SessionResult answers start, switch, current and discard.
type SessionResult struct {
	Session *domain.TrackingSession `json:"session"`
	Entry   *domain.Entry           `json:"entry,omitempty"`
}

// TaskParams describes a task to start or switch to.
type TaskParams struct {
	domain.TaskTemplate
	Notes string `json:"notes,omitempty"`
}

// StopParams are the stop parameters.
type StopParams struct {
	Notes string `json:"notes,omitempty"`
}

// RuleParams are the addRule parameters.
type RuleParams struct {
	Pattern string `json:"pattern"`
	domain.TaskTemplate
}

// RuleIDParams identify a rule.
type RuleIDParams struct {
	ID      string `json:"id"`
	Enabled *bool  `json:"enabled,omitempty"`
}

// ResolveParams are the resolveEvent parameters.
type ResolveParams struct {
	EventID  string               `json:"event_id"`
	Decision domain.Decision      `json:"decision"`
	Task     *domain.TaskTemplate `json:"task,omitempty"`
}

// RegisterHandlers fills m with the daemon's command table.
func RegisterHandlers(m *Mux, svc Services) {
	if svc.Now == nil {
		svc.Now = time.Now
	}
	h := &handlers{svc: svc}

	m.Handle("ping", h.ping)
	m.Handle("status", h.status)
	m.Handle("current", h.current)
	m.Handle("start", h.start)
	m.Handle("stop", h.stop)
	m.Handle("switch", h.switchTask)
	m.Handle("discard", h.discard)
	m.Handle("listRules", h.listRules)
	m.Handle("addRule", h.addRule)
	m.Handle("removeRule", h.removeRule)
	m.Handle("resetRule", h.resetRule)
	m.Handle("enableRule", h.enableRule)
	m.Handle("pendingEvents", h.pendingEvents)
	m.Handle("resolveEvent", h.resolveEvent)
	m.Handle("reload", h.reload)
	m.Handle("shutdown", h.shutdown)
}

type handlers struct {
	svc Services
}

func (h *handlers) ping(context.Context, json.RawMessage) (any, error) {
	return map[string]string{"pong": h.svc.Version}, nil
}

func (h *handlers) status(context.Context, json.RawMessage) (any, error) {
	doc := h.svc.Sessions.Snapshot()
	res := StatusResult{
		State:         doc.Daemon.LifecycleState,
		PID:           doc.Daemon.PID,
		Version:       h.svc.Version,
		StartedAt:     doc.Daemon.StartedAt,
		UptimeSeconds: int64(h.svc.Now().Sub(doc.Daemon.StartedAt) / time.Second),
		Daemon:        doc.Daemon,
		Session:       doc.Session,
	}
	if h.svc.Decisions != nil {
		res.PendingEvents = len(h.svc.Decisions.Pending())
	}
	return res, nil
}

func (h *handlers) current(context.Context, json.RawMessage) (any, error) {
	return SessionResult{Session: h.svc.Sessions.Current()}, nil
}

func (h *handlers) start(_ context.Context, raw json.RawMessage) (any, error) {
	var p TaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	s, err := h.svc.Sessions.Start(usecase.StartSpec{Task: p.TaskTemplate, Notes: p.Notes})
	if err != nil {
		return nil, err
	}
	return SessionResult{Session: s}, nil
}

func (h *handlers) stop(_ context.Context, raw json.RawMessage) (any, error) {
	var p StopParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	entry, err := h.svc.Sessions.Stop(p.Notes)
	if err != nil {
		return nil, err
	}
	return SessionResult{Entry: entry}, nil
}

func (h *handlers) switchTask(_ context.Context, raw json.RawMessage) (any, error) {
	var p TaskParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	entry, s, err := h.svc.Sessions.Switch(usecase.StartSpec{Task: p.TaskTemplate, Notes: p.Notes})
	if err != nil {
		return nil, err
	}
	return SessionResult{Session: s, Entry: entry}, nil
}

func (h *handlers) discard(context.Context, json.RawMessage) (any, error) {
	s, err := h.svc.Sessions.Discard()
	if err != nil {
		return nil, err
	}
	return map[string]*domain.TrackingSession{"discarded": s}, nil
}

func (h *handlers) listRules(context.Context, json.RawMessage) (any, error) {
	return map[string][]domain.Rule{"rules": h.svc.Rules.List()}, nil
}

func (h *handlers) addRule(_ context.Context, raw json.RawMessage) (any, error) {
	var p RuleParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	rule, err := h.svc.Rules.Add(p.Pattern, p.TaskTemplate)
	if err != nil {
		return nil, err
	}
	return rule, nil
}

func (h *handlers) removeRule(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := ruleID(raw)
	if err != nil {
		return nil, err
	}
	if err := h.svc.Rules.Remove(p.ID); err != nil {
		return nil, err
	}
	return map[string]string{"removed": p.ID}, nil
}

func (h *handlers) resetRule(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := ruleID(raw)
	if err != nil {
		return nil, err
	}
	return h.svc.Rules.ResetConfidence(p.ID)
}

func (h *handlers) enableRule(_ context.Context, raw json.RawMessage) (any, error) {
	p, err := ruleID(raw)
	if err != nil {
		return nil, err
	}
	enabled := true
	if p.Enabled != nil {
		enabled = *p.Enabled
	}
	return h.svc.Rules.SetEnabled(p.ID, enabled)
}

func (h *handlers) pendingEvents(context.Context, json.RawMessage) (any, error) {
	return map[string][]domain.Event{"events": h.svc.Decisions.Pending()}, nil
}

func (h *handlers) resolveEvent(_ context.Context, raw json.RawMessage) (any, error) {
	var p ResolveParams
	if err := decodeParams(raw, &p); err != nil {
		return nil, err
	}
	if p.EventID == "" || p.Decision == "" {
		return nil, fmt.Errorf("%w: event_id and decision are required", errInvalidParams)
	}
	return h.svc.Decisions.Resolve(p.EventID, p.Decision, p.Task)
}

func (h *handlers) reload(context.Context, json.RawMessage) (any, error) {
	if err := h.svc.Control.Reload(); err != nil {
		return nil, err
	}
	return map[string]bool{"reloaded": true}, nil
}

func (h *handlers) shutdown(context.Context, json.RawMessage) (any, error) {
	h.svc.Control.RequestShutdown()
	return map[string]bool{"stopping": true}, nil
}

func ruleID(raw json.RawMessage) (RuleIDParams, error) {
	var p RuleIDParams
	if err := decodeParams(raw, &p); err != nil {
		return p, err
	}
	if p.ID == "" {
		return p, fmt.Errorf("%w: id is required", errInvalidParams)
	}
	return p, nil
}
