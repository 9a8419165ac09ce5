package usecase

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// DefaultMinConfidence is the confidence a rule needs before it may switch
// tasks without asking.
const DefaultMinConfidence = 0.8

// Policy is the router's view of the configuration. Replaced on reload.
type Policy struct {
	AutoSwitch      bool
	MinConfidence   float64
	IdleAction      domain.IdleAction
	DecisionTimeout time.Duration
	Notify          map[domain.NotificationCategory]bool
}

// Publisher pushes events to subscribed clients. Must not block.
type Publisher interface {
	Publish(ev domain.Event)
}

// RuleLearner is the part of the rule engine the router feeds back into.
type RuleLearner interface {
	RecordFeedback(id string, accepted bool) (domain.Rule, error)
	CreateFromObservation(process string, task domain.TaskTemplate) (domain.Rule, error)
}

// Resolution describes what a decision did.
type Resolution struct {
	EventID  string                  `json:"event_id"`
	Decision domain.Decision         `json:"decision"`
	Session  *domain.TrackingSession `json:"session,omitempty"`
	Entry    *domain.Entry           `json:"entry,omitempty"`
	Rule     *domain.Rule            `json:"rule,omitempty"`
}

type pendingDecision struct {
	event domain.Event
	timer *time.Timer
}

// Router turns monitor events into tracker actions, pending decisions,
// pushes and notifications.
type Router struct {
	tracker   *Tracker
	rules     RuleLearner
	publisher Publisher
	notifier  domain.NotificationSink
	logger    *zap.Logger
	now       func() time.Time

	policy atomic.Pointer[Policy]

	mu      sync.Mutex
	pending map[string]*pendingDecision
	closed  bool

	notifyWG sync.WaitGroup
}

// NewRouter creates a router. notifier may be nil.
func NewRouter(
	tracker *Tracker,
	rules RuleLearner,
	publisher Publisher,
	notifier domain.NotificationSink,
	policy Policy,
	logger *zap.Logger,
) *Router {
	r := &Router{
		tracker:   tracker,
		rules:     rules,
		publisher: publisher,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
		pending:   make(map[string]*pendingDecision),
	}
	r.SetPolicy(policy)
	return r
}

// SetPolicy swaps the active policy.
func (r *Router) SetPolicy(p Policy) {
	if p.DecisionTimeout <= 0 {
		p.DecisionTimeout = 2 * time.Minute
	}
	if p.IdleAction == "" {
		p.IdleAction = domain.IdleActionPrompt
	}
	r.policy.Store(&p)
}

// Policy returns the active policy.
func (r *Router) Policy() Policy {
	return *r.policy.Load()
}

// Dispatch handles one event. Tracker writes happen inline; notifications
// are handed off without waiting.
func (r *Router) Dispatch(ev domain.Event) {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	if ev.Time.IsZero() {
		ev.Time = r.now()
	}

	switch ev.Kind {
	case domain.EventSuggestSwitch:
		r.handleSuggestion(ev)
	case domain.EventIdleEntered:
		r.handleIdleEntered(ev)
	case domain.EventIdleExited:
		r.handleIdleExited(ev)
	case domain.EventReminderDue:
		r.publish(ev)
		if s := r.tracker.Current(); s != nil {
			r.notify(domain.Notification{
				Title:    "Still tracking",
				Body:     fmt.Sprintf("%s, %s so far", s.TaskName, s.Duration(r.now()).Round(time.Minute)),
				Category: domain.NotifyReminders,
			})
		}
	default:
		r.publish(ev)
	}
}

func (r *Router) handleSuggestion(ev domain.Event) {
	p := r.Policy()

	if ev.Rule != nil && p.AutoSwitch && ev.Rule.Confidence >= p.MinConfidence {
		if err := r.autoSwitch(ev); err != nil {
			r.logger.Warn("auto switch failed",
				zap.String("rule_id", ev.Rule.ID),
				zap.String("process", ev.Process),
				zap.Error(err))
		}
		r.publish(ev)
		return
	}

	// A newer suggestion makes older ones stale.
	r.dropPending(domain.EventSuggestSwitch)
	ev = r.register(ev, p.DecisionTimeout)
	r.publish(ev)

	body := fmt.Sprintf("Now using %s. Track it?", ev.Process)
	if ev.Rule != nil {
		body = fmt.Sprintf("Now using %s. Switch to %q?", ev.Process, ev.Rule.Task.TaskName)
	}
	r.notify(domain.Notification{Title: "Switch task?", Body: body, Category: domain.NotifySuggestions})
}

func (r *Router) autoSwitch(ev domain.Event) error {
	spec := StartSpec{
		Task:        ev.Rule.Task,
		AutoTracked: true,
		RuleID:      ev.Rule.ID,
		Process:     ev.Process,
	}

	var (
		started *domain.TrackingSession
		err     error
	)
	if r.tracker.Current() == nil {
		started, err = r.tracker.Start(spec)
	} else {
		_, started, err = r.tracker.Switch(spec)
	}
	if err != nil {
		return err
	}

	r.notify(domain.Notification{
		Title:    "Switched task",
		Body:     fmt.Sprintf("Now tracking %s", started.TaskName),
		Category: domain.NotifyStatus,
	})
	return nil
}

func (r *Router) handleIdleEntered(ev domain.Event) {
	var since *time.Time
	if ev.IdleWindow != nil {
		t := ev.IdleWindow.StartedAt
		since = &t
	}
	if err := r.tracker.UpdateMetadata(func(m *domain.DaemonMetadata) {
		m.IsIdle = true
		m.IdleSince = since
	}); err != nil {
		r.logger.Warn("failed to record idle state", zap.Error(err))
	}

	r.publish(ev)
	r.notify(domain.Notification{
		Title:    "You seem to be away",
		Body:     "Idle time is being measured.",
		Category: domain.NotifyIdle,
	})
}

func (r *Router) handleIdleExited(ev domain.Event) {
	if err := r.tracker.UpdateMetadata(func(m *domain.DaemonMetadata) {
		m.IsIdle = false
		m.IdleSince = nil
	}); err != nil {
		r.logger.Warn("failed to record idle state", zap.Error(err))
	}

	if ev.IdleWindow == nil || r.tracker.Current() == nil {
		r.publish(ev)
		return
	}
	window := *ev.IdleWindow

	p := r.Policy()
	switch p.IdleAction {
	case domain.IdleActionContinue:
		if err := r.tracker.AccumulateIdle(window); err != nil {
			r.logger.Warn("failed to apply idle time", zap.Error(err))
		}
		r.publish(ev)

	case domain.IdleActionAutoStop:
		entry, err := r.tracker.StopAt(window.StartedAt, "")
		if err != nil {
			r.logger.Warn("failed to stop session after idle", zap.Error(err))
		}
		r.publish(ev)
		if entry != nil {
			r.notify(domain.Notification{
				Title:    "Tracking stopped",
				Body:     fmt.Sprintf("%s stopped after %s idle", entry.TaskName, time.Duration(window.Seconds)*time.Second),
				Category: domain.NotifyStatus,
			})
		}

	default:
		ev = r.register(ev, p.DecisionTimeout)
		r.publish(ev)
		r.notify(domain.Notification{
			Title:    "Welcome back",
			Body:     fmt.Sprintf("You were away for %s. Keep, stop or discard it?", time.Duration(window.Seconds)*time.Second),
			Category: domain.NotifyIdle,
		})
	}
}

// Resolve applies a user decision to a pending event. Each event can be
// resolved once; later attempts and expired events return ErrEventNotFound.
// task overrides the suggested template when accepting a suggestion.
func (r *Router) Resolve(eventID string, decision domain.Decision, task *domain.TaskTemplate) (*Resolution, error) {
	r.mu.Lock()
	p, ok := r.pending[eventID]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", domain.ErrEventNotFound, eventID)
	}
	if err := validDecision(p.event, decision, task); err != nil {
		r.mu.Unlock()
		return nil, err
	}
	delete(r.pending, eventID)
	p.timer.Stop()
	r.mu.Unlock()

	res := &Resolution{EventID: eventID, Decision: decision}
	var err error

	switch p.event.Kind {
	case domain.EventSuggestSwitch:
		err = r.resolveSuggestion(p.event, decision, task, res)
	case domain.EventIdleExited:
		err = r.resolveIdle(*p.event.IdleWindow, decision, res)
	}
	if err != nil {
		r.logger.Warn("failed to apply decision",
			zap.String("event_id", eventID),
			zap.String("decision", string(decision)),
			zap.Error(err))
		r.restore(p.event)
		return nil, err
	}

	r.logger.Info("decision applied",
		zap.String("event_id", eventID),
		zap.String("kind", string(p.event.Kind)),
		zap.String("decision", string(decision)))
	return res, nil
}

func (r *Router) resolveSuggestion(ev domain.Event, decision domain.Decision, task *domain.TaskTemplate, res *Resolution) error {
	if decision == domain.DecisionReject {
		if ev.Rule != nil {
			rule, err := r.rules.RecordFeedback(ev.Rule.ID, false)
			if err != nil {
				return err
			}
			res.Rule = &rule
		}
		return nil
	}

	spec := StartSpec{AutoTracked: true, Process: ev.Process}
	switch {
	case task != nil:
		spec.Task = *task
	case ev.Rule != nil:
		spec.Task = ev.Rule.Task
	}
	if ev.Rule != nil {
		spec.RuleID = ev.Rule.ID
	}

	if r.tracker.Current() == nil {
		s, err := r.tracker.Start(spec)
		if err != nil {
			return err
		}
		res.Session = s
	} else {
		entry, s, err := r.tracker.Switch(spec)
		if err != nil {
			return err
		}
		res.Entry, res.Session = entry, s
	}

	var (
		rule domain.Rule
		err  error
	)
	if ev.Rule != nil && task == nil {
		rule, err = r.rules.RecordFeedback(ev.Rule.ID, true)
	} else if ev.Process != "" {
		rule, err = r.rules.CreateFromObservation(ev.Process, spec.Task)
	}
	if err != nil {
		// The switch already happened; learning is best effort.
		r.logger.Warn("failed to learn from decision", zap.Error(err))
		return nil
	}
	if rule.ID != "" {
		res.Rule = &rule
	}
	return nil
}

func (r *Router) resolveIdle(window domain.IdleWindow, decision domain.Decision, res *Resolution) error {
	switch decision {
	case domain.DecisionContinue:
		if err := r.tracker.AccumulateIdle(window); err != nil {
			return err
		}
		res.Session = r.tracker.Current()
	case domain.DecisionStop:
		entry, err := r.tracker.StopAt(window.StartedAt, "")
		if err != nil {
			return err
		}
		res.Entry = entry
	case domain.DecisionDiscard:
		entry, s, err := r.tracker.SplitAtIdle(window)
		if err != nil {
			return err
		}
		res.Entry, res.Session = entry, s
	}
	return nil
}

// Pending lists events waiting for a decision, oldest first.
func (r *Router) Pending() []domain.Event {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]domain.Event, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.event)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Time.Before(out[j].Time) })
	return out
}

// Close applies the timeout default to every pending decision and waits
// briefly for in-flight notifications.
func (r *Router) Close(wait time.Duration) {
	r.mu.Lock()
	r.closed = true
	expired := make([]domain.Event, 0, len(r.pending))
	for id, p := range r.pending {
		p.timer.Stop()
		expired = append(expired, p.event)
		delete(r.pending, id)
	}
	r.mu.Unlock()

	for _, ev := range expired {
		r.applyDefault(ev)
	}

	done := make(chan struct{})
	go func() {
		r.notifyWG.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(wait):
		r.logger.Warn("notifications still in flight at shutdown")
	}
}

func (r *Router) register(ev domain.Event, timeout time.Duration) domain.Event {
	expires := r.now().Add(timeout)
	ev.RequiresDecision = true
	ev.ExpiresAt = &expires

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ev
	}
	id := ev.ID
	r.pending[id] = &pendingDecision{
		event: ev,
		timer: time.AfterFunc(timeout, func() { r.expire(id) }),
	}
	return ev
}

// restore puts an event whose decision could not be applied back in the
// pending set until its original deadline. An event past its deadline, or
// one seen during shutdown, gets the timeout default instead.
func (r *Router) restore(ev domain.Event) {
	var remaining time.Duration
	if ev.ExpiresAt != nil {
		remaining = ev.ExpiresAt.Sub(r.now())
	}

	r.mu.Lock()
	if r.closed || remaining <= 0 {
		r.mu.Unlock()
		r.applyDefault(ev)
		return
	}
	id := ev.ID
	r.pending[id] = &pendingDecision{
		event: ev,
		timer: time.AfterFunc(remaining, func() { r.expire(id) }),
	}
	r.mu.Unlock()
}

func (r *Router) expire(id string) {
	r.mu.Lock()
	p, ok := r.pending[id]
	if ok {
		delete(r.pending, id)
	}
	r.mu.Unlock()

	if ok {
		r.logger.Info("decision timed out", zap.String("event_id", id), zap.String("kind", string(p.event.Kind)))
		r.applyDefault(p.event)
	}
}

func (r *Router) dropPending(kind domain.EventKind) {
	r.mu.Lock()
	defer r.mu.Unlock()

	for id, p := range r.pending {
		if p.event.Kind == kind {
			p.timer.Stop()
			delete(r.pending, id)
		}
	}
}

// applyDefault keeps the session running. Idle time nobody decided on is
// recorded as unresolved instead of being counted either way.
func (r *Router) applyDefault(ev domain.Event) {
	if ev.Kind != domain.EventIdleExited || ev.IdleWindow == nil {
		return
	}
	err := r.tracker.MarkIdleUnresolved(*ev.IdleWindow)
	if err != nil && !errors.Is(err, domain.ErrNoActiveSession) {
		r.logger.Warn("failed to record unresolved idle time", zap.Error(err))
	}
}

func (r *Router) publish(ev domain.Event) {
	if r.publisher != nil {
		r.publisher.Publish(ev)
	}
}

func (r *Router) notify(n domain.Notification) {
	if r.notifier == nil || !r.Policy().Notify[n.Category] {
		return
	}
	if err := r.tracker.UpdateMetadata(func(m *domain.DaemonMetadata) {
		m.NotificationsSent++
	}); err != nil {
		r.logger.Debug("failed to count notification", zap.Error(err))
	}

	r.notifyWG.Add(1)
	go func() {
		defer r.notifyWG.Done()
		if err := r.notifier.Notify(n); err != nil {
			r.logger.Debug("notification failed",
				zap.String("category", string(n.Category)),
				zap.Error(err))
		}
	}()
}

func validDecision(ev domain.Event, d domain.Decision, task *domain.TaskTemplate) error {
	switch ev.Kind {
	case domain.EventSuggestSwitch:
		switch d {
		case domain.DecisionReject:
			return nil
		case domain.DecisionAccept:
			if task != nil && task.TaskName == "" {
				return domain.ErrInvalidTask
			}
			if task == nil && ev.Rule == nil {
				return fmt.Errorf("%w: accepting an unmatched process needs a task", domain.ErrInvalidDecision)
			}
			return nil
		}
	case domain.EventIdleExited:
		switch d {
		case domain.DecisionContinue, domain.DecisionStop, domain.DecisionDiscard:
			return nil
		}
	}
	return fmt.Errorf("%w: %q for %s", domain.ErrInvalidDecision, d, ev.Kind)
}
