// Package rules maps observed process names to task templates.
// Rules are evaluated in insertion order and the first enabled match wins.
package rules

import (
	"fmt"
	"regexp"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

const (
	// ManualConfidence is assigned to rules the user adds directly.
	ManualConfidence = 1.0

	// LearnedConfidence is the starting confidence of a rule created from an observation.
	LearnedConfidence = 0.5

	// DisableThreshold: a rule whose confidence drops below this is disabled.
	DisableThreshold = 0.2

	acceptRate   = 0.25
	rejectFactor = 0.6
)

// AdjustConfidence applies one feedback step.
// Accepting moves a quarter of the remaining distance towards 1; rejecting scales by 0.6.
func AdjustConfidence(c float64, accepted bool) float64 {
	if accepted {
		c += (1 - c) * acceptRate
	} else {
		c *= rejectFactor
	}
	switch {
	case c < 0:
		return 0
	case c > 1:
		return 1
	}
	return c
}

// Compile validates a rule pattern. Matching is case-insensitive search.
func Compile(pattern string) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, fmt.Errorf("%w: empty pattern", domain.ErrInvalidRule)
	}
	re, err := regexp.Compile("(?i)" + pattern)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidRule, err)
	}
	return re, nil
}

type compiledRule struct {
	rule domain.Rule
	re   *regexp.Regexp
}

// Engine holds the ordered rule set.
// Every mutation is written to the repository before it becomes visible to Match.
type Engine struct {
	mu     sync.RWMutex
	rules  []compiledRule
	repo   domain.RuleRepository
	logger *zap.Logger
	now    func() time.Time
}

// NewEngine creates an empty engine backed by repo. Call Load to read stored rules.
func NewEngine(repo domain.RuleRepository, logger *zap.Logger) *Engine {
	return &Engine{
		repo:   repo,
		logger: logger,
		now:    time.Now,
	}
}

// Load replaces the in-memory rule set with the stored one.
// Stored rules whose pattern no longer compiles are skipped.
func (e *Engine) Load() error {
	stored, err := e.repo.LoadRules()
	if err != nil {
		return fmt.Errorf("failed to load rules: %w", err)
	}

	loaded := make([]compiledRule, 0, len(stored))
	for _, r := range stored {
		re, err := Compile(r.Pattern)
		if err != nil {
			e.logger.Warn("skipping stored rule with invalid pattern",
				zap.String("rule_id", r.ID),
				zap.String("pattern", r.Pattern),
				zap.Error(err))
			continue
		}
		loaded = append(loaded, compiledRule{rule: r, re: re})
	}

	e.mu.Lock()
	e.rules = loaded
	e.mu.Unlock()

	e.logger.Info("rules loaded", zap.Int("count", len(loaded)))
	return nil
}

// Match returns the first enabled rule whose pattern matches process.
func (e *Engine) Match(process string) (domain.Rule, bool) {
	if process == "" {
		return domain.Rule{}, false
	}

	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.rules {
		if cr.rule.Enabled && cr.re.MatchString(process) {
			return *cr.rule.Clone(), true
		}
	}
	return domain.Rule{}, false
}

// RecordMatch increments the rule's match counter.
func (e *Engine) RecordMatch(id string) error {
	_, err := e.update(id, func(r *domain.Rule) {
		r.MatchCount++
	})
	return err
}

// RecordFeedback adjusts confidence from a user's answer to a suggestion.
// An accepted suggestion marks the rule as learned.
func (e *Engine) RecordFeedback(id string, accepted bool) (domain.Rule, error) {
	rule, err := e.update(id, func(r *domain.Rule) {
		r.Confidence = AdjustConfidence(r.Confidence, accepted)
		if accepted {
			r.Learned = true
		}
		if r.Confidence < DisableThreshold {
			r.Enabled = false
		}
	})
	if err != nil {
		return domain.Rule{}, err
	}

	e.logger.Debug("rule feedback recorded",
		zap.String("rule_id", id),
		zap.Bool("accepted", accepted),
		zap.Float64("confidence", rule.Confidence),
		zap.Bool("enabled", rule.Enabled))
	return rule, nil
}

// CreateFromObservation learns a rule mapping the literal process name to task.
// An existing learned rule for the same process is re-pointed at task and
// reinforced instead of creating a duplicate.
func (e *Engine) CreateFromObservation(process string, task domain.TaskTemplate) (domain.Rule, error) {
	if strings.TrimSpace(process) == "" {
		return domain.Rule{}, fmt.Errorf("%w: empty process name", domain.ErrInvalidRule)
	}
	if strings.TrimSpace(task.TaskName) == "" {
		return domain.Rule{}, fmt.Errorf("%w: task name required", domain.ErrInvalidRule)
	}
	pattern := regexp.QuoteMeta(process)

	if id, ok := e.findLearned(pattern); ok {
		return e.update(id, func(r *domain.Rule) {
			r.Task = task.Normalized()
			r.Confidence = AdjustConfidence(r.Confidence, true)
			r.Enabled = true
		})
	}

	rule := domain.Rule{
		Pattern:    pattern,
		Task:       task,
		Enabled:    true,
		Learned:    true,
		Confidence: LearnedConfidence,
	}
	return e.insert(rule)
}

// Add appends a manual rule with full confidence.
func (e *Engine) Add(pattern string, task domain.TaskTemplate) (domain.Rule, error) {
	return e.insert(domain.Rule{
		Pattern:    pattern,
		Task:       task,
		Enabled:    true,
		Confidence: ManualConfidence,
	})
}

// Remove deletes a rule.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexOf(id)
	if idx < 0 {
		return fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	if err := e.repo.DeleteRule(id); err != nil {
		return fmt.Errorf("failed to delete rule: %w", err)
	}
	e.rules = append(e.rules[:idx:idx], e.rules[idx+1:]...)
	return nil
}

// SetEnabled toggles a rule.
func (e *Engine) SetEnabled(id string, enabled bool) (domain.Rule, error) {
	return e.update(id, func(r *domain.Rule) {
		r.Enabled = enabled
	})
}

// ResetConfidence restores a rule's starting confidence and re-enables it.
func (e *Engine) ResetConfidence(id string) (domain.Rule, error) {
	return e.update(id, func(r *domain.Rule) {
		if r.Learned {
			r.Confidence = LearnedConfidence
		} else {
			r.Confidence = ManualConfidence
		}
		r.Enabled = true
	})
}

// Get returns a rule by ID.
func (e *Engine) Get(id string) (domain.Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	idx := e.indexOf(id)
	if idx < 0 {
		return domain.Rule{}, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}
	return *e.rules[idx].rule.Clone(), nil
}

// List returns all rules in evaluation order.
func (e *Engine) List() []domain.Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()

	out := make([]domain.Rule, len(e.rules))
	for i, cr := range e.rules {
		out[i] = *cr.rule.Clone()
	}
	return out
}

func (e *Engine) insert(rule domain.Rule) (domain.Rule, error) {
	re, err := Compile(rule.Pattern)
	if err != nil {
		return domain.Rule{}, err
	}
	if strings.TrimSpace(rule.Task.TaskName) == "" {
		return domain.Rule{}, fmt.Errorf("%w: task name required", domain.ErrInvalidRule)
	}
	rule.ID = uuid.NewString()
	rule.Task = rule.Task.Normalized()
	rule.CreatedAt = e.now().UTC()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := e.repo.SaveRule(rule); err != nil {
		return domain.Rule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	e.rules = append(e.rules, compiledRule{rule: rule, re: re})

	e.logger.Info("rule added",
		zap.String("rule_id", rule.ID),
		zap.String("pattern", rule.Pattern),
		zap.String("task", rule.Task.TaskName),
		zap.Bool("learned", rule.Learned))
	return *rule.Clone(), nil
}

// update applies fn to a copy, persists it, then publishes it.
func (e *Engine) update(id string, fn func(r *domain.Rule)) (domain.Rule, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	idx := e.indexOf(id)
	if idx < 0 {
		return domain.Rule{}, fmt.Errorf("%w: %s", domain.ErrRuleNotFound, id)
	}

	next := e.rules[idx].rule.Clone()
	fn(next)
	if err := e.repo.SaveRule(*next); err != nil {
		return domain.Rule{}, fmt.Errorf("failed to save rule: %w", err)
	}
	e.rules[idx].rule = *next
	return *next.Clone(), nil
}

func (e *Engine) findLearned(pattern string) (string, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()

	for _, cr := range e.rules {
		if cr.rule.Learned && cr.rule.Pattern == pattern {
			return cr.rule.ID, true
		}
	}
	return "", false
}

// indexOf must be called with mu held.
func (e *Engine) indexOf(id string) int {
	for i, cr := range e.rules {
		if cr.rule.ID == id {
			return i
		}
	}
	return -1
}
