// Package fixtures provides scriptable probes for daemon and integration tests.
package fixtures

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// FakeIdleSource reports whatever idle time the test sets.
type FakeIdleSource struct {
	mu      sync.Mutex
	seconds int64
	err     error
	calls   int
}

// NewFakeIdleSource creates an idle source reporting an active user.
func NewFakeIdleSource() *FakeIdleSource {
	return &FakeIdleSource{}
}

// Set changes the reported idle seconds and clears any error.
func (f *FakeIdleSource) Set(seconds int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seconds = seconds
	f.err = nil
}

// Fail makes the next probes return err.
func (f *FakeIdleSource) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times the source was probed.
func (f *FakeIdleSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeIdleSource) IdleSeconds(ctx context.Context) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	return f.seconds, f.err
}

func (f *FakeIdleSource) Name() string { return "fake" }

// FakeWindowSource reports whatever foreground process the test sets.
type FakeWindowSource struct {
	mu     sync.Mutex
	window domain.ActiveWindow
	err    error
	calls  int
}

// NewFakeWindowSource creates a window source reporting nothing focused.
func NewFakeWindowSource() *FakeWindowSource {
	return &FakeWindowSource{}
}

// Focus makes process the reported foreground process.
func (f *FakeWindowSource) Focus(process string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.window = domain.ActiveWindow{Process: process}
	f.err = nil
}

// Fail makes the next probes return err.
func (f *FakeWindowSource) Fail(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

// Calls returns how many times the source was probed.
func (f *FakeWindowSource) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func (f *FakeWindowSource) ActiveWindow(ctx context.Context) (domain.ActiveWindow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if err := ctx.Err(); err != nil {
		return domain.ActiveWindow{}, err
	}
	if f.err != nil {
		return domain.ActiveWindow{}, f.err
	}
	return f.window, nil
}

func (f *FakeWindowSource) Name() string { return "fake" }

// BlockingWindowSource never answers until its context ends.
type BlockingWindowSource struct{}

func (BlockingWindowSource) ActiveWindow(ctx context.Context) (domain.ActiveWindow, error) {
	<-ctx.Done()
	return domain.ActiveWindow{}, ctx.Err()
}

func (BlockingWindowSource) Name() string { return "blocking" }

// StuckWindowSource ignores its context and answers only after Release.
type StuckWindowSource struct {
	calls   atomic.Int32
	release chan struct{}
	once    sync.Once
}

func NewStuckWindowSource() *StuckWindowSource {
	return &StuckWindowSource{release: make(chan struct{})}
}

// Release lets every pending and future call return.
func (s *StuckWindowSource) Release() {
	s.once.Do(func() { close(s.release) })
}

// Calls returns how many calls have been started.
func (s *StuckWindowSource) Calls() int {
	return int(s.calls.Load())
}

func (s *StuckWindowSource) ActiveWindow(context.Context) (domain.ActiveWindow, error) {
	s.calls.Add(1)
	<-s.release
	return domain.ActiveWindow{Process: "late"}, nil
}

func (s *StuckWindowSource) Name() string { return "stuck" }
