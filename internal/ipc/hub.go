package ipc

import (
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/eliteGoblin/focusd/trackd/internal/domain"
)

// subscriber is a connection that asked for pushed events.
type subscriber interface {
	// push queues msg without blocking and reports whether it fit.
	push(msg []byte) bool
	close()
}

// Hub fans events out to subscribers. Each subscriber has its own bounded
// queue; one that cannot keep up is disconnected instead of slowing the
// publisher or the other subscribers.
type Hub struct {
	mu     sync.RWMutex
	subs   map[subscriber]struct{}
	logger *zap.Logger
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		subs:   make(map[subscriber]struct{}),
		logger: logger,
	}
}

// Publish sends ev to every subscriber. It never blocks.
func (h *Hub) Publish(ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("failed to encode event", zap.String("kind", string(ev.Kind)), zap.Error(err))
		return
	}
	msg, err := encodeLine(Push{Event: ev.Kind, Data: data})
	if err != nil {
		h.logger.Error("failed to encode push", zap.Error(err))
		return
	}

	var slow []subscriber
	h.mu.RLock()
	for s := range h.subs {
		if !s.push(msg) {
			slow = append(slow, s)
		}
	}
	h.mu.RUnlock()

	for _, s := range slow {
		h.remove(s)
		s.close()
		h.logger.Warn("dropped slow subscriber", zap.String("event", string(ev.Kind)))
	}
}

// Count returns the number of subscribers.
func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) add(s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.subs[s] = struct{}{}
}

func (h *Hub) remove(s subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.subs, s)
}
