package stream

import (
	"context"
	"sync"
	"time"
)

// Hub indexes emitters by job id.
type Hub struct {
	mu       sync.RWMutex
	emitters map[string]*Emitter
	capacity int
}

// NewHub creates a hub whose emitters retain capacity events for replay.
func NewHub(capacity int) *Hub {
	if capacity <= 0 {
		capacity = 256
	}
	return &Hub{
		emitters: make(map[string]*Emitter),
		capacity: capacity,
	}
}

// Create registers a fresh emitter for a job, replacing any prior one.
// A displaced emitter is closed so its subscriber is not left hanging.
func (h *Hub) Create(jobID string) *Emitter {
	e := NewEmitter(h.capacity)
	h.mu.Lock()
	prior := h.emitters[jobID]
	h.emitters[jobID] = e
	h.mu.Unlock()
	if prior != nil {
		prior.Close()
	}
	return e
}

// Get returns the emitter for a job, or nil.
func (h *Hub) Get(jobID string) *Emitter {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.emitters[jobID]
}

// Remove closes and drops a job's emitter.
func (h *Hub) Remove(jobID string) {
	h.mu.Lock()
	e := h.emitters[jobID]
	delete(h.emitters, jobID)
	h.mu.Unlock()
	if e != nil {
		e.Close()
	}
}

// RunSweeper periodically evicts closed emitters until ctx is cancelled.
func (h *Hub) RunSweeper(ctx context.Context, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.SweepClosed(horizon)
		}
	}
}

// SweepClosed drops emitters closed before the horizon. Open emitters are
// untouched so replay stays available while a job lives in the registry.
func (h *Hub) SweepClosed(horizon time.Duration) int {
	cutoff := time.Now().UTC().Add(-horizon)
	h.mu.Lock()
	defer h.mu.Unlock()
	var removed int
	for id, e := range h.emitters {
		e.mu.Lock()
		expired := e.closed && e.closedAt.Before(cutoff)
		e.mu.Unlock()
		if expired {
			delete(h.emitters, id)
			removed++
		}
	}
	return removed
}
