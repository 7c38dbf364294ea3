package job

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultOutputCap bounds the in-memory output buffer per job.
const DefaultOutputCap = 1000

// Store is the in-memory job registry. It is the single source of truth
// for status queries; all mutations flow through the dispatch service
// (single-writer per job), while snapshot reads are safe at any time.
type Store struct {
	mu        sync.RWMutex
	jobs      map[string]*entry
	outputCap int

	// idPrefix namespaces generated ids (e.g. "fb-" for fallback jobs) so
	// two stores can never collide.
	idPrefix string
}

type entry struct {
	job  Job
	ring []string // capped output buffer, oldest first
}

// Option configures a Store.
type Option func(*Store)

// WithOutputCap overrides the per-job output buffer bound.
func WithOutputCap(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.outputCap = n
		}
	}
}

// WithIDPrefix namespaces generated job ids.
func WithIDPrefix(prefix string) Option {
	return func(s *Store) { s.idPrefix = prefix }
}

// NewStore creates an empty registry.
func NewStore(opts ...Option) *Store {
	s := &Store{
		jobs:      make(map[string]*entry),
		outputCap: DefaultOutputCap,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Create registers a new queued job and returns its id.
func (s *Store) Create(req Request, logFile string) string {
	id := s.idPrefix + uuid.NewString()
	now := time.Now().UTC()

	s.mu.Lock()
	s.jobs[id] = &entry{job: Job{
		ID:        id,
		Status:    StatusQueued,
		Request:   req,
		CreatedAt: now,
		LogFile:   logFile,
	}}
	s.mu.Unlock()
	return id
}

// Get returns a consistent snapshot of a job, including a copy of the
// buffered output.
func (s *Store) Get(id string) (Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return e.snapshot(), nil
}

func (e *entry) snapshot() Job {
	j := e.job
	j.Output = make([]string, len(e.ring))
	copy(j.Output, e.ring)
	return j
}

// SetLogFile records the durable transcript path for a job. The path is
// derived from the generated id, so it cannot be known at Create time.
func (s *Store) SetLogFile(id, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	e.job.LogFile = path
	return nil
}

// SetRunning marks a queued job running and stamps started_at.
func (s *Store) SetRunning(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	e.job.Status = StatusRunning
	e.job.StartedAt = &now
	return nil
}

// AppendOutput appends one line to the capped buffer. The caller must have
// already written the line to the durable transcript; buffered lines are
// never the only copy.
func (s *Store) AppendOutput(id, line string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	e.ring = append(e.ring, line)
	if len(e.ring) > s.outputCap {
		e.ring = e.ring[len(e.ring)-s.outputCap:]
	}
	e.job.TotalLines++
	return nil
}

// Complete performs the terminal transition. EndedAt and Result are set
// exactly once; a second terminal transition is rejected.
func (s *Store) Complete(id string, status Status, res Result) error {
	if !status.Terminal() {
		return ErrTerminal
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.jobs[id]
	if !ok {
		return ErrNotFound
	}
	if e.job.Status.Terminal() {
		return ErrTerminal
	}
	now := time.Now().UTC()
	e.job.Status = status
	e.job.EndedAt = &now
	e.job.Result = &res
	return nil
}

// Tail returns up to n of the most recent buffered lines.
func (s *Store) Tail(id string, n int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.jobs[id]
	if !ok {
		return nil, ErrNotFound
	}
	if n <= 0 || n >= len(e.ring) {
		out := make([]string, len(e.ring))
		copy(out, e.ring)
		return out, nil
	}
	out := make([]string, n)
	copy(out, e.ring[len(e.ring)-n:])
	return out, nil
}

// ActiveCount returns the number of non-terminal jobs.
func (s *Store) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var n int
	for _, e := range s.jobs {
		if !e.job.Status.Terminal() {
			n++
		}
	}
	return n
}

// Sweep removes jobs that reached a terminal state before the horizon.
// Returns the number of removed entries. Non-terminal jobs are never
// collected.
func (s *Store) Sweep(horizon time.Duration) int {
	cutoff := time.Now().UTC().Add(-horizon)
	s.mu.Lock()
	defer s.mu.Unlock()
	var removed int
	for id, e := range s.jobs {
		if e.job.Status.Terminal() && e.job.EndedAt != nil && e.job.EndedAt.Before(cutoff) {
			delete(s.jobs, id)
			removed++
		}
	}
	return removed
}

// RunSweeper periodically sweeps terminal jobs until ctx is cancelled.
func (s *Store) RunSweeper(ctx context.Context, interval, horizon time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep(horizon)
		}
	}
}
