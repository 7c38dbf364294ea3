// Package dispatch runs coding-assistant jobs end to end: it registers
// the job, spawns the CLI subprocess, fans output into the durable
// transcript, the capped in-memory buffer, and the event stream, and
// performs the single terminal transition when the run ends.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/CantinaDigital/claudetini/internal/job"
	logging "github.com/CantinaDigital/claudetini/internal/log"
	"github.com/CantinaDigital/claudetini/internal/runner"
	"github.com/CantinaDigital/claudetini/internal/stream"
	"github.com/CantinaDigital/claudetini/internal/transcript"
)

// RoadmapMarker is the side-effect hook fired after a successful run that
// was linked to a roadmap item. Failures are logged, never propagated.
type RoadmapMarker interface {
	MarkDone(ctx context.Context, project, itemText string) error
}

// Service owns the dispatch lifecycle for one job store.
type Service struct {
	jobs        *job.Store
	streams     *stream.Hub
	transcripts *transcript.Store
	runner      *runner.Runner
	roadmap     RoadmapMarker // optional

	// modeFlags expands a dispatch mode name into CLI flags.
	modeFlags func(mode string) []string

	logger *slog.Logger

	mu      sync.Mutex
	handles map[string]*runner.Handle
}

// NewService wires the dispatch collaborators. roadmap may be nil when no
// roadmap store is configured; modeFlags may be nil when modes are not used.
func NewService(jobs *job.Store, streams *stream.Hub, transcripts *transcript.Store, r *runner.Runner, roadmap RoadmapMarker, modeFlags func(string) []string) *Service {
	return &Service{
		jobs:        jobs,
		streams:     streams,
		transcripts: transcripts,
		runner:      r,
		roadmap:     roadmap,
		modeFlags:   modeFlags,
		logger:      logging.WithComponent("dispatch"),
	}
}

// Start registers and launches a job, returning its id immediately. The
// run itself proceeds on a background goroutine.
func (s *Service) Start(req job.Request) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	if req.Mode != "" && s.modeFlags != nil {
		req.Flags = append(s.modeFlags(req.Mode), req.Flags...)
	}

	id := s.jobs.Create(req, "")
	_ = s.jobs.SetLogFile(id, s.transcripts.Path(id))

	w, err := s.transcripts.Open(id)
	if err != nil {
		s.jobs.Complete(id, job.StatusFailed, job.Result{Error: fmt.Sprintf("open transcript: %v", err)})
		return "", fmt.Errorf("open transcript for %s: %w", id, err)
	}

	em := s.streams.Create(id)
	log := s.logger.With("job_id", id)

	sink := runner.SinkFunc(func(line string) {
		if err := w.Append(line); err != nil {
			log.Warn("transcript append failed", "error", err)
		}
		_ = s.jobs.AppendOutput(id, line)
		em.Publish(stream.EventOutput, map[string]string{"line": line})
	})

	h, err := s.runner.Start(runner.Request{
		JobID:  id,
		Prompt: req.Prompt,
		Flags:  req.Flags,
		Dir:    req.ProjectPath,
	}, sink)
	if err != nil {
		_ = w.Close()
		res := job.Result{Error: fmt.Sprintf("spawn: %v", err)}
		_ = s.jobs.Complete(id, job.StatusFailed, res)
		em.Publish(stream.EventError, map[string]string{"error": res.Error})
		em.Publish(stream.EventComplete, res)
		em.Close()
		return id, nil
	}

	s.mu.Lock()
	if s.handles == nil {
		s.handles = make(map[string]*runner.Handle)
	}
	s.handles[id] = h
	s.mu.Unlock()

	_ = s.jobs.SetRunning(id)
	em.Publish(stream.EventStart, map[string]string{"job_id": id})
	em.Publish(stream.EventStatus, map[string]string{"status": string(job.StatusRunning)})
	log.Info("job started", "mode", req.Mode, "flags", req.Flags)

	go s.finish(id, h, w, em)
	return id, nil
}

// finish waits for the subprocess, classifies the outcome, and performs
// the exactly-once terminal transition.
func (s *Service) finish(id string, h *runner.Handle, w *transcript.Writer, em *stream.Emitter) {
	out, _ := h.Wait(0)
	_ = w.Close()

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()

	status, res := classifyOutcome(id, out, s.jobs)
	log := s.logger.With("job_id", id)
	// A cancel may have performed the terminal transition already; the
	// first transition wins and the rest is reporting.
	if err := s.jobs.Complete(id, status, res); err != nil {
		if j, gerr := s.jobs.Get(id); gerr == nil && j.Status.Terminal() {
			status = j.Status
			if j.Result != nil {
				res = *j.Result
			}
		} else {
			log.Warn("terminal transition rejected", "status", status, "error", err)
		}
	}

	if res.Error != "" {
		em.Publish(stream.EventError, map[string]string{"error": res.Error})
	}
	em.Publish(stream.EventComplete, res)
	em.Close()
	log.Info("job finished", "status", status, "token_limit", res.TokenLimitReached, "timed_out", res.TimedOut)

	if status == job.StatusSucceeded && s.roadmap != nil {
		if j, err := s.jobs.Get(id); err == nil && j.Request.RoadmapItem != "" {
			go s.markRoadmap(j.Request.ProjectPath, j.Request.RoadmapItem)
		}
	}
}

// classifyOutcome maps a runner outcome to a job status and result. A
// usage-limit marker anywhere in the error text, stderr, or the tail of
// the buffered output flips TokenLimitReached.
func classifyOutcome(id string, out runner.Outcome, jobs *job.Store) (job.Status, job.Result) {
	switch {
	case out.Cancelled:
		return job.StatusCancelled, job.Result{Error: "cancelled"}
	case out.Success:
		return job.StatusSucceeded, job.Result{Success: true}
	}

	res := job.Result{
		Error:    out.Err,
		TimedOut: out.TimedOut,
	}
	if IsUsageLimit(out.Err) || IsUsageLimit(out.Stderr) {
		res.TokenLimitReached = true
	} else if tail, err := jobs.Tail(id, 20); err == nil {
		for _, line := range tail {
			if IsUsageLimit(line) {
				res.TokenLimitReached = true
				break
			}
		}
	}
	return job.StatusFailed, res
}

func (s *Service) markRoadmap(project, itemText string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.roadmap.MarkDone(ctx, project, itemText); err != nil {
		s.logger.Warn("roadmap auto-mark failed", "project", project, "item", itemText, "error", err)
	}
}

// Active returns the number of non-terminal jobs.
func (s *Service) Active() int {
	return s.jobs.ActiveCount()
}

// Status returns a snapshot of the job.
func (s *Service) Status(id string) (job.Job, error) {
	return s.jobs.Get(id)
}

// Cancel requests termination of a running job. The job is marked
// cancelled immediately, before the subprocess has torn down; the signal
// escalation runs in the background. Cancelling a job that already ended
// is a no-op success; unknown ids return job.ErrNotFound.
func (s *Service) Cancel(id string) (job.Status, error) {
	j, err := s.jobs.Get(id)
	if err != nil {
		return "", err
	}
	if j.Status.Terminal() {
		return j.Status, nil
	}

	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	_ = s.jobs.Complete(id, job.StatusCancelled, job.Result{Error: "cancelled"})
	return job.StatusCancelled, nil
}

// Stream returns the event emitter for a job, or nil when the job has no
// live or replayable stream.
func (s *Service) Stream(id string) *stream.Emitter {
	return s.streams.Get(id)
}

// Transcript returns the durable output lines for a job id along with
// whether a transcript exists at all.
func (s *Service) Transcript(id string) (bool, []string, error) {
	return s.transcripts.ReadOutput(id)
}
