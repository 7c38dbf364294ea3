// Package fallback runs prompts through an alternate provider when the
// primary CLI's usage quota is exhausted. Fallback jobs live in their own
// "fb-" namespaced store and are poll-only; there is no event stream.
package fallback

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/CantinaDigital/claudetini/internal/job"
	logging "github.com/CantinaDigital/claudetini/internal/log"
	"github.com/CantinaDigital/claudetini/internal/runner"
	"github.com/CantinaDigital/claudetini/internal/transcript"
)

// Stable failure classes reported in job results.
const (
	CodeExecutionFailed = "execution_failed"
	CodeTimeout         = "timeout"
	CodeSpawnFailed     = "spawn_failed"
)

// IDPrefix namespaces fallback job ids so they can never collide with
// primary dispatch ids.
const IDPrefix = "fb-"

// Request asks for one fallback run.
type Request struct {
	Prompt      string `json:"prompt"`
	Provider    string `json:"provider,omitempty"`
	ProjectPath string `json:"project_path,omitempty"`
}

// Service owns the fallback provider pool.
type Service struct {
	jobs        *job.Store
	transcripts *transcript.Store
	preferred   string
	runners     map[string]*runner.Runner
	logger      *slog.Logger

	mu      sync.Mutex
	handles map[string]*runner.Handle
}

// NewService builds a fallback service over the named provider runners.
// preferred is used when a request does not name a provider.
func NewService(jobs *job.Store, transcripts *transcript.Store, runners map[string]*runner.Runner, preferred string) *Service {
	return &Service{
		jobs:        jobs,
		transcripts: transcripts,
		preferred:   preferred,
		runners:     runners,
		logger:      logging.WithComponent("fallback"),
		handles:     make(map[string]*runner.Handle),
	}
}

// Providers lists the configured provider names.
func (s *Service) Providers() []string {
	names := make([]string, 0, len(s.runners))
	for name := range s.runners {
		names = append(names, name)
	}
	return names
}

// Start launches a fallback run and returns its "fb-" prefixed job id.
func (s *Service) Start(req Request) (string, error) {
	if req.Prompt == "" {
		return "", fmt.Errorf("prompt is required")
	}
	provider := req.Provider
	if provider == "" {
		provider = s.preferred
	}
	r, ok := s.runners[provider]
	if !ok {
		return "", fmt.Errorf("unknown fallback provider %q", provider)
	}

	id := s.jobs.Create(job.Request{
		Prompt:      req.Prompt,
		ProjectPath: req.ProjectPath,
	}, "")
	_ = s.jobs.SetLogFile(id, s.transcripts.Path(id))

	w, err := s.transcripts.Open(id)
	if err != nil {
		_ = s.jobs.Complete(id, job.StatusFailed, job.Result{
			Code:  CodeSpawnFailed,
			Error: fmt.Sprintf("open transcript: %v", err),
		})
		return "", fmt.Errorf("open transcript for %s: %w", id, err)
	}

	log := s.logger.With("provider", provider)
	sink := runner.SinkFunc(func(line string) {
		if err := w.Append(line); err != nil {
			log.Warn("transcript append failed", "job_id", id, "error", err)
		}
		_ = s.jobs.AppendOutput(id, line)
	})

	h, err := r.Start(runner.Request{
		JobID:  id,
		Prompt: WrapPrompt(req.Prompt),
		Dir:    req.ProjectPath,
	}, sink)
	if err != nil {
		_ = w.Close()
		_ = s.jobs.Complete(id, job.StatusFailed, job.Result{
			Code:  CodeSpawnFailed,
			Error: fmt.Sprintf("spawn %s: %v", provider, err),
		})
		return id, nil
	}

	s.mu.Lock()
	s.handles[id] = h
	s.mu.Unlock()

	_ = s.jobs.SetRunning(id)
	log.Info("fallback run started", "job_id", id)

	go s.finish(id, provider, h, w)
	return id, nil
}

func (s *Service) finish(id, provider string, h *runner.Handle, w *transcript.Writer) {
	out, _ := h.Wait(0)
	_ = w.Close()

	s.mu.Lock()
	delete(s.handles, id)
	s.mu.Unlock()

	status := job.StatusFailed
	var res job.Result
	switch {
	case out.Cancelled:
		status = job.StatusCancelled
		res = job.Result{Error: "cancelled"}
	case out.Success:
		status = job.StatusSucceeded
		res = job.Result{Success: true}
	case out.TimedOut:
		res = job.Result{Code: CodeTimeout, Error: out.Err, TimedOut: true}
	default:
		res = job.Result{Code: CodeExecutionFailed, Error: out.Err}
	}

	// A cancel may already hold the terminal slot; first transition wins.
	if err := s.jobs.Complete(id, status, res); err != nil {
		if j, gerr := s.jobs.Get(id); gerr == nil && j.Status.Terminal() {
			status = j.Status
			if j.Result != nil {
				res = *j.Result
			}
		} else {
			s.logger.Warn("terminal transition rejected", "job_id", id, "error", err)
		}
	}
	s.logger.Info("fallback run finished",
		"provider", provider, "job_id", id, "status", status, "code", res.Code)
}

// Status returns a snapshot of a fallback job.
func (s *Service) Status(id string) (job.Job, error) {
	return s.jobs.Get(id)
}

// Cancel terminates a running fallback job. The job is marked cancelled
// immediately; teardown proceeds in the background. Terminal jobs are a
// no-op.
func (s *Service) Cancel(id string) error {
	j, err := s.jobs.Get(id)
	if err != nil {
		return err
	}
	if j.Status.Terminal() {
		return nil
	}
	s.mu.Lock()
	h := s.handles[id]
	s.mu.Unlock()
	if h != nil {
		h.Cancel()
	}
	_ = s.jobs.Complete(id, job.StatusCancelled, job.Result{Error: "cancelled"})
	return nil
}
