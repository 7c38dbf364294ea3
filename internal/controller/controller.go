// Package controller is the client half of the dispatch protocol. It
// drives one dispatch at a time through an explicit state machine:
// streaming first, polling fallback on the same job id when the stream
// breaks, terminal outcome classification, idempotent cancel, verbatim
// retry, and rerouting to a fallback provider on usage-limit exhaustion.
package controller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/CantinaDigital/claudetini/internal/dispatch"
	"github.com/CantinaDigital/claudetini/internal/job"
	logging "github.com/CantinaDigital/claudetini/internal/log"
	"github.com/CantinaDigital/claudetini/internal/milestone"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

// Polling defaults: one-second interval bounded to 45 minutes.
const (
	DefaultPollInterval      = time.Second
	DefaultPollMaxIterations = 2700
)

// ErrBusy is returned when a dispatch is already in flight on this
// controller instance. Single-flight is per instance, not server-wide.
var ErrBusy = errors.New("a dispatch is already in progress")

// ErrNotConnected is returned when the backend is unreachable at start.
var ErrNotConnected = errors.New("backend not connected")

// Config tunes the controller's polling behavior.
type Config struct {
	PollInterval      time.Duration
	PollMaxIterations int
}

// DispatchContext is one user-initiated dispatch request. Retry replays
// it verbatim.
type DispatchContext struct {
	Prompt      string
	Mode        string
	Flags       []string
	ProjectPath string
	RoadmapItem string
}

// Outcome is the terminal view of one dispatch or fallback attempt.
type Outcome struct {
	State     State
	JobID     string
	Output    []string
	Result    *job.Result
	Message   string
	ErrorCode string
}

type transport int

const (
	transportNone transport = iota
	transportDispatch
	transportFallback
)

// Controller owns the client-side dispatch lifecycle. All mutable
// lifecycle state lives on the instance, never in package globals, so
// multiple controllers (one per open project) do not interfere.
type Controller struct {
	backend   Backend
	cfg       Config
	milestone *milestone.Machine // optional
	logger    *slog.Logger

	mu        sync.Mutex
	state     State
	jobID     string
	lastSeq   int64
	lines     []string // accepted streamed output, in sequence order
	lastTail  []string // last-known output tail from polling
	last      *DispatchContext
	active    transport
	cancelRun context.CancelFunc
}

// New creates an idle controller. ms may be nil when milestone workflows
// are not used.
func New(backend Backend, cfg Config, ms *milestone.Machine) *Controller {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.PollMaxIterations <= 0 {
		cfg.PollMaxIterations = DefaultPollMaxIterations
	}
	return &Controller{
		backend:   backend,
		cfg:       cfg,
		milestone: ms,
		logger:    logging.WithComponent("controller"),
		state:     StateIdle,
	}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// JobID returns the active or last-completed job id.
func (c *Controller) JobID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.jobID
}

// Output returns a copy of the lines collected so far.
func (c *Controller) Output() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.lines) > 0 {
		return append([]string(nil), c.lines...)
	}
	return append([]string(nil), c.lastTail...)
}

// Run executes one dispatch to its terminal state. It blocks; callers
// wanting progress run it on a goroutine and read State/Output. A second
// Run while one is in flight is rejected with ErrBusy before any process
// is spawned.
func (c *Controller) Run(ctx context.Context, dc DispatchContext) (Outcome, error) {
	if err := c.begin(evStartRequested, dc); err != nil {
		return Outcome{}, err
	}
	return c.execute(ctx, dc)
}

// Retry replays the last dispatch context verbatim. Valid only from
// failed or token_limit.
func (c *Controller) Retry(ctx context.Context) (Outcome, error) {
	c.mu.Lock()
	if c.last == nil {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("nothing to retry")
	}
	dc := *c.last
	c.mu.Unlock()

	if err := c.begin(evRetryRequested, dc); err != nil {
		return Outcome{}, err
	}
	return c.execute(ctx, dc)
}

// Acknowledge returns the controller to idle after a terminal outcome.
func (c *Controller) Acknowledge() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := next(c.state, evAcknowledged)
	if err != nil {
		return err
	}
	c.state = st
	c.jobID = ""
	c.lastSeq = 0
	c.lines = nil
	c.lastTail = nil
	c.active = transportNone
	return nil
}

// begin performs the single-flight check and the entry transition, and
// resets per-attempt state. The dispatch context is recorded before the
// attempt so Retry can replay it even if the attempt dies early.
func (c *Controller) begin(ev EventKind, dc DispatchContext) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Dispatching() {
		return ErrBusy
	}
	st, err := next(c.state, ev)
	if err != nil {
		return err
	}
	c.state = st
	c.jobID = ""
	c.lastSeq = 0
	c.lines = nil
	c.lastTail = nil
	c.active = transportNone
	c.last = &dc
	return nil
}

// execute runs the dispatch from starting to a terminal state.
func (c *Controller) execute(ctx context.Context, dc DispatchContext) (Outcome, error) {
	if err := c.backend.Healthy(ctx); err != nil {
		c.settle(evOutcomeFailed)
		return c.outcome(StateFailed, nil, "", "backend unreachable: "+err.Error()), fmt.Errorf("%w: %v", ErrNotConnected, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	req := StartRequest{
		Prompt:      dc.Prompt,
		Mode:        dc.Mode,
		Flags:       dc.Flags,
		ProjectPath: dc.ProjectPath,
		RoadmapItem: dc.RoadmapItem,
	}
	// A planning dispatch must never auto-mark a roadmap item.
	if c.planning() {
		req.RoadmapItem = ""
	}

	jobID, err := c.backend.StartDispatch(runCtx, req)
	if err != nil {
		if runCtx.Err() != nil {
			c.settle(evOutcomeCancel)
			return c.outcome(StateCancelled, nil, "", "dispatch cancelled before start"), nil
		}
		c.settle(evOutcomeFailed)
		return c.outcome(StateFailed, nil, "", "dispatch start failed: "+err.Error()), nil
	}

	c.mu.Lock()
	c.jobID = jobID
	c.active = transportDispatch
	c.mu.Unlock()
	c.logger.Info("dispatch started", "job_id", jobID, "mode", dc.Mode)

	// Streaming first; pollJob takes over on any stream failure, reusing
	// the job id the stream acknowledged so no second process is spawned.
	if out, done := c.followStream(runCtx, jobID); done {
		return c.finishDispatch(runCtx, out), nil
	}
	return c.finishDispatch(runCtx, c.pollJob(runCtx, jobID)), nil
}

// streamResult is the explicit verdict of one streaming attempt.
type streamResult struct {
	handled bool    // true: terminal outcome observed on the stream
	out     Outcome // valid when handled
	reason  string  // why the stream did not finish the job
}

// followStream consumes the job's event feed until a complete event or a
// transport failure. done is false when the caller must fall back to
// polling the same job id.
func (c *Controller) followStream(ctx context.Context, jobID string) (Outcome, bool) {
	res := c.tryStream(ctx, jobID)
	if res.handled {
		return res.out, true
	}
	if ctx.Err() != nil {
		c.settle(evOutcomeCancel)
		return c.outcome(StateCancelled, nil, "", "dispatch cancelled"), true
	}
	c.logger.Warn("stream unavailable, falling back to polling", "job_id", jobID, "reason", res.reason)
	c.settle(evStreamBroken)
	return Outcome{}, false
}

func (c *Controller) tryStream(ctx context.Context, jobID string) streamResult {
	c.mu.Lock()
	lastSeq := c.lastSeq
	c.mu.Unlock()

	ch, err := c.backend.OpenStream(ctx, jobID, lastSeq)
	if err != nil {
		// Stream never attached; move starting -> polling.
		c.settle(evJobAcknowledged)
		return streamResult{reason: "open failed: " + err.Error()}
	}
	c.settle(evStreamOpened)

	sawComplete := false
	for {
		select {
		case <-ctx.Done():
			return streamResult{reason: "cancelled"}
		case ev, ok := <-ch:
			if !ok {
				// Close after complete is a clean shutdown; close without
				// complete is a transport failure.
				if sawComplete {
					return streamResult{reason: "complete already handled"}
				}
				return streamResult{reason: "stream closed before complete"}
			}
			switch ev.Type {
			case stream.EventOutput:
				c.acceptOutput(ev)
			case stream.EventComplete:
				sawComplete = true
				return streamResult{handled: true, out: c.classifyComplete(ctx, ev)}
			case stream.EventError:
				var payload struct {
					Error string `json:"error"`
				}
				_ = json.Unmarshal(ev.Data, &payload)
				c.logger.Warn("stream error event", "job_id", jobID, "error", payload.Error)
			}
		}
	}
}

// acceptOutput appends an output line unless its sequence number was
// already seen. Duplicates occur across reconnects; accepted sequence
// numbers are strictly increasing.
func (c *Controller) acceptOutput(ev stream.Event) {
	var payload struct {
		Line string `json:"line"`
	}
	if err := json.Unmarshal(ev.Data, &payload); err != nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if ev.Seq <= c.lastSeq {
		return
	}
	c.lastSeq = ev.Seq
	c.lines = append(c.lines, payload.Line)
}

func (c *Controller) classifyComplete(ctx context.Context, ev stream.Event) Outcome {
	var res job.Result
	_ = json.Unmarshal(ev.Data, &res)
	return c.classifyResult(ctx, &res)
}

// pollJob queries job status at a fixed interval, bounded in iterations.
// Each pass also tails the durable transcript so output stays visible
// even when the structured tail is stale.
func (c *Controller) pollJob(ctx context.Context, jobID string) Outcome {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < c.cfg.PollMaxIterations; i++ {
		j, err := c.backend.DispatchStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				c.settle(evOutcomeCancel)
				return c.outcome(StateCancelled, nil, "", "dispatch cancelled")
			}
			// Transient network failure; keep polling until the bound.
			c.logger.Warn("status poll failed", "job_id", jobID, "error", err)
		} else {
			c.recordTail(j.Output)
			if exists, lines, terr := c.backend.ReadTranscript(ctx, jobID); terr == nil && exists {
				c.recordTail(lines)
			}
			if j.Status.Terminal() {
				return c.classifyResult(ctx, j.Result)
			}
		}

		select {
		case <-ctx.Done():
			c.settle(evOutcomeCancel)
			return c.outcome(StateCancelled, nil, "", "dispatch cancelled")
		case <-ticker.C:
		}
	}

	// Distinct from a CLI-reported failure: the job may still be running,
	// we just stopped waiting.
	c.settle(evOutcomeFailed)
	budget := time.Duration(c.cfg.PollMaxIterations) * c.cfg.PollInterval
	return c.outcome(StateFailed, nil, "", fmt.Sprintf("dispatch did not finish within the %s polling budget", budget))
}

func (c *Controller) recordTail(lines []string) {
	if len(lines) == 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(lines) > len(c.lastTail) {
		c.lastTail = append([]string(nil), lines...)
	}
}

// classifyResult maps a terminal result onto the outcome taxonomy. The
// usage-limit classifier is the shared substring matcher; the explicit
// token_limit_reached flag wins when present.
func (c *Controller) classifyResult(ctx context.Context, res *job.Result) Outcome {
	if res == nil {
		res = &job.Result{}
	}
	switch {
	case res.TokenLimitReached || dispatch.IsUsageLimit(res.Error):
		c.settle(evOutcomeToken)
		return c.outcome(StateTokenLimit, res, res.Code, "usage limit reached, fallback available")
	case res.Success:
		c.settle(evOutcomeSuccess)
		return c.outcome(StateCompleting, res, res.Code, "dispatch succeeded")
	case strings.EqualFold(res.Error, "cancelled"):
		c.settle(evOutcomeCancel)
		return c.outcome(StateCancelled, res, res.Code, "dispatch cancelled")
	default:
		c.settle(evOutcomeFailed)
		msg := res.Error
		if msg == "" {
			msg = "dispatch failed"
		}
		return c.outcome(StateFailed, res, res.Code, msg)
	}
}

// finishDispatch applies the milestone interception: a successful
// planning dispatch feeds its captured output into the review phase
// instead of counting as final completion.
func (c *Controller) finishDispatch(ctx context.Context, out Outcome) Outcome {
	if out.State != StateCompleting || c.milestone == nil {
		return out
	}
	switch c.milestone.Phase() {
	case milestone.PhasePlanning:
		planText := strings.Join(c.captureOutput(ctx, out.JobID), "\n")
		if err := c.milestone.CompletePlanPhase(planText); err != nil {
			c.logger.Warn("plan capture rejected", "error", err)
		}
	case milestone.PhaseExecuting:
		c.milestone.FinishExecution()
	}
	return out
}

// captureOutput resolves the fullest available output: streamed lines
// first, then the durable transcript, then the last-known status tail.
func (c *Controller) captureOutput(ctx context.Context, jobID string) []string {
	c.mu.Lock()
	lines := append([]string(nil), c.lines...)
	tail := append([]string(nil), c.lastTail...)
	c.mu.Unlock()

	if len(lines) > 0 {
		return lines
	}
	if exists, tlines, err := c.backend.ReadTranscript(ctx, jobID); err == nil && exists && len(tlines) > 0 {
		return tlines
	}
	return tail
}

// Cancel requests termination of the active dispatch. The remote call is
// attempted on the active transport, but local cleanup happens
// unconditionally, so a failed network call can never leave the
// controller stuck dispatching. Calling Cancel when nothing is in flight
// is a no-op.
func (c *Controller) Cancel(ctx context.Context) error {
	c.mu.Lock()
	jobID := c.jobID
	active := c.active
	cancelRun := c.cancelRun
	dispatching := c.state.Dispatching()
	c.mu.Unlock()

	if !dispatching {
		return nil
	}

	var remoteErr error
	switch active {
	case transportDispatch:
		remoteErr = c.backend.CancelDispatch(ctx, jobID)
	case transportFallback:
		remoteErr = c.backend.CancelFallback(ctx, jobID)
	}
	if remoteErr != nil {
		c.logger.Warn("remote cancel failed, cleaning up locally", "job_id", jobID, "error", remoteErr)
	}

	if cancelRun != nil {
		cancelRun()
	}
	return remoteErr
}

// RunFallback reroutes the last dispatch through an alternate provider.
// Valid only from token_limit. Fallback runs are poll-only against the
// "fb-" job namespace.
func (c *Controller) RunFallback(ctx context.Context, provider string) (Outcome, error) {
	c.mu.Lock()
	if c.state != StateTokenLimit {
		st := c.state
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("fallback is only available from %s, controller is %s", StateTokenLimit, st)
	}
	if c.last == nil {
		c.mu.Unlock()
		return Outcome{}, fmt.Errorf("no dispatch context to reroute")
	}
	dc := *c.last
	c.mu.Unlock()

	if err := c.begin(evRetryRequested, dc); err != nil {
		return Outcome{}, err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.mu.Lock()
	c.cancelRun = cancel
	c.mu.Unlock()

	jobID, err := c.backend.StartFallback(runCtx, FallbackStart{
		Prompt:      dc.Prompt,
		Provider:    provider,
		ProjectPath: dc.ProjectPath,
	})
	if err != nil {
		c.settle(evOutcomeFailed)
		return c.outcome(StateFailed, nil, "", "fallback start failed: "+err.Error()), nil
	}

	c.mu.Lock()
	c.jobID = jobID
	c.active = transportFallback
	c.mu.Unlock()
	c.settle(evJobAcknowledged)
	c.logger.Info("fallback started", "job_id", jobID, "provider", provider)

	return c.pollFallback(runCtx, jobID), nil
}

func (c *Controller) pollFallback(ctx context.Context, jobID string) Outcome {
	ticker := time.NewTicker(c.cfg.PollInterval)
	defer ticker.Stop()

	for i := 0; i < c.cfg.PollMaxIterations; i++ {
		j, err := c.backend.FallbackStatus(ctx, jobID)
		if err != nil {
			if ctx.Err() != nil {
				c.settle(evOutcomeCancel)
				return c.outcome(StateCancelled, nil, "", "fallback cancelled")
			}
			c.logger.Warn("fallback poll failed", "job_id", jobID, "error", err)
		} else {
			c.recordTail(j.Output)
			if j.Status.Terminal() {
				return c.classifyFallbackResult(j.Result)
			}
		}

		select {
		case <-ctx.Done():
			c.settle(evOutcomeCancel)
			return c.outcome(StateCancelled, nil, "", "fallback cancelled")
		case <-ticker.C:
		}
	}

	c.settle(evOutcomeFailed)
	budget := time.Duration(c.cfg.PollMaxIterations) * c.cfg.PollInterval
	return c.outcome(StateFailed, nil, "timeout", fmt.Sprintf("fallback did not finish within the %s polling budget", budget))
}

// classifyFallbackResult never reclassifies to token_limit: the fallback
// path is the recovery, its failures are terminal.
func (c *Controller) classifyFallbackResult(res *job.Result) Outcome {
	if res == nil {
		res = &job.Result{}
	}
	switch {
	case res.Success:
		c.settle(evOutcomeSuccess)
		return c.outcome(StateCompleting, res, res.Code, "fallback succeeded")
	case strings.EqualFold(res.Error, "cancelled"):
		c.settle(evOutcomeCancel)
		return c.outcome(StateCancelled, res, res.Code, "fallback cancelled")
	default:
		c.settle(evOutcomeFailed)
		msg := res.Error
		if msg == "" {
			msg = "fallback failed"
		}
		return c.outcome(StateFailed, res, res.Code, msg)
	}
}

// settle applies a transition, logging rather than failing when a late
// event arrives against an already-settled state.
func (c *Controller) settle(ev EventKind) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, err := next(c.state, ev)
	if err != nil {
		c.logger.Debug("transition dropped", "event", ev, "state", c.state)
		return
	}
	c.state = st
}

func (c *Controller) outcome(st State, res *job.Result, code, msg string) Outcome {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := Outcome{
		State:   st,
		JobID:   c.jobID,
		Result:  res,
		Message: msg,
	}
	if code != "" {
		out.ErrorCode = code
	}
	if len(c.lines) > 0 {
		out.Output = append([]string(nil), c.lines...)
	} else {
		out.Output = append([]string(nil), c.lastTail...)
	}
	return out
}

func (c *Controller) planning() bool {
	return c.milestone != nil && c.milestone.Phase() == milestone.PhasePlanning
}

// StartMilestonePlan records the milestone context and issues the
// planning dispatch. The controller intercepts the success outcome and
// feeds the captured plan into the reviewing phase.
func (c *Controller) StartMilestonePlan(ctx context.Context, title string, items []milestone.Item, projectPath string) (Outcome, error) {
	if c.milestone == nil {
		return Outcome{}, fmt.Errorf("no milestone machine configured")
	}
	prompt, err := c.milestone.StartPlan(title, items)
	if err != nil {
		return Outcome{}, err
	}

	out, err := c.Run(ctx, DispatchContext{Prompt: prompt, ProjectPath: projectPath})
	if err != nil || out.State != StateCompleting {
		// The plan never arrived; abandon the milestone context.
		c.milestone.Reset()
	}
	return out, err
}

// ExecuteMilestone issues the execution dispatch from a reviewed plan.
func (c *Controller) ExecuteMilestone(ctx context.Context, mode, notes, projectPath string) (Outcome, error) {
	if c.milestone == nil {
		return Outcome{}, fmt.Errorf("no milestone machine configured")
	}
	prompt, err := c.milestone.ExecuteMilestone(mode, notes)
	if err != nil {
		return Outcome{}, err
	}

	out, err := c.Run(ctx, DispatchContext{Prompt: prompt, Mode: mode, ProjectPath: projectPath})
	if err != nil || out.State == StateCancelled {
		c.milestone.Reset()
	}
	return out, err
}
