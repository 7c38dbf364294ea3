// Package runner spawns the external coding-assistant CLI as a supervised
// subprocess: prompt on stdin, stdout captured line by line, a hard
// runtime bound, and best-effort signal-based cancellation.
package runner

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/CantinaDigital/claudetini/internal/log"
)

const (
	// maxStderrBytes caps captured stderr so a chatty process cannot
	// exhaust memory.
	maxStderrBytes = 64 * 1024

	// DefaultTimeout matches the longest expected legitimate run.
	DefaultTimeout = 45 * time.Minute

	// DefaultGrace is the wait after SIGTERM before SIGKILL.
	DefaultGrace = 5 * time.Second
)

// Runner launches one binary with a fixed base argument list.
type Runner struct {
	Path     string
	BaseArgs []string
	Timeout  time.Duration
	Grace    time.Duration

	logger *slog.Logger
}

// New creates a runner for the given binary.
func New(path string, baseArgs []string, timeout, grace time.Duration) *Runner {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if grace <= 0 {
		grace = DefaultGrace
	}
	return &Runner{
		Path:     path,
		BaseArgs: baseArgs,
		Timeout:  timeout,
		Grace:    grace,
		logger:   log.WithComponent("runner"),
	}
}

// Request describes one subprocess invocation.
type Request struct {
	JobID  string
	Prompt string
	Flags  []string
	Dir    string
}

// Sink receives stdout lines in emission order. Implementations must have
// durably recorded a line before returning from Line; the runner treats a
// returned line as published.
type Sink interface {
	Line(string)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(string)

// Line calls f(line).
func (f SinkFunc) Line(line string) { f(line) }

// Outcome is the terminal result of one subprocess run.
type Outcome struct {
	Success   bool
	TimedOut  bool
	Cancelled bool
	Err       string
	Stderr    string
}

// Handle tracks a running subprocess.
type Handle struct {
	jobID string

	cancelOnce sync.Once
	cancelCh   chan struct{}

	// mu guards the termination reason, which the watcher goroutine sets
	// while the reading goroutine classifies the exit.
	mu        sync.Mutex
	timedOut  bool
	cancelled bool

	done    chan struct{}
	outcome Outcome
}

func (h *Handle) markTimedOut() {
	h.mu.Lock()
	h.timedOut = true
	h.mu.Unlock()
}

func (h *Handle) markCancelled() {
	h.mu.Lock()
	h.cancelled = true
	h.mu.Unlock()
}

func (h *Handle) terminationReason() (timedOut, cancelled bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.timedOut, h.cancelled
}

// Done is closed when the subprocess has fully exited and the outcome is
// available.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Wait blocks until the run ends or the timeout elapses. ok is false when
// the wait itself timed out; the run keeps going.
func (h *Handle) Wait(timeout time.Duration) (Outcome, bool) {
	if timeout <= 0 {
		<-h.done
		return h.outcome, true
	}
	select {
	case <-h.done:
		return h.outcome, true
	case <-time.After(timeout):
		return Outcome{}, false
	}
}

// Cancel signals the subprocess to terminate. It returns immediately; the
// caller must not wait on process teardown. Returns true the first time,
// false on repeat calls.
func (h *Handle) Cancel() bool {
	var first bool
	h.cancelOnce.Do(func() {
		first = true
		close(h.cancelCh)
	})
	return first
}

// Start spawns the subprocess and begins capturing output. Lines reach the
// sink in emission order; the outcome is available via the handle once the
// process exits.
func (r *Runner) Start(req Request, sink Sink) (*Handle, error) {
	if r.Path == "" {
		return nil, fmt.Errorf("runner binary path is empty")
	}

	args := append(append([]string{}, r.BaseArgs...), req.Flags...)
	cmd := exec.Command(r.Path, args...)
	cmd.Dir = req.Dir
	cmd.Stdin = bytes.NewReader([]byte(req.Prompt + "\n"))
	// Own process group: the CLI forks helpers that inherit our stdout
	// pipe, so termination must signal the whole group or the scanner
	// below blocks on the pipe long after the direct child died.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	var stderr bytes.Buffer
	cmd.Stderr = &limitedWriter{w: &stderr, max: maxStderrBytes}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("create stdout pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("start process: %w", err)
	}

	h := &Handle{
		jobID:    req.JobID,
		cancelCh: make(chan struct{}),
		done:     make(chan struct{}),
	}
	logger := r.logger.With("job_id", req.JobID)
	logger.Debug("process started", "path", r.Path, "flags", req.Flags)

	exited := make(chan struct{})

	// Termination watcher: on timeout or cancel, SIGTERM then SIGKILL
	// after the grace period. The reading loop below observes EOF once
	// the process dies.
	pgid := cmd.Process.Pid
	timer := time.NewTimer(r.Timeout)
	go func() {
		defer timer.Stop()
		select {
		case <-exited:
			return
		case <-timer.C:
			h.markTimedOut()
			logger.Warn("run exceeded hard timeout, terminating", "timeout", r.Timeout)
		case <-h.cancelCh:
			h.markCancelled()
			logger.Info("cancel requested, terminating")
		}
		if err := syscall.Kill(-pgid, syscall.SIGTERM); err != nil {
			logger.Error("failed to send SIGTERM to process group", "error", err)
		}
		grace := time.NewTimer(r.Grace)
		defer grace.Stop()
		select {
		case <-exited:
		case <-grace.C:
			logger.Warn("process group did not exit after SIGTERM, sending SIGKILL")
			if err := syscall.Kill(-pgid, syscall.SIGKILL); err != nil {
				logger.Error("failed to send SIGKILL to process group", "error", err)
			}
			// A double-forked descendant can escape the group while still
			// holding the pipe; closing our end unblocks the scanner.
			_ = stdout.Close()
		}
	}()

	go func() {
		defer close(h.done)

		// Every stdout line is handed to the sink before the outcome can
		// become visible, so completion is never observed ahead of the
		// output that preceded it.
		sc := bufio.NewScanner(stdout)
		sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
		for sc.Scan() {
			sink.Line(sc.Text())
		}
		scanErr := sc.Err()

		waitErr := cmd.Wait()
		close(exited)

		timedOut, cancelled := h.terminationReason()
		h.outcome.Stderr = stderr.String()
		switch {
		case timedOut:
			h.outcome.TimedOut = true
			h.outcome.Err = fmt.Sprintf("run timed out after %s", r.Timeout)
		case cancelled:
			h.outcome.Cancelled = true
			h.outcome.Err = "cancelled"
		case scanErr != nil:
			h.outcome.Err = fmt.Sprintf("read output: %v", scanErr)
		case waitErr != nil:
			h.outcome.Err = firstNonEmpty(lastLine(h.outcome.Stderr), waitErr.Error())
		default:
			h.outcome.Success = true
		}
		logger.Debug("process exited",
			"success", h.outcome.Success,
			"timed_out", h.outcome.TimedOut,
			"cancelled", h.outcome.Cancelled)
	}()

	return h, nil
}

type limitedWriter struct {
	w   io.Writer
	max int
	n   int
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	if lw.n >= lw.max {
		return len(p), nil
	}
	if lw.n+len(p) > lw.max {
		_, err := lw.w.Write(p[:lw.max-lw.n])
		lw.n = lw.max
		return len(p), err
	}
	n, err := lw.w.Write(p)
	lw.n += n
	return len(p), err
}

func lastLine(s string) string {
	var last string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == '\n' {
			if line := s[start:i]; line != "" {
				last = line
			}
			start = i + 1
		}
	}
	return last
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
