package job

import (
	"errors"
	"time"
)

// Status is a job lifecycle state.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Result is populated exactly once, on the first terminal transition.
type Result struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
	// Code is a stable machine-readable failure class; fallback runs set
	// it to execution_failed, timeout, or spawn_failed.
	Code              string `json:"code,omitempty"`
	TokenLimitReached bool   `json:"token_limit_reached,omitempty"`
	TimedOut          bool   `json:"timed_out,omitempty"`
}

// Request is the immutable dispatch payload captured at job creation.
type Request struct {
	Prompt      string   `json:"prompt"`
	Mode        string   `json:"mode,omitempty"`
	Flags       []string `json:"flags,omitempty"`
	ProjectPath string   `json:"project_path,omitempty"`
	// RoadmapItem, when set, names the roadmap entry to auto-mark done on
	// non-milestone success.
	RoadmapItem string `json:"roadmap_item,omitempty"`
}

// Job is the tracked unit of state for one dispatch or fallback attempt.
type Job struct {
	ID        string     `json:"id"`
	Status    Status     `json:"status"`
	Request   Request    `json:"request"`
	CreatedAt time.Time  `json:"created_at"`
	StartedAt *time.Time `json:"started_at,omitempty"`
	EndedAt   *time.Time `json:"ended_at,omitempty"`
	Result    *Result    `json:"result,omitempty"`

	// LogFile is the durable transcript path; it outlives the store entry.
	LogFile string `json:"log_file,omitempty"`

	// Output holds the most recent buffered lines (oldest evicted beyond
	// the store cap). TotalLines counts every line ever appended.
	Output     []string `json:"output,omitempty"`
	TotalLines int      `json:"total_lines"`
}

// ErrNotFound is returned for unknown or already-collected job ids.
var ErrNotFound = errors.New("job not found")

// ErrTerminal is returned for mutations against a job that already ended.
var ErrTerminal = errors.New("job already terminal")
