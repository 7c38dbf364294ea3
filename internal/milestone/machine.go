// Package milestone implements the plan/review/execute workflow for a
// batch of related tasks. A planning dispatch produces a free-text plan,
// the operator reviews it, and a second dispatch executes the plan. The
// machine holds the transient context that threads the plan output from
// the first dispatch into the second one's prompt.
package milestone

import (
	"fmt"
	"strings"
	"sync"
)

// Phase is the workflow state.
type Phase string

const (
	PhaseIdle      Phase = "idle"
	PhasePlanning  Phase = "planning"
	PhaseReviewing Phase = "reviewing"
	PhaseExecuting Phase = "executing"
)

// Item is one task in a milestone. Prompt, when set, is the richer task
// description used for prompt construction; Text is the display label.
type Item struct {
	Text   string `json:"text"`
	Prompt string `json:"prompt,omitempty"`
}

// NoPlanMarker is inserted into the execution prompt when the planning
// dispatch produced no output at all. It is deliberately unmistakable so
// it can never be read as real plan content.
const NoPlanMarker = "[no plan output was captured]"

// Plan output delimiters in the execution prompt.
const (
	planBegin = "----- BEGIN PLAN -----"
	planEnd   = "----- END PLAN -----"
)

// Machine is the milestone workflow state. Safe for concurrent use.
type Machine struct {
	mu         sync.Mutex
	phase      Phase
	title      string
	items      []Item
	planOutput string
}

// NewMachine returns an idle machine.
func NewMachine() *Machine {
	return &Machine{phase: PhaseIdle}
}

// Phase returns the current workflow phase.
func (m *Machine) Phase() Phase {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.phase
}

// Title returns the milestone title.
func (m *Machine) Title() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.title
}

// PlanOutput returns the stored plan text, verbatim.
func (m *Machine) PlanOutput() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.planOutput
}

// StartPlan records the milestone context and returns the planning
// prompt. Only valid from idle.
func (m *Machine) StartPlan(title string, items []Item) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseIdle {
		return "", fmt.Errorf("start plan: machine is %s, want %s", m.phase, PhaseIdle)
	}
	if title == "" {
		return "", fmt.Errorf("start plan: title is required")
	}
	if len(items) == 0 {
		return "", fmt.Errorf("start plan: at least one item is required")
	}

	m.title = title
	m.items = append([]Item(nil), items...)
	m.planOutput = ""
	m.phase = PhasePlanning
	return buildPlanPrompt(title, m.items), nil
}

// CompletePlanPhase stores the captured planning output verbatim and
// moves to reviewing. An empty string is stored as-is; substitution of
// the missing-output marker happens only at execution prompt build time.
func (m *Machine) CompletePlanPhase(planOutput string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhasePlanning {
		return fmt.Errorf("complete plan: machine is %s, want %s", m.phase, PhasePlanning)
	}
	m.planOutput = planOutput
	m.phase = PhaseReviewing
	return nil
}

// ExecuteMilestone builds the execution prompt and moves to executing.
// Only valid from reviewing. notes, when non-empty, are appended as a
// labeled section.
func (m *Machine) ExecuteMilestone(mode, notes string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase != PhaseReviewing {
		return "", fmt.Errorf("execute milestone: machine is %s, want %s", m.phase, PhaseReviewing)
	}
	m.phase = PhaseExecuting
	return buildExecutePrompt(m.title, m.items, m.planOutput, notes), nil
}

// FinishExecution returns to idle after the execution dispatch ends.
func (m *Machine) FinishExecution() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.phase == PhaseExecuting {
		m.reset()
	}
}

// Reset returns to idle from any phase, discarding all context. Used on
// cancellation or explicit abandon.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reset()
}

func (m *Machine) reset() {
	m.phase = PhaseIdle
	m.title = ""
	m.items = nil
	m.planOutput = ""
}

func buildPlanPrompt(title string, items []Item) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Create an implementation plan for the milestone %q.\n", title)
	b.WriteString("Do not make any code changes. Produce only the plan: the order of work, files you expect to touch, and risks.\n\nTasks:\n")
	writeNumberedItems(&b, items)
	return b.String()
}

func buildExecutePrompt(title string, items []Item, planOutput, notes string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Execute the milestone %q.\n\nTasks:\n", title)
	writeNumberedItems(&b, items)

	b.WriteString("\nFollow this previously approved plan:\n")
	b.WriteString(planBegin)
	b.WriteString("\n")
	if planOutput == "" {
		b.WriteString(NoPlanMarker)
	} else {
		b.WriteString(planOutput)
	}
	b.WriteString("\n")
	b.WriteString(planEnd)
	b.WriteString("\n")

	if notes != "" {
		b.WriteString("\nOperator notes:\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	return b.String()
}

func writeNumberedItems(b *strings.Builder, items []Item) {
	for i, it := range items {
		text := it.Text
		if it.Prompt != "" {
			text = it.Prompt
		}
		fmt.Fprintf(b, "%d. %s\n", i+1, text)
	}
}
