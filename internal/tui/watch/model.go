// Package watch is a terminal monitor for one dispatch job: it follows
// the job's event stream, falls back to status polling when the stream
// drops, and renders the output tail live.
package watch

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/CantinaDigital/claudetini/internal/controller"
	"github.com/CantinaDigital/claudetini/internal/job"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

const eventBuffer = 100

// Model is the bubbletea model for watching one job.
type Model struct {
	backend *controller.HTTPBackend
	jobID   string

	width  int
	height int

	status    job.Status
	result    *job.Result
	lines     []string
	lastSeq   int64
	connected bool
	done      bool
	lastError string

	spinner  spinner.Model
	viewport viewport.Model
	ready    bool

	events chan stream.Event

	theme Theme
}

// New creates a watch model for jobID against the given backend.
func New(backend *controller.HTTPBackend, jobID string) *Model {
	sp := spinner.New()
	sp.Spinner = spinner.Dot
	return &Model{
		backend: backend,
		jobID:   jobID,
		status:  job.StatusQueued,
		spinner: sp,
		events:  make(chan stream.Event, eventBuffer),
		theme:   NewDefaultTheme(),
	}
}

func (m *Model) Init() tea.Cmd {
	return tea.Batch(
		subscribeToStream(m.backend, m.jobID, 0, m.events),
		receiveNextEvent(m.events),
		fetchStatus(m.backend, m.jobID),
		m.spinner.Tick,
		tea.EnterAltScreen,
	)
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		}

	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		bodyHeight := m.height - 4
		if bodyHeight < 3 {
			bodyHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(m.width, bodyHeight)
			m.ready = true
		} else {
			m.viewport.Width = m.width
			m.viewport.Height = bodyHeight
		}
		m.refreshViewport()

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case eventMsg:
		m.applyEvent(stream.Event(msg))
		m.connected = true
		m.lastError = ""
		if m.done {
			return m, nil
		}
		return m, receiveNextEvent(m.events)

	case statusMsg:
		j := job.Job(msg)
		m.status = j.Status
		m.result = j.Result
		if len(j.Output) > len(m.lines) {
			m.lines = append([]string(nil), j.Output...)
			m.refreshViewport()
		}
		if j.Status.Terminal() {
			m.done = true
			return m, nil
		}
		if !m.connected {
			// Stream is down; keep polling for progress.
			return m, tea.Tick(time.Second, func(time.Time) tea.Msg {
				return fetchStatus(m.backend, m.jobID)()
			})
		}

	case streamClosedMsg:
		m.connected = false
		if m.done {
			return m, nil
		}
		m.lastError = "stream disconnected, reconnecting..."
		return m, tea.Batch(
			fetchStatus(m.backend, m.jobID),
			tea.Tick(3*time.Second, func(time.Time) tea.Msg { return reconnectMsg{} }),
		)

	case reconnectMsg:
		if m.done {
			return m, nil
		}
		return m, subscribeToStream(m.backend, m.jobID, m.lastSeq, m.events)

	case errMsg:
		m.lastError = msg.Error()
		if !m.done {
			return m, tea.Tick(3*time.Second, func(time.Time) tea.Msg {
				return fetchStatus(m.backend, m.jobID)()
			})
		}
	}

	if m.ready {
		var cmd tea.Cmd
		m.viewport, cmd = m.viewport.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *Model) applyEvent(ev stream.Event) {
	if ev.Seq > m.lastSeq {
		m.lastSeq = ev.Seq
	}
	switch ev.Type {
	case stream.EventStart:
		m.status = job.StatusRunning
	case stream.EventOutput:
		var payload struct {
			Line string `json:"line"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil {
			m.lines = append(m.lines, payload.Line)
			m.refreshViewport()
		}
	case stream.EventStatus:
		var payload struct {
			Status string `json:"status"`
		}
		if err := json.Unmarshal(ev.Data, &payload); err == nil && payload.Status != "" {
			m.status = job.Status(payload.Status)
		}
	case stream.EventComplete:
		var res job.Result
		if err := json.Unmarshal(ev.Data, &res); err == nil {
			m.result = &res
		}
		m.done = true
		switch {
		case m.result != nil && m.result.Success:
			m.status = job.StatusSucceeded
		case m.result != nil && strings.EqualFold(m.result.Error, "cancelled"):
			m.status = job.StatusCancelled
		default:
			m.status = job.StatusFailed
		}
	}
}

func (m *Model) refreshViewport() {
	if !m.ready {
		return
	}
	m.viewport.SetContent(strings.Join(m.lines, "\n"))
	m.viewport.GotoBottom()
}

func (m *Model) View() string {
	if m.width == 0 {
		return "Connecting..."
	}

	indicator := m.spinner.View()
	if m.done {
		indicator = " "
	}
	header := m.theme.Header.Render(fmt.Sprintf("%s job %s  %s", indicator, m.jobID, m.renderStatus()))

	var body string
	if m.ready {
		body = m.viewport.View()
	}

	var errBar string
	if m.lastError != "" {
		errBar = m.theme.StatusFailed.Render(" ! " + m.lastError)
	}

	help := m.theme.Help.Render(" [q] quit")

	parts := []string{header, body}
	if errBar != "" {
		parts = append(parts, errBar)
	}
	parts = append(parts, help)
	return lipgloss.JoinVertical(lipgloss.Left, parts...)
}

func (m *Model) renderStatus() string {
	switch m.status {
	case job.StatusSucceeded:
		return m.theme.StatusOK.Render(string(m.status))
	case job.StatusFailed:
		label := string(m.status)
		if m.result != nil && m.result.TokenLimitReached {
			label = "token limit"
		}
		return m.theme.StatusFailed.Render(label)
	case job.StatusCancelled:
		return m.theme.StatusWarn.Render(string(m.status))
	default:
		return m.theme.StatusRunning.Render(string(m.status))
	}
}
