package watch

import (
	"context"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/CantinaDigital/claudetini/internal/controller"
	"github.com/CantinaDigital/claudetini/internal/job"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

type eventMsg stream.Event

type statusMsg job.Job

type tickMsg time.Time

type errMsg error

type streamClosedMsg struct{}
type reconnectMsg struct{}

// subscribeToStream attaches to a job's SSE feed and forwards events into
// ch. Returns streamClosedMsg when the transport ends so the model can
// decide between reconnect and shutdown.
func subscribeToStream(backend *controller.HTTPBackend, jobID string, lastSeq int64, ch chan<- stream.Event) tea.Cmd {
	return func() tea.Msg {
		events, err := backend.OpenStream(context.Background(), jobID, lastSeq)
		if err != nil {
			return streamClosedMsg{}
		}
		for ev := range events {
			ch <- ev
		}
		return streamClosedMsg{}
	}
}

// receiveNextEvent waits for the next event from the channel.
func receiveNextEvent(ch <-chan stream.Event) tea.Cmd {
	return func() tea.Msg {
		return eventMsg(<-ch)
	}
}

// fetchStatus queries the job snapshot, used while the stream is down.
func fetchStatus(backend *controller.HTTPBackend, jobID string) tea.Cmd {
	return func() tea.Msg {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		j, err := backend.DispatchStatus(ctx, jobID)
		if err != nil {
			return errMsg(err)
		}
		return statusMsg(j)
	}
}
