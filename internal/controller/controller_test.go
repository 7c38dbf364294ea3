package controller_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/golang/mock/gomock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CantinaDigital/claudetini/internal/controller"
	"github.com/CantinaDigital/claudetini/internal/controller/mocks"
	"github.com/CantinaDigital/claudetini/internal/job"
	logging "github.com/CantinaDigital/claudetini/internal/log"
	"github.com/CantinaDigital/claudetini/internal/milestone"
	"github.com/CantinaDigital/claudetini/internal/stream"
)

func TestMain(m *testing.M) {
	logging.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func fastConfig() controller.Config {
	return controller.Config{
		PollInterval:      time.Millisecond,
		PollMaxIterations: 50,
	}
}

func outputEvent(seq int64, line string) stream.Event {
	data, _ := json.Marshal(map[string]string{"line": line})
	return stream.Event{Seq: seq, Type: stream.EventOutput, Data: data}
}

func completeEvent(seq int64, res job.Result) stream.Event {
	data, _ := json.Marshal(res)
	return stream.Event{Seq: seq, Type: stream.EventComplete, Data: data}
}

func eventChan(events ...stream.Event) <-chan stream.Event {
	ch := make(chan stream.Event, len(events))
	for _, ev := range events {
		ch <- ev
	}
	close(ch)
	return ch
}

func terminalJob(id string, status job.Status, res job.Result) job.Job {
	return job.Job{ID: id, Status: status, Result: &res}
}

func TestRunStreamingSuccess(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-1", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-1", int64(0)).Return(eventChan(
		outputEvent(1, "first"),
		outputEvent(2, "second"),
		completeEvent(3, job.Result{Success: true}),
	), nil)

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "do it"})
	require.NoError(t, err)

	assert.Equal(t, controller.StateCompleting, out.State)
	assert.Equal(t, "job-1", out.JobID)
	assert.Equal(t, []string{"first", "second"}, out.Output)
	assert.Equal(t, controller.StateCompleting, c.State())
}

func TestSingleFlightRejectsSecondRun(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	events := make(chan stream.Event)
	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-1", nil).Times(1)
	backend.EXPECT().OpenStream(gomock.Any(), "job-1", int64(0)).Return((<-chan stream.Event)(events), nil)

	c := controller.New(backend, fastConfig(), nil)
	done := make(chan controller.Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), controller.DispatchContext{Prompt: "long"})
		done <- out
	}()

	require.Eventually(t, func() bool {
		return c.State() == controller.StateStreaming
	}, time.Second, time.Millisecond)

	// A second start while dispatching must be rejected before any
	// process is spawned: StartDispatch is expected exactly once.
	_, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "dup"})
	require.ErrorIs(t, err, controller.ErrBusy)

	events <- completeEvent(1, job.Result{Success: true})
	close(events)
	out := <-done
	assert.Equal(t, controller.StateCompleting, out.State)
}

func TestStreamBreakFallsBackToSameJobID(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-7", nil).Times(1)
	// Stream delivers one line then closes without a complete event.
	backend.EXPECT().OpenStream(gomock.Any(), "job-7", int64(0)).Return(eventChan(
		outputEvent(1, "partial"),
	), nil)

	// Polling must reuse job-7, never allocate a new job.
	gomock.InOrder(
		backend.EXPECT().DispatchStatus(gomock.Any(), "job-7").Return(job.Job{ID: "job-7", Status: job.StatusRunning}, nil),
		backend.EXPECT().DispatchStatus(gomock.Any(), "job-7").Return(terminalJob("job-7", job.StatusSucceeded, job.Result{Success: true}), nil),
	)
	backend.EXPECT().ReadTranscript(gomock.Any(), "job-7").Return(true, []string{"partial", "rest"}, nil).AnyTimes()

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)

	assert.Equal(t, controller.StateCompleting, out.State)
	assert.Equal(t, "job-7", out.JobID)
	// Streamed lines win over the transcript tail for display.
	assert.Equal(t, []string{"partial"}, out.Output)
}

func TestStreamOpenFailureGoesStraightToPolling(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-2", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-2", int64(0)).Return(nil, errors.New("conn refused"))
	backend.EXPECT().DispatchStatus(gomock.Any(), "job-2").Return(terminalJob("job-2", job.StatusSucceeded, job.Result{Success: true}), nil)
	backend.EXPECT().ReadTranscript(gomock.Any(), "job-2").Return(true, []string{"line"}, nil).AnyTimes()

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, controller.StateCompleting, out.State)
	assert.Equal(t, []string{"line"}, out.Output)
}

func TestSequenceMonotonicityDropsDuplicates(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-3", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-3", int64(0)).Return(eventChan(
		outputEvent(1, "one"),
		outputEvent(2, "two"),
		outputEvent(2, "two again"), // duplicate across a reconnect
		outputEvent(1, "one again"), // late arrival
		outputEvent(3, "three"),
		completeEvent(4, job.Result{Success: true}),
	), nil)

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, []string{"one", "two", "three"}, out.Output)
}

func TestTokenLimitClassification(t *testing.T) {
	cases := []job.Result{
		{Success: false, Error: "You've exceeded your usage limit"},
		{Success: false, Error: "YOU'VE EXCEEDED YOUR USAGE LIMIT"},
		{Success: false, Error: "something else", TokenLimitReached: true},
	}
	for _, res := range cases {
		ctrl := gomock.NewController(t)
		backend := mocks.NewMockBackend(ctrl)
		backend.EXPECT().Healthy(gomock.Any()).Return(nil)
		backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-4", nil)
		backend.EXPECT().OpenStream(gomock.Any(), "job-4", int64(0)).Return(eventChan(
			completeEvent(1, res),
		), nil)

		c := controller.New(backend, fastConfig(), nil)
		out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
		require.NoError(t, err)
		assert.Equal(t, controller.StateTokenLimit, out.State, "error %q", res.Error)
		assert.Equal(t, controller.StateTokenLimit, c.State())
		ctrl.Finish()
	}
}

func TestPlainFailureStaysFailed(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-5", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-5", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: false, Error: "exit status 2"}),
	), nil)

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, controller.StateFailed, out.State)
	assert.Equal(t, "exit status 2", out.Message)
}

func TestNotConnectedRejection(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)
	backend.EXPECT().Healthy(gomock.Any()).Return(errors.New("dial tcp: connection refused"))

	c := controller.New(backend, fastConfig(), nil)
	_, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.ErrorIs(t, err, controller.ErrNotConnected)
	assert.Equal(t, controller.StateFailed, c.State())
}

func TestPollingBoundTerminates(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	cfg := controller.Config{PollInterval: time.Millisecond, PollMaxIterations: 5}
	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-6", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-6", int64(0)).Return(nil, errors.New("no stream"))
	// Never reaches a terminal state: exactly the bounded iteration count.
	backend.EXPECT().DispatchStatus(gomock.Any(), "job-6").Return(job.Job{ID: "job-6", Status: job.StatusRunning}, nil).Times(5)
	backend.EXPECT().ReadTranscript(gomock.Any(), "job-6").Return(false, nil, nil).Times(5)

	c := controller.New(backend, cfg, nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	assert.Equal(t, controller.StateFailed, out.State)
	assert.Contains(t, out.Message, "polling budget")
}

func TestCancelIsIdempotentEvenWhenRemoteFails(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	events := make(chan stream.Event)
	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-8", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-8", int64(0)).Return((<-chan stream.Event)(events), nil)
	// The remote cancel RPC fails; local cleanup must still happen.
	backend.EXPECT().CancelDispatch(gomock.Any(), "job-8").Return(errors.New("rpc timeout")).AnyTimes()

	c := controller.New(backend, fastConfig(), nil)
	done := make(chan controller.Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
		done <- out
	}()
	require.Eventually(t, func() bool {
		return c.State() == controller.StateStreaming
	}, time.Second, time.Millisecond)

	err := c.Cancel(context.Background())
	require.Error(t, err) // remote failure is reported

	out := <-done
	assert.Equal(t, controller.StateCancelled, out.State)
	assert.Equal(t, controller.StateCancelled, c.State())

	// Second cancel with nothing in flight is a no-op success.
	require.NoError(t, c.Cancel(context.Background()))
	assert.Equal(t, controller.StateCancelled, c.State())
	close(events)
}

func TestCancelDuringStartReachesCancelledState(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	entered := make(chan struct{})
	gomock.InOrder(
		backend.EXPECT().Healthy(gomock.Any()).Return(nil),
		// The start call hangs until cancel aborts its context.
		backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).DoAndReturn(
			func(ctx context.Context, _ controller.StartRequest) (string, error) {
				close(entered)
				<-ctx.Done()
				return "", ctx.Err()
			}),
		// The controller must be fully usable again afterwards.
		backend.EXPECT().Healthy(gomock.Any()).Return(nil),
		backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-9", nil),
		backend.EXPECT().OpenStream(gomock.Any(), "job-9", int64(0)).Return(eventChan(
			completeEvent(1, job.Result{Success: true}),
		), nil),
	)

	c := controller.New(backend, fastConfig(), nil)
	done := make(chan controller.Outcome, 1)
	go func() {
		out, _ := c.Run(context.Background(), controller.DispatchContext{Prompt: "slow start"})
		done <- out
	}()

	<-entered
	require.NoError(t, c.Cancel(context.Background()))

	out := <-done
	assert.Equal(t, controller.StateCancelled, out.State)
	assert.Equal(t, controller.StateCancelled, c.State())

	require.NoError(t, c.Acknowledge())
	assert.Equal(t, controller.StateIdle, c.State())

	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "again"})
	require.NoError(t, err)
	assert.Equal(t, controller.StateCompleting, out.State)
}

func TestRetryReplaysContextVerbatim(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	dc := controller.DispatchContext{Prompt: "the exact prompt", Mode: "blitz", Flags: []string{"--x"}}

	first := backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req controller.StartRequest) (string, error) {
			assert.Equal(t, dc.Prompt, req.Prompt)
			return "job-a", nil
		})
	second := backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req controller.StartRequest) (string, error) {
			assert.Equal(t, dc.Prompt, req.Prompt)
			assert.Equal(t, dc.Mode, req.Mode)
			assert.Equal(t, dc.Flags, req.Flags)
			return "job-b", nil
		})
	gomock.InOrder(first, second)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil).Times(2)
	backend.EXPECT().OpenStream(gomock.Any(), "job-a", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: false, Error: "flaky"}),
	), nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-b", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: true}),
	), nil)

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), dc)
	require.NoError(t, err)
	require.Equal(t, controller.StateFailed, out.State)

	out, err = c.Retry(context.Background())
	require.NoError(t, err)
	assert.Equal(t, controller.StateCompleting, out.State)
	assert.Equal(t, "job-b", out.JobID)
}

func TestRetryOnlyFromTerminalFailure(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	c := controller.New(backend, fastConfig(), nil)
	_, err := c.Retry(context.Background())
	require.Error(t, err)
}

func TestFallbackAfterTokenLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-9", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-9", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: false, TokenLimitReached: true}),
	), nil)

	backend.EXPECT().StartFallback(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req controller.FallbackStart) (string, error) {
			assert.Equal(t, "codex", req.Provider)
			return "fb-1", nil
		})
	gomock.InOrder(
		backend.EXPECT().FallbackStatus(gomock.Any(), "fb-1").Return(job.Job{ID: "fb-1", Status: job.StatusRunning}, nil),
		backend.EXPECT().FallbackStatus(gomock.Any(), "fb-1").Return(terminalJob("fb-1", job.StatusSucceeded, job.Result{Success: true}), nil),
	)

	c := controller.New(backend, fastConfig(), nil)
	out, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, controller.StateTokenLimit, out.State)

	out, err = c.RunFallback(context.Background(), "codex")
	require.NoError(t, err)
	assert.Equal(t, controller.StateCompleting, out.State)
	assert.Equal(t, "fb-1", out.JobID)
}

func TestFallbackSurfacesErrorCode(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-10", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-10", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: false, TokenLimitReached: true}),
	), nil)
	backend.EXPECT().StartFallback(gomock.Any(), gomock.Any()).Return("fb-2", nil)
	backend.EXPECT().FallbackStatus(gomock.Any(), "fb-2").Return(
		terminalJob("fb-2", job.StatusFailed, job.Result{Error: "provider crashed", Code: "execution_failed"}), nil)

	c := controller.New(backend, fastConfig(), nil)
	_, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)

	out, err := c.RunFallback(context.Background(), "gemini")
	require.NoError(t, err)
	assert.Equal(t, controller.StateFailed, out.State)
	assert.Equal(t, "execution_failed", out.ErrorCode)
}

func TestFallbackOnlyFromTokenLimit(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	c := controller.New(backend, fastConfig(), nil)
	_, err := c.RunFallback(context.Background(), "codex")
	require.Error(t, err)
}

func TestMilestoneRoundTrip(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, req controller.StartRequest) (string, error) {
			// Planning dispatches never auto-mark roadmap items.
			assert.Empty(t, req.RoadmapItem)
			return "job-m", nil
		})
	backend.EXPECT().OpenStream(gomock.Any(), "job-m", int64(0)).Return(eventChan(
		outputEvent(1, "plan text"),
		completeEvent(2, job.Result{Success: true}),
	), nil)

	ms := milestone.NewMachine()
	c := controller.New(backend, fastConfig(), ms)

	out, err := c.StartMilestonePlan(context.Background(), "M1", []milestone.Item{{Text: "A"}}, "")
	require.NoError(t, err)
	require.Equal(t, controller.StateCompleting, out.State)

	// The controller diverts the success into the review phase; it never
	// advances to executing or resets on its own.
	assert.Equal(t, milestone.PhaseReviewing, ms.Phase())
	assert.Equal(t, "plan text", ms.PlanOutput())
}

func TestMilestonePlanFailureResetsMachine(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-m2", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-m2", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: false, Error: "boom"}),
	), nil)

	ms := milestone.NewMachine()
	c := controller.New(backend, fastConfig(), ms)

	out, err := c.StartMilestonePlan(context.Background(), "M1", []milestone.Item{{Text: "A"}}, "")
	require.NoError(t, err)
	assert.Equal(t, controller.StateFailed, out.State)
	assert.Equal(t, milestone.PhaseIdle, ms.Phase())
}

func TestAcknowledgeReturnsToIdle(t *testing.T) {
	ctrl := gomock.NewController(t)
	backend := mocks.NewMockBackend(ctrl)

	backend.EXPECT().Healthy(gomock.Any()).Return(nil)
	backend.EXPECT().StartDispatch(gomock.Any(), gomock.Any()).Return("job-11", nil)
	backend.EXPECT().OpenStream(gomock.Any(), "job-11", int64(0)).Return(eventChan(
		completeEvent(1, job.Result{Success: true}),
	), nil)

	c := controller.New(backend, fastConfig(), nil)
	_, err := c.Run(context.Background(), controller.DispatchContext{Prompt: "x"})
	require.NoError(t, err)
	require.Equal(t, controller.StateCompleting, c.State())

	require.NoError(t, c.Acknowledge())
	assert.Equal(t, controller.StateIdle, c.State())
	assert.Empty(t, c.JobID())
	assert.Empty(t, c.Output())
}
