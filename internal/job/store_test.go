package job

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCreateAndGet(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "do the thing", Mode: "blitz"}, "/tmp/x.log")
	require.NotEmpty(t, id)

	j, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, StatusQueued, j.Status)
	assert.Equal(t, "do the thing", j.Request.Prompt)
	assert.Equal(t, "/tmp/x.log", j.LogFile)
	assert.False(t, j.CreatedAt.IsZero())
	assert.Nil(t, j.StartedAt)
	assert.Nil(t, j.Result)
}

func TestGetUnknown(t *testing.T) {
	s := NewStore()
	_, err := s.Get("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSetLogFile(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")

	require.NoError(t, s.SetLogFile(id, "/tmp/"+id+".log"))
	j, err := s.Get(id)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/"+id+".log", j.LogFile)

	assert.ErrorIs(t, s.SetLogFile("missing", "/tmp/x.log"), ErrNotFound)
}

func TestIDPrefix(t *testing.T) {
	s := NewStore(WithIDPrefix("fb-"))
	id := s.Create(Request{Prompt: "p"}, "")
	assert.True(t, strings.HasPrefix(id, "fb-"))
}

func TestLifecycleTransitions(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")

	require.NoError(t, s.SetRunning(id))
	j, _ := s.Get(id)
	assert.Equal(t, StatusRunning, j.Status)
	require.NotNil(t, j.StartedAt)

	require.NoError(t, s.Complete(id, StatusSucceeded, Result{Success: true}))
	j, _ = s.Get(id)
	assert.Equal(t, StatusSucceeded, j.Status)
	require.NotNil(t, j.EndedAt)
	require.NotNil(t, j.Result)
	assert.True(t, j.Result.Success)
}

func TestCompleteIsExactlyOnce(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")
	require.NoError(t, s.Complete(id, StatusFailed, Result{Error: "boom"}))

	j, _ := s.Get(id)
	firstEnd := *j.EndedAt

	// Second terminal transition is rejected and ended_at is unchanged.
	err := s.Complete(id, StatusSucceeded, Result{Success: true})
	assert.ErrorIs(t, err, ErrTerminal)
	j, _ = s.Get(id)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Equal(t, firstEnd, *j.EndedAt)
	assert.Equal(t, "boom", j.Result.Error)
}

func TestCompleteRejectsNonTerminalStatus(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")
	assert.ErrorIs(t, s.Complete(id, StatusRunning, Result{}), ErrTerminal)
}

func TestOutputBufferCap(t *testing.T) {
	s := NewStore(WithOutputCap(1000))
	id := s.Create(Request{Prompt: "p"}, "")

	for i := 0; i < 1500; i++ {
		require.NoError(t, s.AppendOutput(id, fmt.Sprintf("line %d", i)))
	}

	j, err := s.Get(id)
	require.NoError(t, err)
	assert.Len(t, j.Output, 1000)
	assert.Equal(t, 1500, j.TotalLines)
	// Oldest discarded first: buffer starts at line 500.
	assert.Equal(t, "line 500", j.Output[0])
	assert.Equal(t, "line 1499", j.Output[999])
}

func TestTail(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")
	for i := 0; i < 10; i++ {
		require.NoError(t, s.AppendOutput(id, fmt.Sprintf("l%d", i)))
	}

	tail, err := s.Tail(id, 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"l7", "l8", "l9"}, tail)

	all, err := s.Tail(id, 0)
	require.NoError(t, err)
	assert.Len(t, all, 10)
}

func TestActiveCount(t *testing.T) {
	s := NewStore()
	a := s.Create(Request{Prompt: "a"}, "")
	b := s.Create(Request{Prompt: "b"}, "")
	assert.Equal(t, 2, s.ActiveCount())

	require.NoError(t, s.Complete(a, StatusCancelled, Result{}))
	assert.Equal(t, 1, s.ActiveCount())
	_ = b
}

func TestSweepRemovesOnlyExpiredTerminal(t *testing.T) {
	s := NewStore()
	done := s.Create(Request{Prompt: "done"}, "")
	running := s.Create(Request{Prompt: "running"}, "")
	require.NoError(t, s.SetRunning(running))
	require.NoError(t, s.Complete(done, StatusSucceeded, Result{Success: true}))

	// Horizon in the future: nothing collected yet.
	assert.Equal(t, 0, s.Sweep(time.Hour))
	_, err := s.Get(done)
	assert.NoError(t, err)

	// Zero horizon: the terminal job goes, the running one stays.
	assert.Equal(t, 1, s.Sweep(-time.Second))
	_, err = s.Get(done)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = s.Get(running)
	assert.NoError(t, err)
}

func TestSnapshotIsolation(t *testing.T) {
	s := NewStore()
	id := s.Create(Request{Prompt: "p"}, "")
	require.NoError(t, s.AppendOutput(id, "one"))

	j, _ := s.Get(id)
	j.Output[0] = "mutated"

	j2, _ := s.Get(id)
	assert.Equal(t, "one", j2.Output[0])
}
