package runner

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/CantinaDigital/claudetini/internal/log"
)

func TestMain(m *testing.M) {
	log.Setup("ERROR", "json")
	os.Exit(m.Run())
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-cli.sh")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0o755))
	return path
}

type collectSink struct {
	mu    sync.Mutex
	lines []string
}

func (c *collectSink) Line(l string) {
	c.mu.Lock()
	c.lines = append(c.lines, l)
	c.mu.Unlock()
}

func (c *collectSink) all() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, len(c.lines))
	copy(out, c.lines)
	return out
}

func TestStartEmptyPath(t *testing.T) {
	r := New("", nil, time.Second, time.Second)
	r.Path = ""
	_, err := r.Start(Request{Prompt: "x"}, SinkFunc(func(string) {}))
	require.Error(t, err)
}

func TestSuccessfulRunCapturesLinesInOrder(t *testing.T) {
	script := writeScript(t, `read prompt
echo "got: $prompt"
echo "line two"
`)
	r := New(script, nil, 10*time.Second, time.Second)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j1", Prompt: "hello"}, sink)
	require.NoError(t, err)

	out, ok := h.Wait(10 * time.Second)
	require.True(t, ok)
	assert.True(t, out.Success)
	assert.Empty(t, out.Err)
	assert.Equal(t, []string{"got: hello", "line two"}, sink.all())
}

func TestFlagsArePassedThrough(t *testing.T) {
	script := writeScript(t, `echo "$@"`)
	r := New(script, []string{"-p"}, 10*time.Second, time.Second)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j2", Prompt: "x", Flags: []string{"--agents", "--blitz"}}, sink)
	require.NoError(t, err)
	out, ok := h.Wait(10 * time.Second)
	require.True(t, ok)
	require.True(t, out.Success)
	require.Len(t, sink.all(), 1)
	assert.Equal(t, "-p --agents --blitz", sink.all()[0])
}

func TestNonZeroExitIsFailure(t *testing.T) {
	script := writeScript(t, `echo "partial work"
echo "fatal: something broke" >&2
exit 3
`)
	r := New(script, nil, 10*time.Second, time.Second)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j3", Prompt: "x"}, sink)
	require.NoError(t, err)
	out, ok := h.Wait(10 * time.Second)
	require.True(t, ok)
	assert.False(t, out.Success)
	assert.Contains(t, out.Err, "fatal: something broke")
	assert.Equal(t, []string{"partial work"}, sink.all())
}

func TestHardTimeout(t *testing.T) {
	script := writeScript(t, `echo "started"
sleep 30
`)
	r := New(script, nil, 300*time.Millisecond, 200*time.Millisecond)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j4", Prompt: "x"}, sink)
	require.NoError(t, err)
	out, ok := h.Wait(10 * time.Second)
	require.True(t, ok)
	assert.False(t, out.Success)
	assert.True(t, out.TimedOut)
	assert.Contains(t, out.Err, "timed out")
	assert.Equal(t, []string{"started"}, sink.all())
}

func TestCancelIsBestEffortAndImmediate(t *testing.T) {
	script := writeScript(t, `echo "started"
sleep 30
`)
	r := New(script, nil, time.Minute, 200*time.Millisecond)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j5", Prompt: "x"}, sink)
	require.NoError(t, err)

	// Give the script a moment to start.
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	assert.True(t, h.Cancel())
	assert.Less(t, time.Since(start), 100*time.Millisecond, "Cancel must not block on teardown")
	assert.False(t, h.Cancel(), "second cancel is a no-op")

	out, ok := h.Wait(10 * time.Second)
	require.True(t, ok)
	assert.False(t, out.Success)
	assert.True(t, out.Cancelled)
}

func TestCancelTerminatesForkedChildren(t *testing.T) {
	// The forked sleep inherits the stdout pipe; teardown must reach it
	// or the output scanner blocks until the child exits on its own.
	script := writeScript(t, `echo "started"
sleep 30 &
wait
`)
	r := New(script, nil, time.Minute, 200*time.Millisecond)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j8", Prompt: "x"}, sink)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	h.Cancel()

	out, ok := h.Wait(3 * time.Second)
	require.True(t, ok, "cancel must tear down the whole process tree")
	assert.True(t, out.Cancelled)
}

func TestHardTimeoutTerminatesForkedChildren(t *testing.T) {
	script := writeScript(t, `echo "started"
sleep 30 &
wait
`)
	r := New(script, nil, 300*time.Millisecond, 200*time.Millisecond)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j9", Prompt: "x"}, sink)
	require.NoError(t, err)

	out, ok := h.Wait(3 * time.Second)
	require.True(t, ok, "timeout must tear down the whole process tree")
	assert.True(t, out.TimedOut)
}

func TestSigkillEscalationForStubbornTree(t *testing.T) {
	// SIG_IGN survives fork and exec, so the sleep ignores SIGTERM too;
	// only the group SIGKILL after the grace period ends this run.
	script := writeScript(t, `trap '' TERM
echo "started"
sleep 30 &
wait
`)
	r := New(script, nil, time.Minute, 200*time.Millisecond)
	sink := &collectSink{}

	h, err := r.Start(Request{JobID: "j10", Prompt: "x"}, sink)
	require.NoError(t, err)

	time.Sleep(100 * time.Millisecond)
	h.Cancel()

	out, ok := h.Wait(5 * time.Second)
	require.True(t, ok, "SIGKILL escalation must end a TERM-ignoring tree")
	assert.True(t, out.Cancelled)
}

func TestWaitTimeout(t *testing.T) {
	script := writeScript(t, `sleep 5`)
	r := New(script, nil, time.Minute, time.Second)

	h, err := r.Start(Request{JobID: "j6", Prompt: "x"}, SinkFunc(func(string) {}))
	require.NoError(t, err)

	_, ok := h.Wait(50 * time.Millisecond)
	assert.False(t, ok)

	h.Cancel()
	_, ok = h.Wait(10 * time.Second)
	assert.True(t, ok)
}

func TestStderrIsCapped(t *testing.T) {
	// Emit ~200KB of stderr; capture must stop at the cap.
	script := writeScript(t, `i=0
while [ $i -lt 2000 ]; do
  printf 'xxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxxx\n' >&2
  i=$((i+1))
done
exit 1
`)
	r := New(script, nil, 30*time.Second, time.Second)
	h, err := r.Start(Request{JobID: "j7", Prompt: "x"}, SinkFunc(func(string) {}))
	require.NoError(t, err)
	out, ok := h.Wait(30 * time.Second)
	require.True(t, ok)
	assert.LessOrEqual(t, len(out.Stderr), maxStderrBytes)
}

func TestLastLine(t *testing.T) {
	assert.Equal(t, "", lastLine(""))
	assert.Equal(t, "only", lastLine("only"))
	assert.Equal(t, "b", lastLine("a\nb\n"))
	assert.Equal(t, "a", lastLine("a\n\n"))
}
