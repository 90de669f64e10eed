package turn

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/resume"
	"draftpilot.dev/agentstream/runstate"
	"draftpilot.dev/agentstream/runstate/inmem"
	"draftpilot.dev/agentstream/transport"
)

type (
	// scriptedBackend serves a fixed stream body, failing when err is set.
	scriptedBackend struct {
		mu     sync.Mutex
		stream string
		err    error
		gotReq transport.SubmitRequest
	}

	// pipeBackend serves a stream the test writes to incrementally. The
	// returned body honors context cancellation the way an HTTP response
	// body does: cancel closes the read side.
	pipeBackend struct {
		pw *io.PipeWriter
		pr *io.PipeReader
	}

	fakeResumer struct {
		mu     sync.Mutex
		err    error
		calls  int
		thread string
		value  any
	}
)

func (b *scriptedBackend) OpenStream(_ context.Context, sub transport.SubmitRequest) (io.ReadCloser, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.gotReq = sub
	if b.err != nil {
		return nil, b.err
	}
	return io.NopCloser(strings.NewReader(b.stream)), nil
}

func newPipeBackend() *pipeBackend {
	pr, pw := io.Pipe()
	return &pipeBackend{pw: pw, pr: pr}
}

func (b *pipeBackend) OpenStream(ctx context.Context, _ transport.SubmitRequest) (io.ReadCloser, error) {
	go func() {
		<-ctx.Done()
		b.pr.CloseWithError(ctx.Err())
	}()
	return b.pr, nil
}

func (b *pipeBackend) write(t *testing.T, line string) {
	t.Helper()
	_, err := b.pw.Write([]byte(line + "\n"))
	require.NoError(t, err)
}

func (r *fakeResumer) Resume(_ context.Context, threadID string, value any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.thread = threadID
	r.value = value
	return r.err
}

func stream(lines ...string) string {
	return strings.Join(lines, "\n") + "\n"
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("condition not reached")
		case <-time.After(time.Millisecond):
		}
	}
}

func TestSubmitScenario(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"streaming","content":"Sure, "}`,
		`data: {"step":"streaming","content":"Sure, here it is."}`,
		`data: {"step":"done","content":"Sure, here it is."}`,
	)}
	store := conversation.NewStore()
	slot := inmem.New()
	ctrl := NewController(backend, store, slot)

	outcome, err := ctrl.Submit(context.Background(), "Draft a caption", Options{ModelID: "m1"})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, "Sure, here it is.", outcome.Content)

	snap := store.Snapshot()
	require.Len(t, snap.Messages, 2)
	assert.Equal(t, conversation.RoleUser, snap.Messages[0].Role)
	assert.Equal(t, "Draft a caption", snap.Messages[0].Content)
	last := snap.Messages[1]
	assert.Equal(t, "Sure, here it is.", last.Content, "content is last-write-wins, never concatenated")
	assert.False(t, last.IsStreaming)

	// Request carried the generated thread id and options.
	assert.Equal(t, ctrl.ThreadID(), backend.gotReq.ThreadID)
	assert.Equal(t, "m1", backend.gotReq.ModelID)

	// Normal completion clears the persisted run id.
	v, err := slot.Get(context.Background(), runstate.ForThread(ctrl.ThreadID()))
	require.NoError(t, err)
	assert.Empty(t, v)
}

func TestThinkingIndependentOfContent(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"thinking","thinking":"analyzing brief"}`,
		`data: {"step":"streaming","content":"Draft"}`,
		`data: {"step":"done","content":"Draft","thinking":"analyzed brief"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	_, err := ctrl.Submit(context.Background(), "go", Options{})
	require.NoError(t, err)
	last, _ := store.Last()
	assert.Equal(t, "Draft", last.Content)
	assert.Equal(t, "analyzed brief", last.Thinking)
	assert.False(t, last.IsThinking)
}

func TestToolCorrelationThroughStream(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"tool_call","id":"t1","name":"search","args":{"q":"trends"}}`,
		`data: {"step":"tool_result","id":"t1","result":"5 hits"}`,
		`data: {"step":"tool_result","id":"t9","result":"orphan"}`,
		`data: {"step":"done","content":"found them"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	outcome, err := ctrl.Submit(context.Background(), "find trends", Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)

	last, _ := store.Last()
	require.Len(t, last.ToolCalls, 1, "orphan result must not create a record")
	assert.Equal(t, conversation.ToolCompleted, last.ToolCalls[0].Status)
	assert.Equal(t, "5 hits", last.ToolCalls[0].Result)
}

func TestMalformedFrameToleranceEndToEnd(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"streaming","content":"first"}`,
		`data: {not json`,
		`data: {"step":"streaming","content":"second"}`,
		`data: {"step":"done","content":"second"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	outcome, err := ctrl.Submit(context.Background(), "go", Options{})
	require.NoError(t, err)
	assert.Equal(t, "second", outcome.Content)
}

func TestSyncFramesReplaceProjections(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"sync","todos":[{"text":"outline"},{"text":"draft"}],"files":{"post.md":"# Post"}}`,
		`data: {"step":"sync","todos":[{"text":"draft"}],"files":{"post.md":"# Post v2"}}`,
		`data: {"step":"done","content":"ok"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	_, err := ctrl.Submit(context.Background(), "go", Options{})
	require.NoError(t, err)
	snap := store.Snapshot()
	require.Len(t, snap.Todos, 1)
	assert.Equal(t, "draft", snap.Todos[0].Text)
	assert.Equal(t, "# Post v2", snap.Files["post.md"])
}

func TestTransportFailure(t *testing.T) {
	backend := &scriptedBackend{err: &transport.StatusError{Status: 503, Body: "overloaded"}}
	store := conversation.NewStore()
	slot := inmem.New()
	ctrl := NewController(backend, store, slot)

	outcome, err := ctrl.Submit(context.Background(), "go", Options{})
	require.Error(t, err)
	assert.Equal(t, StateErrored, outcome.State)

	last, _ := store.Last()
	assert.True(t, strings.HasPrefix(last.Content, "Error: "), "assistant message is the error carrier")
	assert.False(t, last.IsStreaming)

	v, _ := slot.Get(context.Background(), runstate.ForThread(ctrl.ThreadID()))
	assert.Empty(t, v, "failed turn must clear the run slot")
}

func TestErrorFrame(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"streaming","content":"partial"}`,
		`data: {"step":"error","error":"model overloaded"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	outcome, err := ctrl.Submit(context.Background(), "go", Options{})
	require.Error(t, err)
	assert.Equal(t, StateErrored, outcome.State)
	assert.Equal(t, "Error: model overloaded", outcome.Content)
}

func TestStopRetainsPartialContent(t *testing.T) {
	backend := newPipeBackend()
	store := conversation.NewStore()
	slot := inmem.New()
	ctrl := NewController(backend, store, slot)

	done := make(chan Outcome, 1)
	go func() {
		outcome, err := ctrl.Submit(context.Background(), "go", Options{})
		assert.NoError(t, err, "an aborted turn is a soft completion")
		done <- outcome
	}()

	waitFor(t, func() bool { return ctrl.State() == StateStreaming })
	backend.write(t, `data: {"step":"streaming","content":"Hello wor"}`)
	waitFor(t, func() bool {
		last, ok := store.Last()
		return ok && last.Content == "Hello wor"
	})

	ctrl.Stop()
	outcome := <-done
	assert.Equal(t, StateAborted, outcome.State)
	assert.Equal(t, "Hello wor", outcome.Content)

	last, _ := store.Last()
	assert.Equal(t, "Hello wor", last.Content)
	assert.False(t, last.IsStreaming)

	v, _ := slot.Get(context.Background(), runstate.ForThread(ctrl.ThreadID()))
	assert.Empty(t, v, "explicit stop must clear the run slot")
}

func TestConcurrentSubmitRejected(t *testing.T) {
	backend := newPipeBackend()
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = ctrl.Submit(context.Background(), "first", Options{})
	}()
	waitFor(t, func() bool { return ctrl.State() == StateStreaming })

	_, err := ctrl.Submit(context.Background(), "second", Options{})
	assert.ErrorIs(t, err, ErrTurnActive)

	ctrl.Stop()
	<-done
}

func TestInterruptPausesAndKeepsSlot(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"tool_call","id":"t1","name":"publish_post"}`,
		`data: {"step":"interrupt","id":"i1","prompt":"Approve publishing?"}`,
	)}
	store := conversation.NewStore()
	slot := inmem.New()
	ctrl := NewController(backend, store, slot)

	outcome, err := ctrl.Submit(context.Background(), "publish it", Options{})
	require.NoError(t, err)
	assert.Equal(t, StatePaused, outcome.State)
	assert.Equal(t, StatePaused, ctrl.State())

	last, _ := store.Last()
	assert.False(t, last.IsStreaming)
	require.Len(t, last.ToolCalls, 1)
	assert.Equal(t, conversation.ToolInterrupted, last.ToolCalls[0].Status)

	// A paused run is resumable: the slot must survive.
	v, _ := slot.Get(context.Background(), runstate.ForThread(ctrl.ThreadID()))
	assert.Equal(t, ctrl.RunID(), v)

	// A paused controller rejects new submits until resumed.
	_, err = ctrl.Submit(context.Background(), "another", Options{})
	assert.ErrorIs(t, err, ErrTurnActive)
}

func TestResumeCompletesPausedTurn(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"interrupt","id":"i1","prompt":"Approve?"}`,
	)}
	store := conversation.NewStore()
	slot := inmem.New()
	ctrl := NewController(backend, store, slot)

	_, err := ctrl.Submit(context.Background(), "publish", Options{})
	require.NoError(t, err)
	require.Equal(t, StatePaused, ctrl.State())

	resumer := &fakeResumer{}
	gw := resume.NewGateway(resumer, store, nil)
	require.NoError(t, ctrl.Resume(context.Background(), gw, true))

	assert.Equal(t, StateCompleted, ctrl.State())
	assert.Equal(t, ctrl.ThreadID(), resumer.thread)
	assert.Equal(t, true, resumer.value)

	v, _ := slot.Get(context.Background(), runstate.ForThread(ctrl.ThreadID()))
	assert.Empty(t, v, "successful resume clears the run slot")
}

func TestResumeFailureStaysPaused(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"interrupt","id":"i1"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	_, err := ctrl.Submit(context.Background(), "publish", Options{})
	require.NoError(t, err)

	resumer := &fakeResumer{err: errors.New("gateway timeout")}
	gw := resume.NewGateway(resumer, store, nil)
	err = ctrl.Resume(context.Background(), gw, false)
	require.Error(t, err)
	assert.Equal(t, StatePaused, ctrl.State(), "failed resume keeps the turn paused")
	assert.Contains(t, store.Err(), "resume failed")
}

func TestResumeRequiresPaused(t *testing.T) {
	ctrl := NewController(&scriptedBackend{}, conversation.NewStore(), inmem.New())
	gw := resume.NewGateway(&fakeResumer{}, ctrl.Store(), nil)
	assert.ErrorIs(t, ctrl.Resume(context.Background(), gw, true), ErrNotPaused)
}

func TestStreamEndWithoutTerminalFrameCompletes(t *testing.T) {
	backend := &scriptedBackend{stream: stream(
		`data: {"step":"streaming","content":"half an answ"}`,
	)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	outcome, err := ctrl.Submit(context.Background(), "go", Options{})
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, outcome.State)
	assert.Equal(t, "half an answ", outcome.Content)
}

func TestDetectOrphan(t *testing.T) {
	ctx := context.Background()
	slot := inmem.New()
	require.NoError(t, slot.Set(ctx, runstate.ForThread("th-1"), "run-stale"))

	ctrl := NewController(&scriptedBackend{}, conversation.NewStore(), slot, WithThreadID("th-1"))
	id, ok, err := ctrl.DetectOrphan(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "run-stale", id)

	// No thread pinned and nothing submitted: nothing to detect.
	fresh := NewController(&scriptedBackend{}, conversation.NewStore(), slot)
	_, ok, err = fresh.DetectOrphan(ctx)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSequentialTurnsShareThread(t *testing.T) {
	backend := &scriptedBackend{stream: stream(`data: {"step":"done","content":"one"}`)}
	store := conversation.NewStore()
	ctrl := NewController(backend, store, inmem.New())

	_, err := ctrl.Submit(context.Background(), "first", Options{})
	require.NoError(t, err)
	thread := ctrl.ThreadID()
	firstRun := ctrl.RunID()

	backend.stream = stream(`data: {"step":"done","content":"two"}`)
	_, err = ctrl.Submit(context.Background(), "second", Options{})
	require.NoError(t, err)

	assert.Equal(t, thread, ctrl.ThreadID(), "thread id is stable across turns")
	assert.NotEqual(t, firstRun, ctrl.RunID(), "each turn gets a fresh run id")
	assert.Equal(t, 4, store.Len())
}
