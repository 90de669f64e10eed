// Package turn orchestrates one request/response turn of an agent
// conversation: it issues the chat request, owns the abort signal, feeds
// decoded frames into the conversation store, tracks the resumable run id,
// and resolves the turn's outcome.
//
// A Controller handles one thread and at most one in-flight turn. Submit
// runs the whole turn synchronously and is the single writer to the store
// for its duration; Stop may be called from any goroutine to abort the
// stream cooperatively.
package turn

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"goa.design/clue/log"

	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/correlate"
	"draftpilot.dev/agentstream/frame"
	"draftpilot.dev/agentstream/resume"
	"draftpilot.dev/agentstream/runstate"
	"draftpilot.dev/agentstream/telemetry"
	"draftpilot.dev/agentstream/transport"
)

// State is the controller lifecycle state.
type State string

const (
	// StateIdle means no turn has run yet.
	StateIdle State = "idle"
	// StateSubmitting means the request is being opened.
	StateSubmitting State = "submitting"
	// StateStreaming means frames are being consumed.
	StateStreaming State = "streaming"
	// StateCompleted means the last turn finished normally.
	StateCompleted State = "completed"
	// StateAborted means the last turn was stopped by the user. Partial
	// content is retained; this is not an error state.
	StateAborted State = "aborted"
	// StateErrored means the last turn failed at the transport level or via
	// a terminal error frame.
	StateErrored State = "errored"
	// StatePaused means the turn hit an interrupt frame and awaits a human
	// decision through the resume gateway.
	StatePaused State = "paused"
)

// ErrTurnActive is returned by Submit while another turn is in flight or the
// controller is paused awaiting a resume decision.
var ErrTurnActive = errors.New("turn: another turn is active")

// ErrNotPaused is returned by Resume when the controller is not paused.
var ErrNotPaused = errors.New("turn: controller is not paused")

type (
	// StreamOpener opens the chat event stream. *transport.Client satisfies
	// this.
	StreamOpener interface {
		OpenStream(ctx context.Context, sub transport.SubmitRequest) (io.ReadCloser, error)
	}

	// Options carries per-submit parameters forwarded to the backend.
	Options struct {
		WorkspaceID     string
		ModelID         string
		ContentBlocks   []transport.ContentBlock
		EnableReasoning bool
	}

	// Outcome is the resolved result of a turn.
	Outcome struct {
		// State is the terminal (or paused) state the turn reached.
		State State
		// RunID identifies the run that served the turn.
		RunID string
		// Content is the final assistant content, possibly partial after an
		// abort and possibly an "Error: ..." carrier after a failure.
		Content string
	}

	// Controller drives turns for a single thread.
	Controller struct {
		backend StreamOpener
		store   *conversation.Store
		slot    runstate.Slot
		tracker *correlate.Tracker
		strict  bool

		mu       sync.Mutex
		state    State
		threadID string
		runID    string
		cancel   context.CancelFunc
	}

	// ControllerOption configures a Controller.
	ControllerOption func(*Controller)
)

// WithThreadID pins the controller to an existing thread instead of
// generating one on first submit.
func WithThreadID(id string) ControllerOption {
	return func(c *Controller) { c.threadID = id }
}

// WithStrictFrames enables schema validation of decoded frames.
func WithStrictFrames() ControllerOption {
	return func(c *Controller) { c.strict = true }
}

// NewController constructs a Controller writing into store and persisting
// run ids through slot.
func NewController(backend StreamOpener, store *conversation.Store, slot runstate.Slot, opts ...ControllerOption) *Controller {
	c := &Controller{
		backend: backend,
		store:   store,
		slot:    slot,
		tracker: correlate.NewTracker(store),
		state:   StateIdle,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// State returns the current controller state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// ThreadID returns the thread identifier, empty before the first submit when
// none was pinned.
func (c *Controller) ThreadID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.threadID
}

// RunID returns the run identifier of the current or most recent turn.
func (c *Controller) RunID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runID
}

// Store returns the conversation store the controller writes to.
func (c *Controller) Store() *conversation.Store { return c.store }

// Submit runs one full turn: it appends the user message and a streaming
// assistant placeholder (optimistic update), opens the stream, and consumes
// frames until a terminal frame, end of stream, or abort. It blocks until
// the turn resolves and returns the outcome.
//
// Submit rejects a concurrent call with ErrTurnActive: a controller carries
// at most one in-flight turn. The returned error is non-nil only for
// rejected submits and failed turns; an aborted turn is a soft completion
// and returns a nil error with the partial content retained.
func (c *Controller) Submit(ctx context.Context, content string, opts Options) (Outcome, error) {
	streamCtx, err := c.begin(ctx)
	if err != nil {
		return Outcome{}, err
	}
	started := time.Now()
	outcome, err := c.run(streamCtx, content, opts)
	c.finish(outcome.State)
	telemetry.TurnFinished(ctx, string(outcome.State), time.Since(started))
	return outcome, err
}

// Stop aborts the in-flight turn's network read. The abort is cooperative:
// frames already dispatched stay applied, and the partial content streamed so
// far is kept. Stopping an idle controller is a no-op.
func (c *Controller) Stop() {
	c.mu.Lock()
	cancel := c.cancel
	c.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Resume delivers a human decision for a paused turn through gw and
// transitions the controller out of Paused. On success the turn is
// considered complete: the resumed remainder of the run is reconstructed
// from durable history by the gateway's revalidation callback rather than
// re-streamed, and the persisted run id is cleared. On failure the
// controller stays Paused so the decision can be retried.
func (c *Controller) Resume(ctx context.Context, gw *resume.Gateway, value any) error {
	c.mu.Lock()
	if c.state != StatePaused {
		c.mu.Unlock()
		return ErrNotPaused
	}
	c.state = StateStreaming
	threadID := c.threadID
	c.mu.Unlock()

	if err := gw.ResumeInterrupt(ctx, threadID, value); err != nil {
		c.mu.Lock()
		c.state = StatePaused
		c.mu.Unlock()
		return err
	}
	c.clearSlot(ctx)
	c.mu.Lock()
	c.state = StateCompleted
	c.mu.Unlock()
	return nil
}

// DetectOrphan reports a run id persisted for this thread, if any. A
// non-empty id after a fresh start means a previous process submitted a turn
// that may still be in flight server-side. The id is untrusted: the server
// may have forgotten the run, and callers must tolerate a resume that fails.
func (c *Controller) DetectOrphan(ctx context.Context) (string, bool, error) {
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()
	if threadID == "" {
		return "", false, nil
	}
	id, err := c.slot.Get(ctx, runstate.ForThread(threadID))
	if err != nil {
		return "", false, fmt.Errorf("detect orphan run: %w", err)
	}
	return id, id != "", nil
}

// begin validates preconditions, assigns identifiers, and installs the abort
// signal. It returns the cancelable stream context.
func (c *Controller) begin(ctx context.Context) (context.Context, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case StateSubmitting, StateStreaming, StatePaused:
		return nil, ErrTurnActive
	}
	if c.threadID == "" {
		c.threadID = uuid.NewString()
	}
	c.runID = uuid.NewString()
	c.state = StateSubmitting
	streamCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	return streamCtx, nil
}

// finish records the terminal state and releases the abort signal.
func (c *Controller) finish(s State) {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	c.state = s
	c.mu.Unlock()
}

func (c *Controller) run(ctx context.Context, content string, opts Options) (Outcome, error) {
	c.mu.Lock()
	threadID, runID := c.threadID, c.runID
	c.mu.Unlock()

	telemetry.TurnStarted(ctx)
	if err := c.slot.Set(ctx, runstate.ForThread(threadID), runID); err != nil {
		// Best effort: a lost slot only disables orphan detection.
		log.Printf(ctx, "persist run id failed for thread %s: %v", threadID, err)
	}

	// Optimistic update: the user sees their message before the network
	// round trip completes.
	c.store.AppendMessage(conversation.Message{
		ID:      uuid.NewString(),
		Role:    conversation.RoleUser,
		Content: content,
	})
	c.store.AppendMessage(conversation.Message{
		ID:          uuid.NewString(),
		Role:        conversation.RoleAssistant,
		IsStreaming: true,
	})
	c.tracker.Reset()

	body, err := c.backend.OpenStream(ctx, transport.SubmitRequest{
		Message:         content,
		ThreadID:        threadID,
		WorkspaceID:     opts.WorkspaceID,
		ModelID:         opts.ModelID,
		ContentBlocks:   opts.ContentBlocks,
		EnableReasoning: opts.EnableReasoning,
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.abort(ctx, runID), nil
		}
		return c.fail(ctx, runID, err), err
	}
	defer body.Close()

	c.mu.Lock()
	c.state = StateStreaming
	c.mu.Unlock()

	var decOpts []frame.Option
	if c.strict {
		decOpts = append(decOpts, frame.WithStrictValidation())
	}
	dec := frame.NewDecoder(body, decOpts...)
	for {
		f, err := dec.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return c.abort(ctx, runID), nil
			}
			if errors.Is(err, io.EOF) {
				// Stream ended without a terminal frame: treat as a soft
				// completion with whatever content arrived.
				return c.complete(ctx, runID, nil), nil
			}
			readErr := fmt.Errorf("read stream: %w", err)
			return c.fail(ctx, runID, readErr), readErr
		}
		// An abort must suppress frames that were already buffered.
		if ctx.Err() != nil {
			return c.abort(ctx, runID), nil
		}
		switch fr := f.(type) {
		case frame.Thinking:
			c.store.MutateLast(func(m *conversation.Message) {
				m.Thinking = fr.Text
				m.IsThinking = true
			})
		case frame.Content:
			// Full replacement, never concatenation.
			c.store.MutateLast(func(m *conversation.Message) {
				m.Content = fr.Text
			})
		case frame.ToolCall:
			c.tracker.ApplyToolCall(ctx, fr)
		case frame.ToolResult:
			c.tracker.ApplyToolResult(ctx, fr)
		case frame.SubAgent:
			c.tracker.ApplySubAgent(ctx, fr)
		case frame.Activity:
			c.store.MutateLast(func(m *conversation.Message) {
				m.Activity = fr.Text
			})
		case frame.Sync:
			c.store.SetTodos(fr.Todos)
			c.store.SetFiles(fr.Files)
		case frame.Done:
			return c.complete(ctx, runID, &fr), nil
		case frame.Error:
			termErr := fmt.Errorf("turn failed: %s", fr.Message)
			return c.failWithMessage(ctx, runID, fr.Message), termErr
		case frame.Interrupt:
			return c.pause(ctx, runID, fr), nil
		case frame.Ignored:
			log.Debugf(ctx, "ignoring frame with unknown step %q", fr.Step)
		}
	}
}

// complete finalizes a successful turn. done carries the terminal content
// and thinking values when the server sent them; nil means the stream ended
// without a terminal frame and the streamed values stand.
func (c *Controller) complete(ctx context.Context, runID string, done *frame.Done) Outcome {
	var final string
	c.store.MutateLast(func(m *conversation.Message) {
		if done != nil {
			if done.Content != "" {
				m.Content = done.Content
			}
			if done.Thinking != "" {
				m.Thinking = done.Thinking
			}
		}
		m.IsStreaming = false
		m.IsThinking = false
		m.Activity = ""
		final = m.Content
	})
	c.clearSlot(ctx)
	return Outcome{State: StateCompleted, RunID: runID, Content: final}
}

// abort finalizes a user-cancelled turn: partial content is retained and the
// turn is a soft completion, not an error.
func (c *Controller) abort(ctx context.Context, runID string) Outcome {
	var final string
	c.store.MutateLast(func(m *conversation.Message) {
		m.IsStreaming = false
		m.IsThinking = false
		m.Activity = ""
		final = m.Content
	})
	c.clearSlot(ctx)
	return Outcome{State: StateAborted, RunID: runID, Content: final}
}

// fail finalizes a turn broken by a transport-level failure. The assistant
// message becomes the error carrier so the transcript remains a complete
// audit trail. There is no automatic retry.
func (c *Controller) fail(ctx context.Context, runID string, err error) Outcome {
	log.Errorf(ctx, err, "turn transport failure")
	return c.failWithMessage(ctx, runID, err.Error())
}

func (c *Controller) failWithMessage(ctx context.Context, runID, msg string) Outcome {
	final := "Error: " + msg
	c.store.MutateLast(func(m *conversation.Message) {
		m.Content = final
		m.IsStreaming = false
		m.IsThinking = false
		m.Activity = ""
	})
	c.clearSlot(ctx)
	return Outcome{State: StateErrored, RunID: runID, Content: final}
}

// pause suspends the turn on an interrupt frame. The run id stays persisted:
// a paused run is resumable and must survive a reload.
func (c *Controller) pause(ctx context.Context, runID string, fr frame.Interrupt) Outcome {
	c.tracker.MarkInterrupted(ctx)
	var final string
	c.store.MutateLast(func(m *conversation.Message) {
		m.IsStreaming = false
		m.IsThinking = false
		if fr.Prompt != "" {
			m.Activity = fr.Prompt
		} else {
			m.Activity = ""
		}
		final = m.Content
	})
	return Outcome{State: StatePaused, RunID: runID, Content: final}
}

func (c *Controller) clearSlot(ctx context.Context) {
	c.mu.Lock()
	threadID := c.threadID
	c.mu.Unlock()
	// Clearing must not be tied to the stream context: it runs after aborts.
	clearCtx := context.WithoutCancel(ctx)
	if err := c.slot.Clear(clearCtx, runstate.ForThread(threadID)); err != nil {
		log.Printf(ctx, "clear run id failed for thread %s: %v", threadID, err)
	}
}
