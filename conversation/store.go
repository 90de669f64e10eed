// Package conversation holds the client-side transcript state for one agent
// conversation: an ordered, append-only message list plus the task-list and
// file-map projections that the server synchronizes wholesale. The Store is
// the single source of truth for callers rendering the conversation.
//
// Write discipline: new messages are appended, and only the final message is
// ever mutated in place. Historical messages are immutable. The turn
// controller is the sole writer while a turn is active; every other caller
// reads through Snapshot. The Store enforces this with an internal mutex so
// the guarantee holds under concurrent access, not just under cooperative
// scheduling.
package conversation

import "sync"

type (
	// Role identifies the author of a message.
	Role string

	// ToolStatus is the lifecycle state of a tool invocation. Transitions are
	// monotonic (pending → completed/error) except that an interrupted call
	// may later move to completed or error after the run is resumed.
	ToolStatus string

	// SubAgentStatus is the lifecycle state of a delegated sub-agent.
	SubAgentStatus string

	// ToolCall records one tool invocation requested by the assistant during
	// a turn. Name and Args are captured at invocation time and never change;
	// Result stays empty until the matching result frame arrives.
	ToolCall struct {
		// ID is the correlation key assigned by the server.
		ID string
		// Name is the tool identifier as reported by the server.
		Name string
		// Args holds the invocation arguments captured at call time.
		Args map[string]any
		// Result is the textual tool output, empty until resolution.
		Result string
		// Status tracks the call lifecycle.
		Status ToolStatus
	}

	// SubAgent records a delegation to a named sub-agent. Repeat sightings of
	// the same ID update Output and Status in place, preserving list position.
	SubAgent struct {
		ID     string
		Name   string
		Input  string
		Output string
		Status SubAgentStatus
	}

	// TodoItem is one entry of the server-synchronized task list.
	TodoItem struct {
		ID     string `json:"id,omitempty"`
		Text   string `json:"text"`
		Status string `json:"status,omitempty"`
	}

	// Message is one participant contribution to the conversation.
	Message struct {
		// ID is assigned client-side at creation time.
		ID string
		// Role is immutable once the message is created.
		Role Role
		// Content is the visible text. For assistant messages each content
		// frame carries the full current value, so updates overwrite the
		// buffer wholesale rather than appending.
		Content string
		// IsStreaming is true from creation until a terminal frame for this
		// message arrives. At most one message in the store is streaming at
		// any time.
		IsStreaming bool
		// Thinking is the interim reasoning buffer, independent of Content
		// and governed by the same latest-value-wins rule.
		Thinking   string
		IsThinking bool
		// ToolCalls is append-only by ID.
		ToolCalls []ToolCall
		// SubAgents is append-only by ID with in-place status updates.
		SubAgents []SubAgent
		// Activity is an ephemeral progress string, cleared on terminal frames.
		Activity string
	}

	// Snapshot is a deep copy of the store contents handed to read-only
	// callers. Mutating a snapshot never affects the store.
	Snapshot struct {
		Messages []Message
		Todos    []TodoItem
		Files    map[string]string
		Err      string
	}

	// Store is the conversation state container. All methods are safe for
	// concurrent use. Subscribers registered via Subscribe are notified after
	// every mutation, outside the store lock.
	Store struct {
		mu       sync.RWMutex
		messages []Message
		todos    []TodoItem
		files    map[string]string
		errMsg   string

		subMu   sync.Mutex
		subs    map[int]func()
		nextSub int
	}
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	ToolPending     ToolStatus = "pending"
	ToolCompleted   ToolStatus = "completed"
	ToolError       ToolStatus = "error"
	ToolInterrupted ToolStatus = "interrupted"
)

const (
	SubAgentPending   SubAgentStatus = "pending"
	SubAgentActive    SubAgentStatus = "active"
	SubAgentCompleted SubAgentStatus = "completed"
	SubAgentError     SubAgentStatus = "error"
)

// NewStore constructs an empty Store ready for use.
func NewStore() *Store {
	return &Store{
		files: make(map[string]string),
		subs:  make(map[int]func()),
	}
}

// AppendMessage adds msg to the end of the conversation. Messages are never
// reordered. When msg.IsStreaming is set, any previously streaming message is
// finalized first so the single-streaming invariant holds.
func (s *Store) AppendMessage(msg Message) {
	s.mu.Lock()
	if msg.IsStreaming {
		for i := range s.messages {
			s.messages[i].IsStreaming = false
		}
	}
	s.messages = append(s.messages, cloneMessage(msg))
	s.mu.Unlock()
	s.notify()
}

// MutateLast applies fn to the final message under the store lock and reports
// whether the mutation was applied. The call is a no-op (returning false)
// when the store is empty or the last message is not an assistant message:
// a late frame arriving after the transcript moved on must not corrupt
// history. fn must not retain the *Message beyond the call.
func (s *Store) MutateLast(fn func(*Message)) bool {
	s.mu.Lock()
	if len(s.messages) == 0 {
		s.mu.Unlock()
		return false
	}
	last := &s.messages[len(s.messages)-1]
	if last.Role != RoleAssistant {
		s.mu.Unlock()
		return false
	}
	fn(last)
	s.mu.Unlock()
	s.notify()
	return true
}

// SetTodos replaces the task-list projection wholesale.
func (s *Store) SetTodos(todos []TodoItem) {
	s.mu.Lock()
	s.todos = append([]TodoItem(nil), todos...)
	s.mu.Unlock()
	s.notify()
}

// SetFiles replaces the file-map projection wholesale.
func (s *Store) SetFiles(files map[string]string) {
	copied := make(map[string]string, len(files))
	for k, v := range files {
		copied[k] = v
	}
	s.mu.Lock()
	s.files = copied
	s.mu.Unlock()
	s.notify()
}

// SetError records a store-level error string (for example a failed resume).
// It never alters message history.
func (s *Store) SetError(msg string) {
	s.mu.Lock()
	s.errMsg = msg
	s.mu.Unlock()
	s.notify()
}

// Err returns the current store-level error string, empty when none.
func (s *Store) Err() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.errMsg
}

// Len returns the number of messages.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

// Last returns a copy of the final message and whether one exists.
func (s *Store) Last() (Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.messages) == 0 {
		return Message{}, false
	}
	return cloneMessage(s.messages[len(s.messages)-1]), true
}

// Snapshot returns a deep copy of the store contents.
func (s *Store) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Messages: make([]Message, 0, len(s.messages)),
		Todos:    append([]TodoItem(nil), s.todos...),
		Files:    make(map[string]string, len(s.files)),
		Err:      s.errMsg,
	}
	for _, m := range s.messages {
		snap.Messages = append(snap.Messages, cloneMessage(m))
	}
	for k, v := range s.files {
		snap.Files[k] = v
	}
	return snap
}

// Subscribe registers fn to run after every store mutation and returns a
// function that removes the subscription. Notifications run outside the
// store lock; fn may call read methods but must not block indefinitely.
func (s *Store) Subscribe(fn func()) func() {
	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.subs, id)
		s.subMu.Unlock()
	}
}

func (s *Store) notify() {
	s.subMu.Lock()
	fns := make([]func(), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		fn()
	}
}

func cloneMessage(m Message) Message {
	out := m
	if m.ToolCalls != nil {
		out.ToolCalls = make([]ToolCall, len(m.ToolCalls))
		for i, tc := range m.ToolCalls {
			out.ToolCalls[i] = tc
			if tc.Args != nil {
				args := make(map[string]any, len(tc.Args))
				for k, v := range tc.Args {
					args[k] = v
				}
				out.ToolCalls[i].Args = args
			}
		}
	}
	if m.SubAgents != nil {
		out.SubAgents = append([]SubAgent(nil), m.SubAgents...)
	}
	return out
}
