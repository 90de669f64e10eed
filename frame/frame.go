// Package frame decodes the server-push event stream of an agent turn into
// discrete, typed frames. Frames form a closed tagged union: every decoded
// record maps to exactly one concrete type, and records with an unrecognized
// discriminant map to Ignored rather than failing, matching the tolerant
// parsing contract of the wire protocol.
//
// Wire format: newline-delimited records of the form "data: <json>", where
// the JSON object carries a "step" (or legacy "type") discriminant. Lines
// without the data prefix are control noise and are discarded without error.
package frame

import (
	"encoding/json"

	"draftpilot.dev/agentstream/conversation"
)

type (
	// Kind discriminates frame payload flavors.
	Kind string

	// Frame is one decoded server-pushed event record. Concrete types are
	// Thinking, Content, ToolCall, ToolResult, SubAgent, Activity, Sync,
	// Done, Error, Interrupt, and Ignored.
	Frame interface {
		Kind() Kind
	}

	// Thinking carries the current interim reasoning text. Each frame holds
	// the full value, not a delta.
	Thinking struct {
		Text string
	}

	// Content carries the current assistant message text. Each frame holds
	// the full value: consumers must replace, never append. The wire steps
	// "streaming" and "update" both decode to Content.
	Content struct {
		Text string
	}

	// ToolCall announces a tool invocation requested by the assistant.
	ToolCall struct {
		ID   string
		Name string
		Args map[string]any
	}

	// ToolResult resolves a previously announced tool call, correlated by ID.
	ToolResult struct {
		ID     string
		Result string
		// IsError marks the invocation as failed.
		IsError bool
	}

	// SubAgent reports the state of a delegated sub-agent. Repeat frames for
	// the same ID update the existing record in place.
	SubAgent struct {
		ID     string
		Name   string
		Input  string
		Output string
		Status string
	}

	// Activity carries an ephemeral human-readable progress string.
	Activity struct {
		Text string
	}

	// Sync replaces the task-list and file-map projections wholesale.
	Sync struct {
		Todos []conversation.TodoItem
		Files map[string]string
	}

	// Done terminates the turn successfully with the final content and
	// thinking values.
	Done struct {
		Content  string
		Thinking string
	}

	// Error terminates the turn as a failure.
	Error struct {
		Message string
	}

	// Interrupt pauses the turn pending an out-of-band human decision
	// delivered through the resume endpoint.
	Interrupt struct {
		ID     string
		Prompt string
	}

	// Ignored is the catch-all for records with an unknown discriminant.
	// The raw payload is retained for diagnostics.
	Ignored struct {
		Step string
		Raw  json.RawMessage
	}
)

const (
	KindThinking   Kind = "thinking"
	KindContent    Kind = "streaming"
	KindToolCall   Kind = "tool_call"
	KindToolResult Kind = "tool_result"
	KindSubAgent   Kind = "sub_agent"
	KindActivity   Kind = "activity"
	KindSync       Kind = "sync"
	KindDone       Kind = "done"
	KindError      Kind = "error"
	KindInterrupt  Kind = "interrupt"
	KindIgnored    Kind = "ignored"
)

func (Thinking) Kind() Kind   { return KindThinking }
func (Content) Kind() Kind    { return KindContent }
func (ToolCall) Kind() Kind   { return KindToolCall }
func (ToolResult) Kind() Kind { return KindToolResult }
func (SubAgent) Kind() Kind   { return KindSubAgent }
func (Activity) Kind() Kind   { return KindActivity }
func (Sync) Kind() Kind       { return KindSync }
func (Done) Kind() Kind       { return KindDone }
func (Error) Kind() Kind      { return KindError }
func (Interrupt) Kind() Kind  { return KindInterrupt }
func (Ignored) Kind() Kind    { return KindIgnored }

// Terminal reports whether the frame ends the stream for the turn. Interrupt
// is terminal-for-now: the turn pauses rather than completing.
func Terminal(f Frame) bool {
	switch f.(type) {
	case Done, Error, Interrupt:
		return true
	}
	return false
}
