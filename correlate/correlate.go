// Package correlate merges asynchronous tool and sub-agent result frames
// into the records they belong to. Results may legitimately arrive after
// other, unrelated frames; correlation is by id, not by sequence number.
//
// The Tracker writes only into the currently streaming message's nested
// lists, through the conversation store's mutate-last discipline. Historical
// messages are never touched.
package correlate

import (
	"context"

	"goa.design/clue/log"

	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/frame"
	"draftpilot.dev/agentstream/telemetry"
)

type (
	// Tracker maintains the per-turn correlation tables mapping a tool-call
	// or sub-agent id to its lifecycle state. Reset it at the start of each
	// turn; ids do not carry across turns.
	//
	// Tracker is driven by the turn controller's dispatch loop and inherits
	// its single-writer guarantee; it is not independently synchronized.
	Tracker struct {
		store *conversation.Store
		// tools maps tool-call id → last known status. Used to detect
		// duplicates and orphans without scanning the message on every frame.
		tools map[string]conversation.ToolStatus
		// agents maps sub-agent id → last known status.
		agents map[string]conversation.SubAgentStatus
	}
)

// NewTracker constructs a Tracker writing through store.
func NewTracker(store *conversation.Store) *Tracker {
	t := &Tracker{store: store}
	t.Reset()
	return t
}

// Reset clears the correlation tables for a new turn.
func (t *Tracker) Reset() {
	t.tools = make(map[string]conversation.ToolStatus)
	t.agents = make(map[string]conversation.SubAgentStatus)
}

// ApplyToolCall records a new tool invocation on the streaming message. A
// repeated tool_call for a known id is ignored: the list is append-only by id.
func (t *Tracker) ApplyToolCall(ctx context.Context, f frame.ToolCall) {
	if f.ID == "" {
		log.Printf(ctx, "dropping tool_call frame without id (tool %q)", f.Name)
		return
	}
	if _, ok := t.tools[f.ID]; ok {
		return
	}
	applied := t.store.MutateLast(func(m *conversation.Message) {
		m.ToolCalls = append(m.ToolCalls, conversation.ToolCall{
			ID:     f.ID,
			Name:   f.Name,
			Args:   f.Args,
			Status: conversation.ToolPending,
		})
	})
	if !applied {
		log.Printf(ctx, "tool_call %q arrived with no streaming message; dropped", f.ID)
		return
	}
	t.tools[f.ID] = conversation.ToolPending
}

// ApplyToolResult resolves a pending tool call by id. A result whose id
// matches no pending record is a protocol anomaly: it is surfaced in the log
// and counted, then dropped, so the turn keeps going. Delivering the same
// result twice is a no-op after the first application.
func (t *Tracker) ApplyToolResult(ctx context.Context, f frame.ToolResult) {
	status, ok := t.tools[f.ID]
	if !ok {
		log.Errorf(ctx, nil, "tool_result for unknown id %q dropped", f.ID)
		telemetry.OrphanResult(ctx, "tool_result")
		return
	}
	if status == conversation.ToolCompleted || status == conversation.ToolError {
		// Already resolved; duplicate delivery must not overwrite.
		return
	}
	next := conversation.ToolCompleted
	if f.IsError {
		next = conversation.ToolError
	}
	t.store.MutateLast(func(m *conversation.Message) {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].ID != f.ID {
				continue
			}
			m.ToolCalls[i].Result = f.Result
			m.ToolCalls[i].Status = next
			return
		}
	})
	t.tools[f.ID] = next
}

// ApplySubAgent records or updates a sub-agent delegation. A known id is
// updated in place, preserving its list position; a new id is appended with
// status active unless the frame says otherwise.
func (t *Tracker) ApplySubAgent(ctx context.Context, f frame.SubAgent) {
	if f.ID == "" {
		log.Printf(ctx, "dropping sub_agent frame without id (agent %q)", f.Name)
		return
	}
	status := conversation.SubAgentStatus(f.Status)
	if _, ok := t.agents[f.ID]; ok {
		t.store.MutateLast(func(m *conversation.Message) {
			for i := range m.SubAgents {
				if m.SubAgents[i].ID != f.ID {
					continue
				}
				if f.Output != "" {
					m.SubAgents[i].Output = f.Output
				}
				if status != "" {
					m.SubAgents[i].Status = status
				}
				return
			}
		})
		if status != "" {
			t.agents[f.ID] = status
		}
		return
	}
	if status == "" {
		status = conversation.SubAgentActive
	}
	applied := t.store.MutateLast(func(m *conversation.Message) {
		m.SubAgents = append(m.SubAgents, conversation.SubAgent{
			ID:     f.ID,
			Name:   f.Name,
			Input:  f.Input,
			Output: f.Output,
			Status: status,
		})
	})
	if !applied {
		log.Printf(ctx, "sub_agent %q arrived with no streaming message; dropped", f.ID)
		return
	}
	t.agents[f.ID] = status
}

// MarkInterrupted transitions every still-pending tool call to interrupted.
// Interrupted calls may resolve to completed or error after the run resumes.
func (t *Tracker) MarkInterrupted(ctx context.Context) {
	var ids []string
	for id, status := range t.tools {
		if status == conversation.ToolPending {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return
	}
	t.store.MutateLast(func(m *conversation.Message) {
		for i := range m.ToolCalls {
			if m.ToolCalls[i].Status == conversation.ToolPending {
				m.ToolCalls[i].Status = conversation.ToolInterrupted
			}
		}
	})
	for _, id := range ids {
		t.tools[id] = conversation.ToolInterrupted
	}
}
