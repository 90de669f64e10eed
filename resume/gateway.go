// Package resume carries a human decision (approve, deny, or a typed value)
// back to a paused agent run. Resume is a new, independent request: it never
// reuses the original streaming connection. On success the conversation is
// refreshed from durable storage through a revalidation callback; on failure
// only the store's error slot is touched, never message history.
package resume

import (
	"context"
	"fmt"

	"goa.design/clue/log"

	"draftpilot.dev/agentstream/conversation"
	"draftpilot.dev/agentstream/transport"
)

type (
	// Resumer issues the resume command to the backend. *transport.Client
	// satisfies this.
	Resumer interface {
		Resume(ctx context.Context, threadID string, value any) error
	}

	// StateFetcher reads the durable thread projection snapshot.
	// *transport.Client satisfies this.
	StateFetcher interface {
		ThreadState(ctx context.Context, threadID string) (*transport.ThreadState, error)
	}

	// Gateway serializes resume decisions for paused turns.
	Gateway struct {
		backend    Resumer
		store      *conversation.Store
		revalidate func(context.Context) error
	}
)

// NewGateway constructs a Gateway. revalidate runs after a successful resume
// so the conversation can be refreshed from durable storage; pass nil when
// the caller has no history source. NewProjectionRefresh builds a suitable
// callback from a StateFetcher.
func NewGateway(backend Resumer, store *conversation.Store, revalidate func(context.Context) error) *Gateway {
	return &Gateway{backend: backend, store: store, revalidate: revalidate}
}

// ResumeInterrupt delivers value as the decision for the paused thread. A
// backend failure is surfaced through the store's error slot and returned;
// message history is left exactly as it was. A revalidation failure after a
// successful resume is logged but does not fail the resume: the decision has
// already been delivered.
func (g *Gateway) ResumeInterrupt(ctx context.Context, threadID string, value any) error {
	if err := g.backend.Resume(ctx, threadID, value); err != nil {
		g.store.SetError(fmt.Sprintf("resume failed: %v", err))
		return fmt.Errorf("resume interrupt for thread %s: %w", threadID, err)
	}
	g.store.SetError("")
	if g.revalidate != nil {
		if err := g.revalidate(ctx); err != nil {
			log.Errorf(ctx, err, "history revalidation after resume failed for thread %s", threadID)
		}
	}
	return nil
}

// NewProjectionRefresh returns a revalidation callback that reloads the
// todos/files projections from the thread state endpoint. A missing snapshot
// is not an error; the projections are simply left in place.
func NewProjectionRefresh(fetcher StateFetcher, store *conversation.Store, threadID func() string) func(context.Context) error {
	return func(ctx context.Context) error {
		id := threadID()
		if id == "" {
			return nil
		}
		state, err := fetcher.ThreadState(ctx, id)
		if err != nil {
			return err
		}
		if state == nil {
			return nil
		}
		store.SetTodos(state.Todos)
		store.SetFiles(state.Files)
		return nil
	}
}
