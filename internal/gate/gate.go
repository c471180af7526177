// Package gate serializes mutation through a single pending-action
// checkpoint. The model proposes a set of actions; nothing touches the
// document until the user approves. One proposal is outstanding at a
// time per pipeline.
package gate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/events"
	"github.com/gridpilot/gridpilot/internal/executor"
	"github.com/gridpilot/gridpilot/internal/ledger"
)

// State is the gate's position in its approval cycle.
type State string

const (
	// StateNone means no proposal is outstanding.
	StateNone State = "none"
	// StatePending means a proposal awaits the user's decision.
	StatePending State = "pending"
	// StateExecuting means an approved proposal is being applied.
	StateExecuting State = "executing"
	// StateCompleted means the last proposal applied fully; awaiting
	// acknowledgement before the gate reopens.
	StateCompleted State = "completed"
	// StateError means the last proposal failed partway; awaiting
	// acknowledgement before the gate reopens.
	StateError State = "error"
)

// ErrAlreadyPending is returned by Propose while a proposal awaits a
// decision.
var ErrAlreadyPending = errors.New("a proposal is already pending")

// ErrNoPending is returned by Approve and Reject when the gate holds
// nothing to decide on.
var ErrNoPending = errors.New("no pending proposal")

// Proposal is one set of actions the model wants applied, tied to the
// conversation that produced it.
type Proposal struct {
	ConversationID string          `json:"conversation_id"`
	RunID          string          `json:"run_id"`
	Actions        []action.Action `json:"actions"`
	ProposedAt     time.Time       `json:"proposed_at"`
}

// Descriptions renders the one-line summary of each action for
// approval prompts.
func (p Proposal) Descriptions() []string {
	out := make([]string, len(p.Actions))
	for i, a := range p.Actions {
		out[i] = a.Describe()
	}
	return out
}

// Result reports what happened to an approved proposal.
type Result struct {
	BatchID int64          `json:"batch_id"`
	Applied int            `json:"applied"`
	Entries []ledger.Entry `json:"-"`
	Err     error          `json:"-"`
}

// Gate holds at most one outstanding proposal and executes it on
// approval. All methods are safe for concurrent use.
type Gate struct {
	exec   *executor.Executor
	led    *ledger.Ledger
	logger *slog.Logger
	bus    *events.Bus

	mu       sync.Mutex
	state    State
	proposal *Proposal
	result   *Result
}

// New creates a gate in the open (none) state.
func New(exec *executor.Executor, led *ledger.Ledger, logger *slog.Logger, bus *events.Bus) *Gate {
	return &Gate{
		exec:   exec,
		led:    led,
		logger: logger,
		bus:    bus,
		state:  StateNone,
	}
}

// State returns the current gate state.
func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

// HasPending reports whether a proposal awaits a decision.
func (g *Gate) HasPending() bool {
	return g.State() == StatePending
}

// Pending returns a copy of the outstanding proposal, or false when
// the gate holds none.
func (g *Gate) Pending() (Proposal, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePending || g.proposal == nil {
		return Proposal{}, false
	}
	return *g.proposal, true
}

// LastResult returns the outcome of the most recent approval, or false
// when the gate is not in a terminal state.
func (g *Gate) LastResult() (Result, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.result == nil || (g.state != StateCompleted && g.state != StateError) {
		return Result{}, false
	}
	return *g.result, true
}

// Propose parks a set of actions at the gate. Fails with
// ErrAlreadyPending when a decision is still outstanding; callers
// surface that to the user rather than queueing.
func (g *Gate) Propose(conversationID, runID string, actions []action.Action) error {
	if len(actions) == 0 {
		return fmt.Errorf("propose: empty action set")
	}
	for i, a := range actions {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("propose: action %d: %w", i, err)
		}
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state == StatePending || g.state == StateExecuting {
		return ErrAlreadyPending
	}

	from := g.state
	g.proposal = &Proposal{
		ConversationID: conversationID,
		RunID:          runID,
		Actions:        actions,
		ProposedAt:     time.Now(),
	}
	g.result = nil
	g.transition(from, StatePending, len(actions))
	g.logger.Info("actions proposed", "conversation_id", conversationID, "count", len(actions))
	return nil
}

// Approve executes the outstanding proposal in order, recording one
// ledger entry per applied action. Execution stops at the first
// failure; already-applied actions stay applied and stay undoable.
// The gate lands in completed or error; Acknowledge (or the next
// proposal) reopens it.
func (g *Gate) Approve(ctx context.Context) (Result, error) {
	g.mu.Lock()
	if g.state != StatePending || g.proposal == nil {
		g.mu.Unlock()
		return Result{}, ErrNoPending
	}
	p := *g.proposal
	g.transition(StatePending, StateExecuting, len(p.Actions))
	g.mu.Unlock()

	batchID := g.led.BeginBatch()
	res := Result{BatchID: batchID}

	// Recording must survive caller cancellation: once an action has
	// mutated the document its entry has to land in the ledger, or the
	// mutation could never be undone. Cancellation is honored between
	// actions instead.
	recordCtx := context.WithoutCancel(ctx)

	for i, a := range p.Actions {
		if err := ctx.Err(); err != nil {
			res.Err = &executor.ExecutionError{Index: i, Cause: err}
			g.logger.Warn("approval cancelled", "applied", res.Applied, "remaining", len(p.Actions)-i)
			break
		}

		g.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGate,
			Kind:      events.KindToolExec,
			Data:      map[string]any{"run_id": p.RunID, "kind": string(a.Kind), "target": a.Target()},
		})

		entry, err := g.exec.Apply(ctx, p.ConversationID, batchID, a)
		if err == nil {
			err = g.led.Record(recordCtx, entry)
		}

		g.bus.Publish(events.Event{
			Timestamp: time.Now(),
			Source:    events.SourceGate,
			Kind:      events.KindToolDone,
			Data:      map[string]any{"run_id": p.RunID, "kind": string(a.Kind), "ok": err == nil},
		})

		if err != nil {
			res.Err = &executor.ExecutionError{Index: i, Cause: err}
			g.logger.Error("action failed", "index", i, "kind", a.Kind, "error", err)
			break
		}
		res.Applied++
		res.Entries = append(res.Entries, entry)
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	g.result = &res
	if res.Err != nil {
		g.transition(StateExecuting, StateError, len(p.Actions))
		return res, res.Err
	}
	g.transition(StateExecuting, StateCompleted, len(p.Actions))
	g.logger.Info("proposal applied", "conversation_id", p.ConversationID, "batch_id", batchID, "applied", res.Applied)
	return res, nil
}

// Reject discards the outstanding proposal without touching the
// document. The gate reopens immediately.
func (g *Gate) Reject() (Proposal, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StatePending || g.proposal == nil {
		return Proposal{}, ErrNoPending
	}
	p := *g.proposal
	g.proposal = nil
	g.transition(StatePending, StateNone, len(p.Actions))
	g.logger.Info("actions rejected", "conversation_id", p.ConversationID, "count", len(p.Actions))
	return p, nil
}

// Acknowledge clears a terminal state (completed or error) and reopens
// the gate. A no-op in any other state.
func (g *Gate) Acknowledge() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.state != StateCompleted && g.state != StateError {
		return
	}
	from := g.state
	g.proposal = nil
	g.transition(from, StateNone, 0)
}

// transition updates state and publishes the change. Caller holds the
// lock.
func (g *Gate) transition(from, to State, actions int) {
	g.state = to
	g.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceGate,
		Kind:      events.KindGateTransition,
		Data:      map[string]any{"from": string(from), "to": string(to), "actions": actions},
	})
}
