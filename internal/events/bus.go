// Package events provides a publish/subscribe event bus for the action
// pipeline. Events flow from components (turn loop, pending-action gate,
// undo ledger) to subscribers (WebSocket handler, future metrics
// collector). The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the turn loop.
	SourceAgent = "agent"
	// SourceGate identifies pending-action gate transitions.
	SourceGate = "gate"
	// SourceLedger identifies undo ledger operations.
	SourceLedger = "ledger"
)

// Kind constants describe the type of event within a source.
const (
	// KindTurnStart signals the beginning of a conversational turn.
	// Data: conversation_id, run_id.
	KindTurnStart = "turn_start"
	// KindLLMCall signals the start of a model round.
	// Data: run_id, round, model.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a model round.
	// Data: run_id, round, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindChatChunk carries one increment of streamed assistant text.
	// Data: conversation_id, run_id, seq, text. Chunks for a given run
	// are published in generation order with contiguous seq values.
	KindChatChunk = "chat_chunk"
	// KindToolExec signals the start of one action execution.
	// Data: run_id, kind, target.
	KindToolExec = "tool_exec"
	// KindToolDone signals completion of one action execution.
	// Data: run_id, kind, ok.
	KindToolDone = "tool_done"
	// KindTurnComplete signals the end of a turn.
	// Data: conversation_id, run_id, rounds, suspended, truncated.
	KindTurnComplete = "turn_complete"

	// KindGateTransition signals a pending-action gate state change.
	// Data: from, to, actions.
	KindGateTransition = "gate_transition"

	// KindBatchUndone signals a batch (or whole conversation) was
	// reverted. Data: conversation_id, batch_id, restored.
	KindBatchUndone = "batch_undone"
	// KindApproved signals a conversation's pending entries were made
	// permanent. Data: conversation_id, approved.
	KindApproved = "approved"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs. This allows
	// Unsubscribe to accept <-chan Event (the caller's view) without
	// an illegal type conversion.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. Non-blocking: if a
// subscriber's channel is full, the event is dropped for that
// subscriber. Safe to call on a nil receiver (no-op).
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
			// Subscriber is full; drop the event rather than block.
		}
	}
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe to avoid resource leaks.
// bufSize controls the channel buffer; 64 is a reasonable default for
// WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Safe to
// call with a channel that is already unsubscribed (no-op).
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
