// Package agent drives conversational turns: it feeds history and
// workbook context to the model, streams text back, parses tool calls
// into actions, and coordinates with the pending-action gate. A turn
// suspends while a proposal awaits the user; no goroutine blocks
// across that gap.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/gridpilot/gridpilot/internal/action"
	"github.com/gridpilot/gridpilot/internal/events"
	"github.com/gridpilot/gridpilot/internal/gate"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/llm"
	"github.com/gridpilot/gridpilot/internal/store"
	"github.com/gridpilot/gridpilot/internal/tools"
)

// ErrTruncated reports that a turn hit the tool-call round limit and
// was forced to stop. Ledger entries recorded before the limit stand.
var ErrTruncated = errors.New("tool-call round limit reached")

// ErrNoSuspendedTurn is returned by ConfirmPending and RejectPending
// when no turn is waiting on a decision.
var ErrNoSuspendedTurn = errors.New("no suspended turn")

// ErrTurnActive is returned by RunTurn while another turn is running
// or suspended. One turn at a time per session.
var ErrTurnActive = errors.New("a turn is already active")

const defaultMaxRounds = 5

const systemPrompt = `You are a spreadsheet assistant. You can read the workbook with the read tools and change it with the mutation tools. Mutations are shown to the user for approval before they run, so group related changes into a single round of tool calls. Keep replies short and concrete.`

// Document supplies the serialized workbook excerpt used as model
// context.
type Document interface {
	Excerpt(maxCells int) string
}

// TurnResult is the outcome of RunTurn or a resume.
type TurnResult struct {
	RunID     string   `json:"run_id"`
	Content   string   `json:"content"`
	Suspended bool     `json:"suspended"`
	Truncated bool     `json:"truncated"`
	Rounds    int      `json:"rounds"`
	Pending   []string `json:"pending,omitempty"` // action descriptions awaiting approval
}

// pendingCall ties one mutating tool call to its parsed action so the
// tool-result message can be correlated after the decision.
type pendingCall struct {
	callID string
	act    action.Action
}

// resumeState is the minimal persisted-in-process state needed to
// re-enter the loop after the human approval gap.
type resumeState struct {
	conv    *store.Conversation
	history []llm.Message
	runID   string
	round   int
	seq     int
	pending []pendingCall
}

// Session owns one serialized conversation pipeline. Methods are safe
// for concurrent use, but only one turn runs at a time.
type Session struct {
	store  store.Store
	gate   *gate.Gate
	led    *ledger.Ledger
	client llm.Client
	reg    *tools.Registry
	doc    Document
	bus    *events.Bus
	logger *slog.Logger

	model     string
	confirm   bool
	maxRounds int

	mu       sync.Mutex
	active   bool
	resume   *resumeState
	cancelFn context.CancelFunc
}

// Config carries session construction knobs.
type Config struct {
	Model          string
	ConfirmActions bool
	MaxRounds      int
}

// New creates a session.
func New(st store.Store, g *gate.Gate, led *ledger.Ledger, client llm.Client, reg *tools.Registry, doc Document, bus *events.Bus, logger *slog.Logger, cfg Config) *Session {
	maxRounds := cfg.MaxRounds
	if maxRounds <= 0 {
		maxRounds = defaultMaxRounds
	}
	return &Session{
		store:     st,
		gate:      g,
		led:       led,
		client:    client,
		reg:       reg,
		doc:       doc,
		bus:       bus,
		logger:    logger,
		model:     cfg.Model,
		confirm:   cfg.ConfirmActions,
		maxRounds: maxRounds,
	}
}

// Suspended reports whether a turn is waiting on an approval decision.
func (s *Session) Suspended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resume != nil
}

// RunTurn processes one user message. It returns when the model
// produced a final reply, the turn suspended on a proposal, the round
// limit hit, or the model failed. Text chunks stream to the bus as
// they arrive.
func (s *Session) RunTurn(ctx context.Context, conversationID, userMessage string) (*TurnResult, error) {
	s.mu.Lock()
	if s.active || s.resume != nil {
		s.mu.Unlock()
		return nil, ErrTurnActive
	}
	s.active = true
	ctx, s.cancelFn = context.WithCancel(ctx)
	s.mu.Unlock()
	defer s.endTurn()

	conv, err := s.loadOrCreate(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	runID, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate run id: %w", err)
	}

	conv.Context = s.doc.Excerpt(200)
	conv.Messages = append(conv.Messages, store.Message{
		Role: "user", Content: userMessage, Timestamp: time.Now(),
	})

	st := &resumeState{
		conv:    conv,
		history: s.buildHistory(conv),
		runID:   runID.String(),
	}

	s.publish(events.KindTurnStart, map[string]any{
		"conversation_id": conv.ID,
		"run_id":          st.runID,
	})
	return s.loop(ctx, st)
}

// ConfirmPending approves the suspended proposal, feeds execution
// results back to the model, and resumes rounds. The returned result
// carries the continuation text (or a further suspension).
func (s *Session) ConfirmPending(ctx context.Context) (*TurnResult, error) {
	st, err := s.takeResume()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ctx, s.cancelFn = context.WithCancel(ctx)
	s.mu.Unlock()
	defer s.endTurn()

	res, execErr := s.gate.Approve(ctx)
	s.gate.Acknowledge()

	// One tool-result message per mutating call, in call order.
	// Applied actions report success; the failed one carries its
	// error; anything after the failure reports not-executed.
	for i, pc := range st.pending {
		var content string
		switch {
		case i < res.Applied:
			content = "ok: " + pc.act.Describe()
		case execErr != nil && i == res.Applied:
			content = "error: " + execErr.Error()
		case execErr != nil:
			content = "not executed: an earlier action failed"
		default:
			content = "ok: " + pc.act.Describe()
		}
		s.appendToolResult(st, pc.callID, content)
	}
	st.pending = nil

	if execErr != nil {
		s.logger.Warn("approved batch failed partway",
			"conversation", st.conv.ID, "applied", res.Applied, "error", execErr)
	}
	return s.loop(ctx, st)
}

// RejectPending discards the suspended proposal and resumes the model
// with rejection results so it can respond gracefully.
func (s *Session) RejectPending(ctx context.Context) (*TurnResult, error) {
	st, err := s.takeResume()
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	ctx, s.cancelFn = context.WithCancel(ctx)
	s.mu.Unlock()
	defer s.endTurn()

	if _, err := s.gate.Reject(); err != nil && !errors.Is(err, gate.ErrNoPending) {
		return nil, err
	}
	for _, pc := range st.pending {
		s.appendToolResult(st, pc.callID, "rejected: the user declined this action")
	}
	st.pending = nil
	return s.loop(ctx, st)
}

// Cancel aborts the in-flight model call, discards any pending
// proposal, and leaves the conversation at its last saved state.
// Mutations already applied stand and remain undoable.
func (s *Session) Cancel() {
	s.mu.Lock()
	cancel := s.cancelFn
	s.resume = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if s.gate.HasPending() {
		s.gate.Reject()
	}
	s.gate.Acknowledge()
}

// loop runs model rounds until a final reply, suspension, truncation,
// or failure. Grounded state lives in st so suspension is a plain
// return.
func (s *Session) loop(ctx context.Context, st *resumeState) (*TurnResult, error) {
	for ; st.round < s.maxRounds; st.round++ {
		if err := ctx.Err(); err != nil {
			s.saveQuiet(st.conv)
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}

		s.publish(events.KindLLMCall, map[string]any{
			"run_id": st.runID, "round": st.round, "model": s.model,
		})

		roundStart := time.Now()
		resp, err := s.client.ChatStream(ctx, s.model, st.history, s.reg.List(), s.streamCallback(st))
		if err != nil {
			if ctx.Err() != nil {
				// Cancelled mid-call: finalize at the last saved state
				// without an error message.
				s.saveQuiet(st.conv)
				return nil, fmt.Errorf("turn cancelled: %w", ctx.Err())
			}
			// Model failure becomes a visible assistant message; the
			// turn ends without corrupting ledger or store state.
			st.conv.Messages = append(st.conv.Messages, store.Message{
				Role:      "assistant",
				Content:   "The model is unavailable: " + err.Error(),
				Timestamp: time.Now(),
			})
			s.saveQuiet(st.conv)
			s.publishTurnComplete(st, false, false)
			return nil, fmt.Errorf("model call failed (round %d): %w", st.round, err)
		}

		s.publish(events.KindLLMResponse, map[string]any{
			"run_id":     st.runID,
			"round":      st.round,
			"model":      resp.Model,
			"tokens_in":  resp.InputTokens,
			"tokens_out": resp.OutputTokens,
			"tool_calls": len(resp.Message.ToolCalls),
		})
		s.logger.Debug("model round complete",
			"conversation", st.conv.ID,
			"round", st.round,
			"tool_calls", len(resp.Message.ToolCalls),
			"elapsed", time.Since(roundStart).Round(time.Millisecond))

		st.history = append(st.history, resp.Message)
		st.conv.Messages = append(st.conv.Messages, store.Message{
			Role:      "assistant",
			Content:   resp.Message.Content,
			ToolCalls: resp.Message.ToolCalls,
			Timestamp: time.Now(),
		})

		// No tool calls: final reply.
		if len(resp.Message.ToolCalls) == 0 {
			if err := s.store.Save(ctx, st.conv); err != nil {
				return nil, fmt.Errorf("save conversation: %w", err)
			}
			s.publishTurnComplete(st, false, false)
			return &TurnResult{
				RunID:   st.runID,
				Content: resp.Message.Content,
				Rounds:  st.round + 1,
			}, nil
		}

		var proposed []pendingCall
		for _, tc := range resp.Message.ToolCalls {
			if s.reg.IsMutating(tc.Function.Name) {
				act, err := s.reg.ParseAction(tc.Function.Name, tc.Function.Arguments)
				if err != nil {
					s.appendToolResult(st, tc.ID, "error: "+err.Error())
					continue
				}
				proposed = append(proposed, pendingCall{callID: tc.ID, act: act})
				continue
			}
			// Read-only tools run immediately.
			out, err := s.reg.Execute(ctx, tc.Function.Name, tc.Function.Arguments)
			if err != nil {
				out = "error: " + err.Error()
			}
			s.appendToolResult(st, tc.ID, out)
		}

		if len(proposed) == 0 {
			continue
		}

		actions := make([]action.Action, len(proposed))
		for i, pc := range proposed {
			actions[i] = pc.act
		}
		if err := s.gate.Propose(st.conv.ID, st.runID, actions); err != nil {
			// Gate busy or invalid set: report to the model and keep
			// looping rather than failing the turn.
			for _, pc := range proposed {
				s.appendToolResult(st, pc.callID, "error: "+err.Error())
			}
			continue
		}

		if s.confirm {
			// Suspend. Persist the conversation and park the loop
			// state; ConfirmPending or RejectPending re-enters.
			st.pending = proposed
			st.round++
			if err := s.store.Save(ctx, st.conv); err != nil {
				return nil, fmt.Errorf("save conversation: %w", err)
			}
			s.mu.Lock()
			s.resume = st
			s.mu.Unlock()

			p, _ := s.gate.Pending()
			s.publishTurnComplete(st, true, false)
			s.logger.Info("turn suspended awaiting approval",
				"conversation", st.conv.ID, "actions", len(proposed))
			return &TurnResult{
				RunID:     st.runID,
				Content:   resp.Message.Content,
				Suspended: true,
				Rounds:    st.round,
				Pending:   p.Descriptions(),
			}, nil
		}

		// Confirmation off: approve immediately, same ledger path.
		res, execErr := s.gate.Approve(ctx)
		s.gate.Acknowledge()
		for i, pc := range proposed {
			var content string
			switch {
			case i < res.Applied:
				content = "ok: " + pc.act.Describe()
			case execErr != nil && i == res.Applied:
				content = "error: " + execErr.Error()
			case execErr != nil:
				content = "not executed: an earlier action failed"
			default:
				content = "ok: " + pc.act.Describe()
			}
			s.appendToolResult(st, pc.callID, content)
		}
	}

	// Round limit hit: append a truncation notice and stop. Ledger
	// entries recorded so far are preserved.
	st.conv.Messages = append(st.conv.Messages, store.Message{
		Role:      "assistant",
		Content:   fmt.Sprintf("Stopped after %d tool rounds without a final answer.", s.maxRounds),
		Timestamp: time.Now(),
	})
	s.saveQuiet(st.conv)
	s.publishTurnComplete(st, false, true)
	s.logger.Warn("round limit reached", "conversation", st.conv.ID, "max_rounds", s.maxRounds)
	return &TurnResult{
		RunID:     st.runID,
		Truncated: true,
		Rounds:    st.round,
	}, ErrTruncated
}

func (s *Session) streamCallback(st *resumeState) llm.StreamCallback {
	return func(ev llm.StreamEvent) {
		if ev.Kind != llm.KindToken || ev.Token == "" {
			return
		}
		s.publish(events.KindChatChunk, map[string]any{
			"conversation_id": st.conv.ID,
			"run_id":          st.runID,
			"seq":             st.seq,
			"text":            ev.Token,
		})
		st.seq++
	}
}

func (s *Session) appendToolResult(st *resumeState, callID, content string) {
	st.history = append(st.history, llm.Message{
		Role: "tool", Content: content, ToolCallID: callID,
	})
	st.conv.Messages = append(st.conv.Messages, store.Message{
		Role: "tool", Content: content, ToolCallID: callID, Timestamp: time.Now(),
	})
}

func (s *Session) loadOrCreate(ctx context.Context, id string) (*store.Conversation, error) {
	conv, err := s.store.Load(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return &store.Conversation{ID: id}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	return conv, nil
}

// buildHistory converts persisted messages into model messages,
// prefixed with the system prompt and workbook context. Hidden tool
// results stay in the model context even though the UI filters them.
func (s *Session) buildHistory(conv *store.Conversation) []llm.Message {
	history := make([]llm.Message, 0, len(conv.Messages)+1)
	system := systemPrompt
	if conv.Context != "" {
		system += "\n\nCurrent workbook:\n" + conv.Context
	}
	history = append(history, llm.Message{Role: "system", Content: system})
	for _, m := range conv.Messages {
		if m.Role == "system" {
			continue
		}
		history = append(history, llm.Message{
			Role:       m.Role,
			Content:    m.Content,
			ToolCalls:  m.ToolCalls,
			ToolCallID: m.ToolCallID,
		})
	}
	return history
}

func (s *Session) takeResume() (*resumeState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.resume == nil {
		return nil, ErrNoSuspendedTurn
	}
	if s.active {
		return nil, ErrTurnActive
	}
	st := s.resume
	s.resume = nil
	s.active = true
	return st, nil
}

func (s *Session) endTurn() {
	s.mu.Lock()
	s.active = false
	s.cancelFn = nil
	s.mu.Unlock()
}

func (s *Session) saveQuiet(conv *store.Conversation) {
	if err := s.store.Save(context.Background(), conv); err != nil {
		s.logger.Error("save conversation failed", "conversation", conv.ID, "error", err)
	}
}

func (s *Session) publish(kind string, data map[string]any) {
	s.bus.Publish(events.Event{
		Timestamp: time.Now(),
		Source:    events.SourceAgent,
		Kind:      kind,
		Data:      data,
	})
}

func (s *Session) publishTurnComplete(st *resumeState, suspended, truncated bool) {
	s.publish(events.KindTurnComplete, map[string]any{
		"conversation_id": st.conv.ID,
		"run_id":          st.runID,
		"rounds":          st.round,
		"suspended":       suspended,
		"truncated":       truncated,
	})
}
