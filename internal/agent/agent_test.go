package agent

import (
	"context"
	"database/sql"
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	_ "github.com/mattn/go-sqlite3"

	"github.com/gridpilot/gridpilot/internal/events"
	"github.com/gridpilot/gridpilot/internal/executor"
	"github.com/gridpilot/gridpilot/internal/gate"
	"github.com/gridpilot/gridpilot/internal/ledger"
	"github.com/gridpilot/gridpilot/internal/llm"
	"github.com/gridpilot/gridpilot/internal/sheet"
	"github.com/gridpilot/gridpilot/internal/store"
	"github.com/gridpilot/gridpilot/internal/tools"
)

type fixture struct {
	session *Session
	mem     *sheet.Memory
	store   store.Store
	ledger  *ledger.Ledger
	gate    *gate.Gate
	bus     *events.Bus
	fake    *llm.Fake
}

func newFixture(t *testing.T, confirm bool, maxRounds int, script ...llm.ChatResponse) *fixture {
	t.Helper()
	db, err := sql.Open("sqlite3", ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	bus := events.New()

	led, err := ledger.New(db, logger, bus)
	if err != nil {
		t.Fatalf("new ledger: %v", err)
	}
	st, err := store.NewSQLite(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	mem := sheet.NewMemory("book.json")
	exec := executor.New(mem, logger)
	g := gate.New(exec, led, logger, bus)
	reg := tools.NewRegistry(mem)
	fake := llm.NewFake(script...)

	session := New(st, g, led, fake, reg, mem, bus, logger, Config{
		Model:          "fake",
		ConfirmActions: confirm,
		MaxRounds:      maxRounds,
	})
	return &fixture{session: session, mem: mem, store: st, ledger: led, gate: g, bus: bus, fake: fake}
}

func TestPlainTextTurn(t *testing.T) {
	f := newFixture(t, true, 0, llm.TextResponse("Hello! How can I help?"))
	ctx := context.Background()

	res, err := f.session.RunTurn(ctx, "conv-1", "hi")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Suspended || res.Truncated {
		t.Errorf("unexpected flags: %+v", res)
	}
	if res.Content != "Hello! How can I help?" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Rounds != 1 {
		t.Errorf("rounds = %d, want 1", res.Rounds)
	}

	conv, err := f.store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(conv.Messages) != 2 {
		t.Fatalf("got %d messages, want user + assistant", len(conv.Messages))
	}
	if conv.Messages[0].Role != "user" || conv.Messages[1].Role != "assistant" {
		t.Errorf("roles = %s, %s", conv.Messages[0].Role, conv.Messages[1].Role)
	}
}

// The core approval scenario: one write_cell tool call suspends the
// turn; confirming executes it, records one unapproved ledger entry,
// reopens the gate, and resumes the model for a final reply.
func TestToolCallSuspendAndConfirm(t *testing.T) {
	f := newFixture(t, true, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "B2", "value": "42"}),
		llm.TextResponse("B2 is now 42."),
	)
	ctx := context.Background()

	f.mem.SetCell(ctx, "Sheet1", "B2", "old")

	res, err := f.session.RunTurn(ctx, "conv-1", "set B2 to 42")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !res.Suspended {
		t.Fatal("turn should suspend on the proposal")
	}
	if len(res.Pending) != 1 || !strings.Contains(res.Pending[0], "B2") {
		t.Errorf("pending = %v", res.Pending)
	}
	if !f.gate.HasPending() {
		t.Fatal("gate should hold the proposal")
	}
	if v, _ := f.mem.CellValue(ctx, "Sheet1", "B2"); v != "old" {
		t.Fatalf("cell mutated before approval: %q", v)
	}

	final, err := f.session.ConfirmPending(ctx)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if final.Content != "B2 is now 42." {
		t.Errorf("continuation = %q", final.Content)
	}
	if v, _ := f.mem.CellValue(ctx, "Sheet1", "B2"); v != "42" {
		t.Errorf("B2 = %q, want 42", v)
	}
	if f.gate.State() != gate.StateNone {
		t.Errorf("gate state = %s, want none", f.gate.State())
	}

	entries, err := f.ledger.Entries(ctx, "conv-1")
	if err != nil {
		t.Fatalf("entries: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("got %d ledger entries, want 1", len(entries))
	}
	if entries[0].Target != "B2" || entries[0].OldValue != "old" || entries[0].Approved {
		t.Errorf("entry = %+v", entries[0])
	}

	// Tool results persist with role tool and the call id, hidden from
	// display but present for the model.
	conv, _ := f.store.Load(ctx, "conv-1")
	var toolMsgs int
	for _, m := range conv.Messages {
		if m.Role == "tool" {
			toolMsgs++
			if m.ToolCallID != "call-1" {
				t.Errorf("tool call id = %q", m.ToolCallID)
			}
			if !m.Hidden() {
				t.Error("tool message should be hidden")
			}
		}
	}
	if toolMsgs != 1 {
		t.Errorf("got %d tool messages, want 1", toolMsgs)
	}
}

func TestRejectPending(t *testing.T) {
	f := newFixture(t, true, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "A1", "value": "x"}),
		llm.TextResponse("Understood, leaving it unchanged."),
	)
	ctx := context.Background()

	res, err := f.session.RunTurn(ctx, "conv-1", "change A1")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if !res.Suspended {
		t.Fatal("expected suspension")
	}

	final, err := f.session.RejectPending(ctx)
	if err != nil {
		t.Fatalf("reject: %v", err)
	}
	if !strings.Contains(final.Content, "unchanged") {
		t.Errorf("continuation = %q", final.Content)
	}
	if v, _ := f.mem.CellValue(ctx, "Sheet1", "A1"); v != "" {
		t.Errorf("A1 = %q, want empty", v)
	}
	entries, _ := f.ledger.Entries(ctx, "conv-1")
	if len(entries) != 0 {
		t.Errorf("reject left ledger entries: %v", entries)
	}

	// The model saw the rejection as a tool result.
	last := f.fake.Requests[len(f.fake.Requests)-1]
	var sawRejection bool
	for _, m := range last {
		if m.Role == "tool" && strings.Contains(m.Content, "rejected") {
			sawRejection = true
		}
	}
	if !sawRejection {
		t.Error("model context should include the rejection result")
	}
}

// Confirmation off: the same gate/ledger path runs without suspension.
func TestAutoExecuteWithoutConfirmation(t *testing.T) {
	f := newFixture(t, false, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "C3", "value": "7"}),
		llm.TextResponse("Done."),
	)
	ctx := context.Background()

	res, err := f.session.RunTurn(ctx, "conv-1", "write 7 to C3")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Suspended {
		t.Fatal("should not suspend with confirmation off")
	}
	if res.Content != "Done." {
		t.Errorf("content = %q", res.Content)
	}
	if v, _ := f.mem.CellValue(ctx, "Sheet1", "C3"); v != "7" {
		t.Errorf("C3 = %q, want 7", v)
	}
	entries, _ := f.ledger.Entries(ctx, "conv-1")
	if len(entries) != 1 {
		t.Errorf("got %d ledger entries, want 1", len(entries))
	}
}

// Read-only tools execute immediately even with confirmation on.
func TestReadToolNoSuspension(t *testing.T) {
	f := newFixture(t, true, 0,
		llm.ToolCallResponse("", "call-1", "read_range", map[string]any{"range": "A1:A2"}),
		llm.TextResponse("A1 holds 5."),
	)
	ctx := context.Background()
	f.mem.SetCell(ctx, "Sheet1", "A1", "5")

	res, err := f.session.RunTurn(ctx, "conv-1", "what's in A1?")
	if err != nil {
		t.Fatalf("run turn: %v", err)
	}
	if res.Suspended {
		t.Fatal("read tools must not suspend")
	}
	if res.Content != "A1 holds 5." {
		t.Errorf("content = %q", res.Content)
	}
	if res.Rounds != 2 {
		t.Errorf("rounds = %d, want 2", res.Rounds)
	}
}

// A pathological model that always calls tools stops at the round
// limit with a truncation notice; no ledger entries are lost.
func TestRoundLimitTruncation(t *testing.T) {
	script := make([]llm.ChatResponse, 5)
	for i := range script {
		script[i] = llm.ToolCallResponse("", "call", "read_range", map[string]any{"range": "A1:A1"})
	}
	f := newFixture(t, true, 5, script...)
	ctx := context.Background()

	res, err := f.session.RunTurn(ctx, "conv-1", "loop forever")
	if !errors.Is(err, ErrTruncated) {
		t.Fatalf("got %v, want ErrTruncated", err)
	}
	if !res.Truncated || res.Rounds != 5 {
		t.Errorf("result = %+v", res)
	}
	if f.fake.Calls() != 5 {
		t.Errorf("model called %d times, want 5", f.fake.Calls())
	}

	conv, err := f.store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, "Stopped after") {
		t.Errorf("last message = %+v, want truncation notice", last)
	}
}

func TestModelFailureBecomesAssistantMessage(t *testing.T) {
	f := newFixture(t, true, 0)
	f.fake.StreamErr = errors.New("connection refused")
	ctx := context.Background()

	_, err := f.session.RunTurn(ctx, "conv-1", "hello")
	if err == nil {
		t.Fatal("expected an error")
	}

	conv, err := f.store.Load(ctx, "conv-1")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	last := conv.Messages[len(conv.Messages)-1]
	if last.Role != "assistant" || !strings.Contains(last.Content, "unavailable") {
		t.Errorf("last message = %+v, want model error notice", last)
	}
}

func TestOneTurnAtATime(t *testing.T) {
	f := newFixture(t, true, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "A1", "value": "1"}),
		llm.TextResponse("done"),
	)
	ctx := context.Background()

	if _, err := f.session.RunTurn(ctx, "conv-1", "go"); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	// Suspended: a new turn must be refused until the decision.
	if _, err := f.session.RunTurn(ctx, "conv-1", "another"); !errors.Is(err, ErrTurnActive) {
		t.Errorf("got %v, want ErrTurnActive", err)
	}
	if !f.session.Suspended() {
		t.Error("session should report suspended")
	}
	if _, err := f.session.ConfirmPending(ctx); err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if f.session.Suspended() {
		t.Error("session should no longer be suspended")
	}
}

func TestConfirmWithoutSuspension(t *testing.T) {
	f := newFixture(t, true, 0)
	if _, err := f.session.ConfirmPending(context.Background()); !errors.Is(err, ErrNoSuspendedTurn) {
		t.Errorf("got %v, want ErrNoSuspendedTurn", err)
	}
	if _, err := f.session.RejectPending(context.Background()); !errors.Is(err, ErrNoSuspendedTurn) {
		t.Errorf("reject: got %v, want ErrNoSuspendedTurn", err)
	}
}

func TestCancelClearsSuspension(t *testing.T) {
	f := newFixture(t, true, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "A1", "value": "1"}),
	)
	ctx := context.Background()

	if _, err := f.session.RunTurn(ctx, "conv-1", "go"); err != nil {
		t.Fatalf("run turn: %v", err)
	}
	f.session.Cancel()
	if f.session.Suspended() {
		t.Error("cancel should clear the suspended turn")
	}
	if f.gate.State() != gate.StateNone {
		t.Errorf("gate state = %s, want none", f.gate.State())
	}
}

// Chat chunks stream to the bus in order with contiguous sequence
// numbers across rounds of the same run.
func TestChunkStreamOrdering(t *testing.T) {
	f := newFixture(t, true, 0, llm.TextResponse("streamed reply"))
	ctx := context.Background()

	ch := f.bus.Subscribe(64)
	t.Cleanup(func() { f.bus.Unsubscribe(ch) })

	if _, err := f.session.RunTurn(ctx, "conv-1", "hi"); err != nil {
		t.Fatalf("run turn: %v", err)
	}

	var text strings.Builder
	nextSeq := 0
	for {
		select {
		case e := <-ch:
			if e.Kind != events.KindChatChunk {
				continue
			}
			if seq := e.Data["seq"].(int); seq != nextSeq {
				t.Errorf("seq = %d, want %d", seq, nextSeq)
			}
			nextSeq++
			text.WriteString(e.Data["text"].(string))
			continue
		default:
		}
		break
	}
	if text.String() != "streamed reply" {
		t.Errorf("reassembled text = %q", text.String())
	}
}

// The model context includes persisted tool results on later turns.
func TestToolResultsStayInModelContext(t *testing.T) {
	f := newFixture(t, false, 0,
		llm.ToolCallResponse("", "call-1", "write_cell", map[string]any{"ref": "A1", "value": "1"}),
		llm.TextResponse("done"),
		llm.TextResponse("second turn reply"),
	)
	ctx := context.Background()

	if _, err := f.session.RunTurn(ctx, "conv-1", "first"); err != nil {
		t.Fatalf("first turn: %v", err)
	}
	if _, err := f.session.RunTurn(ctx, "conv-1", "second"); err != nil {
		t.Fatalf("second turn: %v", err)
	}

	last := f.fake.Requests[len(f.fake.Requests)-1]
	var sawToolResult bool
	for _, m := range last {
		if m.Role == "tool" {
			sawToolResult = true
		}
	}
	if !sawToolResult {
		t.Error("second turn context should include earlier tool results")
	}
}
