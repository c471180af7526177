package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"
)

// Fake is a scripted Client for tests and offline development. Each
// call pops the next queued response; calls beyond the script return
// an error. Requests are recorded for assertions.
type Fake struct {
	mu        sync.Mutex
	script    []ChatResponse
	calls     int
	Requests  [][]Message
	StreamErr error
}

// NewFake creates a fake client with the given scripted responses.
func NewFake(script ...ChatResponse) *Fake {
	return &Fake{script: script}
}

// TextResponse builds a plain assistant reply for scripting.
func TextResponse(content string) ChatResponse {
	return ChatResponse{
		Model:     "fake",
		CreatedAt: time.Now(),
		Done:      true,
		Message:   Message{Role: "assistant", Content: content},
	}
}

// ToolCallResponse builds an assistant reply invoking one tool, with
// args marshaled to JSON.
func ToolCallResponse(content, callID, toolName string, args any) ChatResponse {
	raw, err := json.Marshal(args)
	if err != nil {
		panic(fmt.Sprintf("marshal fake tool args: %v", err))
	}
	var tc ToolCall
	tc.ID = callID
	tc.Function.Name = toolName
	tc.Function.Arguments = raw
	return ChatResponse{
		Model:     "fake",
		CreatedAt: time.Now(),
		Done:      true,
		Message:   Message{Role: "assistant", Content: content, ToolCalls: []ToolCall{tc}},
	}
}

// Chat implements Client.
func (f *Fake) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	return f.ChatStream(ctx, model, messages, tools, nil)
}

// ChatStream implements Client. The scripted content is delivered to
// the callback as a handful of token events before the final response.
func (f *Fake) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	f.mu.Lock()
	if f.StreamErr != nil {
		err := f.StreamErr
		f.mu.Unlock()
		return nil, err
	}
	if f.calls >= len(f.script) {
		f.mu.Unlock()
		return nil, fmt.Errorf("fake llm: script exhausted after %d calls", f.calls)
	}
	resp := f.script[f.calls]
	f.calls++
	f.Requests = append(f.Requests, append([]Message(nil), messages...))
	f.mu.Unlock()

	if callback != nil {
		// Split content into two chunks so stream consumers see more
		// than one token event.
		content := resp.Message.Content
		if content != "" {
			half := len(content) / 2
			callback(StreamEvent{Kind: KindToken, Token: content[:half]})
			if half < len(content) {
				callback(StreamEvent{Kind: KindToken, Token: content[half:]})
			}
		}
		for i := range resp.Message.ToolCalls {
			callback(StreamEvent{Kind: KindToolCallStart, ToolCall: &resp.Message.ToolCalls[i]})
		}
		callback(StreamEvent{Kind: KindDone, Response: &resp})
	}
	return &resp, nil
}

// Ping implements Client.
func (f *Fake) Ping(ctx context.Context) error { return nil }

// Calls returns how many chat requests have been served.
func (f *Fake) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
