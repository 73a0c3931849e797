package engine_test

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric/noop"

	"github.com/lifeos-labs/lifeos-agent/internal/bridge"
	"github.com/lifeos-labs/lifeos-agent/internal/checkpoint"
	"github.com/lifeos-labs/lifeos-agent/internal/engine"
	"github.com/lifeos-labs/lifeos-agent/internal/observe"
	"github.com/lifeos-labs/lifeos-agent/internal/prompts"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm/mock"
)

// fakeCaller is a scriptable engine.ToolCaller.
type fakeCaller struct {
	mu    sync.Mutex
	fn    func(ctx context.Context, name, args string) (string, error)
	calls []string
}

func (c *fakeCaller) Call(ctx context.Context, name, args string) (string, error) {
	c.mu.Lock()
	c.calls = append(c.calls, name)
	fn := c.fn
	c.mu.Unlock()
	if fn == nil {
		return "ok", nil
	}
	return fn(ctx, name, args)
}

// recordSink captures fragments and the final answer.
type recordSink struct {
	frags     []engine.Fragment
	finalID   string
	finalText string
	finals    int
}

func (s *recordSink) OnFragment(_ context.Context, f engine.Fragment) error {
	s.frags = append(s.frags, f)
	return nil
}

func (s *recordSink) Finalize(_ context.Context, messageID, text string) error {
	s.finals++
	s.finalID = messageID
	s.finalText = text
	return nil
}

func testMetrics(t *testing.T) *observe.Metrics {
	t.Helper()
	m, err := observe.NewMetrics(noop.NewMeterProvider())
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}
	return m
}

func testPrompts(t *testing.T) *prompts.Builder {
	t.Helper()
	pb, err := prompts.NewBuilder(prompts.DatabaseIDs{
		Area: "a", Project: "p", Task: "t", Habit: "h", HabitLog: "hl",
	})
	if err != nil {
		t.Fatalf("NewBuilder: %v", err)
	}
	return pb
}

func newTestEngine(t *testing.T, p llm.Provider, caller engine.ToolCaller, store checkpoint.Store, opts ...engine.Option) *engine.Engine {
	t.Helper()
	var tools []llm.ToolDefinition
	opts = append([]engine.Option{engine.WithMetrics(testMetrics(t))}, opts...)
	return engine.New(p, caller, tools, store, testPrompts(t), opts...)
}

func TestRun_DirectAnswer(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{{Text: "Hello"}, {Text: " there", FinishReason: "stop"}},
	}}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, &fakeCaller{}, store)
	sink := &recordSink{}

	final, err := eng.Run(context.Background(), "chat-1", "hi", sink)
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "Hello there" {
		t.Errorf("final = %q, want %q", final, "Hello there")
	}
	if sink.finals != 1 || sink.finalText != "Hello there" {
		t.Errorf("finalize: count=%d text=%q", sink.finals, sink.finalText)
	}
	if len(sink.frags) == 0 {
		t.Error("expected streamed fragments before the final answer")
	}

	cp, err := store.Load(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cp.Messages) != 2 {
		t.Fatalf("checkpoint has %d messages, want 2", len(cp.Messages))
	}
	if cp.Messages[0].Role != llm.RoleUser || cp.Messages[1].Role != llm.RoleAssistant {
		t.Errorf("roles = %s, %s", cp.Messages[0].Role, cp.Messages[1].Role)
	}
	if cp.Turns != 1 {
		t.Errorf("turns = %d, want 1", cp.Turns)
	}
}

func TestRun_ToolRoundTrip(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{
			{Text: "Let me check."},
			{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "query_db", Arguments: `{"q":"tasks"}`}}, FinishReason: "tool_calls"},
		},
		{{Text: "You have 3 open tasks.", FinishReason: "stop"}},
	}}
	caller := &fakeCaller{fn: func(_ context.Context, name, args string) (string, error) {
		if name != "query_db" {
			return "", fmt.Errorf("unexpected tool %q", name)
		}
		return `{"count":3}`, nil
	}}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, caller, store)

	final, err := eng.Run(context.Background(), "chat-1", "how many tasks?", &recordSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "You have 3 open tasks." {
		t.Errorf("final = %q", final)
	}

	cp, err := store.Load(context.Background(), "chat-1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	wantRoles := []string{llm.RoleUser, llm.RoleAssistant, llm.RoleTool, llm.RoleAssistant}
	if len(cp.Messages) != len(wantRoles) {
		t.Fatalf("checkpoint has %d messages, want %d", len(cp.Messages), len(wantRoles))
	}
	for i, want := range wantRoles {
		if cp.Messages[i].Role != want {
			t.Errorf("messages[%d].Role = %s, want %s", i, cp.Messages[i].Role, want)
		}
	}
	if cp.Messages[2].ToolCallID != "call_1" {
		t.Errorf("tool message ToolCallID = %q, want call_1", cp.Messages[2].ToolCallID)
	}
	if cp.Messages[2].Content != `{"count":3}` {
		t.Errorf("tool message content = %q", cp.Messages[2].Content)
	}

	// The second model turn must have seen the tool result.
	if provider.CallCount() != 2 {
		t.Fatalf("model called %d times, want 2", provider.CallCount())
	}
	second := provider.StreamCalls[1].Req.Messages
	if second[len(second)-1].Role != llm.RoleTool {
		t.Errorf("last message of second turn = %s, want tool", second[len(second)-1].Role)
	}
}

func TestRun_CircuitBreakerAtLimit(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{
		Script: [][]llm.Chunk{
			{{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "loop", Arguments: "{}"}}, FinishReason: "tool_calls"}},
		},
		Repeat: true,
	}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, &fakeCaller{}, store, engine.WithMaxTurns(3))

	_, err := eng.Run(context.Background(), "chat-1", "loop forever", engine.NopSink{})
	if !errors.Is(err, engine.ErrRecursionExceeded) {
		t.Fatalf("err = %v, want ErrRecursionExceeded", err)
	}
	if got := provider.CallCount(); got != 3 {
		t.Errorf("model called %d times, want exactly the configured limit of 3", got)
	}
	if store.Len() != 0 {
		t.Error("failed run must not persist a checkpoint")
	}
}

func TestRun_ToolResultsOrderedByCallID(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{
			{ToolCalls: []llm.ToolCall{
				{ID: "call_a", Name: "slow", Arguments: "{}"},
				{ID: "call_b", Name: "fast", Arguments: "{}"},
			}, FinishReason: "tool_calls"},
		},
		{{Text: "done", FinishReason: "stop"}},
	}}

	// call_b finishes first; call_a waits for it.
	bDone := make(chan struct{})
	caller := &fakeCaller{fn: func(ctx context.Context, name, _ string) (string, error) {
		switch name {
		case "fast":
			close(bDone)
			return "b-result", nil
		case "slow":
			select {
			case <-bDone:
			case <-ctx.Done():
				return "", ctx.Err()
			}
			return "a-result", nil
		}
		return "", fmt.Errorf("unexpected tool %q", name)
	}}

	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, caller, store)
	if _, err := eng.Run(context.Background(), "chat-1", "go", engine.NopSink{}); err != nil {
		t.Fatalf("Run: %v", err)
	}

	cp, _ := store.Load(context.Background(), "chat-1")
	// user, assistant, tool, tool, assistant
	if len(cp.Messages) != 5 {
		t.Fatalf("checkpoint has %d messages, want 5", len(cp.Messages))
	}
	first, second := cp.Messages[2], cp.Messages[3]
	if first.ToolCallID != "call_a" || second.ToolCallID != "call_b" {
		t.Errorf("tool result order = %q, %q; want call_a then call_b",
			first.ToolCallID, second.ToolCallID)
	}
	if first.Content != "a-result" || second.Content != "b-result" {
		t.Errorf("tool result contents = %q, %q", first.Content, second.Content)
	}
}

func TestRun_RecoverableToolErrorBecomesResult(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "query_db", Arguments: `not json`}}, FinishReason: "tool_calls"}},
		{{Text: "sorry, let me rephrase", FinishReason: "stop"}},
	}}
	caller := &fakeCaller{fn: func(_ context.Context, name, _ string) (string, error) {
		return "", fmt.Errorf("bridge: %w: tool %q: args are not a JSON object", bridge.ErrInvalidArguments, name)
	}}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, caller, store)

	final, err := eng.Run(context.Background(), "chat-1", "go", engine.NopSink{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if final != "sorry, let me rephrase" {
		t.Errorf("final = %q", final)
	}

	// The model's second turn must see the failure as a tool result.
	second := provider.StreamCalls[1].Req.Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool {
		t.Fatalf("last message role = %s, want tool", last.Role)
	}
	if !strings.HasPrefix(last.Content, "Error:") {
		t.Errorf("tool result = %q, want Error: prefix", last.Content)
	}
}

func TestRun_FatalBridgeErrorAbortsWithoutPersisting(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{{ToolCalls: []llm.ToolCall{{ID: "call_1", Name: "query_db", Arguments: "{}"}}, FinishReason: "tool_calls"}},
	}}
	caller := &fakeCaller{fn: func(_ context.Context, name, _ string) (string, error) {
		return "", fmt.Errorf("bridge: call %q: %w", name, bridge.ErrBridgeDisconnected)
	}}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, caller, store)

	_, err := eng.Run(context.Background(), "chat-1", "go", engine.NopSink{})
	if !errors.Is(err, bridge.ErrBridgeDisconnected) {
		t.Fatalf("err = %v, want ErrBridgeDisconnected", err)
	}
	if store.Len() != 0 {
		t.Error("failed run must not persist a checkpoint")
	}
}

func TestRun_StreamErrorAborts(t *testing.T) {
	t.Parallel()

	provider := &mock.Provider{Script: [][]llm.Chunk{
		{{FinishReason: llm.FinishError, Text: "backend exploded"}},
	}}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, &fakeCaller{}, store)

	_, err := eng.Run(context.Background(), "chat-1", "hi", engine.NopSink{})
	if err == nil || !strings.Contains(err.Error(), "backend exploded") {
		t.Fatalf("err = %v, want stream error", err)
	}
	if store.Len() != 0 {
		t.Error("failed run must not persist a checkpoint")
	}
}

// gateProvider asserts that at most one stream per conversation is in flight.
type gateProvider struct {
	mock.Provider
	active atomic.Int32
	bad    atomic.Bool
}

func (p *gateProvider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	if p.active.Add(1) > 1 {
		p.bad.Store(true)
	}
	time.Sleep(5 * time.Millisecond)
	p.active.Add(-1)
	return p.Provider.StreamCompletion(ctx, req)
}

func TestRun_SerialisesSameConversation(t *testing.T) {
	t.Parallel()

	provider := &gateProvider{}
	store := checkpoint.NewMemoryStore()
	eng := newTestEngine(t, provider, &fakeCaller{}, store)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := eng.Run(context.Background(), "chat-1", "hi", engine.NopSink{}); err != nil {
				t.Errorf("Run: %v", err)
			}
		}()
	}
	wg.Wait()

	if provider.bad.Load() {
		t.Error("two runs for the same conversation overlapped")
	}
	cp, _ := store.Load(context.Background(), "chat-1")
	// 5 serial runs, each appending a user and an assistant message.
	if len(cp.Messages) != 10 {
		t.Errorf("checkpoint has %d messages, want 10", len(cp.Messages))
	}
}
