// Package engine implements the conversation state machine that drives an
// agent run: alternating model turns and tool turns until the model produces
// a final answer, bounded by a recursion circuit breaker.
//
// A run moves through three states. In the model turn the conversation is
// streamed to the model provider and fragments are relayed to a [Sink]. When
// the model requests tool calls the run enters the tool turn, executing every
// call concurrently through a [ToolCaller] and appending the results to the
// conversation in call-identifier order. A model turn without tool calls ends
// the run: the final answer is delivered through the sink and the whole
// conversation is checkpointed in one write. Nothing is persisted for runs
// that fail or trip the breaker.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/lifeos-labs/lifeos-agent/internal/bridge"
	"github.com/lifeos-labs/lifeos-agent/internal/checkpoint"
	"github.com/lifeos-labs/lifeos-agent/internal/observe"
	"github.com/lifeos-labs/lifeos-agent/internal/prompts"
	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// DefaultMaxTurns bounds the number of model turns in a single run before the
// circuit breaker trips.
const DefaultMaxTurns = 15

// ToolCaller executes a named tool with JSON-encoded arguments and returns
// its textual result. Implementations classify failures with the sentinel
// errors of the bridge package so the engine can tell recoverable tool
// failures from fatal transport failures.
type ToolCaller interface {
	Call(ctx context.Context, name, args string) (string, error)
}

// Engine orchestrates agent runs. Safe for concurrent use; runs for the same
// conversation serialise on a per-conversation lock while distinct
// conversations proceed in parallel.
type Engine struct {
	provider    llm.Provider
	caller      ToolCaller
	tools       []llm.ToolDefinition
	store       checkpoint.Store
	prompts     *prompts.Builder
	providerID  string
	maxTurns    int
	temperature float64
	maxTokens   int
	logger      *slog.Logger
	metrics     *observe.Metrics
	newID       func() string
	locks       keyedMutex
}

// Option customises an [Engine].
type Option func(*Engine)

// WithMaxTurns overrides [DefaultMaxTurns]. Values < 1 are ignored.
func WithMaxTurns(n int) Option {
	return func(e *Engine) {
		if n >= 1 {
			e.maxTurns = n
		}
	}
}

// WithTemperature sets the sampling temperature passed to the provider.
func WithTemperature(t float64) Option {
	return func(e *Engine) { e.temperature = t }
}

// WithMaxTokens caps completion tokens per model turn. Zero means the
// provider default.
func WithMaxTokens(n int) Option {
	return func(e *Engine) { e.maxTokens = n }
}

// WithProviderID labels provider-error metrics with the backing provider's
// name, e.g. "openai".
func WithProviderID(id string) Option {
	return func(e *Engine) {
		if id != "" {
			e.providerID = id
		}
	}
}

// WithLogger overrides the default [slog.Default] logger.
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics overrides the default metrics instance.
func WithMetrics(m *observe.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithIDGenerator overrides the message ID source, for tests.
func WithIDGenerator(f func() string) Option {
	return func(e *Engine) { e.newID = f }
}

// New creates an Engine. The tool definitions must match what caller can
// execute; typically both come from the same initialised bridge.
func New(provider llm.Provider, caller ToolCaller, tools []llm.ToolDefinition, store checkpoint.Store, pb *prompts.Builder, opts ...Option) *Engine {
	e := &Engine{
		provider:   provider,
		caller:     caller,
		tools:      tools,
		store:      store,
		prompts:    pb,
		providerID: "unknown",
		maxTurns:   DefaultMaxTurns,
		logger:     slog.Default(),
		newID:      uuid.NewString,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.metrics == nil {
		e.metrics = observe.DefaultMetrics()
	}
	return e
}

// Run executes one full agent run for conversationID: loads the checkpoint,
// appends the user message, and alternates model and tool turns until the
// model answers without tool calls. The final answer is returned and also
// delivered through sink.Finalize. The conversation is persisted exactly
// once, after the final answer; failed runs leave the stored checkpoint
// untouched.
//
// Returns [ErrRecursionExceeded] when the turn budget is exhausted.
func (e *Engine) Run(ctx context.Context, conversationID, userText string, sink Sink) (string, error) {
	lock := e.locks.get(conversationID)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	e.metrics.ActiveConversations.Add(ctx, 1)
	defer e.metrics.ActiveConversations.Add(ctx, -1)

	cp, err := e.store.Load(ctx, conversationID)
	if err != nil {
		e.metrics.RecordRun(ctx, "error")
		return "", fmt.Errorf("engine: load checkpoint %q: %w", conversationID, err)
	}

	messages := append(cp.Messages, llm.Message{
		ID:      e.newID(),
		Role:    llm.RoleUser,
		Content: userText,
	})

	for turns := 0; ; {
		if turns >= e.maxTurns {
			e.logger.Warn("engine: circuit breaker tripped",
				"conversation_id", conversationID, "turns", turns)
			e.metrics.RecordRun(ctx, "recursion")
			return "", ErrRecursionExceeded
		}
		turns++

		msgID := e.newID()
		resp, err := e.modelTurn(ctx, messages, sink, msgID)
		if err != nil {
			e.metrics.RecordRun(ctx, "error")
			return "", err
		}

		assistant := llm.Message{
			ID:        msgID,
			Role:      llm.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		}
		messages = append(messages, assistant)

		if len(resp.ToolCalls) == 0 {
			if err := sink.Finalize(ctx, msgID, resp.Content); err != nil {
				e.logger.Warn("engine: finalize failed",
					"conversation_id", conversationID, "error", err)
			}
			cp.Messages = messages
			cp.Turns += turns
			cp.UpdatedAt = time.Now()
			if err := e.store.Save(ctx, cp); err != nil {
				e.metrics.RecordRun(ctx, "error")
				return "", fmt.Errorf("engine: save checkpoint %q: %w", conversationID, err)
			}
			e.metrics.RunDuration.Record(ctx, time.Since(start).Seconds())
			e.metrics.RecordRun(ctx, "ok")
			return resp.Content, nil
		}

		results, err := e.toolTurn(ctx, resp.ToolCalls)
		if err != nil {
			e.metrics.RecordRun(ctx, "error")
			return "", err
		}
		messages = append(messages, results...)
	}
}

// modelTurn streams one completion, relaying accumulated text to sink as it
// arrives. The returned response carries the full text and any tool calls
// requested on the final chunk.
func (e *Engine) modelTurn(ctx context.Context, messages []llm.Message, sink Sink, msgID string) (*llm.CompletionResponse, error) {
	turnStart := time.Now()
	req := llm.CompletionRequest{
		Messages:     messages,
		Tools:        e.tools,
		SystemPrompt: e.prompts.StaticSystemPrompt() + "\n\n" + e.prompts.DynamicContext(),
		Temperature:  e.temperature,
		MaxTokens:    e.maxTokens,
	}

	chunks, err := e.provider.StreamCompletion(ctx, req)
	if err != nil {
		e.metrics.RecordProviderError(ctx, e.providerID, "request")
		return nil, fmt.Errorf("engine: model turn: %w", err)
	}

	var (
		buf   strings.Builder
		calls []llm.ToolCall
	)
	for chunk := range chunks {
		if chunk.FinishReason == llm.FinishError {
			e.metrics.RecordProviderError(ctx, e.providerID, "stream")
			return nil, fmt.Errorf("engine: model stream: %s", chunk.Text)
		}
		if len(chunk.ToolCalls) > 0 {
			calls = append(calls, chunk.ToolCalls...)
		}
		if chunk.Text != "" || len(chunk.ToolCalls) > 0 {
			if err := sink.OnFragment(ctx, Fragment{
				MessageID: msgID,
				Text:      buf.String() + chunk.Text,
				ToolCall:  len(calls) > 0,
			}); err != nil {
				return nil, fmt.Errorf("engine: sink: %w", err)
			}
		}
		buf.WriteString(chunk.Text)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("engine: model turn: %w", err)
	}

	e.metrics.ModelTurnDuration.Record(ctx, time.Since(turnStart).Seconds())
	return &llm.CompletionResponse{Content: buf.String(), ToolCalls: calls}, nil
}

// toolTurn executes all requested calls concurrently and returns one tool
// message per call, ordered by call identifier regardless of completion
// order. Recoverable tool failures become error-text results so the model
// can self-correct on the next turn; fatal bridge failures abort the run.
func (e *Engine) toolTurn(ctx context.Context, calls []llm.ToolCall) ([]llm.Message, error) {
	results := make([]llm.Message, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	for i, call := range calls {
		g.Go(func() error {
			callStart := time.Now()
			content, err := e.caller.Call(gctx, call.Name, call.Arguments)
			e.metrics.ToolExecutionDuration.Record(gctx, time.Since(callStart).Seconds())
			switch {
			case err == nil:
				e.metrics.RecordToolCall(gctx, call.Name, "ok")
			case bridge.Recoverable(err):
				e.logger.Warn("engine: tool call failed",
					"tool", call.Name, "error", err)
				e.metrics.RecordToolCall(gctx, call.Name, "error")
				content = "Error: " + err.Error()
			default:
				e.metrics.RecordToolCall(gctx, call.Name, "fatal")
				return fmt.Errorf("engine: tool %q: %w", call.Name, err)
			}
			results[i] = llm.Message{
				ID:         e.newID(),
				Role:       llm.RoleTool,
				Content:    content,
				ToolCallID: call.ID,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ToolCallID < results[j].ToolCallID
	})
	return results, nil
}

// MaxTurns reports the configured turn budget.
func (e *Engine) MaxTurns() int { return e.maxTurns }

// IsRecursion reports whether err is the circuit-breaker error, unwrapping as
// needed.
func IsRecursion(err error) bool {
	return errors.Is(err, ErrRecursionExceeded)
}
