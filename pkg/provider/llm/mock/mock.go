// Package mock provides a test double for the llm.Provider interface.
//
// Use Provider in unit tests to verify that the conversation engine sends
// correct CompletionRequests and to feed controlled responses without a live
// model backend. Configure all fields before the first call; the mock guards
// its own call records but not concurrent reconfiguration.
package mock

import (
	"context"
	"sync"

	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// StreamCall records a single invocation of StreamCompletion.
type StreamCall struct {
	// Ctx is the context passed to StreamCompletion.
	Ctx context.Context
	// Req is the CompletionRequest passed to StreamCompletion.
	Req llm.CompletionRequest
}

// Provider is a mock implementation of llm.Provider.
//
// Script holds one chunk sequence per expected StreamCompletion call; each
// call consumes the next entry. When the script is exhausted the stream emits
// a single empty "stop" chunk, so an over-long loop terminates instead of
// hanging the test.
type Provider struct {
	mu sync.Mutex

	// Script is the sequence of streams to play back, one per call.
	Script [][]llm.Chunk

	// Repeat, when true, replays the last Script entry forever instead of
	// falling back to a bare "stop" chunk. Used to drive recursion tests.
	Repeat bool

	// StreamErr, if non-nil, is returned from StreamCompletion instead of
	// starting a stream.
	StreamErr error

	// CompleteResponse is returned by Complete. Nil yields an empty response.
	CompleteResponse *llm.CompletionResponse

	// CompleteErr, if non-nil, is returned from Complete.
	CompleteErr error

	// Caps is returned by Capabilities. The zero value reports tool calling
	// and streaming as supported.
	Caps *llm.ModelCapabilities

	// StreamCalls records every StreamCompletion invocation in order.
	StreamCalls []StreamCall

	next int
}

var _ llm.Provider = (*Provider)(nil)

// StreamCompletion implements llm.Provider.
func (p *Provider) StreamCompletion(ctx context.Context, req llm.CompletionRequest) (<-chan llm.Chunk, error) {
	p.mu.Lock()
	p.StreamCalls = append(p.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	if p.StreamErr != nil {
		err := p.StreamErr
		p.mu.Unlock()
		return nil, err
	}

	var chunks []llm.Chunk
	switch {
	case p.next < len(p.Script):
		chunks = p.Script[p.next]
		p.next++
	case p.Repeat && len(p.Script) > 0:
		chunks = p.Script[len(p.Script)-1]
	default:
		chunks = []llm.Chunk{{FinishReason: "stop"}}
	}
	p.mu.Unlock()

	ch := make(chan llm.Chunk, len(chunks))
	go func() {
		defer close(ch)
		for _, c := range chunks {
			select {
			case ch <- c:
			case <-ctx.Done():
				return
			}
		}
	}()
	return ch, nil
}

// Complete implements llm.Provider.
func (p *Provider) Complete(ctx context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	if p.CompleteErr != nil {
		return nil, p.CompleteErr
	}
	if p.CompleteResponse != nil {
		return p.CompleteResponse, nil
	}
	return &llm.CompletionResponse{}, nil
}

// Capabilities implements llm.Provider.
func (p *Provider) Capabilities() llm.ModelCapabilities {
	if p.Caps != nil {
		return *p.Caps
	}
	return llm.ModelCapabilities{
		SupportsToolCalling: true,
		SupportsStreaming:   true,
		ContextWindow:       128_000,
		MaxOutputTokens:     4_096,
	}
}

// CallCount returns the number of StreamCompletion invocations so far.
func (p *Provider) CallCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.StreamCalls)
}
