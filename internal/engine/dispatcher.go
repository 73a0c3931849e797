package engine

import (
	"context"
	"log/slog"
	"time"

	"github.com/lifeos-labs/lifeos-agent/internal/observe"
)

// DefaultEditInterval is the minimum time between intermediate streamed edits
// pushed to the chat transport.
const DefaultEditInterval = 1500 * time.Millisecond

// toolAnnounce is appended once per assistant message as soon as the model
// starts calling tools, so the user sees progress while calls execute.
const toolAnnounce = "\n\n🛠 Working on it…"

// Fragment is a snapshot of one streaming assistant message. Text carries the
// full text accumulated so far, not a delta.
type Fragment struct {
	// MessageID identifies the assistant message being streamed. A new ID
	// means a new message: sinks reset any per-message state.
	MessageID string

	// Text is the accumulated assistant text so far.
	Text string

	// ToolCall marks that the model has requested at least one tool call in
	// this message.
	ToolCall bool
}

// Sink consumes the streaming output of a run. Implementations need not be
// safe for concurrent use; the engine calls a sink from a single goroutine.
type Sink interface {
	// OnFragment delivers an intermediate snapshot. Implementations may
	// drop or throttle snapshots freely; only Finalize is authoritative.
	OnFragment(ctx context.Context, f Fragment) error

	// Finalize delivers the complete final answer for the run.
	Finalize(ctx context.Context, messageID, text string) error
}

// Editor pushes text into a single chat message owned by the transport layer.
type Editor interface {
	// EditMarkdown replaces the message text, rendering markdown.
	EditMarkdown(ctx context.Context, text string) error

	// EditPlain replaces the message text without any formatting.
	EditPlain(ctx context.Context, text string) error
}

// Dispatcher is a [Sink] that relays streamed fragments into one chat message
// via an [Editor], throttled so the transport's edit rate limits are never
// tripped. Intermediate edits are plain text; the final edit renders markdown
// and falls back to plain text if the transport rejects the formatting.
//
// A Dispatcher serves a single run and is not safe for concurrent use.
type Dispatcher struct {
	editor   Editor
	interval time.Duration
	now      func() time.Time
	logger   *slog.Logger
	metrics  *observe.Metrics

	msgID     string
	lastEdit  time.Time
	lastSent  string
	announced bool
}

var _ Sink = (*Dispatcher)(nil)

// DispatcherOption customises a [Dispatcher].
type DispatcherOption func(*Dispatcher)

// WithEditInterval overrides [DefaultEditInterval].
func WithEditInterval(d time.Duration) DispatcherOption {
	return func(dp *Dispatcher) {
		if d > 0 {
			dp.interval = d
		}
	}
}

// WithDispatcherClock overrides the time source, for tests.
func WithDispatcherClock(now func() time.Time) DispatcherOption {
	return func(dp *Dispatcher) { dp.now = now }
}

// WithDispatcherLogger overrides the default [slog.Default] logger.
func WithDispatcherLogger(l *slog.Logger) DispatcherOption {
	return func(dp *Dispatcher) { dp.logger = l }
}

// WithDispatcherMetrics overrides the default metrics instance.
func WithDispatcherMetrics(m *observe.Metrics) DispatcherOption {
	return func(dp *Dispatcher) { dp.metrics = m }
}

// NewDispatcher creates a Dispatcher writing through editor.
func NewDispatcher(editor Editor, opts ...DispatcherOption) *Dispatcher {
	d := &Dispatcher{
		editor:   editor,
		interval: DefaultEditInterval,
		now:      time.Now,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d
}

// OnFragment implements [Sink]. Edit failures on intermediate fragments are
// logged and swallowed; the final text is guaranteed by Finalize.
func (d *Dispatcher) OnFragment(ctx context.Context, f Fragment) error {
	if f.MessageID != d.msgID {
		d.msgID = f.MessageID
		d.lastEdit = time.Time{}
		d.lastSent = ""
		d.announced = false
	}
	// The first tool announce for a message bypasses the throttle so the
	// user sees it before the (possibly slow) tool calls run.
	announceNow := f.ToolCall && !d.announced
	if f.ToolCall {
		d.announced = true
	}

	body := f.Text
	if d.announced {
		body += toolAnnounce
	}
	if body == "" || body == d.lastSent {
		return nil
	}
	now := d.now()
	if !announceNow && !d.lastEdit.IsZero() && now.Sub(d.lastEdit) < d.interval {
		return nil
	}

	if err := d.editor.EditPlain(ctx, body); err != nil {
		d.logger.Warn("dispatcher: intermediate edit failed", "error", err)
		return nil
	}
	d.lastEdit = now
	d.lastSent = body
	d.metrics.StreamEdits.Add(ctx, 1)
	return nil
}

// Finalize implements [Sink]. The full answer is rendered as markdown; when
// the transport rejects the formatting the same text is re-sent plain.
func (d *Dispatcher) Finalize(ctx context.Context, messageID, text string) error {
	d.msgID = messageID
	d.announced = false
	if text == "" {
		text = "🤷 I have nothing to add."
	}
	if err := d.editor.EditMarkdown(ctx, text); err != nil {
		d.logger.Warn("dispatcher: markdown render rejected, retrying plain", "error", err)
		if err := d.editor.EditPlain(ctx, text); err != nil {
			return err
		}
	}
	d.metrics.StreamEdits.Add(ctx, 1)
	d.lastSent = text
	return nil
}

// NopSink discards all output. Useful for headless runs and tests.
type NopSink struct{}

var _ Sink = NopSink{}

func (NopSink) OnFragment(context.Context, Fragment) error     { return nil }
func (NopSink) Finalize(context.Context, string, string) error { return nil }
