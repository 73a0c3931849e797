// Package bridge presents a remote MCP toolset running in a separate process
// as a stable, queryable, callable interface, and manages that process's
// lifetime.
//
// It connects to the tool server via a stdio or streamable-HTTP transport
// using the official MCP Go SDK (github.com/modelcontextprotocol/go-sdk),
// imports the server's tool catalogue once at startup, and validates call
// arguments against each tool's declared input schema before they cross the
// process boundary.
//
// Typical usage:
//
//	b := bridge.New(cfg)
//	tools, err := b.Initialize(ctx)
//	defer b.Close()
//
//	result, err := b.Call(ctx, "query_database", `{"database_id": "..."}`)
package bridge

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/google/jsonschema-go/jsonschema"
	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/lifeos-labs/lifeos-agent/pkg/provider/llm"
)

// Transport selects the connection mechanism to the tool server.
type Transport string

const (
	// TransportStdio spawns a subprocess and communicates over stdin/stdout.
	TransportStdio Transport = "stdio"

	// TransportStreamableHTTP communicates via the MCP Streamable HTTP protocol.
	TransportStreamableHTTP Transport = "streamable-http"
)

// IsValid reports whether t is a recognised transport.
func (t Transport) IsValid() bool {
	return t == TransportStdio || t == TransportStreamableHTTP
}

// defaultHandshakeTimeout bounds the connect + tool-listing phase when the
// config does not set one.
const defaultHandshakeTimeout = 30 * time.Second

// tokenEnvVar is the environment variable the workspace tool server reads its
// credential from.
const tokenEnvVar = "NOTION_TOKEN"

// Config describes how to reach the tool server.
type Config struct {
	// Transport specifies the connection mechanism.
	Transport Transport

	// Command is the executable (with optional arguments) launched when
	// Transport is stdio.
	Command string

	// URL is the endpoint address when Transport is streamable-http.
	URL string

	// Token is the workspace credential injected into the subprocess
	// environment. Required for stdio transport.
	Token string

	// HandshakeTimeout bounds Initialize. Zero means 30s.
	HandshakeTimeout time.Duration

	// Env holds additional environment variables for the subprocess.
	Env map[string]string
}

// toolEntry holds everything needed to dispatch one loaded tool.
type toolEntry struct {
	def llm.ToolDefinition

	// schema is the tool's resolved input schema, nil when the server's
	// declared schema could not be resolved (validation is then skipped).
	schema *jsonschema.Resolved
}

// Bridge is the live connection to the tool server. The zero value is not
// usable; create instances with [New], then call [Bridge.Initialize] exactly
// once before [Bridge.Call].
//
// Call is safe for concurrent use. Initialize and Close are serialized
// against each other and against Call.
type Bridge struct {
	cfg    Config
	client *mcpsdk.Client

	mu      sync.RWMutex
	session *mcpsdk.ClientSession
	tools   map[string]toolEntry
	closed  bool
}

// New creates an unconnected Bridge for the given config.
func New(cfg Config) *Bridge {
	client := mcpsdk.NewClient(
		&mcpsdk.Implementation{Name: "lifeos-agent", Version: "1.0.0"},
		nil,
	)
	return &Bridge{
		cfg:    cfg,
		client: client,
		tools:  make(map[string]toolEntry),
	}
}

// Initialize launches the tool server, performs the MCP session handshake,
// and imports its tool catalogue. The returned definitions are immutable for
// the lifetime of the bridge.
//
// Returns [ErrBridgeUnavailable] when a required credential or config value
// is missing, and [ErrHandshakeFailed] when the server does not come up
// within the handshake timeout.
func (b *Bridge) Initialize(ctx context.Context) ([]llm.ToolDefinition, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.session != nil {
		return nil, fmt.Errorf("bridge: already initialized")
	}
	if b.closed {
		return nil, fmt.Errorf("bridge: %w: bridge is closed", ErrBridgeDisconnected)
	}

	transport, err := b.buildTransport(ctx)
	if err != nil {
		return nil, err
	}

	timeout := b.cfg.HandshakeTimeout
	if timeout <= 0 {
		timeout = defaultHandshakeTimeout
	}
	hsCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	session, err := b.client.Connect(hsCtx, transport, nil)
	if err != nil {
		return nil, fmt.Errorf("bridge: %w: %v", ErrHandshakeFailed, err)
	}

	var defs []llm.ToolDefinition
	for tool, err := range session.Tools(hsCtx, nil) {
		if err != nil {
			_ = session.Close()
			return nil, fmt.Errorf("bridge: %w: list tools: %v", ErrHandshakeFailed, err)
		}
		entry := buildToolEntry(*tool)
		b.tools[tool.Name] = entry
		defs = append(defs, entry.def)
	}

	b.session = session
	slog.Info("tool bridge initialized",
		"transport", b.cfg.Transport,
		"tools", len(defs),
	)
	return defs, nil
}

// buildTransport validates the config and constructs the SDK transport.
// Must be called with b.mu held.
func (b *Bridge) buildTransport(ctx context.Context) (mcpsdk.Transport, error) {
	switch b.cfg.Transport {
	case TransportStdio:
		if b.cfg.Token == "" {
			return nil, fmt.Errorf("bridge: %w: workspace token is not set (set %s)", ErrBridgeUnavailable, tokenEnvVar)
		}
		executable, args := splitCommand(b.cfg.Command)
		if executable == "" {
			return nil, fmt.Errorf("bridge: %w: stdio transport requires a non-empty command", ErrBridgeUnavailable)
		}
		cmd := exec.CommandContext(ctx, executable, args...)
		// The subprocess inherits the parent environment plus the credential
		// and any configured extras.
		cmd.Env = append(os.Environ(), tokenEnvVar+"="+b.cfg.Token)
		for k, v := range b.cfg.Env {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
		return &mcpsdk.CommandTransport{Command: cmd}, nil

	case TransportStreamableHTTP:
		if b.cfg.URL == "" {
			return nil, fmt.Errorf("bridge: %w: streamable-http transport requires a non-empty URL", ErrBridgeUnavailable)
		}
		return &mcpsdk.StreamableClientTransport{Endpoint: b.cfg.URL}, nil

	default:
		return nil, fmt.Errorf("bridge: %w: unknown transport %q", ErrBridgeUnavailable, b.cfg.Transport)
	}
}

// buildToolEntry converts an SDK Tool into an internal toolEntry, resolving
// its input schema for later argument validation.
func buildToolEntry(t mcpsdk.Tool) toolEntry {
	params := schemaToMap(t.InputSchema)
	entry := toolEntry{
		def: llm.ToolDefinition{
			Name:        t.Name,
			Description: t.Description,
			Parameters:  params,
		},
	}

	// Round-trip the declared schema through JSON so it resolves regardless
	// of the concrete type the SDK hands us.
	data, err := json.Marshal(t.InputSchema)
	if err != nil {
		return entry
	}
	var schema jsonschema.Schema
	if err := json.Unmarshal(data, &schema); err != nil {
		return entry
	}
	resolved, err := schema.Resolve(nil)
	if err != nil {
		slog.Warn("tool schema did not resolve; argument validation disabled",
			"tool", t.Name, "err", err)
		return entry
	}
	entry.schema = resolved
	return entry
}

// schemaToMap converts any schema value to a map[string]any for the model's
// tool binding.
func schemaToMap(schema any) map[string]any {
	if schema == nil {
		return map[string]any{"type": "object"}
	}
	if m, ok := schema.(map[string]any); ok {
		return m
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]any{"type": "object"}
	}
	return m
}

// Tools returns the loaded tool definitions. Empty before Initialize.
func (b *Bridge) Tools() []llm.ToolDefinition {
	b.mu.RLock()
	defer b.mu.RUnlock()

	defs := make([]llm.ToolDefinition, 0, len(b.tools))
	for _, e := range b.tools {
		defs = append(defs, e.def)
	}
	return defs
}

// Call invokes the named tool with JSON-encoded args and returns the tool's
// concatenated text output.
//
// Failures are typed: [ErrUnknownTool] for names not in the loaded set,
// [ErrInvalidArguments] for malformed or schema-violating args,
// [ErrToolExecutionFailed] for application-level tool errors, and
// [ErrBridgeDisconnected] for transport failures or calls after the
// subprocess died.
func (b *Bridge) Call(ctx context.Context, name, args string) (string, error) {
	b.mu.RLock()
	session := b.session
	closed := b.closed
	entry, ok := b.tools[name]
	b.mu.RUnlock()

	if closed || session == nil {
		return "", fmt.Errorf("bridge: call %q: %w", name, ErrBridgeDisconnected)
	}
	if !ok {
		return "", fmt.Errorf("bridge: %w: %q", ErrUnknownTool, name)
	}

	argsMap, err := decodeArgs(name, args)
	if err != nil {
		return "", err
	}
	if entry.schema != nil {
		if err := entry.schema.Validate(argsMap); err != nil {
			return "", fmt.Errorf("bridge: %w: tool %q: %v", ErrInvalidArguments, name, err)
		}
	}

	result, err := session.CallTool(ctx, &mcpsdk.CallToolParams{
		Name:      name,
		Arguments: argsMap,
	})
	if err != nil {
		// Transport or protocol failure: the session is no longer usable.
		return "", fmt.Errorf("bridge: call %q: %w: %v", name, ErrBridgeDisconnected, err)
	}

	var sb strings.Builder
	for _, c := range result.Content {
		if tc, ok := c.(*mcpsdk.TextContent); ok {
			sb.WriteString(tc.Text)
		}
	}

	if result.IsError {
		return "", fmt.Errorf("bridge: %w: tool %q: %s", ErrToolExecutionFailed, name, sb.String())
	}
	return sb.String(), nil
}

// decodeArgs parses a JSON object string into a map. An empty string is
// treated as an empty object for parameter-less tools.
func decodeArgs(name, args string) (map[string]any, error) {
	if args == "" {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(args), &m); err != nil {
		return nil, fmt.Errorf("bridge: %w: tool %q: args are not a JSON object: %v", ErrInvalidArguments, name, err)
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}

// Close shuts down the session and the tool subprocess. It is idempotent and
// safe on every exit path; after Close, Call fails fast with
// [ErrBridgeDisconnected].
func (b *Bridge) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	var err error
	if b.session != nil {
		err = b.session.Close()
		b.session = nil
	}
	b.tools = make(map[string]toolEntry)

	if err != nil {
		return fmt.Errorf("bridge: close: %w", err)
	}
	slog.Info("tool bridge closed")
	return nil
}

// splitCommand splits a command string into executable and arguments,
// e.g. "npx -y @notionhq/notion-mcp-server" → ("npx", ["-y", ...]).
func splitCommand(command string) (executable string, args []string) {
	parts := strings.Fields(command)
	if len(parts) == 0 {
		return "", nil
	}
	return parts[0], parts[1:]
}
