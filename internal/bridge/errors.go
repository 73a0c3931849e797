package bridge

import "errors"

// Bridge-level failures terminate the run that hits them. The engine does not
// restart the bridge itself; that policy belongs to its caller.
var (
	// ErrBridgeUnavailable means the bridge could not be brought up at all,
	// typically because a required credential is missing.
	ErrBridgeUnavailable = errors.New("tool bridge unavailable")

	// ErrHandshakeFailed means the tool subprocess did not complete its
	// session handshake within the configured timeout.
	ErrHandshakeFailed = errors.New("tool bridge handshake failed")

	// ErrBridgeDisconnected means the tool subprocess or its transport died
	// mid-session. Subsequent calls fail fast with this error.
	ErrBridgeDisconnected = errors.New("tool bridge disconnected")
)

// Tool-level failures are recoverable: the engine converts them into
// tool-result messages so the model can self-correct on its next turn.
var (
	// ErrUnknownTool means the requested tool name is not in the loaded
	// descriptor set.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrInvalidArguments means the call arguments were not valid JSON or
	// failed validation against the tool's declared input schema.
	ErrInvalidArguments = errors.New("invalid tool arguments")

	// ErrToolExecutionFailed means the tool ran and reported an
	// application-level error.
	ErrToolExecutionFailed = errors.New("tool execution failed")
)

// Recoverable reports whether err is a tool-level failure the model can be
// asked to correct, as opposed to a bridge-level failure that must abort the
// run.
func Recoverable(err error) bool {
	return errors.Is(err, ErrUnknownTool) ||
		errors.Is(err, ErrInvalidArguments) ||
		errors.Is(err, ErrToolExecutionFailed)
}
