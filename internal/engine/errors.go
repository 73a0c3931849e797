package engine

import "errors"

// ErrRecursionExceeded is returned by [Engine.Run] when the circuit breaker
// trips: the conversation consumed its full turn budget without the model
// producing a final answer. The run's partial progress is discarded and the
// stored checkpoint keeps its pre-run state.
var ErrRecursionExceeded = errors.New("engine: recursion limit exceeded")
