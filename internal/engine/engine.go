package engine

import (
	"context"
	"errors"
)

var (
	// ErrInit is returned when a model artifact can not be loaded.
	ErrInit = errors.New("engine initialization failed")

	// ErrRuntime is returned when token production fails mid-generation.
	ErrRuntime = errors.New("engine runtime error")
)

// Loader turns a local model artifact into a ready Handle. Consumers such as
// the session orchestrator depend on this interface instead of a concrete
// backend.
type Loader interface {
	// Load initializes the engine with the artifact at path.
	Load(ctx context.Context, path string) (Handle, error)
}

// Handle wraps one loaded model. It is driven by a single goroutine at a
// time: BeginCompletion, then NextIncrement until IsDone, then Reset.
type Handle interface {
	// BeginCompletion prepares a completion of prompt. It returns once the
	// prompt has been accepted and the first token can be requested.
	BeginCompletion(ctx context.Context, prompt string) error

	// IsDone reports whether generation has reached end-of-sequence.
	IsDone() bool

	// NextIncrement produces the next piece of text. An empty increment
	// without IsDone turning true is valid.
	NextIncrement(ctx context.Context) (string, error)

	// TokenBudget is the maximum number of tokens one completion produces.
	TokenBudget() int

	// Reset clears sampling and context buffers so the handle can serve the
	// next completion. It is called exactly once after every generation.
	Reset()

	// Close unloads the model.
	Close() error
}
