package engine

import (
	"context"
	"fmt"
	"io"
)

// Prober reports whether an inference backend is reachable.
type Prober interface {
	IsRunning(ctx context.Context) bool
	Describe() string
}

// EnsureReady checks that the inference backend is reachable before the
// orchestrator accepts commands. Status lines are written to w.
func EnsureReady(ctx context.Context, p Prober, w io.Writer) error {
	if !p.IsRunning(ctx) {
		return fmt.Errorf("local inference engine is not running (%s); please ensure the backend is started", p.Describe())
	}
	fmt.Fprintf(w, "engine %s: ready\n", p.Describe())
	return nil
}
