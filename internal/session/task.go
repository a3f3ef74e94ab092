package session

import (
	"context"
	"sync"
)

// Task is the handle for one completion request.
type Task struct {
	ID string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	mu      sync.Mutex
	settled bool
	record  GenerationRecord
	err     error
}

// Cancel asks the generation loop to stop at its next step. The session ends
// in Failed with ErrCancelled and no further output is published.
func (t *Task) Cancel() {
	t.stop()
}

// stop cancels the loop unless its outcome is already settled. It reports
// whether the cancel can still affect the result.
func (t *Task) stop() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.settled {
		return false
	}
	t.cancel()
	return true
}

// settle fixes the outcome of the loop: a cancel that lands before it counts,
// later ones are ignored. It returns the context error seen at that point.
func (t *Task) settle() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.settled = true
	return t.ctx.Err()
}

// Done is closed once the generation has terminated.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the final record and error. It is only meaningful after Done
// is closed.
func (t *Task) Result() (GenerationRecord, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.record, t.err
}

// Wait blocks until the task terminates or ctx is done.
func (t *Task) Wait(ctx context.Context) (GenerationRecord, error) {
	select {
	case <-t.done:
		return t.Result()
	case <-ctx.Done():
		return GenerationRecord{}, ctx.Err()
	}
}

func (t *Task) finish(rec GenerationRecord, err error) {
	t.mu.Lock()
	t.record = rec
	t.err = err
	t.mu.Unlock()
	t.cancel()
	close(t.done)
}
