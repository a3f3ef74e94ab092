package session

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kalambet/llamactl/internal/engine"
)

// minDuration guards the throughput division.
const minDuration = time.Microsecond

type generation struct {
	warmup     time.Duration
	generation time.Duration
	budget     int
	tokens     int
	err        error
}

func newTaskID() string {
	return uuid.NewString()
}

// tokensPerSecond is budget over the generation time, or 0 for a duration too
// short to divide by.
func tokensPerSecond(budget int, d time.Duration) float64 {
	if d <= minDuration {
		return 0
	}
	return float64(budget) / d.Seconds()
}

// generate runs off the owner goroutine. It reads from h until the handle
// reports done, the token budget is spent, or t is cancelled, and posts each
// increment back in production order. Reset is called exactly once.
func (o *Orchestrator) generate(t *Task, h engine.Handle, prompt string, requestedAt time.Time) {
	defer o.workers.Done()

	var res generation
	err := h.BeginCompletion(t.ctx, prompt)
	heatEnd := time.Now()
	res.warmup = heatEnd.Sub(requestedAt)

	if err == nil {
		res.budget = h.TokenBudget()
		for res.tokens < res.budget && !h.IsDone() {
			if err = t.ctx.Err(); err != nil {
				break
			}
			var s string
			s, err = h.NextIncrement(t.ctx)
			if err != nil {
				break
			}
			res.tokens++
			if s != "" {
				o.post(func() { o.onIncrement(t, s) })
			}
		}
	}
	res.generation = time.Since(heatEnd)
	h.Reset()

	// The last step may have been interrupted even though it returned cleanly.
	if cerr := t.settle(); cerr != nil && err == nil {
		err = cerr
	}
	if err != nil && t.ctx.Err() != nil {
		err = fmt.Errorf("%w: %w", ErrCancelled, err)
	}
	res.err = err
	o.post(func() { o.onGenerationDone(t, res) })
}
