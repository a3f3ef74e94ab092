package download

import (
	"context"
	"sync"

	"github.com/kalambet/llamactl/internal/catalog"
)

// Progress is a snapshot of one download attempt. FractionComplete is in
// [0,1] and never decreases within an attempt. BytesTotal is zero when the
// server did not announce a length.
type Progress struct {
	FractionComplete float64 `json:"fraction_complete"`
	BytesDone        int64   `json:"bytes_done"`
	BytesTotal       int64   `json:"bytes_total,omitempty"`
}

// EventKind distinguishes download events.
type EventKind int

const (
	EventProgress EventKind = iota
	EventCompleted
	EventFailed
)

func (k EventKind) String() string {
	switch k {
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	case EventFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Event is delivered on Handle.Events in production order. Exactly one
// terminal event (Completed or Failed) is sent, after which the channel is
// closed.
type Event struct {
	Kind     EventKind
	Progress Progress
	Err      error
}

// Handle tracks one in-flight download.
type Handle struct {
	desc   catalog.Descriptor
	events chan Event
	done   chan struct{}
	cancel context.CancelFunc

	mu   sync.Mutex
	last Progress
	err  error
}

// Descriptor returns the descriptor being downloaded.
func (h *Handle) Descriptor() catalog.Descriptor {
	return h.desc
}

// Events returns the ordered event stream for this download. It must be
// drained: the transfer blocks while the buffer is full.
func (h *Handle) Events() <-chan Event {
	return h.events
}

// Done is closed once the download has terminated.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the terminal error, or nil on success or while running.
func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Cancel stops the transfer. The download terminates with ErrCancelled and
// leaves no file in the store.
func (h *Handle) Cancel() {
	h.cancel()
}

func (h *Handle) lastProgress() Progress {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

func (h *Handle) publish(p Progress) {
	h.mu.Lock()
	if p.FractionComplete < h.last.FractionComplete {
		p.FractionComplete = h.last.FractionComplete
	}
	h.last = p
	h.mu.Unlock()
	h.events <- Event{Kind: EventProgress, Progress: p}
}

func (h *Handle) finish(ev Event) {
	h.mu.Lock()
	h.err = ev.Err
	h.mu.Unlock()
	h.events <- ev
	close(h.events)
	close(h.done)
}
