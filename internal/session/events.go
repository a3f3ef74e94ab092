package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/download"
)

// EventKind distinguishes orchestrator publications.
type EventKind int

const (
	EventStateChanged EventKind = iota
	EventProgress
	EventOutput
	EventStatus
	EventCatalog
	EventDownloadDone
	EventGenerationDone
)

func (k EventKind) String() string {
	switch k {
	case EventStateChanged:
		return "state"
	case EventProgress:
		return "progress"
	case EventOutput:
		return "output"
	case EventStatus:
		return "status"
	case EventCatalog:
		return "catalog"
	case EventDownloadDone:
		return "download"
	case EventGenerationDone:
		return "generation"
	default:
		return "unknown"
	}
}

// MarshalText implements encoding.TextMarshaler.
func (k EventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (k *EventKind) UnmarshalText(b []byte) error {
	for kind := EventStateChanged; kind <= EventGenerationDone; kind++ {
		if kind.String() == string(b) {
			*k = kind
			return nil
		}
	}
	return fmt.Errorf("unknown event kind %q", b)
}

// Event is one publication. State is the session state at the time the event
// was published. Seq increases by one per event.
type Event struct {
	Seq        uint64               `json:"seq"`
	Kind       EventKind            `json:"kind"`
	State      State                `json:"state"`
	Reason     string               `json:"reason,omitempty"`
	Artifact   string               `json:"artifact,omitempty"`
	TaskID     string               `json:"task_id,omitempty"`
	Progress   *download.Progress   `json:"progress,omitempty"`
	Delta      string               `json:"delta,omitempty"`
	Line       string               `json:"line,omitempty"`
	Catalog    []catalog.Descriptor `json:"catalog,omitempty"`
	Download   *DownloadRecord      `json:"download,omitempty"`
	Generation *GenerationRecord    `json:"generation,omitempty"`
}

// Outcome values for finished downloads and generations.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
	OutcomeCancelled = "cancelled"
)

func outcomeOf(err error) string {
	switch {
	case err == nil:
		return OutcomeCompleted
	case errors.Is(err, ErrCancelled):
		return OutcomeCancelled
	default:
		return OutcomeFailed
	}
}

// GenerationRecord describes one completion. Output is append-only while the
// session is Generating and is kept when generation fails part way.
type GenerationRecord struct {
	TaskID            string    `json:"task_id"`
	Artifact          string    `json:"artifact"`
	Prompt            string    `json:"prompt"`
	Output            string    `json:"output"`
	StartedAt         time.Time `json:"started_at"`
	WarmupSeconds     float64   `json:"warmup_seconds"`
	GenerationSeconds float64   `json:"generation_seconds"`
	TokensPerSecond   float64   `json:"tokens_per_second"`
	Tokens            int       `json:"tokens"`
	Outcome           string    `json:"outcome,omitempty"`
	Error             string    `json:"error,omitempty"`
}

// DownloadRecord describes one finished download attempt.
type DownloadRecord struct {
	Artifact  string    `json:"artifact"`
	SourceURL string    `json:"source_url"`
	StartedAt time.Time `json:"started_at"`
	Seconds   float64   `json:"seconds"`
	Bytes     int64     `json:"bytes"`
	Outcome   string    `json:"outcome"`
	Error     string    `json:"error,omitempty"`
}

// Snapshot is the published observable state.
type Snapshot struct {
	State     State                `json:"state"`
	Reason    string               `json:"reason,omitempty"`
	Artifact  string               `json:"artifact,omitempty"`
	Output    string               `json:"output"`
	Progress  *download.Progress   `json:"progress,omitempty"`
	Catalog   []catalog.Descriptor `json:"catalog"`
	StatusLog []string             `json:"status_log"`
	Record    *GenerationRecord    `json:"record,omitempty"`

	// Err is the failure behind Reason, for errors.Is checks.
	Err error `json:"-"`
}
