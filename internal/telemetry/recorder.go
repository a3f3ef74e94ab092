package telemetry

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/kalambet/llamactl/internal/session"
	"github.com/kalambet/llamactl/internal/storage"
)

// Ledger persists finished operations.
type Ledger interface {
	SaveDownload(d storage.Download) error
	SaveGeneration(g storage.Generation) error
}

// Source is the orchestrator surface the Recorder observes.
type Source interface {
	Subscribe() (*session.Subscription, session.Snapshot, error)
}

// Recorder turns orchestrator events into ledger rows and metrics.
type Recorder struct {
	source  Source
	ledger  Ledger
	metrics *Metrics
	logger  *slog.Logger
}

// NewRecorder creates a Recorder. ledger may be nil to keep metrics only.
func NewRecorder(source Source, ledger Ledger, metrics *Metrics) *Recorder {
	return &Recorder{
		source:  source,
		ledger:  ledger,
		metrics: metrics,
		logger:  slog.Default(),
	}
}

// Run records events until ctx is cancelled or the orchestrator stops.
func (r *Recorder) Run(ctx context.Context) error {
	sub, snap, err := r.source.Subscribe()
	if err != nil {
		return fmt.Errorf("subscribing to session events: %w", err)
	}
	defer sub.Close()

	r.metrics.setState(snap.State)
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if err := r.Handle(ev); err != nil {
				r.logger.Error("recording event failed", "kind", ev.Kind, "error", err)
			}
		}
	}
}

// Handle records a single event.
func (r *Recorder) Handle(ev session.Event) error {
	switch ev.Kind {
	case session.EventStateChanged:
		r.metrics.setState(ev.State)

	case session.EventDownloadDone:
		if ev.Download == nil {
			return nil
		}
		r.metrics.observeDownload(ev.Download)
		if r.ledger == nil {
			return nil
		}
		d := ev.Download
		if err := r.ledger.SaveDownload(storage.Download{
			ID:        uuid.New().String(),
			StartedAt: d.StartedAt,
			Artifact:  d.Artifact,
			SourceURL: d.SourceURL,
			Seconds:   d.Seconds,
			Bytes:     d.Bytes,
			Status:    d.Outcome,
			Error:     d.Error,
		}); err != nil {
			return fmt.Errorf("saving download %s: %w", d.Artifact, err)
		}

	case session.EventGenerationDone:
		if ev.Generation == nil {
			return nil
		}
		r.metrics.observeGeneration(ev.Generation)
		if r.ledger == nil {
			return nil
		}
		g := ev.Generation
		if err := r.ledger.SaveGeneration(storage.Generation{
			ID:                g.TaskID,
			StartedAt:         g.StartedAt,
			Artifact:          g.Artifact,
			WarmupSeconds:     g.WarmupSeconds,
			GenerationSeconds: g.GenerationSeconds,
			TokensPerSecond:   g.TokensPerSecond,
			Tokens:            g.Tokens,
			OutputChars:       len(g.Output),
			Status:            g.Outcome,
			Error:             g.Error,
		}); err != nil {
			return fmt.Errorf("saving generation %s: %w", g.TaskID, err)
		}
	}
	return nil
}
