package storage

import (
	"errors"
	"time"
)

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// Outcome values stored in the status column.
const (
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
)

// Download is one download attempt.
type Download struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"started_at"`
	Artifact  string    `json:"artifact"`
	SourceURL string    `json:"source_url"`
	Seconds   float64   `json:"seconds"`
	Bytes     int64     `json:"bytes"`
	Status    string    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// Generation is one completion. Prompts and outputs are not stored; only the
// output length is kept.
type Generation struct {
	ID                string    `json:"id"`
	StartedAt         time.Time `json:"started_at"`
	Artifact          string    `json:"artifact"`
	WarmupSeconds     float64   `json:"warmup_seconds"`
	GenerationSeconds float64   `json:"generation_seconds"`
	TokensPerSecond   float64   `json:"tokens_per_second"`
	Tokens            int       `json:"tokens"`
	OutputChars       int       `json:"output_chars"`
	Status            string    `json:"status"`
	Error             string    `json:"error,omitempty"`
}

// GenerationStats summarizes completed generations for one artifact.
type GenerationStats struct {
	Artifact          string  `json:"artifact"`
	Runs              int     `json:"runs"`
	MeanTokensPerSec  float64 `json:"mean_tokens_per_second"`
	MeanWarmupSeconds float64 `json:"mean_warmup_seconds"`
}
