package download

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/time/rate"

	"github.com/kalambet/llamactl/internal/catalog"
)

var (
	// ErrInvalidDescriptor is returned by Start when the descriptor is already
	// present or has no source URL.
	ErrInvalidDescriptor = errors.New("invalid descriptor")

	// ErrAlreadyInProgress is returned by Start when a download for the same
	// filename is still running.
	ErrAlreadyInProgress = errors.New("download already in progress")

	// ErrTransport covers request and body read failures.
	ErrTransport = errors.New("transport error")

	// ErrNonSuccessStatus is matched by *StatusError.
	ErrNonSuccessStatus = errors.New("non-success status")

	// ErrCancelled is reported when the download was cancelled.
	ErrCancelled = errors.New("download cancelled")
)

// StatusError reports a response outside the 2xx range.
type StatusError struct {
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("server returned status %d", e.Code)
}

// Is matches ErrNonSuccessStatus.
func (e *StatusError) Is(target error) bool {
	return target == ErrNonSuccessStatus
}

// Store is the subset of the artifact store the downloader writes through.
type Store interface {
	CreateTemp(filename string) (*os.File, error)
	Finalize(tempPath, filename string) error
}

// PresenceMarker is told when an artifact has been finalized.
type PresenceMarker interface {
	MarkPresent(filename string) bool
}

// Downloader fetches absent artifacts into a Store. At most one download
// per filename runs at a time.
type Downloader struct {
	store      Store
	marker     PresenceMarker
	httpClient *http.Client
	logger     *slog.Logger

	mu     sync.Mutex
	active map[string]*Handle
}

// Option configures a Downloader.
type Option func(*Downloader)

// WithHTTPClient overrides the HTTP client used for fetches.
func WithHTTPClient(c *http.Client) Option {
	return func(d *Downloader) { d.httpClient = c }
}

// WithPresenceMarker registers the catalog that is flipped to Present after
// a successful finalize.
func WithPresenceMarker(m PresenceMarker) Option {
	return func(d *Downloader) { d.marker = m }
}

// New creates a Downloader writing into store.
func New(store Store, opts ...Option) *Downloader {
	d := &Downloader{
		store: store,
		// No overall timeout: model files are several GiB.
		httpClient: &http.Client{Timeout: 0},
		logger:     slog.Default(),
		active:     make(map[string]*Handle),
	}
	for _, o := range opts {
		o(d)
	}
	return d
}

// Start begins fetching desc in the background. It fails synchronously with
// ErrInvalidDescriptor or ErrAlreadyInProgress.
func (d *Downloader) Start(desc catalog.Descriptor) (*Handle, error) {
	if desc.Presence != catalog.Absent || desc.SourceURL == "" || desc.Filename == "" {
		return nil, fmt.Errorf("%w: %s", ErrInvalidDescriptor, desc.Filename)
	}

	d.mu.Lock()
	if _, busy := d.active[desc.Filename]; busy {
		d.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrAlreadyInProgress, desc.Filename)
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &Handle{
		desc:   desc,
		events: make(chan Event, 16),
		done:   make(chan struct{}),
		cancel: cancel,
	}
	d.active[desc.Filename] = h
	d.mu.Unlock()

	go d.run(ctx, h)
	return h, nil
}

// Active returns the running download for filename, if any.
func (d *Downloader) Active(filename string) (*Handle, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	h, ok := d.active[filename]
	return h, ok
}

func (d *Downloader) run(ctx context.Context, h *Handle) {
	defer h.cancel()

	start := time.Now()
	err := d.fetch(ctx, h)

	// Release the slot before the terminal event so an observer reacting to
	// it can start a fresh attempt.
	d.mu.Lock()
	delete(d.active, h.desc.Filename)
	d.mu.Unlock()

	if err != nil {
		if ctx.Err() != nil && !errors.Is(err, ErrCancelled) {
			err = fmt.Errorf("%w: %v", ErrCancelled, err)
		}
		d.logger.Warn("download failed", "artifact", h.desc.Filename, "error", err)
		h.finish(Event{Kind: EventFailed, Err: err})
		return
	}

	d.logger.Info("download complete",
		"artifact", h.desc.Filename,
		"bytes", h.lastProgress().BytesDone,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	h.finish(Event{Kind: EventCompleted, Progress: h.lastProgress()})
}

func (d *Downloader) fetch(ctx context.Context, h *Handle) error {
	h.publish(Progress{})

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, h.desc.SourceURL, nil)
	if err != nil {
		return fmt.Errorf("%w: creating request: %v", ErrTransport, err)
	}
	req.Header.Set("User-Agent", "llamactl")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &StatusError{Code: resp.StatusCode}
	}

	tmp, err := d.store.CreateTemp(h.desc.Filename)
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	finalized := false
	defer func() {
		if !finalized {
			tmp.Close()
			os.Remove(tmpPath)
		}
	}()

	total := resp.ContentLength
	if total < 0 {
		total = 0
	}
	pw := &progressWriter{
		h:     h,
		total: total,
		log:   rate.Sometimes{Interval: 2 * time.Second},
		logFn: func(p Progress) {
			d.logger.Debug("download progress",
				"artifact", h.desc.Filename,
				"fraction", p.FractionComplete,
				"bytes_done", p.BytesDone,
				"bytes_total", p.BytesTotal,
			)
		},
	}

	if _, err := io.Copy(io.MultiWriter(tmp, pw), resp.Body); err != nil {
		if ctx.Err() != nil {
			return ErrCancelled
		}
		return fmt.Errorf("%w: reading body: %v", ErrTransport, err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if ctx.Err() != nil {
		return ErrCancelled
	}

	// The final fraction is 1 even when the server sent no Content-Length.
	h.publish(Progress{FractionComplete: 1, BytesDone: pw.done, BytesTotal: total})

	if err := d.store.Finalize(tmpPath, h.desc.Filename); err != nil {
		return err
	}
	finalized = true

	if d.marker != nil {
		d.marker.MarkPresent(h.desc.Filename)
	}
	d.logger.Debug("artifact finalized", "artifact", h.desc.Filename, "size", humanize.IBytes(uint64(pw.done)))
	return nil
}

// progressWriter turns bytes written into monotonically non-decreasing
// Progress publications.
type progressWriter struct {
	h     *Handle
	total int64
	done  int64
	log   rate.Sometimes
	logFn func(Progress)
}

func (w *progressWriter) Write(p []byte) (int, error) {
	w.done += int64(len(p))
	prog := Progress{BytesDone: w.done, BytesTotal: w.total}
	if w.total > 0 {
		prog.FractionComplete = float64(w.done) / float64(w.total)
		if prog.FractionComplete > 1 {
			prog.FractionComplete = 1
		}
	}
	w.h.publish(prog)
	w.log.Do(func() { w.logFn(prog) })
	return len(p), nil
}
