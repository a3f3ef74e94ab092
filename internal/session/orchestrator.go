package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/download"
	"github.com/kalambet/llamactl/internal/engine"
)

// Store is the artifact store surface the orchestrator reads.
type Store interface {
	List() ([]string, error)
	ResolvedPath(filename string) string
}

// Fetcher starts artifact downloads.
type Fetcher interface {
	Start(desc catalog.Descriptor) (*download.Handle, error)
}

// Config wires an Orchestrator to its collaborators.
type Config struct {
	Catalog *catalog.Catalog
	Store   Store
	Fetcher Fetcher
	Loader  engine.Loader
	Logger  *slog.Logger
}

// Orchestrator owns the session state machine. All state lives on the Run
// goroutine; commands and background work reach it through the mailbox.
type Orchestrator struct {
	catalog *catalog.Catalog
	store   Store
	fetcher Fetcher
	loader  engine.Loader
	logger  *slog.Logger

	mailbox chan func()
	done    chan struct{}
	workers sync.WaitGroup

	// Fields below are only touched by the Run goroutine.
	ctx       context.Context
	state     State
	failure   *FailureError
	artifact  string
	handle    engine.Handle
	dl        *activeDownload
	load      *activeLoad
	task      *Task
	record    *GenerationRecord
	output    strings.Builder
	progress  *download.Progress
	statusLog []string
	subs      []*Subscription
	seq       uint64
}

type activeDownload struct {
	h         *download.Handle
	desc      catalog.Descriptor
	startedAt time.Time
}

type activeLoad struct {
	desc   catalog.Descriptor
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator in the Idle state. Commands block until Run is
// called.
func New(cfg Config) *Orchestrator {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Orchestrator{
		catalog: cfg.Catalog,
		store:   cfg.Store,
		fetcher: cfg.Fetcher,
		loader:  cfg.Loader,
		logger:  logger,
		mailbox: make(chan func()),
		done:    make(chan struct{}),
	}
}

// Run scans the local store and then processes commands until ctx is done.
// On return every background operation has stopped and the loaded model has
// been closed.
func (o *Orchestrator) Run(ctx context.Context) error {
	o.ctx = ctx
	defer o.shutdown()

	o.rescan()
	for {
		select {
		case fn := <-o.mailbox:
			fn()
		case <-ctx.Done():
			return nil
		}
	}
}

// RequestLoad makes key (an artifact ID or filename) the active model,
// downloading it first when it is absent. A request for the artifact that is
// already downloading or loading attaches to that operation.
func (o *Orchestrator) RequestLoad(key string) error {
	var err error
	if cerr := o.do(func() { err = o.requestLoad(key) }); cerr != nil {
		return cerr
	}
	return err
}

// RequestCompletion starts a generation against the loaded model. It returns
// ErrBusy while another generation runs and ErrNotReady when no model is
// loaded; neither changes the session state.
func (o *Orchestrator) RequestCompletion(prompt string) (*Task, error) {
	var (
		t   *Task
		err error
	)
	if cerr := o.do(func() { t, err = o.requestCompletion(prompt) }); cerr != nil {
		return nil, cerr
	}
	return t, err
}

// CancelCurrentOperation cancels the running generation, download or load.
// It reports whether anything was running.
func (o *Orchestrator) CancelCurrentOperation() (bool, error) {
	var cancelled bool
	if err := o.do(func() { cancelled = o.cancelCurrent() }); err != nil {
		return false, err
	}
	return cancelled, nil
}

// Unload closes the loaded model and returns the session to Idle.
func (o *Orchestrator) Unload() error {
	var err error
	if cerr := o.do(func() { err = o.unload() }); cerr != nil {
		return cerr
	}
	return err
}

// Rescan re-reads the local store into the catalog.
func (o *Orchestrator) Rescan() error {
	var err error
	if cerr := o.do(func() { err = o.rescan() }); cerr != nil {
		return cerr
	}
	return err
}

// Snapshot returns the current observable state.
func (o *Orchestrator) Snapshot() (Snapshot, error) {
	var s Snapshot
	err := o.do(func() { s = o.snapshot() })
	return s, err
}

// Subscribe registers a new observer. The returned snapshot is the state
// immediately before the first event delivered on the subscription.
func (o *Orchestrator) Subscribe() (*Subscription, Snapshot, error) {
	var (
		sub  *Subscription
		snap Snapshot
	)
	err := o.do(func() {
		sub = newSubscription()
		o.subs = append(o.subs, sub)
		snap = o.snapshot()
	})
	return sub, snap, err
}

func (o *Orchestrator) post(fn func()) bool {
	select {
	case o.mailbox <- fn:
		return true
	case <-o.done:
		return false
	}
}

func (o *Orchestrator) do(fn func()) error {
	reply := make(chan struct{})
	if !o.post(func() { fn(); close(reply) }) {
		return ErrClosed
	}
	<-reply
	return nil
}

func (o *Orchestrator) requestLoad(key string) error {
	desc, ok := o.catalog.Lookup(key)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownArtifact, key)
	}

	switch {
	case o.dl != nil:
		if o.dl.desc.Filename == desc.Filename {
			return nil
		}
		return fmt.Errorf("%w: downloading %s", ErrBusy, o.dl.desc.Filename)
	case o.load != nil:
		if o.load.desc.Filename == desc.Filename {
			return nil
		}
		return fmt.Errorf("%w: loading %s", ErrBusy, o.load.desc.Filename)
	case o.state == Generating:
		return fmt.Errorf("%w: generation in progress", ErrBusy)
	case (o.state == Ready || o.state == Finished) && o.artifact == desc.Filename:
		return nil
	}

	old := o.handle
	o.handle = nil
	o.failure = nil
	o.artifact = ""
	o.record = nil
	o.output.Reset()
	if o.state != Idle {
		o.setState(Idle)
	}

	if desc.Presence == catalog.Present {
		o.startLoad(desc, old)
		return nil
	}

	if old != nil {
		o.closeInBackground(old)
	}
	h, err := o.fetcher.Start(desc)
	if err != nil {
		o.statusf("Download of %s not started: %v", desc.DisplayName, err)
		return err
	}
	o.artifact = desc.Filename
	o.dl = &activeDownload{h: h, desc: desc, startedAt: time.Now()}
	o.progress = &download.Progress{}
	o.statusf("Downloading %s", desc.DisplayName)

	o.workers.Add(1)
	go o.pumpDownload(o.dl)
	return nil
}

func (o *Orchestrator) pumpDownload(dl *activeDownload) {
	defer o.workers.Done()
	// Keep draining after shutdown so the transfer never blocks on its buffer.
	for ev := range dl.h.Events() {
		o.post(func() { o.onDownloadEvent(dl, ev) })
	}
}

func (o *Orchestrator) onDownloadEvent(dl *activeDownload, ev download.Event) {
	if o.dl != dl {
		return
	}
	file := dl.desc.Filename

	switch ev.Kind {
	case download.EventProgress:
		p := ev.Progress
		o.progress = &p
		o.publish(Event{Kind: EventProgress, Artifact: file, Progress: &p})

	case download.EventCompleted:
		o.dl = nil
		o.catalog.MarkPresent(file)
		rec := o.downloadRecord(dl, ev.Progress.BytesDone, nil)
		o.publish(Event{Kind: EventDownloadDone, Artifact: file, Download: &rec})
		o.statusf("Writing to %s completed", file)
		o.publish(Event{Kind: EventCatalog, Catalog: o.catalog.Snapshot()})

		desc, ok := o.catalog.Lookup(file)
		if !ok {
			desc = dl.desc
		}
		o.startLoad(desc, nil)

	case download.EventFailed:
		o.dl = nil
		var done int64
		if o.progress != nil {
			done = o.progress.BytesDone
		}
		err := ev.Err
		if errors.Is(err, download.ErrCancelled) {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		rec := o.downloadRecord(dl, done, err)
		o.publish(Event{Kind: EventDownloadDone, Artifact: file, Download: &rec})
		o.fail(FailDownload, err)
	}
}

func (o *Orchestrator) downloadRecord(dl *activeDownload, bytes int64, err error) DownloadRecord {
	rec := DownloadRecord{
		Artifact:  dl.desc.Filename,
		SourceURL: dl.desc.SourceURL,
		StartedAt: dl.startedAt,
		Seconds:   time.Since(dl.startedAt).Seconds(),
		Bytes:     bytes,
		Outcome:   outcomeOf(err),
	}
	if err != nil {
		rec.Error = err.Error()
	}
	return rec
}

// startLoad enters Loading. old, if set, is closed before the new artifact is
// loaded so two models are never resident at once.
func (o *Orchestrator) startLoad(desc catalog.Descriptor, old engine.Handle) {
	ctx, cancel := context.WithCancel(o.ctx)
	ld := &activeLoad{desc: desc, ctx: ctx, cancel: cancel}
	o.load = ld
	o.artifact = desc.Filename
	o.setState(Loading)
	o.statusf("Loading model...")

	path := o.store.ResolvedPath(desc.Filename)
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		if old != nil {
			if err := old.Close(); err != nil {
				o.logger.Warn("closing previous model", "error", err)
			}
		}
		h, err := o.loader.Load(ctx, path)
		if !o.post(func() { o.onLoaded(ld, h, err) }) && h != nil {
			h.Close()
		}
	}()
}

func (o *Orchestrator) onLoaded(ld *activeLoad, h engine.Handle, err error) {
	cancelled := ld.ctx.Err() != nil
	ld.cancel()
	if o.load != ld {
		if h != nil {
			o.closeInBackground(h)
		}
		return
	}
	o.load = nil

	if err == nil && cancelled {
		o.closeInBackground(h)
		err = context.Canceled
	}
	if err != nil {
		if cancelled {
			err = fmt.Errorf("%w: %w", ErrCancelled, err)
		}
		o.fail(FailLoad, err)
		return
	}

	o.handle = h
	o.setState(Ready)
	o.statusf("Loaded model %s", ld.desc.Filename)
}

func (o *Orchestrator) requestCompletion(prompt string) (*Task, error) {
	switch {
	case o.state == Generating:
		return nil, ErrBusy
	case o.dl != nil || o.load != nil:
		return nil, fmt.Errorf("%w: model is still loading", ErrNotReady)
	case o.handle == nil:
		return nil, ErrNotReady
	}
	// Ready, Finished, or Failed after a generation error with the model
	// still resident.

	requestedAt := time.Now()
	ctx, cancel := context.WithCancel(o.ctx)
	t := &Task{
		ID:     newTaskID(),
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.task = t
	o.failure = nil
	o.output.Reset()
	o.record = &GenerationRecord{
		TaskID:    t.ID,
		Artifact:  o.artifact,
		Prompt:    prompt,
		StartedAt: requestedAt,
	}
	o.setState(Generating)

	o.workers.Add(1)
	go o.generate(t, o.handle, prompt, requestedAt)
	return t, nil
}

func (o *Orchestrator) onIncrement(t *Task, s string) {
	// Increments that arrive after a cancel are dropped.
	if o.task != t || t.ctx.Err() != nil {
		return
	}
	o.output.WriteString(s)
	o.publish(Event{Kind: EventOutput, TaskID: t.ID, Delta: s})
}

func (o *Orchestrator) onGenerationDone(t *Task, res generation) {
	if o.task != t {
		return
	}
	o.task = nil

	rec := *o.record
	rec.Output = o.output.String()
	rec.WarmupSeconds = res.warmup.Seconds()
	rec.GenerationSeconds = res.generation.Seconds()
	rec.TokensPerSecond = tokensPerSecond(res.budget, res.generation)
	rec.Tokens = res.tokens
	rec.Outcome = outcomeOf(res.err)

	var taskErr error
	if res.err != nil {
		rec.Error = res.err.Error()
		taskErr = &FailureError{Kind: FailGenerate, Err: res.err}
	}
	o.record = &rec

	published := rec
	o.publish(Event{Kind: EventGenerationDone, TaskID: t.ID, Generation: &published})
	if res.err != nil {
		o.fail(FailGenerate, res.err)
	} else {
		o.setState(Finished)
		o.statusf("Heat up took %.3fs Generated %.3fs", rec.WarmupSeconds, rec.GenerationSeconds)
	}
	t.finish(rec, taskErr)
}

func (o *Orchestrator) cancelCurrent() bool {
	switch {
	case o.task != nil:
		if !o.task.stop() {
			// The loop already ended; its result is on the way.
			return false
		}
		o.statusf("Cancelling generation")
	case o.dl != nil:
		o.dl.h.Cancel()
		o.statusf("Cancelling download of %s", o.dl.desc.DisplayName)
	case o.load != nil:
		o.load.cancel()
		o.statusf("Cancelling load of %s", o.load.desc.Filename)
	default:
		return false
	}
	return true
}

func (o *Orchestrator) unload() error {
	if o.task != nil || o.dl != nil || o.load != nil {
		return ErrBusy
	}
	if o.handle == nil {
		return nil
	}
	name := o.artifact
	o.closeInBackground(o.handle)
	o.handle = nil
	o.artifact = ""
	o.failure = nil
	o.record = nil
	o.output.Reset()
	o.setState(Idle)
	o.statusf("Unloaded model %s", name)
	return nil
}

func (o *Orchestrator) rescan() error {
	err := o.catalog.Scan(o.store)
	if err != nil {
		o.statusf("Scanning local models failed: %v", err)
	}
	o.publish(Event{Kind: EventCatalog, Catalog: o.catalog.Snapshot()})
	return err
}

func (o *Orchestrator) closeInBackground(h engine.Handle) {
	o.workers.Add(1)
	go func() {
		defer o.workers.Done()
		if err := h.Close(); err != nil {
			o.logger.Warn("closing model", "error", err)
		}
	}()
}

func (o *Orchestrator) fail(kind FailureKind, err error) {
	o.failure = &FailureError{Kind: kind, Err: err}
	o.setState(Failed)
	o.statusf("Error: %v", o.failure)
}

func (o *Orchestrator) setState(s State) {
	from := o.state
	o.state = s
	ev := Event{Kind: EventStateChanged, Artifact: o.artifact}
	if s == Failed && o.failure != nil {
		ev.Reason = o.failure.Error()
	}
	o.logger.Debug("session state changed", "from", from, "to", s, "artifact", o.artifact)
	o.publish(ev)
}

func (o *Orchestrator) statusf(format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	o.statusLog = append(o.statusLog, line)
	o.logger.Info(line, "state", o.state)
	o.publish(Event{Kind: EventStatus, Line: line})
}

func (o *Orchestrator) publish(ev Event) {
	o.seq++
	ev.Seq = o.seq
	ev.State = o.state

	live := o.subs[:0]
	for _, s := range o.subs {
		if s.isClosed() {
			continue
		}
		s.push(ev)
		live = append(live, s)
	}
	clear(o.subs[len(live):])
	o.subs = live
}

func (o *Orchestrator) snapshot() Snapshot {
	s := Snapshot{
		State:     o.state,
		Artifact:  o.artifact,
		Output:    o.output.String(),
		Catalog:   o.catalog.Snapshot(),
		StatusLog: slices.Clone(o.statusLog),
	}
	if o.failure != nil {
		s.Reason = o.failure.Error()
		s.Err = o.failure
	}
	if o.progress != nil {
		p := *o.progress
		s.Progress = &p
	}
	if o.record != nil {
		r := *o.record
		r.Output = s.Output
		s.Record = &r
	}
	return s
}

func (o *Orchestrator) shutdown() {
	close(o.done)
	if o.task != nil {
		o.task.cancel()
	}
	if o.dl != nil {
		o.dl.h.Cancel()
	}
	if o.load != nil {
		o.load.cancel()
	}
	o.workers.Wait()

	if o.task != nil {
		rec := *o.record
		rec.Output = o.output.String()
		o.task.finish(rec, ErrClosed)
		o.task = nil
	}
	if o.handle != nil {
		if err := o.handle.Close(); err != nil {
			o.logger.Warn("closing model on shutdown", "error", err)
		}
		o.handle = nil
	}
	for _, s := range o.subs {
		s.Close()
	}
	o.subs = nil
}
