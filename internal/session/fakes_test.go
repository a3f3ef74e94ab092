package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/llamactl/internal/artifact"
	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/download"
	"github.com/kalambet/llamactl/internal/engine"
)

// fakeHandle yields tokens in order and then reports done.
type fakeHandle struct {
	tokens   []string
	budget   int
	endless  bool  // cycle tokens and never report done
	failAt   int   // 1-based step that fails with ErrRuntime
	blockAt  int   // 1-based step that waits for cancellation
	beginErr error

	mu     sync.Mutex
	pos    int
	step   int
	done   bool
	resets int
	closed int
}

func (h *fakeHandle) BeginCompletion(ctx context.Context, prompt string) error {
	return h.beginErr
}

func (h *fakeHandle) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *fakeHandle) NextIncrement(ctx context.Context) (string, error) {
	h.mu.Lock()
	h.step++
	step := h.step
	h.mu.Unlock()

	if step == h.blockAt {
		<-ctx.Done()
		// A misbehaving engine may still hand back text after cancellation.
		return "late", nil
	}
	if step == h.failAt {
		return "", fmt.Errorf("%w: boom", engine.ErrRuntime)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.tokens) == 0 {
		h.done = !h.endless
		return "", nil
	}
	var s string
	if h.endless {
		s = h.tokens[h.pos%len(h.tokens)]
		h.pos++
		return s, nil
	}
	if h.pos < len(h.tokens) {
		s = h.tokens[h.pos]
		h.pos++
	}
	if h.pos >= len(h.tokens) {
		h.done = true
	}
	return s, nil
}

func (h *fakeHandle) TokenBudget() int {
	return h.budget
}

func (h *fakeHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.resets++
	h.pos = 0
	h.step = 0
	h.done = false
}

func (h *fakeHandle) Close() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed++
	return nil
}

func (h *fakeHandle) counts() (resets, closed int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.resets, h.closed
}

type fakeLoader struct {
	newHandle func() *fakeHandle
	err       error
	block     chan struct{}

	mu      sync.Mutex
	paths   []string
	handles []*fakeHandle
}

func (l *fakeLoader) Load(ctx context.Context, path string) (engine.Handle, error) {
	l.mu.Lock()
	l.paths = append(l.paths, path)
	l.mu.Unlock()

	if l.block != nil {
		select {
		case <-l.block:
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", engine.ErrInit, ctx.Err())
		}
	}
	if l.err != nil {
		return nil, l.err
	}
	h := &fakeHandle{tokens: []string{"ok"}, budget: 8}
	if l.newHandle != nil {
		h = l.newHandle()
	}
	l.mu.Lock()
	l.handles = append(l.handles, h)
	l.mu.Unlock()
	return h, nil
}

func (l *fakeLoader) loaded() []*fakeHandle {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]*fakeHandle(nil), l.handles...)
}

func (l *fakeLoader) loadedPaths() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.paths...)
}

// countingFetcher counts Start calls on a real downloader.
type countingFetcher struct {
	*download.Downloader
	starts atomic.Int32
}

func (f *countingFetcher) Start(desc catalog.Descriptor) (*download.Handle, error) {
	f.starts.Add(1)
	return f.Downloader.Start(desc)
}

type harness struct {
	o       *Orchestrator
	sub     *Subscription
	store   *artifact.Store
	catalog *catalog.Catalog
	fetcher *countingFetcher
	loader  *fakeLoader
}

// newHarness starts an orchestrator over a temp store holding files.
func newHarness(t *testing.T, known []catalog.Descriptor, loader *fakeLoader, files ...string) *harness {
	t.Helper()
	store, err := artifact.Open(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	for _, f := range files {
		if err := os.WriteFile(filepath.Join(store.Dir(), f), []byte("weights"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	cat := catalog.New(known)
	fetcher := &countingFetcher{Downloader: download.New(store, download.WithPresenceMarker(cat))}
	o := New(Config{Catalog: cat, Store: store, Fetcher: fetcher, Loader: loader})

	ctx, cancel := context.WithCancel(context.Background())
	ran := make(chan struct{})
	go func() {
		o.Run(ctx)
		close(ran)
	}()
	t.Cleanup(func() {
		cancel()
		<-ran
	})

	sub, _, err := o.Subscribe()
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	return &harness{o: o, sub: sub, store: store, catalog: cat, fetcher: fetcher, loader: loader}
}

// waitFor reads events until match returns true and returns everything read.
func waitFor(t *testing.T, sub *Subscription, match func(Event) bool) []Event {
	t.Helper()
	var seen []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				t.Fatal("subscription closed")
			}
			seen = append(seen, ev)
			if match(ev) {
				return seen
			}
		case <-timeout:
			t.Fatalf("timed out waiting for event; saw %d events", len(seen))
		}
	}
}

func stateIs(s State) func(Event) bool {
	return func(ev Event) bool {
		return ev.Kind == EventStateChanged && ev.State == s
	}
}

func states(events []Event) []State {
	var out []State
	for _, ev := range events {
		if ev.Kind == EventStateChanged {
			out = append(out, ev.State)
		}
	}
	return out
}

func knownDescriptor(url string) catalog.Descriptor {
	return catalog.Descriptor{DisplayName: "M", SourceURL: url, Filename: "m.bin"}
}
