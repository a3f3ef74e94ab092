package api

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/llamactl/internal/artifact"
	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/download"
	"github.com/kalambet/llamactl/internal/engine"
	"github.com/kalambet/llamactl/internal/session"
	"github.com/kalambet/llamactl/internal/storage"
)

// scriptedHandle yields tokens in order. With block set it waits for
// cancellation on every step instead.
type scriptedHandle struct {
	tokens []string
	block  bool

	mu   sync.Mutex
	pos  int
	done bool
}

func (h *scriptedHandle) BeginCompletion(ctx context.Context, prompt string) error { return nil }

func (h *scriptedHandle) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *scriptedHandle) NextIncrement(ctx context.Context) (string, error) {
	if h.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.pos >= len(h.tokens) {
		h.done = true
		return "", nil
	}
	s := h.tokens[h.pos]
	h.pos++
	h.done = h.pos >= len(h.tokens)
	return s, nil
}

func (h *scriptedHandle) TokenBudget() int { return 16 }

func (h *scriptedHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.pos = 0
	h.done = false
}

func (h *scriptedHandle) Close() error { return nil }

type scriptedLoader struct {
	handle func() engine.Handle
}

func (l scriptedLoader) Load(ctx context.Context, path string) (engine.Handle, error) {
	return l.handle(), nil
}

// newSession runs a real orchestrator over a temp store holding m.gguf.
func newSession(t *testing.T, newHandle func() engine.Handle) *session.Orchestrator {
	t.Helper()
	store, err := artifact.Open(t.TempDir())
	if err != nil {
		t.Fatalf("artifact.Open: %v", err)
	}
	if err := os.WriteFile(filepath.Join(store.Dir(), "m.gguf"), []byte("weights"), 0o644); err != nil {
		t.Fatal(err)
	}
	cat := catalog.New(nil)
	o := session.New(session.Config{
		Catalog: cat,
		Store:   store,
		Fetcher: download.New(store, download.WithPresenceMarker(cat)),
		Loader:  scriptedLoader{handle: newHandle},
	})

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
	return o
}

// loadedSession returns a session that is Ready with m.gguf loaded.
func loadedSession(t *testing.T, newHandle func() engine.Handle) *session.Orchestrator {
	t.Helper()
	o := newSession(t, newHandle)
	if err := o.RequestLoad("m.gguf"); err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	waitState(t, o, session.Ready)
	return o
}

func waitState(t *testing.T, o *session.Orchestrator, want session.State) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Snapshot()
		if err != nil {
			t.Fatalf("Snapshot: %v", err)
		}
		if snap.State == want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("session never reached %s", want)
}

func helloHandle() engine.Handle {
	return &scriptedHandle{tokens: []string{"Hello", " world"}}
}

func blockingHandle() engine.Handle {
	return &scriptedHandle{block: true}
}

type mockLedger struct {
	runs      []storage.Generation
	downloads []storage.Download
	stats     []storage.GenerationStats
	err       error
	limit     int
}

func (m *mockLedger) RecentGenerations(limit int) ([]storage.Generation, error) {
	m.limit = limit
	return m.runs, m.err
}

func (m *mockLedger) GetGeneration(id string) (storage.Generation, error) {
	for _, g := range m.runs {
		if g.ID == id {
			return g, nil
		}
	}
	return storage.Generation{}, storage.ErrNotFound
}

func (m *mockLedger) RecentDownloads(limit int) ([]storage.Download, error) {
	m.limit = limit
	return m.downloads, m.err
}

func (m *mockLedger) Stats() ([]storage.GenerationStats, error) {
	return m.stats, m.err
}
