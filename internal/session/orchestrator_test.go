package session

import (
	"bytes"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kalambet/llamactl/internal/catalog"
	"github.com/kalambet/llamactl/internal/download"
	"github.com/kalambet/llamactl/internal/engine"
)

func TestRequestLoad_PresentArtifact(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{}, "local.gguf")

	if err := h.o.RequestLoad("local.gguf"); err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	events := waitFor(t, h.sub, stateIs(Ready))
	if got := states(events); !slices.Equal(got, []State{Loading, Ready}) {
		t.Errorf("states = %v, want [loading ready]", got)
	}
	paths := h.loader.loadedPaths()
	if len(paths) != 1 || paths[0] != h.store.ResolvedPath("local.gguf") {
		t.Errorf("loaded paths = %v", paths)
	}
	if h.fetcher.starts.Load() != 0 {
		t.Error("present artifact was downloaded")
	}

	snap, _ := h.o.Snapshot()
	if !slices.Contains(snap.StatusLog, "Loaded model local.gguf") {
		t.Errorf("status log = %v", snap.StatusLog)
	}
}

func TestRequestLoad_DownloadsAbsentArtifact(t *testing.T) {
	payload := bytes.Repeat([]byte("w"), 64*1024)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(payload)))
		w.Write(payload)
	}))
	defer srv.Close()

	h := newHarness(t, []catalog.Descriptor{knownDescriptor(srv.URL)}, &fakeLoader{})
	if err := h.o.RequestLoad("m.bin"); err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	events := waitFor(t, h.sub, stateIs(Ready))

	if got := states(events); !slices.Equal(got, []State{Loading, Ready}) {
		t.Errorf("states = %v, want [loading ready]", got)
	}
	prev := -1.0
	var sawDone bool
	for _, ev := range events {
		switch ev.Kind {
		case EventProgress:
			if ev.Progress.FractionComplete < prev {
				t.Errorf("progress went backwards: %v after %v", ev.Progress.FractionComplete, prev)
			}
			prev = ev.Progress.FractionComplete
		case EventDownloadDone:
			sawDone = true
			if ev.Download.Error != "" || ev.Download.Bytes != int64(len(payload)) {
				t.Errorf("download record = %+v", ev.Download)
			}
		}
	}
	if prev != 1 || !sawDone {
		t.Errorf("final fraction = %v, download done = %v", prev, sawDone)
	}

	d, _ := h.catalog.Lookup("m.bin")
	if d.Presence != catalog.Present {
		t.Errorf("presence = %v, want present", d.Presence)
	}
	if !h.store.Exists("m.bin") {
		t.Error("artifact not in store")
	}
}

func TestRequestLoad_AttachesToActiveDownload(t *testing.T) {
	var hits atomic.Int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		<-release
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	h := newHarness(t, []catalog.Descriptor{knownDescriptor(srv.URL)}, &fakeLoader{})
	for i := 0; i < 5; i++ {
		if err := h.o.RequestLoad("m.bin"); err != nil {
			t.Fatalf("RequestLoad #%d: %v", i, err)
		}
	}
	if n := h.fetcher.starts.Load(); n != 1 {
		t.Errorf("downloads started = %d, want 1", n)
	}

	close(release)
	waitFor(t, h.sub, stateIs(Ready))
	if n := hits.Load(); n != 1 {
		t.Errorf("server hits = %d, want 1", n)
	}
	if n := len(h.loader.loaded()); n != 1 {
		t.Errorf("engine loads = %d, want 1", n)
	}
}

func TestRequestLoad_TransportFailureThenRetry(t *testing.T) {
	var attempts atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if attempts.Add(1) == 1 {
			w.Header().Set("Content-Length", "1000")
			w.WriteHeader(http.StatusOK)
			w.Write(bytes.Repeat([]byte("x"), 10))
			w.(http.Flusher).Flush()
			if conn, _, err := w.(http.Hijacker).Hijack(); err == nil {
				conn.Close()
			}
			return
		}
		w.Write([]byte("weights"))
	}))
	defer srv.Close()

	h := newHarness(t, []catalog.Descriptor{knownDescriptor(srv.URL)}, &fakeLoader{})
	if err := h.o.RequestLoad("m.bin"); err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	waitFor(t, h.sub, stateIs(Failed))

	snap, _ := h.o.Snapshot()
	if !errors.Is(snap.Err, download.ErrTransport) {
		t.Errorf("failure = %v, want transport error", snap.Err)
	}
	var fe *FailureError
	if !errors.As(snap.Err, &fe) || fe.Kind != FailDownload {
		t.Errorf("failure kind = %+v", snap.Err)
	}
	d, _ := h.catalog.Lookup("m.bin")
	if d.Presence != catalog.Absent {
		t.Errorf("presence = %v after failed download", d.Presence)
	}
	entries, _ := os.ReadDir(h.store.Dir())
	if len(entries) != 0 {
		t.Errorf("store not empty after failure: %d entries", len(entries))
	}

	// Retrying from Failed re-enters Idle and downloads again.
	if err := h.o.RequestLoad("m.bin"); err != nil {
		t.Fatalf("retry RequestLoad: %v", err)
	}
	events := waitFor(t, h.sub, stateIs(Ready))
	if got := states(events); !slices.Equal(got, []State{Idle, Loading, Ready}) {
		t.Errorf("retry states = %v, want [idle loading ready]", got)
	}
}

func TestRequestLoad_EngineInitError(t *testing.T) {
	loader := &fakeLoader{err: errors.Join(engine.ErrInit, errors.New("bad magic"))}
	h := newHarness(t, nil, loader, "local.gguf")

	if err := h.o.RequestLoad("local.gguf"); err != nil {
		t.Fatalf("RequestLoad: %v", err)
	}
	events := waitFor(t, h.sub, stateIs(Failed))
	if last := events[len(events)-1]; !strings.Contains(last.Reason, "bad magic") {
		t.Errorf("reason = %q", last.Reason)
	}
	snap, _ := h.o.Snapshot()
	if !errors.Is(snap.Err, engine.ErrInit) {
		t.Errorf("failure = %v, want ErrInit", snap.Err)
	}
	if _, err := h.o.RequestCompletion("hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("RequestCompletion after failed load = %v, want ErrNotReady", err)
	}
}

func TestRequestLoad_UnknownArtifact(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{})
	if err := h.o.RequestLoad("nope.gguf"); !errors.Is(err, ErrUnknownArtifact) {
		t.Errorf("RequestLoad error = %v, want ErrUnknownArtifact", err)
	}
	snap, _ := h.o.Snapshot()
	if snap.State != Idle {
		t.Errorf("state = %v, want idle", snap.State)
	}
}

func TestRequestLoad_SwitchClosesPrevious(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{}, "a.gguf", "b.gguf")

	h.o.RequestLoad("a.gguf")
	waitFor(t, h.sub, stateIs(Ready))
	if err := h.o.RequestLoad("a.gguf"); err != nil {
		t.Fatalf("reloading same artifact: %v", err)
	}
	h.o.RequestLoad("b.gguf")
	events := waitFor(t, h.sub, stateIs(Ready))
	if got := states(events); !slices.Equal(got, []State{Idle, Loading, Ready}) {
		t.Errorf("states = %v", got)
	}

	handles := h.loader.loaded()
	if len(handles) != 2 {
		t.Fatalf("loads = %d, want 2", len(handles))
	}
	if _, closed := handles[0].counts(); closed != 1 {
		t.Errorf("first model closed %d times, want 1", closed)
	}
	snap, _ := h.o.Snapshot()
	if snap.Artifact != "b.gguf" {
		t.Errorf("artifact = %q, want b.gguf", snap.Artifact)
	}
}

func TestRequestCompletion_StreamsTokens(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"He", "llo", " there"}, budget: 3}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, err := h.o.RequestCompletion("hello")
	if err != nil {
		t.Fatalf("RequestCompletion: %v", err)
	}
	events := waitFor(t, h.sub, stateIs(Finished))

	var deltas []string
	for _, ev := range events {
		if ev.Kind == EventOutput {
			deltas = append(deltas, ev.Delta)
			if ev.TaskID != task.ID {
				t.Errorf("output event task = %q, want %q", ev.TaskID, task.ID)
			}
		}
	}
	if !slices.Equal(deltas, []string{"He", "llo", " there"}) {
		t.Errorf("deltas = %q", deltas)
	}

	rec, err := task.Wait(t.Context())
	if err != nil {
		t.Fatalf("task error: %v", err)
	}
	if rec.Output != "Hello there" || rec.Prompt != "hello" {
		t.Errorf("record = %+v", rec)
	}
	if rec.TokensPerSecond < 0 || rec.Tokens != 3 {
		t.Errorf("tokens = %d, tps = %v", rec.Tokens, rec.TokensPerSecond)
	}
	if resets, _ := handle.counts(); resets != 1 {
		t.Errorf("Reset called %d times, want 1", resets)
	}

	snap, _ := h.o.Snapshot()
	if snap.State != Finished || snap.Output != "Hello there" {
		t.Errorf("snapshot = %v %q", snap.State, snap.Output)
	}
	if !strings.HasPrefix(snap.StatusLog[len(snap.StatusLog)-1], "Heat up took ") {
		t.Errorf("last status line = %q", snap.StatusLog[len(snap.StatusLog)-1])
	}

	// Finished accepts the next completion with a fresh record.
	task2, err := h.o.RequestCompletion("again")
	if err != nil {
		t.Fatalf("second RequestCompletion: %v", err)
	}
	<-task2.Done()
	rec2, _ := task2.Result()
	if rec2.Output != "Hello there" || rec2.Prompt != "again" {
		t.Errorf("second record = %+v", rec2)
	}
}

func TestRequestCompletion_BusyWhileGenerating(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"a"}, budget: 4, blockAt: 1}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, err := h.o.RequestCompletion("one")
	if err != nil {
		t.Fatalf("RequestCompletion: %v", err)
	}
	for i := 0; i < 3; i++ {
		if _, err := h.o.RequestCompletion("two"); !errors.Is(err, ErrBusy) {
			t.Fatalf("RequestCompletion while generating = %v, want ErrBusy", err)
		}
	}
	if err := h.o.RequestLoad("local.gguf"); !errors.Is(err, ErrBusy) {
		t.Errorf("RequestLoad while generating = %v, want ErrBusy", err)
	}
	snap, _ := h.o.Snapshot()
	if snap.State != Generating || snap.Record.Prompt != "one" {
		t.Errorf("state = %v prompt = %q, want generating one", snap.State, snap.Record.Prompt)
	}
	task.Cancel()
	<-task.Done()
}

func TestRequestCompletion_NotReady(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{})
	if _, err := h.o.RequestCompletion("hi"); !errors.Is(err, ErrNotReady) {
		t.Errorf("RequestCompletion in idle = %v, want ErrNotReady", err)
	}
}

func TestCancelCurrentOperation_DuringGeneration(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"first"}, budget: 8, blockAt: 2}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, err := h.o.RequestCompletion("go")
	if err != nil {
		t.Fatalf("RequestCompletion: %v", err)
	}
	waitFor(t, h.sub, func(ev Event) bool { return ev.Kind == EventOutput })

	cancelled, err := h.o.CancelCurrentOperation()
	if err != nil || !cancelled {
		t.Fatalf("CancelCurrentOperation = %v, %v", cancelled, err)
	}
	events := waitFor(t, h.sub, stateIs(Failed))
	for _, ev := range events {
		if ev.Kind == EventOutput {
			t.Errorf("output published after cancel: %q", ev.Delta)
		}
	}

	<-task.Done()
	rec, err := task.Result()
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("task error = %v, want ErrCancelled", err)
	}
	if rec.Output != "first" {
		t.Errorf("output = %q, want partial output kept", rec.Output)
	}
	if resets, _ := handle.counts(); resets != 1 {
		t.Errorf("Reset called %d times, want 1", resets)
	}
	snap, _ := h.o.Snapshot()
	if !errors.Is(snap.Err, ErrCancelled) {
		t.Errorf("failure = %v, want ErrCancelled", snap.Err)
	}

	// The model stays resident, so a new completion is accepted.
	if _, err := h.o.RequestCompletion("again"); err != nil {
		t.Errorf("RequestCompletion after cancel: %v", err)
	}
}

func TestCancelCurrentOperation_DuringFinalStep(t *testing.T) {
	// The blocked step is the one that spends the budget.
	handle := &fakeHandle{tokens: []string{"a", "b"}, budget: 2, blockAt: 2}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, err := h.o.RequestCompletion("go")
	if err != nil {
		t.Fatalf("RequestCompletion: %v", err)
	}
	waitFor(t, h.sub, func(ev Event) bool { return ev.Kind == EventOutput })

	if cancelled, err := h.o.CancelCurrentOperation(); err != nil || !cancelled {
		t.Fatalf("CancelCurrentOperation = %v, %v", cancelled, err)
	}
	waitFor(t, h.sub, stateIs(Failed))

	<-task.Done()
	rec, err := task.Result()
	if !errors.Is(err, ErrCancelled) {
		t.Errorf("task error = %v, want ErrCancelled", err)
	}
	if rec.Outcome != OutcomeCancelled {
		t.Errorf("outcome = %q, want %q", rec.Outcome, OutcomeCancelled)
	}
	if rec.Output != "a" {
		t.Errorf("output = %q, want %q", rec.Output, "a")
	}
	snap, _ := h.o.Snapshot()
	if snap.State != Failed || !errors.Is(snap.Err, ErrCancelled) {
		t.Errorf("state = %v (%v), want failed with ErrCancelled", snap.State, snap.Err)
	}
}

func TestCancelCurrentOperation_DuringDownload(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "100000")
		w.WriteHeader(http.StatusOK)
		w.Write(bytes.Repeat([]byte("x"), 100))
		w.(http.Flusher).Flush()
		<-r.Context().Done()
	}))
	defer srv.Close()

	h := newHarness(t, []catalog.Descriptor{knownDescriptor(srv.URL)}, &fakeLoader{})
	h.o.RequestLoad("m.bin")
	waitFor(t, h.sub, func(ev Event) bool {
		return ev.Kind == EventProgress && ev.Progress.BytesDone > 0
	})

	if cancelled, _ := h.o.CancelCurrentOperation(); !cancelled {
		t.Fatal("nothing was cancelled")
	}
	waitFor(t, h.sub, stateIs(Failed))
	snap, _ := h.o.Snapshot()
	if !errors.Is(snap.Err, ErrCancelled) || !errors.Is(snap.Err, download.ErrCancelled) {
		t.Errorf("failure = %v, want cancelled", snap.Err)
	}
	if h.store.Exists("m.bin") {
		t.Error("cancelled download reached the store")
	}
}

func TestCancelCurrentOperation_Nothing(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{})
	if cancelled, err := h.o.CancelCurrentOperation(); cancelled || err != nil {
		t.Errorf("CancelCurrentOperation = %v, %v", cancelled, err)
	}
}

func TestCancelCurrentOperation_DuringLoad(t *testing.T) {
	loader := &fakeLoader{block: make(chan struct{})}
	h := newHarness(t, nil, loader, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Loading))

	h.o.CancelCurrentOperation()
	waitFor(t, h.sub, stateIs(Failed))
	snap, _ := h.o.Snapshot()
	if !errors.Is(snap.Err, ErrCancelled) {
		t.Errorf("failure = %v, want ErrCancelled", snap.Err)
	}
}

func TestGeneration_RuntimeErrorKeepsPartialOutput(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"a", "b", "c", "d"}, budget: 8, failAt: 3}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, _ := h.o.RequestCompletion("x")
	<-task.Done()
	rec, err := task.Result()
	if !errors.Is(err, engine.ErrRuntime) {
		t.Fatalf("task error = %v, want ErrRuntime", err)
	}
	if rec.Output != "ab" || rec.Error == "" {
		t.Errorf("record = %+v", rec)
	}
	if resets, _ := handle.counts(); resets != 1 {
		t.Errorf("Reset called %d times, want 1", resets)
	}
	snap, _ := h.o.Snapshot()
	if snap.State != Failed || snap.Output != "ab" {
		t.Errorf("snapshot = %v %q", snap.State, snap.Output)
	}
}

func TestGeneration_BeginErrorResets(t *testing.T) {
	handle := &fakeHandle{budget: 8, beginErr: errors.New("prompt too long")}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, _ := h.o.RequestCompletion("x")
	if _, err := task.Wait(t.Context()); err == nil {
		t.Fatal("expected error")
	}
	if resets, _ := handle.counts(); resets != 1 {
		t.Errorf("Reset called %d times, want 1", resets)
	}
}

func TestGeneration_EmptyIncrementsTolerated(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"", "a", "", "b"}, budget: 8}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, _ := h.o.RequestCompletion("x")
	rec, err := task.Wait(t.Context())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Output != "ab" || rec.Tokens != 4 {
		t.Errorf("record = %+v", rec)
	}
}

func TestGeneration_StopsAtTokenBudget(t *testing.T) {
	handle := &fakeHandle{tokens: []string{"x"}, budget: 5, endless: true}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, _ := h.o.RequestCompletion("x")
	rec, err := task.Wait(t.Context())
	if err != nil {
		t.Fatalf("Wait: %v", err)
	}
	if rec.Output != "xxxxx" || rec.Tokens != 5 {
		t.Errorf("record = %+v", rec)
	}
}

func TestGeneration_OutputNeverShrinks(t *testing.T) {
	tokens := make([]string, 500)
	for i := range tokens {
		tokens[i] = strconv.Itoa(i % 10)
	}
	handle := &fakeHandle{tokens: tokens, budget: len(tokens)}
	h := newHarness(t, nil, &fakeLoader{newHandle: func() *fakeHandle { return handle }}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	task, _ := h.o.RequestCompletion("x")
	prev := 0
	for {
		select {
		case <-task.Done():
			rec, _ := task.Result()
			if len(rec.Output) != len(tokens) {
				t.Errorf("output length = %d, want %d", len(rec.Output), len(tokens))
			}
			return
		default:
		}
		snap, err := h.o.Snapshot()
		if err != nil {
			t.Fatal(err)
		}
		if len(snap.Output) < prev {
			t.Fatalf("output shrank from %d to %d", prev, len(snap.Output))
		}
		prev = len(snap.Output)
	}
}

func TestUnload(t *testing.T) {
	h := newHarness(t, nil, &fakeLoader{}, "local.gguf")
	h.o.RequestLoad("local.gguf")
	waitFor(t, h.sub, stateIs(Ready))

	if err := h.o.Unload(); err != nil {
		t.Fatalf("Unload: %v", err)
	}
	waitFor(t, h.sub, stateIs(Idle))
	if _, err := h.o.RequestCompletion("x"); !errors.Is(err, ErrNotReady) {
		t.Errorf("RequestCompletion after unload = %v, want ErrNotReady", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		if _, closed := h.loader.loaded()[0].counts(); closed == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("model was not closed")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestTokensPerSecond(t *testing.T) {
	if got := tokensPerSecond(10, 0); got != 0 {
		t.Errorf("zero duration = %v, want 0", got)
	}
	if got := tokensPerSecond(10, -time.Second); got != 0 {
		t.Errorf("negative duration = %v, want 0", got)
	}
	if got := tokensPerSecond(10, 2*time.Second); got != 5 {
		t.Errorf("tokensPerSecond(10, 2s) = %v, want 5", got)
	}
}
