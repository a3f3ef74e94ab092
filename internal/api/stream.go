package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/kalambet/llamactl/internal/session"
)

func sseHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
}

// writeSSE writes one server-sent event. An empty name writes a bare data
// line.
func writeSSE(w http.ResponseWriter, f http.Flusher, name string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if name != "" {
		if _, err := fmt.Fprintf(w, "event: %s\n", name); err != nil {
			return err
		}
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return err
	}
	f.Flush()
	return nil
}

// streamCompletion subscribes before starting the task so no delta is missed,
// then forwards the task's output until its record arrives.
func streamCompletion(w http.ResponseWriter, r *http.Request, deps Deps, prompt string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
		return
	}

	sub, _, err := deps.Session.Subscribe()
	if err != nil {
		sessionError(w, err)
		return
	}
	defer sub.Close()

	task, err := deps.Session.RequestCompletion(prompt)
	if err != nil {
		sessionError(w, err)
		return
	}

	sseHeaders(w)
	for {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.TaskID != task.ID {
				continue
			}
			switch ev.Kind {
			case session.EventOutput:
				if err := writeSSE(w, flusher, "", map[string]string{"delta": ev.Delta}); err != nil {
					slog.Debug("completion stream write failed", "error", err)
					return
				}
			case session.EventGenerationDone:
				_, taskErr := task.Wait(r.Context())
				writeSSE(w, flusher, "", completionResult(*ev.Generation, taskErr))
				fmt.Fprint(w, "data: [DONE]\n\n")
				flusher.Flush()
				return
			}
		case <-r.Context().Done():
			return
		}
	}
}

// handleEvents streams every orchestrator event in publication order,
// preceded by the snapshot taken at subscription time.
func handleEvents(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flusher, ok := w.(http.Flusher)
		if !ok {
			httpError(w, http.StatusInternalServerError, "api_error", "streaming not supported")
			return
		}

		sub, snap, err := deps.Session.Subscribe()
		if err != nil {
			sessionError(w, err)
			return
		}
		defer sub.Close()

		sseHeaders(w)
		if err := writeSSE(w, flusher, "snapshot", snap); err != nil {
			return
		}
		for {
			select {
			case ev, ok := <-sub.Events():
				if !ok {
					return
				}
				if err := writeSSE(w, flusher, ev.Kind.String(), ev); err != nil {
					slog.Debug("event stream write failed", "error", err)
					return
				}
			case <-r.Context().Done():
				return
			}
		}
	}
}
