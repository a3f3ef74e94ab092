package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kalambet/llamactl/internal/ollama"
)

// OllamaLoader loads GGUF artifacts into a local Ollama server.
type OllamaLoader struct {
	client      *ollama.Client
	tokenBudget int
	logger      *slog.Logger
}

// NewOllamaLoader creates an OllamaLoader backed by an Ollama server at
// baseURL. tokenBudget caps every completion; values <= 0 select 256.
func NewOllamaLoader(baseURL string, tokenBudget int) *OllamaLoader {
	if tokenBudget <= 0 {
		tokenBudget = 256
	}
	return &OllamaLoader{
		client:      ollama.New(baseURL),
		tokenBudget: tokenBudget,
		logger:      slog.Default(),
	}
}

// IsRunning reports whether the Ollama server is reachable.
func (l *OllamaLoader) IsRunning(ctx context.Context) bool {
	return l.client.IsRunning(ctx)
}

// Describe returns a human-readable backend location.
func (l *OllamaLoader) Describe() string {
	return "ollama at " + l.client.BaseURL()
}

// Load registers the artifact with Ollama (once per model name) and warms it
// into memory.
func (l *OllamaLoader) Load(ctx context.Context, path string) (Handle, error) {
	name := ModelName(path)
	if !l.client.HasModel(ctx, name) {
		l.logger.Info("registering artifact with ollama", "model", name, "path", path)
		if err := l.client.CreateFromFile(ctx, name, path); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInit, err)
		}
	}
	if err := l.client.Warm(ctx, name); err != nil {
		return nil, fmt.Errorf("%w: warming %s: %v", ErrInit, name, err)
	}
	return &ollamaHandle{
		client: l.client,
		model:  name,
		budget: l.tokenBudget,
		logger: l.logger,
	}, nil
}

// ModelName derives the Ollama model name for an artifact path.
func ModelName(path string) string {
	stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	stem = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		default:
			return '-'
		}
	}, stem)
	return "llamactl-" + stem
}

type ollamaHandle struct {
	client *ollama.Client
	model  string
	budget int
	logger *slog.Logger

	mu     sync.Mutex
	stream *ollama.Stream
	cancel context.CancelFunc
	done   bool
}

func (h *ollamaHandle) BeginCompletion(ctx context.Context, prompt string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.stream != nil {
		return fmt.Errorf("%w: completion already in progress", ErrRuntime)
	}

	sctx, cancel := context.WithCancel(ctx)
	stream, err := h.client.Generate(sctx, h.model, prompt, h.budget)
	if err != nil {
		cancel()
		return fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	h.stream = stream
	h.cancel = cancel
	h.done = false
	return nil
}

func (h *ollamaHandle) IsDone() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.done
}

func (h *ollamaHandle) NextIncrement(ctx context.Context) (string, error) {
	h.mu.Lock()
	stream, done := h.stream, h.done
	h.mu.Unlock()
	if done {
		return "", nil
	}
	if stream == nil {
		return "", fmt.Errorf("%w: no completion in progress", ErrRuntime)
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}

	chunk, err := stream.Next()
	if err != nil {
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return "", fmt.Errorf("%w: %v", ErrRuntime, err)
	}
	if chunk.Done {
		h.mu.Lock()
		h.done = true
		h.mu.Unlock()
	}
	return chunk.Response, nil
}

func (h *ollamaHandle) TokenBudget() int {
	return h.budget
}

func (h *ollamaHandle) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.cancel != nil {
		h.cancel()
		h.cancel = nil
	}
	if h.stream != nil {
		h.stream.Close()
		h.stream = nil
	}
	h.done = false
}

func (h *ollamaHandle) Close() error {
	h.Reset()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := h.client.Unload(ctx, h.model); err != nil {
		h.logger.Warn("unloading model failed", "model", h.model, "error", err)
		return err
	}
	return nil
}
