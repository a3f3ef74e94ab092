package engine

import "fmt"

// DetectConfig holds parameters for backend detection.
type DetectConfig struct {
	Backend     string
	BaseURL     string
	TokenBudget int
}

// Detect returns the Loader for the configured backend. Only "ollama" is
// supported today; an empty backend selects it.
func Detect(cfg DetectConfig) (*OllamaLoader, error) {
	switch cfg.Backend {
	case "", "ollama":
		return NewOllamaLoader(cfg.BaseURL, cfg.TokenBudget), nil
	default:
		return nil, fmt.Errorf("unknown engine backend %q", cfg.Backend)
	}
}
