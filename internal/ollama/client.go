package ollama

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client communicates with a local Ollama instance over HTTP.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// New creates a Client targeting the given Ollama base URL.
func New(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 0,
		},
	}
}

// BaseURL returns the server address the client talks to.
func (c *Client) BaseURL() string {
	return c.baseURL
}

// tagsResponse mirrors the JSON returned by GET /api/tags.
type tagsResponse struct {
	Models []modelEntry `json:"models"`
}

type modelEntry struct {
	Name string `json:"name"`
}

// IsRunning returns true if the Ollama server responds to GET /api/tags with 200.
func (c *Client) IsRunning(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return false
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// ListModels returns the names of all models available in the local Ollama instance.
func (c *Client) ListModels(ctx context.Context) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/tags", nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting model list: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}

	var tags tagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&tags); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	names := make([]string, len(tags.Models))
	for i, m := range tags.Models {
		names[i] = m.Name
	}
	return names, nil
}

// HasModel reports whether the given model name is present locally.
func (c *Client) HasModel(ctx context.Context, name string) bool {
	models, err := c.ListModels(ctx)
	if err != nil {
		return false
	}
	for _, m := range models {
		// Ollama may return "phi3.5:latest", so match without the tag suffix.
		if m == name || strings.HasPrefix(m, name+":") {
			return true
		}
	}
	return false
}

// createRequest is the JSON body for POST /api/create.
type createRequest struct {
	Model  string            `json:"model"`
	Files  map[string]string `json:"files"`
	Stream bool              `json:"stream"`
}

// CreateFromFile registers the GGUF file at path as model name. The file is
// uploaded as a blob first unless the server already holds its digest.
func (c *Client) CreateFromFile(ctx context.Context, name, path string) error {
	digest, err := fileDigest(path)
	if err != nil {
		return fmt.Errorf("hashing %s: %w", path, err)
	}

	exists, err := c.hasBlob(ctx, digest)
	if err != nil {
		return err
	}
	if !exists {
		if err := c.pushBlob(ctx, digest, path); err != nil {
			return err
		}
	}

	body, err := json.Marshal(createRequest{
		Model:  name,
		Files:  map[string]string{filepath.Base(path): digest},
		Stream: false,
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/create", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("create %s: unexpected status %d: %s", name, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	return nil
}

func (c *Client) hasBlob(ctx context.Context, digest string) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.baseURL+"/api/blobs/"+digest, nil)
	if err != nil {
		return false, fmt.Errorf("creating blob check request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("checking blob: %w", err)
	}
	resp.Body.Close()
	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("checking blob: unexpected status %d", resp.StatusCode)
	}
}

func (c *Client) pushBlob(ctx context.Context, digest, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/blobs/"+digest, f)
	if err != nil {
		return fmt.Errorf("creating blob upload request: %w", err)
	}
	if info, err := f.Stat(); err == nil {
		req.ContentLength = info.Size()
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("uploading blob: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusCreated && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("uploading blob: unexpected status %d", resp.StatusCode)
	}
	return nil
}

func fileDigest(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return "sha256:" + hex.EncodeToString(h.Sum(nil)), nil
}

// generateRequest is the JSON body for POST /api/generate.
type generateRequest struct {
	Model     string         `json:"model"`
	Prompt    string         `json:"prompt"`
	Stream    bool           `json:"stream"`
	KeepAlive *int           `json:"keep_alive,omitempty"`
	Options   map[string]any `json:"options,omitempty"`
}

// GenerateChunk is one line of the streamed generate response.
type GenerateChunk struct {
	Response  string `json:"response"`
	Done      bool   `json:"done"`
	EvalCount int    `json:"eval_count,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stream reads a streamed generate response one chunk at a time.
type Stream struct {
	body io.ReadCloser
	dec  *json.Decoder
}

// Next returns the next chunk. It returns io.EOF once the body is exhausted.
func (s *Stream) Next() (GenerateChunk, error) {
	var chunk GenerateChunk
	if err := s.dec.Decode(&chunk); err != nil {
		return GenerateChunk{}, err
	}
	if chunk.Error != "" {
		return chunk, fmt.Errorf("generate: %s", chunk.Error)
	}
	return chunk, nil
}

// Close releases the underlying response body.
func (s *Stream) Close() error {
	return s.body.Close()
}

// Generate starts a streamed completion of prompt, producing at most
// numPredict tokens. It returns once the server has accepted the request.
func (c *Client) Generate(ctx context.Context, model, prompt string, numPredict int) (*Stream, error) {
	gr := generateRequest{
		Model:  model,
		Prompt: prompt,
		Stream: true,
	}
	if numPredict > 0 {
		gr.Options = map[string]any{"num_predict": numPredict}
	}

	resp, err := c.postJSON(ctx, "/api/generate", gr)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("generate: unexpected status %d", resp.StatusCode)
	}
	return &Stream{body: resp.Body, dec: json.NewDecoder(resp.Body)}, nil
}

// Warm loads model into memory without generating anything.
func (c *Client) Warm(ctx context.Context, model string) error {
	return c.simpleGenerate(ctx, generateRequest{Model: model})
}

// Unload asks the server to evict model from memory immediately.
func (c *Client) Unload(ctx context.Context, model string) error {
	zero := 0
	return c.simpleGenerate(ctx, generateRequest{Model: model, KeepAlive: &zero})
}

func (c *Client) simpleGenerate(ctx context.Context, gr generateRequest) error {
	resp, err := c.postJSON(ctx, "/api/generate", gr)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("generate %s: unexpected status %d", gr.Model, resp.StatusCode)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, v any) (*http.Response, error) {
	body, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request %s: %w", path, err)
	}
	return resp, nil
}
