//go:build !darwin

package config

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

// xdgDir returns $env/llamactl, or ~/<fallback...>/llamactl when env is
// unset.
func xdgDir(env string, fallback ...string) string {
	base := os.Getenv(env)
	if base == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return appName + "-data"
		}
		base = filepath.Join(append([]string{home}, fallback...)...)
	}
	return filepath.Join(base, appName)
}

func defaultDataDir() string {
	return xdgDir("XDG_DATA_HOME", ".local", "share")
}

func configFilePath() string {
	return filepath.Join(xdgDir("XDG_CONFIG_HOME", ".config"), "config.json")
}

// fileBackend keeps config as one JSON object. Values are held raw so each
// accessor decodes them into its own type.
type fileBackend struct {
	path string

	mu   sync.Mutex
	data map[string]json.RawMessage
}

func newPlatformBackend() ConfigBackend {
	b := &fileBackend{path: configFilePath(), data: make(map[string]json.RawMessage)}
	b.load()
	return b
}

func (b *fileBackend) load() {
	data, err := os.ReadFile(b.path)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Warn("could not read config file, using defaults", "path", b.path, "error", err)
		}
		return
	}
	if err := json.Unmarshal(data, &b.data); err != nil {
		slog.Warn("could not parse config file, using defaults", "path", b.path, "error", err)
		b.data = make(map[string]json.RawMessage)
	}
}

func (b *fileBackend) raw(key string) (json.RawMessage, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, ok := b.data[key]
	return v, ok
}

func (b *fileBackend) GetString(key string) (string, bool, error) {
	v, ok := b.raw(key)
	if !ok {
		return "", false, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err != nil {
		return "", true, fmt.Errorf("%s is not a string: %s", key, v)
	}
	return s, true, nil
}

func (b *fileBackend) GetInt(key string) (int, bool, error) {
	v, ok := b.raw(key)
	if !ok {
		return 0, false, nil
	}
	var i int
	if err := json.Unmarshal(v, &i); err == nil {
		return i, true, nil
	}
	// Hand-edited files sometimes quote numbers.
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if i, err := strconv.Atoi(s); err == nil {
			return i, true, nil
		}
	}
	return 0, true, fmt.Errorf("%s is not an integer: %s", key, v)
}

func (b *fileBackend) GetBool(key string) (bool, bool, error) {
	v, ok := b.raw(key)
	if !ok {
		return false, false, nil
	}
	var bv bool
	if err := json.Unmarshal(v, &bv); err == nil {
		return bv, true, nil
	}
	var s string
	if err := json.Unmarshal(v, &s); err == nil {
		if bv, err := strconv.ParseBool(s); err == nil {
			return bv, true, nil
		}
	}
	return false, true, fmt.Errorf("%s is not a boolean: %s", key, v)
}

func (b *fileBackend) SetString(key, val string) error { return b.set(key, val) }
func (b *fileBackend) SetInt(key string, val int) error { return b.set(key, val) }
func (b *fileBackend) SetBool(key string, val bool) error { return b.set(key, val) }

func (b *fileBackend) Delete(key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.data[key]; !ok {
		return nil
	}
	delete(b.data, key)
	return b.save()
}

func (b *fileBackend) set(key string, v any) error {
	enc, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = enc
	return b.save()
}

// save must be called with mu held.
func (b *fileBackend) save() error {
	data, err := json.MarshalIndent(b.data, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(b.path, data)
}

// writeFileAtomic replaces path with data through a temp file in the same
// directory, so readers never see a half-written file.
func writeFileAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}
