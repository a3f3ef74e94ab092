package catalog

import (
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// ErrScan is reported when the local artifact directory can not be
// enumerated. It is recoverable: the catalog keeps working with no
// discovered artifacts.
var ErrScan = errors.New("scanning local artifacts")

// Presence tells whether an artifact file exists in the local store.
type Presence int

const (
	Absent Presence = iota
	Present
)

func (p Presence) String() string {
	if p == Present {
		return "present"
	}
	return "absent"
}

// MarshalText encodes Presence as its name for JSON output.
func (p Presence) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Presence) UnmarshalText(b []byte) error {
	switch string(b) {
	case "present":
		*p = Present
	case "absent":
		*p = Absent
	default:
		return fmt.Errorf("unknown presence %q", b)
	}
	return nil
}

// Provenance records where a descriptor came from.
type Provenance int

const (
	// Known descriptors are part of the built-in list and can be downloaded.
	Known Provenance = iota
	// Discovered descriptors were found on disk with no matching known entry.
	Discovered
)

func (p Provenance) String() string {
	if p == Discovered {
		return "discovered"
	}
	return "known"
}

// MarshalText encodes Provenance as its name for JSON output.
func (p Provenance) MarshalText() ([]byte, error) {
	return []byte(p.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *Provenance) UnmarshalText(b []byte) error {
	switch string(b) {
	case "known":
		*p = Known
	case "discovered":
		*p = Discovered
	default:
		return fmt.Errorf("unknown provenance %q", b)
	}
	return nil
}

// Descriptor identifies a model artifact and, when remote, how to fetch it.
// Two descriptors with the same Filename are the same artifact.
type Descriptor struct {
	ID          string     `json:"id"`
	DisplayName string     `json:"display_name"`
	SourceURL   string     `json:"source_url,omitempty"`
	Filename    string     `json:"filename"`
	Presence    Presence   `json:"presence"`
	Provenance  Provenance `json:"provenance"`
}

// Downloadable reports whether the descriptor has a source to fetch from.
func (d Descriptor) Downloadable() bool {
	return d.SourceURL != ""
}

// idNamespace scopes descriptor IDs so the same filename always maps to the
// same ID across restarts.
var idNamespace = uuid.MustParse("6f1c2a52-53d8-4b8e-9a5e-3c4f8b1d2e70")

// IDFor returns the stable descriptor ID for filename.
func IDFor(filename string) string {
	return uuid.NewSHA1(idNamespace, []byte(filename)).String()
}

// Lister enumerates the filenames present in a local artifact directory.
type Lister interface {
	List() ([]string, error)
}

// Catalog is the merged view of known descriptors and artifacts discovered
// in the local store, keyed by filename. Insertion order is preserved; the
// first entry is the default.
type Catalog struct {
	mu      sync.RWMutex
	entries []Descriptor
	index   map[string]int
	logger  *slog.Logger
}

// New builds a Catalog from the known descriptors. Duplicate filenames are
// collapsed onto the first occurrence. Every known entry starts Absent until
// Scan or MarkPresent says otherwise.
func New(known []Descriptor) *Catalog {
	c := &Catalog{
		index:  make(map[string]int, len(known)),
		logger: slog.Default(),
	}
	for _, d := range known {
		if d.Filename == "" {
			continue
		}
		if _, dup := c.index[d.Filename]; dup {
			continue
		}
		d.ID = IDFor(d.Filename)
		d.Presence = Absent
		d.Provenance = Known
		c.index[d.Filename] = len(c.entries)
		c.entries = append(c.entries, d)
	}
	return c
}

// Scan merges the contents of the local store into the catalog. Known
// entries whose file exists become Present; files with no known entry are
// added as Discovered with no source URL. A listing failure is logged and
// returned wrapped in ErrScan, but leaves the catalog usable.
func (c *Catalog) Scan(store Lister) error {
	names, err := store.List()
	if err != nil {
		c.logger.Warn("local artifact scan failed, continuing without discovered artifacts", "error", err)
		return fmt.Errorf("%w: %v", ErrScan, err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, name := range names {
		if i, ok := c.index[name]; ok {
			c.entries[i].Presence = Present
			continue
		}
		c.index[name] = len(c.entries)
		c.entries = append(c.entries, Descriptor{
			ID:          IDFor(name),
			DisplayName: strings.TrimSuffix(name, filepath.Ext(name)),
			Filename:    name,
			Presence:    Present,
			Provenance:  Discovered,
		})
	}
	c.logger.Debug("local artifact scan complete", "files", len(names), "entries", len(c.entries))
	return nil
}

// MarkPresent flips the descriptor for filename to Present. It returns false
// if the filename is unknown. Presence never goes back to Absent.
func (c *Catalog) MarkPresent(filename string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	i, ok := c.index[filename]
	if !ok {
		return false
	}
	c.entries[i].Presence = Present
	return true
}

// Lookup finds a descriptor by ID or filename.
func (c *Catalog) Lookup(key string) (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if i, ok := c.index[key]; ok {
		return c.entries[i], true
	}
	for _, d := range c.entries {
		if d.ID == key {
			return d, true
		}
	}
	return Descriptor{}, false
}

// Default returns the first catalog entry.
func (c *Catalog) Default() (Descriptor, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.entries) == 0 {
		return Descriptor{}, false
	}
	return c.entries[0], true
}

// Snapshot returns a copy of all entries in catalog order.
func (c *Catalog) Snapshot() []Descriptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]Descriptor, len(c.entries))
	copy(out, c.entries)
	return out
}
