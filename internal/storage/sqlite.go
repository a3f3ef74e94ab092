package storage

import (
	"database/sql"
	"embed"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Store wraps a SQLite database holding the download and generation ledger.
type Store struct {
	db *sql.DB
}

// Open opens (or creates) a SQLite database in dataDir and runs pending migrations.
// Pass ":memory:" as dataDir for an in-memory database (used by tests).
func Open(dataDir string) (*Store, error) {
	var dsn string
	if dataDir == ":memory:" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(dataDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating data directory: %w", err)
		}
		dsn = filepath.Join(dataDir, "llamactl.db")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	// Limit to single connection to avoid "database is locked" errors.
	db.SetMaxOpenConns(1)

	// Set busy timeout so concurrent access waits briefly instead of failing immediately.
	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting busy timeout: %w", err)
	}

	// Enable WAL mode for better concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("setting journal mode: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}

	return s, nil
}

// Close closes the underlying database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// migrate reads embedded SQL migration files and applies any that haven't been run yet.
func (s *Store) migrate() error {
	// Ensure schema_version table exists (bootstrap).
	if _, err := s.db.Exec(`CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("creating schema_version table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("reading migrations directory: %w", err)
	}

	// Sort by filename to guarantee ascending order.
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		version, err := parseMigrationVersion(entry.Name())
		if err != nil {
			return err
		}

		// Check if already applied.
		var exists int
		if err := s.db.QueryRow("SELECT COUNT(*) FROM schema_version WHERE version = ?", version).Scan(&exists); err != nil {
			return fmt.Errorf("checking migration %d: %w", version, err)
		}
		if exists > 0 {
			continue
		}

		content, err := migrationsFS.ReadFile("migrations/" + entry.Name())
		if err != nil {
			return fmt.Errorf("reading migration %s: %w", entry.Name(), err)
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("beginning transaction for migration %d: %w", version, err)
		}

		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("applying migration %d: %w", version, err)
		}

		if _, err := tx.Exec("INSERT INTO schema_version (version) VALUES (?)", version); err != nil {
			tx.Rollback()
			return fmt.Errorf("recording migration %d: %w", version, err)
		}

		if err := tx.Commit(); err != nil {
			return fmt.Errorf("committing migration %d: %w", version, err)
		}
	}

	return nil
}

func parseMigrationVersion(filename string) (int, error) {
	var version int
	if _, err := fmt.Sscanf(filename, "%d_", &version); err != nil {
		return 0, fmt.Errorf("parsing migration version from %q: %w", filename, err)
	}
	return version, nil
}

// AppliedMigrations returns the list of applied migration versions in ascending order.
func (s *Store) AppliedMigrations() ([]int, error) {
	rows, err := s.db.Query("SELECT version FROM schema_version ORDER BY version ASC")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var versions []int
	for rows.Next() {
		var v int
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		versions = append(versions, v)
	}
	return versions, rows.Err()
}

// --- Downloads ---

// SaveDownload records one download attempt.
func (s *Store) SaveDownload(d Download) error {
	_, err := s.db.Exec(`
		INSERT INTO downloads (id, started_at, artifact, source_url, seconds, bytes, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.StartedAt.UTC().Format(timeLayout), d.Artifact, d.SourceURL,
		d.Seconds, d.Bytes, d.Status, d.Error,
	)
	return err
}

// RecentDownloads returns up to limit attempts, newest first.
func (s *Store) RecentDownloads(limit int) ([]Download, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, artifact, source_url, seconds, bytes, status, error
		FROM downloads ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Download
	for rows.Next() {
		var d Download
		var startedAt string
		if err := rows.Scan(&d.ID, &startedAt, &d.Artifact, &d.SourceURL, &d.Seconds, &d.Bytes, &d.Status, &d.Error); err != nil {
			return nil, err
		}
		if d.StartedAt, err = parseTime(startedAt); err != nil {
			return nil, err
		}
		results = append(results, d)
	}
	return results, rows.Err()
}

// --- Generations ---

// SaveGeneration records one completion.
func (s *Store) SaveGeneration(g Generation) error {
	_, err := s.db.Exec(`
		INSERT INTO generations (id, started_at, artifact, warmup_seconds, generation_seconds, tokens_per_second, tokens, output_chars, status, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		g.ID, g.StartedAt.UTC().Format(timeLayout), g.Artifact, g.WarmupSeconds,
		g.GenerationSeconds, g.TokensPerSecond, g.Tokens, g.OutputChars, g.Status, g.Error,
	)
	return err
}

// GetGeneration returns the generation with the given ID.
func (s *Store) GetGeneration(id string) (Generation, error) {
	row := s.db.QueryRow(`
		SELECT id, started_at, artifact, warmup_seconds, generation_seconds, tokens_per_second, tokens, output_chars, status, error
		FROM generations WHERE id = ?`, id,
	)
	g, err := scanGeneration(row)
	if err == sql.ErrNoRows {
		return Generation{}, ErrNotFound
	}
	return g, err
}

// RecentGenerations returns up to limit generations, newest first.
func (s *Store) RecentGenerations(limit int) ([]Generation, error) {
	rows, err := s.db.Query(`
		SELECT id, started_at, artifact, warmup_seconds, generation_seconds, tokens_per_second, tokens, output_chars, status, error
		FROM generations ORDER BY started_at DESC LIMIT ?`, limit,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []Generation
	for rows.Next() {
		g, err := scanGeneration(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, g)
	}
	return results, rows.Err()
}

// Stats returns per-artifact averages over completed generations, ordered by
// artifact name.
func (s *Store) Stats() ([]GenerationStats, error) {
	rows, err := s.db.Query(`
		SELECT artifact, COUNT(*), AVG(tokens_per_second), AVG(warmup_seconds)
		FROM generations WHERE status = ?
		GROUP BY artifact ORDER BY artifact ASC`, StatusCompleted,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []GenerationStats
	for rows.Next() {
		var st GenerationStats
		if err := rows.Scan(&st.Artifact, &st.Runs, &st.MeanTokensPerSec, &st.MeanWarmupSeconds); err != nil {
			return nil, err
		}
		results = append(results, st)
	}
	return results, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanGeneration(sc scanner) (Generation, error) {
	var g Generation
	var startedAt string
	if err := sc.Scan(&g.ID, &startedAt, &g.Artifact, &g.WarmupSeconds, &g.GenerationSeconds,
		&g.TokensPerSecond, &g.Tokens, &g.OutputChars, &g.Status, &g.Error); err != nil {
		return Generation{}, err
	}
	t, err := parseTime(startedAt)
	if err != nil {
		return Generation{}, err
	}
	g.StartedAt = t
	return g, nil
}

// timeLayout has a fixed-width fraction so stored timestamps sort as text.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing started_at: %w", err)
	}
	return t, nil
}
