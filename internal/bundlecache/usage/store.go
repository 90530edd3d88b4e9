// Package usage provides the embedded record store that tracks when cached
// bundle packages are accessed.
//
// The store is a single-table SQLite database (bundle_usage.sqlite3) kept at
// the top of the bundle cache root. One row per bundle, keyed by the
// bundle's path relative to the cache root, holding when the bundle was
// first seen, when it was last used and how many times it has been used.
//
// The store itself is synchronous and not safe for cross-goroutine
// connection sharing; callers that need concurrent access go through the
// tracker package, which confines a store instance to a single worker
// goroutine.
package usage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// DatabaseFileName is the name of the usage database inside the bundle
// cache root.
const DatabaseFileName = "bundle_usage.sqlite3"

// TimestampOverrideEnvVar, when set to an integer unix time, replaces the
// wall clock as the store's time source. Used to test time-based eviction
// deterministically.
const TimestampOverrideEnvVar = "SHOTGUN_BUNDLE_CACHE_USAGE_TIMESTAMP_OVERRIDE"

// ErrInvalidRoot is returned by Open when the supplied bundle cache root
// does not exist or is not a directory.
var ErrInvalidRoot = errors.New("bundle cache root is not a valid directory")

// Entry is one tracked bundle.
type Entry struct {
	// Path is the bundle's location relative to the cache root, with
	// forward slashes.
	Path string

	// AddTimestamp is the unix time the bundle was first observed.
	AddTimestamp int64

	// LastUsageTimestamp is the unix time of the most recent access.
	LastUsageTimestamp int64

	// UsageCount is the number of logged accesses. Zero means the bundle
	// is known but has never been actively used.
	UsageCount int
}

// Store is the bundle usage database. It must be closed after use to
// release its connection; only one goroutine may use a Store at a time.
type Store struct {
	conn *sql.DB
	root string
}

// Open opens (creating if necessary) the usage database inside the given
// bundle cache root.
//
// Returns an error wrapping ErrInvalidRoot if the root does not exist or
// is not a directory.
func Open(bundleCacheRoot string) (*Store, error) {
	info, err := os.Stat(bundleCacheRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", ErrInvalidRoot, bundleCacheRoot)
	}

	absRoot, err := filepath.Abs(bundleCacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle cache root: %w", err)
	}

	dbPath := filepath.Join(absRoot, DatabaseFileName)
	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", dbPath))
	if err != nil {
		return nil, fmt.Errorf("failed to open usage database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping usage database: %w", err)
	}

	// The tracker confines each store to one goroutine; a single
	// connection keeps SQLite happy about that.
	conn.SetMaxOpenConns(1)

	s := &Store{conn: conn, root: absRoot}

	if _, err := s.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := s.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := s.initSchema(); err != nil {
		_ = s.Close()
		return nil, err
	}

	return s, nil
}

// Root returns the absolute bundle cache root this store tracks.
func (s *Store) Root() string {
	return s.root
}

// Close closes the database connection. Safe to call more than once.
func (s *Store) Close() error {
	if s.conn == nil {
		return nil
	}
	if err := s.conn.Close(); err != nil {
		return fmt.Errorf("failed to close usage database: %w", err)
	}
	s.conn = nil
	return nil
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS bundles (
		path TEXT PRIMARY KEY,
		add_timestamp INTEGER NOT NULL,
		last_usage_timestamp INTEGER NOT NULL,
		usage_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE INDEX IF NOT EXISTS idx_bundles_last_usage
	    ON bundles(last_usage_timestamp);
	`
	if _, err := s.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize usage schema: %w", err)
	}
	return nil
}

// now returns the store's current time, honoring the test override.
func (s *Store) now() int64 {
	if raw := os.Getenv(TimestampOverrideEnvVar); raw != "" {
		if ts, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return ts
		}
	}
	return time.Now().Unix()
}

// truncatePath converts an absolute bundle path to its cache-root-relative
// form with forward slashes. Returns "" when the path does not fall under
// the tracked root.
func (s *Store) truncatePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return ""
	}

	root := filepath.ToSlash(s.root)
	candidate := filepath.ToSlash(abs)

	// Case-insensitive prefix match, case-preserving result. Storage
	// roots on Windows and macOS are routinely case-folded by tools.
	if len(candidate) <= len(root) || !strings.EqualFold(candidate[:len(root)], root) {
		return ""
	}
	rel := strings.TrimLeft(candidate[len(root):], "/")
	if rel == "" {
		return ""
	}
	return rel
}

// LogUsage records one access of the bundle at the given absolute path.
//
// First access inserts a row with usage_count 1; later accesses increment
// the count and refresh the last-usage timestamp. Paths outside the cache
// root are ignored without error, since callers probe arbitrary locations.
func (s *Store) LogUsage(path string) error {
	return s.LogUsageContext(context.Background(), path)
}

// LogUsageContext records one access with context support.
func (s *Store) LogUsageContext(ctx context.Context, path string) error {
	rel := s.truncatePath(path)
	if rel == "" {
		return nil
	}

	now := s.now()
	query := `
	INSERT INTO bundles (path, add_timestamp, last_usage_timestamp, usage_count)
	VALUES (?, ?, ?, 1)
	ON CONFLICT(path) DO UPDATE SET
		usage_count = usage_count + 1,
		last_usage_timestamp = excluded.last_usage_timestamp
	`
	if _, err := s.conn.ExecContext(ctx, query, rel, now, now); err != nil {
		return fmt.Errorf("failed to log usage for %s: %w", rel, err)
	}
	return nil
}

// AddUnusedBundle registers a bundle discovered on disk without implying it
// has been used: the row is seeded with usage_count 0. No-ops if the
// bundle is already tracked or lies outside the cache root.
func (s *Store) AddUnusedBundle(path string) error {
	return s.AddUnusedBundleContext(context.Background(), path)
}

// AddUnusedBundleContext registers an unused bundle with context support.
func (s *Store) AddUnusedBundleContext(ctx context.Context, path string) error {
	rel := s.truncatePath(path)
	if rel == "" {
		return nil
	}

	now := s.now()
	query := `
	INSERT INTO bundles (path, add_timestamp, last_usage_timestamp, usage_count)
	VALUES (?, ?, ?, 0)
	ON CONFLICT(path) DO NOTHING
	`
	if _, err := s.conn.ExecContext(ctx, query, rel, now, now); err != nil {
		return fmt.Errorf("failed to add unused bundle %s: %w", rel, err)
	}
	return nil
}

// GetBundle returns the entry for the bundle at the given absolute path,
// or nil if the bundle is not tracked or lies outside the cache root.
func (s *Store) GetBundle(path string) (*Entry, error) {
	rel := s.truncatePath(path)
	if rel == "" {
		return nil, nil
	}

	var e Entry
	query := `
	SELECT path, add_timestamp, last_usage_timestamp, usage_count
	FROM bundles WHERE path = ?
	`
	err := s.conn.QueryRow(query, rel).Scan(&e.Path, &e.AddTimestamp, &e.LastUsageTimestamp, &e.UsageCount)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query bundle %s: %w", rel, err)
	}
	return &e, nil
}

// GetBundleCount returns the number of tracked bundles.
func (s *Store) GetBundleCount() (int, error) {
	var count int
	if err := s.conn.QueryRow("SELECT COUNT(*) FROM bundles").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count bundles: %w", err)
	}
	return count, nil
}

// GetUnusedBundles returns every entry whose last usage is at or before
// the given unix time. This is the query eviction policies are built on;
// the store itself never expires entries.
func (s *Store) GetUnusedBundles(sinceTimestamp int64) ([]*Entry, error) {
	query := `
	SELECT path, add_timestamp, last_usage_timestamp, usage_count
	FROM bundles
	WHERE last_usage_timestamp <= ?
	ORDER BY last_usage_timestamp ASC
	`
	rows, err := s.conn.Query(query, sinceTimestamp)
	if err != nil {
		return nil, fmt.Errorf("failed to query unused bundles: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Path, &e.AddTimestamp, &e.LastUsageTimestamp, &e.UsageCount); err != nil {
			return nil, fmt.Errorf("failed to scan bundle entry: %w", err)
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bundle entries: %w", err)
	}
	return entries, nil
}

// DeleteEntry removes an entry, typically after the bundle has been
// evicted from disk. Idempotent.
func (s *Store) DeleteEntry(entry *Entry) error {
	if _, err := s.conn.Exec("DELETE FROM bundles WHERE path = ?", entry.Path); err != nil {
		return fmt.Errorf("failed to delete entry %s: %w", entry.Path, err)
	}
	return nil
}
