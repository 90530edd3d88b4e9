package pathcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/shotgunsoftware/tk-core-sub000/internal/config"
	"github.com/shotgunsoftware/tk-core-sub000/internal/shotgun"
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// RootPath is a typed storage-root-relative path: the symbolic root name
// plus a forward-slash relative path below it. Splitting an absolute path
// into a RootPath matches roots case-insensitively but preserves the
// input's case in Relative.
type RootPath struct {
	Root     string
	Relative string
}

func (rp RootPath) String() string {
	return rp.Root + ":" + rp.Relative
}

// Entry is one path↔entity association held by the cache.
type Entry struct {
	ID      int64
	Entity  shotgun.Entity
	Root    string
	Path    string // absolute path, reconstructed from the root mapping
	Primary bool
}

// Cache is the local path↔entity mapping database for one pipeline
// configuration.
//
// The connection is owned by whichever goroutine opened the cache and
// must be released with Close before another consumer reopens the same
// file; the underlying engine serializes writers.
type Cache struct {
	conn   *sql.DB
	path   string
	roots  config.StorageRoots
	client shotgun.Client
	logger *log.Logger

	// Progress, when set, receives (done, total) during the re-download
	// phase of a full sync.
	Progress func(done, total int)
}

// Open opens (creating if necessary) the path cache database at the given
// file path. The client may be nil for purely local use; Synchronize and
// Unregister of remotely-known rows require it.
func Open(path string, roots config.StorageRoots, client shotgun.Client, logger *log.Logger) (*Cache, error) {
	if logger == nil {
		logger = log.New(os.Stderr, "[pathcache] ", log.LstdFlags)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create cache directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open path cache: %w", err)
	}
	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping path cache: %w", err)
	}

	c := &Cache{
		conn:   conn,
		path:   path,
		roots:  roots,
		client: client,
		logger: logger,
	}

	if _, err := c.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}
	if _, err := c.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if err := c.initSchema(); err != nil {
		_ = c.Close()
		return nil, err
	}

	return c, nil
}

// Close closes the database connection. Safe to call more than once.
func (c *Cache) Close() error {
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("failed to close path cache: %w", err)
	}
	c.conn = nil
	return nil
}

func (c *Cache) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS path_cache (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		entity_type TEXT NOT NULL,
		entity_id INTEGER NOT NULL,
		entity_name TEXT NOT NULL,
		root TEXT NOT NULL,
		path TEXT NOT NULL,
		primary_entity INTEGER NOT NULL
	);

	-- Watermark: the last remote event-log id applied locally. At most
	-- one row.
	CREATE TABLE IF NOT EXISTS event_log_sync (
		last_id INTEGER NOT NULL
	);

	-- Which local rows have been pushed upstream, and under what remote
	-- identifier.
	CREATE TABLE IF NOT EXISTS shotgun_status (
		path_cache_id INTEGER PRIMARY KEY,
		shotgun_id INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_path_cache_path
	    ON path_cache(root, path);
	CREATE INDEX IF NOT EXISTS idx_path_cache_entity
	    ON path_cache(entity_type, entity_id);
	`
	if _, err := c.conn.Exec(schema); err != nil {
		return fmt.Errorf("failed to initialize path cache schema: %w", err)
	}
	return nil
}

// splitPath resolves an absolute path into a RootPath by finding the
// configured storage root that is a prefix of it. The longest matching
// root wins when roots nest. Returns ok=false for paths outside every
// root; callers routinely probe arbitrary paths, so this is not an error.
func (c *Cache) splitPath(path string) (RootPath, bool) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return RootPath{}, false
	}
	candidate := filepath.ToSlash(abs)

	best := RootPath{}
	bestLen := -1
	for name, root := range c.roots {
		rootPath := root.CurrentPath()
		if rootPath == "" {
			continue
		}
		prefix := strings.TrimRight(filepath.ToSlash(rootPath), "/")
		if len(candidate) < len(prefix) || !strings.EqualFold(candidate[:len(prefix)], prefix) {
			continue
		}
		rest := candidate[len(prefix):]
		if rest != "" && !strings.HasPrefix(rest, "/") {
			continue
		}
		if len(prefix) > bestLen {
			bestLen = len(prefix)
			best = RootPath{Root: name, Relative: strings.TrimLeft(rest, "/")}
		}
	}
	return best, bestLen >= 0
}

// joinPath reconstructs an absolute, OS-native path from a RootPath.
func (c *Cache) joinPath(rp RootPath) (string, error) {
	root, ok := c.roots[rp.Root]
	if !ok || root.CurrentPath() == "" {
		return "", fmt.Errorf("storage root %q is not configured on this platform", rp.Root)
	}
	return filepath.Join(root.CurrentPath(), filepath.FromSlash(rp.Relative)), nil
}

// GetEntity returns the primary entity associated with the given absolute
// path, or nil if the path lies outside all storage roots or has no
// registered primary association. Both are soft not-found results, not
// errors.
func (c *Cache) GetEntity(path string) (*shotgun.Entity, error) {
	rp, ok := c.splitPath(path)
	if !ok {
		return nil, nil
	}

	var e shotgun.Entity
	query := `
	SELECT entity_type, entity_id, entity_name
	FROM path_cache
	WHERE root = ? AND lower(path) = lower(?) AND primary_entity = 1
	`
	err := c.conn.QueryRow(query, rp.Root, rp.Relative).Scan(&e.Type, &e.ID, &e.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to look up entity for %s: %w", rp, err)
	}
	return &e, nil
}

// GetPaths returns all absolute filesystem paths associated with an
// entity. With primaryOnly set, secondary associations are skipped.
// Rows under roots not configured on this platform are omitted.
func (c *Cache) GetPaths(entityType string, entityID int, primaryOnly bool) ([]string, error) {
	query := `
	SELECT root, path FROM path_cache
	WHERE entity_type = ? AND entity_id = ?
	`
	if primaryOnly {
		query += " AND primary_entity = 1"
	}

	rows, err := c.conn.Query(query, entityType, entityID)
	if err != nil {
		return nil, fmt.Errorf("failed to query paths for %s %d: %w", entityType, entityID, err)
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var rp RootPath
		if err := rows.Scan(&rp.Root, &rp.Relative); err != nil {
			return nil, fmt.Errorf("failed to scan path row: %w", err)
		}
		abs, err := c.joinPath(rp)
		if err != nil {
			c.logger.Printf("Skipping %s: %v", rp, err)
			continue
		}
		paths = append(paths, abs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating path rows: %w", err)
	}
	return paths, nil
}

// ValidateMapping checks whether registering path→entity would violate
// the cache's invariants, without modifying anything. For primary
// mappings it rejects:
//
//  1. A path whose primary association already belongs to a different
//     entity identity (type+id; the name may change freely on rename).
//  2. An entity that already owns a sibling folder in the same parent
//     directory under a different leaf name. This guards against silently
//     creating a duplicate folder after an entity rename.
//
// Secondary mappings are never conflicting. The sibling scan is O(n) in
// the entity's registered paths; inserts are rare enough that no index is
// kept for it.
func (c *Cache) ValidateMapping(path string, entity shotgun.Entity, isPrimary bool) error {
	if !isPrimary {
		return nil
	}
	rp, ok := c.splitPath(path)
	if !ok {
		return fmt.Errorf("the path %q does not fall under any configured storage root", path)
	}

	tx, err := c.conn.Begin()
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	return c.validatePrimaryTx(tx, path, rp, entity)
}

// validatePrimaryTx runs both primary-mapping invariant checks inside the
// supplied transaction.
func (c *Cache) validatePrimaryTx(tx *sql.Tx, absPath string, rp RootPath, entity shotgun.Entity) error {
	// Check 1: another entity already primary at this exact path.
	var existing shotgun.Entity
	err := tx.QueryRow(`
		SELECT entity_type, entity_id, entity_name
		FROM path_cache
		WHERE root = ? AND lower(path) = lower(?) AND primary_entity = 1
	`, rp.Root, rp.Relative).Scan(&existing.Type, &existing.ID, &existing.Name)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to check primary mapping: %w", err)
	}
	if err == nil && (existing.Type != entity.Type || existing.ID != entity.ID) {
		return &ConflictError{Path: absPath, Attempted: entity, Existing: existing}
	}

	// Check 2: the same entity already owns a sibling under a different
	// leaf name.
	newDir := parentOf(rp.Relative)
	newLeaf := leafOf(rp.Relative)

	rows, err := tx.Query(`
		SELECT path FROM path_cache
		WHERE entity_type = ? AND entity_id = ? AND root = ? AND primary_entity = 1
	`, entity.Type, entity.ID, rp.Root)
	if err != nil {
		return fmt.Errorf("failed to scan entity paths: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var rel string
		if err := rows.Scan(&rel); err != nil {
			return fmt.Errorf("failed to scan entity path: %w", err)
		}
		if strings.EqualFold(parentOf(rel), newDir) && !strings.EqualFold(leafOf(rel), newLeaf) {
			existingAbs, jErr := c.joinPath(RootPath{Root: rp.Root, Relative: rel})
			if jErr != nil {
				existingAbs = RootPath{Root: rp.Root, Relative: rel}.String()
			}
			return &ConflictError{
				Path:         absPath,
				Attempted:    entity,
				Existing:     entity,
				ExistingPath: existingAbs,
			}
		}
	}
	return rows.Err()
}

func parentOf(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[:i]
	}
	return ""
}

func leafOf(rel string) string {
	if i := strings.LastIndex(rel, "/"); i >= 0 {
		return rel[i+1:]
	}
	return rel
}

// AddMapping registers path→entity. The insert is idempotent: if an
// identical (entity, root, path, primary) row already exists, nothing is
// added and added is false. Primary mappings are re-validated inside the
// insert transaction, so a conflicting row that appeared between a
// ValidateMapping call and this one is still caught.
func (c *Cache) AddMapping(path string, entity shotgun.Entity, isPrimary bool) (id int64, added bool, err error) {
	rp, ok := c.splitPath(path)
	if !ok {
		return 0, false, fmt.Errorf("the path %q does not fall under any configured storage root", path)
	}

	tx, err := c.conn.Begin()
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if isPrimary {
		if err := c.validatePrimaryTx(tx, path, rp, entity); err != nil {
			return 0, false, err
		}
	}

	// Exact duplicate: no-op.
	var existingID int64
	err = tx.QueryRow(`
		SELECT id FROM path_cache
		WHERE entity_type = ? AND entity_id = ? AND root = ?
		  AND lower(path) = lower(?) AND primary_entity = ?
	`, entity.Type, entity.ID, rp.Root, rp.Relative, boolToInt(isPrimary)).Scan(&existingID)
	if err == nil {
		return existingID, false, nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return 0, false, fmt.Errorf("failed to check for duplicate mapping: %w", err)
	}

	res, err := tx.Exec(`
		INSERT INTO path_cache (entity_type, entity_id, entity_name, root, path, primary_entity)
		VALUES (?, ?, ?, ?, ?, ?)
	`, entity.Type, entity.ID, entity.Name, rp.Root, rp.Relative, boolToInt(isPrimary))
	if err != nil {
		return 0, false, fmt.Errorf("failed to insert mapping: %w", err)
	}
	id, err = res.LastInsertId()
	if err != nil {
		return 0, false, fmt.Errorf("failed to read inserted row id: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit mapping: %w", err)
	}
	return id, true, nil
}

// escapeLike escapes LIKE metacharacters so a stored path is matched
// literally under ESCAPE '\'. Folder names with underscores are common.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Unregister removes every association whose path equals or nests under
// the given absolute path. Rows that were pushed upstream are retired
// remotely (a batch delete plus a folder-delete event) before the local
// rows are removed; a remote failure leaves the local cache untouched.
// Returns the removed entries.
func (c *Cache) Unregister(ctx context.Context, path string) ([]Entry, error) {
	rp, ok := c.splitPath(path)
	if !ok {
		return nil, fmt.Errorf("the path %q does not fall under any configured storage root", path)
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT pc.id, pc.entity_type, pc.entity_id, pc.entity_name, pc.root, pc.path,
		       pc.primary_entity, ss.shotgun_id
		FROM path_cache pc
		LEFT JOIN shotgun_status ss ON ss.path_cache_id = pc.id
		WHERE pc.root = ?
		  AND (lower(pc.path) = lower(?) OR lower(pc.path) LIKE lower(?) || '/%' ESCAPE '\')
	`, rp.Root, rp.Relative, escapeLike(rp.Relative))
	if err != nil {
		return nil, fmt.Errorf("failed to locate rows under %s: %w", rp, err)
	}

	var (
		entries   []Entry
		localIDs  []int64
		remoteIDs []int
	)
	for rows.Next() {
		var (
			e        Entry
			rel      string
			primary  int
			remoteID sql.NullInt64
		)
		if err := rows.Scan(&e.ID, &e.Entity.Type, &e.Entity.ID, &e.Entity.Name, &e.Root, &rel, &primary, &remoteID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		e.Primary = primary != 0
		if abs, jErr := c.joinPath(RootPath{Root: e.Root, Relative: rel}); jErr == nil {
			e.Path = abs
		} else {
			e.Path = RootPath{Root: e.Root, Relative: rel}.String()
		}
		entries = append(entries, e)
		localIDs = append(localIDs, e.ID)
		if remoteID.Valid {
			remoteIDs = append(remoteIDs, int(remoteID.Int64))
		}
	}
	if err := rows.Close(); err != nil {
		return nil, fmt.Errorf("error reading rows: %w", err)
	}

	if len(entries) == 0 {
		return nil, nil
	}

	// Flag upstream first. A failed remote call must not leave the local
	// cache claiming the folders are gone.
	if len(remoteIDs) > 0 {
		if c.client == nil {
			return nil, fmt.Errorf("cannot unregister %s: rows are known upstream but no tracking client is configured", path)
		}
		requests := make([]shotgun.BatchRequest, 0, len(remoteIDs))
		for _, id := range remoteIDs {
			requests = append(requests, shotgun.BatchRequest{
				RequestType: "delete",
				EntityType:  shotgun.EntityFilesystemLocation,
				EntityID:    id,
			})
		}
		if _, err := c.client.Batch(ctx, requests); err != nil {
			return nil, fmt.Errorf("failed to retire folders upstream: %w", err)
		}
		if _, err := c.client.Create(ctx, shotgun.EntityEventLogEntry, map[string]any{
			"event_type":  shotgun.EventFoldersDelete,
			"description": fmt.Sprintf("Toolkit unregistered %d folders", len(remoteIDs)),
			"meta":        map[string]any{"sg_folder_ids": remoteIDs},
		}); err != nil {
			return nil, fmt.Errorf("failed to record folder deletion event: %w", err)
		}
	}

	for _, id := range localIDs {
		if _, err := tx.ExecContext(ctx, "DELETE FROM path_cache WHERE id = ?", id); err != nil {
			return nil, fmt.Errorf("failed to delete row %d: %w", id, err)
		}
		if _, err := tx.ExecContext(ctx, "DELETE FROM shotgun_status WHERE path_cache_id = ?", id); err != nil {
			return nil, fmt.Errorf("failed to delete sync status for row %d: %w", id, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit unregister: %w", err)
	}

	c.logger.Printf("Unregistered %d rows under %s", len(entries), rp)
	return entries, nil
}

// RowCount returns the number of associations held locally.
func (c *Cache) RowCount() (int, error) {
	var count int
	if err := c.conn.QueryRow("SELECT COUNT(*) FROM path_cache").Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count rows: %w", err)
	}
	return count, nil
}

// Watermark returns the last remote event id applied locally. ok is false
// for a fresh store that has never synchronized.
func (c *Cache) Watermark() (int64, bool, error) {
	var id int64
	err := c.conn.QueryRow("SELECT last_id FROM event_log_sync").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return id, true, nil
}

func setWatermarkTx(tx *sql.Tx, id int64) error {
	if _, err := tx.Exec("DELETE FROM event_log_sync"); err != nil {
		return fmt.Errorf("failed to clear watermark: %w", err)
	}
	if _, err := tx.Exec("INSERT INTO event_log_sync (last_id) VALUES (?)", id); err != nil {
		return fmt.Errorf("failed to store watermark: %w", err)
	}
	return nil
}
