package pathcache

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/shotgunsoftware/tk-core-sub000/internal/shotgun"
)

// SyncItem describes one association added to the local cache by a
// synchronization pass.
type SyncItem struct {
	Entity shotgun.Entity
	Path   string
}

// filesystemLocationFields are the remote fields the synchronizer reads.
var filesystemLocationFields = []string{"id", "entity", "path_cache", "storage", "primary_entity"}

// folderEventTypes filters the remote event log down to the events that
// concern folder creation and deletion.
var folderEventTypes = []any{shotgun.EventFoldersCreate, shotgun.EventFoldersDelete}

// Synchronize reconciles the local cache against the remote record of
// path↔entity associations, using the remote event log as the change
// detector.
//
// Local rows that have never been pushed upstream are uploaded first.
// Then one strategy is chosen:
//
//   - no local watermark, forceFull, a pruned event chain, or any remote
//     deletion event since the watermark: full sync — discard all local
//     rows and rebuild from the complete remote mapping. Deletions are
//     never applied incrementally; the local store cannot tell which of
//     its rows a remote deletion covers without re-fetching anyway.
//   - only creation events since the watermark: incremental sync — fetch
//     just the newly created rows and add them.
//   - watermark already at the head of the event log: nothing to do.
//
// Synchronization is all-or-nothing: any remote failure aborts the local
// transaction and surfaces as a hard error, and the caller retries the
// whole pass.
func (c *Cache) Synchronize(ctx context.Context, forceFull bool) ([]SyncItem, error) {
	if c.client == nil {
		return nil, errors.New("cannot synchronize: no tracking client configured")
	}

	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin sync transaction: %w", err)
	}
	defer tx.Rollback()

	if err := c.uploadPending(ctx, tx); err != nil {
		return nil, err
	}

	watermark, haveWatermark, err := watermarkTx(tx)
	if err != nil {
		return nil, err
	}

	var items []SyncItem
	if forceFull || !haveWatermark {
		items, err = c.fullSync(ctx, tx)
	} else {
		items, err = c.incrementalSync(ctx, tx, watermark)
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit sync: %w", err)
	}
	return items, nil
}

func watermarkTx(tx *sql.Tx) (int64, bool, error) {
	var id int64
	err := tx.QueryRow("SELECT last_id FROM event_log_sync").Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read watermark: %w", err)
	}
	return id, true, nil
}

// uploadPending pushes local rows that have never been sent upstream as a
// single atomic batch create, records the returned remote ids, and writes
// one summary event-log record that later incremental syncs (on this and
// other machines) will pick up. The local bookkeeping lives in the same
// transaction as the rest of the sync pass; a failed remote call rolls
// everything back.
//
// The watermark is deliberately not advanced here: the strategy selection
// that follows will consume the summary event through the normal path,
// which also keeps events other machines pushed in the meantime from
// being skipped.
func (c *Cache) uploadPending(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, `
		SELECT pc.id, pc.entity_type, pc.entity_id, pc.entity_name, pc.root, pc.path, pc.primary_entity
		FROM path_cache pc
		LEFT JOIN shotgun_status ss ON ss.path_cache_id = pc.id
		WHERE ss.path_cache_id IS NULL
	`)
	if err != nil {
		return fmt.Errorf("failed to find unpushed rows: %w", err)
	}

	type pendingRow struct {
		id      int64
		entity  shotgun.Entity
		rp      RootPath
		primary bool
	}
	var pending []pendingRow
	for rows.Next() {
		var (
			p       pendingRow
			primary int
		)
		if err := rows.Scan(&p.id, &p.entity.Type, &p.entity.ID, &p.entity.Name, &p.rp.Root, &p.rp.Relative, &primary); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan unpushed row: %w", err)
		}
		p.primary = primary != 0
		pending = append(pending, p)
	}
	if err := rows.Close(); err != nil {
		return fmt.Errorf("error reading unpushed rows: %w", err)
	}
	if len(pending) == 0 {
		return nil
	}

	c.logger.Printf("Uploading %d local folder entries", len(pending))

	requests := make([]shotgun.BatchRequest, 0, len(pending))
	for _, p := range pending {
		requests = append(requests, shotgun.BatchRequest{
			RequestType: "create",
			EntityType:  shotgun.EntityFilesystemLocation,
			Data: map[string]any{
				"entity": map[string]any{
					"type": p.entity.Type,
					"id":   p.entity.ID,
					"name": p.entity.Name,
				},
				"path_cache":     p.rp.Relative,
				"storage":        p.rp.Root,
				"primary_entity": p.primary,
			},
		})
	}

	created, err := c.client.Batch(ctx, requests)
	if err != nil {
		return fmt.Errorf("failed to upload folder entries: %w", err)
	}
	if len(created) != len(pending) {
		return fmt.Errorf("upload returned %d records for %d rows", len(created), len(pending))
	}

	remoteIDs := make([]int, 0, len(created))
	for _, record := range created {
		remoteIDs = append(remoteIDs, shotgun.IntField(record, "id"))
	}

	if _, err := c.client.Create(ctx, shotgun.EntityEventLogEntry, map[string]any{
		"event_type":  shotgun.EventFoldersCreate,
		"description": fmt.Sprintf("Toolkit registered %d folders", len(pending)),
		"meta":        map[string]any{"sg_folder_ids": remoteIDs},
	}); err != nil {
		return fmt.Errorf("failed to record folder creation event: %w", err)
	}

	for i, p := range pending {
		if _, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO shotgun_status (path_cache_id, shotgun_id) VALUES (?, ?)
		`, p.id, remoteIDs[i]); err != nil {
			return fmt.Errorf("failed to record remote id for row %d: %w", p.id, err)
		}
	}
	return nil
}

// incrementalSync applies creation events past the watermark, falling back
// to a full sync when the event chain cannot be trusted or deletions are
// present.
func (c *Cache) incrementalSync(ctx context.Context, tx *sql.Tx, watermark int64) ([]SyncItem, error) {
	// The watermark event itself must still exist remotely; if the log
	// has been pruned past it, the chain is broken and incremental
	// replay would miss changes.
	anchor, err := c.client.FindOne(ctx, shotgun.EntityEventLogEntry,
		[]shotgun.Filter{{Field: "id", Relation: "is", Value: watermark}},
		[]string{"id"}, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to verify event chain: %w", err)
	}
	if anchor == nil {
		c.logger.Printf("Event %d no longer exists remotely, falling back to full sync", watermark)
		return c.fullSync(ctx, tx)
	}

	events, err := c.client.Find(ctx, shotgun.EntityEventLogEntry,
		[]shotgun.Filter{
			{Field: "id", Relation: "greater_than", Value: watermark},
			{Field: "event_type", Relation: "in", Value: folderEventTypes},
		},
		[]string{"id", "event_type", "meta"},
		[]shotgun.Order{{Field: "id", Direction: "asc"}})
	if err != nil {
		return nil, fmt.Errorf("failed to fetch event log: %w", err)
	}
	if len(events) == 0 {
		c.logger.Printf("Local cache is up to date (watermark %d)", watermark)
		return nil, nil
	}

	var folderIDs []int
	highest := watermark
	for _, event := range events {
		if id := int64(shotgun.IntField(event, "id")); id > highest {
			highest = id
		}
		switch shotgun.StringField(event, "event_type") {
		case shotgun.EventFoldersDelete:
			// No generic way to tell which local rows a remote deletion
			// covers; rebuild instead.
			c.logger.Printf("Deletion events present since watermark %d, falling back to full sync", watermark)
			return c.fullSync(ctx, tx)
		case shotgun.EventFoldersCreate:
			folderIDs = append(folderIDs, folderIDsFromEvent(event)...)
		}
	}

	var items []SyncItem
	if len(folderIDs) > 0 {
		idValues := make([]any, 0, len(folderIDs))
		for _, id := range folderIDs {
			idValues = append(idValues, id)
		}
		records, err := c.client.Find(ctx, shotgun.EntityFilesystemLocation,
			[]shotgun.Filter{{Field: "id", Relation: "in", Value: idValues}},
			filesystemLocationFields, nil)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch new folder entries: %w", err)
		}
		for _, record := range records {
			item, err := c.importRecordTx(ctx, tx, record)
			if err != nil {
				return nil, err
			}
			if item != nil {
				items = append(items, *item)
			}
		}
	}

	if err := setWatermarkTx(tx, highest); err != nil {
		return nil, err
	}
	c.logger.Printf("Incremental sync applied %d entries, watermark %d -> %d", len(items), watermark, highest)
	return items, nil
}

// fullSync rebuilds the local cache from the complete remote mapping and
// records the current head of the event log as the new watermark.
func (c *Cache) fullSync(ctx context.Context, tx *sql.Tx) ([]SyncItem, error) {
	// Capture the head of the event log before downloading, so anything
	// created during the download is replayed by the next sync rather
	// than silently skipped.
	head, err := c.client.FindOne(ctx, shotgun.EntityEventLogEntry,
		[]shotgun.Filter{{Field: "event_type", Relation: "in", Value: folderEventTypes}},
		[]string{"id"},
		[]shotgun.Order{{Field: "id", Direction: "desc"}})
	if err != nil {
		return nil, fmt.Errorf("failed to read event log head: %w", err)
	}

	records, err := c.client.Find(ctx, shotgun.EntityFilesystemLocation,
		nil, filesystemLocationFields, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to download folder entries: %w", err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM path_cache"); err != nil {
		return nil, fmt.Errorf("failed to clear path cache: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM shotgun_status"); err != nil {
		return nil, fmt.Errorf("failed to clear sync status: %w", err)
	}

	var items []SyncItem
	for i, record := range records {
		item, err := c.importRecordTx(ctx, tx, record)
		if err != nil {
			return nil, err
		}
		if item != nil {
			items = append(items, *item)
		}
		if c.Progress != nil {
			c.Progress(i+1, len(records))
		}
	}

	if head != nil {
		if err := setWatermarkTx(tx, int64(shotgun.IntField(head, "id"))); err != nil {
			return nil, err
		}
		c.logger.Printf("Full sync rebuilt %d entries, watermark %d", len(items), shotgun.IntField(head, "id"))
	} else {
		// No folder events exist yet; leave the store unmarked so the
		// next pass resyncs once a first event appears.
		if _, err := tx.ExecContext(ctx, "DELETE FROM event_log_sync"); err != nil {
			return nil, fmt.Errorf("failed to clear watermark: %w", err)
		}
		c.logger.Printf("Full sync rebuilt %d entries, no remote events yet", len(items))
	}
	return items, nil
}

// importRecordTx inserts one remote FilesystemLocation record into the
// local cache, reusing an existing identical row if present.
func (c *Cache) importRecordTx(ctx context.Context, tx *sql.Tx, record map[string]any) (*SyncItem, error) {
	remoteID := shotgun.IntField(record, "id")
	entity := shotgun.EntityField(record, "entity")
	rp := RootPath{
		Root:     shotgun.StringField(record, "storage"),
		Relative: shotgun.StringField(record, "path_cache"),
	}
	primary := shotgun.BoolField(record, "primary_entity")

	if entity.Type == "" || rp.Root == "" || rp.Relative == "" {
		c.logger.Printf("Skipping malformed remote folder entry %d", remoteID)
		return nil, nil
	}

	var localID int64
	err := tx.QueryRowContext(ctx, `
		SELECT id FROM path_cache
		WHERE entity_type = ? AND entity_id = ? AND root = ?
		  AND lower(path) = lower(?) AND primary_entity = ?
	`, entity.Type, entity.ID, rp.Root, rp.Relative, boolToInt(primary)).Scan(&localID)
	if errors.Is(err, sql.ErrNoRows) {
		res, err := tx.ExecContext(ctx, `
			INSERT INTO path_cache (entity_type, entity_id, entity_name, root, path, primary_entity)
			VALUES (?, ?, ?, ?, ?, ?)
		`, entity.Type, entity.ID, entity.Name, rp.Root, rp.Relative, boolToInt(primary))
		if err != nil {
			return nil, fmt.Errorf("failed to insert synced row: %w", err)
		}
		localID, err = res.LastInsertId()
		if err != nil {
			return nil, fmt.Errorf("failed to read synced row id: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("failed to check for existing row: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT OR REPLACE INTO shotgun_status (path_cache_id, shotgun_id) VALUES (?, ?)
	`, localID, remoteID); err != nil {
		return nil, fmt.Errorf("failed to record remote id: %w", err)
	}

	abs, err := c.joinPath(rp)
	if err != nil {
		abs = rp.String()
	}
	return &SyncItem{Entity: entity, Path: abs}, nil
}

// folderIDsFromEvent pulls the created folder ids out of an event's meta
// payload. JSON decoding hands numbers back as float64.
func folderIDsFromEvent(event map[string]any) []int {
	meta, ok := event["meta"].(map[string]any)
	if !ok {
		return nil
	}
	raw, ok := meta["sg_folder_ids"].([]any)
	if !ok {
		return nil
	}
	ids := make([]int, 0, len(raw))
	for _, v := range raw {
		switch n := v.(type) {
		case float64:
			ids = append(ids, int(n))
		case int:
			ids = append(ids, n)
		case int64:
			ids = append(ids, int(n))
		}
	}
	return ids
}
