// Package pathcache maintains the bidirectional mapping between on-disk
// folder paths and tracking-system entities for one pipeline
// configuration.
//
// # Architecture
//
// The cache is a local SQLite database with three tables:
//
//   - path_cache: one row per (entity, root, relative path, primary) tuple
//   - shotgun_status: which local rows exist upstream, and under what id
//   - event_log_sync: the last remote event-log id applied locally
//
// Paths are stored relative to a symbolic storage root ("primary", ...)
// so the same cache serves machines on different operating systems. Roots
// are matched case-insensitively, and the stored relative path preserves
// the caller's case.
//
// # Invariants
//
// For primary associations, a (root, path) pair maps to at most one
// entity identity. Violations are rejected up front with a ConflictError
// carrying remediation instructions, never resolved silently. Exact
// duplicate rows are collapsed by AddMapping's idempotent insert.
//
// # Synchronization
//
// The remote system keeps an append-only event log of folder creations
// and deletions. Synchronize uses it to choose between a cheap
// incremental catch-up and a full rebuild; see Synchronize for the
// decision table. Remote failures abort the pass wholesale: the local
// transaction rolls back and the caller retries the entire sync.
//
// # Usage
//
//	cache, err := pathcache.Open(cfg.PathCacheFile(), cfg.Roots, client, nil)
//	if err != nil {
//	    return err
//	}
//	defer cache.Close()
//
//	if _, err := cache.Synchronize(ctx, false); err != nil {
//	    return err
//	}
//
//	entity, err := cache.GetEntity("/mnt/projects/hero/shots/sh010")
package pathcache
