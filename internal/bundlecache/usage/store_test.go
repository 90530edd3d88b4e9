package usage

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

// openTestStore creates a store over a fresh temp bundle cache root.
func openTestStore(t *testing.T) *Store {
	t.Helper()

	root := t.TempDir()
	store, err := Open(root)
	if err != nil {
		t.Fatalf("Open() failed: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func TestOpen_InvalidRoot(t *testing.T) {
	_, err := Open(filepath.Join(t.TempDir(), "does-not-exist"))
	if err == nil {
		t.Fatal("expected error for missing root, got nil")
	}
}

func TestOpen_RootIsFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "not-a-dir")
	writeFile(t, file)

	_, err := Open(file)
	if err == nil {
		t.Fatal("expected error for file root, got nil")
	}
}

func TestOpen_Idempotent(t *testing.T) {
	root := t.TempDir()

	store, err := Open(root)
	if err != nil {
		t.Fatalf("first Open() failed: %v", err)
	}
	if err := store.Close(); err != nil {
		t.Fatalf("Close() failed: %v", err)
	}

	// Reopening the same root must reuse the existing schema.
	store, err = Open(root)
	if err != nil {
		t.Fatalf("second Open() failed: %v", err)
	}
	defer store.Close()
}

func TestLogUsage_InsertThenIncrement(t *testing.T) {
	store := openTestStore(t)
	bundle := filepath.Join(store.Root(), "app_store", "tk-maya", "v1.2.3")

	t.Setenv(TimestampOverrideEnvVar, "1000")
	if err := store.LogUsage(bundle); err != nil {
		t.Fatalf("LogUsage() failed: %v", err)
	}

	entry, err := store.GetBundle(bundle)
	if err != nil {
		t.Fatalf("GetBundle() failed: %v", err)
	}
	if entry == nil {
		t.Fatal("GetBundle() returned nil for tracked bundle")
	}
	if entry.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1", entry.UsageCount)
	}
	if entry.AddTimestamp != 1000 || entry.LastUsageTimestamp != 1000 {
		t.Errorf("timestamps = (%d, %d), want (1000, 1000)", entry.AddTimestamp, entry.LastUsageTimestamp)
	}

	// Second access increments the count and refreshes only the usage
	// timestamp.
	t.Setenv(TimestampOverrideEnvVar, "2000")
	if err := store.LogUsage(bundle); err != nil {
		t.Fatalf("second LogUsage() failed: %v", err)
	}

	entry, err = store.GetBundle(bundle)
	if err != nil {
		t.Fatalf("GetBundle() failed: %v", err)
	}
	if entry.UsageCount != 2 {
		t.Errorf("UsageCount = %d, want 2", entry.UsageCount)
	}
	if entry.AddTimestamp != 1000 {
		t.Errorf("AddTimestamp = %d, want unchanged 1000", entry.AddTimestamp)
	}
	if entry.LastUsageTimestamp != 2000 {
		t.Errorf("LastUsageTimestamp = %d, want 2000", entry.LastUsageTimestamp)
	}
}

func TestLogUsage_OutsideRootIgnored(t *testing.T) {
	store := openTestStore(t)

	outside := filepath.Join(t.TempDir(), "elsewhere", "bundle")
	if err := store.LogUsage(outside); err != nil {
		t.Fatalf("LogUsage() outside root should no-op, got error: %v", err)
	}

	count, err := store.GetBundleCount()
	if err != nil {
		t.Fatalf("GetBundleCount() failed: %v", err)
	}
	if count != 0 {
		t.Errorf("bundle count = %d, want 0", count)
	}

	// The root itself is not a bundle either.
	if err := store.LogUsage(store.Root()); err != nil {
		t.Fatalf("LogUsage(root) should no-op, got error: %v", err)
	}
	if entry, _ := store.GetBundle(store.Root()); entry != nil {
		t.Error("root path should not be tracked")
	}
}

func TestTruncatePath(t *testing.T) {
	store := openTestStore(t)

	bundle := filepath.Join(store.Root(), "app_store", "tk-nuke", "v0.9.1")
	rel := store.truncatePath(bundle)
	if rel != "app_store/tk-nuke/v0.9.1" {
		t.Errorf("truncatePath() = %q, want %q", rel, "app_store/tk-nuke/v0.9.1")
	}

	// Round trip: joining the root back on reconstructs the input.
	joined := filepath.Join(store.Root(), filepath.FromSlash(rel))
	if joined != bundle {
		t.Errorf("round trip = %q, want %q", joined, bundle)
	}

	if rel := store.truncatePath("/no/such/root/bundle"); rel != "" {
		t.Errorf("truncatePath() outside root = %q, want empty", rel)
	}
}

func TestAddUnusedBundle(t *testing.T) {
	store := openTestStore(t)
	bundle := filepath.Join(store.Root(), "app_store", "tk-core", "v2.0.0")

	t.Setenv(TimestampOverrideEnvVar, "500")
	if err := store.AddUnusedBundle(bundle); err != nil {
		t.Fatalf("AddUnusedBundle() failed: %v", err)
	}

	entry, err := store.GetBundle(bundle)
	if err != nil {
		t.Fatalf("GetBundle() failed: %v", err)
	}
	if entry.UsageCount != 0 {
		t.Errorf("UsageCount = %d, want 0 (known but never used)", entry.UsageCount)
	}

	// Seeding an already-tracked bundle must not clobber its counters.
	if err := store.LogUsage(bundle); err != nil {
		t.Fatalf("LogUsage() failed: %v", err)
	}
	t.Setenv(TimestampOverrideEnvVar, "900")
	if err := store.AddUnusedBundle(bundle); err != nil {
		t.Fatalf("second AddUnusedBundle() failed: %v", err)
	}

	entry, err = store.GetBundle(bundle)
	if err != nil {
		t.Fatalf("GetBundle() failed: %v", err)
	}
	if entry.UsageCount != 1 {
		t.Errorf("UsageCount = %d, want 1 after re-seed", entry.UsageCount)
	}
	if entry.LastUsageTimestamp != 500 {
		t.Errorf("LastUsageTimestamp = %d, want 500 after re-seed", entry.LastUsageTimestamp)
	}
}

func TestGetUnusedBundles(t *testing.T) {
	store := openTestStore(t)

	stamps := []int64{100, 200, 300}
	for i, ts := range stamps {
		t.Setenv(TimestampOverrideEnvVar, fmt.Sprintf("%d", ts))
		bundle := filepath.Join(store.Root(), "app_store", "tk-app", fmt.Sprintf("v1.0.%d", i))
		if err := store.LogUsage(bundle); err != nil {
			t.Fatalf("LogUsage() failed: %v", err)
		}
	}

	entries, err := store.GetUnusedBundles(200)
	if err != nil {
		t.Fatalf("GetUnusedBundles() failed: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("GetUnusedBundles(200) returned %d entries, want 2", len(entries))
	}
	// Oldest first.
	if entries[0].LastUsageTimestamp != 100 || entries[1].LastUsageTimestamp != 200 {
		t.Errorf("unexpected ordering: %d, %d", entries[0].LastUsageTimestamp, entries[1].LastUsageTimestamp)
	}
}

func TestDeleteEntry(t *testing.T) {
	store := openTestStore(t)
	bundle := filepath.Join(store.Root(), "app_store", "tk-app", "v1.0.0")

	if err := store.LogUsage(bundle); err != nil {
		t.Fatalf("LogUsage() failed: %v", err)
	}
	entry, err := store.GetBundle(bundle)
	if err != nil {
		t.Fatalf("GetBundle() failed: %v", err)
	}

	if err := store.DeleteEntry(entry); err != nil {
		t.Fatalf("DeleteEntry() failed: %v", err)
	}
	if entry, _ := store.GetBundle(bundle); entry != nil {
		t.Error("entry still present after delete")
	}

	// Deleting again is idempotent.
	if err := store.DeleteEntry(entry); err != nil {
		t.Errorf("second DeleteEntry() failed: %v", err)
	}
}

func BenchmarkLogUsage(b *testing.B) {
	root := b.TempDir()
	store, err := Open(root)
	if err != nil {
		b.Fatalf("Open() failed: %v", err)
	}
	defer store.Close()

	bundle := filepath.Join(root, "app_store", "tk-maya", "v1.0.0")
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if err := store.LogUsage(bundle); err != nil {
			b.Fatalf("LogUsage() failed: %v", err)
		}
	}
}

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.WriteFile(path, nil, 0o644); err != nil {
		t.Fatalf("failed to create %s: %v", path, err)
	}
}
