// Package scanner discovers bundle packages inside the bundle cache root
// and feeds them to the usage tracker.
//
// Bundles are laid out three levels below the cache root:
//
//	<root>/<descriptor type>/<bundle name>/<version>/
//
// A full scan (SeedExisting) registers every bundle already on disk as an
// unused entry, so eviction logic has a baseline for packages that predate
// usage tracking. The watcher (Start) then registers bundles that appear
// later, using fsnotify for cross-platform file system events.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/shotgunsoftware/tk-core-sub000/internal/bundlecache/usage"
)

// bundleDepth is how many path segments below the cache root a bundle
// version directory sits.
const bundleDepth = 3

// Sink receives discovered bundle paths. The tracker satisfies this.
type Sink interface {
	AddUnusedBundle(path string)
}

// Scanner walks and watches a bundle cache root.
type Scanner struct {
	root   string
	sink   Sink
	logger *log.Logger

	watcher *fsnotify.Watcher
	wg      sync.WaitGroup

	mu      sync.Mutex
	running bool
}

// New creates a scanner for the given bundle cache root. The root must be
// an existing directory.
func New(bundleCacheRoot string, sink Sink, logger *log.Logger) (*Scanner, error) {
	info, err := os.Stat(bundleCacheRoot)
	if err != nil || !info.IsDir() {
		return nil, fmt.Errorf("%w: %s", usage.ErrInvalidRoot, bundleCacheRoot)
	}
	abs, err := filepath.Abs(bundleCacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle cache root: %w", err)
	}
	if logger == nil {
		logger = log.New(os.Stderr, "[scanner] ", log.LstdFlags)
	}
	return &Scanner{root: abs, sink: sink, logger: logger}, nil
}

// depth returns how many segments below the root the path sits, or -1 if
// the path is not under the root.
func (s *Scanner) depth(path string) int {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return -1
	}
	return len(strings.Split(filepath.ToSlash(rel), "/"))
}

// SeedExisting walks the cache root and registers every bundle version
// directory already on disk as an unused entry. Returns the number of
// bundles found.
func (s *Scanner) SeedExisting() (int, error) {
	found := 0
	err := filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		switch depth := s.depth(path); {
		case depth == bundleDepth:
			s.sink.AddUnusedBundle(path)
			found++
			return filepath.SkipDir
		case depth > bundleDepth:
			return filepath.SkipDir
		}
		return nil
	})
	if err != nil {
		return found, fmt.Errorf("failed to walk bundle cache: %w", err)
	}
	s.logger.Printf("Seeded %d existing bundles", found)
	return found, nil
}

// Start watches the cache root for newly created bundle directories until
// the context is cancelled. Intermediate directories (descriptor type,
// bundle name) are added to the watch set as they appear, since fsnotify
// does not recurse.
func (s *Scanner) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return fmt.Errorf("scanner already running")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		s.mu.Unlock()
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	s.watcher = watcher
	s.running = true
	s.mu.Unlock()

	if err := s.watchTree(); err != nil {
		_ = watcher.Close()
		return err
	}

	s.wg.Add(1)
	go s.loop(ctx)
	return nil
}

// watchTree adds the root and all intermediate directories to the watch
// set.
func (s *Scanner) watchTree() error {
	return filepath.WalkDir(s.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		depth := s.depth(path)
		if depth >= bundleDepth {
			return filepath.SkipDir
		}
		if err := s.watcher.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (s *Scanner) loop(ctx context.Context) {
	defer s.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-s.watcher.Events:
			if !ok {
				return
			}
			if event.Op&fsnotify.Create == 0 {
				continue
			}
			s.handleCreate(event.Name)

		case err, ok := <-s.watcher.Errors:
			if !ok {
				return
			}
			s.logger.Printf("Watcher error: %v", err)
		}
	}
}

func (s *Scanner) handleCreate(path string) {
	info, err := os.Stat(path)
	if err != nil || !info.IsDir() {
		return
	}

	switch depth := s.depth(path); {
	case depth > 0 && depth < bundleDepth:
		if err := s.watcher.Add(path); err != nil {
			s.logger.Printf("Failed to watch new directory %s: %v", path, err)
		}
		// Directories may have been populated before the watch landed.
		s.sweepUnder(path)
	case depth == bundleDepth:
		s.logger.Printf("New bundle: %s", path)
		s.sink.AddUnusedBundle(path)
	}
}

// sweepUnder registers bundles and watches directories created under dir
// between the create event and the watch being established.
func (s *Scanner) sweepUnder(dir string) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return
	}
	for _, entry := range entries {
		if entry.IsDir() {
			s.handleCreate(filepath.Join(dir, entry.Name()))
		}
	}
}

// Stop closes the watcher and waits for the event loop to exit. Safe to
// call after the context passed to Start has been cancelled.
func (s *Scanner) Stop() error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	watcher := s.watcher
	s.mu.Unlock()

	if err := watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	s.wg.Wait()
	return nil
}
