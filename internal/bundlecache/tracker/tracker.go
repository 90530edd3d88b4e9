// Package tracker provides fire-and-forget usage logging for the bundle
// cache.
//
// Most embedded SQL engines are unsafe to share across threads, so the
// usage database is owned by exactly one worker goroutine per bundle cache
// root. Producers on any goroutine enqueue small task values onto an
// unbounded FIFO queue and return immediately; the worker drains the queue
// and applies each task to its private store connection in order.
//
// Trackers are handed out by a per-root registry (Get), which replaces a
// process-wide singleton: callers hold an explicit handle, and the
// single-writer guarantee lives inside the worker.
package tracker

import (
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/shotgunsoftware/tk-core-sub000/internal/bundlecache/usage"
)

// ErrTrackingTimeout is returned when the worker does not confirm startup
// or shutdown within the configured bound. Unlike an ordinary failure it
// suggests the worker goroutine is stuck, not that it failed cleanly.
var ErrTrackingTimeout = errors.New("usage tracking worker timed out")

// maxConsecutiveFailures is how many queued tasks may fail back to back
// before the worker gives up and disables tracking for the process.
const maxConsecutiveFailures = 5

// Config holds tracker tuning knobs.
type Config struct {
	// StartupTimeout bounds the wait for the worker's store connection
	// to be confirmed open.
	StartupTimeout time.Duration

	// Logger for worker activity.
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		StartupTimeout: 10 * time.Second,
		Logger:         log.New(os.Stderr, "[tracker] ", log.LstdFlags),
	}
}

// taskKind enumerates the closed set of operations the worker applies.
// Keeping the set closed (rather than queuing arbitrary callables) makes
// the task stream auditable.
type taskKind int

const (
	taskLogUsage taskKind = iota
	taskAddUnused
	taskShutdown
)

type task struct {
	kind taskKind
	path string
}

// recordStore is the slice of the usage store the worker drives. Tests
// substitute failing implementations through openStore.
type recordStore interface {
	LogUsage(path string) error
	AddUnusedBundle(path string) error
	Close() error
}

// openStore creates the worker's store. Package-level so tests can inject
// failures without a real database.
var openStore = func(root string) (recordStore, error) {
	return usage.Open(root)
}

// Tracker owns one worker goroutine and its queue for one bundle cache
// root. Obtain instances through Get; LogUsage and AddUnusedBundle are
// safe to call from any goroutine and never block.
type Tracker struct {
	root   string
	logger *log.Logger

	queue *fifo
	done  chan struct{}

	mu        sync.Mutex
	stopped   bool
	disabled  bool
	completed int
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Tracker{}
)

// Get returns the tracker for the given bundle cache root, creating and
// starting it on first use. Creation blocks until the worker confirms its
// store connection is open, bounded by the default startup timeout.
func Get(bundleCacheRoot string) (*Tracker, error) {
	return GetWithConfig(bundleCacheRoot, DefaultConfig())
}

// GetWithConfig is Get with explicit configuration. The configuration of
// an already-running tracker is not changed.
func GetWithConfig(bundleCacheRoot string, config *Config) (*Tracker, error) {
	if config == nil {
		config = DefaultConfig()
	}

	abs, err := filepath.Abs(bundleCacheRoot)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve bundle cache root: %w", err)
	}

	registryMu.Lock()
	defer registryMu.Unlock()

	if t, ok := registry[abs]; ok {
		return t, nil
	}

	t := &Tracker{
		root:   abs,
		logger: config.Logger,
		queue:  newFIFO(),
		done:   make(chan struct{}),
	}

	ready := make(chan error, 1)
	go t.run(ready)

	select {
	case err := <-ready:
		if err != nil {
			return nil, fmt.Errorf("failed to start usage tracking: %w", err)
		}
	case <-time.After(config.StartupTimeout):
		// The worker is abandoned, but it may still come up later holding
		// the store open. Leave a shutdown sentinel at the head of its
		// queue so it exits and releases the store as soon as it does.
		t.mu.Lock()
		t.stopped = true
		t.mu.Unlock()
		t.queue.push(task{kind: taskShutdown})
		return nil, fmt.Errorf("%w: store connection not confirmed after %v", ErrTrackingTimeout, config.StartupTimeout)
	}

	registry[abs] = t
	return t, nil
}

// LogUsage asynchronously records one access of the bundle at the given
// absolute path. Returns immediately; the write happens on the worker
// goroutine. Calls after the tracker has stopped or disabled itself are
// dropped with a warning.
func (t *Tracker) LogUsage(path string) {
	t.enqueue(task{kind: taskLogUsage, path: path})
}

// AddUnusedBundle asynchronously registers a bundle discovered on disk
// without marking it as used.
func (t *Tracker) AddUnusedBundle(path string) {
	t.enqueue(task{kind: taskAddUnused, path: path})
}

func (t *Tracker) enqueue(tk task) {
	t.mu.Lock()
	dead := t.stopped || t.disabled
	t.mu.Unlock()
	if dead {
		t.logger.Printf("Warning: usage tracking inactive, dropping %s for %s", kindName(tk.kind), tk.path)
		return
	}
	t.queue.push(tk)
}

// CompletedCount returns how many tasks the worker has applied
// successfully.
func (t *Tracker) CompletedCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.completed
}

// Stop enqueues the shutdown sentinel behind all pending work and waits
// for the worker to drain its queue and exit, bounded by timeout. Returns
// an error wrapping ErrTrackingTimeout if the worker does not terminate
// in time.
func (t *Tracker) Stop(timeout time.Duration) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	t.stopped = true
	t.mu.Unlock()

	registryMu.Lock()
	if registry[t.root] == t {
		delete(registry, t.root)
	}
	registryMu.Unlock()

	t.queue.push(task{kind: taskShutdown})

	select {
	case <-t.done:
		return nil
	case <-time.After(timeout):
		return fmt.Errorf("%w: worker did not drain within %v", ErrTrackingTimeout, timeout)
	}
}

// run is the worker loop. It owns the store connection for its entire
// lifetime; no other goroutine ever touches it.
func (t *Tracker) run(ready chan<- error) {
	defer close(t.done)

	store, err := openStore(t.root)
	if err != nil {
		ready <- err
		return
	}
	defer func() {
		if err := store.Close(); err != nil {
			t.logger.Printf("Error closing usage store: %v", err)
		}
	}()
	ready <- nil

	consecutive := 0
	for {
		tk := t.queue.pop()
		if tk.kind == taskShutdown {
			return
		}

		if err := t.apply(store, tk); err != nil {
			consecutive++
			t.logger.Printf("Error applying %s for %s: %v (%d consecutive)", kindName(tk.kind), tk.path, err, consecutive)
			if consecutive >= maxConsecutiveFailures {
				t.logger.Printf("Fatal: %d consecutive failures, disabling usage tracking", consecutive)
				t.mu.Lock()
				t.disabled = true
				t.mu.Unlock()
				return
			}
			continue
		}

		consecutive = 0
		t.mu.Lock()
		t.completed++
		t.mu.Unlock()
	}
}

func (t *Tracker) apply(store recordStore, tk task) error {
	switch tk.kind {
	case taskLogUsage:
		return store.LogUsage(tk.path)
	case taskAddUnused:
		return store.AddUnusedBundle(tk.path)
	default:
		return fmt.Errorf("unknown task kind %d", tk.kind)
	}
}

func kindName(k taskKind) string {
	switch k {
	case taskLogUsage:
		return "log-usage"
	case taskAddUnused:
		return "add-unused"
	case taskShutdown:
		return "shutdown"
	default:
		return "unknown"
	}
}

// fifo is an unbounded FIFO queue. push never blocks; pop blocks until an
// item is available. A plain channel would bound the queue or block
// producers, which would break the fire-and-forget contract.
type fifo struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []task
}

func newFIFO() *fifo {
	q := &fifo{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *fifo) push(tk task) {
	q.mu.Lock()
	q.items = append(q.items, tk)
	q.mu.Unlock()
	q.cond.Signal()
}

func (q *fifo) pop() task {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	tk := q.items[0]
	q.items = q.items[1:]
	return tk
}
