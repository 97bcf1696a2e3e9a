// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package registry provides the class statistics table.
//
// The table maps a class identity to its statistics entry. It is a fixed-size
// hash table whose buckets hold lock-free linked lists: lookups and scans never
// block, insertion links a node at the bucket head with a CAS, and removal is
// serialized by a mutex because it is rare (class unloading).
//
// # Key Features
//
//   - Lock-free lookups and insertion using atomic operations
//   - Fixed power-of-two bucket array hashed with xxhash
//   - Deferred reclamation of removed entries through grace epochs
//   - Concurrent (best effort) and paused (total) scan modes
//   - Memory footprint accounting for metadata reports
//
// # Usage Examples
//
//	epochs := epoch.NewManager()
//	table := registry.New(1024, epochs)
//	defer table.Close()
//
//	table.Insert(class, entry.New(class, entry.Options{}))
//
//	guard := table.Pin()
//	table.LookupOrFail(class).Visit(heap.Young, seq, obj, nil)
//	guard.Unpin()
//
//	table.Remove(class) // entry released once every earlier guard unpins
//
// # Dangers and Warnings
//
//   - **Bucket Size**: The number of buckets must be a power of 2. Invalid sizes will panic.
//   - **Usage Errors**: Double insertion, removal of an absent class and lookup of an
//     unregistered class panic. They indicate a broken caller contract.
//   - **Guards**: Hold a guard from Pin across a lookup and every use of the entry it
//     returned. Without one, a concurrent removal may reclaim the entry.
//   - **Paused Scans**: ScanPaused runs fn on several goroutines at once. fn must be
//     safe for concurrent use on distinct entries.
//
// # Removal Protocol
//
// A remover takes the table mutex, marks the node removed, unlinks it and
// detaches the entry. The node keeps its next pointer so an iterator standing on
// it can continue. The entry is then retired at a fresh epoch and the Reclaimer
// releases it once no guard older than that epoch remains.
package registry

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kianostad/crstats/internal/concurrency/epoch"
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/stats/entry"
)

var (
	// ErrDuplicateClass is raised when a class is inserted twice.
	ErrDuplicateClass = errors.New("registry: class already registered")
	// ErrClassNotFound is raised when an absent class is removed.
	ErrClassNotFound = errors.New("registry: class not registered")
	// ErrUnregisteredClass is raised when a visit path looks up an unregistered class.
	ErrUnregisteredClass = errors.New("registry: lookup of unregistered class")
)

// liveEntries counts entries across every table of the process.
var liveEntries atomic.Int64

// LiveEntries returns the number of entries registered process-wide.
func LiveEntries() int64 {
	return liveEntries.Load()
}

// node represents a node in the lock-free linked list within a bucket.
type node struct {
	id      uint64
	class   heap.Class
	entry   *entry.Entry
	removed atomic.Bool
	next    atomic.Pointer[node]
}

type retiredEntry struct {
	entry *entry.Entry
	at    uint64
}

// Table is the class statistics registry.
type Table struct {
	buckets []atomic.Pointer[node]
	size    uint64
	mask    uint64

	epochs *epoch.Manager
	live   atomic.Int64

	mu      sync.Mutex // serializes removers and guards retired
	retired []retiredEntry

	logger    *zap.Logger
	reclaimer *Reclaimer
}

// Option configures a Table.
type Option func(*Table)

// WithLogger sets the logger of the table and its reclaimer.
func WithLogger(logger *zap.Logger) Option {
	return func(t *Table) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithReclaimInterval sets the reclaimer tick.
func WithReclaimInterval(d time.Duration) Option {
	return func(t *Table) {
		t.reclaimer.interval = d
	}
}

// New creates a table with the given number of buckets (must be power of 2).
func New(size uint64, epochs *epoch.Manager, opts ...Option) *Table {
	if size == 0 || (size&(size-1)) != 0 {
		panic("size must be a power of 2")
	}
	if epochs == nil {
		epochs = epoch.NewManager()
	}

	t := &Table{
		buckets: make([]atomic.Pointer[node], size),
		size:    size,
		mask:    size - 1,
		epochs:  epochs,
		logger:  zap.NewNop(),
	}
	t.reclaimer = newReclaimer(t, DefaultReclaimInterval)
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Table) hash(id uint64) uint64 {
	var key [8]byte
	binary.LittleEndian.PutUint64(key[:], id)
	return xxhash.Sum64(key[:]) & t.mask
}

// Pin returns a guard protecting entries reached until Unpin.
func (t *Table) Pin() epoch.Guard {
	return t.epochs.Pin()
}

// Epochs returns the grace-period manager of the table.
func (t *Table) Epochs() *epoch.Manager {
	return t.epochs
}

// Reclaimer returns the background reclaimer of the table.
func (t *Table) Reclaimer() *Reclaimer {
	return t.reclaimer
}

// Insert publishes e for class. The entry must be fully constructed.
func (t *Table) Insert(class heap.Class, e *entry.Entry) {
	id := class.ID()
	bucket := &t.buckets[t.hash(id)]

	if t.find(bucket, id) != nil {
		panic(fmt.Errorf("%w: %s", ErrDuplicateClass, class.Name()))
	}

	n := &node{id: id, class: class, entry: e}
	for {
		head := bucket.Load()
		n.next.Store(head)
		if bucket.CompareAndSwap(head, n) {
			break
		}
		// CAS failed, check if someone else inserted the class
		if t.find(bucket, id) != nil {
			panic(fmt.Errorf("%w: %s", ErrDuplicateClass, class.Name()))
		}
	}

	t.live.Add(1)
	liveEntries.Add(1)
}

func (t *Table) find(bucket *atomic.Pointer[node], id uint64) *node {
	for n := bucket.Load(); n != nil; n = n.next.Load() {
		if n.id == id && !n.removed.Load() {
			return n
		}
	}
	return nil
}

// Lookup returns the entry of class, nil if it is not registered.
func (t *Table) Lookup(class heap.Class) *entry.Entry {
	id := class.ID()
	if n := t.find(&t.buckets[t.hash(id)], id); n != nil {
		return n.entry
	}
	return nil
}

// LookupOrFail returns the entry of class and panics if it is not registered.
func (t *Table) LookupOrFail(class heap.Class) *entry.Entry {
	e := t.Lookup(class)
	if e == nil {
		panic(fmt.Errorf("%w: %s", ErrUnregisteredClass, class.Name()))
	}
	return e
}

// Remove unlinks class and retires its entry.
func (t *Table) Remove(class heap.Class) {
	id := class.ID()
	bucket := &t.buckets[t.hash(id)]

	t.mu.Lock()
	n := t.find(bucket, id)
	if n == nil {
		t.mu.Unlock()
		panic(fmt.Errorf("%w: %s", ErrClassNotFound, class.Name()))
	}

	n.removed.Store(true)
	t.unlink(bucket, n)
	n.entry.Detach()

	at := t.epochs.Advance()
	t.retired = append(t.retired, retiredEntry{entry: n.entry, at: at})
	t.mu.Unlock()

	t.live.Add(-1)
	liveEntries.Add(-1)
	t.logger.Debug("Retired class entry",
		zap.String("class", class.Name()),
		zap.Uint64("epoch", at))

	t.reclaimer.Collect()
}

// unlink removes n from its bucket. Inserters only touch the bucket head and
// removers are serialized, so a predecessor's next pointer is stable here.
func (t *Table) unlink(bucket *atomic.Pointer[node], n *node) {
	next := n.next.Load()
	if bucket.CompareAndSwap(n, next) {
		return
	}
	for p := bucket.Load(); p != nil; p = p.next.Load() {
		if p.next.Load() == n {
			p.next.Store(next)
			return
		}
	}
}

// Scan calls fn for every live entry while other goroutines keep running. It
// sees every entry present when it starts and not removed during it, and may
// miss entries inserted later.
func (t *Table) Scan(fn func(e *entry.Entry)) {
	guard := t.Pin()
	defer guard.Unpin()

	for it := t.Iterator(); it.Next(); {
		fn(it.Entry())
	}
}

// ScanPaused calls fn for every live entry, fanning the buckets out over
// workers goroutines. All mutators must be stopped. The context only aborts the
// fan-out before a worker starts.
func (t *Table) ScanPaused(ctx context.Context, workers int, fn func(e *entry.Entry)) error {
	if workers < 1 {
		workers = 1
	}
	if uint64(workers) > t.size {
		workers = int(t.size)
	}

	guard := t.Pin()
	defer guard.Unpin()

	g, ctx := errgroup.WithContext(ctx)
	for w := 0; w < workers; w++ {
		stripe := uint64(w)
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			for b := stripe; b < t.size; b += uint64(workers) {
				for n := t.buckets[b].Load(); n != nil; n = n.next.Load() {
					if !n.removed.Load() {
						fn(n.entry)
					}
				}
			}
			return nil
		})
	}
	return g.Wait()
}

// Len returns the number of live entries in the table.
func (t *Table) Len() int {
	return int(t.live.Load())
}

// Size returns the number of buckets in the table.
func (t *Table) Size() uint64 {
	return t.size
}

// BucketCount returns the number of live entries in a specific bucket (for debugging).
func (t *Table) BucketCount(bucketIdx uint64) int {
	if bucketIdx >= t.size {
		return 0
	}

	count := 0
	for n := t.buckets[bucketIdx].Load(); n != nil; n = n.next.Load() {
		if !n.removed.Load() {
			count++
		}
	}
	return count
}

// Retired returns the number of removed entries awaiting reclamation.
func (t *Table) Retired() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.retired)
}

// MemoryFootprint returns the bytes held by the table and its entries.
func (t *Table) MemoryFootprint() uint64 {
	size := uint64(unsafe.Sizeof(*t)) + t.size*uint64(unsafe.Sizeof(atomic.Pointer[node]{}))

	t.Scan(func(e *entry.Entry) {
		size += uint64(unsafe.Sizeof(node{})) + e.Footprint()
	})

	t.mu.Lock()
	for _, r := range t.retired {
		size += r.entry.Footprint()
	}
	t.mu.Unlock()
	return size
}

// collect releases every retired entry whose grace period has elapsed.
func (t *Table) collect() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	kept := t.retired[:0]
	released := 0
	for _, r := range t.retired {
		if t.epochs.Reclaimable(r.at) {
			r.entry.Release()
			released++
			continue
		}
		kept = append(kept, r)
	}
	for i := len(kept); i < len(t.retired); i++ {
		t.retired[i] = retiredEntry{}
	}
	t.retired = kept
	return released
}

// Close stops the reclaimer and releases what it can.
func (t *Table) Close() {
	t.reclaimer.Stop()
	t.collect()
}
