// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package verify implements the store-verification log.
//
// When store verification is enabled, every reference store performed by
// mutators between marking passes is captured as a (destination, value) pair.
// At the start of marking the log is sorted by destination so that each
// reference slot visited during marking can be reconciled against the raw
// stores that targeted it.
//
// # Lifecycle per generation
//
//  1. RegisterStore from any number of goroutines while mutators run.
//  2. MarkEpochStart while mutators are paused: truncate and sort.
//  3. Reconcile from marking goroutines (read only).
//  4. MarkEpochEnd while mutators are paused: grow capacity, report misses, reset.
//
// # Dangers and Warnings
//
//   - **Pause Requirement**: MarkEpochStart and MarkEpochEnd must only run while
//     no goroutine calls RegisterStore or Reconcile for the same generation.
//   - **Overflow**: Stores beyond the capacity are dropped and counted, never
//     written. Capacity grows to the observed demand at the end of the epoch.
package verify

import (
	"sort"
	"sync/atomic"
	"unsafe"

	"go.uber.org/zap"
	"golang.org/x/sys/cpu"

	"github.com/kianostad/crstats/internal/heap"
)

// Store is one captured reference store.
type Store struct {
	Dst   heap.Address
	Value heap.Address
}

// EpochEnd describes the state of a generation's log when an epoch closes.
type EpochEnd struct {
	Attempted uint64
	Missed    uint64
	Capacity  uint64
	Bytes     uint64
}

type buffer struct {
	stores []Store
}

type generationLog struct {
	buf       atomic.Pointer[buffer]
	capacity  atomic.Uint64
	cursor    atomic.Uint64
	attempted atomic.Uint64
	sorted    []Store
	_         cpu.CacheLinePad
}

// Log holds one store buffer per generation.
type Log struct {
	gens   [len(heap.Generations)]generationLog
	logger *zap.Logger
}

// New creates a log with initialCapacity slots per generation.
func New(initialCapacity uint64, logger *zap.Logger) *Log {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Log{logger: logger}
	for i := range l.gens {
		g := &l.gens[i]
		g.buf.Store(&buffer{stores: make([]Store, initialCapacity)})
		g.capacity.Store(initialCapacity)
	}
	logger.Info("Init store verification", zap.Uint64("capacity", initialCapacity))
	return l
}

// RegisterStore records a store of value into dst.
func (l *Log) RegisterStore(gen heap.Generation, dst, value heap.Address) {
	g := &l.gens[gen]
	idx := g.cursor.Add(1) - 1
	capacity := g.capacity.Load()
	g.attempted.Add(1)
	if idx < capacity {
		g.buf.Load().stores[idx] = Store{Dst: dst, Value: value}
	}
}

// MarkEpochStart truncates the log to the captured stores and sorts it.
func (l *Log) MarkEpochStart(gen heap.Generation) {
	g := &l.gens[gen]
	n := min(g.capacity.Load(), g.attempted.Load())
	stores := g.buf.Load().stores[:n]
	sort.Slice(stores, func(i, j int) bool {
		return stores[i].Dst < stores[j].Dst
	})
	g.sorted = stores
}

// MarkEpochEnd grows the capacity to the observed demand and resets the log.
func (l *Log) MarkEpochEnd(gen heap.Generation) EpochEnd {
	g := &l.gens[gen]
	capacity := g.capacity.Load()
	attempted := g.attempted.Load()
	newCapacity := max(capacity, attempted)

	g.cursor.Store(0)
	g.attempted.Store(0)
	g.sorted = nil
	if newCapacity > capacity {
		g.buf.Store(&buffer{stores: make([]Store, newCapacity)})
	}
	g.capacity.Store(newCapacity)

	end := EpochEnd{
		Attempted: attempted,
		Capacity:  newCapacity,
		Bytes:     newCapacity * uint64(unsafe.Sizeof(Store{})),
	}
	if attempted > capacity {
		end.Missed = attempted - capacity
		l.logger.Info("Verify missed stores",
			zap.Stringer("generation", gen),
			zap.Uint64("missed", end.Missed))
	}
	l.logger.Info("Verify array size",
		zap.Stringer("generation", gen),
		zap.Uint64("bytes", end.Bytes),
		zap.Uint64("capacity", newCapacity))
	return end
}

// Reconcile calls fn with the value of every captured store into slot and
// returns the number of matches.
func (l *Log) Reconcile(gen heap.Generation, slot heap.Address, fn func(value heap.Address)) int {
	stores := l.gens[gen].sorted
	i := sort.Search(len(stores), func(i int) bool {
		return stores[i].Dst >= slot
	})
	n := 0
	for ; i < len(stores) && stores[i].Dst == slot; i++ {
		fn(stores[i].Value)
		n++
	}
	return n
}

// Stores returns the sorted stores of the current epoch. The slice must not be modified.
func (l *Log) Stores(gen heap.Generation) []Store {
	return l.gens[gen].sorted
}

// Capacity returns the number of slots available in the current epoch.
func (l *Log) Capacity(gen heap.Generation) uint64 {
	return l.gens[gen].capacity.Load()
}

// Attempted returns the number of stores registered in the current epoch.
func (l *Log) Attempted(gen heap.Generation) uint64 {
	return l.gens[gen].attempted.Load()
}
