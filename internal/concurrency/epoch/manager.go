// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package epoch provides grace-period tracking for deferred reclamation.
//
// This package implements an epoch manager that tracks the epochs pinned by
// in-flight readers (registry lookups and scans) and reports the minimum pinned
// epoch. A structure retired at epoch r may be reclaimed once no reader pinned
// an epoch older than r, because every reader that pins r or later started
// after the structure was unlinked and can no longer reach it.
//
// # Key Features
//
//   - Lock-free pinning through a fixed array of cache-line padded slots
//   - Mutex-protected overflow set when every slot is busy
//   - Reference counting of duplicate overflow epochs
//   - Monotonic global clock advanced by retirements
//
// # Usage Examples
//
// Protecting a read and retiring a removed structure:
//
//	manager := epoch.NewManager()
//
//	// Reader side
//	guard := manager.Pin()
//	entry := table.Lookup(id)
//	// ... use entry ...
//	guard.Unpin()
//
//	// Writer side, after unlinking entry
//	retiredAt := manager.Advance()
//
//	// Reclaimer
//	if manager.Reclaimable(retiredAt) {
//	    release(entry)
//	}
//
// # Dangers and Warnings
//
//   - **Pin Order**: Pin before loading any shared pointer and keep the guard
//     until the last use of everything reached through it.
//   - **Unpin Once**: Each guard must be unpinned exactly once.
//   - **Long Pins**: A reader that never unpins blocks reclamation forever.
//
// # Thread Safety
//
// All operations are safe for concurrent use. Pin and Unpin touch a single slot
// with atomic operations unless the slots are exhausted, in which case they fall
// back to the overflow set guarded by a read/write lock.
package epoch

import (
	"math/rand/v2"
	"sync"
	"sync/atomic"

	"golang.org/x/sys/cpu"
)

// DefaultSlots is the number of lock-free pin slots.
const DefaultSlots = 128

type slot struct {
	ts atomic.Uint64 // 0 means free
	_  cpu.CacheLinePad
}

// Manager tracks pinned epochs and provides the minimum pinned epoch for
// reclamation purposes.
type Manager struct {
	clock    atomic.Uint64
	slots    []slot
	activeTS map[uint64]int // overflow: timestamp -> count of pins
	mu       sync.RWMutex
}

// Guard is a pinned epoch. The zero Guard is inert.
type Guard struct {
	m    *Manager
	slot int
	ts   uint64
}

// NewManager creates a new epoch manager with DefaultSlots slots.
func NewManager() *Manager {
	return NewManagerWithSlots(DefaultSlots)
}

// NewManagerWithSlots creates a manager with n lock-free slots.
func NewManagerWithSlots(n int) *Manager {
	m := &Manager{
		slots:    make([]slot, n),
		activeTS: make(map[uint64]int),
	}
	// Epoch 0 marks a free slot.
	m.clock.Store(1)
	return m
}

// Current returns the current global epoch.
func (m *Manager) Current() uint64 {
	return m.clock.Load()
}

// Advance moves the global epoch forward and returns the new epoch.
func (m *Manager) Advance() uint64 {
	return m.clock.Add(1)
}

// Pin announces a reader at the current epoch.
func (m *Manager) Pin() Guard {
	ts := m.clock.Load()
	n := len(m.slots)
	if n > 0 {
		idx := slotHint(n)
		for i := 0; i < n; i++ {
			if m.slots[idx].ts.CompareAndSwap(0, ts) {
				return Guard{m: m, slot: idx, ts: ts}
			}
			if idx++; idx == n {
				idx = 0
			}
		}
	}
	m.Register(ts)
	return Guard{m: m, slot: -1, ts: ts}
}

// slotHint maps the per-thread runtime random source onto [0, n) with a
// multiply and shift.
func slotHint(n int) int {
	return int((rand.Uint64() >> 32 * uint64(n)) >> 32)
}

// Epoch returns the pinned epoch.
func (g Guard) Epoch() uint64 {
	return g.ts
}

// Unpin releases the guard.
func (g Guard) Unpin() {
	if g.m == nil {
		return
	}
	if g.slot >= 0 {
		g.m.slots[g.slot].ts.Store(0)
		return
	}
	g.m.Unregister(g.ts)
}

// Register adds a timestamp to the overflow set.
func (m *Manager) Register(ts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.activeTS[ts]++
}

// Unregister removes a timestamp from the overflow set.
func (m *Manager) Unregister(ts uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if count, exists := m.activeTS[ts]; exists {
		if count <= 1 {
			delete(m.activeTS, ts)
		} else {
			m.activeTS[ts] = count - 1
		}
	}
}

// MinActive returns the minimum pinned epoch.
// If nothing is pinned, returns 0.
func (m *Manager) MinActive() uint64 {
	min := ^uint64(0)
	for i := range m.slots {
		if ts := m.slots[i].ts.Load(); ts != 0 && ts < min {
			min = ts
		}
	}

	m.mu.RLock()
	for ts := range m.activeTS {
		if ts < min {
			min = ts
		}
	}
	m.mu.RUnlock()

	if min == ^uint64(0) {
		return 0
	}
	return min
}

// Reclaimable reports whether a structure retired at epoch retired can be
// released: no reader pinned an epoch older than retired.
func (m *Manager) Reclaimable(retired uint64) bool {
	min := m.MinActive()
	return min == 0 || min >= retired
}

// ActiveCount returns the number of active pins. Overflow pins sharing a
// timestamp count once.
func (m *Manager) ActiveCount() int {
	count := 0
	for i := range m.slots {
		if m.slots[i].ts.Load() != 0 {
			count++
		}
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	return count + len(m.activeTS)
}
