// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package entry implements the per-class statistics entry.
//
// An Entry owns, for each generation, one histogram per reference slot of its
// class together with an instance counter, a compression status and an epoch
// marker. Marking goroutines call Visit concurrently for every live object of
// the class; the evaluation pass calls Evaluate once the scan of a generation
// has completed.
//
// # Epoch Reset Protocol
//
// Statistics are scoped to one marking pass (epoch) of a generation. The marker
// holds 2*epoch with bit 0 reserved as a reset lock. The first visitor of a new
// epoch swaps the marker to 2*epoch+1, resets the generation's statistics and
// publishes 2*epoch. Every other visitor either sees 2*epoch and proceeds, or
// sees the lock bit and polls until the winner publishes. No mutex is involved:
// a contender waits at most for one reset.
//
// A visit whose epoch is older than the marker belongs to a finished pass and
// is dropped, so no observation can leak across epochs.
//
// # Histogram Layout
//
//   - Instance classes: one histogram per reference field. With store
//     verification the slice is doubled and the second half receives the values
//     reconciled from the verification log.
//   - Array classes: slot 0 receives every element, slot 1 the span between the
//     smallest and largest element of each array instance.
//
// # Dangers and Warnings
//
//   - **Publication**: An entry must be fully constructed before it is inserted
//     into the registry. Construction is single threaded.
//   - **Detached Entries**: After the registry removes an entry, new visits
//     are no-ops. A visit that passed the detached check before removal may
//     still finish its updates; the grace epoch keeps the histograms alive
//     until it unpins. Once reclaimed, any further use panics with
//     ErrReleasedEntry.
//   - **Status Transitions**: Only the initial status is assigned here. Later
//     transitions belong to the rewrite pipeline and go through
//     CompareAndSetStatus.
package entry

import (
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/cpu"

	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/heuristics"
	"github.com/kianostad/crstats/internal/stats/histogram"
	"github.com/kianostad/crstats/internal/stats/verify"
)

// ErrReleasedEntry is raised when a reclaimed entry is used.
var ErrReleasedEntry = errors.New("entry: use of reclaimed entry")

// ErrClassMismatch is raised when an object is visited through another class's entry.
var ErrClassMismatch = errors.New("entry: object class does not match entry")

const (
	lockBit = 1
	// spins before yielding while another goroutine holds the reset lock
	resetSpins = 64
	// array slots
	elementSlot = 0
	spanSlot    = 1
	arraySlots  = 2
)

// Options configure an entry at construction.
type Options struct {
	// AlignShift is log2 of the minimum object alignment.
	AlignShift uint
	// Verify doubles the instance histograms for store reconciliation.
	Verify bool
	// Pool supplies histogram slices. Nil allocates fresh slices.
	Pool *histogram.Pool
}

type generation struct {
	epoch     atomic.Uint64
	instances atomic.Uint64
	status    atomic.Uint32
	resets    atomic.Uint64
	fields    []histogram.Histogram
	_         cpu.CacheLinePad
}

// Entry is the statistics entry of one class.
type Entry struct {
	class    heap.Class
	kind     heap.Kind
	primary  int
	opts     Options
	gains    *heuristics.Gains
	gens     [len(heap.Generations)]generation
	detached atomic.Bool
	released atomic.Bool
}

// New creates an entry for class. The entry is not shared until published.
func New(class heap.Class, opts Options) *Entry {
	e := &Entry{
		class: class,
		kind:  class.Kind(),
		opts:  opts,
	}

	n := arraySlots
	if e.kind == heap.KindInstance {
		e.primary = class.ReferenceFields()
		n = e.primary
		if opts.Verify {
			n *= 2
		}
	} else {
		e.primary = 1
	}

	for i := range e.gens {
		e.gens[i].fields = e.allocate(n)
	}
	return e
}

func (e *Entry) allocate(n int) []histogram.Histogram {
	if e.opts.Pool != nil {
		return e.opts.Pool.Get(n)
	}
	hs := make([]histogram.Histogram, n)
	for i := range hs {
		hs[i].Init()
	}
	return hs
}

// Class returns the class back-reference.
func (e *Entry) Class() heap.Class {
	return e.class
}

// SetGains attaches the layout-level gains of an instance class.
func (e *Entry) SetGains(g heuristics.Gains) {
	e.gains = &g
}

// Gains returns the attached gains, nil if none.
func (e *Entry) Gains() *heuristics.Gains {
	return e.gains
}

// SetInitialStatus assigns s to every generation.
func (e *Entry) SetInitialStatus(s heuristics.Status) {
	for i := range e.gens {
		e.gens[i].status.Store(uint32(s))
	}
}

// Status returns the compression status of gen.
func (e *Entry) Status(gen heap.Generation) heuristics.Status {
	return heuristics.Status(e.gens[gen].status.Load())
}

// CompareAndSetStatus moves gen from old to new if it is still old.
func (e *Entry) CompareAndSetStatus(gen heap.Generation, old, new heuristics.Status) bool {
	return e.gens[gen].status.CompareAndSwap(uint32(old), uint32(new))
}

// Instances returns the instance count of gen in the current epoch.
func (e *Entry) Instances(gen heap.Generation) uint64 {
	return e.gens[gen].instances.Load()
}

// Marker returns the raw epoch marker of gen.
func (e *Entry) Marker(gen heap.Generation) uint64 {
	return e.gens[gen].epoch.Load()
}

// Resets returns the number of physical resets performed for gen.
func (e *Entry) Resets(gen heap.Generation) uint64 {
	return e.gens[gen].resets.Load()
}

// Field returns the histogram of slot i in gen.
func (e *Entry) Field(gen heap.Generation, i int) *histogram.Histogram {
	e.checkReleased()
	return &e.gens[gen].fields[i]
}

// Fields returns the number of histograms per generation.
func (e *Entry) Fields() int {
	return len(e.gens[0].fields)
}

// Detach makes later visits no-ops. Visits already in progress finish.
func (e *Entry) Detach() {
	e.detached.Store(true)
}

// Detached reports whether the entry was removed from its registry.
func (e *Entry) Detached() bool {
	return e.detached.Load()
}

// Release returns the histograms to the pool. The entry must be detached and
// no reader may still reach it.
func (e *Entry) Release() {
	if !e.detached.Load() {
		panic(fmt.Errorf("%w: release of attached entry for %s", ErrReleasedEntry, e.class.Name()))
	}
	if !e.released.CompareAndSwap(false, true) {
		panic(fmt.Errorf("%w: double release for %s", ErrReleasedEntry, e.class.Name()))
	}
	for i := range e.gens {
		if e.opts.Pool != nil {
			e.opts.Pool.Put(e.gens[i].fields)
		}
		e.gens[i].fields = nil
	}
}

// Released reports whether the entry was reclaimed.
func (e *Entry) Released() bool {
	return e.released.Load()
}

func (e *Entry) checkReleased() {
	if e.released.Load() {
		panic(fmt.Errorf("%w: %s", ErrReleasedEntry, e.class.Name()))
	}
}

// Footprint returns the metadata bytes held by the entry.
func (e *Entry) Footprint() uint64 {
	size := uint64(unsafe.Sizeof(*e))
	for i := range e.gens {
		size += uint64(cap(e.gens[i].fields)) * uint64(unsafe.Sizeof(histogram.Histogram{}))
	}
	if e.gains != nil {
		size += uint64(unsafe.Sizeof(*e.gains))
	}
	return size
}

// enterEpoch runs the epoch reset protocol. It reports false when the visit
// belongs to an epoch older than the current one.
func (e *Entry) enterEpoch(gen heap.Generation, epoch uint32) bool {
	g := &e.gens[gen]
	want := uint64(epoch) << 1

	spins := 0
	for cur := g.epoch.Load(); cur != want; cur = g.epoch.Load() {
		if cur>>1 > uint64(epoch) {
			return false
		}
		if cur&lockBit == 0 {
			if g.epoch.CompareAndSwap(cur, want|lockBit) {
				e.reset(gen)
				g.epoch.Store(want)
				return true
			}
			continue
		}
		// Another goroutine is resetting; wait for it to publish.
		if spins++; spins > resetSpins {
			runtime.Gosched()
		}
	}
	return true
}

func (e *Entry) reset(gen heap.Generation) {
	g := &e.gens[gen]
	g.instances.Store(0)
	for i := range g.fields {
		g.fields[i].Reset()
	}
	g.resets.Add(1)
}

// Visit records obj, a live object of the entry's class, for gen in epoch.
// It reports whether the object was counted.
func (e *Entry) Visit(gen heap.Generation, epoch uint32, obj heap.Object, log *verify.Log) bool {
	e.checkReleased()
	if e.detached.Load() {
		return false
	}
	if obj.Class().ID() != e.class.ID() {
		panic(fmt.Errorf("%w: %s visited as %s", ErrClassMismatch, obj.Class().Name(), e.class.Name()))
	}
	if !e.enterEpoch(gen, epoch) {
		return false
	}

	g := &e.gens[gen]
	g.instances.Add(1)

	if e.kind == heap.KindObjArray {
		e.visitArray(g, obj)
		return true
	}

	container := obj.Address()
	shift := e.opts.AlignShift
	verifying := e.opts.Verify && log != nil
	for i := 0; i < e.primary; i++ {
		slot, value := obj.Field(i)
		g.fields[i].Observe(container, value, shift)
		if verifying {
			stores := &g.fields[e.primary+i]
			log.Reconcile(gen, slot, func(stored heap.Address) {
				stores.Observe(container, stored, shift)
			})
		}
	}
	return true
}

func (e *Entry) visitArray(g *generation, obj heap.Object) {
	container := obj.Address()
	shift := e.opts.AlignShift
	elements := &g.fields[elementSlot]

	lo, hi := heap.Null, heap.Null
	for i, n := 0, obj.Len(); i < n; i++ {
		el := obj.Element(i)
		elements.Observe(container, el, shift)
		if el.IsNull() {
			continue
		}
		if lo.IsNull() || el.Less(lo) {
			lo = el
		}
		if hi.IsNull() || hi.Less(el) {
			hi = el
		}
	}
	// An array without non-null elements contributes a null span.
	g.fields[spanSlot].Observe(lo, hi, shift)
}
