// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package histogram provides the lock-free per-field delta histogram.
//
// A Histogram accumulates, across many instances of a class, the distances
// between a container object and the objects referenced from one of its
// reference slots. Every observation is wait-free except for the extrema, which
// use short CAS retry loops.
//
// # Encoding
//
// A delta is the unordered distance between the two addresses in units of the
// minimum object alignment. It is shifted left by one bit to reserve room for a
// direction bit, so min and max report encoded values. The encoded value is
// classified by the number of bytes needed to hold it: bucket i counts values
// requiring exactly i+1 bytes.
//
// # Usage Examples
//
//	var h histogram.Histogram
//	h.Init()
//	h.Observe(container, referenced, 3)
//	fmt.Println(h.MinBytesRequired(), h.Distribution())
//
// # Dangers and Warnings
//
//   - **Initialization**: A zero Histogram reports a minimum of zero even before
//     Init; call Init (or Reset) before the first observation.
//   - **Reset Exclusivity**: Reset must not run concurrently with Observe on the
//     same histogram. The entry epoch protocol guarantees this.
//   - **Delta Range**: Deltas of 2^63 or more cannot be encoded and panic.
//
// # Reset Cost
//
// Reset clears only the buckets that can be non-zero: every increment of
// bucket i is preceded by raising max to a value of width i+1, so the bucket of
// max bounds the populated range. The previous epoch's peak bucket and count are
// kept as the worst-case carry and widen the bound further.
package histogram

import (
	"errors"
	"fmt"
	"math"
	"sync/atomic"

	"github.com/kianostad/crstats/internal/heap"
)

// Buckets is the number of byte-width buckets.
const Buckets = heap.WordSize

const (
	carryShift = 3 // log2(Buckets)
	carryMask  = Buckets - 1
	unsetMin   = math.MaxUint64
)

// ErrDeltaOverflow is raised when a delta collides with the direction bit.
var ErrDeltaOverflow = errors.New("histogram: delta overflows direction bit")

// Histogram is the per (generation, field slot) delta accumulator.
type Histogram struct {
	min   atomic.Uint64
	max   atomic.Uint64
	nulls atomic.Uint64
	dist  [Buckets]atomic.Uint64
	carry uint64 // count<<carryShift | bucket, owned by Reset
}

// Init prepares a fresh histogram.
func (h *Histogram) Init() {
	h.min.Store(unsetMin)
	h.max.Store(0)
	h.nulls.Store(0)
	for i := range h.dist {
		h.dist[i].Store(0)
	}
	h.carry = 0
}

// Observe records the reference from container to value.
func (h *Histogram) Observe(container, value heap.Address, alignShift uint) {
	if value.IsNull() {
		h.nulls.Add(1)
		return
	}
	h.ObserveDelta(heap.Distance(container, value, alignShift))
}

// ObserveDelta records an already normalized delta.
func (h *Histogram) ObserveDelta(delta uint64) {
	if delta >= 1<<63 {
		panic(fmt.Errorf("%w: %d", ErrDeltaOverflow, delta))
	}
	encoded := delta << 1

	for cur := h.min.Load(); encoded < cur; cur = h.min.Load() {
		if h.min.CompareAndSwap(cur, encoded) {
			break
		}
	}
	for cur := h.max.Load(); encoded > cur; cur = h.max.Load() {
		if h.max.CompareAndSwap(cur, encoded) {
			break
		}
	}

	h.dist[BucketOf(encoded)].Add(1)
}

// ObserveNull records a null reference.
func (h *Histogram) ObserveNull() {
	h.nulls.Add(1)
}

// BucketOf returns the bucket index of an encoded delta.
func BucketOf(encoded uint64) int {
	i := 0
	for encoded >>= 8; encoded != 0; encoded >>= 8 {
		i++
	}
	return i
}

// Reset clears the histogram for a new epoch.
func (h *Histogram) Reset() {
	bound := int(h.carry & carryMask)
	hasValues := h.min.Load() != unsetMin
	if hasValues {
		if b := BucketOf(h.max.Load()); b > bound {
			bound = b
		}
	}

	// The peak of the closing epoch becomes the next carry.
	var carry uint64
	for i := bound; i >= 0; i-- {
		if n := h.dist[i].Load(); n != 0 {
			carry = packCarry(n, i)
			break
		}
	}
	for i := 0; i <= bound; i++ {
		h.dist[i].Store(0)
	}

	h.carry = carry
	h.min.Store(unsetMin)
	h.max.Store(0)
	h.nulls.Store(0)
}

func packCarry(count uint64, bucket int) uint64 {
	const maxCount = math.MaxUint64 >> carryShift
	if count > maxCount {
		count = maxCount
	}
	return count<<carryShift | uint64(bucket)
}

// Carry returns the peak bucket and its count recorded at the last Reset.
func (h *Histogram) Carry() (bucket int, count uint64) {
	return int(h.carry & carryMask), h.carry >> carryShift
}

// Min returns the smallest encoded delta, 0 if no non-null value was observed.
func (h *Histogram) Min() uint64 {
	if v := h.min.Load(); v != unsetMin {
		return v
	}
	return 0
}

// Max returns the largest encoded delta.
func (h *Histogram) Max() uint64 {
	return h.max.Load()
}

// Nulls returns the number of null observations.
func (h *Histogram) Nulls() uint64 {
	return h.nulls.Load()
}

// Distribution returns a copy of the bucket counts.
func (h *Histogram) Distribution() [Buckets]uint64 {
	var d [Buckets]uint64
	for i := range h.dist {
		d[i] = h.dist[i].Load()
	}
	return d
}

// Total returns the number of observations since the last reset.
func (h *Histogram) Total() uint64 {
	total := h.nulls.Load()
	for i := range h.dist {
		total += h.dist[i].Load()
	}
	return total
}

// MinBytesRequired returns the highest non-empty bucket plus one, at least 1.
func (h *Histogram) MinBytesRequired() int {
	b := Buckets - 1
	for b > 0 && h.dist[b].Load() == 0 {
		b--
	}
	return b + 1
}

// Summary returns a point-in-time copy of the histogram.
func (h *Histogram) Summary() Summary {
	return Summary{
		Min:          h.Min(),
		Max:          h.Max(),
		Nulls:        h.Nulls(),
		Distribution: h.Distribution(),
	}
}

// Summary is a plain value snapshot of a Histogram.
type Summary struct {
	Min          uint64          `json:"min"`
	Max          uint64          `json:"max"`
	Nulls        uint64          `json:"nulls"`
	Distribution [Buckets]uint64 `json:"distribution"`
}

// Total returns the number of observations in the summary.
func (s Summary) Total() uint64 {
	total := s.Nulls
	for _, n := range s.Distribution {
		total += n
	}
	return total
}

// MinBytesRequired mirrors Histogram.MinBytesRequired.
func (s Summary) MinBytesRequired() int {
	b := Buckets - 1
	for b > 0 && s.Distribution[b] == 0 {
		b--
	}
	return b + 1
}

// Merge folds o into s.
func (s *Summary) Merge(o Summary) {
	if o.Total() == o.Nulls {
		s.Nulls += o.Nulls
		return
	}
	if s.Total() == s.Nulls || o.Min < s.Min {
		s.Min = o.Min
	}
	if o.Max > s.Max {
		s.Max = o.Max
	}
	s.Nulls += o.Nulls
	for i := range s.Distribution {
		s.Distribution[i] += o.Distribution[i]
	}
}

func (s Summary) String() string {
	d := s.Distribution
	return fmt.Sprintf("[%6d|%6d|%6d|%6d|%6d|%6d|%6d|%6d|%6d](%d,%d)",
		s.Nulls, d[0], d[1], d[2], d[3], d[4], d[5], d[6], d[7], s.Min, s.Max)
}
