// Licensed under the MIT License. See LICENSE file in the project root for details.

package entry

import (
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/stats/histogram"
)

// Env carries the heap-wide inputs of an evaluation.
type Env struct {
	// HeapCapacity bounds plausible byte distances.
	HeapCapacity uint64
	// AssumedWidth is the bytes per reference the narrowed layout would use.
	AssumedWidth int
}

// FieldReport is the evaluation of one histogram slot.
type FieldReport struct {
	Slot     int               `json:"slot"`
	MinBytes int               `json:"min_bytes"`
	Far      bool              `json:"far"`
	Summary  histogram.Summary `json:"summary"`
	// Stores is the verification histogram of the slot, if any.
	Stores *histogram.Summary `json:"stores,omitempty"`
}

// Contribution is an entry's share of a generation evaluation.
type Contribution struct {
	Class     string        `json:"class"`
	Kind      heap.Kind     `json:"kind"`
	Touched   bool          `json:"touched"`
	Instances uint64        `json:"instances"`
	Elements  uint64        `json:"elements,omitempty"`
	Savings   uint64        `json:"savings"`
	Redundant uint64        `json:"redundant"`
	Metadata  uint64        `json:"metadata"`
	Far       bool          `json:"far"`
	SpanBytes int           `json:"span_bytes,omitempty"`
	Fields    []FieldReport `json:"fields,omitempty"`
}

// Evaluate reduces the statistics of gen for epoch. An entry not visited in
// epoch reports only its metadata footprint.
func (e *Entry) Evaluate(gen heap.Generation, epoch uint32, env Env) Contribution {
	c := Contribution{
		Class:    e.class.Name(),
		Kind:     e.kind,
		Metadata: e.Footprint(),
	}
	if e.released.Load() {
		return c
	}

	g := &e.gens[gen]
	if g.epoch.Load() != uint64(epoch)<<1 {
		return c
	}
	instances := g.instances.Load()
	if instances == 0 {
		return c
	}
	c.Touched = true
	c.Instances = instances

	if e.kind == heap.KindObjArray {
		e.evaluateArray(g, env, &c)
		return c
	}

	perRef := narrowing(heap.WordSize, env.AssumedWidth)
	c.Fields = make([]FieldReport, e.primary)
	for i := 0; i < e.primary; i++ {
		r := e.report(g, i, env)
		if e.opts.Verify {
			s := g.fields[e.primary+i].Summary()
			r.Stores = &s
		}
		c.Fields[i] = r
		c.Redundant += narrowing(heap.WordSize, r.MinBytes) * instances
		c.Far = c.Far || r.Far
		if e.gains == nil {
			c.Savings += perRef * instances
		}
	}
	if e.gains != nil {
		c.Savings = e.gains.MinCompression * instances
	}
	return c
}

func (e *Entry) evaluateArray(g *generation, env Env, c *Contribution) {
	elements := e.report(g, elementSlot, env)
	span := e.report(g, spanSlot, env)

	total := g.fields[elementSlot].Total()
	c.Elements = total
	c.Savings = total * narrowing(heap.WordSize, env.AssumedWidth)
	c.Redundant = total * narrowing(heap.WordSize, elements.MinBytes)
	c.Far = elements.Far
	c.SpanBytes = span.MinBytes
	c.Fields = []FieldReport{elements, span}
}

func (e *Entry) report(g *generation, slot int, env Env) FieldReport {
	h := &g.fields[slot]
	return FieldReport{
		Slot:     slot,
		MinBytes: h.MinBytesRequired(),
		Far:      far(h.Max(), e.opts.AlignShift, env.HeapCapacity),
		Summary:  h.Summary(),
	}
}

// far reports whether an encoded delta decodes to more bytes than the heap holds.
func far(encoded uint64, alignShift uint, capacity uint64) bool {
	if capacity == 0 {
		return false
	}
	units := encoded >> 1
	if units > capacity>>alignShift {
		return true
	}
	return units<<alignShift > capacity
}

// narrowing returns the bytes saved per reference when width bytes replace from.
func narrowing(from, width int) uint64 {
	if width >= from || width <= 0 {
		return 0
	}
	return uint64(from - width)
}
