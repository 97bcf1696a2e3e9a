// Licensed under the MIT License. See LICENSE file in the project root for details.

package core

import (
	"io"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/stats/entry"
	"github.com/kianostad/crstats/internal/stats/histogram"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// VerifySummary describes the store log of the evaluated generation.
type VerifySummary struct {
	Stores    histogram.Summary `json:"stores"`
	Attempted uint64            `json:"attempted"`
	Capacity  uint64            `json:"capacity"`
	Missed    uint64            `json:"missed"`
}

// Report is the result of one evaluation pass.
type Report struct {
	Generation     heap.Generation `json:"generation"`
	Seq            uint32          `json:"seq"`
	Paused         bool            `json:"paused"`
	HeapUsed       uint64          `json:"heap_used"`
	HeapCapacity   uint64          `json:"heap_capacity"`
	GenerationSize uint64          `json:"generation_size"`

	InstanceSavings   uint64 `json:"instance_savings"`
	InstanceRedundant uint64 `json:"instance_redundant"`
	ArraySavings      uint64 `json:"array_savings"`
	ArrayRedundant    uint64 `json:"array_redundant"`
	Metadata          uint64 `json:"metadata"`

	Entries   int    `json:"entries"`
	Evaluated int    `json:"evaluated"`
	Instances uint64 `json:"instances"`
	Elements  uint64 `json:"elements"`
	FarFields int    `json:"far_fields"`
	FarArrays int    `json:"far_arrays"`

	Verify               *VerifySummary `json:"verify,omitempty"`
	AllocatingPageStores uint64         `json:"allocating_page_stores,omitempty"`
	Reclaimed            uint64         `json:"reclaimed"`

	Duration time.Duration        `json:"duration"`
	Classes  []entry.Contribution `json:"classes"`
}

// Savings returns the total estimated savings.
func (r *Report) Savings() uint64 {
	return r.InstanceSavings + r.ArraySavings
}

// Redundant returns the total redundant bytes.
func (r *Report) Redundant() uint64 {
	return r.InstanceRedundant + r.ArrayRedundant
}

func (r *Report) add(c entry.Contribution) {
	r.Evaluated++
	r.Instances += c.Instances
	r.Elements += c.Elements
	if c.Kind == heap.KindObjArray {
		r.ArraySavings += c.Savings
		r.ArrayRedundant += c.Redundant
		if c.Far {
			r.FarArrays++
		}
	} else {
		r.InstanceSavings += c.Savings
		r.InstanceRedundant += c.Redundant
		if c.Far {
			r.FarFields++
		}
	}
	r.Classes = append(r.Classes, c)
}

// JSON encodes the report.
func (r *Report) JSON() ([]byte, error) {
	return json.Marshal(r)
}

// WriteJSON writes the indented report to w.
func (r *Report) WriteJSON(w io.Writer) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(r)
}
