// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package heuristics turns heap geometry and class summaries into narrowing
// decisions.
//
// Everything here is a pure function or an immutable value: the engine derives
// a Geometry once at initialization, consults the Policy when a class becomes
// eligible, and uses the geometry's assumed reference width when estimating
// savings.
package heuristics

import (
	"fmt"
	"math/bits"
	"strings"

	"github.com/kianostad/crstats/internal/heap"
)

// Status is the compression status of a class in one generation.
type Status uint32

const (
	Evaluate Status = iota
	Never
	Likely
	Pending
	Complete
	// Abort removes the class from the pipeline after marking.
	Abort
)

func (s Status) String() string {
	switch s {
	case Evaluate:
		return "evaluate"
	case Never:
		return "never"
	case Likely:
		return "likely"
	case Pending:
		return "pending"
	case Complete:
		return "complete"
	case Abort:
		return "abort"
	default:
		return fmt.Sprintf("status(%d)", uint32(s))
	}
}

// DefaultInternalPrefixes is the namespace never touched unless internals are
// explicitly enabled.
var DefaultInternalPrefixes = []string{"java/", "jdk/", "sun/"}

// MaxRepresentableDelta returns the largest delta, in alignment units, that a
// reference could ever need: the heap capacity scaled by the virtual to
// physical overcommit ratio.
func MaxRepresentableDelta(capacity, overcommit uint64, alignShift uint) uint64 {
	return (capacity * overcommit) >> alignShift
}

// RequiredByteWidth returns the bytes needed to encode maxDelta plus
// metadataBits and one direction bit, clamped to the word size.
func RequiredByteWidth(maxDelta uint64, metadataBits int) int {
	n := bits.Len64(maxDelta) + metadataBits + 1
	width := (n + 7) / 8
	return min(width, heap.WordSize)
}

// Geometry is the heap geometry derived at initialization.
type Geometry struct {
	MaxAddressSize       uint64 `json:"max_address_size"`
	MaxDelta             uint64 `json:"max_delta"`
	MaxBytesPerReference int    `json:"max_bytes_per_reference"`
	AlignShift           uint   `json:"align_shift"`
}

// NewGeometry derives the geometry for a heap of the given capacity.
func NewGeometry(capacity, overcommit uint64, alignShift uint, metadataBits int) Geometry {
	delta := MaxRepresentableDelta(capacity, overcommit, alignShift)
	return Geometry{
		MaxAddressSize:       capacity * overcommit,
		MaxDelta:             delta,
		MaxBytesPerReference: RequiredByteWidth(delta, metadataBits),
		AlignShift:           alignShift,
	}
}

// Gains describes the layout-level compression potential of an instance class.
type Gains struct {
	UncompressedSize uint64 `json:"uncompressed_size"`
	MinCompression   uint64 `json:"min_compression"`
	MaxCompression   uint64 `json:"max_compression"`
	ReferenceFields  int    `json:"reference_fields"`
}

// NewGains validates and returns a Gains value. min must not exceed max.
func NewGains(uncompressed, minCompression, maxCompression uint64, refs int) Gains {
	if minCompression > maxCompression {
		panic(fmt.Sprintf("heuristics: min compression %d exceeds max %d", minCompression, maxCompression))
	}
	return Gains{
		UncompressedSize: uncompressed,
		MinCompression:   minCompression,
		MaxCompression:   maxCompression,
		ReferenceFields:  refs,
	}
}

// Decision is the outcome of an admission check.
type Decision struct {
	Status Status
	Reason string
}

// Admitted reports whether the class gets a statistics entry.
func (d Decision) Admitted() bool {
	return d.Status != Never
}

// Policy holds the caller-designated admission switches.
type Policy struct {
	CompressInternals          bool
	CompressArraysOfInternals  bool
	CompressArraysOfTypeArrays bool
	InternalPrefixes           []string
}

// IsInternal reports whether name lies in the never-touch namespace.
func (p Policy) IsInternal(name string) bool {
	for _, prefix := range p.InternalPrefixes {
		if strings.HasPrefix(name, prefix) {
			return true
		}
	}
	return false
}

// ShouldConsider decides whether a loaded instance class is worth evaluating.
func (p Policy) ShouldConsider(class heap.Class, gains Gains) Decision {
	if !p.CompressInternals && p.IsInternal(class.Name()) {
		return Decision{Status: Never, Reason: "Internal Klass"}
	}
	if gains.ReferenceFields == 0 {
		return Decision{Status: Never, Reason: "No reference fields"}
	}
	if gains.MaxCompression == 0 {
		return Decision{Status: Never, Reason: "Incompressible"}
	}
	return Decision{Status: Likely, Reason: "Compressible reference fields"}
}

// AdmitArray decides whether a newly created reference array class is evaluated.
func (p Policy) AdmitArray(class heap.Class) Decision {
	elem := class.Element()
	if elem == nil {
		return Decision{Status: Never, Reason: "No element class"}
	}
	if !p.CompressArraysOfInternals && p.IsInternal(elem.Name()) {
		return Decision{Status: Never, Reason: "Internal Klass"}
	}
	if !p.CompressArraysOfTypeArrays && elem.IsTypeArray() {
		return Decision{Status: Never, Reason: "Array of type arrays"}
	}
	return Decision{Status: Evaluate, Reason: "Reference array"}
}
