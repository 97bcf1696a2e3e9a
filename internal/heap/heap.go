// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package heap defines the contracts between the statistics engine and the host
// collector.
//
// The engine never walks the object graph and never owns class metadata. The
// host hands it opaque addresses, class handles and objects through the small
// interfaces declared here, and the engine reasons about them only through
// differences and ordering.
//
// # Key Types
//
//   - Address: opaque heap address supporting null checks, ordering and distance
//   - Generation: the young or old collection domain
//   - Class: identity-hashable handle of a loaded class (not owned by the engine)
//   - Object: a live object observed during marking
//   - Heap: capacity and safepoint queries of the host
//
// # Dangers and Warnings
//
//   - **Class Lifetime**: A Class may be unloaded concurrently with engine access.
//     The engine keeps only a back-reference and drops it on unload.
//   - **Address Arithmetic**: Addresses are never dereferenced. Distance is the
//     only arithmetic the engine performs on them.
package heap

import "fmt"

// WordSize is the width in bytes of an uncompressed reference.
const WordSize = 8

// Address is an opaque heap address. The zero value is the null reference.
type Address uint64

// Null is the null reference.
const Null Address = 0

// IsNull reports whether a is the null reference.
func (a Address) IsNull() bool {
	return a == Null
}

// Less reports whether a is ordered before b.
func (a Address) Less(b Address) bool {
	return a < b
}

// Distance returns the unordered distance between a and b in units of the
// minimum object alignment (1 << alignShift bytes).
func Distance(a, b Address, alignShift uint) uint64 {
	if a < b {
		return uint64(b-a) >> alignShift
	}
	return uint64(a-b) >> alignShift
}

// Generation identifies one of the two collection domains.
type Generation uint8

const (
	Young Generation = iota
	Old
)

// Generations lists every generation in index order.
var Generations = [...]Generation{Young, Old}

// Index returns the array index used for per-generation state.
func (g Generation) Index() int {
	return int(g)
}

// Valid reports whether g names a known generation.
func (g Generation) Valid() bool {
	return g == Young || g == Old
}

func (g Generation) String() string {
	switch g {
	case Young:
		return "Young"
	case Old:
		return "Old"
	default:
		return fmt.Sprintf("Generation(%d)", uint8(g))
	}
}

func (g Generation) MarshalText() ([]byte, error) {
	return []byte(g.String()), nil
}

// Kind distinguishes instance classes from reference array classes.
type Kind uint8

const (
	KindInstance Kind = iota
	KindObjArray
)

func (k Kind) String() string {
	if k == KindObjArray {
		return "objarray"
	}
	return "instance"
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Class is a host-owned handle to a loaded class.
type Class interface {
	// ID is the identity hash of the class. Distinct live classes have distinct IDs.
	ID() uint64
	// Name is the internal class name, e.g. "java/lang/String".
	Name() string
	Kind() Kind
	// ReferenceFields is the number of non-static reference fields of an instance class.
	ReferenceFields() int
	// Element is the bottom element class of an array class, nil for instance classes.
	Element() Class
	// IsTypeArray reports whether the class is a primitive array class.
	IsTypeArray() bool
}

// Object is a live object handed to the engine during marking.
type Object interface {
	Address() Address
	Class() Class
	// Size is the object size in bytes.
	Size() uint64
	// Field returns the slot address and the referenced address of the i-th
	// reference field of an instance.
	Field(i int) (slot Address, value Address)
	// Len is the element count of an array, zero for instances.
	Len() int
	Element(i int) Address
}

// Heap exposes the host queries the engine needs.
type Heap interface {
	Used() uint64
	MaxCapacity() uint64
	// AtSafepoint reports whether all mutators are currently paused.
	AtSafepoint() bool
}
