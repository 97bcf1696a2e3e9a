// Licensed under the MIT License. See LICENSE file in the project root for details.

// Package synthetic provides an in-memory stand-in for a host heap.
//
// It implements the heap contracts with plain Go values so the engine can be
// driven without a real collector: the benchmark tool builds object graphs with
// it and the tests use it to feed known address layouts.
package synthetic

import (
	"sync"
	"sync/atomic"

	"github.com/kianostad/crstats/internal/heap"
)

// headerSize is the size of the synthetic object header preceding the fields.
const headerSize = 16

// Class is a synthetic class handle.
type Class struct {
	id        uint64
	name      string
	kind      heap.Kind
	refs      int
	elem      *Class
	typeArray bool
}

// NewInstanceClass creates an instance class with refs reference fields.
func NewInstanceClass(id uint64, name string, refs int) *Class {
	return &Class{id: id, name: name, kind: heap.KindInstance, refs: refs}
}

// NewArrayClass creates a reference array class whose bottom class is elem.
func NewArrayClass(id uint64, name string, elem *Class) *Class {
	return &Class{id: id, name: name, kind: heap.KindObjArray, elem: elem}
}

// NewTypeArrayClass creates a primitive array class.
func NewTypeArrayClass(id uint64, name string) *Class {
	return &Class{id: id, name: name, kind: heap.KindObjArray, typeArray: true}
}

func (c *Class) ID() uint64           { return c.id }
func (c *Class) Name() string         { return c.name }
func (c *Class) Kind() heap.Kind      { return c.kind }
func (c *Class) ReferenceFields() int { return c.refs }
func (c *Class) IsTypeArray() bool    { return c.typeArray }

// Element returns the bottom class of an array, nil for instance classes.
func (c *Class) Element() heap.Class {
	if c.elem == nil {
		return nil
	}
	return c.elem
}

// Object is a synthetic object. Fields and elements hold referenced addresses.
type Object struct {
	addr     heap.Address
	class    *Class
	size     uint64
	fields   []heap.Address
	elements []heap.Address
}

// NewInstance creates an instance of class at addr. Missing field values are null.
func NewInstance(class *Class, addr heap.Address, fields ...heap.Address) *Object {
	values := make([]heap.Address, class.refs)
	copy(values, fields)
	return &Object{
		addr:   addr,
		class:  class,
		size:   uint64(headerSize + heap.WordSize*class.refs),
		fields: values,
	}
}

// NewArray creates an array of class at addr holding elements.
func NewArray(class *Class, addr heap.Address, elements ...heap.Address) *Object {
	return &Object{
		addr:     addr,
		class:    class,
		size:     uint64(headerSize + heap.WordSize*len(elements)),
		elements: elements,
	}
}

func (o *Object) Address() heap.Address { return o.addr }
func (o *Object) Class() heap.Class     { return o.class }
func (o *Object) Size() uint64          { return o.size }
func (o *Object) Len() int              { return len(o.elements) }

// Field returns the slot address and value of the i-th reference field.
func (o *Object) Field(i int) (heap.Address, heap.Address) {
	return SlotAddress(o.addr, i), o.fields[i]
}

func (o *Object) Element(i int) heap.Address {
	return o.elements[i]
}

// SetField overwrites the i-th reference field.
func (o *Object) SetField(i int, value heap.Address) {
	o.fields[i] = value
}

// SlotAddress returns the address of the i-th reference slot of an object at addr.
func SlotAddress(addr heap.Address, i int) heap.Address {
	return addr + heap.Address(headerSize+heap.WordSize*i)
}

// Heap is a synthetic heap with a bump-pointer allocator.
type Heap struct {
	base      heap.Address
	top       atomic.Uint64
	capacity  uint64
	safepoint atomic.Bool
	mu        sync.Mutex
}

// NewHeap creates a heap of capacity bytes starting at base.
func NewHeap(base heap.Address, capacity uint64) *Heap {
	h := &Heap{base: base, capacity: capacity}
	h.top.Store(uint64(base))
	return h
}

// Allocate reserves size bytes rounded up to 8 and returns their address.
// It returns heap.Null when the heap is exhausted.
func (h *Heap) Allocate(size uint64) heap.Address {
	size = (size + 7) &^ 7
	for {
		top := h.top.Load()
		next := top + size
		if next-uint64(h.base) > h.capacity {
			return heap.Null
		}
		if h.top.CompareAndSwap(top, next) {
			return heap.Address(top)
		}
	}
}

// Used returns the number of allocated bytes.
func (h *Heap) Used() uint64 {
	return h.top.Load() - uint64(h.base)
}

func (h *Heap) MaxCapacity() uint64 {
	return h.capacity
}

func (h *Heap) AtSafepoint() bool {
	return h.safepoint.Load()
}

// Pause runs fn with the safepoint flag raised.
func (h *Heap) Pause(fn func()) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.safepoint.Store(true)
	defer h.safepoint.Store(false)
	fn()
}
