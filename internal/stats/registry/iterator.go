// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"github.com/kianostad/crstats/internal/heap"
	"github.com/kianostad/crstats/internal/stats/entry"
)

// Iterator walks the live entries of a table bucket by bucket.
//
// The caller holds a guard for the whole walk. Entries removed during the walk
// are skipped once marked; a node unlinked under the iterator keeps its next
// pointer, so the walk continues past it.
type Iterator struct {
	table     *Table
	bucketIdx uint64
	node      *node
	started   bool
}

// Iterator creates a new iterator positioned before the first entry.
func (t *Table) Iterator() *Iterator {
	return &Iterator{table: t}
}

// Next advances the iterator to the next live entry.
func (it *Iterator) Next() bool {
	for {
		if !it.advance() {
			return false
		}
		if !it.node.removed.Load() {
			return true
		}
	}
}

func (it *Iterator) advance() bool {
	if it.node != nil {
		if it.node = it.node.next.Load(); it.node != nil {
			return true
		}
		it.bucketIdx++
	} else if it.started {
		it.bucketIdx++
	}
	it.started = true

	for ; it.bucketIdx < it.table.size; it.bucketIdx++ {
		if it.node = it.table.buckets[it.bucketIdx].Load(); it.node != nil {
			return true
		}
	}
	return false
}

// Entry returns the current entry.
func (it *Iterator) Entry() *entry.Entry {
	if it.node == nil {
		return nil
	}
	return it.node.entry
}

// Class returns the class of the current entry.
func (it *Iterator) Class() heap.Class {
	if it.node == nil {
		return nil
	}
	return it.node.class
}

// Reset resets the iterator to the beginning.
func (it *Iterator) Reset() {
	it.bucketIdx = 0
	it.node = nil
	it.started = false
}
