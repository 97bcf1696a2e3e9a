// Licensed under the MIT License. See LICENSE file in the project root for details.

package histogram

import (
	"sync"
)

// Pool recycles histogram slices of reclaimed entries.
type Pool struct {
	pool sync.Pool
}

// NewPool creates a new histogram slice pool.
func NewPool() *Pool {
	return &Pool{
		pool: sync.Pool{
			New: func() interface{} {
				return new([]Histogram)
			},
		},
	}
}

// Get returns n initialized histograms.
func (p *Pool) Get(n int) []Histogram {
	buf := p.pool.Get().(*[]Histogram)
	hs := *buf
	if cap(hs) < n {
		hs = make([]Histogram, n)
	}
	hs = hs[:n]
	for i := range hs {
		hs[i].Init()
	}
	*buf = nil
	p.pool.Put(buf)
	return hs
}

// Put returns a slice to the pool. The caller must not use it afterwards.
func (p *Pool) Put(hs []Histogram) {
	if cap(hs) == 0 {
		return
	}
	// Drop stale counts so a reused slice cannot leak a previous class's data.
	hs = hs[:cap(hs)]
	for i := range hs {
		hs[i].Init()
	}
	buf := p.pool.Get().(*[]Histogram)
	*buf = hs[:0]
	p.pool.Put(buf)
}
