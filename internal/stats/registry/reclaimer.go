// Licensed under the MIT License. See LICENSE file in the project root for details.

package registry

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// DefaultReclaimInterval is the background reclamation tick.
const DefaultReclaimInterval = 100 * time.Millisecond

// Reclaimer releases removed entries once their grace period has elapsed.
//
// Removal already attempts a collection, so the background loop only matters
// for entries whose removal raced with a long scan or a held guard.
type Reclaimer struct {
	table    *Table
	interval time.Duration
	stop     atomic.Bool
	done     chan struct{}
	once     sync.Once
	wg       sync.WaitGroup
	released atomic.Uint64
}

func newReclaimer(t *Table, interval time.Duration) *Reclaimer {
	return &Reclaimer{
		table:    t,
		interval: interval,
		done:     make(chan struct{}),
	}
}

// Start begins background reclamation. It does nothing after Stop.
func (r *Reclaimer) Start() {
	if r.stop.Load() {
		return
	}

	r.wg.Add(1)
	go r.run()
}

// Stop gracefully stops the reclaimer.
func (r *Reclaimer) Stop() {
	r.stop.Store(true)
	r.once.Do(func() { close(r.done) })
	r.wg.Wait()
}

// run is the main reclamation loop
func (r *Reclaimer) run() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.done:
			return
		case <-ticker.C:
			r.Collect()
		}
	}
}

// Collect performs one reclamation cycle and returns the number of entries released.
func (r *Reclaimer) Collect() int {
	n := r.table.collect()
	if n > 0 {
		r.released.Add(uint64(n))
		r.table.logger.Debug("Reclaimed class entries",
			zap.Int("released", n),
			zap.Uint64("min_active", r.table.epochs.MinActive()))
	}
	return n
}

// ForceCollect performs an immediate reclamation cycle unless nothing is retired.
func (r *Reclaimer) ForceCollect() int {
	if r.table.Retired() == 0 {
		return 0
	}
	return r.Collect()
}

// Released returns the total number of entries released.
func (r *Reclaimer) Released() uint64 {
	return r.released.Load()
}
