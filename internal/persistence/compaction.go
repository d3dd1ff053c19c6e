package persistence

import (
	"context"
	"time"

	"github.com/rechain/merkleflow/pkg/crdt"
)

// WatermarkFunc returns the minimum VectorClock observed across currently
// Alive peers — the safe horizon below which a tombstone can never again be
// outlived by an un-merged older write (spec.md §4.C, §4.H).
type WatermarkFunc func() crdt.VectorClock

// CompactionScheduler periodically removes tombstones that have both
// expired and fallen behind the convergence watermark, on the same
// ticker-driven run-loop idiom internal/membership and internal/replication
// use for their own background loops.
type CompactionScheduler struct {
	store     *crdt.Store
	watermark WatermarkFunc
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCompactionScheduler returns a scheduler that sweeps store every
// interval using watermark to bound what may be removed.
func NewCompactionScheduler(store *crdt.Store, watermark WatermarkFunc, interval time.Duration) *CompactionScheduler {
	return &CompactionScheduler{
		store:     store,
		watermark: watermark,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Run blocks, sweeping on each tick until ctx is cancelled or Stop is
// called.
func (c *CompactionScheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.store.CompactTombstones(time.Now(), c.watermark())
		}
	}
}

// Stop ends a running Run loop.
func (c *CompactionScheduler) Stop() {
	select {
	case <-c.stopCh:
	default:
		close(c.stopCh)
	}
}
