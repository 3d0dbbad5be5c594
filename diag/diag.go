// Package diag implements the recovery and introspection tooling spec.md
// expects operators to have alongside the core engine: a periodic zombie
// sweep, a layout/schema validator, and a human-readable snapshot dump.
//
// Grounded on original_source/cpp/examples/hub_health_example.cpp's
// periodic-sweep shape and feeder shm/Giulio2002-gdbx lock.go's
// cleanupStaleReaders, generalized from an in-process sweep to one that
// fans out over several segments concurrently via golang.org/x/sync/errgroup.
package diag

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Qing-LAB/pylabhub-sub000"
)

// Sweeper periodically reclaims dead consumers' ring slots across a set of
// segments, wiring heartbeat.ReclaimStale (via Segment.ReclaimDeadConsumers)
// into a standing background loop (spec.md §5 "Process death" reclamation
// is described as eventually-run, not guaranteed synchronous with the
// death itself).
type Sweeper struct {
	segments []*pylabhub.Segment
	interval time.Duration
}

// NewSweeper builds a Sweeper over segments, sweeping every interval.
func NewSweeper(segments []*pylabhub.Segment, interval time.Duration) *Sweeper {
	return &Sweeper{segments: segments, interval: interval}
}

// Run sweeps every segment concurrently on each tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.sweepOnce(ctx); err != nil {
				return err
			}
		}
	}
}

func (s *Sweeper) sweepOnce(ctx context.Context) error {
	g, _ := errgroup.WithContext(ctx)
	for _, seg := range s.segments {
		seg := seg
		g.Go(func() error {
			seg.ReclaimDeadConsumers()
			return nil
		})
	}
	return g.Wait()
}

// Snapshot is a point-in-time diagnostic view of one segment.
type Snapshot struct {
	Name           string `json:"name"`
	ConsumerPolicy string `json:"consumer_sync_policy"`
	ChecksumPolicy string `json:"checksum_policy"`
	RingCapacity   int    `json:"ring_capacity"`
}

// Describe builds a Snapshot for seg.
func Describe(seg *pylabhub.Segment) Snapshot {
	return Snapshot{
		Name:           seg.Name(),
		ConsumerPolicy: seg.ConsumerPolicy().String(),
		ChecksumPolicy: seg.ChecksumPolicy().String(),
		RingCapacity:   seg.RingCapacity(),
	}
}

// ValidateLayout re-attaches name under the given secret/types and reports
// any layout or schema error without holding onto the segment, the
// read-only health-check shape hub_health_example.cpp's periodic probe
// uses.
func ValidateLayout[Flex, Slot any](name string, sharedSecret uint64) error {
	seg, err := pylabhub.AttachSegment[Flex, Slot](name, sharedSecret, time.Second.Nanoseconds())
	if err != nil {
		return fmt.Errorf("diag: validate %s: %w", name, err)
	}
	return seg.Close()
}
