package shmbuf

import (
	"context"
	"runtime"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// sweepConcurrency bounds how many buffers a single sweep pass reclaims at
// once: tryReclaim can briefly contend the buffer's own CAS lock, and an
// unbounded fan-out across thousands of limbo entries would turn one
// sweep tick into a thundering herd.
const sweepConcurrency = 16

// limboRegistry holds origin-side buffers that wanted to close but still
// had outstanding consumer references or an unexpired TTL. It stands in
// for the "process-global limbo registry ... scanned on each major
// collection" the source relies on: Go exposes no public major-collection
// event, so a ticker approximates it (see the runtime substrate decision).
type limboRegistry struct {
	mu      sync.Mutex
	entries map[*Buffer]struct{}

	sweepOnce sync.Once
}

var limbo = &limboRegistry{entries: make(map[*Buffer]struct{})}

func (r *limboRegistry) add(b *Buffer) {
	r.mu.Lock()
	r.entries[b] = struct{}{}
	r.mu.Unlock()

	r.sweepOnce.Do(r.startSweeper)

	// Also arm a GC finalizer for one extra reclaim attempt. While b sits in
	// entries the registry itself keeps it reachable, so the finalizer can
	// only run after a sweep has dropped it from the map and no other
	// reference remains.
	runtime.SetFinalizer(b, func(fb *Buffer) {
		fb.tryReclaim()
	})
}

func (r *limboRegistry) startSweeper() {
	go func() {
		const sweepInterval = 5 * time.Second

		ticker := time.NewTicker(sweepInterval)
		defer ticker.Stop()

		for range ticker.C {
			r.sweep()
		}
	}()
}

func (r *limboRegistry) sweep() {
	r.mu.Lock()
	pending := make([]*Buffer, 0, len(r.entries))
	for b := range r.entries {
		pending = append(pending, b)
	}
	r.mu.Unlock()

	sem := semaphore.NewWeighted(sweepConcurrency)

	var wg sync.WaitGroup

	for _, b := range pending {
		_ = sem.Acquire(context.Background(), 1)

		wg.Add(1)

		go func(b *Buffer) {
			defer wg.Done()
			defer sem.Release(1)

			if b.tryReclaim() {
				r.mu.Lock()
				delete(r.entries, b)
				r.mu.Unlock()
			}
		}(b)
	}

	wg.Wait()
}

// LimboLen reports how many buffers are currently pinned in limbo. Mainly
// useful for tests and diagnostics.
func LimboLen() int {
	limbo.mu.Lock()
	defer limbo.mu.Unlock()

	return len(limbo.entries)
}
