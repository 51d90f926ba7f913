package atomiclock

import (
	"context"
	"time"
)

// Guard is an acquired lock. Release returns it to the free state; a Guard
// must not be released twice.
type Guard struct {
	b *Byte
}

// Release frees the lock underlying the guard.
func (g *Guard) Release() {
	g.b.Release()
}

// ScopedAcquire acquires b per Acquire's timeout contract and, on success,
// returns a Guard whose Release drops it. This is the "cooperative scoped
// acquisition" pattern: callers defer guard.Release() immediately after a
// successful acquire instead of pairing manual Acquire/Release calls.
func ScopedAcquire(ctx context.Context, b *Byte, timeout time.Duration) (*Guard, error) {
	if err := b.Acquire(ctx, timeout); err != nil {
		return nil, err
	}

	return &Guard{b: b}, nil
}
