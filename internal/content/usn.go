package content

import (
	"sync/atomic"

	"github.com/Ivanw/zisync/internal/zserror"
)

// USNAllocator hands out strictly increasing, database-wide unique sequence
// numbers. It must be recovered from max(usn) across all tree databases at
// startup — otherwise monotonicity can be
// violated across a crash and restart.
type USNAllocator struct {
	next int64
}

// NewUSNAllocator seeds the allocator so the first Next() returns
// maxObserved+1.
func NewUSNAllocator(maxObserved int64) *USNAllocator {
	return &USNAllocator{next: maxObserved + 1}
}

// maxUSN is the largest value this allocator may ever return; exhaustion is
// detected rather than silently wrapped.
const maxUSN = int64(1)<<62 - 1

// Next returns a fresh, strictly increasing usn, or a *zserror.Error of
// Kind Content if the space is exhausted.
func (a *USNAllocator) Next() (int64, error) {
	v := atomic.AddInt64(&a.next, 1) - 1
	if v > maxUSN {
		return 0, zserror.New("USNAllocator.Next", zserror.Content)
	}
	return v, nil
}

// Observe raises the allocator past maxSeen if it is currently behind,
// used while opening each tree database at startup.
func (a *USNAllocator) Observe(maxSeen int64) {
	for {
		cur := atomic.LoadInt64(&a.next)
		if cur > maxSeen {
			return
		}
		if atomic.CompareAndSwapInt64(&a.next, cur, maxSeen+1) {
			return
		}
	}
}

// Peek returns the next value that would be allocated, without allocating
// it. Useful for tests and diagnostics only.
func (a *USNAllocator) Peek() int64 {
	return atomic.LoadInt64(&a.next)
}
