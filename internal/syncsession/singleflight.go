package syncsession

import "github.com/Ivanw/zisync/internal/syncutil"

// singleflight enforces at most one concurrent session per (local tree,
// remote tree) pair. The generic golang.org/x/sync/singleflight does not
// fit here: the second caller must be rejected outright rather than wait
// and share the first call's result.
type singleflight struct {
	mut    syncutil.Mutex
	active map[string]bool
}

func newSingleflight() *singleflight {
	return &singleflight{mut: syncutil.NewMutex(), active: make(map[string]bool)}
}

func (s *singleflight) tryAcquire(key string) bool {
	s.mut.Lock()
	defer s.mut.Unlock()
	if s.active[key] {
		return false
	}
	s.active[key] = true
	return true
}

func (s *singleflight) release(key string) {
	s.mut.Lock()
	defer s.mut.Unlock()
	delete(s.active, key)
}
