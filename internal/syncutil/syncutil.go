// Package syncutil wraps the standard sync primitives behind interfaces,
// with an opt-in logged variant that logs at debug level when a lock is
// held past a threshold. The path store, content store and orchestrator hold locks
// across operations that may block, so diagnosing long-held locks matters
// in the field.
package syncutil

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Ivanw/zisync/internal/logger"
)

const threshold = 100 * time.Millisecond

var debug = os.Getenv("ZISYNC_LOCK_DEBUG") != ""

// Mutex is satisfied by sync.Mutex.
type Mutex interface {
	Lock()
	Unlock()
}

// RWMutex is satisfied by sync.RWMutex.
type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

// WaitGroup is satisfied by sync.WaitGroup.
type WaitGroup interface {
	Add(int)
	Done()
	Wait()
}

func NewMutex() Mutex {
	if debug {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if debug {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

func NewWaitGroup() WaitGroup {
	if debug {
		return &loggedWaitGroup{}
	}
	return &sync.WaitGroup{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = caller()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		logger.Default.Debugf("mutex held %v, locked at %s, unlocked at %s", d, m.lockedAt, caller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string
	active   int32
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	m.RWMutex.Lock()
	m.start = time.Now()
	m.lockedAt = caller()
	if d := m.start.Sub(start); d >= threshold {
		logger.Default.Debugf("rwmutex took %v to lock at %s", d, m.lockedAt)
	}
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		logger.Default.Debugf("rwmutex held %v, locked at %s, unlocked at %s", d, m.lockedAt, caller())
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RLock() {
	atomic.AddInt32(&m.active, 1)
	m.RWMutex.RLock()
}

func (m *loggedRWMutex) RUnlock() {
	atomic.AddInt32(&m.active, -1)
	m.RWMutex.RUnlock()
}

type loggedWaitGroup struct {
	sync.WaitGroup
}

func (wg *loggedWaitGroup) Wait() {
	start := time.Now()
	wg.WaitGroup.Wait()
	if d := time.Since(start); d >= threshold {
		logger.Default.Debugf("waitgroup wait took %v at %s", d, caller())
	}
}

func caller() string {
	_, file, line, ok := runtime.Caller(2)
	if !ok {
		return "unknown"
	}
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
