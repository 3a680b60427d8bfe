package coalescer

import (
	"sort"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/Ivanw/zisync/internal/ignore"
)

func newTestIgnore() (*ignore.Matcher, error) {
	return ignore.New(nil)
}

type fakeClock struct{ now time.Time }

func (f *fakeClock) Now() time.Time { return f.now }
func (f *fakeClock) Advance(d time.Duration) { f.now = f.now.Add(d) }

func TestBurstCoalescedIntoOneRelease(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	var reports [][]string
	c := New(fc.Now, nil)
	c.OnReport = func(_ string, paths []string) { reports = append(reports, paths) }

	c.Observe("/root", RawEvent{Type: Create, Path: "a.txt"})
	fc.Advance(50 * time.Millisecond)
	c.Observe("/root", RawEvent{Type: Modify, Path: "a.txt"})
	fc.Advance(50 * time.Millisecond)
	c.Tick() // only 50ms since last touch of a.txt: not due yet
	assert.Empty(t, reports)

	fc.Advance(CreateOrModifyWait)
	c.Tick()
	assert.Len(t, reports, 1)
	assert.Equal(t, []string{"a.txt"}, reports[0])
}

func TestMovePairReleasedImmediately(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	var reports [][]string
	c := New(fc.Now, nil)
	c.OnReport = func(_ string, paths []string) { reports = append(reports, paths) }

	c.Observe("/root", RawEvent{Type: MoveFrom, Path: "a.txt", Cookie: 7})
	assert.Empty(t, reports, "half a move pair must not release alone")
	c.Observe("/root", RawEvent{Type: MoveTo, Path: "b.txt", Cookie: 7})

	assert.Len(t, reports, 1)
	got := append([]string(nil), reports[0]...)
	sort.Strings(got)
	assert.Equal(t, []string{"a.txt", "b.txt"}, got)
}

func TestUnmatchedMoveReleasedAfterWaitTime(t *testing.T) {
	fc := &fakeClock{now: time.Unix(0, 0)}
	var reports [][]string
	c := New(fc.Now, nil)
	c.OnReport = func(_ string, paths []string) { reports = append(reports, paths) }

	c.Observe("/root", RawEvent{Type: MoveFrom, Path: "a.txt", Cookie: 9})
	fc.Advance(FileMoveWait)
	c.Tick()

	assert.Len(t, reports, 1)
	assert.Equal(t, []string{"a.txt"}, reports[0])
}

func TestMissTriggersFullRefresh(t *testing.T) {
	c := New(nil, nil)
	var missed string
	c.OnMiss = func(root string) { missed = root }
	c.ReportMiss("/root")
	assert.Equal(t, "/root", missed)
}

func TestIgnoredPathNeverObserved(t *testing.T) {
	m, err := newTestIgnore()
	assert.NoError(t, err)
	fc := &fakeClock{now: time.Unix(0, 0)}
	var reports [][]string
	c := New(fc.Now, m)
	c.OnReport = func(_ string, paths []string) { reports = append(reports, paths) }

	c.Observe("/root", RawEvent{Type: Create, Path: ".zisync.meta"})
	fc.Advance(CreateOrModifyWait)
	c.Tick()
	assert.Empty(t, reports)
}
