// Package coalescer accepts raw per-platform watcher events, merges write
// bursts, pairs move-from/move-to by cookie, and emits batched
// relevant-path reports to the scanner.
package coalescer

import (
	"path/filepath"
	"time"

	"github.com/Ivanw/zisync/internal/ignore"
	"github.com/Ivanw/zisync/internal/syncutil"
)

// EventType is one of the six raw event kinds a watcher reports.
type EventType int

const (
	Create EventType = iota
	Modify
	Delete
	Attrib
	MoveFrom
	MoveTo
)

// RawEvent is one observation from the platform watcher.
type RawEvent struct {
	Type   EventType
	Path   string // relative to the tree root
	Cookie uint32 // 0 means "no pairing", per-platform move cookie otherwise
}

// Coalescing windows.
const (
	CreateOrModifyWait = 100 * time.Millisecond
	FileMoveWait       = 100 * time.Millisecond
	ReportInterval     = 2000 * time.Millisecond
)

type pendingEvent struct {
	evt  RawEvent
	last time.Time
}

type moveGroup struct {
	from, to         *RawEvent
	fromAt, toAt     time.Time
	earliestObserved time.Time
}

// ReportFunc receives relative paths that became due for release. Tick
// calls it once per tree root for the plain events due at that tick and
// once per unmatched move it releases; a cookie-matched move pair is
// released from Observe as soon as its second half arrives.
type ReportFunc func(treeRoot string, paths []string)

// MissFunc is called when the coalescer is told it missed events for a
// tree root and a full refresh must happen instead.
type MissFunc func(treeRoot string)

// Coalescer batches raw watcher events per tree root.
type Coalescer struct {
	mut    syncutil.Mutex
	clock  func() time.Time
	ignore *ignore.Matcher

	plain map[string]map[string]*pendingEvent // treeRoot -> path -> latest event
	moves map[string]map[uint32]*moveGroup    // treeRoot -> cookie -> group

	OnReport ReportFunc
	OnMiss   MissFunc
}

// New builds a Coalescer. clock defaults to time.Now if nil (tests inject a
// fake clock to avoid real sleeps).
func New(clock func() time.Time, ign *ignore.Matcher) *Coalescer {
	if clock == nil {
		clock = time.Now
	}
	return &Coalescer{
		mut:    syncutil.NewMutex(),
		clock:  clock,
		ignore: ign,
		plain:  make(map[string]map[string]*pendingEvent),
		moves:  make(map[string]map[uint32]*moveGroup),
	}
}

// Observe records one raw event for treeRoot. Paths matching the ignore
// policy are dropped at the source.
func (c *Coalescer) Observe(treeRoot string, ev RawEvent) {
	if c.ignore != nil && c.ignore.Ignored(ev.Path) {
		return
	}
	c.mut.Lock()
	defer c.mut.Unlock()

	now := c.clock()
	if (ev.Type == MoveFrom || ev.Type == MoveTo) && ev.Cookie != 0 {
		byCookie, ok := c.moves[treeRoot]
		if !ok {
			byCookie = make(map[uint32]*moveGroup)
			c.moves[treeRoot] = byCookie
		}
		g, ok := byCookie[ev.Cookie]
		if !ok {
			g = &moveGroup{earliestObserved: now}
			byCookie[ev.Cookie] = g
		}
		evCopy := ev
		if ev.Type == MoveFrom {
			g.from, g.fromAt = &evCopy, now
		} else {
			g.to, g.toAt = &evCopy, now
		}
		if g.from != nil && g.to != nil {
			c.releasePaths(treeRoot, []string{g.from.Path, g.to.Path})
			delete(byCookie, ev.Cookie)
		}
		return
	}

	byPath, ok := c.plain[treeRoot]
	if !ok {
		byPath = make(map[string]*pendingEvent)
		c.plain[treeRoot] = byPath
	}
	byPath[ev.Path] = &pendingEvent{evt: ev, last: now}
}

// Tick evaluates all pending state against the current clock and releases
// anything whose wait window has elapsed. Call this at most every
// ReportInterval.
func (c *Coalescer) Tick() {
	c.mut.Lock()
	defer c.mut.Unlock()

	now := c.clock()
	for treeRoot, byPath := range c.plain {
		var due []string
		for path, pe := range byPath {
			if now.Sub(pe.last) >= CreateOrModifyWait {
				due = append(due, path)
				delete(byPath, path)
			}
		}
		if len(due) > 0 {
			c.releasePaths(treeRoot, due)
		}
	}

	for treeRoot, byCookie := range c.moves {
		for cookie, g := range byCookie {
			if now.Sub(g.earliestObserved) < FileMoveWait {
				continue
			}
			// Unmatched after the wait: release as its original kind; the
			// scanner then treats a lone MOVE_FROM as a DELETE and a lone
			// MOVE_TO as a subtree-INSERT.
			var path string
			switch {
			case g.from != nil:
				path = g.from.Path
			case g.to != nil:
				path = g.to.Path
			}
			if path != "" {
				c.releasePaths(treeRoot, []string{path})
			}
			delete(byCookie, cookie)
		}
	}
}

func (c *Coalescer) releasePaths(treeRoot string, paths []string) {
	if c.OnReport != nil {
		c.OnReport(treeRoot, paths)
	}
}

// ReportMiss notifies the coalescer that the underlying watcher reported an
// event-queue overflow for treeRoot; the coalescer asks the orchestrator
// for a full refresh rather than trying to reconstruct the gap.
func (c *Coalescer) ReportMiss(treeRoot string) {
	if c.OnMiss != nil {
		c.OnMiss(treeRoot)
	}
}

// RelativeTo normalizes a watcher-supplied absolute path down to the
// slash-separated tree-relative form the rest of the pipeline speaks.
func RelativeTo(root, abs string) (string, error) {
	rel, err := filepath.Rel(root, abs)
	if err != nil {
		return "", err
	}
	return filepath.ToSlash(rel), nil
}
