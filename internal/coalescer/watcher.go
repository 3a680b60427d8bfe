package coalescer

import (
	"github.com/syncthing/notify"

	"github.com/Ivanw/zisync/internal/logger"
)

// NotifyWatcher drives a Coalescer from github.com/syncthing/notify,
// which fronts the per-platform inotify/FSEvents/ReadDirectoryChangesW
// machinery.
type NotifyWatcher struct {
	root string
	c    *Coalescer
	ch   chan notify.EventInfo
	stop chan struct{}
}

// WatchTree starts watching root recursively, feeding every observed event
// into c as a RawEvent. Call Stop to tear it down; the watch must be torn
// down synchronously with a Tree's REMOVE transition.
func WatchTree(root string, c *Coalescer) (*NotifyWatcher, error) {
	ch := make(chan notify.EventInfo, 256)
	if err := notify.Watch(root+"/...", ch, notify.All); err != nil {
		return nil, err
	}
	w := &NotifyWatcher{root: root, c: c, ch: ch, stop: make(chan struct{})}
	go w.run()
	return w, nil
}

func (w *NotifyWatcher) run() {
	for {
		select {
		case <-w.stop:
			return
		case ev, ok := <-w.ch:
			if !ok {
				return
			}
			rel, err := RelativeTo(w.root, ev.Path())
			if err != nil {
				logger.Default.Warnf("coalescer: path outside tree root %s: %v", w.root, err)
				continue
			}
			w.c.Observe(w.root, toRawEvent(ev, rel))
		}
	}
}

func toRawEvent(ev notify.EventInfo, rel string) RawEvent {
	switch ev.Event() {
	case notify.Create:
		return RawEvent{Type: Create, Path: rel}
	case notify.Write:
		return RawEvent{Type: Modify, Path: rel}
	case notify.Remove:
		return RawEvent{Type: Delete, Path: rel}
	case notify.Rename:
		// notify does not expose a cross-platform move cookie uniformly;
		// each half of a rename arrives as its own event on most
		// platforms. With Cookie 0 the coalescer does no move pairing and
		// holds the path like any other event until CreateOrModifyWait
		// has passed; the scanner then sees the vanished path as a
		// removal and the new one as an insert.
		return RawEvent{Type: MoveFrom, Path: rel, Cookie: 0}
	default:
		return RawEvent{Type: Attrib, Path: rel}
	}
}

// Stop tears down the watch.
func (w *NotifyWatcher) Stop() {
	close(w.stop)
	notify.Stop(w.ch)
}
