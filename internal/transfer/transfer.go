// Package transfer defines the Transfer Client/Server boundary and ships a
// reference in-process implementation good enough to drive tests and a
// single-machine demo without opening a real socket.
package transfer

import (
	"context"
	"fmt"

	"github.com/Ivanw/zisync/internal/syncutil"
)

// FileSpec is one file within a Task.
type FileSpec struct {
	RemotePath string
	LocalPath  string // temp path the bytes land at before the caller renames into place
	Length     int64
	SHA1       [20]byte
	HasSHA1    bool
}

// Task is one batch of files transferred over a single connection
type Task struct {
	ID    string
	Files []FileSpec
}

// TaskMonitor reports progress of a submitted Task.
type TaskMonitor interface {
	OnByteTransfered(taskID, path string, n int64)
	OnFileTransfered(taskID, path string)
	OnFileSkiped(taskID, path, why string)
}

// NopMonitor implements TaskMonitor with no-ops, for callers that don't
// need progress reporting.
type NopMonitor struct{}

func (NopMonitor) OnByteTransfered(string, string, int64) {}
func (NopMonitor) OnFileTransfered(string, string)        {}
func (NopMonitor) OnFileSkiped(string, string, string)    {}

// Client submits transfer tasks and can cancel them by id.
type Client interface {
	Submit(ctx context.Context, task Task, monitor TaskMonitor) error
	Cancel(taskID string) error
}

// Server accepts incoming transfer connections and ships the bytes this
// peer has been asked to send. Its real implementation (TCP framing, one
// I/O thread per active task) is explicitly out of scope;
// this interface only fixes the boundary other packages code against.
type Server interface {
	Serve(ctx context.Context) error
	Close() error
}

// ErrCancelled is returned by Submit when the task's id was cancelled
// before or during the transfer.
var ErrCancelled = fmt.Errorf("transfer: task cancelled")

type cancelSet struct {
	mut syncutil.Mutex
	ids map[string]bool
}

func newCancelSet() *cancelSet {
	return &cancelSet{mut: syncutil.NewMutex(), ids: make(map[string]bool)}
}

func (c *cancelSet) mark(id string) {
	c.mut.Lock()
	defer c.mut.Unlock()
	c.ids[id] = true
}

func (c *cancelSet) isCancelled(id string) bool {
	c.mut.Lock()
	defer c.mut.Unlock()
	return c.ids[id]
}
