// Package history keeps a bounded, queryable per-tree record of what
// changed, used for user-facing activity feeds and for pairing a
// REMOVE+INSERT of the same content into one RENAME entry.
package history

import "github.com/Ivanw/zisync/internal/syncutil"

// Code identifies the kind of change a history Record documents.
type Code int

const (
	CodeInsert Code = iota
	CodeUpdate
	CodeDelete
	CodeRename
	CodeConflict
)

// Record is one emitted history entry.
type Record struct {
	USN          int64
	Modifier     string
	TreeID       string
	BackupType   int
	TimeStamp    int64
	Path         string
	Code         Code
	RenameTarget string // only set when Code == CodeRename
}

// Manager keeps a bounded in-memory ring of history records per tree.
type Manager struct {
	mut      syncutil.Mutex
	capacity int
	byTree   map[string][]Record
	nextUSN  int64
}

const defaultCapacity = 10000

// NewManager returns a Manager bounding each tree's history to capacity
// records (0 means defaultCapacity).
func NewManager(capacity int) *Manager {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	return &Manager{mut: syncutil.NewMutex(), capacity: capacity, byTree: make(map[string][]Record)}
}

// Append records one history entry, stamping it with a manager-local
// sequence number (distinct from the Path Store's usn allocator: history is
// not a Path Store row and does not consume its usn space).
func (m *Manager) Append(r Record) Record {
	m.mut.Lock()
	defer m.mut.Unlock()
	r.USN = m.nextUSN
	m.nextUSN++
	rows := append(m.byTree[r.TreeID], r)
	if len(rows) > m.capacity {
		rows = rows[len(rows)-m.capacity:]
	}
	m.byTree[r.TreeID] = rows
	return r
}

// Since returns every record for treeID with USN > lowerBound, oldest
// first — mirroring the Path Store's own query_since shape so history can
// be paged the same way.
func (m *Manager) Since(treeID string, lowerBound int64) []Record {
	m.mut.Lock()
	defer m.mut.Unlock()
	rows := m.byTree[treeID]
	var out []Record
	for _, r := range rows {
		if r.USN > lowerBound {
			out = append(out, r)
		}
	}
	return out
}
