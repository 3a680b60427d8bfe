// Package pathstore implements the per-tree path store: an indexed
// mapping path -> FileRecord with USN ordering and content hash, the only
// authoritative mutator of on-disk FileRecord state.
package pathstore

import "github.com/Ivanw/zisync/internal/vclock"

// RecordType distinguishes a regular file from a directory.
type RecordType int

const (
	TypeFile RecordType = iota
	TypeDir
)

// RecordStatus is NORMAL or a REMOVE tombstone. Tombstones are never
// deleted by normal operation; they participate in vector-clock
// comparisons forever.
type RecordStatus int

const (
	StatusNormal RecordStatus = iota
	StatusRemove
)

// Attr bundles the per-platform attribute bits, all kept on every record
// so they survive cross-platform round trips.
type Attr struct {
	Unix    uint32
	Win     uint32
	Android uint32
}

// FileRecord is one row of the Path Store, keyed by Path.
type FileRecord struct {
	ID           int64
	Path         string
	Type         RecordType
	Status       RecordStatus
	Mtime        int64 // unix nanoseconds
	Length       int64
	USN          int64
	SHA1         [20]byte
	HasSHA1      bool
	Attr         Attr
	LocalVClock  int32
	RemoteVClock []int32
	Modifier     string
	TimeStamp    int64
}

// VClock assembles the full vector clock for this record: column 0 is
// LocalVClock, the remainder is RemoteVClock in tree-column order.
func (r FileRecord) VClock() vclock.Clock {
	c := make(vclock.Clock, 1+len(r.RemoteVClock))
	c[0] = r.LocalVClock
	for i, v := range r.RemoteVClock {
		c[i+1] = v
	}
	return c
}

// WithVClock returns a copy of r with LocalVClock/RemoteVClock set from c.
// c[0] becomes LocalVClock; the rest becomes RemoteVClock.
func (r FileRecord) WithVClock(c vclock.Clock) FileRecord {
	out := r
	if len(c) == 0 {
		out.LocalVClock = 0
		out.RemoteVClock = nil
		return out
	}
	out.LocalVClock = c[0]
	if len(c) > 1 {
		out.RemoteVClock = append([]int32(nil), c[1:]...)
	} else {
		out.RemoteVClock = nil
	}
	return out
}

// IsTombstone reports whether this record represents a deletion.
func (r FileRecord) IsTombstone() bool { return r.Status == StatusRemove }
