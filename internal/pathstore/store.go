package pathstore

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/syncutil"
	"github.com/Ivanw/zisync/internal/zserror"
)

const (
	prefixPath = "p/" // path -> FileRecord
	prefixUSN  = "u/" // zero-padded usn -> path
)

// Store is one tree's Path Store, backed by its own goleveldb database file
// (<tree_uuid>.db).
type Store struct {
	db    *leveldb.DB
	mut   syncutil.Mutex
	alloc *content.USNAllocator

	// Modifier is stamped onto every row this Store writes, identifying the
	// device that made the change.
	Modifier string
}

// Open opens the tree database at path. alloc must be the process-wide USN
// allocator, shared across every Store in the process and seeded from
// max(usn) across all tree databases at startup.
func Open(path string, alloc *content.USNAllocator, modifier string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zserror.Wrap("pathstore.Open", zserror.Content, err)
	}
	return &Store{db: db, mut: syncutil.NewMutex(), alloc: alloc, Modifier: modifier}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func usnKey(usn int64) []byte {
	// fixed-width decimal so lexicographic byte order matches numeric order
	return []byte(fmt.Sprintf("%s%020d", prefixUSN, usn))
}

// Get returns the record at path, or (zero, false) if none exists.
func (s *Store) Get(path string) (FileRecord, bool, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.getLocked(path)
}

func (s *Store) getLocked(path string) (FileRecord, bool, error) {
	var r FileRecord
	buf, err := s.db.Get([]byte(prefixPath+path), nil)
	if err == leveldb.ErrNotFound {
		return r, false, nil
	}
	if err != nil {
		return r, false, zserror.Wrap("pathstore.Get", zserror.Content, err)
	}
	if err := json.Unmarshal(buf, &r); err != nil {
		return r, false, zserror.Wrap("pathstore.Get", zserror.Content, err)
	}
	return r, true, nil
}

// MaxUSN returns the largest usn stamped in this store, or 0 if empty.
func (s *Store) MaxUSN() (int64, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixUSN)), nil)
	defer it.Release()
	if !it.Last() {
		return 0, nil
	}
	key := string(it.Key())
	var usn int64
	_, err := fmt.Sscanf(strings.TrimPrefix(key, prefixUSN), "%020d", &usn)
	if err != nil {
		return 0, zserror.Wrap("pathstore.MaxUSN", zserror.Content, err)
	}
	return usn, nil
}

// QuerySince returns up to limit records with usn > lowerBound, ordered by
// usn ascending — the shape the Sync Session ships as a delta.
func (s *Store) QuerySince(lowerBound int64, limit int) ([]FileRecord, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	start := usnKey(lowerBound + 1)
	end := []byte(prefixUSN + strings.Repeat("9", 20) + "\xff")
	it := s.db.NewIterator(&util.Range{Start: start, Limit: end}, nil)
	defer it.Release()

	var out []FileRecord
	for it.Next() && (limit <= 0 || len(out) < limit) {
		path := string(it.Value())
		r, ok, err := s.getLocked(path)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue // stale index entry from a superseded usn (shouldn't happen, defensive)
		}
		out = append(out, r)
	}
	return out, nil
}

// ApplyBatch commits every op atomically: either the whole goleveldb batch
// lands or none of it does. Within that atomic write, each op is evaluated
// independently against its (id, usn) precondition — a precondition
// mismatch skips only that op, it does not fail the batch.
func (s *Store) ApplyBatch(ops []Op) ([]Result, error) {
	s.mut.Lock()
	defer s.mut.Unlock()

	results := make([]Result, len(ops))
	var batch leveldb.Batch

	for i, op := range ops {
		res := Result{Op: op}
		existing, exists, err := s.getLocked(op.Record.Path)
		if err != nil {
			return nil, err
		}

		switch op.Kind {
		case OpInsert:
			// no precondition: inserting over an existing NORMAL row is a
			// caller bug, but we still apply deterministically by ID match
			// if the caller supplied one for idempotent retry.
			if exists && existing.Status == StatusNormal && op.PreconditionID != existing.ID {
				res.Skipped = true
				res.SkipWhy = "insert target already exists"
				results[i] = res
				continue
			}
		case OpUpdate, OpDelete:
			if !exists || existing.ID != op.PreconditionID || existing.USN != op.PreconditionUSN {
				res.Skipped = true
				res.SkipWhy = "precondition (id,usn) mismatch"
				results[i] = res
				continue
			}
		}

		usn, err := s.alloc.Next()
		if err != nil {
			return nil, err
		}

		rec := op.Record
		rec.USN = usn
		rec.Modifier = s.Modifier
		if op.Kind == OpInsert {
			rec.ID = usn // USNs are database-wide unique; reuse as a stable row id
		} else {
			rec.ID = existing.ID
		}
		if op.Kind == OpDelete {
			rec.Type = existing.Type
			rec.Status = StatusRemove
			rec.Length = 0
			rec.SHA1 = [20]byte{}
			rec.HasSHA1 = false
			// A delete staged without an explicit clock is a locally
			// observed removal: advance our own column over the old row.
			// Rows whose clock was clamped to zero stay clamped.
			if rec.LocalVClock == 0 && len(rec.RemoteVClock) == 0 {
				rec.RemoteVClock = existing.RemoteVClock
				if existing.LocalVClock > 0 || len(existing.RemoteVClock) > 0 {
					rec.LocalVClock = existing.LocalVClock + 1
				}
			}
		}

		buf, err := json.Marshal(rec)
		if err != nil {
			return nil, zserror.Wrap("pathstore.ApplyBatch", zserror.Content, err)
		}
		batch.Put([]byte(prefixPath+rec.Path), buf)
		batch.Put(usnKey(usn), []byte(rec.Path))
		if exists && existing.USN != 0 {
			batch.Delete(usnKey(existing.USN))
		}

		res.Applied = true
		res.NewUSN = usn
		results[i] = res
	}

	if err := s.db.Write(&batch, nil); err != nil {
		return nil, zserror.Wrap("pathstore.ApplyBatch", zserror.Content, err)
	}
	return results, nil
}

// RemoveSubtree marks every NORMAL record whose path equals or starts with
// prefix+"/" as REMOVE.
func (s *Store) RemoveSubtree(prefix string) error {
	s.mut.Lock()
	all, err := s.allLocked()
	s.mut.Unlock()
	if err != nil {
		return err
	}

	var ops []Op
	for _, r := range all {
		if r.Status != StatusNormal {
			continue
		}
		if r.Path != prefix && !strings.HasPrefix(r.Path, prefix+"/") {
			continue
		}
		ops = append(ops, Op{
			Kind:            OpDelete,
			Record:          FileRecord{Path: r.Path},
			PreconditionID:  r.ID,
			PreconditionUSN: r.USN,
		})
	}
	if len(ops) == 0 {
		return nil
	}
	_, err = s.ApplyBatch(ops)
	return err
}

// All returns every record in the store, sorted lexicographically by
// path, the order the scanner's merge-join walks the store in.
func (s *Store) All() ([]FileRecord, error) {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.allLocked()
}

func (s *Store) allLocked() ([]FileRecord, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixPath)), nil)
	defer it.Release()
	var out []FileRecord
	for it.Next() {
		var r FileRecord
		if err := json.Unmarshal(it.Value(), &r); err != nil {
			return nil, zserror.Wrap("pathstore.All", zserror.Content, err)
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}
