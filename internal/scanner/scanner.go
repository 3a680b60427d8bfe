// Package scanner refreshes a tree: a merge-join between a sorted
// filesystem walk and a sorted path store walk that stages
// INSERT/UPDATE/REMOVE operations, with platform-aware change detection
// and a hash policy that avoids rehashing unchanged files.
package scanner

import (
	"crypto/sha1"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/history"
	"github.com/Ivanw/zisync/internal/ignore"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/zserror"
)

// Entry is one filesystem entry discovered by a walk, relative to the tree
// root, using forward slashes regardless of host OS.
type Entry struct {
	Path   string
	Type   pathstore.RecordType
	Mtime  int64 // unix nanoseconds
	Length int64
	Attr   pathstore.Attr
}

// Walker abstracts the filesystem traversal so tests can substitute a fake
// tree without touching disk.
type Walker interface {
	// Walk must return entries sorted lexicographically by Path.
	Walk(root string) ([]Entry, error)
}

// OSWalker walks a real directory tree with os/filepath.
type OSWalker struct{}

func (OSWalker) Walk(root string) ([]Entry, error) {
	var out []Entry
	err := filepath.WalkDir(root, func(p string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if p == root {
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		info, err := d.Info()
		if err != nil {
			return err
		}
		e := Entry{Path: rel, Mtime: info.ModTime().UnixNano()}
		if d.IsDir() {
			e.Type = pathstore.TypeDir
		} else {
			e.Type = pathstore.TypeFile
			e.Length = info.Size()
		}
		e.Attr.Unix = uint32(info.Mode().Perm())
		out = append(out, e)
		return nil
	})
	if err != nil {
		return nil, zserror.Wrap("scanner.OSWalker.Walk", zserror.OsIo, err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Platform selects the device-platform-specific comparison rules: on
// Android and iOS, mtime differences alone do not mark a change; on
// Android, attribute differences alone do not. This is a runtime policy keyed off the owning device's Platform tag, not a Go
// build-time GOOS/GOARCH selection, since one binary may scan trees
// belonging to differently-tagged remote devices during reconciliation
// tests.
type Platform string

const (
	PlatformGeneric Platform = ""
	PlatformAndroid Platform = "android"
	PlatformIOS     Platform = "ios"
)

func sha1Sum(path string) ([20]byte, error) {
	var out [20]byte
	f, err := os.Open(path)
	if err != nil {
		return out, err
	}
	defer f.Close()
	h := sha1.New()
	if _, err := io.Copy(h, f); err != nil {
		return out, err
	}
	copy(out[:], h.Sum(nil))
	return out, nil
}

// Scanner drives one refresh pass over a tree root against its Path Store.
type Scanner struct {
	Walker     Walker
	Platform   Platform
	Permission content.Permission
	History    *history.Manager
	Ignore     *ignore.Matcher
	// HashFile computes a file's sha1 content hash; overridable for tests.
	HashFile func(path string) ([20]byte, error)
}

// New builds a Scanner with OS-backed defaults.
func New(platform Platform, perm content.Permission, hist *history.Manager, ign *ignore.Matcher) *Scanner {
	return &Scanner{
		Walker:     OSWalker{},
		Platform:   platform,
		Permission: perm,
		History:    hist,
		Ignore:     ign,
		HashFile:   sha1Sum,
	}
}

// Refresh walks root, merge-joins against store, stages the resulting ops
// via store.ApplyBatch, and emits one history record per change. relevant,
// when non-empty, restricts emitted ops to those paths (used for a
// watcher-driven partial refresh); an empty slice means a full refresh.
func (s *Scanner) Refresh(treeID string, root string, store *pathstore.Store, relevant []string) ([]pathstore.Result, error) {
	entries, err := s.Walker.Walk(root)
	if err != nil {
		return nil, err
	}
	entries = s.filterIgnored(entries)

	dbRecords, err := store.All()
	if err != nil {
		return nil, err
	}

	hashes := s.prehash(root, entries, dbRecords)
	ops := s.mergeJoin(root, entries, dbRecords, relevant, hashes)
	if len(ops) == 0 {
		return nil, nil
	}

	results, err := store.ApplyBatch(ops)
	if err != nil {
		return nil, err
	}
	s.recordHistory(treeID, ops, results)
	return results, nil
}

func (s *Scanner) filterIgnored(entries []Entry) []Entry {
	if s.Ignore == nil {
		return entries
	}
	out := entries[:0]
	for _, e := range entries {
		if !s.Ignore.Ignored(e.Path) {
			out = append(out, e)
		}
	}
	return out
}

func relevantSet(relevant []string) map[string]bool {
	if len(relevant) == 0 {
		return nil
	}
	m := make(map[string]bool, len(relevant))
	for _, p := range relevant {
		m[p] = true
	}
	return m
}

// prehash computes content hashes concurrently, through a bounded worker
// pool, for every file entry the merge-join will need one for: new files,
// and files whose mtime or length differs from the stored row. The join
// itself then stays single-threaded. Hash failures are simply absent from
// the result; the join retries those directly and drops the op when the
// retry fails too.
func (s *Scanner) prehash(root string, entries []Entry, dbRecords []pathstore.FileRecord) map[string][20]byte {
	byPath := make(map[string]pathstore.FileRecord, len(dbRecords))
	for _, r := range dbRecords {
		if r.Status == pathstore.StatusNormal {
			byPath[r.Path] = r
		}
	}
	var todo []string
	for _, e := range entries {
		if e.Type != pathstore.TypeFile {
			continue
		}
		r, ok := byPath[e.Path]
		if !ok || r.Type != pathstore.TypeFile || e.Mtime != r.Mtime || e.Length != r.Length {
			todo = append(todo, e.Path)
		}
	}
	if len(todo) == 0 {
		return nil
	}

	var mut sync.Mutex
	out := make(map[string][20]byte, len(todo))
	g := new(errgroup.Group)
	g.SetLimit(runtime.NumCPU())
	for _, p := range todo {
		p := p
		g.Go(func() error {
			sum, err := s.HashFile(filepath.Join(root, filepath.FromSlash(p)))
			if err != nil {
				return nil
			}
			mut.Lock()
			out[p] = sum
			mut.Unlock()
			return nil
		})
	}
	g.Wait()
	return out
}

func (s *Scanner) hash(root, relPath string, hashes map[string][20]byte) ([20]byte, error) {
	if sum, ok := hashes[relPath]; ok {
		return sum, nil
	}
	return s.HashFile(filepath.Join(root, filepath.FromSlash(relPath)))
}

// mergeJoin walks entries and dbRecords (both must be sorted by path) in
// lockstep.
func (s *Scanner) mergeJoin(root string, entries []Entry, dbRecords []pathstore.FileRecord, relevant []string, hashes map[string][20]byte) []pathstore.Op {
	relevantOnly := relevantSet(relevant)

	var ops []pathstore.Op
	i, j := 0, 0
	for i < len(entries) || j < len(dbRecords) {
		// Skip tombstones on the DB side entirely; they don't participate
		// in the merge-join (only NORMAL rows do).
		for j < len(dbRecords) && dbRecords[j].Status != pathstore.StatusNormal {
			j++
		}

		var ePath, dPath string
		haveE, haveD := i < len(entries), j < len(dbRecords)
		if haveE {
			ePath = entries[i].Path
		}
		if haveD {
			dPath = dbRecords[j].Path
		}

		switch {
		case haveD && (!haveE || dPath < ePath):
			// Only in DB: REMOVE.
			if wanted(relevantOnly, dPath) {
				if op, ok := s.removeOp(dbRecords[j]); ok {
					ops = append(ops, op)
				}
			}
			j++
		case haveE && (!haveD || ePath < dPath):
			// Only in FS: INSERT.
			if wanted(relevantOnly, ePath) {
				if op, ok := s.insertOp(root, entries[i], hashes); ok {
					ops = append(ops, op)
				}
			}
			i++
		default:
			// Both present: compare.
			if wanted(relevantOnly, ePath) {
				if op, ok := s.updateOp(root, entries[i], dbRecords[j], hashes); ok {
					ops = append(ops, op)
				}
			}
			i++
			j++
		}
	}
	return ops
}

func wanted(set map[string]bool, path string) bool {
	if set == nil {
		return true
	}
	return set[path]
}

func (s *Scanner) removeOp(r pathstore.FileRecord) (pathstore.Op, bool) {
	if !s.Permission.CanDelete() {
		return pathstore.Op{}, false
	}
	// Record carries the removed row's own sha1 so recordHistory can pair
	// this REMOVE against a same-batch INSERT as a rename; ApplyBatch
	// clears HasSHA1/SHA1 on the stored tombstone regardless.
	rec := pathstore.FileRecord{
		Path:         r.Path,
		Type:         r.Type,
		SHA1:         r.SHA1,
		HasSHA1:      r.HasSHA1,
		LocalVClock:  r.LocalVClock + 1,
		RemoteVClock: r.RemoteVClock,
	}
	if s.Permission.ClampsVClock() {
		rec.LocalVClock = 0
		rec.RemoteVClock = nil
	}
	return pathstore.Op{
		Kind:            pathstore.OpDelete,
		Record:          rec,
		PreconditionID:  r.ID,
		PreconditionUSN: r.USN,
	}, true
}

func (s *Scanner) insertOp(root string, e Entry, hashes map[string][20]byte) (pathstore.Op, bool) {
	if s.Permission.SuppressesInserts() {
		return pathstore.Op{}, false
	}
	rec := pathstore.FileRecord{
		Path:      e.Path,
		Type:      e.Type,
		Status:    pathstore.StatusNormal,
		Mtime:     e.Mtime,
		Length:    e.Length,
		Attr:      e.Attr,
		TimeStamp: time.Now().UnixNano(),
	}
	if e.Type == pathstore.TypeFile {
		sum, err := s.hash(root, e.Path, hashes)
		if err != nil {
			return pathstore.Op{}, false // no op for this path in this pass; nothing re-queues it
		}
		rec.SHA1 = sum
		rec.HasSHA1 = true
	}
	rec.LocalVClock = 1
	if s.Permission.ClampsVClock() {
		rec.LocalVClock = 0
		rec.RemoteVClock = nil
	}
	return pathstore.Op{Kind: pathstore.OpInsert, Record: rec}, true
}

func (s *Scanner) updateOp(root string, e Entry, r pathstore.FileRecord, hashes map[string][20]byte) (pathstore.Op, bool) {
	if !s.changed(root, e, r, hashes) {
		return pathstore.Op{}, false
	}

	newRec := r
	newRec.TimeStamp = time.Now().UnixNano()

	if s.Permission.CanWrite() {
		newRec.Type = e.Type
		newRec.Mtime = e.Mtime
		newRec.Length = e.Length
		newRec.Attr = e.Attr
		if e.Type == pathstore.TypeFile && (r.Type != pathstore.TypeFile || e.Mtime != r.Mtime || e.Length != r.Length) {
			sum, err := s.hash(root, e.Path, hashes)
			if err != nil {
				return pathstore.Op{}, false
			}
			newRec.SHA1 = sum
			newRec.HasSHA1 = true
		}
	}
	// RDONLY: the content fields above are left untouched ("the write is
	// suppressed") — only the vclock advances below, so the Path Store
	// still remembers it observed a local change for this path.

	if s.Permission.ClampsVClock() {
		newRec.LocalVClock = 0
		newRec.RemoteVClock = nil
	} else {
		newRec.LocalVClock = r.LocalVClock + 1
	}

	return pathstore.Op{
		Kind:            pathstore.OpUpdate,
		Record:          newRec,
		PreconditionID:  r.ID,
		PreconditionUSN: r.USN,
	}, true
}

// changed decides whether e differs from the stored record, applying the
// hash policy and the platform comparison rules.
func (s *Scanner) changed(root string, e Entry, r pathstore.FileRecord, hashes map[string][20]byte) bool {
	typeChanged := e.Type != r.Type
	if typeChanged {
		return true
	}

	mtimeChanged := e.Mtime != r.Mtime
	lengthChanged := e.Length != r.Length
	attrChanged := e.Attr != r.Attr

	switch s.Platform {
	case PlatformAndroid:
		mtimeChanged = mtimeChanged && lengthChanged // mtime alone doesn't mark a change
		attrChanged = false                          // attrs alone never mark a change
	case PlatformIOS:
		mtimeChanged = mtimeChanged && lengthChanged
	}

	if !(mtimeChanged || lengthChanged || attrChanged) {
		return false
	}
	if e.Type != pathstore.TypeFile {
		return true
	}

	// Recompute sha1 only when (type/status changed to FILE) OR (mtime or
	// length changed); a bare attribute change never forces a rehash.
	if !(mtimeChanged || lengthChanged) {
		return attrChanged
	}
	sum, err := s.hash(root, e.Path, hashes)
	if err != nil {
		return false // a hash failure reports no change; nothing re-queues the path
	}
	return !r.HasSHA1 || sum != r.SHA1
}

func (s *Scanner) recordHistory(treeID string, ops []pathstore.Op, results []pathstore.Result) {
	if s.History == nil {
		return
	}
	renamed := detectRenames(ops, results)
	targets := make(map[string]bool, len(renamed))
	for _, to := range renamed {
		targets[to] = true
	}
	for i, op := range ops {
		if !results[i].Applied {
			continue
		}
		if op.Kind == pathstore.OpInsert && targets[op.Record.Path] {
			continue // recorded as the RENAME of its source path
		}
		if target, ok := renamed[op.Record.Path]; ok {
			s.History.Append(history.Record{
				TreeID:       treeID,
				Path:         op.Record.Path,
				Code:         history.CodeRename,
				RenameTarget: target,
				TimeStamp:    op.Record.TimeStamp,
				Modifier:     op.Record.Modifier,
			})
			continue
		}
		code := history.CodeUpdate
		switch op.Kind {
		case pathstore.OpInsert:
			code = history.CodeInsert
		case pathstore.OpDelete:
			code = history.CodeDelete
		}
		s.History.Append(history.Record{
			TreeID:    treeID,
			Path:      op.Record.Path,
			Code:      code,
			TimeStamp: op.Record.TimeStamp,
			Modifier:  op.Record.Modifier,
		})
	}
}

// detectRenames combines a REMOVE and an INSERT of the same sha1 into one
// RENAME history entry instead of two.
// Returns a map from the removed path to the path it was renamed to.
func detectRenames(ops []pathstore.Op, results []pathstore.Result) map[string]string {
	inserted := map[[20]byte]string{}
	for i, op := range ops {
		if op.Kind == pathstore.OpInsert && results[i].Applied && op.Record.HasSHA1 {
			inserted[op.Record.SHA1] = op.Record.Path
		}
	}
	pairs := map[string]string{}
	for sum, from := range removedPaths(ops, results) {
		if to, ok := inserted[sum]; ok {
			pairs[from] = to
		}
	}
	return pairs
}

func removedPaths(ops []pathstore.Op, results []pathstore.Result) map[[20]byte]string {
	out := map[[20]byte]string{}
	for i, op := range ops {
		if op.Kind != pathstore.OpDelete || !results[i].Applied {
			continue
		}
		if op.Record.HasSHA1 {
			out[op.Record.SHA1] = op.Record.Path
		}
	}
	return out
}
