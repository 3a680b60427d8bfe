package scanner

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/history"
	"github.com/Ivanw/zisync/internal/ignore"
	"github.com/Ivanw/zisync/internal/pathstore"
)

func newIgnoreMatcher() (*ignore.Matcher, error) {
	return ignore.New(nil)
}

type fakeWalker struct{ entries []Entry }

func (f fakeWalker) Walk(string) ([]Entry, error) { return f.entries, nil }

func hashOf(b byte) func(string) ([20]byte, error) {
	return func(string) ([20]byte, error) {
		var h [20]byte
		h[0] = b
		return h, nil
	}
}

func newStore(t *testing.T) *pathstore.Store {
	t.Helper()
	alloc := content.NewUSNAllocator(0)
	s, err := pathstore.Open(filepath.Join(t.TempDir(), "tree.db"), alloc, "laptop")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestScannerInsertsNewFile(t *testing.T) {
	store := newStore(t)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, nil, nil)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4}}}
	sc.HashFile = hashOf(1)

	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	rec, ok, err := store.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pathstore.StatusNormal, rec.Status)
	assert.Equal(t, int32(1), rec.LocalVClock)
}

func TestScannerRemovesMissingFile(t *testing.T) {
	store := newStore(t)
	_, err := store.ApplyBatch([]pathstore.Op{{Kind: pathstore.OpInsert, Record: pathstore.FileRecord{Path: "a.txt", Type: pathstore.TypeFile}}})
	require.NoError(t, err)

	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, nil, nil)
	sc.Walker = fakeWalker{} // empty FS
	sc.HashFile = hashOf(1)

	_, err = sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	rec, ok, err := store.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, pathstore.StatusRemove, rec.Status)
}

func TestScannerIdempotentOnSecondRefresh(t *testing.T) {
	store := newStore(t)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, nil, nil)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 100}}}
	sc.HashFile = hashOf(1)

	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	results, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	assert.Empty(t, results, "a second identical refresh must emit no ops")
}

func TestScannerRecomputesHashOnlyWhenMtimeOrLengthChange(t *testing.T) {
	store := newStore(t)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, nil, nil)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 100}}}
	sc.HashFile = hashOf(1)
	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	hashCalls := 0
	sc.HashFile = func(string) ([20]byte, error) {
		hashCalls++
		return [20]byte{1}, nil
	}
	// Only attr changed; mtime/length identical.
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 100, Attr: pathstore.Attr{Unix: 0o644}}}}
	_, err = sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, hashCalls, "attribute-only change must not trigger rehash")
}

func TestScannerRenameDetectedAsOneHistoryEntry(t *testing.T) {
	store := newStore(t)
	hist := history.NewManager(10)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, hist, nil)
	sc.HashFile = hashOf(7)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4}}}
	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	firstRows := hist.Since("t1", -1)

	// a.txt renamed to b.txt: one entry disappears from FS, another with
	// the same sha1 appears.
	sc.Walker = fakeWalker{entries: []Entry{{Path: "b.txt", Type: pathstore.TypeFile, Length: 4}}}
	_, err = sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	rows := hist.Since("t1", firstRows[len(firstRows)-1].USN)
	var renames int
	for _, r := range rows {
		if r.Code == history.CodeRename {
			renames++
			assert.Equal(t, "a.txt", r.Path)
			assert.Equal(t, "b.txt", r.RenameTarget)
		}
	}
	assert.Equal(t, 1, renames)
	assert.Len(t, rows, 1, "rename must produce exactly one history entry, not insert+delete")
}

func TestRDONLYSuppressesContentWriteButAdvancesVClock(t *testing.T) {
	store := newStore(t)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDONLY}, nil, nil)
	sc.HashFile = hashOf(1)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 1}}}
	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	before, _, _ := store.Get("a.txt")

	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 999, Mtime: 2}}}
	sc.HashFile = hashOf(2)
	_, err = sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	after, _, _ := store.Get("a.txt")
	assert.Equal(t, before.Length, after.Length, "RDONLY must not write new content fields")
	assert.Equal(t, before.LocalVClock+1, after.LocalVClock, "RDONLY must still advance vclock")
}

func TestAndroidIgnoresMtimeOnlyChange(t *testing.T) {
	store := newStore(t)
	sc := New(PlatformAndroid, content.Permission{Perm: content.PermRDWR}, nil, nil)
	sc.HashFile = hashOf(1)
	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 1}}}
	_, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)

	sc.Walker = fakeWalker{entries: []Entry{{Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 2}}}
	results, err := sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	assert.Empty(t, results, "Android must ignore mtime-only differences")
}

func TestIgnoredPathsNeverStaged(t *testing.T) {
	store := newStore(t)
	m, err := newIgnoreMatcher()
	require.NoError(t, err)
	sc := New(PlatformGeneric, content.Permission{Perm: content.PermRDWR}, nil, m)
	sc.Walker = fakeWalker{entries: []Entry{{Path: ".zisync.meta", Type: pathstore.TypeFile, Length: 1}}}

	_, err = sc.Refresh("t1", "/root", store, nil)
	require.NoError(t, err)
	_, ok, err := store.Get(".zisync.meta")
	require.NoError(t, err)
	assert.False(t, ok)
}
