package syncsession

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/zserror"
)

// twoPeers builds two trees of one sync, each with its own path store and
// a shared content store, and returns a Driver for A syncing from B.
func twoPeers(t *testing.T) (driver *Driver, psA, psB *pathstore.Store, treeA, treeB uuid.UUID, syncID uuid.UUID) {
	t.Helper()
	dir := t.TempDir()
	cs, err := content.Open(filepath.Join(dir, "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	alloc := content.NewUSNAllocator(0)
	psA, err = pathstore.Open(filepath.Join(dir, "a.db"), alloc, "deviceA")
	require.NoError(t, err)
	t.Cleanup(func() { psA.Close() })
	psB, err = pathstore.Open(filepath.Join(dir, "b.db"), alloc, "deviceB")
	require.NoError(t, err)
	t.Cleanup(func() { psB.Close() })

	syncID = uuid.New()
	treeA = uuid.New()
	treeB = uuid.New()
	require.NoError(t, cs.PutSync(content.Sync{UUID: syncID, CreatorDeviceID: content.LocalDeviceID, Perm: content.PermRDWR}))
	require.NoError(t, cs.PutTree(content.Tree{UUID: treeA, SyncUUID: syncID, DeviceID: content.LocalDeviceID, Status: content.TreeStatusNormal}))
	require.NoError(t, cs.PutTree(content.Tree{UUID: treeB, SyncUUID: syncID, DeviceID: 2, Status: content.TreeStatusNormal}))

	responder := &Responder{
		ContentStore: cs,
		Stores:       map[string]*pathstore.Store{treeB.String(): psB},
	}
	driver = New(cs, psA, LoopbackPeer{R: responder}, &fakeApplier{}, nil)
	return
}

func TestResponderFindLeadsWithOwnColumn(t *testing.T) {
	d, _, psB, _, treeB, syncID := twoPeers(t)
	_, err := psB.ApplyBatch([]pathstore.Op{{Kind: pathstore.OpInsert, Record: pathstore.FileRecord{Path: "a.txt", Type: pathstore.TypeFile, LocalVClock: 1}}})
	require.NoError(t, err)

	resp, err := d.Peer.Find(context.Background(), rpcproto.Find{
		SyncUUID:       syncID,
		RemoteTreeUUID: treeB.String(),
		Limit:          FindLimit,
	})
	require.NoError(t, err)
	require.NotEmpty(t, resp.RemoteColumns)
	assert.Equal(t, treeB.String(), resp.RemoteColumns[0])
	require.Len(t, resp.Records, 1)
	assert.Equal(t, "a.txt", resp.Records[0].Path)
}

func TestResponderFindRejectsWrongSync(t *testing.T) {
	d, _, _, _, treeB, _ := twoPeers(t)
	_, err := d.Peer.Find(context.Background(), rpcproto.Find{
		SyncUUID:       uuid.New(),
		RemoteTreeUUID: treeB.String(),
	})
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.SyncNoEnt))
}

func TestEndToEndInsertThenDeletePropagates(t *testing.T) {
	d, psA, psB, treeA, treeB, syncID := twoPeers(t)

	// B creates a.txt; one round A<-B lands it in A's store.
	_, err := psB.ApplyBatch([]pathstore.Op{{Kind: pathstore.OpInsert, Record: pathstore.FileRecord{
		Path: "a.txt", Type: pathstore.TypeFile, Length: 4, Mtime: 100,
		HasSHA1: true, SHA1: [20]byte{0xaa}, LocalVClock: 1,
	}}})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), syncID, treeA, treeB))

	got, ok, err := psA.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(4), got.Length)
	assert.Equal(t, [20]byte{0xaa}, got.SHA1)

	// B deletes a.txt; the next round tombstones it on A too.
	rec, _, _ := psB.Get("a.txt")
	_, err = psB.ApplyBatch([]pathstore.Op{{
		Kind:            pathstore.OpDelete,
		Record:          pathstore.FileRecord{Path: "a.txt"},
		PreconditionID:  rec.ID,
		PreconditionUSN: rec.USN,
	}})
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), syncID, treeA, treeB))

	got, ok, err = psA.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, got.IsTombstone())

	// An idle third round stages nothing new on A.
	before, err := psA.MaxUSN()
	require.NoError(t, err)
	require.NoError(t, d.Run(context.Background(), syncID, treeA, treeB))
	after, err := psA.MaxUSN()
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestResponderFindFile(t *testing.T) {
	d, _, psB, _, treeB, syncID := twoPeers(t)
	_, err := psB.ApplyBatch([]pathstore.Op{{Kind: pathstore.OpInsert, Record: pathstore.FileRecord{Path: "docs/x.txt", Type: pathstore.TypeFile, Length: 9, LocalVClock: 1}}})
	require.NoError(t, err)

	responder := d.Peer.(LoopbackPeer).R
	res, err := responder.HandleFindFile(rpcproto.FindFile{
		SyncUUID:       syncID,
		RelativePath:   "docs/x.txt",
		RemoteTreeUUID: treeB.String(),
	})
	require.NoError(t, err)
	assert.True(t, res.Found)
	assert.Equal(t, int64(9), res.Stat.Length)

	_, err = responder.HandleFindFile(rpcproto.FindFile{
		SyncUUID:       syncID,
		RelativePath:   "nope.txt",
		RemoteTreeUUID: treeB.String(),
	})
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.DownloadNoEnt))
}
