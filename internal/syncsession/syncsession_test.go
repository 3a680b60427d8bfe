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
)

type fakePeer struct {
	pages []rpcproto.FindResult
	calls []rpcproto.Find
}

func (p *fakePeer) Find(_ context.Context, req rpcproto.Find) (rpcproto.FindResult, error) {
	p.calls = append(p.calls, req)
	idx := len(p.calls) - 1
	if idx >= len(p.pages) {
		return rpcproto.FindResult{RemoteTreeUUID: req.RemoteTreeUUID}, nil
	}
	return p.pages[idx], nil
}

type fakeApplier struct {
	created []string
	mkdirs  []string
	deleted []string
	renamed [][2]string
}

func (a *fakeApplier) CreateOrReplace(_ context.Context, path string, _ rpcproto.WireFileRecord) error {
	a.created = append(a.created, path)
	return nil
}
func (a *fakeApplier) MkDir(_ context.Context, path string) error {
	a.mkdirs = append(a.mkdirs, path)
	return nil
}
func (a *fakeApplier) Delete(_ context.Context, path string) error {
	a.deleted = append(a.deleted, path)
	return nil
}
func (a *fakeApplier) Rename(_ context.Context, oldPath, newPath string) error {
	a.renamed = append(a.renamed, [2]string{oldPath, newPath})
	return nil
}

func newStores(t *testing.T) (*content.Store, *pathstore.Store) {
	t.Helper()
	dir := t.TempDir()
	cs, err := content.Open(filepath.Join(dir, "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cs.Close() })

	alloc := content.NewUSNAllocator(0)
	ps, err := pathstore.Open(filepath.Join(dir, "tree.db"), alloc, "local")
	require.NoError(t, err)
	t.Cleanup(func() { ps.Close() })
	return cs, ps
}

func setupSync(t *testing.T, cs *content.Store) (syncID, localTreeID, remoteTreeID uuid.UUID) {
	t.Helper()
	syncID = uuid.New()
	localTreeID = uuid.New()
	remoteTreeID = uuid.New()

	require.NoError(t, cs.PutSync(content.Sync{UUID: syncID, CreatorDeviceID: content.LocalDeviceID, Perm: content.PermRDWR}))
	require.NoError(t, cs.PutTree(content.Tree{UUID: localTreeID, SyncUUID: syncID, DeviceID: content.LocalDeviceID, Status: content.TreeStatusNormal}))
	require.NoError(t, cs.PutTree(content.Tree{UUID: remoteTreeID, SyncUUID: syncID, DeviceID: 2, Status: content.TreeStatusNormal}))
	return
}

func TestRunCreatesNewRemoteFile(t *testing.T) {
	cs, ps := newStores(t)
	syncID, localTreeID, remoteTreeID := setupSync(t, cs)

	peer := &fakePeer{pages: []rpcproto.FindResult{
		{
			RemoteTreeUUID: remoteTreeID.String(),
			RemoteColumns:  []string{remoteTreeID.String()},
			Records: []rpcproto.WireFileRecord{
				{Path: "a.txt", Length: 5, HasSHA1: true, SHA1: []byte{1, 2, 3, 4, 5}, LocalVClock: 1},
			},
			MaxUSN:    1,
			Truncated: false,
		},
	}}
	applier := &fakeApplier{}
	cursor := NewMemCursorStore()
	d := New(cs, ps, peer, applier, cursor)

	require.NoError(t, d.Run(context.Background(), syncID, localTreeID, remoteTreeID))

	assert.Equal(t, []string{"a.txt"}, applier.created)
	rec, ok, err := ps.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(5), rec.Length)
	assert.True(t, rec.HasSHA1)

	last, err := cursor.LastSeenUSN(localTreeID.String(), remoteTreeID.String())
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)
}

func TestRunPaginatesUntilNotTruncated(t *testing.T) {
	cs, ps := newStores(t)
	syncID, localTreeID, remoteTreeID := setupSync(t, cs)

	peer := &fakePeer{pages: []rpcproto.FindResult{
		{
			RemoteTreeUUID: remoteTreeID.String(),
			RemoteColumns:  []string{remoteTreeID.String()},
			Records:        []rpcproto.WireFileRecord{{Path: "a.txt", Length: 1, LocalVClock: 1}},
			MaxUSN:         1,
			Truncated:      true,
		},
		{
			RemoteTreeUUID: remoteTreeID.String(),
			RemoteColumns:  []string{remoteTreeID.String()},
			Records:        []rpcproto.WireFileRecord{{Path: "b.txt", Length: 2, LocalVClock: 2}},
			MaxUSN:         2,
			Truncated:      false,
		},
	}}
	d := New(cs, ps, peer, &fakeApplier{}, nil)

	require.NoError(t, d.Run(context.Background(), syncID, localTreeID, remoteTreeID))
	assert.Len(t, peer.calls, 2)
	assert.Equal(t, int64(0), peer.calls[0].SinceUSN)
	assert.Equal(t, int64(1), peer.calls[1].SinceUSN)

	_, ok, err := ps.Get("a.txt")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = ps.Get("b.txt")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunRejectsConcurrentSessionForSamePair(t *testing.T) {
	cs, ps := newStores(t)
	syncID, localTreeID, remoteTreeID := setupSync(t, cs)
	d := New(cs, ps, &fakePeer{}, nil, nil)

	key := localTreeID.String() + ">" + remoteTreeID.String()
	require.True(t, d.registry.tryAcquire(key))
	err := d.Run(context.Background(), syncID, localTreeID, remoteTreeID)
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	d.registry.release(key)
}

func TestRunEnsuresPlaceholderForUnknownRemoteColumn(t *testing.T) {
	cs, ps := newStores(t)
	syncID, localTreeID, remoteTreeID := setupSync(t, cs)
	thirdTree := uuid.New()

	peer := &fakePeer{pages: []rpcproto.FindResult{
		{
			RemoteTreeUUID: remoteTreeID.String(),
			RemoteColumns:  []string{remoteTreeID.String(), thirdTree.String()},
			Records:        []rpcproto.WireFileRecord{{Path: "a.txt", LocalVClock: 1, RemoteVClock: []int32{3}}},
			MaxUSN:         1,
		},
	}}
	d := New(cs, ps, peer, &fakeApplier{}, nil)
	require.NoError(t, d.Run(context.Background(), syncID, localTreeID, remoteTreeID))

	tr, err := cs.Tree(thirdTree)
	require.NoError(t, err)
	assert.True(t, tr.IsPlaceholder())
}

func TestRunDeletesLocalFileOnRemoteTombstone(t *testing.T) {
	cs, ps := newStores(t)
	syncID, localTreeID, remoteTreeID := setupSync(t, cs)

	// local has already synced up to the remote's usn-1 state (RemoteVClock
	// column for remoteTreeID = 1) and has made no local edit of its own
	// since (LocalVClock = 0), so the incoming LocalVClock=2 from remote is
	// strictly newer rather than concurrent.
	_, err := ps.ApplyBatch([]pathstore.Op{{Kind: pathstore.OpInsert, Record: pathstore.FileRecord{Path: "a.txt", Type: pathstore.TypeFile, LocalVClock: 0, RemoteVClock: []int32{1}}}})
	require.NoError(t, err)

	peer := &fakePeer{pages: []rpcproto.FindResult{
		{
			RemoteTreeUUID: remoteTreeID.String(),
			RemoteColumns:  []string{remoteTreeID.String()},
			Records:        []rpcproto.WireFileRecord{{Path: "a.txt", IsRemoved: true, LocalVClock: 2}},
			MaxUSN:         1,
		},
	}}
	applier := &fakeApplier{}
	d := New(cs, ps, peer, applier, nil)
	require.NoError(t, d.Run(context.Background(), syncID, localTreeID, remoteTreeID))

	assert.Equal(t, []string{"a.txt"}, applier.deleted)
	rec, ok, err := ps.Get("a.txt")
	require.NoError(t, err)
	require.True(t, ok)
	assert.True(t, rec.IsTombstone())
}
