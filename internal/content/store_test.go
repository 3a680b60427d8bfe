package content

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Ivanw/zisync/internal/zserror"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "content.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestDeviceRoundTrip(t *testing.T) {
	s := openTestStore(t)
	d := Device{Name: "laptop", Platform: "linux", IsMine: true}
	require.NoError(t, s.PutDevice(d))

	all, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, "laptop", all[0].Name)
	assert.Equal(t, LocalDeviceID+1, all[0].ID)
}

func TestDeviceNoEntKind(t *testing.T) {
	s := openTestStore(t)
	_, err := s.Device(999)
	require.Error(t, err)
	assert.True(t, zserror.Is(err, zserror.DeviceNoEnt))
}

func TestDeviceOnlineRequiresIPRow(t *testing.T) {
	s := openTestStore(t)
	d := Device{Name: "phone"}
	require.NoError(t, s.PutDevice(d))
	devices, _ := s.Devices()
	id := devices[0].ID

	online, err := s.IsOnline(id)
	require.NoError(t, err)
	assert.False(t, online)

	require.NoError(t, s.PutDeviceIP(DeviceIP{DeviceID: id, IP: "10.0.0.5"}))
	online, err = s.IsOnline(id)
	require.NoError(t, err)
	assert.True(t, online)
}

func TestTreeColumnsSortedWithLocalFirst(t *testing.T) {
	s := openTestStore(t)
	syncID := uuid.New()
	local := uuid.New()
	peerA := uuid.New()
	peerB := uuid.New()

	for _, tr := range []Tree{
		{UUID: local, SyncUUID: syncID, Status: TreeStatusNormal},
		{UUID: peerA, SyncUUID: syncID, Status: TreeStatusNormal},
		{UUID: peerB, SyncUUID: syncID, Status: TreeStatusNormal},
	} {
		require.NoError(t, s.PutTree(tr))
	}

	cols, err := s.Columns(syncID, local)
	require.NoError(t, err)
	require.Len(t, cols, 3)
	assert.Equal(t, local.String(), cols[0])
}

func TestPlaceholderTreeNeverEnumeratedAsNormal(t *testing.T) {
	s := openTestStore(t)
	syncID := uuid.New()
	ghost := uuid.New()
	require.NoError(t, s.EnsurePlaceholderTree(syncID, ghost))

	trees, err := s.TreesOfSync(syncID)
	require.NoError(t, err)
	assert.Empty(t, trees)

	all, err := s.AllTreesOfSync(syncID)
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.True(t, all[0].IsPlaceholder())
}

func TestDisconnectSyncRemovesNonLocalTreesOnly(t *testing.T) {
	s := openTestStore(t)
	syncID := uuid.New()
	require.NoError(t, s.PutSync(Sync{UUID: syncID, CreatorDeviceID: LocalDeviceID, Perm: PermRDWR}))

	localTree := uuid.New()
	remoteTree := uuid.New()
	require.NoError(t, s.PutTree(Tree{UUID: localTree, SyncUUID: syncID, DeviceID: LocalDeviceID, Status: TreeStatusNormal}))
	require.NoError(t, s.PutTree(Tree{UUID: remoteTree, SyncUUID: syncID, DeviceID: 2, Status: TreeStatusNormal}))

	require.NoError(t, s.DisconnectSync(syncID, LocalDeviceID))

	sy, err := s.Sync(syncID)
	require.NoError(t, err)
	assert.Equal(t, PermDisconnect, sy.Perm)
	assert.Equal(t, PermRDWR, sy.RestoreSharePerm)

	trees, err := s.TreesOfSync(syncID)
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, localTree, trees[0].UUID)
}

func TestReopenRecoversDeviceIDCounter(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "content.db")
	s, err := Open(path)
	require.NoError(t, err)
	require.NoError(t, s.PutDevice(Device{Name: "laptop"}))
	require.NoError(t, s.PutDevice(Device{Name: "phone"}))
	require.NoError(t, s.Close())

	s, err = Open(path)
	require.NoError(t, err)
	defer s.Close()
	require.NoError(t, s.PutDevice(Device{Name: "tablet"}))

	all, err := s.Devices()
	require.NoError(t, err)
	require.Len(t, all, 3)
	seen := map[int64]bool{}
	for _, d := range all {
		assert.False(t, seen[d.ID], "device id %d handed out twice", d.ID)
		seen[d.ID] = true
	}
}

func TestMarkIPNoResponseAndResponsive(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.PutDevice(Device{Name: "laptop"}))
	devices, _ := s.Devices()
	id := devices[0].ID
	require.NoError(t, s.PutDeviceIP(DeviceIP{DeviceID: id, IP: "10.0.0.5"}))

	stamp := time.Unix(1000, 0)
	require.NoError(t, s.MarkIPNoResponse(id, "10.0.0.5", stamp))
	ips, err := s.DeviceIPs(id)
	require.NoError(t, err)
	require.Len(t, ips, 1)
	assert.True(t, ips[0].Unresponsive())
	assert.True(t, stamp.Equal(ips[0].EarliestNoRespTime))

	// A second timeout must not move the earliest stamp forward.
	require.NoError(t, s.MarkIPNoResponse(id, "10.0.0.5", stamp.Add(time.Hour)))
	ips, _ = s.DeviceIPs(id)
	assert.True(t, stamp.Equal(ips[0].EarliestNoRespTime))

	require.NoError(t, s.MarkIPResponsive(id, "10.0.0.5"))
	ips, _ = s.DeviceIPs(id)
	assert.False(t, ips[0].Unresponsive())
}

func TestHandleTokenChangedDemotesDeviceAndTearsDownShares(t *testing.T) {
	s := openTestStore(t)
	devUUID := uuid.New()
	require.NoError(t, s.PutDevice(Device{UUID: devUUID, Name: "laptop", IsMine: true}))
	devices, _ := s.Devices()
	creatorID := devices[0].ID

	shared := uuid.New()
	require.NoError(t, s.PutSync(Sync{UUID: shared, Type: SyncShared, CreatorDeviceID: creatorID, Perm: PermRDWR}))
	localTree := uuid.New()
	remoteTree := uuid.New()
	require.NoError(t, s.PutTree(Tree{UUID: localTree, SyncUUID: shared, DeviceID: LocalDeviceID, Status: TreeStatusNormal}))
	require.NoError(t, s.PutTree(Tree{UUID: remoteTree, SyncUUID: shared, DeviceID: creatorID, Status: TreeStatusNormal}))

	require.NoError(t, s.HandleTokenChanged(devUUID))

	devices, _ = s.Devices()
	assert.False(t, devices[0].IsMine)

	sy, err := s.Sync(shared)
	require.NoError(t, err)
	assert.Equal(t, PermTokenDiff, sy.Perm)
	assert.Equal(t, PermRDWR, sy.RestoreSharePerm)

	trees, err := s.TreesOfSync(shared)
	require.NoError(t, err)
	require.Len(t, trees, 1)
	assert.Equal(t, localTree, trees[0].UUID)
}

func TestSetTreeRootStatusDisablesAndRestores(t *testing.T) {
	s := openTestStore(t)
	treeID := uuid.New()
	require.NoError(t, s.PutTree(Tree{UUID: treeID, SyncUUID: uuid.New(), Status: TreeStatusNormal, IsEnabled: true}))

	require.NoError(t, s.SetTreeRootStatus(treeID, RootRemoved))
	tr, err := s.Tree(treeID)
	require.NoError(t, err)
	assert.Equal(t, RootRemoved, tr.RootStatus)
	assert.False(t, tr.IsEnabled)

	require.NoError(t, s.SetTreeRootStatus(treeID, RootNormal))
	tr, _ = s.Tree(treeID)
	assert.Equal(t, RootNormal, tr.RootStatus)
	assert.True(t, tr.IsEnabled)
}
