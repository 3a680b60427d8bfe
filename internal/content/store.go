package content

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/Ivanw/zisync/internal/syncutil"
	"github.com/Ivanw/zisync/internal/zserror"
)

// Store is the global Content Store: devices, trees, syncs and the DHT peer
// cache, backed by one goleveldb database.
type Store struct {
	db   *leveldb.DB
	mut  syncutil.RWMutex
	peer *lru.Cache[string, PeerCacheEntry]

	nextDeviceID int64
}

const peerCacheSize = 4096

// keyspace prefixes
const (
	prefixDevice   = "d/"
	prefixDeviceIP = "i/"
	prefixSync     = "s/"
	prefixTree     = "t/"
)

// Open opens (creating if absent) the content database at path.
func Open(path string) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, zserror.Wrap("content.Open", zserror.Content, err)
	}
	cache, _ := lru.New[string, PeerCacheEntry](peerCacheSize)
	s := &Store{
		db:           db,
		mut:          syncutil.NewRWMutex(),
		peer:         cache,
		nextDeviceID: LocalDeviceID + 1,
	}
	// Recover the device-id counter from existing rows so a reopened store
	// never hands out an id twice.
	devices, err := s.Devices()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	for _, d := range devices {
		if d.ID >= s.nextDeviceID {
			s.nextDeviceID = d.ID + 1
		}
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

// --- Devices -----------------------------------------------------------

// PutDevice inserts or updates a Device row. Devices are created on first
// discovery or first appearance in a peer's push; never deleted, only
// transitioned offline via PutDevice with Status=DeviceOffline.
func (s *Store) PutDevice(d Device) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	if d.ID == 0 {
		d.ID = s.nextDeviceID
		s.nextDeviceID++
	}
	buf, err := json.Marshal(d)
	if err != nil {
		return zserror.Wrap("content.PutDevice", zserror.Content, err)
	}
	key := fmt.Sprintf("%s%d", prefixDevice, d.ID)
	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return zserror.Wrap("content.PutDevice", zserror.Content, err)
	}
	return nil
}

// Device looks up a Device by ID.
func (s *Store) Device(id int64) (Device, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var d Device
	key := fmt.Sprintf("%s%d", prefixDevice, id)
	buf, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return d, zserror.New("content.Device", zserror.DeviceNoEnt)
	}
	if err != nil {
		return d, zserror.Wrap("content.Device", zserror.Content, err)
	}
	if err := json.Unmarshal(buf, &d); err != nil {
		return d, zserror.Wrap("content.Device", zserror.Content, err)
	}
	return d, nil
}

// Devices returns every Device row, ordered by ID.
func (s *Store) Devices() ([]Device, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	out, err := s.devicesLocked()
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// PutDeviceIP records an observed address; rows are inserted on any
// observation and never deleted.
func (s *Store) PutDeviceIP(ip DeviceIP) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	buf, err := json.Marshal(ip)
	if err != nil {
		return zserror.Wrap("content.PutDeviceIP", zserror.Content, err)
	}
	key := fmt.Sprintf("%s%d/%s", prefixDeviceIP, ip.DeviceID, ip.IP)
	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return zserror.Wrap("content.PutDeviceIP", zserror.Content, err)
	}
	return nil
}

// DeviceIPs returns all observed addresses for a device.
func (s *Store) DeviceIPs(deviceID int64) ([]DeviceIP, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	prefix := fmt.Sprintf("%s%d/", prefixDeviceIP, deviceID)
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefix)), nil)
	defer it.Release()
	var out []DeviceIP
	for it.Next() {
		var ip DeviceIP
		if err := json.Unmarshal(it.Value(), &ip); err != nil {
			return nil, zserror.Wrap("content.DeviceIPs", zserror.Content, err)
		}
		out = append(out, ip)
	}
	return out, nil
}

// IsOnline reports whether a device has at least one IP row; a device
// with none is considered offline.
func (s *Store) IsOnline(deviceID int64) (bool, error) {
	ips, err := s.DeviceIPs(deviceID)
	if err != nil {
		return false, err
	}
	return len(ips) > 0, nil
}

// --- Syncs ---------------------------------------------------------------

func (s *Store) PutSync(sy Sync) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.putSyncLocked(sy)
}

func (s *Store) putSyncLocked(sy Sync) error {
	buf, err := json.Marshal(sy)
	if err != nil {
		return zserror.Wrap("content.PutSync", zserror.Content, err)
	}
	key := prefixSync + sy.UUID.String()
	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return zserror.Wrap("content.PutSync", zserror.Content, err)
	}
	return nil
}

func (s *Store) Sync(id uuid.UUID) (Sync, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var sy Sync
	buf, err := s.db.Get([]byte(prefixSync+id.String()), nil)
	if err == leveldb.ErrNotFound {
		return sy, zserror.New("content.Sync", zserror.SyncNoEnt)
	}
	if err != nil {
		return sy, zserror.Wrap("content.Sync", zserror.Content, err)
	}
	err = json.Unmarshal(buf, &sy)
	return sy, err
}

// --- Trees -----------------------------------------------------------

func (s *Store) PutTree(t Tree) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	return s.putTreeLocked(t)
}

func (s *Store) putTreeLocked(t Tree) error {
	buf, err := json.Marshal(t)
	if err != nil {
		return zserror.Wrap("content.PutTree", zserror.Content, err)
	}
	key := prefixTree + t.UUID.String()
	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return zserror.Wrap("content.PutTree", zserror.Content, err)
	}
	return nil
}

func (s *Store) Tree(id uuid.UUID) (Tree, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	var t Tree
	buf, err := s.db.Get([]byte(prefixTree+id.String()), nil)
	if err == leveldb.ErrNotFound {
		return t, zserror.New("content.Tree", zserror.TreeNoEnt)
	}
	if err != nil {
		return t, zserror.Wrap("content.Tree", zserror.Content, err)
	}
	err = json.Unmarshal(buf, &t)
	return t, err
}

// Trees returns every Tree row in the store, sorted by UUID.
func (s *Store) Trees() ([]Tree, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixTree)), nil)
	defer it.Release()
	var out []Tree
	for it.Next() {
		var t Tree
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, zserror.Wrap("content.Trees", zserror.Content, err)
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID.String() < out[j].UUID.String()
	})
	return out, nil
}

// TreesOfSync returns every non-placeholder, non-removed tree of a sync,
// sorted by UUID. Vector-clock columns come from Columns, which also counts
// VCLOCK placeholders.
func (s *Store) TreesOfSync(syncID uuid.UUID) ([]Tree, error) {
	all, err := s.AllTreesOfSync(syncID)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, t := range all {
		if t.Status == TreeStatusNormal {
			out = append(out, t)
		}
	}
	return out, nil
}

// AllTreesOfSync returns every tree of a sync including VCLOCK placeholders,
// sorted by UUID.
func (s *Store) AllTreesOfSync(syncID uuid.UUID) ([]Tree, error) {
	s.mut.RLock()
	defer s.mut.RUnlock()
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixTree)), nil)
	defer it.Release()
	var out []Tree
	for it.Next() {
		var t Tree
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			return nil, zserror.Wrap("content.AllTreesOfSync", zserror.Content, err)
		}
		if t.SyncUUID == syncID && t.Status != TreeStatusRemove {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].UUID.String() < out[j].UUID.String()
	})
	return out, nil
}

// Columns returns the vector-clock column basis for a sync: tree UUIDs
// sorted per the invariant above, with localTreeID's column always first
// to match FileRecord.LocalVClock semantics (column 0).
func (s *Store) Columns(syncID, localTreeID uuid.UUID) ([]string, error) {
	trees, err := s.AllTreesOfSync(syncID)
	if err != nil {
		return nil, err
	}
	cols := []string{localTreeID.String()}
	for _, t := range trees {
		if t.UUID != localTreeID {
			cols = append(cols, t.UUID.String())
		}
	}
	return cols, nil
}

// EnsurePlaceholderTree creates a VCLOCK placeholder tree for a peer tree
// we've only heard about through another peer's clock. It is
// a no-op if the tree already exists in any status.
func (s *Store) EnsurePlaceholderTree(syncID, treeID uuid.UUID) error {
	if _, err := s.Tree(treeID); err == nil {
		return nil
	}
	return s.PutTree(Tree{
		UUID:     treeID,
		SyncUUID: syncID,
		Status:   TreeStatusVClock,
	})
}

// DisconnectSync transitions a creator-owned Sync to PermDisconnect,
// deleting its non-local trees: a disconnected sync must not reference
// any tree on another device.
func (s *Store) DisconnectSync(syncID uuid.UUID, localDeviceID int64) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	sy, err := s.syncLocked(syncID)
	if err != nil {
		return err
	}
	if sy.CreatorDeviceID != localDeviceID {
		return zserror.New("content.DisconnectSync", zserror.PermissionDeny)
	}
	sy.RestoreSharePerm = sy.Perm
	sy.Perm = PermDisconnect
	if err := s.putSyncLocked(sy); err != nil {
		return err
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixTree)), nil)
	defer it.Release()
	var batch leveldb.Batch
	for it.Next() {
		var t Tree
		if err := json.Unmarshal(it.Value(), &t); err != nil {
			continue
		}
		if t.SyncUUID == syncID && t.DeviceID != localDeviceID && t.Status != TreeStatusRemove {
			t.Status = TreeStatusRemove
			buf, _ := json.Marshal(t)
			batch.Put(it.Key(), buf)
		}
	}
	if err := s.db.Write(&batch, nil); err != nil {
		return zserror.Wrap("content.DisconnectSync", zserror.Content, err)
	}
	return nil
}

func (s *Store) syncLocked(id uuid.UUID) (Sync, error) {
	var sy Sync
	buf, err := s.db.Get([]byte(prefixSync+id.String()), nil)
	if err == leveldb.ErrNotFound {
		return sy, zserror.New("content.syncLocked", zserror.SyncNoEnt)
	}
	if err != nil {
		return sy, zserror.Wrap("content.syncLocked", zserror.Content, err)
	}
	err = json.Unmarshal(buf, &sy)
	return sy, err
}

// MarkIPNoResponse stamps EarliestNoRespTime on the (deviceID, ip) row if
// it is not already set. Called when a request to that address times out.
func (s *Store) MarkIPNoResponse(deviceID int64, ip string, now time.Time) error {
	return s.updateIP(deviceID, ip, func(row *DeviceIP) {
		if row.EarliestNoRespTime.IsZero() {
			row.EarliestNoRespTime = now
		}
	})
}

// MarkIPResponsive clears EarliestNoRespTime on the (deviceID, ip) row.
// Called on any successful reply from that address.
func (s *Store) MarkIPResponsive(deviceID int64, ip string) error {
	return s.updateIP(deviceID, ip, func(row *DeviceIP) {
		row.EarliestNoRespTime = time.Time{}
	})
}

func (s *Store) updateIP(deviceID int64, ip string, mutate func(*DeviceIP)) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	key := fmt.Sprintf("%s%d/%s", prefixDeviceIP, deviceID, ip)
	buf, err := s.db.Get([]byte(key), nil)
	if err == leveldb.ErrNotFound {
		return zserror.New("content.updateIP", zserror.DeviceNoEnt)
	}
	if err != nil {
		return zserror.Wrap("content.updateIP", zserror.Content, err)
	}
	var row DeviceIP
	if err := json.Unmarshal(buf, &row); err != nil {
		return zserror.Wrap("content.updateIP", zserror.Content, err)
	}
	mutate(&row)
	out, err := json.Marshal(row)
	if err != nil {
		return zserror.Wrap("content.updateIP", zserror.Content, err)
	}
	if err := s.db.Put([]byte(key), out, nil); err != nil {
		return zserror.Wrap("content.updateIP", zserror.Content, err)
	}
	return nil
}

// HandleTokenChanged demotes the device with the given uuid to
// IsMine=false and tears down every shared sync it created: the sync's
// perm becomes TOKEN_DIFF (remembering the previous perm in
// RestoreSharePerm) and its non-local trees are removed.
func (s *Store) HandleTokenChanged(deviceUUID uuid.UUID) error {
	s.mut.Lock()
	defer s.mut.Unlock()

	devices, err := s.devicesLocked()
	if err != nil {
		return err
	}
	var demoted *Device
	for i := range devices {
		if devices[i].UUID == deviceUUID {
			demoted = &devices[i]
			break
		}
	}
	if demoted == nil {
		return zserror.New("content.HandleTokenChanged", zserror.DeviceNoEnt)
	}
	demoted.IsMine = false
	buf, err := json.Marshal(*demoted)
	if err != nil {
		return zserror.Wrap("content.HandleTokenChanged", zserror.Content, err)
	}
	key := fmt.Sprintf("%s%d", prefixDevice, demoted.ID)
	if err := s.db.Put([]byte(key), buf, nil); err != nil {
		return zserror.Wrap("content.HandleTokenChanged", zserror.Content, err)
	}

	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixSync)), nil)
	defer it.Release()
	var batch leveldb.Batch
	var torn []uuid.UUID
	for it.Next() {
		var sy Sync
		if err := json.Unmarshal(it.Value(), &sy); err != nil {
			continue
		}
		if sy.Type == SyncShared && sy.CreatorDeviceID == demoted.ID && sy.Perm != PermTokenDiff {
			sy.RestoreSharePerm = sy.Perm
			sy.Perm = PermTokenDiff
			out, _ := json.Marshal(sy)
			batch.Put(it.Key(), out)
			torn = append(torn, sy.UUID)
		}
	}
	tit := s.db.NewIterator(util.BytesPrefix([]byte(prefixTree)), nil)
	defer tit.Release()
	for tit.Next() {
		var t Tree
		if err := json.Unmarshal(tit.Value(), &t); err != nil {
			continue
		}
		for _, syncID := range torn {
			if t.SyncUUID == syncID && t.DeviceID != LocalDeviceID && t.Status != TreeStatusRemove {
				t.Status = TreeStatusRemove
				out, _ := json.Marshal(t)
				batch.Put(tit.Key(), out)
				break
			}
		}
	}
	if err := s.db.Write(&batch, nil); err != nil {
		return zserror.Wrap("content.HandleTokenChanged", zserror.Content, err)
	}
	return nil
}

func (s *Store) devicesLocked() ([]Device, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(prefixDevice)), nil)
	defer it.Release()
	var out []Device
	for it.Next() {
		var d Device
		if err := json.Unmarshal(it.Value(), &d); err != nil {
			return nil, zserror.Wrap("content.devicesLocked", zserror.Content, err)
		}
		out = append(out, d)
	}
	return out, nil
}

// SetTreeRootStatus flips a tree between RootNormal and RootRemoved,
// disabling it while the root is gone. A tree whose root reappears is
// re-enabled on the next refresh attempt.
func (s *Store) SetTreeRootStatus(treeID uuid.UUID, status RootStatus) error {
	s.mut.Lock()
	defer s.mut.Unlock()
	buf, err := s.db.Get([]byte(prefixTree+treeID.String()), nil)
	if err == leveldb.ErrNotFound {
		return zserror.New("content.SetTreeRootStatus", zserror.TreeNoEnt)
	}
	if err != nil {
		return zserror.Wrap("content.SetTreeRootStatus", zserror.Content, err)
	}
	var t Tree
	if err := json.Unmarshal(buf, &t); err != nil {
		return zserror.Wrap("content.SetTreeRootStatus", zserror.Content, err)
	}
	t.RootStatus = status
	t.IsEnabled = status == RootNormal
	return s.putTreeLocked(t)
}

// --- Peer cache ----------------------------------------------------------

// PutPeer records a DHT-discovered or static peer observation in the bounded
// LRU peer cache.
func (s *Store) PutPeer(e PeerCacheEntry) {
	key := e.DeviceUUID.String()
	s.peer.Add(key, e)
}

// Peer looks up a cached peer entry by device uuid.
func (s *Store) Peer(device uuid.UUID) (PeerCacheEntry, bool) {
	return s.peer.Get(device.String())
}
