// Package content implements the global Content Store: devices, trees,
// syncs, share permissions, and the DHT/static peer cache.
package content

import (
	"time"

	"github.com/google/uuid"
)

// Reserved device IDs
const (
	NullDeviceID  int64 = 0
	LocalDeviceID int64 = 1
)

// DeviceStatus is the online/offline lifecycle state of a Device.
type DeviceStatus int

const (
	DeviceOnline DeviceStatus = iota
	DeviceOffline
)

// Device is a peer participating in the account, or this device itself
// (DeviceID == LocalDeviceID).
type Device struct {
	ID         int64
	UUID       uuid.UUID
	Name       string
	Platform   string
	RoutePort  int
	DataPort   int
	IsMine     bool
	Status     DeviceStatus
	BackupRoot string // only meaningful for non-mobile platforms
}

// DeviceIP records one observed address for a Device.
type DeviceIP struct {
	DeviceID           int64
	IP                 string
	IsIPv6             bool
	EarliestNoRespTime time.Time // zero value means "responsive"
}

// Unresponsive reports whether this address has an outstanding timeout.
func (d DeviceIP) Unresponsive() bool { return !d.EarliestNoRespTime.IsZero() }

// SyncType distinguishes the three kinds of synchronized object.
type SyncType int

const (
	SyncNormal SyncType = iota
	SyncBackup
	SyncShared
)

// SyncStatus is the lifecycle state of a Sync.
type SyncStatus int

const (
	SyncStatusNormal SyncStatus = iota
	SyncStatusRemove
)

// Perm is the permission granted to a non-creator device of a shared Sync.
type Perm int

const (
	PermRDWR Perm = iota
	PermRDONLY
	PermWRONLY
	PermCreatorDelete
	PermTokenDiff
	PermDisconnect
)

// Sync is the logical agreement that a set of trees mirror each other.
type Sync struct {
	UUID             uuid.UUID
	Name             string
	Type             SyncType
	Status           SyncStatus
	CreatorDeviceID  int64
	Perm             Perm
	RestoreSharePerm Perm
	LastSync         time.Time
}

// TreeStatus is the lifecycle state of a Tree.
type TreeStatus int

const (
	TreeStatusNormal TreeStatus = iota
	TreeStatusRemove
	TreeStatusVClock // placeholder tree: reserves a vector-clock column only
)

// BackupType tags a Tree's role within a BACKUP sync.
type BackupType int

const (
	BackupNone BackupType = iota
	BackupSrc
	BackupDst
)

// RootStatus tracks whether a Tree's filesystem root is currently reachable.
type RootStatus int

const (
	RootNormal RootStatus = iota
	RootRemoved
)

// Tree is one directory subtree owned by one device, participating in
// exactly one Sync.
type Tree struct {
	UUID       uuid.UUID
	Root       string
	SyncUUID   uuid.UUID
	DeviceID   int64
	Status     TreeStatus
	BackupType BackupType
	IsEnabled  bool
	RootStatus RootStatus
}

// IsPlaceholder reports whether this Tree is a VCLOCK placeholder: it
// reserves a vector-clock column for a peer tree we've only heard about
// through another peer's clock, and must never appear in local-tree
// enumeration.
func (t Tree) IsPlaceholder() bool { return t.Status == TreeStatusVClock }

// PeerCacheEntry is one row of the DHT peer cache or static peer list.
type PeerCacheEntry struct {
	DeviceUUID uuid.UUID
	IP         string
	Port       int
	IsIPv6     bool
	Static     bool // true for operator-configured static peers
}
