// Package rpcproto defines the wire messages exchanged between peers over
// the route port: the sync session's Find/FindFile request pair and the
// three Push* gossip messages that propagate device, sync and tree
// metadata changes account-wide.
package rpcproto

import (
	"bytes"
	"encoding/gob"
	"io"

	"github.com/google/uuid"
)

// Find is the Sync Session's delta request: "send me every FileRecord of
// RemoteTreeUUID with usn > SinceUSN, up to Limit rows".
type Find struct {
	SyncUUID       uuid.UUID
	LocalTreeUUID  string
	RemoteTreeUUID string
	SinceUSN       int64
	Limit          int
}

// WireFileRecord is the over-the-wire shape of a pathstore.FileRecord: the
// protocol package must not import pathstore (it would pull in goleveldb
// transitively into every peer-facing binary), so it carries its own
// gob-friendly mirror, translated at the syncsession boundary.
type WireFileRecord struct {
	Path         string
	IsDir        bool
	IsRemoved    bool
	Mtime        int64
	Length       int64
	USN          int64
	SHA1         []byte
	HasSHA1      bool
	AttrUnix     uint32
	AttrWin      uint32
	AttrAndroid  uint32
	LocalVClock  int32
	RemoteVClock []int32
	Modifier     string
	TimeStamp    int64
}

// FindFile asks a peer to locate one file by its path within a sync, used
// by the download/upload paths to pick a peer that actually has the bytes.
// LocalTreeUUID is optional: when empty the peer answers from any of its
// trees in the sync.
type FindFile struct {
	SyncUUID       uuid.UUID
	RelativePath   string
	LocalTreeUUID  string
	RemoteTreeUUID string
}

// FindFileResult answers a FindFile with the single matching record.
type FindFileResult struct {
	Found bool
	Stat  WireFileRecord
}

// FindResult answers a Find: the remote's own vector-clock column basis at
// response time (so the requester can remap), the matching records, and
// whether more rows remain beyond Limit.
type FindResult struct {
	RemoteTreeUUID string
	RemoteColumns  []string
	Records        []WireFileRecord
	Truncated      bool
	MaxUSN         int64
}

// PushDeviceInfo gossips a Device row to a peer.
type PushDeviceInfo struct {
	DeviceUUID uuid.UUID
	Name       string
	Platform   string
	RoutePort  int
	DataPort   int
}

// PushSyncInfo gossips a Sync row's current Perm/Status to every tree's
// device.
type PushSyncInfo struct {
	SyncUUID uuid.UUID
	Name     string
	Perm     int
	Status   int
}

// PushTreeInfo gossips a Tree row, including VCLOCK placeholder creation on
// receipt.
type PushTreeInfo struct {
	TreeUUID   uuid.UUID
	SyncUUID   uuid.UUID
	DeviceUUID uuid.UUID
	Status     int
	BackupType int
}

// AnnounceTokenChanged tells every known peer that this device's account
// token rotated; the receiver demotes the sender to IsMine=false and tears
// down its shared syncs.
type AnnounceTokenChanged struct {
	DeviceUUID uuid.UUID
	NewToken   string
}

// Codec serializes/deserializes the message types above over a stream.
// The production wire format plugs in here; gobCodec is the default used
// by tests and the in-process transport.
type Codec interface {
	Encode(w io.Writer, v interface{}) error
	Decode(r io.Reader, v interface{}) error
}

type gobCodec struct{}

// GobCodec is the default Codec implementation.
var GobCodec Codec = gobCodec{}

func (gobCodec) Encode(w io.Writer, v interface{}) error {
	return gob.NewEncoder(w).Encode(v)
}

func (gobCodec) Decode(r io.Reader, v interface{}) error {
	return gob.NewDecoder(r).Decode(v)
}

// EncodeToBytes is a convenience wrapper used by tests.
func EncodeToBytes(c Codec, v interface{}) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encode(&buf, v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DecodeFromBytes is the inverse of EncodeToBytes.
func DecodeFromBytes(c Codec, b []byte, v interface{}) error {
	return c.Decode(bytes.NewReader(b), v)
}
