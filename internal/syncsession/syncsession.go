// Package syncsession drives one sync session: a round-trip exchange
// between a local tree and one of its peer trees that fetches the remote's
// delta since the last seen USN, remaps its vector clock into the local
// column basis, reconciles every changed path, and applies the resulting
// mutations.
package syncsession

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/logger"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/reconcile"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/vclock"
	"github.com/Ivanw/zisync/internal/zserror"
)

// FindLimit is the default page size of a Find request.
const FindLimit = 5000

// Peer is the transport-level boundary a session drives requests through.
// Its concrete implementation (an RPC client over the route port) lives
// outside this package's "Transport is a pluggable
// boundary, not specified here".
type Peer interface {
	Find(ctx context.Context, req rpcproto.Find) (rpcproto.FindResult, error)
}

// FileApplier performs the filesystem-level half of an Outcome. A session
// calls it before committing the matching Path Store op so the tree's
// actual files never disagree with its database. The
// reference in-process implementation lives in the transfer package; tests
// in this package use a fake.
type FileApplier interface {
	CreateOrReplace(ctx context.Context, path string, wire rpcproto.WireFileRecord) error
	MkDir(ctx context.Context, path string) error
	Delete(ctx context.Context, path string) error
	Rename(ctx context.Context, oldPath, newPath string) error
}

// CursorStore persists the last USN a local tree has consumed from each
// remote tree it pairs with, so a restarted process resumes instead of
// re-walking the whole remote history.
type CursorStore interface {
	LastSeenUSN(localTreeUUID, remoteTreeUUID string) (int64, error)
	SetLastSeenUSN(localTreeUUID, remoteTreeUUID string, usn int64) error
}

// MemCursorStore is an in-memory CursorStore, useful for tests and for
// processes that always do a full resync on restart.
type MemCursorStore struct {
	m map[string]int64
}

func NewMemCursorStore() *MemCursorStore { return &MemCursorStore{m: make(map[string]int64)} }

func (c *MemCursorStore) key(local, remote string) string { return local + "|" + remote }

func (c *MemCursorStore) LastSeenUSN(local, remote string) (int64, error) {
	return c.m[c.key(local, remote)], nil
}

func (c *MemCursorStore) SetLastSeenUSN(local, remote string, usn int64) error {
	c.m[c.key(local, remote)] = usn
	return nil
}

// Driver runs Sync Sessions for one local tree against its peer trees.
type Driver struct {
	ContentStore *content.Store
	LocalStore   *pathstore.Store
	Peer         Peer
	Applier      FileApplier
	Cursor       CursorStore

	registry *singleflight
}

// New builds a Driver. cursor and applier may be nil only in tests that
// never exercise the paths requiring them.
func New(cs *content.Store, ps *pathstore.Store, peer Peer, applier FileApplier, cursor CursorStore) *Driver {
	if cursor == nil {
		cursor = NewMemCursorStore()
	}
	return &Driver{
		ContentStore: cs,
		LocalStore:   ps,
		Peer:         peer,
		Applier:      applier,
		Cursor:       cursor,
		registry:     newSingleflight(),
	}
}

// ErrAlreadyRunning is returned by Run when another session for the same
// (local tree, remote tree) pair is in flight.
var ErrAlreadyRunning = fmt.Errorf("syncsession: already running for this tree pair")

// Run drives one or more Find round trips against remoteTreeID until the
// remote reports no more rows, reconciling and applying every changed path
// along the way.
func (d *Driver) Run(ctx context.Context, syncID, localTreeID, remoteTreeID uuid.UUID) error {
	key := localTreeID.String() + ">" + remoteTreeID.String()
	if !d.registry.tryAcquire(key) {
		return ErrAlreadyRunning
	}
	defer d.registry.release(key)

	localTree, err := d.ContentStore.Tree(localTreeID)
	if err != nil {
		return err
	}
	remoteTree, err := d.ContentStore.Tree(remoteTreeID)
	if err != nil {
		return err
	}
	if remoteTree.SyncUUID != syncID {
		return zserror.New("syncsession.Run", zserror.TreeNoEnt)
	}
	sy, err := d.ContentStore.Sync(syncID)
	if err != nil {
		return err
	}

	perm := content.Permission{Perm: sy.Perm, BackupType: localTree.BackupType}
	rec := reconcile.New(perm, localTreeID.String(), remoteTreeID.String())

	for {
		since, err := d.Cursor.LastSeenUSN(localTreeID.String(), remoteTreeID.String())
		if err != nil {
			return err
		}

		req := rpcproto.Find{
			SyncUUID:       syncID,
			LocalTreeUUID:  localTreeID.String(),
			RemoteTreeUUID: remoteTreeID.String(),
			SinceUSN:       since,
			Limit:          FindLimit,
		}
		resp, err := d.Peer.Find(ctx, req)
		if err != nil {
			return zserror.Wrap("syncsession.Run", zserror.Timeout, err)
		}
		if resp.RemoteTreeUUID != "" && resp.RemoteTreeUUID != remoteTreeID.String() {
			return zserror.New("syncsession.Run", zserror.TreeNoEnt)
		}

		if err := d.ensurePlaceholders(syncID, resp.RemoteColumns); err != nil {
			return err
		}
		localColumns, err := d.ContentStore.Columns(syncID, localTreeID)
		if err != nil {
			return err
		}

		if err := d.applyPage(ctx, rec, resp, localColumns); err != nil {
			return err
		}

		if err := d.Cursor.SetLastSeenUSN(localTreeID.String(), remoteTreeID.String(), resp.MaxUSN); err != nil {
			return err
		}

		if !resp.Truncated {
			return nil
		}
	}
}

func (d *Driver) ensurePlaceholders(syncID uuid.UUID, remoteColumns []string) error {
	for _, col := range remoteColumns {
		id, err := uuid.Parse(col)
		if err != nil {
			continue // malformed column from a misbehaving peer; skip rather than abort the session
		}
		if err := d.ContentStore.EnsurePlaceholderTree(syncID, id); err != nil {
			return err
		}
	}
	return nil
}

func (d *Driver) applyPage(ctx context.Context, rec *reconcile.Reconciler, resp rpcproto.FindResult, localColumns []string) error {
	var ops []pathstore.Op
	for _, wire := range resp.Records {
		local, exists, err := d.LocalStore.Get(wire.Path)
		if err != nil {
			return err
		}
		var localPtr *pathstore.FileRecord
		if exists {
			localPtr = &local
		}

		remoteClock, _ := vclock.Remap(wireVClock(wire), resp.RemoteColumns, localColumns)
		remoteRec := wireToRecord(wire).WithVClock(remoteClock)

		outcome := rec.Reconcile(wire.Path, localPtr, &remoteRec)
		if err := d.applyFS(ctx, wire.Path, localPtr, wire, outcome); err != nil {
			logger.Default.Warnf("syncsession: fs apply failed for %s: %v", wire.Path, err)
			continue
		}
		ops = append(ops, buildOps(wire.Path, localPtr, remoteRec, outcome, func(p string) bool {
			_, ok, _ := d.LocalStore.Get(p)
			return ok
		})...)
	}
	if len(ops) == 0 {
		return nil
	}
	_, err := d.LocalStore.ApplyBatch(ops)
	return err
}

func wireVClock(w rpcproto.WireFileRecord) vclock.Clock {
	c := make(vclock.Clock, 1+len(w.RemoteVClock))
	c[0] = w.LocalVClock
	for i, v := range w.RemoteVClock {
		c[i+1] = v
	}
	return c
}

func wireToRecord(w rpcproto.WireFileRecord) pathstore.FileRecord {
	typ := pathstore.TypeFile
	if w.IsDir {
		typ = pathstore.TypeDir
	}
	status := pathstore.StatusNormal
	if w.IsRemoved {
		status = pathstore.StatusRemove
	}
	var sha1 [20]byte
	copy(sha1[:], w.SHA1)
	return pathstore.FileRecord{
		Path:    w.Path,
		Type:    typ,
		Status:  status,
		Mtime:   w.Mtime,
		Length:  w.Length,
		SHA1:    sha1,
		HasSHA1: w.HasSHA1,
		Attr:    pathstore.Attr{Unix: w.AttrUnix, Win: w.AttrWin, Android: w.AttrAndroid},
	}
}

// applyFS performs the filesystem-level half of outcome, when one is
// required. NoOp, UpdateVClockOnly and MetaMerge never touch file content
// and so never call the applier.
func (d *Driver) applyFS(ctx context.Context, path string, local *pathstore.FileRecord, wire rpcproto.WireFileRecord, outcome reconcile.Outcome) error {
	if d.Applier == nil {
		return nil // tests exercising only the DB-op shape pass no applier
	}
	switch outcome.Kind {
	case reconcile.ActionCreateFile, reconcile.ActionReplaceFileUpdateMeta, reconcile.ActionFetchAndCreateFile:
		return d.Applier.CreateOrReplace(ctx, path, wire)
	case reconcile.ActionMkDir:
		return d.Applier.MkDir(ctx, path)
	case reconcile.ActionTombstone, reconcile.ActionDeleteFile, reconcile.ActionRemoveSubtree:
		return d.Applier.Delete(ctx, path)
	case reconcile.ActionDeleteFileMkDir:
		if err := d.Applier.Delete(ctx, path); err != nil {
			return err
		}
		return d.Applier.MkDir(ctx, path)
	case reconcile.ActionDeleteDirWriteFile:
		if err := d.Applier.Delete(ctx, path); err != nil {
			return err
		}
		return d.Applier.CreateOrReplace(ctx, path, wire)
	case reconcile.ActionConflictRename:
		return d.applyConflictFS(ctx, path, local, wire, outcome)
	}
	return nil
}

func (d *Driver) applyConflictFS(ctx context.Context, path string, local *pathstore.FileRecord, wire rpcproto.WireFileRecord, outcome reconcile.Outcome) error {
	conflictPath := reconcile.ConflictPath(path, func(p string) bool {
		_, ok, _ := d.LocalStore.Get(p)
		return ok
	})
	if outcome.WinnerIsRemote {
		if local != nil {
			if err := d.Applier.Rename(ctx, path, conflictPath); err != nil {
				return err
			}
		}
		return d.Applier.CreateOrReplace(ctx, path, wire)
	}
	return d.Applier.CreateOrReplace(ctx, conflictPath, wire)
}

// buildOps translates one reconcile.Outcome into the Path Store ops needed
// to record it. exists probes for conflict-path collisions the same way
// the filesystem side did, so the staged path matches what applyConflictFS
// wrote to disk.
func buildOps(path string, local *pathstore.FileRecord, remoteRec pathstore.FileRecord, outcome reconcile.Outcome, exists func(string) bool) []pathstore.Op {
	switch outcome.Kind {
	case reconcile.ActionNoOp:
		return nil

	case reconcile.ActionUpdateVClockOnly:
		base := pathstore.FileRecord{Path: path, Type: remoteRec.Type, Status: remoteRec.Status}
		kind := pathstore.OpInsert
		var precID, precUSN int64
		if local != nil {
			base = *local
			base.Type, base.Status = remoteRec.Type, remoteRec.Status
			kind, precID, precUSN = pathstore.OpUpdate, local.ID, local.USN
		}
		base.Path = path
		base = base.WithVClock(outcome.MergedVClock)
		return []pathstore.Op{{Kind: kind, Record: base, PreconditionID: precID, PreconditionUSN: precUSN}}

	case reconcile.ActionTombstone, reconcile.ActionDeleteFile, reconcile.ActionDeleteFileMkDir,
		reconcile.ActionDeleteDirWriteFile, reconcile.ActionRemoveSubtree:
		if local == nil {
			return nil
		}
		rec := pathstore.FileRecord{Path: path}.WithVClock(outcome.MergedVClock)
		return []pathstore.Op{{Kind: pathstore.OpDelete, Record: rec, PreconditionID: local.ID, PreconditionUSN: local.USN}}

	case reconcile.ActionMetaMerge:
		rec := *local
		rec.Mtime, rec.Attr = remoteRec.Mtime, remoteRec.Attr
		rec = rec.WithVClock(outcome.MergedVClock)
		return []pathstore.Op{{Kind: pathstore.OpUpdate, Record: rec, PreconditionID: local.ID, PreconditionUSN: local.USN}}

	case reconcile.ActionConflictRename:
		return buildConflictOps(path, local, remoteRec, outcome, exists)

	default: // content-bearing creates/replaces: CreateFile, MkDir, ReplaceFileUpdateMeta, FetchAndCreateFile
		kind := pathstore.OpInsert
		var precID, precUSN int64
		if local != nil {
			kind, precID, precUSN = pathstore.OpUpdate, local.ID, local.USN
		}
		rec := remoteRec
		rec.Path = path
		rec = rec.WithVClock(outcome.MergedVClock)
		return []pathstore.Op{{Kind: kind, Record: rec, PreconditionID: precID, PreconditionUSN: precUSN}}
	}
}

func buildConflictOps(path string, local *pathstore.FileRecord, remoteRec pathstore.FileRecord, outcome reconcile.Outcome, exists func(string) bool) []pathstore.Op {
	conflictPath := reconcile.ConflictPath(path, exists)
	var ops []pathstore.Op

	if outcome.WinnerIsRemote {
		if local != nil {
			loser := *local
			loser.Path = conflictPath
			ops = append(ops, pathstore.Op{Kind: pathstore.OpInsert, Record: loser})
		}
		winner := remoteRec
		winner.Path = path
		winner = winner.WithVClock(outcome.MergedVClock)
		kind := pathstore.OpInsert
		var precID, precUSN int64
		if local != nil {
			kind, precID, precUSN = pathstore.OpUpdate, local.ID, local.USN
		}
		ops = append(ops, pathstore.Op{Kind: kind, Record: winner, PreconditionID: precID, PreconditionUSN: precUSN})
		return ops
	}

	loser := remoteRec
	loser.Path = conflictPath
	ops = append(ops, pathstore.Op{Kind: pathstore.OpInsert, Record: loser})
	if local != nil {
		winner := *local
		winner = winner.WithVClock(outcome.MergedVClock)
		ops = append(ops, pathstore.Op{Kind: pathstore.OpUpdate, Record: winner, PreconditionID: local.ID, PreconditionUSN: local.USN})
	}
	return ops
}
