// Package reconcile implements the Reconciler: given a local
// and remote FileRecord pair for the same path (already remapped into the
// local tree's vector-clock column basis by the Sync Session), it classifies
// the 9-bit outcome and stages the single matching filesystem+db mutation.
package reconcile

import (
	"fmt"
	"strings"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/vclock"
)

// Class is the 5-way per-side classification of a path: absent, or
// {Reg,Dir} x {Normal,Remove}.
type Class int

const (
	Absent Class = iota
	FN           // file, normal
	DN           // dir, normal
	FR           // file, removed (tombstone)
	DR           // dir, removed (tombstone)
)

func (c Class) String() string {
	switch c {
	case Absent:
		return "_"
	case FN:
		return "FN"
	case DN:
		return "DN"
	case FR:
		return "FR"
	case DR:
		return "DR"
	default:
		return "?"
	}
}

// Classify derives a Class from a FileRecord pointer (nil means absent).
func Classify(r *pathstore.FileRecord) Class {
	if r == nil {
		return Absent
	}
	switch {
	case r.Type == pathstore.TypeFile && r.Status == pathstore.StatusNormal:
		return FN
	case r.Type == pathstore.TypeDir && r.Status == pathstore.StatusNormal:
		return DN
	case r.Type == pathstore.TypeFile && r.Status == pathstore.StatusRemove:
		return FR
	case r.Type == pathstore.TypeDir && r.Status == pathstore.StatusRemove:
		return DR
	default:
		return Absent
	}
}

// ActionKind enumerates the distinct mutations an Outcome may request.
type ActionKind int

const (
	ActionNoOp ActionKind = iota
	ActionCreateFile
	ActionMkDir
	ActionTombstone
	ActionReplaceFileUpdateMeta
	ActionDeleteFileMkDir
	ActionDeleteFile
	ActionDeleteDirWriteFile
	ActionMetaMerge
	ActionRemoveSubtree
	ActionFetchAndCreateFile
	ActionUpdateVClockOnly
	ActionConflictRename
)

// Outcome is the single decision the Reconciler reaches for one path.
type Outcome struct {
	Kind ActionKind
	// NeedsFetch is true when bytes must be staged by the Transfer layer
	// before the filesystem mutation can run.
	NeedsFetch bool
	// MergedVClock is the vclock the resulting Path Store row must carry.
	MergedVClock vclock.Clock
	// WinnerIsRemote distinguishes which side keeps the original path in a
	// conflict (the tiebreak is by tree uuid).
	WinnerIsRemote bool
}

// Reconciler decides outcomes for one (local tree, remote tree) pair.
type Reconciler struct {
	Permission     content.Permission
	LocalTreeUUID  string
	RemoteTreeUUID string
}

// New builds a Reconciler.
func New(perm content.Permission, localTreeUUID, remoteTreeUUID string) *Reconciler {
	return &Reconciler{Permission: perm, LocalTreeUUID: localTreeUUID, RemoteTreeUUID: remoteTreeUUID}
}

func clockOf(r *pathstore.FileRecord) vclock.Clock {
	if r == nil {
		return vclock.Clock{}
	}
	return r.VClock()
}

// Reconcile classifies (local, remote) and returns the single outcome
// that applies. local may be nil (path absent locally); remote must not
// be nil.
func (rc *Reconciler) Reconcile(path string, local, remote *pathstore.FileRecord) Outcome {
	localClock := clockOf(local)
	remoteClock := clockOf(remote)
	cmp := vclock.Compare(remoteClock, localClock)

	switch cmp {
	case vclock.Less:
		return Outcome{Kind: ActionNoOp}
	case vclock.Equal:
		return rc.equalOutcome(local, remote)
	case vclock.Concurrent:
		return rc.conflictOutcome(path, local, remote)
	default: // Greater
		return rc.applyRemoteOutcome(local, remote)
	}
}

func (rc *Reconciler) equalOutcome(local, remote *pathstore.FileRecord) Outcome {
	merged := vclock.Merge(clockOf(local), clockOf(remote))
	if local == nil || remote == nil {
		return Outcome{Kind: ActionNoOp, MergedVClock: merged}
	}
	if local.Mtime != remote.Mtime || local.Attr != remote.Attr {
		return Outcome{Kind: ActionMetaMerge, MergedVClock: merged}
	}
	return Outcome{Kind: ActionNoOp, MergedVClock: merged}
}

// applyRemoteOutcome implements the outcome table for the
// remote > local case, including the RDONLY/BACKUP_DST receive policy and
// the backup source/dest asymmetry.
func (rc *Reconciler) applyRemoteOutcome(local, remote *pathstore.FileRecord) Outcome {
	lc, rc2 := Classify(local), Classify(remote)
	merged := vclock.Merge(clockOf(local), clockOf(remote))

	// Backup source/dest asymmetry: a BACKUP source tree
	// never has data deleted because of a dest absence, and never accepts
	// inserts originating from the dest.
	if rc.Permission.SuppressesInserts() && lc == Absent {
		return Outcome{Kind: ActionNoOp}
	}

	kind := outcomeTable[lc][rc2]

	if isDeleteLike(kind) && !rc.Permission.CanDelete() {
		// RDONLY/backup-src: vclock still advances, disk untouched
		return Outcome{Kind: ActionUpdateVClockOnly, MergedVClock: merged}
	}
	if !rc.Permission.CanWrite() && requiresWrite(kind) {
		return Outcome{Kind: ActionUpdateVClockOnly, MergedVClock: merged}
	}

	out := Outcome{Kind: kind, MergedVClock: merged}
	if kind == ActionCreateFile || kind == ActionReplaceFileUpdateMeta ||
		kind == ActionDeleteDirWriteFile || kind == ActionFetchAndCreateFile {
		out.NeedsFetch = true
	}
	if rc.Permission.ClampsVClock() {
		out.MergedVClock = vclock.Clock{0}
	}
	return out
}

func isDeleteLike(k ActionKind) bool {
	switch k {
	case ActionTombstone, ActionDeleteFile, ActionDeleteFileMkDir, ActionDeleteDirWriteFile, ActionRemoveSubtree:
		return true
	}
	return false
}

func requiresWrite(k ActionKind) bool {
	return k != ActionNoOp && k != ActionUpdateVClockOnly
}

// outcomeTable is the 5x4 outcome grid (local classes are rows:
// Absent, FN, DN, FR, DR; remote classes are columns: FN, DN, FR, DR — the
// remote-absent column never occurs since remote is never nil here).
var outcomeTable = map[Class]map[Class]ActionKind{
	Absent: {
		FN: ActionCreateFile,
		DN: ActionMkDir,
		FR: ActionTombstone,
		DR: ActionTombstone,
	},
	FN: {
		FN: ActionReplaceFileUpdateMeta,
		DN: ActionDeleteFileMkDir,
		FR: ActionDeleteFile,
		DR: ActionDeleteFile,
	},
	DN: {
		FN: ActionDeleteDirWriteFile,
		DN: ActionMetaMerge,
		FR: ActionRemoveSubtree,
		DR: ActionRemoveSubtree,
	},
	FR: {
		FN: ActionFetchAndCreateFile,
		DN: ActionMkDir,
		FR: ActionUpdateVClockOnly,
		DR: ActionUpdateVClockOnly,
	},
	DR: {
		FN: ActionFetchAndCreateFile,
		DN: ActionMkDir,
		FR: ActionUpdateVClockOnly,
		DR: ActionUpdateVClockOnly,
	},
}

// conflictOutcome implements the concurrent case: the winner keeps the
// original path with a merged vector clock, the loser is renamed to
// <path>.conflict[.N][.ext] on the side whose tree uuid is lexicographically
// smaller.
func (rc *Reconciler) conflictOutcome(path string, local, remote *pathstore.FileRecord) Outcome {
	merged := vclock.Merge(clockOf(local), clockOf(remote))
	localIsWinner := rc.LocalTreeUUID < rc.RemoteTreeUUID

	// WinnerIsRemote tells the caller which side's content stays at path;
	// the other side renames its copy to path's .conflict variant via
	// ConflictPath. path itself is unused here since both callers already
	// have it from the Reconcile invocation.
	return Outcome{
		Kind:           ActionConflictRename,
		MergedVClock:   merged,
		WinnerIsRemote: !localIsWinner,
	}
}

// ConflictPath returns the deterministic <stem>.conflict[.N][.ext] name for
// path, where N is the smallest integer >= 1 making the path unused,
// checked via exists.
func ConflictPath(path string, exists func(string) bool) string {
	dir := ""
	base := path
	if idx := strings.LastIndex(path, "/"); idx >= 0 {
		dir, base = path[:idx+1], path[idx+1:]
	}
	stem, ext := base, ""
	if idx := strings.LastIndex(base, "."); idx > 0 {
		stem, ext = base[:idx], base[idx:]
	}

	candidate := fmt.Sprintf("%s%s.conflict%s", dir, stem, ext)
	if !exists(candidate) {
		return candidate
	}
	for n := 1; ; n++ {
		candidate = fmt.Sprintf("%s%s.conflict.%d%s", dir, stem, n, ext)
		if !exists(candidate) {
			return candidate
		}
	}
}
