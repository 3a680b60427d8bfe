package content

// Permission gates reconciler behavior by a Sync's Perm and the local
// tree's backup role, so the asymmetry rules live in one place instead of
// ad hoc checks at every call site.
type Permission struct {
	Perm       Perm
	BackupType BackupType
}

// CanWrite reports whether incoming changes may touch this tree's files
// and metadata. RDONLY trees leave local bytes untouched; the vclock still
// advances on receive even when the write itself is suppressed, so
// CanWrite governs only the write, not the vclock bookkeeping.
func (p Permission) CanWrite() bool {
	if p.Perm == PermRDONLY {
		return false
	}
	if p.BackupType == BackupDst {
		return true // BACKUP_DST receives writes; it just clamps vclock.
	}
	return true
}

// CanPush reports whether local edits on this tree may be sent to peers.
func (p Permission) CanPush() bool {
	switch p.Perm {
	case PermRDONLY, PermWRONLY:
		return p.Perm != PermRDONLY
	case PermDisconnect, PermTokenDiff:
		return false
	}
	if p.BackupType == BackupDst {
		return false // dest never pushes back to src
	}
	return true
}

// CanDelete reports whether a remote tombstone may delete local data. A
// BACKUP source tree must never be deleted because of an absence on the
// destination.
func (p Permission) CanDelete() bool {
	if p.BackupType == BackupSrc {
		return false
	}
	return p.CanWrite()
}

// SuppressesInserts reports whether inserts reported by the peer should be
// dropped outright rather than staged. BACKUP source trees suppress all
// inserts arriving from the destination side.
func (p Permission) SuppressesInserts() bool {
	return p.BackupType == BackupSrc
}

// ClampsVClock reports whether local_vclock must be forced to zero and
// remote_vclock cleared, as BACKUP_DST trees do.
func (p Permission) ClampsVClock() bool {
	return p.BackupType == BackupDst
}
