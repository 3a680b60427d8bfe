package transfer

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/zserror"
)

// FSApplier implements syncsession.FileApplier against a real tree root,
// using a Client to stage file bytes. It is the concrete collaborator the
// orchestrator wires a Driver to; syncsession itself only depends on the
// FileApplier interface, not on this package, so tests there use a fake.
type FSApplier struct {
	Root    string
	Client  Client
	Monitor TaskMonitor
}

func (a *FSApplier) monitor() TaskMonitor {
	if a.Monitor != nil {
		return a.Monitor
	}
	return NopMonitor{}
}

func (a *FSApplier) CreateOrReplace(ctx context.Context, path string, wire rpcproto.WireFileRecord) error {
	full := filepath.Join(a.Root, filepath.FromSlash(path))
	tmp := full + ".zisync.part"

	var sha1 [20]byte
	copy(sha1[:], wire.SHA1)
	task := Task{
		ID: path,
		Files: []FileSpec{{
			RemotePath: path,
			LocalPath:  tmp,
			Length:     wire.Length,
			SHA1:       sha1,
			HasSHA1:    wire.HasSHA1,
		}},
	}
	if err := a.Client.Submit(ctx, task, a.monitor()); err != nil {
		return err
	}

	mode := os.FileMode(wire.AttrUnix & 0o777)
	if mode == 0 {
		mode = 0o644
	}
	if err := os.Chmod(tmp, mode); err != nil {
		return zserror.Wrap("transfer.FSApplier.CreateOrReplace", zserror.OsIo, err)
	}
	mtime := time.Unix(0, wire.Mtime)
	if err := os.Chtimes(tmp, mtime, mtime); err != nil {
		return zserror.Wrap("transfer.FSApplier.CreateOrReplace", zserror.OsIo, err)
	}
	if err := os.Rename(tmp, full); err != nil {
		return zserror.Wrap("transfer.FSApplier.CreateOrReplace", zserror.OsIo, err)
	}
	return nil
}

func (a *FSApplier) MkDir(_ context.Context, path string) error {
	if err := os.MkdirAll(filepath.Join(a.Root, filepath.FromSlash(path)), 0o755); err != nil {
		return zserror.Wrap("transfer.FSApplier.MkDir", zserror.OsIo, err)
	}
	return nil
}

func (a *FSApplier) Delete(_ context.Context, path string) error {
	if err := os.RemoveAll(filepath.Join(a.Root, filepath.FromSlash(path))); err != nil {
		return zserror.Wrap("transfer.FSApplier.Delete", zserror.OsIo, err)
	}
	return nil
}

func (a *FSApplier) Rename(_ context.Context, oldPath, newPath string) error {
	oldFull := filepath.Join(a.Root, filepath.FromSlash(oldPath))
	newFull := filepath.Join(a.Root, filepath.FromSlash(newPath))
	if err := os.MkdirAll(filepath.Dir(newFull), 0o755); err != nil {
		return zserror.Wrap("transfer.FSApplier.Rename", zserror.OsIo, err)
	}
	if err := os.Rename(oldFull, newFull); err != nil {
		return zserror.Wrap("transfer.FSApplier.Rename", zserror.OsIo, err)
	}
	return nil
}
