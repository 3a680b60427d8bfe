package syncsession

import (
	"context"

	"github.com/google/uuid"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/zserror"
)

// Responder answers Find and FindFile requests against this device's own
// trees: the server half of the session protocol. The RPC transport
// decodes a request, calls the matching Handle method, and encodes the
// result; the transport itself lives outside this package.
type Responder struct {
	ContentStore *content.Store

	// Stores maps a local tree uuid to its open path store. The
	// orchestrator keeps this in step with tree lifecycle transitions.
	Stores map[string]*pathstore.Store
}

// HandleFind ships the delta of the requested tree since req.SinceUSN. In
// the request's terms this device is the remote side, so RemoteTreeUUID
// names one of our trees and the returned column basis leads with it.
func (r *Responder) HandleFind(req rpcproto.Find) (rpcproto.FindResult, error) {
	treeID, err := uuid.Parse(req.RemoteTreeUUID)
	if err != nil {
		return rpcproto.FindResult{}, zserror.Wrap("syncsession.HandleFind", zserror.TreeNoEnt, err)
	}
	tree, err := r.ContentStore.Tree(treeID)
	if err != nil {
		return rpcproto.FindResult{}, err
	}
	if tree.SyncUUID != req.SyncUUID {
		return rpcproto.FindResult{}, zserror.New("syncsession.HandleFind", zserror.SyncNoEnt)
	}
	ps, ok := r.Stores[req.RemoteTreeUUID]
	if !ok {
		return rpcproto.FindResult{}, zserror.New("syncsession.HandleFind", zserror.TreeNoEnt)
	}

	recs, err := ps.QuerySince(req.SinceUSN, req.Limit)
	if err != nil {
		return rpcproto.FindResult{}, err
	}
	cols, err := r.ContentStore.Columns(req.SyncUUID, treeID)
	if err != nil {
		return rpcproto.FindResult{}, err
	}

	out := rpcproto.FindResult{
		RemoteTreeUUID: req.RemoteTreeUUID,
		RemoteColumns:  cols,
		MaxUSN:         req.SinceUSN,
		Truncated:      req.Limit > 0 && len(recs) == req.Limit,
	}
	for _, rec := range recs {
		out.Records = append(out.Records, recordToWire(rec))
		if rec.USN > out.MaxUSN {
			out.MaxUSN = rec.USN
		}
	}
	return out, nil
}

// HandleFindFile locates one record by path within the requested tree.
func (r *Responder) HandleFindFile(req rpcproto.FindFile) (rpcproto.FindFileResult, error) {
	ps, ok := r.Stores[req.RemoteTreeUUID]
	if !ok {
		return rpcproto.FindFileResult{}, zserror.New("syncsession.HandleFindFile", zserror.TreeNoEnt)
	}
	rec, ok, err := ps.Get(req.RelativePath)
	if err != nil {
		return rpcproto.FindFileResult{}, err
	}
	if !ok || rec.Status != pathstore.StatusNormal {
		return rpcproto.FindFileResult{}, zserror.New("syncsession.HandleFindFile", zserror.DownloadNoEnt)
	}
	return rpcproto.FindFileResult{Found: true, Stat: recordToWire(rec)}, nil
}

func recordToWire(r pathstore.FileRecord) rpcproto.WireFileRecord {
	w := rpcproto.WireFileRecord{
		Path:         r.Path,
		IsDir:        r.Type == pathstore.TypeDir,
		IsRemoved:    r.Status == pathstore.StatusRemove,
		Mtime:        r.Mtime,
		Length:       r.Length,
		USN:          r.USN,
		HasSHA1:      r.HasSHA1,
		AttrUnix:     r.Attr.Unix,
		AttrWin:      r.Attr.Win,
		AttrAndroid:  r.Attr.Android,
		LocalVClock:  r.LocalVClock,
		RemoteVClock: r.RemoteVClock,
		Modifier:     r.Modifier,
		TimeStamp:    r.TimeStamp,
	}
	if r.HasSHA1 {
		w.SHA1 = append([]byte(nil), r.SHA1[:]...)
	}
	return w
}

// LoopbackPeer adapts a Responder to the Peer interface, for trees that
// live in the same process and for tests.
type LoopbackPeer struct {
	R *Responder
}

func (p LoopbackPeer) Find(_ context.Context, req rpcproto.Find) (rpcproto.FindResult, error) {
	return p.R.HandleFind(req)
}
