// Package orchestrator owns the task graph: it deduplicates refresh and
// sync requests, fans out push gossip to online peers, and drives
// discovery and peer-erasure on demand. One serialized refresh worker, a
// pool of sync/push workers, bounded channels in between.
package orchestrator

import (
	"context"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/discover"
	"github.com/Ivanw/zisync/internal/logger"
	"github.com/Ivanw/zisync/internal/syncutil"
)

// serviceFunc adapts a plain function to suture.Service.
type serviceFunc func(ctx context.Context) error

func (f serviceFunc) Serve(ctx context.Context) error { return f(ctx) }

// SyncPair identifies one (local tree, remote tree) sync request.
type SyncPair struct {
	SyncUUID       uuid.UUID
	LocalTreeUUID  uuid.UUID
	RemoteTreeUUID uuid.UUID
}

type pushKind int

const (
	pushDevice pushKind = iota
	pushSync
	pushTree
)

type pushJob struct {
	kind     pushKind
	deviceID int64
	syncID   uuid.UUID
	treeID   uuid.UUID
}

type eraseJob struct {
	deviceID  int64
	routePort int
}

// Orchestrator is the queued task graph. Every Request* method is
// non-blocking: it either enqueues the job or, if an equivalent job is
// already queued or running, drops the request.
type Orchestrator struct {
	*suture.Supervisor

	mut             syncutil.Mutex
	refreshInflight map[uuid.UUID]bool
	syncInflight    map[string]bool
	discoverRunning bool

	refreshCh  chan uuid.UUID
	syncCh     chan SyncPair
	pushCh     chan pushJob
	eraseCh    chan eraseJob
	discoverCh chan struct{}

	// Collaborators, injected so the orchestrator itself stays free of
	// storage, transport and network concerns. The actual work lives in
	// scanner, syncsession and discover.
	DoRefresh      func(ctx context.Context, treeID uuid.UUID) error
	DoSync         func(ctx context.Context, p SyncPair) error
	DoPushDevice   func(ctx context.Context, deviceID int64) error
	DoPushSync     func(ctx context.Context, syncID uuid.UUID) error
	DoPushTree     func(ctx context.Context, treeID uuid.UUID) error
	DoErasePeer    func(ctx context.Context, deviceID int64, routePort int) error
	DoDiscover     func(ctx context.Context) ([]discover.Peer, error)
	OnDiscoverDone func(peers []discover.Peer, err error)

	SyncWorkers int // pool size for the sync/push worker pool, default 4
}

// New builds an Orchestrator with bounded queues. A depth of 256 keeps
// RequestRefresh and RequestSync from blocking the Tree-table
// change-notification path under any reasonable fan-out.
func New() *Orchestrator {
	return &Orchestrator{
		Supervisor:      suture.NewSimple("orchestrator"),
		mut:             syncutil.NewMutex(),
		refreshInflight: make(map[uuid.UUID]bool),
		syncInflight:    make(map[string]bool),
		refreshCh:       make(chan uuid.UUID, 256),
		syncCh:          make(chan SyncPair, 256),
		pushCh:          make(chan pushJob, 256),
		eraseCh:         make(chan eraseJob, 64),
		discoverCh:      make(chan struct{}, 1),
		SyncWorkers:     4,
	}
}

// Start registers every worker with the embedded Supervisor. Call once
// before Serve.
func (o *Orchestrator) Start() {
	o.Add(serviceFunc(o.refreshLoop))
	n := o.SyncWorkers
	if n <= 0 {
		n = 4
	}
	for i := 0; i < n; i++ {
		o.Add(serviceFunc(o.syncLoop))
		o.Add(serviceFunc(o.pushLoop))
	}
	o.Add(serviceFunc(o.eraseLoop))
	o.Add(serviceFunc(o.discoverLoop))
}

func syncPairKey(p SyncPair) string {
	return p.LocalTreeUUID.String() + ">" + p.RemoteTreeUUID.String()
}

// RequestRefresh enqueues a refresh of treeID unless one is already queued
// or running.
func (o *Orchestrator) RequestRefresh(treeID uuid.UUID) {
	o.mut.Lock()
	if o.refreshInflight[treeID] {
		o.mut.Unlock()
		return
	}
	o.refreshInflight[treeID] = true
	o.mut.Unlock()

	select {
	case o.refreshCh <- treeID:
	default:
		logger.Default.Warnf("orchestrator: refresh queue full, dropping request for %s", treeID)
		o.mut.Lock()
		delete(o.refreshInflight, treeID)
		o.mut.Unlock()
	}
}

// RequestSync enqueues a sync session for a tree pair unless one is
// already queued or running for the same pair.
func (o *Orchestrator) RequestSync(p SyncPair) {
	key := syncPairKey(p)
	o.mut.Lock()
	if o.syncInflight[key] {
		o.mut.Unlock()
		return
	}
	o.syncInflight[key] = true
	o.mut.Unlock()

	select {
	case o.syncCh <- p:
	default:
		logger.Default.Warnf("orchestrator: sync queue full, dropping request for %s", key)
		o.mut.Lock()
		delete(o.syncInflight, key)
		o.mut.Unlock()
	}
}

// RequestPushDeviceInfo, RequestPushSyncInfo and RequestPushTreeInfo
// enqueue best-effort gossip fan-out. Unlike refresh and sync these are
// not deduplicated: pushes are cheap and idempotent on the receiving end.
func (o *Orchestrator) RequestPushDeviceInfo(deviceID int64) {
	o.enqueuePush(pushJob{kind: pushDevice, deviceID: deviceID})
}

func (o *Orchestrator) RequestPushSyncInfo(syncID uuid.UUID) {
	o.enqueuePush(pushJob{kind: pushSync, syncID: syncID})
}

func (o *Orchestrator) RequestPushTreeInfo(treeID uuid.UUID) {
	o.enqueuePush(pushJob{kind: pushTree, treeID: treeID})
}

func (o *Orchestrator) enqueuePush(j pushJob) {
	select {
	case o.pushCh <- j:
	default:
		logger.Default.Warnf("orchestrator: push queue full, dropping job")
	}
}

// RequestErasePeer asks every known route for deviceID to forget this
// device, used when the account token changes.
func (o *Orchestrator) RequestErasePeer(deviceID int64, routePort int) {
	select {
	case o.eraseCh <- eraseJob{deviceID: deviceID, routePort: routePort}:
	default:
		logger.Default.Warnf("orchestrator: erase queue full, dropping job for device %d", deviceID)
	}
}

// RequestDiscoverDevice triggers a batch discovery round; the result is
// delivered to OnDiscoverDone rather than returned, since the caller
// enqueues and moves on.
func (o *Orchestrator) RequestDiscoverDevice() {
	o.mut.Lock()
	if o.discoverRunning {
		o.mut.Unlock()
		return
	}
	o.discoverRunning = true
	o.mut.Unlock()

	select {
	case o.discoverCh <- struct{}{}:
	default:
		o.mut.Lock()
		o.discoverRunning = false
		o.mut.Unlock()
	}
}

// OnTreeTableChanged recomputes the tree-pairs to sync and the local trees
// to refresh from the content store's current Tree rows for syncID, and
// enqueues the deltas.
func (o *Orchestrator) OnTreeTableChanged(cs *content.Store, syncID uuid.UUID, localDeviceID int64) error {
	trees, err := cs.TreesOfSync(syncID)
	if err != nil {
		return err
	}
	var local []content.Tree
	var remote []content.Tree
	for _, t := range trees {
		if t.DeviceID == localDeviceID {
			local = append(local, t)
		} else {
			remote = append(remote, t)
		}
	}
	for _, lt := range local {
		o.RequestRefresh(lt.UUID)
		for _, rt := range remote {
			o.RequestSync(SyncPair{SyncUUID: syncID, LocalTreeUUID: lt.UUID, RemoteTreeUUID: rt.UUID})
		}
	}
	return nil
}

func (o *Orchestrator) refreshLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case treeID := <-o.refreshCh:
			if o.DoRefresh != nil {
				if err := o.DoRefresh(ctx, treeID); err != nil {
					logger.Default.Warnf("orchestrator: refresh %s failed: %v", treeID, err)
				}
			}
			o.mut.Lock()
			delete(o.refreshInflight, treeID)
			o.mut.Unlock()
		}
	}
}

func (o *Orchestrator) syncLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case p := <-o.syncCh:
			if o.DoSync != nil {
				if err := o.DoSync(ctx, p); err != nil {
					logger.Default.Warnf("orchestrator: sync %s>%s failed: %v", p.LocalTreeUUID, p.RemoteTreeUUID, err)
				}
			}
			o.mut.Lock()
			delete(o.syncInflight, syncPairKey(p))
			o.mut.Unlock()
		}
	}
}

func (o *Orchestrator) pushLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-o.pushCh:
			var err error
			switch j.kind {
			case pushDevice:
				if o.DoPushDevice != nil {
					err = o.DoPushDevice(ctx, j.deviceID)
				}
			case pushSync:
				if o.DoPushSync != nil {
					err = o.DoPushSync(ctx, j.syncID)
				}
			case pushTree:
				if o.DoPushTree != nil {
					err = o.DoPushTree(ctx, j.treeID)
				}
			}
			if err != nil {
				logger.Default.Warnf("orchestrator: push job failed: %v", err)
			}
		}
	}
}

func (o *Orchestrator) eraseLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case j := <-o.eraseCh:
			if o.DoErasePeer != nil {
				if err := o.DoErasePeer(ctx, j.deviceID, j.routePort); err != nil {
					logger.Default.Warnf("orchestrator: erase_peer device %d failed: %v", j.deviceID, err)
				}
			}
		}
	}
}

func (o *Orchestrator) discoverLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-o.discoverCh:
			var peers []discover.Peer
			var err error
			if o.DoDiscover != nil {
				peers, err = o.DoDiscover(ctx)
			}
			if o.OnDiscoverDone != nil {
				o.OnDiscoverDone(peers, err)
			}
			o.mut.Lock()
			o.discoverRunning = false
			o.mut.Unlock()
		}
	}
}
