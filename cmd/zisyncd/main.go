// Command zisyncd runs the sync engine daemon: it opens the content and
// per-tree databases, watches every enabled local tree, serves the route
// and data ports for its peers, and periodically syncs every local tree
// against its known peer trees.
package main

import (
	"context"
	"flag"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/thejerf/suture/v4"

	"github.com/Ivanw/zisync/internal/coalescer"
	"github.com/Ivanw/zisync/internal/config"
	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/discover"
	"github.com/Ivanw/zisync/internal/history"
	"github.com/Ivanw/zisync/internal/ignore"
	"github.com/Ivanw/zisync/internal/logger"
	"github.com/Ivanw/zisync/internal/orchestrator"
	"github.com/Ivanw/zisync/internal/pathstore"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/scanner"
	"github.com/Ivanw/zisync/internal/syncsession"
	"github.com/Ivanw/zisync/internal/syncutil"
	"github.com/Ivanw/zisync/internal/transfer"
	"github.com/Ivanw/zisync/internal/zserror"
)

type svcFunc func(ctx context.Context) error

func (f svcFunc) Serve(ctx context.Context) error { return f(ctx) }

// pendingPaths accumulates watcher-reported relative paths per tree until
// the refresh worker drains them. A miss or an explicit full request
// clears the path set so the next refresh walks the whole root.
type pendingPaths struct {
	mut    syncutil.Mutex
	byTree map[uuid.UUID][]string
	full   map[uuid.UUID]bool
}

func newPendingPaths() *pendingPaths {
	return &pendingPaths{
		mut:    syncutil.NewMutex(),
		byTree: make(map[uuid.UUID][]string),
		full:   make(map[uuid.UUID]bool),
	}
}

func (p *pendingPaths) add(treeID uuid.UUID, paths []string) {
	p.mut.Lock()
	defer p.mut.Unlock()
	if !p.full[treeID] {
		p.byTree[treeID] = append(p.byTree[treeID], paths...)
	}
}

func (p *pendingPaths) forceFull(treeID uuid.UUID) {
	p.mut.Lock()
	defer p.mut.Unlock()
	p.full[treeID] = true
	delete(p.byTree, treeID)
}

// drain returns the relevant paths for the next refresh; nil means full.
func (p *pendingPaths) drain(treeID uuid.UUID) []string {
	p.mut.Lock()
	defer p.mut.Unlock()
	if p.full[treeID] {
		delete(p.full, treeID)
		return nil
	}
	paths := p.byTree[treeID]
	delete(p.byTree, treeID)
	return paths
}

func main() {
	dbDir := flag.String("db", "zisync-db", "database directory")
	routeAddr := flag.String("route", ":22586", "route port listen address")
	dataAddr := flag.String("data", ":22587", "data port listen address")
	name := flag.String("name", "", "device display name (default: hostname)")
	flag.Parse()

	if err := run(*dbDir, *routeAddr, *dataAddr, *name); err != nil {
		logger.Default.Fatalf("zisyncd: %v", err)
	}
}

func run(dbDir, routeAddr, dataAddr, name string) error {
	if err := os.MkdirAll(dbDir, 0o755); err != nil {
		return zserror.Wrap("zisyncd.run", zserror.OsIo, err)
	}

	cfgPath := filepath.Join(dbDir, "config.json")
	cfg, err := config.Load(cfgPath)
	if zserror.Is(err, zserror.ConfigMissing) {
		cfg = config.New()
		if err := config.Save(cfgPath, cfg); err != nil {
			return err
		}
	} else if err != nil {
		return err
	}

	cs, err := content.Open(filepath.Join(dbDir, "content.db"))
	if err != nil {
		return err
	}
	defer cs.Close()

	local, err := ensureLocalDevice(cs, name, routeAddr, dataAddr)
	if err != nil {
		return err
	}

	alloc := content.NewUSNAllocator(0)
	trees, err := cs.Trees()
	if err != nil {
		return err
	}
	stores := make(map[string]*pathstore.Store)
	roots := make(map[string]string)
	treeByRoot := make(map[string]uuid.UUID)
	for _, t := range trees {
		if t.DeviceID != content.LocalDeviceID || t.Status != content.TreeStatusNormal {
			continue
		}
		ps, err := pathstore.Open(filepath.Join(dbDir, t.UUID.String()+".db"), alloc, local.Name)
		if err != nil {
			return err
		}
		defer ps.Close()
		max, err := ps.MaxUSN()
		if err != nil {
			return err
		}
		alloc.Observe(max)
		stores[t.UUID.String()] = ps
		roots[t.UUID.String()] = t.Root
		treeByRoot[t.Root] = t.UUID
	}

	responder := &syncsession.Responder{ContentStore: cs, Stores: stores}
	route, err := newRouteServer(routeAddr, responder, cs)
	if err != nil {
		return err
	}
	data, err := newDataServer(dataAddr, roots)
	if err != nil {
		return err
	}

	hist := history.NewManager(0)
	ign, err := ignore.New(nil)
	if err != nil {
		return err
	}

	orch := orchestrator.New()
	pending := newPendingPaths()

	co := coalescer.New(nil, ign)
	co.OnReport = func(treeRoot string, paths []string) {
		if id, ok := treeByRoot[treeRoot]; ok {
			pending.add(id, paths)
			orch.RequestRefresh(id)
		}
	}
	co.OnMiss = func(treeRoot string) {
		if id, ok := treeByRoot[treeRoot]; ok {
			pending.forceFull(id)
			orch.RequestRefresh(id)
		}
	}
	var watchers []*coalescer.NotifyWatcher
	for treeUUID, root := range roots {
		w, err := coalescer.WatchTree(root, co)
		if err != nil {
			logger.Default.Warnf("zisyncd: cannot watch %s (%s): %v", root, treeUUID, err)
			continue
		}
		watchers = append(watchers, w)
	}
	defer func() {
		for _, w := range watchers {
			w.Stop()
		}
	}()

	cursor := syncsession.NewMemCursorStore()
	wireOrchestrator(orch, cs, stores, hist, ign, pending, cursor)

	root := suture.NewSimple("zisyncd")
	orch.Start()
	root.Add(orch)
	root.Add(route)
	root.Add(data)
	root.Add(svcFunc(func(ctx context.Context) error {
		return tickLoop(ctx, cs, orch, co, cfg.SyncIntervalS)
	}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	logger.Default.Infof("zisyncd: serving route %s, data %s, %d local trees", routeAddr, dataAddr, len(stores))
	return root.Serve(ctx)
}

func ensureLocalDevice(cs *content.Store, name, routeAddr, dataAddr string) (content.Device, error) {
	if name == "" {
		if h, err := os.Hostname(); err == nil {
			name = h
		} else {
			name = "zisync-device"
		}
	}
	d := content.Device{
		ID:       content.LocalDeviceID,
		UUID:     uuid.New(),
		IsMine:   true,
		Platform: runtime.GOOS,
	}
	if existing, err := cs.Device(content.LocalDeviceID); err == nil {
		d = existing
	}
	d.Name = name
	d.Status = content.DeviceOnline
	d.RoutePort = portOf(routeAddr)
	d.DataPort = portOf(dataAddr)
	if err := config.ValidatePort(d.RoutePort); err != nil {
		return d, err
	}
	if err := config.ValidatePort(d.DataPort); err != nil {
		return d, err
	}
	return d, cs.PutDevice(d)
}

func portOf(addr string) int {
	_, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return 0
	}
	return port
}

func joinHostPort(host string, port int) string {
	return net.JoinHostPort(host, strconv.Itoa(port))
}

func wireOrchestrator(
	orch *orchestrator.Orchestrator,
	cs *content.Store,
	stores map[string]*pathstore.Store,
	hist *history.Manager,
	ign *ignore.Matcher,
	pending *pendingPaths,
	cursor syncsession.CursorStore,
) {
	orch.DoRefresh = func(_ context.Context, treeID uuid.UUID) error {
		t, err := cs.Tree(treeID)
		if err != nil {
			return err
		}
		if fi, err := os.Stat(t.Root); err != nil || !fi.IsDir() {
			_ = cs.SetTreeRootStatus(treeID, content.RootRemoved)
			return zserror.New("zisyncd.refresh", zserror.RootMoved)
		}
		if t.RootStatus == content.RootRemoved {
			if err := cs.SetTreeRootStatus(treeID, content.RootNormal); err != nil {
				return err
			}
		}
		ps, ok := stores[treeID.String()]
		if !ok {
			return zserror.New("zisyncd.refresh", zserror.TreeNoEnt)
		}
		sy, err := cs.Sync(t.SyncUUID)
		if err != nil {
			return err
		}
		perm := content.Permission{Perm: sy.Perm, BackupType: t.BackupType}
		sc := scanner.New(scanner.PlatformGeneric, perm, hist, ign)
		_, err = sc.Refresh(treeID.String(), t.Root, ps, pending.drain(treeID))
		return err
	}

	orch.DoSync = func(ctx context.Context, p orchestrator.SyncPair) error {
		localPS, ok := stores[p.LocalTreeUUID.String()]
		if !ok {
			return zserror.New("zisyncd.sync", zserror.TreeNoEnt)
		}
		localTree, err := cs.Tree(p.LocalTreeUUID)
		if err != nil {
			return err
		}
		remoteTree, err := cs.Tree(p.RemoteTreeUUID)
		if err != nil {
			return err
		}
		dev, err := cs.Device(remoteTree.DeviceID)
		if err != nil {
			return err
		}
		routeAddrs, dataAddrs, err := peerAddrs(cs, dev)
		if err != nil {
			return err
		}
		client := &routeClient{deviceID: dev.ID, addrs: routeAddrs, store: cs, codec: rpcproto.GobCodec}
		src := &dialSource{addr: dataAddrs[0], treeUUID: p.RemoteTreeUUID.String(), codec: rpcproto.GobCodec}
		applier := &transfer.FSApplier{Root: localTree.Root, Client: transfer.NewInProcessClient(src)}
		driver := syncsession.New(cs, localPS, client, applier, cursor)
		return driver.Run(ctx, p.SyncUUID, p.LocalTreeUUID, p.RemoteTreeUUID)
	}

	orch.DoPushDevice = func(ctx context.Context, deviceID int64) error {
		d, err := cs.Device(deviceID)
		if err != nil {
			return err
		}
		return fanOut(ctx, cs, msgPushDevice, rpcproto.PushDeviceInfo{
			DeviceUUID: d.UUID,
			Name:       d.Name,
			Platform:   d.Platform,
			RoutePort:  d.RoutePort,
			DataPort:   d.DataPort,
		})
	}
	orch.DoPushSync = func(ctx context.Context, syncID uuid.UUID) error {
		sy, err := cs.Sync(syncID)
		if err != nil {
			return err
		}
		return fanOut(ctx, cs, msgPushSync, rpcproto.PushSyncInfo{
			SyncUUID: sy.UUID,
			Name:     sy.Name,
			Perm:     int(sy.Perm),
			Status:   int(sy.Status),
		})
	}
	orch.DoPushTree = func(ctx context.Context, treeID uuid.UUID) error {
		t, err := cs.Tree(treeID)
		if err != nil {
			return err
		}
		dev, err := cs.Device(t.DeviceID)
		if err != nil {
			return err
		}
		return fanOut(ctx, cs, msgPushTree, rpcproto.PushTreeInfo{
			TreeUUID:   t.UUID,
			SyncUUID:   t.SyncUUID,
			DeviceUUID: dev.UUID,
			Status:     int(t.Status),
			BackupType: int(t.BackupType),
		})
	}
	orch.DoErasePeer = func(ctx context.Context, deviceID int64, routePort int) error {
		local, err := cs.Device(content.LocalDeviceID)
		if err != nil {
			return err
		}
		dev, err := cs.Device(deviceID)
		if err != nil {
			return err
		}
		routeAddrs, _, err := peerAddrs(cs, dev)
		if err != nil {
			return err
		}
		client := &routeClient{deviceID: dev.ID, addrs: routeAddrs, store: cs, codec: rpcproto.GobCodec}
		return client.push(ctx, msgTokenChanged, rpcproto.AnnounceTokenChanged{DeviceUUID: local.UUID})
	}
	orch.DoDiscover = func(_ context.Context) ([]discover.Peer, error) {
		// The DHT and broadcast transports are external collaborators;
		// until one is plugged in there is nothing to discover.
		return nil, zserror.New("zisyncd.discover", zserror.DiscoverNoEnt)
	}
	orch.OnDiscoverDone = func(peers []discover.Peer, err error) {
		if err != nil {
			logger.Default.Debugf("zisyncd: discover: %v", err)
			return
		}
		(&discover.CacheWriter{Store: cs}).Record(peers)
	}
}

// peerAddrs resolves the known route and data addresses for a device,
// responsive addresses first.
func peerAddrs(cs *content.Store, dev content.Device) (routeAddrs, dataAddrs []string, err error) {
	ips, err := cs.DeviceIPs(dev.ID)
	if err != nil {
		return nil, nil, err
	}
	if len(ips) == 0 {
		return nil, nil, zserror.New("zisyncd.peerAddrs", zserror.DeviceNoEnt)
	}
	ordered := make([]content.DeviceIP, 0, len(ips))
	for _, ip := range ips {
		if !ip.Unresponsive() {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range ips {
		if ip.Unresponsive() {
			ordered = append(ordered, ip)
		}
	}
	for _, ip := range ordered {
		routeAddrs = append(routeAddrs, joinHostPort(ip.IP, dev.RoutePort))
		dataAddrs = append(dataAddrs, joinHostPort(ip.IP, dev.DataPort))
	}
	return routeAddrs, dataAddrs, nil
}

// fanOut sends one push message to every online peer device.
func fanOut(ctx context.Context, cs *content.Store, kind byte, msg interface{}) error {
	devices, err := cs.Devices()
	if err != nil {
		return err
	}
	var lastErr error
	for _, dev := range devices {
		if dev.ID == content.LocalDeviceID {
			continue
		}
		routeAddrs, _, err := peerAddrs(cs, dev)
		if err != nil {
			continue // offline peer, best-effort
		}
		client := &routeClient{deviceID: dev.ID, addrs: routeAddrs, store: cs, codec: rpcproto.GobCodec}
		if err := client.push(ctx, kind, msg); err != nil {
			lastErr = err
		}
	}
	return lastErr
}

// tickLoop drives the coalescer's release schedule and the periodic
// refresh+sync round over every sync that has a local tree.
func tickLoop(ctx context.Context, cs *content.Store, orch *orchestrator.Orchestrator, co *coalescer.Coalescer, syncIntervalS int) error {
	if syncIntervalS <= 0 {
		syncIntervalS = 60
	}
	coTick := time.NewTicker(coalescer.ReportInterval)
	defer coTick.Stop()
	syncTick := time.NewTicker(time.Duration(syncIntervalS) * time.Second)
	defer syncTick.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-coTick.C:
			co.Tick()
		case <-syncTick.C:
			trees, err := cs.Trees()
			if err != nil {
				logger.Default.Warnf("zisyncd: sync tick: %v", err)
				continue
			}
			seen := make(map[uuid.UUID]bool)
			for _, t := range trees {
				if t.DeviceID != content.LocalDeviceID || t.Status != content.TreeStatusNormal || seen[t.SyncUUID] {
					continue
				}
				seen[t.SyncUUID] = true
				if err := orch.OnTreeTableChanged(cs, t.SyncUUID, content.LocalDeviceID); err != nil {
					logger.Default.Warnf("zisyncd: sync tick for %s: %v", t.SyncUUID, err)
				}
			}
		}
	}
}
