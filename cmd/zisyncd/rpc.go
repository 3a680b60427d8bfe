package main

import (
	"context"
	"io"
	"net"
	"time"

	"github.com/Ivanw/zisync/internal/content"
	"github.com/Ivanw/zisync/internal/logger"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/syncsession"
	"github.com/Ivanw/zisync/internal/zserror"
)

// Message kinds on the route port. Each frame is one kind byte followed by
// the gob encoding of the matching rpcproto struct; request/response
// messages reuse the connection for the reply, push messages are one-way.
const (
	msgFind byte = iota + 1
	msgFindFile
	msgPushDevice
	msgPushSync
	msgPushTree
	msgTokenChanged
)

const waitResponseTimeout = 30 * time.Second

// routeServer answers route-port requests: Find/FindFile via the
// Responder, Push* and AnnounceTokenChanged directly against the content
// store.
type routeServer struct {
	ln        net.Listener
	responder *syncsession.Responder
	store     *content.Store
	codec     rpcproto.Codec
}

func newRouteServer(addr string, r *syncsession.Responder, cs *content.Store) (*routeServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, zserror.Wrap("zisyncd.listen", zserror.AddrInUse, err)
	}
	return &routeServer{ln: ln, responder: r, store: cs, codec: rpcproto.GobCodec}, nil
}

func (s *routeServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		_ = s.ln.Close()
	}()
	for {
		conn, err := s.ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return err
		}
		go s.handle(conn)
	}
}

func (s *routeServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(waitResponseTimeout))

	var kind [1]byte
	if _, err := io.ReadFull(conn, kind[:]); err != nil {
		return
	}
	switch kind[0] {
	case msgFind:
		var req rpcproto.Find
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		resp, err := s.responder.HandleFind(req)
		if err != nil {
			logger.Default.Warnf("route: find %s failed: %v", req.RemoteTreeUUID, err)
			return
		}
		_ = s.codec.Encode(conn, resp)
	case msgFindFile:
		var req rpcproto.FindFile
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		resp, err := s.responder.HandleFindFile(req)
		if err != nil {
			logger.Default.Warnf("route: findfile %s failed: %v", req.RelativePath, err)
			return
		}
		_ = s.codec.Encode(conn, resp)
	case msgPushDevice:
		var req rpcproto.PushDeviceInfo
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		s.applyPushDevice(req)
	case msgPushSync:
		var req rpcproto.PushSyncInfo
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		s.applyPushSync(req)
	case msgPushTree:
		var req rpcproto.PushTreeInfo
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		s.applyPushTree(req)
	case msgTokenChanged:
		var req rpcproto.AnnounceTokenChanged
		if err := s.codec.Decode(conn, &req); err != nil {
			return
		}
		if err := s.store.HandleTokenChanged(req.DeviceUUID); err != nil {
			logger.Default.Warnf("route: token change for %s failed: %v", req.DeviceUUID, err)
		}
	}
}

// applyPushDevice upserts the sender's device row, matching by uuid so a
// re-announce updates rather than duplicates.
func (s *routeServer) applyPushDevice(req rpcproto.PushDeviceInfo) {
	devices, err := s.store.Devices()
	if err != nil {
		logger.Default.Warnf("route: push device: %v", err)
		return
	}
	d := content.Device{UUID: req.DeviceUUID, Status: content.DeviceOnline}
	for _, existing := range devices {
		if existing.UUID == req.DeviceUUID {
			d = existing
			break
		}
	}
	d.Name = req.Name
	d.Platform = req.Platform
	d.RoutePort = req.RoutePort
	d.DataPort = req.DataPort
	d.Status = content.DeviceOnline
	if err := s.store.PutDevice(d); err != nil {
		logger.Default.Warnf("route: push device: %v", err)
	}
}

func (s *routeServer) applyPushSync(req rpcproto.PushSyncInfo) {
	sy, err := s.store.Sync(req.SyncUUID)
	if err != nil {
		if !zserror.Is(err, zserror.SyncNoEnt) {
			logger.Default.Warnf("route: push sync: %v", err)
			return
		}
		sy = content.Sync{UUID: req.SyncUUID}
	}
	sy.Name = req.Name
	sy.Perm = content.Perm(req.Perm)
	sy.Status = content.SyncStatus(req.Status)
	if err := s.store.PutSync(sy); err != nil {
		logger.Default.Warnf("route: push sync: %v", err)
	}
}

func (s *routeServer) applyPushTree(req rpcproto.PushTreeInfo) {
	t, err := s.store.Tree(req.TreeUUID)
	if err != nil {
		if !zserror.Is(err, zserror.TreeNoEnt) {
			logger.Default.Warnf("route: push tree: %v", err)
			return
		}
		t = content.Tree{UUID: req.TreeUUID, SyncUUID: req.SyncUUID}
	}
	t.Status = content.TreeStatus(req.Status)
	t.BackupType = content.BackupType(req.BackupType)
	if err := s.store.PutTree(t); err != nil {
		logger.Default.Warnf("route: push tree: %v", err)
	}
}

func (s *routeServer) Close() error { return s.ln.Close() }

// routeClient drives one peer device's route port. It tries each known
// address in turn, stamping the content store's no-response bookkeeping as
// it goes, so the next session prefers addresses that answered.
type routeClient struct {
	deviceID int64
	addrs    []string
	store    *content.Store
	codec    rpcproto.Codec
}

func (c *routeClient) Find(ctx context.Context, req rpcproto.Find) (rpcproto.FindResult, error) {
	var resp rpcproto.FindResult
	err := c.roundTrip(ctx, msgFind, req, &resp)
	return resp, err
}

func (c *routeClient) FindFile(ctx context.Context, req rpcproto.FindFile) (rpcproto.FindFileResult, error) {
	var resp rpcproto.FindFileResult
	err := c.roundTrip(ctx, msgFindFile, req, &resp)
	return resp, err
}

func (c *routeClient) push(ctx context.Context, kind byte, msg interface{}) error {
	return c.roundTrip(ctx, kind, msg, nil)
}

func (c *routeClient) roundTrip(ctx context.Context, kind byte, req, resp interface{}) error {
	var lastErr error = zserror.New("zisyncd.roundTrip", zserror.Timeout)
	for _, addr := range c.addrs {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := c.dialOne(addr, kind, req, resp)
		host, _, splitErr := net.SplitHostPort(addr)
		if splitErr != nil {
			host = addr
		}
		if err != nil {
			lastErr = err
			if c.store != nil {
				_ = c.store.MarkIPNoResponse(c.deviceID, host, time.Now())
			}
			continue
		}
		if c.store != nil {
			_ = c.store.MarkIPResponsive(c.deviceID, host)
		}
		return nil
	}
	return lastErr
}

func (c *routeClient) dialOne(addr string, kind byte, req, resp interface{}) error {
	conn, err := net.DialTimeout("tcp", addr, waitResponseTimeout)
	if err != nil {
		return zserror.Wrap("zisyncd.dial", zserror.Timeout, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(waitResponseTimeout))

	if _, err := conn.Write([]byte{kind}); err != nil {
		return zserror.Wrap("zisyncd.dial", zserror.Timeout, err)
	}
	if err := c.codec.Encode(conn, req); err != nil {
		return zserror.Wrap("zisyncd.dial", zserror.Timeout, err)
	}
	if resp == nil {
		return nil
	}
	if err := c.codec.Decode(conn, resp); err != nil {
		return zserror.Wrap("zisyncd.dial", zserror.Timeout, err)
	}
	return nil
}
