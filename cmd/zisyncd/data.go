package main

import (
	"context"
	"io"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Ivanw/zisync/internal/logger"
	"github.com/Ivanw/zisync/internal/rpcproto"
	"github.com/Ivanw/zisync/internal/zserror"
)

// dataRequest asks the peer's data port for one file's current bytes.
type dataRequest struct {
	TreeUUID string
	Path     string
}

// dataServer streams raw file bytes for this device's trees: one request
// per connection, the reply is the file content until EOF. Integrity is
// the receiver's job (the transfer client sha1-verifies what lands).
type dataServer struct {
	ln    net.Listener
	roots map[string]string // tree uuid -> filesystem root
	codec rpcproto.Codec
}

func newDataServer(addr string, roots map[string]string) (*dataServer, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, zserror.Wrap("zisyncd.data.listen", zserror.AddrInUse, err)
	}
	return &dataServer{ln: ln, roots: roots, codec: rpcproto.GobCodec}, nil
}

func (s *dataServer) Serve(ctx context.Context) error {
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

func (s *dataServer) handle(conn net.Conn) {
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(waitResponseTimeout))

	var req dataRequest
	if err := s.codec.Decode(conn, &req); err != nil {
		return
	}
	root, ok := s.roots[req.TreeUUID]
	if !ok {
		return
	}
	rel := filepath.FromSlash(req.Path)
	if filepath.IsAbs(rel) || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) || strings.Contains(rel, string(filepath.Separator)+".."+string(filepath.Separator)) {
		logger.Default.Warnf("data: rejected path %q", req.Path)
		return
	}
	f, err := os.Open(filepath.Join(root, rel))
	if err != nil {
		return
	}
	defer f.Close()
	_ = conn.SetWriteDeadline(time.Time{})
	if _, err := io.Copy(conn, f); err != nil {
		logger.Default.Debugf("data: send %s interrupted: %v", req.Path, err)
	}
}

func (s *dataServer) Close() error { return s.ln.Close() }

// dialSource implements transfer.Source against one remote tree's data
// port.
type dialSource struct {
	addr     string
	treeUUID string
	codec    rpcproto.Codec
}

func (s *dialSource) Open(remotePath string) (io.ReadCloser, error) {
	conn, err := net.DialTimeout("tcp", s.addr, waitResponseTimeout)
	if err != nil {
		return nil, zserror.Wrap("zisyncd.data.dial", zserror.Timeout, err)
	}
	if err := s.codec.Encode(conn, dataRequest{TreeUUID: s.treeUUID, Path: remotePath}); err != nil {
		_ = conn.Close()
		return nil, zserror.Wrap("zisyncd.data.dial", zserror.Timeout, err)
	}
	return conn, nil
}
