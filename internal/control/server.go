// Package control exposes the running agent over a Unix socket so the CLI and
// the MCP server can inspect and drive it.
package control

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"os"
	"path/filepath"

	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

var ErrUnknownOp = errors.New("control: unknown op")

// Service is what the daemon offers on the socket.
type Service interface {
	Status(ctx context.Context) Status
	Sync(ctx context.Context) queue.Result
	Invalidate(ctx context.Context, domain, id string) (invalidation.Result, error)
	Fetch(ctx context.Context, path string, dest fetch.Destination) (*fetch.Response, error)
	Pending() []queue.Entry
}

// Listen removes a stale socket file and listens on path with owner-only
// permissions.
func Listen(path string) (net.Listener, error) {
	_ = os.MkdirAll(filepath.Dir(path), 0o755)
	_ = os.Remove(path)
	l, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	_ = os.Chmod(path, 0o600)
	return l, nil
}

// Serve accepts connections until ctx is done or l is closed.
func Serve(ctx context.Context, l net.Listener, svc Service, log *zap.Logger) error {
	if log == nil {
		log = zap.NewNop()
	}
	go func() {
		<-ctx.Done()
		_ = l.Close()
	}()
	for {
		conn, err := l.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			log.Warn("control accept", zap.Error(err))
			continue
		}
		go handleConn(ctx, conn, svc, log)
	}
}

func handleConn(ctx context.Context, conn net.Conn, svc Service, log *zap.Logger) {
	defer conn.Close()
	dec := json.NewDecoder(conn)
	enc := json.NewEncoder(conn)
	for {
		var req Request
		if err := dec.Decode(&req); err != nil {
			return
		}
		resp := dispatch(ctx, svc, req)
		if !resp.OK {
			log.Debug("control request failed", zap.String("op", req.Op), zap.String("error", resp.Error))
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func dispatch(ctx context.Context, svc Service, req Request) Response {
	switch req.Op {
	case OpStatus:
		st := svc.Status(ctx)
		return Response{OK: true, Status: &st}
	case OpSync:
		res := svc.Sync(ctx)
		return Response{OK: true, Sync: &res}
	case OpInvalidate:
		res, err := svc.Invalidate(ctx, req.Domain, req.ID)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Invalidated: &res}
	case OpFetch:
		resp, err := svc.Fetch(ctx, req.Path, req.Destination)
		if err != nil {
			return errorResponse(err)
		}
		return Response{OK: true, Fetched: resp}
	case OpQueue:
		return Response{OK: true, Pending: svc.Pending()}
	}
	return errorResponse(ErrUnknownOp)
}

func errorResponse(err error) Response {
	resp := Response{OK: false, Error: err.Error()}
	switch {
	case errors.Is(err, ErrUnknownOp):
		resp.Code = codeUnknownOp
	case errors.Is(err, invalidation.ErrUnknownDomain):
		resp.Code = codeUnknownDomain
	}
	return resp
}
