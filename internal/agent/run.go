package agent

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/leonardcser/offline-agent/internal/control"
)

const shutdownTimeout = 10 * time.Second

// Run starts the agent and serves HTTP on cfg.Listen and the control socket
// on cfg.Socket until ctx is cancelled. Snapshots are saved on the way out.
func (a *Agent) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		return err
	}

	hl, err := net.Listen("tcp", a.cfg.Listen)
	if err != nil {
		return errors.Join(err, a.Close())
	}
	cl, err := control.Listen(a.cfg.Socket)
	if err != nil {
		_ = hl.Close()
		return errors.Join(err, a.Close())
	}

	g, gctx := errgroup.WithContext(ctx)
	srv := &http.Server{
		Handler:           a.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		// Event streams end with the daemon.
		BaseContext: func(net.Listener) context.Context { return gctx },
	}
	g.Go(func() error {
		a.log.Info("http listening", zap.String("addr", hl.Addr().String()))
		if err := srv.Serve(hl); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		a.log.Info("control socket listening", zap.String("path", a.cfg.Socket))
		return control.Serve(gctx, cl, a, a.log.Named("control"))
	})
	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(sctx)
	})

	err = g.Wait()
	a.log.Info("agent stopping")
	return errors.Join(err, a.Close())
}
