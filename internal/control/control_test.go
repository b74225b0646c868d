package control

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

type fakeService struct {
	syncs atomic.Int32
}

func (f *fakeService) Status(context.Context) Status {
	return Status{Online: true, Active: true, QueueDepth: 2, Namespaces: map[string]int{"api-v1": 3}}
}

func (f *fakeService) Sync(context.Context) queue.Result {
	f.syncs.Add(1)
	return queue.Result{Attempted: 2, Succeeded: 1, Retrying: 1}
}

func (f *fakeService) Invalidate(_ context.Context, domain, id string) (invalidation.Result, error) {
	if domain != "claim" {
		return invalidation.Result{}, fmt.Errorf("%w: %q", invalidation.ErrUnknownDomain, domain)
	}
	return invalidation.Result{Domain: domain, Namespaces: []string{"api-v1"}, Queries: [][]string{{"claims"}, {"claim", id}}}, nil
}

func (f *fakeService) Fetch(_ context.Context, path string, dest fetch.Destination) (*fetch.Response, error) {
	return &fetch.Response{Status: 200, Body: []byte(path + "|" + string(dest))}, nil
}

func (f *fakeService) Pending() []queue.Entry {
	return []queue.Entry{{ID: "r1", Request: queue.Request{URL: "/api/claims", Method: "POST"}}}
}

func startServer(t *testing.T, svc Service) string {
	t.Helper()
	dir, err := os.MkdirTemp("", "ctl")
	require.NoError(t, err)
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "agent.sock")

	l, err := Listen(sock)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- Serve(ctx, l, svc, nil) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
	})
	return sock
}

func TestClientRoundTrip(t *testing.T) {
	svc := &fakeService{}
	c := NewClient(startServer(t, svc))
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	st, err := c.Status(ctx)
	require.NoError(t, err)
	assert.True(t, st.Online)
	assert.Equal(t, 3, st.Namespaces["api-v1"])

	res, err := c.Sync(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Retrying)
	assert.Equal(t, int32(1), svc.syncs.Load())

	inv, err := c.Invalidate(ctx, "claim", "42")
	require.NoError(t, err)
	assert.Equal(t, []string{"claim", "42"}, inv.Queries[1])

	fr, err := c.Fetch(ctx, "/index.html", fetch.DestDocument)
	require.NoError(t, err)
	assert.Equal(t, "/index.html|document", string(fr.Body))

	pending, err := c.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "r1", pending[0].ID)
}

func TestUnknownDomainMapsToSentinel(t *testing.T) {
	c := NewClient(startServer(t, &fakeService{}))
	_, err := c.Invalidate(context.Background(), "invoice", "")
	assert.ErrorIs(t, err, invalidation.ErrUnknownDomain)
}

func TestUnknownOp(t *testing.T) {
	c := NewClient(startServer(t, &fakeService{}))
	_, err := c.call(context.Background(), Request{Op: "explode"})
	assert.ErrorIs(t, err, ErrUnknownOp)
}

func TestConnectionCarriesSeveralRequests(t *testing.T) {
	sock := startServer(t, &fakeService{})
	conn, err := net.Dial("unix", sock)
	require.NoError(t, err)
	defer conn.Close()

	enc := json.NewEncoder(conn)
	dec := json.NewDecoder(conn)
	for _, op := range []string{OpStatus, OpQueue} {
		require.NoError(t, enc.Encode(Request{Op: op}))
		var resp Response
		require.NoError(t, dec.Decode(&resp))
		assert.True(t, resp.OK, op)
	}
}

func TestClientWithoutDaemon(t *testing.T) {
	c := NewClient(filepath.Join(t.TempDir(), "absent.sock"))
	assert.Error(t, c.Ping(context.Background()))
}
