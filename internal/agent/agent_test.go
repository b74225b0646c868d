package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/offline-agent/internal/config"
	"github.com/leonardcser/offline-agent/internal/events"
	"github.com/leonardcser/offline-agent/internal/fetch"
)

// upstream is a fake backend that records what it receives.
type upstream struct {
	*httptest.Server
	reads  atomic.Int32
	mu     sync.Mutex
	writes []string
}

func newUpstream(t *testing.T) *upstream {
	t.Helper()
	u := &upstream{}
	u.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet && r.Method != http.MethodHead {
			body, _ := io.ReadAll(r.Body)
			u.mu.Lock()
			u.writes = append(u.writes, r.Method+" "+r.URL.Path+" "+string(body))
			u.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			_, _ = w.Write([]byte(`{"id":1}`))
			return
		}
		u.reads.Add(1)
		switch r.URL.Path {
		case "/app.js":
			w.Header().Set("Content-Type", "application/javascript")
			_, _ = w.Write([]byte("console.log('app')"))
		case "/api/claims":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`[{"id":7}]`))
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(u.Close)
	return u
}

func (u *upstream) received() []string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]string(nil), u.writes...)
}

func testConfig(t *testing.T, upstreamURL, dir string) *config.Config {
	t.Helper()
	cfg := config.Default()
	cfg.Upstream = upstreamURL
	cfg.DBPath = filepath.Join(dir, "agent.bbolt")
	cfg.Socket = filepath.Join(dir, "agent.sock")
	cfg.Probe.Interval = 0
	cfg.Precache.Paths = nil
	require.NoError(t, cfg.Validate())
	return cfg
}

func startAgent(t *testing.T, cfg *config.Config, opts ...Option) *Agent {
	t.Helper()
	a, err := New(cfg, opts...)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(func() {
		cancel()
		_ = a.Close()
	})
	require.NoError(t, a.Start(ctx))
	return a
}

func do(t *testing.T, h http.Handler, method, path, body string, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestStartPrecachesStaticAssets(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL, t.TempDir())
	cfg.Precache.Paths = []string{"/app.js", "/missing.css"}
	a := startAgent(t, cfg)

	st := a.Status(context.Background())
	assert.True(t, st.Active)
	assert.Equal(t, 1, st.Namespaces["static-v1"])
	reads := up.reads.Load()

	rec := do(t, a.Handler(), http.MethodGet, "/app.js", "", map[string]string{"Sec-Fetch-Dest": "script"})
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "console.log('app')", rec.Body.String())
	assert.Equal(t, reads, up.reads.Load(), "precached asset is served from cache")
}

func TestWriteGoesDirectWhileOnline(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, testConfig(t, up.URL, t.TempDir()))

	rec := do(t, a.Handler(), http.MethodPost, "/api/claims", `{"title":"x"}`, nil)
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.Equal(t, []string{`POST /api/claims {"title":"x"}`}, up.received())
	assert.Empty(t, a.Pending())
}

func TestWriteQueuedWhileOfflineAndDeliveredOnReconnect(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, testConfig(t, up.URL, t.TempDir()), WithOnline(false))

	var delivered atomic.Value
	a.Bus().Subscribe(func(ev events.Event) { delivered.Store(ev.RequestID) }, events.SyncSuccess)

	rec := do(t, a.Handler(), http.MethodPost, "/api/claims", `{"title":"x"}`, map[string]string{
		RequestIDHeader: "claim-1",
		"Content-Type":  "application/json",
	})
	require.Equal(t, http.StatusAccepted, rec.Code)
	var ack struct {
		Queued    bool   `json:"queued"`
		RequestID string `json:"requestId"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.True(t, ack.Queued)
	assert.Equal(t, "claim-1", ack.RequestID)
	assert.Empty(t, up.received())

	pending := a.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, "application/json", pending[0].Headers["Content-Type"])

	a.Monitor().SetOnline(true)
	require.Eventually(t, func() bool { return len(a.Pending()) == 0 }, 2*time.Second, 10*time.Millisecond)
	a.queue.Wait()
	assert.Equal(t, []string{`POST /api/claims {"title":"x"}`}, up.received(), "delivered exactly once")
	assert.Equal(t, "claim-1", delivered.Load())
}

func TestWriteQueuedOnTransportFailure(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL, t.TempDir())
	up.Close()
	a := startAgent(t, cfg)

	rec := do(t, a.Handler(), http.MethodPut, "/api/claims/7", `{}`, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	a.queue.Wait()

	pending := a.Pending()
	require.Len(t, pending, 1)
	assert.Equal(t, http.MethodPut, pending[0].Method)
	assert.Equal(t, 1, pending[0].RetryCount, "the immediate wake attempt counts as a retry")
}

func TestReadPassThroughFailureIsBadGateway(t *testing.T) {
	up := newUpstream(t)
	cfg := testConfig(t, up.URL, t.TempDir())
	up.Close()
	a := startAgent(t, cfg)

	rec := do(t, a.Handler(), http.MethodGet, "/fonts/a.woff2", "", map[string]string{"Sec-Fetch-Dest": "font"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = do(t, a.Handler(), http.MethodGet, "/app.js", "", map[string]string{"Sec-Fetch-Dest": "script"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestInvalidateRoute(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, testConfig(t, up.URL, t.TempDir()))

	resp, err := a.Fetch(context.Background(), "/api/claims", fetch.DestEmpty)
	require.NoError(t, err)
	assert.Equal(t, `[{"id":7}]`, string(resp.Body))
	assert.Equal(t, 1, a.Status(context.Background()).Namespaces["api-v1"])

	var queries [][]string
	a.Bus().Subscribe(func(ev events.Event) { queries = append(queries, ev.QueryKey) }, events.QueryInvalidated)

	rec := do(t, a.Handler(), http.MethodPost, "/_offline/invalidate/claim?id=7", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 0, a.Status(context.Background()).Namespaces["api-v1"])
	assert.Contains(t, queries, []string{"claim", "7"})

	rec = do(t, a.Handler(), http.MethodPost, "/_offline/invalidate/invoice", "", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAdminRoutes(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, testConfig(t, up.URL, t.TempDir()), WithOnline(false))
	h := a.Handler()

	do(t, h, http.MethodDelete, "/api/claims/1", "", nil)

	rec := do(t, h, http.MethodGet, "/_offline/queue", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var entries []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "DELETE", entries[0]["method"])

	rec = do(t, h, http.MethodPost, "/_offline/sync", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"attempted":0,"succeeded":0,"retrying":0,"failed":0}`, rec.Body.String(), "no flush while offline")

	rec = do(t, h, http.MethodGet, "/_offline/status", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"queueDepth":1`)

	rec = do(t, h, http.MethodGet, "/metrics", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "offline_agent_queue_pending 1")
}

func TestEventStream(t *testing.T) {
	up := newUpstream(t)
	a := startAgent(t, testConfig(t, up.URL, t.TempDir()))
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/_offline/events", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	a.Bus().Publish(events.Event{Kind: events.SyncFailed, RequestID: "r9", Error: "upstream status 500"})

	sc := bufio.NewScanner(resp.Body)
	var lines []string
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			break
		}
		lines = append(lines, line)
	}
	require.Len(t, lines, 2)
	assert.Equal(t, "event: sync-failed", lines[0])
	var ev events.Event
	require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(lines[1], "data: ")), &ev))
	assert.Equal(t, "r9", ev.RequestID)
}

func TestNamespacesSurviveRestart(t *testing.T) {
	up := newUpstream(t)
	dir := t.TempDir()
	cfg := testConfig(t, up.URL, dir)

	a, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	_, err = a.Fetch(context.Background(), "/app.js", fetch.DestScript)
	require.NoError(t, err)
	require.NoError(t, a.Close())

	up.Close()
	b := startAgent(t, cfg)
	resp, err := b.Fetch(context.Background(), "/app.js", fetch.DestScript)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "console.log('app')", string(resp.Body))
}

func TestPendingWritesSurviveRestart(t *testing.T) {
	up := newUpstream(t)
	dir := t.TempDir()
	cfg := testConfig(t, up.URL, dir)

	a, err := New(cfg, WithOnline(false))
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	do(t, a.Handler(), http.MethodPost, "/api/claims", `{"n":1}`, nil)
	require.NoError(t, a.Close())

	b := startAgent(t, cfg)
	require.Eventually(t, func() bool { return len(up.received()) == 1 }, 2*time.Second, 10*time.Millisecond)
	b.queue.Wait()
	assert.Empty(t, b.Pending())
}
