package precache

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/offline-agent/internal/fetch"
)

type memSink struct {
	mu    sync.Mutex
	items map[string]*fetch.Response
}

func (m *memSink) Set(key string, v *fetch.Response, _ time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.items == nil {
		m.items = map[string]*fetch.Response{}
	}
	m.items[key] = v
}

const shell = `<!doctype html>
<html><head>
<title>Claims</title>
<link rel="stylesheet" href="/assets/app.css">
<script src="/assets/app.js"></script>
<script src="https://cdn.other.example/analytics.js"></script>
</head><body><img src="assets/logo.png"></body></html>`

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = w.Write([]byte(shell))
	})
	mux.HandleFunc("/assets/app.css", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/css")
		_, _ = w.Write([]byte("body{}"))
	})
	mux.HandleFunc("/assets/app.js", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/javascript")
		_, _ = w.Write([]byte("console.log(1)"))
	})
	mux.HandleFunc("/assets/logo.png", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		_, _ = w.Write([]byte{0x89, 'P', 'N', 'G'})
	})
	mux.HandleFunc("/manifest.json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"name":"claims"}`))
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv
}

func TestInstallStoresCriticalPaths(t *testing.T) {
	srv := newUpstream(t)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	sink := &memSink{}

	rep, err := New(base, sink, Options{Client: srv.Client()}).Install(context.Background(), []string{"/", "/manifest.json", "/missing.js"})
	require.NoError(t, err)

	assert.Equal(t, []string{srv.URL + "/", srv.URL + "/manifest.json"}, rep.Cached)
	assert.Contains(t, rep.Failed, srv.URL+"/missing.js")
	require.Contains(t, sink.items, srv.URL+"/manifest.json")
	assert.Equal(t, `{"name":"claims"}`, string(sink.items[srv.URL+"/manifest.json"].Body))
	assert.NotContains(t, sink.items, srv.URL+"/assets/app.js")
}

func TestInstallDiscoversSubresources(t *testing.T) {
	srv := newUpstream(t)
	base, err := url.Parse(srv.URL)
	require.NoError(t, err)
	sink := &memSink{}

	rep, err := New(base, sink, Options{Client: srv.Client(), Discover: true}).Install(context.Background(), []string{"/"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{
		srv.URL + "/",
		srv.URL + "/assets/app.css",
		srv.URL + "/assets/app.js",
		srv.URL + "/assets/logo.png",
	}, rep.Cached)
	assert.Empty(t, rep.Failed, "foreign hosts are not followed")
	assert.Equal(t, http.StatusOK, sink.items[srv.URL+"/assets/logo.png"].Status)
}

func TestInstallOffline(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base, _ := url.Parse(srv.URL)
	srv.Close()
	sink := &memSink{}

	rep, err := New(base, sink, Options{}).Install(context.Background(), []string{"/"})
	require.NoError(t, err)
	assert.Empty(t, rep.Cached)
	assert.Len(t, rep.Failed, 1)
}
