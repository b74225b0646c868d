package tools

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leonardcser/offline-agent/internal/control"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

const claimsPage = `<!doctype html>
<html><head><title>Claims</title><meta name="description" content="Open claims"></head>
<body><header>nav</header><h1>Claim 7</h1><p>Awaiting <strong>review</strong>.</p>
<a href="/claims/8#top">next</a><a href="mailto:x@example.com">mail</a>
<script>track()</script></body></html>`

type fakeAgent struct {
	pages   map[string]*fetch.Response
	pending []queue.Entry
}

func (f *fakeAgent) Status(context.Context) (*control.Status, error) {
	return &control.Status{Online: false, Active: true, Upstream: "https://claims.example.com", Breaker: "closed", QueueDepth: 1,
		Namespaces: map[string]int{"static-v1": 4, "api-v1": 2}}, nil
}

func (f *fakeAgent) Sync(context.Context) (*queue.Result, error) {
	return &queue.Result{Attempted: 3, Succeeded: 2, Retrying: 1}, nil
}

func (f *fakeAgent) Invalidate(_ context.Context, domain, id string) (*invalidation.Result, error) {
	if domain != "claim" {
		return nil, invalidation.ErrUnknownDomain
	}
	return &invalidation.Result{Domain: domain, Namespaces: []string{"api-v1"}, Queries: [][]string{{"claims"}, {"claim", id}}}, nil
}

func (f *fakeAgent) Fetch(_ context.Context, path string, _ fetch.Destination) (*fetch.Response, error) {
	if r, ok := f.pages[path]; ok {
		return r, nil
	}
	if path == "/broken" {
		return nil, errors.New("dial unix: no such file")
	}
	return fetch.Unavailable(), nil
}

func (f *fakeAgent) Pending(context.Context) ([]queue.Entry, error) { return f.pending, nil }

func call(t *testing.T, h handlerFunc, args map[string]any) *mcp.CallToolResult {
	t.Helper()
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	res, err := h(context.Background(), req)
	require.NoError(t, err)
	return res
}

func text(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, res.Content)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func newFakeAgent() *fakeAgent {
	html := http.Header{}
	html.Set("Content-Type", "text/html; charset=utf-8")
	img := http.Header{}
	img.Set("Content-Type", "image/png")
	return &fakeAgent{pages: map[string]*fetch.Response{
		"/claims/7": {Status: 200, Header: html, Body: []byte(claimsPage)},
		"/logo.png": {Status: 200, Header: img, Body: []byte{0x89}},
		"/health":   {Status: 503, Body: []byte("down for maintenance")},
	}}
}

func TestOfflineFetchRendersMarkdown(t *testing.T) {
	res := call(t, OfflineFetchHandler(newFakeAgent()), map[string]any{"path": "/claims/7"})
	require.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "Status: 200")
	assert.Contains(t, out, "# Claims")
	assert.Contains(t, out, "Open claims")
	assert.Contains(t, out, "**review**")
	assert.Contains(t, out, "- /claims/8")
	assert.NotContains(t, out, "track()")
	assert.NotContains(t, out, "mailto")
}

func TestOfflineFetchShowsUpstream503(t *testing.T) {
	res := call(t, OfflineFetchHandler(newFakeAgent()), map[string]any{"path": "/health"})
	require.False(t, res.IsError)
	out := text(t, res)
	assert.Contains(t, out, "Status: 503")
	assert.Contains(t, out, "down for maintenance")
	assert.NotContains(t, out, "not cached")
}

func TestOfflineFetchErrors(t *testing.T) {
	agent := newFakeAgent()
	tests := []struct {
		name string
		args map[string]any
		want string
	}{
		{"missing path", map[string]any{}, "path"},
		{"relative path", map[string]any{"path": "claims"}, "must start with /"},
		{"not cached", map[string]any{"path": "/claims/9"}, "not cached"},
		{"binary", map[string]any{"path": "/logo.png"}, "unsupported content type"},
		{"daemon down", map[string]any{"path": "/broken"}, "no such file"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := call(t, OfflineFetchHandler(agent), tt.args)
			assert.True(t, res.IsError)
			assert.Contains(t, text(t, res), tt.want)
		})
	}
}

func TestOfflineStatusAndSync(t *testing.T) {
	agent := newFakeAgent()
	out := text(t, call(t, OfflineStatusHandler(agent), nil))
	assert.Contains(t, out, "(offline)")
	assert.Contains(t, out, "Pending writes: 1")
	assert.Contains(t, out, "- api-v1: 2 entries\n- static-v1: 4 entries")

	out = text(t, call(t, OfflineSyncHandler(agent), nil))
	assert.Equal(t, "Attempted 3: 2 delivered, 1 will retry, 0 dropped.", out)
}

func TestOfflineInvalidate(t *testing.T) {
	agent := newFakeAgent()
	out := text(t, call(t, OfflineInvalidateHandler(agent), map[string]any{"domain": "claim", "id": "7"}))
	assert.Contains(t, out, "Cleared namespaces: api-v1")
	assert.Contains(t, out, "- refetch [claim, 7]")

	res := call(t, OfflineInvalidateHandler(agent), map[string]any{"domain": "invoice"})
	assert.True(t, res.IsError)
}

func TestOfflineQueue(t *testing.T) {
	agent := newFakeAgent()
	assert.Equal(t, "No pending requests.", text(t, call(t, OfflineQueueHandler(agent), nil)))

	agent.pending = []queue.Entry{{ID: "r1", Request: queue.Request{Method: "POST", URL: "https://claims.example.com/api/claims", RetryCount: 2}}}
	out := text(t, call(t, OfflineQueueHandler(agent), nil))
	assert.Equal(t, "1. POST https://claims.example.com/api/claims (id r1, retries 2)\n", out)
}
