package tools

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/leonardcser/offline-agent/internal/control"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

// Agent is the daemon surface the tools drive; *control.Client satisfies it.
type Agent interface {
	Status(ctx context.Context) (*control.Status, error)
	Sync(ctx context.Context) (*queue.Result, error)
	Invalidate(ctx context.Context, domain, id string) (*invalidation.Result, error)
	Fetch(ctx context.Context, path string, dest fetch.Destination) (*fetch.Response, error)
	Pending(ctx context.Context) ([]queue.Entry, error)
}

type handlerFunc = func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error)

// OfflineFetchHandler returns the handler for "offline-fetch": a read
// through the agent's cache router, rendered as markdown.
func OfflineFetchHandler(agent Agent) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		if ctx.Err() != nil {
			return mcp.NewToolResultError(ctx.Err().Error()), nil
		}
		path, err := req.RequireString("path")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if !strings.HasPrefix(path, "/") {
			return mcp.NewToolResultError("path must start with /"), nil
		}
		dest := fetch.Destination(req.GetString("destination", string(fetch.DestDocument)))

		resp, err := agent.Fetch(ctx, path, dest)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if resp.Synthesized() {
			return mcp.NewToolResultError(fmt.Sprintf("%s is not cached and the backend is unreachable", path)), nil
		}
		ps, err := Summarize(path, resp)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Status: %d\n\n%s", ps.Status, formatPageSummary(ps))), nil
	}
}

// OfflineStatusHandler returns the handler for "offline-status".
func OfflineStatusHandler(agent Agent) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		st, err := agent.Status(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		return mcp.NewToolResultText(formatStatus(st)), nil
	}
}

// OfflineSyncHandler returns the handler for "offline-sync".
func OfflineSyncHandler(agent Agent) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		res, err := agent.Sync(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if res.Attempted == 0 {
			return mcp.NewToolResultText("Nothing to send: the queue is empty or the agent is offline."), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Attempted %d: %d delivered, %d will retry, %d dropped.",
			res.Attempted, res.Succeeded, res.Retrying, res.Failed)), nil
	}
}

// OfflineInvalidateHandler returns the handler for "offline-invalidate".
func OfflineInvalidateHandler(agent Agent) handlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		domain, err := req.RequireString("domain")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		res, err := agent.Invalidate(ctx, domain, req.GetString("id", ""))
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		var sb strings.Builder
		fmt.Fprintf(&sb, "Invalidated %s\n", res.Domain)
		fmt.Fprintf(&sb, "Cleared namespaces: %s\n", strings.Join(res.Namespaces, ", "))
		for _, q := range res.Queries {
			fmt.Fprintf(&sb, "- refetch [%s]\n", strings.Join(q, ", "))
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

// OfflineQueueHandler returns the handler for "offline-queue".
func OfflineQueueHandler(agent Agent) handlerFunc {
	return func(ctx context.Context, _ mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		pending, err := agent.Pending(ctx)
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		if len(pending) == 0 {
			return mcp.NewToolResultText("No pending requests."), nil
		}
		var sb strings.Builder
		for i, e := range pending {
			fmt.Fprintf(&sb, "%d. %s %s (id %s, retries %d)\n", i+1, e.Method, e.URL, e.ID, e.RetryCount)
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func formatStatus(st *control.Status) string {
	var sb strings.Builder
	state := "offline"
	if st.Online {
		state = "online"
	}
	fmt.Fprintf(&sb, "Upstream: %s (%s)\n", st.Upstream, state)
	fmt.Fprintf(&sb, "Routing active: %t\n", st.Active)
	fmt.Fprintf(&sb, "Circuit breaker: %s\n", st.Breaker)
	fmt.Fprintf(&sb, "Pending writes: %d\n", st.QueueDepth)
	names := make([]string, 0, len(st.Namespaces))
	for n := range st.Namespaces {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		fmt.Fprintf(&sb, "- %s: %d entries\n", n, st.Namespaces[n])
	}
	return sb.String()
}
