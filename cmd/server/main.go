package main

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/leonardcser/offline-agent/internal/config"
	"github.com/leonardcser/offline-agent/internal/control"
	"github.com/leonardcser/offline-agent/internal/logger"
	tools "github.com/leonardcser/offline-agent/internal/tools"
)

const agentBinary = "offline-agent"

func main() {
	if err := logger.InitFromEnv(); err != nil {
		panic(err)
	}
	defer logger.Close()

	logger.Infof("Starting offline agent MCP server")

	cfg, err := config.Load("")
	if err != nil {
		logger.Errorf("Failed to load config: %v", err)
		panic(err)
	}

	// Connect to the agent daemon; start it if needed, then connect.
	client := control.NewClient(cfg.Socket)
	logger.Infof("Attempting to connect to agent at %s", cfg.Socket)
	if err := ping(client); err != nil {
		logger.Warnf("Failed to connect to agent: %v, attempting to start it", err)
		if startErr := startAgent(); startErr != nil {
			logger.Errorf("Failed to start agent: %v", startErr)
		} else {
			logger.Infof("Agent started")
		}
		deadline := time.Now().Add(5 * time.Second)
		for time.Now().Before(deadline) {
			if err = ping(client); err == nil {
				break
			}
			time.Sleep(200 * time.Millisecond)
		}
		if err != nil {
			logger.Errorf("Failed to connect to agent after startup attempt: %v", err)
			panic(err)
		}
	}
	logger.Infof("Successfully connected to agent")

	s := server.NewMCPServer(
		"Offline Agent",
		"0.1.0",
		server.WithRecovery(),
		server.WithToolCapabilities(false),
	)

	toolFetch := mcp.NewTool("offline-fetch",
		mcp.WithDescription(multiline(
			"Reads a path of the application through the offline agent's cache",
			"\nFunctionality:",
			"- Static assets are served cache-first, API reads stale-while-revalidate, pages network-first",
			"- HTML is returned as markdown with title, description and links",
			"\nUsage notes:",
			"- The path is relative to the configured backend and must start with /",
			"- Works while the backend is unreachable for anything already cached",
		)),
		mcp.WithString("path", mcp.Required(), mcp.Description("Backend-relative path, e.g. /api/claims")),
		mcp.WithString("destination",
			mcp.Description("Request kind as in Sec-Fetch-Dest; decides the caching strategy"),
			mcp.Enum("document", "script", "style", "image", "empty"),
		),
	)
	s.AddTool(toolFetch, tools.OfflineFetchHandler(client))
	logger.Infof("Registered offline-fetch tool")

	toolStatus := mcp.NewTool("offline-status",
		mcp.WithDescription("Reports connectivity, circuit breaker state, pending writes and cache sizes"),
	)
	s.AddTool(toolStatus, tools.OfflineStatusHandler(client))

	toolSync := mcp.NewTool("offline-sync",
		mcp.WithDescription(multiline(
			"Sends every queued write to the backend now",
			"- Does nothing while the backend is unreachable",
			"- A write is dropped after 3 failed attempts",
		)),
	)
	s.AddTool(toolSync, tools.OfflineSyncHandler(client))

	toolQueue := mcp.NewTool("offline-queue",
		mcp.WithDescription("Lists writes waiting for delivery, oldest first"),
	)
	s.AddTool(toolQueue, tools.OfflineQueueHandler(client))

	toolInvalidate := mcp.NewTool("offline-invalidate",
		mcp.WithDescription(multiline(
			"Drops cached data after a mutation so the next read refetches it",
			"\nDomains: claim, supplier, dashboard, systemHealth (unless reconfigured)",
		)),
		mcp.WithString("domain", mcp.Required(), mcp.Description("Mutation domain")),
		mcp.WithString("id", mcp.Description("Entity id, refetches that single record too")),
	)
	s.AddTool(toolInvalidate, tools.OfflineInvalidateHandler(client))
	logger.Infof("Registered offline tools")

	logger.Infof("Starting MCP server on stdio")
	if err := server.ServeStdio(s); err != nil {
		logger.Errorf("server error: %v", err)
	}
}

// multiline joins lines with newlines for tool descriptions.
func multiline(lines ...string) string { return strings.Join(lines, "\n") }

func ping(c *control.Client) error {
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	return c.Ping(ctx)
}

func startAgent() error {
	// 1) Binary next to this server executable
	if exePath, err := os.Executable(); err == nil {
		sibling := filepath.Join(filepath.Dir(exePath), agentBinary)
		if _, statErr := os.Stat(sibling); statErr == nil {
			return spawn(sibling)
		}
	}
	// 2) PATH
	if path, err := exec.LookPath(agentBinary); err == nil {
		return spawn(path)
	}
	// 3) Current working directory
	if _, err := os.Stat("./" + agentBinary); err == nil {
		return spawn("./" + agentBinary)
	}
	return exec.ErrNotFound
}

func spawn(path string) error {
	cmd := exec.Command(path, "serve")
	cmd.Stdout = nil
	cmd.Stderr = nil
	cmd.Env = os.Environ()
	return cmd.Start()
}
