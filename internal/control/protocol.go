package control

import (
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

// JSON protocol for the agent daemon over a Unix domain socket.
// One request -> one response; a connection may carry several in sequence.

const (
	OpStatus     = "status"
	OpSync       = "sync"
	OpInvalidate = "invalidate"
	OpFetch      = "fetch"
	OpQueue      = "queue"
)

// Error codes that the client maps back to sentinels.
const (
	codeUnknownOp     = "unknown_op"
	codeUnknownDomain = "unknown_domain"
)

type Request struct {
	Op          string            `json:"op"`
	Domain      string            `json:"domain,omitempty"`
	ID          string            `json:"id,omitempty"`
	Path        string            `json:"path,omitempty"`
	Destination fetch.Destination `json:"destination,omitempty"`
}

type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
	Code  string `json:"code,omitempty"`

	Status      *Status              `json:"status,omitempty"`
	Sync        *queue.Result        `json:"sync,omitempty"`
	Invalidated *invalidation.Result `json:"invalidated,omitempty"`
	Fetched     *fetch.Response      `json:"fetched,omitempty"`
	Pending     []queue.Entry        `json:"pending,omitempty"`
}

// Status is the daemon's self report.
type Status struct {
	Online     bool           `json:"online"`
	Active     bool           `json:"active"`
	Upstream   string         `json:"upstream"`
	Breaker    string         `json:"breaker"`
	QueueDepth int            `json:"queueDepth"`
	Namespaces map[string]int `json:"namespaces"`
}
