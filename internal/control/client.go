package control

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/queue"
)

const DialTimeout = 500 * time.Millisecond

// Client talks to a running agent over its Unix socket.
type Client struct {
	socketPath string
}

func NewClient(socketPath string) *Client {
	return &Client{socketPath: socketPath}
}

// Ping reports whether a daemon is accepting connections.
func (c *Client) Ping(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (c *Client) Status(ctx context.Context) (*Status, error) {
	resp, err := c.call(ctx, Request{Op: OpStatus})
	if err != nil {
		return nil, err
	}
	return resp.Status, nil
}

func (c *Client) Sync(ctx context.Context) (*queue.Result, error) {
	resp, err := c.call(ctx, Request{Op: OpSync})
	if err != nil {
		return nil, err
	}
	return resp.Sync, nil
}

func (c *Client) Invalidate(ctx context.Context, domain, id string) (*invalidation.Result, error) {
	resp, err := c.call(ctx, Request{Op: OpInvalidate, Domain: domain, ID: id})
	if err != nil {
		return nil, err
	}
	return resp.Invalidated, nil
}

// Fetch reads path through the agent's cache router.
func (c *Client) Fetch(ctx context.Context, path string, dest fetch.Destination) (*fetch.Response, error) {
	resp, err := c.call(ctx, Request{Op: OpFetch, Path: path, Destination: dest})
	if err != nil {
		return nil, err
	}
	return resp.Fetched, nil
}

func (c *Client) Pending(ctx context.Context) ([]queue.Entry, error) {
	resp, err := c.call(ctx, Request{Op: OpQueue})
	if err != nil {
		return nil, err
	}
	return resp.Pending, nil
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	d := net.Dialer{Timeout: DialTimeout}
	return d.DialContext(ctx, "unix", c.socketPath)
}

func (c *Client) call(ctx context.Context, req Request) (*Response, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return nil, err
	}
	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("control %s: %w", req.Op, err)
	}
	if !resp.OK {
		return nil, responseError(resp)
	}
	return &resp, nil
}

func responseError(resp Response) error {
	switch resp.Code {
	case codeUnknownOp:
		return ErrUnknownOp
	case codeUnknownDomain:
		return fmt.Errorf("%w (%s)", invalidation.ErrUnknownDomain, resp.Error)
	}
	return errors.New(resp.Error)
}
