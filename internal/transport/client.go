// Package transport sends requests to the upstream backend through a
// circuit breaker, so a dead backend fails fast instead of timing out.
package transport

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/fetch"
)

const (
	RequestTimeout  = 20 * time.Second
	MaxResponseSize = 16 * 1024 * 1024 // 16MB
)

var errServerStatus = errors.New("transport: upstream 5xx")

// BreakerConfig holds configuration for the circuit breaker.
type BreakerConfig struct {
	Name        string
	MaxRequests uint32
	Interval    time.Duration
	Timeout     time.Duration
	// FailureThreshold is the failure ratio that trips the breaker once
	// MinRequests have been observed in the current interval.
	FailureThreshold float64
	MinRequests      uint32
}

// DefaultBreakerConfig returns a default configuration for the circuit breaker.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{
		Name:             "upstream",
		MaxRequests:      5,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Client implements fetch.Doer over net/http.
type Client struct {
	http *http.Client
	cb   *gobreaker.CircuitBreaker
	log  *zap.Logger
}

func New(httpClient *http.Client, cfg BreakerConfig, log *zap.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: RequestTimeout}
	}
	if log == nil {
		log = zap.NewNop()
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			ratio := float64(counts.TotalFailures) / float64(counts.Requests)
			return ratio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed",
				zap.String("breaker", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()),
			)
		},
	})
	return &Client{http: httpClient, cb: cb, log: log}
}

// Do sends req upstream. 5xx replies are returned as responses but still
// count as failures for the breaker. An open breaker is a transport error.
func (c *Client) Do(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	out, err := c.cb.Execute(func() (interface{}, error) {
		resp, err := c.roundTrip(ctx, req)
		if err != nil {
			return nil, err
		}
		if resp.Status >= 500 {
			return resp, errServerStatus
		}
		return resp, nil
	})
	if errors.Is(err, errServerStatus) {
		return out.(*fetch.Response), nil
	}
	if err != nil {
		return nil, err
	}
	return out.(*fetch.Response), nil
}

// State exposes the breaker state for status reports.
func (c *Client) State() string { return c.cb.State().String() }

func (c *Client) roundTrip(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	method := req.Method
	if method == "" {
		method = http.MethodGet
	}
	var body io.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	}
	hr, err := http.NewRequestWithContext(ctx, method, req.URL, body)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	for k, vs := range req.Header {
		for _, v := range vs {
			hr.Header.Add(k, v)
		}
	}

	resp, err := c.http.Do(hr)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, MaxResponseSize))
	if err != nil {
		return nil, fmt.Errorf("read body: %w", err)
	}
	return &fetch.Response{Status: resp.StatusCode, Header: resp.Header.Clone(), Body: data}, nil
}
