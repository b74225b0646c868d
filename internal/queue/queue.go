// Package queue holds writes that could not be confirmed delivered and
// retries them when connectivity returns.
//
// Every queued request ends in exactly one terminal event: sync-success on a
// 2xx reply, or sync-failed once MaxRetries delivery attempts have failed.
// Enqueueing an id that is already queued replaces the earlier request.
// Flushes send all pending requests concurrently, so callers must not rely on
// delivery order across separate enqueues.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/events"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/metrics"
	"github.com/leonardcser/offline-agent/internal/storage"
)

const (
	// MaxRetries is the number of failed attempts after which a request is
	// dropped with a sync-failed event.
	MaxRetries = 3
	// StorageKey is where the full pending map is persisted.
	StorageKey = "pending-requests"
	// SyncTag is the deferred-wake registration name.
	SyncTag = "sync-pending-requests"
)

// ErrPersist wraps storage failures on enqueue. The request is not queued.
var ErrPersist = errors.New("queue: persist pending requests")

// Spec is what a caller submits.
type Spec struct {
	URL     string            `json:"url"`
	Method  string            `json:"method"`
	Body    string            `json:"body"`
	Headers map[string]string `json:"headers"`
}

// Request is a queued write as persisted on disk.
type Request struct {
	URL        string            `json:"url"`
	Method     string            `json:"method"`
	Body       string            `json:"body"`
	Headers    map[string]string `json:"headers"`
	Timestamp  int64             `json:"timestamp"`
	RetryCount int               `json:"retryCount"`
}

// Entry pairs a request with its id for listings.
type Entry struct {
	ID string `json:"id"`
	Request
}

// Result summarizes one flush.
type Result struct {
	Attempted int `json:"attempted"`
	Succeeded int `json:"succeeded"`
	Retrying  int `json:"retrying"`
	Failed    int `json:"failed"`
}

// Connectivity gates whether a flush is attempted.
type Connectivity interface {
	IsOnline() bool
}

// Waker defers a flush until connectivity is available.
type Waker interface {
	RegisterSync(tag string) error
}

type Queue struct {
	net     fetch.Doer
	store   storage.KV
	bus     *events.Bus
	conn    Connectivity
	waker   Waker
	metrics *metrics.Collector
	log     *zap.Logger
	now     func() time.Time
	newID   func() string

	// mu guards pending and inflight, and is held across persistence so
	// writes reach storage in the same order as the mutations.
	mu       sync.Mutex
	pending  map[string]*Request
	inflight map[string]struct{}

	bg sync.WaitGroup
}

type Option func(*Queue)

func WithWaker(w Waker) Option { return func(q *Queue) { q.waker = w } }

func WithMetrics(m *metrics.Collector) Option { return func(q *Queue) { q.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(q *Queue) { q.log = l } }

func WithClock(now func() time.Time) Option { return func(q *Queue) { q.now = now } }

func WithIDGenerator(fn func() string) Option { return func(q *Queue) { q.newID = fn } }

// Open loads any persisted requests from store.
func Open(net fetch.Doer, store storage.KV, bus *events.Bus, conn Connectivity, opts ...Option) (*Queue, error) {
	q := &Queue{
		net:      net,
		store:    store,
		bus:      bus,
		conn:     conn,
		log:      zap.NewNop(),
		now:      time.Now,
		newID:    uuid.NewString,
		pending:  make(map[string]*Request),
		inflight: make(map[string]struct{}),
	}
	for _, o := range opts {
		o(q)
	}

	raw, err := store.Get(StorageKey)
	switch {
	case errors.Is(err, storage.ErrNotFound):
	case err != nil:
		return nil, fmt.Errorf("load pending requests: %w", err)
	default:
		if err := json.Unmarshal(raw, &q.pending); err != nil {
			return nil, fmt.Errorf("decode pending requests: %w", err)
		}
		if q.pending == nil {
			q.pending = make(map[string]*Request)
		}
	}
	q.metrics.SetQueueDepth(len(q.pending))
	if n := len(q.pending); n > 0 {
		q.log.Info("restored pending requests", zap.Int("count", n))
	}
	return q, nil
}

// Listen flushes on every online transition and deferred wake until the
// returned func is called.
func (q *Queue) Listen(ctx context.Context) (stop func()) {
	return q.bus.Subscribe(func(events.Event) { q.trigger(ctx) }, events.Online, events.SyncRequested)
}

// QueueRequest persists a write for later delivery and returns its id.
// An empty id gets a generated one.
func (q *Queue) QueueRequest(ctx context.Context, id string, spec Spec) (string, error) {
	if id == "" {
		id = q.newID()
	}
	req := &Request{
		URL:       spec.URL,
		Method:    spec.Method,
		Body:      spec.Body,
		Headers:   spec.Headers,
		Timestamp: q.now().UnixMilli(),
	}

	q.mu.Lock()
	prev, existed := q.pending[id]
	q.pending[id] = req
	if err := q.persistLocked(); err != nil {
		if existed {
			q.pending[id] = prev
		} else {
			delete(q.pending, id)
		}
		q.mu.Unlock()
		return "", fmt.Errorf("%w: %v", ErrPersist, err)
	}
	depth := len(q.pending)
	q.mu.Unlock()

	q.metrics.SetQueueDepth(depth)
	q.log.Info("request queued", zap.String("id", id), zap.String("method", spec.Method), zap.String("url", spec.URL))

	if q.waker == nil {
		q.trigger(ctx)
		return id, nil
	}
	if err := q.waker.RegisterSync(SyncTag); err != nil {
		q.log.Warn("deferred wake unavailable, flushing now", zap.Error(err))
		q.trigger(ctx)
	}
	return id, nil
}

// Sync delivers every pending request concurrently and waits for all of
// them. It does nothing while offline. Requests already being delivered by
// an overlapping flush are skipped. Deliveries run to completion even if ctx
// is cancelled; only its values are used.
func (q *Queue) Sync(ctx context.Context) Result {
	if q.conn != nil && !q.conn.IsOnline() {
		return Result{}
	}
	ctx = context.WithoutCancel(ctx)

	q.mu.Lock()
	batch := make(map[string]*Request, len(q.pending))
	for id, r := range q.pending {
		if _, busy := q.inflight[id]; busy {
			continue
		}
		q.inflight[id] = struct{}{}
		batch[id] = r
	}
	q.mu.Unlock()

	var res Result
	if len(batch) == 0 {
		return res
	}

	type outcome struct {
		id   string
		kind string
	}
	out := make(chan outcome, len(batch))
	for id, r := range batch {
		go func(id string, r *Request, snap Request) {
			resp, err := q.net.Do(ctx, toFetch(snap))
			out <- outcome{id: id, kind: q.settle(id, r, resp, err)}
		}(id, r, *r)
	}
	for range batch {
		o := <-out
		res.Attempted++
		switch o.kind {
		case "success":
			res.Succeeded++
		case "retry":
			res.Retrying++
		case "failed":
			res.Failed++
		}
	}
	q.log.Info("flush finished",
		zap.Int("attempted", res.Attempted),
		zap.Int("succeeded", res.Succeeded),
		zap.Int("retrying", res.Retrying),
		zap.Int("failed", res.Failed),
	)
	return res
}

// settle merges one attempt's outcome into the authoritative map. sent is
// the entry the attempt was made for; if the id was re-enqueued meanwhile,
// the replacement stays pending with its own retry budget.
func (q *Queue) settle(id string, sent *Request, resp *fetch.Response, err error) string {
	q.mu.Lock()
	delete(q.inflight, id)
	r, ok := q.pending[id]
	if !ok {
		q.mu.Unlock()
		return ""
	}
	if r != sent {
		q.mu.Unlock()
		return q.settleReplaced(id, resp, err)
	}

	var ev events.Event
	kind := "retry"
	if err == nil && resp.Success() {
		delete(q.pending, id)
		kind = "success"
		ev = events.Event{Kind: events.SyncSuccess, RequestID: id, Status: resp.Status, Body: resp.Body}
	} else {
		r.RetryCount++
		if r.RetryCount >= MaxRetries {
			delete(q.pending, id)
			kind = "failed"
			ev = events.Event{Kind: events.SyncFailed, RequestID: id, Error: failureText(resp, err)}
		}
	}
	if perr := q.persistLocked(); perr != nil {
		q.log.Error("persist after delivery attempt", zap.String("id", id), zap.Error(perr))
	}
	depth := len(q.pending)
	retries := r.RetryCount
	q.mu.Unlock()

	q.metrics.Attempt(kind)
	q.metrics.SetQueueDepth(depth)
	switch kind {
	case "success":
		q.log.Info("queued request delivered", zap.String("id", id), zap.Int("status", resp.Status))
	case "failed":
		q.log.Warn("queued request dropped after retries", zap.String("id", id), zap.String("error", ev.Error))
	default:
		q.log.Info("queued request will retry", zap.String("id", id), zap.Int("retry_count", retries), zap.String("error", failureText(resp, err)))
	}
	if ev.Kind != "" {
		q.bus.Publish(ev)
	}
	return kind
}

// settleReplaced reports an attempt whose entry was overwritten by a newer
// enqueue under the same id. A delivered write still gets its sync-success;
// a failed one is superseded by the replacement.
func (q *Queue) settleReplaced(id string, resp *fetch.Response, err error) string {
	if err == nil && resp.Success() {
		q.metrics.Attempt("success")
		q.log.Info("replaced request delivered", zap.String("id", id), zap.Int("status", resp.Status))
		q.bus.Publish(events.Event{Kind: events.SyncSuccess, RequestID: id, Status: resp.Status, Body: resp.Body})
		return "success"
	}
	q.metrics.Attempt("superseded")
	q.log.Info("failed attempt superseded by newer request", zap.String("id", id), zap.String("error", failureText(resp, err)))
	return "superseded"
}

// Pending lists queued requests, oldest first.
func (q *Queue) Pending() []Entry {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Entry, 0, len(q.pending))
	for id, r := range q.pending {
		out = append(out, Entry{ID: id, Request: *r})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Len returns the number of queued requests.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Wait blocks until flushes started by triggers have returned.
func (q *Queue) Wait() { q.bg.Wait() }

func (q *Queue) trigger(ctx context.Context) {
	bgctx := context.WithoutCancel(ctx)
	q.bg.Add(1)
	go func() {
		defer q.bg.Done()
		q.Sync(bgctx)
	}()
}

func (q *Queue) persistLocked() error {
	raw, err := json.Marshal(q.pending)
	if err != nil {
		return err
	}
	return q.store.Put(StorageKey, raw)
}

func toFetch(r Request) *fetch.Request {
	h := make(http.Header, len(r.Headers))
	for k, v := range r.Headers {
		h.Set(k, v)
	}
	var body []byte
	if r.Body != "" {
		body = []byte(r.Body)
	}
	return &fetch.Request{Method: r.Method, URL: r.URL, Header: h, Body: body}
}

func failureText(resp *fetch.Response, err error) string {
	if err != nil {
		return err.Error()
	}
	if resp == nil {
		return "no response"
	}
	return fmt.Sprintf("upstream status %d", resp.Status)
}
