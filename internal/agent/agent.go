// Package agent wires the cache router, retry queue, invalidation coordinator
// and connectivity monitor into one daemon.
package agent

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/cache"
	"github.com/leonardcser/offline-agent/internal/config"
	"github.com/leonardcser/offline-agent/internal/control"
	"github.com/leonardcser/offline-agent/internal/events"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/invalidation"
	"github.com/leonardcser/offline-agent/internal/metrics"
	"github.com/leonardcser/offline-agent/internal/netstate"
	"github.com/leonardcser/offline-agent/internal/precache"
	"github.com/leonardcser/offline-agent/internal/queue"
	"github.com/leonardcser/offline-agent/internal/router"
	"github.com/leonardcser/offline-agent/internal/storage"
	"github.com/leonardcser/offline-agent/internal/transport"
)

// QueueBucket holds the persisted pending-request map.
const QueueBucket = "queue"

type Agent struct {
	cfg      *config.Config
	upstream *url.URL
	log      *zap.Logger
	client   *http.Client
	online   bool

	db        *storage.DB
	bus       *events.Bus
	metrics   *metrics.Collector
	caches    *cache.Registry[*fetch.Response]
	transport *transport.Client
	router    *router.Router
	monitor   *netstate.Monitor
	queue     *queue.Queue
	coord     *invalidation.Coordinator

	probing    bool
	stopListen func()
	closeOnce  sync.Once
}

type Option func(*Agent)

func WithLogger(l *zap.Logger) Option { return func(a *Agent) { a.log = l } }

// WithHTTPClient sets the client used for upstream calls, precaching and
// probing.
func WithHTTPClient(c *http.Client) Option { return func(a *Agent) { a.client = c } }

// WithOnline sets the connectivity state assumed before the first probe.
func WithOnline(online bool) Option { return func(a *Agent) { a.online = online } }

// New opens storage and builds every component. Nothing runs until Start.
func New(cfg *config.Config, opts ...Option) (*Agent, error) {
	upstream, err := cfg.UpstreamURL()
	if err != nil {
		return nil, fmt.Errorf("upstream: %w", err)
	}
	a := &Agent{cfg: cfg, upstream: upstream, log: zap.NewNop(), online: true}
	for _, o := range opts {
		o(a)
	}
	if a.client == nil {
		a.client = &http.Client{Timeout: transport.RequestTimeout}
	}

	db, err := storage.Open(cfg.DBPath, storage.Options{Timeout: time.Second})
	if err != nil {
		return nil, err
	}
	qb, err := db.Bucket(QueueBucket)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	a.db = db
	a.bus = events.NewBus()
	a.metrics = metrics.NewCollector("offline_agent")
	a.caches = cache.NewRegistry[*fetch.Response](cache.Options{SweepInterval: cfg.SweepInterval})
	a.transport = transport.New(a.client, cfg.BreakerConfig(), a.log)
	a.router = router.New(a.transport, a.caches, cfg.Router(),
		router.WithMetrics(a.metrics),
		router.WithLogger(a.log.Named("router")),
	)
	a.monitor = netstate.NewMonitor(a.bus, a.online, a.log.Named("netstate"))
	a.queue, err = queue.Open(a.transport, qb, a.bus, a.monitor,
		queue.WithWaker(a.monitor),
		queue.WithMetrics(a.metrics),
		queue.WithLogger(a.log.Named("queue")),
	)
	if err != nil {
		a.caches.Close()
		_ = db.Close()
		return nil, err
	}
	a.coord = invalidation.NewCoordinator(a.caches, invalidation.BusInvalidator{Bus: a.bus}, cfg.Rules(), a.metrics, a.log.Named("invalidation"))
	return a, nil
}

// Start restores cached namespaces, precaches the critical assets, activates
// routing and begins watching connectivity. Background work stops with ctx.
func (a *Agent) Start(ctx context.Context) error {
	n, err := a.router.LoadSnapshots(a.db)
	if err != nil {
		return fmt.Errorf("restore snapshots: %w", err)
	}
	if n > 0 {
		a.log.Info("restored cached responses", zap.Int("count", n))
	}

	if paths := a.cfg.Precache.Paths; len(paths) > 0 {
		static := a.router.Store(a.cfg.Namespaces().Static)
		p := precache.New(a.upstream, static, precache.Options{
			Client:   a.client,
			Discover: a.cfg.Precache.Discover,
			Logger:   a.log.Named("precache"),
		})
		rep, err := p.Install(ctx, paths)
		if err != nil {
			return fmt.Errorf("precache: %w", err)
		}
		for u, msg := range rep.Failed {
			a.log.Warn("precache failed", zap.String("url", u), zap.String("error", msg))
		}
	}

	a.router.Activate()
	a.stopListen = a.queue.Listen(ctx)

	if iv := a.cfg.Probe.Interval; iv > 0 {
		a.probing = true
		target := fetch.ResolveURL(a.upstream, a.cfg.Probe.Path, "")
		go a.monitor.Probe(ctx, a.client, target, iv)
	}
	if a.queue.Len() > 0 {
		_ = a.monitor.RegisterSync(queue.SyncTag)
	}
	a.log.Info("agent started", zap.String("upstream", a.upstream.String()), zap.Int("pending", a.queue.Len()))
	return nil
}

// Close waits for background work, persists the namespaces and releases
// storage.
func (a *Agent) Close() error {
	var err error
	a.closeOnce.Do(func() {
		if a.stopListen != nil {
			a.stopListen()
		}
		a.queue.Wait()
		a.router.Wait()
		if a.router.Active() {
			if serr := a.router.SaveSnapshots(a.db); serr != nil {
				err = fmt.Errorf("save snapshots: %w", serr)
			}
		}
		a.caches.Close()
		err = errors.Join(err, a.db.Close())
	})
	return err
}

// Bus exposes the event bus for in-process subscribers.
func (a *Agent) Bus() *events.Bus { return a.bus }

// Monitor exposes the connectivity monitor.
func (a *Agent) Monitor() *netstate.Monitor { return a.monitor }

func (a *Agent) Status(context.Context) control.Status {
	ns := make(map[string]int)
	for _, name := range a.caches.Names() {
		if s, ok := a.caches.Lookup(name); ok {
			ns[name] = s.Len()
		}
	}
	return control.Status{
		Online:     a.monitor.IsOnline(),
		Active:     a.router.Active(),
		Upstream:   a.upstream.String(),
		Breaker:    a.transport.State(),
		QueueDepth: a.queue.Len(),
		Namespaces: ns,
	}
}

func (a *Agent) Sync(ctx context.Context) queue.Result { return a.queue.Sync(ctx) }

func (a *Agent) Invalidate(ctx context.Context, domain, id string) (invalidation.Result, error) {
	return a.coord.SmartInvalidate(ctx, domain, id)
}

// Fetch reads an upstream-relative path through the cache router.
func (a *Agent) Fetch(ctx context.Context, path string, dest fetch.Destination) (*fetch.Response, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("parse path: %w", err)
	}
	req := &fetch.Request{
		Method:      http.MethodGet,
		URL:         fetch.ResolveURL(a.upstream, u.Path, u.RawQuery),
		Header:      http.Header{},
		Destination: dest,
	}
	return a.router.Handle(ctx, req)
}

func (a *Agent) Pending() []queue.Entry { return a.queue.Pending() }

// Enqueue stores a write for background delivery.
func (a *Agent) Enqueue(ctx context.Context, id string, req *fetch.Request) (string, error) {
	headers := make(map[string]string, len(req.Header))
	for k := range req.Header {
		headers[k] = req.Header.Get(k)
	}
	return a.queue.QueueRequest(ctx, id, queue.Spec{
		URL:     req.URL,
		Method:  req.Method,
		Body:    string(req.Body),
		Headers: headers,
	})
}
