package router

import (
	"context"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/leonardcser/offline-agent/internal/cache"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/metrics"
)

type Strategy string

const (
	CacheFirst           Strategy = "cache-first"
	StaleWhileRevalidate Strategy = "stale-while-revalidate"
	NetworkFirst         Strategy = "network-first"
	PassThrough          Strategy = "passthrough"
)

// Namespaces names the three versioned caches.
type Namespaces struct {
	Static     string
	API        string
	Navigation string
}

// VersionedNamespaces builds namespace names for a deployment version, e.g. "v1".
func VersionedNamespaces(version string) Namespaces {
	return Namespaces{
		Static:     "static-" + version,
		API:        "api-" + version,
		Navigation: "navigation-" + version,
	}
}

// AllowList is the set of namespaces that survive activation.
func (n Namespaces) AllowList() []string {
	return []string{n.Static, n.API, n.Navigation}
}

// Limits configures one namespace.
type Limits struct {
	TTL     time.Duration
	MaxSize int
}

type Config struct {
	Namespaces Namespaces
	Static     Limits
	API        Limits
	Navigation Limits
	// APIPrefixes are URL path prefixes routed to the API namespace. They are
	// matched after BasePath is stripped.
	APIPrefixes []string
	// BasePath is the upstream's own path prefix, e.g. "/app" for
	// http://host/app.
	BasePath string
	// BackendKeywords match against the URL host for the API namespace.
	BackendKeywords []string
}

// Route is the outcome of classifying a request.
type Route struct {
	Strategy  Strategy
	Namespace string
}

// Router picks a caching strategy for every outbound read.
type Router struct {
	net     fetch.Doer
	caches  *cache.Registry[*fetch.Response]
	cfg     Config
	metrics *metrics.Collector
	log     *zap.Logger

	active atomic.Bool
	group  singleflight.Group
	bg     sync.WaitGroup
}

type Option func(*Router)

func WithMetrics(m *metrics.Collector) Option { return func(r *Router) { r.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(r *Router) { r.log = l } }

func New(net fetch.Doer, caches *cache.Registry[*fetch.Response], cfg Config, opts ...Option) *Router {
	r := &Router{net: net, caches: caches, cfg: cfg, log: zap.NewNop()}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Classify applies the static routing rules in order.
func (r *Router) Classify(req *fetch.Request) Route {
	if req.Method != "" && !strings.EqualFold(req.Method, "GET") {
		return Route{Strategy: PassThrough}
	}
	switch req.Destination {
	case fetch.DestScript, fetch.DestStyle, fetch.DestImage:
		return Route{Strategy: CacheFirst, Namespace: r.cfg.Namespaces.Static}
	}
	if r.isAPI(req.URL) {
		return Route{Strategy: StaleWhileRevalidate, Namespace: r.cfg.Namespaces.API}
	}
	if req.Destination == fetch.DestDocument {
		return Route{Strategy: NetworkFirst, Namespace: r.cfg.Namespaces.Navigation}
	}
	return Route{Strategy: PassThrough}
}

func (r *Router) isAPI(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	path := u.Path
	if base := strings.TrimSuffix(r.cfg.BasePath, "/"); base != "" && strings.HasPrefix(path, base+"/") {
		path = path[len(base):]
	}
	for _, p := range r.cfg.APIPrefixes {
		if p != "" && strings.HasPrefix(path, p) {
			return true
		}
	}
	host := strings.ToLower(u.Hostname())
	for _, k := range r.cfg.BackendKeywords {
		if k != "" && strings.Contains(host, strings.ToLower(k)) {
			return true
		}
	}
	return false
}

// Handle routes req and always returns a response for cached strategies.
// An error is only returned for pass-through requests whose transport failed.
// Returned responses may be shared with the cache and must not be modified.
func (r *Router) Handle(ctx context.Context, req *fetch.Request) (*fetch.Response, error) {
	route := Route{Strategy: PassThrough}
	if r.active.Load() {
		route = r.Classify(req)
	}
	switch route.Strategy {
	case CacheFirst:
		return r.cacheFirst(ctx, req, route.Namespace), nil
	case StaleWhileRevalidate:
		return r.staleWhileRevalidate(ctx, req, route.Namespace), nil
	case NetworkFirst:
		return r.networkFirst(ctx, req, route.Namespace), nil
	}
	r.metrics.Served(string(PassThrough), "network")
	return r.net.Do(ctx, req)
}

func (r *Router) cacheFirst(ctx context.Context, req *fetch.Request, ns string) *fetch.Response {
	store := r.Store(ns)
	if cached, ok := r.lookup(store, req.URL); ok {
		r.metrics.Served(string(CacheFirst), "cache")
		return cached
	}
	resp, err := r.net.Do(ctx, req)
	if err != nil {
		r.log.Debug("cache-first network failure", zap.String("url", req.URL), zap.Error(err))
		r.metrics.Served(string(CacheFirst), "unavailable")
		return fetch.Unavailable()
	}
	if resp.OK() {
		store.Set(req.URL, resp, 0)
	}
	r.metrics.Served(string(CacheFirst), "network")
	return resp
}

func (r *Router) staleWhileRevalidate(ctx context.Context, req *fetch.Request, ns string) *fetch.Response {
	store := r.Store(ns)
	if cached, ok := r.lookup(store, req.URL); ok {
		r.revalidate(ctx, req, store)
		r.metrics.Served(string(StaleWhileRevalidate), "cache")
		return cached
	}
	resp, err := r.net.Do(ctx, req)
	if err != nil {
		// A concurrent revalidation may have filled the slot meanwhile.
		if cached, ok := store.Get(req.URL); ok {
			r.metrics.Served(string(StaleWhileRevalidate), "fallback")
			return cached
		}
		r.metrics.Served(string(StaleWhileRevalidate), "unavailable")
		return fetch.Unavailable()
	}
	if resp.OK() {
		store.Set(req.URL, resp, 0)
	}
	r.metrics.Served(string(StaleWhileRevalidate), "network")
	return resp
}

func (r *Router) networkFirst(ctx context.Context, req *fetch.Request, ns string) *fetch.Response {
	store := r.Store(ns)
	resp, err := r.net.Do(ctx, req)
	if err == nil {
		if resp.OK() {
			store.Set(req.URL, resp, 0)
		}
		r.metrics.Served(string(NetworkFirst), "network")
		return resp
	}
	if cached, ok := r.lookup(store, req.URL); ok {
		r.metrics.Served(string(NetworkFirst), "fallback")
		return cached
	}
	r.log.Debug("network-first without cache", zap.String("url", req.URL), zap.Error(err))
	r.metrics.Served(string(NetworkFirst), "unavailable")
	return fetch.Unavailable()
}

// revalidate refreshes key in the background. Concurrent refreshes of the
// same key share one network call.
func (r *Router) revalidate(ctx context.Context, req *fetch.Request, store *cache.Store[*fetch.Response]) {
	bgctx := context.WithoutCancel(ctx)
	r.bg.Add(1)
	go func() {
		defer r.bg.Done()
		_, _, _ = r.group.Do(store.Name()+"|"+req.URL, func() (interface{}, error) {
			resp, err := r.net.Do(bgctx, req)
			if err != nil {
				r.log.Debug("revalidation failed", zap.String("url", req.URL), zap.Error(err))
				return nil, err
			}
			if resp.OK() {
				store.Set(req.URL, resp, 0)
			}
			return resp, nil
		})
	}()
}

func (r *Router) lookup(store *cache.Store[*fetch.Response], key string) (*fetch.Response, bool) {
	v, ok := store.Get(key)
	if ok {
		r.metrics.Hit(store.Name())
	} else {
		r.metrics.Miss(store.Name())
	}
	return v, ok
}

// Store returns the namespace store, creating it with the configured limits.
func (r *Router) Store(ns string) *cache.Store[*fetch.Response] {
	lim := r.limits(ns)
	return r.caches.GetInstance(ns, cache.Config[*fetch.Response]{
		TTL:     lim.TTL,
		MaxSize: lim.MaxSize,
		OnEvict: func(string, *fetch.Response) { r.metrics.Evicted(ns) },
	})
}

func (r *Router) limits(ns string) Limits {
	switch ns {
	case r.cfg.Namespaces.Static:
		return r.cfg.Static
	case r.cfg.Namespaces.API:
		return r.cfg.API
	case r.cfg.Namespaces.Navigation:
		return r.cfg.Navigation
	}
	return Limits{}
}

// Namespaces returns the configured namespace names.
func (r *Router) Namespaces() Namespaces { return r.cfg.Namespaces }

// Activate deletes every namespace outside the current allow-list and starts
// routing. Until then every request passes straight through.
func (r *Router) Activate() []string {
	dropped := r.caches.Retain(r.cfg.Namespaces.AllowList())
	for _, ns := range r.cfg.Namespaces.AllowList() {
		r.Store(ns)
	}
	r.active.Store(true)
	if len(dropped) > 0 {
		r.log.Info("dropped stale cache namespaces", zap.Strings("namespaces", dropped))
	}
	return dropped
}

// Active reports whether Activate has run.
func (r *Router) Active() bool { return r.active.Load() }

// Wait blocks until background revalidations have finished.
func (r *Router) Wait() { r.bg.Wait() }
