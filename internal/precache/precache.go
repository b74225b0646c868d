// Package precache fills the static namespace with the application's
// critical assets when the agent is installed.
package precache

import (
	"context"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/fetch"
)

const RequestTimeout = 20 * time.Second

// Sink receives fetched assets; *cache.Store[*fetch.Response] satisfies it.
type Sink interface {
	Set(key string, value *fetch.Response, ttl time.Duration)
}

type Options struct {
	// Client overrides the HTTP client used by the collector.
	Client *http.Client
	// Discover also fetches scripts, stylesheets and images referenced by
	// precached HTML documents on the upstream host.
	Discover bool
	Logger   *zap.Logger
}

// Report lists what an install stored and what it could not fetch.
type Report struct {
	Cached []string          `json:"cached"`
	Failed map[string]string `json:"failed,omitempty"`
}

type Precacher struct {
	base *url.URL
	sink Sink
	opts Options
	log  *zap.Logger
}

func New(base *url.URL, sink Sink, opts Options) *Precacher {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	return &Precacher{base: base, sink: sink, opts: opts, log: log}
}

// Install fetches every path and stores each 200 reply in the sink.
// Failures are reported but do not abort the remaining paths.
func (p *Precacher) Install(ctx context.Context, paths []string) (*Report, error) {
	rep := &Report{Failed: map[string]string{}}
	var mu sync.Mutex
	discovered := map[string]struct{}{}
	wanted := map[string]struct{}{}

	c := colly.NewCollector(
		colly.AllowURLRevisit(),
		colly.Async(false),
	)
	if p.opts.Client != nil {
		c.SetClient(p.opts.Client)
	}
	c.SetRequestTimeout(RequestTimeout)
	c.Context = ctx
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", "offline-agent/precache")
	})
	c.OnResponse(func(r *colly.Response) {
		if r.StatusCode != http.StatusOK {
			return
		}
		key := r.Request.URL.String()
		var h http.Header
		if r.Headers != nil {
			h = r.Headers.Clone()
		}
		p.sink.Set(key, &fetch.Response{Status: r.StatusCode, Header: h, Body: append([]byte(nil), r.Body...)}, 0)
		mu.Lock()
		rep.Cached = append(rep.Cached, key)
		mu.Unlock()
	})
	if p.opts.Discover {
		c.OnHTML("script[src], link[rel=stylesheet][href], img[src]", func(e *colly.HTMLElement) {
			ref := e.Attr("src")
			if ref == "" {
				ref = e.Attr("href")
			}
			abs := e.Request.AbsoluteURL(ref)
			if abs == "" || !p.sameHost(abs) {
				return
			}
			mu.Lock()
			discovered[abs] = struct{}{}
			mu.Unlock()
		})
	}
	c.OnError(func(r *colly.Response, err error) {
		mu.Lock()
		rep.Failed[r.Request.URL.String()] = err.Error()
		mu.Unlock()
	})

	visit := func(target string) {
		if ctx.Err() != nil {
			return
		}
		if err := c.Visit(target); err != nil {
			mu.Lock()
			if _, seen := rep.Failed[target]; !seen {
				rep.Failed[target] = err.Error()
			}
			mu.Unlock()
		}
	}

	for _, path := range paths {
		u, err := url.Parse(path)
		if err != nil {
			rep.Failed[path] = err.Error()
			continue
		}
		target := fetch.ResolveURL(p.base, u.Path, u.RawQuery)
		wanted[target] = struct{}{}
		visit(target)
	}

	extra := make([]string, 0, len(discovered))
	for u := range discovered {
		if _, ok := wanted[u]; !ok {
			extra = append(extra, u)
		}
	}
	sort.Strings(extra)
	for _, u := range extra {
		visit(u)
	}

	sort.Strings(rep.Cached)
	p.log.Info("precache finished", zap.Int("cached", len(rep.Cached)), zap.Int("failed", len(rep.Failed)))
	return rep, ctx.Err()
}

func (p *Precacher) sameHost(raw string) bool {
	u, err := url.Parse(raw)
	if err != nil {
		return false
	}
	return strings.EqualFold(u.Host, p.base.Host)
}
