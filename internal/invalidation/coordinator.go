// Package invalidation drops cached data after a write has been committed.
//
// Invalidation is coarse: every namespace a rule names is cleared in full.
// Nothing here listens for mutations; callers must invoke SmartInvalidate
// after each confirmed write, or keep reading stale entries until TTL expiry.
package invalidation

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/events"
	"github.com/leonardcser/offline-agent/internal/metrics"
)

var ErrUnknownDomain = errors.New("invalidation: unknown domain")

// Rule lists what a mutation in one domain invalidates.
type Rule struct {
	// Namespaces are cleared in full.
	Namespaces []string `yaml:"namespaces" json:"namespaces"`
	// Collections are query keys refetched on every mutation.
	Collections []string `yaml:"collections" json:"collections"`
	// Entity is the query-key prefix for a single record, refetched as
	// [Entity, id] when an id is given.
	Entity string `yaml:"entity" json:"entity"`
}

// DefaultRules maps the application's mutation domains to the API namespace.
func DefaultRules(apiNamespace string) map[string]Rule {
	return map[string]Rule{
		"claim": {
			Namespaces:  []string{apiNamespace},
			Collections: []string{"claims", "dashboard-stats"},
			Entity:      "claim",
		},
		"supplier": {
			Namespaces:  []string{apiNamespace},
			Collections: []string{"suppliers", "claims"},
			Entity:      "supplier",
		},
		"dashboard": {
			Namespaces:  []string{apiNamespace},
			Collections: []string{"dashboard-stats", "dashboard-charts"},
		},
		"systemHealth": {
			Namespaces:  []string{apiNamespace},
			Collections: []string{"system-health"},
		},
	}
}

// NamespaceClearer is satisfied by cache.Registry.
type NamespaceClearer interface {
	Clear(namespace string) bool
}

// QueryInvalidator tells the consuming query layer to refetch a key.
type QueryInvalidator interface {
	InvalidateQuery(ctx context.Context, key []string)
}

// BusInvalidator publishes query-invalidated events for subscribed callers.
type BusInvalidator struct{ Bus *events.Bus }

func (b BusInvalidator) InvalidateQuery(_ context.Context, key []string) {
	b.Bus.Publish(events.Event{Kind: events.QueryInvalidated, QueryKey: key})
}

// Result reports what one call dropped.
type Result struct {
	Domain     string     `json:"domain"`
	Namespaces []string   `json:"namespaces"`
	Queries    [][]string `json:"queries"`
}

type Coordinator struct {
	caches  NamespaceClearer
	queries QueryInvalidator
	rules   map[string]Rule
	metrics *metrics.Collector
	log     *zap.Logger
}

func NewCoordinator(caches NamespaceClearer, queries QueryInvalidator, rules map[string]Rule, m *metrics.Collector, log *zap.Logger) *Coordinator {
	if log == nil {
		log = zap.NewNop()
	}
	cp := make(map[string]Rule, len(rules))
	for k, v := range rules {
		cp[k] = v
	}
	return &Coordinator{caches: caches, queries: queries, rules: cp, metrics: m, log: log}
}

// SmartInvalidate clears the namespaces for domain and signals refetches of
// its collections and, when id is non-empty, of the single entity.
func (c *Coordinator) SmartInvalidate(ctx context.Context, domain, id string) (Result, error) {
	rule, ok := c.rules[domain]
	if !ok {
		return Result{}, fmt.Errorf("%w: %q", ErrUnknownDomain, domain)
	}
	res := Result{Domain: domain}
	for _, ns := range rule.Namespaces {
		c.caches.Clear(ns)
		res.Namespaces = append(res.Namespaces, ns)
	}
	for _, coll := range rule.Collections {
		res.Queries = append(res.Queries, []string{coll})
	}
	if id != "" && rule.Entity != "" {
		res.Queries = append(res.Queries, []string{rule.Entity, id})
	}
	if c.queries != nil {
		for _, q := range res.Queries {
			c.queries.InvalidateQuery(ctx, q)
		}
	}
	c.metrics.Invalidation(domain)
	c.log.Info("cache invalidated",
		zap.String("domain", domain),
		zap.String("id", id),
		zap.Strings("namespaces", res.Namespaces),
	)
	return res, nil
}

// Domains lists configured domains in sorted order.
func (c *Coordinator) Domains() []string {
	out := make([]string, 0, len(c.rules))
	for d := range c.rules {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}
