package cache

import (
	"sort"
	"sync"
	"time"
)

// DefaultSweepInterval is how often each namespace purges expired entries.
const DefaultSweepInterval = 60 * time.Second

// Options configures a Registry.
type Options struct {
	// Clock overrides time.Now, mainly for tests.
	Clock func() time.Time
	// SweepInterval defaults to DefaultSweepInterval. A negative value
	// disables background sweeping.
	SweepInterval time.Duration
}

// Registry owns one Store per namespace name. Build it once at startup and
// pass it to every component that needs a cache.
type Registry[V any] struct {
	now   func() time.Time
	sweep time.Duration

	mu     sync.Mutex
	stores map[string]*Store[V]
}

func NewRegistry[V any](opts Options) *Registry[V] {
	now := opts.Clock
	if now == nil {
		now = time.Now
	}
	sweep := opts.SweepInterval
	if sweep == 0 {
		sweep = DefaultSweepInterval
	}
	return &Registry[V]{now: now, sweep: sweep, stores: make(map[string]*Store[V])}
}

// GetInstance returns the store for namespace, creating it with cfg on first
// use. Later calls return the same instance and ignore cfg.
func (r *Registry[V]) GetInstance(namespace string, cfg Config[V]) *Store[V] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if s, ok := r.stores[namespace]; ok {
		return s
	}
	s := newStore(namespace, cfg, r.now)
	r.stores[namespace] = s
	if r.sweep > 0 {
		go s.runSweeper(r.sweep)
	}
	return s
}

// Lookup returns an existing store without creating one.
func (r *Registry[V]) Lookup(namespace string) (*Store[V], bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.stores[namespace]
	return s, ok
}

// Names lists registered namespaces in sorted order.
func (r *Registry[V]) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.stores))
	for n := range r.stores {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Clear empties a namespace and reports whether it existed.
func (r *Registry[V]) Clear(namespace string) bool {
	s, ok := r.Lookup(namespace)
	if ok {
		s.Clear()
	}
	return ok
}

// Delete drops a namespace entirely and stops its sweeper.
func (r *Registry[V]) Delete(namespace string) bool {
	r.mu.Lock()
	s, ok := r.stores[namespace]
	delete(r.stores, namespace)
	r.mu.Unlock()
	if ok {
		s.close()
	}
	return ok
}

// Retain deletes every namespace not in allow and returns the deleted names.
func (r *Registry[V]) Retain(allow []string) []string {
	keep := make(map[string]struct{}, len(allow))
	for _, n := range allow {
		keep[n] = struct{}{}
	}
	var dropped []string
	for _, n := range r.Names() {
		if _, ok := keep[n]; ok {
			continue
		}
		if r.Delete(n) {
			dropped = append(dropped, n)
		}
	}
	return dropped
}

// Close stops every background sweeper. Stores stay readable.
func (r *Registry[V]) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.stores {
		s.close()
	}
}
