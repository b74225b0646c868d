package cache

import (
	"container/list"
	"sync"
	"time"
)

// Config controls a single namespace.
type Config[V any] struct {
	// TTL is the default time-to-live used when Set is called with ttl <= 0.
	// A zero TTL means entries never expire.
	TTL time.Duration
	// MaxSize bounds the number of entries. Zero means unbounded.
	MaxSize int
	// OnEvict is called for entries removed by the sweep or by capacity
	// eviction. It is never called with the store lock held.
	OnEvict func(key string, value V)
}

type entry[V any] struct {
	key      string
	value    V
	storedAt time.Time
	ttl      time.Duration
	elem     *list.Element
}

func (e *entry[V]) expired(now time.Time) bool {
	return e.ttl > 0 && now.Sub(e.storedAt) > e.ttl
}

// Snapshot is an exported copy of one entry, used to persist a namespace.
type Snapshot[V any] struct {
	Key      string
	Value    V
	StoredAt time.Time
	TTL      time.Duration
}

// Store is a bounded, expiring key-value namespace.
// It is safe for concurrent use by multiple goroutines.
type Store[V any] struct {
	name string
	cfg  Config[V]
	now  func() time.Time

	mu    sync.Mutex
	items map[string]*entry[V]
	// order holds entries by storedAt; the front is the oldest.
	order *list.List

	stopOnce sync.Once
	stop     chan struct{}
}

func newStore[V any](name string, cfg Config[V], now func() time.Time) *Store[V] {
	return &Store[V]{
		name:  name,
		cfg:   cfg,
		now:   now,
		items: make(map[string]*entry[V]),
		order: list.New(),
		stop:  make(chan struct{}),
	}
}

// Name returns the namespace this store was registered under.
func (s *Store[V]) Name() string { return s.name }

// Set stores value with storedAt = now. If ttl <= 0 the namespace TTL is used.
func (s *Store[V]) Set(key string, value V, ttl time.Duration) {
	if ttl <= 0 {
		ttl = s.cfg.TTL
	}
	evicted := s.insert(key, value, s.now(), ttl)
	s.notify(evicted)
}

func (s *Store[V]) insert(key string, value V, storedAt time.Time, ttl time.Duration) []*entry[V] {
	s.mu.Lock()
	defer s.mu.Unlock()

	if old, ok := s.items[key]; ok {
		s.order.Remove(old.elem)
		delete(s.items, key)
	}

	var evicted []*entry[V]
	for s.cfg.MaxSize > 0 && len(s.items) >= s.cfg.MaxSize {
		oldest := s.order.Front()
		if oldest == nil {
			break
		}
		e := oldest.Value.(*entry[V])
		s.removeLocked(e)
		evicted = append(evicted, e)
	}

	e := &entry[V]{key: key, value: value, storedAt: storedAt, ttl: ttl}
	// Keep the list ordered by storedAt; restored snapshots may be older
	// than what is already present.
	mark := s.order.Back()
	for mark != nil && mark.Value.(*entry[V]).storedAt.After(storedAt) {
		mark = mark.Prev()
	}
	if mark == nil {
		e.elem = s.order.PushFront(e)
	} else {
		e.elem = s.order.InsertAfter(e, mark)
	}
	s.items[key] = e
	return evicted
}

// Get returns the value if present and not expired. Expired entries are
// deleted on the way out.
func (s *Store[V]) Get(key string) (V, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var zero V
	e, ok := s.items[key]
	if !ok {
		return zero, false
	}
	if e.expired(s.now()) {
		s.removeLocked(e)
		return zero, false
	}
	return e.value, true
}

// Has reports whether Get would return a value.
func (s *Store[V]) Has(key string) bool {
	_, ok := s.Get(key)
	return ok
}

// Delete removes a key.
func (s *Store[V]) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.items[key]; ok {
		s.removeLocked(e)
	}
}

// Clear removes every entry.
func (s *Store[V]) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items = make(map[string]*entry[V])
	s.order.Init()
}

// Len returns the number of stored entries, expired or not.
func (s *Store[V]) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// Keys returns stored keys from oldest to newest.
func (s *Store[V]) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.items))
	for el := s.order.Front(); el != nil; el = el.Next() {
		keys = append(keys, el.Value.(*entry[V]).key)
	}
	return keys
}

// Sweep deletes every expired entry and reports each one to OnEvict.
// It returns the number of entries removed.
func (s *Store[V]) Sweep() int {
	s.mu.Lock()
	now := s.now()
	var expired []*entry[V]
	for el := s.order.Front(); el != nil; {
		next := el.Next()
		e := el.Value.(*entry[V])
		if e.expired(now) {
			s.removeLocked(e)
			expired = append(expired, e)
		}
		el = next
	}
	s.mu.Unlock()

	s.notify(expired)
	return len(expired)
}

// Entries returns unexpired entries from oldest to newest.
func (s *Store[V]) Entries() []Snapshot[V] {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	out := make([]Snapshot[V], 0, len(s.items))
	for el := s.order.Front(); el != nil; el = el.Next() {
		e := el.Value.(*entry[V])
		if e.expired(now) {
			continue
		}
		out = append(out, Snapshot[V]{Key: e.key, Value: e.value, StoredAt: e.storedAt, TTL: e.ttl})
	}
	return out
}

// Restore inserts snapshots keeping their original storedAt and ttl.
// Already expired snapshots are skipped.
func (s *Store[V]) Restore(entries []Snapshot[V]) {
	now := s.now()
	for _, snap := range entries {
		e := entry[V]{storedAt: snap.StoredAt, ttl: snap.TTL}
		if e.expired(now) {
			continue
		}
		s.notify(s.insert(snap.Key, snap.Value, snap.StoredAt, snap.TTL))
	}
}

func (s *Store[V]) removeLocked(e *entry[V]) {
	s.order.Remove(e.elem)
	delete(s.items, e.key)
}

func (s *Store[V]) notify(evicted []*entry[V]) {
	if s.cfg.OnEvict == nil {
		return
	}
	for _, e := range evicted {
		s.cfg.OnEvict(e.key, e.value)
	}
}

func (s *Store[V]) runSweeper(interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.Sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *Store[V]) close() {
	s.stopOnce.Do(func() { close(s.stop) })
}
