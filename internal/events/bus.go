// Package events is the in-process pub-sub that links connectivity changes,
// the retry queue and the callers observing sync outcomes.
package events

import (
	"slices"
	"sync"
)

type Kind string

const (
	Online           Kind = "online"
	Offline          Kind = "offline"
	SyncRequested    Kind = "sync-requested"
	SyncSuccess      Kind = "sync-success"
	SyncFailed       Kind = "sync-failed"
	QueryInvalidated Kind = "query-invalidated"
)

// Event is a single notification. Only the fields relevant to Kind are set.
type Event struct {
	Kind      Kind     `json:"kind"`
	RequestID string   `json:"requestId,omitempty"`
	Status    int      `json:"status,omitempty"`
	Body      []byte   `json:"body,omitempty"`
	Error     string   `json:"error,omitempty"`
	Tag       string   `json:"tag,omitempty"`
	QueryKey  []string `json:"queryKey,omitempty"`
}

type Handler func(Event)

// Bus delivers each published event to every subscriber, synchronously and
// in subscription order. Handlers must not block for long.
type Bus struct {
	mu   sync.RWMutex
	next int
	subs map[int]subscription
}

type subscription struct {
	kinds map[Kind]struct{}
	fn    Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[int]subscription)}
}

// Subscribe registers fn for the given kinds, or for every kind when none are
// given. The returned func removes the subscription.
func (b *Bus) Subscribe(fn Handler, kinds ...Kind) (unsubscribe func()) {
	set := make(map[Kind]struct{}, len(kinds))
	for _, k := range kinds {
		set[k] = struct{}{}
	}
	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = subscription{kinds: set, fn: fn}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to matching subscribers.
func (b *Bus) Publish(ev Event) {
	b.mu.RLock()
	ids := make([]int, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	handlers := make([]Handler, 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		s := b.subs[id]
		if len(s.kinds) > 0 {
			if _, ok := s.kinds[ev.Kind]; !ok {
				continue
			}
		}
		handlers = append(handlers, s.fn)
	}
	b.mu.RUnlock()

	for _, fn := range handlers {
		fn(ev)
	}
}
