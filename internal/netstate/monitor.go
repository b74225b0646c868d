// Package netstate tracks whether the upstream backend is reachable and
// turns transitions into online/offline events.
package netstate

import (
	"context"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/leonardcser/offline-agent/internal/events"
)

// Monitor holds the current connectivity state. It also provides the
// deferred-wake registration used by the retry queue.
type Monitor struct {
	bus *events.Bus
	log *zap.Logger

	mu      sync.Mutex
	online  bool
	pending map[string]struct{}
}

func NewMonitor(bus *events.Bus, online bool, log *zap.Logger) *Monitor {
	if log == nil {
		log = zap.NewNop()
	}
	return &Monitor{bus: bus, log: log, online: online, pending: make(map[string]struct{})}
}

// IsOnline reports the last known state.
func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records a new state and publishes an event on transitions.
// Going online also fires every pending sync registration.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	if m.online == online {
		m.mu.Unlock()
		return
	}
	m.online = online
	var tags []string
	if online {
		for t := range m.pending {
			tags = append(tags, t)
		}
		m.pending = make(map[string]struct{})
	}
	m.mu.Unlock()

	if online {
		m.log.Info("connectivity restored", zap.Int("pending_wakes", len(tags)))
		m.bus.Publish(events.Event{Kind: events.Online})
		for _, t := range tags {
			m.bus.Publish(events.Event{Kind: events.SyncRequested, Tag: t})
		}
		return
	}
	m.log.Warn("connectivity lost")
	m.bus.Publish(events.Event{Kind: events.Offline})
}

// RegisterSync asks for a wake-up once connectivity is available. Tags are
// coalesced while offline. When already online the wake fires immediately.
func (m *Monitor) RegisterSync(tag string) error {
	m.mu.Lock()
	if !m.online {
		m.pending[tag] = struct{}{}
		m.mu.Unlock()
		return nil
	}
	m.mu.Unlock()
	m.bus.Publish(events.Event{Kind: events.SyncRequested, Tag: tag})
	return nil
}

// Probe polls target with HEAD requests until ctx is done. Any HTTP answer
// counts as online; a transport error counts as offline.
func (m *Monitor) Probe(ctx context.Context, client *http.Client, target string, interval time.Duration) {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	check := func() {
		req, err := http.NewRequestWithContext(ctx, http.MethodHead, target, nil)
		if err != nil {
			m.log.Error("probe request", zap.Error(err))
			return
		}
		resp, err := client.Do(req)
		if err != nil {
			if ctx.Err() == nil {
				m.SetOnline(false)
			}
			return
		}
		_ = resp.Body.Close()
		m.SetOnline(true)
	}

	check()
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			check()
		}
	}
}
