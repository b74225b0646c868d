package router

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/leonardcser/offline-agent/internal/cache"
	"github.com/leonardcser/offline-agent/internal/fetch"
	"github.com/leonardcser/offline-agent/internal/storage"
)

const bucketPrefix = "ns:"

// SaveSnapshots writes every namespace to its own bucket and drops buckets
// of namespaces that no longer exist.
func (r *Router) SaveSnapshots(db *storage.DB) error {
	live := make(map[string]struct{})
	for _, ns := range r.caches.Names() {
		live[bucketPrefix+ns] = struct{}{}
		store, ok := r.caches.Lookup(ns)
		if !ok {
			continue
		}
		items := make(map[string][]byte)
		for _, e := range store.Entries() {
			raw, err := json.Marshal(e.Value)
			if err != nil {
				return fmt.Errorf("encode %s/%s: %w", ns, e.Key, err)
			}
			items[e.Key] = storage.EncodeEntry(e.StoredAt, e.TTL, raw)
		}
		b, err := db.Bucket(bucketPrefix + ns)
		if err != nil {
			return err
		}
		if err := b.Replace(items); err != nil {
			return fmt.Errorf("save namespace %s: %w", ns, err)
		}
	}

	names, err := db.BucketNames()
	if err != nil {
		return err
	}
	for _, n := range names {
		if _, ok := live[n]; ok || !strings.HasPrefix(n, bucketPrefix) {
			continue
		}
		if err := db.DropBucket(n); err != nil {
			return err
		}
	}
	return nil
}

// LoadSnapshots restores every persisted namespace into the registry,
// including ones a later Activate will drop. Corrupt entries are skipped.
func (r *Router) LoadSnapshots(db *storage.DB) (int, error) {
	names, err := db.BucketNames()
	if err != nil {
		return 0, err
	}
	restored := 0
	for _, n := range names {
		if !strings.HasPrefix(n, bucketPrefix) {
			continue
		}
		ns := strings.TrimPrefix(n, bucketPrefix)
		b, err := db.Bucket(n)
		if err != nil {
			return restored, err
		}
		var snaps []cache.Snapshot[*fetch.Response]
		err = b.ForEach(func(key string, raw []byte) error {
			storedAt, ttl, value, err := storage.DecodeEntry(raw)
			if err != nil {
				r.log.Sugar().Warnf("skip corrupt snapshot %s/%s: %v", ns, key, err)
				return nil
			}
			var resp fetch.Response
			if err := json.Unmarshal(value, &resp); err != nil {
				r.log.Sugar().Warnf("skip undecodable snapshot %s/%s: %v", ns, key, err)
				return nil
			}
			snaps = append(snaps, cache.Snapshot[*fetch.Response]{Key: key, Value: &resp, StoredAt: storedAt, TTL: ttl})
			return nil
		})
		if err != nil {
			return restored, err
		}
		// ForEach yields byte order; Restore keeps storedAt order itself.
		r.Store(ns).Restore(snaps)
		restored += len(snaps)
	}
	return restored, nil
}
