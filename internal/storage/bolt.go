package storage

import (
	"encoding/binary"
	"errors"
	"sort"
	"time"

	bolt "go.etcd.io/bbolt"
)

// DB is a bbolt file holding one bucket per logical store.
// It is safe for concurrent use by multiple goroutines.
type DB struct {
	db *bolt.DB
}

type Options struct {
	// Timeout bounds how long Open waits for the file lock.
	Timeout time.Duration
}

// Open initializes or opens a DB at the given path.
func Open(path string, opts Options) (*DB, error) {
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = 1 * time.Second
	}
	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: timeout})
	if err != nil {
		return nil, err
	}
	return &DB{db: db}, nil
}

// Close closes the underlying database.
func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Bucket returns a KV view over the named bucket, creating it if needed.
func (d *DB) Bucket(name string) (*Bucket, error) {
	if name == "" {
		return nil, errors.New("storage: empty bucket name")
	}
	b := []byte(name)
	if err := d.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(b)
		return err
	}); err != nil {
		return nil, err
	}
	return &Bucket{db: d.db, name: b}, nil
}

// BucketNames lists every top-level bucket in sorted order.
func (d *DB) BucketNames() ([]string, error) {
	var names []string
	err := d.db.View(func(tx *bolt.Tx) error {
		return tx.ForEach(func(name []byte, _ *bolt.Bucket) error {
			names = append(names, string(name))
			return nil
		})
	})
	sort.Strings(names)
	return names, err
}

// DropBucket deletes the named bucket. Missing buckets are ignored.
func (d *DB) DropBucket(name string) error {
	return d.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte(name)) == nil {
			return nil
		}
		return tx.DeleteBucket([]byte(name))
	})
}

// Bucket implements KV over a single bbolt bucket.
type Bucket struct {
	db   *bolt.DB
	name []byte
}

func (b *Bucket) Get(key string) ([]byte, error) {
	var out []byte
	if err := b.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(b.name).Get([]byte(key))
		if v != nil {
			out = append([]byte(nil), v...)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNotFound
	}
	return out, nil
}

func (b *Bucket) Put(key string, value []byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Put([]byte(key), value)
	})
}

func (b *Bucket) Delete(key string) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).Delete([]byte(key))
	})
}

// ForEach visits every key in byte order. The value slice is only valid
// for the duration of the callback.
func (b *Bucket) ForEach(fn func(key string, value []byte) error) error {
	return b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(b.name).ForEach(func(k, v []byte) error {
			return fn(string(k), v)
		})
	})
}

// Replace atomically swaps the bucket contents for items.
func (b *Bucket) Replace(items map[string][]byte) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(b.name) != nil {
			if err := tx.DeleteBucket(b.name); err != nil {
				return err
			}
		}
		bk, err := tx.CreateBucket(b.name)
		if err != nil {
			return err
		}
		for k, v := range items {
			if err := bk.Put([]byte(k), v); err != nil {
				return err
			}
		}
		return nil
	})
}

// Entry layout: 8 bytes big endian storedAt (unix nanos) || 8 bytes ttl || raw value

// EncodeEntry packs a timestamped value for snapshot storage.
func EncodeEntry(storedAt time.Time, ttl time.Duration, value []byte) []byte {
	buf := make([]byte, 16+len(value))
	binary.BigEndian.PutUint64(buf[:8], uint64(storedAt.UnixNano()))
	binary.BigEndian.PutUint64(buf[8:16], uint64(ttl))
	copy(buf[16:], value)
	return buf
}

// DecodeEntry reverses EncodeEntry.
func DecodeEntry(raw []byte) (storedAt time.Time, ttl time.Duration, value []byte, err error) {
	if len(raw) < 16 {
		return time.Time{}, 0, nil, errors.New("storage: short entry")
	}
	storedAt = time.Unix(0, int64(binary.BigEndian.Uint64(raw[:8])))
	ttl = time.Duration(binary.BigEndian.Uint64(raw[8:16]))
	value = append([]byte(nil), raw[16:]...)
	return storedAt, ttl, value, nil
}
