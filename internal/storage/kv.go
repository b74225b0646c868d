package storage

import "errors"

// ErrNotFound is returned by Get when the key has never been written.
var ErrNotFound = errors.New("storage: not found")

// KV defines the minimal durable key-value contract.
// Implementations must be safe for concurrent use by multiple goroutines.
type KV interface {
	Get(key string) ([]byte, error)
	Put(key string, value []byte) error
	Delete(key string) error
}
