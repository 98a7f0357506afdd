package storage

import "errors"

// Common errors
var (
	ErrKeyNotFound = errors.New("key not found")
	ErrNotOpen     = errors.New("storage not initialized")
)

const (
	KeyPrefixPublish = "publish:"          // Journaled basic.publish records
	KeySeqCounter    = "system:publishseq" // Last journal sequence number
)

// StorageProvider is the key-value abstraction behind the publish journal.
type StorageProvider interface {
	// Initialize prepares the storage backend
	Initialize() error

	// Close cleanly shuts down the storage backend
	Close() error

	Get(key string) ([]byte, error)

	// Delete removes key; a missing key is not an error
	Delete(key string) error

	// SetBatch writes all items atomically
	SetBatch(items map[string][]byte) error

	// Keys and Scan visit keys with the given prefix in ascending order
	Keys(prefix string) ([]string, error)
	Scan(prefix string, fn func(key string, value []byte) error) error
}
