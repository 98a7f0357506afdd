package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tidwall/buntdb"
)

type BuntDBProvider struct {
	db   *buntdb.DB
	path string
	mu   sync.RWMutex
}

// NewBuntDBProvider creates a new BuntDB storage provider
// If path is empty, it creates an in-memory database
func NewBuntDBProvider(path string) *BuntDBProvider {
	return &BuntDBProvider{
		path: path,
	}
}

// Initialize opens the BuntDB database
func (b *BuntDBProvider) Initialize() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	path := b.path
	if path == "" {
		path = ":memory:"
	}
	db, err := buntdb.Open(path)
	if err != nil {
		return fmt.Errorf("opening buntdb: %w", err)
	}

	// Journal entries get their own index.
	indexName := "idx_" + KeyPrefixPublish
	err = db.CreateIndex(indexName, KeyPrefixPublish+"*", buntdb.IndexString)
	if err != nil && !errors.Is(err, buntdb.ErrIndexExists) {
		db.Close()
		return fmt.Errorf("creating index %s: %w", indexName, err)
	}

	b.db = db
	return nil
}

// Close closes the BuntDB database
func (b *BuntDBProvider) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	return err
}

func (b *BuntDBProvider) handle() (*buntdb.DB, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.db == nil {
		return nil, ErrNotOpen
	}
	return b.db, nil
}

// Get retrieves a value by key
func (b *BuntDBProvider) Get(key string) ([]byte, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var value string
	err = db.View(func(tx *buntdb.Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		value = val
		return nil
	})

	if errors.Is(err, buntdb.ErrNotFound) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, err
	}
	return []byte(value), nil
}

// Delete removes a key
func (b *BuntDBProvider) Delete(key string) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(key)
		if errors.Is(err, buntdb.ErrNotFound) {
			return nil // Deleting non-existent key is not an error
		}
		return err
	})
}

// SetBatch stores multiple key-value pairs in one transaction
func (b *BuntDBProvider) SetBatch(items map[string][]byte) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	return db.Update(func(tx *buntdb.Tx) error {
		for key, value := range items {
			if _, _, err := tx.Set(key, string(value), nil); err != nil {
				return err
			}
		}
		return nil
	})
}

// Keys returns all keys with the given prefix
func (b *BuntDBProvider) Keys(prefix string) ([]string, error) {
	db, err := b.handle()
	if err != nil {
		return nil, err
	}
	var keys []string
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			keys = append(keys, key)
			return true
		})
	})
	return keys, err
}

// Scan iterates over all keys with the given prefix. The first error
// returned by fn stops the iteration and is returned.
func (b *BuntDBProvider) Scan(prefix string, fn func(key string, value []byte) error) error {
	db, err := b.handle()
	if err != nil {
		return err
	}
	var fnErr error
	err = db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(prefix+"*", func(key, value string) bool {
			if fnErr = fn(key, []byte(value)); fnErr != nil {
				return false
			}
			return true
		})
	})
	if err != nil {
		return err
	}
	return fnErr
}
