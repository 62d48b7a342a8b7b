// Package store persists runtime state to a bolt database so the runtime can
// reconcile half-finished container instances after a crash or restart.
package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/containerd/errdefs"
	bolt "go.etcd.io/bbolt"
)

// ErrNotFound is returned when a key has no value.
var ErrNotFound = errdefs.ErrNotFound

// Store provides type-safe key-value storage over a single bolt bucket.
type Store[T any] struct {
	db     *bolt.DB
	bucket []byte
}

// Open opens (creating if needed) the database at dbPath and the named bucket.
func Open[T any](dbPath, bucket string) (*Store[T], error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create db dir: %w", err)
	}

	db, err := bolt.Open(dbPath, 0o600, &bolt.Options{
		Timeout:        10 * time.Second,
		NoFreelistSync: true,
		FreelistType:   bolt.FreelistMapType,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt db: %w", err)
	}

	if err := db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(bucket))
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create bucket: %w", err)
	}

	return &Store[T]{db: db, bucket: []byte(bucket)}, nil
}

// Get retrieves a value by key. Returns ErrNotFound when absent.
func (s *Store[T]) Get(ctx context.Context, key string) (*T, error) {
	var value T
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(s.bucket).Get([]byte(key))
		if data == nil {
			return fmt.Errorf("key %q: %w", key, ErrNotFound)
		}
		return json.Unmarshal(data, &value)
	})
	if err != nil {
		return nil, err
	}
	return &value, nil
}

// Put stores a value by key.
func (s *Store[T]) Put(ctx context.Context, key string, value *T) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(value)
		if err != nil {
			return fmt.Errorf("failed to marshal value: %w", err)
		}
		return tx.Bucket(s.bucket).Put([]byte(key), data)
	})
}

// Delete removes a value by key. Deleting an absent key is not an error.
func (s *Store[T]) Delete(ctx context.Context, key string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(s.bucket).Delete([]byte(key))
	})
}

// List iterates over all keys with the given prefix in key order.
func (s *Store[T]) List(ctx context.Context, prefix string, fn func(key string, value *T) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(s.bucket).Cursor()
		p := []byte(prefix)
		for k, v := c.Seek(p); k != nil && bytes.HasPrefix(k, p); k, v = c.Next() {
			var value T
			if err := json.Unmarshal(v, &value); err != nil {
				return fmt.Errorf("failed to unmarshal value for key %s: %w", string(k), err)
			}
			if err := fn(string(k), &value); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the underlying database.
func (s *Store[T]) Close() error {
	return s.db.Close()
}
