// Package store persists small pieces of client state across restarts.
package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
)

// KeySharing records that a collector left location sharing on.
const KeySharing = "collector_sharing"

const keyPrefix = "state:"

var (
	valueTrue  = []byte("true")
	valueFalse = []byte("false")
)

// Store is a BadgerDB-backed flag store.
type Store struct {
	db *badger.DB
}

// Open opens (creating if needed) the store in dir.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open state store %s: %w", dir, err)
	}
	return &Store{db: db}, nil
}

// OpenInMemory returns a store that forgets everything on Close.
func OpenInMemory() (*Store, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open in-memory state store: %w", err)
	}
	return &Store{db: db}, nil
}

// SetFlag stores a boolean.
func (s *Store) SetFlag(_ context.Context, key string, on bool) error {
	v := valueFalse
	if on {
		v = valueTrue
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set([]byte(keyPrefix+key), v); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
		return nil
	})
}

// Flag reads a boolean. A missing key reads as false.
func (s *Store) Flag(_ context.Context, key string) (bool, error) {
	var on bool
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(keyPrefix + key))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		return item.Value(func(val []byte) error {
			on = string(val) == string(valueTrue)
			return nil
		})
	})
	return on, err
}

// Clear removes key.
func (s *Store) Clear(_ context.Context, key string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(keyPrefix + key))
	})
}

// Close flushes and closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}
