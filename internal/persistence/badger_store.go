package persistence

import (
	"errors"

	"github.com/dgraph-io/badger/v3"
)

// badgerStore is the BadgerDB implementation of the Store interface.
type badgerStore struct {
	db *badger.DB
}

// NewBadgerStore opens (or creates) a BadgerDB database at the given path.
func NewBadgerStore(dbPath string) (Store, error) {
	opts := badger.DefaultOptions(dbPath)
	// Badger's own logging is disabled to keep the app's logs clean;
	// errors still surface through the returned values.
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	return &badgerStore{db: db}, nil
}

// Contains reports whether a value exists for the key.
func (s *badgerStore) Contains(key string) (bool, error) {
	err := s.db.View(func(txn *badger.Txn) error {
		_, err := txn.Get([]byte(key))
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Read returns the value stored under the key.
func (s *badgerStore) Read(key string) ([]byte, error) {
	var value []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			value = append([]byte(nil), val...)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	if len(value) == 0 {
		return nil, errors.New("state value is empty in database")
	}
	return value, nil
}

// Write durably stores the value under the key.
func (s *badgerStore) Write(key string, value []byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(key), value)
	})
}

// Close gracefully closes the connection to the database.
func (s *badgerStore) Close() error {
	return s.db.Close()
}
