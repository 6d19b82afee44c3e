package persistence

// Store is the durable key-value contract required by state persistence.
// It abstracts the underlying storage engine (BadgerDB in production,
// an in-memory map in tests) from the snapshot/recovery protocol.
type Store interface {
	// Contains reports whether a value exists for the key.
	Contains(key string) (bool, error)

	// Read returns the value stored under the key.
	Read(key string) ([]byte, error)

	// Write durably stores the value under the key.
	Write(key string, value []byte) error

	// Close gracefully closes the connection to the database.
	Close() error
}
