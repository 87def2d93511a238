package cache

import (
	"github.com/c360/stratcon/errors"
)

// Cache is a bounded key/value store
type Cache[V any] interface {
	// Get retrieves a value and marks it recently used
	Get(key string) (V, bool)

	// Set stores a value. Returns true if a new entry was created, false if
	// an existing one was updated.
	Set(key string, value V) (bool, error)

	// ContainsOrAdd reports whether key was present. When it was not, value
	// is stored. The check and the insert are one atomic step.
	ContainsOrAdd(key string, value V) (bool, error)

	// Delete removes an entry. Returns true if the key existed.
	Delete(key string) (bool, error)

	Size() int

	Stats() *Statistics

	Close() error
}

// NewLRU creates a cache holding at most maxSize entries
func NewLRU[V any](maxSize int, options ...Option[V]) (Cache[V], error) {
	if maxSize <= 0 {
		return nil, errors.WrapInvalid(errors.ErrInvalidConfig, "cache", "NewLRU", "max size must be positive")
	}
	return newLRUCache(maxSize, applyOptions(options...))
}

func validateKey(key string) error {
	if key == "" {
		return errors.WrapInvalid(errors.ErrInvalidData, "cache", "validateKey", "key cannot be empty")
	}
	return nil
}
