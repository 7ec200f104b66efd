package indexmanager

import (
	"context"
	"errors"
)

var (
	ErrKeyTooLong   = errors.New("key exceeds the index key width")
	ErrValueTooLong = errors.New("value exceeds the index value width")
	ErrInvalidKey   = errors.New("key must be non-empty and free of NUL bytes")
)

// KeyValuePair is one entry returned by a range read.
type KeyValuePair struct {
	Key   string
	Value []byte
}

// IndexManager interface defines the common operations for index types.
type IndexManager interface {
	// Put inserts key or replaces its value.
	Put(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error
	// GetRange returns entries with startKey <= key <= endKey in ascending order. "*" or
	// "" leaves a bound open; limit <= 0 means no limit.
	GetRange(ctx context.Context, startKey, endKey string, limit int32) ([]KeyValuePair, error)
	// Name returns the name/type of this index manager (e.g., "btree").
	Name() string
}
