package registry

import "context"

// Txn is a view of the store inside one transaction. Writes become visible
// to other transactions only when the enclosing Update returns nil.
type Txn interface {
	// Get returns the value for key. found is false when the key is absent.
	Get(ctx context.Context, key []byte) (value []byte, found bool, err error)
	// Put stages a write of value under key.
	Put(ctx context.Context, key, value []byte) error
}

// Store is the durable key/value backend the registry persists into.
//
// Update runs fn in a read-write transaction. If fn returns an error nothing
// it staged is applied. Implementations must serialise conflicting Updates
// (locking or optimistic retry) so that read-modify-write sequences inside fn
// are atomic.
type Store interface {
	Update(ctx context.Context, fn func(Txn) error) error
	View(ctx context.Context, fn func(Txn) error) error
	Ping(ctx context.Context) error
	Close() error
}
