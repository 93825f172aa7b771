package registry

import "errors"

var (
	// ErrAlreadyExists is returned by CreateGroup when the id is taken.
	ErrAlreadyExists = errors.New("group already exists")
	// ErrNotFound is returned when no group exists for the id.
	ErrNotFound = errors.New("group does not exist")
	// ErrUnauthorized is returned when a non-owner tries to update metadata.
	ErrUnauthorized = errors.New("only the owner can update metadata")
	// ErrOwnerMismatch is returned by New when the store was initialised for
	// a different owner.
	ErrOwnerMismatch = errors.New("store belongs to a different owner")
	// ErrStore marks failures of the underlying key/value store.
	ErrStore = errors.New("registry store failure")
)

// storeError wraps a backend failure so callers can tell it apart from domain
// errors while still reaching the original cause with errors.Is/As.
type storeError struct {
	op  string
	err error
}

func (e *storeError) Error() string { return e.op + ": " + e.err.Error() }

func (e *storeError) Unwrap() []error { return []error{ErrStore, e.err} }

func wrapStore(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *storeError
	if errors.As(err, &se) {
		return err
	}
	return &storeError{op: op, err: err}
}
