// Package registry implements the group registry: an append-only mapping of
// group ids to immutable member lists, each paired with a metadata hash that
// only the registry owner may replace.
//
// All state lives in a Store. Every mutation is a single Store transaction, so
// the registry itself holds no locks and any number of Registry values may
// share a backend.
package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/group-allocator/group-registry/internal/telemetry"
)

// Operation names used for metrics and audit.
const (
	OpCreate         = "create_group"
	OpUpdateMetadata = "update_metadata"
)

// Registry is the group registry bound to one Store and one owner.
type Registry struct {
	store   Store
	owner   Principal
	members *lru.Cache[GroupID, MemberList]
	logger  *slog.Logger
}

// Option configures a Registry.
type Option func(*Registry) error

// WithMemberCache keeps up to size member lists in memory. Member lists never
// change after creation, so cached entries cannot go stale.
func WithMemberCache(size int) Option {
	return func(r *Registry) error {
		if size <= 0 {
			return nil
		}
		c, err := lru.New[GroupID, MemberList](size)
		if err != nil {
			return fmt.Errorf("failed to create member cache: %w", err)
		}
		r.members = c
		return nil
	}
}

// WithLogger sets the logger. Defaults to slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) error {
		r.logger = l
		return nil
	}
}

// New binds a registry to store with the given owner. A fresh store records
// the owner and a zero counter; a store that already has an owner must have
// been initialised with the same one.
func New(ctx context.Context, store Store, owner Principal, opts ...Option) (*Registry, error) {
	if store == nil {
		return nil, errors.New("registry store is required")
	}
	if owner == "" {
		return nil, errors.New("registry owner is required")
	}

	r := &Registry{store: store, owner: owner, logger: slog.Default()}
	for _, opt := range opts {
		if err := opt(r); err != nil {
			return nil, err
		}
	}

	var total uint64
	err := store.Update(ctx, func(txn Txn) error {
		// Counter first, as in CreateGroup, so concurrent initialisers queue
		// on row-locking backends.
		raw, found, err := txn.Get(ctx, TotalGroupsKey)
		if err != nil {
			return wrapStore("read counter", err)
		}
		if found {
			if total, err = DecodeCounter(raw); err != nil {
				return wrapStore("decode counter", err)
			}
		} else if err := txn.Put(ctx, TotalGroupsKey, EncodeCounter(0)); err != nil {
			return wrapStore("write counter", err)
		}

		recorded, found, err := txn.Get(ctx, OwnerKey)
		if err != nil {
			return wrapStore("read owner", err)
		}
		if !found {
			return wrapStore("write owner", txn.Put(ctx, OwnerKey, []byte(owner)))
		}
		if Principal(recorded) != owner {
			return fmt.Errorf("%w: recorded %q, got %q", ErrOwnerMismatch, recorded, owner)
		}
		return nil
	})
	if err != nil {
		return nil, classify("init", err)
	}

	telemetry.RegistryTotalGroups.Set(float64(total))
	r.logger.Info("group registry ready", slog.String("owner", string(owner)), slog.Uint64("total_groups", total))
	return r, nil
}

// Owner returns the principal allowed to update metadata.
func (r *Registry) Owner() Principal { return r.owner }

// CreateGroup registers id with its member list and initial metadata hash.
// Anyone may create a group. A taken id yields ErrAlreadyExists and leaves
// the registry untouched.
func (r *Registry) CreateGroup(ctx context.Context, id GroupID, members MemberList, hash MetadataHash) error {
	var total uint64
	err := r.store.Update(ctx, func(txn Txn) error {
		// Counter first: on row-locking backends this serialises creators.
		raw, _, err := txn.Get(ctx, TotalGroupsKey)
		if err != nil {
			return wrapStore("read counter", err)
		}
		current, err := DecodeCounter(raw)
		if err != nil {
			return wrapStore("decode counter", err)
		}

		_, exists, err := txn.Get(ctx, MembersKey(id))
		if err != nil {
			return wrapStore("read members", err)
		}
		if exists {
			return fmt.Errorf("group %d: %w", id, ErrAlreadyExists)
		}

		total = current + 1
		return commitCreation(ctx, txn, id, members, hash, current)
	})
	err = classify(OpCreate, err)
	r.observe(OpCreate, id, err)
	if err != nil {
		return err
	}

	if r.members != nil {
		r.members.Add(id, members)
	}
	telemetry.RegistryTotalGroups.Set(float64(total))
	r.logger.InfoContext(ctx, "group created",
		slog.Uint64("group_id", uint64(id)),
		slog.Int("member_bytes", members.Len()),
		slog.Uint64("total_groups", total),
	)
	return nil
}

// commitCreation stages the member list, the metadata hash and the
// incremented counter in txn. The three writes share the transaction's fate.
func commitCreation(ctx context.Context, txn Txn, id GroupID, members MemberList, hash MetadataHash, total uint64) error {
	if err := txn.Put(ctx, MembersKey(id), nonNil(members.b)); err != nil {
		return wrapStore("write members", err)
	}
	if err := txn.Put(ctx, MetadataKey(id), nonNil(hash.b)); err != nil {
		return wrapStore("write metadata", err)
	}
	if err := txn.Put(ctx, TotalGroupsKey, EncodeCounter(total+1)); err != nil {
		return wrapStore("write counter", err)
	}
	return nil
}

// UpdateMetadata replaces the metadata hash of id. The caller must be the
// owner; authorisation is checked before existence.
func (r *Registry) UpdateMetadata(ctx context.Context, caller Principal, id GroupID, hash MetadataHash) error {
	if caller != r.owner {
		err := fmt.Errorf("caller %q: %w", caller, ErrUnauthorized)
		r.observe(OpUpdateMetadata, id, err)
		return err
	}

	err := r.store.Update(ctx, func(txn Txn) error {
		_, exists, err := txn.Get(ctx, MembersKey(id))
		if err != nil {
			return wrapStore("read members", err)
		}
		if !exists {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		return wrapStore("write metadata", txn.Put(ctx, MetadataKey(id), nonNil(hash.b)))
	})
	err = classify(OpUpdateMetadata, err)
	r.observe(OpUpdateMetadata, id, err)
	if err != nil {
		return err
	}

	r.logger.InfoContext(ctx, "group metadata updated", slog.Uint64("group_id", uint64(id)))
	return nil
}

// Members returns the member list of id.
func (r *Registry) Members(ctx context.Context, id GroupID) (MemberList, error) {
	if r.members != nil {
		if m, ok := r.members.Get(id); ok {
			return m, nil
		}
	}

	var members MemberList
	err := r.store.View(ctx, func(txn Txn) error {
		raw, found, err := txn.Get(ctx, MembersKey(id))
		if err != nil {
			return wrapStore("read members", err)
		}
		if !found {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		members = NewMemberList(raw)
		return nil
	})
	if err != nil {
		return MemberList{}, classify("members", err)
	}

	if r.members != nil {
		r.members.Add(id, members)
	}
	return members, nil
}

// Metadata returns the current metadata hash of id.
func (r *Registry) Metadata(ctx context.Context, id GroupID) (MetadataHash, error) {
	var hash MetadataHash
	err := r.store.View(ctx, func(txn Txn) error {
		var err error
		hash, err = readMetadata(ctx, txn, id)
		return err
	})
	if err != nil {
		return MetadataHash{}, classify("metadata", err)
	}
	return hash, nil
}

// Group returns both halves of the record for id from one consistent view.
func (r *Registry) Group(ctx context.Context, id GroupID) (GroupRecord, error) {
	rec := GroupRecord{ID: id}
	err := r.store.View(ctx, func(txn Txn) error {
		raw, found, err := txn.Get(ctx, MembersKey(id))
		if err != nil {
			return wrapStore("read members", err)
		}
		if !found {
			return fmt.Errorf("group %d: %w", id, ErrNotFound)
		}
		rec.Members = NewMemberList(raw)
		rec.Metadata, err = readMetadata(ctx, txn, id)
		return err
	})
	if err != nil {
		return GroupRecord{}, classify("group", err)
	}
	return rec, nil
}

// TotalGroups returns the number of groups ever created.
func (r *Registry) TotalGroups(ctx context.Context) (uint64, error) {
	var total uint64
	err := r.store.View(ctx, func(txn Txn) error {
		raw, _, err := txn.Get(ctx, TotalGroupsKey)
		if err != nil {
			return wrapStore("read counter", err)
		}
		total, err = DecodeCounter(raw)
		return wrapStore("decode counter", err)
	})
	if err != nil {
		return 0, classify("total_groups", err)
	}
	return total, nil
}

// Ping checks that the backing store is reachable.
func (r *Registry) Ping(ctx context.Context) error {
	return r.store.Ping(ctx)
}

func readMetadata(ctx context.Context, txn Txn, id GroupID) (MetadataHash, error) {
	raw, found, err := txn.Get(ctx, MetadataKey(id))
	if err != nil {
		return MetadataHash{}, wrapStore("read metadata", err)
	}
	if !found {
		return MetadataHash{}, fmt.Errorf("group %d: %w", id, ErrNotFound)
	}
	return NewMetadataHash(raw), nil
}

func (r *Registry) observe(op string, id GroupID, err error) {
	result := Outcome(err)
	telemetry.RegistryOperationsTotal.WithLabelValues(op, result).Inc()
	if err != nil {
		r.logger.Debug("registry operation rejected",
			slog.String("operation", op),
			slog.Uint64("group_id", uint64(id)),
			slog.String("result", result),
			slog.String("error", err.Error()),
		)
	}
}

// Outcome maps an operation error to a short result label.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrAlreadyExists):
		return "already_exists"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrUnauthorized):
		return "unauthorized"
	default:
		return "error"
	}
}

// classify passes domain errors through and marks everything else as a
// store failure.
func classify(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrAlreadyExists) || errors.Is(err, ErrNotFound) ||
		errors.Is(err, ErrUnauthorized) || errors.Is(err, ErrOwnerMismatch) {
		return err
	}
	return wrapStore(op, err)
}

func nonNil(b []byte) []byte {
	if b == nil {
		return []byte{}
	}
	return b
}
