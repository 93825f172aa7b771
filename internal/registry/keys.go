package registry

import (
	"encoding/binary"
	"fmt"
)

// Key prefixes. The two per-group prefixes keep the member and metadata
// mappings from sharing a key for the same id.
const (
	membersPrefix = "members_"
	metaPrefix    = "meta_"
)

var (
	// TotalGroupsKey holds the big-endian uint64 creation counter.
	TotalGroupsKey = []byte("total_groups")
	// OwnerKey holds the owner principal recorded at initialisation.
	OwnerKey = []byte("owner")
)

// MembersKey is the storage key of the member list for id.
func MembersKey(id GroupID) []byte { return groupKey(membersPrefix, id) }

// MetadataKey is the storage key of the metadata hash for id.
func MetadataKey(id GroupID) []byte { return groupKey(metaPrefix, id) }

func groupKey(prefix string, id GroupID) []byte {
	k := make([]byte, len(prefix)+8)
	copy(k, prefix)
	binary.BigEndian.PutUint64(k[len(prefix):], uint64(id))
	return k
}

// EncodeCounter encodes a counter value.
func EncodeCounter(n uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, n)
	return b
}

// DecodeCounter decodes a counter value. A missing value decodes to zero.
func DecodeCounter(b []byte) (uint64, error) {
	switch len(b) {
	case 0:
		return 0, nil
	case 8:
		return binary.BigEndian.Uint64(b), nil
	default:
		return 0, fmt.Errorf("malformed counter: %d bytes", len(b))
	}
}
