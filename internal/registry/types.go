package registry

import (
	"bytes"
	"strconv"
	"strings"
)

// GroupID identifies a group. Ids are chosen by the caller.
type GroupID uint64

// String renders the id in decimal.
func (id GroupID) String() string {
	return strconv.FormatUint(uint64(id), 10)
}

// ParseGroupID parses a decimal group id.
func ParseGroupID(s string) (GroupID, error) {
	n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, err
	}
	return GroupID(n), nil
}

// Principal is an authenticated caller identity as resolved by the transport.
type Principal string

// MemberList is the opaque member list of a group. The registry never parses
// it; Split exists for presentation only. The zero value is an empty list.
type MemberList struct {
	b []byte
}

// NewMemberList copies b into a MemberList.
func NewMemberList(b []byte) MemberList {
	return MemberList{b: bytes.Clone(b)}
}

// JoinMembers builds a comma separated member list.
func JoinMembers(members ...string) MemberList {
	return MemberList{b: []byte(strings.Join(members, ","))}
}

// Bytes returns a copy of the encoded list.
func (m MemberList) Bytes() []byte { return bytes.Clone(m.b) }

func (m MemberList) String() string { return string(m.b) }

// Len is the encoded length in bytes.
func (m MemberList) Len() int { return len(m.b) }

// Equal reports whether both lists have identical encodings.
func (m MemberList) Equal(o MemberList) bool { return bytes.Equal(m.b, o.b) }

// Split returns the comma separated entries with surrounding whitespace
// removed. Empty entries are dropped.
func (m MemberList) Split() []string {
	out := []string{}
	for _, part := range strings.Split(string(m.b), ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// MetadataHash is the opaque metadata reference of a group. It is usually the
// hex digest of an off-registry document but the registry does not care.
type MetadataHash struct {
	b []byte
}

// NewMetadataHash copies b into a MetadataHash.
func NewMetadataHash(b []byte) MetadataHash {
	return MetadataHash{b: bytes.Clone(b)}
}

// MetadataHashFromString stores s as its UTF-8 bytes.
func MetadataHashFromString(s string) MetadataHash {
	return MetadataHash{b: []byte(s)}
}

// Bytes returns a copy of the hash bytes.
func (h MetadataHash) Bytes() []byte { return bytes.Clone(h.b) }

func (h MetadataHash) String() string { return string(h.b) }

// Equal reports whether both hashes hold identical bytes.
func (h MetadataHash) Equal(o MetadataHash) bool { return bytes.Equal(h.b, o.b) }

// GroupRecord is a snapshot of a single group.
type GroupRecord struct {
	ID       GroupID
	Members  MemberList
	Metadata MetadataHash
}
