// Package checksum computes content digests for metadata documents. A
// document is addressed by its SHA-256 hex digest, which is also the value
// stored as a group's metadata hash, and is additionally exposed as a CIDv1
// (raw codec) so content-addressed tooling can fetch it.
package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"

	"github.com/ipfs/go-cid"
	mh "github.com/multiformats/go-multihash"
)

var sha256Hex = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Digest holds both renderings of a document's SHA-256.
type Digest struct {
	SHA256 string `json:"sha256"`
	CID    string `json:"cid"`
}

// CalculateSHA256 calculates the SHA256 checksum of data from a reader
func CalculateSHA256(reader io.Reader) (string, error) {
	hasher := sha256.New()

	if _, err := io.Copy(hasher, reader); err != nil {
		return "", fmt.Errorf("failed to calculate checksum: %w", err)
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}

// VerifySHA256 verifies that the checksum of data matches the expected checksum
func VerifySHA256(reader io.Reader, expectedChecksum string) (bool, error) {
	actualChecksum, err := CalculateSHA256(reader)
	if err != nil {
		return false, err
	}

	return actualChecksum == strings.ToLower(expectedChecksum), nil
}

// Sum computes the digest of data.
func Sum(data []byte) (Digest, error) {
	hash, err := mh.Sum(data, mh.SHA2_256, -1)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to compute multihash: %w", err)
	}
	decoded, err := mh.Decode(hash)
	if err != nil {
		return Digest{}, fmt.Errorf("failed to decode multihash: %w", err)
	}
	return Digest{
		SHA256: hex.EncodeToString(decoded.Digest),
		CID:    cid.NewCidV1(cid.Raw, hash).String(),
	}, nil
}

// ErrUnsupportedRef is returned by Normalize for references that are neither
// a SHA-256 hex digest nor a SHA-256 based CID.
var ErrUnsupportedRef = errors.New("unsupported document reference")

// Normalize accepts a SHA-256 hex digest or a CID and returns the lowercase
// hex digest it refers to.
func Normalize(ref string) (string, error) {
	ref = strings.TrimSpace(ref)
	if lower := strings.ToLower(ref); sha256Hex.MatchString(lower) {
		return lower, nil
	}

	c, err := cid.Decode(ref)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
	}
	decoded, err := mh.Decode(c.Hash())
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnsupportedRef, err)
	}
	if decoded.Code != mh.SHA2_256 {
		return "", fmt.Errorf("%w: hash function %s", ErrUnsupportedRef, decoded.Name)
	}
	return hex.EncodeToString(decoded.Digest), nil
}

// IsSHA256Hex reports whether s is a lowercase SHA-256 hex digest.
func IsSHA256Hex(s string) bool { return sha256Hex.MatchString(s) }
