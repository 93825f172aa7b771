// Package validation checks inputs that arrive from outside the registry.
// gpg.go verifies detached OpenPGP signatures on metadata documents.
package validation

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ProtonMail/go-crypto/openpgp"
	"github.com/ProtonMail/go-crypto/openpgp/armor"
)

const publicKeyBegin = "-----BEGIN PGP PUBLIC KEY BLOCK-----"

// ErrSignatureInvalid is returned when no trusted key produced the signature.
var ErrSignatureInvalid = errors.New("signature verification failed")

// SignatureVerifier checks detached signatures against a fixed set of
// trusted public keys.
type SignatureVerifier struct {
	keyring openpgp.EntityList
}

// Signer identifies the key that produced a verified signature.
type Signer struct {
	KeyID       string
	Fingerprint string
}

// ParsePublicKey parses one ASCII-armored public key block.
func ParsePublicKey(keyArmored string) (openpgp.EntityList, error) {
	if strings.TrimSpace(keyArmored) == "" {
		return nil, fmt.Errorf("public key cannot be empty")
	}
	if !strings.Contains(keyArmored, publicKeyBegin) {
		return nil, fmt.Errorf("invalid public key: missing BEGIN marker")
	}
	keyring, err := openpgp.ReadArmoredKeyRing(strings.NewReader(keyArmored))
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	return keyring, nil
}

// NewSignatureVerifier trusts every key in the given armored blocks.
func NewSignatureVerifier(armoredKeys ...string) (*SignatureVerifier, error) {
	v := &SignatureVerifier{}
	for i, k := range armoredKeys {
		entities, err := ParsePublicKey(k)
		if err != nil {
			return nil, fmt.Errorf("key %d: %w", i, err)
		}
		v.keyring = append(v.keyring, entities...)
	}
	return v, nil
}

// LoadSignatureVerifier reads armored public keys from files.
func LoadSignatureVerifier(paths []string) (*SignatureVerifier, error) {
	keys := make([]string, 0, len(paths))
	for _, p := range paths {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("failed to read signing key %s: %w", p, err)
		}
		keys = append(keys, string(raw))
	}
	return NewSignatureVerifier(keys...)
}

// KeyCount is the number of trusted entities.
func (v *SignatureVerifier) KeyCount() int { return len(v.keyring) }

// Verify checks signature, armored or binary, over data.
func (v *SignatureVerifier) Verify(data, signature []byte) (*Signer, error) {
	if len(v.keyring) == 0 {
		return nil, fmt.Errorf("%w: no trusted keys configured", ErrSignatureInvalid)
	}
	if len(signature) == 0 {
		return nil, fmt.Errorf("%w: signature cannot be empty", ErrSignatureInvalid)
	}

	sig := signature
	if block, err := armor.Decode(bytes.NewReader(signature)); err == nil {
		buf := new(bytes.Buffer)
		if _, err := buf.ReadFrom(block.Body); err != nil {
			return nil, fmt.Errorf("failed to read armored signature: %w", err)
		}
		sig = buf.Bytes()
	}

	entity, err := openpgp.CheckDetachedSignature(v.keyring, bytes.NewReader(data), bytes.NewReader(sig), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSignatureInvalid, err)
	}
	return &Signer{
		KeyID:       fmt.Sprintf("%X", entity.PrimaryKey.KeyId),
		Fingerprint: fmt.Sprintf("%X", entity.PrimaryKey.Fingerprint),
	}, nil
}
