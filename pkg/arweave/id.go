// Package arweave provides the cryptographic primitives the bundler needs to
// speak to the Arweave network: transaction ids, the deep-hash construction
// used for data-item signatures, the supported signature schemes, and native
// owner-address derivation.
package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// TxID is a 32-byte Arweave transaction or data-item identifier.
// The wire representation is unpadded base64url.
type TxID [32]byte

// String returns the base64url form of the id.
func (id TxID) String() string {
	return base64.RawURLEncoding.EncodeToString(id[:])
}

// IsZero reports whether the id is all zeroes.
func (id TxID) IsZero() bool {
	return id == TxID{}
}

// ParseTxID decodes a base64url transaction id.
func ParseTxID(s string) (TxID, error) {
	var id TxID
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("invalid transaction id %q: %w", s, err)
	}
	if len(raw) != len(id) {
		return id, fmt.Errorf("invalid transaction id length %d, want %d", len(raw), len(id))
	}
	copy(id[:], raw)
	return id, nil
}

// DataItemID computes a data item's id from its raw signature bytes.
// Per ANS-104 the id is SHA-256 over the signature field.
func DataItemID(signature []byte) TxID {
	return TxID(sha256.Sum256(signature))
}

// OwnerAddress derives the Arweave native address for an RSA owner:
// base64url(SHA-256(owner public key bytes)).
func OwnerAddress(owner []byte) string {
	sum := sha256.Sum256(owner)
	return base64.RawURLEncoding.EncodeToString(sum[:])
}
