// Package receipt builds and verifies the signed upload receipts the
// bundler returns at admission. A receipt is the service's commitment to
// land an item on Arweave by its deadline height; it must never be issued
// before the item's bytes are durable and its database row is committed.
package receipt

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// Version is the receipt format version the service emits.
const Version = "0.2.0"

// ErrInvalidReceipt is returned when a receipt's signature does not verify.
var ErrInvalidReceipt = errors.New("receipt signature invalid")

// Receipt is the signed acknowledgment returned to uploaders.
type Receipt struct {
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Winc           string `json:"winc"`
	Version        string `json:"version"`
	DeadlineHeight int64  `json:"deadlineHeight"`
	Signature      string `json:"signature"`
	Public         string `json:"public"`
}

// signingPayload is the canonical JSON the signature covers: every receipt
// field except signature and public, with keys in a fixed order.
type signingPayload struct {
	DeadlineHeight int64  `json:"deadlineHeight"`
	ID             string `json:"id"`
	Timestamp      int64  `json:"timestamp"`
	Version        string `json:"version"`
	Winc           string `json:"winc"`
}

// Signer signs receipts with the service bundling wallet.
type Signer struct {
	wallet *arweave.Wallet
	public string
}

// NewSigner wraps the bundling wallet for receipt signing.
func NewSigner(w *arweave.Wallet) *Signer {
	return &Signer{
		wallet: w,
		public: base64.RawURLEncoding.EncodeToString(w.Owner()),
	}
}

// Sign produces a signed receipt for an admitted item.
func (s *Signer) Sign(id arweave.TxID, timestamp int64, winc string, deadlineHeight int64) (*Receipt, error) {
	r := &Receipt{
		ID:             id.String(),
		Timestamp:      timestamp,
		Winc:           winc,
		Version:        Version,
		DeadlineHeight: deadlineHeight,
		Public:         s.public,
	}
	msg, err := canonicalMessage(r)
	if err != nil {
		return nil, err
	}
	sig, err := s.wallet.Sign(msg)
	if err != nil {
		return nil, fmt.Errorf("failed to sign receipt: %w", err)
	}
	r.Signature = base64.RawURLEncoding.EncodeToString(sig)
	return r, nil
}

// Verify checks a receipt's signature against its embedded public key.
// Exported so clients and tests can validate receipts independently.
func Verify(r *Receipt) error {
	owner, err := base64.RawURLEncoding.DecodeString(r.Public)
	if err != nil {
		return fmt.Errorf("%w: bad public key encoding", ErrInvalidReceipt)
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Signature)
	if err != nil {
		return fmt.Errorf("%w: bad signature encoding", ErrInvalidReceipt)
	}
	msg, err := canonicalMessage(r)
	if err != nil {
		return err
	}

	pub := &rsa.PublicKey{N: new(big.Int).SetBytes(owner), E: 65537}
	digest := sha256.Sum256(msg)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
		return ErrInvalidReceipt
	}
	return nil
}

func canonicalMessage(r *Receipt) ([]byte, error) {
	return json.Marshal(signingPayload{
		DeadlineHeight: r.DeadlineHeight,
		ID:             r.ID,
		Timestamp:      r.Timestamp,
		Version:        r.Version,
		Winc:           r.Winc,
	})
}
