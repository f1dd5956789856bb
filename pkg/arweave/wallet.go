package arweave

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
)

// Wallet is an Arweave RSA keypair loaded from a JWK file. The bundling
// service uses one to sign receipts and bundle transactions.
type Wallet struct {
	priv  *rsa.PrivateKey
	owner []byte // modulus bytes, the ANS-104 owner field
}

type jwk struct {
	Kty string `json:"kty"`
	N   string `json:"n"`
	E   string `json:"e"`
	D   string `json:"d"`
	P   string `json:"p"`
	Q   string `json:"q"`
	DP  string `json:"dp"`
	DQ  string `json:"dq"`
	QI  string `json:"qi"`
}

// LoadWallet reads an Arweave JWK wallet file.
func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read wallet file: %w", err)
	}
	return ParseWallet(raw)
}

// ParseWallet parses JWK wallet JSON.
func ParseWallet(raw []byte) (*Wallet, error) {
	var k jwk
	if err := json.Unmarshal(raw, &k); err != nil {
		return nil, fmt.Errorf("invalid wallet JSON: %w", err)
	}
	if k.Kty != "RSA" {
		return nil, fmt.Errorf("unsupported wallet key type %q", k.Kty)
	}

	n, err := b64Int(k.N)
	if err != nil {
		return nil, fmt.Errorf("invalid modulus: %w", err)
	}
	e, err := b64Int(k.E)
	if err != nil {
		return nil, fmt.Errorf("invalid exponent: %w", err)
	}
	d, err := b64Int(k.D)
	if err != nil {
		return nil, fmt.Errorf("invalid private exponent: %w", err)
	}
	p, err := b64Int(k.P)
	if err != nil {
		return nil, fmt.Errorf("invalid prime p: %w", err)
	}
	q, err := b64Int(k.Q)
	if err != nil {
		return nil, fmt.Errorf("invalid prime q: %w", err)
	}

	priv := &rsa.PrivateKey{
		PublicKey: rsa.PublicKey{N: n, E: int(e.Int64())},
		D:         d,
		Primes:    []*big.Int{p, q},
	}
	priv.Precompute()
	if err := priv.Validate(); err != nil {
		return nil, fmt.Errorf("wallet key failed validation: %w", err)
	}

	return &Wallet{priv: priv, owner: n.Bytes()}, nil
}

// GenerateWallet creates a fresh 4096-bit wallet. Test helper; production
// deployments load an operator-provisioned wallet.
func GenerateWallet() (*Wallet, error) {
	priv, err := rsa.GenerateKey(rand.Reader, 4096)
	if err != nil {
		return nil, err
	}
	return &Wallet{priv: priv, owner: priv.N.Bytes()}, nil
}

// Owner returns the public modulus, the ANS-104 owner field.
func (w *Wallet) Owner() []byte {
	return w.owner
}

// Address returns the wallet's native Arweave address.
func (w *Wallet) Address() string {
	return OwnerAddress(w.owner)
}

// Sign produces an Arweave RSA-PSS signature (SHA-256 digest, 32-byte salt)
// over the given message.
func (w *Wallet) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	return rsa.SignPSS(rand.Reader, w.priv, crypto.SHA256, digest[:], opts)
}

// SignDeepHash signs a 48-byte deep-hash message, the form used by
// data-item signatures.
func (w *Wallet) SignDeepHash(message [48]byte) ([]byte, error) {
	return w.Sign(message[:])
}

func b64Int(s string) (*big.Int, error) {
	raw, err := base64.RawURLEncoding.DecodeString(s)
	if err != nil {
		return nil, err
	}
	return new(big.Int).SetBytes(raw), nil
}
