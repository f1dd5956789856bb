package arweave

import (
	"bytes"
	"crypto"
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"
	"strconv"

	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"golang.org/x/crypto/sha3"
)

// SignatureType enumerates the data-item signature schemes the bundler
// accepts. The two-byte little-endian value leads every serialized item, so
// admission sniffs these constants to distinguish signed items from raw
// uploads.
type SignatureType uint16

const (
	SignatureTypeArweave  SignatureType = 1 // RSA-PSS, 4096-bit Arweave wallet
	SignatureTypeEd25519  SignatureType = 2 // Ed25519
	SignatureTypeEthereum SignatureType = 3 // secp256k1, Ethereum personal-message signing
	SignatureTypeSolana   SignatureType = 4 // Ed25519, Solana key encoding
)

// String returns the scheme name, or the numeric value for unknown types.
func (t SignatureType) String() string {
	if s, ok := schemes[t]; ok {
		return s.Name
	}
	return strconv.Itoa(int(t))
}

// ErrUnsupportedSignatureType is returned for signature-type values the
// bundler does not accept.
var ErrUnsupportedSignatureType = errors.New("unsupported signature type")

// ErrSignatureInvalid is returned when a signature fails verification
// against the item's deep hash.
var ErrSignatureInvalid = errors.New("signature verification failed")

// SignatureScheme describes the fixed field geometry of one signature type.
type SignatureScheme struct {
	Type            SignatureType
	Name            string
	SignatureLength int
	OwnerLength     int
}

var schemes = map[SignatureType]SignatureScheme{
	SignatureTypeArweave:  {SignatureTypeArweave, "arweave", 512, 512},
	SignatureTypeEd25519:  {SignatureTypeEd25519, "ed25519", 64, 32},
	SignatureTypeEthereum: {SignatureTypeEthereum, "ethereum", 65, 65},
	SignatureTypeSolana:   {SignatureTypeSolana, "solana", 64, 32},
}

// SchemeFor returns the scheme for a signature type, or
// ErrUnsupportedSignatureType.
func SchemeFor(t SignatureType) (SignatureScheme, error) {
	s, ok := schemes[t]
	if !ok {
		return SignatureScheme{}, fmt.Errorf("%w: %d", ErrUnsupportedSignatureType, t)
	}
	return s, nil
}

// KnownSignatureType reports whether the two-byte little-endian value at the
// start of a stream names a supported scheme.
func KnownSignatureType(b0, b1 byte) bool {
	t := SignatureType(uint16(b0) | uint16(b1)<<8)
	_, ok := schemes[t]
	return ok
}

// NativeAddress derives the owner's native address for the given scheme.
//
//   - arweave: base64url(SHA-256(owner))
//   - ed25519/solana: base58(owner)
//   - ethereum: 0x + hex(keccak256(pubkey[1:])[12:])
func NativeAddress(t SignatureType, owner []byte) (string, error) {
	switch t {
	case SignatureTypeArweave:
		return OwnerAddress(owner), nil
	case SignatureTypeEd25519, SignatureTypeSolana:
		return base58Encode(owner), nil
	case SignatureTypeEthereum:
		if len(owner) != 65 {
			return "", fmt.Errorf("ethereum owner must be 65 bytes, got %d", len(owner))
		}
		h := keccak256(owner[1:])
		return "0x" + fmt.Sprintf("%x", h[12:]), nil
	default:
		return "", fmt.Errorf("%w: %d", ErrUnsupportedSignatureType, t)
	}
}

// VerifySignature checks sig over the 48-byte deep-hash message under the
// given scheme and owner public key.
func VerifySignature(t SignatureType, owner, sig []byte, message [48]byte) error {
	scheme, err := SchemeFor(t)
	if err != nil {
		return err
	}
	if len(sig) != scheme.SignatureLength || len(owner) != scheme.OwnerLength {
		return ErrSignatureInvalid
	}

	switch t {
	case SignatureTypeArweave:
		return verifyRSAPSS(owner, sig, message)
	case SignatureTypeEd25519, SignatureTypeSolana:
		if !ed25519.Verify(ed25519.PublicKey(owner), message[:], sig) {
			return ErrSignatureInvalid
		}
		return nil
	case SignatureTypeEthereum:
		return verifyEthereum(owner, sig, message)
	default:
		return fmt.Errorf("%w: %d", ErrUnsupportedSignatureType, t)
	}
}

// verifyRSAPSS verifies an Arweave wallet signature: RSA-PSS over
// SHA-256(message) with a 32-byte salt and public exponent 65537.
func verifyRSAPSS(owner, sig []byte, message [48]byte) error {
	pub := &rsa.PublicKey{
		N: new(big.Int).SetBytes(owner),
		E: 65537,
	}
	digest := sha256.Sum256(message[:])
	opts := &rsa.PSSOptions{SaltLength: 32, Hash: crypto.SHA256}
	if err := rsa.VerifyPSS(pub, crypto.SHA256, digest[:], sig, opts); err != nil {
		return ErrSignatureInvalid
	}
	return nil
}

// verifyEthereum recovers the secp256k1 public key from a 65-byte r||s||v
// signature over the personal-message hash of the deep hash and compares it
// to the declared owner key.
func verifyEthereum(owner, sig []byte, message [48]byte) error {
	digest := ethPersonalHash(message[:])

	// RecoverCompact wants v||r||s with v in [27,34].
	v := sig[64]
	if v < 27 {
		v += 27
	}
	compact := make([]byte, 65)
	compact[0] = v
	copy(compact[1:], sig[:64])

	pub, _, err := btcecdsa.RecoverCompact(compact, digest)
	if err != nil {
		return ErrSignatureInvalid
	}
	if !bytes.Equal(pub.SerializeUncompressed(), owner) {
		return ErrSignatureInvalid
	}
	return nil
}

// ethPersonalHash applies EIP-191 personal-message framing.
func ethPersonalHash(msg []byte) []byte {
	prefixed := append([]byte("\x19Ethereum Signed Message:\n"+strconv.Itoa(len(msg))), msg...)
	return keccak256(prefixed)
}

func keccak256(b []byte) []byte {
	h := sha3.NewLegacyKeccak256()
	h.Write(b)
	return h.Sum(nil)
}

// SignEd25519 signs the deep-hash message with an Ed25519 private key.
// Used by the raw-upload path, where the service signs on behalf of the
// uploader.
func SignEd25519(priv ed25519.PrivateKey, message [48]byte) []byte {
	return ed25519.Sign(priv, message[:])
}
