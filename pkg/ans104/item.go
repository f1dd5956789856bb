package ans104

import (
	"bytes"
	"crypto/ed25519"
	"encoding/binary"
	"fmt"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// DataItem is a fully materialized signed data item. The hot path never
// builds one of these for user uploads (those stream through Parser); this
// type backs raw-mode synthesis, receipt-side tooling, and tests.
type DataItem struct {
	SignatureType arweave.SignatureType
	Signature     []byte
	Owner         []byte
	Target        []byte
	Anchor        []byte
	Tags          []Tag
	Data          []byte
}

// ID returns the item id (SHA-256 of the signature).
func (d *DataItem) ID() arweave.TxID {
	return arweave.DataItemID(d.Signature)
}

// SigningMessage computes the deep-hash message a signature over this item
// must cover.
func (d *DataItem) SigningMessage() ([48]byte, error) {
	rawTags, err := EncodeTags(d.Tags)
	if err != nil {
		return [48]byte{}, err
	}
	msg := arweave.DeepHash(arweave.List(
		arweave.Blob([]byte("dataitem")),
		arweave.Blob([]byte("1")),
		arweave.Blob([]byte(fmt.Sprintf("%d", d.SignatureType))),
		arweave.Blob(d.Owner),
		arweave.Blob(d.Target),
		arweave.Blob(d.Anchor),
		arweave.Blob(rawTags),
		arweave.Blob(d.Data),
	))
	return msg, nil
}

// SignEd25519 signs the item in place with an Ed25519 key, setting
// SignatureType, Owner, and Signature. This is the raw-upload path: the
// service wraps caller bytes in a data item under its own key.
func (d *DataItem) SignEd25519(priv ed25519.PrivateKey) error {
	d.SignatureType = arweave.SignatureTypeEd25519
	d.Owner = append([]byte(nil), priv.Public().(ed25519.PublicKey)...)
	msg, err := d.SigningMessage()
	if err != nil {
		return err
	}
	d.Signature = arweave.SignEd25519(priv, msg)
	return nil
}

// SignArweave signs the item in place with an Arweave RSA wallet.
func (d *DataItem) SignArweave(w *arweave.Wallet) error {
	d.SignatureType = arweave.SignatureTypeArweave
	d.Owner = append([]byte(nil), w.Owner()...)
	msg, err := d.SigningMessage()
	if err != nil {
		return err
	}
	sig, err := w.SignDeepHash(msg)
	if err != nil {
		return err
	}
	d.Signature = sig
	return nil
}

// Serialize produces the ANS-104 wire form of the item. The item must be
// signed first.
func (d *DataItem) Serialize() ([]byte, error) {
	scheme, err := arweave.SchemeFor(d.SignatureType)
	if err != nil {
		return nil, err
	}
	if len(d.Signature) != scheme.SignatureLength {
		return nil, fmt.Errorf("signature is %d bytes, scheme %s needs %d",
			len(d.Signature), scheme.Name, scheme.SignatureLength)
	}
	if len(d.Owner) != scheme.OwnerLength {
		return nil, fmt.Errorf("owner is %d bytes, scheme %s needs %d",
			len(d.Owner), scheme.Name, scheme.OwnerLength)
	}
	rawTags, err := EncodeTags(d.Tags)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	var u16 [2]byte
	binary.LittleEndian.PutUint16(u16[:], uint16(d.SignatureType))
	buf.Write(u16[:])
	buf.Write(d.Signature)
	buf.Write(d.Owner)

	writeOptional := func(v []byte) error {
		if len(v) == 0 {
			buf.WriteByte(0)
			return nil
		}
		if len(v) != 32 {
			return fmt.Errorf("optional field must be 32 bytes, got %d", len(v))
		}
		buf.WriteByte(1)
		buf.Write(v)
		return nil
	}
	if err := writeOptional(d.Target); err != nil {
		return nil, err
	}
	if err := writeOptional(d.Anchor); err != nil {
		return nil, err
	}

	var u64 [8]byte
	binary.LittleEndian.PutUint64(u64[:], uint64(len(d.Tags)))
	buf.Write(u64[:])
	binary.LittleEndian.PutUint64(u64[:], uint64(len(rawTags)))
	buf.Write(u64[:])
	buf.Write(rawTags)
	buf.Write(d.Data)

	return buf.Bytes(), nil
}

// ParseBytes parses a complete in-memory data item and verifies its
// signature. The unbundler uses this for child items small enough to
// buffer; larger children go through Parser.
func ParseBytes(raw []byte) (*ParseResult, error) {
	p := NewParser(int64(len(raw)), 0)
	if _, err := p.Write(raw); err != nil {
		return nil, err
	}
	return p.Finish()
}
