package arweave

import (
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
)

// Transaction is an Arweave format-2 transaction in its gateway JSON wire
// form. All binary fields are base64url without padding.
type Transaction struct {
	Format    int      `json:"format"`
	ID        string   `json:"id"`
	LastTx    string   `json:"last_tx"`
	Owner     string   `json:"owner"`
	Tags      []TxTag  `json:"tags"`
	Target    string   `json:"target"`
	Quantity  string   `json:"quantity"`
	DataRoot  string   `json:"data_root"`
	DataSize  string   `json:"data_size"`
	Data      string   `json:"data"`
	Reward    string   `json:"reward"`
	Signature string   `json:"signature"`
}

// TxTag is a transaction tag; unlike data item tags both fields are
// base64url encoded on the wire.
type TxTag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

func b64(b []byte) string { return base64.RawURLEncoding.EncodeToString(b) }

// NewBundleTransaction builds the unsigned layer-one transaction carrying a
// bundle payload: format 2, the standard bundle tags, and the merkle root of
// the payload. Quantity is always zero, the bundle moves no tokens.
func NewBundleTransaction(owner []byte, anchor string, reward string, data ChunkedData, extraTags []TxTag) *Transaction {
	tags := []TxTag{
		{Name: b64([]byte("Bundle-Format")), Value: b64([]byte("binary"))},
		{Name: b64([]byte("Bundle-Version")), Value: b64([]byte("2.0.0"))},
	}
	tags = append(tags, extraTags...)
	return &Transaction{
		Format:   2,
		LastTx:   anchor,
		Owner:    b64(owner),
		Tags:     tags,
		Target:   "",
		Quantity: "0",
		DataRoot: b64(data.DataRoot[:]),
		DataSize: strconv.FormatInt(data.DataSize, 10),
		Reward:   reward,
	}
}

// SigningHash computes the format-2 deep hash the signature covers.
func (t *Transaction) SigningHash() ([48]byte, error) {
	var zero [48]byte
	owner, err := base64.RawURLEncoding.DecodeString(t.Owner)
	if err != nil {
		return zero, fmt.Errorf("failed to decode owner: %w", err)
	}
	target, err := base64.RawURLEncoding.DecodeString(t.Target)
	if err != nil {
		return zero, fmt.Errorf("failed to decode target: %w", err)
	}
	lastTx, err := base64.RawURLEncoding.DecodeString(t.LastTx)
	if err != nil {
		return zero, fmt.Errorf("failed to decode last_tx: %w", err)
	}
	dataRoot, err := base64.RawURLEncoding.DecodeString(t.DataRoot)
	if err != nil {
		return zero, fmt.Errorf("failed to decode data_root: %w", err)
	}

	tagList := make([]DeepHashChunk, 0, len(t.Tags))
	for _, tag := range t.Tags {
		name, err := base64.RawURLEncoding.DecodeString(tag.Name)
		if err != nil {
			return zero, fmt.Errorf("failed to decode tag name: %w", err)
		}
		value, err := base64.RawURLEncoding.DecodeString(tag.Value)
		if err != nil {
			return zero, fmt.Errorf("failed to decode tag value: %w", err)
		}
		tagList = append(tagList, List(Blob(name), Blob(value)))
	}

	return DeepHash(List(
		Blob([]byte(strconv.Itoa(t.Format))),
		Blob(owner),
		Blob(target),
		Blob([]byte(t.Quantity)),
		Blob([]byte(t.Reward)),
		Blob(lastTx),
		List(tagList...),
		Blob([]byte(t.DataSize)),
		Blob(dataRoot),
	)), nil
}

// Sign signs the transaction with the service wallet and stamps its id.
func (t *Transaction) Sign(w *Wallet) error {
	hash, err := t.SigningHash()
	if err != nil {
		return err
	}
	sig, err := w.Sign(hash[:])
	if err != nil {
		return fmt.Errorf("failed to sign transaction: %w", err)
	}
	id := sha256.Sum256(sig)
	t.Signature = b64(sig)
	t.ID = b64(id[:])
	return nil
}
