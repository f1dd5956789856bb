package arweave

import (
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBundleTransaction_SignAndVerifyShape(t *testing.T) {
	w, err := GenerateWallet()
	require.NoError(t, err)

	data := ChunkData(make([]byte, 5000))
	anchor := base64.RawURLEncoding.EncodeToString(make([]byte, 32))
	tx := NewBundleTransaction(w.Owner(), anchor, "1234", data, nil)

	assert.Equal(t, 2, tx.Format)
	assert.Equal(t, "0", tx.Quantity)
	assert.Equal(t, "5000", tx.DataSize)
	require.Len(t, tx.Tags, 2)

	require.NoError(t, tx.Sign(w))
	require.NotEmpty(t, tx.ID)
	require.NotEmpty(t, tx.Signature)

	// the id is derivable from the signature and the signature verifies
	// over the signing hash
	sig, err := base64.RawURLEncoding.DecodeString(tx.Signature)
	require.NoError(t, err)
	msg, err := tx.SigningHash()
	require.NoError(t, err)
	require.NoError(t, VerifySignature(SignatureTypeArweave, w.Owner(), sig, msg))

	id, err := ParseTxID(tx.ID)
	require.NoError(t, err)
	assert.Equal(t, DataItemID(sig), id)
}
