package arweave

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTxID_Roundtrip(t *testing.T) {
	id := DataItemID([]byte("some signature bytes"))
	parsed, err := ParseTxID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, parsed)
}

func TestParseTxID_Invalid(t *testing.T) {
	_, err := ParseTxID("not!!base64url")
	assert.Error(t, err)

	_, err = ParseTxID("c2hvcnQ") // decodes, wrong length
	assert.Error(t, err)
}

func TestTxID_IsZero(t *testing.T) {
	var zero TxID
	assert.True(t, zero.IsZero())
	assert.False(t, DataItemID([]byte("x")).IsZero())
}

func TestNativeAddress_Ed25519IsBase58(t *testing.T) {
	owner := make([]byte, 32)
	for i := range owner {
		owner[i] = byte(i)
	}
	addr, err := NativeAddress(SignatureTypeEd25519, owner)
	require.NoError(t, err)
	assert.NotEmpty(t, addr)
	// base58 excludes 0, O, I and l
	assert.NotContains(t, addr, "0")
	assert.NotContains(t, addr, "O")
}

func TestNativeAddress_Unsupported(t *testing.T) {
	_, err := NativeAddress(SignatureType(99), nil)
	assert.ErrorIs(t, err, ErrUnsupportedSignatureType)
}
