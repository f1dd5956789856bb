package ans104

import (
	"bytes"
	"crypto/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

func randomID(t *testing.T) arweave.TxID {
	t.Helper()
	var id arweave.TxID
	_, err := rand.Read(id[:])
	require.NoError(t, err)
	return id
}

func TestBundleHeader_Roundtrip(t *testing.T) {
	h := &BundleHeader{Entries: []BundleEntry{
		{Size: 100, ID: randomID(t)},
		{Size: 2048, ID: randomID(t)},
		{Size: 1, ID: randomID(t)},
	}}

	raw := h.Serialize()
	assert.Equal(t, HeaderSize(3), int64(len(raw)))

	parsed, err := ParseBundleHeader(bytes.NewReader(raw))
	require.NoError(t, err)
	assert.Equal(t, h.Entries, parsed.Entries)
	assert.Equal(t, int64(100+2048+1), parsed.PayloadSize())
	assert.Equal(t, []int64{0, 100, 2148}, parsed.Offsets())
}

func TestBundleHeader_Empty(t *testing.T) {
	h := &BundleHeader{}
	parsed, err := ParseBundleHeader(bytes.NewReader(h.Serialize()))
	require.NoError(t, err)
	assert.Empty(t, parsed.Entries)
	assert.Equal(t, int64(0), parsed.PayloadSize())
}

func TestParseBundleHeader_Truncated(t *testing.T) {
	h := &BundleHeader{Entries: []BundleEntry{{Size: 10, ID: randomID(t)}}}
	raw := h.Serialize()

	_, err := ParseBundleHeader(bytes.NewReader(raw[:len(raw)-5]))
	require.ErrorIs(t, err, ErrMalformedBundle)
}

func TestParseBundleHeader_ImplausibleCount(t *testing.T) {
	raw := make([]byte, 8)
	for i := range raw {
		raw[i] = 0xff
	}
	_, err := ParseBundleHeader(bytes.NewReader(raw))
	require.ErrorIs(t, err, ErrMalformedBundle)
}

func TestDeriveBundleID(t *testing.T) {
	a, b := randomID(t), randomID(t)

	id1 := DeriveBundleID([]arweave.TxID{a, b})
	id2 := DeriveBundleID([]arweave.TxID{a, b})
	assert.Equal(t, id1, id2, "same ordered ids must derive the same bundle id")

	swapped := DeriveBundleID([]arweave.TxID{b, a})
	assert.NotEqual(t, id1, swapped, "order must matter")

	assert.NotEqual(t, id1, DeriveBundleID([]arweave.TxID{a}))
}
