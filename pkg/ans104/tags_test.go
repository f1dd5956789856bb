package ans104

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTags_Roundtrip(t *testing.T) {
	tags := []Tag{
		{Name: "Content-Type", Value: "application/json"},
		{Name: "App-Name", Value: "bundler"},
		{Name: "empty", Value: ""},
	}
	raw, err := EncodeTags(tags)
	require.NoError(t, err)

	decoded, err := DecodeTags(raw, int64(len(tags)))
	require.NoError(t, err)
	assert.Equal(t, tags, decoded)
}

func TestTags_EmptyEncodesToNil(t *testing.T) {
	raw, err := EncodeTags(nil)
	require.NoError(t, err)
	assert.Nil(t, raw)

	decoded, err := DecodeTags(nil, 0)
	require.NoError(t, err)
	assert.Nil(t, decoded)
}

func TestTags_CountMismatch(t *testing.T) {
	raw, err := EncodeTags([]Tag{{Name: "a", Value: "b"}})
	require.NoError(t, err)

	_, err = DecodeTags(raw, 2)
	require.ErrorIs(t, err, ErrMalformedHeader)

	_, err = DecodeTags(nil, 1)
	require.ErrorIs(t, err, ErrMalformedHeader)
}

func TestTags_TooMany(t *testing.T) {
	tags := make([]Tag, MaxTags+1)
	for i := range tags {
		tags[i] = Tag{Name: "n", Value: "v"}
	}
	_, err := EncodeTags(tags)
	require.ErrorIs(t, err, ErrTagLimitExceeded)
}

func TestTags_NameTooLong(t *testing.T) {
	_, err := EncodeTags([]Tag{{Name: strings.Repeat("x", MaxTagNameSize+1), Value: "v"}})
	require.ErrorIs(t, err, ErrTagLimitExceeded)
}

func TestTags_ValueTooLong(t *testing.T) {
	_, err := EncodeTags([]Tag{{Name: "n", Value: strings.Repeat("x", MaxTagValueSize+1)}})
	require.ErrorIs(t, err, ErrTagLimitExceeded)
}

func TestTags_TotalBytesTooLarge(t *testing.T) {
	// two maximal values exceed the 4096-byte cap without breaking
	// per-field limits
	tags := []Tag{
		{Name: "a", Value: strings.Repeat("x", MaxTagValueSize)},
		{Name: "b", Value: strings.Repeat("y", MaxTagValueSize)},
	}
	_, err := EncodeTags(tags)
	require.ErrorIs(t, err, ErrTagLimitExceeded)
}

func TestTags_GarbageBytes(t *testing.T) {
	_, err := DecodeTags([]byte{0x81}, 1)
	require.Error(t, err)
}

func TestTagValue(t *testing.T) {
	tags := []Tag{
		{Name: "Content-Type", Value: "text/html"},
		{Name: "content-type", Value: "second"},
	}
	assert.Equal(t, "text/html", TagValue(tags, "content-type"))
	assert.Equal(t, "text/html", TagValue(tags, "CONTENT-TYPE"))
	assert.Equal(t, "", TagValue(tags, "missing"))
}
