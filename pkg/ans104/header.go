package ans104

import (
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// Bundle header layout: a little-endian uint64 item count followed by one
// 40-byte entry per item (uint64 size, 32-byte id). The payload is the
// concatenation of the items in entry order.

// HeaderEntrySize is the per-item overhead a bundle header adds.
const HeaderEntrySize = 8 + 32

// HeaderSize returns the serialized header size for n items.
func HeaderSize(n int) int64 {
	return 8 + int64(n)*HeaderEntrySize
}

// ErrMalformedBundle is returned for undecodable bundle headers.
var ErrMalformedBundle = errors.New("malformed bundle header")

// BundleEntry is one (size, id) pair in a bundle header.
type BundleEntry struct {
	Size int64
	ID   arweave.TxID
}

// BundleHeader is the decoded index of a bundle payload.
type BundleHeader struct {
	Entries []BundleEntry
}

// PayloadSize returns the total size of the bundle payload (sum of entry
// sizes).
func (h *BundleHeader) PayloadSize() int64 {
	var total int64
	for _, e := range h.Entries {
		total += e.Size
	}
	return total
}

// Offsets returns the byte offset of each item within the payload, in entry
// order.
func (h *BundleHeader) Offsets() []int64 {
	offsets := make([]int64, len(h.Entries))
	var pos int64
	for i, e := range h.Entries {
		offsets[i] = pos
		pos += e.Size
	}
	return offsets
}

// Serialize encodes the header.
func (h *BundleHeader) Serialize() []byte {
	out := make([]byte, HeaderSize(len(h.Entries)))
	binary.LittleEndian.PutUint64(out[0:8], uint64(len(h.Entries)))
	pos := 8
	for _, e := range h.Entries {
		binary.LittleEndian.PutUint64(out[pos:pos+8], uint64(e.Size))
		copy(out[pos+8:pos+40], e.ID[:])
		pos += HeaderEntrySize
	}
	return out
}

// ParseBundleHeader decodes a bundle header from a reader.
func ParseBundleHeader(r io.Reader) (*BundleHeader, error) {
	var countBuf [8]byte
	if _, err := io.ReadFull(r, countBuf[:]); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedBundle, err)
	}
	count := binary.LittleEndian.Uint64(countBuf[:])
	if count > 1<<20 {
		return nil, fmt.Errorf("%w: implausible item count %d", ErrMalformedBundle, count)
	}

	h := &BundleHeader{Entries: make([]BundleEntry, 0, count)}
	var entry [HeaderEntrySize]byte
	for i := uint64(0); i < count; i++ {
		if _, err := io.ReadFull(r, entry[:]); err != nil {
			return nil, fmt.Errorf("%w: truncated at entry %d: %v", ErrMalformedBundle, i, err)
		}
		size := int64(binary.LittleEndian.Uint64(entry[0:8]))
		if size < 0 {
			return nil, fmt.Errorf("%w: negative size at entry %d", ErrMalformedBundle, i)
		}
		var id arweave.TxID
		copy(id[:], entry[8:40])
		h.Entries = append(h.Entries, BundleEntry{Size: size, ID: id})
	}
	return h, nil
}

// DeriveBundleID computes a deterministic bundle id from the ordered item
// ids, so the same planned item set always yields the same bundle id and
// Prepare is idempotent.
func DeriveBundleID(ids []arweave.TxID) arweave.TxID {
	h := sha256.New()
	h.Write([]byte("ar-io-bundle-v1"))
	for _, id := range ids {
		h.Write(id[:])
	}
	var out arweave.TxID
	h.Sum(out[:0])
	return out
}
