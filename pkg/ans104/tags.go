// Package ans104 implements the ANS-104 binary container format: the
// streaming data-item parser, the tag codec, the bundle header codec, and
// data-item assembly for service-signed raw uploads.
package ans104

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

// Tag limits from the ANS-104 standard. Items violating any of these are
// rejected at admission.
const (
	MaxTags         = 128
	MaxTagNameSize  = 1024
	MaxTagValueSize = 3072
	MaxTagBytes     = 4096
)

// ErrTagLimitExceeded is returned when an item's tags violate count or size
// limits.
var ErrTagLimitExceeded = errors.New("tag limits exceeded")

// ErrMalformedHeader is returned for structurally invalid item headers,
// including undecodable tag bytes.
var ErrMalformedHeader = errors.New("malformed data item header")

// Tag is a single name/value pair attached to a data item.
type Tag struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// Tags serialize as an Avro array of {name, value} string pairs: a zigzag
// varint block count, that many entries, and a zero terminator block.

// EncodeTags serializes tags to their ANS-104 wire form. Returns
// ErrTagLimitExceeded if any limit is violated.
func EncodeTags(tags []Tag) ([]byte, error) {
	if len(tags) == 0 {
		return nil, nil
	}
	if len(tags) > MaxTags {
		return nil, fmt.Errorf("%w: %d tags", ErrTagLimitExceeded, len(tags))
	}

	var buf bytes.Buffer
	writeZigZag(&buf, int64(len(tags)))
	for _, t := range tags {
		if len(t.Name) > MaxTagNameSize {
			return nil, fmt.Errorf("%w: tag name %d bytes", ErrTagLimitExceeded, len(t.Name))
		}
		if len(t.Value) > MaxTagValueSize {
			return nil, fmt.Errorf("%w: tag value %d bytes", ErrTagLimitExceeded, len(t.Value))
		}
		writeZigZag(&buf, int64(len(t.Name)))
		buf.WriteString(t.Name)
		writeZigZag(&buf, int64(len(t.Value)))
		buf.WriteString(t.Value)
	}
	writeZigZag(&buf, 0)

	if buf.Len() > MaxTagBytes {
		return nil, fmt.Errorf("%w: %d tag bytes", ErrTagLimitExceeded, buf.Len())
	}
	return buf.Bytes(), nil
}

// DecodeTags parses ANS-104 tag bytes, enforcing limits. expectedCount is
// the num_tags field from the item header; a mismatch is malformed.
func DecodeTags(raw []byte, expectedCount int64) ([]Tag, error) {
	if len(raw) > MaxTagBytes {
		return nil, fmt.Errorf("%w: %d tag bytes", ErrTagLimitExceeded, len(raw))
	}
	if expectedCount > MaxTags {
		return nil, fmt.Errorf("%w: %d tags declared", ErrTagLimitExceeded, expectedCount)
	}
	if len(raw) == 0 {
		if expectedCount != 0 {
			return nil, fmt.Errorf("%w: %d tags declared but no tag bytes", ErrMalformedHeader, expectedCount)
		}
		return nil, nil
	}

	r := bytes.NewReader(raw)
	var tags []Tag
	for {
		blockCount, err := readZigZag(r)
		if err != nil {
			return nil, fmt.Errorf("%w: bad tag block count", ErrMalformedHeader)
		}
		if blockCount == 0 {
			break
		}
		if blockCount < 0 {
			// Negative count blocks carry a byte-size long we don't need.
			blockCount = -blockCount
			if _, err := readZigZag(r); err != nil {
				return nil, fmt.Errorf("%w: bad tag block size", ErrMalformedHeader)
			}
		}
		if int64(len(tags))+blockCount > MaxTags {
			return nil, fmt.Errorf("%w: too many tags", ErrTagLimitExceeded)
		}
		for i := int64(0); i < blockCount; i++ {
			name, err := readString(r, MaxTagNameSize)
			if err != nil {
				return nil, err
			}
			value, err := readString(r, MaxTagValueSize)
			if err != nil {
				return nil, err
			}
			tags = append(tags, Tag{Name: name, Value: value})
		}
	}

	if int64(len(tags)) != expectedCount {
		return nil, fmt.Errorf("%w: %d tags declared, %d encoded", ErrMalformedHeader, expectedCount, len(tags))
	}
	return tags, nil
}

// TagValue returns the value of the first tag with the given name
// (case-insensitive ASCII), or "".
func TagValue(tags []Tag, name string) string {
	for _, t := range tags {
		if equalFold(t.Name, name) {
			return t.Value
		}
	}
	return ""
}

func equalFold(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func writeZigZag(buf *bytes.Buffer, v int64) {
	u := uint64((v << 1) ^ (v >> 63))
	for u >= 0x80 {
		buf.WriteByte(byte(u) | 0x80)
		u >>= 7
	}
	buf.WriteByte(byte(u))
}

func readZigZag(r *bytes.Reader) (int64, error) {
	var u uint64
	var shift uint
	for {
		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}
		u |= uint64(b&0x7f) << shift
		if b&0x80 == 0 {
			break
		}
		shift += 7
		if shift > 63 {
			return 0, errors.New("varint overflow")
		}
	}
	return int64(u>>1) ^ -int64(u&1), nil
}

func readString(r *bytes.Reader, max int) (string, error) {
	n, err := readZigZag(r)
	if err != nil || n < 0 {
		return "", fmt.Errorf("%w: bad tag string length", ErrMalformedHeader)
	}
	if int(n) > max {
		return "", fmt.Errorf("%w: tag string %d bytes", ErrTagLimitExceeded, n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(r, b); err != nil {
		return "", fmt.Errorf("%w: truncated tag string", ErrMalformedHeader)
	}
	return string(b), nil
}
