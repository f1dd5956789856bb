package arweave

import (
	"crypto/sha512"
	"hash"
	"strconv"
)

// Deep hash is Arweave's canonical hash over nested byte structures. A blob
// hashes as SHA-384(SHA-384("blob"+len) || SHA-384(data)); a list folds its
// elements into an accumulator seeded with SHA-384("list"+len). Data-item
// signatures cover a deep hash, so the exact construction matters.

// DeepHashChunk is one element of a deep-hash list: either a blob or a
// nested list.
type DeepHashChunk struct {
	Blob []byte
	List []DeepHashChunk
}

// Blob wraps raw bytes as a deep-hash element.
func Blob(b []byte) DeepHashChunk {
	return DeepHashChunk{Blob: b}
}

// List wraps elements as a nested deep-hash list.
func List(elems ...DeepHashChunk) DeepHashChunk {
	return DeepHashChunk{List: elems}
}

// DeepHash computes the 48-byte deep hash of the given element.
func DeepHash(chunk DeepHashChunk) [48]byte {
	if chunk.List == nil {
		return hashBlob(chunk.Blob)
	}
	tag := []byte("list" + strconv.Itoa(len(chunk.List)))
	acc := sha384(tag)
	for _, elem := range chunk.List {
		h := DeepHash(elem)
		acc = sha384(append(acc[:], h[:]...))
	}
	return acc
}

func hashBlob(data []byte) [48]byte {
	tag := []byte("blob" + strconv.Itoa(len(data)))
	tagHash := sha384(tag)
	dataHash := sha384(data)
	return sha384(append(tagHash[:], dataHash[:]...))
}

func sha384(b []byte) [48]byte {
	return sha512.Sum384(b)
}

// StreamHasher incrementally computes the deep hash of a single blob whose
// bytes arrive in pieces, without buffering the blob. The caller writes all
// bytes, then calls Sum with the total length.
//
// This is what lets the parser deep-hash a multi-gigabyte payload while it
// streams through to the object store.
type StreamHasher struct {
	inner hash.Hash
	n     int64
}

// NewStreamHasher returns a hasher for one streamed blob.
func NewStreamHasher() *StreamHasher {
	return &StreamHasher{inner: sha512.New384()}
}

// Write adds payload bytes. It never returns an error.
func (s *StreamHasher) Write(p []byte) (int, error) {
	s.n += int64(len(p))
	return s.inner.Write(p)
}

// BytesWritten returns the number of payload bytes hashed so far.
func (s *StreamHasher) BytesWritten() int64 {
	return s.n
}

// Sum finalizes the blob deep hash.
func (s *StreamHasher) Sum() [48]byte {
	tag := []byte("blob" + strconv.FormatInt(s.n, 10))
	tagHash := sha384(tag)
	var dataHash [48]byte
	s.inner.Sum(dataHash[:0])
	return sha384(append(tagHash[:], dataHash[:]...))
}

// DeepHashWithStreamed computes a list deep hash where the final element is a
// blob that was hashed incrementally by a StreamHasher. The preceding
// elements are hashed eagerly.
func DeepHashWithStreamed(elems []DeepHashChunk, streamed *StreamHasher) [48]byte {
	tag := []byte("list" + strconv.Itoa(len(elems)+1))
	acc := sha384(tag)
	for _, elem := range elems {
		h := DeepHash(elem)
		acc = sha384(append(acc[:], h[:]...))
	}
	h := streamed.Sum()
	return sha384(append(acc[:], h[:]...))
}
