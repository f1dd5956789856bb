package arweave

import (
	"crypto/sha256"
	"encoding/binary"
)

// Chunking parameters of the Arweave data format. A payload is split into
// chunks of at most MaxChunkSize; when the tail would fall below
// MinChunkSize the last two chunks are rebalanced so no chunk is
// pathologically small.
const (
	MaxChunkSize = 256 * 1024
	MinChunkSize = 32 * 1024
)

// Chunk is one leaf of the data merkle tree.
type Chunk struct {
	// DataHash is SHA-256 of the chunk bytes.
	DataHash [32]byte

	// MinByteRange and MaxByteRange delimit the chunk within the payload,
	// [min, max).
	MinByteRange int64
	MaxByteRange int64

	// DataPath is the inclusion proof from the root down to this leaf.
	DataPath []byte
}

// ChunkedData is the merkle tree over a payload, ready for posting.
type ChunkedData struct {
	DataRoot [32]byte
	DataSize int64
	Chunks   []Chunk
}

type merkleNode struct {
	id        [32]byte
	dataHash  [32]byte
	minRange  int64
	maxRange  int64
	leaf      bool
	left      *merkleNode
	right     *merkleNode
}

func noteBytes(v int64) []byte {
	note := make([]byte, 32)
	binary.BigEndian.PutUint64(note[24:], uint64(v))
	return note
}

func hashSlices(parts ...[]byte) [32]byte {
	h := sha256.New()
	for _, p := range parts {
		sum := sha256.Sum256(p)
		h.Write(sum[:])
	}
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// splitChunks cuts the payload into chunk byte ranges.
func splitChunks(size int64) [][2]int64 {
	var ranges [][2]int64
	var cursor int64
	for size-cursor >= MaxChunkSize {
		chunkSize := int64(MaxChunkSize)
		rest := size - cursor - chunkSize
		// rebalance so the final chunk is never tiny
		if rest > 0 && rest < MinChunkSize {
			chunkSize = (size - cursor + 1) / 2
		}
		ranges = append(ranges, [2]int64{cursor, cursor + chunkSize})
		cursor += chunkSize
	}
	if cursor < size || size == 0 {
		ranges = append(ranges, [2]int64{cursor, size})
	}
	return ranges
}

// ChunkData builds the full merkle tree over data and returns the root,
// size and per-chunk inclusion proofs.
func ChunkData(data []byte) ChunkedData {
	size := int64(len(data))
	ranges := splitChunks(size)

	leaves := make([]*merkleNode, 0, len(ranges))
	for _, r := range ranges {
		dataHash := sha256.Sum256(data[r[0]:r[1]])
		leaves = append(leaves, &merkleNode{
			id:       hashSlices(dataHash[:], noteBytes(r[1])),
			dataHash: dataHash,
			minRange: r[0],
			maxRange: r[1],
			leaf:     true,
		})
	}

	root := buildLayers(leaves)

	cd := ChunkedData{DataRoot: root.id, DataSize: size}
	for _, leaf := range leaves {
		cd.Chunks = append(cd.Chunks, Chunk{
			DataHash:     leaf.dataHash,
			MinByteRange: leaf.minRange,
			MaxByteRange: leaf.maxRange,
			DataPath:     proofFor(root, leaf.maxRange),
		})
	}
	return cd
}

func buildLayers(nodes []*merkleNode) *merkleNode {
	for len(nodes) > 1 {
		next := make([]*merkleNode, 0, (len(nodes)+1)/2)
		for i := 0; i < len(nodes); i += 2 {
			if i+1 == len(nodes) {
				next = append(next, nodes[i])
				continue
			}
			left, right := nodes[i], nodes[i+1]
			next = append(next, &merkleNode{
				id: hashSlices(left.id[:], right.id[:],
					noteBytes(left.maxRange)),
				minRange: left.minRange,
				maxRange: right.maxRange,
				left:     left,
				right:    right,
			})
		}
		nodes = next
	}
	return nodes[0]
}

// proofFor walks from the root towards the leaf covering offset, emitting
// the standard Arweave data path: branch entries of
// (left id, right id, note) and a final leaf entry of (data hash, note).
func proofFor(node *merkleNode, maxRange int64) []byte {
	if node.leaf {
		out := make([]byte, 0, 64)
		out = append(out, node.dataHash[:]...)
		out = append(out, noteBytes(node.maxRange)...)
		return out
	}
	out := make([]byte, 0, 96)
	out = append(out, node.left.id[:]...)
	out = append(out, node.right.id[:]...)
	out = append(out, noteBytes(node.left.maxRange)...)
	if maxRange <= node.left.maxRange {
		return append(out, proofFor(node.left, maxRange)...)
	}
	return append(out, proofFor(node.right, maxRange)...)
}
