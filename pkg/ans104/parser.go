package ans104

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// Parser failure kinds. Each maps to a distinct admission error; all are
// fatal for the item being parsed.
var (
	ErrSizeExceeded = errors.New("data item exceeds maximum size")
	ErrSizeMismatch = errors.New("stream length disagrees with declared size")
)

// parseState tracks which field the parser is currently consuming.
type parseState int

const (
	stateSignatureType parseState = iota
	stateSignature
	stateOwner
	stateTargetFlag
	stateTarget
	stateAnchorFlag
	stateAnchor
	stateTagCounts
	stateTagBytes
	statePayload
	stateDone
	stateFailed
)

// ParseResult is the metadata extracted from a successfully parsed item.
type ParseResult struct {
	ID            arweave.TxID
	SignatureType arweave.SignatureType
	Owner         []byte
	OwnerAddress  string
	Target        []byte // empty or 32 bytes
	Anchor        []byte // empty or 32 bytes
	Tags          []Tag
	TagCount      int
	ContentType   string
	// PayloadDataStart is the byte offset of the payload within the
	// serialized item (the header length).
	PayloadDataStart int64
	PayloadLength    int64
	DeepHash         [48]byte
}

// Parser is a push-fed streaming parser for a single signed data item. It
// performs no I/O: callers write stream bytes into it (typically via an
// io.MultiWriter tee alongside the object-store writer) and call Finish at
// end of stream.
//
// The item id is available as soon as the signature field completes; set
// OnID to observe it before the body finishes. Signature verification
// happens in Finish, once the deep hash over (owner, target, anchor, tags,
// payload) is final.
type Parser struct {
	declaredSize int64
	maxSize      int64

	state    parseState
	consumed int64
	err      error

	// OnID, if set, fires once when the signature field is complete.
	OnID func(id arweave.TxID)

	// OnHeader, if set, fires once when the header (everything before the
	// payload) is complete. A returned error aborts the parse; admission
	// uses this to reject mid-stream, before the body finishes.
	OnHeader func(r *ParseResult) error

	buf    []byte // accumulator for the current fixed-size field
	need   int    // bytes still needed to complete the current field
	scheme arweave.SignatureScheme

	signature []byte
	rawTags   []byte
	result    ParseResult

	numTags     int64
	numTagBytes int64

	payload *arweave.StreamHasher
}

// NewParser creates a parser for one item. declaredSize is the caller's
// Content-Length; maxSize is the admission limit (0 disables the check).
func NewParser(declaredSize, maxSize int64) *Parser {
	p := &Parser{
		declaredSize: declaredSize,
		maxSize:      maxSize,
		state:        stateSignatureType,
		payload:      arweave.NewStreamHasher(),
	}
	p.setNeed(2)
	return p
}

func (p *Parser) setNeed(n int) {
	p.need = n
	p.buf = p.buf[:0]
}

func (p *Parser) fail(err error) error {
	p.state = stateFailed
	p.err = err
	return err
}

// Write consumes stream bytes. It implements io.Writer so the ingress
// handler can tee the request body into both the parser and the durable
// store writer. A returned error is terminal for the item.
func (p *Parser) Write(b []byte) (int, error) {
	if p.state == stateFailed {
		return 0, p.err
	}
	total := len(b)

	p.consumed += int64(total)
	if p.maxSize > 0 && p.consumed > p.maxSize {
		return 0, p.fail(fmt.Errorf("%w: %d > %d", ErrSizeExceeded, p.consumed, p.maxSize))
	}
	if p.consumed > p.declaredSize {
		return 0, p.fail(fmt.Errorf("%w: stream longer than declared %d", ErrSizeMismatch, p.declaredSize))
	}

	for len(b) > 0 {
		if p.state == statePayload {
			p.payload.Write(b)
			break
		}

		take := p.need - len(p.buf)
		if take > len(b) {
			take = len(b)
		}
		p.buf = append(p.buf, b[:take]...)
		b = b[take:]

		if len(p.buf) < p.need {
			break
		}
		if err := p.advance(); err != nil {
			return 0, err
		}
	}
	return total, nil
}

// advance processes one completed fixed-size field and moves to the next
// state.
func (p *Parser) advance() error {
	field := p.buf
	switch p.state {
	case stateSignatureType:
		t := arweave.SignatureType(binary.LittleEndian.Uint16(field))
		scheme, err := arweave.SchemeFor(t)
		if err != nil {
			return p.fail(err)
		}
		p.scheme = scheme
		p.result.SignatureType = t
		p.state = stateSignature
		p.setNeed(scheme.SignatureLength)

	case stateSignature:
		p.signature = append([]byte(nil), field...)
		p.result.ID = arweave.DataItemID(p.signature)
		if p.OnID != nil {
			p.OnID(p.result.ID)
		}
		p.state = stateOwner
		p.setNeed(p.scheme.OwnerLength)

	case stateOwner:
		p.result.Owner = append([]byte(nil), field...)
		addr, err := arweave.NativeAddress(p.result.SignatureType, p.result.Owner)
		if err != nil {
			return p.fail(fmt.Errorf("%w: %v", ErrMalformedHeader, err))
		}
		p.result.OwnerAddress = addr
		p.state = stateTargetFlag
		p.setNeed(1)

	case stateTargetFlag:
		switch field[0] {
		case 0:
			p.state = stateAnchorFlag
			p.setNeed(1)
		case 1:
			p.state = stateTarget
			p.setNeed(32)
		default:
			return p.fail(fmt.Errorf("%w: bad target flag %d", ErrMalformedHeader, field[0]))
		}

	case stateTarget:
		p.result.Target = append([]byte(nil), field...)
		p.state = stateAnchorFlag
		p.setNeed(1)

	case stateAnchorFlag:
		switch field[0] {
		case 0:
			p.state = stateTagCounts
			p.setNeed(16)
		case 1:
			p.state = stateAnchor
			p.setNeed(32)
		default:
			return p.fail(fmt.Errorf("%w: bad anchor flag %d", ErrMalformedHeader, field[0]))
		}

	case stateAnchor:
		p.result.Anchor = append([]byte(nil), field...)
		p.state = stateTagCounts
		p.setNeed(16)

	case stateTagCounts:
		p.numTags = int64(binary.LittleEndian.Uint64(field[0:8]))
		p.numTagBytes = int64(binary.LittleEndian.Uint64(field[8:16]))
		if p.numTags < 0 || p.numTags > MaxTags {
			return p.fail(fmt.Errorf("%w: %d tags declared", ErrTagLimitExceeded, p.numTags))
		}
		if p.numTagBytes < 0 || p.numTagBytes > MaxTagBytes {
			return p.fail(fmt.Errorf("%w: %d tag bytes declared", ErrTagLimitExceeded, p.numTagBytes))
		}
		if p.numTagBytes == 0 {
			return p.enterPayload(nil)
		}
		p.state = stateTagBytes
		p.setNeed(int(p.numTagBytes))

	case stateTagBytes:
		raw := append([]byte(nil), field...)
		return p.enterPayload(raw)

	default:
		return p.fail(fmt.Errorf("%w: unexpected parser state", ErrMalformedHeader))
	}
	return nil
}

// enterPayload finalizes the header fields and switches to payload
// streaming.
func (p *Parser) enterPayload(rawTags []byte) error {
	tags, err := DecodeTags(rawTags, p.numTags)
	if err != nil {
		return p.fail(err)
	}
	p.result.Tags = tags
	p.result.TagCount = len(tags)
	p.result.ContentType = TagValue(tags, "Content-Type")
	p.rawTags = rawTags
	p.result.PayloadDataStart = 2 + int64(p.scheme.SignatureLength) +
		int64(p.scheme.OwnerLength) +
		1 + int64(len(p.result.Target)) +
		1 + int64(len(p.result.Anchor)) +
		16 + int64(len(rawTags))
	if p.OnHeader != nil {
		if err := p.OnHeader(&p.result); err != nil {
			return p.fail(err)
		}
	}
	p.state = statePayload
	return nil
}

// Finish signals end of stream. It validates the total length against the
// declaration and verifies the signature over the deep hash. Returns the
// parse result on success.
func (p *Parser) Finish() (*ParseResult, error) {
	if p.state == stateFailed {
		return nil, p.err
	}
	if p.state != statePayload {
		return nil, p.fail(fmt.Errorf("%w: stream ended inside header", ErrSizeMismatch))
	}
	if p.consumed != p.declaredSize {
		return nil, p.fail(fmt.Errorf("%w: got %d bytes, declared %d", ErrSizeMismatch, p.consumed, p.declaredSize))
	}

	p.result.PayloadLength = p.payload.BytesWritten()

	message := arweave.DeepHashWithStreamed([]arweave.DeepHashChunk{
		arweave.Blob([]byte("dataitem")),
		arweave.Blob([]byte("1")),
		arweave.Blob([]byte(fmt.Sprintf("%d", p.result.SignatureType))),
		arweave.Blob(p.result.Owner),
		arweave.Blob(p.result.Target),
		arweave.Blob(p.result.Anchor),
		arweave.Blob(p.rawTags),
	}, p.payload)
	p.result.DeepHash = message

	if err := arweave.VerifySignature(p.result.SignatureType, p.result.Owner, p.signature, message); err != nil {
		return nil, p.fail(err)
	}

	p.state = stateDone
	return &p.result, nil
}

// Signature returns the raw signature bytes once the signature field has
// been consumed.
func (p *Parser) Signature() []byte {
	return p.signature
}

// BytesConsumed returns the total bytes written so far.
func (p *Parser) BytesConsumed() int64 {
	return p.consumed
}
