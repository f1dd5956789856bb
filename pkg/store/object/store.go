// Package object defines the content-addressed object store the bundler
// persists raw data items and assembled bundles into. Variants are selected
// at construction: s3 for production, fs for development and tests.
package object

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"
)

// ErrNotFound indicates the requested key does not exist.
var ErrNotFound = errors.New("object not found")

// ObjectInfo is the metadata returned by Head.
type ObjectInfo struct {
	Size         int64
	ContentType  string
	LastModified time.Time
}

// ByteRange selects a half-open byte range [Start, Start+Length) of an
// object. A nil *ByteRange reads the whole object.
type ByteRange struct {
	Start  int64
	Length int64
}

// Store is the object-store contract. Put must not return until the bytes
// are durable per the backing store's durability model; everything
// downstream (receipts included) leans on that.
type Store interface {
	// Put streams an object to the store. contentLength must match the
	// stream exactly.
	Put(ctx context.Context, key string, contentLength int64, contentType string, body io.Reader) error

	// Get opens an object, optionally a byte range of it. The caller must
	// close the returned reader.
	Get(ctx context.Context, key string, rng *ByteRange) (io.ReadCloser, error)

	// Head returns object metadata, or ErrNotFound.
	Head(ctx context.Context, key string) (ObjectInfo, error)

	// Move renames src to dst. The destination is complete before the
	// source disappears.
	Move(ctx context.Context, src, dst string) error

	// Delete removes an object. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns every stored key under a prefix. Off the hot path;
	// only the cleanup job walks the keyspace.
	List(ctx context.Context, prefix string) ([]string, error)

	// Multipart upload session, used by the bundle preparer for large
	// payloads and by multipart chunk ingestion.
	CreateMultipart(ctx context.Context, key string) (string, error)
	UploadPart(ctx context.Context, key, uploadID string, partNumber int32, body io.Reader, size int64) (string, error)
	CompleteMultipart(ctx context.Context, key, uploadID string, etags []string) error
	AbortMultipart(ctx context.Context, key, uploadID string) error

	// Healthy reports whether the store can currently accept durable
	// writes. Admission refuses receipts when no durable store is healthy.
	Healthy(ctx context.Context) error
}

// Fixed key prefixes. Every object the bundler owns lives under one of
// these.
const (
	rawPrefix        = "raw/"
	quarantinePrefix = "quarantine/raw/"
	bundlePrefix     = "bundle/"
	multipartPrefix  = "mp/"
)

// BundleStagingPrefix is the keyspace holding staged bundle headers and
// payloads. The cleanup job lists it to find orphans.
const BundleStagingPrefix = bundlePrefix

// RawKey is the durable home of an admitted data item's bytes.
func RawKey(id string) string {
	return rawPrefix + id
}

// QuarantineKey holds failed admissions for forensics.
func QuarantineKey(id string) string {
	return quarantinePrefix + id
}

// BundleHeaderKey holds a prepared bundle's header index. Header and
// payload are siblings under bundle/<id>/ so neither key is a prefix of
// the other.
func BundleHeaderKey(bundleID string) string {
	return bundlePrefix + bundleID + "/header"
}

// BundlePayloadKey holds a prepared bundle's concatenated payload.
func BundlePayloadKey(bundleID string) string {
	return bundlePrefix + bundleID + "/payload"
}

// MultipartChunkKey holds one uploaded chunk of a multipart upload.
func MultipartChunkKey(uploadID string, index int) string {
	return fmt.Sprintf("%s%s/%d", multipartPrefix, uploadID, index)
}
