package ingress

import (
	"crypto/ed25519"
	"encoding/base64"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
)

// RawSigner wraps unsigned uploads into data items signed with the service's
// Ed25519 raw-mode key and attribution tags.
type RawSigner struct {
	priv      ed25519.PrivateKey
	extraTags []ans104.Tag
}

// NewRawSigner loads the raw-mode signing key from configuration.
func NewRawSigner(cfg config.RawUploadConfig) (*RawSigner, error) {
	raw, err := os.ReadFile(cfg.SeedPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read raw upload seed: %w", err)
	}
	seed, err := base64.RawURLEncoding.DecodeString(strings.TrimSpace(string(raw)))
	if err != nil {
		return nil, fmt.Errorf("invalid raw upload seed encoding: %w", err)
	}
	if len(seed) != ed25519.SeedSize {
		return nil, fmt.Errorf("raw upload seed must be %d bytes, got %d", ed25519.SeedSize, len(seed))
	}

	extra := make([]ans104.Tag, 0, len(cfg.ExtraTags))
	for _, t := range cfg.ExtraTags {
		extra = append(extra, ans104.Tag{Name: t.Name, Value: t.Value})
	}
	return &RawSigner{priv: ed25519.NewKeyFromSeed(seed), extraTags: extra}, nil
}

// NewRawSignerFromKey wraps an existing key. Test helper.
func NewRawSignerFromKey(priv ed25519.PrivateKey, extraTags []ans104.Tag) *RawSigner {
	return &RawSigner{priv: priv, extraTags: extraTags}
}

// WrapData builds and signs a data item around raw caller bytes. userTags
// come from X-Tag-* request headers; the attribution tags mark the item as
// service-signed and record who paid for it and when, since the item
// signature itself no longer identifies the uploader.
func (s *RawSigner) WrapData(data []byte, contentType, payer string, userTags []ans104.Tag) (*ans104.DataItem, error) {
	tags := []ans104.Tag{
		{Name: "App-Name", Value: "ar-io-bundler"},
		{Name: "Upload-Type", Value: "raw"},
		{Name: "Upload-Timestamp", Value: strconv.FormatInt(time.Now().Unix(), 10)},
	}
	if payer != "" {
		tags = append(tags, ans104.Tag{Name: "Payer-Address", Value: payer})
	}
	if contentType != "" {
		tags = append(tags, ans104.Tag{Name: "Content-Type", Value: contentType})
	}
	tags = append(tags, s.extraTags...)
	tags = append(tags, userTags...)

	item := &ans104.DataItem{Tags: tags, Data: data}
	if err := item.SignEd25519(s.priv); err != nil {
		return nil, fmt.Errorf("failed to sign raw upload: %w", err)
	}
	return item, nil
}
