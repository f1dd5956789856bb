// Package optical posts admitted item headers to a downstream gateway so it
// can serve reads optimistically before Arweave confirmation. Delivery is
// best effort; failures never touch the item's own state machine.
package optical

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
)

// ItemHeader is the payload forwarded for one data item.
type ItemHeader struct {
	ID            string       `json:"id"`
	Owner         string       `json:"owner"`
	OwnerAddress  string       `json:"owner_address"`
	SignatureType int          `json:"signature_type"`
	Target        string       `json:"target,omitempty"`
	ContentType   string       `json:"content_type,omitempty"`
	DataSize      int64        `json:"data_size"`
	Tags          []ans104.Tag `json:"tags"`
}

// HeaderFromParse builds the optical payload from a parse result.
func HeaderFromParse(p *ans104.ParseResult) ItemHeader {
	h := ItemHeader{
		ID:            p.ID.String(),
		Owner:         base64.RawURLEncoding.EncodeToString(p.Owner),
		OwnerAddress:  p.OwnerAddress,
		SignatureType: int(p.SignatureType),
		ContentType:   p.ContentType,
		DataSize:      p.PayloadLength,
		Tags:          p.Tags,
	}
	if len(p.Target) > 0 {
		h.Target = base64.RawURLEncoding.EncodeToString(p.Target)
	}
	return h
}

// Poster forwards item headers downstream.
type Poster interface {
	// PostHeader forwards one item header. Enabled reports whether a
	// downstream is configured at all.
	PostHeader(ctx context.Context, h ItemHeader) error
	Enabled() bool
}

// Config holds optical gateway configuration.
type Config struct {
	// URL is the downstream bridge endpoint. Empty disables optical
	// posting entirely.
	URL            string        `mapstructure:"url"`
	AdminKey       string        `mapstructure:"admin_key"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BreakerFails   uint32        `mapstructure:"breaker_fails"`
	BreakerCooloff time.Duration `mapstructure:"breaker_cooloff"`
}

// ApplyDefaults fills in zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 10 * time.Second
	}
	if c.BreakerFails == 0 {
		c.BreakerFails = 5
	}
	if c.BreakerCooloff == 0 {
		c.BreakerCooloff = 30 * time.Second
	}
}

// HTTPPoster implements Poster against a real downstream gateway.
type HTTPPoster struct {
	base     string
	adminKey string
	client   *http.Client
	breaker  *gobreaker.CircuitBreaker
}

// New creates an optical poster. Returns a disabled poster when cfg.URL is
// empty.
func New(cfg Config) Poster {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return Disabled{}
	}
	return &HTTPPoster{
		base:     strings.TrimRight(cfg.URL, "/"),
		adminKey: cfg.AdminKey,
		client:   &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "optical-gateway",
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerFails
			},
			Timeout: cfg.BreakerCooloff,
			OnStateChange: func(name string, from, to gobreaker.State) {
				logger.Warn("circuit breaker state change",
					"breaker", name, "from", from.String(), "to", to.String())
			},
		}),
	}
}

func (p *HTTPPoster) Enabled() bool { return true }

func (p *HTTPPoster) PostHeader(ctx context.Context, h ItemHeader) error {
	body, err := json.Marshal(h)
	if err != nil {
		return fmt.Errorf("failed to marshal item header: %w", err)
	}
	_, err = p.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			p.base+"/ar-io/admin/queue-data-item", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+p.adminKey)
		resp, err := p.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("optical request failed: %w", err)
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<16))
		if resp.StatusCode >= 400 {
			return nil, fmt.Errorf("optical gateway returned %d", resp.StatusCode)
		}
		return nil, nil
	})
	return err
}

// Disabled is the poster used when no downstream is configured.
type Disabled struct{}

func (Disabled) Enabled() bool { return false }

func (Disabled) PostHeader(ctx context.Context, h ItemHeader) error { return nil }
