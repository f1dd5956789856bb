// Package credit is the client for the external credit service that meters
// uploads. Admission reserves the winc cost up front, then either finalizes
// the reservation on success or refunds it when the item is rejected.
package credit

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
)

// ErrInsufficientCredit indicates the owner's balance cannot cover the
// reservation.
var ErrInsufficientCredit = errors.New("insufficient credit")

// Reservation is the handle returned by a successful reserve; it carries the
// winc cost quoted for the upload.
type Reservation struct {
	ID   string `json:"id"`
	Winc string `json:"winc"`
}

// Service is the credit operation surface admission depends on.
type Service interface {
	// Reserve holds winc for a pending upload. Returns
	// ErrInsufficientCredit when the balance is short.
	Reserve(ctx context.Context, owner string, byteCount int64, dataItemID string, signatureType int, paidBy string) (Reservation, error)

	// Finalize consumes a reservation after the item is durably admitted,
	// adjusting for the actual stored size.
	Finalize(ctx context.Context, reservationID string, actualSize int64) error

	// Refund releases a reservation after a failed admission.
	Refund(ctx context.Context, reservationID string) error
}

// Config holds credit service client configuration.
type Config struct {
	// URL is the credit service base URL. Empty disables metering: every
	// reservation succeeds with zero cost.
	URL            string        `mapstructure:"url"`
	Secret         string        `mapstructure:"secret"`
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

// HTTPService implements Service against the credit service API.
type HTTPService struct {
	base    string
	secret  string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a credit client. Returns a no-op Free service when cfg.URL is
// empty.
func New(cfg Config) Service {
	cfg.ApplyDefaults()
	if cfg.URL == "" {
		return Free{}
	}
	return &HTTPService{
		base:   strings.TrimRight(cfg.URL, "/"),
		secret: cfg.Secret,
		client: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "credit-service",
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

type reserveRequest struct {
	Owner         string `json:"owner"`
	ByteCount     int64  `json:"byteCount"`
	DataItemID    string `json:"dataItemId"`
	SignatureType int    `json:"signatureType"`
	PaidBy        string `json:"paidBy,omitempty"`
}

func (s *HTTPService) Reserve(ctx context.Context, owner string, byteCount int64, dataItemID string, signatureType int, paidBy string) (Reservation, error) {
	var r Reservation
	body, err := json.Marshal(reserveRequest{
		Owner:         owner,
		ByteCount:     byteCount,
		DataItemID:    dataItemID,
		SignatureType: signatureType,
		PaidBy:        paidBy,
	})
	if err != nil {
		return r, err
	}
	data, status, err := s.post(ctx, "/v1/reserve", body)
	if err != nil {
		return r, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusPaymentRequired, http.StatusForbidden:
		return r, ErrInsufficientCredit
	default:
		return r, fmt.Errorf("credit service returned %d", status)
	}
	if err := json.Unmarshal(data, &r); err != nil {
		return r, fmt.Errorf("failed to parse reservation: %w", err)
	}
	return r, nil
}

func (s *HTTPService) Finalize(ctx context.Context, reservationID string, actualSize int64) error {
	body, err := json.Marshal(map[string]any{
		"reservationId": reservationID,
		"actualSize":    actualSize,
	})
	if err != nil {
		return err
	}
	_, status, err := s.post(ctx, "/v1/finalize", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("credit service finalize returned %d", status)
	}
	return nil
}

func (s *HTTPService) Refund(ctx context.Context, reservationID string) error {
	body, err := json.Marshal(map[string]any{"reservationId": reservationID})
	if err != nil {
		return err
	}
	_, status, err := s.post(ctx, "/v1/refund", body)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("credit service refund returned %d", status)
	}
	return nil
}

func (s *HTTPService) post(ctx context.Context, path string, body []byte) ([]byte, int, error) {
	type result struct {
		data   []byte
		status int
	}
	res, err := s.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost,
			s.base+path, bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.secret)
		resp, err := s.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("credit service request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return nil, fmt.Errorf("failed to read credit response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("credit service returned %d", resp.StatusCode)
		}
		return result{data: data, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := res.(result)
	return r.data, r.status, nil
}

// Free is the no-op metering backend for deployments without a credit
// service. Reservations always succeed with zero winc.
type Free struct{}

func (Free) Reserve(ctx context.Context, owner string, byteCount int64, dataItemID string, signatureType int, paidBy string) (Reservation, error) {
	return Reservation{ID: "free", Winc: "0"}, nil
}

func (Free) Finalize(ctx context.Context, reservationID string, actualSize int64) error {
	return nil
}

func (Free) Refund(ctx context.Context, reservationID string) error {
	return nil
}
