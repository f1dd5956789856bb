// Package gateway is the Arweave HTTP gateway client used by the posting,
// seeding and verification workers. All calls route through a shared circuit
// breaker so a flapping gateway sheds load instead of stalling every worker.
package gateway

import (
	"context"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/sony/gobreaker"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
)

// ErrTxNotFound indicates the gateway does not know the transaction.
var ErrTxNotFound = errors.New("transaction not found")

// TxStatus is the chain view of a posted transaction.
type TxStatus struct {
	BlockHeight   int64 `json:"block_height"`
	Confirmations int64 `json:"number_of_confirmations"`
}

// Client is the gateway operation surface the workers depend on.
type Client interface {
	// CurrentHeight returns the current Arweave block height.
	CurrentHeight(ctx context.Context) (int64, error)

	// TxAnchor returns a recent block anchor for last_tx.
	TxAnchor(ctx context.Context) (string, error)

	// Price returns the reward in winston for storing the given byte count.
	Price(ctx context.Context, byteCount int64) (string, error)

	// SubmitTx posts a signed transaction header.
	SubmitTx(ctx context.Context, tx *arweave.Transaction) error

	// UploadChunk seeds one payload chunk.
	UploadChunk(ctx context.Context, dataRoot []byte, dataSize int64, chunk arweave.Chunk, data []byte) error

	// Status returns confirmation state, or ErrTxNotFound.
	Status(ctx context.Context, id arweave.TxID) (TxStatus, error)

	// BundleHeader fetches the confirmed bundle header of a transaction.
	BundleHeader(ctx context.Context, id arweave.TxID) (*ans104.BundleHeader, error)
}

// Config holds gateway client configuration.
type Config struct {
	URL            string        `mapstructure:"url" validate:"required,url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	BreakerFails   uint32        `mapstructure:"breaker_fails"`
	BreakerCooloff time.Duration `mapstructure:"breaker_cooloff"`
}

// ApplyDefaults fills in zero-valued settings.
func (c *Config) ApplyDefaults() {
	if c.URL == "" {
		c.URL = "https://arweave.net"
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Second
	}
	if c.BreakerFails == 0 {
		c.BreakerFails = 5
	}
	if c.BreakerCooloff == 0 {
		c.BreakerCooloff = 30 * time.Second
	}
}

// HTTPClient implements Client against a real gateway.
type HTTPClient struct {
	base    string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
}

// New creates a gateway client.
func New(cfg Config) *HTTPClient {
	cfg.ApplyDefaults()
	return &HTTPClient{
		base:   strings.TrimRight(cfg.URL, "/"),
		client: &http.Client{Timeout: cfg.RequestTimeout},
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name: "arweave-gateway",
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

// do runs one HTTP exchange through the breaker. Not-found responses do not
// count as breaker failures, an unknown tx is a normal answer.
func (c *HTTPClient) do(ctx context.Context, method, path string, body io.Reader, contentType string) ([]byte, int, error) {
	type result struct {
		data   []byte
		status int
	}
	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, method, c.base+path, body)
		if err != nil {
			return nil, err
		}
		if contentType != "" {
			req.Header.Set("Content-Type", contentType)
		}
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<22))
		if err != nil {
			return nil, fmt.Errorf("failed to read gateway response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway returned %d: %s",
				resp.StatusCode, strings.TrimSpace(string(data)))
		}
		return result{data: data, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := res.(result)
	return r.data, r.status, nil
}

func (c *HTTPClient) CurrentHeight(ctx context.Context) (int64, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/info", nil, "")
	if err != nil {
		return 0, err
	}
	if status != http.StatusOK {
		return 0, fmt.Errorf("gateway info returned %d", status)
	}
	var info struct {
		Height int64 `json:"height"`
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return 0, fmt.Errorf("failed to parse gateway info: %w", err)
	}
	return info.Height, nil
}

func (c *HTTPClient) TxAnchor(ctx context.Context) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet, "/tx_anchor", nil, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("gateway tx_anchor returned %d", status)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *HTTPClient) Price(ctx context.Context, byteCount int64) (string, error) {
	data, status, err := c.do(ctx, http.MethodGet,
		"/price/"+strconv.FormatInt(byteCount, 10), nil, "")
	if err != nil {
		return "", err
	}
	if status != http.StatusOK {
		return "", fmt.Errorf("gateway price returned %d", status)
	}
	return strings.TrimSpace(string(data)), nil
}

func (c *HTTPClient) SubmitTx(ctx context.Context, tx *arweave.Transaction) error {
	body, err := json.Marshal(tx)
	if err != nil {
		return fmt.Errorf("failed to marshal transaction: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, "/tx",
		strings.NewReader(string(body)), "application/json")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("gateway tx submit returned %d", status)
	}
	return nil
}

// chunkUpload is the POST /chunk wire form.
type chunkUpload struct {
	DataRoot string `json:"data_root"`
	DataSize string `json:"data_size"`
	DataPath string `json:"data_path"`
	Offset   string `json:"offset"`
	Chunk    string `json:"chunk"`
}

func (c *HTTPClient) UploadChunk(ctx context.Context, dataRoot []byte, dataSize int64, chunk arweave.Chunk, data []byte) error {
	body, err := json.Marshal(chunkUpload{
		DataRoot: base64.RawURLEncoding.EncodeToString(dataRoot),
		DataSize: strconv.FormatInt(dataSize, 10),
		DataPath: base64.RawURLEncoding.EncodeToString(chunk.DataPath),
		Offset:   strconv.FormatInt(chunk.MinByteRange, 10),
		Chunk:    base64.RawURLEncoding.EncodeToString(data),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal chunk: %w", err)
	}
	_, status, err := c.do(ctx, http.MethodPost, "/chunk",
		strings.NewReader(string(body)), "application/json")
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("gateway chunk upload returned %d", status)
	}
	return nil
}

func (c *HTTPClient) Status(ctx context.Context, id arweave.TxID) (TxStatus, error) {
	var st TxStatus
	data, status, err := c.do(ctx, http.MethodGet,
		"/tx/"+id.String()+"/status", nil, "")
	if err != nil {
		return st, err
	}
	switch status {
	case http.StatusOK:
	case http.StatusNotFound:
		return st, ErrTxNotFound
	case http.StatusAccepted:
		// pending in the mempool, no confirmations yet
		return st, nil
	default:
		return st, fmt.Errorf("gateway status returned %d", status)
	}
	if err := json.Unmarshal(data, &st); err != nil {
		// gateways answer "Pending" in plain text for mempool txs
		if strings.EqualFold(strings.TrimSpace(string(data)), "pending") {
			return TxStatus{}, nil
		}
		return st, fmt.Errorf("failed to parse tx status: %w", err)
	}
	return st, nil
}

// BundleHeader downloads just the header region of a confirmed bundle: first
// the entry count, then exactly the header bytes it implies.
func (c *HTTPClient) BundleHeader(ctx context.Context, id arweave.TxID) (*ans104.BundleHeader, error) {
	count, err := c.fetchEntryCount(ctx, id)
	if err != nil {
		return nil, err
	}
	data, status, err := c.doRange(ctx, "/"+id.String(), 0,
		ans104.HeaderSize(count)-1)
	if err != nil {
		return nil, err
	}
	if status == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if status != http.StatusOK && status != http.StatusPartialContent {
		return nil, fmt.Errorf("gateway data fetch returned %d", status)
	}
	return ans104.ParseBundleHeader(strings.NewReader(string(data)))
}

func (c *HTTPClient) fetchEntryCount(ctx context.Context, id arweave.TxID) (int, error) {
	data, status, err := c.doRange(ctx, "/"+id.String(), 0, 7)
	if err != nil {
		return 0, err
	}
	if status == http.StatusNotFound {
		return 0, ErrTxNotFound
	}
	if status != http.StatusOK && status != http.StatusPartialContent {
		return 0, fmt.Errorf("gateway data fetch returned %d", status)
	}
	if len(data) < 8 {
		return 0, ans104.ErrMalformedBundle
	}
	count := binary.LittleEndian.Uint64(data[:8])
	if count > 1<<20 {
		return 0, ans104.ErrMalformedBundle
	}
	return int(count), nil
}

func (c *HTTPClient) doRange(ctx context.Context, path string, start, end int64) ([]byte, int, error) {
	type result struct {
		data   []byte
		status int
	}
	res, err := c.breaker.Execute(func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-%d", start, end))
		resp, err := c.client.Do(req)
		if err != nil {
			return nil, fmt.Errorf("gateway request failed: %w", err)
		}
		defer resp.Body.Close()
		data, err := io.ReadAll(io.LimitReader(resp.Body, end-start+1))
		if err != nil {
			return nil, fmt.Errorf("failed to read gateway response: %w", err)
		}
		if resp.StatusCode >= 500 {
			return nil, fmt.Errorf("gateway returned %d", resp.StatusCode)
		}
		return result{data: data, status: resp.StatusCode}, nil
	})
	if err != nil {
		return nil, 0, err
	}
	r := res.(result)
	return r.data, r.status, nil
}
