package ingress

import (
	"bytes"
	"encoding/base64"
	"encoding/binary"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/receipt"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/kv"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// Handlers holds the HTTP handler set and its collaborators.
type Handlers struct {
	Admitter *Admitter
	Raw      *RawSigner // nil when raw uploads are disabled
	DB       db.Database
	Objects  object.Store
	KV       kv.Store
	Queue    queue.Queue

	ServerCfg   config.ServerConfig
	BundlingCfg config.BundlingConfig

	// Version and WalletAddress are advertised on /v1/info.
	Version       string
	WalletAddress string
	GatewayURL    string
}

// errorBody is the JSON error envelope: {"error": ..., "code": ...}.
type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, `{"error":"failed to encode response","code":"Internal"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, err error) {
	e := classify(err)
	// A racing duplicate is not a failure for the caller: the other
	// admission is carrying the same bytes, so acknowledge with the id
	// instead of an error envelope.
	if e.Kind == KindAlreadyInFlight && e.ItemID != "" {
		writeJSON(w, e.HTTPStatus(), map[string]string{
			"id":     e.ItemID,
			"status": "already_in_flight",
		})
		return
	}
	writeJSON(w, e.HTTPStatus(), errorBody{Error: e.Err.Error(), Code: string(e.Kind)})
}

// txResponse is the admission success body.
type txResponse struct {
	ID                  string           `json:"id"`
	Owner               string           `json:"owner"`
	DataCaches          []string         `json:"dataCaches"`
	FastFinalityIndexes []string         `json:"fastFinalityIndexes"`
	Receipt             *receipt.Receipt `json:"receipt"`
}

func (h *Handlers) admitOptions(r *http.Request) AdmitOptions {
	return AdmitOptions{
		PriorityClass: r.Header.Get("X-Priority"),
		PaidBy:        r.Header.Get("X-Paid-By"),
	}
}

// PostTx admits a single upload: either a signed ANS-104 data item, or (in
// raw mode) arbitrary bytes the service wraps and signs itself. The first
// two bytes decide which.
func (h *Handlers) PostTx(w http.ResponseWriter, r *http.Request) {
	declared := r.ContentLength
	if declared < 0 {
		writeJSON(w, http.StatusLengthRequired,
			errorBody{Error: "Content-Length is required", Code: string(KindMalformedItem)})
		return
	}

	var first [2]byte
	if _, err := io.ReadFull(r.Body, first[:]); err != nil {
		writeError(w, &Error{Kind: KindMalformedItem, Err: errors.New("body shorter than two bytes")})
		return
	}

	if arweave.KnownSignatureType(first[0], first[1]) {
		body := io.MultiReader(bytes.NewReader(first[:]), r.Body)
		res, err := h.Admitter.AdmitSingle(r.Context(), body, declared, h.admitOptions(r))
		if err != nil {
			writeError(w, err)
			return
		}
		h.writeAdmitResponse(w, res)
		return
	}

	if h.Raw == nil {
		writeError(w, &Error{Kind: KindUnsupportedSignatureType,
			Err: errors.New("not a signed data item and raw uploads are disabled")})
		return
	}
	h.postRaw(w, r, first[:], declared)
}

// postRaw buffers the body, wraps it in a service-signed item, and admits
// the result through the standard path.
func (h *Handlers) postRaw(w http.ResponseWriter, r *http.Request, first []byte, declared int64) {
	if declared > h.BundlingCfg.MaxDataItemBytes {
		writeError(w, &Error{Kind: KindSizeExceeded,
			Err: errors.New("raw upload exceeds the data item limit")})
		return
	}
	rest, err := io.ReadAll(io.LimitReader(r.Body, h.BundlingCfg.MaxDataItemBytes))
	if err != nil {
		writeError(w, &Error{Kind: KindTransientUpstream, Err: err})
		return
	}
	data := append(append([]byte(nil), first...), rest...)
	if int64(len(data)) != declared {
		writeError(w, &Error{Kind: KindSizeMismatch,
			Err: errors.New("body length disagrees with Content-Length")})
		return
	}

	item, err := h.Raw.WrapData(data, r.Header.Get("Content-Type"),
		r.Header.Get("X-Paid-By"), tagsFromHeaders(r.Header))
	if err != nil {
		writeError(w, &Error{Kind: KindTransientUpstream, Err: err})
		return
	}
	serialized, err := item.Serialize()
	if err != nil {
		writeError(w, &Error{Kind: KindTransientUpstream, Err: err})
		return
	}

	res, err := h.Admitter.AdmitSingle(r.Context(), bytes.NewReader(serialized),
		int64(len(serialized)), h.admitOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	h.writeAdmitResponse(w, res)
}

// tagsFromHeaders collects X-Tag-* request headers as item tags.
func tagsFromHeaders(header http.Header) []ans104.Tag {
	var tags []ans104.Tag
	for name, values := range header {
		if !strings.HasPrefix(name, "X-Tag-") || len(values) == 0 {
			continue
		}
		tags = append(tags, ans104.Tag{
			Name:  strings.TrimPrefix(name, "X-Tag-"),
			Value: values[0],
		})
	}
	return tags
}

// PostTxWithSignature admits an item whose signature was produced
// externally: the body carries the item bytes after the signature block, and
// the x-signature / x-signature-type headers supply the rest. The service
// reassembles the full wire form and runs standard admission.
func (h *Handlers) PostTxWithSignature(w http.ResponseWriter, r *http.Request) {
	wantID := chi.URLParam(r, "id")
	if r.ContentLength < 0 {
		writeJSON(w, http.StatusLengthRequired,
			errorBody{Error: "Content-Length is required", Code: string(KindMalformedItem)})
		return
	}

	sigType, err := strconv.Atoi(r.Header.Get("x-signature-type"))
	if err != nil {
		writeError(w, &Error{Kind: KindMalformedItem, Err: errors.New("bad x-signature-type header")})
		return
	}
	sig, err := base64.RawURLEncoding.DecodeString(r.Header.Get("x-signature"))
	if err != nil {
		writeError(w, &Error{Kind: KindMalformedItem, Err: errors.New("bad x-signature header")})
		return
	}
	scheme, err := arweave.SchemeFor(arweave.SignatureType(sigType))
	if err != nil {
		writeError(w, err)
		return
	}
	if len(sig) != scheme.SignatureLength {
		writeError(w, &Error{Kind: KindMalformedItem,
			Err: errors.New("signature length does not match the scheme")})
		return
	}

	prefix := make([]byte, 2, 2+len(sig))
	binary.LittleEndian.PutUint16(prefix, uint16(sigType))
	prefix = append(prefix, sig...)

	declared := int64(len(prefix)) + r.ContentLength
	body := io.MultiReader(bytes.NewReader(prefix), r.Body)
	res, err := h.Admitter.AdmitSingle(r.Context(), body, declared, h.admitOptions(r))
	if err != nil {
		writeError(w, err)
		return
	}
	if res.Parse.ID.String() != wantID {
		writeError(w, &Error{Kind: KindMalformedItem,
			Err: errors.New("computed id does not match the request path")})
		return
	}
	h.writeAdmitResponse(w, res)
}

func (h *Handlers) writeAdmitResponse(w http.ResponseWriter, res *AdmitResult) {
	writeJSON(w, http.StatusOK, txResponse{
		ID:                  res.Parse.ID.String(),
		Owner:               res.Parse.OwnerAddress,
		DataCaches:          h.ServerCfg.DataCaches,
		FastFinalityIndexes: h.ServerCfg.FastFinalityIndexes,
		Receipt:             res.Receipt,
	})
}

// statusResponse is the body of GET /v1/tx/{id}/status.
type statusResponse struct {
	ID          string `json:"id"`
	Status      string `json:"status"`
	BundleID    string `json:"bundleId,omitempty"`
	BlockHeight int64  `json:"blockHeight,omitempty"`
}

// TxStatus reports an item's pipeline state.
func (h *Handlers) TxStatus(w http.ResponseWriter, r *http.Request) {
	id, err := arweave.ParseTxID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, &Error{Kind: KindMalformedItem, Err: err})
		return
	}
	info, err := h.DB.ItemStatus(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, statusResponse{
		ID:          id.String(),
		Status:      info.Status,
		BundleID:    info.BundleID,
		BlockHeight: info.BlockHeight,
	})
}

// offsetResponse is the body of GET /v1/tx/{id}/offset.
type offsetResponse struct {
	ID                 string `json:"id"`
	RootBundleID       string `json:"rootBundleId,omitempty"`
	StartOffset        int64  `json:"startOffset"`
	RawContentLength   int64  `json:"rawContentLength"`
	PayloadDataStart   int64  `json:"payloadDataStart"`
	PayloadContentType string `json:"payloadContentType,omitempty"`

	// Set for items unbundled out of a nested bundle: the offset is
	// relative to the parent item's payload.
	ParentDataItemID string `json:"parentDataItemId,omitempty"`
	StartInParent    *int64 `json:"startInParent,omitempty"`
}

// TxOffset locates an item's bytes inside its root bundle.
func (h *Handlers) TxOffset(w http.ResponseWriter, r *http.Request) {
	id, err := arweave.ParseTxID(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, &Error{Kind: KindMalformedItem, Err: err})
		return
	}
	rec, err := h.DB.GetOffset(r.Context(), id)
	if errors.Is(err, db.ErrNotFound) {
		writeJSON(w, http.StatusNotFound,
			errorBody{Error: "no offset indexed for this item", Code: "NotFound"})
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	resp := offsetResponse{
		ID:                 rec.DataItemID.String(),
		StartOffset:        rec.StartOffset,
		RawContentLength:   rec.RawContentLength,
		PayloadDataStart:   rec.PayloadDataStart,
		PayloadContentType: rec.PayloadContentType,
		StartInParent:      rec.StartInParent,
	}
	if rec.RootBundleID != (arweave.TxID{}) {
		resp.RootBundleID = rec.RootBundleID.String()
	}
	if rec.ParentDataItemID != nil {
		resp.ParentDataItemID = rec.ParentDataItemID.String()
	}
	writeJSON(w, http.StatusOK, resp)
}

// infoResponse is the body of GET /v1/info.
type infoResponse struct {
	Version string `json:"version"`
	Addr    string `json:"addr"`
	Gateway string `json:"gateway"`
}

// Info advertises the service identity.
func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, infoResponse{
		Version: h.Version,
		Addr:    h.WalletAddress,
		Gateway: h.GatewayURL,
	})
}

// healthResponse is the body of GET /healthz.
type healthResponse struct {
	Status   string            `json:"status"`
	Services map[string]string `json:"services"`
}

// Health checks every backing service.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	services := map[string]string{}
	healthy := true
	check := func(name string, err error) {
		if err != nil {
			services[name] = err.Error()
			healthy = false
		} else {
			services[name] = "ok"
		}
	}
	check("database", h.DB.Healthy(r.Context()))
	check("object_store", h.Objects.Healthy(r.Context()))
	check("kv", h.KV.Healthy(r.Context()))
	check("queue", h.Queue.Healthy(r.Context()))

	status := http.StatusOK
	body := healthResponse{Status: "healthy", Services: services}
	if !healthy {
		status = http.StatusServiceUnavailable
		body.Status = "unhealthy"
	}
	writeJSON(w, status, body)
}
