package ingress

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/vilenarios/ar-io-bundler/internal/logger"
	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/config"
	"github.com/vilenarios/ar-io-bundler/pkg/credit"
	"github.com/vilenarios/ar-io-bundler/pkg/gateway"
	"github.com/vilenarios/ar-io-bundler/pkg/metrics"
	"github.com/vilenarios/ar-io-bundler/pkg/queue"
	"github.com/vilenarios/ar-io-bundler/pkg/receipt"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
	"github.com/vilenarios/ar-io-bundler/pkg/store/kv"
	"github.com/vilenarios/ar-io-bundler/pkg/store/object"
)

// AdmitterDeps bundles the collaborators admission needs.
type AdmitterDeps struct {
	DB       db.Database
	Objects  object.Store
	KV       kv.Store
	Credit   credit.Service
	Queue    queue.Queue
	Gateway  gateway.Client
	Receipts *receipt.Signer
	Metrics  *metrics.Metrics
}

// Admitter runs the single-item admission pipeline: stream validation, the
// durable object write, credit metering, the database insert, and finally
// the signed receipt. The receipt is only ever produced after the bytes are
// durable, size-verified, and the database row is committed.
type Admitter struct {
	cfg  config.BundlingConfig
	deps AdmitterDeps

	// now is swappable for tests
	now func() time.Time
}

// NewAdmitter creates an admitter.
func NewAdmitter(cfg config.BundlingConfig, deps AdmitterDeps) *Admitter {
	return &Admitter{cfg: cfg, deps: deps, now: time.Now}
}

// AdmitOptions carries per-request admission parameters.
type AdmitOptions struct {
	// PriorityClass selects the planning lane; empty or unknown values
	// fall back to the default class.
	PriorityClass string

	// PaidBy optionally charges a delegated payer instead of the owner.
	PaidBy string
}

// AdmitResult is a successful admission.
type AdmitResult struct {
	Parse   *ans104.ParseResult
	Receipt *receipt.Receipt

	// Duplicate is true when the item was already known; the receipt is
	// freshly signed but no new row or object was written.
	Duplicate bool
}

// admission tracks the mutable state of one AdmitSingle call.
type admission struct {
	id          string // known once the signature field parses
	tmpKey      string
	markerKey   string
	markerSet   bool
	reservation credit.Reservation
	reserved    bool
}

// AdmitSingle validates and durably stores one data item from a stream.
// declaredSize is the client's Content-Length and must match the stream
// exactly.
func (a *Admitter) AdmitSingle(ctx context.Context, body io.Reader, declaredSize int64, opts AdmitOptions) (*AdmitResult, error) {
	start := a.now()

	if declaredSize <= 0 {
		return nil, &Error{Kind: KindMalformedItem, Err: fmt.Errorf("declared size %d", declaredSize)}
	}
	if declaredSize > a.cfg.MaxDataItemBytes {
		return nil, &Error{Kind: KindSizeExceeded,
			Err: fmt.Errorf("declared size %d exceeds limit %d", declaredSize, a.cfg.MaxDataItemBytes)}
	}
	if a.cfg.DurableStoreRequired {
		if err := a.deps.Objects.Healthy(ctx); err != nil {
			return nil, &Error{Kind: KindDurabilityUnavailable, Err: err}
		}
	}

	st := &admission{tmpKey: object.RawKey("pending-" + uuid.NewString())}
	parser := ans104.NewParser(declaredSize, a.cfg.MaxDataItemBytes)
	parser.OnHeader = func(r *ans104.ParseResult) error {
		return a.onHeader(ctx, st, r, declaredSize, opts)
	}

	res, err := a.streamToStore(ctx, st, parser, body, declaredSize)
	if err != nil {
		a.abort(ctx, st, classify(err))
		return nil, a.recordFailure(classify(err))
	}

	result, err := a.commit(ctx, st, res, declaredSize, opts)
	if err != nil {
		a.abort(ctx, st, classify(err))
		return nil, a.recordFailure(classify(err))
	}

	a.deps.Metrics.ItemAdmitted(res.SignatureType.String(), declaredSize,
		a.now().Sub(start).Seconds())
	logger.Info("data item admitted",
		logger.KeyDataItemID, res.ID.String(),
		logger.KeyOwner, res.OwnerAddress,
		logger.KeyByteCount, declaredSize,
		"duplicate", result.Duplicate)
	return result, nil
}

// onHeader fires mid-stream once the item header is parsed: it claims the
// in-flight marker and reserves credit, so hopeless uploads abort before the
// body finishes.
func (a *Admitter) onHeader(ctx context.Context, st *admission, r *ans104.ParseResult, declaredSize int64, opts AdmitOptions) error {
	st.id = r.ID.String()
	st.markerKey = kv.InFlightKey(st.id)
	ok, err := a.deps.KV.SetNX(ctx, st.markerKey, []byte{1}, a.cfg.InFlightTTL)
	if err != nil {
		return &Error{Kind: KindTransientUpstream, Err: err}
	}
	if !ok {
		return &Error{Kind: KindAlreadyInFlight, ItemID: st.id, Err: errAlreadyInFlight}
	}
	st.markerSet = true

	reservation, err := a.deps.Credit.Reserve(ctx, r.OwnerAddress, declaredSize,
		r.ID.String(), int(r.SignatureType), opts.PaidBy)
	if err != nil {
		return err
	}
	st.reservation = reservation
	st.reserved = true
	return nil
}

// streamToStore tees the request body into the parser and the durable
// object store, then finalizes both sides.
func (a *Admitter) streamToStore(ctx context.Context, st *admission, parser *ans104.Parser, body io.Reader, declaredSize int64) (*ans104.ParseResult, error) {
	pr, pw := io.Pipe()
	putDone := make(chan error, 1)
	go func() {
		putDone <- a.deps.Objects.Put(ctx, st.tmpKey, declaredSize,
			"application/octet-stream", pr)
	}()

	_, copyErr := io.Copy(io.MultiWriter(parser, pw), body)
	if copyErr != nil {
		pw.CloseWithError(copyErr)
		<-putDone
		return nil, copyErr
	}
	pw.Close()

	res, parseErr := parser.Finish()
	putErr := <-putDone
	if parseErr != nil {
		return nil, parseErr
	}
	if putErr != nil {
		return nil, &Error{Kind: KindDurabilityUnavailable, Err: putErr}
	}

	// Forced read-back: the stored object must report exactly the declared
	// size before anything downstream may trust it.
	info, err := a.deps.Objects.Head(ctx, st.tmpKey)
	if err != nil {
		return nil, &Error{Kind: KindDurabilityUnavailable, Err: err}
	}
	if info.Size != declaredSize {
		return nil, fmt.Errorf("%w: stored %d bytes, declared %d",
			ans104.ErrSizeMismatch, info.Size, declaredSize)
	}
	return res, nil
}

// commit promotes the stored object, inserts the database row, and signs
// the receipt. Order matters: the receipt must imply a durable row.
func (a *Admitter) commit(ctx context.Context, st *admission, res *ans104.ParseResult, declaredSize int64, opts AdmitOptions) (*AdmitResult, error) {
	height, err := a.deps.Gateway.CurrentHeight(ctx)
	if err != nil {
		return nil, &Error{Kind: KindTransientUpstream, Err: err}
	}
	deadlineHeight := height + a.cfg.DeadlineHeightIncrement

	item := db.NewDataItem{
		ID:             res.ID,
		OwnerAddress:   res.OwnerAddress,
		SignatureType:  int(res.SignatureType),
		ByteCount:      declaredSize,
		PayloadStart:   res.PayloadDataStart,
		ContentType:    res.ContentType,
		DeadlineHeight: deadlineHeight,
		PriorityClass:  a.priorityClass(opts.PriorityClass, res.Tags),
		UploadedAt:     a.now().UTC(),
	}

	duplicate := false
	insertErr := a.deps.DB.InsertNewDataItem(ctx, item)
	switch {
	case insertErr == nil:
		if err := a.deps.Objects.Move(ctx, st.tmpKey, object.RawKey(res.ID.String())); err != nil {
			return nil, &Error{Kind: KindDurabilityUnavailable, Err: err}
		}
	case classify(insertErr).Kind == KindDuplicateItem:
		// already known in some state: no second object, no second charge
		duplicate = true
		if err := a.deps.Objects.Delete(ctx, st.tmpKey); err != nil {
			logger.Warn("failed to delete duplicate upload object",
				logger.KeyDataItemID, res.ID.String(), "error", err)
		}
		if st.reserved {
			if err := a.deps.Credit.Refund(ctx, st.reservation.ID); err != nil {
				logger.Warn("failed to refund duplicate reservation",
					logger.KeyDataItemID, res.ID.String(), "error", err)
			}
			st.reserved = false
		}
	default:
		return nil, insertErr
	}

	winc := "0"
	if st.reserved {
		winc = st.reservation.Winc
		if err := a.deps.Credit.Finalize(ctx, st.reservation.ID, declaredSize); err != nil {
			// the row is committed; metering reconciles out of band
			logger.Warn("failed to finalize credit reservation",
				logger.KeyDataItemID, res.ID.String(), "error", err)
		}
		st.reserved = false
	}

	rcpt, err := a.deps.Receipts.Sign(res.ID, a.now().UnixMilli(), winc, deadlineHeight)
	if err != nil {
		return nil, &Error{Kind: KindTransientUpstream, Err: err}
	}

	if st.markerSet {
		if err := a.deps.KV.Delete(ctx, st.markerKey); err != nil {
			logger.Warn("failed to delete in-flight marker", "key", st.markerKey, "error", err)
		}
		st.markerSet = false
	}

	if !duplicate {
		a.enqueueFollowups(ctx, res)
	}

	return &AdmitResult{Parse: res, Receipt: rcpt, Duplicate: duplicate}, nil
}

// enqueueFollowups schedules the optional post-admission jobs. Failures are
// logged, not surfaced: each job is re-derivable from the stored item.
func (a *Admitter) enqueueFollowups(ctx context.Context, res *ans104.ParseResult) {
	id := res.ID.String()
	payload, _ := json.Marshal(queue.ItemJob{ID: id})

	if err := a.deps.Queue.Enqueue(ctx, queue.JobOpticalPost, payload, queue.Options{}); err != nil {
		logger.Warn("failed to enqueue optical post", logger.KeyDataItemID, id, "error", err)
	}
	if a.cfg.UnbundleBDIs && isBundleItem(res.Tags) {
		if err := a.deps.Queue.Enqueue(ctx, queue.JobUnbundleBDI, payload, queue.Options{}); err != nil {
			logger.Warn("failed to enqueue unbundle", logger.KeyDataItemID, id, "error", err)
		}
	}
}

// isBundleItem reports whether the item declares itself a nested bundle.
func isBundleItem(tags []ans104.Tag) bool {
	return ans104.TagValue(tags, "Bundle-Format") == "binary" &&
		ans104.TagValue(tags, "Bundle-Version") != ""
}

// priorityClass validates the requested class against configuration; the
// first configured class is the default.
func (a *Admitter) priorityClass(requested string, tags []ans104.Tag) string {
	if requested == "" {
		requested = ans104.TagValue(tags, "Priority")
	}
	for _, c := range a.cfg.PriorityClasses {
		if c == requested {
			return c
		}
	}
	return a.cfg.PriorityClasses[0]
}

// abort unwinds a failed admission: quarantine or delete the stored bytes,
// refund the reservation, drop the in-flight marker.
func (a *Admitter) abort(ctx context.Context, st *admission, e *Error) {
	if terminalForItem(e.Kind) {
		qid := st.id
		if qid == "" {
			qid = uuid.NewString()
		}
		dst := object.QuarantineKey(qid)
		if err := a.deps.Objects.Move(ctx, st.tmpKey, dst); err != nil && !errors.Is(err, object.ErrNotFound) {
			logger.Warn("failed to quarantine rejected upload", "key", st.tmpKey, "error", err)
		}
	} else {
		if err := a.deps.Objects.Delete(ctx, st.tmpKey); err != nil {
			logger.Warn("failed to delete rejected upload", "key", st.tmpKey, "error", err)
		}
	}
	if st.reserved {
		if err := a.deps.Credit.Refund(ctx, st.reservation.ID); err != nil {
			logger.Warn("failed to refund reservation", "reservation", st.reservation.ID, "error", err)
		}
		st.reserved = false
	}
	if st.markerSet {
		if err := a.deps.KV.Delete(ctx, st.markerKey); err != nil {
			logger.Warn("failed to delete in-flight marker", "key", st.markerKey, "error", err)
		}
		st.markerSet = false
	}
}

func (a *Admitter) recordFailure(e *Error) error {
	a.deps.Metrics.ItemRejected(string(e.Kind))
	return e
}

// Status reports an item's pipeline state for the status endpoint.
func (a *Admitter) Status(ctx context.Context, id arweave.TxID) (db.ItemStatusInfo, error) {
	return a.deps.DB.ItemStatus(ctx, id)
}
