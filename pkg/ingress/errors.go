package ingress

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/vilenarios/ar-io-bundler/pkg/ans104"
	"github.com/vilenarios/ar-io-bundler/pkg/arweave"
	"github.com/vilenarios/ar-io-bundler/pkg/credit"
	"github.com/vilenarios/ar-io-bundler/pkg/store/db"
)

// Kind is the fine-grained admission error category. Each kind is distinct
// in responses and metrics.
type Kind string

const (
	KindInvalidSignature         Kind = "InvalidSignature"
	KindMalformedItem            Kind = "MalformedItem"
	KindSizeMismatch             Kind = "SizeMismatch"
	KindSizeExceeded             Kind = "SizeExceeded"
	KindUnsupportedSignatureType Kind = "UnsupportedSignatureType"
	KindTagLimitExceeded         Kind = "TagLimitExceeded"
	KindDuplicateItem            Kind = "DuplicateItem"
	KindAlreadyInFlight          Kind = "AlreadyInFlight"
	KindInsufficientCredit       Kind = "InsufficientCredit"
	KindDurabilityUnavailable    Kind = "DurabilityUnavailable"
	KindTransientUpstream        Kind = "TransientUpstream"
)

// Error is an admission failure with its kind attached. ItemID is set when
// the id was parsed before the failure, so acknowledgment-shaped responses
// can name the item.
type Error struct {
	Kind   Kind
	ItemID string
	Err    error
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// HTTPStatus maps the kind to a response status code.
func (e *Error) HTTPStatus() int {
	switch e.Kind {
	case KindInvalidSignature, KindMalformedItem, KindSizeMismatch,
		KindSizeExceeded, KindUnsupportedSignatureType, KindTagLimitExceeded:
		return http.StatusBadRequest
	case KindInsufficientCredit:
		return http.StatusPaymentRequired
	case KindDuplicateItem, KindAlreadyInFlight:
		// surfaced only when no idempotent acknowledgment was possible
		return http.StatusAccepted
	case KindDurabilityUnavailable, KindTransientUpstream:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// errAlreadyInFlight aborts a parse when another admission of the same id is
// racing this one.
var errAlreadyInFlight = errors.New("data item already in flight")

// classify wraps err with its admission kind.
func classify(err error) *Error {
	var e *Error
	if errors.As(err, &e) {
		return e
	}
	switch {
	case errors.Is(err, arweave.ErrSignatureInvalid):
		return &Error{Kind: KindInvalidSignature, Err: err}
	case errors.Is(err, arweave.ErrUnsupportedSignatureType):
		return &Error{Kind: KindUnsupportedSignatureType, Err: err}
	case errors.Is(err, ans104.ErrTagLimitExceeded):
		return &Error{Kind: KindTagLimitExceeded, Err: err}
	case errors.Is(err, ans104.ErrMalformedHeader):
		return &Error{Kind: KindMalformedItem, Err: err}
	case errors.Is(err, ans104.ErrSizeExceeded):
		return &Error{Kind: KindSizeExceeded, Err: err}
	case errors.Is(err, ans104.ErrSizeMismatch):
		return &Error{Kind: KindSizeMismatch, Err: err}
	case errors.Is(err, db.ErrDuplicateItem):
		return &Error{Kind: KindDuplicateItem, Err: err}
	case errors.Is(err, errAlreadyInFlight):
		return &Error{Kind: KindAlreadyInFlight, Err: err}
	case errors.Is(err, credit.ErrInsufficientCredit):
		return &Error{Kind: KindInsufficientCredit, Err: err}
	default:
		return &Error{Kind: KindTransientUpstream, Err: err}
	}
}

// terminalForItem reports whether the kind quarantines the stored bytes.
// Transient kinds leave nothing behind; terminal kinds keep the object for
// forensics.
func terminalForItem(k Kind) bool {
	switch k {
	case KindInvalidSignature, KindMalformedItem, KindSizeMismatch,
		KindSizeExceeded, KindUnsupportedSignatureType, KindTagLimitExceeded,
		KindInsufficientCredit:
		return true
	default:
		return false
	}
}
