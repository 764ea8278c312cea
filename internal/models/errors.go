package models

import (
	"errors"
	"fmt"
	"math/big"
	"net/http"
)

// ErrKind classifies admission and endpoint failures. Each kind has a fixed
// HTTP mapping so handlers never improvise status codes.
type ErrKind int

const (
	// ErrMissingHeader: request carried no payment header.
	ErrMissingHeader ErrKind = iota
	// ErrMalformed: bad base64, truncated payload, bad UTF-8.
	ErrMalformed
	// ErrUnknownChannel: channel exists neither in the ledger nor on chain.
	ErrUnknownChannel
	// ErrSignatureInvalid: receipt does not verify under the sender key.
	ErrSignatureInvalid
	// ErrNonMonotonic: spent balance does not exceed the current maximum,
	// or exceeds it by less than the request cost.
	ErrNonMonotonic
	// ErrInsufficientBalance: spend plus withdrawals exceeds the deposit.
	ErrInsufficientBalance
	// ErrChannelClosed: soft closed, settled, or force-close window elapsed.
	ErrChannelClosed
	// ErrPricing: cost function failed; nothing was charged.
	ErrPricing
	// ErrLedgerUnavailable: the ledger store failed pre-commit.
	ErrLedgerUnavailable
	// ErrUpstreamUnavailable: upstream failed post-commit; charge stands.
	ErrUpstreamUnavailable
	// ErrRateLimited: per-channel in-flight cap hit.
	ErrRateLimited
)

func (k ErrKind) String() string {
	switch k {
	case ErrMissingHeader:
		return "missing_header"
	case ErrMalformed:
		return "malformed"
	case ErrUnknownChannel:
		return "unknown_channel"
	case ErrSignatureInvalid:
		return "signature_invalid"
	case ErrNonMonotonic:
		return "non_monotonic"
	case ErrInsufficientBalance:
		return "insufficient_balance"
	case ErrChannelClosed:
		return "channel_closed"
	case ErrPricing:
		return "pricing_error"
	case ErrLedgerUnavailable:
		return "ledger_unavailable"
	case ErrUpstreamUnavailable:
		return "upstream_unavailable"
	case ErrRateLimited:
		return "rate_limited"
	}
	return "unknown"
}

// HTTPStatus maps the kind to its response status.
func (k ErrKind) HTTPStatus() int {
	switch k {
	case ErrMissingHeader, ErrInsufficientBalance:
		return http.StatusPaymentRequired
	case ErrMalformed:
		return http.StatusBadRequest
	case ErrUnknownChannel:
		return http.StatusNotFound
	case ErrSignatureInvalid:
		return http.StatusUnauthorized
	case ErrNonMonotonic:
		return http.StatusConflict
	case ErrChannelClosed:
		return http.StatusGone
	case ErrPricing:
		return http.StatusInternalServerError
	case ErrLedgerUnavailable, ErrUpstreamUnavailable:
		return http.StatusServiceUnavailable
	case ErrRateLimited:
		return http.StatusTooManyRequests
	}
	return http.StatusInternalServerError
}

// AdmitError is the structured failure surfaced by the admission pipeline.
type AdmitError struct {
	Kind    ErrKind
	Message string
	// CurrentMax carries the ledger's maximum spend on NonMonotonic
	// rejections so the sender can retry with a higher value.
	CurrentMax *big.Int
	// Required carries the missing deposit on InsufficientBalance
	// rejections so the sender knows the top-up amount.
	Required *big.Int
	// Err is the wrapped cause, if any.
	Err error
}

func (e *AdmitError) Error() string {
	if e.Message != "" {
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return e.Kind.String()
}

func (e *AdmitError) Unwrap() error { return e.Err }

// NewAdmitError builds an AdmitError with a formatted message.
func NewAdmitError(kind ErrKind, format string, args ...interface{}) *AdmitError {
	return &AdmitError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf extracts the kind from err, or ErrLedgerUnavailable when err is not
// an AdmitError (the conservative pre-commit default).
func KindOf(err error) ErrKind {
	var ae *AdmitError
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return ErrLedgerUnavailable
}

// IsKind reports whether err is an AdmitError of the given kind.
func IsKind(err error, kind ErrKind) bool {
	var ae *AdmitError
	return errors.As(err, &ae) && ae.Kind == kind
}
