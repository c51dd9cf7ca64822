package bingx

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
)

// ErrorKind classifies an exchange-facing failure. Every error that leaves
// this package carries exactly one kind so callers never have to parse
// message strings.
type ErrorKind int

const (
	KindValidation ErrorKind = iota
	KindRateLimited
	KindNetwork
	KindTimeout
	KindAPIError
	KindDataIntegrity
)

func (k ErrorKind) String() string {
	switch k {
	case KindValidation:
		return "validation"
	case KindRateLimited:
		return "rate_limited"
	case KindNetwork:
		return "network"
	case KindTimeout:
		return "timeout"
	case KindAPIError:
		return "api_error"
	case KindDataIntegrity:
		return "data_integrity"
	default:
		return "unknown"
	}
}

// BingX swap API error codes this client reacts to.
const (
	CodeRateLimited        = 109400 // request frequency exceeds the limit
	CodeServerBusy         = 100500 // internal system error
	CodeTimestampSkew      = 100421 // request timestamp outside recvWindow
	CodeInvalidSymbol      = 100400 // bad request parameters
	CodeOrderNotExist      = 80016
	CodeInsufficientMargin = 80001
)

// Error is the typed error returned by the client and request manager.
type Error struct {
	Kind ErrorKind
	Code int64  // exchange error code, 0 when not an API error
	Msg  string
	Err  error // wrapped cause, may be nil
}

func (e *Error) Error() string {
	if e.Code != 0 {
		return fmt.Sprintf("bingx: %s (code %d): %s", e.Kind, e.Code, e.Msg)
	}
	if e.Err != nil {
		return fmt.Sprintf("bingx: %s: %s: %v", e.Kind, e.Msg, e.Err)
	}
	return fmt.Sprintf("bingx: %s: %s", e.Kind, e.Msg)
}

func (e *Error) Unwrap() error { return e.Err }

// newAPIError maps an exchange envelope code to a typed error. Rate-limit
// codes get their own kind so the dispatch loop and the worker-pool breaker
// can react differently to them.
func newAPIError(code int64, msg string) *Error {
	if code == CodeRateLimited {
		return &Error{Kind: KindRateLimited, Code: code, Msg: msg}
	}
	return &Error{Kind: KindAPIError, Code: code, Msg: msg}
}

func newRateLimitedError(msg string) *Error {
	return &Error{Kind: KindRateLimited, Code: CodeRateLimited, Msg: msg}
}

func newValidationError(msg string) *Error {
	return &Error{Kind: KindValidation, Msg: msg}
}

func newDataIntegrityError(msg string) *Error {
	return &Error{Kind: KindDataIntegrity, Msg: msg}
}

// classifyTransportError wraps a raw http/net failure with the right kind.
func classifyTransportError(err error) *Error {
	if errors.Is(err, context.DeadlineExceeded) {
		return &Error{Kind: KindTimeout, Msg: "request deadline exceeded", Err: err}
	}
	var urlErr *url.Error
	if errors.As(err, &urlErr) && urlErr.Timeout() {
		return &Error{Kind: KindTimeout, Msg: "http timeout", Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return &Error{Kind: KindTimeout, Msg: "network timeout", Err: err}
	}
	return &Error{Kind: KindNetwork, Msg: "transport failure", Err: err}
}

// KindOf returns the classification of err, or KindNetwork for foreign errors.
func KindOf(err error) ErrorKind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	return KindNetwork
}

// IsRateLimited reports whether err was caused by the exchange rate limit.
func IsRateLimited(err error) bool {
	return KindOf(err) == KindRateLimited
}

// IsRetryable reports whether a transparent transport-level retry makes
// sense: timeouts, transient network faults and known-transient exchange
// codes. Validation and unknown API errors are not retried.
func IsRetryable(err error) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	switch e.Kind {
	case KindTimeout, KindNetwork:
		return true
	case KindAPIError:
		return e.Code == CodeServerBusy || e.Code == CodeTimestampSkew
	default:
		return false
	}
}
