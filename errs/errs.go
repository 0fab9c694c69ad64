// Package errs provides structured error types shared across the adapter.
package errs

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// Code is the stable machine-readable error code surfaced to callers of the
// adapter. Business codes mirror the exchange failure taxonomy; the raw
// exchange wording never leaks as part of the contract.
type Code string

const (
	// CodeNotFound indicates the referenced order does not exist on the exchange.
	CodeNotFound Code = "notFound"
	// CodeNotEnoughBalance indicates insufficient funds for the requested operation.
	CodeNotEnoughBalance Code = "notEnoughBalance"
	// CodeVolumeTooSmall indicates the order volume is below the exchange minimum.
	CodeVolumeTooSmall Code = "volumeTooSmall"
	// CodePriceError indicates the order price was rejected by the exchange.
	CodePriceError Code = "priceError"
	// CodeOrderIDFormat indicates a malformed order identifier.
	CodeOrderIDFormat Code = "orderIdFormat"
	// CodeForbidden indicates an authentication or authorization failure.
	CodeForbidden Code = "forbidden"
	// CodeAPIError indicates an unclassified exchange-side failure.
	CodeAPIError Code = "apiError"

	// CodeInvalid indicates invalid input provided by the caller.
	CodeInvalid Code = "invalidRequest"
	// CodeAlreadyExists indicates a record insert collided with an existing id.
	CodeAlreadyExists Code = "alreadyExists"
	// CodeConflict indicates a concurrent mutation conflict in the store.
	CodeConflict Code = "conflict"
	// CodeNetwork indicates a transport-level failure.
	CodeNetwork Code = "network"
)

// E captures structured error information produced across the adapter.
type E struct {
	Op      string
	Code    Code
	HTTP    int
	Message string
	RawMsg  string

	cause error
}

// Option configures an error envelope.
type Option func(*E)

// New constructs an error envelope for the given operation and code.
func New(op string, code Code, opts ...Option) *E {
	e := &E{Op: strings.TrimSpace(op), Code: code}
	for _, opt := range opts {
		if opt != nil {
			opt(e)
		}
	}
	return e
}

// WithMessage attaches a human-readable message to the error.
func WithMessage(message string) Option {
	trimmed := strings.TrimSpace(message)
	return func(e *E) {
		e.Message = trimmed
	}
}

// WithRawMessage captures the raw exchange error message verbatim.
func WithRawMessage(msg string) Option {
	return func(e *E) {
		e.RawMsg = msg
	}
}

// WithHTTP records the upstream HTTP status code.
func WithHTTP(status int) Option {
	return func(e *E) {
		e.HTTP = status
	}
}

// WithCause sets the underlying cause error.
func WithCause(err error) Option {
	return func(e *E) {
		e.cause = err
	}
}

func (e *E) Error() string {
	if e == nil {
		return "<nil>"
	}
	var parts []string
	op := e.Op
	if op == "" {
		op = "unknown"
	}
	parts = append(parts, "op="+op)

	code := strings.TrimSpace(string(e.Code))
	if code == "" {
		code = "unknown"
	}
	parts = append(parts, "code="+code)

	if e.HTTP > 0 {
		parts = append(parts, "http="+strconv.Itoa(e.HTTP))
	}
	if e.Message != "" {
		parts = append(parts, "message="+strconv.Quote(e.Message))
	}
	if e.RawMsg != "" {
		parts = append(parts, "raw_msg="+strconv.Quote(e.RawMsg))
	}
	if e.cause != nil {
		parts = append(parts, "cause="+strconv.Quote(e.cause.Error()))
	}
	return strings.Join(parts, " ")
}

func (e *E) Unwrap() error { return e.cause }

// CodeOf extracts the adapter error code from err, unwrapping as needed.
// Errors outside the envelope report CodeAPIError.
func CodeOf(err error) Code {
	var e *E
	if errors.As(err, &e) && e != nil {
		return e.Code
	}
	return CodeAPIError
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// HTTPStatus maps an error code onto the status the adapter's own API
// returns. Business failures are client errors; unclassified exchange faults
// surface as 500 so the raw message stays diagnosable.
func HTTPStatus(code Code) int {
	switch code {
	case CodeNotFound:
		return http.StatusNotFound
	case CodeForbidden:
		return http.StatusForbidden
	case CodeNotEnoughBalance, CodeVolumeTooSmall, CodePriceError, CodeOrderIDFormat, CodeInvalid:
		return http.StatusBadRequest
	case CodeAlreadyExists, CodeConflict:
		return http.StatusConflict
	case CodeNetwork:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
