// Package failure defines the error taxonomy shared by the collection pipeline.
//
// Every error produced at the resource-fetch boundary is a *Error carrying a Kind:
//   - Auth: the token exchange with the identity provider failed
//   - Transport: the request never produced an HTTP response (dial, TLS, reset)
//   - Fetch: the upstream API answered with a non-success status, or did not
//     answer within the request timeout (StatusCode 0, wraps context.DeadlineExceeded)
//   - Parse: the response body did not have the expected shape
//   - Config: the configuration file was missing or invalid
//
// Callers test for a kind with errors.Is against the sentinel values:
//
//	if errors.Is(err, failure.ErrFetch) { ... }
//
// or extract the details with errors.As:
//
//	var fe *failure.Error
//	if errors.As(err, &fe) && fe.StatusCode == http.StatusTooManyRequests { ... }
package failure

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Kind classifies a pipeline error
type Kind int

// Error kinds
const (
	KindUnknown Kind = iota
	KindAuth
	KindTransport
	KindFetch
	KindParse
	KindConfig
)

// String returns the log-friendly name of the kind
func (k Kind) String() string {
	switch k {
	case KindAuth:
		return "auth_failure"
	case KindTransport:
		return "transport_failure"
	case KindFetch:
		return "fetch_failure"
	case KindParse:
		return "parse_failure"
	case KindConfig:
		return "config_failure"
	default:
		return "unknown"
	}
}

// Sentinels for errors.Is matching on the kind only
var (
	ErrAuth      = &Error{Kind: KindAuth}
	ErrTransport = &Error{Kind: KindTransport}
	ErrFetch     = &Error{Kind: KindFetch}
	ErrParse     = &Error{Kind: KindParse}
	ErrConfig    = &Error{Kind: KindConfig}
)

// Error is a classified pipeline error
type Error struct {
	Kind       Kind
	Op         string // Operation that failed, e.g. "fetch metrics"
	StatusCode int    // HTTP status, Fetch only
	Code       string // ARM error code, Fetch only
	Body       string // Truncated response body, Fetch only
	Err        error  // Underlying cause
}

// Error implements error
func (e *Error) Error() string {
	msg := e.Kind.String()
	if e.Op != "" {
		msg = e.Op + ": " + msg
	}
	if e.Kind == KindFetch && e.StatusCode != 0 {
		msg = fmt.Sprintf("%s (HTTP %d)", msg, e.StatusCode)
		if e.Body != "" {
			msg += ": " + e.Body
		}
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is a sentinel of the same kind
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Kind == e.Kind && t.Op == "" && t.StatusCode == 0 && t.Err == nil
}

// Auth wraps a token exchange failure
func Auth(op string, err error) error {
	return &Error{Kind: KindAuth, Op: op, Err: err}
}

// Transport wraps a network level failure
func Transport(op string, err error) error {
	return &Error{Kind: KindTransport, Op: op, Err: err}
}

// Fetch reports a non-success HTTP response
func Fetch(op string, status int, body string) error {
	return &Error{Kind: KindFetch, Op: op, StatusCode: status, Body: body}
}

// Timeout reports a request that got no response within after. It is a Fetch
// failure without status and is not retried within the cycle.
func Timeout(op string, after time.Duration) error {
	return &Error{Kind: KindFetch, Op: op, Err: fmt.Errorf("no response within %s: %w", after, context.DeadlineExceeded)}
}

// Parse wraps a malformed response
func Parse(op string, err error) error {
	return &Error{Kind: KindParse, Op: op, Err: err}
}

// Config wraps a configuration failure
func Config(op string, err error) error {
	return &Error{Kind: KindConfig, Op: op, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// StatusCode returns the HTTP status of a Fetch error, or 0
func StatusCode(err error) int {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindFetch {
		return e.StatusCode
	}
	return 0
}

// ErrorCode returns the ARM error code of a Fetch error, or ""
func ErrorCode(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Kind == KindFetch {
		return e.Code
	}
	return ""
}

// IsRetryable reports whether a fresh attempt within the same cycle may succeed.
// Transport failures and 5xx responses qualify. 429 does not: the quota window
// is longer than a cycle and retrying only burns more of it. Neither does a
// timeout, so one hung resource holds its sequence for one request timeout.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindTransport:
		return true
	case KindFetch:
		code := StatusCode(err)
		return code >= http.StatusInternalServerError
	default:
		return false
	}
}
