package domain

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"
)

var (
	ErrAuthExpired   = errors.New("mailbox credentials expired")
	ErrRateLimited   = errors.New("provider rate limit")
	ErrNotFound      = errors.New("message or attachment not found")
	ErrTransient     = errors.New("transient provider error")
	ErrCursorExpired = errors.New("sync cursor no longer valid")
)

// ErrorKind is the retry class of a provider failure.
type ErrorKind int

const (
	KindTransient ErrorKind = iota
	KindRateLimited
	KindAuthExpired
	KindNotFound
	KindCursorExpired
	KindPermanent
)

func (k ErrorKind) String() string {
	switch k {
	case KindRateLimited:
		return "rate_limited"
	case KindAuthExpired:
		return "auth_expired"
	case KindNotFound:
		return "not_found"
	case KindCursorExpired:
		return "cursor_expired"
	case KindPermanent:
		return "permanent"
	default:
		return "transient"
	}
}

func (k ErrorKind) sentinel() error {
	switch k {
	case KindRateLimited:
		return ErrRateLimited
	case KindAuthExpired:
		return ErrAuthExpired
	case KindNotFound:
		return ErrNotFound
	case KindCursorExpired:
		return ErrCursorExpired
	case KindTransient:
		return ErrTransient
	}
	return nil
}

// ProviderError carries the provider detail behind a taxonomy kind.
type ProviderError struct {
	Kind       ErrorKind
	Op         string
	RetryAfter time.Duration
	Err        error
}

func (e *ProviderError) Error() string {
	msg := e.Op + ": " + e.Kind.String()
	if e.RetryAfter > 0 {
		msg += fmt.Sprintf(" (retry after %s)", e.RetryAfter)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ProviderError) Unwrap() error { return e.Err }

func (e *ProviderError) Is(target error) bool {
	s := e.Kind.sentinel()
	return s != nil && s == target
}

// NewProviderError wraps err under kind.
func NewProviderError(kind ErrorKind, op string, err error) *ProviderError {
	return &ProviderError{Kind: kind, Op: op, Err: err}
}

// RateLimited builds a rate-limit error carrying the provider's delay hint.
func RateLimited(op string, retryAfter time.Duration, err error) *ProviderError {
	return &ProviderError{Kind: KindRateLimited, Op: op, RetryAfter: retryAfter, Err: err}
}

// Classify maps any error onto the taxonomy. Unknown errors are transient.
func Classify(err error) ErrorKind {
	if err == nil {
		return KindTransient
	}
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	switch {
	case errors.Is(err, ErrAuthExpired):
		return KindAuthExpired
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrCursorExpired):
		return KindCursorExpired
	case errors.Is(err, context.Canceled):
		return KindPermanent
	}
	var netErr net.Error
	if errors.As(err, &netErr) || errors.Is(err, context.DeadlineExceeded) {
		return KindTransient
	}
	lower := strings.ToLower(err.Error())
	switch {
	case strings.Contains(lower, "invalid_grant"), strings.Contains(lower, "token expired"):
		return KindAuthExpired
	case strings.Contains(lower, "too many requests"), strings.Contains(lower, "quota"):
		return KindRateLimited
	}
	return KindTransient
}

// RetryAfterOf returns the delay hint of a rate-limit error, if any.
func RetryAfterOf(err error) time.Duration {
	var pe *ProviderError
	if errors.As(err, &pe) {
		return pe.RetryAfter
	}
	return 0
}

// KindFromStatus maps an HTTP status returned by a provider API.
func KindFromStatus(status int) ErrorKind {
	switch {
	case status == 401:
		return KindAuthExpired
	case status == 403 || status == 429:
		return KindRateLimited
	case status == 404 || status == 410:
		return KindNotFound
	case status >= 500 || status == 408:
		return KindTransient
	case status >= 400:
		return KindPermanent
	}
	return KindTransient
}
