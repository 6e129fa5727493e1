// Package classify maps low-level transport failures onto the closed set of
// error kinds shown to users. Every non-nil error maps to exactly one Kind.
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"syscall"
)

// Kind is a coarse, user-facing failure category.
type Kind string

// Supported kinds, listed in detection priority order.
const (
	KindNone        Kind = ""
	KindTimeout     Kind = "timeout"
	KindUnreachable Kind = "unreachable"
	KindNotFound    Kind = "not_found"
	KindServerFault Kind = "server_fault"
	KindUnknown     Kind = "unknown"
)

var messages = map[Kind]string{
	KindTimeout:     "The server did not respond in time.",
	KindUnreachable: "Cannot connect to the server.",
	KindNotFound:    "The requested session or record no longer exists.",
	KindServerFault: "The server failed while handling the request.",
	KindUnknown:     "Unexpected error.",
}

// Message returns the fixed user message for k.
func (k Kind) Message() string {
	if msg, ok := messages[k]; ok {
		return msg
	}
	return ""
}

// String implements fmt.Stringer.
func (k Kind) String() string {
	if k == KindNone {
		return "none"
	}
	return string(k)
}

// StatusError reports a completed HTTP exchange with a non-2xx status.
// A StatusCode of zero means no response was received.
type StatusError struct {
	Method     string
	URL        string
	StatusCode int
	Status     string
}

func (e *StatusError) Error() string {
	text := e.Status
	if text == "" {
		text = http.StatusText(e.StatusCode)
	}
	if e.Method == "" && e.URL == "" {
		return fmt.Sprintf("Error %d: %s", e.StatusCode, text)
	}
	return fmt.Sprintf("%s %s: Error %d: %s", e.Method, e.URL, e.StatusCode, text)
}

// Classify returns the Kind for err. It is total: nil yields KindNone and
// any other error yields exactly one of the five failure kinds.
func Classify(err error) Kind {
	if err == nil {
		return KindNone
	}
	switch {
	case isTimeout(err):
		return KindTimeout
	case isUnreachable(err):
		return KindUnreachable
	}
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		switch {
		case statusErr.StatusCode == http.StatusNotFound, statusErr.StatusCode == http.StatusGone:
			return KindNotFound
		case statusErr.StatusCode >= 500 && statusErr.StatusCode < 600:
			return KindServerFault
		}
	}
	return KindUnknown
}

// Describe returns the user message for err. Unknown failures pass the
// original error text through verbatim.
func Describe(err error) string {
	kind := Classify(err)
	switch kind {
	case KindNone:
		return ""
	case KindUnknown:
		return err.Error()
	default:
		return kind.Message()
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

func isUnreachable(err error) bool {
	var statusErr *StatusError
	if errors.As(err, &statusErr) && statusErr.StatusCode == 0 {
		return true
	}
	if errors.Is(err, syscall.ECONNREFUSED) || errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EHOSTUNREACH) || errors.Is(err, syscall.ENETUNREACH) {
		return true
	}
	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return true
	}
	// A *url.Error without a nested status means the request never got a
	// response; context cancellation is excluded so it stays Unknown.
	var urlErr *url.Error
	if errors.As(err, &urlErr) && !errors.Is(err, context.Canceled) {
		return true
	}
	return false
}
