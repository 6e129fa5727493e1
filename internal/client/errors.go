package client

import (
	"errors"
	"fmt"

	"github.com/JakeFAU/geoload/internal/classify"
)

// ErrNoSessionID reports an upload acknowledgement without a session id.
var ErrNoSessionID = errors.New("server response did not include a session id")

// ErrNoBody reports an Upload without file content.
var ErrNoBody = errors.New("upload body is required")

// StartReason distinguishes protocol violations from transport failures.
type StartReason int

// Start failure reasons.
const (
	StartTransport StartReason = iota
	StartNoSessionID
	StartInvalid
)

func (r StartReason) String() string {
	switch r {
	case StartTransport:
		return "transport"
	case StartNoSessionID:
		return "no_session_id"
	case StartInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("StartReason(%d)", int(r))
	}
}

// StartError is returned by Begin.
type StartError struct {
	Reason StartReason
	// Kind is set for transport failures, KindUnknown otherwise.
	Kind classify.Kind
	Err  error
}

func (e *StartError) Error() string {
	switch e.Reason {
	case StartNoSessionID:
		return "begin upload: " + ErrNoSessionID.Error()
	default:
		return fmt.Sprintf("begin upload (%s): %v", e.Kind, e.Err)
	}
}

func (e *StartError) Unwrap() error {
	if e.Reason == StartNoSessionID && e.Err == nil {
		return ErrNoSessionID
	}
	return e.Err
}

// Message is the user-facing text for the failure.
func (e *StartError) Message() string {
	switch e.Reason {
	case StartNoSessionID:
		return "The server accepted the file but did not return a session id."
	case StartInvalid:
		return e.Err.Error()
	default:
		return classify.Describe(e.Err)
	}
}

// FetchReason distinguishes transport failures from unusable payloads.
type FetchReason int

// Fetch failure reasons.
const (
	FetchTransport FetchReason = iota
	FetchMalformed
)

func (r FetchReason) String() string {
	switch r {
	case FetchTransport:
		return "transport"
	case FetchMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("FetchReason(%d)", int(r))
	}
}

// FetchError accompanies the synthetic Error snapshot FetchOnce returns.
type FetchError struct {
	Reason    FetchReason
	Kind      classify.Kind
	SessionID string
	Err       error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch progress %s (%s/%s): %v", e.SessionID, e.Reason, e.Kind, e.Err)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}
