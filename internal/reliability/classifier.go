package reliability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/gorilla/websocket"
)

// Kind groups failures by how the gateway reacts to them.
type Kind string

const (
	KindUnknown             Kind = "unknown"
	KindUpstreamUnavailable Kind = "upstream_unavailable"
	KindProtocolMalformed   Kind = "protocol_malformed"
	KindCredentialMissing   Kind = "credential_missing"
	KindPersistenceFailure  Kind = "persistence_failure"
)

// Error tags an underlying error with its kind and the component that saw it.
type Error struct {
	Kind      Kind
	Source    string
	Status    int
	Retryable bool
	Err       error
}

func (e *Error) Error() string {
	if e.Status > 0 {
		return fmt.Sprintf("%s: %s (status %d): %v", e.Source, e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Source, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Upstream marks err as an unreachable or failing remote service.
func Upstream(source string, err error) error {
	return &Error{Kind: KindUpstreamUnavailable, Source: source, Err: err}
}

// UpstreamStatus marks a failed HTTP exchange with the status the remote returned.
func UpstreamStatus(source string, status int, err error) error {
	return &Error{
		Kind:      KindUpstreamUnavailable,
		Source:    source,
		Status:    status,
		Retryable: IsRetryableHTTPStatus(status),
		Err:       err,
	}
}

func Malformed(source string, err error) error {
	return &Error{Kind: KindProtocolMalformed, Source: source, Err: err}
}

func CredentialMissing(source string) error {
	return &Error{Kind: KindCredentialMissing, Source: source, Err: errors.New("credentials not configured")}
}

func Persistence(source string, err error) error {
	return &Error{Kind: KindPersistenceFailure, Source: source, Err: err}
}

// KindOf returns the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes. The gateway
// never retries itself; the flag is reported to clients.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsNormalClosure reports whether err is the expected end of a socket or
// stream rather than a failure.
func IsNormalClosure(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) || errors.Is(err, context.Canceled) {
		return true
	}
	var ce *websocket.CloseError
	if !errors.As(err, &ce) {
		return false
	}
	switch ce.Code {
	case websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived:
		return true
	}
	return false
}
