package reliability

import (
	"errors"
	"fmt"
)

// Kind groups failures by how the voice pipeline reacts to them.
type Kind string

const (
	KindPermission  Kind = "permission"
	KindDevice      Kind = "device"
	KindUnsupported Kind = "unsupported"
	KindNetwork     Kind = "network"
	KindProtocol    Kind = "protocol"
	KindValidation  Kind = "validation"
	KindTimeout     Kind = "timeout"
	KindUnavailable Kind = "unavailable"
	KindOther       Kind = "other"
)

// Error carries a Kind alongside the failing operation.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	return fmt.Sprintf("%s: %v", e.Op, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New wraps err with kind. A nil err still produces an error so callers can
// report kind-only failures such as timeouts.
func New(kind Kind, op string, err error) error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// Newf is New with a formatted message as the wrapped error.
func Newf(kind Kind, op, format string, args ...any) error {
	return &Error{Kind: kind, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf reports the kind of the first *Error in err's chain.
func KindOf(err error) Kind {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindOther
}

// Is reports whether err carries kind.
func Is(err error, kind Kind) bool {
	return err != nil && KindOf(err) == kind
}

// Fatal reports whether the failure should abort a listening session rather
// than degrade to a notification.
func Fatal(err error) bool {
	switch KindOf(err) {
	case KindPermission, KindDevice, KindUnsupported:
		return true
	default:
		return false
	}
}

// IsRetryableHTTPStatus classifies retryable HTTP status codes. Nothing in the
// pipeline retries on its own; callers use this to phrase notifications.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// KindForHTTPStatus maps an upstream status code to a Kind.
func KindForHTTPStatus(code int) Kind {
	switch {
	case code == 401 || code == 403:
		return KindPermission
	case code == 408 || code == 504:
		return KindTimeout
	case code == 400 || code == 422:
		return KindValidation
	case code == 429 || code >= 500:
		return KindUnavailable
	default:
		return KindNetwork
	}
}
