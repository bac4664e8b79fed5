package types

import (
	"errors"
	"fmt"
)

// The error taxonomy of the real-time layer. Every error leaving a component wraps exactly one
// of these, so callers can classify with errors.Is.
var (
	ErrAuthentication         = errors.New("authentication failed")
	ErrUserUnavailable        = errors.New("user unavailable")
	ErrBusy                   = errors.New("busy")
	ErrStoreUnavailable       = errors.New("presence store unavailable")
	ErrPersistenceUnavailable = errors.New("persistence unavailable")
	ErrValidation             = errors.New("validation error")
	ErrInternal               = errors.New("internal error")
)

const (
	ErrorKindAuthentication         = "authentication"
	ErrorKindUserUnavailable        = "user_unavailable"
	ErrorKindBusy                   = "busy"
	ErrorKindStoreUnavailable       = "store_unavailable"
	ErrorKindPersistenceUnavailable = "persistence_unavailable"
	ErrorKindValidation             = "validation"
	ErrorKindInternal               = "internal"
)

var errorKinds = []struct {
	err  error
	kind string
}{
	{ErrAuthentication, ErrorKindAuthentication},
	{ErrUserUnavailable, ErrorKindUserUnavailable},
	{ErrBusy, ErrorKindBusy},
	{ErrStoreUnavailable, ErrorKindStoreUnavailable},
	{ErrPersistenceUnavailable, ErrorKindPersistenceUnavailable},
	{ErrValidation, ErrorKindValidation},
	{ErrInternal, ErrorKindInternal},
}

// ErrorKind maps err onto its wire kind. Anything outside the taxonomy is internal.
func ErrorKind(err error) string {
	for _, ek := range errorKinds {
		if errors.Is(err, ek.err) {
			return ek.kind
		}
	}
	return ErrorKindInternal
}

// PublicMessage returns the text that may be shown to the client for err. Internal errors are
// reduced to a generic message, their details stay in the log.
func PublicMessage(err error) string {
	switch ErrorKind(err) {
	case ErrorKindInternal:
		return "internal error"
	case ErrorKindStoreUnavailable:
		return "presence temporarily unavailable"
	case ErrorKindPersistenceUnavailable:
		return "failed to send message"
	case ErrorKindUserUnavailable:
		return "user is offline"
	case ErrorKindBusy:
		return "user is busy"
	}
	return err.Error()
}

// Validationf builds a ValidationError with a formatted reason.
func Validationf(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
