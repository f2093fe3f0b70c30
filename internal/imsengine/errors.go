package imsengine

import (
	"errors"
	"fmt"
)

// ErrNotConnected is returned when the IMS registration is down. Callers
// treat it as transient: the entity stays queued for a later sweep.
var ErrNotConnected = errors.New("imsengine: not registered")

// ErrorCode classifies permanent protocol-level failures.
type ErrorCode string

const (
	CodeInitiationFailed ErrorCode = "initiation_failed"
	CodeDeclined         ErrorCode = "declined"
	CodeNotFound         ErrorCode = "not_found"
	CodeRestartFailed    ErrorCode = "restart_failed"
	CodeMediaFailed      ErrorCode = "media_failed"
	CodePayloadInvalid   ErrorCode = "payload_invalid"
	CodeUnsupportedMedia ErrorCode = "unsupported_media"
)

// SessionError is a permanent protocol failure with its code.
type SessionError struct {
	Code ErrorCode
	Msg  string
}

func (e *SessionError) Error() string {
	if e.Msg == "" {
		return fmt.Sprintf("imsengine: %s", e.Code)
	}
	return fmt.Sprintf("imsengine: %s: %s", e.Code, e.Msg)
}

// CodeOf extracts the error code from err, or empty when err is not a
// SessionError.
func CodeOf(err error) ErrorCode {
	var se *SessionError
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// Transient reports whether err should leave the entity queued for retry
// rather than failed.
func Transient(err error) bool {
	return errors.Is(err, ErrNotConnected)
}
