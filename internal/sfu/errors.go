// Package sfu implements the session-management core: per-session
// lifecycle queues, ICE buffering, media watchdogs, the shared bridge
// registry, and the fault chain from MCS outage to client notification.
package sfu

import (
	"context"
	"errors"
	"fmt"

	"github.com/voxmeet/sfu/internal/bus"
)

// SFUError is a catalogue entry surfaced to clients. Only catalogue
// entries ever reach the wire; raw internal error text does not.
type SFUError struct {
	Code   int
	Reason string
}

func (e *SFUError) Error() string {
	return fmt.Sprintf("%s (code %d)", e.Reason, e.Code)
}

// The fixed error catalogue.
var (
	ErrMediaServerOffline = &SFUError{Code: 2001, Reason: "MEDIA_SERVER_OFFLINE"}
	ErrInvalidRequest     = &SFUError{Code: 2200, Reason: "SFU_INVALID_REQUEST"}
	ErrNegotiationFailed  = &SFUError{Code: 2210, Reason: "NEGOTIATION_FAILED"}
	ErrMediaTimeout       = &SFUError{Code: 2211, Reason: "MEDIA_TIMEOUT"}
	ErrPermissionDenied   = &SFUError{Code: 2403, Reason: "PERMISSION_DENIED"}
)

// NormalizeError maps any error to its catalogue entry. Unclassified
// errors during negotiation collapse to NEGOTIATION_FAILED.
func NormalizeError(err error) *SFUError {
	var sfuErr *SFUError
	if errors.As(err, &sfuErr) {
		return sfuErr
	}
	if errors.Is(err, bus.ErrDenied) {
		return ErrPermissionDenied
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrMediaTimeout
	}
	return ErrNegotiationFailed
}
