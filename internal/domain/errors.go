package domain

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrInvalidOrder  = errors.New("invalid order parameters")
	ErrLockHeld      = errors.New("lock already held")

	ErrSetupBusy      = errors.New("setup already has an open position")
	ErrInvalidSize    = errors.New("computed quantity is below one contract")
	ErrUnknownOrder   = errors.New("order is not tracked")
	ErrPositionClosed = errors.New("position is closed")
	ErrNotFilled      = errors.New("position entry not filled")
	ErrBlocked        = errors.New("blocked by compliance gate")
	ErrSignalExpired  = errors.New("signal expired")
	ErrSetupDisabled  = errors.New("setup disabled")
	ErrPollFailed     = errors.New("reconciliation poll failed")
	ErrPersistFailed  = errors.New("position persist failed")
)

// FailureKind classifies a brokerage failure by how much protection it costs
// an open position.
type FailureKind string

const (
	// EntryPlacementFailed is fatal for the signal. No position exists.
	EntryPlacementFailed FailureKind = "entry_placement_failed"
	// StopPlacementFailed leaves a live position unprotected and is escalated.
	StopPlacementFailed FailureKind = "stop_placement_failed"
	// TargetPlacementFailed is absorbed; the stop remains the exit path.
	TargetPlacementFailed FailureKind = "target_placement_failed"
	// ReplaceFailed is escalated; the previous stop keeps governing.
	ReplaceFailed FailureKind = "replace_failed"
	// CancelFailed is escalated because the order may still be working.
	CancelFailed FailureKind = "cancel_failed"
	// FlattenFailed is escalated; quantity may remain open at the broker.
	FlattenFailed FailureKind = "flatten_failed"
)

// Escalates reports whether a failure of this kind must reach a human.
func (k FailureKind) Escalates() bool {
	switch k {
	case StopPlacementFailed, ReplaceFailed, CancelFailed, FlattenFailed:
		return true
	}
	return false
}

// PlacementError carries a brokerage failure together with the leg it hit.
type PlacementError struct {
	Kind     FailureKind
	SignalID string
	Role     LegRole
	Err      error
}

func (e *PlacementError) Error() string {
	return fmt.Sprintf("%s: signal %s leg %s: %v", e.Kind, e.SignalID, e.Role, e.Err)
}

func (e *PlacementError) Unwrap() error { return e.Err }

// IsKind reports whether err is a PlacementError of the given kind.
func IsKind(err error, kind FailureKind) bool {
	var pe *PlacementError
	return errors.As(err, &pe) && pe.Kind == kind
}
