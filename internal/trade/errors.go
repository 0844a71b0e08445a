package trade

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotAuthorized means the actor is not the request's author.
	ErrNotAuthorized = errors.New("not authorized")

	// ErrTradeNotOpen means the request is no longer OPEN. It is also the
	// loser's outcome in a concurrent-accept race.
	ErrTradeNotOpen = errors.New("trade request is not open")

	// ErrAlreadyResolved means the response already left PENDING.
	ErrAlreadyResolved = errors.New("trade response already resolved")

	// ErrInvalidStateTransition means the operation targets a terminal-state entity.
	ErrInvalidStateTransition = errors.New("invalid state transition")

	// ErrShiftNotOwned means the referenced shift does not belong to the actor.
	ErrShiftNotOwned = errors.New("shift does not belong to user")

	// ErrShiftAlreadyInTrade means an OPEN request already references the shift.
	ErrShiftAlreadyInTrade = errors.New("an open trade request already exists for this shift")

	// ErrSelfResponse means a user tried to respond to their own request.
	ErrSelfResponse = errors.New("cannot respond to your own trade request")

	// ErrShiftInPast means a giveaway was accepted for a shift that already started.
	ErrShiftInPast = errors.New("shift is in the past")

	// ErrOfferedShiftRequired means a TRADE response carried no offered shift.
	ErrOfferedShiftRequired = errors.New("offered shift required for trade response")

	// ErrUnknownKind means the request kind has no registered handler.
	ErrUnknownKind = errors.New("unknown trade kind")
)

// ConflictError reports a schedule overlap that blocked an acceptance.
// It names the user and shift that conflicted so the caller can act.
type ConflictError struct {
	UserID  string
	ShiftID string
	Start   time.Time
	End     time.Time
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("schedule conflict for user %s on window %s to %s (shift %s)",
		e.UserID, e.Start.Format(time.RFC3339), e.End.Format(time.RFC3339), e.ShiftID)
}

// IsConflict reports whether err is a ConflictError
func IsConflict(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}
