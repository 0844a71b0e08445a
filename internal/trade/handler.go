package trade

import (
	"time"

	"shiftswap/internal/store"
)

// handler implements the kind-specific half of the trade lifecycle.
// Validation of new requests and the effect of an accepted response
// differ between a swap and a giveaway; everything else is shared and
// lives on the engine.
type handler interface {
	// validate checks a new request before it is opened
	validate(tx *store.Tx, req *store.TradeRequest) error

	// accept applies the effect of an accepted response. Any error
	// aborts the surrounding transaction, leaving state untouched.
	accept(tx *store.Tx, req *store.TradeRequest, resp *store.TradeResponse, now time.Time) ([]Event, error)
}

func handlerFor(kind string) (handler, error) {
	switch kind {
	case store.KindTrade:
		return swapHandler{}, nil
	case store.KindGiveaway:
		return giveawayHandler{}, nil
	default:
		return nil, ErrUnknownKind
	}
}

// validateOwnership is shared by both handlers: the original shift must
// exist, belong to the author, and not already be in an OPEN request.
func validateOwnership(tx *store.Tx, req *store.TradeRequest) error {
	shift, err := tx.GetShift(req.OriginalShiftID)
	if err != nil {
		return err
	}
	if shift.OwnerUserID != req.AuthorID {
		return ErrShiftNotOwned
	}

	inTrade, err := tx.HasOpenTradeForShift(req.OriginalShiftID)
	if err != nil {
		return err
	}
	if inTrade {
		return ErrShiftAlreadyInTrade
	}
	return nil
}

// swapHandler exchanges two shifts between the author and the respondent
type swapHandler struct{}

func (swapHandler) validate(tx *store.Tx, req *store.TradeRequest) error {
	if err := validateOwnership(tx, req); err != nil {
		return err
	}
	// The preferred shift is a wish, not a commitment; it only has to exist.
	if req.PreferredShiftID != "" {
		if _, err := tx.GetShift(req.PreferredShiftID); err != nil {
			return err
		}
	}
	return nil
}

func (swapHandler) accept(tx *store.Tx, req *store.TradeRequest, resp *store.TradeResponse, now time.Time) ([]Event, error) {
	original, err := tx.GetShift(req.OriginalShiftID)
	if err != nil {
		return nil, err
	}
	offered, err := tx.GetShift(resp.OfferedShiftID)
	if err != nil {
		return nil, err
	}

	// Ownership may have changed since the response was created
	if original.OwnerUserID != req.AuthorID {
		return nil, ErrShiftNotOwned
	}
	if offered.OwnerUserID != resp.RespondentID {
		return nil, ErrShiftNotOwned
	}

	// Neither party may end up double-booked. The two shifts being
	// swapped are excluded from their own conflict windows.
	conflict, err := tx.HasConflict(req.AuthorID, offered.Start, offered.End, original.ID, offered.ID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, &ConflictError{UserID: req.AuthorID, ShiftID: offered.ID, Start: offered.Start, End: offered.End}
	}
	conflict, err = tx.HasConflict(resp.RespondentID, original.Start, original.End, original.ID, offered.ID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, &ConflictError{UserID: resp.RespondentID, ShiftID: original.ID, Start: original.Start, End: original.End}
	}

	// Atomic two-row swap within the transaction
	if err := tx.UpdateShiftOwner(original.ID, resp.RespondentID); err != nil {
		return nil, err
	}
	if err := tx.UpdateShiftOwner(offered.ID, req.AuthorID); err != nil {
		return nil, err
	}

	return []Event{
		completedEvent(req, resp, req.AuthorID, offered, now),
		completedEvent(req, resp, resp.RespondentID, original, now),
	}, nil
}

// giveawayHandler transfers a shift to the respondent with nothing in return
type giveawayHandler struct{}

func (giveawayHandler) validate(tx *store.Tx, req *store.TradeRequest) error {
	return validateOwnership(tx, req)
}

func (giveawayHandler) accept(tx *store.Tx, req *store.TradeRequest, resp *store.TradeResponse, now time.Time) ([]Event, error) {
	original, err := tx.GetShift(req.OriginalShiftID)
	if err != nil {
		return nil, err
	}
	if original.OwnerUserID != req.AuthorID {
		return nil, ErrShiftNotOwned
	}
	// A shift that has already started cannot change hands
	if !original.Start.After(now) {
		return nil, ErrShiftInPast
	}

	conflict, err := tx.HasConflict(resp.RespondentID, original.Start, original.End, original.ID)
	if err != nil {
		return nil, err
	}
	if conflict {
		return nil, &ConflictError{UserID: resp.RespondentID, ShiftID: original.ID, Start: original.Start, End: original.End}
	}

	if err := tx.UpdateShiftOwner(original.ID, resp.RespondentID); err != nil {
		return nil, err
	}

	// Exactly one response wins a giveaway; everyone else still
	// pending is rejected in the same transaction.
	rejected, err := tx.RejectPendingResponses(req.ID, resp.ID)
	if err != nil {
		return nil, err
	}

	events := make([]Event, 0, len(rejected)+2)
	for _, r := range rejected {
		events = append(events, Event{
			Kind:       EventTradeResponseRejected,
			TradeID:    req.ID,
			TradeKind:  req.Kind,
			ResponseID: r.ID,
			Recipient:  r.RespondentID,
			OccurredAt: now,
			Data:       map[string]any{"reason": "another response was accepted"},
		})
	}
	events = append(events,
		completedEvent(req, resp, req.AuthorID, nil, now),
		completedEvent(req, resp, resp.RespondentID, original, now),
	)
	return events, nil
}

// completedEvent builds a TradeCompleted event. newShift is the shift the
// recipient gained, nil when they gave one away.
func completedEvent(req *store.TradeRequest, resp *store.TradeResponse, recipient string, newShift *store.Shift, now time.Time) Event {
	data := map[string]any{}
	if newShift != nil {
		data["new_shift_id"] = newShift.ID
		data["new_shift_start"] = newShift.Start.Format(time.RFC3339)
		data["new_shift_end"] = newShift.End.Format(time.RFC3339)
	}
	return Event{
		Kind:       EventTradeCompleted,
		TradeID:    req.ID,
		TradeKind:  req.Kind,
		ResponseID: resp.ID,
		Recipient:  recipient,
		OccurredAt: now,
		Data:       data,
	}
}
