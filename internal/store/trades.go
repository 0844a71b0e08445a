package store

import (
	"database/sql"
	"errors"
	"time"
)

var (
	ErrTradeNotFound    = errors.New("trade request not found")
	ErrResponseNotFound = errors.New("trade response not found")
)

// Trade request kinds
const (
	KindTrade    = "TRADE"
	KindGiveaway = "GIVEAWAY"
)

// Trade request statuses. OPEN is the only non-terminal state.
const (
	TradeOpen      = "OPEN"
	TradeCompleted = "COMPLETED"
	TradeCancelled = "CANCELLED"
)

// Trade response statuses. PENDING is the only non-terminal state.
const (
	ResponsePending  = "PENDING"
	ResponseAccepted = "ACCEPTED"
	ResponseRejected = "REJECTED"
)

// Urgency levels
const (
	UrgencyNormal = "normal"
	UrgencyHigh   = "high"
)

// TradeRequest is an offer to trade or give away a shift
type TradeRequest struct {
	ID               string
	Kind             string
	AuthorID         string
	OriginalShiftID  string
	PreferredShiftID string // optional, TRADE only
	Reason           string
	Urgency          string
	Status           string
	CreatedAt        time.Time
}

// TradeResponse is another user's offer against a trade request
type TradeResponse struct {
	ID             string
	TradeRequestID string
	RespondentID   string
	OfferedShiftID string // required for TRADE, empty for GIVEAWAY
	Content        string
	Status         string
	CreatedAt      time.Time
}

const tradeRequestCols = "id, kind, author_id, original_shift_id, COALESCE(preferred_shift_id, ''), reason, urgency, status, created_at"

func scanTradeRequest(row *sql.Row) (*TradeRequest, error) {
	r := &TradeRequest{}
	err := row.Scan(&r.ID, &r.Kind, &r.AuthorID, &r.OriginalShiftID, &r.PreferredShiftID,
		&r.Reason, &r.Urgency, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrTradeNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// InsertTradeRequest persists a new request
func (t *Tx) InsertTradeRequest(r *TradeRequest) error {
	var preferred any
	if r.PreferredShiftID != "" {
		preferred = r.PreferredShiftID
	}
	_, err := t.tx.Exec(`
		INSERT INTO trade_requests (id, kind, author_id, original_shift_id, preferred_shift_id, reason, urgency, status)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, r.ID, r.Kind, r.AuthorID, r.OriginalShiftID, preferred, r.Reason, r.Urgency, r.Status)
	return err
}

// GetTradeRequest retrieves a request inside the transaction
func (t *Tx) GetTradeRequest(id string) (*TradeRequest, error) {
	return scanTradeRequest(t.tx.QueryRow(
		"SELECT "+tradeRequestCols+" FROM trade_requests WHERE id = ?", id))
}

// GetTradeRequest retrieves a request by ID
func (s *Store) GetTradeRequest(id string) (*TradeRequest, error) {
	return scanTradeRequest(s.db.QueryRow(
		"SELECT "+tradeRequestCols+" FROM trade_requests WHERE id = ?", id))
}

// HasOpenTradeForShift reports whether an OPEN request already references
// the shift. At most one OPEN request may exist per shift.
func (t *Tx) HasOpenTradeForShift(shiftID string) (bool, error) {
	var exists bool
	err := t.tx.QueryRow(`
		SELECT EXISTS(SELECT 1 FROM trade_requests WHERE original_shift_id = ? AND status = 'OPEN')
	`, shiftID).Scan(&exists)
	return exists, err
}

// MarkTradeCompleted flips an OPEN request to COMPLETED. Returns false if
// the request was no longer OPEN, which resolves the concurrent-accept
// race: the first committer wins, later attempts observe zero rows.
func (t *Tx) MarkTradeCompleted(id string) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE trade_requests SET status = 'COMPLETED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkTradeCancelled flips an OPEN request to CANCELLED. Returns false
// if the request was already terminal.
func (t *Tx) MarkTradeCancelled(id string) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE trade_requests SET status = 'CANCELLED', updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'OPEN'
	`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// DeleteTradeRequest removes a request and its responses outright
func (t *Tx) DeleteTradeRequest(id string) error {
	if _, err := t.tx.Exec("DELETE FROM trade_responses WHERE trade_request_id = ?", id); err != nil {
		return err
	}
	_, err := t.tx.Exec("DELETE FROM trade_requests WHERE id = ?", id)
	return err
}

// InsertTradeResponse persists a new response
func (t *Tx) InsertTradeResponse(r *TradeResponse) error {
	var offered any
	if r.OfferedShiftID != "" {
		offered = r.OfferedShiftID
	}
	_, err := t.tx.Exec(`
		INSERT INTO trade_responses (id, trade_request_id, respondent_id, offered_shift_id, content, status)
		VALUES (?, ?, ?, ?, ?, ?)
	`, r.ID, r.TradeRequestID, r.RespondentID, offered, r.Content, r.Status)
	return err
}

const tradeResponseCols = "id, trade_request_id, respondent_id, COALESCE(offered_shift_id, ''), content, status, created_at"

// GetTradeResponse retrieves a response belonging to the given request
func (t *Tx) GetTradeResponse(requestID, responseID string) (*TradeResponse, error) {
	r := &TradeResponse{}
	err := t.tx.QueryRow(
		"SELECT "+tradeResponseCols+" FROM trade_responses WHERE id = ? AND trade_request_id = ?",
		responseID, requestID,
	).Scan(&r.ID, &r.TradeRequestID, &r.RespondentID, &r.OfferedShiftID, &r.Content, &r.Status, &r.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrResponseNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

// MarkResponseStatus flips a PENDING response to a terminal status.
// Returns false if the response was already resolved.
func (t *Tx) MarkResponseStatus(id, status string) (bool, error) {
	res, err := t.tx.Exec(`
		UPDATE trade_responses SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE id = ? AND status = 'PENDING'
	`, status, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RejectPendingResponses marks every PENDING response on the request as
// REJECTED, except the one being accepted, and returns the rejected rows.
func (t *Tx) RejectPendingResponses(requestID, exceptResponseID string) ([]TradeResponse, error) {
	rows, err := t.tx.Query(
		"SELECT "+tradeResponseCols+" FROM trade_responses WHERE trade_request_id = ? AND status = 'PENDING' AND id != ? ORDER BY created_at ASC",
		requestID, exceptResponseID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rejected []TradeResponse
	for rows.Next() {
		var r TradeResponse
		if err := rows.Scan(&r.ID, &r.TradeRequestID, &r.RespondentID, &r.OfferedShiftID,
			&r.Content, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		r.Status = ResponseRejected
		rejected = append(rejected, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	_, err = t.tx.Exec(`
		UPDATE trade_responses SET status = 'REJECTED', updated_at = CURRENT_TIMESTAMP
		WHERE trade_request_id = ? AND status = 'PENDING' AND id != ?
	`, requestID, exceptResponseID)
	return rejected, err
}

// ListTradeRequests returns requests newest first, optionally filtered
// by status and kind. Empty filter values match everything.
func (s *Store) ListTradeRequests(status, kind string) ([]TradeRequest, error) {
	query := "SELECT " + tradeRequestCols + " FROM trade_requests WHERE 1=1"
	var args []any
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	if kind != "" {
		query += " AND kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var requests []TradeRequest
	for rows.Next() {
		var r TradeRequest
		if err := rows.Scan(&r.ID, &r.Kind, &r.AuthorID, &r.OriginalShiftID, &r.PreferredShiftID,
			&r.Reason, &r.Urgency, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		requests = append(requests, r)
	}
	return requests, rows.Err()
}

// ListTradeResponses returns all responses for a request, oldest first
func (s *Store) ListTradeResponses(requestID string) ([]TradeResponse, error) {
	rows, err := s.db.Query(
		"SELECT "+tradeResponseCols+" FROM trade_responses WHERE trade_request_id = ? ORDER BY created_at ASC",
		requestID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var responses []TradeResponse
	for rows.Next() {
		var r TradeResponse
		if err := rows.Scan(&r.ID, &r.TradeRequestID, &r.RespondentID, &r.OfferedShiftID,
			&r.Content, &r.Status, &r.CreatedAt); err != nil {
			return nil, err
		}
		responses = append(responses, r)
	}
	return responses, rows.Err()
}
