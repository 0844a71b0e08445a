package store

import (
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
)

var ErrShiftNotFound = errors.New("shift not found")

// Shift statuses
const (
	ShiftPending   = "pending"
	ShiftConfirmed = "confirmed"
	ShiftCancelled = "cancelled"
	ShiftCompleted = "completed"
)

// Shift is a scheduled work interval owned by exactly one user.
// Ownership changes only through an accepted trade or giveaway.
type Shift struct {
	ID          string
	OwnerUserID string
	Start       time.Time
	End         time.Time
	Status      string
	CreatedAt   time.Time
}

// CreateShift inserts a shift. Scheduling itself lives outside this
// service; this exists for the scheduling collaborator and tests.
func (s *Store) CreateShift(ownerUserID string, start, end time.Time, status string) (*Shift, error) {
	if status == "" {
		status = ShiftConfirmed
	}
	id := uuid.New().String()
	_, err := s.db.Exec(
		"INSERT INTO shifts (id, owner_user_id, start_time, end_time, status) VALUES (?, ?, ?, ?, ?)",
		id, ownerUserID, start, end, status,
	)
	if err != nil {
		return nil, err
	}
	return &Shift{ID: id, OwnerUserID: ownerUserID, Start: start, End: end, Status: status}, nil
}

// GetShift retrieves a shift by ID
func (s *Store) GetShift(id string) (*Shift, error) {
	return getShift(s.db, id)
}

// ListShiftsByUser returns all shifts owned by a user, earliest first
func (s *Store) ListShiftsByUser(userID string) ([]Shift, error) {
	rows, err := s.db.Query(`
		SELECT id, owner_user_id, start_time, end_time, status, created_at
		FROM shifts
		WHERE owner_user_id = ?
		ORDER BY start_time ASC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var shifts []Shift
	for rows.Next() {
		var sh Shift
		if err := rows.Scan(&sh.ID, &sh.OwnerUserID, &sh.Start, &sh.End, &sh.Status, &sh.CreatedAt); err != nil {
			return nil, err
		}
		shifts = append(shifts, sh)
	}
	return shifts, rows.Err()
}

// querier is satisfied by both *sql.DB and *sql.Tx
type querier interface {
	QueryRow(query string, args ...any) *sql.Row
	Exec(query string, args ...any) (sql.Result, error)
}

func getShift(q querier, id string) (*Shift, error) {
	sh := &Shift{}
	err := q.QueryRow(
		"SELECT id, owner_user_id, start_time, end_time, status, created_at FROM shifts WHERE id = ?",
		id,
	).Scan(&sh.ID, &sh.OwnerUserID, &sh.Start, &sh.End, &sh.Status, &sh.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, ErrShiftNotFound
	}
	if err != nil {
		return nil, err
	}
	return sh, nil
}

// GetShift retrieves a shift inside the transaction
func (t *Tx) GetShift(id string) (*Shift, error) {
	return getShift(t.tx, id)
}

// UpdateShiftOwner reassigns a shift to a new owner
func (t *Tx) UpdateShiftOwner(shiftID, userID string) error {
	res, err := t.tx.Exec("UPDATE shifts SET owner_user_id = ? WHERE id = ?", userID, shiftID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrShiftNotFound
	}
	return nil
}

// HasConflict reports whether the user owns any non-cancelled shift whose
// interval strictly overlaps [start, end), excluding excludeShiftIDs.
// Half-open semantics: back-to-back shifts (a.end == b.start) do not conflict.
func (t *Tx) HasConflict(userID string, start, end time.Time, excludeShiftIDs ...string) (bool, error) {
	query := `
		SELECT EXISTS(
			SELECT 1 FROM shifts
			WHERE owner_user_id = ?
			  AND status != 'cancelled'
			  AND start_time < ?
			  AND end_time > ?`
	args := []any{userID, end, start}
	for _, id := range excludeShiftIDs {
		query += " AND id != ?"
		args = append(args, id)
	}
	query += ")"

	var conflict bool
	if err := t.tx.QueryRow(query, args...).Scan(&conflict); err != nil {
		return false, err
	}
	return conflict, nil
}
