package store

import (
	"database/sql"
	"time"
)

// Notification statuses
const (
	NotificationPending = "PENDING"
	NotificationSent    = "SENT"
	NotificationFailed  = "FAILED"
)

// Notification priorities
const (
	PriorityHigh   = "HIGH"
	PriorityNormal = "NORMAL"
	PriorityLow    = "LOW"
)

// Notification is a persisted message for a user. Rows are append-only;
// only status, attempts and read-state mutate after insert.
type Notification struct {
	ID            string
	UserID        string
	Kind          string
	Title         string
	Message       string
	Priority      string
	Data          string // JSON payload
	Status        string
	Attempts      int
	NextAttemptAt *time.Time
	IsRead        bool
	ReadAt        *time.Time
	CreatedAt     time.Time
}

const notificationCols = "id, user_id, kind, title, message, priority, data, status, attempts, next_attempt_at, is_read, read_at, created_at"

func scanNotification(scan func(dest ...any) error) (*Notification, error) {
	n := &Notification{}
	var nextAttempt, readAt sql.NullTime
	err := scan(&n.ID, &n.UserID, &n.Kind, &n.Title, &n.Message, &n.Priority, &n.Data,
		&n.Status, &n.Attempts, &nextAttempt, &n.IsRead, &readAt, &n.CreatedAt)
	if err != nil {
		return nil, err
	}
	if nextAttempt.Valid {
		n.NextAttemptAt = &nextAttempt.Time
	}
	if readAt.Valid {
		n.ReadAt = &readAt.Time
	}
	return n, nil
}

// InsertNotification persists a notification with status PENDING
func (s *Store) InsertNotification(n *Notification) error {
	if n.Status == "" {
		n.Status = NotificationPending
	}
	if n.Priority == "" {
		n.Priority = PriorityNormal
	}
	if n.Data == "" {
		n.Data = "{}"
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO notifications (id, user_id, kind, title, message, priority, data, status, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, n.ID, n.UserID, n.Kind, n.Title, n.Message, n.Priority, n.Data, n.Status, n.CreatedAt)
	return err
}

// MarkNotificationSent flips a PENDING notification to SENT. Returns
// false when the row was no longer PENDING, so concurrent delivery
// paths (flush, retry sweep, publish) claim each row at most once.
func (s *Store) MarkNotificationSent(id string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE notifications SET status = 'SENT' WHERE id = ? AND status = 'PENDING'", id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// RecordDeliveryAttempt puts a claimed notification back to PENDING,
// increments the attempt counter and schedules the next retry
func (s *Store) RecordDeliveryAttempt(id string, nextAttempt time.Time) error {
	_, err := s.db.Exec(
		"UPDATE notifications SET status = 'PENDING', attempts = attempts + 1, next_attempt_at = ? WHERE id = ?",
		nextAttempt, id,
	)
	return err
}

// MarkNotificationFailed gives up on delivery; the row stays visible
// in listings and login-time flushes
func (s *Store) MarkNotificationFailed(id string) error {
	_, err := s.db.Exec("UPDATE notifications SET status = 'FAILED' WHERE id = ?", id)
	return err
}

// PendingNotifications returns PENDING notifications for a user newer
// than the retention cutoff, highest priority first, then most recent.
func (s *Store) PendingNotifications(userID string, cutoff time.Time) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT `+notificationCols+` FROM notifications
		WHERE user_id = ? AND status = 'PENDING' AND created_at >= ?
		ORDER BY CASE priority WHEN 'HIGH' THEN 0 WHEN 'NORMAL' THEN 1 ELSE 2 END ASC,
			created_at DESC
	`, userID, cutoff)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// NotificationsDueForRetry returns PENDING notifications whose next
// attempt time has passed and that still have retry budget left.
func (s *Store) NotificationsDueForRetry(now time.Time, maxAttempts int) ([]Notification, error) {
	rows, err := s.db.Query(`
		SELECT `+notificationCols+` FROM notifications
		WHERE status = 'PENDING'
		  AND attempts > 0
		  AND attempts < ?
		  AND next_attempt_at IS NOT NULL
		  AND next_attempt_at <= ?
		ORDER BY next_attempt_at ASC
	`, maxAttempts, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// ListNotifications returns a user's notifications newest first
func (s *Store) ListNotifications(userID string, limit int, unreadOnly bool) ([]Notification, error) {
	query := "SELECT " + notificationCols + " FROM notifications WHERE user_id = ?"
	if unreadOnly {
		query += " AND is_read = 0"
	}
	query += " ORDER BY created_at DESC LIMIT ?"

	rows, err := s.db.Query(query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectNotifications(rows)
}

// MarkNotificationRead marks one notification as read, scoped to its owner
func (s *Store) MarkNotificationRead(id, userID string) (bool, error) {
	res, err := s.db.Exec(
		"UPDATE notifications SET is_read = 1, read_at = ? WHERE id = ? AND user_id = ? AND is_read = 0",
		time.Now().UTC(), id, userID,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// MarkAllNotificationsRead marks every unread notification for a user as read
func (s *Store) MarkAllNotificationsRead(userID string) error {
	_, err := s.db.Exec(
		"UPDATE notifications SET is_read = 1, read_at = ? WHERE user_id = ? AND is_read = 0",
		time.Now().UTC(), userID,
	)
	return err
}

// UnreadNotificationCount returns the number of unread notifications
func (s *Store) UnreadNotificationCount(userID string) (int, error) {
	var count int
	err := s.db.QueryRow(
		"SELECT COUNT(*) FROM notifications WHERE user_id = ? AND is_read = 0",
		userID,
	).Scan(&count)
	return count, err
}

// DeleteNotificationsOlderThan removes notifications created before the
// cutoff and returns how many were deleted
func (s *Store) DeleteNotificationsOlderThan(cutoff time.Time) (int64, error) {
	res, err := s.db.Exec("DELETE FROM notifications WHERE created_at < ?", cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func collectNotifications(rows *sql.Rows) ([]Notification, error) {
	var notifications []Notification
	for rows.Next() {
		n, err := scanNotification(rows.Scan)
		if err != nil {
			return nil, err
		}
		notifications = append(notifications, *n)
	}
	return notifications, rows.Err()
}
