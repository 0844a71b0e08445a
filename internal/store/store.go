package store

import (
	"database/sql"

	_ "modernc.org/sqlite"
)

// Store provides SQLite persistence for users, shifts, trades and notifications
type Store struct {
	db *sql.DB
}

// New creates a new Store and initializes the schema
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}

	// The matching engine serializes multi-row mutations through
	// transactions; a single writer avoids SQLITE_BUSY under load.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id TEXT PRIMARY KEY,
		username TEXT UNIQUE NOT NULL,
		password_hash TEXT NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS sessions (
		token TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		expires_at DATETIME NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS shifts (
		id TEXT PRIMARY KEY,
		owner_user_id TEXT NOT NULL REFERENCES users(id),
		start_time DATETIME NOT NULL,
		end_time DATETIME NOT NULL,
		status TEXT NOT NULL DEFAULT 'confirmed',  -- pending|confirmed|cancelled|completed
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE TABLE IF NOT EXISTS trade_requests (
		id TEXT PRIMARY KEY,
		kind TEXT NOT NULL,  -- TRADE|GIVEAWAY
		author_id TEXT NOT NULL REFERENCES users(id),
		original_shift_id TEXT NOT NULL REFERENCES shifts(id),
		preferred_shift_id TEXT REFERENCES shifts(id),
		reason TEXT NOT NULL DEFAULT '',
		urgency TEXT NOT NULL DEFAULT 'normal',  -- normal|high
		status TEXT NOT NULL DEFAULT 'OPEN',  -- OPEN|COMPLETED|CANCELLED
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS trade_responses (
		id TEXT PRIMARY KEY,
		trade_request_id TEXT NOT NULL REFERENCES trade_requests(id),
		respondent_id TEXT NOT NULL REFERENCES users(id),
		offered_shift_id TEXT REFERENCES shifts(id),
		content TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'PENDING',  -- PENDING|ACCEPTED|REJECTED
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP,
		updated_at DATETIME
	);

	CREATE TABLE IF NOT EXISTS notifications (
		id TEXT PRIMARY KEY,
		user_id TEXT NOT NULL REFERENCES users(id),
		kind TEXT NOT NULL,
		title TEXT NOT NULL,
		message TEXT NOT NULL,
		priority TEXT NOT NULL DEFAULT 'NORMAL',  -- HIGH|NORMAL|LOW
		data TEXT NOT NULL DEFAULT '{}',
		status TEXT NOT NULL DEFAULT 'PENDING',  -- PENDING|SENT|FAILED
		attempts INTEGER NOT NULL DEFAULT 0,
		next_attempt_at DATETIME,
		is_read INTEGER NOT NULL DEFAULT 0,
		read_at DATETIME,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_shifts_owner ON shifts(owner_user_id);
	CREATE INDEX IF NOT EXISTS idx_trade_requests_shift ON trade_requests(original_shift_id);
	CREATE INDEX IF NOT EXISTS idx_trade_requests_status ON trade_requests(status);
	CREATE INDEX IF NOT EXISTS idx_trade_responses_request ON trade_responses(trade_request_id);
	CREATE INDEX IF NOT EXISTS idx_notifications_user ON notifications(user_id, status);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Tx wraps a single storage transaction. All matching-engine mutations
// run through one Tx so validation and mutation see the same snapshot.
type Tx struct {
	tx *sql.Tx
}

// WithTx runs fn inside a transaction, committing if fn returns nil
// and rolling back otherwise.
func (s *Store) WithTx(fn func(*Tx) error) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(&Tx{tx: tx}); err != nil {
		return err
	}
	return tx.Commit()
}
