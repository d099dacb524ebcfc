package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"deltalima/models"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrUsernameTaken = errors.New("username is taken")
)

const timeLayout = time.RFC3339Nano

type DB struct {
	conn *sql.DB
}

func New(path string) (*DB, error) {
	conn, err := sql.Open("sqlite3", path+"?_foreign_keys=1&_journal_mode=WAL&_busy_timeout=5000")
	if err != nil {
		return nil, err
	}

	db := &DB{conn: conn}
	if err := db.init(); err != nil {
		conn.Close()
		return nil, err
	}

	return db, nil
}

func (db *DB) Close() error {
	return db.conn.Close()
}

func (db *DB) init() error {
	queries := []string{
		`CREATE TABLE IF NOT EXISTS users (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			username TEXT UNIQUE NOT NULL,
			password TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS queued_messages (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			id TEXT UNIQUE NOT NULL,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			recipient_id INTEGER NOT NULL REFERENCES users(id),
			body TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS messages (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			sender_id INTEGER NOT NULL REFERENCES users(id),
			recipient_id INTEGER NOT NULL REFERENCES users(id),
			text TEXT NOT NULL,
			timestamp TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_queued_recipient ON queued_messages(recipient_id, seq)`,
		`CREATE INDEX IF NOT EXISTS idx_messages_pair ON messages(sender_id, recipient_id)`,
	}

	for _, query := range queries {
		if _, err := db.conn.Exec(query); err != nil {
			return err
		}
	}

	return nil
}

// User methods

// InsertUser creates a user with a hashed password.
func (db *DB) InsertUser(ctx context.Context, username, password string) error {
	hashed, err := models.HashPassword(password)
	if err != nil {
		return err
	}

	_, err = db.conn.ExecContext(ctx,
		"INSERT INTO users (username, password, created_at) VALUES (?, ?, ?)",
		username, hashed, time.Now().UTC().Format(timeLayout),
	)
	if isUniqueViolation(err) {
		return ErrUsernameTaken
	}
	if err != nil {
		return fmt.Errorf("insert user: %w", err)
	}
	return nil
}

func (db *DB) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	u := &models.User{}
	err := db.conn.QueryRowContext(ctx,
		"SELECT id, username, password FROM users WHERE username = ?", username,
	).Scan(&u.ID, &u.Username, &u.Password)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get user %q: %w", username, err)
	}
	return u, nil
}

func (db *DB) GetUsernameByID(ctx context.Context, id int64) (string, error) {
	var username string
	err := db.conn.QueryRowContext(ctx, "SELECT username FROM users WHERE id = ?", id).Scan(&username)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get username of %d: %w", id, err)
	}
	return username, nil
}

func (db *DB) GetIDByUsername(ctx context.Context, username string) (int64, error) {
	var id int64
	err := db.conn.QueryRowContext(ctx, "SELECT id FROM users WHERE username = ?", username).Scan(&id)
	if err == sql.ErrNoRows {
		return 0, ErrNotFound
	}
	if err != nil {
		return 0, fmt.Errorf("get id of %q: %w", username, err)
	}
	return id, nil
}

// Queue methods

// EnqueueMessage stores a message for delivery and records it in the
// conversation history in one transaction.
func (db *DB) EnqueueMessage(ctx context.Context, senderID, recipientID int64, body string, timestamp time.Time) (*models.QueuedMessage, error) {
	msg := &models.QueuedMessage{
		ID:          uuid.NewString(),
		SenderID:    senderID,
		RecipientID: recipientID,
		Body:        body,
		Timestamp:   timestamp.UTC(),
		CreatedAt:   time.Now().UTC(),
	}

	tx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		"INSERT INTO queued_messages (id, sender_id, recipient_id, body, timestamp, created_at) VALUES (?, ?, ?, ?, ?, ?)",
		msg.ID, senderID, recipientID, body, msg.Timestamp.Format(timeLayout), msg.CreatedAt.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	if msg.Seq, err = res.LastInsertId(); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		"INSERT INTO messages (sender_id, recipient_id, text, timestamp) VALUES (?, ?, ?, ?)",
		senderID, recipientID, body, msg.Timestamp.Format(timeLayout),
	)
	if err != nil {
		return nil, fmt.Errorf("save history: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("enqueue message: %w", err)
	}
	return msg, nil
}

// NextMessageFor returns the oldest queued message for recipientID, or nil if
// the queue is empty.
func (db *DB) NextMessageFor(ctx context.Context, recipientID int64) (*models.QueuedMessage, error) {
	var (
		msg                  models.QueuedMessage
		timestamp, createdAt string
	)
	err := db.conn.QueryRowContext(ctx, `
		SELECT seq, id, sender_id, recipient_id, body, timestamp, created_at
		FROM queued_messages
		WHERE recipient_id = ?
		ORDER BY seq ASC
		LIMIT 1`, recipientID,
	).Scan(&msg.Seq, &msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Body, &timestamp, &createdAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("next message for %d: %w", recipientID, err)
	}

	if msg.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
		return nil, fmt.Errorf("queued message %s: %w", msg.ID, err)
	}
	if msg.CreatedAt, err = time.Parse(timeLayout, createdAt); err != nil {
		return nil, fmt.Errorf("queued message %s: %w", msg.ID, err)
	}
	return &msg, nil
}

func (db *DB) DeleteMessage(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, "DELETE FROM queued_messages WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete queued message %s: %w", id, err)
	}
	return nil
}

// PendingCount returns the number of undelivered messages.
func (db *DB) PendingCount(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, "SELECT COUNT(*) FROM queued_messages").Scan(&count); err != nil {
		return 0, err
	}
	return count, nil
}

// History methods

// History returns the last limit messages exchanged between two users, oldest
// first.
func (db *DB) History(ctx context.Context, userID, otherID int64, limit int) ([]models.HistoryEntry, error) {
	rows, err := db.conn.QueryContext(ctx, `
		SELECT s.username, r.username, m.text, m.timestamp
		FROM messages m
		JOIN users s ON s.id = m.sender_id
		JOIN users r ON r.id = m.recipient_id
		WHERE (m.sender_id = ? AND m.recipient_id = ?) OR (m.sender_id = ? AND m.recipient_id = ?)
		ORDER BY m.id DESC
		LIMIT ?`,
		userID, otherID, otherID, userID, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("history: %w", err)
	}
	defer rows.Close()

	var entries []models.HistoryEntry
	for rows.Next() {
		var (
			e         models.HistoryEntry
			timestamp string
		)
		if err := rows.Scan(&e.Sender, &e.Recipient, &e.Text, &timestamp); err != nil {
			return nil, err
		}
		if e.Timestamp, err = time.Parse(timeLayout, timestamp); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for i, j := 0, len(entries)-1; i < j; i, j = i+1, j-1 {
		entries[i], entries[j] = entries[j], entries[i]
	}
	return entries, nil
}

func isUniqueViolation(err error) bool {
	var sqliteErr sqlite3.Error
	return errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique
}
