package models

import (
	"crypto/sha256"
	"encoding/base64"
	"time"

	"golang.org/x/crypto/bcrypt"
)

type User struct {
	ID       int64
	Username string
	Password string // hashed
}

// CheckPassword reports whether password matches the stored hash.
func (u *User) CheckPassword(password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(u.Password), digest(password)) == nil
}

// HashPassword returns the hash stored for a new user.
func HashPassword(password string) (string, error) {
	hashed, err := bcrypt.GenerateFromPassword(digest(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hashed), nil
}

// digest fits passwords of any byte length into bcrypt's 72 byte input.
func digest(password string) []byte {
	sum := sha256.Sum256([]byte(password))
	return []byte(base64.StdEncoding.EncodeToString(sum[:]))
}

// QueuedMessage is a message waiting in the store-and-forward queue until the
// recipient's session has sent it.
type QueuedMessage struct {
	ID          string
	Seq         int64 // insertion order, breaks timestamp ties
	SenderID    int64
	RecipientID int64
	Body        string
	Timestamp   time.Time
	CreatedAt   time.Time
}

// HistoryEntry is one stored message of a conversation between two users.
type HistoryEntry struct {
	Sender    string
	Recipient string
	Text      string
	Timestamp time.Time
}
