package models

import (
	"crypto/subtle"
	"time"
)

// SessionStatus is the lifecycle state of a login session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionRevoked SessionStatus = "revoked"
)

// Session is one login session. Only hashes of refresh tokens are ever stored.
type Session struct {
	ID                 string        `db:"id" json:"id"`
	UserID             string        `db:"user_id" json:"user_id"`
	CurrentRefreshHash string        `db:"current_refresh_hash" json:"-"`
	PrevRefreshHash    *string       `db:"prev_refresh_hash" json:"-"`
	PrevUsableUntil    *time.Time    `db:"prev_usable_until" json:"prev_usable_until,omitempty"`
	LastRotatedAt      time.Time     `db:"last_rotated_at" json:"last_rotated_at"`
	Status             SessionStatus `db:"status" json:"status"`
	CreatedAt          time.Time     `db:"created_at" json:"created_at"`
	UpdatedAt          time.Time     `db:"updated_at" json:"updated_at"`
}

// Active reports whether the session may still rotate.
func (s *Session) Active() bool {
	return s != nil && s.Status == SessionActive
}

// PreviousUsable reports whether hash is the previous refresh hash and now is within its grace window.
func (s *Session) PreviousUsable(hash string, now time.Time) bool {
	if s == nil || s.PrevRefreshHash == nil || s.PrevUsableUntil == nil {
		return false
	}
	return HashEqual(*s.PrevRefreshHash, hash) && !now.After(*s.PrevUsableUntil)
}

// Rotate moves the current hash to previous with a grace deadline and installs next as current.
func (s *Session) Rotate(next string, grace time.Duration, now time.Time) {
	prev := s.CurrentRefreshHash
	until := now.Add(grace)
	s.PrevRefreshHash = &prev
	s.PrevUsableUntil = &until
	s.CurrentRefreshHash = next
	s.LastRotatedAt = now
	s.UpdatedAt = now
}

// IsCurrent reports whether hash is the session's current refresh hash.
func (s *Session) IsCurrent(hash string) bool {
	return s != nil && HashEqual(s.CurrentRefreshHash, hash)
}

// HashEqual compares two refresh hashes in constant time.
func HashEqual(a, b string) bool {
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
