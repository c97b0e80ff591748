package session

import (
	"errors"
	"time"
)

// Token describes one live class-attendance window. The Value is an opaque
// composite string; everything a scan needs to validate eligibility is
// carried alongside it so the recorder never has to parse the token.
type Token struct {
	Value      string
	Department string
	Year       string
	Semester   string
	Subject    string
	IssuedAt   time.Time
	ExpiresAt  time.Time
	IssuedBy   string
}

// Remaining returns the seconds left before the token expires, floored at zero.
func (t Token) Remaining(now time.Time) int {
	secs := int(t.ExpiresAt.Sub(now).Seconds())
	if secs < 0 {
		return 0
	}
	return secs
}

// Live reports whether the token is still scannable at the given instant.
func (t Token) Live(now time.Time) bool {
	return now.Before(t.ExpiresAt)
}

var (
	// ErrTokenExists is returned by Registry.Put when a live entry with the
	// same value is already present.
	ErrTokenExists = errors.New("session: token already exists")

	// ErrMissingField is returned by the issuer when a class-identity field
	// is empty.
	ErrMissingField = errors.New("session: missing required field")
)
