package otp

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a verification code.
type Status string

const (
	StatusPending     Status = "pending"
	StatusVerified    Status = "verified"
	StatusInvalidated Status = "invalidated"
	StatusExpired     Status = "expired"
)

// ParseStatus validates a stored status value.
func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusVerified, StatusInvalidated, StatusExpired:
		return st, nil
	default:
		return "", fmt.Errorf("unknown verification code status %q", s)
	}
}

// CanTransition reports whether s may move to next. Only pending codes move;
// verified, invalidated and expired are terminal.
func (s Status) CanTransition(next Status) bool {
	if s != StatusPending {
		return false
	}
	switch next {
	case StatusVerified, StatusInvalidated, StatusExpired:
		return true
	}
	return false
}

// Code is a stored verification code. The plaintext is never kept.
type Code struct {
	ID          string
	Owner       string
	CodeHash    string
	Destination string
	CreatedAt   time.Time
	ExpiresAt   time.Time
	Attempts    int
	Status      Status
}

func (c *Code) transition(next Status) error {
	if !c.Status.CanTransition(next) {
		return fmt.Errorf("verification code %s: illegal transition %s -> %s", c.ID, c.Status, next)
	}
	c.Status = next
	return nil
}
