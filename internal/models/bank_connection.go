package models

import (
	"encoding/json"
	"fmt"
	"time"
)

// ConnectionStatus is the lifecycle state of a stored bank connection.
type ConnectionStatus string

const (
	ConnectionPending     ConnectionStatus = "pending"
	ConnectionRequiresMFA ConnectionStatus = "requires_mfa"
	ConnectionConnected   ConnectionStatus = "connected"
	ConnectionFailed      ConnectionStatus = "failed"
)

// Valid reports whether s is a known status value.
func (s ConnectionStatus) Valid() bool {
	switch s {
	case ConnectionPending, ConnectionRequiresMFA, ConnectionConnected, ConnectionFailed:
		return true
	}
	return false
}

// allowedTransitions encodes the connection state machine:
// pending -> connected|requires_mfa|failed on the initial authenticate,
// requires_mfa -> connected|failed after verification, and connected may
// refresh in place or fail once reauthentication is exhausted.
var allowedTransitions = map[ConnectionStatus][]ConnectionStatus{
	ConnectionPending:     {ConnectionConnected, ConnectionRequiresMFA, ConnectionFailed},
	ConnectionRequiresMFA: {ConnectionConnected, ConnectionFailed},
	ConnectionConnected:   {ConnectionConnected, ConnectionFailed},
	ConnectionFailed:      {ConnectionPending},
}

// BankConnection is the persisted authentication state for one
// family-to-bank relationship. Credentials and SessionToken are held
// decrypted here; the repository encrypts them at rest.
type BankConnection struct {
	ID               string            `json:"id"`
	FamilyID         int64             `json:"familyId"`
	BankID           string            `json:"bankId"`
	Status           ConnectionStatus  `json:"status"`
	Credentials      map[string]string `json:"-"`
	SessionToken     json.RawMessage   `json:"-"` // connector-defined shape, opaque here
	SessionExpiresAt *time.Time        `json:"sessionExpiresAt,omitempty"`
	CreatedAt        time.Time         `json:"createdAt"`
	UpdatedAt        time.Time         `json:"updatedAt"`
}

// TransitionTo moves the connection to next, rejecting transitions the state
// machine does not allow.
func (c *BankConnection) TransitionTo(next ConnectionStatus) error {
	if !next.Valid() {
		return fmt.Errorf("unknown connection status %q", next)
	}
	for _, allowed := range allowedTransitions[c.Status] {
		if allowed == next {
			c.Status = next
			return nil
		}
	}
	return fmt.Errorf("illegal connection transition %s -> %s", c.Status, next)
}

// SessionExpired reports whether the stored session token is past its expiry.
// Connections without an expiry never expire locally.
func (c *BankConnection) SessionExpired(now time.Time) bool {
	return c.SessionExpiresAt != nil && now.After(*c.SessionExpiresAt)
}
