// Package linking drives the interactive side of a direct bank connection:
// validating submitted credentials against the bank's declared form schema,
// performing the first authentication, and completing MFA challenges. The
// sync pipeline never goes through this package; it only consumes the
// connections this package establishes.
package linking

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"

	"doubleu/internal/connectors"
	"doubleu/internal/models"
)

// ErrInvalidCredentials means the bank rejected the submitted credentials.
// The wrapped message is the upstream description, safe to show the user.
var ErrInvalidCredentials = errors.New("invalid credentials")

// ConnectionStore persists connection state changes made during linking.
type ConnectionStore interface {
	SaveConnection(ctx context.Context, connection *models.BankConnection) error
}

// LinkResult is the outcome of a successful credential submission.
type LinkResult struct {
	RequiresMFA bool
}

// CredentialValidator runs the credential half of the linking flow.
type CredentialValidator struct {
	registry *connectors.Registry
	store    ConnectionStore
}

func NewCredentialValidator(registry *connectors.Registry, store ConnectionStore) *CredentialValidator {
	return &CredentialValidator{registry: registry, store: store}
}

// Validate checks creds against the bank's field schema and authenticates.
// Schema failures return the connector's ValidationError with per-field
// messages; an upstream rejection returns ErrInvalidCredentials carrying the
// bank's description; transport failures pass through as connection errors.
// On success the connection holds the sanitized credentials and session
// token and has moved to connected or requires_mfa.
func (v *CredentialValidator) Validate(ctx context.Context, bank *models.BankProvider, connection *models.BankConnection, creds connectors.Credentials) (*LinkResult, error) {
	connector, err := v.registry.Get(bank)
	if err != nil {
		return nil, err
	}

	sanitized := connectors.SanitizeCredentials(bank, creds)

	result, err := connector.Authenticate(ctx, sanitized, connection.SessionToken)
	if err != nil {
		var verr *connectors.ValidationError
		if errors.As(err, &verr) {
			return nil, err
		}
		if errors.Is(err, connectors.ErrAuthentication) {
			return nil, fmt.Errorf("%w: %s", ErrInvalidCredentials, upstreamMessage(err))
		}
		return nil, err
	}

	connection.Credentials = sanitized
	connection.SessionToken = result.SessionToken
	connection.SessionExpiresAt = result.SessionExpiresAt

	next := models.ConnectionConnected
	if result.RequiresMFA {
		next = models.ConnectionRequiresMFA
	}
	if err := connection.TransitionTo(next); err != nil {
		return nil, err
	}
	if err := v.store.SaveConnection(ctx, connection); err != nil {
		return nil, fmt.Errorf("failed to persist connection: %w", err)
	}

	return &LinkResult{RequiresMFA: result.RequiresMFA}, nil
}

// VerifyResult reports an MFA verification attempt. Message is user-facing
// and set whenever Verified is false.
type VerifyResult struct {
	Verified bool
	Message  string
}

// MfaVerifier completes pending MFA challenges. Verification never returns
// an error: every failure collapses into a user-facing message so the form
// can re-render.
type MfaVerifier struct {
	registry *connectors.Registry
	store    ConnectionStore
}

func NewMfaVerifier(registry *connectors.Registry, store ConnectionStore) *MfaVerifier {
	return &MfaVerifier{registry: registry, store: store}
}

func (v *MfaVerifier) Verify(ctx context.Context, bank *models.BankProvider, connection *models.BankConnection, code string) *VerifyResult {
	if strings.TrimSpace(code) == "" {
		return &VerifyResult{Message: "Verification code is required"}
	}
	if connection.Status != models.ConnectionRequiresMFA {
		return &VerifyResult{Message: "Connection is not awaiting verification"}
	}

	connector, err := v.registry.Get(bank)
	if err != nil {
		return &VerifyResult{Message: "Verification is not available for this bank"}
	}

	result, err := connector.VerifyMFA(ctx, connection.SessionToken, connectors.Credentials(connection.Credentials), code)
	if err != nil {
		if errors.Is(err, connectors.ErrAuthentication) {
			return &VerifyResult{Message: upstreamMessage(err)}
		}
		log.Printf("MFA verification failed for connection %s: %v", connection.ID, err)
		return &VerifyResult{Message: "Verification failed, please try again"}
	}
	if !result.Authenticated {
		return &VerifyResult{Message: "Verification was not accepted"}
	}

	connection.SessionToken = result.SessionToken
	connection.SessionExpiresAt = result.SessionExpiresAt
	if err := connection.TransitionTo(models.ConnectionConnected); err != nil {
		return &VerifyResult{Message: "Verification failed, please try again"}
	}
	if err := v.store.SaveConnection(ctx, connection); err != nil {
		log.Printf("Failed to persist verified connection %s: %v", connection.ID, err)
		return &VerifyResult{Message: "Verification failed, please try again"}
	}

	return &VerifyResult{Verified: true}
}

// upstreamMessage strips the sentinel prefix so only the bank's own words
// reach the user.
func upstreamMessage(err error) string {
	msg := err.Error()
	if idx := strings.Index(msg, ": "); idx >= 0 {
		return msg[idx+2:]
	}
	return msg
}
