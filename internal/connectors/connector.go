// Package connectors implements the per-bank protocol layer: proprietary
// authentication and MFA flows, encrypted request/response bodies, and
// transaction history pagination for banks scraped directly through their
// mobile-app backends.
package connectors

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"doubleu/internal/models"
)

// Credentials is the raw field mapping submitted by the linking form.
type Credentials map[string]string

// AuthResult is the outcome of Authenticate or VerifyMFA. SessionToken is a
// connector-defined JSON document; callers store and pass it back verbatim.
type AuthResult struct {
	Authenticated    bool
	RequiresMFA      bool
	SessionToken     json.RawMessage
	SessionExpiresAt *time.Time
}

// RawAccount is the common account shape every connector maps into.
type RawAccount struct {
	ID               string  `json:"id"`
	Name             string  `json:"name"`
	Type             string  `json:"type"`
	AccountNumber    string  `json:"account_number"`
	Currency         string  `json:"currency"`
	CurrentBalance   float64 `json:"current_balance"`
	AvailableBalance float64 `json:"available_balance"`
}

// RawTransaction is the common transaction shape every connector maps into.
// Amount is always absolute; Direction carries the credit/debit marker so no
// provider-specific sign convention leaks out of this package.
type RawTransaction struct {
	ID        string   `json:"id"`
	Amount    float64  `json:"amount"`
	Date      string   `json:"date"`
	Narration string   `json:"narration"`
	Direction string   `json:"type"` // "credit" or "debit"
	Balance   *float64 `json:"balance,omitempty"`
	Category  string   `json:"category,omitempty"`
	Currency  string   `json:"currency,omitempty"`
}

// FetchOptions bounds a transaction fetch. Zero dates fall back to the
// connector's maximum lookback. SinceID truncates results strictly before
// the matching transaction.
type FetchOptions struct {
	StartDate time.Time
	EndDate   time.Time
	SinceID   string
}

// Connector is the capability set implemented once per bank.
type Connector interface {
	// Authenticate validates credentials against the provider's declared
	// field schema, then performs the bank's login flow. A nil sessionToken
	// means a fresh link; a prior token lets the connector reuse device
	// bindings.
	Authenticate(ctx context.Context, creds Credentials, sessionToken json.RawMessage) (*AuthResult, error)

	// VerifyMFA completes a pending MFA challenge and re-authenticates with
	// the now-bound identity.
	VerifyMFA(ctx context.Context, sessionToken json.RawMessage, creds Credentials, code string) (*AuthResult, error)

	FetchAccounts(ctx context.Context, sessionToken json.RawMessage) ([]RawAccount, error)
	FetchTransactions(ctx context.Context, sessionToken json.RawMessage, accountID string, opts FetchOptions) ([]RawTransaction, error)

	// Disconnect performs a best-effort upstream unlink. Failures are
	// non-fatal to local cleanup.
	Disconnect(ctx context.Context, sessionToken json.RawMessage) error
}

// Config carries per-bank settings injected at construction. Secrets come
// from configuration, never from process env lookups inside the connector.
type Config struct {
	// EncryptionKey is bank-specific key material: the hex PBKDF2 salt for
	// banks with device-derived keys, or the passphrase base for banks with
	// salted-EVP payload encryption.
	EncryptionKey string
	// EncryptionIV is the fixed hex IV for banks that use one.
	EncryptionIV string

	// BaseURL overrides the bank's production endpoint (tests).
	BaseURL string
	// HTTPClient overrides the shared client (tests).
	HTTPClient *http.Client
	// Now overrides the clock (tests).
	Now func() time.Time
	// WindowDelay is the pause between date-window requests. Negative
	// disables the delay; zero means the connector default.
	WindowDelay time.Duration
}

func (c Config) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c Config) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return defaultHTTPClient
}

// Shared across connectors; safe for concurrent use. 10s to establish a
// connection, 30s for the whole request.
var defaultHTTPClient = &http.Client{
	Timeout: 30 * time.Second,
	Transport: otelhttp.NewTransport(&http.Transport{
		DialContext: (&net.Dialer{
			Timeout: 10 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout: 10 * time.Second,
	}),
}

// DeriveTransactionID builds a stable identifier for banks whose statements
// carry no native transaction id. Repeated fetches of the same underlying
// event must hash identically for upsert-by-id to hold.
func DeriveTransactionID(accountID, date string, amount float64, narration string) string {
	sum := sha256.Sum256(fmt.Appendf(nil, "%s-%s-%s-%s", accountID, date, strconv.FormatFloat(amount, 'f', -1, 64), narration))
	return hex.EncodeToString(sum[:])
}

func randomHex(n int) string {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		panic(fmt.Sprintf("connectors: rand failed: %v", err))
	}
	return hex.EncodeToString(buf)
}

func providerHeaders(p *models.BankProvider) map[string]string {
	if p == nil {
		return nil
	}
	return p.ConnectionConfig.Headers
}

// sleepWindow pauses between date-window requests, honoring cancellation.
func sleepWindow(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
