package connectors

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"doubleu/internal/models"
)

const (
	zenithBaseURL    = "https://zmobile.zenithbank.com/zenith/api/"
	zenithAppVersion = "2.12.28"
)

// ZenithConnector speaks the Zenith mobile backend protocol: form-style
// bodies with start/end marker fields, AES-256-CBC encrypted with a key
// derived from the device id via PBKDF2, posted as text/plain.
type ZenithConnector struct {
	provider *models.BankProvider
	cfg      Config
	iv       []byte
}

// NewZenithConnector builds the connector. cfg.EncryptionKey is the hex
// PBKDF2 salt and cfg.EncryptionIV the fixed hex IV from the app build.
func NewZenithConnector(provider *models.BankProvider, cfg Config) (*ZenithConnector, error) {
	iv, err := decodeConfigIV(cfg.EncryptionIV)
	if err != nil {
		return nil, fmt.Errorf("zenith: %w", err)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = zenithBaseURL
	}
	if cfg.WindowDelay == 0 {
		cfg.WindowDelay = 500 * time.Millisecond
	}
	return &ZenithConnector{provider: provider, cfg: cfg, iv: iv}, nil
}

// zenithSession is this connector's session token shape. The login response
// already carries the full account list, so it rides along in the token and
// FetchAccounts needs no further network call.
type zenithSession struct {
	SessionID string          `json:"session_id"`
	DeviceID  string          `json:"device_id"`
	Accounts  []zenithAccount `json:"accounts"`
}

type zenithAccount struct {
	AccountNumber    string  `json:"accountNumber"`
	AccountName      string  `json:"accountName"`
	AccountType      string  `json:"accountType"`
	Currency         string  `json:"currency"`
	AvailableBalance float64 `json:"availableBalance"`
	BookBalance      float64 `json:"bookBalance"`
}

type zenithEnvelope struct {
	Code                    int             `json:"code"`
	Description             string          `json:"description"`
	SessionID               string          `json:"sessionID"`
	SessionTimeoutInSeconds int             `json:"sessionTimeoutInSeconds"`
	Accounts                []zenithAccount `json:"accounts"`
	Transactions            []zenithTxn     `json:"transactions"`
}

type zenithTxn struct {
	TranID         string  `json:"tranId"`
	Amount         float64 `json:"amount"`
	Date           string  `json:"date"`
	Narration      string  `json:"narration"`
	Type           string  `json:"type"`
	ClosingBalance float64 `json:"closingBalance"`
	Currency       string  `json:"currency"`
}

func (c *ZenithConnector) Authenticate(ctx context.Context, creds Credentials, sessionToken json.RawMessage) (*AuthResult, error) {
	if err := ValidateCredentials(c.provider, creds); err != nil {
		return nil, err
	}

	deviceID := randomHex(8)
	if len(sessionToken) > 0 {
		var prior zenithSession
		if err := json.Unmarshal(sessionToken, &prior); err == nil && prior.DeviceID != "" {
			deviceID = prior.DeviceID
		}
	}

	body := encodeMarkerBody([][2]string{
		{"loginID", creds["login_id"]},
		{"deviceID", deviceID},
		{"password", creds["password"]},
	})

	envelope, err := c.roundTrip(ctx, "customer/authenticate", deviceID, body, map[string]string{
		"deviceId": deviceID,
	})
	if err != nil {
		return nil, err
	}

	if envelope.Code != 0 {
		return nil, authError(envelope.Description)
	}

	token, err := json.Marshal(zenithSession{
		SessionID: envelope.SessionID,
		DeviceID:  deviceID,
		Accounts:  envelope.Accounts,
	})
	if err != nil {
		return nil, connError("encoding session token: %v", err)
	}

	expiresAt := c.cfg.now().Add(time.Duration(envelope.SessionTimeoutInSeconds) * time.Second)
	return &AuthResult{
		Authenticated:    true,
		SessionToken:     token,
		SessionExpiresAt: &expiresAt,
	}, nil
}

// VerifyMFA is never reached for this bank; authentication is single-step.
func (c *ZenithConnector) VerifyMFA(ctx context.Context, sessionToken json.RawMessage, creds Credentials, code string) (*AuthResult, error) {
	return nil, authError("verification is not supported for this bank")
}

func (c *ZenithConnector) FetchAccounts(ctx context.Context, sessionToken json.RawMessage) ([]RawAccount, error) {
	session, err := decodeZenithSession(sessionToken)
	if err != nil {
		return nil, err
	}

	accounts := make([]RawAccount, 0, len(session.Accounts))
	for _, acc := range session.Accounts {
		accounts = append(accounts, RawAccount{
			ID:               acc.AccountNumber,
			Name:             acc.AccountName,
			Type:             mapBankAccountType(acc.AccountType),
			AccountNumber:    acc.AccountNumber,
			Currency:         acc.Currency,
			CurrentBalance:   acc.BookBalance,
			AvailableBalance: acc.AvailableBalance,
		})
	}
	return accounts, nil
}

func (c *ZenithConnector) FetchTransactions(ctx context.Context, sessionToken json.RawMessage, accountID string, opts FetchOptions) ([]RawTransaction, error) {
	session, err := decodeZenithSession(sessionToken)
	if err != nil {
		return nil, err
	}

	windows := dateWindows(opts.StartDate, opts.EndDate, c.cfg.now())

	var collected []zenithTxn
	for i, window := range windows {
		body := encodeMarkerBody([][2]string{
			{"accountNumber", accountID},
			{"startDate", window.start.Format("02-01-2006")},
			{"endDate", window.end.Format("02-01-2006")},
		})

		envelope, err := c.roundTrip(ctx, "account/transactions/search", session.DeviceID, body, map[string]string{
			"deviceId":  session.DeviceID,
			"sessionId": session.SessionID,
		})
		if err != nil {
			return nil, err
		}
		if envelope.Code != 0 {
			return nil, connError("fetching transactions: %s", envelope.Description)
		}

		truncated := false
		for _, txn := range envelope.Transactions {
			if opts.SinceID != "" && txn.TranID == opts.SinceID {
				truncated = true
				break
			}
			collected = append(collected, txn)
		}
		if truncated {
			break
		}

		if i < len(windows)-1 {
			if err := sleepWindow(ctx, c.cfg.WindowDelay); err != nil {
				return nil, err
			}
		}
	}

	transactions := make([]RawTransaction, 0, len(collected))
	for _, txn := range collected {
		balance := txn.ClosingBalance
		transactions = append(transactions, RawTransaction{
			ID:        txn.TranID,
			Amount:    abs(txn.Amount),
			Date:      txn.Date,
			Narration: txn.Narration,
			Direction: directionFromMarker(txn.Type),
			Balance:   &balance,
			Currency:  txn.Currency,
		})
	}
	return dedupByID(transactions), nil
}

func (c *ZenithConnector) Disconnect(ctx context.Context, sessionToken json.RawMessage) error {
	// The backend holds no durable link; sessions simply time out.
	return nil
}

// roundTrip encrypts the body, posts it, and decrypts the response envelope.
func (c *ZenithConnector) roundTrip(ctx context.Context, path, deviceID, body string, headers map[string]string) (*zenithEnvelope, error) {
	key, err := deriveDeviceKey(deviceID, c.cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	encrypted, err := encryptDeviceBody(body, key, c.iv)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.BaseURL+path, strings.NewReader(encrypted))
	if err != nil {
		return nil, connError("creating request: %v", err)
	}
	req.Header.Set("Content-Type", "text/plain")
	req.Header.Set("appVersion", zenithAppVersion)
	for k, v := range providerHeaders(c.provider) {
		req.Header.Set(k, v)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.cfg.httpClient().Do(req)
	if err != nil {
		return nil, connError("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, connError("reading response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, connError("zenith api error: %d - %s", resp.StatusCode, raw)
	}

	decrypted, err := decryptDeviceBody(string(raw), key, c.iv)
	if err != nil {
		return nil, err
	}

	var envelope zenithEnvelope
	if err := json.Unmarshal(decrypted, &envelope); err != nil {
		return nil, connError("decoding response: %v", err)
	}
	return &envelope, nil
}

func decodeZenithSession(sessionToken json.RawMessage) (*zenithSession, error) {
	var session zenithSession
	if err := json.Unmarshal(sessionToken, &session); err != nil {
		return nil, connError("decoding session token: %v", err)
	}
	if session.SessionID == "" || session.DeviceID == "" {
		return nil, authError("session token is incomplete")
	}
	return &session, nil
}

// encodeMarkerBody renders the backend's form-style body. The empty start
// and end fields are part of the wire contract.
func encodeMarkerBody(params [][2]string) string {
	pairs := make([]string, 0, len(params)+2)
	pairs = append(pairs, "start=")
	for _, kv := range params {
		pairs = append(pairs, kv[0]+"="+kv[1])
	}
	pairs = append(pairs, "end=")
	return strings.Join(pairs, "&")
}

func directionFromMarker(marker string) string {
	if strings.EqualFold(marker, "c") || strings.EqualFold(marker, "credit") {
		return "credit"
	}
	return "debit"
}

func mapBankAccountType(bankType string) string {
	switch strings.ToLower(bankType) {
	case "savings", "save":
		return "savings"
	case "current", "curr":
		return "checking"
	case "fixed", "fd":
		return "fixed_deposit"
	default:
		return "other"
	}
}

func abs(f float64) float64 {
	if f < 0 {
		return -f
	}
	return f
}

var _ Connector = (*ZenithConnector)(nil)
