package connectors

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"doubleu/internal/models"
)

const (
	piggyvestBaseURL  = "https://api.piggyvest.com/v5/"
	piggyvestPageSize = 1000
)

// Product pages that stand in for accounts; the API has no account listing
// endpoint.
var piggyvestProducts = []string{"flexdollar", "flexnaira", "piggybank"}

// PiggyvestConnector speaks the PiggyVest app API: credentials are encrypted
// with an OpenSSL-compatible salted scheme keyed by secret+device id, then
// sent over plain JSON with a device header. Sessions are Bearer tokens.
type PiggyvestConnector struct {
	provider *models.BankProvider
	cfg      Config
}

// NewPiggyvestConnector builds the connector. cfg.EncryptionKey is the app
// secret that prefixes the per-device passphrase.
func NewPiggyvestConnector(provider *models.BankProvider, cfg Config) *PiggyvestConnector {
	if cfg.BaseURL == "" {
		cfg.BaseURL = piggyvestBaseURL
	}
	return &PiggyvestConnector{provider: provider, cfg: cfg}
}

// piggyvestSession is this connector's session token shape.
type piggyvestSession struct {
	Type     string `json:"type"`
	Token    string `json:"token"`
	DeviceID string `json:"device_id"`
}

type piggyvestLoginData struct {
	Type        string `json:"type"`
	AccessToken string `json:"accessToken"`
	ExpiresIn   int    `json:"expiresIn"`
}

type piggyvestWalletInfo struct {
	BalanceText string `json:"balanceText"`
}

type piggyvestTxn struct {
	ID          string `json:"id"`
	RawAmount   string `json:"rawAmount"`
	RawBalance  string `json:"rawBalance"`
	CreatedAt   string `json:"created_at"`
	Description string `json:"description"`
	Outward     bool   `json:"outward"`
}

func (c *PiggyvestConnector) Authenticate(ctx context.Context, creds Credentials, sessionToken json.RawMessage) (*AuthResult, error) {
	if err := ValidateCredentials(c.provider, creds); err != nil {
		return nil, err
	}

	deviceID := strings.ToUpper(uuid.NewString())
	if len(sessionToken) > 0 {
		var prior piggyvestSession
		if err := json.Unmarshal(sessionToken, &prior); err == nil && prior.DeviceID != "" {
			deviceID = prior.DeviceID
		}
	}

	passphrase := c.cfg.EncryptionKey + ":" + deviceID
	identifier, err := encryptSaltedField(creds["username"], passphrase)
	if err != nil {
		return nil, err
	}
	password, err := encryptSaltedField(creds["password"], passphrase)
	if err != nil {
		return nil, err
	}

	body, err := json.Marshal(map[string]string{
		"identifier": identifier,
		"password":   password,
		"country":    "NG",
	})
	if err != nil {
		return nil, connError("encoding login body: %v", err)
	}

	var payload struct {
		Status  bool               `json:"status"`
		Message string             `json:"message"`
		Data    piggyvestLoginData `json:"data"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "auth/login", deviceID, "", bytes.NewReader(body), &payload); err != nil {
		return nil, err
	}

	if !payload.Status {
		return nil, authError(firstSentence(payload.Message))
	}

	token, err := json.Marshal(piggyvestSession{
		Type:     payload.Data.Type,
		Token:    payload.Data.AccessToken,
		DeviceID: deviceID,
	})
	if err != nil {
		return nil, connError("encoding session token: %v", err)
	}

	expiresAt := c.cfg.now().Add(time.Duration(payload.Data.ExpiresIn) * time.Second)
	return &AuthResult{
		Authenticated:    true,
		SessionToken:     token,
		SessionExpiresAt: &expiresAt,
	}, nil
}

// VerifyMFA is never reached for this provider; login is single-step.
func (c *PiggyvestConnector) VerifyMFA(ctx context.Context, sessionToken json.RawMessage, creds Credentials, code string) (*AuthResult, error) {
	return nil, authError("verification is not supported for this bank")
}

func (c *PiggyvestConnector) FetchAccounts(ctx context.Context, sessionToken json.RawMessage) ([]RawAccount, error) {
	session, err := decodePiggyvestSession(sessionToken)
	if err != nil {
		return nil, err
	}

	accounts := make([]RawAccount, 0, len(piggyvestProducts))
	for _, product := range piggyvestProducts {
		account, err := c.fetchProductAccount(ctx, session, product)
		if err != nil {
			return nil, err
		}
		accounts = append(accounts, *account)
	}
	return accounts, nil
}

func (c *PiggyvestConnector) fetchProductAccount(ctx context.Context, session *piggyvestSession, product string) (*RawAccount, error) {
	var payload struct {
		Data struct {
			WalletInfo piggyvestWalletInfo `json:"walletInfo"`
		} `json:"data"`
	}
	path := fmt.Sprintf("app/%s/page", product)
	if err := c.doJSON(ctx, http.MethodGet, path, session.DeviceID, session.Type+" "+session.Token, nil, &payload); err != nil {
		return nil, err
	}

	amount, currency, err := parseBalanceText(payload.Data.WalletInfo.BalanceText)
	if err != nil {
		return nil, err
	}

	return &RawAccount{
		ID:               product,
		Name:             titleize(product),
		Type:             "savings",
		Currency:         currency,
		CurrentBalance:   amount,
		AvailableBalance: amount,
	}, nil
}

func (c *PiggyvestConnector) FetchTransactions(ctx context.Context, sessionToken json.RawMessage, accountID string, opts FetchOptions) ([]RawTransaction, error) {
	session, err := decodePiggyvestSession(sessionToken)
	if err != nil {
		return nil, err
	}

	now := c.cfg.now()
	startDate := opts.StartDate
	if startDate.IsZero() {
		startDate = now.AddDate(-1, 0, 0)
	}
	endDate := opts.EndDate
	if endDate.IsZero() {
		endDate = now
	}
	startDate = truncateDay(startDate)
	endDate = truncateDay(endDate)

	var collected []piggyvestTxn
	for page := 0; ; page++ {
		var payload struct {
			Data struct {
				List []piggyvestTxn `json:"list"`
			} `json:"data"`
		}
		path := fmt.Sprintf("app/%s/transactions/%d/%d", accountID, piggyvestPageSize, page)
		if err := c.doJSON(ctx, http.MethodGet, path, session.DeviceID, session.Type+" "+session.Token, nil, &payload); err != nil {
			return nil, err
		}

		if len(payload.Data.List) == 0 {
			break
		}

		done := false
		for _, txn := range payload.Data.List {
			if opts.SinceID != "" && txn.ID == opts.SinceID {
				done = true
				break
			}

			txnDate, err := parsePiggyvestDate(txn.CreatedAt)
			if err != nil {
				return nil, connError("parsing transaction date %q: %v", txn.CreatedAt, err)
			}
			if txnDate.Before(startDate) {
				done = true
				break
			}
			if !txnDate.After(endDate) {
				collected = append(collected, txn)
			}
		}
		if done {
			break
		}
	}

	transactions := make([]RawTransaction, 0, len(collected))
	for _, txn := range collected {
		amount, currency, err := parseBalanceText(txn.RawAmount)
		if err != nil {
			return nil, err
		}
		direction := "credit"
		if txn.Outward {
			direction = "debit"
		}

		raw := RawTransaction{
			ID:        txn.ID,
			Amount:    amount,
			Date:      txn.CreatedAt,
			Narration: txn.Description,
			Direction: direction,
			Currency:  currency,
		}
		if balance, _, err := parseBalanceText(txn.RawBalance); err == nil {
			raw.Balance = &balance
		}
		transactions = append(transactions, raw)
	}
	return transactions, nil
}

func (c *PiggyvestConnector) Disconnect(ctx context.Context, sessionToken json.RawMessage) error {
	// Bearer tokens simply expire upstream.
	return nil
}

func (c *PiggyvestConnector) doJSON(ctx context.Context, method, path, deviceID, authorization string, body io.Reader, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return connError("creating request: %v", err)
	}

	device, err := json.Marshal(map[string]string{"uniqueId": deviceID})
	if err != nil {
		return connError("encoding device header: %v", err)
	}
	req.Header.Set("device", string(device))
	req.Header.Set("Content-Type", "application/json")
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	for k, v := range providerHeaders(c.provider) {
		req.Header.Set(k, v)
	}

	resp, err := c.cfg.httpClient().Do(req)
	if err != nil {
		return connError("request failed: %v", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return connError("reading response: %v", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return connError("piggyvest api error: %d - %s", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return connError("decoding response: %v", err)
	}
	return nil
}

func decodePiggyvestSession(sessionToken json.RawMessage) (*piggyvestSession, error) {
	var session piggyvestSession
	if err := json.Unmarshal(sessionToken, &session); err != nil {
		return nil, connError("decoding session token: %v", err)
	}
	if session.Token == "" {
		return nil, authError("session token is incomplete")
	}
	return &session, nil
}

func encryptSaltedField(value, passphrase string) (string, error) {
	encrypted, err := saltedEncrypt(value, passphrase)
	if err != nil {
		return "", connError("encrypting credential: %v", err)
	}
	return encrypted, nil
}

var balanceTextPattern = regexp.MustCompile(`(\p{Sc})\s*([0-9,]+(?:\.[0-9]+)?)`)

// currencyBySymbol resolves the symbols the product pages actually render.
// A symbol outside this table is treated as ambiguous and fails the fetch
// rather than guessing a currency.
var currencyBySymbol = map[string]string{
	"$": "USD",
	"₦": "NGN",
	"£": "GBP",
	"€": "EUR",
}

func parseBalanceText(text string) (float64, string, error) {
	match := balanceTextPattern.FindStringSubmatch(text)
	if match == nil {
		return 0, "", connError("unable to parse amount: %s", text)
	}

	currency, ok := currencyBySymbol[match[1]]
	if !ok {
		return 0, "", connError("unknown or ambiguous currency symbol: %s", match[1])
	}

	amount, err := strconv.ParseFloat(strings.ReplaceAll(match[2], ",", ""), 64)
	if err != nil {
		return 0, "", connError("unable to parse amount: %s", text)
	}
	return amount, currency, nil
}

func parsePiggyvestDate(value string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, value); err == nil {
			return truncateDay(t), nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized date %q", value)
}

func firstSentence(message string) string {
	if idx := strings.Index(message, "."); idx > 0 {
		return message[:idx]
	}
	return message
}

func titleize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

var _ Connector = (*PiggyvestConnector)(nil)
