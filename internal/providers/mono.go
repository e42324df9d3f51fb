package providers

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"doubleu/internal/models"
)

const (
	monoDefaultBaseURL = "https://api.withmono.com"
	monoDefaultTimeout = 30 * time.Second
	monoPageSize       = 100
)

// MonoConfig carries the regional aggregator's credentials.
type MonoConfig struct {
	SecretKey string
	BaseURL   string

	HTTPClient *http.Client
}

// MonoProvider talks to the regional aggregator. One upstream account is one
// item; the item's external id doubles as the account id. The API has no
// native cursor, so incremental sync truncates a date-descending listing at
// the previously newest transaction id.
type MonoProvider struct {
	cfg        MonoConfig
	httpClient *http.Client
}

func NewMonoProvider(cfg MonoConfig) *MonoProvider {
	if cfg.BaseURL == "" {
		cfg.BaseURL = monoDefaultBaseURL
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: monoDefaultTimeout}
	}
	return &MonoProvider{cfg: cfg, httpClient: httpClient}
}

type monoInstitution struct {
	Name     string `json:"name"`
	BankCode string `json:"bankCode"`
	Type     string `json:"type"`
}

type monoAccount struct {
	ID            string          `json:"_id"`
	Name          string          `json:"name"`
	AccountNumber string          `json:"accountNumber"`
	Type          string          `json:"type"`
	Currency      string          `json:"currency"`
	Balance       float64         `json:"balance"` // minor units
	Institution   monoInstitution `json:"institution"`
}

type monoTransaction struct {
	ID        string  `json:"_id"`
	Amount    float64 `json:"amount"` // minor units, always positive
	Date      string  `json:"date"`
	Narration string  `json:"narration"`
	Type      string  `json:"type"` // "debit" or "credit"
	Category  string  `json:"category"`
	Currency  string  `json:"currency"`
}

func (p *MonoProvider) GetItem(ctx context.Context, item *models.ExternalItem) (*ItemData, error) {
	account, raw, err := p.getAccount(ctx, item.ExternalID)
	if err != nil {
		return nil, err
	}

	return &ItemData{
		Payload: models.ItemPayload{
			AvailableProducts: []string{"transactions"},
		},
		InstitutionID: account.Institution.BankCode,
		Raw:           raw,
	}, nil
}

// GetInstitution has no dedicated endpoint upstream; the institution rides
// on the account document, so the payload is rebuilt from there.
func (p *MonoProvider) GetInstitution(ctx context.Context, institutionID string) (*InstitutionData, error) {
	payload := models.InstitutionPayload{
		Name:          institutionID,
		InstitutionID: institutionID,
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal institution: %w", err)
	}
	return &InstitutionData{Payload: payload, Raw: raw}, nil
}

func (p *MonoProvider) GetItemAccounts(ctx context.Context, item *models.ExternalItem) ([]AccountData, error) {
	account, raw, err := p.getAccount(ctx, item.ExternalID)
	if err != nil {
		return nil, err
	}

	balance := account.Balance / 100
	return []AccountData{{
		Payload: models.AccountPayload{
			AccountID:      account.ID,
			Name:           account.Name,
			Type:           account.Type,
			Mask:           mask(account.AccountNumber),
			Currency:       account.Currency,
			CurrentBalance: &balance,
		},
		Raw: raw,
	}}, nil
}

// GetTransactions lists transactions date-descending and cuts the listing
// strictly before the cursor id. The new cursor is the newest id seen, or
// the old cursor when nothing new arrived.
func (p *MonoProvider) GetTransactions(ctx context.Context, item *models.ExternalItem, accountID, cursor string) (*TransactionSync, error) {
	var collected []monoTransaction
	for page := 1; ; page++ {
		query := url.Values{}
		query.Set("paginate", "true")
		query.Set("limit", fmt.Sprint(monoPageSize))
		query.Set("page", fmt.Sprint(page))

		var resp struct {
			Data   []monoTransaction `json:"data"`
			Paging struct {
				Next string `json:"next"`
			} `json:"paging"`
		}
		path := fmt.Sprintf("/accounts/%s/transactions?%s", item.ExternalID, query.Encode())
		if _, err := p.get(ctx, path, &resp); err != nil {
			return nil, err
		}

		collected = append(collected, resp.Data...)
		if resp.Paging.Next == "" || len(resp.Data) == 0 {
			break
		}
	}

	// Upstream ordering is unreliable across pages.
	sort.SliceStable(collected, func(i, j int) bool {
		return collected[i].Date > collected[j].Date
	})

	sync := &TransactionSync{NextCursor: cursor}
	for _, txn := range collected {
		if cursor != "" && txn.ID == cursor {
			break
		}
		sync.Payload.Added = append(sync.Payload.Added, adaptMonoTransaction(txn))
	}
	if len(sync.Payload.Added) > 0 {
		sync.NextCursor = sync.Payload.Added[0].TransactionID
	}
	return sync, nil
}

func (p *MonoProvider) GetItemInvestments(ctx context.Context, item *models.ExternalItem, accountID string) (*models.InvestmentsPayload, error) {
	return nil, ErrNotSupported
}

func (p *MonoProvider) GetItemLiabilities(ctx context.Context, item *models.ExternalItem, accountID string) (*models.LiabilitiesPayload, error) {
	return nil, ErrNotSupported
}

func (p *MonoProvider) RemoveItem(ctx context.Context, item *models.ExternalItem) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+"/accounts/"+item.ExternalID+"/unlink", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("mono-sec-key", p.cfg.SecretKey)

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unlink failed with status %d", resp.StatusCode)
	}
	return nil
}

func (p *MonoProvider) getAccount(ctx context.Context, accountID string) (*monoAccount, json.RawMessage, error) {
	var resp struct {
		Account monoAccount `json:"account"`
	}
	raw, err := p.get(ctx, "/accounts/"+accountID, &resp)
	if err != nil {
		return nil, nil, err
	}
	return &resp.Account, raw, nil
}

func (p *MonoProvider) get(ctx context.Context, path string, out any) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.cfg.BaseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("mono-sec-key", p.cfg.SecretKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return nil, fmt.Errorf("%w: mono rejected the account link (status %d)", ErrLoginRequired, resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("mono request failed with status %d: %s", resp.StatusCode, raw)
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return raw, nil
}

// adaptMonoTransaction converts minor units to major and applies the
// canonical sign convention: debits positive, credits negative.
func adaptMonoTransaction(txn monoTransaction) models.TransactionPayload {
	amount := txn.Amount / 100
	if txn.Type == "credit" {
		amount = -amount
	}
	return models.TransactionPayload{
		TransactionID: txn.ID,
		Description:   txn.Narration,
		Amount:        amount,
		Date:          txn.Date,
		CurrencyCode:  txn.Currency,
		Category:      txn.Category,
	}
}

// mask keeps the last four digits of an account number.
func mask(accountNumber string) string {
	if len(accountNumber) <= 4 {
		return accountNumber
	}
	return accountNumber[len(accountNumber)-4:]
}

var _ DataProvider = (*MonoProvider)(nil)
