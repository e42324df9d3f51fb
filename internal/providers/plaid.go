package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"doubleu/internal/models"
)

const plaidDefaultTimeout = 180 * time.Second // large historical transaction fetches

// PlaidConfig carries one region's credentials and endpoint.
type PlaidConfig struct {
	ClientID string
	Secret   string
	BaseURL  string // e.g. https://production.plaid.com
	Region   string // "us" or "eu"

	HTTPClient *http.Client
}

// PlaidProvider talks to the regulated aggregator. One instance per region;
// the region decides which country set institution lookups use.
type PlaidProvider struct {
	cfg        PlaidConfig
	httpClient *http.Client
}

func NewPlaidProvider(cfg PlaidConfig) *PlaidProvider {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: plaidDefaultTimeout}
	}
	return &PlaidProvider{cfg: cfg, httpClient: httpClient}
}

// countryCodes returns the institution lookup scope for this region.
func (p *PlaidProvider) countryCodes() []string {
	if p.cfg.Region == "eu" {
		return []string{"ES", "NL", "FR", "IE", "DE"}
	}
	return []string{"US", "CA"}
}

type plaidError struct {
	ErrorType    string `json:"error_type"`
	ErrorCode    string `json:"error_code"`
	ErrorMessage string `json:"error_message"`
}

func (e *plaidError) Error() string {
	return fmt.Sprintf("plaid error %s: %s", e.ErrorCode, e.ErrorMessage)
}

type plaidItem struct {
	ItemID            string   `json:"item_id"`
	InstitutionID     string   `json:"institution_id"`
	AvailableProducts []string `json:"available_products"`
	BilledProducts    []string `json:"billed_products"`
}

type plaidInstitution struct {
	InstitutionID string `json:"institution_id"`
	Name          string `json:"name"`
	URL           string `json:"url"`
	PrimaryColor  string `json:"primary_color"`
	LogoURL       string `json:"logo"`
}

type plaidBalances struct {
	Current         *float64 `json:"current"`
	Available       *float64 `json:"available"`
	IsoCurrencyCode string   `json:"iso_currency_code"`
}

type plaidAccount struct {
	AccountID string        `json:"account_id"`
	Name      string        `json:"name"`
	Mask      string        `json:"mask"`
	Type      string        `json:"type"`
	Subtype   string        `json:"subtype"`
	Balances  plaidBalances `json:"balances"`
}

type plaidTransaction struct {
	TransactionID          string   `json:"transaction_id"`
	AccountID              string   `json:"account_id"`
	Amount                 float64  `json:"amount"`
	Date                   string   `json:"date"`
	Name                   string   `json:"name"`
	MerchantName           string   `json:"merchant_name"`
	MerchantEntityID       string   `json:"merchant_entity_id"`
	IsoCurrencyCode        string   `json:"iso_currency_code"`
	Website                string   `json:"website"`
	LogoURL                string   `json:"logo_url"`
	PersonalFinanceCategory struct {
		Primary string `json:"primary"`
	} `json:"personal_finance_category"`
}

type plaidRemovedTransaction struct {
	TransactionID string `json:"transaction_id"`
}

func (p *PlaidProvider) GetItem(ctx context.Context, item *models.ExternalItem) (*ItemData, error) {
	var resp struct {
		Item plaidItem `json:"item"`
	}
	raw, err := p.post(ctx, "/item/get", map[string]any{
		"access_token": item.AccessToken,
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &ItemData{
		Payload: models.ItemPayload{
			AvailableProducts: resp.Item.AvailableProducts,
			BilledProducts:    resp.Item.BilledProducts,
		},
		InstitutionID: resp.Item.InstitutionID,
		Raw:           raw,
	}, nil
}

func (p *PlaidProvider) GetInstitution(ctx context.Context, institutionID string) (*InstitutionData, error) {
	var resp struct {
		Institution plaidInstitution `json:"institution"`
	}
	raw, err := p.post(ctx, "/institutions/get_by_id", map[string]any{
		"institution_id": institutionID,
		"country_codes":  p.countryCodes(),
		"options":        map[string]any{"include_optional_metadata": true},
	}, &resp)
	if err != nil {
		return nil, err
	}

	return &InstitutionData{
		Payload: models.InstitutionPayload{
			Name:          resp.Institution.Name,
			InstitutionID: resp.Institution.InstitutionID,
			URL:           resp.Institution.URL,
			PrimaryColor:  resp.Institution.PrimaryColor,
			LogoURL:       resp.Institution.LogoURL,
		},
		Raw: raw,
	}, nil
}

func (p *PlaidProvider) GetItemAccounts(ctx context.Context, item *models.ExternalItem) ([]AccountData, error) {
	var resp struct {
		Accounts []plaidAccount `json:"accounts"`
	}
	if _, err := p.post(ctx, "/accounts/get", map[string]any{
		"access_token": item.AccessToken,
	}, &resp); err != nil {
		return nil, err
	}

	accounts := make([]AccountData, 0, len(resp.Accounts))
	for _, acc := range resp.Accounts {
		raw, err := json.Marshal(acc)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal account snapshot: %w", err)
		}
		accounts = append(accounts, AccountData{
			Payload: adaptPlaidAccount(acc),
			Raw:     raw,
		})
	}
	return accounts, nil
}

// GetTransactions walks the sync endpoint until has_more turns false,
// accumulating added, modified, and removed entries across pages.
func (p *PlaidProvider) GetTransactions(ctx context.Context, item *models.ExternalItem, accountID, cursor string) (*TransactionSync, error) {
	sync := &TransactionSync{NextCursor: cursor}

	for {
		var resp struct {
			Added      []plaidTransaction        `json:"added"`
			Modified   []plaidTransaction        `json:"modified"`
			Removed    []plaidRemovedTransaction `json:"removed"`
			NextCursor string                    `json:"next_cursor"`
			HasMore    bool                      `json:"has_more"`
		}
		body := map[string]any{
			"access_token": item.AccessToken,
			"count":        500,
		}
		if sync.NextCursor != "" {
			body["cursor"] = sync.NextCursor
		}
		if _, err := p.post(ctx, "/transactions/sync", body, &resp); err != nil {
			return nil, err
		}

		for _, txn := range resp.Added {
			if accountID == "" || txn.AccountID == accountID {
				sync.Payload.Added = append(sync.Payload.Added, adaptPlaidTransaction(txn))
			}
		}
		for _, txn := range resp.Modified {
			if accountID == "" || txn.AccountID == accountID {
				sync.Payload.Modified = append(sync.Payload.Modified, adaptPlaidTransaction(txn))
			}
		}
		for _, txn := range resp.Removed {
			sync.Payload.Removed = append(sync.Payload.Removed, models.RemovedTransactionPayload{
				TransactionID: txn.TransactionID,
			})
		}

		sync.NextCursor = resp.NextCursor
		if !resp.HasMore {
			return sync, nil
		}
	}
}

func (p *PlaidProvider) GetItemInvestments(ctx context.Context, item *models.ExternalItem, accountID string) (*models.InvestmentsPayload, error) {
	var resp struct {
		Holdings []struct {
			AccountID            string  `json:"account_id"`
			SecurityID           string  `json:"security_id"`
			InstitutionPrice     float64 `json:"institution_price"`
			InstitutionPriceAsOf string  `json:"institution_price_as_of"`
			Quantity             float64 `json:"quantity"`
			IsoCurrencyCode      string  `json:"iso_currency_code"`
		} `json:"holdings"`
		Securities []struct {
			SecurityID           string `json:"security_id"`
			Type                 string `json:"type"`
			TickerSymbol         string `json:"ticker_symbol"`
			ProxySecurityID      string `json:"proxy_security_id"`
			IsoCurrencyCode      string `json:"iso_currency_code"`
			MarketIdentifierCode string `json:"market_identifier_code"`
			IsCashEquivalent     bool   `json:"is_cash_equivalent"`
		} `json:"securities"`
	}
	_, err := p.post(ctx, "/investments/holdings/get", map[string]any{
		"access_token": item.AccessToken,
	}, &resp)
	if err != nil {
		// An item with no brokerage accounts is not an error condition.
		if isPlaidCode(err, "NO_INVESTMENT_ACCOUNTS") {
			return nil, nil
		}
		return nil, err
	}

	payload := &models.InvestmentsPayload{}
	for _, h := range resp.Holdings {
		if accountID != "" && h.AccountID != accountID {
			continue
		}
		payload.Holdings = append(payload.Holdings, models.HoldingPayload{
			SecurityID:           h.SecurityID,
			InstitutionPrice:     h.InstitutionPrice,
			InstitutionPriceAsOf: h.InstitutionPriceAsOf,
			Quantity:             h.Quantity,
			CurrencyCode:         h.IsoCurrencyCode,
		})
	}
	for _, s := range resp.Securities {
		payload.Securities = append(payload.Securities, models.SecurityPayload{
			SecurityID:           s.SecurityID,
			Type:                 s.Type,
			TickerSymbol:         s.TickerSymbol,
			ProxySecurityID:      s.ProxySecurityID,
			CurrencyCode:         s.IsoCurrencyCode,
			MarketIdentifierCode: s.MarketIdentifierCode,
			IsCashEquivalent:     s.IsCashEquivalent,
		})
	}
	return payload, nil
}

func (p *PlaidProvider) GetItemLiabilities(ctx context.Context, item *models.ExternalItem, accountID string) (*models.LiabilitiesPayload, error) {
	var resp struct {
		Liabilities json.RawMessage `json:"liabilities"`
	}
	_, err := p.post(ctx, "/liabilities/get", map[string]any{
		"access_token": item.AccessToken,
	}, &resp)
	if err != nil {
		if isPlaidCode(err, "NO_LIABILITY_ACCOUNTS") {
			return nil, nil
		}
		return nil, err
	}
	return &models.LiabilitiesPayload{Raw: resp.Liabilities}, nil
}

func (p *PlaidProvider) RemoveItem(ctx context.Context, item *models.ExternalItem) error {
	_, err := p.post(ctx, "/item/remove", map[string]any{
		"access_token": item.AccessToken,
	}, &struct{}{})
	return err
}

// post sends a JSON body with the region credentials injected and decodes
// the response into out, returning the raw body for snapshot storage.
func (p *PlaidProvider) post(ctx context.Context, path string, body map[string]any, out any) (json.RawMessage, error) {
	body["client_id"] = p.cfg.ClientID
	body["secret"] = p.cfg.Secret

	encoded, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.cfg.BaseURL+path, bytes.NewReader(encoded))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
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

	if resp.StatusCode != http.StatusOK {
		var perr plaidError
		if err := json.Unmarshal(raw, &perr); err != nil || perr.ErrorCode == "" {
			return nil, fmt.Errorf("plaid request failed with status %d: %s", resp.StatusCode, raw)
		}
		if perr.ErrorCode == "ITEM_LOGIN_REQUIRED" {
			return nil, fmt.Errorf("%w: %s", ErrLoginRequired, perr.ErrorMessage)
		}
		return nil, &perr
	}

	if err := json.Unmarshal(raw, out); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return raw, nil
}

// isPlaidCode reports whether err is a plaid error with the given code.
func isPlaidCode(err error, code string) bool {
	var perr *plaidError
	return errors.As(err, &perr) && perr.ErrorCode == code
}

// adaptPlaidAccount maps the aggregator's account shape onto the canonical
// payload. Amounts pass through untouched: this source already reports
// positive = debit.
func adaptPlaidAccount(acc plaidAccount) models.AccountPayload {
	return models.AccountPayload{
		AccountID:        acc.AccountID,
		Name:             acc.Name,
		Type:             acc.Type,
		Subtype:          acc.Subtype,
		Mask:             acc.Mask,
		Currency:         acc.Balances.IsoCurrencyCode,
		CurrentBalance:   acc.Balances.Current,
		AvailableBalance: acc.Balances.Available,
	}
}

func adaptPlaidTransaction(txn plaidTransaction) models.TransactionPayload {
	return models.TransactionPayload{
		TransactionID: txn.TransactionID,
		MerchantID:    txn.MerchantEntityID,
		MerchantName:  txn.MerchantName,
		Description:   txn.Name,
		Amount:        txn.Amount,
		Date:          txn.Date,
		CurrencyCode:  txn.IsoCurrencyCode,
		Category:      txn.PersonalFinanceCategory.Primary,
		Website:       txn.Website,
		LogoURL:       txn.LogoURL,
	}
}

var _ DataProvider = (*PlaidProvider)(nil)
