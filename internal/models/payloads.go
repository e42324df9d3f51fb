package models

import "encoding/json"

// Canonical payload shapes every provider adapter normalizes into. Amount
// sign convention: positive = debit (money out), negative = credit. Adapters
// own the translation from provider-native conventions.

// ItemPayload is the normalized item-level metadata.
type ItemPayload struct {
	AvailableProducts []string `json:"availableProducts"`
	BilledProducts    []string `json:"billedProducts"`
}

// InstitutionPayload is the normalized institution metadata.
type InstitutionPayload struct {
	Name          string `json:"name"`
	InstitutionID string `json:"institutionId"`
	URL           string `json:"url,omitempty"`
	PrimaryColor  string `json:"primaryColor,omitempty"`
	LogoURL       string `json:"logoUrl,omitempty"`
}

// AccountPayload is the normalized account shape.
type AccountPayload struct {
	AccountID        string   `json:"accountId"`
	Name             string   `json:"name"`
	Type             string   `json:"type"`
	Subtype          string   `json:"subtype,omitempty"`
	Mask             string   `json:"mask,omitempty"`
	Currency         string   `json:"currency"`
	CurrentBalance   *float64 `json:"currentBalance,omitempty"`
	AvailableBalance *float64 `json:"availableBalance,omitempty"`
}

// TransactionPayload is one normalized transaction. TransactionID must be
// stable across repeated fetches of the same underlying event so the sink
// can upsert and remove by id.
type TransactionPayload struct {
	TransactionID string  `json:"transactionId"`
	MerchantID    string  `json:"merchantId,omitempty"`
	MerchantName  string  `json:"merchantName,omitempty"`
	Description   string  `json:"description"`
	Amount        float64 `json:"amount"`
	Date          string  `json:"date"`
	CurrencyCode  string  `json:"isoCurrencyCode,omitempty"`
	Category      string  `json:"category,omitempty"`
	Website       string  `json:"website,omitempty"`
	LogoURL       string  `json:"logoUrl,omitempty"`
}

// RemovedTransactionPayload identifies an upstream-deleted transaction.
type RemovedTransactionPayload struct {
	TransactionID string `json:"transactionId"`
}

// TransactionsPayload splits a transaction sync batch the way the regulated
// aggregator reports it; sources without modify/remove semantics leave those
// slices empty.
type TransactionsPayload struct {
	Added    []TransactionPayload        `json:"added"`
	Modified []TransactionPayload        `json:"modified"`
	Removed  []RemovedTransactionPayload `json:"removed"`
}

// HoldingPayload is one normalized investment holding.
type HoldingPayload struct {
	SecurityID           string   `json:"securityId"`
	InstitutionPrice     float64  `json:"institutionPrice"`
	Quantity             float64  `json:"quantity"`
	CurrencyCode         string   `json:"isoCurrencyCode,omitempty"`
	InstitutionPriceAsOf string   `json:"institutionPriceAsOf,omitempty"`
}

// SecurityPayload is one normalized security definition.
type SecurityPayload struct {
	SecurityID           string `json:"securityId"`
	Type                 string `json:"type,omitempty"`
	TickerSymbol         string `json:"tickerSymbol,omitempty"`
	ProxySecurityID      string `json:"proxySecurityId,omitempty"`
	CurrencyCode         string `json:"isoCurrencyCode,omitempty"`
	MarketIdentifierCode string `json:"marketIdentifierCode,omitempty"`
	IsCashEquivalent     bool   `json:"isCashEquivalent"`
}

// InvestmentsPayload is the normalized holdings/securities set.
type InvestmentsPayload struct {
	Holdings   []HoldingPayload  `json:"holdings"`
	Securities []SecurityPayload `json:"securities"`
}

// LiabilitiesPayload passes the upstream liabilities document through
// verbatim; the downstream liability processors consume provider fields
// directly from the raw snapshot.
type LiabilitiesPayload struct {
	Raw json.RawMessage `json:"raw"`
}
