package models

import (
	"encoding/json"
	"time"
)

// ExternalAccount is one account under an ExternalItem. It stores the latest
// normalized balances plus the raw upstream snapshots verbatim. The account
// only back-references its item; ownership runs item -> accounts.
type ExternalAccount struct {
	ID             int64  `json:"id"`
	ExternalItemID string `json:"externalItemId"`
	ExternalID     string `json:"externalId"`

	Name             string   `json:"name"`
	Mask             string   `json:"mask,omitempty"`
	ExternalType     string   `json:"externalType"`
	ExternalSubtype  string   `json:"externalSubtype,omitempty"`
	Currency         string   `json:"currency"`
	CurrentBalance   *float64 `json:"currentBalance,omitempty"`
	AvailableBalance *float64 `json:"availableBalance,omitempty"`

	RawPayload             json.RawMessage `json:"-"`
	RawTransactionsPayload json.RawMessage `json:"-"`
	RawInvestmentsPayload  json.RawMessage `json:"-"`
	RawLiabilitiesPayload  json.RawMessage `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// HasBalance reports whether at least one balance is present. The upstream
// guarantees one of the two; this is the local sanity check for that
// guarantee.
func (a *ExternalAccount) HasBalance() bool {
	return a.CurrentBalance != nil || a.AvailableBalance != nil
}
