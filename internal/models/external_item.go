package models

import (
	"encoding/json"
	"time"
)

// ItemStatus marks whether an item's upstream link is usable or needs the
// user to re-link.
type ItemStatus string

const (
	ItemGood           ItemStatus = "good"
	ItemRequiresUpdate ItemStatus = "requires_update"
)

// ExternalItem is one linked institution credential at an upstream provider.
// It owns the external accounts fetched under it. ExternalID is the
// provider-side item identifier (for the direct-bank provider it is the
// BankConnection id).
type ExternalItem struct {
	ID         string     `json:"id"`
	FamilyID   int64      `json:"familyId"`
	Provider   string     `json:"provider"` // plaid_us, plaid_eu, mono, doubleu
	ExternalID string     `json:"externalId"`
	Name       string     `json:"name"`
	Status     ItemStatus `json:"status"`

	// AccessToken is the provider-side secret handle for this item, where
	// the provider issues one. Stored encrypted at rest, never serialized.
	AccessToken string `json:"-"`

	// NextCursor is the incremental transaction fetch marker. It advances
	// only after a whole import batch commits.
	NextCursor string `json:"nextCursor,omitempty"`

	AvailableProducts []string `json:"availableProducts"`
	BilledProducts    []string `json:"billedProducts"`

	InstitutionID    string `json:"institutionId,omitempty"`
	InstitutionURL   string `json:"institutionUrl,omitempty"`
	InstitutionColor string `json:"institutionColor,omitempty"`

	// Raw upstream snapshots kept verbatim for replay and audit.
	RawPayload            json.RawMessage `json:"-"`
	RawInstitutionPayload json.RawMessage `json:"-"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// SupportsProduct reports whether the provider can serve the given product
// for this item. The upstream returns mutually exclusive arrays: billed means
// requested, available means supported but unused.
func (i *ExternalItem) SupportsProduct(product string) bool {
	for _, p := range i.AvailableProducts {
		if p == product {
			return true
		}
	}
	for _, p := range i.BilledProducts {
		if p == product {
			return true
		}
	}
	return false
}
