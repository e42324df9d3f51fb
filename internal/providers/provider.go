// Package providers adapts each upstream data source - the regulated
// aggregator, the regional aggregator, and the direct-bank connector layer -
// behind one DataProvider interface producing the canonical payload shapes
// the importer persists.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"doubleu/internal/models"
)

var (
	// ErrLoginRequired means the item's upstream credentials are no longer
	// usable and the user must re-link. The importer flags the item instead
	// of failing the run.
	ErrLoginRequired = errors.New("login required")

	// ErrNotSupported means the provider cannot serve the requested product
	// at all, as opposed to the item merely not having it enabled.
	ErrNotSupported = errors.New("product not supported")
)

// ItemData is the item-level result: normalized payload, the provider's
// institution reference, and the verbatim upstream document.
type ItemData struct {
	Payload       models.ItemPayload
	InstitutionID string
	Raw           json.RawMessage
}

// InstitutionData pairs the normalized institution metadata with the raw
// upstream document.
type InstitutionData struct {
	Payload models.InstitutionPayload
	Raw     json.RawMessage
}

// AccountData pairs one normalized account with its raw snapshot.
type AccountData struct {
	Payload models.AccountPayload
	Raw     json.RawMessage
}

// TransactionSync is an incremental transaction batch. NextCursor is opaque
// to callers; they store it only after the batch persists.
type TransactionSync struct {
	Payload    models.TransactionsPayload
	NextCursor string
}

// DataProvider is the upstream capability set the sync pipeline consumes.
// Providers that cannot serve investments or liabilities return
// ErrNotSupported from those methods.
type DataProvider interface {
	GetItem(ctx context.Context, item *models.ExternalItem) (*ItemData, error)
	GetInstitution(ctx context.Context, institutionID string) (*InstitutionData, error)
	GetItemAccounts(ctx context.Context, item *models.ExternalItem) ([]AccountData, error)

	// GetTransactions fetches transactions added since cursor. An empty
	// cursor means a full historical fetch.
	GetTransactions(ctx context.Context, item *models.ExternalItem, accountID, cursor string) (*TransactionSync, error)

	GetItemInvestments(ctx context.Context, item *models.ExternalItem, accountID string) (*models.InvestmentsPayload, error)
	GetItemLiabilities(ctx context.Context, item *models.ExternalItem, accountID string) (*models.LiabilitiesPayload, error)

	// RemoveItem revokes the upstream link. Best effort; callers proceed
	// with local cleanup on failure.
	RemoveItem(ctx context.Context, item *models.ExternalItem) error
}

// Registry maps provider names (plaid_us, plaid_eu, mono, doubleu) to their
// configured instances. Populated once at startup.
type Registry struct {
	mu        sync.RWMutex
	providers map[string]DataProvider
}

func NewRegistry() *Registry {
	return &Registry{providers: map[string]DataProvider{}}
}

func (r *Registry) Register(name string, provider DataProvider) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.providers[name] = provider
}

func (r *Registry) Get(name string) (DataProvider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	provider, ok := r.providers[name]
	if !ok {
		return nil, fmt.Errorf("no provider registered for %q", name)
	}
	return provider, nil
}
