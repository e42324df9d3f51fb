package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"doubleu/internal/connectors"
	"doubleu/internal/models"
)

// ConnectionStore is the persistence surface the direct-bank provider needs:
// load a connection with decrypted blobs and persist session refreshes.
type ConnectionStore interface {
	GetConnection(ctx context.Context, id string) (*models.BankConnection, error)
	UpdateSession(ctx context.Context, connection *models.BankConnection) error
}

// BankCatalog resolves bank provider catalog entries.
type BankCatalog interface {
	GetBankProvider(ctx context.Context, bankID string) (*models.BankProvider, error)
}

// DoubleuProvider serves items linked through the direct bank connectors.
// The item's external id is the bank connection id; session tokens live on
// the connection and are refreshed here under the reauthentication policy:
// one silent reauthentication with stored credentials, then ErrLoginRequired.
type DoubleuProvider struct {
	registry    *connectors.Registry
	connections ConnectionStore
	catalog     BankCatalog
	now         func() time.Time

	// One lock per connection id serializes session refresh against
	// concurrent fetches for the same connection.
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewDoubleuProvider(registry *connectors.Registry, connections ConnectionStore, catalog BankCatalog) *DoubleuProvider {
	return &DoubleuProvider{
		registry:    registry,
		connections: connections,
		catalog:     catalog,
		now:         time.Now,
		locks:       map[string]*sync.Mutex{},
	}
}

func (p *DoubleuProvider) GetItem(ctx context.Context, item *models.ExternalItem) (*ItemData, error) {
	connection, _, err := p.load(ctx, item)
	if err != nil {
		return nil, err
	}

	payload := models.ItemPayload{AvailableProducts: []string{"transactions"}}
	raw, err := json.Marshal(map[string]any{
		"connectionId": connection.ID,
		"bankId":       connection.BankID,
		"status":       connection.Status,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal item snapshot: %w", err)
	}

	return &ItemData{
		Payload:       payload,
		InstitutionID: connection.BankID,
		Raw:           raw,
	}, nil
}

func (p *DoubleuProvider) GetInstitution(ctx context.Context, institutionID string) (*InstitutionData, error) {
	bank, err := p.catalog.GetBankProvider(ctx, institutionID)
	if err != nil {
		return nil, fmt.Errorf("failed to load bank %q: %w", institutionID, err)
	}

	payload := models.InstitutionPayload{
		Name:          bank.DisplayName,
		InstitutionID: bank.BankID,
		URL:           bank.Website,
		PrimaryColor:  bank.PrimaryColor,
		LogoURL:       bank.LogoURL,
	}
	raw, err := json.Marshal(bank)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal institution snapshot: %w", err)
	}
	return &InstitutionData{Payload: payload, Raw: raw}, nil
}

func (p *DoubleuProvider) GetItemAccounts(ctx context.Context, item *models.ExternalItem) ([]AccountData, error) {
	var accounts []AccountData
	err := p.withSession(ctx, item, func(connector connectors.Connector, token json.RawMessage) error {
		raws, err := connector.FetchAccounts(ctx, token)
		if err != nil {
			return err
		}

		accounts = accounts[:0]
		for _, acc := range raws {
			raw, err := json.Marshal(acc)
			if err != nil {
				return fmt.Errorf("failed to marshal account snapshot: %w", err)
			}
			current, available := acc.CurrentBalance, acc.AvailableBalance
			accounts = append(accounts, AccountData{
				Payload: models.AccountPayload{
					AccountID:        acc.ID,
					Name:             acc.Name,
					Type:             acc.Type,
					Mask:             mask(acc.AccountNumber),
					Currency:         acc.Currency,
					CurrentBalance:   &current,
					AvailableBalance: &available,
				},
				Raw: raw,
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// GetTransactions uses the cursor as the connector's since-id: the fetch
// stops at the previously newest transaction, and the new cursor is the
// newest id of this batch.
func (p *DoubleuProvider) GetTransactions(ctx context.Context, item *models.ExternalItem, accountID, cursor string) (*TransactionSync, error) {
	sync := &TransactionSync{NextCursor: cursor}
	err := p.withSession(ctx, item, func(connector connectors.Connector, token json.RawMessage) error {
		raws, err := connector.FetchTransactions(ctx, token, accountID, connectors.FetchOptions{SinceID: cursor})
		if err != nil {
			return err
		}

		sync.Payload.Added = sync.Payload.Added[:0]
		for _, txn := range raws {
			sync.Payload.Added = append(sync.Payload.Added, adaptBankTransaction(txn))
		}
		if len(sync.Payload.Added) > 0 {
			sync.NextCursor = sync.Payload.Added[0].TransactionID
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return sync, nil
}

func (p *DoubleuProvider) GetItemInvestments(ctx context.Context, item *models.ExternalItem, accountID string) (*models.InvestmentsPayload, error) {
	return nil, ErrNotSupported
}

func (p *DoubleuProvider) GetItemLiabilities(ctx context.Context, item *models.ExternalItem, accountID string) (*models.LiabilitiesPayload, error) {
	return nil, ErrNotSupported
}

// RemoveItem asks the connector to unlink upstream. Failures are logged and
// swallowed so local deletion always proceeds.
func (p *DoubleuProvider) RemoveItem(ctx context.Context, item *models.ExternalItem) error {
	connection, connector, err := p.load(ctx, item)
	if err != nil {
		return nil
	}
	if err := connector.Disconnect(ctx, connection.SessionToken); err != nil {
		log.Printf("Disconnect failed for connection %s: %v", connection.ID, err)
	}
	return nil
}

func (p *DoubleuProvider) load(ctx context.Context, item *models.ExternalItem) (*models.BankConnection, connectors.Connector, error) {
	connection, err := p.connections.GetConnection(ctx, item.ExternalID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load connection %q: %w", item.ExternalID, err)
	}

	bank, err := p.catalog.GetBankProvider(ctx, connection.BankID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load bank %q: %w", connection.BankID, err)
	}
	connector, err := p.registry.Get(bank)
	if err != nil {
		return nil, nil, err
	}
	return connection, connector, nil
}

// withSession runs fn with a usable session token. An expired token is
// refreshed up front; an authentication failure mid-call triggers exactly
// one reauthentication with the stored credentials before fn is retried.
// A second authentication failure escalates to ErrLoginRequired.
func (p *DoubleuProvider) withSession(ctx context.Context, item *models.ExternalItem, fn func(connector connectors.Connector, token json.RawMessage) error) error {
	lock := p.connectionLock(item.ExternalID)
	lock.Lock()
	defer lock.Unlock()

	connection, connector, err := p.load(ctx, item)
	if err != nil {
		return err
	}

	reauthed := false
	if len(connection.SessionToken) == 0 || connection.SessionExpired(p.now()) {
		if err := p.reauthenticate(ctx, connection, connector); err != nil {
			return err
		}
		reauthed = true
	}

	err = fn(connector, connection.SessionToken)
	if err == nil {
		return nil
	}
	if !errors.Is(err, connectors.ErrAuthentication) || reauthed {
		return p.escalate(ctx, connection, err)
	}

	if err := p.reauthenticate(ctx, connection, connector); err != nil {
		return err
	}
	if err := fn(connector, connection.SessionToken); err != nil {
		return p.escalate(ctx, connection, err)
	}
	return nil
}

// reauthenticate runs the stored-credential login and persists the refreshed
// token. A rejection here means the credentials themselves no longer work.
func (p *DoubleuProvider) reauthenticate(ctx context.Context, connection *models.BankConnection, connector connectors.Connector) error {
	result, err := connector.Authenticate(ctx, connectors.Credentials(connection.Credentials), connection.SessionToken)
	if err != nil {
		if errors.Is(err, connectors.ErrAuthentication) {
			return p.escalate(ctx, connection, err)
		}
		return err
	}
	if !result.Authenticated {
		// MFA mid-sync cannot be satisfied without the user.
		return p.escalate(ctx, connection, errors.New("reauthentication requires user verification"))
	}

	connection.SessionToken = result.SessionToken
	connection.SessionExpiresAt = result.SessionExpiresAt
	if err := connection.TransitionTo(models.ConnectionConnected); err != nil {
		return err
	}
	if err := p.connections.UpdateSession(ctx, connection); err != nil {
		return fmt.Errorf("failed to persist refreshed session: %w", err)
	}
	return nil
}

// escalate wraps an exhausted authentication failure as ErrLoginRequired;
// other errors pass through untouched.
func (p *DoubleuProvider) escalate(ctx context.Context, connection *models.BankConnection, err error) error {
	if !errors.Is(err, connectors.ErrAuthentication) {
		return err
	}
	if terr := connection.TransitionTo(models.ConnectionFailed); terr == nil {
		if uerr := p.connections.UpdateSession(ctx, connection); uerr != nil {
			log.Printf("Failed to persist failed status for connection %s: %v", connection.ID, uerr)
		}
	}
	return fmt.Errorf("%w: %v", ErrLoginRequired, err)
}

func (p *DoubleuProvider) connectionLock(id string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	lock, ok := p.locks[id]
	if !ok {
		lock = &sync.Mutex{}
		p.locks[id] = lock
	}
	return lock
}

// adaptBankTransaction applies the canonical sign convention to a connector
// row: debits positive, credits negative. Connector amounts are absolute.
func adaptBankTransaction(txn connectors.RawTransaction) models.TransactionPayload {
	amount := txn.Amount
	if txn.Direction == "credit" {
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

var _ DataProvider = (*DoubleuProvider)(nil)
