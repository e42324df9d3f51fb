package providers

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"doubleu/internal/connectors"
	"doubleu/internal/models"
)

// fakeConnector scripts the connector layer: fetchErrs are consumed one per
// FetchTransactions/FetchAccounts call before the canned data is served.
type fakeConnector struct {
	authResult *connectors.AuthResult
	authErr    error
	authCalls  int
	lastToken  json.RawMessage

	fetchErrs       []error
	transactions    []connectors.RawTransaction
	accounts        []connectors.RawAccount
	fetchCalls      int
	disconnectErr   error
	disconnectCalls int
}

func (f *fakeConnector) Authenticate(ctx context.Context, creds connectors.Credentials, token json.RawMessage) (*connectors.AuthResult, error) {
	f.authCalls++
	if f.authErr != nil {
		return nil, f.authErr
	}
	return f.authResult, nil
}

func (f *fakeConnector) VerifyMFA(ctx context.Context, token json.RawMessage, creds connectors.Credentials, code string) (*connectors.AuthResult, error) {
	return nil, errors.New("not scripted")
}

func (f *fakeConnector) nextErr() error {
	if len(f.fetchErrs) == 0 {
		return nil
	}
	err := f.fetchErrs[0]
	f.fetchErrs = f.fetchErrs[1:]
	return err
}

func (f *fakeConnector) FetchAccounts(ctx context.Context, token json.RawMessage) ([]connectors.RawAccount, error) {
	f.fetchCalls++
	f.lastToken = token
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.accounts, nil
}

func (f *fakeConnector) FetchTransactions(ctx context.Context, token json.RawMessage, accountID string, opts connectors.FetchOptions) ([]connectors.RawTransaction, error) {
	f.fetchCalls++
	f.lastToken = token
	if err := f.nextErr(); err != nil {
		return nil, err
	}
	return f.transactions, nil
}

func (f *fakeConnector) Disconnect(ctx context.Context, token json.RawMessage) error {
	f.disconnectCalls++
	return f.disconnectErr
}

type fakeStore struct {
	connection *models.BankConnection
	updates    int
}

func (s *fakeStore) GetConnection(ctx context.Context, id string) (*models.BankConnection, error) {
	if s.connection == nil || s.connection.ID != id {
		return nil, errors.New("connection not found")
	}
	return s.connection, nil
}

func (s *fakeStore) UpdateSession(ctx context.Context, connection *models.BankConnection) error {
	s.updates++
	return nil
}

type fakeCatalog struct{}

func (fakeCatalog) GetBankProvider(ctx context.Context, bankID string) (*models.BankProvider, error) {
	return &models.BankProvider{BankID: bankID, DisplayName: "Zenith Bank"}, nil
}

func newDoubleuFixture(conn *fakeConnector) (*DoubleuProvider, *fakeStore) {
	registry := connectors.NewRegistry()
	registry.Register("zenith", func(p *models.BankProvider) connectors.Connector { return conn })

	store := &fakeStore{connection: &models.BankConnection{
		ID:           "conn-1",
		BankID:       "zenith",
		Status:       models.ConnectionConnected,
		Credentials:  map[string]string{"login_id": "0123456789", "password": "s3cret"},
		SessionToken: json.RawMessage(`{"session_id":"old"}`),
	}}
	return NewDoubleuProvider(registry, store, fakeCatalog{}), store
}

func doubleuTestItem() *models.ExternalItem {
	return &models.ExternalItem{ID: "item-3", Provider: "doubleu", ExternalID: "conn-1"}
}

var authErr = connectors.ErrAuthentication

func freshAuthResult() *connectors.AuthResult {
	expires := time.Now().Add(time.Hour)
	return &connectors.AuthResult{
		Authenticated:    true,
		SessionToken:     json.RawMessage(`{"session_id":"fresh"}`),
		SessionExpiresAt: &expires,
	}
}

// An authentication failure mid-fetch triggers exactly one silent
// reauthentication; the refreshed token is persisted and the fetch retried.
func TestDoubleu_ReauthenticatesOnceThenRetries(t *testing.T) {
	conn := &fakeConnector{
		authResult: freshAuthResult(),
		fetchErrs:  []error{authErr},
		transactions: []connectors.RawTransaction{
			{ID: "T2", Amount: 500, Date: "2025-06-10", Narration: "Salary", Direction: "credit"},
			{ID: "T1", Amount: 120, Date: "2025-06-09", Narration: "POS", Direction: "debit"},
		},
	}
	provider, store := newDoubleuFixture(conn)

	sync, err := provider.GetTransactions(context.Background(), doubleuTestItem(), "0011223344", "")
	if err != nil {
		t.Fatalf("GetTransactions() error: %v", err)
	}

	if conn.authCalls != 1 || conn.fetchCalls != 2 {
		t.Errorf("authCalls=%d fetchCalls=%d, want 1 and 2", conn.authCalls, conn.fetchCalls)
	}
	if store.updates != 1 {
		t.Errorf("session persisted %d times, want 1", store.updates)
	}
	if string(conn.lastToken) != `{"session_id":"fresh"}` {
		t.Errorf("retry used token %s, want the refreshed one", conn.lastToken)
	}
	if store.connection.Status != models.ConnectionConnected {
		t.Errorf("status = %s", store.connection.Status)
	}

	if len(sync.Payload.Added) != 2 {
		t.Fatalf("added = %+v", sync.Payload.Added)
	}
	if sync.Payload.Added[0].Amount != -500 {
		t.Errorf("credit amount = %v, want -500", sync.Payload.Added[0].Amount)
	}
	if sync.Payload.Added[1].Amount != 120 {
		t.Errorf("debit amount = %v, want 120", sync.Payload.Added[1].Amount)
	}
	if sync.NextCursor != "T2" {
		t.Errorf("NextCursor = %q, want the newest id", sync.NextCursor)
	}
}

// A second authentication failure after the single reauthentication
// escalates to ErrLoginRequired and fails the connection.
func TestDoubleu_SecondAuthFailureEscalates(t *testing.T) {
	conn := &fakeConnector{
		authResult: freshAuthResult(),
		fetchErrs:  []error{authErr, authErr},
	}
	provider, store := newDoubleuFixture(conn)

	_, err := provider.GetTransactions(context.Background(), doubleuTestItem(), "0011223344", "")
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("GetTransactions() = %v, want ErrLoginRequired", err)
	}
	if conn.authCalls != 1 {
		t.Errorf("authCalls = %d, want exactly one reauthentication", conn.authCalls)
	}
	if store.connection.Status != models.ConnectionFailed {
		t.Errorf("status = %s, want failed", store.connection.Status)
	}
}

func TestDoubleu_ReauthRejectionEscalates(t *testing.T) {
	conn := &fakeConnector{
		authErr:   authErr,
		fetchErrs: []error{authErr},
	}
	provider, store := newDoubleuFixture(conn)

	_, err := provider.GetItemAccounts(context.Background(), doubleuTestItem())
	if !errors.Is(err, ErrLoginRequired) {
		t.Fatalf("GetItemAccounts() = %v, want ErrLoginRequired", err)
	}
	if store.connection.Status != models.ConnectionFailed {
		t.Errorf("status = %s, want failed", store.connection.Status)
	}
}

// Connection problems are not identity problems: they pass through without
// burning the reauthentication or failing the connection.
func TestDoubleu_ConnectionErrorPassesThrough(t *testing.T) {
	conn := &fakeConnector{
		fetchErrs: []error{connectors.ErrConnection},
	}
	provider, store := newDoubleuFixture(conn)

	_, err := provider.GetTransactions(context.Background(), doubleuTestItem(), "0011223344", "")
	if !errors.Is(err, connectors.ErrConnection) {
		t.Fatalf("GetTransactions() = %v, want ErrConnection", err)
	}
	if errors.Is(err, ErrLoginRequired) {
		t.Error("transport failure escalated to ErrLoginRequired")
	}
	if conn.authCalls != 0 {
		t.Errorf("authCalls = %d, want 0", conn.authCalls)
	}
	if store.connection.Status != models.ConnectionConnected {
		t.Errorf("status = %s, want connected", store.connection.Status)
	}
}

// A locally expired session is refreshed before the first fetch rather than
// burning a round trip on a doomed request.
func TestDoubleu_ExpiredSessionRefreshesUpFront(t *testing.T) {
	conn := &fakeConnector{
		authResult: freshAuthResult(),
		accounts:   []connectors.RawAccount{{ID: "0011223344", Name: "Main", Currency: "NGN", CurrentBalance: 10}},
	}
	provider, store := newDoubleuFixture(conn)
	expired := time.Now().Add(-time.Minute)
	store.connection.SessionExpiresAt = &expired

	accounts, err := provider.GetItemAccounts(context.Background(), doubleuTestItem())
	if err != nil {
		t.Fatalf("GetItemAccounts() error: %v", err)
	}
	if conn.authCalls != 1 || conn.fetchCalls != 1 {
		t.Errorf("authCalls=%d fetchCalls=%d, want 1 and 1", conn.authCalls, conn.fetchCalls)
	}
	if string(conn.lastToken) != `{"session_id":"fresh"}` {
		t.Errorf("fetch used token %s, want the refreshed one", conn.lastToken)
	}
	if len(accounts) != 1 || accounts[0].Payload.AccountID != "0011223344" {
		t.Errorf("accounts = %+v", accounts)
	}
}

func TestDoubleu_RemoveItemIsBestEffort(t *testing.T) {
	conn := &fakeConnector{disconnectErr: errors.New("bank is down")}
	provider, _ := newDoubleuFixture(conn)

	if err := provider.RemoveItem(context.Background(), doubleuTestItem()); err != nil {
		t.Fatalf("RemoveItem() = %v, want nil despite upstream failure", err)
	}
	if conn.disconnectCalls != 1 {
		t.Errorf("disconnectCalls = %d", conn.disconnectCalls)
	}
}

func TestDoubleu_UnsupportedProducts(t *testing.T) {
	provider, _ := newDoubleuFixture(&fakeConnector{})
	if _, err := provider.GetItemInvestments(context.Background(), doubleuTestItem(), "a"); !errors.Is(err, ErrNotSupported) {
		t.Errorf("GetItemInvestments() = %v, want ErrNotSupported", err)
	}
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	provider := NewMonoProvider(MonoConfig{})
	registry.Register("mono", provider)

	got, err := registry.Get("mono")
	if err != nil {
		t.Fatalf("Get(mono) error: %v", err)
	}
	if got != provider {
		t.Error("Get(mono) returned a different instance")
	}
	if _, err := registry.Get("plaid_us"); err == nil {
		t.Error("Get() on an unregistered name should error")
	}
}
