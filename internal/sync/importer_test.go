package sync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"doubleu/internal/models"
	"doubleu/internal/providers"
)

// scriptedProvider serves canned data and scripted failures per operation.
type scriptedProvider struct {
	itemErr         error
	accountsErr     error
	transactionsErr error
	investmentsErr  error

	accounts     []providers.AccountData
	transactions map[string][]models.TransactionPayload
	nextCursor   string
	investments  *models.InvestmentsPayload
	liabilities  *models.LiabilitiesPayload

	gotCursors []string
}

func (p *scriptedProvider) GetItem(ctx context.Context, item *models.ExternalItem) (*providers.ItemData, error) {
	if p.itemErr != nil {
		return nil, p.itemErr
	}
	return &providers.ItemData{
		Payload:       models.ItemPayload{BilledProducts: item.BilledProducts, AvailableProducts: item.AvailableProducts},
		InstitutionID: "ins-1",
		Raw:           json.RawMessage(`{"item":true}`),
	}, nil
}

func (p *scriptedProvider) GetInstitution(ctx context.Context, institutionID string) (*providers.InstitutionData, error) {
	return &providers.InstitutionData{
		Payload: models.InstitutionPayload{Name: "Test Bank", InstitutionID: institutionID},
		Raw:     json.RawMessage(`{"institution":true}`),
	}, nil
}

func (p *scriptedProvider) GetItemAccounts(ctx context.Context, item *models.ExternalItem) ([]providers.AccountData, error) {
	if p.accountsErr != nil {
		return nil, p.accountsErr
	}
	return p.accounts, nil
}

func (p *scriptedProvider) GetTransactions(ctx context.Context, item *models.ExternalItem, accountID, cursor string) (*providers.TransactionSync, error) {
	p.gotCursors = append(p.gotCursors, cursor)
	if p.transactionsErr != nil {
		return nil, p.transactionsErr
	}
	return &providers.TransactionSync{
		Payload:    models.TransactionsPayload{Added: p.transactions[accountID]},
		NextCursor: p.nextCursor,
	}, nil
}

func (p *scriptedProvider) GetItemInvestments(ctx context.Context, item *models.ExternalItem, accountID string) (*models.InvestmentsPayload, error) {
	if p.investmentsErr != nil {
		return nil, p.investmentsErr
	}
	return p.investments, nil
}

func (p *scriptedProvider) GetItemLiabilities(ctx context.Context, item *models.ExternalItem, accountID string) (*models.LiabilitiesPayload, error) {
	return p.liabilities, nil
}

func (p *scriptedProvider) RemoveItem(ctx context.Context, item *models.ExternalItem) error {
	return nil
}

// memorySink records everything; batchErr makes ImportBatch fail after fn
// ran, simulating a commit failure.
type memorySink struct {
	itemSnapshots        int
	institutionSnapshots int
	flagged              int
	batchErr             error

	accounts     []string
	transactions map[string]models.TransactionsPayload
	investments  map[string]models.InvestmentsPayload
	cursor       string
	committed    bool
}

func newMemorySink() *memorySink {
	return &memorySink{
		transactions: map[string]models.TransactionsPayload{},
		investments:  map[string]models.InvestmentsPayload{},
	}
}

func (s *memorySink) UpsertItemSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.ItemData) error {
	s.itemSnapshots++
	return nil
}

func (s *memorySink) UpsertInstitutionSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.InstitutionData) error {
	s.institutionSnapshots++
	return nil
}

func (s *memorySink) MarkItemRequiresUpdate(ctx context.Context, item *models.ExternalItem) error {
	s.flagged++
	return nil
}

type memoryBatch struct{ sink *memorySink }

func (s *memorySink) ImportBatch(ctx context.Context, item *models.ExternalItem, fn func(tx BatchTx) error) error {
	staged := newMemorySink()
	if err := fn(&memoryBatch{sink: staged}); err != nil {
		return err
	}
	if s.batchErr != nil {
		return s.batchErr
	}
	// Commit: copy staged state over.
	s.accounts = staged.accounts
	s.transactions = staged.transactions
	s.investments = staged.investments
	s.cursor = staged.cursor
	s.committed = true
	return nil
}

func (b *memoryBatch) UpsertAccountSnapshot(account providers.AccountData) error {
	b.sink.accounts = append(b.sink.accounts, account.Payload.AccountID)
	return nil
}

func (b *memoryBatch) UpsertTransactionsSnapshot(accountID string, payload models.TransactionsPayload) error {
	b.sink.transactions[accountID] = payload
	return nil
}

func (b *memoryBatch) UpsertInvestmentsSnapshot(accountID string, payload models.InvestmentsPayload) error {
	b.sink.investments[accountID] = payload
	return nil
}

func (b *memoryBatch) UpsertLiabilitiesSnapshot(accountID string, payload models.LiabilitiesPayload) error {
	return nil
}

func (b *memoryBatch) AdvanceCursor(cursor string) error {
	b.sink.cursor = cursor
	return nil
}

func testItem() *models.ExternalItem {
	return &models.ExternalItem{
		ID:             "item-1",
		Provider:       "test",
		ExternalID:     "ext-1",
		Status:         models.ItemGood,
		NextCursor:     "cur-0",
		BilledProducts: []string{"transactions"},
	}
}

func fixture(provider providers.DataProvider) (*Importer, *memorySink) {
	registry := providers.NewRegistry()
	registry.Register("test", provider)
	sink := newMemorySink()
	return NewImporter(registry, sink), sink
}

func balance(v float64) *float64 { return &v }

func TestImport_FullRun(t *testing.T) {
	provider := &scriptedProvider{
		accounts: []providers.AccountData{
			{Payload: models.AccountPayload{AccountID: "acc-1", Currency: "USD", CurrentBalance: balance(100)}},
			{Payload: models.AccountPayload{AccountID: "acc-2", Currency: "USD", CurrentBalance: balance(50)}},
		},
		transactions: map[string][]models.TransactionPayload{
			"acc-1": {{TransactionID: "t1", Amount: 10, Date: "2025-06-10"}},
			"acc-2": {{TransactionID: "t2", Amount: -5, Date: "2025-06-11"}},
		},
		nextCursor: "cur-1",
	}
	importer, sink := fixture(provider)
	item := testItem()

	if err := importer.Import(context.Background(), item); err != nil {
		t.Fatalf("Import() error: %v", err)
	}

	if sink.itemSnapshots != 1 || sink.institutionSnapshots != 1 {
		t.Errorf("snapshots: item=%d institution=%d", sink.itemSnapshots, sink.institutionSnapshots)
	}
	if len(sink.accounts) != 2 {
		t.Fatalf("accounts persisted = %v", sink.accounts)
	}
	if len(sink.transactions["acc-1"].Added) != 1 || len(sink.transactions["acc-2"].Added) != 1 {
		t.Errorf("transactions persisted = %+v", sink.transactions)
	}
	if sink.cursor != "cur-1" {
		t.Errorf("cursor = %q, want cur-1", sink.cursor)
	}
	if item.NextCursor != "cur-1" {
		t.Errorf("item cursor = %q, want advanced after commit", item.NextCursor)
	}

	// Every account's fetch starts from the stored cursor, not from a
	// mid-run intermediate.
	for _, cursor := range provider.gotCursors {
		if cursor != "cur-0" {
			t.Errorf("fetch used cursor %q, want cur-0", cursor)
		}
	}
}

// A failed batch commit leaves the cursor untouched so the next run
// re-fetches instead of skipping data.
func TestImport_CursorStaysOnCommitFailure(t *testing.T) {
	provider := &scriptedProvider{
		accounts: []providers.AccountData{
			{Payload: models.AccountPayload{AccountID: "acc-1"}},
		},
		transactions: map[string][]models.TransactionPayload{"acc-1": {{TransactionID: "t1"}}},
		nextCursor:   "cur-1",
	}
	importer, sink := fixture(provider)
	sink.batchErr = errors.New("deadlock detected")
	item := testItem()

	err := importer.Import(context.Background(), item)
	if err == nil {
		t.Fatal("Import() succeeded despite commit failure")
	}
	if sink.committed {
		t.Error("batch reported committed")
	}
	if item.NextCursor != "cur-0" {
		t.Errorf("item cursor = %q, want unchanged cur-0", item.NextCursor)
	}
}

func TestImport_LoginRequiredFlagsAndHalts(t *testing.T) {
	provider := &scriptedProvider{
		accountsErr: fmt.Errorf("%w: relink needed", providers.ErrLoginRequired),
	}
	importer, sink := fixture(provider)
	item := testItem()

	if err := importer.Import(context.Background(), item); err != nil {
		t.Fatalf("Import() = %v, want clean halt", err)
	}
	if item.Status != models.ItemRequiresUpdate {
		t.Errorf("status = %s, want requires_update", item.Status)
	}
	if sink.flagged != 1 {
		t.Errorf("flagged = %d, want 1", sink.flagged)
	}
	if sink.committed {
		t.Error("batch committed after a halted run")
	}
}

func TestImport_TransactionFailurePropagates(t *testing.T) {
	provider := &scriptedProvider{
		accounts:        []providers.AccountData{{Payload: models.AccountPayload{AccountID: "acc-1"}}},
		transactionsErr: errors.New("upstream 502"),
	}
	importer, sink := fixture(provider)

	if err := importer.Import(context.Background(), testItem()); err == nil {
		t.Fatal("Import() swallowed a transaction fetch failure")
	}
	if sink.committed {
		t.Error("batch committed despite failed fetch")
	}
}

// Optional products fail soft: the run completes and everything else
// persists.
func TestImport_InvestmentsFailureIsNotFatal(t *testing.T) {
	provider := &scriptedProvider{
		accounts: []providers.AccountData{
			{Payload: models.AccountPayload{AccountID: "acc-1"}},
		},
		transactions:   map[string][]models.TransactionPayload{"acc-1": {{TransactionID: "t1"}}},
		nextCursor:     "cur-1",
		investmentsErr: errors.New("investments timed out"),
	}
	importer, sink := fixture(provider)
	item := testItem()
	item.BilledProducts = []string{"transactions", "investments"}

	if err := importer.Import(context.Background(), item); err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if !sink.committed {
		t.Fatal("batch did not commit")
	}
	if len(sink.investments) != 0 {
		t.Errorf("investments persisted despite failure: %+v", sink.investments)
	}
	if len(sink.transactions["acc-1"].Added) != 1 {
		t.Error("transactions lost alongside the optional failure")
	}
}

func TestImport_InvestmentsPersistWhenSupported(t *testing.T) {
	provider := &scriptedProvider{
		accounts: []providers.AccountData{
			{Payload: models.AccountPayload{AccountID: "acc-1"}},
		},
		transactions: map[string][]models.TransactionPayload{"acc-1": nil},
		investments: &models.InvestmentsPayload{
			Holdings: []models.HoldingPayload{{SecurityID: "sec-1", Quantity: 10}},
		},
	}
	importer, sink := fixture(provider)
	item := testItem()
	item.AvailableProducts = []string{"investments"}

	if err := importer.Import(context.Background(), item); err != nil {
		t.Fatalf("Import() error: %v", err)
	}
	if len(sink.investments["acc-1"].Holdings) != 1 {
		t.Errorf("investments = %+v", sink.investments)
	}
}

func TestSyncer_JobSurface(t *testing.T) {
	provider := &scriptedProvider{}
	importer, _ := fixture(provider)
	item := testItem()
	syncer := NewSyncer(item, importer)

	if syncer.ItemID() != "item-1" {
		t.Errorf("ItemID() = %q", syncer.ItemID())
	}
	if syncer.Description() == "" {
		t.Error("Description() is empty")
	}
	if err := syncer.Execute(context.Background()); err != nil {
		t.Fatalf("Execute() error: %v", err)
	}
}
