package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/lib/pq"

	"doubleu/internal/models"
	"doubleu/internal/providers"
	"doubleu/internal/sync"
)

// SyncSink is the postgres implementation of the import sink. Item and
// institution snapshots write directly; account, transaction and product
// snapshots go through ImportBatch so they commit atomically with the
// cursor advance.
type SyncSink struct {
	db *DB
}

func NewSyncSink(db *DB) *SyncSink {
	return &SyncSink{db: db}
}

var _ sync.Sink = (*SyncSink)(nil)

// UpsertItemSnapshot refreshes the item row from the latest provider data.
func (s *SyncSink) UpsertItemSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.ItemData) error {
	query := `
		UPDATE external_items
		SET status = $1, available_products = $2, billed_products = $3,
		    raw_payload = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
	`

	_, err := s.db.ExecContext(
		ctx, query,
		item.Status, pq.StringArray(data.Payload.AvailableProducts), pq.StringArray(data.Payload.BilledProducts),
		nullBytes(data.Raw), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert item snapshot: %w", err)
	}

	item.RawPayload = data.Raw
	return nil
}

// UpsertInstitutionSnapshot stores the institution metadata on the item row.
func (s *SyncSink) UpsertInstitutionSnapshot(ctx context.Context, item *models.ExternalItem, data *providers.InstitutionData) error {
	query := `
		UPDATE external_items
		SET institution_id = $1, institution_url = $2, institution_color = $3,
		    raw_institution_payload = $4, updated_at = CURRENT_TIMESTAMP
		WHERE id = $5
	`

	_, err := s.db.ExecContext(
		ctx, query,
		data.Payload.InstitutionID, nullString(data.Payload.URL), nullString(data.Payload.PrimaryColor),
		nullBytes(data.Raw), item.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert institution snapshot: %w", err)
	}

	item.InstitutionID = data.Payload.InstitutionID
	item.InstitutionURL = data.Payload.URL
	item.InstitutionColor = data.Payload.PrimaryColor
	item.RawInstitutionPayload = data.Raw
	return nil
}

// MarkItemRequiresUpdate flags the item so the scheduler leaves it alone
// until the user re-links.
func (s *SyncSink) MarkItemRequiresUpdate(ctx context.Context, item *models.ExternalItem) error {
	query := `UPDATE external_items SET status = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`

	_, err := s.db.ExecContext(ctx, query, models.ItemRequiresUpdate, item.ID)
	if err != nil {
		return fmt.Errorf("failed to flag item: %w", err)
	}
	return nil
}

// ImportBatch runs fn inside a single database transaction.
func (s *SyncSink) ImportBatch(ctx context.Context, item *models.ExternalItem, fn func(tx sync.BatchTx) error) error {
	return s.db.Transact(ctx, func(tx *sql.Tx) error {
		return fn(&batchTx{ctx: ctx, tx: tx, item: item})
	})
}

// batchTx applies one import batch on an open transaction. Accounts are
// keyed by (item, external id); per-product raw snapshots live on the
// account row, mirroring models.ExternalAccount.
type batchTx struct {
	ctx  context.Context
	tx   *sql.Tx
	item *models.ExternalItem
}

func (b *batchTx) UpsertAccountSnapshot(account providers.AccountData) error {
	query := `
		INSERT INTO external_accounts (
			external_item_id, external_id, name, external_type, external_subtype,
			mask, currency, current_balance, available_balance, raw_payload
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		ON CONFLICT (external_item_id, external_id)
		DO UPDATE SET
			name = EXCLUDED.name,
			external_type = EXCLUDED.external_type,
			external_subtype = EXCLUDED.external_subtype,
			mask = EXCLUDED.mask,
			currency = EXCLUDED.currency,
			current_balance = EXCLUDED.current_balance,
			available_balance = EXCLUDED.available_balance,
			raw_payload = EXCLUDED.raw_payload,
			updated_at = CURRENT_TIMESTAMP
	`

	p := account.Payload
	_, err := b.tx.ExecContext(
		b.ctx, query,
		b.item.ID, p.AccountID, p.Name, p.Type, nullString(p.Subtype), nullString(p.Mask),
		p.Currency, nullFloat(p.CurrentBalance), nullFloat(p.AvailableBalance), nullBytes(account.Raw),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert account %s: %w", p.AccountID, err)
	}
	return nil
}

func (b *batchTx) UpsertTransactionsSnapshot(accountID string, payload models.TransactionsPayload) error {
	upsert := `
		INSERT INTO external_transactions (
			id, external_item_id, account_external_id, merchant_id, merchant_name,
			description, amount, transaction_date, currency_code, category, website, logo_url
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id)
		DO UPDATE SET
			merchant_id = EXCLUDED.merchant_id,
			merchant_name = EXCLUDED.merchant_name,
			description = EXCLUDED.description,
			amount = EXCLUDED.amount,
			transaction_date = EXCLUDED.transaction_date,
			currency_code = EXCLUDED.currency_code,
			category = EXCLUDED.category,
			website = EXCLUDED.website,
			logo_url = EXCLUDED.logo_url,
			updated_at = CURRENT_TIMESTAMP
	`

	for _, batch := range [][]models.TransactionPayload{payload.Added, payload.Modified} {
		for _, t := range batch {
			_, err := b.tx.ExecContext(
				b.ctx, upsert,
				t.TransactionID, b.item.ID, accountID, nullString(t.MerchantID), nullString(t.MerchantName),
				t.Description, t.Amount, t.Date, nullString(t.CurrencyCode),
				nullString(t.Category), nullString(t.Website), nullString(t.LogoURL),
			)
			if err != nil {
				return fmt.Errorf("failed to upsert transaction %s: %w", t.TransactionID, err)
			}
		}
	}

	if len(payload.Removed) > 0 {
		ids := make([]string, 0, len(payload.Removed))
		for _, t := range payload.Removed {
			ids = append(ids, t.TransactionID)
		}
		_, err := b.tx.ExecContext(b.ctx,
			`DELETE FROM external_transactions WHERE account_external_id = $1 AND id = ANY($2)`,
			accountID, pq.Array(ids),
		)
		if err != nil {
			return fmt.Errorf("failed to remove transactions: %w", err)
		}
	}

	return b.snapshotAccountPayload(accountID, "raw_transactions_payload", payload)
}

func (b *batchTx) UpsertInvestmentsSnapshot(accountID string, payload models.InvestmentsPayload) error {
	return b.snapshotAccountPayload(accountID, "raw_investments_payload", payload)
}

func (b *batchTx) UpsertLiabilitiesSnapshot(accountID string, payload models.LiabilitiesPayload) error {
	return b.snapshotAccountPayload(accountID, "raw_liabilities_payload", payload.Raw)
}

func (b *batchTx) AdvanceCursor(cursor string) error {
	query := `UPDATE external_items SET next_cursor = $1, updated_at = CURRENT_TIMESTAMP WHERE id = $2`

	if _, err := b.tx.ExecContext(b.ctx, query, nullString(cursor), b.item.ID); err != nil {
		return fmt.Errorf("failed to advance cursor: %w", err)
	}
	return nil
}

// snapshotAccountPayload stores one product's payload on the account row.
// The column name comes from a fixed caller-side set, never user input.
func (b *batchTx) snapshotAccountPayload(accountID, column string, payload any) error {
	doc, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", column, err)
	}

	query := fmt.Sprintf(`
		UPDATE external_accounts
		SET %s = $1, updated_at = CURRENT_TIMESTAMP
		WHERE external_item_id = $2 AND external_id = $3
	`, column)

	if _, err := b.tx.ExecContext(b.ctx, query, doc, b.item.ID, accountID); err != nil {
		return fmt.Errorf("failed to snapshot %s: %w", column, err)
	}
	return nil
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullBytes(raw json.RawMessage) []byte {
	if len(raw) == 0 {
		return nil
	}
	return raw
}
