package database

import (
	"context"
	"database/sql"
	"fmt"

	"doubleu/internal/models"
)

// AccountRepository reads the external accounts the sink maintains.
type AccountRepository struct {
	db *DB
}

func NewAccountRepository(db *DB) *AccountRepository {
	return &AccountRepository{db: db}
}

// ListByItemID retrieves every account under one item, newest first.
func (r *AccountRepository) ListByItemID(ctx context.Context, itemID string) ([]*models.ExternalAccount, error) {
	query := `
		SELECT id, external_item_id, external_id, name, mask, external_type, external_subtype,
		       currency, current_balance, available_balance,
		       raw_payload, raw_transactions_payload, raw_investments_payload, raw_liabilities_payload,
		       created_at, updated_at
		FROM external_accounts
		WHERE external_item_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, itemID)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.ExternalAccount
	for rows.Next() {
		var acc models.ExternalAccount
		var mask, subtype sql.NullString
		var current, available sql.NullFloat64
		var rawAccount, rawTransactions, rawInvestments, rawLiabilities []byte

		err := rows.Scan(
			&acc.ID, &acc.ExternalItemID, &acc.ExternalID, &acc.Name, &mask,
			&acc.ExternalType, &subtype, &acc.Currency, &current, &available,
			&rawAccount, &rawTransactions, &rawInvestments, &rawLiabilities,
			&acc.CreatedAt, &acc.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}

		acc.Mask = mask.String
		acc.ExternalSubtype = subtype.String
		if current.Valid {
			v := current.Float64
			acc.CurrentBalance = &v
		}
		if available.Valid {
			v := available.Float64
			acc.AvailableBalance = &v
		}
		acc.RawPayload = rawAccount
		acc.RawTransactionsPayload = rawTransactions
		acc.RawInvestmentsPayload = rawInvestments
		acc.RawLiabilitiesPayload = rawLiabilities

		accounts = append(accounts, &acc)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// DeleteByItemID removes an item's accounts, used when an item is unlinked.
func (r *AccountRepository) DeleteByItemID(ctx context.Context, itemID string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM external_accounts WHERE external_item_id = $1`, itemID); err != nil {
		return fmt.Errorf("failed to delete accounts: %w", err)
	}
	return nil
}
