package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"doubleu/internal/models"
)

// ErrBankNotFound is returned when no bank provider matches the lookup.
var ErrBankNotFound = errors.New("bank provider not found")

// BankRepository reads the seeded bank_providers catalog. Form schemas and
// connection config live in jsonb columns; rows are never written at runtime.
type BankRepository struct {
	db *DB
}

func NewBankRepository(db *DB) *BankRepository {
	return &BankRepository{db: db}
}

const bankColumns = `id, bank_id, name, display_name, country_code, website,
	       primary_color, logo_url, active, credential_fields, mfa_fields, connection_config`

// GetBankProvider retrieves one catalog entry by its registry key.
func (r *BankRepository) GetBankProvider(ctx context.Context, bankID string) (*models.BankProvider, error) {
	query := `SELECT ` + bankColumns + ` FROM bank_providers WHERE bank_id = $1`

	bank, err := scanBank(r.db.QueryRowContext(ctx, query, bankID))
	if err == sql.ErrNoRows {
		return nil, ErrBankNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get bank provider: %w", err)
	}
	return bank, nil
}

// ListActive retrieves the catalog entries available for linking.
func (r *BankRepository) ListActive(ctx context.Context) ([]*models.BankProvider, error) {
	query := `SELECT ` + bankColumns + ` FROM bank_providers WHERE active ORDER BY display_name`

	rows, err := r.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list bank providers: %w", err)
	}
	defer rows.Close()

	var banks []*models.BankProvider
	for rows.Next() {
		bank, err := scanBank(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan bank provider: %w", err)
		}
		banks = append(banks, bank)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating bank providers: %w", err)
	}

	return banks, nil
}

func scanBank(row rowScanner) (*models.BankProvider, error) {
	var bank models.BankProvider
	var website, primaryColor, logoURL sql.NullString
	var credentialFields, mfaFields, connectionConfig []byte

	err := row.Scan(
		&bank.ID, &bank.BankID, &bank.Name, &bank.DisplayName, &bank.CountryCode,
		&website, &primaryColor, &logoURL, &bank.Active,
		&credentialFields, &mfaFields, &connectionConfig,
	)
	if err != nil {
		return nil, err
	}

	bank.Website = website.String
	bank.PrimaryColor = primaryColor.String
	bank.LogoURL = logoURL.String

	if len(credentialFields) > 0 {
		if err := json.Unmarshal(credentialFields, &bank.CredentialFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal credential fields: %w", err)
		}
	}
	if len(mfaFields) > 0 {
		if err := json.Unmarshal(mfaFields, &bank.MFAFields); err != nil {
			return nil, fmt.Errorf("failed to unmarshal mfa fields: %w", err)
		}
	}
	if len(connectionConfig) > 0 {
		if err := json.Unmarshal(connectionConfig, &bank.ConnectionConfig); err != nil {
			return nil, fmt.Errorf("failed to unmarshal connection config: %w", err)
		}
	}

	return &bank, nil
}
