package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"doubleu/internal/infrastructure/crypto"
	"doubleu/internal/models"
)

// ErrItemNotFound is returned when no external item matches the lookup.
var ErrItemNotFound = errors.New("item not found")

const itemColumns = `id, family_id, provider, external_id, name, status, access_token,
	       next_cursor, available_products, billed_products,
	       institution_id, institution_url, institution_color,
	       raw_payload, raw_institution_payload, created_at, updated_at`

// ItemRepository persists external items. Access tokens are encrypted at
// rest with the shared at-rest encryptor.
type ItemRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

func NewItemRepository(db *DB, encryptor *crypto.Encryptor) *ItemRepository {
	return &ItemRepository{db: db, encryptor: encryptor}
}

// Create inserts a new item, generating its id when empty.
func (r *ItemRepository) Create(ctx context.Context, item *models.ExternalItem) error {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Status == "" {
		item.Status = models.ItemGood
	}

	token, err := r.encryptor.Encrypt(item.AccessToken)
	if err != nil {
		return fmt.Errorf("failed to encrypt access token: %w", err)
	}

	query := `
		INSERT INTO external_items (id, family_id, provider, external_id, name, status, access_token, next_cursor)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(
		ctx, query,
		item.ID, item.FamilyID, item.Provider, item.ExternalID, item.Name,
		item.Status, token, item.NextCursor,
	).Scan(&item.CreatedAt, &item.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to create item: %w", err)
	}

	return nil
}

// GetByID retrieves one item with its access token decrypted.
func (r *ItemRepository) GetByID(ctx context.Context, id string) (*models.ExternalItem, error) {
	query := `SELECT ` + itemColumns + ` FROM external_items WHERE id = $1`

	item, err := r.scanItem(r.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, ErrItemNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get item: %w", err)
	}
	return item, nil
}

// ListByFamilyID retrieves all items a family has linked.
func (r *ItemRepository) ListByFamilyID(ctx context.Context, familyID int64) ([]*models.ExternalItem, error) {
	query := `SELECT ` + itemColumns + ` FROM external_items WHERE family_id = $1 ORDER BY created_at DESC`
	return r.list(ctx, query, familyID)
}

// ListSyncable retrieves the items eligible for a scheduled sync. Items
// flagged requires_update stay out until the user re-links.
func (r *ItemRepository) ListSyncable(ctx context.Context) ([]*models.ExternalItem, error) {
	query := `SELECT ` + itemColumns + ` FROM external_items WHERE status = $1 ORDER BY created_at`
	return r.list(ctx, query, models.ItemGood)
}

func (r *ItemRepository) list(ctx context.Context, query string, args ...any) ([]*models.ExternalItem, error) {
	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list items: %w", err)
	}
	defer rows.Close()

	var items []*models.ExternalItem
	for rows.Next() {
		item, err := r.scanItem(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan item: %w", err)
		}
		items = append(items, item)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating items: %w", err)
	}

	return items, nil
}

// Delete removes an item by ID
func (r *ItemRepository) Delete(ctx context.Context, id string) error {
	query := `DELETE FROM external_items WHERE id = $1`

	result, err := r.db.ExecContext(ctx, query, id)
	if err != nil {
		return fmt.Errorf("failed to delete item: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}

	if rows == 0 {
		return ErrItemNotFound
	}

	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *ItemRepository) scanItem(row rowScanner) (*models.ExternalItem, error) {
	var item models.ExternalItem
	var token sql.NullString
	var nextCursor, institutionID, institutionURL, institutionColor sql.NullString
	var available, billed pq.StringArray
	var rawPayload, rawInstitution []byte

	err := row.Scan(
		&item.ID, &item.FamilyID, &item.Provider, &item.ExternalID, &item.Name,
		&item.Status, &token, &nextCursor, &available, &billed,
		&institutionID, &institutionURL, &institutionColor,
		&rawPayload, &rawInstitution, &item.CreatedAt, &item.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if token.Valid {
		decrypted, err := r.encryptor.Decrypt(token.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt access token: %w", err)
		}
		item.AccessToken = decrypted
	}
	item.NextCursor = nextCursor.String
	item.InstitutionID = institutionID.String
	item.InstitutionURL = institutionURL.String
	item.InstitutionColor = institutionColor.String
	item.AvailableProducts = available
	item.BilledProducts = billed
	item.RawPayload = rawPayload
	item.RawInstitutionPayload = rawInstitution

	return &item, nil
}
