package database

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"doubleu/internal/infrastructure/crypto"
	"doubleu/internal/models"
)

// ErrConnectionNotFound is returned when no bank connection matches the lookup.
var ErrConnectionNotFound = errors.New("bank connection not found")

// ConnectionRepository persists direct bank connections. Credentials and
// session tokens are encrypted before they touch a row and decrypted on the
// way out; the rest of the codebase only ever sees plaintext.
type ConnectionRepository struct {
	db        *DB
	encryptor *crypto.Encryptor
}

func NewConnectionRepository(db *DB, encryptor *crypto.Encryptor) *ConnectionRepository {
	return &ConnectionRepository{db: db, encryptor: encryptor}
}

// SaveConnection upserts the whole connection, including credentials and
// session state. New connections get an id here.
func (r *ConnectionRepository) SaveConnection(ctx context.Context, conn *models.BankConnection) error {
	if conn.ID == "" {
		conn.ID = uuid.NewString()
	}

	credentials, err := r.encryptCredentials(conn.Credentials)
	if err != nil {
		return err
	}
	token, err := r.encryptor.Encrypt(string(conn.SessionToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt session token: %w", err)
	}

	query := `
		INSERT INTO bank_connections (id, family_id, bank_id, status, credentials, session_token, session_expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id)
		DO UPDATE SET
			status = EXCLUDED.status,
			credentials = EXCLUDED.credentials,
			session_token = EXCLUDED.session_token,
			session_expires_at = EXCLUDED.session_expires_at,
			updated_at = CURRENT_TIMESTAMP
		RETURNING created_at, updated_at
	`

	err = r.db.QueryRowContext(
		ctx, query,
		conn.ID, conn.FamilyID, conn.BankID, conn.Status,
		credentials, nullString(token), nullTime(conn.SessionExpiresAt),
	).Scan(&conn.CreatedAt, &conn.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to save connection: %w", err)
	}

	return nil
}

// GetConnection retrieves one connection with secrets decrypted.
func (r *ConnectionRepository) GetConnection(ctx context.Context, id string) (*models.BankConnection, error) {
	query := `
		SELECT id, family_id, bank_id, status, credentials, session_token, session_expires_at, created_at, updated_at
		FROM bank_connections
		WHERE id = $1
	`

	var conn models.BankConnection
	var credentials, token sql.NullString
	var expiresAt sql.NullTime

	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&conn.ID, &conn.FamilyID, &conn.BankID, &conn.Status,
		&credentials, &token, &expiresAt, &conn.CreatedAt, &conn.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrConnectionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get connection: %w", err)
	}

	if credentials.Valid {
		conn.Credentials, err = r.decryptCredentials(credentials.String)
		if err != nil {
			return nil, err
		}
	}
	if token.Valid {
		decrypted, err := r.encryptor.Decrypt(token.String)
		if err != nil {
			return nil, fmt.Errorf("failed to decrypt session token: %w", err)
		}
		if decrypted != "" {
			conn.SessionToken = json.RawMessage(decrypted)
		}
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		conn.SessionExpiresAt = &t
	}

	return &conn, nil
}

// UpdateSession persists only the volatile session state: status, token and
// expiry. Credentials stay untouched.
func (r *ConnectionRepository) UpdateSession(ctx context.Context, conn *models.BankConnection) error {
	token, err := r.encryptor.Encrypt(string(conn.SessionToken))
	if err != nil {
		return fmt.Errorf("failed to encrypt session token: %w", err)
	}

	query := `
		UPDATE bank_connections
		SET status = $1, session_token = $2, session_expires_at = $3, updated_at = CURRENT_TIMESTAMP
		WHERE id = $4
	`

	result, err := r.db.ExecContext(ctx, query, conn.Status, nullString(token), nullTime(conn.SessionExpiresAt), conn.ID)
	if err != nil {
		return fmt.Errorf("failed to update session: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

// ListByFamilyID retrieves a family's connections without decrypting
// credentials; listings never need the secrets.
func (r *ConnectionRepository) ListByFamilyID(ctx context.Context, familyID int64) ([]*models.BankConnection, error) {
	query := `
		SELECT id, family_id, bank_id, status, session_expires_at, created_at, updated_at
		FROM bank_connections
		WHERE family_id = $1
		ORDER BY created_at DESC
	`

	rows, err := r.db.QueryContext(ctx, query, familyID)
	if err != nil {
		return nil, fmt.Errorf("failed to list connections: %w", err)
	}
	defer rows.Close()

	var connections []*models.BankConnection
	for rows.Next() {
		var conn models.BankConnection
		var expiresAt sql.NullTime

		err := rows.Scan(
			&conn.ID, &conn.FamilyID, &conn.BankID, &conn.Status,
			&expiresAt, &conn.CreatedAt, &conn.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan connection: %w", err)
		}

		if expiresAt.Valid {
			t := expiresAt.Time
			conn.SessionExpiresAt = &t
		}
		connections = append(connections, &conn)
	}

	if err = rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating connections: %w", err)
	}

	return connections, nil
}

// Delete removes a connection.
func (r *ConnectionRepository) Delete(ctx context.Context, id string) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM bank_connections WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete connection: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get affected rows: %w", err)
	}
	if rows == 0 {
		return ErrConnectionNotFound
	}

	return nil
}

func (r *ConnectionRepository) encryptCredentials(credentials map[string]string) (sql.NullString, error) {
	if len(credentials) == 0 {
		return sql.NullString{}, nil
	}
	plain, err := json.Marshal(credentials)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to marshal credentials: %w", err)
	}
	encrypted, err := r.encryptor.Encrypt(string(plain))
	if err != nil {
		return sql.NullString{}, fmt.Errorf("failed to encrypt credentials: %w", err)
	}
	return sql.NullString{String: encrypted, Valid: true}, nil
}

func (r *ConnectionRepository) decryptCredentials(encrypted string) (map[string]string, error) {
	plain, err := r.encryptor.Decrypt(encrypted)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt credentials: %w", err)
	}
	var credentials map[string]string
	if err := json.Unmarshal([]byte(plain), &credentials); err != nil {
		return nil, fmt.Errorf("failed to unmarshal credentials: %w", err)
	}
	return credentials, nil
}

// Helper functions

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
