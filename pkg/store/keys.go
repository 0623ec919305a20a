package store

import (
	"context"
	"time"

	"aegis/pkg/models"
	"aegis/pkg/registry"

	"github.com/jackc/pgx/v5"
)

// KeyRepo implements registry.KeyStore on Postgres. A partial unique index on
// client_id WHERE is_active keeps one active key per client.
type KeyRepo struct {
	DB DB
}

const keyColumns = `id, client_id, key_value, COALESCE(description,''), is_active, expires_at, use_count, created_at, updated_at`

func scanKey(row pgx.Row) (*models.RegistrationKey, error) {
	var (
		k         models.RegistrationKey
		expiresAt *time.Time
	)
	if err := row.Scan(&k.ID, &k.ClientID, &k.KeyValue, &k.Description, &k.IsActive, &expiresAt, &k.UseCount, &k.CreatedAt, &k.UpdatedAt); err != nil {
		return nil, mapErr(err)
	}
	if expiresAt != nil {
		k.ExpiresAt = *expiresAt
	}
	return &k, nil
}

func nullableTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func (r *KeyRepo) FindByValue(ctx context.Context, keyValue string) (*models.RegistrationKey, error) {
	return scanKey(r.DB.QueryRow(ctx, `SELECT `+keyColumns+` FROM registration_keys WHERE key_value=$1`, keyValue))
}

// FindByClient prefers the active key, then the most recently updated one.
func (r *KeyRepo) FindByClient(ctx context.Context, clientID string) (*models.RegistrationKey, error) {
	return scanKey(r.DB.QueryRow(ctx, `
		SELECT `+keyColumns+` FROM registration_keys
		WHERE client_id=$1
		ORDER BY is_active DESC, updated_at DESC
		LIMIT 1
	`, clientID))
}

func (r *KeyRepo) Insert(ctx context.Context, k models.RegistrationKey) error {
	_, err := r.DB.Exec(ctx, `
		INSERT INTO registration_keys (id, client_id, key_value, description, is_active, expires_at, use_count, created_at, updated_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, k.ID, k.ClientID, k.KeyValue, k.Description, k.IsActive, nullableTime(k.ExpiresAt), k.UseCount, k.CreatedAt, k.UpdatedAt)
	return mapErr(err)
}

func (r *KeyRepo) Update(ctx context.Context, k models.RegistrationKey) error {
	tag, err := r.DB.Exec(ctx, `
		UPDATE registration_keys
		SET key_value=$2, description=$3, is_active=$4, expires_at=$5, use_count=$6, updated_at=$7
		WHERE id=$1
	`, k.ID, k.KeyValue, k.Description, k.IsActive, nullableTime(k.ExpiresAt), k.UseCount, k.UpdatedAt)
	if err != nil {
		return mapErr(err)
	}
	if tag.RowsAffected() == 0 {
		return registry.ErrNotFound
	}
	return nil
}

func (r *KeyRepo) MarkUsed(ctx context.Context, id string, reuse bool) (bool, error) {
	tag, err := r.DB.Exec(ctx, `
		UPDATE registration_keys SET use_count = use_count + 1
		WHERE id=$1 AND ($2 OR use_count = 0)
	`, id, reuse)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (r *KeyRepo) ReleaseUse(ctx context.Context, id string) error {
	_, err := r.DB.Exec(ctx, `
		UPDATE registration_keys SET use_count = use_count - 1
		WHERE id=$1 AND use_count > 0
	`, id)
	return err
}

func (r *KeyRepo) List(ctx context.Context) ([]models.RegistrationKey, error) {
	rows, err := r.DB.Query(ctx, `SELECT `+keyColumns+` FROM registration_keys ORDER BY client_id, created_at`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []models.RegistrationKey
	for rows.Next() {
		k, err := scanKey(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *k)
	}
	return out, rows.Err()
}
