// Package repository holds the Postgres-backed persistence for
// tenant signing keys.
package repository

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caasio/auth-core/internal/domain"
)

// KeyRepository loads and rotates tenant signing keys.
type KeyRepository interface {
	ListActiveKeys(ctx context.Context) ([]domain.SigningKeyRecord, error)
	TenantKeys(ctx context.Context, tenantID string) ([]domain.SigningKeyRecord, error)
	CreateKey(ctx context.Context, key domain.SigningKeyRecord) (domain.SigningKeyRecord, error)
	DeactivateKey(ctx context.Context, tenantID, kid string) error
}

var _ KeyRepository = (*PostgresKeyRepo)(nil)

// PostgresKeyRepo implements KeyRepository on a pgx pool.
type PostgresKeyRepo struct {
	pool *pgxpool.Pool
}

func NewPostgresKeyRepo(pool *pgxpool.Pool) *PostgresKeyRepo {
	return &PostgresKeyRepo{pool: pool}
}

const keyColumns = `id, tenant_id, kid, private_pem, public_pem, algorithm, active, created_at`

func (r *PostgresKeyRepo) ListActiveKeys(ctx context.Context) ([]domain.SigningKeyRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE active ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list active keys: %w", err)
	}
	defer rows.Close()
	return collectKeys(rows)
}

func (r *PostgresKeyRepo) TenantKeys(ctx context.Context, tenantID string) ([]domain.SigningKeyRecord, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT `+keyColumns+` FROM signing_keys WHERE tenant_id = $1 ORDER BY created_at DESC`,
		tenantID)
	if err != nil {
		return nil, fmt.Errorf("list tenant keys: %w", err)
	}
	defer rows.Close()
	return collectKeys(rows)
}

func (r *PostgresKeyRepo) CreateKey(ctx context.Context, key domain.SigningKeyRecord) (domain.SigningKeyRecord, error) {
	row := r.pool.QueryRow(ctx,
		`INSERT INTO signing_keys (tenant_id, kid, private_pem, public_pem, algorithm, active)
		 VALUES ($1, $2, $3, $4, $5, true)
		 RETURNING `+keyColumns,
		key.TenantID, key.KID, key.PrivatePEM, key.PublicPEM, key.Algorithm)
	created, err := scanKey(row)
	if err != nil {
		return domain.SigningKeyRecord{}, fmt.Errorf("insert key: %w", err)
	}
	return created, nil
}

func (r *PostgresKeyRepo) DeactivateKey(ctx context.Context, tenantID, kid string) error {
	tag, err := r.pool.Exec(ctx,
		`UPDATE signing_keys SET active = false WHERE tenant_id = $1 AND kid = $2`,
		tenantID, kid)
	if err != nil {
		return fmt.Errorf("deactivate key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("deactivate key: no key %s for tenant %s", kid, tenantID)
	}
	return nil
}

func collectKeys(rows pgx.Rows) ([]domain.SigningKeyRecord, error) {
	var keys []domain.SigningKeyRecord
	for rows.Next() {
		key, err := scanKey(rows)
		if err != nil {
			return nil, fmt.Errorf("scan key: %w", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate keys: %w", err)
	}
	return keys, nil
}

func scanKey(row pgx.Row) (domain.SigningKeyRecord, error) {
	var key domain.SigningKeyRecord
	err := row.Scan(&key.ID, &key.TenantID, &key.KID, &key.PrivatePEM,
		&key.PublicPEM, &key.Algorithm, &key.Active, &key.CreatedAt)
	return key, err
}
