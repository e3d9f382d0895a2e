package trust

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

// SQLStore persists trust records in the shared database.
type SQLStore struct {
	db *storage.DB
}

// NewSQLStore creates a store over db.
func NewSQLStore(db *storage.DB) *SQLStore {
	return &SQLStore{db: db}
}

func (s *SQLStore) Grant(ctx context.Context, ownerID string, scope models.TrustScope, key string) error {
	if err := validate(scope, key); err != nil {
		return err
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO trust_records (owner_id, scope, key, granted_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (owner_id, scope, key) DO NOTHING`,
		ownerID, string(scope), key, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("failed to grant trust: %w", err)
	}
	return nil
}

func (s *SQLStore) IsTrusted(ctx context.Context, ownerID, toolName, integrationID string) (bool, error) {
	var one int
	err := s.db.QueryRowContext(ctx, `
		SELECT 1 FROM trust_records
		WHERE owner_id = $1
		  AND ((scope = 'tool' AND key = $2) OR (scope = 'integration' AND key = $3 AND $3 <> ''))
		LIMIT 1`,
		ownerID, toolName, integrationID,
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to check trust: %w", err)
	}
	return true, nil
}

func (s *SQLStore) Snapshot(ctx context.Context, ownerID string) (*Snapshot, error) {
	records, err := s.List(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	return NewSnapshot(records), nil
}

func (s *SQLStore) Revoke(ctx context.Context, ownerID string, scope models.TrustScope, key string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM trust_records WHERE owner_id = $1 AND scope = $2 AND key = $3`,
		ownerID, string(scope), key,
	)
	if err != nil {
		return fmt.Errorf("failed to revoke trust: %w", err)
	}
	return nil
}

func (s *SQLStore) List(ctx context.Context, ownerID string) ([]models.TrustRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT owner_id, scope, key, granted_at FROM trust_records
		WHERE owner_id = $1
		ORDER BY scope, key`,
		ownerID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list trust records: %w", err)
	}
	defer rows.Close()

	var records []models.TrustRecord
	for rows.Next() {
		var (
			r     models.TrustRecord
			scope string
		)
		if err := rows.Scan(&r.OwnerID, &scope, &r.Key, &r.GrantedAt); err != nil {
			return nil, fmt.Errorf("failed to scan trust record: %w", err)
		}
		r.Scope = models.TrustScope(scope)
		records = append(records, r)
	}
	return records, rows.Err()
}
