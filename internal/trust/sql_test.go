package trust

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/haasonsaas/tollgate/internal/storage"
	"github.com/haasonsaas/tollgate/pkg/models"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock, *SQLStore) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock db: %v", err)
	}
	return db, mock, NewSQLStore(storage.Wrap(db, storage.Postgres))
}

func TestSQLStore_Grant(t *testing.T) {
	tests := []struct {
		name      string
		scope     models.TrustScope
		key       string
		setupMock func(sqlmock.Sqlmock)
		wantErr   string
	}{
		{
			name:  "insert ignores duplicates",
			scope: models.TrustScopeTool,
			key:   "web_search",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO trust_records .* ON CONFLICT \\(owner_id, scope, key\\) DO NOTHING").
					WithArgs("user-1", "tool", "web_search", sqlmock.AnyArg()).
					WillReturnResult(sqlmock.NewResult(0, 0))
			},
		},
		{
			name:      "invalid scope",
			scope:     "all",
			key:       "x",
			setupMock: func(sqlmock.Sqlmock) {},
			wantErr:   "invalid trust record",
		},
		{
			name:  "database error",
			scope: models.TrustScopeIntegration,
			key:   "gmail",
			setupMock: func(mock sqlmock.Sqlmock) {
				mock.ExpectExec("INSERT INTO trust_records").WillReturnError(errors.New("connection refused"))
			},
			wantErr: "failed to grant trust",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, store := setupMockDB(t)
			defer db.Close()
			tt.setupMock(mock)

			err := store.Grant(context.Background(), "user-1", tt.scope, tt.key)
			if tt.wantErr != "" {
				if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
					t.Fatalf("Grant() error = %v, want %q", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Grant() error = %v", err)
			}
			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestSQLStore_IsTrusted(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	mock.ExpectQuery("SELECT 1 FROM trust_records").
		WithArgs("user-1", "send_email", "gmail").
		WillReturnRows(sqlmock.NewRows([]string{"?column?"}).AddRow(1))
	mock.ExpectQuery("SELECT 1 FROM trust_records").
		WithArgs("user-1", "delete_repo", "").
		WillReturnError(sql.ErrNoRows)

	ok, err := store.IsTrusted(context.Background(), "user-1", "send_email", "gmail")
	if err != nil || !ok {
		t.Fatalf("IsTrusted() = %v, %v; want true", ok, err)
	}
	ok, err = store.IsTrusted(context.Background(), "user-1", "delete_repo", "")
	if err != nil || ok {
		t.Fatalf("IsTrusted() = %v, %v; want false", ok, err)
	}
}

func TestSQLStore_Snapshot(t *testing.T) {
	db, mock, store := setupMockDB(t)
	defer db.Close()

	now := time.Now()
	mock.ExpectQuery("SELECT owner_id, scope, key, granted_at FROM trust_records").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"owner_id", "scope", "key", "granted_at"}).
			AddRow("user-1", "integration", "gmail", now).
			AddRow("user-1", "tool", "web_search", now))

	snap, err := store.Snapshot(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Len() != 2 || !snap.Trusts("send_email", "gmail") || !snap.Trusts("web_search", "") {
		t.Errorf("unexpected snapshot contents")
	}
}
