package storage

import (
	"context"
	"embed"
	"fmt"
	"strings"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// Schema returns the DDL for a dialect.
func Schema(dialect Dialect) (string, error) {
	data, err := schemaFS.ReadFile("schema/" + string(dialect) + ".sql")
	if err != nil {
		return "", fmt.Errorf("no schema for dialect %q: %w", dialect, err)
	}
	return string(data), nil
}

// Migrate applies the schema. Every statement is idempotent.
func Migrate(ctx context.Context, db *DB) error {
	ddl, err := Schema(db.Dialect)
	if err != nil {
		return err
	}
	for _, stmt := range splitStatements(ddl) {
		if _, err := db.DB.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

func splitStatements(ddl string) []string {
	parts := strings.Split(ddl, ";")
	stmts := make([]string, 0, len(parts))
	for _, part := range parts {
		if stmt := strings.TrimSpace(part); stmt != "" {
			stmts = append(stmts, stmt)
		}
	}
	return stmts
}
