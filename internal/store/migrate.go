// Package store implements the providers on top of PostgreSQL.
package store

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

//go:embed schema.sql
var schema string

// Migrate creates the market, goals and portfolio schemas if missing
func Migrate(ctx context.Context, pool *pgxpool.Pool) error {
	// 인자가 없으면 simple protocol → 여러 statement 한 번에 실행
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
