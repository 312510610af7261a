package token

import (
	"context"
	"database/sql"
	"time"
)

// Querier abstracts *sql.DB and *sql.Tx so store operations can run either
// standalone or inside the password-change transaction.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// Store describes persistence operations for token records.
type Store interface {
	Create(ctx context.Context, q Querier, t *Token) error
	Find(ctx context.Context, q Querier, id string) (*Token, error)
	// ActiveByUser returns the user's active tokens (not revoked, not
	// expired at now), newest-issued first.
	ActiveByUser(ctx context.Context, q Querier, userID string, now time.Time) ([]Token, error)
	// Revoke marks the given tokens revoked and returns how many rows
	// changed.
	Revoke(ctx context.Context, q Querier, ids []string) (int64, error)
}
