// Package db provides the pgx interfaces the store is written against and
// bulk insert helpers built on the COPY protocol.
package db

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer runs a statement that returns no rows.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// Copier bulk-loads rows with COPY. Both pools and transactions satisfy it.
type Copier interface {
	CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error)
}

// Tx is the subset of pgx.Tx used by the bulk helpers.
type Tx interface {
	Execer
	Copier
}

// Pool is satisfied by *pgxpool.Pool and by pgxmock pools.
type Pool interface {
	Execer
	Copier
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}
