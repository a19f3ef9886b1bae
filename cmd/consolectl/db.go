package main

import (
	"database/sql"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"assistantconsole/internal/db"
)

// dbHandle pairs a pool with its database/sql view for goose.
type dbHandle struct {
	pool *pgxpool.Pool
	sql  *sql.DB
}

func openDB(cmd *cobra.Command, url string) (*dbHandle, error) {
	pool, err := db.NewPool(commandContext(cmd), db.PoolConfig{URL: url, MaxConns: 2})
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}
	return &dbHandle{pool: pool, sql: db.SQLFromPool(pool)}, nil
}

func (h *dbHandle) close() {
	_ = h.sql.Close()
	h.pool.Close()
}
