// Package db persists invoices, line items and tax determinations in
// PostgreSQL.
package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/rs/zerolog"
)

var ErrNoDatabase = errors.New("database not available")

// Open connects to PostgreSQL through the pgx stdlib driver and
// verifies the connection.
func Open(ctx context.Context, dsn string) (*sql.DB, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	conn.SetMaxOpenConns(10)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(30 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := conn.PingContext(pingCtx); err != nil {
		conn.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	return conn, nil
}

// Store wraps the connection with the application's queries.
type Store struct {
	db  *sql.DB
	log zerolog.Logger
}

func NewStore(conn *sql.DB, log zerolog.Logger) *Store {
	return &Store{db: conn, log: log.With().Str("component", "db").Logger()}
}
