package db

import (
	"context"
	"fmt"
)

// schemaLockID serializes concurrent EnsureSchema calls across
// replicas via a Postgres advisory lock.
const schemaLockID = 774219

var schemaStatements = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id UUID PRIMARY KEY DEFAULT gen_random_uuid(),
		email TEXT NOT NULL UNIQUE,
		password_hash TEXT NOT NULL,
		role TEXT NOT NULL DEFAULT 'user',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE TABLE IF NOT EXISTS invoices (
		id UUID PRIMARY KEY,
		invoice_number TEXT NOT NULL,
		invoice_date TIMESTAMPTZ,
		vendor_name TEXT NOT NULL DEFAULT 'Unknown Vendor',
		state_code TEXT NOT NULL DEFAULT '',
		jurisdiction TEXT NOT NULL DEFAULT '',
		currency TEXT NOT NULL DEFAULT 'USD',
		subtotal NUMERIC(14,2) NOT NULL DEFAULT 0,
		discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		total_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		discount_inferred BOOLEAN NOT NULL DEFAULT FALSE,
		total_mismatch BOOLEAN NOT NULL DEFAULT FALSE,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		pdf_object_key TEXT NOT NULL DEFAULT '',
		raw_extraction TEXT NOT NULL DEFAULT '',
		status TEXT NOT NULL DEFAULT 'pending',
		error_message TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		processed_at TIMESTAMPTZ
	)`,
	`CREATE TABLE IF NOT EXISTS invoice_line_items (
		id BIGSERIAL PRIMARY KEY,
		invoice_id UUID NOT NULL REFERENCES invoices(id) ON DELETE CASCADE,
		position INT NOT NULL,
		description TEXT NOT NULL,
		quantity NUMERIC(14,4) NOT NULL DEFAULT 1,
		unit_price NUMERIC(14,4) NOT NULL DEFAULT 0,
		line_total NUMERIC(14,2) NOT NULL DEFAULT 0,
		discount_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		discounted_total NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax_amount NUMERIC(14,2) NOT NULL DEFAULT 0,
		tax_rate NUMERIC(8,6) NOT NULL DEFAULT 0,
		tax_status TEXT NOT NULL DEFAULT 'unknown',
		UNIQUE (invoice_id, position)
	)`,
	`CREATE TABLE IF NOT EXISTS tax_determinations (
		id UUID PRIMARY KEY,
		invoice_id UUID NOT NULL UNIQUE REFERENCES invoices(id) ON DELETE CASCADE,
		status TEXT NOT NULL,
		expected_tax NUMERIC(14,2) NOT NULL DEFAULT 0,
		actual_tax NUMERIC(14,2) NOT NULL DEFAULT 0,
		discrepancy NUMERIC(14,2) NOT NULL DEFAULT 0,
		notes TEXT NOT NULL DEFAULT '',
		verified_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS line_item_tax_verifications (
		id BIGSERIAL PRIMARY KEY,
		determination_id UUID NOT NULL REFERENCES tax_determinations(id) ON DELETE CASCADE,
		line_item_id BIGINT,
		line_index INT NOT NULL,
		description TEXT NOT NULL DEFAULT '',
		is_correct BOOLEAN,
		confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
		expected_tax_rate NUMERIC(8,6) NOT NULL DEFAULT 0,
		effective_expected_rate NUMERIC(8,6) NOT NULL DEFAULT 0,
		applied_tax_rate NUMERIC(8,6) NOT NULL DEFAULT 0,
		reasoning TEXT NOT NULL DEFAULT '',
		contradiction_corrected BOOLEAN NOT NULL DEFAULT FALSE,
		display_pattern TEXT NOT NULL DEFAULT '',
		failure_reason TEXT NOT NULL DEFAULT '',
		verified_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_status ON invoices(status)`,
	`CREATE INDEX IF NOT EXISTS idx_invoices_created_at ON invoices(created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_line_items_invoice ON invoice_line_items(invoice_id)`,
	`CREATE INDEX IF NOT EXISTS idx_verifications_determination ON line_item_tax_verifications(determination_id)`,
}

// EnsureSchema creates the tables and indexes if they do not exist.
// Session advisory locks bind to one connection, so the lock, the DDL
// and the unlock all run on a single pinned connection.
func (s *Store) EnsureSchema(ctx context.Context) error {
	conn, err := s.db.Conn(ctx)
	if err != nil {
		return fmt.Errorf("acquire connection: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, `SELECT pg_advisory_lock($1)`, schemaLockID); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}
	defer conn.ExecContext(ctx, `SELECT pg_advisory_unlock($1)`, schemaLockID)

	for _, stmt := range schemaStatements {
		if _, err := conn.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.log.Info().Msg("database schema ensured")
	return nil
}
