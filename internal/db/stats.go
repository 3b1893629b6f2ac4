package db

import (
	"context"
	"fmt"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Stats aggregates the current month's verification activity.
type Stats struct {
	TotalInvoices    int    `json:"totalInvoices"`
	Pending          int    `json:"pending"`
	Completed        int    `json:"completed"`
	Errored          int    `json:"errored"`
	Verified         int    `json:"verified"`
	Discrepancies    int    `json:"discrepancies"`
	TotalAmount      string `json:"totalAmount"`
	TotalTaxAmount   string `json:"totalTaxAmount"`
	TotalDiscrepancy string `json:"totalDiscrepancy"`
}

// MonthlyStats summarizes invoices created in the current calendar
// month plus their determinations.
func (s *Store) MonthlyStats(ctx context.Context) (*Stats, error) {
	var (
		stats       Stats
		amt, tax    string
		discrepancy string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status IN ('pending', 'processing')),
		       COUNT(*) FILTER (WHERE status = 'completed'),
		       COUNT(*) FILTER (WHERE status = 'error'),
		       COALESCE(SUM(total_amount), 0)::text,
		       COALESCE(SUM(total_tax_amount), 0)::text
		FROM invoices
		WHERE created_at >= date_trunc('month', now())`).
		Scan(&stats.TotalInvoices, &stats.Pending, &stats.Completed, &stats.Errored, &amt, &tax)
	if err != nil {
		return nil, fmt.Errorf("invoice stats: %w", err)
	}

	err = s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE d.status = 'verified'),
		       COUNT(*) FILTER (WHERE d.status = 'discrepancy'),
		       COALESCE(SUM(d.discrepancy) FILTER (WHERE d.status = 'discrepancy'), 0)::text
		FROM tax_determinations d
		JOIN invoices i ON i.id = d.invoice_id
		WHERE i.created_at >= date_trunc('month', now())`).
		Scan(&stats.Verified, &stats.Discrepancies, &discrepancy)
	if err != nil {
		return nil, fmt.Errorf("determination stats: %w", err)
	}

	stats.TotalAmount = models.ParseDecimal(amt).StringFixed(2)
	stats.TotalTaxAmount = models.ParseDecimal(tax).StringFixed(2)
	stats.TotalDiscrepancy = models.ParseDecimal(discrepancy).StringFixed(2)
	return &stats, nil
}
