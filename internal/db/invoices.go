package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/dfetterman/taxjimmy/internal/models"
)

const invoiceColumns = `id, invoice_number, invoice_date, vendor_name, state_code, jurisdiction,
	currency, subtotal::text, discount_amount::text, total_tax_amount::text, total_amount::text,
	discount_inferred, total_mismatch, confidence, pdf_object_key, raw_extraction,
	status, error_message, created_at, updated_at, processed_at`

// CreateInvoice inserts the invoice and its line items in one
// transaction and backfills the generated line-item ids.
func (s *Store) CreateInvoice(ctx context.Context, inv *models.Invoice) error {
	if inv.ID == uuid.Nil {
		inv.ID = uuid.New()
	}
	now := time.Now().UTC()
	inv.CreatedAt = now
	inv.UpdatedAt = now
	if inv.Status == "" {
		inv.Status = models.InvoiceStatusPending
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO invoices (
			id, invoice_number, invoice_date, vendor_name, state_code, jurisdiction,
			currency, subtotal, discount_amount, total_tax_amount, total_amount,
			discount_inferred, total_mismatch, confidence, pdf_object_key, raw_extraction,
			status, error_message, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20)`,
		inv.ID, inv.InvoiceNumber, nullTime(inv.Date), inv.VendorName, inv.StateCode, inv.Jurisdiction,
		inv.Currency, inv.Subtotal.String(), inv.DiscountAmount.String(), inv.TotalTaxAmount.String(), inv.TotalAmount.String(),
		inv.DiscountInferred, inv.TotalMismatch, inv.Confidence, inv.PDFObjectKey, inv.RawExtraction,
		string(inv.Status), inv.ErrorMessage, inv.CreatedAt, inv.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert invoice: %w", err)
	}

	for i := range inv.LineItems {
		item := &inv.LineItems[i]
		err = tx.QueryRowContext(ctx, `
			INSERT INTO invoice_line_items (
				invoice_id, position, description, quantity, unit_price, line_total,
				discount_amount, discounted_total, tax_amount, tax_rate, tax_status
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
			RETURNING id`,
			inv.ID, i, item.Description, item.Quantity.String(), item.UnitPrice.String(), item.LineTotal.String(),
			item.DiscountAmount.String(), item.DiscountedTotal.String(), item.TaxAmount.String(), item.TaxRate.String(),
			string(item.TaxStatus),
		).Scan(&item.ID)
		if err != nil {
			return fmt.Errorf("insert line item %d: %w", i, err)
		}
	}
	return tx.Commit()
}

// GetInvoice loads one invoice with its line items in position order.
func (s *Store) GetInvoice(ctx context.Context, id string) (*models.Invoice, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices WHERE id = $1`, id)

	inv, err := scanInvoice(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, models.WrapError(models.ErrNotFound, "get invoice",
				fmt.Errorf("invoice %s", id))
		}
		return nil, fmt.Errorf("get invoice: %w", err)
	}

	items, err := s.lineItems(ctx, inv.ID)
	if err != nil {
		return nil, err
	}
	inv.LineItems = items
	return inv, nil
}

// ListInvoices returns the most recent invoices without line items.
func (s *Store) ListInvoices(ctx context.Context, limit int) ([]models.Invoice, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+invoiceColumns+` FROM invoices ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("list invoices: %w", err)
	}
	defer rows.Close()

	var out []models.Invoice
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan invoice: %w", err)
		}
		out = append(out, *inv)
	}
	return out, rows.Err()
}

// UpdateInvoiceStatus moves the invoice through its lifecycle and
// stamps processed_at on the terminal states.
func (s *Store) UpdateInvoiceStatus(ctx context.Context, invoiceID string, status models.InvoiceStatus, errMsg string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE invoices
		SET status = $2,
		    error_message = $3,
		    updated_at = now(),
		    processed_at = CASE WHEN $2 IN ('completed', 'error') THEN now() ELSE processed_at END
		WHERE id = $1`,
		invoiceID, string(status), errMsg)
	if err != nil {
		return fmt.Errorf("update invoice status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return models.WrapError(models.ErrNotFound, "update invoice status",
			fmt.Errorf("invoice %s", invoiceID))
	}
	return nil
}

func (s *Store) lineItems(ctx context.Context, invoiceID uuid.UUID) ([]models.LineItem, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, description, quantity::text, unit_price::text, line_total::text,
		       discount_amount::text, discounted_total::text, tax_amount::text, tax_rate::text, tax_status
		FROM invoice_line_items
		WHERE invoice_id = $1
		ORDER BY position`, invoiceID)
	if err != nil {
		return nil, fmt.Errorf("load line items: %w", err)
	}
	defer rows.Close()

	var items []models.LineItem
	for rows.Next() {
		var (
			item                            models.LineItem
			qty, price, total, disc         string
			discounted, taxAmt, rate, stats string
		)
		if err := rows.Scan(&item.ID, &item.Description, &qty, &price, &total,
			&disc, &discounted, &taxAmt, &rate, &stats); err != nil {
			return nil, fmt.Errorf("scan line item: %w", err)
		}
		item.Quantity = models.ParseDecimal(qty)
		item.UnitPrice = models.ParseDecimal(price)
		item.LineTotal = models.ParseDecimal(total)
		item.DiscountAmount = models.ParseDecimal(disc)
		item.DiscountedTotal = models.ParseDecimal(discounted)
		item.TaxAmount = models.ParseDecimal(taxAmt)
		item.TaxRate = models.ParseDecimal(rate)
		item.TaxStatus = models.TaxStatus(stats)
		items = append(items, item)
	}
	return items, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanInvoice(row rowScanner) (*models.Invoice, error) {
	var (
		inv                              models.Invoice
		date, processedAt                sql.NullTime
		subtotal, discount, tax, total   string
		status                           string
	)
	err := row.Scan(&inv.ID, &inv.InvoiceNumber, &date, &inv.VendorName, &inv.StateCode, &inv.Jurisdiction,
		&inv.Currency, &subtotal, &discount, &tax, &total,
		&inv.DiscountInferred, &inv.TotalMismatch, &inv.Confidence, &inv.PDFObjectKey, &inv.RawExtraction,
		&status, &inv.ErrorMessage, &inv.CreatedAt, &inv.UpdatedAt, &processedAt)
	if err != nil {
		return nil, err
	}
	if date.Valid {
		inv.Date = date.Time
	}
	if processedAt.Valid {
		t := processedAt.Time
		inv.ProcessedAt = &t
	}
	inv.Subtotal = models.ParseDecimal(subtotal)
	inv.DiscountAmount = models.ParseDecimal(discount)
	inv.TotalTaxAmount = models.ParseDecimal(tax)
	inv.TotalAmount = models.ParseDecimal(total)
	inv.Status = models.InvoiceStatus(status)
	return &inv, nil
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}
