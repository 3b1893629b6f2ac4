package db

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	conn, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return NewStore(conn, zerolog.Nop()), mock
}

func invoiceRows(id uuid.UUID) *sqlmock.Rows {
	now := time.Now()
	return sqlmock.NewRows([]string{
		"id", "invoice_number", "invoice_date", "vendor_name", "state_code", "jurisdiction",
		"currency", "subtotal", "discount_amount", "total_tax_amount", "total_amount",
		"discount_inferred", "total_mismatch", "confidence", "pdf_object_key", "raw_extraction",
		"status", "error_message", "created_at", "updated_at", "processed_at",
	}).AddRow(
		id.String(), "INV-2201", now, "Coastal Painting LLC", "NC", "Wake County",
		"USD", "3242.89", "0", "82.11", "3325.00",
		false, false, 0.9, "", "{}",
		"pending", "", now, now, nil,
	)
}

func TestGetInvoice(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM invoices WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(invoiceRows(id))
	mock.ExpectQuery(`SELECT .+ FROM invoice_line_items`).
		WithArgs(id).
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "description", "quantity", "unit_price", "line_total",
			"discount_amount", "discounted_total", "tax_amount", "tax_rate", "tax_status",
		}).AddRow(11, "Exterior painting", "1", "1216.50", "1216.50", "0", "1216.50", "0", "0.0675", "taxable"))

	inv, err := store.GetInvoice(context.Background(), id.String())
	if err != nil {
		t.Fatalf("GetInvoice: %v", err)
	}
	if inv.InvoiceNumber != "INV-2201" {
		t.Errorf("invoice number = %q", inv.InvoiceNumber)
	}
	if !inv.TotalTaxAmount.Equal(decimal.RequireFromString("82.11")) {
		t.Errorf("total tax = %s, want 82.11", inv.TotalTaxAmount)
	}
	if len(inv.LineItems) != 1 {
		t.Fatalf("line items = %d, want 1", len(inv.LineItems))
	}
	if !inv.LineItems[0].TaxRate.Equal(decimal.RequireFromString("0.0675")) {
		t.Errorf("tax rate = %s, want 0.0675", inv.LineItems[0].TaxRate)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestGetInvoiceNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New()

	mock.ExpectQuery(`SELECT .+ FROM invoices WHERE id = \$1`).
		WithArgs(id.String()).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))

	_, err := store.GetInvoice(context.Background(), id.String())
	if !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestCreateInvoiceTransaction(t *testing.T) {
	store, mock := newMockStore(t)

	inv := &models.Invoice{
		InvoiceNumber: "INV-2201",
		VendorName:    "Coastal Painting LLC",
		StateCode:     "NC",
		Currency:      "USD",
		TotalAmount:   decimal.RequireFromString("3325.00"),
		LineItems: []models.LineItem{
			{Description: "Exterior painting", LineTotal: decimal.RequireFromString("1216.50")},
		},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO invoices`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO invoice_line_items`).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(11)))
	mock.ExpectCommit()

	if err := store.CreateInvoice(context.Background(), inv); err != nil {
		t.Fatalf("CreateInvoice: %v", err)
	}
	if inv.ID == uuid.Nil {
		t.Error("invoice id not assigned")
	}
	if inv.LineItems[0].ID != 11 {
		t.Errorf("line item id = %d, want 11", inv.LineItems[0].ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateInvoiceRollsBackOnLineItemFailure(t *testing.T) {
	store, mock := newMockStore(t)

	inv := &models.Invoice{
		InvoiceNumber: "INV-2201",
		TotalAmount:   decimal.RequireFromString("100.00"),
		LineItems:     []models.LineItem{{Description: "A"}},
	}

	mock.ExpectBegin()
	mock.ExpectExec(`INSERT INTO invoices`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectQuery(`INSERT INTO invoice_line_items`).
		WillReturnError(context.DeadlineExceeded)
	mock.ExpectRollback()

	if err := store.CreateInvoice(context.Background(), inv); err == nil {
		t.Fatal("expected error")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateInvoiceStatus(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New().String()

	mock.ExpectExec(`UPDATE invoices`).
		WithArgs(id, "completed", "").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.UpdateInvoiceStatus(context.Background(), id, models.InvoiceStatusCompleted, ""); err != nil {
		t.Fatalf("UpdateInvoiceStatus: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestUpdateInvoiceStatusNotFound(t *testing.T) {
	store, mock := newMockStore(t)
	id := uuid.New().String()

	mock.ExpectExec(`UPDATE invoices`).
		WithArgs(id, "error", "boom").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.UpdateInvoiceStatus(context.Background(), id, models.InvoiceStatusError, "boom")
	if !models.IsKind(err, models.ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}
