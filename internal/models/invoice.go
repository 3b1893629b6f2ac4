package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// InvoiceStatus tracks the processing lifecycle of an invoice.
type InvoiceStatus string

const (
	InvoiceStatusPending    InvoiceStatus = "pending"
	InvoiceStatusProcessing InvoiceStatus = "processing"
	InvoiceStatusCompleted  InvoiceStatus = "completed"
	InvoiceStatusError      InvoiceStatus = "error"
)

// TaxStatus is the extraction-level classification of a line item.
type TaxStatus string

const (
	TaxStatusTaxable TaxStatus = "taxable"
	TaxStatusExempt  TaxStatus = "exempt"
	TaxStatusUnknown TaxStatus = "unknown"
)

// ValidTaxStatus reports whether s is one of the known tax statuses.
func ValidTaxStatus(s string) bool {
	switch TaxStatus(s) {
	case TaxStatusTaxable, TaxStatusExempt, TaxStatusUnknown:
		return true
	}
	return false
}

// Invoice is one extracted invoice document. Monetary fields are
// fixed-point decimals; tax-determination fields live on
// TaxDetermination, not here.
type Invoice struct {
	ID            uuid.UUID `json:"id"`
	InvoiceNumber string    `json:"invoiceNumber"`
	Date          time.Time `json:"date"`
	VendorName    string    `json:"vendorName"`
	StateCode     string    `json:"stateCode"`
	Jurisdiction  string    `json:"jurisdiction,omitempty"`
	Currency      string    `json:"currency"`

	Subtotal       decimal.Decimal `json:"subtotal"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	// DiscountInferred marks a discount that was not declared on the
	// document but derived from the gap between the line-item sum and
	// the total. Kept for audit.
	DiscountInferred bool            `json:"discountInferred,omitempty"`
	TotalTaxAmount   decimal.Decimal `json:"totalTaxAmount"`
	TotalAmount      decimal.Decimal `json:"totalAmount"`

	// TotalMismatch is set when sum(line_total) - discount deviates from
	// total_amount beyond the rounding tolerance. Flagged, never fatal.
	TotalMismatch bool `json:"totalMismatch,omitempty"`

	LineItems []LineItem `json:"lineItems,omitempty"`

	// Confidence scores how complete the extraction was (0-1).
	Confidence float64 `json:"confidence"`

	PDFObjectKey  string        `json:"pdfObjectKey,omitempty"`
	RawExtraction string        `json:"rawExtraction,omitempty"`
	Status        InvoiceStatus `json:"status"`
	ErrorMessage  string        `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	ProcessedAt *time.Time `json:"processedAt,omitempty"`
}

// LineItem is one line of an invoice. Order is insertion order and is
// significant for display only.
type LineItem struct {
	ID          int64           `json:"id,omitempty"`
	Description string          `json:"description"`
	Quantity    decimal.Decimal `json:"quantity"`
	UnitPrice   decimal.Decimal `json:"unitPrice"`
	// LineTotal is net of any line-level discount shown on the document.
	LineTotal      decimal.Decimal `json:"lineTotal"`
	DiscountAmount decimal.Decimal `json:"discountAmount"`
	// DiscountedTotal is LineTotal after proportional allocation of any
	// invoice-level discount. Tax is owed on this amount.
	DiscountedTotal decimal.Decimal `json:"discountedTotal"`
	TaxAmount       decimal.Decimal `json:"taxAmount"`
	// TaxRate as a decimal fraction, e.g. 0.0825 for 8.25%. Zero when
	// the line shows no rate.
	TaxRate   decimal.Decimal `json:"taxRate"`
	TaxStatus TaxStatus       `json:"taxStatus"`
}
