package extraction

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Normalizer validates and canonicalizes a raw extraction document into
// an Invoice with ordered line items. Extraction output is noisy: any
// field may be absent, numbers arrive as floats or "$1,234.56" strings,
// and discounts may be represented per line, per invoice, or not at all.
type Normalizer struct {
	rounding decimal.Decimal
	log      zerolog.Logger
}

// NewNormalizer builds a normalizer with the given invoice-total
// rounding tolerance.
func NewNormalizer(rounding decimal.Decimal, log zerolog.Logger) *Normalizer {
	return &Normalizer{rounding: rounding, log: log}
}

type rawLineItem struct {
	Description    string      `json:"description"`
	Quantity       interface{} `json:"quantity"`
	UnitPrice      interface{} `json:"unit_price"`
	LineTotal      interface{} `json:"line_total"`
	DiscountAmount interface{} `json:"discount_amount"`
	TaxAmount      interface{} `json:"tax_amount"`
	TaxRate        interface{} `json:"tax_rate"`
	TaxStatus      string      `json:"tax_status"`
}

type rawDocument struct {
	InvoiceNumber         string      `json:"invoice_number"`
	Date                  string      `json:"date"`
	VendorName            string      `json:"vendor_name"`
	TotalAmount           interface{} `json:"total_amount"`
	TotalTaxAmount        interface{} `json:"total_tax_amount"`
	InvoiceDiscountAmount interface{} `json:"invoice_discount_amount"`
	Subtotal              interface{} `json:"subtotal"`
	Currency              string      `json:"currency"`
	StateCode             string      `json:"state_code"`
	Jurisdiction          string      `json:"jurisdiction"`
	// Entries are decoded individually so one garbage element does not
	// reject the whole document.
	LineItems []json.RawMessage `json:"line_items"`
}

// Normalize parses the extraction JSON and produces a canonical Invoice.
// It fails with models.ErrMalformedExtraction when the document cannot
// satisfy the minimal contract: parseable JSON, at least one line item,
// and a positive total amount.
func (n *Normalizer) Normalize(data []byte) (*models.Invoice, error) {
	cleaned := stripCodeFences(string(data))

	var raw rawDocument
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, models.WrapError(models.ErrMalformedExtraction, "parse extraction json", err)
	}

	items := make([]rawLineItem, 0, len(raw.LineItems))
	for idx, entry := range raw.LineItems {
		var ri rawLineItem
		if err := json.Unmarshal(entry, &ri); err != nil {
			n.log.Warn().
				Int("index", idx).
				Msg("skipping non-object line item entry")
			continue
		}
		items = append(items, ri)
	}
	if len(items) == 0 {
		return nil, models.WrapError(models.ErrMalformedExtraction, "validate extraction",
			fmt.Errorf("required field line_items is absent or empty"))
	}

	total := models.ParseDecimal(raw.TotalAmount)
	if !total.IsPositive() {
		return nil, models.WrapError(models.ErrMalformedExtraction, "validate extraction",
			fmt.Errorf("required field total_amount is absent or zero"))
	}

	inv := &models.Invoice{
		ID:             uuid.New(),
		InvoiceNumber:  stringOr(raw.InvoiceNumber, "UNKNOWN"),
		Date:           parseDate(raw.Date),
		VendorName:     stringOr(raw.VendorName, "Unknown Vendor"),
		StateCode:      normalizeStateCode(raw.StateCode),
		Jurisdiction:   strings.TrimSpace(raw.Jurisdiction),
		Currency:       stringOr(raw.Currency, "USD"),
		Subtotal:       models.ParseDecimal(raw.Subtotal),
		TotalTaxAmount: models.ParseDecimal(raw.TotalTaxAmount),
		TotalAmount:    total,
		RawExtraction:  string(data),
		Status:         models.InvoiceStatusPending,
	}

	lineDiscountPresent := false
	for idx, ri := range items {
		item, hasDiscount := n.normalizeItem(idx, ri)
		if hasDiscount {
			lineDiscountPresent = true
		}
		inv.LineItems = append(inv.LineItems, item)
	}

	n.resolveDiscounts(inv, raw.InvoiceDiscountAmount, lineDiscountPresent)

	inv.Confidence = scoreConfidence(inv)
	return inv, nil
}

func (n *Normalizer) normalizeItem(idx int, ri rawLineItem) (models.LineItem, bool) {
	item := models.LineItem{
		Description:    strings.TrimSpace(ri.Description),
		Quantity:       models.ParseDecimal(ri.Quantity),
		UnitPrice:      models.ParseDecimal(ri.UnitPrice),
		LineTotal:      models.ParseDecimal(ri.LineTotal),
		DiscountAmount: models.ParseDecimal(ri.DiscountAmount),
		TaxAmount:      models.ParseDecimal(ri.TaxAmount),
		TaxRate:        models.ParseDecimal(ri.TaxRate),
		TaxStatus:      normalizeTaxStatus(ri.TaxStatus),
	}

	if item.Description == "" {
		item.Description = fmt.Sprintf("Item %d", idx+1)
	}
	if item.Quantity.IsZero() {
		item.Quantity = decimal.NewFromInt(1)
	}
	// Backfill a missing line total from quantity x unit price.
	if item.LineTotal.IsZero() && item.Quantity.IsPositive() {
		item.LineTotal = item.Quantity.Mul(item.UnitPrice)
	}

	return item, ri.DiscountAmount != nil
}

// resolveDiscounts applies the discount representation policy:
// explicit line-level discounts mean line totals are already net;
// otherwise a declared invoice-level discount is allocated
// proportionally; otherwise a gap between the line-item sum and the
// invoice total beyond tolerance is treated as an implicit discount and
// allocated the same way, recorded as inferred.
func (n *Normalizer) resolveDiscounts(inv *models.Invoice, declared interface{}, lineDiscounts bool) {
	lineSum := decimal.Zero
	for _, item := range inv.LineItems {
		lineSum = lineSum.Add(item.LineTotal)
	}

	declaredAmount := models.ParseDecimal(declared)

	switch {
	case lineDiscounts:
		// Line totals are already net of their own discounts.
		for i := range inv.LineItems {
			inv.LineItems[i].DiscountedTotal = inv.LineItems[i].LineTotal
		}
		inv.DiscountAmount = declaredAmount

	case declared != nil && !declaredAmount.IsZero():
		inv.DiscountAmount = declaredAmount
		inv.LineItems = AllocateDiscount(inv.LineItems, declaredAmount)

	default:
		gap := lineSum.Sub(inv.TotalAmount)
		if gap.GreaterThan(n.rounding) {
			n.log.Info().
				Str("invoice_number", inv.InvoiceNumber).
				Str("inferred_discount", gap.StringFixed(2)).
				Msg("inferring implicit invoice-level discount from total gap")
			inv.DiscountAmount = gap
			inv.DiscountInferred = true
			inv.LineItems = AllocateDiscount(inv.LineItems, gap)
		} else {
			for i := range inv.LineItems {
				inv.LineItems[i].DiscountedTotal = inv.LineItems[i].LineTotal
			}
		}
	}

	// sum(line_total) - discount should land on total_amount. A
	// violation is flagged for review, never fatal.
	if !models.WithinTolerance(lineSum.Sub(inv.DiscountAmount), inv.TotalAmount, n.rounding) {
		inv.TotalMismatch = true
		n.log.Warn().
			Str("invoice_number", inv.InvoiceNumber).
			Str("line_sum", lineSum.StringFixed(2)).
			Str("discount", inv.DiscountAmount.StringFixed(2)).
			Str("total_amount", inv.TotalAmount.StringFixed(2)).
			Msg("line-item sum does not reconcile with invoice total")
	}
}

// AllocateDiscount distributes an invoice-level discount across line
// items by each item's share of the pre-discount sum, so larger items
// absorb proportionally more. Pure: returns a new slice, inputs are not
// mutated. A flat split would misstate tax on uneven invoices, since
// tax is owed on the discounted amount.
func AllocateDiscount(items []models.LineItem, discount decimal.Decimal) []models.LineItem {
	sum := decimal.Zero
	for _, item := range items {
		sum = sum.Add(item.LineTotal)
	}

	out := make([]models.LineItem, len(items))
	copy(out, items)

	if sum.IsZero() || discount.IsZero() {
		for i := range out {
			out[i].DiscountedTotal = out[i].LineTotal
		}
		return out
	}

	// Round the first n-1 shares, capped at what is left of the
	// discount, and give the last line the remainder. The rounded
	// shares then always sum to the exact discount.
	remaining := discount
	for i := range out {
		if i == len(out)-1 {
			out[i].DiscountedTotal = out[i].LineTotal.Sub(remaining)
			break
		}
		share := discount.Mul(out[i].LineTotal).Div(sum).Round(2)
		if share.GreaterThan(remaining) {
			share = remaining
		}
		out[i].DiscountedTotal = out[i].LineTotal.Sub(share)
		remaining = remaining.Sub(share)
	}
	return out
}

func stripCodeFences(s string) string {
	cleaned := strings.TrimSpace(s)
	cleaned = strings.ReplaceAll(cleaned, "```json", "")
	cleaned = strings.ReplaceAll(cleaned, "```", "")
	return strings.TrimSpace(cleaned)
}

func stringOr(s, fallback string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return fallback
	}
	return s
}

func normalizeStateCode(s string) string {
	s = strings.ToUpper(strings.TrimSpace(s))
	if len(s) > 2 {
		s = s[:2]
	}
	return s
}

func normalizeTaxStatus(s string) models.TaxStatus {
	s = strings.ToLower(strings.TrimSpace(s))
	if models.ValidTaxStatus(s) {
		return models.TaxStatus(s)
	}
	return models.TaxStatusUnknown
}

func parseDate(s string) time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}
	}
	formats := []string{
		"2006-01-02",
		"01/02/2006",
		"02/01/2006",
		"2006/01/02",
		"01-02-2006",
		"02-01-2006",
	}
	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// scoreConfidence grades extraction completeness.
//
//	Critical - 0.20 each: invoice number, state code, total amount
//	Important - 0.10 each: vendor name, date, per-line tax data on any line
//	Bonus - 0.10: line-item sum reconciles with the total
func scoreConfidence(inv *models.Invoice) float64 {
	var score float64

	if inv.InvoiceNumber != "" && inv.InvoiceNumber != "UNKNOWN" {
		score += 0.20
	}
	if len(inv.StateCode) == 2 {
		score += 0.20
	}
	if inv.TotalAmount.IsPositive() {
		score += 0.20
	}
	if inv.VendorName != "" && inv.VendorName != "Unknown Vendor" {
		score += 0.10
	}
	if !inv.Date.IsZero() {
		score += 0.10
	}
	for _, item := range inv.LineItems {
		if item.TaxAmount.IsPositive() || item.TaxRate.IsPositive() {
			score += 0.10
			break
		}
	}
	if !inv.TotalMismatch {
		score += 0.10
	}

	if score > 1.0 {
		score = 1.0
	}
	return score
}
