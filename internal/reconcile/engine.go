package reconcile

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Tolerances for the invoice-level reconciliation.
type Tolerances struct {
	// Amount is the fixed expected-vs-actual tax tolerance.
	Amount decimal.Decimal
	// Relative scales the tolerance with invoice size; the effective
	// tolerance is max(Amount, total_amount * Relative).
	Relative decimal.Decimal
}

// Engine aggregates per-line verdicts and invoice totals into one
// TaxDetermination. The determination is derived in full from
// its inputs on every run; it is never patched incrementally, so it can
// never drift out of sync with the verdicts it references.
type Engine struct {
	tol Tolerances
	log zerolog.Logger
}

// NewEngine creates a reconciliation engine.
func NewEngine(tol Tolerances, log zerolog.Logger) *Engine {
	return &Engine{tol: tol, log: log}
}

// Reconcile computes the determination for inv given one
// LineVerification per line item (failed lines carry no verdict).
// lines must be index-aligned with inv.LineItems.
func (e *Engine) Reconcile(inv *models.Invoice, lines []models.LineVerification, now time.Time) *models.TaxDetermination {
	det := &models.TaxDetermination{
		ID:         uuid.New(),
		InvoiceID:  inv.ID,
		Lines:      lines,
		VerifiedAt: now,
	}

	det.ExpectedTax = e.expectedTax(inv, lines)
	det.ActualTax = e.actualTax(inv)
	det.Discrepancy = det.ExpectedTax.Sub(det.ActualTax)
	det.Status = e.determineStatus(inv, det)
	det.Notes = e.buildNotes(inv, det)

	e.log.Info().
		Str("invoice_id", inv.ID.String()).
		Str("status", string(det.Status)).
		Str("expected_tax", det.ExpectedTax.StringFixed(2)).
		Str("actual_tax", det.ActualTax.StringFixed(2)).
		Str("discrepancy", det.Discrepancy.StringFixed(2)).
		Msg("reconciled invoice tax determination")

	return det
}

// expectedTax sums the per-line contributions. A line contributes when
// its extracted status is taxable, or when the advisory service
// determined a non-zero effective rate for an unknown-status line. The
// contribution is computed on the discounted amount, since that is what
// tax is owed on.
func (e *Engine) expectedTax(inv *models.Invoice, lines []models.LineVerification) decimal.Decimal {
	expected := decimal.Zero
	for _, lv := range lines {
		if !lv.Verified() {
			continue
		}
		if lv.LineIndex < 0 || lv.LineIndex >= len(inv.LineItems) {
			continue
		}
		item := inv.LineItems[lv.LineIndex]
		rate := lv.Verdict.EffectiveExpectedRate

		if item.TaxStatus != models.TaxStatusTaxable && !rate.IsPositive() {
			continue
		}
		expected = expected.Add(item.DiscountedTotal.Mul(rate))
	}
	return expected.Round(2)
}

// actualTax prefers the declared invoice-level tax total, which covers
// total-taxed invoices whose per-line tax amounts are uniformly zero.
// Only when no total is declared does it fall back to the line sum.
func (e *Engine) actualTax(inv *models.Invoice) decimal.Decimal {
	if inv.TotalTaxAmount.IsPositive() {
		return inv.TotalTaxAmount.Round(2)
	}
	sum := decimal.Zero
	for _, item := range inv.LineItems {
		sum = sum.Add(item.TaxAmount)
	}
	return sum.Round(2)
}

func (e *Engine) determineStatus(inv *models.Invoice, det *models.TaxDetermination) models.DeterminationStatus {
	verified := det.VerifiedCount()

	if len(inv.StateCode) != 2 || verified == 0 {
		return models.DeterminationError
	}
	if verified < len(det.Lines) {
		return models.DeterminationPartial
	}
	if models.WithinTolerance(det.ExpectedTax, det.ActualTax, e.amountTolerance(inv)) {
		return models.DeterminationVerified
	}
	return models.DeterminationDiscrepancy
}

// amountTolerance scales with invoice size so a few cents of rounding
// on a large invoice does not read as a discrepancy.
func (e *Engine) amountTolerance(inv *models.Invoice) decimal.Decimal {
	scaled := inv.TotalAmount.Mul(e.tol.Relative)
	if scaled.GreaterThan(e.tol.Amount) {
		return scaled
	}
	return e.tol.Amount
}

func (e *Engine) buildNotes(inv *models.Invoice, det *models.TaxDetermination) string {
	notes := fmt.Sprintf("%d of %d line items verified", det.VerifiedCount(), len(det.Lines))

	for _, lv := range det.Lines {
		if !lv.Verified() {
			notes += fmt.Sprintf("; line %d (%s) unverified: %s", lv.LineIndex, lv.Description, lv.FailureReason)
		}
	}
	if inv.DiscountInferred {
		notes += fmt.Sprintf("; invoice-level discount of %s was inferred from the total gap, not declared",
			inv.DiscountAmount.StringFixed(2))
	}
	if inv.TotalMismatch {
		notes += "; line-item sum does not reconcile with the invoice total"
	}
	return notes
}
