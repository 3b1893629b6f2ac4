package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// DisplayPattern classifies how a line item's tax is represented on the
// invoice. Its absence from advisory context is the main cause of
// misinterpreted verdicts, so it is always encoded explicitly.
type DisplayPattern string

const (
	// PatternPerLineTaxed: the line carries its own tax amount.
	PatternPerLineTaxed DisplayPattern = "per_line_taxed"
	// PatternTotalTaxed: tax exists but is shown only as an invoice
	// total, never per line.
	PatternTotalTaxed DisplayPattern = "total_taxed"
	// PatternExemptOrUnknown: no tax amount and no rate on the line.
	PatternExemptOrUnknown DisplayPattern = "exempt_or_unknown"
)

// TaxVerdict is the canonical per-line verdict derived from one advisory
// reply. A fresh verdict supersedes any previous one on re-verification.
type TaxVerdict struct {
	ID         int64 `json:"id,omitempty"`
	LineItemID int64 `json:"lineItemId,omitempty"`

	IsCorrect  bool    `json:"isCorrect"`
	Confidence float64 `json:"confidence"`

	// ExpectedTaxRate as returned by the advisory service, kept for
	// audit even when overridden.
	ExpectedTaxRate decimal.Decimal `json:"expectedTaxRate"`
	// EffectiveExpectedRate is the rate used for all downstream
	// comparisons, after contradiction correction and the zero-rate
	// override.
	EffectiveExpectedRate decimal.Decimal `json:"effectiveExpectedRate"`
	AppliedTaxRate        decimal.Decimal `json:"appliedTaxRate"`

	Reasoning              string         `json:"reasoning"`
	ContradictionCorrected bool           `json:"contradictionCorrected"`
	DisplayPattern         DisplayPattern `json:"displayPattern"`

	VerifiedAt time.Time `json:"verifiedAt"`
}

// LineVerification pairs a line item with either its verdict or the
// failure that left it unverified. Exactly one of Verdict and
// FailureReason is set.
type LineVerification struct {
	LineIndex     int         `json:"lineIndex"`
	Description   string      `json:"description"`
	Verdict       *TaxVerdict `json:"verdict,omitempty"`
	FailureReason string      `json:"failureReason,omitempty"`
}

// Verified reports whether a verdict was produced for this line.
func (v LineVerification) Verified() bool { return v.Verdict != nil }

// DeterminationStatus is the overall outcome of one verification run.
type DeterminationStatus string

const (
	DeterminationVerified    DeterminationStatus = "verified"
	DeterminationDiscrepancy DeterminationStatus = "discrepancy"
	DeterminationError       DeterminationStatus = "error"
	DeterminationPartial     DeterminationStatus = "partial"
)

// TaxDetermination is the invoice-level reconciliation result. It is
// derived entirely from line items and verdicts and recomputed in full
// on every run, never patched incrementally.
type TaxDetermination struct {
	ID        uuid.UUID           `json:"id"`
	InvoiceID uuid.UUID           `json:"invoiceId"`
	Status    DeterminationStatus `json:"status"`

	ExpectedTax decimal.Decimal `json:"expectedTax"`
	ActualTax   decimal.Decimal `json:"actualTax"`
	// Discrepancy is expected minus actual; negative means the vendor
	// charged more tax than the rules require.
	Discrepancy decimal.Decimal `json:"discrepancy"`

	Lines []LineVerification `json:"lines"`

	Notes      string    `json:"notes,omitempty"`
	VerifiedAt time.Time `json:"verifiedAt"`
}

// VerifiedCount returns how many lines carry a verdict.
func (d *TaxDetermination) VerifiedCount() int {
	n := 0
	for _, l := range d.Lines {
		if l.Verified() {
			n++
		}
	}
	return n
}
