package advisory

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Query is the deterministic payload sent to the knowledge-base advisory
// service for one line item. The display pattern is the single most
// important contextual signal: without it the advisory service routinely
// mistakes total-only tax for untaxed items.
type Query struct {
	ItemDescription  string
	VendorName       string
	StateCode        string
	Jurisdiction     string
	Pattern          models.DisplayPattern
	TaxStatus        models.TaxStatus
	AppliedTaxRate   decimal.Decimal
	AppliedTaxAmount decimal.Decimal
	// InvoiceTotalTax is included only for the total-taxed pattern.
	InvoiceTotalTax decimal.Decimal
}

// ClassifyPattern determines how the line item's tax is represented.
func ClassifyPattern(item models.LineItem, inv *models.Invoice) models.DisplayPattern {
	switch {
	case item.TaxAmount.IsPositive():
		return models.PatternPerLineTaxed
	case item.TaxRate.IsPositive() && inv.TotalTaxAmount.IsPositive():
		return models.PatternTotalTaxed
	default:
		return models.PatternExemptOrUnknown
	}
}

// BuildQuery assembles the advisory query for one line item of an
// invoice. Pure transformation, no side effects.
func BuildQuery(item models.LineItem, inv *models.Invoice) Query {
	q := Query{
		ItemDescription:  item.Description,
		VendorName:       inv.VendorName,
		StateCode:        inv.StateCode,
		Jurisdiction:     inv.Jurisdiction,
		Pattern:          ClassifyPattern(item, inv),
		TaxStatus:        item.TaxStatus,
		AppliedTaxRate:   item.TaxRate,
		AppliedTaxAmount: item.TaxAmount,
	}
	if q.Pattern == models.PatternTotalTaxed {
		q.InvoiceTotalTax = inv.TotalTaxAmount
	}
	return q
}

// Prompt renders the query as advisory text. Identical queries always
// render identical prompts, so re-verification against a deterministic
// service reproduces the same verdicts.
func (q Query) Prompt() string {
	var b strings.Builder

	b.WriteString("You are a sales and use tax expert. Using the tax rules for the jurisdiction below, determine whether the correct tax was applied to this invoice line item.\n\n")

	fmt.Fprintf(&b, "Jurisdiction: %s", q.StateCode)
	if q.Jurisdiction != "" {
		fmt.Fprintf(&b, " (%s)", q.Jurisdiction)
	}
	b.WriteString("\n")
	fmt.Fprintf(&b, "Vendor: %s (use the vendor name to infer the business domain, e.g. a painter typically sells taxable services)\n", q.VendorName)
	fmt.Fprintf(&b, "Item: %s\n", q.ItemDescription)
	fmt.Fprintf(&b, "Extracted tax status: %s\n", q.TaxStatus)
	fmt.Fprintf(&b, "Applied tax rate: %s (decimal fraction; 0.0675 means 6.75%%)\n", q.AppliedTaxRate.StringFixed(4))
	fmt.Fprintf(&b, "Applied tax amount on this line: %s\n", q.AppliedTaxAmount.StringFixed(2))

	b.WriteString("\nHow tax is displayed on this invoice: ")
	switch q.Pattern {
	case models.PatternPerLineTaxed:
		b.WriteString("PER-LINE. This line carries its own tax amount.\n")
	case models.PatternTotalTaxed:
		fmt.Fprintf(&b, "TOTAL-ONLY. Tax was charged but appears only as an invoice-level total of %s, not on individual lines. A zero line-level tax amount does NOT mean the item was untaxed.\n", q.InvoiceTotalTax.StringFixed(2))
	default:
		b.WriteString("NONE. This line shows no tax amount and no tax rate; it may be exempt or the status may simply be unknown.\n")
	}

	b.WriteString(`
Rules:
1. Decide whether the applied rate matches the rate the jurisdiction requires for this item.
2. Rates that differ only in trailing-zero precision (6.75% vs 6.7500%) are THE SAME rate.
3. expected_tax_rate must be a decimal fraction with 4 decimal places (e.g. 0.0675), or 0.0000 only if the item is genuinely exempt.
4. Respond with ONLY a JSON object, no markdown:
{"is_correct": true|false, "confidence": 0.0-1.0, "expected_tax_rate": 0.0000, "reasoning": "..."}
`)

	return b.String()
}
