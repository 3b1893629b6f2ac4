package advisory

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/dfetterman/taxjimmy/internal/models"
)

// Interpreter turns a raw advisory reply into a canonical TaxVerdict.
// The advisory service is an unreliable oracle: it contradicts itself
// (declaring two equal rates different), returns zero rates for items
// it elsewhere calls taxable, and wraps its JSON in prose. Every
// correction the interpreter makes is appended to the reasoning and
// logged with the original values; nothing is corrected silently.
type Interpreter struct {
	rateTol decimal.Decimal
	log     zerolog.Logger
}

// NewInterpreter builds an interpreter with the given rate-match
// tolerance (rates within it are the same rate).
func NewInterpreter(rateTol decimal.Decimal, log zerolog.Logger) *Interpreter {
	return &Interpreter{rateTol: rateTol, log: log}
}

type rawVerdict struct {
	IsCorrect       *bool       `json:"is_correct"`
	Confidence      interface{} `json:"confidence"`
	ExpectedTaxRate interface{} `json:"expected_tax_rate"`
	Reasoning       string      `json:"reasoning"`
}

var (
	percentMentionRe = regexp.MustCompile(`(\d+(?:\.\d+)?)\s*%`)
	exemptionRe      = regexp.MustCompile(`(?i)\b(exempt|exemption|not taxable|non-?taxable|no sales tax|zero-?rated)\b`)
)

// Interpret parses reply and produces the verdict for item, applying in
// order: precision-mismatch correction, the zero-rate-on-taxable
// override, and finally unconditional invariant enforcement. The final
// step always runs: whatever the advisory text claims, a verdict whose
// effective expected rate differs from the applied rate beyond
// tolerance is never is_correct.
func (it *Interpreter) Interpret(reply string, item models.LineItem, pattern models.DisplayPattern, now time.Time) (*models.TaxVerdict, error) {
	raw, err := parseReply(reply)
	if err != nil {
		return nil, err
	}

	verdict := &models.TaxVerdict{
		IsCorrect:       *raw.IsCorrect,
		Confidence:      clampConfidence(models.ParseDecimal(raw.Confidence)),
		ExpectedTaxRate: normalizeRate(models.ParseDecimal(raw.ExpectedTaxRate)),
		AppliedTaxRate:  item.TaxRate,
		Reasoning:       strings.TrimSpace(raw.Reasoning),
		DisplayPattern:  pattern,
		VerifiedAt:      now,
	}
	verdict.EffectiveExpectedRate = verdict.ExpectedTaxRate

	it.correctPrecisionMismatch(verdict, item)
	it.overrideZeroRate(verdict, item)
	it.enforceInvariant(verdict)

	return verdict, nil
}

func parseReply(reply string) (*rawVerdict, error) {
	cleaned := extractJSONObject(strings.TrimSpace(reply))

	var raw rawVerdict
	if err := json.Unmarshal([]byte(cleaned), &raw); err != nil {
		return nil, models.WrapError(models.ErrAdvisoryParse, "parse advisory reply", err)
	}
	if raw.IsCorrect == nil {
		return nil, models.WrapError(models.ErrAdvisoryParse, "parse advisory reply",
			fmt.Errorf("is_correct field is absent"))
	}
	return &raw, nil
}

// correctPrecisionMismatch handles replies that declare two
// numerically-equal rates different because of trailing-zero precision
// ("6.75% does not match 6.7500%"). When the underlying rates actually
// match within tolerance, the negative verdict is overturned.
func (it *Interpreter) correctPrecisionMismatch(v *models.TaxVerdict, item models.LineItem) {
	if v.IsCorrect {
		return
	}
	if !models.WithinTolerance(v.ExpectedTaxRate, item.TaxRate, it.rateTol) {
		return
	}
	if !hasEqualRatePrecisionConflict(v.Reasoning, it.rateTol) {
		return
	}

	it.log.Info().
		Str("item", item.Description).
		Str("expected_rate", v.ExpectedTaxRate.StringFixed(4)).
		Str("applied_rate", item.TaxRate.StringFixed(4)).
		Msg("overturning verdict: reasoning treats equal rates as different precision")

	v.IsCorrect = true
	v.ContradictionCorrected = true
	v.Reasoning += fmt.Sprintf(
		" [auto-corrected: expected rate %s and applied rate %s match within tolerance; the rates cited in the reasoning differ only in precision]",
		v.ExpectedTaxRate.StringFixed(4), item.TaxRate.StringFixed(4))
}

// hasEqualRatePrecisionConflict reports whether text cites two percent
// values that are numerically equal but written with different
// precision.
func hasEqualRatePrecisionConflict(text string, rateTol decimal.Decimal) bool {
	matches := percentMentionRe.FindAllStringSubmatch(text, -1)
	if len(matches) < 2 {
		return false
	}
	// Percent mentions are 100x the decimal-fraction rates.
	tol := rateTol.Mul(decimal.NewFromInt(100))

	for i := 0; i < len(matches); i++ {
		for j := i + 1; j < len(matches); j++ {
			a, errA := decimal.NewFromString(matches[i][1])
			b, errB := decimal.NewFromString(matches[j][1])
			if errA != nil || errB != nil {
				continue
			}
			if matches[i][1] != matches[j][1] && models.WithinTolerance(a, b, tol) {
				return true
			}
		}
	}
	return false
}

// overrideZeroRate treats a zero expected rate on a non-exempt item as
// a likely advisory error when the reasoning does not actually assert
// exemption: the applied rate is substituted as the effective expected
// rate so a false discrepancy is not flagged. The original returned
// rate is retained on the verdict for audit.
func (it *Interpreter) overrideZeroRate(v *models.TaxVerdict, item models.LineItem) {
	if !v.ExpectedTaxRate.IsZero() {
		return
	}
	if item.TaxStatus == models.TaxStatusExempt {
		return
	}
	if !item.TaxRate.IsPositive() {
		return
	}
	if exemptionRe.MatchString(v.Reasoning) {
		return
	}

	it.log.Info().
		Str("item", item.Description).
		Str("tax_status", string(item.TaxStatus)).
		Str("applied_rate", item.TaxRate.StringFixed(4)).
		Msg("zero expected rate on non-exempt item without exemption reasoning; substituting applied rate")

	v.EffectiveExpectedRate = item.TaxRate
	v.ContradictionCorrected = true
	v.Reasoning += fmt.Sprintf(
		" [auto-corrected: advisory returned expected rate 0.0000 for a %s item without asserting exemption; using applied rate %s for comparison]",
		item.TaxStatus, item.TaxRate.StringFixed(4))
}

// enforceInvariant is the authoritative consistency guarantee and runs
// last, unconditionally: a verdict can never claim correctness while
// the effective expected and applied rates disagree beyond tolerance.
func (it *Interpreter) enforceInvariant(v *models.TaxVerdict) {
	if models.WithinTolerance(v.EffectiveExpectedRate, v.AppliedTaxRate, it.rateTol) {
		return
	}
	if v.IsCorrect {
		it.log.Warn().
			Str("effective_expected_rate", v.EffectiveExpectedRate.StringFixed(4)).
			Str("applied_rate", v.AppliedTaxRate.StringFixed(4)).
			Msg("forcing is_correct=false: rates disagree despite positive advisory verdict")
		v.Reasoning += fmt.Sprintf(
			" [auto-corrected: expected rate %s and applied rate %s differ beyond tolerance, verdict forced to incorrect]",
			v.EffectiveExpectedRate.StringFixed(4), v.AppliedTaxRate.StringFixed(4))
		v.ContradictionCorrected = true
	}
	v.IsCorrect = false
}

func clampConfidence(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// normalizeRate accepts rates given as percentages (6.75) instead of
// fractions (0.0675). Sales tax rates above 100% do not exist, so any
// value above 1 is a percent.
func normalizeRate(d decimal.Decimal) decimal.Decimal {
	if d.GreaterThan(decimal.NewFromInt(1)) {
		return d.Div(decimal.NewFromInt(100))
	}
	return d
}

func extractJSONObject(raw string) string {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start >= 0 && end > start {
		return raw[start : end+1]
	}
	return raw
}
