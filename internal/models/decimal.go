package models

import (
	"encoding/json"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseDecimal coerces a loosely-typed JSON value into a decimal.
// Extraction and advisory replies both emit numbers as floats, strings,
// or strings with currency symbols and thousands separators
// (e.g. "$3,965.34"). Anything unparseable coerces to zero.
func ParseDecimal(v interface{}) decimal.Decimal {
	if v == nil {
		return decimal.Zero
	}

	switch val := v.(type) {
	case float64:
		return decimal.NewFromFloat(val)
	case int:
		return decimal.NewFromInt(int64(val))
	case int64:
		return decimal.NewFromInt(val)
	case json.Number:
		d, err := decimal.NewFromString(string(val))
		if err != nil {
			return decimal.Zero
		}
		return d
	case string:
		cleaned := strings.TrimSpace(val)
		cleaned = strings.ReplaceAll(cleaned, "$", "")
		cleaned = strings.ReplaceAll(cleaned, ",", "")
		if cleaned == "" {
			return decimal.Zero
		}
		d, err := decimal.NewFromString(cleaned)
		if err != nil {
			return decimal.Zero
		}
		return d
	default:
		return decimal.Zero
	}
}

// WithinTolerance reports whether a and b differ by at most tol.
// All monetary and rate comparisons go through this; exact equality on
// decimals is never used.
func WithinTolerance(a, b, tol decimal.Decimal) bool {
	return a.Sub(b).Abs().LessThanOrEqual(tol)
}
