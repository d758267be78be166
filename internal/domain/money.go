package domain

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// ParseAmount reads an amount as it appears in provider payloads: a JSON
// number, a numeric string, or an already decoded float/int.
func ParseAmount(v any) (decimal.Decimal, error) {
	var (
		d   decimal.Decimal
		err error
	)
	switch x := v.(type) {
	case decimal.Decimal:
		d = x
	case float64:
		d = decimal.NewFromFloat(x)
	case float32:
		d = decimal.NewFromFloat32(x)
	case int:
		d = decimal.NewFromInt(int64(x))
	case int64:
		d = decimal.NewFromInt(x)
	case json.Number:
		d, err = decimal.NewFromString(x.String())
	case string:
		d, err = decimal.NewFromString(strings.TrimSpace(x))
	default:
		return decimal.Zero, fmt.Errorf("%w: unsupported amount type %T", ErrInvalidRequest, v)
	}
	if err != nil {
		return decimal.Zero, fmt.Errorf("%w: amount %v: %v", ErrInvalidRequest, v, err)
	}
	if d.IsNegative() {
		return decimal.Zero, fmt.Errorf("%w: amount must not be negative", ErrInvalidRequest)
	}
	return d, nil
}

// WholeUnits rounds up to a whole unit. Mobile money only accepts integers.
func WholeUnits(d decimal.Decimal) int64 {
	return d.Ceil().IntPart()
}

// FormatAmount renders the two-decimal string card/wallet APIs expect.
func FormatAmount(d decimal.Decimal) string {
	return d.StringFixed(2)
}

func NormalizeCurrency(c string) string {
	return strings.ToUpper(strings.TrimSpace(c))
}
