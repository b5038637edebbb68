// Package dec wraps shopspring/decimal with the directional rounding and
// significant-digit formatting rules the exchange's wire protocol requires:
// prices and sizes are arbitrary-precision decimals, but every market
// constrains them to a tick/lot grid and a maximum number of significant
// digits, and price rounding direction depends on trade side.
package dec

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// Price is a decimal price value. Kept distinct from Size so call sites
// can't accidentally swap the two in a function signature.
type Price struct{ decimal.Decimal }

// Size is a decimal quantity value.
type Size struct{ decimal.Decimal }

// NewPrice builds a Price from a string, the form every wire payload uses.
func NewPrice(s string) (Price, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Price{}, fmt.Errorf("parse price %q: %w", s, err)
	}
	return Price{d}, nil
}

// NewSize builds a Size from a string.
func NewSize(s string) (Size, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return Size{}, fmt.Errorf("parse size %q: %w", s, err)
	}
	return Size{d}, nil
}

// PriceFromFloat builds a Price from a float64, used only where the
// detector computes derived values (edge, oracle velocity) that have no
// wire representation of their own.
func PriceFromFloat(f float64) Price { return Price{decimal.NewFromFloat(f)} }

// SizeFromFloat builds a Size from a float64.
func SizeFromFloat(f float64) Size { return Size{decimal.NewFromFloat(f)} }

// Zero is the zero-value Price, distinct from "Null" at the Bbo level.
func Zero() Price { return Price{decimal.Zero} }

// RoundToTick rounds a price to the nearest multiple of tick, in the
// direction favourable to the exchange and unfavourable to the trader:
// buy prices round up (the trader may pay slightly more), sell prices
// round down (the trader may receive slightly less). This matches the
// exchange's own tick enforcement and keeps orders from being rejected
// for landing between ticks.
func (p Price) RoundToTick(tick Price, isBuy bool) Price {
	if tick.IsZero() {
		return p
	}
	quotient := p.Div(tick.Decimal)
	var rounded decimal.Decimal
	if isBuy {
		rounded = quotient.Ceil()
	} else {
		rounded = quotient.Floor()
	}
	return Price{rounded.Mul(tick.Decimal)}
}

// RoundToLot truncates a size down to the nearest multiple of lot. Sizes
// never round up past what was requested — truncation only.
func (s Size) RoundToLot(lot Size) Size {
	if lot.IsZero() {
		return s
	}
	quotient := s.Div(lot.Decimal).Floor()
	return Size{quotient.Mul(lot.Decimal)}
}

// IsZero reports whether the size truncated to zero (lot rounding may
// produce this for dust-sized signals; callers must skip submission).
func (s Size) IsZero() bool { return s.Decimal.IsZero() }

// Format renders a decimal with a maximum number of post-decimal places
// and trailing zeros stripped, per the exchange's significant-digit
// formatting rule. sigDigits caps total significant digits; maxDecimals
// caps the number of fractional digits regardless of significant-digit
// budget — whichever constraint is tighter wins.
func Format(d decimal.Decimal, sigDigits, maxDecimals int) string {
	s := d.String()
	neg := strings.HasPrefix(s, "-")
	if neg {
		s = s[1:]
	}

	intPart, fracPart, hasFrac := strings.Cut(s, ".")
	intDigits := len(strings.TrimLeft(intPart, "0"))
	if intDigits == 0 {
		intDigits = 0 // "0.xxx" contributes no significant integer digits
	}

	allowedFrac := maxDecimals
	if hasFrac {
		budget := sigDigits - intDigits
		if intPart == "0" {
			// Leading zeros after the decimal point don't count against
			// the significant-digit budget (e.g. 0.00012 with sig=2 is "0.00012").
			lead := 0
			for _, c := range fracPart {
				if c != '0' {
					break
				}
				lead++
			}
			budget = sigDigits + lead
		}
		if budget < allowedFrac {
			allowedFrac = budget
		}
		if allowedFrac < 0 {
			allowedFrac = 0
		}
		if len(fracPart) > allowedFrac {
			fracPart = fracPart[:allowedFrac]
		}
	}

	fracPart = strings.TrimRight(fracPart, "0")
	out := intPart
	if fracPart != "" {
		out += "." + fracPart
	}
	if neg && out != "0" {
		out = "-" + out
	}
	return out
}

// FormatPrice formats p per market formatting rules, rounding direction
// already baked in by the caller via RoundToTick before calling Format.
func (p Price) FormatPrice(sigDigits, maxDecimals int) string {
	return Format(p.Decimal, sigDigits, maxDecimals)
}

// FormatSize formats s per market formatting rules.
func (s Size) FormatSize(sigDigits, maxDecimals int) string {
	return Format(s.Decimal, sigDigits, maxDecimals)
}
