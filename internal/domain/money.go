package domain

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// zeroDecimalCurrencies have no minor unit. Everything else uses two digits.
var zeroDecimalCurrencies = map[string]bool{"JPY": true, "KRW": true}

func minorExponent(currency string) int32 {
	if zeroDecimalCurrencies[strings.ToUpper(currency)] {
		return 0
	}
	return 2
}

// ToMajor converts minor units to a decimal amount in major units.
func ToMajor(minor int64, currency string) decimal.Decimal {
	return decimal.New(minor, -minorExponent(currency))
}

// FormatMajor renders minor units as a fixed-point major-unit string, e.g.
// 22050 TRY -> "220.50".
func FormatMajor(minor int64, currency string) string {
	return ToMajor(minor, currency).StringFixed(minorExponent(currency))
}

// ParseMajor parses a major-unit decimal string into minor units. Amounts with
// more precision than the currency allows are rejected.
func ParseMajor(s, currency string) (int64, error) {
	d, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	minor := d.Shift(minorExponent(currency))
	if !minor.Equal(minor.Truncate(0)) {
		return 0, fmt.Errorf("amount %q has more precision than %s allows", s, currency)
	}
	return minor.IntPart(), nil
}
