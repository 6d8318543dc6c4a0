// Package money converts between canonical minor-unit integers and the decimal
// representations some providers use on the wire.
package money

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/shopspring/decimal"
)

var currencyCode = regexp.MustCompile(`^[A-Z]{3,5}$`)

// exponents holds the number of minor-unit digits per currency. Codes not listed
// default to 2.
var exponents = map[string]int32{
	"BIF": 0, "CLP": 0, "DJF": 0, "GNF": 0, "ISK": 0, "JPY": 0, "KMF": 0, "KRW": 0,
	"PYG": 0, "RWF": 0, "UGX": 0, "VND": 0, "VUV": 0, "XAF": 0, "XOF": 0, "XPF": 0,
	"BHD": 3, "IQD": 3, "JOD": 3, "KWD": 3, "LYD": 3, "OMR": 3, "TND": 3,
	"BTC": 8, "LTC": 8, "BCH": 8, "DOGE": 8, "ETH": 8,
	"USDT": 6, "USDC": 6, "TRX": 6,
}

var crypto = map[string]bool{
	"BTC": true, "LTC": true, "BCH": true, "DOGE": true, "ETH": true,
	"USDT": true, "USDC": true, "TRX": true,
}

// IsCrypto reports whether code is a cryptocurrency ticker.
func IsCrypto(code string) bool {
	return crypto[Normalize(code)]
}

// Normalize upper-cases and trims a currency code.
func Normalize(code string) string {
	return strings.ToUpper(strings.TrimSpace(code))
}

// ValidCurrency reports whether code looks like an ISO 4217 or crypto ticker.
func ValidCurrency(code string) bool {
	return currencyCode.MatchString(code)
}

func Exponent(code string) int32 {
	if exp, ok := exponents[Normalize(code)]; ok {
		return exp
	}
	return 2
}

// ToMajor renders minor units as a decimal major-unit value (2999 USD -> 29.99).
func ToMajor(amount int64, currency string) decimal.Decimal {
	return decimal.New(amount, -Exponent(currency))
}

// FormatMajor renders minor units as a fixed-point string ("29.99").
func FormatMajor(amount int64, currency string) string {
	return ToMajor(amount, currency).StringFixed(Exponent(currency))
}

// ToMinor converts a major-unit decimal to minor units. Values with more precision
// than the currency allows are rejected rather than rounded.
func ToMinor(value decimal.Decimal, currency string) (int64, error) {
	shifted := value.Shift(Exponent(currency))
	if !shifted.Equal(shifted.Truncate(0)) {
		return 0, fmt.Errorf("amount %s has more precision than %s allows", value, Normalize(currency))
	}
	return shifted.IntPart(), nil
}

// ParseMajor parses a decimal string such as "29.99" into minor units.
func ParseMajor(s, currency string) (int64, error) {
	value, err := decimal.NewFromString(strings.TrimSpace(s))
	if err != nil {
		return 0, fmt.Errorf("parse amount %q: %w", s, err)
	}
	return ToMinor(value, currency)
}

// Round rounds half away from zero to an integer number of minor units.
func Round(value decimal.Decimal) int64 {
	return value.Round(0).IntPart()
}
