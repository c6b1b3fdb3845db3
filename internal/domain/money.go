/**
 * @description
 * Money is the ledger's value type. Amounts travel through the engine as int64
 * minor units (two fractional digits); decimal strings coming from clients are
 * parsed with shopspring/decimal so no floating point is involved anywhere.
 */

package domain

import (
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"
)

// MinorUnitExponent is the number of fractional digits every supported currency carries.
const MinorUnitExponent = 2

// DefaultMaxAmountMinor is the per-operation ceiling: 100,000.00 of the unit currency.
const DefaultMaxAmountMinor int64 = 100_000 * 100

var (
	ErrValidation        = errors.New("validation failed")
	ErrInsufficientFunds = errors.New("insufficient funds")

	ErrAmountRequired   = fmt.Errorf("%w: amount is required", ErrValidation)
	ErrInvalidAmount    = fmt.Errorf("%w: amount must be greater than zero", ErrValidation)
	ErrAmountPrecision  = fmt.Errorf("%w: amount has more than 2 decimal places", ErrValidation)
	ErrAmountTooLarge   = fmt.Errorf("%w: amount exceeds the maximum allowed", ErrValidation)
	ErrAmountOverflow   = fmt.Errorf("%w: amount overflows", ErrValidation)
	ErrCurrencyMismatch = fmt.Errorf("%w: currency mismatch", ErrValidation)
)

// Money is an exact amount in minor units with its currency.
type Money struct {
	Amount   int64  `json:"amount"`
	Currency string `json:"currency"`
}

// NewMoney builds a Money from minor units without applying any policy.
func NewMoney(amount int64, currency string) Money {
	return Money{Amount: amount, Currency: normalizeCurrency(currency)}
}

// Add returns m + other.
func (m Money) Add(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.Amount > 0 && m.Amount > math.MaxInt64-other.Amount {
		return Money{}, ErrAmountOverflow
	}
	if other.Amount < 0 && m.Amount < math.MinInt64-other.Amount {
		return Money{}, ErrAmountOverflow
	}
	return Money{Amount: m.Amount + other.Amount, Currency: m.Currency}, nil
}

// Sub returns m - other. A result below zero is reported as ErrInsufficientFunds.
func (m Money) Sub(other Money) (Money, error) {
	if m.Currency != other.Currency {
		return Money{}, ErrCurrencyMismatch
	}
	if other.Amount < 0 {
		return Money{}, ErrInvalidAmount
	}
	if other.Amount > m.Amount {
		return Money{}, ErrInsufficientFunds
	}
	return Money{Amount: m.Amount - other.Amount, Currency: m.Currency}, nil
}

// IsZero reports whether the amount is zero.
func (m Money) IsZero() bool {
	return m.Amount == 0
}

// Decimal returns the amount in major units.
func (m Money) Decimal() decimal.Decimal {
	return decimal.New(m.Amount, -MinorUnitExponent)
}

func (m Money) String() string {
	return FormatMinor(m.Amount) + " " + m.Currency
}

// FormatMinor renders minor units as a fixed two-decimal string, e.g. 10050 -> "100.50".
func FormatMinor(minor int64) string {
	return decimal.New(minor, -MinorUnitExponent).StringFixed(MinorUnitExponent)
}

// AmountPolicy validates caller-supplied amounts for one ledger currency.
type AmountPolicy struct {
	Currency string
	MaxMinor int64
}

// NewAmountPolicy returns a policy for currency. A non-positive maxMinor falls back to DefaultMaxAmountMinor.
func NewAmountPolicy(currency string, maxMinor int64) AmountPolicy {
	if maxMinor <= 0 {
		maxMinor = DefaultMaxAmountMinor
	}
	return AmountPolicy{Currency: normalizeCurrency(currency), MaxMinor: maxMinor}
}

// Parse converts a decimal string such as "100.00" into Money.
func (p AmountPolicy) Parse(raw string) (Money, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return Money{}, ErrAmountRequired
	}
	d, err := decimal.NewFromString(trimmed)
	if err != nil {
		return Money{}, fmt.Errorf("%w: amount %q is not a decimal number", ErrValidation, raw)
	}
	return p.FromDecimal(d)
}

// FromDecimal converts a major-unit decimal into Money.
func (p AmountPolicy) FromDecimal(d decimal.Decimal) (Money, error) {
	if !d.IsPositive() {
		return Money{}, ErrInvalidAmount
	}
	if !d.Equal(d.Truncate(MinorUnitExponent)) {
		return Money{}, ErrAmountPrecision
	}
	minor := d.Shift(MinorUnitExponent)
	if minor.GreaterThan(decimal.NewFromInt(p.maxMinor())) {
		return Money{}, ErrAmountTooLarge
	}
	return Money{Amount: minor.IntPart(), Currency: p.Currency}, nil
}

// FromMinor validates an amount already expressed in minor units.
func (p AmountPolicy) FromMinor(minor int64) (Money, error) {
	if minor <= 0 {
		return Money{}, ErrInvalidAmount
	}
	if minor > p.maxMinor() {
		return Money{}, ErrAmountTooLarge
	}
	return Money{Amount: minor, Currency: p.Currency}, nil
}

func (p AmountPolicy) maxMinor() int64 {
	if p.MaxMinor <= 0 {
		return DefaultMaxAmountMinor
	}
	return p.MaxMinor
}

func normalizeCurrency(currency string) string {
	return strings.ToUpper(strings.TrimSpace(currency))
}
