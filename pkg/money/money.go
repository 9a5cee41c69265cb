package money

import (
	"errors"
	"sort"

	"github.com/shopspring/decimal"
)

// Money is an amount in integer minor currency units.
type Money int64

var (
	ErrNegativeAmount = errors.New("money: negative amount")
	ErrZeroWeights    = errors.New("money: weights sum to zero")
	ErrZeroDivisor    = errors.New("money: zero divisor")
)

// Int64 returns the raw minor-unit value.
func (m Money) Int64() int64 { return int64(m) }

// Decimal returns the amount as a decimal in minor units.
func (m Money) Decimal() decimal.Decimal { return decimal.NewFromInt(int64(m)) }

// Major renders the amount in major units with two fractional digits.
func (m Money) Major() string {
	return decimal.New(int64(m), -2).StringFixed(2)
}

// Sum adds a list of amounts.
func Sum(amounts []Money) Money {
	var total Money
	for _, a := range amounts {
		total += a
	}
	return total
}

// MulDivFloor returns floor(m * num / den) computed without overflow.
// num must be non-negative and den positive.
func MulDivFloor(m Money, num, den int64) (Money, error) {
	if den <= 0 {
		return 0, ErrZeroDivisor
	}
	if m < 0 || num < 0 {
		return 0, ErrNegativeAmount
	}
	q, _ := m.Decimal().Mul(decimal.NewFromInt(num)).QuoRem(decimal.NewFromInt(den), 0)
	return Money(q.IntPart()), nil
}

// Allocate splits total across weights proportionally using the
// largest-remainder method. The returned amounts always sum to total.
// Ties on the fractional remainder go to the earlier index.
func Allocate(total Money, weights []Money) ([]Money, error) {
	if total < 0 {
		return nil, ErrNegativeAmount
	}
	var sum Money
	for _, w := range weights {
		if w < 0 {
			return nil, ErrNegativeAmount
		}
		sum += w
	}
	out := make([]Money, len(weights))
	if sum == 0 {
		if total == 0 {
			return out, nil
		}
		return nil, ErrZeroWeights
	}

	totalD := total.Decimal()
	sumD := sum.Decimal()
	remainders := make([]decimal.Decimal, len(weights))
	var allocated Money
	for i, w := range weights {
		q, r := totalD.Mul(w.Decimal()).QuoRem(sumD, 0)
		out[i] = Money(q.IntPart())
		remainders[i] = r
		allocated += out[i]
	}

	order := make([]int, len(weights))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return remainders[order[a]].GreaterThan(remainders[order[b]])
	})

	// leftover < len(weights) because every remainder is < sum
	for k := Money(0); k < total-allocated; k++ {
		out[order[k]]++
	}
	return out, nil
}
