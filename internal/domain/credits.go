// SPDX-License-Identifier: Apache-2.0

package domain

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Credits is a signed credit amount in hundredths of a credit.
// All ledger arithmetic is integer-only; floating point appears exactly
// once, at the accrual boundary, and is rounded half-up to two decimals.
type Credits int64

// CreditsFromFloat converts a credit amount expressed as a float into
// hundredths, rounding half-up (away from zero).
func CreditsFromFloat(f float64) Credits {
	scaled := f * 100
	if scaled >= 0 {
		return Credits(math.Floor(scaled + 0.5))
	}
	return Credits(math.Ceil(scaled - 0.5))
}

func (c Credits) Float64() float64 { return float64(c) / 100 }

func (c Credits) Add(other Credits) Credits { return c + other }

func (c Credits) Negate() Credits { return -c }

func (c Credits) IsNegative() bool { return c < 0 }

// String renders the amount with two decimals, e.g. "-3.00".
func (c Credits) String() string {
	sign := ""
	v := int64(c)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%02d", sign, v/100, v%100)
}

func (c Credits) MarshalJSON() ([]byte, error) {
	return []byte(c.String()), nil
}

func (c *Credits) UnmarshalJSON(data []byte) error {
	s := string(data)
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("invalid credits value %q: %w", string(data), err)
	}
	*c = CreditsFromFloat(f)
	return nil
}

// AccruedCredits computes the cost of a run interval at an hourly unit
// cost: round(elapsed_hours * unit_cost, 2), half-up. The result is a
// positive magnitude; callers negate it for deduction entries.
//
// A negative interval is a programming error, never clamped.
func AccruedCredits(startedAt, at time.Time, unitCostPerHour Credits) (Credits, error) {
	elapsed := at.Sub(startedAt)
	if elapsed < 0 {
		return 0, fmt.Errorf("%w: start %s is after %s", ErrInvalidTimeRange,
			startedAt.Format(time.RFC3339Nano), at.Format(time.RFC3339Nano))
	}
	return CreditsFromFloat(elapsed.Hours() * unitCostPerHour.Float64()), nil
}
