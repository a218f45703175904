package types

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Money is an amount in micro-units (1 unit = 1_000_000 micros).
// Spend arithmetic stays exact and maps onto BIGINT columns and atomic adds.
type Money int64

// MoneyScale is the number of micros per currency unit.
const MoneyScale = 1_000_000

// MoneyFromFloat converts a decimal amount into micros, rounding half away from zero.
func MoneyFromFloat(f float64) Money {
	return Money(math.Round(f * MoneyScale))
}

// Float returns the amount in currency units.
func (m Money) Float() float64 {
	return float64(m) / MoneyScale
}

// String formats the amount with six decimal places.
func (m Money) String() string {
	sign := ""
	v := int64(m)
	if v < 0 {
		sign = "-"
		v = -v
	}
	return fmt.Sprintf("%s%d.%06d", sign, v/MoneyScale, v%MoneyScale)
}

// MarshalJSON encodes the amount as a decimal number of currency units.
func (m Money) MarshalJSON() ([]byte, error) {
	return []byte(strconv.FormatFloat(m.Float(), 'f', -1, 64)), nil
}

// UnmarshalJSON accepts a decimal number of currency units.
func (m *Money) UnmarshalJSON(data []byte) error {
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	*m = MoneyFromFloat(f)
	return nil
}

// UnmarshalYAML accepts a decimal number of currency units.
func (m *Money) UnmarshalYAML(node *yaml.Node) error {
	var f float64
	if err := node.Decode(&f); err != nil {
		return fmt.Errorf("money: %w", err)
	}
	*m = MoneyFromFloat(f)
	return nil
}

// MarshalYAML encodes the amount as currency units.
func (m Money) MarshalYAML() (any, error) {
	return m.Float(), nil
}
