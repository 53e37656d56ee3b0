package types

import "github.com/shopspring/decimal"

// MicroPerUnit is the number of micro-units in one display unit of currency.
const MicroPerUnit = 1_000_000

// Micro is a monetary amount in integer micro-units (1e-6 of the display
// currency). All engine arithmetic stays in integers; decimal conversion
// exists only at the display edge (logs, ops API, settlement summaries).
type Micro uint64

// Times scales a per-second amount by a whole number of seconds. Negative
// seconds clamp to zero; the engine never meters negative time.
func (m Micro) Times(seconds int64) Micro {
	if seconds <= 0 {
		return 0
	}
	return m * Micro(seconds)
}

// Decimal returns the amount in display units as an exact decimal.
func (m Micro) Decimal() decimal.Decimal {
	return decimal.New(int64(m), -6)
}

// String renders the amount in display units with full micro precision,
// e.g. Micro(1_500_000).String() == "1.500000".
func (m Micro) String() string {
	return m.Decimal().StringFixed(6)
}
