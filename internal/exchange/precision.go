package exchange

import "github.com/shopspring/decimal"

// Round rounds v half away from zero to places decimals.
func Round(v float64, places int32) float64 {
	f, _ := decimal.NewFromFloat(v).Round(places).Float64()
	return f
}

// Format renders v with exactly places decimals, as exchanges expect in payloads.
func Format(v float64, places int32) string {
	return decimal.NewFromFloat(v).StringFixed(places)
}
