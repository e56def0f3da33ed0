package market

import "github.com/shopspring/decimal"

// Round rounds a price to the symbol's declared number of digits, half
// away from zero. Callers round once, after all arithmetic is done.
func Round(x float64, digits int) float64 {
	f, _ := decimal.NewFromFloat(x).Round(int32(digits)).Float64()
	return f
}

// VolumeEqual compares two lot sizes at the 1e-8 precision brokers report.
func VolumeEqual(a, b float64) bool {
	return Round(a, 8) == Round(b, 8)
}

// VolumeLess reports a < b at the same precision as VolumeEqual.
func VolumeLess(a, b float64) bool {
	return Round(a, 8) < Round(b, 8)
}
