// market/instruments.go
package market

// SymbolInfo is the static trading description of a broker symbol plus
// the quote that was current when it was read.
type SymbolInfo struct {
	Name       string  `json:"name" yaml:"name"`
	Digits     int     `json:"digits" yaml:"digits"`
	Point      float64 `json:"point" yaml:"point"`
	VolumeMin  float64 `json:"volume_min" yaml:"volume_min"`
	VolumeStep float64 `json:"volume_step" yaml:"volume_step"`
	Bid        float64 `json:"bid" yaml:"-"`
	Ask        float64 `json:"ask" yaml:"-"`
}

// Symbols is the default symbol table used by the simulated backend.
var Symbols = map[string]SymbolInfo{
	"EURUSD": {
		Name:       "EURUSD",
		Digits:     5,
		Point:      0.00001,
		VolumeMin:  0.01,
		VolumeStep: 0.01,
	},
	"GBPUSD": {
		Name:       "GBPUSD",
		Digits:     5,
		Point:      0.00001,
		VolumeMin:  0.01,
		VolumeStep: 0.01,
	},
	"USDJPY": {
		Name:       "USDJPY",
		Digits:     3,
		Point:      0.001,
		VolumeMin:  0.01,
		VolumeStep: 0.01,
	},
	"XAUUSD": {
		Name:       "XAUUSD",
		Digits:     2,
		Point:      0.01,
		VolumeMin:  0.01,
		VolumeStep: 0.01,
	},
	"BTCUSD": {
		Name:       "BTCUSD",
		Digits:     2,
		Point:      0.01,
		VolumeMin:  0.01,
		VolumeStep: 0.01,
	},
}
