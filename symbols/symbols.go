// Package symbols translates upstream instrument names (for example
// "OANDA:EUR/USD" or "BTCUSDT") into the names the trading backend uses.
package symbols

import "strings"

// Mapper is total and pure: every input maps to some broker symbol.
type Mapper interface {
	Map(external string) string
}

// Table maps by explicit aliases first, then by normalization: the
// exchange prefix and separators are removed, the name is upper-cased and
// the broker suffix appended.
type Table struct {
	aliases map[string]string
	suffix  string
}

var _ Mapper = (*Table)(nil)

func NewTable(aliases map[string]string, suffix string) *Table {
	t := &Table{aliases: make(map[string]string, len(aliases)), suffix: suffix}
	for k, v := range aliases {
		t.aliases[Normalize(k)] = v
	}
	return t
}

func (t *Table) Map(external string) string {
	key := Normalize(external)
	if v, ok := t.aliases[key]; ok {
		return v
	}
	if key == "" || t.suffix == "" {
		return key
	}
	key = strings.TrimSuffix(key, strings.ToUpper(t.suffix))
	return key + t.suffix
}

// Normalize strips an "EXCHANGE:" prefix and the separators / - _ and
// upper-cases what is left.
func Normalize(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, ':'); i >= 0 {
		s = s[i+1:]
	}
	s = strings.NewReplacer("/", "", "-", "", "_", "", " ", "").Replace(s)
	return strings.ToUpper(s)
}

// Identity maps every symbol to itself.
type Identity struct{}

func (Identity) Map(external string) string {
	return external
}
