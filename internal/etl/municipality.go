package etl

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// NormalizeLabel trims a label and brings it to Unicode NFC. Lookup and join
// keys are compared in this form only; case and accents are significant.
func NormalizeLabel(s string) string {
	return norm.NFC.String(strings.TrimSpace(s))
}

type municipalityKey struct {
	state string
	name  string
}

// MunicipalityIndex resolves (state, municipality name) to a municipality code.
type MunicipalityIndex struct {
	codes map[municipalityKey]int64

	// Duplicates counts reference rows whose (state, name) was already
	// indexed; the first code is kept.
	Duplicates int
}

// NewMunicipalityIndex indexes the municipality reference rows.
func NewMunicipalityIndex(rows []Municipality) *MunicipalityIndex {
	idx := &MunicipalityIndex{codes: make(map[municipalityKey]int64, len(rows))}
	for _, m := range rows {
		k := municipalityKey{state: NormalizeLabel(m.State), name: NormalizeLabel(m.Name)}
		if _, dup := idx.codes[k]; dup {
			idx.Duplicates++
			continue
		}
		idx.codes[k] = m.Code
	}
	return idx
}

// Lookup returns the code of the municipality name in state.
func (idx *MunicipalityIndex) Lookup(state, name string) (int64, bool) {
	if idx == nil {
		return 0, false
	}
	code, ok := idx.codes[municipalityKey{state: NormalizeLabel(state), name: NormalizeLabel(name)}]
	return code, ok
}

// Len returns the number of indexed municipalities.
func (idx *MunicipalityIndex) Len() int {
	if idx == nil {
		return 0
	}
	return len(idx.codes)
}
