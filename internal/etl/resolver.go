package etl

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"impactos/internal/domain"
	"impactos/internal/logging"
)

// ── Resolver ───────────────────────────────────────────────
// Turns a normalized batch into the warehouse form: category labels become
// surrogate keys, (uf, municipio) becomes cod_mun, ano_mes becomes an integer.

// Resolver resolves normalized batches against one run's reference data.
type Resolver struct {
	Fields         []domain.Field
	Lookups        *LookupCache
	Municipalities *MunicipalityIndex
	Log            logrus.FieldLogger
}

// ResolveStats counts the values a resolution could not map. None of them
// fail the batch.
type ResolveStats struct {
	LookupMisses            map[string]int // canonical field → labels without a key
	UnmatchedMunicipalities int
	UnknownStates           map[string]int // state code → rows
}

// TotalLookupMisses sums the lookup misses of every field.
func (s *ResolveStats) TotalLookupMisses() int {
	total := 0
	for _, n := range s.LookupMisses {
		total += n
	}
	return total
}

// Resolve returns the resolved copy of b. b itself is not modified.
func (rs *Resolver) Resolve(b *Batch) (*Batch, *ResolveStats, error) {
	out := b.Clone()
	stats := &ResolveStats{
		LookupMisses:  make(map[string]int),
		UnknownStates: make(map[string]int),
	}

	for _, f := range rs.Fields {
		if !f.Categorical() || !out.Schema.Has(f.ID) || rs.Lookups == nil {
			continue
		}
		table, ok := rs.Lookups.Table(f.Table)
		if !ok {
			continue
		}
		rs.resolveField(out, f, table.Inverse(), stats)
	}

	if err := rs.joinMunicipalities(out, stats); err != nil {
		return nil, nil, err
	}
	if err := resolvePeriod(out); err != nil {
		return nil, nil, err
	}

	rs.logStats(stats)
	return out, stats, nil
}

func (rs *Resolver) resolveField(b *Batch, f domain.Field, inverse map[string]int64, stats *ResolveStats) {
	for _, r := range b.Records {
		v := r.Data[f.ID]
		if v == nil {
			continue
		}
		text := cellText(v)

		if f.Kind == domain.KindMultiValued {
			tokens := strings.Split(text, domain.MultiValueSeparator)
			resolved := make([]any, len(tokens))
			for i, tok := range tokens {
				if key, ok := inverse[NormalizeLabel(tok)]; ok {
					resolved[i] = key
					continue
				}
				stats.LookupMisses[f.ID]++
				resolved[i] = missValue(f.Miss, tok)
			}
			r.Data[f.ID] = resolved
			continue
		}

		if key, ok := inverse[NormalizeLabel(text)]; ok {
			r.Data[f.ID] = key
			continue
		}
		stats.LookupMisses[f.ID]++
		r.Data[f.ID] = missValue(f.Miss, text)
	}

	typ := "number"
	if f.Kind == domain.KindMultiValued {
		typ = "list"
	}
	setFieldType(b.Schema, f.ID, typ)
}

func missValue(p domain.MissPolicy, original string) any {
	if p == domain.MissPassThrough {
		return original
	}
	return nil
}

// joinMunicipalities left-joins the batch against the municipality index:
// cod_mun is appended, uf and municipio are dropped, unmatched rows keep a
// null code.
func (rs *Resolver) joinMunicipalities(b *Batch, stats *ResolveStats) error {
	for _, col := range []string{domain.FieldState, domain.FieldMunicipality} {
		if !b.Schema.Has(col) {
			return fmt.Errorf("%w: column %q missing from input", ErrFormat, col)
		}
	}

	drop := &DropTransform{Fields: []string{domain.FieldState, domain.FieldMunicipality}}
	for i, r := range b.Records {
		state := cellText(r.Data[domain.FieldState])
		name := cellText(r.Data[domain.FieldMunicipality])

		if state != "" && !domain.IsKnownState(NormalizeLabel(state)) {
			stats.UnknownStates[NormalizeLabel(state)]++
		}

		var code any
		if c, ok := rs.Municipalities.Lookup(state, name); ok {
			code = c
		} else {
			stats.UnmatchedMunicipalities++
		}

		joined, _ := drop.Transform(r)
		joined.Data[domain.FieldMunicipalityCode] = code
		b.Records[i] = joined
	}

	fields := make([]Field, 0, len(b.Schema.Fields))
	for _, f := range b.Schema.Fields {
		if f.Name == domain.FieldState || f.Name == domain.FieldMunicipality || f.Name == domain.FieldMunicipalityCode {
			continue
		}
		fields = append(fields, f)
	}
	b.Schema.Fields = append(fields, Field{Name: domain.FieldMunicipalityCode, Type: "number"})
	return nil
}

// resolvePeriod strips the hyphens from ano_mes ("2023-05") and stores it as
// an integer (202305).
func resolvePeriod(b *Batch) error {
	if !b.Schema.Has(domain.FieldPeriod) {
		return nil
	}
	for i, r := range b.Records {
		p, err := ParsePeriod(r.Data[domain.FieldPeriod])
		if err != nil {
			return fmt.Errorf("%w: row %d: %w", ErrFormat, i+1, err)
		}
		r.Data[domain.FieldPeriod] = p
	}
	setFieldType(b.Schema, domain.FieldPeriod, "number")
	return nil
}

// ParsePeriod converts a reference period cell to its integer form.
func ParsePeriod(v any) (int64, error) {
	switch p := v.(type) {
	case nil:
		return 0, fmt.Errorf("%s is empty", domain.FieldPeriod)
	case int:
		return int64(p), nil
	case int64:
		return p, nil
	case float64:
		if p != math.Trunc(p) {
			return 0, fmt.Errorf("%s %v is not an integer", domain.FieldPeriod, p)
		}
		return int64(p), nil
	}

	text := strings.Map(func(r rune) rune {
		if r == '-' || r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, cellText(v))
	n, err := strconv.ParseInt(text, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s %q is not numeric", domain.FieldPeriod, cellText(v))
	}
	return n, nil
}

// cellText renders a raw cell as text; null is "".
func cellText(v any) string {
	switch s := v.(type) {
	case nil:
		return ""
	case string:
		return s
	default:
		return fmt.Sprint(v)
	}
}

func setFieldType(s *Schema, name, typ string) {
	if i := s.Index(name); i >= 0 {
		s.Fields[i].Type = typ
	}
}

func (rs *Resolver) logStats(stats *ResolveStats) {
	log := rs.Log
	if log == nil {
		log = logging.Discard()
	}

	fields := make([]string, 0, len(stats.LookupMisses))
	for f := range stats.LookupMisses {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	for _, f := range fields {
		log.WithFields(logrus.Fields{"field": f, "misses": stats.LookupMisses[f]}).Warn("labels without a surrogate key")
	}
	if stats.UnmatchedMunicipalities > 0 {
		log.WithField("rows", stats.UnmatchedMunicipalities).Warn("municipalities not found in reference table, cod_mun left null")
	}
	for uf, n := range stats.UnknownStates {
		log.WithFields(logrus.Fields{"uf": uf, "rows": n}).Warn("unknown state code")
	}
}
