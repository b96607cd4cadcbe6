package domain

import "slices"

// FieldKind tells the resolver how a categorical answer is encoded in a cell.
type FieldKind int

const (
	KindScalar      FieldKind = iota // one label per cell
	KindMultiValued                  // labels joined by MultiValueSeparator
)

func (k FieldKind) String() string {
	switch k {
	case KindMultiValued:
		return "multi_valued"
	default:
		return "scalar"
	}
}

// MissPolicy decides what a label without a surrogate key becomes.
type MissPolicy int

const (
	MissToNull      MissPolicy = iota // unmapped label becomes null
	MissPassThrough                   // unmapped label is kept as text
)

func (p MissPolicy) String() string {
	switch p {
	case MissPassThrough:
		return "pass_through"
	default:
		return "null"
	}
}

// MultiValueSeparator splits the labels of a multi-valued cell.
const MultiValueSeparator = ", "

// Canonical field identifiers.
const (
	FieldPeriod            = "ano_mes"
	FieldState             = "uf"
	FieldMunicipality      = "municipio"
	FieldMunicipalityCode  = "cod_mun"
	FieldRainOccurrence    = "dt_chuva"
	FieldRainIntensity     = "de_chuva"
	FieldRainQuantity      = "qnt_chuva"
	FieldDroughtPerception = "percepcao_seca"
	FieldWaterAccess       = "acesso_agua"
	FieldCropSituation     = "sit_cultura"
	FieldCropType          = "tipo_cultura"
	FieldProblem           = "problema_restricao"
)

// Field describes one canonical column of the drought-impact survey.
type Field struct {
	ID     string     // canonical identifier, also the warehouse column name
	Header string     // exact header text in the input spreadsheets
	Kind   FieldKind  // only meaningful when Table is set
	Table  string     // reference table backing the field, empty if none
	Miss   MissPolicy // only meaningful when Table is set
}

// Categorical reports whether the field is resolved through a reference table.
func (f Field) Categorical() bool { return f.Table != "" }

// Fields is the canonical schema of the survey spreadsheet, in sheet order.
var Fields = []Field{
	{ID: FieldPeriod, Header: "Ano/Mês de Referência"},
	{ID: FieldState, Header: "Estado"},
	{ID: FieldMunicipality, Header: "Município"},
	{ID: FieldRainOccurrence, Header: "Chuva (DT)", Kind: KindScalar, Table: "dt_chuva", Miss: MissToNull},
	{ID: FieldRainIntensity, Header: "Chuva (DE)", Kind: KindScalar, Table: "de_chuva", Miss: MissToNull},
	{ID: FieldRainQuantity, Header: "Quantidade de Chuva", Kind: KindScalar, Table: "qnt_chuva", Miss: MissToNull},
	{ID: FieldDroughtPerception, Header: "Percepção Subjetiva", Kind: KindScalar, Table: "percepcao_seca", Miss: MissToNull},
	{ID: FieldWaterAccess, Header: "Acesso à Água", Kind: KindScalar, Table: "acesso_agua", Miss: MissToNull},
	{ID: FieldCropSituation, Header: "Situação das Culturas de Sequeiro", Kind: KindScalar, Table: "sit_cultura", Miss: MissToNull},
	{ID: FieldCropType, Header: "Tipo de Cultura", Kind: KindMultiValued, Table: "tipo_cultura", Miss: MissPassThrough},
	{ID: FieldProblem, Header: "Problema/Restrição", Kind: KindMultiValued, Table: "problema_restricao", Miss: MissPassThrough},
}

// HeaderMapping returns spreadsheet header → canonical identifier for fields.
func HeaderMapping(fields []Field) map[string]string {
	m := make(map[string]string, len(fields))
	for _, f := range fields {
		m[f.Header] = f.ID
	}
	return m
}

// ReferenceTables lists the reference tables backing fields, in field order.
func ReferenceTables(fields []Field) []string {
	var tables []string
	for _, f := range fields {
		if f.Categorical() && !slices.Contains(tables, f.Table) {
			tables = append(tables, f.Table)
		}
	}
	return tables
}

// States are the 27 federative units accepted in the Estado column.
var States = []string{
	"AC", "AL", "AM", "AP", "BA", "CE", "DF", "ES", "GO",
	"MA", "MG", "MS", "MT", "PA", "PB", "PE", "PI", "PR",
	"RJ", "RN", "RO", "RR", "RS", "SC", "SE", "SP", "TO",
}

// IsKnownState reports whether uf is one of States.
func IsKnownState(uf string) bool {
	return slices.Contains(States, uf)
}
