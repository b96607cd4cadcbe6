package etl

import "slices"

// ── Record ─────────────────────────────────────────────────
// Common intermediate data format.
// Sources emit Records, transforms rewrite them, the destination and the
// archiver consume them.

// Field describes a single column in a dataset.
type Field struct {
	Name string `json:"name"`
	Type string `json:"type"` // "text" | "number" | "list"
}

// Schema describes the ordered column set of a dataset.
type Schema struct {
	Fields []Field `json:"fields"`
}

// FieldNames returns an ordered list of field names.
func (s *Schema) FieldNames() []string {
	names := make([]string, len(s.Fields))
	for i, f := range s.Fields {
		names[i] = f.Name
	}
	return names
}

// Index returns the position of the named field, or -1.
func (s *Schema) Index(name string) int {
	for i, f := range s.Fields {
		if f.Name == name {
			return i
		}
	}
	return -1
}

// Has reports whether the schema contains the named field.
func (s *Schema) Has(name string) bool { return s.Index(name) >= 0 }

// Merge appends the fields of other that s does not have yet.
func (s *Schema) Merge(other *Schema) {
	for _, f := range other.Fields {
		if !s.Has(f.Name) {
			s.Fields = append(s.Fields, f)
		}
	}
}

// Clone returns an independent copy of the schema.
func (s *Schema) Clone() *Schema {
	return &Schema{Fields: slices.Clone(s.Fields)}
}

// Record is a single row of data flowing through the pipeline.
// A nil value is a null cell.
type Record struct {
	Data map[string]any `json:"data"`
}

// Clone returns a copy of the record whose map can be changed freely.
func (r Record) Clone() Record {
	data := make(map[string]any, len(r.Data))
	for k, v := range r.Data {
		data[k] = v
	}
	return Record{Data: data}
}

// Values returns the record values in the given column order.
func (r Record) Values(names []string) []any {
	out := make([]any, len(names))
	for i, n := range names {
		out[i] = r.Data[n]
	}
	return out
}

// ── Batch ──────────────────────────────────────────────────

// Batch is everything one run read from its input files.
type Batch struct {
	Schema  *Schema
	Records []Record
	Files   []string // input files the records came from
}

// Len returns the number of records.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// Clone deep-copies the schema, the record maps and the file list.
// Cell values are shared; transforms replace values, they never mutate them.
func (b *Batch) Clone() *Batch {
	out := &Batch{
		Schema:  b.Schema.Clone(),
		Records: make([]Record, len(b.Records)),
		Files:   slices.Clone(b.Files),
	}
	for i, r := range b.Records {
		out.Records[i] = r.Clone()
	}
	return out
}
