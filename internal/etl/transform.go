package etl

import (
	"fmt"
	"slices"
	"strings"

	"golang.org/x/exp/maps"
	"golang.org/x/text/unicode/norm"
)

// ── Transformer ────────────────────────────────────────────
// Transformers rewrite records between ingestion and resolution.
// Each takes a record and returns a (possibly modified) record and a
// boolean telling whether to keep it.

// Transformer processes a single record.
// Returns (transformed record, keep). If keep is false, the record is dropped.
type Transformer interface {
	Transform(Record) (Record, bool)
}

// TransformerFunc adapts a plain function to the Transformer interface.
type TransformerFunc func(Record) (Record, bool)

func (f TransformerFunc) Transform(r Record) (Record, bool) { return f(r) }

// ── Built-in Transforms ────────────────────────────────────

// RenameTransform renames fields in a record. Fields without a mapping pass
// through unchanged. When several fields land on one name, the first
// non-null value wins, visiting Order first and then the remaining fields by
// name. The input record is left untouched.
type RenameTransform struct {
	Mapping map[string]string // oldName → newName
	Order   []string          // source field order, usually the schema's
}

func (t *RenameTransform) Transform(r Record) (Record, bool) {
	out := make(map[string]any, len(r.Data))
	put := func(k string, v any) {
		if renamed, ok := t.Mapping[k]; ok {
			k = renamed
		}
		if cur, ok := out[k]; ok && cur != nil {
			return
		}
		out[k] = v
	}

	visited := make(map[string]struct{}, len(t.Order))
	for _, k := range t.Order {
		if v, ok := r.Data[k]; ok {
			put(k, v)
			visited[k] = struct{}{}
		}
	}
	keys := maps.Keys(r.Data)
	slices.Sort(keys)
	for _, k := range keys {
		if _, ok := visited[k]; !ok {
			put(k, r.Data[k])
		}
	}
	return Record{Data: out}, true
}

// DropTransform removes the named fields.
type DropTransform struct {
	Fields []string
}

func (t *DropTransform) Transform(r Record) (Record, bool) {
	out := r.Clone()
	for _, f := range t.Fields {
		delete(out.Data, f)
	}
	return out, true
}

// DedupeTransform drops records equal, across every column of Columns, to a
// record already seen. The first occurrence wins.
type DedupeTransform struct {
	Columns []string
	seen    map[string]struct{}
}

func NewDedupeTransform(columns []string) *DedupeTransform {
	return &DedupeTransform{Columns: columns, seen: make(map[string]struct{})}
}

func (t *DedupeTransform) Transform(r Record) (Record, bool) {
	key := rowKey(r, t.Columns)
	if _, dup := t.seen[key]; dup {
		return r, false
	}
	t.seen[key] = struct{}{}
	return r, true
}

// rowKey joins the column values with a unit separator; null cells get a
// marker no text cell can produce.
func rowKey(r Record, columns []string) string {
	var b strings.Builder
	for i, c := range columns {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		v, ok := r.Data[c]
		if !ok || v == nil {
			b.WriteByte(0x00)
			continue
		}
		fmt.Fprint(&b, v)
	}
	return b.String()
}

// ── Helpers ────────────────────────────────────────────────

// ApplyTransformers runs a chain of transformers on a record.
func ApplyTransformers(r Record, ts []Transformer) (Record, bool) {
	for _, t := range ts {
		var keep bool
		r, keep = t.Transform(r)
		if !keep {
			return r, false
		}
	}
	return r, true
}

// ── Batch Transforms ──────────────────────────────────────

// Dedupe returns a copy of b without exact-duplicate rows, compared across
// all columns of its schema, and the number of rows removed.
func Dedupe(b *Batch) (*Batch, int) {
	out := applyBatch(b, b.Schema.Clone(), NewDedupeTransform(b.Schema.FieldNames()))
	return out, len(b.Records) - len(out.Records)
}

// NormalizeHeader trims a header and brings it to Unicode NFC, so headers
// typed on different systems compare equal.
func NormalizeHeader(h string) string {
	return norm.NFC.String(strings.TrimSpace(h))
}

// Normalize renames the columns of b through mapping (header → canonical
// name). Both the batch headers and the mapping keys are compared after
// NormalizeHeader. Unmapped columns keep their header. Columns that end up
// with the same name are merged, keeping the first non-null value in schema
// order. b is not modified.
func Normalize(b *Batch, mapping map[string]string) *Batch {
	normalized := make(map[string]string, len(mapping))
	for header, name := range mapping {
		normalized[NormalizeHeader(header)] = name
	}
	return renameColumns(b, func(h string) string {
		if name, ok := normalized[NormalizeHeader(h)]; ok {
			return name
		}
		return h
	})
}

// renameColumns renames every column of b through rename, merging columns
// that collide.
func renameColumns(b *Batch, rename func(string) string) *Batch {
	mapping := make(map[string]string, len(b.Schema.Fields))
	schema := &Schema{Fields: make([]Field, 0, len(b.Schema.Fields))}
	for _, f := range b.Schema.Fields {
		name := rename(f.Name)
		if name != f.Name {
			mapping[f.Name] = name
		}
		if !schema.Has(name) {
			schema.Fields = append(schema.Fields, Field{Name: name, Type: f.Type})
		}
	}
	return applyBatch(b, schema, &RenameTransform{Mapping: mapping, Order: b.Schema.FieldNames()})
}

// applyBatch runs every record of b through ts and returns the kept records
// under schema.
func applyBatch(b *Batch, schema *Schema, ts ...Transformer) *Batch {
	out := &Batch{Schema: schema, Files: slices.Clone(b.Files)}
	out.Records = make([]Record, 0, len(b.Records))
	for _, r := range b.Records {
		if kept, keep := ApplyTransformers(r.Clone(), ts); keep {
			out.Records = append(out.Records, kept)
		}
	}
	return out
}
