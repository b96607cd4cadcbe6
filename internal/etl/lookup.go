package etl

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/jszwec/csvutil"
)

// ReferenceTable is the contents of one category table, key → label.
type ReferenceTable struct {
	Name    string
	Entries map[int64]string
}

// Inverse builds label → key, with labels in NFC form. When a label appears
// under several keys the highest key wins.
func (t *ReferenceTable) Inverse() map[string]int64 {
	keys := make([]int64, 0, len(t.Entries))
	for k := range t.Entries {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	inv := make(map[string]int64, len(keys))
	for _, k := range keys {
		inv[NormalizeLabel(t.Entries[k])] = k
	}
	return inv
}

// LookupCache holds every category table of a run, keyed by table name.
// It is read-only once loaded.
type LookupCache struct {
	tables map[string]*ReferenceTable
}

// NewLookupCache builds a cache from already loaded tables.
func NewLookupCache(tables ...*ReferenceTable) *LookupCache {
	c := &LookupCache{tables: make(map[string]*ReferenceTable, len(tables))}
	for _, t := range tables {
		c.tables[t.Name] = t
	}
	return c
}

// Table returns the named table.
func (c *LookupCache) Table(name string) (*ReferenceTable, bool) {
	t, ok := c.tables[name]
	return t, ok
}

// Len returns the number of tables.
func (c *LookupCache) Len() int { return len(c.tables) }

// LoadLookupCache reads the side file of every table from dir. A missing or
// malformed side file is ErrMissingReference.
func LoadLookupCache(dir string, tables []string) (*LookupCache, error) {
	loaded := make([]*ReferenceTable, 0, len(tables))
	for _, name := range tables {
		t, err := ReadSideFile(SideFilePath(dir, name), name)
		if err != nil {
			return nil, err
		}
		loaded = append(loaded, t)
	}
	return NewLookupCache(loaded...), nil
}

// ReadSideFile decodes one header-less "key;label" side file.
func ReadSideFile(path, name string) (*ReferenceTable, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingReference, name, err)
	}
	defer f.Close()

	r := csv.NewReader(f)
	r.Comma = SideFileComma
	r.FieldsPerRecord = -1
	dec, err := csvutil.NewDecoder(r, "key", "label")
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %w", ErrMissingReference, name, err)
	}

	t := &ReferenceTable{Name: name, Entries: make(map[int64]string)}
	for line := 1; ; line++ {
		var e ReferenceEntry
		err := dec.Decode(&e)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: %s line %d: %w", ErrMissingReference, filepath.Base(path), line, err)
		}
		if _, dup := t.Entries[e.Key]; dup {
			return nil, fmt.Errorf("%w: %s line %d: duplicate key %d", ErrMissingReference, filepath.Base(path), line, e.Key)
		}
		t.Entries[e.Key] = e.Label
	}
	return t, nil
}
