package etl

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
)

// ── Source ──────────────────────────────────────────────────
// A Source parses one input file into records.
// Implementations live in etl/sources/, one file per format.

// SourceConfig is an opaque configuration map parsed per source type.
// Every source receives "filePath"; the rest is format specific.
type SourceConfig map[string]any

// ConfigField describes a single configuration input for a source.
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Default  string `json:"default,omitempty"`
	Help     string `json:"help,omitempty"`
}

// SourceSpec describes a source type: the file extensions it reads and the
// configuration it accepts.
type SourceSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	Extensions   []string      `json:"extensions"` // lower case, with the dot
	ConfigFields []ConfigField `json:"configFields"`
}

// Source is the interface every input format must implement.
type Source interface {
	// Spec returns metadata about this source type.
	Spec() SourceSpec

	// Discover reads the header row of the file and returns it as a schema.
	Discover(ctx context.Context, cfg SourceConfig) (*Schema, error)

	// Read streams records from the file into a channel.
	// The channel is closed when all records have been read or ctx is cancelled.
	// Errors are sent on the error channel (buffered size 1).
	Read(ctx context.Context, cfg SourceConfig) (<-chan Record, <-chan error)
}

// Validate checks that cfg carries every required key of the spec.
func (s SourceSpec) Validate(cfg SourceConfig) error {
	for _, f := range s.ConfigFields {
		if !f.Required {
			continue
		}
		if v, ok := cfg[f.Key]; !ok || v == nil || v == "" {
			return fmt.Errorf("%s source: %s is required", s.Type, f.Key)
		}
	}
	return nil
}

// Matches reports whether ext (lower case, with the dot) belongs to the source.
func (s SourceSpec) Matches(ext string) bool {
	return slices.Contains(s.Extensions, ext)
}

// ── Source Registry ────────────────────────────────────────
// Compile-time registration via init() in each source file.

var (
	registryMu sync.RWMutex
	registry   = map[string]Source{}
)

// RegisterSource registers a source by its spec type.
// Called from init() in each source implementation file.
func RegisterSource(s Source) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[s.Spec().Type] = s
}

// GetSource returns a registered source by type. The error for an unknown
// type names the registered ones.
func GetSource(typ string) (Source, error) {
	registryMu.RLock()
	s, ok := registry[typ]
	registryMu.RUnlock()
	if !ok {
		var types []string
		for _, spec := range ListSources() {
			types = append(types, spec.Type)
		}
		return nil, fmt.Errorf("unknown source type %q (registered: %s)", typ, strings.Join(types, ", "))
	}
	return s, nil
}

// ListSources returns the specs of all registered sources, sorted by type.
func ListSources() []SourceSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	specs := make([]SourceSpec, 0, len(registry))
	for _, s := range registry {
		specs = append(specs, s.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}
