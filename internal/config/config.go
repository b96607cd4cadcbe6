package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"impactos/internal/domain"
)

// EnvPrefix prefixes every environment override, e.g. IMPACTOS_DB_HOST.
const EnvPrefix = "IMPACTOS_"

// ErrInvalid marks configuration that cannot drive a run.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all configuration for one pipeline process.
type Config struct {
	Database  domain.DatabaseConnection `yaml:"database" envPrefix:"DB_"`
	Paths     PathsConfig               `yaml:"paths" envPrefix:"PATH_"`
	Input     InputConfig               `yaml:"input" envPrefix:"INPUT_"`
	Reference ReferenceConfig           `yaml:"reference" envPrefix:"REFERENCE_"`
	Load      LoadConfig                `yaml:"load" envPrefix:"LOAD_"`
	Archive   ArchiveConfig             `yaml:"archive" envPrefix:"ARCHIVE_"`
	History   HistoryConfig             `yaml:"history" envPrefix:"HISTORY_"`
	Metrics   MetricsConfig             `yaml:"metrics" envPrefix:"METRICS_"`
	Watch     WatchConfig               `yaml:"watch" envPrefix:"WATCH_"`
	Log       LogConfig                 `yaml:"log" envPrefix:"LOG_"`
}

// PathsConfig locates the directories a run reads from and writes to.
type PathsConfig struct {
	InputDir   string `yaml:"input_dir" env:"INPUT_DIR"`
	LookupDir  string `yaml:"lookup_dir" env:"LOOKUP_DIR"`
	ArchiveDir string `yaml:"archive_dir" env:"ARCHIVE_DIR"` // default: <input_dir>/formularios
}

// InputConfig selects the spreadsheet reader.
type InputConfig struct {
	Format    string `yaml:"format" env:"FORMAT"`       // xlsx | csv
	Sheet     string `yaml:"sheet" env:"SHEET"`         // xlsx only, default first sheet
	Delimiter string `yaml:"delimiter" env:"DELIMITER"` // csv only
}

// ReferenceConfig controls the lookup side files and the municipality table.
type ReferenceConfig struct {
	Refresh           bool   `yaml:"refresh" env:"REFRESH"`
	MunicipalityTable string `yaml:"municipality_table" env:"MUNICIPALITY_TABLE"`
}

// LoadConfig describes the warehouse destination.
type LoadConfig struct {
	Table         string `yaml:"table" env:"TABLE"`
	ListSeparator string `yaml:"list_separator" env:"LIST_SEPARATOR"` // non-array drivers
}

// ArchiveConfig controls the per-state archive files.
type ArchiveConfig struct {
	Format string `yaml:"format" env:"FORMAT"` // csv | xlsx
}

// HistoryConfig controls the local run-history database.
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled" env:"ENABLED"`
	Path    string `yaml:"path" env:"PATH"`
}

// MetricsConfig controls the Pushgateway push at the end of each run.
type MetricsConfig struct {
	PushgatewayURL string `yaml:"pushgateway_url" env:"PUSHGATEWAY_URL"`
	Job            string `yaml:"job" env:"JOB"`
}

// WatchConfig tunes the file-watch trigger.
type WatchConfig struct {
	Debounce time.Duration `yaml:"debounce" env:"DEBOUNCE"`
}

// LogConfig selects log verbosity and encoding.
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Format string `yaml:"format" env:"FORMAT"` // text | json
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		Database: domain.DatabaseConnection{
			Driver:  domain.DatabaseDriverPostgres,
			Host:    "localhost",
			SSLMode: "disable",
		},
		Paths: PathsConfig{
			InputDir:  ".",
			LookupDir: "mapa_de_valores",
		},
		Input: InputConfig{Format: "xlsx", Delimiter: ","},
		Reference: ReferenceConfig{
			Refresh:           true,
			MunicipalityTable: "limites_municipais_ibge_2022",
		},
		Load:    LoadConfig{Table: "impactos_seca", ListSeparator: ","},
		Archive: ArchiveConfig{Format: "csv"},
		History: HistoryConfig{Enabled: true, Path: "impactos_history.db"},
		Metrics: MetricsConfig{Job: "impactos_etl"},
		Watch:   WatchConfig{Debounce: 2 * time.Second},
		Log:     LogConfig{Level: "info", Format: "text"},
	}
}

// LoadEnv loads the env files that exist and returns how many were loaded.
func LoadEnv(envFiles []string) (int, error) {
	existing := make([]string, 0, len(envFiles))
	for _, file := range envFiles {
		if _, err := os.Stat(file); err == nil {
			existing = append(existing, file)
		}
	}
	if len(existing) == 0 {
		return 0, nil
	}
	return len(existing), godotenv.Load(existing...)
}

// Load builds the configuration: defaults, then the YAML file at path (if
// path is not empty), then IMPACTOS_* environment variables.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("%w: read config file: %w", ErrInvalid, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("%w: parse config YAML: %w", ErrInvalid, err)
		}
	}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: EnvPrefix}); err != nil {
		return nil, fmt.Errorf("%w: environment: %w", ErrInvalid, err)
	}

	cfg.applyDerived()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyDerived fills values that depend on other settings.
func (c *Config) applyDerived() {
	if c.Paths.ArchiveDir == "" {
		c.Paths.ArchiveDir = filepath.Join(c.Paths.InputDir, "formularios")
	}
	if c.Database.Port == 0 {
		switch c.Database.Driver {
		case domain.DatabaseDriverPostgres:
			c.Database.Port = 5432
		case domain.DatabaseDriverMySQL:
			c.Database.Port = 3306
		}
	}
	if c.Database.Schema == "" && c.Database.Driver == domain.DatabaseDriverPostgres {
		c.Database.Schema = "monitor"
	}
}

var identifier = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	if !c.Database.Driver.Valid() {
		return fmt.Errorf("%w: unsupported database driver %q", ErrInvalid, c.Database.Driver)
	}
	if c.Database.Host == "" {
		return fmt.Errorf("%w: database host is required", ErrInvalid)
	}
	// Table and schema names are spliced into SQL text.
	for label, name := range map[string]string{
		"load.table":                   c.Load.Table,
		"reference.municipality_table": c.Reference.MunicipalityTable,
	} {
		if !identifier.MatchString(name) {
			return fmt.Errorf("%w: %s must be a plain SQL identifier, got %q", ErrInvalid, label, name)
		}
	}
	if c.Database.Schema != "" && !identifier.MatchString(c.Database.Schema) {
		return fmt.Errorf("%w: database schema must be a plain SQL identifier, got %q", ErrInvalid, c.Database.Schema)
	}
	switch c.Input.Format {
	case "xlsx", "csv":
	default:
		return fmt.Errorf("%w: input.format must be xlsx or csv, got %q", ErrInvalid, c.Input.Format)
	}
	if c.Input.Format == "csv" && len([]rune(c.Input.Delimiter)) != 1 {
		return fmt.Errorf("%w: input.delimiter must be a single character", ErrInvalid)
	}
	switch c.Archive.Format {
	case "csv", "xlsx":
	default:
		return fmt.Errorf("%w: archive.format must be csv or xlsx, got %q", ErrInvalid, c.Archive.Format)
	}
	if c.Paths.InputDir == "" || c.Paths.LookupDir == "" {
		return fmt.Errorf("%w: paths.input_dir and paths.lookup_dir are required", ErrInvalid)
	}
	if c.History.Enabled && c.History.Path == "" {
		return fmt.Errorf("%w: history.path is required when history is enabled", ErrInvalid)
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("%w: watch.debounce must not be negative", ErrInvalid)
	}
	if _, err := logrus.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: log.level: %w", ErrInvalid, err)
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		return fmt.Errorf("%w: log.format must be text or json, got %q", ErrInvalid, c.Log.Format)
	}
	return nil
}

// TargetTable returns the schema-qualified destination table.
func (c *Config) TargetTable() string {
	return c.Database.Qualify(c.Load.Table)
}
