package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"impactos/internal/config"
	"impactos/internal/domain"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoad_DefaultsWithoutFile(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, domain.DatabaseDriverPostgres, cfg.Database.Driver)
	assert.Equal(t, 5432, cfg.Database.Port)
	assert.Equal(t, "monitor", cfg.Database.Schema)
	assert.True(t, cfg.Reference.Refresh)
	assert.Equal(t, "limites_municipais_ibge_2022", cfg.Reference.MunicipalityTable)
	assert.Equal(t, filepath.Join(".", "formularios"), cfg.Paths.ArchiveDir)
	assert.Equal(t, "monitor.impactos_seca", cfg.TargetTable())
	assert.Equal(t, 2*time.Second, cfg.Watch.Debounce)
}

func TestLoad_YAMLOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", `
database:
  driver: mysql
  host: db.internal
  name: monitor
  user: etl
paths:
  input_dir: /data/forms
reference:
  refresh: false
archive:
  format: xlsx
watch:
  debounce: 5s
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, domain.DatabaseDriverMySQL, cfg.Database.Driver)
	assert.Equal(t, 3306, cfg.Database.Port)
	assert.Empty(t, cfg.Database.Schema)
	assert.False(t, cfg.Reference.Refresh)
	assert.Equal(t, "xlsx", cfg.Archive.Format)
	assert.Equal(t, filepath.Join("/data/forms", "formularios"), cfg.Paths.ArchiveDir)
	assert.Equal(t, "impactos_seca", cfg.TargetTable())
	assert.Equal(t, 5*time.Second, cfg.Watch.Debounce)
}

func TestLoad_EnvOverridesYAML(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "config.yaml", "database:\n  host: from-yaml\n  password: yaml\n")

	t.Setenv("IMPACTOS_DB_HOST", "from-env")
	t.Setenv("IMPACTOS_DB_PASSWORD", "s3cret")
	t.Setenv("IMPACTOS_LOAD_TABLE", "impactos_seca_v2")

	cfg, err := config.Load(path)
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Database.Host)
	assert.Equal(t, "s3cret", cfg.Database.Password)
	assert.Equal(t, "impactos_seca_v2", cfg.Load.Table)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestValidate_Rejects(t *testing.T) {
	cases := map[string]func(c *config.Config){
		"driver":       func(c *config.Config) { c.Database.Driver = "mongodb" },
		"table":        func(c *config.Config) { c.Load.Table = "impactos; DROP TABLE x" },
		"schema":       func(c *config.Config) { c.Database.Schema = "a.b" },
		"input format": func(c *config.Config) { c.Input.Format = "ods" },
		"archive":      func(c *config.Config) { c.Archive.Format = "parquet" },
		"log level":    func(c *config.Config) { c.Log.Level = "chatty" },
		"delimiter": func(c *config.Config) {
			c.Input.Format = "csv"
			c.Input.Delimiter = ";;"
		},
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := config.Default()
			mutate(cfg)
			assert.ErrorIs(t, cfg.Validate(), config.ErrInvalid)
		})
	}
}

func TestLoadEnv_SkipsMissingFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := writeFile(t, dir, ".env", "IMPACTOS_TEST_LOADENV=loaded\n")
	t.Cleanup(func() { os.Unsetenv("IMPACTOS_TEST_LOADENV") })

	n, err := config.LoadEnv([]string{filepath.Join(dir, ".env.local"), envFile})
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, "loaded", os.Getenv("IMPACTOS_TEST_LOADENV"))
}
