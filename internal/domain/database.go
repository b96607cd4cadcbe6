package domain

import "fmt"

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// Valid reports whether d is a supported driver.
func (d DatabaseDriver) Valid() bool {
	switch d {
	case DatabaseDriverMySQL, DatabaseDriverPostgres, DatabaseDriverSQLite:
		return true
	}
	return false
}

// DatabaseConnection holds the parameters for reaching the reference and
// warehouse database. It is passed explicitly to every operation that opens
// a connection; nothing keeps a connection open across a run.
type DatabaseConnection struct {
	Driver   DatabaseDriver `yaml:"driver" env:"DRIVER"`
	Host     string         `yaml:"host" env:"HOST"` // hostname or file path (sqlite)
	Port     int            `yaml:"port" env:"PORT"` // 0 for sqlite
	Database string         `yaml:"name" env:"NAME"`
	Username string         `yaml:"user" env:"USER"`
	Password string         `yaml:"password" env:"PASSWORD"`
	SSLMode  string         `yaml:"sslmode" env:"SSLMODE"`
	Schema   string         `yaml:"schema" env:"SCHEMA"` // schema holding the reference and target tables
}

// Qualify prefixes table with the connection schema, if any.
func (c DatabaseConnection) Qualify(table string) string {
	if c.Schema == "" {
		return table
	}
	return fmt.Sprintf("%s.%s", c.Schema, table)
}

// String describes the connection without its password.
func (c DatabaseConnection) String() string {
	if c.Driver == DatabaseDriverSQLite {
		return fmt.Sprintf("sqlite:%s", c.Host)
	}
	return fmt.Sprintf("%s://%s@%s:%d/%s", c.Driver, c.Username, c.Host, c.Port, c.Database)
}
