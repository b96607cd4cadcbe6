package dbclient

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"impactos/internal/domain"
	"impactos/internal/etl"
)

// pingTimeout bounds the connectivity check done when a connection opens.
const pingTimeout = 10 * time.Second

// ConnectFunc opens a connection for one logical operation. The caller
// closes it.
type ConnectFunc func(ctx context.Context) (*sqlx.DB, error)

// DriverName returns the database/sql driver registered for d.
func DriverName(d domain.DatabaseDriver) (string, error) {
	switch d {
	case domain.DatabaseDriverPostgres:
		return "postgres", nil
	case domain.DatabaseDriverMySQL:
		return "mysql", nil
	case domain.DatabaseDriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", d)
	}
}

// DSN builds the data source name for conn.
func DSN(conn domain.DatabaseConnection) (string, error) {
	switch conn.Driver {
	case domain.DatabaseDriverPostgres:
		return buildPostgresDSN(conn), nil
	case domain.DatabaseDriverMySQL:
		return buildMySQLDSN(conn), nil
	case domain.DatabaseDriverSQLite:
		return buildSQLiteDSN(conn), nil
	default:
		return "", fmt.Errorf("unsupported driver: %s", conn.Driver)
	}
}

// Open opens and pings a connection to conn. Any failure is
// etl.ErrConnection.
func Open(ctx context.Context, conn domain.DatabaseConnection) (*sqlx.DB, error) {
	driverName, err := DriverName(conn.Driver)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConnection, err)
	}
	dsn, err := DSN(conn)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", etl.ErrConnection, err)
	}

	db, err := sqlx.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: open %s: %w", etl.ErrConnection, conn, err)
	}
	// One logical operation per connection.
	db.SetMaxOpenConns(1)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("%w: %s: %w", etl.ErrConnection, conn, err)
	}
	return db, nil
}

// Connector returns a ConnectFunc bound to conn.
func Connector(conn domain.DatabaseConnection) ConnectFunc {
	return func(ctx context.Context) (*sqlx.DB, error) {
		return Open(ctx, conn)
	}
}
