package dbclient

import (
	"impactos/internal/domain"

	_ "modernc.org/sqlite"
)

// buildSQLiteDSN opens the file named by Host in WAL mode with a busy timeout.
func buildSQLiteDSN(conn domain.DatabaseConnection) string {
	return conn.Host + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}
