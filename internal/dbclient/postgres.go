package dbclient

import (
	"fmt"
	"strings"

	"impactos/internal/domain"

	_ "github.com/lib/pq"
)

// buildPostgresDSN constructs a Postgres connection string from a DatabaseConnection.
func buildPostgresDSN(conn domain.DatabaseConnection) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quoteDSNValue(conn.Host), port, quoteDSNValue(conn.Username),
		quoteDSNValue(conn.Password), quoteDSNValue(conn.Database), sslMode,
	)
}

// quoteDSNValue quotes a keyword/value DSN value when it is empty or holds
// spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	r := strings.NewReplacer(`\`, `\\`, `'`, `\'`)
	return "'" + r.Replace(v) + "'"
}
