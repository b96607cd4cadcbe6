package dbclient

import (
	"fmt"

	"impactos/internal/domain"

	"github.com/go-sql-driver/mysql"
)

// buildMySQLDSN constructs a MySQL DSN from a DatabaseConnection.
func buildMySQLDSN(conn domain.DatabaseConnection) string {
	port := conn.Port
	if port == 0 {
		port = 3306
	}
	cfg := mysql.NewConfig()
	cfg.User = conn.Username
	cfg.Passwd = conn.Password
	cfg.Net = "tcp"
	cfg.Addr = fmt.Sprintf("%s:%d", conn.Host, port)
	cfg.DBName = conn.Database
	cfg.ParseTime = true
	cfg.Params = map[string]string{"charset": "utf8mb4"}
	if conn.SSLMode == "require" {
		cfg.TLSConfig = "true"
	}
	return cfg.FormatDSN()
}
