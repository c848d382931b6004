// Package migrations embeds the SQL schema into the binary.
package migrations

import (
	"embed"

	"github.com/nerrad567/camrelay/internal/infrastructure/database"
)

//go:embed *.up.sql
var migrationsFS embed.FS

func init() {
	database.MigrationsFS = migrationsFS
	database.MigrationsDir = "."
}
