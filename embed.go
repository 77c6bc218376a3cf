// Package insightbot holds embedded assets shared by the binaries.
package insightbot

import "embed"

//go:embed migrations/*.sql
var MigrationsFS embed.FS
