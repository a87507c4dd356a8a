// Package migrations contains embedded SQL migrations for the DE and CE
// account databases. The ce set is alias-qualified and must only run after
// the CE database has been attached.
package migrations

import "embed"

//go:embed de/*.sql ce/*.sql
var FS embed.FS

// Scopes for the migration tracker. DE and CE version independently.
const (
	ScopeDe = "de"
	ScopeCe = "ce"
)
