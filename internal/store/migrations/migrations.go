// Package migrations embeds the forward-only goose migration set applied
// at startup (spec §6.4). Grounded on the teacher's go.mod dependency on
// github.com/pressly/goose/v3, which the retrieved backend otherwise wires
// through an internal/database package not present in the retrieval pack.
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
