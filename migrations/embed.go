// SPDX-License-Identifier: Apache-2.0

// Package migrations embeds the ledger schema as ordered SQL files.
// File names carry a numeric prefix; lexical order is apply order.
package migrations

import (
	"embed"
	"io/fs"
	"sort"
	"strings"
)

//go:embed *.sql
var schemaFS embed.FS

type Migration struct {
	Name string
	SQL  string
}

// All returns every embedded migration in apply order.
func All() ([]Migration, error) {
	entries, err := fs.ReadDir(schemaFS, ".")
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	migrations := make([]Migration, 0, len(names))
	for _, name := range names {
		body, err := schemaFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		migrations = append(migrations, Migration{Name: name, SQL: string(body)})
	}

	return migrations, nil
}
