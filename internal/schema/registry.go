// Package schema owns the database tables. Definitions are embedded .sql
// files applied in dependency order at startup; every statement is written to
// be idempotent, so re-running initialization against an existing database is
// safe.
package schema

import (
	"embed"
	"fmt"
	"sort"
)

//go:embed schemas/*.sql
var schemaFS embed.FS

// Schema is one table definition with its supporting indexes.
type Schema struct {
	Name  string // Table name (e.g., "books")
	SQL   string // DDL statements
	Order int    // Initialization order (lower = first)
}

// registry holds all schemas in dependency order.
// Order matters: referenced tables must be created before referencing ones.
var registry = []Schema{
	{Name: "books", Order: 1},
	{Name: "pages", Order: 2},           // references books
	{Name: "export_jobs", Order: 3},     // references books
	{Name: "generation_jobs", Order: 4}, // references books
	{Name: "usage_records", Order: 5},   // standalone
}

// All returns all schemas in dependency order, loaded from the embedded
// .sql files.
func All() ([]Schema, error) {
	schemas := make([]Schema, len(registry))
	copy(schemas, registry)

	for i := range schemas {
		filename := fmt.Sprintf("schemas/%s.sql", schemas[i].Name)
		content, err := schemaFS.ReadFile(filename)
		if err != nil {
			return nil, fmt.Errorf("failed to read schema %s: %w", schemas[i].Name, err)
		}
		schemas[i].SQL = string(content)
	}

	sort.Slice(schemas, func(i, j int) bool {
		return schemas[i].Order < schemas[j].Order
	})

	return schemas, nil
}

// Get returns a single schema by table name.
func Get(name string) (*Schema, error) {
	for _, s := range registry {
		if s.Name == name {
			content, err := schemaFS.ReadFile(fmt.Sprintf("schemas/%s.sql", s.Name))
			if err != nil {
				return nil, fmt.Errorf("failed to read schema %s: %w", s.Name, err)
			}
			return &Schema{Name: s.Name, SQL: string(content), Order: s.Order}, nil
		}
	}
	return nil, fmt.Errorf("schema not found: %s", name)
}
