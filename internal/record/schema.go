package record

import (
	"fmt"
	"strings"
)

// Column is one column of a record table, in positional order.
type Column struct {
	Name       string
	Type       string
	PrimaryKey bool
}

// Schema describes how a record kind is laid out in a relational store.
// Columns are positional: stores bind values in exactly this order.
type Schema struct {
	Table      string
	Columns    []Column
	JSONFields []string
}

// ColumnNames returns the column names in schema order.
func (s *Schema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}

// IsJSON reports whether the named field is serialized to JSON text before storage.
func (s *Schema) IsJSON(name string) bool {
	for _, f := range s.JSONFields {
		if f == name {
			return true
		}
	}
	return false
}

// CreateTableSQL returns a non-destructive CREATE TABLE statement for the schema.
func (s *Schema) CreateTableSQL() string {
	defs := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		def := fmt.Sprintf("%s %s", c.Name, c.Type)
		if c.PrimaryKey {
			def += " PRIMARY KEY"
		}
		defs[i] = def
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n\t%s\n)", s.Table, strings.Join(defs, ",\n\t"))
}

// SyncedAtColumn is the store-managed watermark column present on every table.
const SyncedAtColumn = "synced_at"

// ChatSchema is the openai_records table. Column order matters.
var ChatSchema = &Schema{
	Table: "openai_records",
	Columns: []Column{
		{Name: "id", Type: "TEXT", PrimaryKey: true},
		{Name: "model", Type: "TEXT"},
		{Name: "timestamp", Type: "DATETIME"},
		{Name: "messages", Type: "TEXT"},
		{Name: "assistant_message", Type: "TEXT"},
		{Name: "completion_tokens", Type: "INTEGER"},
		{Name: "prompt_tokens", Type: "INTEGER"},
		{Name: "total_tokens", Type: "INTEGER"},
		{Name: "finish_reason", Type: "TEXT"},
		{Name: "tool_calls", Type: "TEXT"},
		{Name: "function_call", Type: "TEXT"},
		{Name: "tags", Type: "TEXT"},
		{Name: "properties", Type: "TEXT"},
		{Name: "error", Type: "TEXT"},
		{Name: "raw_response", Type: "TEXT"},
		{Name: SyncedAtColumn, Type: "DATETIME"},
	},
	JSONFields: []string{"tool_calls", "function_call", "tags", "properties", "raw_response"},
}
