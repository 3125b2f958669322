// Package migrate generates and runs schema migrations: canonical JSON
// snapshots of the compiled schema, operation-based diffs, forward and
// reverse SQL, and batch-tracked execution.
package migrate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/stratacms/strata/schema"
)

// ColumnSnapshot is the canonical description of one column.
type ColumnSnapshot struct {
	Type       string       `json:"type"`
	NotNull    bool         `json:"notNull,omitempty"`
	Unique     bool         `json:"unique,omitempty"`
	Default    string       `json:"default,omitempty"`
	References *RefSnapshot `json:"references,omitempty"`
	PrimaryKey bool         `json:"primaryKey,omitempty"`
}

// RefSnapshot is a foreign key reference.
type RefSnapshot struct {
	Table    string `json:"table"`
	Column   string `json:"column"`
	OnDelete string `json:"onDelete,omitempty"`
}

// IndexSnapshot is a named index over columns.
type IndexSnapshot struct {
	Columns []string `json:"columns"`
	Unique  bool     `json:"unique,omitempty"`
}

// TableSnapshot is one table: columns by name plus their order, and indexes.
type TableSnapshot struct {
	Columns     map[string]ColumnSnapshot `json:"columns"`
	ColumnOrder []string                  `json:"columnOrder"`
	Indexes     map[string]IndexSnapshot  `json:"indexes,omitempty"`
}

// Snapshot is the canonical schema state a migration diffs against. Order
// lists tables in dependency order so creation SQL references tables that
// already exist.
type Snapshot struct {
	Tables map[string]TableSnapshot `json:"tables"`
	Order  []string                 `json:"order"`
}

// Empty returns a snapshot with no tables.
func Empty() *Snapshot {
	return &Snapshot{Tables: map[string]TableSnapshot{}}
}

// FromCompiled builds the snapshot for a set of compiled collections.
func FromCompiled(collections []*schema.Compiled) *Snapshot {
	snap := Empty()
	for _, compiled := range collections {
		for _, spec := range compiled.Tables() {
			snap.addTable(spec)
		}
	}
	return snap
}

func (s *Snapshot) addTable(spec schema.TableSpec) {
	table := TableSnapshot{
		Columns: map[string]ColumnSnapshot{},
		Indexes: map[string]IndexSnapshot{},
	}
	for _, col := range spec.Columns {
		cs := ColumnSnapshot{
			Type:       col.SQLType,
			NotNull:    col.NotNull,
			Unique:     col.Unique,
			Default:    col.DefaultSQL,
			PrimaryKey: isPrimaryKey(spec.Name, col.Name),
		}
		if col.References != nil {
			cs.References = &RefSnapshot{
				Table:    col.References.Table,
				Column:   col.References.Column,
				OnDelete: col.References.OnDelete,
			}
		}
		table.Columns[col.Name] = cs
		table.ColumnOrder = append(table.ColumnOrder, col.Name)
	}
	for _, idx := range spec.Indexes {
		table.Indexes[idx.Name] = IndexSnapshot{Columns: idx.Columns, Unique: idx.Unique}
	}
	s.Tables[spec.Name] = table
	s.Order = append(s.Order, spec.Name)
}

// isPrimaryKey identifies the synthesised primary key column of a table.
// Versions tables key on version_id; sidecars and main tables on id.
func isPrimaryKey(tableName, columnName string) bool {
	if strings.HasSuffix(tableName, "_versions") {
		return columnName == schema.ColVersionID
	}
	return columnName == schema.ColID
}

// Marshal renders the snapshot as stable, indented JSON.
func (s *Snapshot) Marshal() ([]byte, error) {
	return json.MarshalIndent(s, "", "  ")
}

// Unmarshal parses a stored snapshot.
func Unmarshal(raw []byte) (*Snapshot, error) {
	var snap Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		return nil, fmt.Errorf("invalid snapshot: %w", err)
	}
	if snap.Tables == nil {
		snap.Tables = map[string]TableSnapshot{}
	}
	return &snap, nil
}

// Clone deep-copies the snapshot.
func (s *Snapshot) Clone() *Snapshot {
	raw, _ := s.Marshal()
	clone, _ := Unmarshal(raw)
	return clone
}

// orderedTableNames returns the snapshot's tables in dependency order,
// falling back to sorted names for tables missing from Order.
func (s *Snapshot) orderedTableNames() []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(s.Tables))
	for _, name := range s.Order {
		if _, ok := s.Tables[name]; ok && !seen[name] {
			out = append(out, name)
			seen[name] = true
		}
	}
	rest := make([]string, 0)
	for name := range s.Tables {
		if !seen[name] {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	return append(out, rest...)
}
