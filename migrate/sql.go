package migrate

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
)

// SQLForward renders the statements that apply one diff operation.
func SQLForward(op Operation) ([]string, error) {
	segments := pathSegments(op.Path)
	switch {
	case len(segments) == 2 && segments[0] == "tables":
		table := segments[1]
		if op.Type == OpRemove {
			return []string{fmt.Sprintf("DROP TABLE IF EXISTS %s", field.QuoteIdent(table))}, nil
		}
		spec, err := asTable(op.Value)
		if err != nil {
			return nil, err
		}
		return createTableSQL(table, spec), nil

	case len(segments) == 4 && segments[2] == "columns":
		table, column := segments[1], segments[3]
		if op.Type == OpRemove {
			return []string{dropColumnSQL(table, column)}, nil
		}
		spec, err := asColumn(op.Value)
		if err != nil {
			return nil, err
		}
		if op.Prev == nil {
			return []string{addColumnSQL(table, column, spec)}, nil
		}
		prev, err := asColumn(op.Prev)
		if err != nil {
			return nil, err
		}
		return alterColumnSQL(table, column, prev, spec), nil

	case len(segments) == 4 && segments[2] == "indexes":
		table, index := segments[1], segments[3]
		if op.Type == OpRemove {
			return []string{dropIndexSQL(index)}, nil
		}
		spec, err := asIndex(op.Value)
		if err != nil {
			return nil, err
		}
		stmts := []string{}
		if op.Prev != nil {
			stmts = append(stmts, dropIndexSQL(index))
		}
		return append(stmts, createIndexSQL(table, index, spec)), nil
	}
	return nil, common.E(common.KindInternal, "unsupported migration path %q", op.Path)
}

// SQLReverse renders the statements that undo one diff operation.
func SQLReverse(op Operation) ([]string, error) {
	switch op.Type {
	case OpSet:
		if op.Prev == nil {
			// Creation reverses to removal.
			return SQLForward(Operation{Type: OpRemove, Path: op.Path})
		}
		// A change reverses by re-applying the previous state.
		return SQLForward(Operation{Type: OpSet, Path: op.Path, Value: op.Prev, Prev: op.Value})
	case OpRemove:
		return SQLForward(Operation{Type: OpSet, Path: op.Path, Value: op.Prev})
	}
	return nil, common.E(common.KindInternal, "unsupported migration operation %q", op.Type)
}

func createTableSQL(name string, spec TableSnapshot) []string {
	var defs []string
	for _, col := range columnOrder(spec) {
		defs = append(defs, columnDDL(col, spec.Columns[col]))
	}
	stmts := []string{fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (\n  %s\n)",
		field.QuoteIdent(name), strings.Join(defs, ",\n  "))}
	for _, idx := range sortedKeys(spec.Indexes) {
		stmts = append(stmts, createIndexSQL(name, idx, spec.Indexes[idx]))
	}
	return stmts
}

func columnDDL(name string, col ColumnSnapshot) string {
	var b strings.Builder
	b.WriteString(field.QuoteIdent(name))
	b.WriteString(" ")
	b.WriteString(col.Type)
	if col.PrimaryKey {
		b.WriteString(" PRIMARY KEY")
	}
	if col.NotNull && !col.PrimaryKey {
		b.WriteString(" NOT NULL")
	}
	if col.Unique && !col.PrimaryKey {
		b.WriteString(" UNIQUE")
	}
	if col.Default != "" {
		b.WriteString(" DEFAULT ")
		b.WriteString(col.Default)
	}
	if col.References != nil {
		fmt.Fprintf(&b, " REFERENCES %s (%s)",
			field.QuoteIdent(col.References.Table), field.QuoteIdent(col.References.Column))
		if col.References.OnDelete != "" {
			b.WriteString(" ON DELETE ")
			b.WriteString(col.References.OnDelete)
		}
	}
	return b.String()
}

func addColumnSQL(table, column string, col ColumnSnapshot) string {
	return fmt.Sprintf("ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s",
		field.QuoteIdent(table), columnDDL(column, col))
}

func dropColumnSQL(table, column string) string {
	return fmt.Sprintf("ALTER TABLE %s DROP COLUMN IF EXISTS %s",
		field.QuoteIdent(table), field.QuoteIdent(column))
}

// alterColumnSQL emits the minimal ALTERs between two column states. Foreign
// key and unique changes are intentionally not diffed in place: those only
// change when a field's kind changes, which re-creates the column.
func alterColumnSQL(table, column string, prev, next ColumnSnapshot) []string {
	qt, qc := field.QuoteIdent(table), field.QuoteIdent(column)
	var stmts []string
	if prev.Type != next.Type {
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s TYPE %s USING %s::%s",
			qt, qc, next.Type, qc, next.Type))
	}
	if prev.NotNull != next.NotNull {
		verb := "DROP"
		if next.NotNull {
			verb = "SET"
		}
		stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s %s NOT NULL", qt, qc, verb))
	}
	if prev.Default != next.Default {
		if next.Default == "" {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s DROP DEFAULT", qt, qc))
		} else {
			stmts = append(stmts, fmt.Sprintf("ALTER TABLE %s ALTER COLUMN %s SET DEFAULT %s", qt, qc, next.Default))
		}
	}
	return stmts
}

func createIndexSQL(table, name string, idx IndexSnapshot) string {
	unique := ""
	if idx.Unique {
		unique = "UNIQUE "
	}
	cols := make([]string, len(idx.Columns))
	for i, c := range idx.Columns {
		cols[i] = field.QuoteIdent(c)
	}
	return fmt.Sprintf("CREATE %sINDEX IF NOT EXISTS %s ON %s (%s)",
		unique, field.QuoteIdent(name), field.QuoteIdent(table), strings.Join(cols, ", "))
}

func dropIndexSQL(name string) string {
	return fmt.Sprintf("DROP INDEX IF EXISTS %s", field.QuoteIdent(name))
}

func columnOrder(spec TableSnapshot) []string {
	if len(spec.ColumnOrder) == len(spec.Columns) {
		return spec.ColumnOrder
	}
	return sortedKeys(spec.Columns)
}

// asTable, asColumn and asIndex re-type operation values, which arrive either
// as the concrete snapshot structs (freshly diffed) or as generic maps
// (decoded from a migration file).
func asTable(v any) (TableSnapshot, error) {
	var out TableSnapshot
	return out, retype(v, &out)
}

func asColumn(v any) (ColumnSnapshot, error) {
	var out ColumnSnapshot
	return out, retype(v, &out)
}

func asIndex(v any) (IndexSnapshot, error) {
	var out IndexSnapshot
	return out, retype(v, &out)
}

func retype(v, target any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return common.E(common.KindInternal, "invalid migration value: %v", err)
	}
	if err := json.Unmarshal(raw, target); err != nil {
		return common.E(common.KindInternal, "invalid migration value: %v", err)
	}
	return nil
}
