package migrate

import (
	"reflect"
	"sort"
	"strings"
)

// OpType is the kind of a diff operation.
type OpType string

const (
	OpSet    OpType = "set"
	OpRemove OpType = "remove"
)

// Operation is one step of a schema diff. Path is a dotted address into the
// snapshot ("tables.posts", "tables.posts.columns.title",
// "tables.posts.indexes.posts_slug_idx"). Value carries the new state for set
// operations; Prev carries the old state so the operation can be reversed.
type Operation struct {
	Type  OpType `json:"type"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
	Prev  any    `json:"prev,omitempty"`
}

// Diff computes the operations that transform prev into next. Table creation
// follows next's dependency order; removals run in reverse of prev's order so
// dependents drop before their targets.
func Diff(prev, next *Snapshot) []Operation {
	var ops []Operation

	for _, name := range next.orderedTableNames() {
		nextTable := next.Tables[name]
		prevTable, existed := prev.Tables[name]
		if !existed {
			ops = append(ops, Operation{Type: OpSet, Path: tablePath(name), Value: nextTable})
			continue
		}
		ops = append(ops, diffTable(name, prevTable, nextTable)...)
	}

	removed := prev.orderedTableNames()
	for i := len(removed) - 1; i >= 0; i-- {
		name := removed[i]
		if _, ok := next.Tables[name]; !ok {
			ops = append(ops, Operation{Type: OpRemove, Path: tablePath(name), Prev: prev.Tables[name]})
		}
	}
	return ops
}

func diffTable(table string, prev, next TableSnapshot) []Operation {
	var ops []Operation

	for _, col := range sortedKeys(next.Columns) {
		nextCol := next.Columns[col]
		prevCol, existed := prev.Columns[col]
		path := columnPath(table, col)
		switch {
		case !existed:
			ops = append(ops, Operation{Type: OpSet, Path: path, Value: nextCol})
		case !reflect.DeepEqual(prevCol, nextCol):
			ops = append(ops, Operation{Type: OpSet, Path: path, Value: nextCol, Prev: prevCol})
		}
	}
	for _, col := range sortedKeys(prev.Columns) {
		if _, ok := next.Columns[col]; !ok {
			ops = append(ops, Operation{Type: OpRemove, Path: columnPath(table, col), Prev: prev.Columns[col]})
		}
	}

	for _, idx := range sortedKeys(next.Indexes) {
		nextIdx := next.Indexes[idx]
		prevIdx, existed := prev.Indexes[idx]
		path := indexPath(table, idx)
		switch {
		case !existed:
			ops = append(ops, Operation{Type: OpSet, Path: path, Value: nextIdx})
		case !reflect.DeepEqual(prevIdx, nextIdx):
			ops = append(ops, Operation{Type: OpSet, Path: path, Value: nextIdx, Prev: prevIdx})
		}
	}
	for _, idx := range sortedKeys(prev.Indexes) {
		if _, ok := next.Indexes[idx]; !ok {
			ops = append(ops, Operation{Type: OpRemove, Path: indexPath(table, idx), Prev: prev.Indexes[idx]})
		}
	}
	return ops
}

func tablePath(table string) string { return "tables." + table }

func columnPath(table, col string) string { return "tables." + table + ".columns." + col }

func indexPath(table, idx string) string { return "tables." + table + ".indexes." + idx }

func pathSegments(path string) []string { return strings.Split(path, ".") }

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
