// Package query compiles the structured predicate DSL into parameterised SQL
// against a compiled collection's main table and locale sidecars.
package query

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/stratacms/strata/common"
	"github.com/stratacms/strata/field"
	"github.com/stratacms/strata/schema"
)

// Where is the recursive predicate union. Keys are either the composition
// operators AND / OR / NOT or field names mapping to a predicate: a scalar
// (shorthand for eq), an operator map, or nested keys descending into JSONB.
type Where map[string]any

// Order is one ORDER BY term.
type Order struct {
	Field string
	Desc  bool
}

// Aliases for the composed query. The engine joins the sidecars under these
// names.
const (
	MainAlias     = "t"
	I18nAlias     = "i"
	FallbackAlias = "f"
)

var pathElem = regexp.MustCompile(`^[A-Za-z0-9_ -]+$`)

// Compiler renders predicates for one collection. UseFallback switches
// localised field references to a COALESCE over current and default locale.
type Compiler struct {
	Schema      *schema.Compiled
	UseFallback bool

	// TableAlias overrides MainAlias, for queries against the versions table.
	TableAlias string
}

func (c *Compiler) mainAlias() string {
	if c.TableAlias != "" {
		return c.TableAlias
	}
	return MainAlias
}

// synthesised fields addressable in predicates and ordering, with their
// storage column and a stand-in definition driving operator lookup.
var synthFields = map[string]struct {
	column string
	def    field.Definition
}{
	"id":                {schema.ColID, field.Definition{Kind: field.Text}},
	schema.KeyCreatedAt: {schema.ColCreatedAt, field.Definition{Kind: field.DateTime}},
	schema.KeyUpdatedAt: {schema.ColUpdatedAt, field.Definition{Kind: field.DateTime}},
	schema.KeyDeletedAt: {schema.ColDeletedAt, field.Definition{Kind: field.DateTime}},
}

// FieldExpr resolves a field name to its SQL expression and definition.
// Localised fields read COALESCE(current, fallback) when fallback is on.
func (c *Compiler) FieldExpr(name string) (string, *field.Definition, error) {
	if synth, ok := synthFields[name]; ok {
		def := synth.def
		return fmt.Sprintf("%s.%s", c.mainAlias(), field.QuoteIdent(synth.column)), &def, nil
	}
	def, ok := c.Schema.Field(name)
	if !ok {
		return "", nil, common.E(common.KindBadRequest, "unknown field %q in query", name)
	}
	if c.Schema.Localized(name) {
		col := field.QuoteIdent(name)
		if c.UseFallback {
			return fmt.Sprintf("COALESCE(%s.%s, %s.%s)", I18nAlias, col, FallbackAlias, col), def, nil
		}
		return fmt.Sprintf("%s.%s", I18nAlias, col), def, nil
	}
	column := c.Schema.StorageColumn(name)
	return fmt.Sprintf("%s.%s", c.mainAlias(), field.QuoteIdent(column)), def, nil
}

// CompileWhere renders a predicate tree. An empty or nil Where compiles to
// the empty string.
func (c *Compiler) CompileWhere(w Where, args *field.ArgList) (string, error) {
	if len(w) == 0 {
		return "", nil
	}
	clauses := make([]string, 0, len(w))
	for _, key := range sortedKeys(w) {
		value := w[key]
		switch key {
		case "AND", "OR":
			branches, err := c.compileBranches(key, value, args)
			if err != nil {
				return "", err
			}
			if branches != "" {
				clauses = append(clauses, branches)
			}
		case "NOT":
			inner, err := c.compileChild(value, args)
			if err != nil {
				return "", err
			}
			if inner != "" {
				clauses = append(clauses, "NOT ("+inner+")")
			}
		default:
			clause, err := c.compileField(key, value, args)
			if err != nil {
				return "", err
			}
			if clause != "" {
				clauses = append(clauses, clause)
			}
		}
	}
	return strings.Join(clauses, " AND "), nil
}

func (c *Compiler) compileBranches(op string, value any, args *field.ArgList) (string, error) {
	list, ok := value.([]any)
	if !ok {
		if wl, wok := value.([]Where); wok {
			list = make([]any, len(wl))
			for i, w := range wl {
				list[i] = w
			}
		} else {
			return "", common.E(common.KindBadRequest, "%s expects a list of predicates", op)
		}
	}
	branches := make([]string, 0, len(list))
	for _, branch := range list {
		clause, err := c.compileChild(branch, args)
		if err != nil {
			return "", err
		}
		if clause != "" {
			branches = append(branches, "("+clause+")")
		}
	}
	if len(branches) == 0 {
		return "", nil
	}
	return "(" + strings.Join(branches, " "+op+" ") + ")", nil
}

func (c *Compiler) compileChild(value any, args *field.ArgList) (string, error) {
	switch w := value.(type) {
	case Where:
		return c.CompileWhere(w, args)
	case map[string]any:
		return c.CompileWhere(Where(w), args)
	}
	return "", common.E(common.KindBadRequest, "predicate must be an object")
}

func (c *Compiler) compileField(name string, predicate any, args *field.ArgList) (string, error) {
	expr, def, err := c.FieldExpr(name)
	if err != nil {
		return "", err
	}
	ops := def.Operators()
	if ops == nil {
		return "", common.E(common.KindBadRequest, "field %q cannot be filtered directly", name)
	}

	pred, isMap := asMap(predicate)
	if !isMap {
		// Scalar shorthand for eq.
		eq, ok := ops["eq"]
		if !ok {
			return "", common.E(common.KindBadRequest, "field %q does not support equality", name)
		}
		return eq(expr, predicate, args)
	}

	clauses := make([]string, 0, len(pred))
	for _, key := range sortedKeys(pred) {
		arg := pred[key]
		if op, known := ops[key]; known {
			clause, cerr := op(expr, arg, args)
			if cerr != nil {
				return "", cerr
			}
			clauses = append(clauses, clause)
			continue
		}
		// Not an operator: descend into the JSONB structure.
		if !def.JSONBColumn() {
			return "", common.E(common.KindBadRequest, "unknown operator %q on field %q", key, name)
		}
		clause, cerr := c.compilePath(name, expr, []string{key}, arg, args)
		if cerr != nil {
			return "", cerr
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), nil
}

// compilePath walks nested predicate keys down a JSONB column and applies a
// JSON operator at the leaf.
func (c *Compiler) compilePath(name, expr string, path []string, predicate any, args *field.ArgList) (string, error) {
	for _, elem := range path {
		if !pathElem.MatchString(elem) {
			return "", common.E(common.KindBadRequest, "invalid path element %q on field %q", elem, name)
		}
	}
	jsonDef := field.Definition{Kind: field.JSON}
	ops := jsonDef.Operators()

	pred, isMap := asMap(predicate)
	if !isMap {
		eq := ops["eq"]
		return eq(c.pathExpr(expr, path, args), predicate, args)
	}

	clauses := make([]string, 0, len(pred))
	for _, key := range sortedKeys(pred) {
		arg := pred[key]
		if op, known := ops[key]; known {
			clause, err := op(c.pathExpr(expr, path, args), arg, args)
			if err != nil {
				return "", err
			}
			clauses = append(clauses, clause)
			continue
		}
		clause, err := c.compilePath(name, expr, append(append([]string{}, path...), key), arg, args)
		if err != nil {
			return "", err
		}
		clauses = append(clauses, clause)
	}
	if len(clauses) == 0 {
		return "", nil
	}
	return strings.Join(clauses, " AND "), nil
}

func (c *Compiler) pathExpr(expr string, path []string, args *field.ArgList) string {
	return fmt.Sprintf("%s #> %s::text[]", expr, args.Add(path))
}

// CompileOrder renders an ORDER BY list, appending an id tiebreaker when the
// requested ordering is not unique.
func (c *Compiler) CompileOrder(orderBy []Order) (string, error) {
	terms := make([]string, 0, len(orderBy)+1)
	unique := false
	for _, o := range orderBy {
		expr, def, err := c.FieldExpr(o.Field)
		if err != nil {
			return "", err
		}
		if !def.Orderable() {
			return "", common.E(common.KindBadRequest, "field %q cannot be ordered by", o.Field)
		}
		dir := "ASC"
		if o.Desc {
			dir = "DESC"
		}
		terms = append(terms, expr+" "+dir)
		if o.Field == "id" {
			unique = true
		}
		if userDef, ok := c.Schema.Field(o.Field); ok && userDef.Unique {
			unique = true
		}
	}
	if !unique {
		terms = append(terms, fmt.Sprintf("%s.%s ASC", c.mainAlias(), field.QuoteIdent(schema.ColID)))
	}
	return strings.Join(terms, ", "), nil
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Where:
		return t, true
	}
	return nil, false
}

// sortedKeys keeps compiled SQL deterministic for identical predicates.
func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
