package field

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/stratacms/strata/common"
)

// ArgList collects SQL arguments and hands out $n placeholders. Composed
// queries share one list so placeholder numbering stays consistent across
// fragments.
type ArgList struct {
	args []any
}

// NewArgList returns an empty argument list.
func NewArgList() *ArgList { return &ArgList{} }

// Add appends a value and returns its placeholder.
func (a *ArgList) Add(v any) string {
	a.args = append(a.args, v)
	return fmt.Sprintf("$%d", len(a.args))
}

// Values returns the collected arguments in placeholder order.
func (a *ArgList) Values() []any { return a.args }

// Len reports the number of collected arguments.
func (a *ArgList) Len() int { return len(a.args) }

// Operator renders a SQL condition for a column expression and a client
// supplied argument. expr is already quoted / COALESCEd by the caller.
type Operator func(expr string, arg any, args *ArgList) (string, error)

func badOperatorArg(op string, reason string) error {
	return common.E(common.KindBadRequest, "operator %s: %s", op, reason)
}

func comparison(op, sqlOp string) Operator {
	return func(expr string, arg any, args *ArgList) (string, error) {
		return fmt.Sprintf("%s %s %s", expr, sqlOp, args.Add(arg)), nil
	}
}

func likeOperator(op string, caseInsensitive bool, pattern func(string) string) Operator {
	sqlOp := "LIKE"
	if caseInsensitive {
		sqlOp = "ILIKE"
	}
	return func(expr string, arg any, args *ArgList) (string, error) {
		s, ok := arg.(string)
		if !ok {
			return "", badOperatorArg(op, "expects a string")
		}
		return fmt.Sprintf("%s %s %s", expr, sqlOp, args.Add(pattern(s))), nil
	}
}

func listOperator(op, sqlOp string) Operator {
	return func(expr string, arg any, args *ArgList) (string, error) {
		list, ok := toSlice(arg)
		if !ok || len(list) == 0 {
			return "", badOperatorArg(op, "expects a non-empty list")
		}
		placeholders := make([]string, len(list))
		for i, v := range list {
			placeholders[i] = args.Add(v)
		}
		return fmt.Sprintf("%s %s (%s)", expr, sqlOp, strings.Join(placeholders, ", ")), nil
	}
}

func betweenOperator(op string) Operator {
	return func(expr string, arg any, args *ArgList) (string, error) {
		list, ok := toSlice(arg)
		if !ok || len(list) != 2 {
			return "", badOperatorArg(op, "expects [low, high]")
		}
		return fmt.Sprintf("%s BETWEEN %s AND %s", expr, args.Add(list[0]), args.Add(list[1])), nil
	}
}

func nullOperator(negated bool) Operator {
	return func(expr string, _ any, _ *ArgList) (string, error) {
		if negated {
			return expr + " IS NOT NULL", nil
		}
		return expr + " IS NULL", nil
	}
}

func toSlice(arg any) ([]any, bool) {
	switch t := arg.(type) {
	case []any:
		return t, true
	case []string:
		out := make([]any, len(t))
		for i, v := range t {
			out[i] = v
		}
		return out, true
	}
	return nil, false
}

func escapeLike(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, "%", `\%`)
	return strings.ReplaceAll(s, "_", `\_`)
}

var equalityOps = map[string]Operator{
	"eq":        comparison("eq", "="),
	"ne":        comparison("ne", "<>"),
	"in":        listOperator("in", "IN"),
	"notIn":     listOperator("notIn", "NOT IN"),
	"isNull":    nullOperator(false),
	"isNotNull": nullOperator(true),
}

var orderingOps = map[string]Operator{
	"gt":      comparison("gt", ">"),
	"gte":     comparison("gte", ">="),
	"lt":      comparison("lt", "<"),
	"lte":     comparison("lte", "<="),
	"between": betweenOperator("between"),
}

var stringOps = map[string]Operator{
	"like":  likeOperator("like", false, func(s string) string { return s }),
	"ilike": likeOperator("ilike", true, func(s string) string { return s }),
	"contains": likeOperator("contains", true, func(s string) string {
		return "%" + escapeLike(s) + "%"
	}),
	"startsWith": likeOperator("startsWith", true, func(s string) string {
		return escapeLike(s) + "%"
	}),
	"endsWith": likeOperator("endsWith", true, func(s string) string {
		return "%" + escapeLike(s)
	}),
	"isEmpty": func(expr string, _ any, _ *ArgList) (string, error) {
		return fmt.Sprintf("(%s IS NULL OR %s = '')", expr, expr), nil
	},
	"isNotEmpty": func(expr string, _ any, _ *ArgList) (string, error) {
		return fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", expr, expr), nil
	},
}

func jsonArg(op string, arg any, args *ArgList) (string, error) {
	raw, err := json.Marshal(arg)
	if err != nil {
		return "", badOperatorArg(op, "value is not serialisable")
	}
	return args.Add(string(raw)), nil
}

var jsonOps = map[string]Operator{
	"hasKey": func(expr string, arg any, args *ArgList) (string, error) {
		key, ok := arg.(string)
		if !ok {
			return "", badOperatorArg("hasKey", "expects a key name")
		}
		return fmt.Sprintf("%s ? %s", expr, args.Add(key)), nil
	},
	"hasAllKeys": func(expr string, arg any, args *ArgList) (string, error) {
		list, ok := toSlice(arg)
		if !ok || len(list) == 0 {
			return "", badOperatorArg("hasAllKeys", "expects a non-empty list of keys")
		}
		keys := make([]string, len(list))
		for i, v := range list {
			s, sok := v.(string)
			if !sok {
				return "", badOperatorArg("hasAllKeys", "keys must be strings")
			}
			keys[i] = s
		}
		return fmt.Sprintf("%s ?& %s", expr, args.Add(keys)), nil
	},
	"hasAnyKeys": func(expr string, arg any, args *ArgList) (string, error) {
		list, ok := toSlice(arg)
		if !ok || len(list) == 0 {
			return "", badOperatorArg("hasAnyKeys", "expects a non-empty list of keys")
		}
		keys := make([]string, len(list))
		for i, v := range list {
			s, sok := v.(string)
			if !sok {
				return "", badOperatorArg("hasAnyKeys", "keys must be strings")
			}
			keys[i] = s
		}
		return fmt.Sprintf("%s ?| %s", expr, args.Add(keys)), nil
	},
	"contains": func(expr string, arg any, args *ArgList) (string, error) {
		placeholder, err := jsonArg("contains", arg, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s @> %s::jsonb", expr, placeholder), nil
	},
	"containedBy": func(expr string, arg any, args *ArgList) (string, error) {
		placeholder, err := jsonArg("containedBy", arg, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s <@ %s::jsonb", expr, placeholder), nil
	},
	"isNull":    nullOperator(false),
	"isNotNull": nullOperator(true),
	"eq": func(expr string, arg any, args *ArgList) (string, error) {
		placeholder, err := jsonArg("eq", arg, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s = %s::jsonb", expr, placeholder), nil
	},
	"pathEquals": func(expr string, arg any, args *ArgList) (string, error) {
		obj, ok := arg.(map[string]any)
		if !ok {
			return "", badOperatorArg("pathEquals", "expects {path, value}")
		}
		path, pok := toStringSlice(obj["path"])
		if !pok {
			return "", badOperatorArg("pathEquals", "path must be a list of keys")
		}
		placeholder, err := jsonArg("pathEquals", obj["value"], args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s #> %s::text[] = %s::jsonb", expr, args.Add(path), placeholder), nil
	},
	"pathExists": func(expr string, arg any, args *ArgList) (string, error) {
		path, ok := toStringSlice(arg)
		if !ok {
			return "", badOperatorArg("pathExists", "expects a list of keys")
		}
		return fmt.Sprintf("%s #> %s::text[] IS NOT NULL", expr, args.Add(path)), nil
	},
}

func toStringSlice(arg any) ([]string, bool) {
	list, ok := toSlice(arg)
	if !ok {
		return nil, false
	}
	out := make([]string, len(list))
	for i, v := range list {
		s, sok := v.(string)
		if !sok {
			return nil, false
		}
		out[i] = s
	}
	return out, true
}

var multiSelectOps = map[string]Operator{
	"containsAll": func(expr string, arg any, args *ArgList) (string, error) {
		placeholder, err := jsonArg("containsAll", arg, args)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%s @> %s::jsonb", expr, placeholder), nil
	},
	"containsAny": func(expr string, arg any, args *ArgList) (string, error) {
		list, ok := toSlice(arg)
		if !ok || len(list) == 0 {
			return "", badOperatorArg("containsAny", "expects a non-empty list")
		}
		clauses := make([]string, len(list))
		for i, v := range list {
			raw, merr := json.Marshal([]any{v})
			if merr != nil {
				return "", badOperatorArg("containsAny", "value is not serialisable")
			}
			clauses[i] = fmt.Sprintf("%s @> %s::jsonb", expr, args.Add(string(raw)))
		}
		return "(" + strings.Join(clauses, " OR ") + ")", nil
	},
	"length": func(expr string, arg any, args *ArgList) (string, error) {
		return fmt.Sprintf("jsonb_array_length(%s) = %s", expr, args.Add(arg)), nil
	},
	"isNull":    nullOperator(false),
	"isNotNull": nullOperator(true),
}

func merge(maps ...map[string]Operator) map[string]Operator {
	out := make(map[string]Operator)
	for _, m := range maps {
		for name, op := range m {
			out[name] = op
		}
	}
	return out
}

// Operators returns the operator set valid for this field's kind. Unknown
// operator names are rejected by the query compiler against this map.
func (d *Definition) Operators() map[string]Operator {
	switch d.Kind {
	case Text, Textarea, URL, Email:
		return merge(equalityOps, stringOps)
	case Number, Date, DateTime, Time:
		return merge(equalityOps, orderingOps)
	case Boolean:
		return merge(equalityOps)
	case Select:
		if d.Multiple {
			return merge(multiSelectOps)
		}
		return merge(equalityOps)
	case Relation, Upload:
		if d.Relation != nil && d.Relation.HasMany {
			// hasMany relations have no column on this table; the query
			// compiler resolves them through a subquery.
			return nil
		}
		return merge(equalityOps)
	case JSON, Object, Array, Blocks, RichText:
		return merge(jsonOps)
	}
	return nil
}

// Orderable reports whether the field can appear in an ORDER BY clause.
func (d *Definition) Orderable() bool {
	switch d.Kind {
	case Text, Textarea, URL, Email, Number, Boolean, Date, DateTime, Time:
		return true
	case Select:
		return !d.Multiple
	case Relation, Upload:
		return d.Relation == nil || !d.Relation.HasMany
	}
	return false
}
