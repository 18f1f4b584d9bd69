package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidFilter is returned when a filter cannot be compiled.
var ErrInvalidFilter = errors.New("invalid filter")

const (
	opEq     = "$eq"
	opNe     = "$ne"
	opGt     = "$gt"
	opGte    = "$gte"
	opLt     = "$lt"
	opLte    = "$lte"
	opIn     = "$in"
	opNin    = "$nin"
	opRegex  = "$regex"
	opExists = "$exists"

	// $options is only meaningful next to $regex.
	opOptions = "$options"

	logicalAnd = "$and"
	logicalOr  = "$or"
)

// Matcher evaluates a compiled Filter against raw JSON documents.
type Matcher struct {
	root clause
}

type clause interface {
	match(raw []byte) bool
}

type andClause []clause

func (a andClause) match(raw []byte) bool {
	for _, c := range a {
		if !c.match(raw) {
			return false
		}
	}
	return true
}

type orClause []clause

func (o orClause) match(raw []byte) bool {
	for _, c := range o {
		if c.match(raw) {
			return true
		}
	}
	return false
}

type fieldClause struct {
	path  string
	conds []condition
}

type condition struct {
	op    string
	value any
	set   []any
	re    *regexp.Regexp
}

func (f fieldClause) match(raw []byte) bool {
	res := gjson.GetBytes(raw, f.path)
	for _, c := range f.conds {
		if !c.eval(res) {
			return false
		}
	}
	return true
}

// Compile validates the filter and returns a Matcher for it. A nil or empty filter matches
// every document.
func Compile(f Filter) (*Matcher, error) {
	root, err := compileFilter(f)
	if err != nil {
		return nil, err
	}

	return &Matcher{root: root}, nil
}

// Match reports whether the raw JSON document satisfies the filter.
func (m *Matcher) Match(raw []byte) bool {
	return m.root.match(raw)
}

func compileFilter(f map[string]any) (andClause, error) {
	clauses := make(andClause, 0, len(f))
	for _, field := range Filter(f).FieldNames() {
		value := f[field]
		switch {
		case field == logicalAnd || field == logicalOr:
			subs, err := compileLogical(field, value)
			if err != nil {
				return nil, err
			}
			if field == logicalAnd {
				clauses = append(clauses, andClause(subs))
			} else {
				clauses = append(clauses, orClause(subs))
			}
		case strings.HasPrefix(field, "$"):
			return nil, fmt.Errorf("%w: unsupported top-level operator '%s'", ErrInvalidFilter, field)
		default:
			conds, err := compileConditions(field, value)
			if err != nil {
				return nil, err
			}
			clauses = append(clauses, fieldClause{path: escapePath(field), conds: conds})
		}
	}

	return clauses, nil
}

func compileLogical(op string, value any) ([]clause, error) {
	var items []map[string]any
	switch t := value.(type) {
	case []any:
		for _, item := range t {
			m, ok := asMap(item)
			if !ok {
				return nil, fmt.Errorf("%w: '%s' expects a list of filters", ErrInvalidFilter, op)
			}
			items = append(items, m)
		}
	case []Filter:
		for _, item := range t {
			items = append(items, item)
		}
	case []map[string]any:
		items = t
	default:
		return nil, fmt.Errorf("%w: '%s' expects a list of filters", ErrInvalidFilter, op)
	}

	if len(items) == 0 {
		return nil, fmt.Errorf("%w: '%s' expects at least one filter", ErrInvalidFilter, op)
	}

	subs := make([]clause, 0, len(items))
	for _, item := range items {
		sub, err := compileFilter(item)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}

	return subs, nil
}

func compileConditions(field string, value any) ([]condition, error) {
	if re, ok := value.(*regexp.Regexp); ok {
		return []condition{{op: opRegex, re: re}}, nil
	}

	ops, ok := asMap(value)
	if !ok || !isOperatorDocument(ops) {
		literal, err := normalize(value)
		if err != nil {
			return nil, fmt.Errorf("%w: field '%s': %w", ErrInvalidFilter, field, err)
		}
		return []condition{{op: opEq, value: literal}}, nil
	}

	conds := make([]condition, 0, len(ops))
	for _, op := range Filter(ops).FieldNames() {
		arg := ops[op]
		c := condition{op: op}
		switch op {
		case opEq, opNe, opGt, opGte, opLt, opLte:
			literal, err := normalize(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: field '%s' operator '%s': %w", ErrInvalidFilter, field, op, err)
			}
			c.value = literal
		case opIn, opNin:
			literal, err := normalize(arg)
			if err != nil {
				return nil, fmt.Errorf("%w: field '%s' operator '%s': %w", ErrInvalidFilter, field, op, err)
			}
			set, ok := literal.([]any)
			if !ok {
				return nil, fmt.Errorf("%w: field '%s' operator '%s' expects a list", ErrInvalidFilter, field, op)
			}
			c.set = set
		case opExists:
			b, ok := arg.(bool)
			if !ok {
				return nil, fmt.Errorf("%w: field '%s' operator '%s' expects a boolean", ErrInvalidFilter, field, op)
			}
			c.value = b
		case opRegex:
			re, err := compileRegex(arg, ops[opOptions])
			if err != nil {
				return nil, fmt.Errorf("%w: field '%s': %w", ErrInvalidFilter, field, err)
			}
			c.re = re
		case opOptions:
			if _, ok := ops[opRegex]; !ok {
				return nil, fmt.Errorf("%w: field '%s': '$options' without '$regex'", ErrInvalidFilter, field)
			}
			continue
		default:
			return nil, fmt.Errorf("%w: field '%s': unsupported operator '%s'", ErrInvalidFilter, field, op)
		}
		conds = append(conds, c)
	}

	return conds, nil
}

func compileRegex(pattern, options any) (*regexp.Regexp, error) {
	if re, ok := pattern.(*regexp.Regexp); ok {
		return re, nil
	}

	expr, ok := pattern.(string)
	if !ok {
		return nil, errors.New("'$regex' expects a string pattern")
	}

	if options != nil {
		flags, ok := options.(string)
		if !ok {
			return nil, errors.New("'$options' expects a string")
		}
		for _, f := range flags {
			if !strings.ContainsRune("imsU", f) {
				return nil, fmt.Errorf("unsupported regex option '%c'", f)
			}
		}
		if flags != "" {
			expr = "(?" + flags + ")" + expr
		}
	}

	return regexp.Compile(expr)
}

func isOperatorDocument(m map[string]any) bool {
	if len(m) == 0 {
		return false
	}
	for k := range m {
		if !strings.HasPrefix(k, "$") {
			return false
		}
	}
	return true
}

func asMap(v any) (map[string]any, bool) {
	switch t := v.(type) {
	case map[string]any:
		return t, true
	case Filter:
		return t, true
	default:
		return nil, false
	}
}

// normalize converts a literal to the shape gjson produces for the same JSON value so both
// sides of a comparison share float64 numbers, []any arrays and map[string]any objects.
func normalize(v any) (any, error) {
	switch t := v.(type) {
	case nil, bool, string, float64:
		return t, nil
	}

	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}

	return out, nil
}

func (c condition) eval(res gjson.Result) bool {
	switch c.op {
	case opExists:
		return res.Exists() == c.value.(bool)
	case opNe:
		return !anyElement(res, c.value, equals)
	case opNin:
		return !anyElement(res, c.set, in)
	case opIn:
		return anyElement(res, c.set, in)
	case opRegex:
		return anyElement(res, c.re, matchesRegex)
	case opEq:
		return anyElement(res, c.value, equals)
	default:
		return anyElement(res, c, compare)
	}
}

// anyElement applies pred to the field value and, when the field is an array, to each of its
// elements.
func anyElement[T any](res gjson.Result, arg T, pred func(any, T) bool) bool {
	value := resultValue(res)
	if pred(value, arg) {
		return true
	}

	if !res.IsArray() {
		return false
	}

	for _, elem := range res.Array() {
		if pred(resultValue(elem), arg) {
			return true
		}
	}

	return false
}

func resultValue(res gjson.Result) any {
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

func equals(docValue, literal any) bool {
	return reflect.DeepEqual(docValue, literal)
}

func in(docValue any, set []any) bool {
	for _, candidate := range set {
		if equals(docValue, candidate) {
			return true
		}
	}
	return false
}

func matchesRegex(docValue any, re *regexp.Regexp) bool {
	s, ok := docValue.(string)
	return ok && re.MatchString(s)
}

func compare(docValue any, c condition) bool {
	var cmp int
	switch lhs := docValue.(type) {
	case float64:
		rhs, ok := c.value.(float64)
		if !ok {
			return false
		}
		switch {
		case lhs < rhs:
			cmp = -1
		case lhs > rhs:
			cmp = 1
		}
	case string:
		rhs, ok := c.value.(string)
		if !ok {
			return false
		}
		cmp = strings.Compare(lhs, rhs)
	default:
		return false
	}

	switch c.op {
	case opGt:
		return cmp > 0
	case opGte:
		return cmp >= 0
	case opLt:
		return cmp < 0
	case opLte:
		return cmp <= 0
	}

	return false
}

// escapePath escapes gjson's path metacharacters while keeping '.' as the nesting separator.
func escapePath(field string) string {
	var b strings.Builder
	for _, r := range field {
		if strings.ContainsRune(`*?|#@\!`, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
