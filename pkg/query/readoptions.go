package query

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

// ErrInvalidReadOptions is returned when read options cannot be compiled.
var ErrInvalidReadOptions = errors.New("invalid read options")

const (
	readOptionProjection = "projection"
	readOptionSkip       = "skip"

	// IDField is the document identity field, used for ordering and always kept by projections
	// unless explicitly excluded.
	IDField = "_id"
)

// ReadPlan is the compiled form of ReadOptions.
type ReadPlan struct {
	// Skip is the number of matching documents dropped before the first one is returned.
	Skip int

	include   []string
	exclude   []string
	excludeID bool
}

// CompileReadOptions validates the read options and returns the plan a document source applies.
func CompileReadOptions(ro ReadOptions) (*ReadPlan, error) {
	plan := &ReadPlan{}
	for _, name := range ro.FieldNames() {
		value := ro[name]
		switch name {
		case readOptionSkip:
			n, err := toInt(value)
			if err != nil || n < 0 {
				return nil, fmt.Errorf("%w: 'skip' must be a non-negative integer", ErrInvalidReadOptions)
			}
			plan.Skip = n
		case readOptionProjection:
			if err := plan.compileProjection(value); err != nil {
				return nil, err
			}
		default:
			return nil, fmt.Errorf("%w: unsupported option '%s'", ErrInvalidReadOptions, name)
		}
	}

	return plan, nil
}

func (p *ReadPlan) compileProjection(value any) error {
	switch t := value.(type) {
	case nil:
		return nil
	case []string:
		p.include = append(p.include, t...)
		return nil
	case []any:
		for _, item := range t {
			s, ok := item.(string)
			if !ok {
				return fmt.Errorf("%w: projection list must contain field names", ErrInvalidReadOptions)
			}
			p.include = append(p.include, s)
		}
		return nil
	case string:
		// "a b -c" style projection
		for _, field := range strings.Fields(t) {
			if name, ok := strings.CutPrefix(field, "-"); ok {
				p.addExclusion(name)
			} else {
				p.include = append(p.include, field)
			}
		}
		return p.checkMixed()
	}

	m, ok := asMap(value)
	if !ok {
		return fmt.Errorf("%w: projection must be a mapping, a list or a string", ErrInvalidReadOptions)
	}

	for _, field := range Filter(m).FieldNames() {
		keep, err := projectionFlag(m[field])
		if err != nil {
			return fmt.Errorf("%w: projection field '%s': %w", ErrInvalidReadOptions, field, err)
		}
		if keep {
			p.include = append(p.include, field)
		} else {
			p.addExclusion(field)
		}
	}

	return p.checkMixed()
}

func (p *ReadPlan) addExclusion(field string) {
	if field == IDField {
		p.excludeID = true
		return
	}
	p.exclude = append(p.exclude, field)
}

func (p *ReadPlan) checkMixed() error {
	if len(p.include) > 0 && len(p.exclude) > 0 {
		return fmt.Errorf("%w: projection cannot mix inclusion and exclusion", ErrInvalidReadOptions)
	}
	return nil
}

func projectionFlag(v any) (bool, error) {
	switch t := v.(type) {
	case bool:
		return t, nil
	default:
		n, err := toInt(v)
		if err != nil || (n != 0 && n != 1) {
			return false, errors.New("expected 0, 1 or a boolean")
		}
		return n == 1, nil
	}
}

func toInt(v any) (int, error) {
	switch t := v.(type) {
	case int:
		return t, nil
	case int32:
		return int(t), nil
	case int64:
		return int(t), nil
	case float64:
		if t != float64(int(t)) {
			return 0, errors.New("not an integer")
		}
		return int(t), nil
	case json.Number:
		n, err := t.Int64()
		return int(n), err
	default:
		return 0, fmt.Errorf("unexpected type %T", v)
	}
}

// Project decodes the raw JSON document and applies the projection.
func (p *ReadPlan) Project(raw []byte) (map[string]any, error) {
	if len(p.include) > 0 {
		doc := make(map[string]any, len(p.include)+1)
		if !p.excludeID {
			if id := gjson.GetBytes(raw, IDField); id.Exists() {
				doc[IDField] = id.Value()
			}
		}
		for _, field := range p.include {
			res := gjson.GetBytes(raw, escapePath(field))
			if res.Exists() {
				setPath(doc, field, res.Value())
			}
		}
		return doc, nil
	}

	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("decode document: %w", err)
	}

	if p.excludeID {
		delete(doc, IDField)
	}
	for _, field := range p.exclude {
		deletePath(doc, field)
	}

	return doc, nil
}

func setPath(doc map[string]any, path string, value any) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = value
}

func deletePath(doc map[string]any, path string) {
	parts := strings.Split(path, ".")
	cur := doc
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
	delete(cur, parts[len(parts)-1])
}
