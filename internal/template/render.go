package template

import (
	"errors"
	"fmt"
	"strings"
)

// Rendering failure classes. Both are final for the notification that
// triggered them: re-sending the same variables cannot succeed.
var (
	ErrMissingVariable = errors.New("missing template variable")
	ErrTypeMismatch    = errors.New("template type mismatch")
)

// Unicode embedding marks wrapping rendered output for right-to-left
// locales.
const (
	rtlEmbed = "‫"
	rtlPop   = "‬"
)

// Renderer substitutes variables into parsed templates. It is stateless
// and safe for concurrent use.
type Renderer struct{}

// NewRenderer creates a template renderer.
func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render produces the subject and body for one notification. locale
// steers filter formatting defaults and RTL wrapping; empty means
// left-to-right English defaults.
func (r *Renderer) Render(tpl *Template, vars map[string]any, locale string) (Rendered, error) {
	body, err := r.renderSource(tpl.Body, vars)
	if err != nil {
		return Rendered{}, err
	}

	var subject string
	if tpl.Subject != nil {
		subject, err = r.renderSource(*tpl.Subject, vars)
		if err != nil {
			return Rendered{}, err
		}
	}

	if IsRTL(locale) {
		body = rtlEmbed + body + rtlPop
		if subject != "" {
			subject = rtlEmbed + subject + rtlPop
		}
	}
	return Rendered{Subject: subject, Body: body}, nil
}

// renderSource parses and evaluates one template source against vars.
func (r *Renderer) renderSource(src string, vars map[string]any) (string, error) {
	parsed, err := Parse(src)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	if err := renderNodes(&sb, parsed.Nodes, scope{vars: vars}); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// Validate checks a template body against its declared schema without
// rendering: the syntax must parse, every filter must exist, and every
// referenced variable must be declared.
func (r *Renderer) Validate(tpl *Template) error {
	sources := []string{tpl.Body}
	if tpl.Subject != nil {
		sources = append(sources, *tpl.Subject)
	}
	for _, src := range sources {
		parsed, err := Parse(src)
		if err != nil {
			return err
		}
		if err := checkFilters(parsed.Nodes); err != nil {
			return err
		}
		for _, name := range parsed.Variables() {
			if _, ok := tpl.Schema[name]; !ok {
				return fmt.Errorf("%w: %q is not declared in the variable schema", ErrMissingVariable, name)
			}
		}
	}
	return nil
}

// CheckRequired verifies that every schema variable marked required is
// present in vars.
func CheckRequired(schema Schema, vars map[string]any) error {
	for name, spec := range schema {
		if !spec.Required {
			continue
		}
		if _, ok := vars[name]; !ok {
			return fmt.Errorf("%w: %q", ErrMissingVariable, name)
		}
	}
	return nil
}

func checkFilters(nodes []Node) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case *VarNode:
			for _, f := range v.Filters {
				if !KnownFilter(f.Name) {
					return fmt.Errorf("%w: unknown filter %q", ErrSyntax, f.Name)
				}
			}
		case *IfNode:
			if err := checkFilters(v.Then); err != nil {
				return err
			}
			if err := checkFilters(v.Else); err != nil {
				return err
			}
		case *ForNode:
			if err := checkFilters(v.Body); err != nil {
				return err
			}
		}
	}
	return nil
}

// scope is one variable lookup frame. Loop iterations push child scopes
// so loop variables shadow outer names without mutating them.
type scope struct {
	vars   map[string]any
	parent *scope
}

func (s scope) lookup(name string) (any, bool) {
	if v, ok := s.vars[name]; ok {
		return v, true
	}
	if s.parent != nil {
		return s.parent.lookup(name)
	}
	return nil, false
}

// resolve walks a dotted path (e.g. "user.name") through nested maps.
func (s scope) resolve(dotted string) (any, error) {
	parts := strings.Split(dotted, ".")
	v, ok := s.lookup(parts[0])
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrMissingVariable, parts[0])
	}
	for _, key := range parts[1:] {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: %q is not a map, cannot access %q", ErrTypeMismatch, dotted, key)
		}
		v, ok = m[key]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrMissingVariable, dotted)
		}
	}
	return v, nil
}

func renderNodes(sb *strings.Builder, nodes []Node, sc scope) error {
	for _, n := range nodes {
		switch v := n.(type) {
		case *TextNode:
			sb.WriteString(v.Text)

		case *VarNode:
			val, err := sc.resolve(v.Name)
			if err != nil {
				return err
			}
			for _, f := range v.Filters {
				fn, ok := filters[f.Name]
				if !ok {
					return fmt.Errorf("%w: unknown filter %q", ErrSyntax, f.Name)
				}
				val, err = fn(val, f.Args)
				if err != nil {
					return err
				}
			}
			sb.WriteString(toString(val))

		case *IfNode:
			ok, err := evalCond(v.Cond, sc)
			if err != nil {
				return err
			}
			branch := v.Then
			if !ok {
				branch = v.Else
			}
			if err := renderNodes(sb, branch, sc); err != nil {
				return err
			}

		case *ForNode:
			val, err := sc.resolve(v.List)
			if err != nil {
				return err
			}
			list, ok := val.([]any)
			if !ok {
				return fmt.Errorf("%w: %q is not a list", ErrTypeMismatch, v.List)
			}
			for _, item := range list {
				child := scope{vars: map[string]any{v.Var: item}, parent: &sc}
				if err := renderNodes(sb, v.Body, child); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// evalCond evaluates an if condition. A bare variable is tested for
// truthiness; an == comparison stringifies both sides unless the literal
// is numeric.
func evalCond(c Cond, sc scope) (bool, error) {
	val, err := sc.resolve(c.Var)
	if err != nil {
		// Testing a missing variable is allowed and evaluates falsy.
		if errors.Is(err, ErrMissingVariable) {
			return c.Negate, nil
		}
		return false, err
	}

	var result bool
	if c.HasCmp {
		if c.CmpLit.IsNum {
			f, ok := toFloat(val)
			result = ok && f == c.CmpLit.Num
		} else {
			result = toString(val) == c.CmpLit.Str
		}
	} else {
		result = truthy(val)
	}
	if c.Negate {
		return !result, nil
	}
	return result, nil
}

// truthy mirrors the usual template semantics: nil, false, zero, the
// empty string, and empty collections are falsy.
func truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		return t != ""
	case float64:
		return t != 0
	case int:
		return t != 0
	case int64:
		return t != 0
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	return true
}
