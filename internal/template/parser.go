package template

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrSyntax wraps every template parse failure.
var ErrSyntax = errors.New("template syntax error")

// Node is one parsed template element. Serialize reconstructs the source
// form, so parse → serialize → parse is stable.
type Node interface {
	serialize(sb *strings.Builder)
}

// TextNode is literal text between tags.
type TextNode struct {
	Text string
}

func (n *TextNode) serialize(sb *strings.Builder) { sb.WriteString(n.Text) }

// FilterArg is one literal argument to a filter call.
type FilterArg struct {
	Str   string
	Num   float64
	IsNum bool
}

func (a FilterArg) serialize(sb *strings.Builder) {
	if a.IsNum {
		sb.WriteString(strconv.FormatFloat(a.Num, 'f', -1, 64))
		return
	}
	sb.WriteString(strconv.Quote(a.Str))
}

// FilterCall is one filter application in a variable expression.
type FilterCall struct {
	Name string
	Args []FilterArg
}

// VarNode substitutes a (possibly dotted) variable through a filter chain.
type VarNode struct {
	Name    string
	Filters []FilterCall
}

func (n *VarNode) serialize(sb *strings.Builder) {
	sb.WriteString("{{ ")
	sb.WriteString(n.Name)
	for _, f := range n.Filters {
		sb.WriteString(" | ")
		sb.WriteString(f.Name)
		if len(f.Args) > 0 {
			sb.WriteString("(")
			for i, a := range f.Args {
				if i > 0 {
					sb.WriteString(", ")
				}
				a.serialize(sb)
			}
			sb.WriteString(")")
		}
	}
	sb.WriteString(" }}")
}

// Cond is the condition of an if block: a truthiness test on one variable,
// optionally negated or compared against a literal.
type Cond struct {
	Var    string
	Negate bool
	HasCmp bool
	CmpLit FilterArg
}

func (c Cond) serialize(sb *strings.Builder) {
	if c.Negate {
		sb.WriteString("not ")
	}
	sb.WriteString(c.Var)
	if c.HasCmp {
		sb.WriteString(" == ")
		c.CmpLit.serialize(sb)
	}
}

// IfNode renders Then when the condition holds, Else otherwise.
type IfNode struct {
	Cond Cond
	Then []Node
	Else []Node
}

func (n *IfNode) serialize(sb *strings.Builder) {
	sb.WriteString("{% if ")
	n.Cond.serialize(sb)
	sb.WriteString(" %}")
	for _, c := range n.Then {
		c.serialize(sb)
	}
	if len(n.Else) > 0 {
		sb.WriteString("{% else %}")
		for _, c := range n.Else {
			c.serialize(sb)
		}
	}
	sb.WriteString("{% endif %}")
}

// ForNode renders Body once per element of the list variable, binding the
// loop variable in a child scope.
type ForNode struct {
	Var  string
	List string
	Body []Node
}

func (n *ForNode) serialize(sb *strings.Builder) {
	fmt.Fprintf(sb, "{%% for %s in %s %%}", n.Var, n.List)
	for _, c := range n.Body {
		c.serialize(sb)
	}
	sb.WriteString("{% endfor %}")
}

// Parsed is a compiled template body.
type Parsed struct {
	Nodes []Node
}

// Serialize reconstructs the template source from the parsed form.
func (p *Parsed) Serialize() string {
	var sb strings.Builder
	for _, n := range p.Nodes {
		n.serialize(&sb)
	}
	return sb.String()
}

// Variables returns every variable name referenced anywhere in the
// template, loop-local bindings excluded.
func (p *Parsed) Variables() []string {
	seen := make(map[string]bool)
	var walk func(nodes []Node, locals map[string]bool)
	walk = func(nodes []Node, locals map[string]bool) {
		for _, n := range nodes {
			switch v := n.(type) {
			case *VarNode:
				root := rootName(v.Name)
				if !locals[root] {
					seen[root] = true
				}
			case *IfNode:
				root := rootName(v.Cond.Var)
				if !locals[root] {
					seen[root] = true
				}
				walk(v.Then, locals)
				walk(v.Else, locals)
			case *ForNode:
				root := rootName(v.List)
				if !locals[root] {
					seen[root] = true
				}
				child := make(map[string]bool, len(locals)+1)
				for k := range locals {
					child[k] = true
				}
				child[v.Var] = true
				walk(v.Body, child)
			}
		}
	}
	walk(p.Nodes, map[string]bool{})

	out := make([]string, 0, len(seen))
	for name := range seen {
		out = append(out, name)
	}
	return out
}

func rootName(dotted string) string {
	if i := strings.IndexByte(dotted, '.'); i >= 0 {
		return dotted[:i]
	}
	return dotted
}

// token kinds produced by the lexer.
type tokenKind int

const (
	tokText tokenKind = iota
	tokVar            // {{ ... }}
	tokTag            // {% ... %}
)

type token struct {
	kind tokenKind
	body string
}

// lex splits source into text, variable, and tag tokens.
func lex(src string) ([]token, error) {
	var tokens []token
	for len(src) > 0 {
		openVar := strings.Index(src, "{{")
		openTag := strings.Index(src, "{%")

		next, kind, closer := -1, tokVar, "}}"
		switch {
		case openVar >= 0 && (openTag < 0 || openVar < openTag):
			next = openVar
		case openTag >= 0:
			next, kind, closer = openTag, tokTag, "%}"
		}

		if next < 0 {
			tokens = append(tokens, token{kind: tokText, body: src})
			break
		}
		if next > 0 {
			tokens = append(tokens, token{kind: tokText, body: src[:next]})
		}
		rest := src[next+2:]
		end := strings.Index(rest, closer)
		if end < 0 {
			return nil, fmt.Errorf("%w: unterminated %q", ErrSyntax, src[next:next+2])
		}
		tokens = append(tokens, token{kind: kind, body: strings.TrimSpace(rest[:end])})
		src = rest[end+2:]
	}
	return tokens, nil
}

// Parse compiles a template body.
func Parse(src string) (*Parsed, error) {
	tokens, err := lex(src)
	if err != nil {
		return nil, err
	}
	nodes, rest, err := parseNodes(tokens, "")
	if err != nil {
		return nil, err
	}
	if len(rest) > 0 {
		return nil, fmt.Errorf("%w: unexpected {%% %s %%}", ErrSyntax, rest[0].body)
	}
	return &Parsed{Nodes: nodes}, nil
}

// parseNodes consumes tokens until one of the stop tags ("else", "endif",
// "endfor") for the enclosing block, returning the unconsumed remainder.
func parseNodes(tokens []token, blockKind string) ([]Node, []token, error) {
	var nodes []Node
	for len(tokens) > 0 {
		t := tokens[0]
		switch t.kind {
		case tokText:
			nodes = append(nodes, &TextNode{Text: t.body})
			tokens = tokens[1:]

		case tokVar:
			v, err := parseVarExpr(t.body)
			if err != nil {
				return nil, nil, err
			}
			nodes = append(nodes, v)
			tokens = tokens[1:]

		case tokTag:
			fields := strings.Fields(t.body)
			if len(fields) == 0 {
				return nil, nil, fmt.Errorf("%w: empty tag", ErrSyntax)
			}
			switch fields[0] {
			case "if":
				node, rest, err := parseIf(t.body, tokens[1:])
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, node)
				tokens = rest

			case "for":
				node, rest, err := parseFor(fields, tokens[1:])
				if err != nil {
					return nil, nil, err
				}
				nodes = append(nodes, node)
				tokens = rest

			case "else", "endif":
				if blockKind != "if" {
					return nil, nil, fmt.Errorf("%w: %q outside if block", ErrSyntax, fields[0])
				}
				return nodes, tokens, nil

			case "endfor":
				if blockKind != "for" {
					return nil, nil, fmt.Errorf("%w: endfor outside for block", ErrSyntax)
				}
				return nodes, tokens, nil

			default:
				return nil, nil, fmt.Errorf("%w: unknown tag %q", ErrSyntax, fields[0])
			}
		}
	}
	if blockKind != "" {
		return nil, nil, fmt.Errorf("%w: unterminated %s block", ErrSyntax, blockKind)
	}
	return nodes, tokens, nil
}

func parseIf(tag string, tokens []token) (*IfNode, []token, error) {
	cond, err := parseCond(strings.TrimSpace(strings.TrimPrefix(tag, "if")))
	if err != nil {
		return nil, nil, err
	}

	then, rest, err := parseNodes(tokens, "if")
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 {
		return nil, nil, fmt.Errorf("%w: unterminated if block", ErrSyntax)
	}

	node := &IfNode{Cond: cond, Then: then}
	if rest[0].body == "else" {
		node.Else, rest, err = parseNodes(rest[1:], "if")
		if err != nil {
			return nil, nil, err
		}
		if len(rest) == 0 || rest[0].body != "endif" {
			return nil, nil, fmt.Errorf("%w: expected endif", ErrSyntax)
		}
	}
	return node, rest[1:], nil
}

func parseFor(fields []string, tokens []token) (*ForNode, []token, error) {
	if len(fields) != 4 || fields[2] != "in" {
		return nil, nil, fmt.Errorf("%w: expected 'for <var> in <list>'", ErrSyntax)
	}
	body, rest, err := parseNodes(tokens, "for")
	if err != nil {
		return nil, nil, err
	}
	if len(rest) == 0 || rest[0].body != "endfor" {
		return nil, nil, fmt.Errorf("%w: expected endfor", ErrSyntax)
	}
	return &ForNode{Var: fields[1], List: fields[3], Body: body}, rest[1:], nil
}

func parseCond(expr string) (Cond, error) {
	var c Cond
	expr = strings.TrimSpace(expr)
	if strings.HasPrefix(expr, "not ") {
		c.Negate = true
		expr = strings.TrimSpace(expr[4:])
	}
	if lhs, rhs, found := strings.Cut(expr, "=="); found {
		c.Var = strings.TrimSpace(lhs)
		lit, err := parseArg(strings.TrimSpace(rhs))
		if err != nil {
			return c, err
		}
		c.HasCmp = true
		c.CmpLit = lit
	} else {
		c.Var = expr
	}
	if c.Var == "" {
		return c, fmt.Errorf("%w: empty condition", ErrSyntax)
	}
	return c, nil
}

// parseVarExpr parses "name | filter | filter(arg, arg)".
func parseVarExpr(expr string) (*VarNode, error) {
	parts := strings.Split(expr, "|")
	name := strings.TrimSpace(parts[0])
	if name == "" {
		return nil, fmt.Errorf("%w: empty variable expression", ErrSyntax)
	}
	node := &VarNode{Name: name}
	for _, part := range parts[1:] {
		call, err := parseFilterCall(strings.TrimSpace(part))
		if err != nil {
			return nil, err
		}
		node.Filters = append(node.Filters, call)
	}
	return node, nil
}

func parseFilterCall(s string) (FilterCall, error) {
	var call FilterCall
	if s == "" {
		return call, fmt.Errorf("%w: empty filter", ErrSyntax)
	}
	open := strings.IndexByte(s, '(')
	if open < 0 {
		call.Name = s
		return call, nil
	}
	if !strings.HasSuffix(s, ")") {
		return call, fmt.Errorf("%w: unterminated filter arguments in %q", ErrSyntax, s)
	}
	call.Name = strings.TrimSpace(s[:open])
	inner := s[open+1 : len(s)-1]
	if strings.TrimSpace(inner) == "" {
		return call, nil
	}
	for _, raw := range splitArgs(inner) {
		arg, err := parseArg(strings.TrimSpace(raw))
		if err != nil {
			return call, err
		}
		call.Args = append(call.Args, arg)
	}
	return call, nil
}

// splitArgs splits on commas outside quoted strings.
func splitArgs(s string) []string {
	var out []string
	depth := false
	start := 0
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\'', '"':
			depth = !depth
		case ',':
			if !depth {
				out = append(out, s[start:i])
				start = i + 1
			}
		}
	}
	out = append(out, s[start:])
	return out
}

func parseArg(s string) (FilterArg, error) {
	if s == "" {
		return FilterArg{}, fmt.Errorf("%w: empty argument", ErrSyntax)
	}
	if (s[0] == '\'' || s[0] == '"') && len(s) >= 2 && s[len(s)-1] == s[0] {
		return FilterArg{Str: s[1 : len(s)-1]}, nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return FilterArg{Num: f, IsNum: true}, nil
	}
	// Bare words are treated as strings (e.g. locale codes).
	return FilterArg{Str: s}, nil
}
