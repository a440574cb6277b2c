package template

import (
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParsePlainText(t *testing.T) {
	p, err := Parse("hello world")
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)
	text, ok := p.Nodes[0].(*TextNode)
	require.True(t, ok)
	assert.Equal(t, "hello world", text.Text)
}

func TestParseVariableWithFilters(t *testing.T) {
	p, err := Parse(`Hi {{ user.name | upper | truncate_words(3) }}!`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 3)

	v, ok := p.Nodes[1].(*VarNode)
	require.True(t, ok)
	assert.Equal(t, "user.name", v.Name)
	require.Len(t, v.Filters, 2)
	assert.Equal(t, "upper", v.Filters[0].Name)
	assert.Equal(t, "truncate_words", v.Filters[1].Name)
	require.Len(t, v.Filters[1].Args, 1)
	assert.True(t, v.Filters[1].Args[0].IsNum)
	assert.Equal(t, float64(3), v.Filters[1].Args[0].Num)
}

func TestParseIfElse(t *testing.T) {
	p, err := Parse(`{% if vip %}gold{% else %}standard{% endif %}`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)

	n, ok := p.Nodes[0].(*IfNode)
	require.True(t, ok)
	assert.Equal(t, "vip", n.Cond.Var)
	assert.False(t, n.Cond.HasCmp)
	require.Len(t, n.Then, 1)
	require.Len(t, n.Else, 1)
}

func TestParseForLoop(t *testing.T) {
	p, err := Parse(`{% for item in items %}* {{ item }} {% endfor %}`)
	require.NoError(t, err)
	require.Len(t, p.Nodes, 1)

	n, ok := p.Nodes[0].(*ForNode)
	require.True(t, ok)
	assert.Equal(t, "item", n.Var)
	assert.Equal(t, "items", n.List)
}

func TestParseSyntaxErrors(t *testing.T) {
	cases := []string{
		"{{ name",
		"{% if x %}never closed",
		"{% endfor %}",
		"{% else %}",
		"{% frobnicate x %}",
		"{{ }}",
		"{% for item items %}x{% endfor %}",
	}
	for _, src := range cases {
		_, err := Parse(src)
		assert.ErrorIs(t, err, ErrSyntax, "source %q", src)
	}
}

func TestVariablesExcludeLoopLocals(t *testing.T) {
	p, err := Parse(`{{ greeting }}{% for it in items %}{{ it }} {{ suffix }}{% endfor %}{% if user.vip %}x{% endif %}`)
	require.NoError(t, err)

	vars := p.Variables()
	sort.Strings(vars)
	assert.Equal(t, []string{"greeting", "items", "suffix", "user"}, vars)
}

// Serialization must be a fixed point: rendering a reparsed serialization
// gives the same output as rendering the original parse.
func TestSerializeRoundTrip(t *testing.T) {
	sources := []string{
		`Hello {{ name }}, you have {{ count | format_number("en") }} items.`,
		`{% if status == "active" %}on{% else %}off{% endif %}`,
		`{% if not muted %}{% for m in messages %}- {{ m | truncate_words(5) }}
{% endfor %}{% endif %}`,
		`{{ total | format_currency("USD", "en") }} due {{ due | format_date("short") }}`,
	}
	vars := map[string]any{
		"name":     "Omar",
		"count":    1200,
		"status":   "active",
		"muted":    false,
		"messages": []any{"first message here now ok extra", "second"},
		"total":    42.5,
		"due":      "2025-06-01",
	}
	r := NewRenderer()

	for _, src := range sources {
		first, err := Parse(src)
		require.NoError(t, err, src)

		reparsed, err := Parse(first.Serialize())
		require.NoError(t, err, src)

		wantTpl := &Template{Body: src, Schema: Schema{}}
		gotTpl := &Template{Body: reparsed.Serialize(), Schema: Schema{}}
		want, err := r.Render(wantTpl, vars, "")
		require.NoError(t, err, src)
		got, err := r.Render(gotTpl, vars, "")
		require.NoError(t, err, src)
		assert.Equal(t, want.Body, got.Body, src)
	}
}
