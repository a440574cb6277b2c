package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func render(t *testing.T, body string, vars map[string]any) string {
	t.Helper()
	out, err := NewRenderer().Render(&Template{Body: body}, vars, "")
	require.NoError(t, err)
	return out.Body
}

func renderErr(t *testing.T, body string, vars map[string]any) error {
	t.Helper()
	_, err := NewRenderer().Render(&Template{Body: body}, vars, "")
	require.Error(t, err)
	return err
}

func TestRenderSubstitution(t *testing.T) {
	got := render(t, "Hello {{ name }}, balance {{ balance }}", map[string]any{
		"name":    "Sara",
		"balance": 12.5,
	})
	assert.Equal(t, "Hello Sara, balance 12.5", got)
}

func TestRenderDottedPath(t *testing.T) {
	vars := map[string]any{
		"user": map[string]any{
			"profile": map[string]any{"name": "Omar"},
		},
	}
	assert.Equal(t, "Omar", render(t, "{{ user.profile.name }}", vars))

	err := renderErr(t, "{{ user.profile.age }}", vars)
	assert.ErrorIs(t, err, ErrMissingVariable)

	err = renderErr(t, "{{ user.profile.name.x }}", vars)
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRenderMissingVariable(t *testing.T) {
	err := renderErr(t, "Hello {{ name }}", map[string]any{})
	assert.ErrorIs(t, err, ErrMissingVariable)
}

func TestRenderSubject(t *testing.T) {
	subject := "Order {{ id }}"
	out, err := NewRenderer().Render(&Template{Subject: &subject, Body: "thanks"}, map[string]any{"id": 7}, "")
	require.NoError(t, err)
	assert.Equal(t, "Order 7", out.Subject)
	assert.Equal(t, "thanks", out.Body)
}

func TestRenderConditionals(t *testing.T) {
	vars := map[string]any{"vip": true, "status": "active", "count": 3}

	assert.Equal(t, "gold", render(t, `{% if vip %}gold{% else %}standard{% endif %}`, vars))
	assert.Equal(t, "standard", render(t, `{% if vip %}gold{% else %}standard{% endif %}`, map[string]any{"vip": false}))
	assert.Equal(t, "on", render(t, `{% if status == "active" %}on{% else %}off{% endif %}`, vars))
	assert.Equal(t, "three", render(t, `{% if count == 3 %}three{% endif %}`, vars))
	assert.Equal(t, "quiet", render(t, `{% if not vip %}loud{% else %}quiet{% endif %}`, vars))

	// A missing condition variable is falsy, not an error.
	assert.Equal(t, "off", render(t, `{% if nonsense %}on{% else %}off{% endif %}`, vars))
	assert.Equal(t, "on", render(t, `{% if not nonsense %}on{% endif %}`, vars))
}

func TestRenderTruthiness(t *testing.T) {
	body := `{% if v %}t{% else %}f{% endif %}`
	assert.Equal(t, "f", render(t, body, map[string]any{"v": ""}))
	assert.Equal(t, "f", render(t, body, map[string]any{"v": 0}))
	assert.Equal(t, "f", render(t, body, map[string]any{"v": []any{}}))
	assert.Equal(t, "t", render(t, body, map[string]any{"v": "x"}))
	assert.Equal(t, "t", render(t, body, map[string]any{"v": []any{1}}))
}

func TestRenderForLoop(t *testing.T) {
	vars := map[string]any{
		"items": []any{"alpha", "beta"},
		"item":  "outer",
	}
	got := render(t, `{% for item in items %}[{{ item }}]{% endfor %}{{ item }}`, vars)
	// The loop variable shadows the outer binding without clobbering it.
	assert.Equal(t, "[alpha][beta]outer", got)

	err := renderErr(t, `{% for x in items %}{{ x }}{% endfor %}`, map[string]any{"items": "not a list"})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestRenderRTLWrapping(t *testing.T) {
	subject := "{{ s }}"
	out, err := NewRenderer().Render(&Template{Subject: &subject, Body: "مرحبا {{ name }}"}, map[string]any{"s": "hi", "name": "سارة"}, "ar")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out.Body, rtlEmbed))
	assert.True(t, strings.HasSuffix(out.Body, rtlPop))
	assert.True(t, strings.HasPrefix(out.Subject, rtlEmbed))

	// LTR locales pass through untouched.
	out, err = NewRenderer().Render(&Template{Body: "hi"}, nil, "en")
	require.NoError(t, err)
	assert.Equal(t, "hi", out.Body)
}

func TestIsRTL(t *testing.T) {
	assert.True(t, IsRTL("ar"))
	assert.True(t, IsRTL("ar-SA"))
	assert.True(t, IsRTL("he"))
	assert.True(t, IsRTL("fa"))
	assert.False(t, IsRTL("en"))
	assert.False(t, IsRTL(""))
	assert.False(t, IsRTL("garbage!!"))
}

func TestValidate(t *testing.T) {
	r := NewRenderer()

	tpl := &Template{
		Body:   "Hi {{ name }}, {{ count | format_number }} items",
		Schema: Schema{"name": {Type: VarString, Required: true}, "count": {Type: VarNumber}},
	}
	assert.NoError(t, r.Validate(tpl))

	undeclared := &Template{Body: "{{ mystery }}", Schema: Schema{}}
	assert.ErrorIs(t, r.Validate(undeclared), ErrMissingVariable)

	badFilter := &Template{
		Body:   "{{ name | explode }}",
		Schema: Schema{"name": {Type: VarString}},
	}
	assert.ErrorIs(t, r.Validate(badFilter), ErrSyntax)

	badSyntax := &Template{Body: "{% if %}x{% endif %}", Schema: Schema{}}
	assert.ErrorIs(t, r.Validate(badSyntax), ErrSyntax)

	subject := "{{ other }}"
	subjectVars := &Template{
		Subject: &subject,
		Body:    "ok",
		Schema:  Schema{},
	}
	assert.ErrorIs(t, r.Validate(subjectVars), ErrMissingVariable)
}

func TestCheckRequired(t *testing.T) {
	schema := Schema{
		"name":  {Type: VarString, Required: true},
		"extra": {Type: VarString},
	}
	assert.NoError(t, CheckRequired(schema, map[string]any{"name": "x"}))
	assert.ErrorIs(t, CheckRequired(schema, map[string]any{"extra": "x"}), ErrMissingVariable)
}
