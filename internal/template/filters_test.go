package template

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFilterTruncateWords(t *testing.T) {
	got := render(t, `{{ text | truncate_words(3) }}`, map[string]any{"text": "one two three four five"})
	assert.Equal(t, "one two three...", got)

	got = render(t, `{{ text | truncate_words(10) }}`, map[string]any{"text": "short text"})
	assert.Equal(t, "short text", got)

	err := renderErr(t, `{{ text | truncate_words("lots") }}`, map[string]any{"text": "x"})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFilterCase(t *testing.T) {
	assert.Equal(t, "HELLO", render(t, `{{ s | upper }}`, map[string]any{"s": "hello"}))
	assert.Equal(t, "hello", render(t, `{{ s | lower }}`, map[string]any{"s": "HELLO"}))
}

func TestFilterFormatDate(t *testing.T) {
	vars := map[string]any{"d": "2025-06-01"}

	assert.Equal(t, "2025-06-01", render(t, `{{ d | format_date("short") }}`, vars))
	assert.Equal(t, "1 Jun 2025", render(t, `{{ d | format_date("medium") }}`, vars))
	assert.Equal(t, "1 June 2025 00:00", render(t, `{{ d | format_date("long") }}`, vars))

	// Arabic localizes the month name and the digits.
	got := render(t, `{{ d | format_date("medium", "ar") }}`, vars)
	assert.Contains(t, got, "يونيو")
	assert.Contains(t, got, "١")
	assert.NotContains(t, got, "2025")

	err := renderErr(t, `{{ d | format_date("galactic") }}`, vars)
	assert.ErrorIs(t, err, ErrTypeMismatch)

	err = renderErr(t, `{{ d | format_date }}`, map[string]any{"d": true})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFilterFormatNumber(t *testing.T) {
	assert.Equal(t, "1,234,567", render(t, `{{ n | format_number("en") }}`, map[string]any{"n": 1234567}))
	assert.Equal(t, "12.50", render(t, `{{ n | format_number("en") }}`, map[string]any{"n": 12.5}))

	err := renderErr(t, `{{ n | format_number }}`, map[string]any{"n": []any{}})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFilterFormatCurrency(t *testing.T) {
	got := render(t, `{{ amount | format_currency("USD", "en") }}`, map[string]any{"amount": 1234.5})
	assert.Contains(t, got, "$")
	assert.Contains(t, got, "1,234.50")

	err := renderErr(t, `{{ amount | format_currency("ZZZ") }}`, map[string]any{"amount": 1.0})
	assert.ErrorIs(t, err, ErrTypeMismatch)
}

func TestFilterSanitizeHTML(t *testing.T) {
	vars := map[string]any{"html": `<b>hi</b><script>alert("x")</script>`}
	got := render(t, `{{ html | sanitize_html }}`, vars)
	assert.NotContains(t, got, "<script>")
	assert.NotContains(t, got, "alert")
	assert.Contains(t, got, "&lt;b&gt;hi&lt;/b&gt;")
}

func TestFilterToJSON(t *testing.T) {
	got := render(t, `{{ v | to_json }}`, map[string]any{"v": map[string]any{"a": 1}})
	assert.Equal(t, `{"a":1}`, got)
}

func TestFilterArabicNumber(t *testing.T) {
	assert.Equal(t, "١٢٣", render(t, `{{ n | arabic_number }}`, map[string]any{"n": 123}))
}

func TestFilterChaining(t *testing.T) {
	got := render(t, `{{ s | lower | truncate_words(2) }}`, map[string]any{"s": "ONE TWO THREE"})
	assert.Equal(t, "one two...", got)
}

func TestKnownFilter(t *testing.T) {
	for _, name := range []string{"truncate_words", "format_date", "format_number", "format_currency", "sanitize_html", "to_json", "arabic_number", "upper", "lower"} {
		assert.True(t, KnownFilter(name), name)
	}
	assert.False(t, KnownFilter("explode"))
}

func TestToString(t *testing.T) {
	assert.Equal(t, "", toString(nil))
	assert.Equal(t, "3.5", toString(3.5))
	assert.Equal(t, "42", toString(42))
	assert.Equal(t, "true", toString(true))
	require.True(t, strings.Contains(toString([]any{1}), "1"))
}
