package template

import (
	"encoding/json"
	"fmt"
	"html"
	"regexp"
	"strconv"
	"strings"
	"time"

	"golang.org/x/text/currency"
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

// The fixed filter vocabulary. Filters receive the in-flight value plus
// literal arguments and either transform the value or fail with
// ErrTypeMismatch.
var filters = map[string]func(v any, args []FilterArg) (any, error){
	"truncate_words":  filterTruncateWords,
	"format_date":     filterFormatDate,
	"format_number":   filterFormatNumber,
	"format_currency": filterFormatCurrency,
	"sanitize_html":   filterSanitizeHTML,
	"to_json":         filterToJSON,
	"arabic_number":   filterArabicNumber,
	"upper":           func(v any, _ []FilterArg) (any, error) { return strings.ToUpper(toString(v)), nil },
	"lower":           func(v any, _ []FilterArg) (any, error) { return strings.ToLower(toString(v)), nil },
}

// KnownFilter reports whether name is part of the vocabulary.
func KnownFilter(name string) bool {
	_, ok := filters[name]
	return ok
}

func toString(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(t, 64)
		return f, err == nil
	}
	return 0, false
}

// truncate_words(n): keep the first n words and append an ellipsis.
func filterTruncateWords(v any, args []FilterArg) (any, error) {
	limit := 50
	if len(args) > 0 {
		if !args[0].IsNum {
			return nil, fmt.Errorf("%w: truncate_words expects a numeric limit", ErrTypeMismatch)
		}
		limit = int(args[0].Num)
	}
	words := strings.Fields(toString(v))
	if len(words) <= limit {
		return toString(v), nil
	}
	return strings.Join(words[:limit], " ") + "...", nil
}

// Styles for format_date. Month names are localized for Arabic; other
// locales fall back to Go's English month names.
var dateLayouts = map[string]string{
	"short":  "2006-01-02",
	"medium": "2 Jan 2006",
	"long":   "2 January 2006 15:04",
}

var arabicMonths = [...]string{
	"يناير", "فبراير", "مارس", "أبريل", "مايو", "يونيو",
	"يوليو", "أغسطس", "سبتمبر", "أكتوبر", "نوفمبر", "ديسمبر",
}

// format_date(style, locale): style ∈ {short, medium, long}.
func filterFormatDate(v any, args []FilterArg) (any, error) {
	t, err := toTime(v)
	if err != nil {
		return nil, err
	}
	style := "medium"
	locale := ""
	if len(args) > 0 {
		style = args[0].Str
	}
	if len(args) > 1 {
		locale = args[1].Str
	}
	layout, ok := dateLayouts[style]
	if !ok {
		return nil, fmt.Errorf("%w: unknown date style %q", ErrTypeMismatch, style)
	}
	out := t.Format(layout)
	if isArabic(locale) {
		if style != "short" {
			out = strings.Replace(out, t.Format("Jan"), arabicMonths[t.Month()-1], 1)
			out = strings.Replace(out, t.Format("January"), arabicMonths[t.Month()-1], 1)
		}
		out = westernToArabicDigits(out)
	}
	return out, nil
}

func toTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case time.Time:
		return t, nil
	case string:
		if parsed, err := time.Parse(time.RFC3339, t); err == nil {
			return parsed, nil
		}
		if parsed, err := time.Parse("2006-01-02", t); err == nil {
			return parsed, nil
		}
	case float64:
		return time.Unix(int64(t), 0).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("%w: format_date expects a date value, got %T", ErrTypeMismatch, v)
}

// format_number(locale): grouped decimal formatting per CLDR.
func filterFormatNumber(v any, args []FilterArg) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: format_number expects a numeric value, got %T", ErrTypeMismatch, v)
	}
	tag := language.English
	if len(args) > 0 {
		tag = parseLocale(args[0].Str)
	}
	p := message.NewPrinter(tag)
	if f == float64(int64(f)) {
		return p.Sprintf("%d", int64(f)), nil
	}
	return p.Sprintf("%.2f", f), nil
}

// format_currency(code, locale): ISO currency symbol plus localized amount.
func filterFormatCurrency(v any, args []FilterArg) (any, error) {
	f, ok := toFloat(v)
	if !ok {
		return nil, fmt.Errorf("%w: format_currency expects a numeric value, got %T", ErrTypeMismatch, v)
	}
	code := "USD"
	if len(args) > 0 {
		code = args[0].Str
	}
	unit, err := currency.ParseISO(code)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown currency code %q", ErrTypeMismatch, code)
	}
	tag := language.English
	if len(args) > 1 {
		tag = parseLocale(args[1].Str)
	}
	p := message.NewPrinter(tag)
	return p.Sprintf("%v", currency.Symbol(unit.Amount(f))), nil
}

var scriptBlockRe = regexp.MustCompile(`(?is)<(script|style)\b.*?</(script|style)>`)

// sanitize_html drops script/style blocks then escapes what remains.
func filterSanitizeHTML(v any, _ []FilterArg) (any, error) {
	s := scriptBlockRe.ReplaceAllString(toString(v), "")
	return html.EscapeString(s), nil
}

// to_json renders the value as compact JSON.
func filterToJSON(v any, _ []FilterArg) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("%w: value is not JSON-encodable: %v", ErrTypeMismatch, err)
	}
	return string(b), nil
}

var arabicDigits = map[rune]rune{
	'0': '٠', '1': '١', '2': '٢', '3': '٣', '4': '٤',
	'5': '٥', '6': '٦', '7': '٧', '8': '٨', '9': '٩',
}

func westernToArabicDigits(s string) string {
	return strings.Map(func(r rune) rune {
		if a, ok := arabicDigits[r]; ok {
			return a
		}
		return r
	}, s)
}

// arabic_number maps Western digits to Arabic-Indic digits.
func filterArabicNumber(v any, _ []FilterArg) (any, error) {
	return westernToArabicDigits(toString(v)), nil
}

func parseLocale(s string) language.Tag {
	tag, err := language.Parse(s)
	if err != nil {
		return language.English
	}
	return tag
}

func isArabic(locale string) bool {
	return locale == "ar" || strings.HasPrefix(locale, "ar-") || strings.HasPrefix(locale, "ar_")
}

// IsRTL reports whether the locale's script runs right to left.
func IsRTL(locale string) bool {
	tag := parseLocale(locale)
	base, _ := tag.Base()
	switch base.String() {
	case "ar", "he", "fa", "ur", "ps", "sd", "ug", "yi", "dv":
		return true
	}
	return false
}
