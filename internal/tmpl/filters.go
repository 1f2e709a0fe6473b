package tmpl

import (
	"fmt"
	"html"
	"math"
	"net/url"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/microcosm-cc/bluemonday"
	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// FilterFunc transforms a value. hasArg reports whether the filter was
// written with a :arg suffix.
type FilterFunc func(v interface{}, arg interface{}, hasArg bool) (interface{}, error)

var stripPolicy = bluemonday.StrictPolicy()

// title builds a caser per call; casers keep state between writes.
func title(s string) string {
	return cases.Title(language.Und).String(s)
}

func builtinFilters() map[string]FilterFunc {
	return map[string]FilterFunc{
		"default":         filterDefault,
		"default_if_none": filterDefaultIfNone,
		"length":          filterLength,
		"upper":           stringFilter(strings.ToUpper),
		"lower":           stringFilter(strings.ToLower),
		"title":           stringFilter(title),
		"capfirst":        stringFilter(capfirst),
		"striptags":       filterStriptags,
		"safe":            filterSafe,
		"escape":          filterEscape,
		"urlencode":       stringFilter(url.QueryEscape),
		"linebreaksbr":    filterLinebreaksbr,
		"truncatechars":   filterTruncatechars,
		"truncatewords":   filterTruncatewords,
		"join":            filterJoin,
		"first":           filterFirst,
		"last":            filterLast,
		"yesno":           filterYesno,
		"add":             filterAdd,
		"floatformat":     filterFloatformat,
		"pluralize":       filterPluralize,
		"cut":             filterCut,
		"date":            filterDate,
		"time":            filterTime,
	}
}

func stringFilter(fn func(string) string) FilterFunc {
	return func(v interface{}, _ interface{}, _ bool) (interface{}, error) {
		return fn(stringify(v)), nil
	}
}

func capfirst(s string) string {
	r, size := utf8.DecodeRuneInString(s)
	if size == 0 {
		return s
	}
	return strings.ToUpper(string(r)) + s[size:]
}

func filterDefault(v, arg interface{}, _ bool) (interface{}, error) {
	if truthy(v) {
		return v, nil
	}
	return arg, nil
}

func filterDefaultIfNone(v, arg interface{}, _ bool) (interface{}, error) {
	if v == nil {
		return arg, nil
	}
	return v, nil
}

func filterLength(v, _ interface{}, _ bool) (interface{}, error) {
	switch x := v.(type) {
	case nil:
		return 0, nil
	case string:
		return utf8.RuneCountInString(x), nil
	case SafeString:
		return utf8.RuneCountInString(string(x)), nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return 0, nil
}

func filterStriptags(v, _ interface{}, _ bool) (interface{}, error) {
	return html.UnescapeString(stripPolicy.Sanitize(stringify(v))), nil
}

func filterSafe(v, _ interface{}, _ bool) (interface{}, error) {
	return SafeString(stringify(v)), nil
}

func filterEscape(v, _ interface{}, _ bool) (interface{}, error) {
	return SafeString(html.EscapeString(stringify(v))), nil
}

func filterLinebreaksbr(v, _ interface{}, _ bool) (interface{}, error) {
	escaped := html.EscapeString(stringify(v))
	return SafeString(strings.ReplaceAll(escaped, "\n", "<br>")), nil
}

func intArg(arg interface{}) (int, error) {
	switch a := arg.(type) {
	case string:
		return strconv.Atoi(strings.TrimSpace(a))
	}
	if f, ok := toFloat(arg); ok {
		return int(f), nil
	}
	return 0, fmt.Errorf("expected an integer argument, got %T", arg)
}

func filterTruncatechars(v, arg interface{}, _ bool) (interface{}, error) {
	n, err := intArg(arg)
	if err != nil {
		return nil, err
	}
	s := stringify(v)
	if utf8.RuneCountInString(s) <= n {
		return s, nil
	}
	if n < 1 {
		return "…", nil
	}
	runes := []rune(s)
	return string(runes[:n-1]) + "…", nil
}

func filterTruncatewords(v, arg interface{}, _ bool) (interface{}, error) {
	n, err := intArg(arg)
	if err != nil {
		return nil, err
	}
	words := strings.Fields(stringify(v))
	if len(words) <= n {
		return strings.Join(words, " "), nil
	}
	return strings.Join(words[:n], " ") + " …", nil
}

func filterJoin(v, arg interface{}, _ bool) (interface{}, error) {
	sep := stringify(arg)
	items := iterate(v)
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = stringify(it)
	}
	return strings.Join(parts, sep), nil
}

func filterFirst(v, _ interface{}, _ bool) (interface{}, error) {
	items := iterate(v)
	if len(items) == 0 {
		return "", nil
	}
	return items[0], nil
}

func filterLast(v, _ interface{}, _ bool) (interface{}, error) {
	items := iterate(v)
	if len(items) == 0 {
		return "", nil
	}
	return items[len(items)-1], nil
}

func filterYesno(v, arg interface{}, hasArg bool) (interface{}, error) {
	choices := []string{"yes", "no", "maybe"}
	if hasArg {
		parts := strings.Split(stringify(arg), ",")
		if len(parts) < 2 {
			return v, nil
		}
		choices = []string{parts[0], parts[1], parts[1]}
		if len(parts) >= 3 {
			choices[2] = parts[2]
		}
	}
	switch {
	case v == nil:
		return choices[2], nil
	case truthy(v):
		return choices[0], nil
	default:
		return choices[1], nil
	}
}

func filterAdd(v, arg interface{}, _ bool) (interface{}, error) {
	lf, lok := numeric(v)
	rf, rok := numeric(arg)
	if lok && rok {
		if lf == math.Trunc(lf) && rf == math.Trunc(rf) {
			return int64(lf + rf), nil
		}
		return lf + rf, nil
	}
	if ls, ok := v.(string); ok {
		return ls + stringify(arg), nil
	}
	return "", nil
}

func numeric(v interface{}) (float64, bool) {
	if f, ok := toFloat(v); ok {
		return f, true
	}
	if s, ok := v.(string); ok {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		return f, err == nil
	}
	return 0, false
}

func filterFloatformat(v, arg interface{}, hasArg bool) (interface{}, error) {
	f, ok := numeric(v)
	if !ok {
		return "", nil
	}
	places := -1
	if hasArg {
		n, err := intArg(arg)
		if err != nil {
			return nil, err
		}
		places = n
	}
	switch {
	case places < 0:
		// Negative: at most |places| digits, none for whole numbers.
		if f == math.Trunc(f) {
			return strconv.FormatFloat(f, 'f', 0, 64), nil
		}
		return strconv.FormatFloat(f, 'f', -places, 64), nil
	default:
		return strconv.FormatFloat(f, 'f', places, 64), nil
	}
}

func filterPluralize(v, arg interface{}, hasArg bool) (interface{}, error) {
	singular, plural := "", "s"
	if hasArg {
		parts := strings.SplitN(stringify(arg), ",", 2)
		if len(parts) == 2 {
			singular, plural = parts[0], parts[1]
		} else {
			plural = parts[0]
		}
	}
	n, ok := numeric(v)
	if !ok {
		l, _ := filterLength(v, nil, false)
		n = float64(l.(int))
	}
	if n == 1 {
		return singular, nil
	}
	return plural, nil
}

func filterCut(v, arg interface{}, _ bool) (interface{}, error) {
	return strings.ReplaceAll(stringify(v), stringify(arg), ""), nil
}

// asTime accepts time values and the ISO strings the serializers produce.
func asTime(v interface{}) (time.Time, bool) {
	switch x := v.(type) {
	case time.Time:
		return x, true
	case *time.Time:
		if x == nil {
			return time.Time{}, false
		}
		return *x, true
	case string:
		for _, layout := range []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02", "15:04:05.999999", "15:04:05"} {
			if t, err := time.Parse(layout, x); err == nil {
				return t, true
			}
		}
	}
	return time.Time{}, false
}

func filterDate(v, arg interface{}, hasArg bool) (interface{}, error) {
	t, ok := asTime(v)
	if !ok {
		return "", nil
	}
	format := "N j, Y"
	if hasArg {
		format = stringify(arg)
	}
	return FormatDate(t, format), nil
}

func filterTime(v, arg interface{}, hasArg bool) (interface{}, error) {
	t, ok := asTime(v)
	if !ok {
		return "", nil
	}
	format := "P"
	if hasArg {
		format = stringify(arg)
	}
	return FormatDate(t, format), nil
}

// FormatDate formats t with Django date format characters. Unknown
// characters are copied and a backslash escapes the next one.
func FormatDate(t time.Time, format string) string {
	var b strings.Builder
	for i := 0; i < len(format); i++ {
		c := format[i]
		switch c {
		case '\\':
			if i+1 < len(format) {
				i++
				b.WriteByte(format[i])
			}
		case 'Y':
			b.WriteString(strconv.Itoa(t.Year()))
		case 'y':
			b.WriteString(t.Format("06"))
		case 'm':
			b.WriteString(t.Format("01"))
		case 'n':
			b.WriteString(strconv.Itoa(int(t.Month())))
		case 'd':
			b.WriteString(t.Format("02"))
		case 'j':
			b.WriteString(strconv.Itoa(t.Day()))
		case 'H':
			b.WriteString(t.Format("15"))
		case 'G':
			b.WriteString(strconv.Itoa(t.Hour()))
		case 'g':
			b.WriteString(t.Format("3"))
		case 'h':
			b.WriteString(t.Format("03"))
		case 'i':
			b.WriteString(t.Format("04"))
		case 's':
			b.WriteString(t.Format("05"))
		case 'A':
			b.WriteString(t.Format("PM"))
		case 'a':
			if t.Hour() < 12 {
				b.WriteString("a.m.")
			} else {
				b.WriteString("p.m.")
			}
		case 'P':
			b.WriteString(djangoP(t))
		case 'M':
			b.WriteString(t.Format("Jan"))
		case 'b':
			b.WriteString(strings.ToLower(t.Format("Jan")))
		case 'N':
			b.WriteString(apMonth(t.Month()))
		case 'F':
			b.WriteString(t.Format("January"))
		case 'D':
			b.WriteString(t.Format("Mon"))
		case 'l':
			b.WriteString(t.Format("Monday"))
		case 'U':
			b.WriteString(strconv.FormatInt(t.Unix(), 10))
		case 'c':
			b.WriteString(t.Format(time.RFC3339))
		default:
			b.WriteByte(c)
		}
	}
	return b.String()
}

func djangoP(t time.Time) string {
	switch {
	case t.Hour() == 0 && t.Minute() == 0:
		return "midnight"
	case t.Hour() == 12 && t.Minute() == 0:
		return "noon"
	}
	suffix := " a.m."
	if t.Hour() >= 12 {
		suffix = " p.m."
	}
	if t.Minute() == 0 {
		return t.Format("3") + suffix
	}
	return t.Format("3:04") + suffix
}

func apMonth(m time.Month) string {
	switch m {
	case time.January:
		return "Jan."
	case time.February:
		return "Feb."
	case time.August:
		return "Aug."
	case time.September:
		return "Sept."
	case time.October:
		return "Oct."
	case time.November:
		return "Nov."
	case time.December:
		return "Dec."
	}
	return m.String()
}
