package schema

import (
	"fmt"
	"math/big"
	"strings"
	"time"
)

// Date is a calendar date without a time of day.
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

// DateOf returns the date of t in t's location.
func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

// ParseDate parses YYYY-MM-DD.
func ParseDate(s string) (Date, error) {
	t, err := time.Parse("2006-01-02", s)
	if err != nil {
		return Date{}, err
	}
	return DateOf(t), nil
}

// Time returns midnight UTC of d.
func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

// String returns the ISO form.
func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, int(d.Month), d.Day)
}

// Clock is a time of day.
type Clock struct {
	Hour, Minute, Second int
	Nanosecond           int
}

// ClockOf returns the time of day of t.
func ClockOf(t time.Time) Clock {
	return Clock{Hour: t.Hour(), Minute: t.Minute(), Second: t.Second(), Nanosecond: t.Nanosecond()}
}

// String returns HH:MM:SS, with microseconds when non-zero.
func (c Clock) String() string {
	s := fmt.Sprintf("%02d:%02d:%02d", c.Hour, c.Minute, c.Second)
	if us := c.Nanosecond / 1000; us != 0 {
		s += fmt.Sprintf(".%06d", us)
	}
	return s
}

// Decimal is an exact fixed-point number.
type Decimal struct {
	rat   *big.Rat
	scale int
}

// ParseDecimal parses a decimal literal such as "-12.50". The scale is the
// number of digits after the point.
func ParseDecimal(s string) (Decimal, error) {
	s = strings.TrimSpace(s)
	r, ok := new(big.Rat).SetString(s)
	if !ok || strings.ContainsAny(s, "/eE") {
		return Decimal{}, fmt.Errorf("invalid decimal %q", s)
	}
	scale := 0
	if i := strings.IndexByte(s, '.'); i >= 0 {
		scale = len(s) - i - 1
	}
	return Decimal{rat: r, scale: scale}, nil
}

// MustDecimal is ParseDecimal for constants.
func MustDecimal(s string) Decimal {
	d, err := ParseDecimal(s)
	if err != nil {
		panic(err)
	}
	return d
}

// String returns the exact value with its scale.
func (d Decimal) String() string {
	if d.rat == nil {
		return "0"
	}
	return d.rat.FloatString(d.scale)
}

// Float64 returns the nearest float64 and whether it is exact.
func (d Decimal) Float64() (float64, bool) {
	if d.rat == nil {
		return 0, true
	}
	return d.rat.Float64()
}

// Scale returns the number of fractional digits.
func (d Decimal) Scale() int { return d.scale }

// FileRef is a stored file handle. An empty Name means no file is attached.
type FileRef struct {
	Name string
}

// Empty reports whether no file is attached.
func (f FileRef) Empty() bool { return f.Name == "" }

func (f FileRef) String() string { return f.Name }
