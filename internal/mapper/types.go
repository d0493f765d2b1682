package mapper

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Guizzs26/go-sync-engine/internal/models"
)

const dateLayout = "2006-01-02"

// Date is a calendar day without a time zone
type Date struct {
	Year  int
	Month time.Month
	Day   int
}

func DateOf(t time.Time) Date {
	y, m, d := t.Date()
	return Date{Year: y, Month: m, Day: d}
}

func (d Date) Time() time.Time {
	return time.Date(d.Year, d.Month, d.Day, 0, 0, 0, 0, time.UTC)
}

func (d Date) String() string {
	return fmt.Sprintf("%04d-%02d-%02d", d.Year, d.Month, d.Day)
}

func (d Date) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// Interval follows the Postgres model: months and days are kept apart from
// the clock part because their length depends on the calendar
type Interval struct {
	Months int32
	Days   int32
	Micros int64
}

// ParseInterval accepts a number of seconds, a Go duration ("1h30m") or the
// Postgres output format ("1 year 2 mons 3 days 04:05:06.5")
func ParseInterval(s string) (Interval, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return Interval{}, errors.New("empty interval")
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return Interval{Micros: int64(f * 1e6)}, nil
	}
	if !strings.ContainsAny(s, " :") {
		if d, err := time.ParseDuration(s); err == nil {
			return Interval{Micros: d.Microseconds()}, nil
		}
	}

	var iv Interval
	fields := strings.Fields(s)
	for i := 0; i < len(fields); i++ {
		f := fields[i]
		if strings.Contains(f, ":") {
			micros, err := parseClock(f)
			if err != nil {
				return Interval{}, err
			}
			iv.Micros += micros
			continue
		}
		n, err := strconv.ParseInt(f, 10, 32)
		if err != nil || i+1 >= len(fields) {
			return Interval{}, fmt.Errorf("malformed interval %q", s)
		}
		i++
		unit := strings.TrimSuffix(strings.ToLower(fields[i]), "s")
		switch unit {
		case "year":
			iv.Months += int32(n) * 12
		case "mon", "month":
			iv.Months += int32(n)
		case "week":
			iv.Days += int32(n) * 7
		case "day":
			iv.Days += int32(n)
		case "hour":
			iv.Micros += n * int64(time.Hour/time.Microsecond)
		case "min", "minute":
			iv.Micros += n * int64(time.Minute/time.Microsecond)
		case "sec", "second":
			iv.Micros += n * int64(time.Second/time.Microsecond)
		default:
			return Interval{}, fmt.Errorf("unknown interval unit %q", fields[i])
		}
	}
	return iv, nil
}

// parseClock reads [-]H:MM[:SS[.ffffff]]
func parseClock(s string) (int64, error) {
	neg := strings.HasPrefix(s, "-")
	s = strings.TrimLeft(s, "+-")
	parts := strings.Split(s, ":")
	if len(parts) < 2 || len(parts) > 3 {
		return 0, fmt.Errorf("malformed interval clock %q", s)
	}
	h, err1 := strconv.ParseInt(parts[0], 10, 64)
	m, err2 := strconv.ParseInt(parts[1], 10, 64)
	if err1 != nil || err2 != nil {
		return 0, fmt.Errorf("malformed interval clock %q", s)
	}
	var sec float64
	if len(parts) == 3 {
		var err error
		if sec, err = strconv.ParseFloat(parts[2], 64); err != nil {
			return 0, fmt.Errorf("malformed interval clock %q", s)
		}
	}
	micros := (h*3600+m*60)*1e6 + int64(sec*1e6+0.5)
	if neg {
		micros = -micros
	}
	return micros, nil
}

// String renders the Postgres input format, also used as the stored text form
func (iv Interval) String() string {
	var parts []string
	if iv.Months != 0 {
		parts = append(parts, fmt.Sprintf("%d mons", iv.Months))
	}
	if iv.Days != 0 {
		parts = append(parts, fmt.Sprintf("%d days", iv.Days))
	}
	if iv.Micros != 0 || len(parts) == 0 {
		micros := iv.Micros
		sign := ""
		if micros < 0 {
			sign = "-"
			micros = -micros
		}
		h := micros / 3600e6
		m := micros / 60e6 % 60
		sec := micros / 1e6 % 60
		frac := micros % 1e6
		clock := fmt.Sprintf("%s%02d:%02d:%02d", sign, h, m, sec)
		if frac != 0 {
			clock += strings.TrimRight(fmt.Sprintf(".%06d", frac), "0")
		}
		parts = append(parts, clock)
	}
	return strings.Join(parts, " ")
}

func (iv Interval) MarshalText() ([]byte, error) {
	return []byte(iv.String()), nil
}

// Range is a Postgres-style range. Nil bounds are unbounded
type Range struct {
	Lower    any
	Upper    any
	LowerInc bool
	UpperInc bool
	Empty    bool
}

// ParseRange reads a range literal such as [2024-01-01,2024-02-01) or
// ["2024-01-01 00:00:00+00","2024-02-01 00:00:00+00"). elem describes the
// bound type
func ParseRange(elem models.Column, s string) (Range, error) {
	s = strings.TrimSpace(s)
	if strings.EqualFold(s, "empty") {
		return Range{Empty: true}, nil
	}
	if len(s) < 3 {
		return Range{}, fmt.Errorf("malformed range %q", s)
	}
	open, closing := s[0], s[len(s)-1]
	if open != '[' && open != '(' || closing != ']' && closing != ')' {
		return Range{}, fmt.Errorf("malformed range %q", s)
	}
	bounds := splitTopLevel(s[1 : len(s)-1])
	if len(bounds) != 2 {
		return Range{}, fmt.Errorf("range %q must have two bounds", s)
	}

	r := Range{LowerInc: open == '[', UpperInc: closing == ']'}
	var err error
	if r.Lower, err = rangeBound(elem, bounds[0]); err != nil {
		return Range{}, err
	}
	if r.Upper, err = rangeBound(elem, bounds[1]); err != nil {
		return Range{}, err
	}
	if r.Lower == nil {
		r.LowerInc = false
	}
	if r.Upper == nil {
		r.UpperInc = false
	}
	return r, nil
}

func rangeBound(elem models.Column, tok token) (any, error) {
	text := tok.text
	if !tok.quoted {
		text = strings.TrimSpace(text)
		if text == "" {
			return nil, nil
		}
	}
	return Normalize(elem, text)
}

// rangeFromObject reads {"lower": .., "upper": .., "bounds": "[)"}
func rangeFromObject(elem models.Column, obj map[string]any) (Range, error) {
	if empty, _ := obj["empty"].(bool); empty {
		return Range{Empty: true}, nil
	}
	bounds, _ := obj["bounds"].(string)
	if bounds == "" {
		bounds = "[)"
	}
	if len(bounds) != 2 {
		return Range{}, fmt.Errorf("malformed range bounds %q", bounds)
	}
	r := Range{LowerInc: bounds[0] == '[', UpperInc: bounds[1] == ']'}
	var err error
	if r.Lower, err = Normalize(elem, obj["lower"]); err != nil {
		return Range{}, err
	}
	if r.Upper, err = Normalize(elem, obj["upper"]); err != nil {
		return Range{}, err
	}
	return r, nil
}

// String renders the range literal with every bound quoted
func (r Range) String() string {
	if r.Empty {
		return "empty"
	}
	var b strings.Builder
	if r.LowerInc {
		b.WriteByte('[')
	} else {
		b.WriteByte('(')
	}
	if r.Lower != nil {
		b.WriteString(quoteElement(TextOf(r.Lower)))
	}
	b.WriteByte(',')
	if r.Upper != nil {
		b.WriteString(quoteElement(TextOf(r.Upper)))
	}
	if r.UpperInc {
		b.WriteByte(']')
	} else {
		b.WriteByte(')')
	}
	return b.String()
}

func (r Range) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func quoteElement(s string) string {
	s = strings.ReplaceAll(s, `\`, `\\`)
	s = strings.ReplaceAll(s, `"`, `\"`)
	return `"` + s + `"`
}

// ArrayLiteral renders canonical elements as a Postgres array literal
func ArrayLiteral(items []any) string {
	parts := make([]string, len(items))
	for i, item := range items {
		if item == nil {
			parts[i] = "NULL"
			continue
		}
		parts[i] = quoteElement(TextOf(item))
	}
	return "{" + strings.Join(parts, ",") + "}"
}
