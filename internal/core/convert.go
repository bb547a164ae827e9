package core

// convert.go parses the date formats seen in REDCap exports and converts
// clean field values to PostgreSQL types for the warehouse loader.
//
// All ToPg* functions return pgtype values with Valid=false for empty/invalid
// input, allowing the database to handle NULLs appropriately.

import (
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

// numericRegex validates that a string is a valid numeric format after cleanup.
// Matches integers, decimals, and scientific notation.
var numericRegex = regexp.MustCompile(`^[+-]?(\d+(\.\d*)?|\.\d+)([eE][+-]?\d+)?$`)

// TwoDigitYearPivot defines how 2-digit years are interpreted.
// Years more than this many years after the reference year are assumed to be
// in the previous century.
var TwoDigitYearPivot = 20

// Canonical layouts written back into clean records.
const (
	DateLayout     = "2006-01-02"
	DatetimeLayout = "2006-01-02 15:04:05"
)

// Layouts split by year format for proper 2-digit year handling. REDCap
// exports raw dates as Y-M-D regardless of the field's validation, but
// imported legacy data and free-text fields carry the rest.
var (
	datetimeLayouts = []string{
		"2006-01-02 15:04:05", "2006-01-02 15:04", "2006-01-02T15:04:05",
		"2006-01-02T15:04:05Z07:00", "01/02/2006 15:04", "1/2/2006 15:04",
		"01/02/2006 15:04:05",
	}
	fourDigitYearLayouts = []string{
		"2006-01-02", "2006/01/02", "2006.01.02",
		"1/2/2006", "01/02/2006", "1-2-2006", "01-02-2006", "1.2.2006", "01.02.2006",
		"Jan 2, 2006", "2 Jan 2006",
		"20060102",
	}
	twoDigitYearLayouts = []string{
		"1/2/06", "01/02/06", "1-2-06", "1.2.06", "01.02.06",
	}
)

// ParseDateTime parses a REDCap date or datetime value. hasTime reports whether
// the value carried a time of day. ref anchors the 2-digit year pivot, so the
// result depends only on the inputs.
func ParseDateTime(s string, ref time.Time) (t time.Time, hasTime bool, ok bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, false, false
	}

	for _, layout := range datetimeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true, true
		}
	}

	// Try 4-digit year layouts first (unambiguous)
	for _, layout := range fourDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, false, true
		}
	}

	pivotYear := ref.Year() + TwoDigitYearPivot
	for _, layout := range twoDigitYearLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			if t.Year() > pivotYear {
				t = t.AddDate(-100, 0, 0)
			}
			return t, false, true
		}
	}

	return time.Time{}, false, false
}

// CanonicalDateTime rewrites a parseable date to DateLayout or DatetimeLayout.
func CanonicalDateTime(s string, ref time.Time) (string, bool) {
	t, hasTime, ok := ParseDateTime(s, ref)
	if !ok {
		return "", false
	}
	if hasTime {
		return t.Format(DatetimeLayout), true
	}
	return t.Format(DateLayout), true
}

// ToPgText converts a string to pgtype.Text.
// Returns invalid if the string is empty or only whitespace.
func ToPgText(s string) pgtype.Text {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Text{Valid: false}
	}
	return pgtype.Text{String: s, Valid: true}
}

// ToPgDate converts a string to pgtype.Date.
func ToPgDate(s string) pgtype.Date {
	t, _, ok := ParseDateTime(s, time.Now())
	if !ok {
		return pgtype.Date{Valid: false}
	}
	y, m, d := t.Date()
	return pgtype.Date{Time: time.Date(y, m, d, 0, 0, 0, 0, time.UTC), Valid: true}
}

// ToPgTimestamp converts a string to pgtype.Timestamptz. Date-only values
// become midnight UTC.
func ToPgTimestamp(s string) pgtype.Timestamptz {
	t, _, ok := ParseDateTime(s, time.Now())
	if !ok {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

// ToPgTime wraps a non-zero time as pgtype.Timestamptz.
func ToPgTime(t time.Time) pgtype.Timestamptz {
	if t.IsZero() {
		return pgtype.Timestamptz{Valid: false}
	}
	return pgtype.Timestamptz{Time: t.UTC(), Valid: true}
}

// ToPgNumeric converts a string to pgtype.Numeric.
// Thousands separators are dropped.
func ToPgNumeric(s string) pgtype.Numeric {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Numeric{Valid: false}
	}

	s = strings.ReplaceAll(s, ",", "")
	if !numericRegex.MatchString(s) {
		return pgtype.Numeric{Valid: false}
	}

	var n pgtype.Numeric
	if err := n.Scan(s); err != nil {
		return pgtype.Numeric{Valid: false}
	}
	return n
}

// ToPgInt8 converts a string to pgtype.Int8. Values like "3.0" are accepted.
func ToPgInt8(s string) pgtype.Int8 {
	s = strings.TrimSpace(s)
	if s == "" {
		return pgtype.Int8{Valid: false}
	}
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return pgtype.Int8{Int64: i, Valid: true}
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil || f != float64(int64(f)) {
		return pgtype.Int8{Valid: false}
	}
	return pgtype.Int8{Int64: int64(f), Valid: true}
}

// ToPgBool converts a string to pgtype.Bool.
// Accepts various representations: true/false, yes/no, t/f, y/n, 1/0.
func ToPgBool(s string) pgtype.Bool {
	s = strings.TrimSpace(strings.ToLower(s))
	if s == "" {
		return pgtype.Bool{Valid: false}
	}

	switch s {
	case "true", "t", "yes", "y", "1", "checked":
		return pgtype.Bool{Bool: true, Valid: true}
	case "false", "f", "no", "n", "0", "unchecked":
		return pgtype.Bool{Bool: false, Valid: true}
	default:
		return pgtype.Bool{Valid: false}
	}
}

// ToPgValue converts a clean field value to the pgtype matching dt.
func ToPgValue(dt DataType, s string) any {
	switch dt {
	case TypeInteger:
		return ToPgInt8(s)
	case TypeNumeric:
		return ToPgNumeric(s)
	case TypeDate:
		return ToPgDate(s)
	case TypeDatetime:
		return ToPgTimestamp(s)
	case TypeBool:
		return ToPgBool(s)
	default:
		return ToPgText(s)
	}
}

// HeaderIndex maps a lowercased column name to its position.
type HeaderIndex map[string]int

// MakeHeaderIndex creates a HeaderIndex from a CSV header row.
// Keys are lowercased for case-insensitive matching.
func MakeHeaderIndex(header []string) HeaderIndex {
	idx := make(HeaderIndex, len(header))
	for i, h := range header {
		key := strings.ToLower(CleanCell(h))
		idx[key] = i
	}
	return idx
}

// CleanCell removes common CSV artifacts from a header cell: surrounding
// whitespace, an Excel formula prefix and surrounding quotes.
func CleanCell(s string) string {
	s = strings.TrimSpace(s)

	if strings.HasPrefix(s, "=\"") && strings.HasSuffix(s, "\"") {
		s = s[2 : len(s)-1]
	} else if strings.HasPrefix(s, "=") {
		s = s[1:]
	}

	return strings.Trim(s, `"'`)
}
