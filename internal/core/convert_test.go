package core

import (
	"fmt"
	"testing"
	"time"
)

var refTime = time.Date(2024, 6, 1, 0, 0, 0, 0, time.UTC)

// ----------------------------------------------------------------------------
// ParseDateTime / CanonicalDateTime Tests
// ----------------------------------------------------------------------------

func TestCanonicalDateTime(t *testing.T) {
	tests := []struct {
		name   string
		input  string
		want   string
		wantOK bool
	}{
		{"ISO date", "2024-01-15", "2024-01-15", true},
		{"ISO date with spaces", "  2024-01-15  ", "2024-01-15", true},
		{"leap day", "2024-02-29", "2024-02-29", true},
		{"REDCap datetime minutes", "2024-01-15 08:30", "2024-01-15 08:30:00", true},
		{"REDCap datetime seconds", "2024-01-15 08:30:45", "2024-01-15 08:30:45", true},
		{"ISO T separator", "2024-01-15T08:30:45", "2024-01-15 08:30:45", true},
		{"US date", "01/15/2024", "2024-01-15", true},
		{"US date short", "1/5/2024", "2024-01-05", true},
		{"slash ISO", "2024/01/15", "2024-01-15", true},
		{"month name", "Jan 15, 2024", "2024-01-15", true},
		{"compact", "20240115", "2024-01-15", true},
		{"two digit year", "1/15/24", "2024-01-15", true},
		{"two digit year past pivot", "1/15/99", "1999-01-15", true},
		{"empty", "", "", false},
		{"garbage", "not a date", "", false},
		{"impossible month", "2024-13-01", "", false},
		{"not a leap year", "2023-02-29", "", false},
		{"unknown sentinel", "UNK", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := CanonicalDateTime(tt.input, refTime)
			if ok != tt.wantOK {
				t.Fatalf("CanonicalDateTime(%q) ok = %v, want %v", tt.input, ok, tt.wantOK)
			}
			if got != tt.want {
				t.Errorf("CanonicalDateTime(%q) = %q, want %q", tt.input, got, tt.want)
			}
		})
	}
}

func TestCanonicalDateTimeIdempotent(t *testing.T) {
	inputs := []string{"01/15/2024", "2024-01-15 08:30", "Jan 2, 2006", "1/15/24"}
	for _, in := range inputs {
		once, ok := CanonicalDateTime(in, refTime)
		if !ok {
			t.Fatalf("CanonicalDateTime(%q) failed", in)
		}
		twice, ok := CanonicalDateTime(once, refTime)
		if !ok || twice != once {
			t.Errorf("CanonicalDateTime(%q) = %q, want %q", once, twice, once)
		}
	}
}

// ----------------------------------------------------------------------------
// ToPg* Tests
// ----------------------------------------------------------------------------

func TestToPgNumeric(t *testing.T) {
	tests := []struct {
		input     string
		wantValid bool
	}{
		{"123", true},
		{"-456", true},
		{"123.45", true},
		{".99", true},
		{"1,234.56", true},
		{"", false},
		{"   ", false},
		{"abc", false},
		{"12abc", false},
	}

	for _, tt := range tests {
		if got := ToPgNumeric(tt.input); got.Valid != tt.wantValid {
			t.Errorf("ToPgNumeric(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
		}
	}
}

func TestToPgInt8(t *testing.T) {
	tests := []struct {
		input     string
		want      int64
		wantValid bool
	}{
		{"42", 42, true},
		{" -7 ", -7, true},
		{"3.0", 3, true},
		{"3.5", 0, false},
		{"", 0, false},
		{"x", 0, false},
	}

	for _, tt := range tests {
		got := ToPgInt8(tt.input)
		if got.Valid != tt.wantValid {
			t.Errorf("ToPgInt8(%q).Valid = %v, want %v", tt.input, got.Valid, tt.wantValid)
			continue
		}
		if got.Int64 != tt.want {
			t.Errorf("ToPgInt8(%q) = %d, want %d", tt.input, got.Int64, tt.want)
		}
	}
}

func TestToPgBool(t *testing.T) {
	tests := []struct {
		input     string
		want      bool
		wantValid bool
	}{
		{"1", true, true},
		{"0", false, true},
		{"Yes", true, true},
		{"no", false, true},
		{"Checked", true, true},
		{"", false, false},
		{"maybe", false, false},
	}

	for _, tt := range tests {
		got := ToPgBool(tt.input)
		if got.Valid != tt.wantValid || got.Bool != tt.want {
			t.Errorf("ToPgBool(%q) = {%v %v}, want {%v %v}", tt.input, got.Bool, got.Valid, tt.want, tt.wantValid)
		}
	}
}

func TestToPgDate(t *testing.T) {
	got := ToPgDate("2024-02-29 13:45")
	if !got.Valid {
		t.Fatal("ToPgDate().Valid = false, want true")
	}
	if y, m, d := got.Time.Date(); y != 2024 || m != time.February || d != 29 {
		t.Errorf("ToPgDate() = %v, want 2024-02-29", got.Time)
	}
	if got.Time.Hour() != 0 {
		t.Errorf("ToPgDate().Hour = %d, want 0", got.Time.Hour())
	}
}

func TestToPgValue(t *testing.T) {
	tests := []struct {
		dt   DataType
		want string
	}{
		{TypeText, "pgtype.Text"},
		{TypeInteger, "pgtype.Int8"},
		{TypeNumeric, "pgtype.Numeric"},
		{TypeDate, "pgtype.Date"},
		{TypeDatetime, "pgtype.Timestamptz"},
		{TypeBool, "pgtype.Bool"},
	}
	for _, tt := range tests {
		if got := fmt.Sprintf("%T", ToPgValue(tt.dt, "1")); got != tt.want {
			t.Errorf("ToPgValue(%s) type = %s, want %s", tt.dt, got, tt.want)
		}
	}
}

// ----------------------------------------------------------------------------
// Header helpers
// ----------------------------------------------------------------------------

func TestCleanCell(t *testing.T) {
	tests := []struct {
		input string
		want  string
	}{
		{"record_id", "record_id"},
		{"  record_id  ", "record_id"},
		{`"record_id"`, "record_id"},
		{`="record_id"`, "record_id"},
		{"=record_id", "record_id"},
	}
	for _, tt := range tests {
		if got := CleanCell(tt.input); got != tt.want {
			t.Errorf("CleanCell(%q) = %q, want %q", tt.input, got, tt.want)
		}
	}
}

func TestMakeHeaderIndex(t *testing.T) {
	idx := MakeHeaderIndex([]string{"Record_ID", " redcap_event_name ", "F_DOB"})
	want := map[string]int{"record_id": 0, "redcap_event_name": 1, "f_dob": 2}
	for k, v := range want {
		if idx[k] != v {
			t.Errorf("idx[%q] = %d, want %d", k, idx[k], v)
		}
	}
}
