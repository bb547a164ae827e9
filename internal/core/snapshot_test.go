package core

import "testing"

func TestFieldDef_Accepts(t *testing.T) {
	tests := []struct {
		name  string
		field FieldDef
		dt    DataType
		want  bool
	}{
		{"number into numeric", FieldDef{Type: "text", Validation: "number"}, TypeNumeric, true},
		{"integer into integer", FieldDef{Type: "text", Validation: "integer"}, TypeInteger, true},
		{"free text into numeric", FieldDef{Type: "text"}, TypeNumeric, false},
		{"notes into integer", FieldDef{Type: "notes"}, TypeInteger, false},
		{"date into numeric", FieldDef{Type: "text", Validation: "date_ymd"}, TypeNumeric, false},
		{"radio into integer", FieldDef{Type: "radio", Choices: "1, Yes | 0, No"}, TypeInteger, true},
		{"yesno into integer", FieldDef{Type: "yesno"}, TypeInteger, true},
		{"calc into numeric", FieldDef{Type: "calc"}, TypeNumeric, true},
		{"date into date", FieldDef{Type: "text", Validation: "date_mdy"}, TypeDate, true},
		{"datetime into datetime", FieldDef{Type: "text", Validation: "datetime_seconds_ymd"}, TypeDatetime, true},
		{"free text into date", FieldDef{Type: "text"}, TypeDate, false},
		{"anything into text", FieldDef{Type: "text", Validation: "number"}, TypeText, true},
		{"checkbox into bool", FieldDef{Type: "checkbox"}, TypeBool, true},
		{"unset type", FieldDef{Type: "text"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.field.Accepts(tt.dt); got != tt.want {
				t.Errorf("Accepts(%q) = %v, want %v", tt.dt, got, tt.want)
			}
		})
	}
}
