package core

import (
	"strings"
	"time"
)

// FieldDef is one row of a REDCap metadata (data dictionary) export.
type FieldDef struct {
	FieldID    string `json:"field_name"`
	Form       string `json:"form_name"`
	Label      string `json:"field_label"`
	Type       string `json:"field_type"`
	Validation string `json:"text_validation_type_or_show_slider_number"`
	Choices    string `json:"select_choices_or_calculations"`
}

// TypeClass buckets REDCap field types for drift detection. A change of class
// breaks existing mappings; a change within a class does not.
type TypeClass string

const (
	ClassText    TypeClass = "text"
	ClassNumeric TypeClass = "numeric"
	ClassDate    TypeClass = "date"
)

// Class derives the type class from the field type and its validation.
func (f FieldDef) Class() TypeClass {
	v := strings.ToLower(f.Validation)
	switch strings.ToLower(f.Type) {
	case "calc", "slider":
		return ClassNumeric
	case "text":
		switch {
		case v == "integer" || v == "number" || strings.HasPrefix(v, "number_"):
			return ClassNumeric
		case strings.HasPrefix(v, "date") || strings.HasPrefix(v, "time"):
			return ClassDate
		}
	}
	return ClassText
}

// Accepts reports whether values of f can be loaded as dt. Numeric targets
// need a numeric class or a coded field type; date targets need a date class.
// Text and bool targets take anything.
func (f FieldDef) Accepts(dt DataType) bool {
	switch dt {
	case TypeInteger, TypeNumeric:
		if f.Class() == ClassNumeric {
			return true
		}
		switch strings.ToLower(f.Type) {
		case "text", "notes", "file", "descriptive":
			return false
		}
		return true
	case TypeDate, TypeDatetime:
		return f.Class() == ClassDate
	}
	return true
}

// Snapshot is an immutable capture of a project's metadata.
type Snapshot struct {
	ProjectID  string     `json:"projectId"`
	Version    int64      `json:"version"`
	CapturedAt time.Time  `json:"capturedAt"`
	Fields     []FieldDef `json:"fields"`
}

// Field looks up a field by id.
func (s Snapshot) Field(id string) (FieldDef, bool) {
	for _, f := range s.Fields {
		if f.FieldID == id {
			return f, true
		}
	}
	return FieldDef{}, false
}

// FieldChange describes one changed attribute of a field.
type FieldChange struct {
	FieldID   string `json:"fieldId"`
	Attribute string `json:"attribute"`
	Old       string `json:"old"`
	New       string `json:"new"`
}

// DiffReport is the result of comparing two snapshots.
type DiffReport struct {
	ProjectID    string              `json:"projectId"`
	FromVersion  int64               `json:"fromVersion"`
	ToVersion    int64               `json:"toVersion"`
	Added        []string            `json:"added,omitempty"`
	Removed      []string            `json:"removed,omitempty"`
	Changed      []FieldChange       `json:"changed,omitempty"`
	Incompatible map[string][]string `json:"incompatible,omitempty"`
}

// HasChanges reports whether anything differs between the snapshots.
func (d DiffReport) HasChanges() bool {
	return len(d.Added) > 0 || len(d.Removed) > 0 || len(d.Changed) > 0
}
