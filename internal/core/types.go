// Package core holds the domain types shared by the REDCap extract, transform
// and load components. It has no I/O of its own.
package core

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// DefaultLanguage is stamped on records whose project and instrument do not
// declare a language.
const DefaultLanguage = "en"

// REDCap key columns that never need a field mapping.
const (
	EventColumn    = "redcap_event_name"
	InstanceColumn = "redcap_repeat_instance"
)

// DefaultInstance is used when a record is not part of a repeating instrument.
const DefaultInstance = "1"

// InstrumentKind distinguishes REDCap instruments (forms) from saved reports.
type InstrumentKind string

const (
	KindInstrument InstrumentKind = "instrument"
	KindReport     InstrumentKind = "report"
)

// Complete status values of a REDCap "<form>_complete" field.
const (
	CompleteIncomplete = "0"
	CompleteComplete   = "1"
	CompleteUnverified = "2"
)

// Project is one REDCap project and the instruments exported from it.
type Project struct {
	ID          string       `yaml:"id" json:"id"`               // REDCap project id
	TargetID    int64        `yaml:"target_id" json:"targetId"`  // warehouse surrogate key
	Name        string       `yaml:"name" json:"name"`
	Language    string       `yaml:"language" json:"language,omitempty"`
	TokenEnv    string       `yaml:"token_env" json:"-"`
	Instruments []Instrument `yaml:"instruments" json:"instruments"`
}

// Instrument returns the instrument or report with the given id.
func (p Project) Instrument(id string) (Instrument, bool) {
	for _, inst := range p.Instruments {
		if inst.ID == id {
			return inst, true
		}
	}
	return Instrument{}, false
}

// Instrument is a REDCap form or saved report whose fields are exported together.
type Instrument struct {
	ID             string         `yaml:"id" json:"id"`
	Kind           InstrumentKind `yaml:"kind" json:"kind"`
	ReportID       string         `yaml:"report_id" json:"reportId,omitempty"`
	CompleteField  string         `yaml:"complete_field" json:"completeField"`
	RequiredFields []string       `yaml:"required_fields" json:"requiredFields,omitempty"`
	Table          string         `yaml:"table" json:"table"`
	Language       string         `yaml:"language" json:"language,omitempty"`
}

// CompleteFieldName returns the source id of the instrument's complete flag.
func (i Instrument) CompleteFieldName() string {
	if i.CompleteField != "" {
		return i.CompleteField
	}
	return i.ID + "_complete"
}

// EffectiveLanguage resolves the language stamped on records of this instrument.
func (i Instrument) EffectiveLanguage(p Project) string {
	switch {
	case i.Language != "":
		return strings.ToLower(i.Language)
	case p.Language != "":
		return strings.ToLower(p.Language)
	default:
		return DefaultLanguage
	}
}

// DataType is the target type of a mapped field.
type DataType string

const (
	TypeText     DataType = "text"
	TypeInteger  DataType = "integer"
	TypeNumeric  DataType = "numeric"
	TypeDate     DataType = "date"
	TypeDatetime DataType = "datetime"
	TypeBool     DataType = "bool"
)

// ParseDataType converts a mapping file value to a DataType. Empty means text.
func ParseDataType(s string) (DataType, error) {
	switch DataType(strings.ToLower(strings.TrimSpace(s))) {
	case "", TypeText:
		return TypeText, nil
	case TypeInteger, "int":
		return TypeInteger, nil
	case TypeNumeric, "number", "float":
		return TypeNumeric, nil
	case TypeDate:
		return TypeDate, nil
	case TypeDatetime, "timestamp":
		return TypeDatetime, nil
	case TypeBool, "boolean":
		return TypeBool, nil
	default:
		return "", fmt.Errorf("unknown data type %q", s)
	}
}

// FieldMapping maps one source field of a project to a target variable.
type FieldMapping struct {
	ProjectID      string   `json:"projectId"`
	InstrumentID   string   `json:"instrumentId"`
	SourceField    string   `json:"sourceField"`
	TargetVariable string   `json:"targetVariable"`
	DataType       DataType `json:"dataType"`
	IsIdentifier   bool     `json:"isIdentifier"`
	IsCompleteFlag bool     `json:"isCompleteFlag"`
	IsTimestamp    bool     `json:"isTimestamp"`
	Ignore         bool     `json:"ignore"`
}

// MappingSet is the resolved mapping of one instrument.
type MappingSet struct {
	ProjectID    string
	InstrumentID string

	bySource   map[string]FieldMapping
	identifier string
	complete   string
}

// NewMappingSet indexes mappings for one instrument. Source fields must be
// unique, target variables must be unique among non-ignored mappings, and at
// most one mapping may be the identifier.
func NewMappingSet(projectID, instrumentID string, mappings []FieldMapping) (MappingSet, error) {
	ms := MappingSet{
		ProjectID:    projectID,
		InstrumentID: instrumentID,
		bySource:     make(map[string]FieldMapping, len(mappings)),
	}
	targets := make(map[string]string, len(mappings))

	for _, m := range mappings {
		src := strings.ToLower(strings.TrimSpace(m.SourceField))
		if src == "" {
			return MappingSet{}, fmt.Errorf("mapping for %s/%s has empty source field", projectID, instrumentID)
		}
		if _, dup := ms.bySource[src]; dup {
			return MappingSet{}, fmt.Errorf("duplicate mapping for source field %q in %s/%s", src, projectID, instrumentID)
		}
		m.SourceField = src
		if m.DataType == "" {
			m.DataType = TypeText
		}
		if !m.Ignore {
			if m.TargetVariable == "" {
				return MappingSet{}, fmt.Errorf("source field %q in %s/%s has no target variable", src, projectID, instrumentID)
			}
			if prev, dup := targets[m.TargetVariable]; dup {
				return MappingSet{}, fmt.Errorf("target variable %q mapped from both %q and %q", m.TargetVariable, prev, src)
			}
			targets[m.TargetVariable] = src
		}
		if m.IsIdentifier {
			if ms.identifier != "" {
				return MappingSet{}, fmt.Errorf("%s/%s has more than one identifier mapping", projectID, instrumentID)
			}
			ms.identifier = src
		}
		if m.IsCompleteFlag {
			ms.complete = src
		}
		ms.bySource[src] = m
	}

	return ms, nil
}

// Lookup returns the mapping for a source field id (case-insensitive).
func (ms MappingSet) Lookup(source string) (FieldMapping, bool) {
	m, ok := ms.bySource[strings.ToLower(strings.TrimSpace(source))]
	return m, ok
}

// Identifier returns the source field holding the record id.
func (ms MappingSet) Identifier() (string, bool) {
	return ms.identifier, ms.identifier != ""
}

// CompleteField returns the source field flagged as the complete status, if any.
func (ms MappingSet) CompleteField() (string, bool) {
	return ms.complete, ms.complete != ""
}

// Mappings returns all mappings sorted by source field.
func (ms MappingSet) Mappings() []FieldMapping {
	out := make([]FieldMapping, 0, len(ms.bySource))
	for _, m := range ms.bySource {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceField < out[j].SourceField })
	return out
}

// Len returns the number of mappings in the set.
func (ms MappingSet) Len() int { return len(ms.bySource) }

// TimeWindow bounds the REDCap dateRangeBegin/dateRangeEnd of an export.
// A zero Begin exports everything; a zero End means "now".
type TimeWindow struct {
	Begin time.Time `json:"begin"`
	End   time.Time `json:"end"`
}

// REDCapLayout is the timestamp format REDCap expects for date ranges.
const REDCapLayout = "2006-01-02 15:04:05"

// String renders the window for logs and unit keys.
func (w TimeWindow) String() string {
	return formatBound(w.Begin) + ".." + formatBound(w.End)
}

func formatBound(t time.Time) string {
	if t.IsZero() {
		return "*"
	}
	return t.UTC().Format("20060102T150405Z")
}

// RawRecordSet is the unparsed export of one instrument for one window.
type RawRecordSet struct {
	Project    Project
	Instrument Instrument
	Window     TimeWindow
	FileName   string
	ExportedAt time.Time
	Data       []byte
}

// RecordKey identifies a row in the target warehouse.
type RecordKey struct {
	ProjectID  int64  `json:"project_id"`
	RecordID   string `json:"record_id"`
	EventID    string `json:"event_id"`
	InstanceID string `json:"instance_id"`
	Language   string `json:"language"`
}

// String renders the key in a stable form.
func (k RecordKey) String() string {
	return fmt.Sprintf("%d/%s/%s/%s/%s", k.ProjectID, k.RecordID, k.EventID, k.InstanceID, k.Language)
}

// Less orders keys by each component in turn.
func (k RecordKey) Less(o RecordKey) bool {
	if k.ProjectID != o.ProjectID {
		return k.ProjectID < o.ProjectID
	}
	if k.RecordID != o.RecordID {
		return k.RecordID < o.RecordID
	}
	if k.EventID != o.EventID {
		return k.EventID < o.EventID
	}
	if k.InstanceID != o.InstanceID {
		return k.InstanceID < o.InstanceID
	}
	return k.Language < o.Language
}

// CleanRecord is a transformed row in target-schema shape. Fields are keyed by
// target variable name only.
type CleanRecord struct {
	Key         RecordKey         `json:"key"`
	Fields      map[string]string `json:"fields"`
	LastUpdated time.Time         `json:"last_updated_ts"`
	Language    string            `json:"language"`
}

// Canonical returns a deterministic encoding of the record.
func (r CleanRecord) Canonical() []byte {
	// encoding/json sorts map keys, so the output is stable.
	b, _ := json.Marshal(r)
	return b
}

// Rejection reasons.
const (
	ReasonIncomplete      = "incomplete"
	ReasonMissingRecordID = "missing_record_id"
)

// RejectedRecord is a row dropped by the transform. It is an expected, counted
// outcome and never fails a unit.
type RejectedRecord struct {
	Row      int    `json:"row"`
	RecordID string `json:"recordId,omitempty"`
	EventID  string `json:"eventId,omitempty"`
	Reason   string `json:"reason"`
}
