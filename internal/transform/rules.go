package transform

import (
	"regexp"
	"strings"
	"time"
	"unicode"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// record is one export row moving through the rules.
type record struct {
	row      int
	values   map[string]string // source field id -> value
	elevate  bool
	rejected string
	clean    core.CleanRecord
}

// unit is the per-set input every rule may read. Rules never write to it.
type unit struct {
	set        core.RawRecordSet
	mappings   core.MappingSet
	header     []string
	identifier string
	complete   string
	required   []string
	exportedAt time.Time
	language   string
}

type rule struct {
	name  string
	apply func(u *unit, r *record)
}

// pipeline is the fixed rule order. Later rules depend on earlier ones.
var pipeline = []rule{
	{"sanitize", sanitizeRule},
	{"normalize_dates", normalizeDatesRule},
	{"elevate_complete", elevateCompleteRule},
	{"filter_incomplete", filterIncompleteRule},
	{"rename_fields", renameFieldsRule},
	{"stamp_provenance", stampProvenanceRule},
}

// RuleNames returns the rule order applied to every record.
func RuleNames() []string {
	names := make([]string, len(pipeline))
	for i, r := range pipeline {
		names[i] = r.name
	}
	return names
}

func sanitizeRule(_ *unit, r *record) {
	for k, v := range r.values {
		r.values[k] = Sanitize(v)
	}
}

// normalizeDatesRule rewrites timestamp fields to canonical form. A value that
// does not parse is blanked and the record is marked for elevation.
func normalizeDatesRule(u *unit, r *record) {
	for _, col := range u.header {
		m, ok := u.mappings.Lookup(col)
		if !ok || m.Ignore || !m.IsTimestamp {
			continue
		}
		v := r.values[col]
		if v == "" {
			continue
		}
		canon, ok := core.CanonicalDateTime(v, u.exportedAt)
		if !ok {
			r.values[col] = ""
			r.elevate = true
			continue
		}
		r.values[col] = canon
	}
}

func elevateCompleteRule(u *unit, r *record) {
	if r.values[u.complete] != core.CompleteIncomplete {
		return
	}
	if r.elevate {
		r.values[u.complete] = core.CompleteComplete
		return
	}
	for _, f := range u.required {
		if r.values[f] != "" {
			r.values[u.complete] = core.CompleteComplete
			return
		}
	}
}

func filterIncompleteRule(u *unit, r *record) {
	switch c := r.values[u.complete]; {
	case c == "" || c == core.CompleteIncomplete:
		r.rejected = core.ReasonIncomplete
	case r.values[u.identifier] == "":
		r.rejected = core.ReasonMissingRecordID
	}
}

func renameFieldsRule(u *unit, r *record) {
	fields := make(map[string]string, len(u.header))
	for _, col := range u.header {
		if col == "" || isKeyColumn(col) {
			continue
		}
		m, ok := u.mappings.Lookup(col)
		if !ok || m.Ignore {
			continue
		}
		fields[m.TargetVariable] = r.values[col]
	}

	instance := r.values[core.InstanceColumn]
	if instance == "" {
		instance = core.DefaultInstance
	}

	r.clean = core.CleanRecord{
		Key: core.RecordKey{
			RecordID:   r.values[u.identifier],
			EventID:    r.values[core.EventColumn],
			InstanceID: instance,
		},
		Fields: fields,
	}
}

func stampProvenanceRule(u *unit, r *record) {
	r.clean.Key.ProjectID = u.set.Project.TargetID
	r.clean.Key.Language = u.language
	r.clean.Language = u.language
	r.clean.LastUpdated = u.exportedAt
}

// Formatting tags REDCap rich text leaves in values. Block tags become a
// space, inline tags are dropped.
var (
	blockTagRegex  = regexp.MustCompile(`(?i)</?\s*(br|p|div)\b[^>]*>`)
	inlineTagRegex = regexp.MustCompile(`(?i)</?\s*(b|i|u|span|font|strong|em)\b[^>]*>`)
)

// Sanitize removes control characters, line breaks and formatting tags from
// a field value and collapses runs of whitespace.
func Sanitize(s string) string {
	if s == "" {
		return s
	}
	s = blockTagRegex.ReplaceAllString(s, " ")
	s = inlineTagRegex.ReplaceAllString(s, "")

	s = strings.Map(func(r rune) rune {
		switch {
		case r == '\r' || r == '\n' || r == '\t':
			return ' '
		case unicode.IsControl(r):
			return -1
		default:
			return r
		}
	}, s)

	return strings.Join(strings.Fields(s), " ")
}
