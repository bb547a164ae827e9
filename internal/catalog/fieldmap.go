package catalog

import (
	"bufio"
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// FieldMapColumns is the header of a field map file.
var FieldMapColumns = []string{
	"project_id", "instrument_id", "source_field", "target_variable", "data_type",
	"is_identifier", "is_complete_flag", "is_timestamp", "ignore",
}

var requiredColumns = []string{"project_id", "instrument_id", "source_field", "target_variable"}

// LoadFieldMap reads a field map CSV.
func LoadFieldMap(path string) ([]core.FieldMapping, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open field map: %w", err)
	}
	defer f.Close()

	return ParseFieldMap(f)
}

// ParseFieldMap decodes field map rows. Boolean columns accept the usual
// yes/no, true/false and 1/0 spellings; blank means false.
func ParseFieldMap(r io.Reader) ([]core.FieldMapping, error) {
	cr := csv.NewReader(skipBOM(r))
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("field map: empty file")
		}
		return nil, fmt.Errorf("field map header: %w", err)
	}

	idx := core.MakeHeaderIndex(header)
	for _, col := range requiredColumns {
		if _, ok := idx[col]; !ok {
			return nil, fmt.Errorf("field map: missing required column %q", col)
		}
	}

	get := func(rec []string, col string) string {
		i, ok := idx[col]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	var (
		out  []core.FieldMapping
		errs []string
		line = 1
	)
	for {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		line++
		if err != nil {
			return nil, fmt.Errorf("field map line %d: %w", line, err)
		}
		if isEmptyRow(rec) {
			continue
		}

		dt, err := core.ParseDataType(get(rec, "data_type"))
		if err != nil {
			errs = append(errs, fmt.Sprintf("line %d: %v", line, err))
			continue
		}

		m := core.FieldMapping{
			ProjectID:      get(rec, "project_id"),
			InstrumentID:   get(rec, "instrument_id"),
			SourceField:    strings.ToLower(get(rec, "source_field")),
			TargetVariable: get(rec, "target_variable"),
			DataType:       dt,
			IsIdentifier:   flag(get(rec, "is_identifier")),
			IsCompleteFlag: flag(get(rec, "is_complete_flag")),
			IsTimestamp:    flag(get(rec, "is_timestamp")),
			Ignore:         flag(get(rec, "ignore")),
		}
		if m.ProjectID == "" || m.InstrumentID == "" || m.SourceField == "" {
			errs = append(errs, fmt.Sprintf("line %d: project_id, instrument_id and source_field are required", line))
			continue
		}
		if m.TargetVariable == "" && !m.Ignore {
			errs = append(errs, fmt.Sprintf("line %d: %s needs a target_variable or ignore", line, m.SourceField))
			continue
		}
		out = append(out, m)
	}

	if len(errs) > 0 {
		return nil, fmt.Errorf("invalid field map:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return out, nil
}

func flag(s string) bool {
	b := core.ToPgBool(s)
	return b.Valid && b.Bool
}

func isEmptyRow(rec []string) bool {
	for _, v := range rec {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// skipBOM drops the UTF-8 byte order mark spreadsheet tools write at the
// start of a CSV file.
func skipBOM(r io.Reader) io.Reader {
	br := bufio.NewReader(r)
	if b, err := br.Peek(3); err == nil && bytes.Equal(b, []byte{0xEF, 0xBB, 0xBF}) {
		_, _ = br.Discard(3)
	}
	return br
}

// Scope identifies the mappings of one instrument.
type Scope struct {
	ProjectID    string
	InstrumentID string
}

// GroupMappings splits a field map by instrument. Source fields must be unique
// within a project, across its instruments. The record id is exported with
// every instrument, so identifier mappings may repeat.
func GroupMappings(mappings []core.FieldMapping) (map[Scope][]core.FieldMapping, error) {
	out := make(map[Scope][]core.FieldMapping)
	owner := make(map[string]string)

	for _, m := range mappings {
		key := m.ProjectID + "\x00" + m.SourceField
		if prev, dup := owner[key]; dup && !m.IsIdentifier {
			return nil, fmt.Errorf("project %s: source field %q mapped in both %s and %s",
				m.ProjectID, m.SourceField, prev, m.InstrumentID)
		}
		owner[key] = m.InstrumentID

		s := Scope{ProjectID: m.ProjectID, InstrumentID: m.InstrumentID}
		out[s] = append(out[s], m)
	}
	return out, nil
}

// WriteFieldMap writes mappings as a field map CSV, sorted by project,
// instrument and source field.
func WriteFieldMap(w io.Writer, mappings []core.FieldMapping) error {
	sorted := append([]core.FieldMapping(nil), mappings...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		if a.ProjectID != b.ProjectID {
			return a.ProjectID < b.ProjectID
		}
		if a.InstrumentID != b.InstrumentID {
			return a.InstrumentID < b.InstrumentID
		}
		return a.SourceField < b.SourceField
	})

	cw := csv.NewWriter(w)
	if err := cw.Write(FieldMapColumns); err != nil {
		return err
	}
	for _, m := range sorted {
		dt := m.DataType
		if dt == "" {
			dt = core.TypeText
		}
		rec := []string{
			m.ProjectID, m.InstrumentID, m.SourceField, m.TargetVariable, string(dt),
			yesNo(m.IsIdentifier), yesNo(m.IsCompleteFlag), yesNo(m.IsTimestamp), yesNo(m.Ignore),
		}
		if err := cw.Write(rec); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

func yesNo(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
