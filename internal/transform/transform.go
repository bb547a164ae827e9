// Package transform turns a raw REDCap export into warehouse-shaped records.
//
// Every row runs through the same ordered rules (see RuleNames). The
// transform has no hidden state: the same export and mapping always produce
// the same records in the same order.
package transform

import (
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Result holds the records that survived the rules and those rejected.
type Result struct {
	Clean    []core.CleanRecord
	Rejected []core.RejectedRecord
}

// Transform applies the rule pipeline to every data row of set. A column with
// no mapping fails the whole set with *core.UnmappedFieldError before any row
// is processed.
func Transform(set core.RawRecordSet, ms core.MappingSet) (Result, error) {
	identifier, ok := ms.Identifier()
	if !ok {
		return Result{}, fmt.Errorf("%s/%s: %w", set.Project.ID, set.Instrument.ID, core.ErrNoIdentifier)
	}

	records, err := parseCSV(set.Data)
	if err != nil {
		return Result{}, err
	}
	if len(records) == 0 {
		return Result{}, nil
	}

	header := normalizeHeader(records[0])
	if err := checkHeader(header, ms); err != nil {
		return Result{}, err
	}
	if !contains(header, identifier) {
		return Result{}, fmt.Errorf("%s/%s: identifier column %q missing from export: %w",
			set.Project.ID, set.Instrument.ID, identifier, core.ErrNoIdentifier)
	}

	complete, ok := ms.CompleteField()
	if !ok {
		complete = strings.ToLower(set.Instrument.CompleteFieldName())
	}

	u := &unit{
		set:        set,
		mappings:   ms,
		header:     header,
		identifier: identifier,
		complete:   complete,
		required:   lower(set.Instrument.RequiredFields),
		exportedAt: ExportTime(set),
		language:   set.Instrument.EffectiveLanguage(set.Project),
	}

	var res Result
	for i, row := range records[1:] {
		if isEmptyRow(row) {
			continue
		}

		r := &record{row: i + 1, values: make(map[string]string, len(header))}
		for j, col := range header {
			if col == "" {
				continue
			}
			if j < len(row) {
				r.values[col] = row[j]
			} else {
				r.values[col] = ""
			}
		}

		for _, step := range pipeline {
			step.apply(u, r)
			if r.rejected != "" {
				break
			}
		}

		if r.rejected != "" {
			res.Rejected = append(res.Rejected, core.RejectedRecord{
				Row:      r.row,
				RecordID: r.values[identifier],
				EventID:  r.values[core.EventColumn],
				Reason:   r.rejected,
			})
			continue
		}
		res.Clean = append(res.Clean, r.clean)
	}

	return res, nil
}

// exportStampRegex matches the timestamp REDCap puts in export file names,
// e.g. MyStudy_DATA_2024-01-15_1030.csv.
var exportStampRegex = regexp.MustCompile(`_(\d{4}-\d{2}-\d{2}_\d{4})`)

const exportStampLayout = "2006-01-02_1504"

// ExportTime returns the last_updated_ts stamped on records of set: the
// explicit ExportedAt if set, otherwise ExportTimestamp.
func ExportTime(set core.RawRecordSet) time.Time {
	if !set.ExportedAt.IsZero() {
		return set.ExportedAt.UTC()
	}
	return ExportTimestamp(set.FileName, set.Window)
}

// ExportTimestamp derives the export time from a REDCap file name. The result
// never passes the window end, so exporting a closed window again yields the
// same timestamp. Without a usable name the window end is used.
func ExportTimestamp(fileName string, w core.TimeWindow) time.Time {
	end := w.End.UTC()
	matches := exportStampRegex.FindAllStringSubmatch(fileName, -1)
	if len(matches) == 0 {
		return end
	}
	t, err := time.Parse(exportStampLayout, matches[len(matches)-1][1])
	if err != nil {
		return end
	}
	if !end.IsZero() && t.After(end) {
		return end
	}
	return t
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func lower(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		out = append(out, strings.ToLower(strings.TrimSpace(s)))
	}
	return out
}
