package catalog

import (
	"strings"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Skeleton drafts a field map for the instruments of p from its metadata
// snapshot. exportNames maps a metadata field to its export columns; fields
// missing from it export under their own name. The first metadata field is
// the record id and is mapped as identifier in every instrument.
//
// The result is a starting point for an operator to edit, not a final map.
func Skeleton(p core.Project, snap core.Snapshot, exportNames map[string][]string) []core.FieldMapping {
	if len(snap.Fields) == 0 {
		return nil
	}
	recordID := snap.Fields[0].FieldID

	var out []core.FieldMapping
	for _, inst := range p.Instruments {
		if inst.Kind != core.KindInstrument {
			continue
		}
		out = append(out, core.FieldMapping{
			ProjectID:      p.ID,
			InstrumentID:   inst.ID,
			SourceField:    recordID,
			TargetVariable: recordID,
			DataType:       core.TypeText,
			IsIdentifier:   true,
		})

		for _, f := range snap.Fields {
			if f.Form != inst.ID || f.FieldID == recordID || strings.EqualFold(f.Type, "descriptive") {
				continue
			}
			cols := exportNames[f.FieldID]
			if len(cols) == 0 {
				cols = []string{f.FieldID}
			}
			dt := guessType(f)
			for _, col := range cols {
				out = append(out, core.FieldMapping{
					ProjectID:      p.ID,
					InstrumentID:   inst.ID,
					SourceField:    strings.ToLower(col),
					TargetVariable: strings.ToLower(col),
					DataType:       dt,
					IsTimestamp:    dt == core.TypeDate || dt == core.TypeDatetime,
				})
			}
		}

		out = append(out, core.FieldMapping{
			ProjectID:      p.ID,
			InstrumentID:   inst.ID,
			SourceField:    strings.ToLower(inst.CompleteFieldName()),
			TargetVariable: "complete",
			DataType:       core.TypeInteger,
			IsCompleteFlag: true,
		})
	}
	return out
}

func guessType(f core.FieldDef) core.DataType {
	v := strings.ToLower(f.Validation)
	switch strings.ToLower(f.Type) {
	case "checkbox", "yesno", "truefalse":
		return core.TypeInteger
	case "calc", "slider":
		return core.TypeNumeric
	case "text":
		switch {
		case v == "integer":
			return core.TypeInteger
		case v == "number" || strings.HasPrefix(v, "number_"):
			return core.TypeNumeric
		case strings.HasPrefix(v, "datetime"):
			return core.TypeDatetime
		case strings.HasPrefix(v, "date"):
			return core.TypeDate
		}
	}
	return core.TypeText
}
