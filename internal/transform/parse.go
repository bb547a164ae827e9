package transform

import (
	"bytes"
	"encoding/csv"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// parseCSV reads a REDCap flat CSV export. The first record is the header.
func parseCSV(data []byte) ([][]string, error) {
	data = bytes.TrimPrefix(data, utf8BOM)
	r := csv.NewReader(bytes.NewReader(sanitizeUTF8(data)))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("parse export: %w", err)
	}
	return records, nil
}

// sanitizeUTF8 replaces invalid byte sequences with U+FFFD so a stray
// Latin-1 byte in a free-text field cannot shift columns.
func sanitizeUTF8(data []byte) []byte {
	if utf8.Valid(data) {
		return data
	}

	var buf bytes.Buffer
	buf.Grow(len(data))

	for len(data) > 0 {
		r, size := utf8.DecodeRune(data)
		if r == utf8.RuneError && size == 1 {
			buf.WriteRune('\uFFFD')
			data = data[1:]
		} else {
			buf.WriteRune(r)
			data = data[size:]
		}
	}

	return buf.Bytes()
}

func isEmptyRow(row []string) bool {
	for _, v := range row {
		if strings.TrimSpace(v) != "" {
			return false
		}
	}
	return true
}

// normalizeHeader lowercases and cleans header cells.
func normalizeHeader(header []string) []string {
	out := make([]string, len(header))
	for i, h := range header {
		out[i] = strings.ToLower(core.CleanCell(h))
	}
	return out
}

func isKeyColumn(col string) bool {
	return col == core.EventColumn || col == core.InstanceColumn
}

// isSystemColumn reports whether REDCap adds col on its own: survey
// identifiers, data access groups, repeat instrument names and the survey
// timestamp of the instrument. They need no mapping unless one is wanted.
func isSystemColumn(col, instrumentID string) bool {
	return strings.HasPrefix(col, "redcap_") || col == instrumentID+"_timestamp"
}

// checkHeader fails fast when a column has no mapping and is not ignorable.
func checkHeader(header []string, ms core.MappingSet) error {
	var unmapped []string
	for _, col := range header {
		if col == "" || isKeyColumn(col) {
			continue
		}
		if _, ok := ms.Lookup(col); !ok && !isSystemColumn(col, ms.InstrumentID) {
			unmapped = append(unmapped, col)
		}
	}
	if len(unmapped) > 0 {
		return &core.UnmappedFieldError{
			ProjectID:    ms.ProjectID,
			InstrumentID: ms.InstrumentID,
			Fields:       unmapped,
		}
	}
	return nil
}
