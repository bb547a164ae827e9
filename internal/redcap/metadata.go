package redcap

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Metadata CSV columns.
var metadataColumns = []string{
	"field_name", "form_name", "field_type", "field_label",
	"select_choices_or_calculations", "text_validation_type_or_show_slider_number",
}

// ExportMetadata exports the data dictionary of p as an unversioned snapshot.
func (c *Client) ExportMetadata(ctx context.Context, p core.Project) (core.Snapshot, error) {
	resp, err := c.post(ctx, p, "export metadata", csvForm("metadata"))
	if err != nil {
		return core.Snapshot{}, err
	}

	rows, idx, err := readCSV(resp.body, metadataColumns)
	if err != nil {
		return core.Snapshot{}, fmt.Errorf("redcap export metadata: %w", err)
	}

	snap := core.Snapshot{ProjectID: p.ID, CapturedAt: c.now().UTC()}
	for _, row := range rows {
		f := core.FieldDef{
			FieldID:    cell(row, idx, "field_name"),
			Form:       cell(row, idx, "form_name"),
			Type:       cell(row, idx, "field_type"),
			Label:      cell(row, idx, "field_label"),
			Choices:    cell(row, idx, "select_choices_or_calculations"),
			Validation: cell(row, idx, "text_validation_type_or_show_slider_number"),
		}
		if f.FieldID == "" {
			continue
		}
		snap.Fields = append(snap.Fields, f)
	}
	return snap, nil
}

// FieldName maps a metadata field to one export column. Checkbox fields have
// one export column per choice.
type FieldName struct {
	OriginalFieldName string
	ChoiceValue       string
	ExportFieldName   string
}

// ExportFieldNames lists the export column names of p.
func (c *Client) ExportFieldNames(ctx context.Context, p core.Project) ([]FieldName, error) {
	resp, err := c.post(ctx, p, "export field names", csvForm("exportFieldNames"))
	if err != nil {
		return nil, err
	}

	rows, idx, err := readCSV(resp.body, []string{"original_field_name", "export_field_name"})
	if err != nil {
		return nil, fmt.Errorf("redcap export field names: %w", err)
	}

	out := make([]FieldName, 0, len(rows))
	for _, row := range rows {
		out = append(out, FieldName{
			OriginalFieldName: cell(row, idx, "original_field_name"),
			ChoiceValue:       cell(row, idx, "choice_value"),
			ExportFieldName:   cell(row, idx, "export_field_name"),
		})
	}
	return out, nil
}

// Event is one event of a longitudinal project.
type Event struct {
	Name            string
	ArmNum          string
	UniqueEventName string
}

// ExportEvents lists the events of a longitudinal project. REDCap answers a
// classic project with a 400, which surfaces as *core.PermanentAPIError.
func (c *Client) ExportEvents(ctx context.Context, p core.Project) ([]Event, error) {
	resp, err := c.post(ctx, p, "export events", csvForm("event"))
	if err != nil {
		return nil, err
	}

	rows, idx, err := readCSV(resp.body, []string{"event_name", "unique_event_name"})
	if err != nil {
		return nil, fmt.Errorf("redcap export events: %w", err)
	}

	out := make([]Event, 0, len(rows))
	for _, row := range rows {
		out = append(out, Event{
			Name:            cell(row, idx, "event_name"),
			ArmNum:          cell(row, idx, "arm_num"),
			UniqueEventName: cell(row, idx, "unique_event_name"),
		})
	}
	return out, nil
}

// readCSV parses a CSV reply and checks that the required columns exist.
func readCSV(body []byte, required []string) ([][]string, core.HeaderIndex, error) {
	r := csv.NewReader(bytes.NewReader(bytes.TrimPrefix(body, []byte{0xEF, 0xBB, 0xBF})))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true
	records, err := r.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(records) == 0 {
		return nil, nil, fmt.Errorf("empty response")
	}

	idx := core.MakeHeaderIndex(records[0])
	for _, col := range required {
		if _, ok := idx[col]; !ok {
			return nil, nil, fmt.Errorf("missing column %q", col)
		}
	}
	return records[1:], idx, nil
}

func cell(row []string, idx core.HeaderIndex, col string) string {
	pos, ok := idx[col]
	if !ok || pos >= len(row) {
		return ""
	}
	return strings.TrimSpace(row[pos])
}
