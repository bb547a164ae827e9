package redcap

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

var testProject = core.Project{ID: "4711", TargetID: 12, TokenEnv: "REDCAP_TOKEN_4711"}

func staticToken(core.Project) (string, error) { return "ABCDEF0123456789", nil }

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	c, err := New(config.REDCapConfig{URL: srv.URL + "/api/", Timeout: 5 * time.Second}, staticToken)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	c.now = func() time.Time { return time.Date(2024, 3, 1, 6, 30, 0, 0, time.UTC) }
	return c
}

func TestNew_InvalidURL(t *testing.T) {
	for _, u := range []string{"", "redcap.example.edu/api", "ftp://redcap.example.edu/api", "https://"} {
		if _, err := New(config.REDCapConfig{URL: u}, staticToken); err == nil {
			t.Errorf("New(%q) expected error", u)
		}
	}
	if _, err := New(config.REDCapConfig{URL: "https://redcap.example.edu/api/"}, nil); err == nil {
		t.Error("New() without token source expected error")
	}
}

func TestMaskToken(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"ABCDEF0123456789", "ABC***...***89"},
		{"123456", "123***...***56"},
		{"12345", "***"},
		{"", "***"},
	}
	for _, tt := range tests {
		if got := MaskToken(tt.in); got != tt.want {
			t.Errorf("MaskToken(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestExportRecords(t *testing.T) {
	w := core.TimeWindow{
		Begin: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
	}

	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("method = %s, want POST", r.Method)
		}
		if got := r.Header.Get("Accept-Encoding"); got != "identity" {
			t.Errorf("Accept-Encoding = %q, want identity", got)
		}
		if err := r.ParseForm(); err != nil {
			t.Fatalf("ParseForm() error = %v", err)
		}
		want := map[string]string{
			"token":                        "ABCDEF0123456789",
			"content":                      "record",
			"format":                       "csv",
			"type":                         "flat",
			"rawOrLabel":                   "raw",
			"forms":                        "demographics",
			"exportBlankForGrayFormStatus": "true",
			"dateRangeBegin":               "2024-02-29 00:00:00",
			"dateRangeEnd":                 "2024-03-01 00:00:00",
		}
		for k, v := range want {
			if got := r.PostForm.Get(k); got != v {
				t.Errorf("form %s = %q, want %q", k, got, v)
			}
		}
		rw.Header().Set("Content-Disposition", `attachment; filename="Cohort_DATA_2024-02-29_2359.csv"`)
		_, _ = rw.Write([]byte("record_id,demographics_complete\n1,2\n"))
	})

	set, err := c.ExportRecords(context.Background(), testProject, core.Instrument{ID: "demographics"}, w)
	if err != nil {
		t.Fatalf("ExportRecords() error = %v", err)
	}
	if set.FileName != "Cohort_DATA_2024-02-29_2359.csv" {
		t.Errorf("FileName = %q", set.FileName)
	}
	if string(set.Data) != "record_id,demographics_complete\n1,2" {
		t.Errorf("Data = %q", set.Data)
	}
	if set.Window != w || set.Project.ID != "4711" || set.Instrument.ID != "demographics" {
		t.Errorf("RawRecordSet = %+v", set)
	}
}

func TestExport_Report(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("content") != "report" || r.PostForm.Get("report_id") != "77" {
			t.Errorf("form = %v, want report 77", r.PostForm)
		}
		_, _ = rw.Write([]byte("record_id\n1\n"))
	})

	inst := core.Instrument{ID: "weekly", Kind: core.KindReport, ReportID: "77"}
	set, err := c.Export(context.Background(), testProject, inst, core.TimeWindow{})
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if want := "4711_weekly_REPORT_2024-03-01_0630.csv"; set.FileName != want {
		t.Errorf("FileName = %q, want %q", set.FileName, want)
	}

	_, err = c.Export(context.Background(), testProject, core.Instrument{ID: "weekly", Kind: core.KindReport}, core.TimeWindow{})
	var perm *core.PermanentAPIError
	if !errors.As(err, &perm) {
		t.Errorf("Export() without report id error = %v, want PermanentAPIError", err)
	}
}

func TestPost_StatusClassification(t *testing.T) {
	tests := []struct {
		status      int
		wantClass   core.RetryClass
		credentials bool
	}{
		{http.StatusInternalServerError, core.Transient, false},
		{http.StatusBadGateway, core.Transient, false},
		{http.StatusTooManyRequests, core.Transient, false},
		{http.StatusForbidden, core.Permanent, true},
		{http.StatusUnauthorized, core.Permanent, true},
		{http.StatusBadRequest, core.Permanent, false},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
				rw.WriteHeader(tt.status)
				_, _ = rw.Write([]byte(`{"error":"nope"}`))
			})

			_, err := c.ExportRecords(context.Background(), testProject, core.Instrument{ID: "demographics"}, core.TimeWindow{})
			if err == nil {
				t.Fatal("ExportRecords() expected error")
			}
			if got := core.Classify(err); got != tt.wantClass {
				t.Errorf("Classify() = %v, want %v", got, tt.wantClass)
			}
			var perm *core.PermanentAPIError
			if errors.As(err, &perm) && perm.Credentials() != tt.credentials {
				t.Errorf("Credentials() = %v, want %v", perm.Credentials(), tt.credentials)
			}
		})
	}
}

func TestPost_TokenError(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		t.Error("request sent without a token")
	})
	c.token = func(core.Project) (string, error) { return "", errors.New("REDCAP_TOKEN_4711 is not set") }

	_, err := c.ExportMetadata(context.Background(), testProject)
	var perm *core.PermanentAPIError
	if !errors.As(err, &perm) || !perm.Credentials() {
		t.Errorf("ExportMetadata() error = %v, want credentials error", err)
	}
}

func TestPost_Cancelled(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := c.ExportMetadata(ctx, testProject)
	if !errors.Is(err, context.Canceled) {
		t.Errorf("ExportMetadata() error = %v, want context.Canceled", err)
	}
}

func TestExportMetadata(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		_ = r.ParseForm()
		if r.PostForm.Get("content") != "metadata" {
			t.Errorf("content = %q, want metadata", r.PostForm.Get("content"))
		}
		_, _ = rw.Write([]byte("field_name,form_name,section_header,field_type,field_label,select_choices_or_calculations,field_note,text_validation_type_or_show_slider_number\n" +
			"record_id,demographics,,text,Record ID,,,\n" +
			"f_dob,demographics,,text,\"Date of birth\",,,date_ymd\n" +
			"f_race,demographics,,checkbox,Race,\"1, White | 2, Black\",,\n"))
	})

	snap, err := c.ExportMetadata(context.Background(), testProject)
	if err != nil {
		t.Fatalf("ExportMetadata() error = %v", err)
	}
	if snap.ProjectID != "4711" || snap.Version != 0 {
		t.Errorf("snapshot = %s v%d, want 4711 v0", snap.ProjectID, snap.Version)
	}
	if len(snap.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(snap.Fields))
	}
	want := core.FieldDef{FieldID: "f_race", Form: "demographics", Type: "checkbox", Label: "Race", Choices: "1, White | 2, Black"}
	if snap.Fields[2] != want {
		t.Errorf("Fields[2] = %+v, want %+v", snap.Fields[2], want)
	}
	if snap.Fields[1].Validation != "date_ymd" {
		t.Errorf("Validation = %q, want date_ymd", snap.Fields[1].Validation)
	}
}

func TestExportFieldNames(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte("original_field_name,choice_value,export_field_name\n" +
			"record_id,,record_id\n" +
			"f_race,1,f_race___1\n" +
			"f_race,2,f_race___2\n"))
	})

	names, err := c.ExportFieldNames(context.Background(), testProject)
	if err != nil {
		t.Fatalf("ExportFieldNames() error = %v", err)
	}
	if len(names) != 3 {
		t.Fatalf("len(names) = %d, want 3", len(names))
	}
	want := FieldName{OriginalFieldName: "f_race", ChoiceValue: "2", ExportFieldName: "f_race___2"}
	if names[2] != want {
		t.Errorf("names[2] = %+v, want %+v", names[2], want)
	}
}

func TestExportEvents(t *testing.T) {
	c := newTestClient(t, func(rw http.ResponseWriter, r *http.Request) {
		_, _ = rw.Write([]byte("event_name,arm_num,unique_event_name\nBaseline,1,baseline_arm_1\n"))
	})

	events, err := c.ExportEvents(context.Background(), testProject)
	if err != nil {
		t.Fatalf("ExportEvents() error = %v", err)
	}
	if len(events) != 1 || events[0].UniqueEventName != "baseline_arm_1" || events[0].ArmNum != "1" {
		t.Errorf("events = %+v", events)
	}
}

func TestReadCSV_MissingColumn(t *testing.T) {
	if _, _, err := readCSV([]byte("a,b\n1,2\n"), []string{"field_name"}); err == nil {
		t.Error("readCSV() expected error for missing column")
	}
	if _, _, err := readCSV(nil, nil); err == nil {
		t.Error("readCSV() expected error for empty body")
	}
}
