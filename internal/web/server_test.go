package web

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/job"
)

type fakeJobs struct {
	history *job.History
	limiter *job.Limiter
	err     error
	got     []job.Request
}

func newFakeJobs() *fakeJobs {
	return &fakeJobs{history: job.NewHistory(10), limiter: job.NewLimiter(2)}
}

func (f *fakeJobs) Start(_ context.Context, req job.Request) (core.JobRun, error) {
	if f.err != nil {
		return core.JobRun{}, f.err
	}
	f.got = append(f.got, req)
	run := core.JobRun{ID: "run-1", Trigger: req.Trigger, Window: req.Window}
	f.history.Put(run)
	return run, nil
}

func (f *fakeJobs) History() *job.History { return f.history }
func (f *fakeJobs) Limiter() *job.Limiter { return f.limiter }
func (f *fakeJobs) Active() bool          { return false }

func newTestServer(jobs *fakeJobs, cfg config.ServerConfig, opts Options) *Server {
	return NewServer(context.Background(), jobs, cfg, opts)
}

func do(s *Server, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	s.Router().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	s := newTestServer(newFakeJobs(), config.ServerConfig{}, Options{})
	rec := do(s, http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var got HealthResponse
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if got.Status != "ok" || got.Workers.MaxConcurrent != 2 {
		t.Errorf("health = %+v", got)
	}
}

func TestHealth_DatabaseDown(t *testing.T) {
	s := newTestServer(newFakeJobs(), config.ServerConfig{}, Options{
		Ping: func(context.Context) error { return errors.New("dial tcp: connection refused") },
	})
	rec := do(s, http.MethodGet, "/healthz", "", nil)

	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusServiceUnavailable)
	}
	var got ErrorResponse
	_ = json.NewDecoder(rec.Body).Decode(&got)
	if got.Code != "DB001" {
		t.Errorf("Code = %q, want DB001", got.Code)
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("redcap_etl_units_total 0\n"))
	})
	s := newTestServer(newFakeJobs(), config.ServerConfig{}, Options{Metrics: metrics})

	rec := do(s, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "redcap_etl_units_total") {
		t.Errorf("GET /metrics = %d %q", rec.Code, rec.Body.String())
	}
}

func TestStartRun(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestServer(jobs, config.ServerConfig{}, Options{})

	rec := do(s, http.MethodPost, "/api/runs",
		`{"projects":["4711"],"instruments":["demographics"],"since":"2024-02-29","until":"2024-03-01T06:00:00Z"}`, nil)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d: %s", rec.Code, http.StatusAccepted, rec.Body.String())
	}
	if loc := rec.Header().Get("Location"); loc != "/api/runs/run-1" {
		t.Errorf("Location = %q", loc)
	}
	if len(jobs.got) != 1 {
		t.Fatalf("Start calls = %d, want 1", len(jobs.got))
	}
	req := jobs.got[0]
	if req.Trigger != core.TriggerOnDemand || req.Projects[0] != "4711" || req.Instruments[0] != "demographics" {
		t.Errorf("request = %+v", req)
	}
	wantEnd := time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)
	if !req.Window.End.Equal(wantEnd) {
		t.Errorf("Window.End = %v, want %v", req.Window.End, wantEnd)
	}
}

func TestStartRun_EmptyBody(t *testing.T) {
	jobs := newFakeJobs()
	s := newTestServer(jobs, config.ServerConfig{}, Options{})

	rec := do(s, http.MethodPost, "/api/runs", "", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusAccepted)
	}
	if len(jobs.got) != 1 || len(jobs.got[0].Projects) != 0 {
		t.Errorf("request = %+v", jobs.got)
	}
}

func TestStartRun_Errors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		startErr   error
		wantStatus int
		wantCode   string
	}{
		{"malformed json", `{"projects":`, nil, http.StatusBadRequest, "REQ001"},
		{"unknown field", `{"project":"4711"}`, nil, http.StatusBadRequest, "REQ001"},
		{"bad time", `{"since":"yesterday"}`, nil, http.StatusBadRequest, "REQ001"},
		{"inverted window", `{"since":"2024-03-02","until":"2024-03-01"}`, nil, http.StatusBadRequest, "REQ001"},
		{"busy", `{}`, job.ErrBusy, http.StatusConflict, "RUN002"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			jobs := newFakeJobs()
			jobs.err = tt.startErr
			s := newTestServer(jobs, config.ServerConfig{}, Options{})

			rec := do(s, http.MethodPost, "/api/runs", tt.body, nil)
			if rec.Code != tt.wantStatus {
				t.Fatalf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			var got ErrorResponse
			_ = json.NewDecoder(rec.Body).Decode(&got)
			if got.Code != tt.wantCode {
				t.Errorf("Code = %q, want %q", got.Code, tt.wantCode)
			}
		})
	}
}

func TestStartRun_APIKey(t *testing.T) {
	cfg := config.ServerConfig{RequireAPIKey: true, APIKeys: []string{"secret"}}
	tests := []struct {
		name       string
		key        string
		wantStatus int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong", "guess", http.StatusForbidden},
		{"valid", "secret", http.StatusAccepted},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(newFakeJobs(), cfg, Options{})
			headers := map[string]string{}
			if tt.key != "" {
				headers["X-API-Key"] = tt.key
			}
			rec := do(s, http.MethodPost, "/api/runs", `{}`, headers)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
		})
	}

	// Reads stay open.
	s := newTestServer(newFakeJobs(), cfg, Options{})
	if rec := do(s, http.MethodGet, "/api/runs", "", nil); rec.Code != http.StatusOK {
		t.Errorf("GET /api/runs status = %d, want %d", rec.Code, http.StatusOK)
	}
}

func TestGetRun(t *testing.T) {
	jobs := newFakeJobs()
	jobs.history.Put(core.JobRun{ID: "a", Outcome: core.OutcomePartial})
	jobs.history.Put(core.JobRun{ID: "b", Outcome: core.OutcomeSucceeded})
	s := newTestServer(jobs, config.ServerConfig{}, Options{})

	rec := do(s, http.MethodGet, "/api/runs/a", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusOK)
	}
	var run core.JobRun
	if err := json.NewDecoder(rec.Body).Decode(&run); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if run.Outcome != core.OutcomePartial {
		t.Errorf("Outcome = %q, want %q", run.Outcome, core.OutcomePartial)
	}

	rec = do(s, http.MethodGet, "/api/runs", "", nil)
	var runs []core.JobRun
	if err := json.NewDecoder(rec.Body).Decode(&runs); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(runs) != 2 || runs[0].ID != "b" {
		t.Errorf("runs = %+v, want newest first", runs)
	}

	rec = do(s, http.MethodGet, "/api/runs/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Errorf("status = %d, want %d", rec.Code, http.StatusNotFound)
	}
}

func TestParseWindow(t *testing.T) {
	tests := []struct {
		name    string
		since   string
		until   string
		want    core.TimeWindow
		wantErr bool
	}{
		{name: "open", want: core.TimeWindow{}},
		{
			name:  "dates",
			since: "2024-02-29",
			until: "2024-03-01",
			want: core.TimeWindow{
				Begin: time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC),
			},
		},
		{
			name:  "rfc3339 with offset",
			since: "2024-03-01T08:00:00+02:00",
			want:  core.TimeWindow{Begin: time.Date(2024, 3, 1, 6, 0, 0, 0, time.UTC)},
		},
		{name: "garbage", since: "soon", wantErr: true},
		{name: "equal bounds", since: "2024-03-01", until: "2024-03-01", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseWindow(tt.since, tt.until)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseWindow() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				return
			}
			if !got.Begin.Equal(tt.want.Begin) || !got.End.Equal(tt.want.End) {
				t.Errorf("ParseWindow() = %s, want %s", got, tt.want)
			}
		})
	}
}
