// Package redcap is a client for the REDCap export API.
//
// Every call is a form POST to the single API endpoint with the project token
// and a content selector. Responses are requested as CSV. Any status other
// than 200 is a failure and is classified with core.NewAPIStatusError.
package redcap

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/logging"
)

// TokenFunc resolves the API token of a project.
type TokenFunc func(p core.Project) (string, error)

// Client talks to one REDCap server.
type Client struct {
	url     string
	http    *http.Client
	limiter *rate.Limiter
	token   TokenFunc
	now     func() time.Time
}

// New creates a client for the endpoint in cfg. Calls across all projects
// share one rate limit.
func New(cfg config.REDCapConfig, token TokenFunc) (*Client, error) {
	if err := checkURL(cfg.URL); err != nil {
		return nil, err
	}
	if token == nil {
		return nil, errors.New("redcap client needs a token source")
	}

	limit := rate.Inf
	if cfg.RequestsPerSecond > 0 {
		limit = rate.Limit(cfg.RequestsPerSecond)
	}
	burst := cfg.Burst
	if burst < 1 {
		burst = 1
	}

	return &Client{
		url:     cfg.URL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(limit, burst),
		token:   token,
		now:     time.Now,
	}, nil
}

func checkURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return fmt.Errorf("invalid REDCap API URL %q", raw)
	}
	return nil
}

// String identifies the client without exposing any token.
func (c *Client) String() string {
	return "redcap.Client(" + c.url + ")"
}

// MaskToken shows only the first three and last two characters of a token.
func MaskToken(token string) string {
	if len(token) <= 5 {
		return "***"
	}
	return token[:3] + "***...***" + token[len(token)-2:]
}

// response is a successful API reply.
type response struct {
	body     []byte
	fileName string
}

// post sends one API call for project p. Transport failures and short reads
// are transient; non-200 replies are classified by status.
func (c *Client) post(ctx context.Context, p core.Project, op string, form url.Values) (response, error) {
	token, err := c.token(p)
	if err != nil {
		return response{}, &core.PermanentAPIError{Op: op, StatusCode: http.StatusUnauthorized, Err: err}
	}
	form.Set("token", token)

	if err := c.limiter.Wait(ctx); err != nil {
		return response{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, strings.NewReader(form.Encode()))
	if err != nil {
		return response{}, fmt.Errorf("redcap %s: build request: %w", op, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept-Encoding", "identity")

	log := logging.FromContext(ctx).With(
		slog.String("op", op),
		slog.String("project", p.ID),
		slog.String("token", MaskToken(token)),
	)
	start := time.Now()

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return response{}, ctx.Err()
		}
		return response{}, &core.TransientAPIError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, &core.TransientAPIError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}

	log.Debug("redcap call finished",
		slog.Int("status", resp.StatusCode),
		slog.Int("bytes", len(body)),
		slog.Duration("duration", time.Since(start)),
	)

	if resp.StatusCode != http.StatusOK {
		return response{}, core.NewAPIStatusError(op, resp.StatusCode, string(body))
	}
	return response{body: body, fileName: fileName(resp.Header)}, nil
}

// fileName returns the file name from a Content-Disposition header.
func fileName(h http.Header) string {
	cd := h.Get("Content-Disposition")
	if cd == "" {
		return ""
	}
	_, params, err := mime.ParseMediaType(cd)
	if err != nil {
		return ""
	}
	return params["filename"]
}

// csvForm returns the form fields shared by CSV exports.
func csvForm(content string) url.Values {
	return url.Values{
		"content":      {content},
		"format":       {"csv"},
		"returnFormat": {"csv"},
	}
}

// Export downloads the raw CSV of one instrument or report for window.
func (c *Client) Export(ctx context.Context, p core.Project, inst core.Instrument, w core.TimeWindow) (core.RawRecordSet, error) {
	if inst.Kind == core.KindReport {
		return c.ExportReport(ctx, p, inst, w)
	}
	return c.ExportRecords(ctx, p, inst, w)
}

// ExportRecords exports the records of one instrument changed within w, in
// flat raw format.
func (c *Client) ExportRecords(ctx context.Context, p core.Project, inst core.Instrument, w core.TimeWindow) (core.RawRecordSet, error) {
	form := csvForm("record")
	form.Set("type", "flat")
	form.Set("rawOrLabel", "raw")
	form.Set("rawOrLabelHeaders", "raw")
	form.Set("exportCheckboxLabel", "false")
	form.Set("exportSurveyFields", "true")
	form.Set("exportDataAccessGroups", "true")
	form.Set("exportBlankForGrayFormStatus", "true")
	form.Set("forms", inst.ID)
	if !w.Begin.IsZero() {
		form.Set("dateRangeBegin", w.Begin.UTC().Format(core.REDCapLayout))
	}
	if !w.End.IsZero() {
		form.Set("dateRangeEnd", w.End.UTC().Format(core.REDCapLayout))
	}

	resp, err := c.post(ctx, p, "export records", form)
	if err != nil {
		return core.RawRecordSet{}, err
	}
	return c.recordSet(p, inst, w, resp, "DATA"), nil
}

// ExportReport exports a saved report. Reports have no date range, so w only
// labels the set.
func (c *Client) ExportReport(ctx context.Context, p core.Project, inst core.Instrument, w core.TimeWindow) (core.RawRecordSet, error) {
	if inst.ReportID == "" {
		return core.RawRecordSet{}, &core.PermanentAPIError{
			Op:         "export report",
			StatusCode: http.StatusBadRequest,
			Err:        fmt.Errorf("instrument %s has no report id", inst.ID),
		}
	}
	form := csvForm("report")
	form.Set("report_id", inst.ReportID)
	form.Set("rawOrLabel", "raw")
	form.Set("rawOrLabelHeaders", "raw")
	form.Set("exportCheckboxLabel", "false")

	resp, err := c.post(ctx, p, "export report", form)
	if err != nil {
		return core.RawRecordSet{}, err
	}
	return c.recordSet(p, inst, w, resp, "REPORT"), nil
}

// recordSet names the export the way REDCap names downloads when the server
// sends no file name.
func (c *Client) recordSet(p core.Project, inst core.Instrument, w core.TimeWindow, resp response, kind string) core.RawRecordSet {
	name := resp.fileName
	if name == "" {
		name = fmt.Sprintf("%s_%s_%s_%s.csv", p.ID, inst.ID, kind, c.now().UTC().Format("2006-01-02_1504"))
	}
	return core.RawRecordSet{
		Project:    p,
		Instrument: inst,
		Window:     w,
		FileName:   name,
		Data:       bytes.TrimSpace(resp.body),
	}
}
