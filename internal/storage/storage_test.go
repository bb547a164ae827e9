package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

func TestExportPath(t *testing.T) {
	set := core.RawRecordSet{
		Project:    core.Project{ID: "4711"},
		Instrument: core.Instrument{ID: "demographics"},
		Window:     core.TimeWindow{End: time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)},
		FileName:   "../Cohort_DATA_2024-03-01_0000.csv",
	}
	want := "4711/demographics/open..20240301T000000Z/Cohort_DATA_2024-03-01_0000.csv"
	if got := ExportPath(set); got != want {
		t.Errorf("ExportPath() = %q, want %q", got, want)
	}
}

func TestClean(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a/b.csv", "a/b.csv"},
		{"/a//b.csv", "a/b.csv"},
		{"a/../b.csv", "b.csv"},
		{"../../etc/passwd", "etc/passwd"},
		{`a\b.csv`, "a/b.csv"},
		{"", ""},
	}
	for _, tt := range tests {
		if got := clean(tt.in); got != tt.want {
			t.Errorf("clean(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestFS(t *testing.T) {
	root := filepath.Join(t.TempDir(), "exports")
	a := NewFS(root)
	ctx := context.Background()

	if err := a.CreateExportDirectory(ctx, ""); err != nil {
		t.Fatalf("CreateExportDirectory() error = %v", err)
	}
	if err := a.WriteExport(ctx, "4711/demographics/w/export.csv", []byte("record_id\n1\n")); err != nil {
		t.Fatalf("WriteExport() error = %v", err)
	}

	got, err := os.ReadFile(filepath.Join(root, "4711", "demographics", "w", "export.csv"))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if string(got) != "record_id\n1\n" {
		t.Errorf("file = %q", got)
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("ReadDir() error = %v", err)
	}
	for _, e := range entries {
		if strings.HasPrefix(e.Name(), ".") {
			t.Errorf("leftover temp file %q", e.Name())
		}
	}
}

func TestAccessErr(t *testing.T) {
	err := accessErr("/exports", fmt.Errorf("mkdir: %w", fs.ErrPermission))
	if !errors.Is(err, core.ErrAccessDenied) {
		t.Errorf("accessErr(permission) = %v, want ErrAccessDenied", err)
	}

	err = accessErr("/exports", fs.ErrNotExist)
	if errors.Is(err, core.ErrAccessDenied) {
		t.Errorf("accessErr(not exist) = %v, want plain error", err)
	}
}

func TestMemory(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()

	if err := m.WriteExport(ctx, "a/b.csv", []byte("x")); err != nil {
		t.Fatalf("WriteExport() error = %v", err)
	}
	if b, ok := m.File("a/b.csv"); !ok || string(b) != "x" {
		t.Errorf("File() = %q, %v", b, ok)
	}

	m.Deny(true)
	if err := m.CreateExportDirectory(ctx, ""); !errors.Is(err, core.ErrAccessDenied) {
		t.Errorf("CreateExportDirectory() error = %v, want ErrAccessDenied", err)
	}
	if err := m.WriteExport(ctx, "a/c.csv", nil); !errors.Is(err, core.ErrAccessDenied) {
		t.Errorf("WriteExport() error = %v, want ErrAccessDenied", err)
	}
	if names := m.Names(); len(names) != 1 || names[0] != "a/b.csv" {
		t.Errorf("Names() = %v", names)
	}
}

// fakeS3 records PUT requests and can refuse them.
type fakeS3 struct {
	mu     sync.Mutex
	puts   map[string]string
	denied bool
}

func (f *fakeS3) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.denied {
		w.Header().Set("Content-Type", "application/xml")
		w.WriteHeader(http.StatusForbidden)
		_, _ = io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>AccessDenied</Code><Message>Access Denied</Message></Error>`)
		return
	}
	body, _ := io.ReadAll(r.Body)
	f.puts[r.URL.Path] = string(body)
	w.WriteHeader(http.StatusOK)
}

func newTestS3(t *testing.T, fake *fakeS3) *S3 {
	t.Helper()
	srv := httptest.NewServer(fake)
	t.Cleanup(srv.Close)

	a, err := NewS3(context.Background(), config.StorageConfig{
		Bucket:       "exports",
		Root:         "redcap",
		Region:       "us-east-1",
		Endpoint:     srv.URL,
		UsePathStyle: true,
	}, func(o *s3.Options) {
		o.Credentials = credentials.NewStaticCredentialsProvider("AKIA", "SECRET", "")
		o.HTTPClient = srv.Client()
	})
	if err != nil {
		t.Fatalf("NewS3() error = %v", err)
	}
	return a
}

func TestS3(t *testing.T) {
	fake := &fakeS3{puts: make(map[string]string)}
	a := newTestS3(t, fake)
	ctx := context.Background()

	if err := a.CreateExportDirectory(ctx, ""); err != nil {
		t.Fatalf("CreateExportDirectory() error = %v", err)
	}
	if err := a.WriteExport(ctx, "4711/demographics/export.csv", []byte("record_id\n1\n")); err != nil {
		t.Fatalf("WriteExport() error = %v", err)
	}

	if _, ok := fake.puts["/exports/redcap/.keep"]; !ok {
		t.Errorf("marker not written, puts = %v", keys(fake.puts))
	}
	body, ok := fake.puts["/exports/redcap/4711/demographics/export.csv"]
	if !ok || !strings.Contains(body, "record_id") {
		t.Errorf("export not written, puts = %v", keys(fake.puts))
	}
}

func TestS3_AccessDenied(t *testing.T) {
	fake := &fakeS3{puts: make(map[string]string), denied: true}
	a := newTestS3(t, fake)

	err := a.CreateExportDirectory(context.Background(), "")
	var denied *core.StorageAccessDenied
	if !errors.As(err, &denied) {
		t.Fatalf("CreateExportDirectory() error = %v, want StorageAccessDenied", err)
	}
	if !strings.HasPrefix(denied.Path, "s3://exports/") {
		t.Errorf("Path = %q", denied.Path)
	}
}

func TestOpen(t *testing.T) {
	ctx := context.Background()
	if a, err := Open(ctx, config.StorageConfig{Driver: "memory"}); err != nil {
		t.Errorf("Open(memory) error = %v", err)
	} else if _, ok := a.(*Memory); !ok {
		t.Errorf("Open(memory) = %T", a)
	}
	if _, err := Open(ctx, config.StorageConfig{Driver: "s3"}); err == nil {
		t.Error("Open(s3) without bucket expected error")
	}
	if _, err := Open(ctx, config.StorageConfig{Driver: "ftp"}); err == nil {
		t.Error("Open(ftp) expected error")
	}
}

func keys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
