package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want RetryClass
	}{
		{"nil", nil, Permanent},
		{"http 500", NewAPIStatusError("export records", 500, ""), Transient},
		{"http 502", NewAPIStatusError("export records", 502, "Bad Gateway"), Transient},
		{"http 429", NewAPIStatusError("export records", 429, "rate limited"), Transient},
		{"http 401", NewAPIStatusError("export records", 401, ""), Permanent},
		{"http 403", NewAPIStatusError("export records", 403, ""), Permanent},
		{"http 404", NewAPIStatusError("export report", 404, ""), Permanent},
		{"deadline", fmt.Errorf("export: %w", context.DeadlineExceeded), Transient},
		{"net timeout", &net.OpError{Op: "read", Err: timeoutErr{}}, Transient},
		{"connection reset", &net.OpError{Op: "read", Err: syscall.ECONNRESET}, Transient},
		{"connection refused", fmt.Errorf("dial: %w", syscall.ECONNREFUSED), Transient},
		{"unexpected eof", fmt.Errorf("read body: %w", io.ErrUnexpectedEOF), Transient},
		{"retryable warehouse", &WarehouseError{Table: "t", Retryable: true, Err: errors.New("conn closed")}, Transient},
		{"warehouse constraint", &WarehouseError{Table: "t", Err: errors.New("syntax error")}, Permanent},
		{"version conflict", fmt.Errorf("commit: %w", ErrVersionConflict), Transient},
		{"schema drift", &IncompatibleSchemaChange{ProjectID: "1"}, Permanent},
		{"unmapped", &UnmappedFieldError{ProjectID: "1", InstrumentID: "x"}, Permanent},
		{"no identifier", ErrNoIdentifier, Permanent},
		{"storage denied", &StorageAccessDenied{Path: "/x", Err: errors.New("eacces")}, Permanent},
		{"cancelled", context.Canceled, Permanent},
		{"unknown", errors.New("boom"), Permanent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestStorageAccessDeniedIs(t *testing.T) {
	err := fmt.Errorf("validate: %w", &StorageAccessDenied{Path: "/exports", Err: errors.New("read-only")})
	if !errors.Is(err, ErrAccessDenied) {
		t.Error("errors.Is(err, ErrAccessDenied) = false, want true")
	}
}

func TestIncompatibleSchemaChangeMessage(t *testing.T) {
	err := &IncompatibleSchemaChange{
		ProjectID: "12",
		Instruments: map[string][]string{
			"visit":        {"f_weight type numeric -> text"},
			"demographics": {"f_dob removed"},
		},
	}
	want := "incompatible schema change in project 12: demographics (f_dob removed), visit (f_weight type numeric -> text)"
	if got := err.Error(); got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
}
