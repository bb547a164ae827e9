package core

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"strings"
	"syscall"
)

// Sentinel errors.
var (
	ErrAccessDenied      = errors.New("storage access denied")
	ErrNoIdentifier      = errors.New("no identifier mapping")
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrUnknownProject    = errors.New("unknown project")
	ErrVersionConflict   = errors.New("state version conflict")
	ErrCancelled         = errors.New("run cancelled")
	ErrRunActive         = errors.New("a run is already in progress")
)

// TransientAPIError is a REDCap API failure worth retrying: timeouts, 5xx and 429.
type TransientAPIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *TransientAPIError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("redcap %s: transient status %d: %v", e.Op, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("redcap %s: transient: %v", e.Op, e.Err)
}

func (e *TransientAPIError) Unwrap() error { return e.Err }

// PermanentAPIError is a REDCap API failure that will not succeed on retry.
type PermanentAPIError struct {
	Op         string
	StatusCode int
	Err        error
}

func (e *PermanentAPIError) Error() string {
	return fmt.Sprintf("redcap %s: status %d: %v", e.Op, e.StatusCode, e.Err)
}

func (e *PermanentAPIError) Unwrap() error { return e.Err }

// Credentials reports whether the API rejected the token.
func (e *PermanentAPIError) Credentials() bool {
	return e.StatusCode == 401 || e.StatusCode == 403
}

// NewAPIStatusError classifies a non-200 REDCap response.
func NewAPIStatusError(op string, status int, body string) error {
	detail := errors.New(strings.TrimSpace(truncate(body, 200)))
	if status == 429 || status >= 500 {
		return &TransientAPIError{Op: op, StatusCode: status, Err: detail}
	}
	return &PermanentAPIError{Op: op, StatusCode: status, Err: detail}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// IncompatibleSchemaChange means a metadata refresh broke existing mappings.
// Affected instruments are held until their mappings are updated.
type IncompatibleSchemaChange struct {
	ProjectID string
	// Instruments maps a held instrument id to the reasons it was held.
	Instruments map[string][]string
}

func (e *IncompatibleSchemaChange) Error() string {
	ids := make([]string, 0, len(e.Instruments))
	for id := range e.Instruments {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	parts := make([]string, 0, len(ids))
	for _, id := range ids {
		parts = append(parts, fmt.Sprintf("%s (%s)", id, strings.Join(e.Instruments[id], "; ")))
	}
	return fmt.Sprintf("incompatible schema change in project %s: %s", e.ProjectID, strings.Join(parts, ", "))
}

// UnmappedFieldError lists export columns without a mapping.
type UnmappedFieldError struct {
	ProjectID    string
	InstrumentID string
	Fields       []string
}

func (e *UnmappedFieldError) Error() string {
	return fmt.Sprintf("unmapped field(s) in %s/%s: %s", e.ProjectID, e.InstrumentID, strings.Join(e.Fields, ", "))
}

// StorageAccessDenied is returned when the export archive cannot be written.
type StorageAccessDenied struct {
	Path string
	Err  error
}

func (e *StorageAccessDenied) Error() string {
	return fmt.Sprintf("storage access denied for %s: %v", e.Path, e.Err)
}

func (e *StorageAccessDenied) Unwrap() error { return e.Err }

func (e *StorageAccessDenied) Is(target error) bool { return target == ErrAccessDenied }

// WarehouseError wraps a failure executing a load plan.
type WarehouseError struct {
	Table     string
	Retryable bool
	Err       error
}

func (e *WarehouseError) Error() string {
	return fmt.Sprintf("warehouse load into %s: %v", e.Table, e.Err)
}

func (e *WarehouseError) Unwrap() error { return e.Err }

// RetryClass says whether a failed attempt may be retried.
type RetryClass int

const (
	Permanent RetryClass = iota
	Transient
)

func (c RetryClass) String() string {
	if c == Transient {
		return "transient"
	}
	return "permanent"
}

// Classify decides whether err is worth another attempt. Unknown errors are
// permanent.
func Classify(err error) RetryClass {
	if err == nil {
		return Permanent
	}

	var (
		transient *TransientAPIError
		permanent *PermanentAPIError
		schema    *IncompatibleSchemaChange
		unmapped  *UnmappedFieldError
		wh        *WarehouseError
	)
	switch {
	case errors.Is(err, context.Canceled), errors.Is(err, ErrCancelled):
		return Permanent
	case errors.As(err, &schema), errors.As(err, &unmapped),
		errors.Is(err, ErrNoIdentifier), errors.Is(err, ErrAccessDenied):
		return Permanent
	case errors.As(err, &permanent):
		return Permanent
	case errors.As(err, &transient):
		return Transient
	case errors.As(err, &wh) && wh.Retryable:
		return Transient
	case errors.Is(err, ErrVersionConflict):
		return Transient
	}

	if isNetworkTransient(err) {
		return Transient
	}
	return Permanent
}

func isNetworkTransient(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNREFUSED) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
