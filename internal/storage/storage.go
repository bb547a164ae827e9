// Package storage archives raw REDCap exports before they are transformed.
//
// Paths are slash separated and relative to the archive root:
// <project>/<instrument>/<window>/<file name>.
package storage

import (
	"context"
	"fmt"
	"path"
	"strings"

	"github.com/JonMunkholm/redcap-etl/internal/config"
	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// Archive stores raw export bytes.
//
// CreateExportDirectory must fail with *core.StorageAccessDenied when the
// archive cannot be written, so a run can stop before exporting anything.
type Archive interface {
	CreateExportDirectory(ctx context.Context, dir string) error
	WriteExport(ctx context.Context, name string, data []byte) error
}

// Open creates the archive selected by cfg.
func Open(ctx context.Context, cfg config.StorageConfig) (Archive, error) {
	switch cfg.Driver {
	case "fs":
		return NewFS(cfg.Root), nil
	case "s3":
		return NewS3(ctx, cfg)
	case "memory":
		return NewMemory(), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// ExportPath returns the archive path of set.
func ExportPath(set core.RawRecordSet) string {
	window := strings.ReplaceAll(set.Window.String(), "*", "open")
	return path.Join(set.Project.ID, set.Instrument.ID, window, path.Base(set.FileName))
}

// clean confines name to the archive root.
func clean(name string) string {
	p := path.Clean("/" + strings.ReplaceAll(name, "\\", "/"))
	return strings.TrimPrefix(p, "/")
}
