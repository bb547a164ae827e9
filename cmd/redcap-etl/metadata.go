package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/redcap-etl/internal/catalog"
	"github.com/JonMunkholm/redcap-etl/internal/core"
	"github.com/JonMunkholm/redcap-etl/internal/metadata"
)

func metadataCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metadata",
		Short: "Inspect REDCap project metadata",
	}
	cmd.AddCommand(metadataRefreshCmd())
	return cmd
}

// refreshResult is printed per project by metadata refresh. Held lists every
// instrument still held, including holds from earlier refreshes.
type refreshResult struct {
	Project string              `json:"project"`
	Version int64               `json:"version,omitempty"`
	Events  int                 `json:"events"`
	Report  *core.DiffReport    `json:"report,omitempty"`
	Held    map[string][]string `json:"held,omitempty"`
	Error   string              `json:"error,omitempty"`
	Code    string              `json:"code,omitempty"`
}

func metadataRefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh",
		Short: "Capture a metadata snapshot and report drift against the previous one",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			projects, _ := cmd.Flags().GetStringSlice("project")

			a, err := setup(ctx)
			if err != nil {
				return err
			}
			defer a.close()

			selected, err := selectProjects(a.catalog, projects)
			if err != nil {
				return err
			}

			failed := false
			var results []refreshResult
			for _, p := range selected {
				res := refreshResult{Project: p.ID}

				snap, err := a.client.ExportMetadata(ctx, p)
				if err != nil {
					failed = true
					res.Error, res.Code = err.Error(), core.Code(err)
					results = append(results, res)
					continue
				}

				events, err := a.client.ExportEvents(ctx, p)
				if err != nil {
					slog.Warn("event export failed", "project", p.ID, "error", err)
				}
				res.Events = len(events)

				report, err := a.registry.RefreshSnapshot(ctx, p.ID, snap)
				res.Version = report.ToVersion
				res.Report = &report
				res.Held = heldInstruments(a.registry, p)
				if err != nil {
					failed = true
					res.Error, res.Code = err.Error(), core.Code(err)
				}
				results = append(results, res)
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(results); err != nil {
				return err
			}
			if failed {
				return result(exitPartial)
			}
			return nil
		},
	}

	cmd.Flags().StringSliceP("project", "p", nil, "Project ids to refresh (default: all)")

	return cmd
}

func fieldNamesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "field-names",
		Short: "Write a field map skeleton from REDCap export field names",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			projects, _ := cmd.Flags().GetStringSlice("project")
			output, _ := cmd.Flags().GetString("output")

			a, err := loadConfig()
			if err != nil {
				return err
			}
			if a.cfg.REDCap.URL == "" {
				return errors.New("REDCAP_API_URL is required")
			}

			selected, err := selectProjects(a.catalog, projects)
			if err != nil {
				return err
			}

			var mappings []core.FieldMapping
			for _, p := range selected {
				snap, err := a.client.ExportMetadata(ctx, p)
				if err != nil {
					return fmt.Errorf("project %s: %w", p.ID, err)
				}
				names, err := a.client.ExportFieldNames(ctx, p)
				if err != nil {
					return fmt.Errorf("project %s: %w", p.ID, err)
				}

				byField := make(map[string][]string)
				for _, n := range names {
					byField[n.OriginalFieldName] = append(byField[n.OriginalFieldName], n.ExportFieldName)
				}
				mappings = append(mappings, catalog.Skeleton(p, snap, byField)...)
			}

			var w io.Writer = cmd.OutOrStdout()
			if output != "" && output != "-" {
				f, err := os.Create(output)
				if err != nil {
					return err
				}
				defer f.Close()
				w = f
			}
			if err := catalog.WriteFieldMap(w, mappings); err != nil {
				return err
			}
			slog.Info("field map skeleton written", "mappings", len(mappings), "output", output)
			return nil
		},
	}

	cmd.Flags().StringSliceP("project", "p", nil, "Project ids to include (default: all)")
	cmd.Flags().StringP("output", "o", "", "Output file (default: stdout)")

	return cmd
}

// heldInstruments returns the hold reasons of each held instrument of p.
func heldInstruments(r *metadata.Registry, p core.Project) map[string][]string {
	var held map[string][]string
	for _, inst := range p.Instruments {
		reasons, ok := r.Held(p.ID, inst.ID)
		if !ok {
			continue
		}
		if held == nil {
			held = make(map[string][]string)
		}
		held[inst.ID] = reasons
	}
	return held
}

// selectProjects resolves project ids against the catalog. No ids selects
// every project.
func selectProjects(c *catalog.Catalog, ids []string) ([]core.Project, error) {
	if len(ids) == 0 {
		return c.Projects, nil
	}
	out := make([]core.Project, 0, len(ids))
	for _, id := range ids {
		p, ok := c.Project(strings.TrimSpace(id))
		if !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownProject, id)
		}
		out = append(out, p)
	}
	return out, nil
}
