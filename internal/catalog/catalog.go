// Package catalog loads the list of REDCap projects to extract and the field
// map that ties each exported field to a warehouse variable.
package catalog

import (
	"bytes"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/JonMunkholm/redcap-etl/internal/core"
)

// identRegex restricts table names to plain SQL identifiers.
var identRegex = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Catalog is the set of configured projects.
type Catalog struct {
	Projects []core.Project `yaml:"projects"`
}

// Load reads and validates a YAML project catalog.
//
// Example:
//
//	projects:
//	  - id: "4711"
//	    target_id: 12
//	    name: Cohort Study
//	    token_env: REDCAP_TOKEN_4711
//	    instruments:
//	      - id: demographics
//	        required_fields: [f_dob]
//	      - id: weekly_summary
//	        kind: report
//	        report_id: "4792"
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates catalog YAML.
func Parse(data []byte) (*Catalog, error) {
	var c Catalog
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}

	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) applyDefaults() {
	for i := range c.Projects {
		p := &c.Projects[i]
		for j := range p.Instruments {
			inst := &p.Instruments[j]
			if inst.Kind == "" {
				inst.Kind = core.KindInstrument
			}
			if inst.Table == "" {
				inst.Table = inst.ID
			}
			inst.Table = strings.ToLower(inst.Table)
		}
	}
}

// Validate reports every problem in the catalog at once.
func (c *Catalog) Validate() error {
	var errs []string
	seenProject := make(map[string]bool)
	seenTarget := make(map[int64]string)

	if len(c.Projects) == 0 {
		errs = append(errs, "no projects configured")
	}

	for _, p := range c.Projects {
		if p.ID == "" {
			errs = append(errs, "project with empty id")
			continue
		}
		if seenProject[p.ID] {
			errs = append(errs, fmt.Sprintf("duplicate project %s", p.ID))
		}
		seenProject[p.ID] = true

		if p.TargetID <= 0 {
			errs = append(errs, fmt.Sprintf("project %s: target_id must be positive", p.ID))
		} else if other, dup := seenTarget[p.TargetID]; dup {
			errs = append(errs, fmt.Sprintf("project %s: target_id %d already used by project %s", p.ID, p.TargetID, other))
		} else {
			seenTarget[p.TargetID] = p.ID
		}
		if p.TokenEnv == "" {
			errs = append(errs, fmt.Sprintf("project %s: token_env is required", p.ID))
		}

		seenInst := make(map[string]bool)
		for _, inst := range p.Instruments {
			if inst.ID == "" {
				errs = append(errs, fmt.Sprintf("project %s: instrument with empty id", p.ID))
				continue
			}
			if seenInst[inst.ID] {
				errs = append(errs, fmt.Sprintf("project %s: duplicate instrument %s", p.ID, inst.ID))
			}
			seenInst[inst.ID] = true

			switch inst.Kind {
			case core.KindInstrument:
			case core.KindReport:
				if inst.ReportID == "" {
					errs = append(errs, fmt.Sprintf("project %s: report %s needs report_id", p.ID, inst.ID))
				}
			default:
				errs = append(errs, fmt.Sprintf("project %s: instrument %s has unknown kind %q", p.ID, inst.ID, inst.Kind))
			}
			if !identRegex.MatchString(inst.Table) {
				errs = append(errs, fmt.Sprintf("project %s: table %q is not a valid identifier", p.ID, inst.Table))
			}
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid catalog:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Project returns the project with the given id.
func (c *Catalog) Project(id string) (core.Project, bool) {
	for _, p := range c.Projects {
		if p.ID == id {
			return p, true
		}
	}
	return core.Project{}, false
}

// Token reads the API token of a project from its environment variable.
func Token(p core.Project) (string, error) {
	tok := strings.TrimSpace(os.Getenv(p.TokenEnv))
	if tok == "" {
		return "", fmt.Errorf("project %s: %s is not set", p.ID, p.TokenEnv)
	}
	return tok, nil
}

// Target is one (project, instrument) pair selected for a run.
type Target struct {
	Project    core.Project
	Instrument core.Instrument
}

// Select resolves an operator selection to ordered targets. Empty filters
// select everything; unknown ids are an error.
func (c *Catalog) Select(projectIDs, instrumentIDs []string) ([]Target, error) {
	wantProject := toSet(projectIDs)
	wantInst := toSet(instrumentIDs)
	foundInst := make(map[string]bool)

	for id := range wantProject {
		if _, ok := c.Project(id); !ok {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownProject, id)
		}
	}

	var out []Target
	for _, p := range c.Projects {
		if len(wantProject) > 0 && !wantProject[p.ID] {
			continue
		}
		for _, inst := range p.Instruments {
			if len(wantInst) > 0 && !wantInst[inst.ID] {
				continue
			}
			foundInst[inst.ID] = true
			out = append(out, Target{Project: p, Instrument: inst})
		}
	}

	for id := range wantInst {
		if !foundInst[id] {
			return nil, fmt.Errorf("%w: %s", core.ErrUnknownInstrument, id)
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Project.ID != out[j].Project.ID {
			return out[i].Project.ID < out[j].Project.ID
		}
		return out[i].Instrument.ID < out[j].Instrument.ID
	})
	return out, nil
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		if id = strings.TrimSpace(id); id != "" {
			set[id] = true
		}
	}
	return set
}
