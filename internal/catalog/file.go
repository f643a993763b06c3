package catalog

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/sevigo/hookci/internal/core"
)

// File is the on-disk catalog format:
//
//	defaults:
//	  jobs:
//	    - name: tests
//	      triggers: [opened, reopened, synchronize]
//	      command: ["tox"]
//	      timeout: 30m
//	      max_attempts: 3
//	repositories:
//	  org/repo:
//	    jobs:
//	      - name: build-container
//	        triggers: [opened, synchronize]
//	        require_label: verified
//	        command: ["make", "container"]
type File struct {
	Defaults     RepoJobs            `yaml:"defaults"`
	Repositories map[string]RepoJobs `yaml:"repositories"`
}

// RepoJobs holds the job list for one repository or the defaults.
type RepoJobs struct {
	Jobs []JobEntry `yaml:"jobs"`
}

// JobEntry is one job definition in the catalog file.
type JobEntry struct {
	Name         string        `yaml:"name"`
	Triggers     []string      `yaml:"triggers"`
	RequireLabel string        `yaml:"require_label"`
	Command      []string      `yaml:"command"`
	Timeout      time.Duration `yaml:"timeout"`
	MaxAttempts  int           `yaml:"max_attempts"`
	Backoff      BackoffEntry  `yaml:"backoff"`
}

// BackoffEntry configures the retry backoff for one job.
type BackoffEntry struct {
	Initial time.Duration `yaml:"initial"`
	Max     time.Duration `yaml:"max"`
	Factor  float64       `yaml:"factor"`
}

// Load reads and validates a catalog file.
func Load(path string) (*Catalog, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read job catalog %s: %w", path, err)
	}
	return Parse(raw)
}

// Parse builds a catalog from raw YAML. Unknown fields in the file are
// ignored for forward compatibility.
func Parse(raw []byte) (*Catalog, error) {
	var file File
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return nil, fmt.Errorf("failed to parse job catalog: %w", err)
	}

	defaults, err := toSpecs(file.Defaults.Jobs)
	if err != nil {
		return nil, fmt.Errorf("invalid default jobs: %w", err)
	}

	repos := make(map[string][]core.JobSpec, len(file.Repositories))
	for repo, rj := range file.Repositories {
		specs, err := toSpecs(rj.Jobs)
		if err != nil {
			return nil, fmt.Errorf("invalid jobs for %s: %w", repo, err)
		}
		repos[repo] = specs
	}

	return New(defaults, repos), nil
}

func toSpecs(entries []JobEntry) ([]core.JobSpec, error) {
	specs := make([]core.JobSpec, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))

	for _, e := range entries {
		if _, dup := seen[e.Name]; dup {
			return nil, fmt.Errorf("duplicate job name %q", e.Name)
		}
		seen[e.Name] = struct{}{}

		triggers := make([]core.EventKind, 0, len(e.Triggers))
		for _, t := range e.Triggers {
			triggers = append(triggers, core.EventKind(t))
		}

		spec := core.JobSpec{
			Name:         e.Name,
			Triggers:     triggers,
			RequireLabel: e.RequireLabel,
			Command:      e.Command,
			Timeout:      e.Timeout,
			MaxAttempts:  e.MaxAttempts,
			Backoff: core.Backoff{
				Initial: e.Backoff.Initial,
				Max:     e.Backoff.Max,
				Factor:  e.Backoff.Factor,
			},
		}
		if err := validateSpec(&spec); err != nil {
			return nil, err
		}
		specs = append(specs, spec)
	}
	return specs, nil
}
