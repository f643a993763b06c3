// Package catalog maps repository and event kind to the set of jobs that
// must run. The mapping is loaded once at startup and is immutable
// afterwards; lookups are pure.
package catalog

import (
	"fmt"
	"time"

	"github.com/sevigo/hookci/internal/core"
)

// Catalog is the static job mapping. Per-repository entries override the
// default set completely; there is no merging between the two.
type Catalog struct {
	defaults []core.JobSpec
	repos    map[string][]core.JobSpec
}

// New builds a catalog from validated specs.
func New(defaults []core.JobSpec, repos map[string][]core.JobSpec) *Catalog {
	return &Catalog{defaults: defaults, repos: repos}
}

// specsFor returns the raw spec list for a repository.
func (c *Catalog) specsFor(repoFullName string) []core.JobSpec {
	if specs, ok := c.repos[repoFullName]; ok {
		return specs
	}
	return c.defaults
}

// JobsFor returns the ordered jobs to run for an event kind, with
// label-gated specs included only when their gate label is present in
// labels. Ordering follows the catalog file and matters only for
// presentation; execution is concurrent.
func (c *Catalog) JobsFor(repoFullName string, kind core.EventKind, labels []string) []core.JobSpec {
	var out []core.JobSpec
	for _, spec := range c.specsFor(repoFullName) {
		if !spec.TriggeredBy(kind) {
			continue
		}
		if spec.RequireLabel != "" && !hasLabel(labels, spec.RequireLabel) {
			continue
		}
		out = append(out, spec)
	}
	return out
}

// HasGated reports whether any spec triggered by kind is label-gated. The
// dispatcher uses this to decide whether a label side read is needed at all.
func (c *Catalog) HasGated(repoFullName string, kind core.EventKind) bool {
	for _, spec := range c.specsFor(repoFullName) {
		if spec.TriggeredBy(kind) && spec.RequireLabel != "" {
			return true
		}
	}
	return false
}

// Lookup finds a spec by name for a repository, for explicit re-runs
// requested through comment commands.
func (c *Catalog) Lookup(repoFullName, name string) (*core.JobSpec, bool) {
	for _, spec := range c.specsFor(repoFullName) {
		if spec.Name == name {
			s := spec
			return &s, true
		}
	}
	return nil, false
}

// Names returns all job names configured for a repository, in catalog order.
func (c *Catalog) Names(repoFullName string) []string {
	specs := c.specsFor(repoFullName)
	names := make([]string, 0, len(specs))
	for _, spec := range specs {
		names = append(names, spec.Name)
	}
	return names
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}

// Defaults applied to specs that leave policy fields unset.
const (
	defaultTimeout     = 30 * time.Minute
	defaultMaxAttempts = 1
)

var defaultBackoff = core.Backoff{Initial: 10 * time.Second, Max: 5 * time.Minute, Factor: 2}

func validateSpec(spec *core.JobSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("job has no name")
	}
	if len(spec.Command) == 0 {
		return fmt.Errorf("job %q has no command", spec.Name)
	}
	if len(spec.Triggers) == 0 {
		return fmt.Errorf("job %q has no triggers", spec.Name)
	}
	for _, t := range spec.Triggers {
		switch t {
		case core.EventOpened, core.EventSynchronize, core.EventReopened,
			core.EventClosed, core.EventComment, core.EventPush:
		default:
			return fmt.Errorf("job %q has unknown trigger %q", spec.Name, t)
		}
	}
	if spec.Timeout <= 0 {
		spec.Timeout = defaultTimeout
	}
	if spec.MaxAttempts <= 0 {
		spec.MaxAttempts = defaultMaxAttempts
	}
	if spec.Backoff.Initial <= 0 {
		spec.Backoff = defaultBackoff
	}
	return nil
}
