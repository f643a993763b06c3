package catalog

import (
	"strings"
	"testing"
	"time"

	"github.com/sevigo/hookci/internal/core"
)

const sampleCatalog = `
defaults:
  jobs:
    - name: tests
      triggers: [opened, reopened, synchronize, comment]
      command: ["tox"]
      max_attempts: 3
      backoff:
        initial: 5s
        max: 1m
    - name: lint
      triggers: [opened, synchronize]
      command: ["pre-commit", "run", "--all-files"]
      timeout: 10m
    - name: build-container
      triggers: [opened, synchronize]
      require_label: verified
      command: ["make", "container"]
repositories:
  acme/installer:
    jobs:
      - name: install
        triggers: [push]
        command: ["make", "install"]
`

func mustParse(t *testing.T, raw string) *Catalog {
	t.Helper()
	cat, err := Parse([]byte(raw))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	return cat
}

func names(specs []core.JobSpec) []string {
	out := make([]string, 0, len(specs))
	for _, s := range specs {
		out = append(out, s.Name)
	}
	return out
}

func TestParseAppliesDefaults(t *testing.T) {
	cat := mustParse(t, sampleCatalog)

	lint, ok := cat.Lookup("acme/widgets", "lint")
	if !ok {
		t.Fatal("lint should resolve through the default set")
	}
	if lint.Timeout != 10*time.Minute {
		t.Errorf("explicit timeout lost: %v", lint.Timeout)
	}
	if lint.MaxAttempts != 1 {
		t.Errorf("MaxAttempts = %d, want default 1", lint.MaxAttempts)
	}
	if lint.Backoff.Initial != 10*time.Second {
		t.Errorf("Backoff.Initial = %v, want default 10s", lint.Backoff.Initial)
	}

	tests, _ := cat.Lookup("acme/widgets", "tests")
	if tests.Timeout != 30*time.Minute {
		t.Errorf("Timeout = %v, want default 30m", tests.Timeout)
	}
	if tests.MaxAttempts != 3 || tests.Backoff.Initial != 5*time.Second || tests.Backoff.Max != time.Minute {
		t.Errorf("explicit retry policy lost: %+v", tests)
	}
}

func TestParseRejectsInvalidCatalogs(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		wantErr string
	}{
		{
			name: "duplicate job name",
			raw: `
defaults:
  jobs:
    - name: tests
      triggers: [opened]
      command: ["tox"]
    - name: tests
      triggers: [synchronize]
      command: ["tox"]
`,
			wantErr: "duplicate job name",
		},
		{
			name: "missing command",
			raw: `
defaults:
  jobs:
    - name: tests
      triggers: [opened]
`,
			wantErr: "no command",
		},
		{
			name: "missing triggers",
			raw: `
defaults:
  jobs:
    - name: tests
      command: ["tox"]
`,
			wantErr: "no triggers",
		},
		{
			name: "unknown trigger",
			raw: `
defaults:
  jobs:
    - name: tests
      triggers: [merged]
      command: ["tox"]
`,
			wantErr: "unknown trigger",
		},
		{
			name:    "not yaml",
			raw:     "defaults: [",
			wantErr: "failed to parse",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.raw))
			if err == nil {
				t.Fatal("expected an error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestJobsForFiltersTriggersAndLabels(t *testing.T) {
	cat := mustParse(t, sampleCatalog)

	tests := []struct {
		name   string
		repo   string
		kind   core.EventKind
		labels []string
		want   []string
	}{
		{"opened without labels", "acme/widgets", core.EventOpened, nil, []string{"tests", "lint"}},
		{"opened with gate label", "acme/widgets", core.EventOpened, []string{"verified"}, []string{"tests", "lint", "build-container"}},
		{"comment triggers only tests", "acme/widgets", core.EventComment, []string{"verified"}, []string{"tests"}},
		{"closed triggers nothing", "acme/widgets", core.EventClosed, nil, nil},
		{"repo override replaces defaults", "acme/installer", core.EventOpened, nil, nil},
		{"repo override push job", "acme/installer", core.EventPush, nil, []string{"install"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := names(cat.JobsFor(tt.repo, tt.kind, tt.labels))
			if len(got) != len(tt.want) {
				t.Fatalf("JobsFor = %v, want %v", got, tt.want)
			}
			for i := range got {
				if got[i] != tt.want[i] {
					t.Fatalf("JobsFor = %v, want %v (order matters)", got, tt.want)
				}
			}
		})
	}
}

func TestHasGated(t *testing.T) {
	cat := mustParse(t, sampleCatalog)

	if !cat.HasGated("acme/widgets", core.EventOpened) {
		t.Error("default set has a label-gated job on opened")
	}
	if cat.HasGated("acme/widgets", core.EventComment) {
		t.Error("no gated job triggers on comment")
	}
	if cat.HasGated("acme/installer", core.EventPush) {
		t.Error("installer override has no gated jobs")
	}
}

func TestLookupAndNames(t *testing.T) {
	cat := mustParse(t, sampleCatalog)

	if _, ok := cat.Lookup("acme/widgets", "nope"); ok {
		t.Error("unknown job should not resolve")
	}

	spec, ok := cat.Lookup("acme/widgets", "build-container")
	if !ok || spec.RequireLabel != "verified" {
		t.Fatalf("Lookup(build-container) = %+v, %t", spec, ok)
	}

	got := cat.Names("acme/widgets")
	want := []string{"tests", "lint", "build-container"}
	if len(got) != len(want) {
		t.Fatalf("Names = %v, want %v", got, want)
	}
	for i := range got {
		if got[i] != want[i] {
			t.Fatalf("Names = %v, want %v", got, want)
		}
	}
}
