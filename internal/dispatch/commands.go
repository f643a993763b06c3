package dispatch

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/state"
)

// Command is one slash command extracted from a PR comment.
type Command struct {
	Name string
	Args []string
}

// ParseCommands extracts slash commands from a comment body. Each line that
// starts with "/" becomes one command; everything else is ignored.
func ParseCommands(body string) []Command {
	var cmds []Command
	for _, line := range strings.Split(strings.TrimSpace(body), "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "/") {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, "/"))
		if len(fields) == 0 {
			continue
		}
		cmds = append(cmds, Command{Name: strings.ToLower(fields[0]), Args: fields[1:]})
	}
	return cmds
}

// handleComment processes a comment event: catalog-triggered comment jobs
// run through the normal tracking path, and "/retest" commands re-enqueue
// named jobs against the current head SHA.
func (d *Dispatcher) handleComment(ctx context.Context, ev *core.Event) {
	var retest []string
	for _, cmd := range ParseCommands(ev.CommentBody) {
		if cmd.Name == "retest" {
			if len(cmd.Args) == 0 {
				d.postComment(ev, "`/retest` needs a job name or `all`.")
				continue
			}
			retest = append(retest, cmd.Args...)
		}
	}

	d.track(ctx, ev)

	if len(retest) > 0 {
		d.retest(ctx, ev, retest)
	}
}

// retest re-enqueues the named jobs for the PR's current head SHA. Unknown
// job names and unsatisfied label gates are reported back as a comment
// instead of failing anything.
func (d *Dispatcher) retest(ctx context.Context, ev *core.Event, names []string) {
	key := ev.Key()

	if len(names) == 1 && names[0] == "all" {
		names = d.catalog.Names(ev.RepoFullName)
	}

	labels := ev.Labels
	if !ev.LabelsKnown && d.catalog.HasGated(ev.RepoFullName, ev.Kind) {
		fetched, err := d.labels.Labels(ctx, ev)
		if err == nil {
			labels = fetched
		} else {
			d.logger.Warn("label lookup failed during retest", "pr", key, "error", err)
		}
	}

	var runs []*core.JobRun
	d.store.Apply(key, func(st *state.PRState) {
		now := time.Now()
		st.LastActivity = now
		if st.HeadSHA == "" {
			d.postComment(ev, "No head commit is tracked for this pull request yet; push a commit first.")
			return
		}

		for _, name := range names {
			spec, ok := d.catalog.Lookup(ev.RepoFullName, name)
			if !ok {
				d.postComment(ev, fmt.Sprintf("Unknown job %q; configured jobs: %s.",
					name, strings.Join(d.catalog.Names(ev.RepoFullName), ", ")))
				continue
			}
			if spec.RequireLabel != "" && !hasLabel(labels, spec.RequireLabel) {
				d.postComment(ev, fmt.Sprintf("Job %q requires the %q label.", name, spec.RequireLabel))
				continue
			}
			runs = append(runs, d.enqueueLocked(st, ev, *spec, now))
		}
	})

	d.persistState(key)
	d.submit(ctx, runs)
}

func (d *Dispatcher) postComment(ev *core.Event, body string) {
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		defer cancel()
		if err := d.reporter.PostComment(ctx, ev, body); err != nil {
			d.logger.Warn("failed to post comment", "pr", ev.Key(), "error", err)
		}
	}()
}

func hasLabel(labels []string, want string) bool {
	for _, l := range labels {
		if l == want {
			return true
		}
	}
	return false
}
