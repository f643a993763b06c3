package dispatch

import (
	"context"
	"reflect"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sevigo/hookci/internal/core"
)

func TestParseCommands(t *testing.T) {
	tests := []struct {
		name string
		body string
		want []Command
	}{
		{
			name: "single command",
			body: "/retest tests",
			want: []Command{{Name: "retest", Args: []string{"tests"}}},
		},
		{
			name: "command with surrounding prose",
			body: "LGTM overall.\n/retest all\nThanks!",
			want: []Command{{Name: "retest", Args: []string{"all"}}},
		},
		{
			name: "multiple commands",
			body: "/retest tests\n/hold",
			want: []Command{
				{Name: "retest", Args: []string{"tests"}},
				{Name: "hold", Args: nil},
			},
		},
		{
			name: "case folded name",
			body: "/Retest tests",
			want: []Command{{Name: "retest", Args: []string{"tests"}}},
		},
		{
			name: "indented command still counts",
			body: "  /retest tests",
			want: []Command{{Name: "retest", Args: []string{"tests"}}},
		},
		{
			name: "no commands",
			body: "just a regular review comment",
			want: nil,
		},
		{
			name: "bare slash is ignored",
			body: "/",
			want: nil,
		},
		{
			name: "empty body",
			body: "",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ParseCommands(tt.body)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ParseCommands(%q) = %#v, want %#v", tt.body, got, tt.want)
			}
		})
	}
}

func commentEvent(body, delivery string) *core.Event {
	ev := prEvent(core.EventComment, "", delivery)
	ev.CommentBody = body
	return ev
}

func TestRetestReenqueuesAgainstCurrentHead(t *testing.T) {
	d := newTestDispatcher(&fakeReporter{}, &fakeLabels{})

	d.handleEvent(context.Background(), prEvent(core.EventOpened, "a1", "d-1"))
	first := waitRun(t, d)
	require.Equal(t, uint64(1), first.Seq)

	d.handleEvent(context.Background(), commentEvent("/retest tests", "d-2"))

	run := waitRun(t, d)
	assert.Equal(t, "tests", run.JobName)
	assert.Equal(t, "a1", run.HeadSHA, "retest targets the tracked head SHA")
	assert.Equal(t, uint64(2), run.Seq, "retest supersedes the previous run")

	st, _ := d.store.Get(run.Key)
	assert.True(t, st.Jobs["tests"].Pending)
}

func TestRetestAllExpandsToCatalog(t *testing.T) {
	labels := &fakeLabels{labels: []string{"verified"}}
	d := newTestDispatcher(&fakeReporter{}, labels)

	d.handleEvent(context.Background(), prEvent(core.EventOpened, "a1", "d-1"))
	drainRuns(d)

	ev := commentEvent("/retest all", "d-2")
	ev.Labels = []string{"verified"}
	d.handleEvent(context.Background(), ev)

	runs := drainRuns(d)
	got := make([]string, 0, len(runs))
	for _, run := range runs {
		got = append(got, run.JobName)
	}
	assert.ElementsMatch(t, []string{"tests", "build-container"}, got)
}

func TestRetestUnknownJobPostsComment(t *testing.T) {
	rep := &fakeReporter{}
	d := newTestDispatcher(rep, &fakeLabels{})

	d.handleEvent(context.Background(), prEvent(core.EventOpened, "a1", "d-1"))
	drainRuns(d)

	d.handleEvent(context.Background(), commentEvent("/retest nope", "d-2"))

	assert.Eventually(t, func() bool {
		for _, body := range rep.commentBodies() {
			if strings.Contains(body, `Unknown job "nope"`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, drainRuns(d))
}

func TestRetestRespectsLabelGate(t *testing.T) {
	rep := &fakeReporter{}
	d := newTestDispatcher(rep, &fakeLabels{})

	d.handleEvent(context.Background(), prEvent(core.EventOpened, "a1", "d-1"))
	drainRuns(d)

	// The commenting PR has no labels, so the gated job must be refused.
	d.handleEvent(context.Background(), commentEvent("/retest build-container", "d-2"))

	assert.Eventually(t, func() bool {
		for _, body := range rep.commentBodies() {
			if strings.Contains(body, `requires the "verified" label`) {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, drainRuns(d))
}

func TestRetestWithoutTrackedHeadPostsComment(t *testing.T) {
	rep := &fakeReporter{}
	d := newTestDispatcher(rep, &fakeLabels{})

	d.handleEvent(context.Background(), commentEvent("/retest tests", "d-1"))

	assert.Eventually(t, func() bool {
		for _, body := range rep.commentBodies() {
			if strings.Contains(body, "No head commit is tracked") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, drainRuns(d))
}

func TestRetestWithoutArgumentsPostsUsage(t *testing.T) {
	rep := &fakeReporter{}
	d := newTestDispatcher(rep, &fakeLabels{})

	d.handleEvent(context.Background(), prEvent(core.EventOpened, "a1", "d-1"))
	drainRuns(d)

	d.handleEvent(context.Background(), commentEvent("/retest", "d-2"))

	assert.Eventually(t, func() bool {
		for _, body := range rep.commentBodies() {
			if strings.Contains(body, "needs a job name") {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}
