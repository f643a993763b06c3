// Package dispatch contains the orchestration core: the dispatcher state
// machine that turns normalized events into job runs, and the bounded
// worker pool that executes them.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/sevigo/hookci/internal/catalog"
	"github.com/sevigo/hookci/internal/core"
	"github.com/sevigo/hookci/internal/state"
)

// Persister is the optional external store for PR state snapshots. A nil
// persister keeps all state in memory.
type Persister interface {
	Save(ctx context.Context, st state.PRState) error
	Delete(ctx context.Context, key core.PRKey) error
}

// Config bounds the dispatcher's queues and retry behavior.
type Config struct {
	// EventBuffer is the size of the ingestion queue between the webhook
	// transport and the dispatcher loop.
	EventBuffer int

	// Retention is the grace period a closed PR's state is kept for, so
	// late duplicate deliveries are absorbed instead of recreating state.
	Retention time.Duration

	// ReporterAttempts and ReporterBackoff bound status-reporting retries.
	ReporterAttempts int
	ReporterBackoff  core.Backoff

	// SweepInterval controls how often retired state is evicted.
	SweepInterval time.Duration
}

func (c *Config) applyDefaults() {
	if c.EventBuffer <= 0 {
		c.EventBuffer = 256
	}
	if c.Retention <= 0 {
		c.Retention = 15 * time.Minute
	}
	if c.ReporterAttempts <= 0 {
		c.ReporterAttempts = 4
	}
	if c.ReporterBackoff.Initial <= 0 {
		c.ReporterBackoff = core.Backoff{Initial: 2 * time.Second, Max: 30 * time.Second, Factor: 2}
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = time.Minute
	}
}

type cancelKey struct {
	key core.PRKey
	job string
}

type inflight struct {
	seq     uint64
	attempt int
	cancel  context.CancelFunc
}

// Dispatcher owns all PR state transitions. Mutations for one PR key are
// serialized through the state store; the tie-break that keeps status
// reporting consistent is "latest enqueue sequence number wins", applied
// when a result comes back, not when a run starts.
type Dispatcher struct {
	cfg      Config
	store    *state.Store
	catalog  *catalog.Catalog
	pool     *Pool
	reporter core.StatusReporter
	labels   core.LabelFetcher
	persist  Persister
	logger   *slog.Logger

	ctx      context.Context
	events   chan *core.Event
	wg       sync.WaitGroup
	degraded atomic.Bool

	cmu      sync.Mutex
	inflight map[cancelKey]inflight
}

// NewDispatcher wires the dispatcher. persist may be nil.
func NewDispatcher(cfg Config, store *state.Store, cat *catalog.Catalog, pool *Pool,
	reporter core.StatusReporter, labels core.LabelFetcher, persist Persister, logger *slog.Logger,
) *Dispatcher {
	cfg.applyDefaults()
	return &Dispatcher{
		cfg:      cfg,
		store:    store,
		catalog:  cat,
		pool:     pool,
		reporter: reporter,
		labels:   labels,
		persist:  persist,
		logger:   logger,
		events:   make(chan *core.Event, cfg.EventBuffer),
		inflight: make(map[cancelKey]inflight),
	}
}

// Start launches the event loop, the worker pool slots, and the state
// janitor. ctx bounds the lifetime of everything the dispatcher spawns.
func (d *Dispatcher) Start(ctx context.Context) {
	d.ctx = ctx
	d.pool.Start(ctx, d)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.eventLoop(ctx)
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.sweepLoop(ctx)
	}()
}

// Stop drains the event queue and waits for the loops to exit. The worker
// pool is stopped separately so in-flight jobs can finish first.
func (d *Dispatcher) Stop() {
	close(d.events)
	d.wg.Wait()
}

// Dispatch queues a normalized event for processing. It never blocks: a
// full queue returns ErrQueueFull so the transport can answer with a
// retryable status and the provider redelivers later.
func (d *Dispatcher) Dispatch(_ context.Context, event *core.Event) error {
	select {
	case d.events <- event:
		return nil
	default:
		return fmt.Errorf("cannot accept delivery %s: %w", event.DeliveryID, core.ErrQueueFull)
	}
}

// Health reports engine saturation for the health endpoint.
func (d *Dispatcher) Health() core.Health {
	stats := d.pool.Stats()
	return core.Health{
		QueueDepth:    stats.QueueDepth,
		QueueCapacity: stats.QueueCapacity,
		BusySlots:     stats.BusySlots,
		TotalSlots:    stats.TotalSlots,
		TrackedPRs:    d.store.Len(),
		Degraded:      d.degraded.Load(),
	}
}

// eventLoop applies events in arrival order. Per-key consistency comes from
// the store's locking, not from this loop being single-threaded, but a
// single consumer keeps enqueue order deterministic.
func (d *Dispatcher) eventLoop(ctx context.Context) {
	for event := range d.events {
		d.handleEvent(ctx, event)
	}
	d.logger.Info("dispatcher event loop stopped")
}

func (d *Dispatcher) handleEvent(ctx context.Context, ev *core.Event) {
	if !d.store.MarkDelivery(ev.DeliveryID) {
		d.logger.Debug("ignoring duplicate delivery", "delivery_id", ev.DeliveryID, "repo", ev.RepoFullName)
		return
	}

	switch ev.Kind {
	case core.EventClosed:
		d.retire(ev)
	case core.EventPush:
		if ev.PRNumber <= 0 {
			d.logger.Debug("push without pull request, nothing to track", "repo", ev.RepoFullName, "ref", ev.BaseBranch)
			return
		}
		d.track(ctx, ev)
	case core.EventComment:
		d.handleComment(ctx, ev)
	default:
		d.track(ctx, ev)
	}
}

// track is the Tracking transition: create or revive PR state, supersede
// in-flight runs when the head SHA moved, and enqueue the job set for the
// event.
func (d *Dispatcher) track(ctx context.Context, ev *core.Event) {
	specs := d.jobsFor(ctx, ev)
	key := ev.Key()

	var runs []*core.JobRun
	var superseded bool

	d.store.Apply(key, func(st *state.PRState) {
		now := time.Now()
		st.LastActivity = now

		if st.Retired {
			// Reopen revives the key as a fresh tracking state; history is
			// not restored.
			st.Retired = false
			st.RetireAt = time.Time{}
			st.Jobs = make(map[string]state.JobStatus)
			st.HeadSHA = ""
		}

		if ev.HeadSHA != "" && st.HeadSHA != "" && ev.HeadSHA != st.HeadSHA {
			superseded = true
		}
		if ev.HeadSHA != "" {
			st.HeadSHA = ev.HeadSHA
		}
		if st.HeadSHA == "" {
			d.logger.Warn("no head SHA known for pull request, skipping job enqueue", "pr", key)
			return
		}

		for _, spec := range specs {
			runs = append(runs, d.enqueueLocked(st, ev, spec, now))
		}

		if superseded {
			// Pending jobs not re-enqueued for the new SHA (for example a
			// label gate that no longer matches) end as canceled; their
			// late results fail the sequence check anyway.
			for name, js := range st.Jobs {
				if js.Pending && js.SHA != st.HeadSHA {
					js.Pending = false
					js.Outcome = core.OutcomeCanceled
					js.UpdatedAt = now
					st.Jobs[name] = js
				}
			}
		}
	})

	if superseded {
		d.cancelInFlight(key)
	}
	d.persistState(key)
	d.submit(ctx, runs)
}

// enqueueLocked bumps the sequence number for the job and builds its run.
// Must be called with the key's state locked.
func (d *Dispatcher) enqueueLocked(st *state.PRState, ev *core.Event, spec core.JobSpec, now time.Time) *core.JobRun {
	seq := st.Jobs[spec.Name].Seq + 1
	st.Jobs[spec.Name] = state.JobStatus{
		Seq:       seq,
		SHA:       st.HeadSHA,
		Pending:   true,
		Attempt:   1,
		UpdatedAt: now,
	}

	specCopy := spec
	return &core.JobRun{
		ID:             uuid.NewString(),
		Key:            st.Key,
		RepoOwner:      ev.RepoOwner,
		RepoName:       ev.RepoName,
		CloneURL:       ev.CloneURL,
		InstallationID: ev.InstallationID,
		JobName:        spec.Name,
		HeadSHA:        st.HeadSHA,
		Seq:            seq,
		Attempt:        1,
		EnqueuedAt:     now,
		Spec:           &specCopy,
	}
}

// submit pushes runs into the execution queue. This can block on a full
// queue: backpressure is absorbed here, behind the acknowledged ingestion
// queue, never on the webhook path.
func (d *Dispatcher) submit(ctx context.Context, runs []*core.JobRun) {
	for _, run := range runs {
		go d.reportQueued(run)
		if err := d.pool.Enqueue(ctx, run); err != nil {
			d.logger.Error("failed to enqueue job run", "pr", run.Key, "job", run.JobName, "error", err)
		} else {
			d.logger.Info("job run enqueued", "pr", run.Key, "job", run.JobName, "sha", run.HeadSHA, "seq", run.Seq)
		}
	}
}

func (d *Dispatcher) reportQueued(run *core.JobRun) {
	ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
	defer cancel()
	if err := d.reporter.Queued(ctx, run); err != nil {
		d.logger.Warn("failed to report queued status", "pr", run.Key, "job", run.JobName, "error", err)
	}
}

// retire is the Tracking → Retired transition: cancel whatever is still in
// flight and start the grace timer. Queued runs are dropped at execution
// time by the sequence check once the entry is evicted.
func (d *Dispatcher) retire(ev *core.Event) {
	key := ev.Key()
	if key.Number <= 0 {
		return
	}

	tracked := d.store.ApplyExisting(key, func(st *state.PRState) {
		now := time.Now()
		st.LastActivity = now
		st.Retired = true
		st.RetireAt = now.Add(d.cfg.Retention)
		for name, js := range st.Jobs {
			if js.Pending {
				js.Pending = false
				js.Outcome = core.OutcomeCanceled
				js.UpdatedAt = now
				st.Jobs[name] = js
			}
		}
	})
	if !tracked {
		d.logger.Debug("close event for untracked pull request", "pr", key)
		return
	}

	d.cancelInFlight(key)
	d.persistState(key)
	d.logger.Info("pull request retired", "pr", key, "merged", ev.Merged, "retention", d.cfg.Retention)
}

// jobsFor resolves the job set for an event, performing the label side read
// when the catalog has label-gated jobs and the payload did not carry
// labels. An unavailable label service skips gated jobs; it never fails the
// PR.
func (d *Dispatcher) jobsFor(ctx context.Context, ev *core.Event) []core.JobSpec {
	if !ev.LabelsKnown && d.catalog.HasGated(ev.RepoFullName, ev.Kind) {
		labels, err := d.labels.Labels(ctx, ev)
		if err != nil {
			d.logger.Warn("label lookup failed, skipping label-gated jobs",
				"pr", ev.Key(), "error", err)
		} else {
			ev.Labels = labels
			ev.LabelsKnown = true
		}
	}
	return d.catalog.JobsFor(ev.RepoFullName, ev.Kind, ev.Labels)
}

func (d *Dispatcher) persistState(key core.PRKey) {
	if d.persist == nil {
		return
	}
	st, ok := d.store.Get(key)
	if !ok {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(d.ctx, 10*time.Second)
		defer cancel()
		if err := d.persist.Save(ctx, st); err != nil {
			d.logger.Warn("failed to persist PR state", "pr", key, "error", err)
		}
	}()
}

// sweepLoop evicts retired entries past their grace period and prunes the
// delivery dedup window.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			for _, key := range d.store.Sweep(now) {
				d.logger.Info("evicted retired pull request state", "pr", key)
				if d.persist != nil {
					if err := d.persist.Delete(ctx, key); err != nil {
						d.logger.Warn("failed to delete persisted PR state", "pr", key, "error", err)
					}
				}
			}
		}
	}
}

// registerCancel remembers the cancel func of an executing run so a
// supersession or close can signal it. Best effort only: the authoritative
// guarantee is the sequence check at result application.
func (d *Dispatcher) registerCancel(run *core.JobRun, cancel context.CancelFunc) {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	d.inflight[cancelKey{key: run.Key, job: run.JobName}] = inflight{
		seq:     run.Seq,
		attempt: run.Attempt,
		cancel:  cancel,
	}
}

func (d *Dispatcher) unregisterCancel(run *core.JobRun) {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	ck := cancelKey{key: run.Key, job: run.JobName}
	if cur, ok := d.inflight[ck]; ok && cur.seq == run.Seq && cur.attempt == run.Attempt {
		delete(d.inflight, ck)
	}
}

func (d *Dispatcher) cancelInFlight(key core.PRKey) {
	d.cmu.Lock()
	defer d.cmu.Unlock()
	for ck, fl := range d.inflight {
		if ck.key == key {
			fl.cancel()
			delete(d.inflight, ck)
		}
	}
}

// begin is the worker pool's admission check. A run whose sequence number
// is no longer the latest for its (PR key, job name) is skipped instead of
// executed, so stale work never occupies a slot.
func (d *Dispatcher) begin(run *core.JobRun) (context.Context, context.CancelFunc, bool) {
	st, ok := d.store.Get(run.Key)
	if !ok || st.Retired {
		return nil, nil, false
	}
	js, ok := st.Jobs[run.JobName]
	if !ok || js.Seq != run.Seq || !js.Pending {
		return nil, nil, false
	}

	ctx, cancel := context.WithCancel(d.ctx)
	d.registerCancel(run, cancel)

	if err := d.reporter.InProgress(ctx, run); err != nil {
		d.logger.Warn("failed to report in-progress status", "pr", run.Key, "job", run.JobName, "error", err)
	}
	return ctx, cancel, true
}

// retryable outcomes consume the attempt budget: transient infrastructure
// errors and per-attempt timeouts. A failure is a legitimate verdict and a
// canceled run has been superseded; neither is retried.
func retryable(outcome core.Outcome) bool {
	return outcome == core.OutcomeError || outcome == core.OutcomeTimedOut
}

// finish applies a job result. Stale results (older sequence, or evicted
// state) are discarded; retryable attempts are re-enqueued with backoff up
// to the attempt budget; everything else becomes the job's terminal state
// and is forwarded to the status reporter.
func (d *Dispatcher) finish(res core.JobResult) {
	run := res.Run
	d.unregisterCancel(run)

	var stale, retry, terminal bool
	tracked := d.store.ApplyExisting(run.Key, func(st *state.PRState) {
		now := time.Now()
		js, ok := st.Jobs[run.JobName]
		if !ok || js.Seq != run.Seq {
			stale = true
			return
		}

		if retryable(res.Outcome) && run.Attempt < run.Spec.MaxAttempts {
			retry = true
			js.Attempt = run.Attempt + 1
			js.UpdatedAt = now
			st.Jobs[run.JobName] = js
			return
		}

		js.Pending = false
		js.Outcome = res.Outcome
		js.UpdatedAt = now
		st.Jobs[run.JobName] = js
		terminal = true
	})

	if !tracked || stale {
		d.logger.Debug("discarding stale job result",
			"pr", run.Key, "job", run.JobName, "sha", run.HeadSHA, "seq", run.Seq, "outcome", res.Outcome)
		return
	}

	d.persistState(run.Key)

	if retry {
		delay := run.Spec.Backoff.Delay(run.Attempt)
		d.logger.Warn("job run did not produce a verdict, retrying",
			"pr", run.Key, "job", run.JobName, "outcome", res.Outcome,
			"attempt", run.Attempt, "max_attempts", run.Spec.MaxAttempts, "delay", delay)
		next := *run
		next.Attempt++
		time.AfterFunc(delay, func() {
			if err := d.pool.Enqueue(d.ctx, &next); err != nil {
				d.logger.Error("failed to re-enqueue job run", "pr", next.Key, "job", next.JobName, "error", err)
			}
		})
		return
	}

	if !terminal {
		return
	}

	d.logger.Info("job run finished",
		"pr", run.Key, "job", run.JobName, "sha", run.HeadSHA, "outcome", res.Outcome, "duration", res.Duration)

	// Canceled and skipped runs are discarded, not reported: they are not a
	// verdict on the commit.
	if res.Outcome == core.OutcomeCanceled || res.Outcome == core.OutcomeSkipped {
		return
	}
	go d.report(res)
}

// report forwards a terminal result to the status reporter, retrying
// transient failures with backoff. Exhausting the budget degrades health
// but never blocks event processing.
func (d *Dispatcher) report(res core.JobResult) {
	var err error
	for attempt := 1; attempt <= d.cfg.ReporterAttempts; attempt++ {
		ctx, cancel := context.WithTimeout(d.ctx, 30*time.Second)
		err = d.reporter.Completed(ctx, &res)
		cancel()

		if err == nil {
			return
		}
		if !errors.Is(err, core.ErrUpstreamUnavailable) {
			d.logger.Error("status report rejected", "pr", res.Run.Key, "job", res.Run.JobName, "error", err)
			return
		}
		if attempt < d.cfg.ReporterAttempts {
			select {
			case <-d.ctx.Done():
				return
			case <-time.After(d.cfg.ReporterBackoff.Delay(attempt)):
			}
		}
	}

	d.degraded.Store(true)
	d.logger.Error("status reporting exhausted retries, marking degraded",
		"pr", res.Run.Key, "job", res.Run.JobName, "attempts", d.cfg.ReporterAttempts, "error", err)
}
