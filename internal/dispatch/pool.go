package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sevigo/hookci/internal/core"
)

// gate is the pool's view of the dispatcher: admission control before a run
// executes and result delivery after.
type gate interface {
	begin(run *core.JobRun) (context.Context, context.CancelFunc, bool)
	finish(res core.JobResult)
}

// Stats is a point-in-time view of pool saturation.
type Stats struct {
	QueueDepth    int
	QueueCapacity int
	BusySlots     int
	TotalSlots    int
}

// Pool executes job runs on a fixed number of slots. Capacity is
// workers × perWorker: the two-dimensional process/thread split of the
// deployment is configuration, the contract is the product. Runs are pulled
// oldest-enqueued-first; superseded runs are skipped before they can waste
// a slot.
type Pool struct {
	runner    core.Runner
	logger    *slog.Logger
	queue     chan *core.JobRun
	workers   int
	perWorker int

	busy     atomic.Int64
	done     chan struct{}
	stopOnce sync.Once
	g        errgroup.Group
}

// NewPool creates a pool with workers × perWorker execution slots and a
// bounded FIFO queue in front of them.
func NewPool(workers, perWorker, queueSize int, runner core.Runner, logger *slog.Logger) *Pool {
	if workers <= 0 {
		workers = 1
	}
	if perWorker <= 0 {
		perWorker = 1
	}
	if queueSize <= 0 {
		queueSize = 100
	}
	return &Pool{
		runner:    runner,
		logger:    logger,
		queue:     make(chan *core.JobRun, queueSize),
		workers:   workers,
		perWorker: perWorker,
		done:      make(chan struct{}),
	}
}

// Start launches all execution slots.
func (p *Pool) Start(ctx context.Context, g gate) {
	total := p.workers * p.perWorker
	p.logger.Info("starting worker pool", "workers", p.workers, "per_worker", p.perWorker, "slots", total)
	for i := 0; i < total; i++ {
		id := i
		p.g.Go(func() error {
			p.slot(ctx, g, id)
			return nil
		})
	}
}

// Enqueue places a run into the execution queue, blocking while the queue
// is full. Backpressure lives here so that event acknowledgment never waits
// on job capacity. The stop signal is checked first: a stopped pool must
// never buffer a run that no slot will pick up.
func (p *Pool) Enqueue(ctx context.Context, run *core.JobRun) error {
	select {
	case <-p.done:
		return errors.New("worker pool is stopped")
	default:
	}

	select {
	case p.queue <- run:
		return nil
	case <-p.done:
		return errors.New("worker pool is stopped")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stop prevents further enqueues and waits for busy slots to finish their
// current run. Queued runs are abandoned; their PRs get fresh runs on the
// next event.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
	})
	_ = p.g.Wait()
	p.logger.Info("worker pool stopped")
}

// Stats reports queue depth and slot usage.
func (p *Pool) Stats() Stats {
	return Stats{
		QueueDepth:    len(p.queue),
		QueueCapacity: cap(p.queue),
		BusySlots:     int(p.busy.Load()),
		TotalSlots:    p.workers * p.perWorker,
	}
}

func (p *Pool) slot(ctx context.Context, g gate, id int) {
	p.logger.Debug("worker slot started", "slot", id)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.done:
			return
		case run := <-p.queue:
			p.execute(g, run)
		}
	}
}

// execute runs one JobRun under its spec timeout. A run that is no longer
// current is marked canceled without touching the runner. Runner panics are
// contained to the slot and surface as transient errors.
func (p *Pool) execute(g gate, run *core.JobRun) {
	runCtx, cancel, ok := g.begin(run)
	if !ok {
		p.logger.Debug("skipping superseded job run", "pr", run.Key, "job", run.JobName, "seq", run.Seq)
		g.finish(core.JobResult{Run: run, Outcome: core.OutcomeCanceled})
		return
	}
	defer cancel()

	p.busy.Add(1)
	defer p.busy.Add(-1)

	ctx, cancelTimeout := context.WithTimeout(runCtx, run.Spec.Timeout)
	defer cancelTimeout()

	start := time.Now()
	res := p.runSafe(ctx, run)
	res.Duration = time.Since(start)

	// The pool's timeout and the supersession cancel override the runner's
	// own classification; the runner only sees a canceled context.
	if res.Outcome != core.OutcomeSuccess {
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			res.Outcome = core.OutcomeTimedOut
		case runCtx.Err() != nil:
			res.Outcome = core.OutcomeCanceled
		}
	}

	g.finish(res)
}

func (p *Pool) runSafe(ctx context.Context, run *core.JobRun) (res core.JobResult) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("job runner panicked", "pr", run.Key, "job", run.JobName, "panic", r)
			res = core.JobResult{
				Run:     run,
				Outcome: core.OutcomeError,
				Err:     fmt.Errorf("job runner panicked: %v", r),
			}
		}
	}()
	return p.runner.Run(ctx, run)
}
