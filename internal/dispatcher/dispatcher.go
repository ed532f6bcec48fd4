// Package dispatcher runs queued lifecycle jobs on exactly one elected
// server. Election is a heartbeat lease on a single store row; the holder
// polls for jobs, executes them with a timeout, and retries failures with
// backoff. Other servers stay passive until the lease goes stale.
package dispatcher

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/wskish/discobot-sub010/internal/config"
	"github.com/wskish/discobot-sub010/internal/events"
	"github.com/wskish/discobot-sub010/internal/jobs"
	"github.com/wskish/discobot-sub010/internal/store"
)

type Dispatcher struct {
	store     JobStore
	cfg       config.DispatcherConfig
	serverID  string
	publisher Publisher
	logger    *slog.Logger

	executors map[jobs.JobType]jobs.Executor

	runningMu sync.Mutex
	running   map[jobs.JobType]int

	leaderMu sync.RWMutex
	leader   bool

	notifyCh chan struct{}

	// inflight tracks executing jobs so Run can drain them on shutdown.
	inflight sync.WaitGroup
	// jobCtx outlives Run's ctx so in-flight jobs may finish during the
	// shutdown grace period.
	jobCtx    context.Context
	cancelJob context.CancelFunc
}

// New creates a dispatcher. publisher may be nil.
func New(st JobStore, cfg config.DispatcherConfig, serverID string, publisher Publisher, logger *slog.Logger) *Dispatcher {
	jobCtx, cancel := context.WithCancel(context.Background())
	return &Dispatcher{
		store:     st,
		cfg:       cfg,
		serverID:  serverID,
		publisher: publisher,
		logger:    logger.With("server_id", serverID),
		executors: make(map[jobs.JobType]jobs.Executor),
		running:   make(map[jobs.JobType]int),
		notifyCh:  make(chan struct{}, 100),
		jobCtx:    jobCtx,
		cancelJob: cancel,
	}
}

func (d *Dispatcher) RegisterExecutor(e jobs.Executor) {
	d.executors[e.Type()] = e
}

func (d *Dispatcher) ServerID() string { return d.serverID }

func (d *Dispatcher) IsLeader() bool {
	d.leaderMu.RLock()
	defer d.leaderMu.RUnlock()
	return d.leader
}

// NotifyNewJob wakes the processing loop. It never blocks; if the wake-up
// channel is full the next poll picks the job up.
func (d *Dispatcher) NotifyNewJob() {
	if !d.cfg.ImmediateExecution {
		return
	}
	select {
	case d.notifyCh <- struct{}{}:
	default:
	}
}

// Run drives election, job processing and the stale-job sweep until ctx
// ends. It then waits up to the shutdown timeout for in-flight jobs and
// releases the lease.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher started", "executors", len(d.executors))

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { d.leaderLoop(gctx); return nil })
	g.Go(func() error { d.processLoop(gctx); return nil })
	g.Go(func() error { d.staleLoop(gctx); return nil })
	err := g.Wait()

	d.drain()
	d.release()
	d.logger.Info("dispatcher stopped")
	return err
}

func (d *Dispatcher) drain() {
	done := make(chan struct{})
	go func() {
		d.inflight.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(d.cfg.ShutdownTimeout.Duration):
		d.logger.Warn("dispatcher: shutdown timeout, cancelling in-flight jobs")
		d.cancelJob()
		<-done
	}
	d.cancelJob()
}

func (d *Dispatcher) release() {
	if !d.IsLeader() {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := d.store.ReleaseLeadership(ctx, d.serverID); err != nil {
		d.logger.Error("dispatcher: release leadership", "error", err)
		return
	}
	d.setLeader(false)
	d.logger.Info("dispatcher: leadership released")
}

func (d *Dispatcher) setLeader(v bool) (was bool) {
	d.leaderMu.Lock()
	defer d.leaderMu.Unlock()
	was = d.leader
	d.leader = v
	return was
}

func (d *Dispatcher) leaderLoop(ctx context.Context) {
	d.heartbeat(ctx)

	ticker := time.NewTicker(d.cfg.HeartbeatInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.heartbeat(ctx)
		}
	}
}

// heartbeat acquires or renews the lease. Any store error drops leadership
// since the lease can no longer be confirmed.
func (d *Dispatcher) heartbeat(ctx context.Context) {
	acquired, err := d.store.TryAcquireLeadership(ctx, d.serverID, d.cfg.HeartbeatTimeout.Duration)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		d.logger.Error("dispatcher: leader election", "error", err)
		if d.setLeader(false) {
			d.logger.Warn("dispatcher: relinquished leadership after error")
		}
		return
	}

	was := d.setLeader(acquired)
	switch {
	case acquired && !was:
		d.logger.Info("dispatcher: became leader")
		d.NotifyNewJob()
	case !acquired && was:
		d.logger.Warn("dispatcher: lost leadership")
	}
}

func (d *Dispatcher) processLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.PollInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.processAvailable(ctx)
		case <-d.notifyCh:
			d.processAvailable(ctx)
		}
	}
}

// processAvailable claims and launches jobs while any type has capacity
// and runnable work exists.
func (d *Dispatcher) processAvailable(ctx context.Context) {
	for d.IsLeader() && ctx.Err() == nil {
		types := d.availableTypes()
		if len(types) == 0 {
			return
		}
		job, err := d.store.ClaimJob(ctx, types, d.serverID)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("dispatcher: claim job", "error", err)
			}
			return
		}
		if job == nil {
			return
		}

		jt := jobs.JobType(job.Type)
		d.runningMu.Lock()
		d.running[jt]++
		d.runningMu.Unlock()

		d.inflight.Add(1)
		go func() {
			defer d.inflight.Done()
			defer d.decrementRunning(jt)
			d.execute(job)
		}()
	}
}

func (d *Dispatcher) availableTypes() []string {
	d.runningMu.Lock()
	defer d.runningMu.Unlock()
	var out []string
	for jt := range d.executors {
		if d.running[jt] < d.cfg.ConcurrencyFor(string(jt)) {
			out = append(out, string(jt))
		}
	}
	sort.Strings(out)
	return out
}

func (d *Dispatcher) decrementRunning(jt jobs.JobType) {
	d.runningMu.Lock()
	d.running[jt]--
	d.runningMu.Unlock()
}

func (d *Dispatcher) execute(job *store.Job) {
	log := d.logger.With("job_id", job.ID, "job_type", job.Type, "resource_id", job.ResourceID, "attempt", job.Attempts)
	log.Info("dispatcher: executing job")

	executor, ok := d.executors[jobs.JobType(job.Type)]
	if !ok {
		d.fail(job, errors.New("no executor registered for job type"), log)
		return
	}

	ctx, cancel := context.WithTimeout(d.jobCtx, d.cfg.JobTimeout.Duration)
	defer cancel()
	start := time.Now()

	if err := executor.Execute(ctx, job); err != nil {
		d.fail(job, err, log)
		return
	}

	if err := d.store.CompleteJob(d.jobCtx, job.ID); err != nil {
		log.Error("dispatcher: mark job succeeded", "error", err)
		return
	}
	log.Info("dispatcher: job succeeded", "duration", time.Since(start).Round(time.Millisecond))
	d.publish(job, store.JobSucceeded, "")
}

func (d *Dispatcher) fail(job *store.Job, cause error, log *slog.Logger) {
	updated, err := d.store.FailJob(d.jobCtx, job.ID, cause.Error(), d.cfg.RetryBackoff.Duration)
	if err != nil {
		log.Error("dispatcher: mark job failed", "cause", cause, "error", err)
		return
	}
	if updated.Status == store.JobPending {
		log.Warn("dispatcher: job failed, will retry", "error", cause, "scheduled_at", updated.ScheduledAt)
		return
	}
	log.Error("dispatcher: job failed permanently", "error", cause, "attempts", updated.Attempts)
	d.publish(job, store.JobFailed, cause.Error())
}

// publish announces a terminal outcome to the job's project.
func (d *Dispatcher) publish(job *store.Job, status store.JobStatus, errMsg string) {
	if d.publisher == nil {
		return
	}
	projectID := jobs.ProjectID(job.Payload)
	if projectID == "" {
		d.logger.Warn("dispatcher: job payload has no projectId, skipping event", "job_id", job.ID)
		return
	}
	err := d.publisher.PublishJobCompleted(d.jobCtx, projectID, events.JobCompletedData{
		JobID:        job.ID,
		JobType:      job.Type,
		ResourceType: job.ResourceType,
		ResourceID:   job.ResourceID,
		Status:       string(status),
		Error:        errMsg,
	})
	if err != nil {
		d.logger.Error("dispatcher: publish job completion", "job_id", job.ID, "error", err)
	}
}

func (d *Dispatcher) staleLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.StaleSweepInterval.Duration)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweepStale(ctx)
		}
	}
}

func (d *Dispatcher) sweepStale(ctx context.Context) {
	if !d.IsLeader() {
		return
	}
	n, err := d.store.CleanupStaleJobs(ctx, d.cfg.StaleJobTimeout.Duration)
	if err != nil {
		if ctx.Err() == nil {
			d.logger.Error("dispatcher: stale job sweep", "error", err)
		}
		return
	}
	if n > 0 {
		d.logger.Warn("dispatcher: reset stale jobs", "count", n)
		d.NotifyNewJob()
	}
}
