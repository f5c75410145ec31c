// Package queue contains the bounded-concurrency processor that drives
// QUEUED response rows through dispatch, remote polling and terminal
// writes. One instance runs per process.
package queue

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/prodogs/DocumentEvaluator-sub001/batch"
	"github.com/prodogs/DocumentEvaluator-sub001/common"
	"github.com/prodogs/DocumentEvaluator-sub001/config"
	"github.com/prodogs/DocumentEvaluator-sub001/db"
	"github.com/prodogs/DocumentEvaluator-sub001/llm"
	"github.com/prodogs/DocumentEvaluator-sub001/monitor"
)

// ErrAlreadyRunning is returned by Start when the processor is running.
var ErrAlreadyRunning = errors.New("queue processor already running")

// ErrNotRunning is returned by Stop when the processor is stopped.
var ErrNotRunning = errors.New("queue processor not running")

// inflight is one dispatched task awaiting its remote result.
type inflight struct {
	responseID   uint
	batchID      uint
	connectionID uint
	remoteTaskID string
	leasedAt     time.Time
}

// Status is the processor's control-surface snapshot.
type Status struct {
	Running       bool    `json:"running"`
	ActiveTasks   int     `json:"active_tasks"`
	MaxConcurrent int     `json:"max_concurrent"`
	QueueDepth    int64   `json:"queue_depth"`
	OpenCircuits  []uint  `json:"open_circuits,omitempty"`
	StartedAt     *string `json:"started_at,omitempty"`
}

// Processor leases QUEUED responses, dispatches them to the analyzer and
// writes terminal results back. The SKIP LOCKED lease is the only path to
// PROCESSING; the active map is the only in-memory state and holds at most
// max_concurrent entries.
type Processor struct {
	cfg      config.QueueConfig
	catalog  *db.Catalog
	work     *db.Work
	batches  *batch.Service
	client   *llm.Client
	breaker  *llm.Breaker
	resolver llm.ModelResolver
	metrics  *monitor.Metrics
	log      *common.ContextLogger

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	active    map[string]*inflight // keyed by remote task id
	pending   int                  // leased rows whose dispatch has not resolved yet
}

// NewProcessor wires the processor. metrics may be nil in tests.
func NewProcessor(cfg config.QueueConfig, catalog *db.Catalog, work *db.Work,
	batches *batch.Service, client *llm.Client, breaker *llm.Breaker,
	metrics *monitor.Metrics) *Processor {
	return &Processor{
		cfg:      cfg,
		catalog:  catalog,
		work:     work,
		batches:  batches,
		client:   client,
		breaker:  breaker,
		resolver: &catalogResolver{catalog: catalog},
		metrics:  metrics,
		log:      common.ServiceLogger("queue"),
		active:   make(map[string]*inflight),
	}
}

// Start launches the scheduler, status poller and reaper loops.
func (p *Processor) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return ErrAlreadyRunning
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true
	p.startedAt = time.Now().UTC()

	p.wg.Add(3)
	go p.schedulerLoop(runCtx)
	go p.pollLoop(runCtx)
	go p.reaperLoop(runCtx)

	p.log.WithFields(map[string]interface{}{
		"poll_interval":  p.cfg.PollInterval.String(),
		"max_concurrent": p.cfg.MaxConcurrent,
		"task_timeout":   p.cfg.TaskTimeout.String(),
	}).Info("queue processor started")
	return nil
}

// Stop halts leasing and waits for in-flight dispatch calls to return. A
// dispatch interrupted mid-call requeues its row; rows already accepted by
// the analyzer stay leased and are settled by recovery or the reaper.
func (p *Processor) Stop() error {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return ErrNotRunning
	}
	p.running = false
	cancel := p.cancel
	p.mu.Unlock()

	cancel()
	p.wg.Wait()

	p.mu.Lock()
	p.active = make(map[string]*inflight)
	p.pending = 0
	p.mu.Unlock()

	p.log.Info("queue processor stopped")
	return nil
}

// Restart is Stop followed by Start; a stopped processor just starts.
func (p *Processor) Restart(ctx context.Context) error {
	if err := p.Stop(); err != nil && !errors.Is(err, ErrNotRunning) {
		return err
	}
	return p.Start(ctx)
}

// Status snapshots the control surface.
func (p *Processor) Status() Status {
	p.mu.Lock()
	running := p.running
	activeCount := len(p.active) + p.pending
	startedAt := p.startedAt
	p.mu.Unlock()

	status := Status{
		Running:       running,
		ActiveTasks:   activeCount,
		MaxConcurrent: p.cfg.MaxConcurrent,
		QueueDepth:    -1,
		OpenCircuits:  p.breaker.OpenCircuits(),
	}
	if running {
		s := startedAt.Format(time.RFC3339)
		status.StartedAt = &s
	}
	if depth, err := p.work.QueueDepth(); err == nil {
		status.QueueDepth = depth
		if p.metrics != nil {
			p.metrics.QueueDepth.Set(float64(depth))
		}
	}
	return status
}

// Running reports whether the processor is accepting work.
func (p *Processor) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// schedulerLoop is the lease tick: while capacity remains, claim QUEUED
// rows oldest-first and dispatch each asynchronously.
func (p *Processor) schedulerLoop(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Processor) tick(ctx context.Context) {
	capacity := p.capacity()
	if capacity <= 0 {
		return
	}

	// Only batches in ANALYZING have runnable work; rows of a batch that
	// was staged but never run stay QUEUED.
	batchIDs, err := p.catalog.AnalyzingBatchIDs()
	if err != nil {
		p.log.WithError(err).Error("failed to list analyzing batches")
		return
	}
	if len(batchIDs) == 0 {
		return
	}

	filter := db.LeaseFilter{
		BatchIDs:             batchIDs,
		ExcludeConnectionIDs: p.breaker.Blocked(),
	}

	var leased []db.Response
	err = common.Retry(common.DefaultRetryConfig(), func() error {
		var err error
		leased, err = p.work.LeaseQueued(capacity, filter, uuid.NewString)
		return err
	})
	if err != nil {
		p.log.WithError(err).Error("failed to lease queued responses")
		return
	}

	for i := range leased {
		resp := leased[i]

		if !p.breaker.Allow(resp.ConnectionID) {
			// Circuit opened between the filtered lease and now: give the
			// lease back instead of burning it.
			if _, err := p.work.Requeue(resp.ID); err != nil {
				p.log.WithField("response_id", resp.ID).WithError(err).
					Error("failed to requeue response behind open circuit")
			}
			continue
		}

		p.reservePending()
		p.wg.Add(1)
		go p.dispatch(ctx, resp)
	}
	p.updateLeaseGauge()
}

// capacity is the number of additional rows the scheduler may lease.
// Accepted tasks and dispatches still waiting on the analyzer both hold a
// slot, so a slow analyzer cannot make successive ticks overshoot the
// concurrency bound.
func (p *Processor) capacity() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.cfg.MaxConcurrent - len(p.active) - p.pending
}

func (p *Processor) reservePending() {
	p.mu.Lock()
	p.pending++
	p.mu.Unlock()
}

func (p *Processor) releasePending() {
	p.mu.Lock()
	p.pending--
	p.mu.Unlock()
}

// dispatch sends one leased response to the analyzer and records the
// remote task handle. Failures before acceptance finalize the row as
// FAILED immediately.
func (p *Processor) dispatch(ctx context.Context, resp db.Response) {
	defer p.wg.Done()

	log := p.log.WithFields(map[string]interface{}{
		"response_id": resp.ID,
		"batch_id":    resp.BatchID,
	})

	req, err := p.buildRequest(&resp)
	if err != nil {
		log.WithError(err).Error("failed to build dispatch request")
		p.finalizeFailure(resp.ID, resp.BatchID, err.Error())
		p.releasePending()
		return
	}

	start := time.Now()
	accepted, err := p.client.Analyze(ctx, req)
	if p.metrics != nil {
		p.metrics.DispatchSeconds.Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if ctx.Err() != nil {
			// Shutdown interrupted the dispatch. The unit is not lost:
			// give the lease back and let the next run pick it up.
			if _, rqErr := p.work.Requeue(resp.ID); rqErr != nil {
				log.WithError(rqErr).Error("failed to requeue response on shutdown")
			}
			p.releasePending()
			return
		}
		p.breaker.RecordFailure(resp.ConnectionID)
		log.WithError(err).Error("analyzer dispatch failed")
		p.finalizeFailure(resp.ID, resp.BatchID, err.Error())
		p.releasePending()
		return
	}
	p.breaker.RecordSuccess(resp.ConnectionID)

	if _, err := p.work.SetRemoteTask(resp.ID, accepted.TaskID); err != nil {
		log.WithError(err).Error("failed to record remote task id")
	}

	p.mu.Lock()
	p.pending--
	p.active[accepted.TaskID] = &inflight{
		responseID:   resp.ID,
		batchID:      resp.BatchID,
		connectionID: resp.ConnectionID,
		remoteTaskID: accepted.TaskID,
		leasedAt:     time.Now().UTC(),
	}
	p.mu.Unlock()
	p.updateLeaseGauge()

	log.WithField("task_id", accepted.TaskID).Debug("dispatch accepted")
}

// pollLoop fetches remote status for every in-flight task and applies
// terminal results.
func (p *Processor) pollLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.StatusPollInterval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pollActive(ctx)
		}
	}
}

func (p *Processor) pollActive(ctx context.Context) {
	p.mu.Lock()
	tasks := make([]*inflight, 0, len(p.active))
	for _, t := range p.active {
		tasks = append(tasks, t)
	}
	p.mu.Unlock()

	for _, task := range tasks {
		if ctx.Err() != nil {
			return
		}

		status, err := p.client.Status(ctx, task.remoteTaskID)
		if err != nil {
			p.breaker.RecordFailure(task.connectionID)
			p.log.WithField("task_id", task.remoteTaskID).WithError(err).
				Warn("failed to poll remote task, will retry")
			continue
		}
		p.breaker.RecordSuccess(task.connectionID)

		switch status.Status {
		case llm.TaskCompleted:
			p.applyCompletion(task, status)
		case llm.TaskFailed:
			msg := status.Error
			if msg == "" {
				msg = "remote task failed without detail"
			}
			p.finalizeFailure(task.responseID, task.batchID, msg)
			p.forget(task.remoteTaskID)
		default:
			// Still processing.
		}
	}
}

func (p *Processor) applyCompletion(task *inflight, status *llm.TaskStatus) {
	result := completionFromStatus(status)

	applied, err := p.work.MarkCompleted(task.responseID, result)
	if err != nil {
		p.log.WithField("response_id", task.responseID).WithError(err).
			Error("failed to write completion")
		return
	}
	if !applied {
		// Row was reset or reaped while the task ran; discard the result.
		p.log.WithField("response_id", task.responseID).
			Debug("completion for orphaned response discarded")
	} else if p.metrics != nil {
		p.metrics.TerminalTotal.WithLabelValues(db.ResponseCompleted).Inc()
	}

	p.forget(task.remoteTaskID)
	p.fanIn(task.batchID)
}

// finalizeFailure marks a response FAILED and runs batch fan-in. A no-op
// update (row reset concurrently) is logged at debug and dropped.
func (p *Processor) finalizeFailure(responseID, batchID uint, message string) {
	applied, err := p.work.MarkFailed(responseID, message)
	if err != nil {
		p.log.WithField("response_id", responseID).WithError(err).
			Error("failed to write failure")
		return
	}
	if !applied {
		p.log.WithField("response_id", responseID).
			Debug("failure for orphaned response discarded")
	} else if p.metrics != nil {
		p.metrics.TerminalTotal.WithLabelValues(db.ResponseFailed).Inc()
	}
	p.fanIn(batchID)
}

// reaperLoop times out PROCESSING rows that exceeded task_timeout. It is
// the only authority that ends PROCESSING without a remote result.
func (p *Processor) reaperLoop(ctx context.Context) {
	defer p.wg.Done()

	interval := p.cfg.StuckSweepInterval
	if interval <= 0 {
		interval = 60 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.reap()
		}
	}
}

func (p *Processor) reap() {
	msg := "task exceeded timeout of " + p.cfg.TaskTimeout.String()
	stuck, err := p.work.ReapStuck(p.cfg.TaskTimeout, msg)
	if err != nil {
		p.log.WithError(err).Error("stuck-task sweep failed")
		return
	}
	if len(stuck) == 0 {
		return
	}

	p.log.WithField("count", len(stuck)).Warn("timed out stuck tasks")

	byID := make(map[uint]struct{}, len(stuck))
	batches := make(map[uint]struct{})
	for _, r := range stuck {
		byID[r.ID] = struct{}{}
		batches[r.BatchID] = struct{}{}
		if p.metrics != nil {
			p.metrics.TerminalTotal.WithLabelValues(db.ResponseTimeout).Inc()
		}
	}

	// Drop reaped tasks from the active map; their eventual remote
	// completion will no-op against the guarded update.
	p.mu.Lock()
	for taskID, t := range p.active {
		if _, gone := byID[t.responseID]; gone {
			delete(p.active, taskID)
		}
	}
	p.mu.Unlock()
	p.updateLeaseGauge()

	for batchID := range batches {
		p.fanIn(batchID)
	}
}

// fanIn evaluates the batch all-done predicate after a terminal write.
func (p *Processor) fanIn(batchID uint) {
	if _, err := p.batches.FinalizeIfDone(batchID); err != nil {
		p.log.WithField("batch_id", batchID).WithError(err).
			Error("batch fan-in failed")
	}
}

func (p *Processor) forget(remoteTaskID string) {
	p.mu.Lock()
	delete(p.active, remoteTaskID)
	p.mu.Unlock()
	p.updateLeaseGauge()
}

func (p *Processor) updateLeaseGauge() {
	if p.metrics == nil {
		return
	}
	p.mu.Lock()
	n := len(p.active) + p.pending
	p.mu.Unlock()
	p.metrics.ActiveLeases.Set(float64(n))
}
