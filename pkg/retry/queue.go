// Package retry replays conversation index writes that failed during fanout.
// Tasks are persisted in the retries table before they are acknowledged, kept
// in a bounded in-memory channel for the workers, and recovered from the
// table after a restart or when the channel had no room for them.
package retry

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"convodb/pkg/logger"
	"convodb/pkg/metrics"
	"convodb/pkg/models"
	"convodb/pkg/store"
	"convodb/pkg/store/keys"
	"convodb/pkg/telemetry"
	"convodb/pkg/timeutil"
)

var (
	ErrQueueFull   = errors.New("retry queue full")
	ErrQueueClosed = errors.New("retry queue closed")
)

// Upserter applies one index write. Applying the same summary twice must be
// harmless.
type Upserter interface {
	Upsert(ctx context.Context, s models.ConversationSummary) error
}

type Options struct {
	Capacity       int
	Workers        int
	RPS            float64
	Burst          int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	MaxAttempts    int
	PollInterval   time.Duration
	AttemptTimeout time.Duration
	Consistency    store.Consistency
	Clock          timeutil.Clock
}

func (o *Options) applyDefaults() {
	if o.Capacity <= 0 {
		o.Capacity = 1024
	}
	if o.Workers <= 0 {
		o.Workers = 1
	}
	if o.RPS <= 0 {
		o.RPS = 100
	}
	if o.Burst <= 0 {
		o.Burst = 10
	}
	if o.InitialBackoff <= 0 {
		o.InitialBackoff = 200 * time.Millisecond
	}
	if o.MaxBackoff < o.InitialBackoff {
		o.MaxBackoff = o.InitialBackoff
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 10
	}
	if o.PollInterval <= 0 {
		o.PollInterval = time.Second
	}
	if o.AttemptTimeout <= 0 {
		o.AttemptTimeout = 2 * time.Second
	}
	if o.Clock == nil {
		o.Clock = timeutil.NewSystemClock()
	}
}

// Task is one pending index write.
type Task struct {
	ID         string                     `json:"id"`
	Summary    models.ConversationSummary `json:"summary"`
	Attempt    int                        `json:"attempt"`
	EnqueuedAt int64                      `json:"enqueued_at"`
	NextAt     int64                      `json:"next_at"`
	LastError  string                     `json:"last_error,omitempty"`
}

func (t *Task) clustering() []byte { return keys.GenRetryClustering(t.EnqueuedAt, t.ID) }

type Queue struct {
	opts    Options
	tbl     store.Table // nil keeps tasks in memory only
	target  Upserter
	limiter *rate.Limiter

	ch chan *Task
	mu sync.Mutex
	// pending holds every task that is buffered, scheduled or in flight.
	// A non-nil timer means the task is waiting for its backoff to elapse.
	pending map[string]*time.Timer
	// finished holds tasks completed since the current poll began scanning,
	// whose rows the scan may still have returned.
	finished map[string]struct{}

	dropped atomic.Uint64
	closed  atomic.Bool

	runCtx    context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup
	startOnce sync.Once
	closeOnce sync.Once
}

// New builds a queue. A nil backend gives a memory-only queue.
func New(backend store.Backend, target Upserter, opts Options) *Queue {
	opts.applyDefaults()
	q := &Queue{
		opts:     opts,
		target:   target,
		limiter:  rate.NewLimiter(rate.Limit(opts.RPS), opts.Burst),
		ch:       make(chan *Task, opts.Capacity),
		pending:  make(map[string]*time.Timer, opts.Capacity),
		finished: make(map[string]struct{}),
	}
	if backend != nil {
		q.tbl = backend.Table(keys.TableRetries)
	}
	q.runCtx, q.cancel = context.WithCancel(context.Background())
	return q
}

// Enqueue schedules s for replay. The task is persisted first; if the
// in-memory buffer is full a persisted task is still accepted and picked up
// by the poller later.
func (q *Queue) Enqueue(ctx context.Context, s models.ConversationSummary, cause error) error {
	if q.closed.Load() {
		q.drop()
		return ErrQueueClosed
	}
	now := q.opts.Clock.NowMillis()
	t := &Task{ID: uuid.NewString(), Summary: s, EnqueuedAt: now}
	t.NextAt = now + q.delay(1).Milliseconds()
	if cause != nil {
		t.LastError = cause.Error()
	}

	persisted := false
	if q.tbl != nil {
		if err := q.persist(ctx, t); err != nil {
			logger.Warn("retry_persist_failed", "task_id", t.ID, "user_id", s.UserID, "error", err)
		} else {
			persisted = true
		}
	}
	if !q.admit(t) && !persisted {
		q.drop()
		return ErrQueueFull
	}
	metrics.RetryEnqueued.Inc()
	logger.Debug("retry_task_enqueued", "task_id", t.ID, "user_id", s.UserID, "conversation_id", s.ConversationID)
	return nil
}

func (q *Queue) drop() {
	q.dropped.Add(1)
	metrics.RetryDropped.Inc()
}

// Dropped reports how many tasks were rejected.
func (q *Queue) Dropped() uint64 { return q.dropped.Load() }

// Pending reports how many tasks are buffered, scheduled or in flight.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// admit tracks t and hands it to the workers once it is due. It returns false
// when the in-memory buffer is at capacity.
func (q *Queue) admit(t *Task) bool {
	q.mu.Lock()
	if _, ok := q.pending[t.ID]; ok {
		q.mu.Unlock()
		return true
	}
	if len(q.pending) >= q.opts.Capacity {
		q.mu.Unlock()
		return false
	}
	q.pending[t.ID] = nil
	metrics.RetryDepth.Set(float64(len(q.pending)))
	ready := q.scheduleLocked(t)
	q.mu.Unlock()
	if ready {
		q.push(t)
	}
	return true
}

// scheduleLocked arms a timer for t, or reports that t is already due.
func (q *Queue) scheduleLocked(t *Task) bool {
	wait := time.Duration(t.NextAt-q.opts.Clock.NowMillis()) * time.Millisecond
	if wait <= 0 {
		return true
	}
	q.pending[t.ID] = time.AfterFunc(wait, func() {
		q.mu.Lock()
		_, ok := q.pending[t.ID]
		if ok {
			q.pending[t.ID] = nil
		}
		q.mu.Unlock()
		if ok {
			q.push(t)
		}
	})
	return false
}

// push never blocks: the channel holds at most Capacity tasks and every one
// of them is counted in pending.
func (q *Queue) push(t *Task) {
	select {
	case q.ch <- t:
	case <-q.runCtx.Done():
	}
}

func (q *Queue) forget(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	metrics.RetryDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()
}

// complete forgets a task whose row has already been removed.
func (q *Queue) complete(id string) {
	q.mu.Lock()
	delete(q.pending, id)
	q.finished[id] = struct{}{}
	metrics.RetryDepth.Set(float64(len(q.pending)))
	q.mu.Unlock()
}

func (q *Queue) persist(ctx context.Context, t *Task) error {
	b, err := json.Marshal(t)
	if err != nil {
		return err
	}
	return q.tbl.Insert(ctx, keys.RetryPartition, t.clustering(), b, q.opts.Consistency)
}

func (q *Queue) unpersist(ctx context.Context, t *Task) {
	if q.tbl == nil {
		return
	}
	if err := q.tbl.Delete(ctx, keys.RetryPartition, t.clustering(), q.opts.Consistency); err != nil {
		logger.Warn("retry_unpersist_failed", "task_id", t.ID, "error", err)
	}
}

// delay returns the n-th backoff interval (n >= 1).
func (q *Queue) delay(n int) time.Duration {
	b := &backoff.ExponentialBackOff{
		InitialInterval:     q.opts.InitialBackoff,
		RandomizationFactor: 0.2,
		Multiplier:          2,
		MaxInterval:         q.opts.MaxBackoff,
	}
	b.Reset()
	d := q.opts.InitialBackoff
	for i := 0; i < n; i++ {
		d = b.NextBackOff()
	}
	return d
}

// Start recovers persisted tasks and launches the workers and the poller.
func (q *Queue) Start() {
	q.startOnce.Do(func() {
		if n := q.poll(); n > 0 {
			logger.Info("retry_tasks_recovered", "count", n)
		}
		for i := 0; i < q.opts.Workers; i++ {
			q.wg.Add(1)
			go q.worker()
		}
		if q.tbl != nil {
			q.wg.Add(1)
			go q.poller()
		}
	})
}

func (q *Queue) worker() {
	defer q.wg.Done()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case t := <-q.ch:
			q.process(t)
		}
	}
}

func (q *Queue) process(t *Task) {
	tr := telemetry.Track("retry.process")
	defer tr.Finish()

	if err := q.limiter.Wait(q.runCtx); err != nil {
		// shutting down; the persisted copy survives
		q.forget(t.ID)
		return
	}
	actx, cancel := context.WithTimeout(q.runCtx, q.opts.AttemptTimeout)
	err := q.target.Upsert(actx, t.Summary)
	cancel()
	tr.Mark("upsert")
	t.Attempt++

	if err == nil {
		q.unpersist(q.runCtx, t)
		q.complete(t.ID)
		metrics.RetrySucceeded.Inc()
		logger.Debug("retry_task_applied", "task_id", t.ID, "attempt", t.Attempt)
		return
	}
	t.LastError = err.Error()
	if t.Attempt >= q.opts.MaxAttempts {
		logger.Error("retry_task_abandoned", "task_id", t.ID, "user_id", t.Summary.UserID,
			"conversation_id", t.Summary.ConversationID, "attempts", t.Attempt, "error", err)
		q.unpersist(q.runCtx, t)
		q.complete(t.ID)
		metrics.RetryAbandoned.Inc()
		return
	}

	t.NextAt = q.opts.Clock.NowMillis() + q.delay(t.Attempt+1).Milliseconds()
	if q.tbl != nil {
		if perr := q.persist(q.runCtx, t); perr != nil {
			logger.Warn("retry_persist_failed", "task_id", t.ID, "error", perr)
		}
	}
	logger.Debug("retry_task_rescheduled", "task_id", t.ID, "attempt", t.Attempt, "next_at", t.NextAt, "error", err)

	q.mu.Lock()
	if _, ok := q.pending[t.ID]; !ok {
		q.mu.Unlock()
		return
	}
	ready := q.scheduleLocked(t)
	q.mu.Unlock()
	if ready {
		q.push(t)
	}
}

func (q *Queue) poller() {
	defer q.wg.Done()
	ticker := time.NewTicker(q.opts.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-q.runCtx.Done():
			return
		case <-ticker.C:
			q.poll()
		}
	}
}

// poll admits persisted tasks not already tracked, oldest first, while there
// is room. It returns the number admitted.
func (q *Queue) poll() int {
	if q.tbl == nil {
		return 0
	}
	q.mu.Lock()
	tracked := len(q.pending)
	q.finished = make(map[string]struct{})
	q.mu.Unlock()
	room := q.opts.Capacity - tracked
	if room <= 0 {
		return 0
	}
	rows, err := q.tbl.Scan(q.runCtx, keys.RetryPartition, store.ScanOptions{Ascending: true, Limit: room + tracked})
	if err != nil {
		logger.Warn("retry_poll_failed", "error", err)
		return 0
	}
	admitted := 0
	for _, r := range rows {
		var t Task
		if err := json.Unmarshal(r.Value, &t); err != nil {
			logger.Warn("retry_task_corrupt", "key", string(r.Clustering), "error", err)
			continue
		}
		q.mu.Lock()
		_, known := q.pending[t.ID]
		_, done := q.finished[t.ID]
		q.mu.Unlock()
		if known || done {
			continue
		}
		if !q.admit(&t) {
			break
		}
		admitted++
	}
	return admitted
}

// Close stops the workers. Persisted tasks are left in place for the next
// start; memory-only tasks still pending are lost and logged.
func (q *Queue) Close(ctx context.Context) error {
	var err error
	q.closeOnce.Do(func() {
		q.closed.Store(true)
		q.cancel()
		q.mu.Lock()
		for _, tm := range q.pending {
			if tm != nil {
				tm.Stop()
			}
		}
		left := len(q.pending)
		q.mu.Unlock()

		done := make(chan struct{})
		go func() {
			q.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
		if left > 0 && q.tbl == nil {
			logger.Warn("retry_tasks_lost_on_close", "count", left)
		}
		logger.Info("retry_queue_closed", "pending", left, "dropped", q.dropped.Load())
	})
	return err
}
