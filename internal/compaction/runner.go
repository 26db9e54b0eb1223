// Package compaction trims superseded conversation index rows on a cron
// schedule. Reads never depend on it: dedup on read already hides the rows
// it removes, so it only bounds partition growth.
package compaction

import (
	"context"
	"sync"
	"time"

	"github.com/adhocore/gronx"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"convodb/pkg/convindex"
	"convodb/pkg/logger"
	"convodb/pkg/metrics"
)

// ErrAlreadyRunning is returned by RunOnce while another run is active in
// this process.
var ErrAlreadyRunning = errors.New("compaction already running")

// Compactor is the slice of the conversation index a run needs.
type Compactor interface {
	Users(ctx context.Context, fn func(userID string) error) error
	Compact(ctx context.Context, userID string, dryRun bool) (convindex.CompactStats, error)
}

type Options struct {
	Cron string
	// BatchSize is the number of users between progress logs and lease checks.
	BatchSize int
	DryRun    bool
	LockTTL   time.Duration
	// LockDir holds compaction.lock.
	LockDir string
}

// Report summarises one run.
type Report struct {
	RunID      string
	Users      int
	Scanned    int
	Superseded int
	Deleted    int
	Failed     int
	DryRun     bool
	Duration   time.Duration
	Skipped    bool // lease held elsewhere
}

type Runner struct {
	ix    Compactor
	opts  Options
	lease *FileLease

	mu      sync.Mutex
	running bool
}

func New(ix Compactor, opts Options) *Runner {
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.LockTTL <= 0 {
		opts.LockTTL = 5 * time.Minute
	}
	return &Runner{ix: ix, opts: opts, lease: NewFileLease(opts.LockDir)}
}

// Start runs the schedule loop until ctx is done.
func (r *Runner) Start(ctx context.Context) {
	logger.Info("compaction_enabled", "cron", r.opts.Cron, "dry_run", r.opts.DryRun)
	go r.scheduleLoop(ctx)
}

func (r *Runner) scheduleLoop(ctx context.Context) {
	for {
		next, err := gronx.NextTickAfter(r.opts.Cron, time.Now(), false)
		if err != nil {
			logger.Error("compaction_nexttick_failed", "cron", r.opts.Cron, "error", err)
			if !sleep(ctx, 30*time.Second) {
				return
			}
			continue
		}
		if !sleep(ctx, time.Until(next)) {
			return
		}
		if _, err := r.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
			logger.Error("compaction_run_error", "error", err)
		}
	}
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = time.Second
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// RunOnce compacts every user's inbox under the file lease.
func (r *Runner) RunOnce(ctx context.Context) (Report, error) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return Report{}, ErrAlreadyRunning
	}
	r.running = true
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.running = false
		r.mu.Unlock()
	}()

	rep := Report{RunID: uuid.NewString(), DryRun: r.opts.DryRun}
	owner := rep.RunID
	ok, err := r.lease.Acquire(owner, r.opts.LockTTL)
	if err != nil {
		metrics.CompactionRuns.WithLabelValues("error").Inc()
		return rep, errors.Wrap(err, "acquire compaction lease")
	}
	if !ok {
		rep.Skipped = true
		metrics.CompactionRuns.WithLabelValues("skipped").Inc()
		return rep, nil
	}
	defer func() {
		if err := r.lease.Release(owner); err != nil {
			logger.Error("compaction_lease_release_failed", "error", err)
		}
	}()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go r.heartbeat(runCtx, cancel, owner)

	start := time.Now()
	logger.AuditEvent("compaction_audit_header", "run_id", rep.RunID, "started_at", start.UTC().Format(time.RFC3339), "dry_run", rep.DryRun)

	err = r.ix.Users(runCtx, func(userID string) error {
		st, err := r.ix.Compact(runCtx, userID, r.opts.DryRun)
		rep.Users++
		rep.Scanned += st.Scanned
		rep.Superseded += st.Superseded
		rep.Deleted += st.Deleted
		if err != nil {
			if runCtx.Err() != nil {
				return runCtx.Err()
			}
			rep.Failed++
			logger.Error("compaction_user_failed", "user_id", userID, "error", err)
			logger.AuditEvent("compaction_audit_item", "run_id", rep.RunID, "user_id", userID, "status", "failed", "error", err.Error())
		} else if st.Superseded > 0 {
			status := "deleted"
			if r.opts.DryRun {
				status = "dry_run"
			}
			logger.AuditEvent("compaction_audit_item", "run_id", rep.RunID, "user_id", userID,
				"status", status, "superseded", st.Superseded, "deleted", st.Deleted)
		}
		if rep.Users%r.opts.BatchSize == 0 {
			logger.Info("compaction_progress", "run_id", rep.RunID, "users", rep.Users, "deleted", rep.Deleted)
		}
		return nil
	})
	rep.Duration = time.Since(start)
	metrics.CompactionRowsDeleted.Add(float64(rep.Deleted))
	logger.AuditEvent("compaction_audit_footer", "run_id", rep.RunID, "users", rep.Users,
		"scanned", rep.Scanned, "superseded", rep.Superseded, "deleted", rep.Deleted, "failed", rep.Failed)
	if err != nil {
		metrics.CompactionRuns.WithLabelValues("aborted").Inc()
		return rep, errors.Wrap(err, "compaction aborted")
	}
	metrics.CompactionRuns.WithLabelValues("ok").Inc()
	logger.Info("compaction_run_complete", "run_id", rep.RunID, "users", rep.Users,
		"deleted", rep.Deleted, "failed", rep.Failed, "took", rep.Duration)
	return rep, nil
}

// heartbeat renews the lease every third of its ttl and aborts the run after
// three consecutive failures.
func (r *Runner) heartbeat(ctx context.Context, abort context.CancelFunc, owner string) {
	t := time.NewTicker(r.opts.LockTTL / 3)
	defer t.Stop()
	fails := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if err := r.lease.Renew(owner, r.opts.LockTTL); err != nil {
				fails++
				logger.Error("compaction_lease_renew_failed", "error", err, "count", fails)
				if fails >= 3 {
					abort()
					return
				}
				continue
			}
			fails = 0
		}
	}
}
