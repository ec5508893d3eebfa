package workers

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"rental_ingest/logging"
	"rental_ingest/metrics"
	"rental_ingest/models"
	"rental_ingest/runs"
	"rental_ingest/storage"
)

// Sweeper reclassifies runs left in running by a process that died without
// reaching a terminal state.
type Sweeper struct {
	store      storage.RunStore
	staleAfter time.Duration
	alive      func(pid int) bool
	owners     Owners
	now        func() time.Time
	metrics    *metrics.Recorder
	triggerCh  chan struct{}
	log        *logrus.Entry
}

// Owners decides liveness for runs this process may own itself, where a pid
// probe cannot tell a reused pid from the original owner.
type Owners interface {
	OwnerAlive(run *models.Run) bool
}

type SweeperOption func(*Sweeper)

// WithOwners routes liveness through the run controller of this process.
func WithOwners(o Owners) SweeperOption {
	return func(w *Sweeper) { w.owners = o }
}

func WithLiveness(alive func(pid int) bool) SweeperOption {
	return func(w *Sweeper) { w.alive = alive }
}

func WithClock(now func() time.Time) SweeperOption {
	return func(w *Sweeper) { w.now = now }
}

func WithMetrics(m *metrics.Recorder) SweeperOption {
	return func(w *Sweeper) { w.metrics = m }
}

// NewSweeper creates a sweeper. Runs younger than staleAfter are left alone
// even when their process is gone.
func NewSweeper(store storage.RunStore, staleAfter time.Duration, opts ...SweeperOption) *Sweeper {
	w := &Sweeper{
		store:      store,
		staleAfter: staleAfter,
		alive:      runs.ProcessAlive,
		now:        time.Now,
		triggerCh:  make(chan struct{}, 1),
		log:        logrus.WithField("component", "sweeper"),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Trigger causes the worker to sweep immediately
func (w *Sweeper) Trigger() {
	select {
	case w.triggerCh <- struct{}{}:
	default:
	}
}

// Run sweeps on every tick and on Trigger. A non-positive interval disables
// the ticker and leaves only manual triggers.
func (w *Sweeper) Run(ctx context.Context, interval time.Duration) {
	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			w.log.Info("Sweeper stopping")
			return
		case <-tick:
			w.sweepAndLog(ctx)
		case <-w.triggerCh:
			w.log.Info("Sweeper triggered manually")
			w.sweepAndLog(ctx)
		}
	}
}

func (w *Sweeper) sweepAndLog(ctx context.Context) {
	n, err := w.Sweep(ctx)
	if err != nil {
		w.log.WithError(err).Error("Stale run sweep failed")
		return
	}
	if n > 0 {
		w.log.WithField("count", n).Info("Marked stale runs")
	}
}

// Sweep marks every stale running or pending run as error/stale and returns
// how many it changed. A failure on one run does not stop the others.
func (w *Sweeper) Sweep(ctx context.Context) (int, error) {
	var candidates []models.Run
	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusPending} {
		list, err := w.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return 0, fmt.Errorf("list %s runs: %w", status, err)
		}
		candidates = append(candidates, list...)
	}

	now := w.now()
	var marked int
	var firstErr error
	for i := range candidates {
		run := &candidates[i]
		if !w.isStale(run, now) {
			continue
		}
		if err := w.markStale(ctx, run, now); err != nil {
			w.log.WithError(err).WithField("run_id", run.ID).Warn("Failed to mark run stale")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		marked++
	}
	return marked, firstErr
}

func (w *Sweeper) isStale(run *models.Run, now time.Time) bool {
	if w.owners != nil {
		if w.owners.OwnerAlive(run) {
			return false
		}
	} else if w.alive(run.ChildProcessID) {
		return false
	}
	return now.Sub(run.StartedAt) > w.staleAfter
}

func (w *Sweeper) markStale(ctx context.Context, run *models.Run, now time.Time) error {
	msg := fmt.Sprintf("process %d is gone, run abandoned in %q", run.ChildProcessID, run.CurrentStep)
	run.Status = models.RunStatusError
	run.ErrorKind = models.ErrorKindStale
	run.ErrorMessage = msg
	run.CurrentMessage = fmt.Sprintf("Failed (%s): %s", models.ErrorKindStale, msg)
	run.FinishedAt = &now
	run.RawLog += logging.TranscriptLine(now, models.LogLevelError, "sweep", run.CurrentMessage)

	if err := w.store.UpdateRun(ctx, run); err != nil {
		return fmt.Errorf("update run %s: %w", run.ID, err)
	}
	w.metrics.RunFinished(string(run.Status), now.Sub(run.StartedAt))
	w.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"pid":    run.ChildProcessID,
	}).Warn("Run marked stale")
	return nil
}
