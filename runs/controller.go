package runs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"rental_ingest/logging"
	"rental_ingest/metrics"
	"rental_ingest/models"
	"rental_ingest/storage"
)

var (
	ErrRunInProgress = errors.New("a run is already in progress")
	ErrRunNotFound   = errors.New("run not found")
	ErrRunNotActive  = errors.New("run is not active in this process")
)

// Controller owns every Run this process executes. All mutations go through it
// and are persisted before the call returns.
type Controller struct {
	store   storage.RunStore
	metrics *metrics.Recorder
	log     *logrus.Entry
	now     func() time.Time
	alive   func(pid int) bool
	pid     int

	mu   sync.Mutex
	runs map[string]*activeRun
}

type activeRun struct {
	mu       sync.Mutex
	run      *models.Run
	stop     chan struct{}
	stopOnce sync.Once
	// unsaved marks a terminal run whose final write failed.
	unsaved bool
}

type Option func(*Controller)

func WithClock(now func() time.Time) Option {
	return func(c *Controller) { c.now = now }
}

// WithLiveness replaces the process probe used to decide whether a stored
// running Run still has an owner.
func WithLiveness(alive func(pid int) bool) Option {
	return func(c *Controller) { c.alive = alive }
}

func WithMetrics(m *metrics.Recorder) Option {
	return func(c *Controller) { c.metrics = m }
}

func WithLogger(entry *logrus.Entry) Option {
	return func(c *Controller) { c.log = entry }
}

func NewController(store storage.RunStore, opts ...Option) *Controller {
	c := &Controller{
		store: store,
		log:   logrus.WithField("component", "runs"),
		now:   time.Now,
		alive: ProcessAlive,
		pid:   os.Getpid(),
		runs:  make(map[string]*activeRun),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start creates a Run, persists it as pending, then moves it to running with
// config snapshotted as JSON.
func (c *Controller) Start(ctx context.Context, config any) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for id, h := range c.runs {
		h.mu.Lock()
		terminal := h.run.Status.Terminal()
		var retryErr error
		if terminal && h.unsaved {
			retryErr = c.persistTerminal(ctx, h)
		}
		h.mu.Unlock()
		if !terminal {
			return "", fmt.Errorf("%w: %s", ErrRunInProgress, id)
		}
		if retryErr != nil {
			// the stored row keeps this pid without a handle, which reads as orphaned
			c.log.WithError(retryErr).WithField("run_id", id).Warn("Dropping run whose final state was not persisted")
		}
		delete(c.runs, id)
	}

	for _, status := range []models.RunStatus{models.RunStatusRunning, models.RunStatusPending} {
		stored, err := c.store.ListRunsByStatus(ctx, status)
		if err != nil {
			return "", fmt.Errorf("list %s runs: %w", status, err)
		}
		for i := range stored {
			if c.ownerAliveLocked(&stored[i]) {
				return "", fmt.Errorf("%w: %s (pid %d)", ErrRunInProgress, stored[i].ID, stored[i].ChildProcessID)
			}
		}
	}

	snapshot, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("snapshot config: %w", err)
	}

	now := c.now()
	run := &models.Run{
		ID:             uuid.New().String(),
		Status:         models.RunStatusPending,
		StartedAt:      now,
		CurrentStep:    "start",
		CurrentMessage: "Run created",
		Config:         snapshot,
		ChildProcessID: c.pid,
	}
	if err := c.store.CreateRun(ctx, run); err != nil {
		return "", fmt.Errorf("create run: %w", err)
	}

	run.Status = models.RunStatusRunning
	run.CurrentMessage = "Run started"
	c.appendLine(run, models.LogLevelInfo, run.CurrentStep, run.CurrentMessage)
	if err := c.store.UpdateRun(ctx, run); err != nil {
		return "", fmt.Errorf("persist run %s: %w", run.ID, err)
	}

	c.runs[run.ID] = &activeRun{run: run, stop: make(chan struct{})}
	c.metrics.RunProgress(0)
	return run.ID, nil
}

// OwnerAlive reports whether a stored Run still has a live owner. A Run
// carrying this process's pid is owned only while this controller holds it
// non-terminal, so a row left by an earlier process that reused the pid counts
// as orphaned.
func (c *Controller) OwnerAlive(run *models.Run) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ownerAliveLocked(run)
}

func (c *Controller) ownerAliveLocked(run *models.Run) bool {
	if run.ChildProcessID != c.pid {
		return c.alive(run.ChildProcessID)
	}
	h := c.runs[run.ID]
	if h == nil {
		return false
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.run.Status.Terminal()
}

// Advance is the only way progress moves. Negative deltas are ignored and
// progress is clamped to 1. Calls on a terminal Run are no-ops.
func (c *Controller) Advance(ctx context.Context, runID, step, message string, delta float64) error {
	return c.mutate(ctx, runID, func(run *models.Run) {
		if delta > 0 {
			run.Progress += delta
			if run.Progress > 1 {
				run.Progress = 1
			}
		}
		if step != "" {
			run.CurrentStep = step
		}
		run.CurrentMessage = message
		c.appendLine(run, models.LogLevelInfo, run.CurrentStep, message)
		c.metrics.RunProgress(run.Progress)
	})
}

// Record appends a transcript line without touching progress or the current message.
func (c *Controller) Record(ctx context.Context, runID string, level models.LogLevel, message string) error {
	return c.mutate(ctx, runID, func(run *models.Run) {
		c.appendLine(run, level, run.CurrentStep, message)
	})
}

func (c *Controller) AddCollected(ctx context.Context, runID string, n int) error {
	return c.AddCounters(ctx, runID, models.RunCounters{TotalCollected: n})
}

// AddCounters merges a batch result into the Run. Counters never shrink.
func (c *Controller) AddCounters(ctx context.Context, runID string, counters models.RunCounters) error {
	return c.mutate(ctx, runID, func(run *models.Run) {
		run.RunCounters.Add(counters)
	})
}

// Finish marks the Run successful after merging counters. A second terminal
// call is a no-op.
func (c *Controller) Finish(ctx context.Context, runID string, counters models.RunCounters) error {
	return c.terminate(ctx, runID, func(run *models.Run) {
		run.RunCounters.Add(counters)
		run.Status = models.RunStatusSuccess
		run.Progress = 1
		run.CurrentStep = "done"
		run.CurrentMessage = fmt.Sprintf("Finished: %d collected, %d created, %d updated, %d skipped",
			run.TotalCollected, run.CreatedCount, run.UpdatedCount, run.SkippedRecentCount)
		c.appendLine(run, models.LogLevelInfo, run.CurrentStep, run.CurrentMessage)
	})
}

// Fail marks the Run as errored with kind. A second terminal call is a no-op.
func (c *Controller) Fail(ctx context.Context, runID string, kind models.ErrorKind, cause error) error {
	msg := string(kind)
	if cause != nil {
		msg = cause.Error()
	}
	return c.terminate(ctx, runID, func(run *models.Run) {
		run.Status = models.RunStatusError
		run.ErrorKind = kind
		run.ErrorMessage = msg
		run.CurrentMessage = fmt.Sprintf("Failed (%s): %s", kind, msg)
		c.appendLine(run, models.LogLevelError, run.CurrentStep, run.CurrentMessage)
	})
}

// Stop raises the Run's stop signal. Repeated calls are harmless.
func (c *Controller) Stop(ctx context.Context, runID string) error {
	h := c.handle(runID)
	if h == nil {
		return fmt.Errorf("stop %s: %w", runID, ErrRunNotActive)
	}
	first := false
	h.stopOnce.Do(func() {
		close(h.stop)
		first = true
	})
	if !first {
		return nil
	}
	return c.Record(ctx, runID, models.LogLevelWarn, "Stop requested")
}

// StopSignal returns a channel closed once Stop is called. Unknown runs get nil,
// which never fires.
func (c *Controller) StopSignal(runID string) <-chan struct{} {
	h := c.handle(runID)
	if h == nil {
		return nil
	}
	return h.stop
}

func (c *Controller) Stopped(runID string) bool {
	ch := c.StopSignal(runID)
	if ch == nil {
		return false
	}
	select {
	case <-ch:
		return true
	default:
		return false
	}
}

// Get returns a snapshot of the Run, from memory when active.
func (c *Controller) Get(ctx context.Context, runID string) (*models.Run, error) {
	if h := c.handle(runID); h != nil {
		h.mu.Lock()
		defer h.mu.Unlock()
		return h.run.Clone(), nil
	}
	return c.store.GetRun(ctx, runID)
}

// Active returns the Run currently executing in this process, or nil.
func (c *Controller) Active() *models.Run {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, h := range c.runs {
		h.mu.Lock()
		run := h.run
		if !run.Status.Terminal() {
			cp := run.Clone()
			h.mu.Unlock()
			return cp
		}
		h.mu.Unlock()
	}
	return nil
}

func (c *Controller) handle(runID string) *activeRun {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.runs[runID]
}

func (c *Controller) mutate(ctx context.Context, runID string, apply func(*models.Run)) error {
	h := c.handle(runID)
	if h == nil {
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Status.Terminal() {
		return nil
	}
	next := h.run.Clone()
	apply(next)
	if err := c.store.UpdateRun(ctx, next); err != nil {
		return fmt.Errorf("persist run %s: %w", runID, err)
	}
	h.run = next
	return nil
}

func (c *Controller) terminate(ctx context.Context, runID string, apply func(*models.Run)) error {
	h := c.handle(runID)
	if h == nil {
		stored, err := c.store.GetRun(ctx, runID)
		if err != nil {
			return err
		}
		if stored == nil {
			return fmt.Errorf("run %s: %w", runID, ErrRunNotFound)
		}
		if stored.Status.Terminal() {
			return nil
		}
		return fmt.Errorf("run %s: %w", runID, ErrRunNotActive)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if h.run.Status.Terminal() {
		if h.unsaved {
			return c.persistTerminal(ctx, h)
		}
		return nil
	}

	apply(h.run)
	finished := c.now()
	h.run.FinishedAt = &finished
	h.unsaved = true
	// the handle stays until the next Start so Get and Stop keep answering from memory
	return c.persistTerminal(ctx, h)
}

// persistTerminal writes a terminal Run. On failure the handle stays unsaved
// and the next Finish, Fail or Start retries the write.
func (c *Controller) persistTerminal(ctx context.Context, h *activeRun) error {
	if err := c.store.UpdateRun(ctx, h.run); err != nil {
		return fmt.Errorf("persist run %s: %w", h.run.ID, err)
	}
	h.unsaved = false
	c.metrics.RunFinished(string(h.run.Status), h.run.FinishedAt.Sub(h.run.StartedAt))
	c.metrics.RunProgress(h.run.Progress)
	return nil
}

func (c *Controller) appendLine(run *models.Run, level models.LogLevel, step, message string) {
	run.RawLog += logging.TranscriptLine(c.now(), level, step, message)
	logging.Entry(c.log.WithFields(logrus.Fields{
		"run_id": run.ID,
		"step":   step,
	}), level, message)
}
