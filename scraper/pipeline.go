package scraper

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"rental_ingest/browser"
	"rental_ingest/config"
	"rental_ingest/evasion"
	"rental_ingest/metrics"
	"rental_ingest/models"
	"rental_ingest/runs"
	"rental_ingest/services"
	"rental_ingest/storage"
	"rental_ingest/vpn"
)

var (
	ErrCancelled = errors.New("run cancelled by operator")
	ErrShutdown  = errors.New("run interrupted by shutdown")
)

// Progress shares of one run. Finish takes the remainder to 1.
const (
	shareEgress    = 0.02
	shareCollect   = 0.20
	shareDetail    = 0.65
	shareReconcile = 0.10
)

// Rotator changes the egress address between stages.
type Rotator interface {
	MaybeRotate(ctx context.Context, cfg vpn.Config) error
}

type PipelineStore interface {
	storage.SettingsStore
	storage.ListingStore
}

// Pipeline runs one ingestion: rotate egress, open the browser, collect
// search results, fetch details in batches and reconcile them.
type Pipeline struct {
	store       PipelineStore
	controller  *runs.Controller
	driver      browser.Driver
	gate        Checkpoint
	rotator     Rotator
	reconciler  *services.Reconciler
	selectors   *config.Selectors
	browserOpts browser.Options
	metrics     *metrics.Recorder
	log         *logrus.Entry
}

type PipelineOption func(*Pipeline)

// WithBrowserDefaults sets launch options the settings table does not carry,
// such as the proxy and profile directory.
func WithBrowserDefaults(opts browser.Options) PipelineOption {
	return func(p *Pipeline) { p.browserOpts = opts }
}

func WithPipelineMetrics(m *metrics.Recorder) PipelineOption {
	return func(p *Pipeline) { p.metrics = m }
}

func NewPipeline(
	store PipelineStore,
	controller *runs.Controller,
	driver browser.Driver,
	gate Checkpoint,
	rotator Rotator,
	reconciler *services.Reconciler,
	sel *config.Selectors,
	opts ...PipelineOption,
) (*Pipeline, error) {
	if sel == nil {
		sel = config.DefaultSelectors()
	}
	if _, err := compileIDPattern(sel); err != nil {
		return nil, err
	}
	p := &Pipeline{
		store:      store,
		controller: controller,
		driver:     driver,
		gate:       gate,
		rotator:    rotator,
		reconciler: reconciler,
		selectors:  sel,
		log:        logrus.WithField("component", "pipeline"),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p, nil
}

// Execute reads the settings, starts a Run and runs it to completion.
func (p *Pipeline) Execute(ctx context.Context) (string, error) {
	runID, cfg, err := p.start(ctx)
	if err != nil {
		return runID, err
	}
	return runID, p.Run(ctx, runID, cfg)
}

// Launch starts a Run and executes it in the background. The returned
// channel yields the run's result once.
func (p *Pipeline) Launch(ctx context.Context) (string, <-chan error, error) {
	runID, cfg, err := p.start(ctx)
	if err != nil {
		return runID, nil, err
	}
	done := make(chan error, 1)
	go func() {
		done <- p.Run(ctx, runID, cfg)
		close(done)
	}()
	return runID, done, nil
}

// Stop raises the stop signal of a Run owned by this process.
func (p *Pipeline) Stop(ctx context.Context, runID string) error {
	return p.controller.Stop(ctx, runID)
}

// start creates the Run. Invalid settings still produce a Run record, failed
// with kind config, so the operator sees why nothing happened.
func (p *Pipeline) start(ctx context.Context) (string, RunConfig, error) {
	settings, err := p.store.GetSettings(ctx)
	if err != nil {
		return "", RunConfig{}, fmt.Errorf("read settings: %w", err)
	}
	cfg, cfgErr := ParseRunConfig(settings)

	runID, err := p.controller.Start(ctx, cfg)
	if err != nil {
		return "", cfg, err
	}
	if cfgErr != nil {
		p.fail(ctx, runID, models.ErrorKindConfig, cfgErr)
		return runID, cfg, cfgErr
	}
	return runID, cfg, nil
}

// Run executes the stages for an already started Run and always leaves it
// terminal. The browser session is closed before returning.
func (p *Pipeline) Run(ctx context.Context, runID string, cfg RunConfig) error {
	log := p.log.WithField("run_id", runID)
	stop := p.controller.StopSignal(runID)

	p.advance(ctx, runID, "egress", "Rotating egress", shareEgress)
	p.rotate(ctx, runID, cfg)
	if err := p.checkStop(ctx, stop); err != nil {
		return p.fail(ctx, runID, kindOf(err, models.ErrorKindCancelled), err)
	}

	p.advance(ctx, runID, "browser", "Opening browser", 0)
	session, err := p.driver.Open(ctx, cfg.BrowserOptions(p.browserOpts))
	if err != nil {
		return p.fail(ctx, runID, models.ErrorKindBrowser, fmt.Errorf("open browser: %w", err))
	}
	defer func() {
		if err := session.Close(); err != nil {
			log.WithError(err).Warn("Close browser session")
		}
	}()

	page, err := session.NewPage()
	if err != nil {
		return p.fail(ctx, runID, models.ErrorKindBrowser, fmt.Errorf("open page: %w", err))
	}
	rc := evasion.RunContext{
		RunID:      runID,
		Session:    session,
		Stop:       stop,
		Timeout:    cfg.CaptchaTimeout(),
		CookieName: cfg.CookieName,
	}

	summaries, err := p.collect(ctx, rc, page, cfg)
	if err != nil {
		return p.fail(ctx, runID, kindOf(err, models.ErrorKindNavigation), err)
	}
	if err := page.Close(); err != nil {
		log.WithError(err).Debug("Close search page")
	}

	counters, err := p.details(ctx, rc, session, cfg, summaries)
	if err != nil {
		return p.fail(ctx, runID, kindOf(err, models.ErrorKindBrowser), err)
	}
	log.WithFields(logrus.Fields{
		"collected": len(summaries),
		"created":   counters.CreatedCount,
		"updated":   counters.UpdatedCount,
		"skipped":   counters.SkippedRecentCount,
	}).Info("Run complete")

	return p.controller.Finish(context.WithoutCancel(ctx), runID, models.RunCounters{})
}

func (p *Pipeline) collect(ctx context.Context, rc evasion.RunContext, page browser.Page, cfg RunConfig) ([]models.ListingSummary, error) {
	collector, err := NewCollector(p.selectors, p.gate)
	if err != nil {
		return nil, err
	}
	perPage := shareCollect / float64(cfg.MaxPages+1)
	collector.Progress = func(pageNum, added, total int) {
		p.advance(ctx, rc.RunID, "collect", fmt.Sprintf("Search page %d: %d new, %d total", pageNum, added, total), perPage)
	}

	p.advance(ctx, rc.RunID, "collect", fmt.Sprintf("Collecting %s", cfg.SearchURL), perPage)
	summaries, err := collector.Collect(ctx, rc, page, cfg.SearchURL, cfg.MaxPages, cfg.MaxResults)
	if n := len(summaries); n > 0 {
		if aerr := p.controller.AddCollected(ctx, rc.RunID, n); aerr != nil {
			p.log.WithError(aerr).Warn("Record collected count")
		}
	}
	if err != nil {
		return nil, err
	}
	return summaries, nil
}

// details fetches and reconciles summaries batch by batch, rotating egress
// between batches. Counters are merged into the Run after each batch.
func (p *Pipeline) details(ctx context.Context, rc evasion.RunContext, session browser.Session, cfg RunConfig, summaries []models.ListingSummary) (models.RunCounters, error) {
	var total models.RunCounters

	fetcher, err := NewDetailFetcher(session, p.gate, p.selectors, DetailOptions{
		Source:     cfg.Source,
		MaxFetches: cfg.MaxDetailFetches,
		RPS:        cfg.DetailRPS,
	}, p.metrics)
	if err != nil {
		return total, err
	}
	selected := fetcher.Truncate(summaries)
	if len(selected) < len(summaries) {
		p.record(ctx, rc.RunID, models.LogLevelInfo,
			fmt.Sprintf("Detail fetches capped at %d of %d summaries", len(selected), len(summaries)))
	}
	if len(selected) == 0 {
		return total, nil
	}

	batches := splitBatches(selected, cfg.DetailBatchSize)
	reconciler := p.reconciler.WithWindow(cfg.FreshnessWindow())

	var fetched, last int
	every := len(selected) / 10
	if every < 1 {
		every = 1
	}
	fetcher.Progress = func(done, _ int) {
		n := fetched + done
		if n%every != 0 && n != len(selected) {
			return
		}
		delta := shareDetail * float64(n-last) / float64(len(selected))
		last = n
		p.advance(ctx, rc.RunID, "detail", fmt.Sprintf("Fetched %d/%d listings", n, len(selected)), delta)
	}

	for b, batch := range batches {
		if err := p.checkStop(ctx, rc.Stop); err != nil {
			return total, err
		}
		if b > 0 {
			p.advance(ctx, rc.RunID, "egress", "Rotating egress between batches", 0)
			p.rotate(ctx, rc.RunID, cfg)
		}

		p.advance(ctx, rc.RunID, "detail",
			fmt.Sprintf("Fetching details %d-%d of %d", fetched+1, fetched+len(batch), len(selected)), 0)
		raws, ferr := fetcher.FetchDetails(ctx, rc, batch, cfg.DetailConcurrency)
		fetched += len(batch)

		if len(raws) > 0 {
			outcome, err := reconciler.Reconcile(ctx, raws)
			counters := outcome.Counters()
			total.Add(counters)
			if aerr := p.controller.AddCounters(ctx, rc.RunID, counters); aerr != nil {
				p.log.WithError(aerr).Warn("Record batch counters")
			}
			if err != nil {
				return total, &kindError{kind: models.ErrorKindStorage, err: err}
			}
			p.advance(ctx, rc.RunID, "reconcile",
				fmt.Sprintf("Batch %d/%d: %d created, %d updated, %d skipped",
					b+1, len(batches), outcome.Created, outcome.Updated, outcome.Skipped),
				shareReconcile/float64(len(batches)))
		}
		if ferr != nil {
			return total, ferr
		}
	}
	return total, nil
}

func splitBatches(items []models.ListingSummary, size int) [][]models.ListingSummary {
	if size <= 0 || size >= len(items) {
		return [][]models.ListingSummary{items}
	}
	var out [][]models.ListingSummary
	for start := 0; start < len(items); start += size {
		end := start + size
		if end > len(items) {
			end = len(items)
		}
		out = append(out, items[start:end])
	}
	return out
}

func (p *Pipeline) rotate(ctx context.Context, runID string, cfg RunConfig) {
	if !cfg.VPN.Enabled || p.rotator == nil {
		return
	}
	if err := p.rotator.MaybeRotate(ctx, cfg.VPN); err != nil {
		p.record(ctx, runID, models.LogLevelWarn, fmt.Sprintf("Egress rotation skipped: %v", err))
	}
}

func (p *Pipeline) checkStop(ctx context.Context, stop <-chan struct{}) error {
	if stopped(stop) {
		return evasion.ErrStopped
	}
	return ctx.Err()
}

func (p *Pipeline) advance(ctx context.Context, runID, step, message string, delta float64) {
	if err := p.controller.Advance(ctx, runID, step, message, delta); err != nil {
		p.log.WithError(err).WithField("run_id", runID).Warn("Advance run")
	}
}

func (p *Pipeline) record(ctx context.Context, runID string, level models.LogLevel, message string) {
	if err := p.controller.Record(ctx, runID, level, message); err != nil {
		p.log.WithError(err).WithField("run_id", runID).Warn("Record run line")
	}
}

// fail makes the Run terminal. It persists even when ctx is already
// cancelled and returns the cause for the caller.
func (p *Pipeline) fail(ctx context.Context, runID string, kind models.ErrorKind, cause error) error {
	switch kind {
	case models.ErrorKindCancelled:
		if errors.Is(cause, context.Canceled) || errors.Is(cause, context.DeadlineExceeded) {
			cause = fmt.Errorf("%w: %v", ErrShutdown, cause)
		} else {
			cause = ErrCancelled
		}
	}
	if err := p.controller.Fail(context.WithoutCancel(ctx), runID, kind, cause); err != nil {
		p.log.WithError(err).WithField("run_id", runID).Error("Fail run")
	}
	return cause
}

type kindError struct {
	kind models.ErrorKind
	err  error
}

func (e *kindError) Error() string { return e.err.Error() }
func (e *kindError) Unwrap() error { return e.err }

// kindOf maps an error onto the Run error taxonomy.
func kindOf(err error, fallback models.ErrorKind) models.ErrorKind {
	var ke *kindError
	switch {
	case errors.As(err, &ke):
		return ke.kind
	case errors.Is(err, evasion.ErrStopped),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return models.ErrorKindCancelled
	case errors.Is(err, evasion.ErrCaptchaTimeout):
		return models.ErrorKindCaptchaTimeout
	case errors.Is(err, browser.ErrNavigationTimeout):
		return models.ErrorKindNavigation
	}
	return fallback
}
