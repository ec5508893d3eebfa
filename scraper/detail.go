package scraper

import (
	"context"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/PuerkitoBio/goquery"
	"github.com/hashicorp/go-multierror"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
	"rental_ingest/browser"
	"rental_ingest/config"
	"rental_ingest/evasion"
	"rental_ingest/metrics"
	"rental_ingest/models"
)

// PageOpener hands out a fresh tab per fetch.
type PageOpener interface {
	NewPage() (browser.Page, error)
}

type DetailOptions struct {
	Source string
	// MaxFetches caps the summaries fetched per call. Zero means no cap.
	MaxFetches int
	// RPS paces navigations across all workers. Zero disables pacing.
	RPS float64
}

// DetailFetcher visits listing pages with bounded concurrency.
type DetailFetcher struct {
	pages     PageOpener
	gate      Checkpoint
	selectors *config.Selectors
	idPattern *regexp.Regexp
	opts      DetailOptions
	limiter   *rate.Limiter
	metrics   *metrics.Recorder
	log       *logrus.Entry

	// Progress, when set, is called after every fetch with the number done.
	Progress func(done, total int)
}

func NewDetailFetcher(pages PageOpener, gate Checkpoint, sel *config.Selectors, opts DetailOptions, m *metrics.Recorder) (*DetailFetcher, error) {
	if sel == nil {
		sel = config.DefaultSelectors()
	}
	re, err := compileIDPattern(sel)
	if err != nil {
		return nil, err
	}
	f := &DetailFetcher{
		pages:     pages,
		gate:      gate,
		selectors: sel,
		idPattern: re,
		opts:      opts,
		metrics:   m,
		log:       logrus.WithField("component", "detail"),
	}
	if opts.RPS > 0 {
		f.limiter = rate.NewLimiter(rate.Limit(opts.RPS), 1)
	}
	return f, nil
}

// Truncate applies the per-run fetch cap.
func (f *DetailFetcher) Truncate(summaries []models.ListingSummary) []models.ListingSummary {
	if f.opts.MaxFetches > 0 && len(summaries) > f.opts.MaxFetches {
		return summaries[:f.opts.MaxFetches]
	}
	return summaries
}

// FetchDetails fetches every summary with at most concurrencyLimit pages in
// flight. Items that fail are logged and left out. A stop signal keeps new
// fetches from starting while in-flight ones finish; it is reported as
// evasion.ErrStopped along with whatever was fetched. A captcha timeout
// aborts the batch the same way.
func (f *DetailFetcher) FetchDetails(ctx context.Context, rc evasion.RunContext, summaries []models.ListingSummary, concurrencyLimit int) ([]models.RawListing, error) {
	summaries = f.Truncate(summaries)
	if concurrencyLimit < 1 {
		concurrencyLimit = 1
	}

	var (
		results = make([]*models.RawListing, len(summaries))
		sem     = make(chan struct{}, concurrencyLimit)
		wg      sync.WaitGroup
		mu      sync.Mutex
		abort   error
		done    int
	)
	aborted := func() error {
		mu.Lock()
		defer mu.Unlock()
		return abort
	}

dispatch:
	for i, s := range summaries {
		if aborted() != nil {
			break
		}
		if stopped(rc.Stop) {
			mu.Lock()
			if abort == nil {
				abort = evasion.ErrStopped
			}
			mu.Unlock()
			break
		}
		select {
		case sem <- struct{}{}:
		case <-rc.Stop:
			mu.Lock()
			if abort == nil {
				abort = evasion.ErrStopped
			}
			mu.Unlock()
			break dispatch
		case <-ctx.Done():
			break dispatch
		}

		wg.Add(1)
		go func(i int, s models.ListingSummary) {
			defer wg.Done()
			defer func() { <-sem }()

			raw, err := f.fetchOne(ctx, rc, s)
			mu.Lock()
			defer mu.Unlock()
			done++
			switch {
			case err == nil:
				results[i] = raw
			case fatal(ctx, err):
				if abort == nil {
					abort = err
				}
			default:
				f.metrics.DetailFailed()
				f.log.WithFields(logrus.Fields{"run_id": rc.RunID, "url": s.URL}).WithError(err).Warn("Detail fetch failed, dropping item")
			}
			if f.Progress != nil {
				f.Progress(done, len(summaries))
			}
		}(i, s)
	}
	wg.Wait()

	out := make([]models.RawListing, 0, len(summaries))
	for _, r := range results {
		if r != nil {
			out = append(out, *r)
		}
	}
	if abort != nil {
		return out, abort
	}
	if err := ctx.Err(); err != nil {
		return out, err
	}
	return out, nil
}

func (f *DetailFetcher) fetchOne(ctx context.Context, rc evasion.RunContext, s models.ListingSummary) (*models.RawListing, error) {
	page, err := f.pages.NewPage()
	if err != nil {
		return nil, fmt.Errorf("open page: %w", err)
	}
	defer func() {
		if err := page.Close(); err != nil {
			f.log.WithError(err).Debug("Close detail page")
		}
	}()

	if f.limiter != nil {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	if err := visit(ctx, f.gate, rc, page, s.URL); err != nil {
		return nil, err
	}

	html, err := page.HTML()
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", s.URL, err)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", s.URL, err)
	}
	listing := parseDetail(doc, pageURL(page.URL(), s.URL), f.selectors.Detail, f.idPattern, s, f.opts.Source)
	if err := validateRaw(&listing); err != nil {
		return nil, err
	}
	return &listing, nil
}

// validateRaw rejects pages that parsed into something unusable, such as an
// error page served with a 200.
func validateRaw(raw *models.RawListing) error {
	var result *multierror.Error
	if raw.URL == "" {
		result = multierror.Append(result, fmt.Errorf("missing url"))
	}
	if raw.Title == "" {
		result = multierror.Append(result, fmt.Errorf("missing title"))
	}
	if raw.Price <= 0 {
		result = multierror.Append(result, fmt.Errorf("missing price"))
	}
	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("parse %s: %w", raw.URL, err)
	}
	return nil
}
