package scraper

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/sirupsen/logrus"
	"rental_ingest/browser"
	"rental_ingest/config"
	"rental_ingest/evasion"
	"rental_ingest/models"
)

// Checkpoint is the part of the evasion gate every navigation goes through.
type Checkpoint interface {
	WaitClear(ctx context.Context, rc evasion.RunContext) error
	Inspect(ctx context.Context, rc evasion.RunContext, page browser.Page) error
}

// maxReloads bounds how often a page is re-navigated after a challenge was
// cleared on another page.
const maxReloads = 2

// visit navigates page to target once no challenge is pending, then inspects
// the result. Navigation errors are returned unwrapped.
func visit(ctx context.Context, gate Checkpoint, rc evasion.RunContext, page browser.Page, target string) error {
	for attempt := 0; ; attempt++ {
		if err := gate.WaitClear(ctx, rc); err != nil {
			return err
		}
		if err := page.Navigate(ctx, target); err != nil {
			return err
		}
		err := gate.Inspect(ctx, rc, page)
		if errors.Is(err, evasion.ErrReload) && attempt < maxReloads {
			continue
		}
		return err
	}
}

// fatal reports errors that end the run no matter where they happen.
func fatal(ctx context.Context, err error) bool {
	return errors.Is(err, evasion.ErrCaptchaTimeout) ||
		errors.Is(err, evasion.ErrStopped) ||
		ctx.Err() != nil
}

func stopped(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return true
	default:
		return false
	}
}

// Collector walks search result pages and extracts listing summaries.
type Collector struct {
	selectors *config.Selectors
	gate      Checkpoint
	idPattern *regexp.Regexp
	log       *logrus.Entry

	// Progress, when set, is called after every search page.
	Progress func(page, added, total int)
}

func compileIDPattern(sel *config.Selectors) (*regexp.Regexp, error) {
	if sel.Detail.SourceIDPattern == "" {
		return nil, nil
	}
	re, err := regexp.Compile(sel.Detail.SourceIDPattern)
	if err != nil {
		return nil, fmt.Errorf("source id pattern: %w", err)
	}
	return re, nil
}

func NewCollector(sel *config.Selectors, gate Checkpoint) (*Collector, error) {
	if sel == nil {
		sel = config.DefaultSelectors()
	}
	re, err := compileIDPattern(sel)
	if err != nil {
		return nil, err
	}
	return &Collector{
		selectors: sel,
		gate:      gate,
		idPattern: re,
		log:       logrus.WithField("component", "collector"),
	}, nil
}

// Collect gathers up to maxResults summaries from at most maxPages search
// pages starting at searchURL. Failing to load the first page is an error;
// a later page that fails to load ends pagination with what was gathered.
// A zero maxResults means no limit.
func (c *Collector) Collect(ctx context.Context, rc evasion.RunContext, page browser.Page, searchURL string, maxPages, maxResults int) ([]models.ListingSummary, error) {
	if maxPages < 1 {
		maxPages = 1
	}
	var (
		summaries []models.ListingSummary
		seen      = make(map[string]bool)
		target    = searchURL
	)

	for pageNum := 1; pageNum <= maxPages; pageNum++ {
		if stopped(rc.Stop) {
			return summaries, evasion.ErrStopped
		}
		log := c.log.WithFields(logrus.Fields{"run_id": rc.RunID, "page": pageNum})

		if err := visit(ctx, c.gate, rc, page, target); err != nil {
			if fatal(ctx, err) {
				return summaries, err
			}
			if pageNum == 1 {
				return nil, fmt.Errorf("open search page %s: %w", target, err)
			}
			log.WithError(err).Warn("Search page failed, stopping pagination")
			return summaries, nil
		}

		html, err := page.HTML()
		if err != nil {
			if pageNum == 1 {
				return nil, fmt.Errorf("read search page: %w", err)
			}
			log.WithError(err).Warn("Search page unreadable, stopping pagination")
			return summaries, nil
		}
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
		if err != nil {
			return summaries, fmt.Errorf("parse search page: %w", err)
		}

		current := pageURL(page.URL(), target)
		found, strategy := extractSummaries(doc, current, c.selectors.Summaries, c.idPattern)
		added := 0
		for _, s := range found {
			if seen[s.URL] {
				continue
			}
			seen[s.URL] = true
			summaries = append(summaries, s)
			added++
			if maxResults > 0 && len(summaries) >= maxResults {
				break
			}
		}
		log.WithFields(logrus.Fields{
			"strategy": strategy,
			"found":    len(found),
			"added":    added,
			"total":    len(summaries),
		}).Info("Collected search page")
		if c.Progress != nil {
			c.Progress(pageNum, added, len(summaries))
		}

		if maxResults > 0 && len(summaries) >= maxResults {
			break
		}
		if added == 0 {
			break
		}
		next := c.nextPage(doc, current, pageNum)
		if next == "" {
			break
		}
		target = next
	}
	return summaries, nil
}

func pageURL(actual, requested string) *url.URL {
	for _, raw := range []string{actual, requested} {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			return u
		}
	}
	return &url.URL{}
}

// nextPage follows the first "next" link, falling back to incrementing the
// page query parameter.
func (c *Collector) nextPage(doc *goquery.Document, current *url.URL, pageNum int) string {
	here := current.String()
	for _, sel := range c.selectors.Next {
		href, ok := doc.Find(sel).First().Attr("href")
		if !ok {
			continue
		}
		if next := resolveURL(current, href); next != "" && next != here {
			return next
		}
	}
	if c.selectors.PageParam == "" || current.Host == "" {
		return ""
	}
	u := *current
	q := u.Query()
	q.Set(c.selectors.PageParam, strconv.Itoa(pageNum+1))
	u.RawQuery = q.Encode()
	return u.String()
}
