package scraper

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_ingest/browser"
	"rental_ingest/browser/browsertest"
	"rental_ingest/config"
	"rental_ingest/evasion"
)

const searchURL = "https://www.leboncoin.fr/recherche?category=10&locations=Lyon"

// openGate never sees a challenge.
type openGate struct{}

func (openGate) WaitClear(ctx context.Context, rc evasion.RunContext) error {
	select {
	case <-rc.Stop:
		return evasion.ErrStopped
	default:
		return ctx.Err()
	}
}

func (openGate) Inspect(ctx context.Context, rc evasion.RunContext, page browser.Page) error {
	return nil
}

// searchPage renders aditem cards for ids, with a next link when next is set.
func searchPage(ids []int, next string) string {
	var b strings.Builder
	b.WriteString("<html><body><div>")
	for _, id := range ids {
		fmt.Fprintf(&b, `<a data-qa-id="aditem_container" href="/ad/locations/%d.htm">`+
			`<p data-qa-id="aditem_title">Appartement %d</p>`+
			`<span data-qa-id="aditem_price">%d €</span>`+
			`<p data-qa-id="aditem_location">Lyon</p></a>`, id, id, 500+id%1000)
	}
	b.WriteString("</div>")
	if next != "" {
		fmt.Fprintf(&b, `<a rel="next" href="%s">Suivant</a>`, next)
	}
	b.WriteString("</body></html>")
	return b.String()
}

func idRange(from, n int) []int {
	ids := make([]int, n)
	for i := range ids {
		ids[i] = from + i
	}
	return ids
}

func newTestPage(t *testing.T, site *browsertest.Site) browser.Page {
	t.Helper()
	session, err := browsertest.NewDriver(site).Open(context.Background(), browser.Options{})
	require.NoError(t, err)
	page, err := session.NewPage()
	require.NoError(t, err)
	return page
}

func newTestCollector(t *testing.T, sel *config.Selectors) *Collector {
	t.Helper()
	c, err := NewCollector(sel, openGate{})
	require.NoError(t, err)
	return c
}

func TestCollectFollowsNextLinks(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, loadFixture(t, "search_aditem.html"))
	site.Set(searchURL+"&page=2", searchPage(idRange(2801300000, 3), ""))
	site.Set(searchURL+"&page=3", searchPage(nil, ""))

	c := newTestCollector(t, nil)
	var pages []int
	c.Progress = func(page, added, total int) { pages = append(pages, page) }

	got, err := c.Collect(context.Background(), evasion.RunContext{RunID: "r1"}, newTestPage(t, site), searchURL, 5, 40)
	require.NoError(t, err)
	require.Len(t, got, 5, "duplicates across the first page are dropped")
	assert.Equal(t, "https://www.leboncoin.fr/ad/locations/2801234567.htm", got[0].URL)
	assert.Equal(t, "https://www.leboncoin.fr/ad/locations/2801300000.htm", got[2].URL)
	assert.Equal(t, []int{1, 2, 3}, pages)
}

func TestCollectStopsAtMaxResults(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, searchPage(idRange(2801000000, 10), "/recherche?page=2"))

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 5, 4)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, int64(1), site.Navigations())
}

func TestCollectStopsAtMaxPages(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, searchPage(idRange(2801000000, 2), searchURL+"&page=2"))
	site.Set(searchURL+"&page=2", searchPage(idRange(2802000000, 2), searchURL+"&page=3"))
	site.Set(searchURL+"&page=3", searchPage(idRange(2803000000, 2), ""))

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 2, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	assert.Equal(t, int64(2), site.Navigations())
}

func TestCollectFallsBackToPageParam(t *testing.T) {
	base := "https://www.leboncoin.fr/recherche?text=studio"
	site := browsertest.NewSite()
	site.Set(base, searchPage(idRange(2801000000, 2), ""))
	site.Set("https://www.leboncoin.fr/recherche?page=2&text=studio", searchPage(idRange(2802000000, 2), ""))

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), base, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 4)
	// page 3 is not served: pagination ends quietly with what was gathered
	assert.Equal(t, int64(3), site.Navigations())
}

func TestCollectWithoutPageParamStops(t *testing.T) {
	sel := config.DefaultSelectors()
	sel.PageParam = ""
	site := browsertest.NewSite()
	site.Set(searchURL, searchPage(idRange(2801000000, 2), ""))

	got, err := newTestCollector(t, sel).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.Equal(t, int64(1), site.Navigations())
}

func TestCollectFirstPageFailureIsFatal(t *testing.T) {
	site := browsertest.NewSite()

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 5, 0)
	require.Error(t, err)
	assert.ErrorIs(t, err, browser.ErrNavigationTimeout)
	assert.Nil(t, got)
}

func TestCollectLaterPageFailureKeepsResults(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, searchPage(idRange(2801000000, 3), searchURL+"&page=2"))
	site.Fail(searchURL+"&page=2", errors.New("net::ERR_CONNECTION_RESET"))

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 5, 0)
	require.NoError(t, err)
	assert.Len(t, got, 3)
}

func TestCollectHonorsStop(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, searchPage(idRange(2801000000, 3), ""))
	stop := make(chan struct{})
	close(stop)

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{Stop: stop}, newTestPage(t, site), searchURL, 5, 0)
	assert.ErrorIs(t, err, evasion.ErrStopped)
	assert.Empty(t, got)
	assert.Zero(t, site.Navigations())
}

func TestCollectEmptySearch(t *testing.T) {
	site := browsertest.NewSite()
	site.Set(searchURL, "<html><body><p>Aucune annonce ne correspond</p></body></html>")

	got, err := newTestCollector(t, nil).Collect(context.Background(), evasion.RunContext{}, newTestPage(t, site), searchURL, 5, 0)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestNewCollectorRejectsBadPattern(t *testing.T) {
	sel := config.DefaultSelectors()
	sel.Detail.SourceIDPattern = "(["
	_, err := NewCollector(sel, openGate{})
	assert.Error(t, err)
}
