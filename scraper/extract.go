package scraper

import (
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"rental_ingest/config"
	"rental_ingest/identity"
	"rental_ingest/models"
)

var (
	attrSuffixRegex = regexp.MustCompile(`^(.*?)@([A-Za-z][\w-]*)$`)
	spaceRegex      = regexp.MustCompile(`\s+`)
)

// splitSelector separates "css@attr" into its parts. An empty css part means
// the attribute is read from the context element itself.
func splitSelector(sel string) (css, attr string) {
	sel = strings.TrimSpace(sel)
	if m := attrSuffixRegex.FindStringSubmatch(sel); m != nil && !strings.Contains(m[2], "]") {
		return strings.TrimSpace(m[1]), m[2]
	}
	return sel, ""
}

func fieldNodes(s *goquery.Selection, sel string) (*goquery.Selection, string) {
	css, attr := splitSelector(sel)
	if css == "" {
		return s, attr
	}
	return s.Find(css), attr
}

func nodeValue(s *goquery.Selection, attr string) string {
	if attr != "" {
		v, _ := s.Attr(attr)
		return strings.TrimSpace(v)
	}
	return cleanText(s.Text())
}

// field returns the value of the first node matched by sel inside s.
func field(s *goquery.Selection, sel string) string {
	if sel == "" {
		return ""
	}
	nodes, attr := fieldNodes(s, sel)
	return nodeValue(nodes.First(), attr)
}

// firstField tries each selector in order and returns the first non-empty value.
func firstField(s *goquery.Selection, sels []string) string {
	for _, sel := range sels {
		if v := field(s, sel); v != "" {
			return v
		}
	}
	return ""
}

// allFields returns every value of the first selector that matches anything.
func allFields(s *goquery.Selection, sels []string) []string {
	for _, sel := range sels {
		nodes, attr := fieldNodes(s, sel)
		var values []string
		nodes.Each(func(_ int, n *goquery.Selection) {
			if v := nodeValue(n, attr); v != "" {
				values = append(values, v)
			}
		})
		if len(values) > 0 {
			return values
		}
	}
	return nil
}

func cleanText(s string) string {
	return strings.TrimSpace(spaceRegex.ReplaceAllString(s, " "))
}

// resolveURL makes href absolute against base. Unresolvable input yields "".
func resolveURL(base *url.URL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}
	ref, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if base != nil {
		ref = base.ResolveReference(ref)
	}
	if ref.Host == "" || (ref.Scheme != "http" && ref.Scheme != "https") {
		return ""
	}
	return ref.String()
}

// extractSummaries applies the strategies in order; the first one that gives
// at least one summary with a usable URL wins.
func extractSummaries(doc *goquery.Document, base *url.URL, strategies []config.SummaryStrategy, idPattern *regexp.Regexp) ([]models.ListingSummary, string) {
	for _, st := range strategies {
		items := doc.Find(st.Item)
		if items.Length() == 0 {
			continue
		}
		var out []models.ListingSummary
		items.Each(func(_ int, card *goquery.Selection) {
			if s, ok := summaryFromCard(card, base, st, idPattern); ok {
				out = append(out, s)
			}
		})
		if len(out) > 0 {
			return out, st.Name
		}
	}
	return nil, ""
}

func summaryFromCard(card *goquery.Selection, base *url.URL, st config.SummaryStrategy, idPattern *regexp.Regexp) (models.ListingSummary, bool) {
	var href string
	if st.Link == "" {
		href, _ = card.Attr("href")
	} else {
		linkSel := st.Link
		if _, attr := splitSelector(linkSel); attr == "" {
			linkSel += "@href"
		}
		href = field(card, linkSel)
	}
	abs := resolveURL(base, href)
	if abs == "" {
		return models.ListingSummary{}, false
	}
	canonical := identity.CanonicalURL(abs)

	sourceID := field(card, st.ID)
	if sourceID == "" {
		sourceID = sourceIDFromURL(canonical, idPattern)
	}
	return models.ListingSummary{
		URL:      canonical,
		SourceID: sourceID,
		Title:    field(card, st.Title),
		Price:    parsePrice(field(card, st.Price)),
		City:     field(card, st.City),
	}, true
}

func sourceIDFromURL(u string, pattern *regexp.Regexp) string {
	if pattern == nil {
		return ""
	}
	m := pattern.FindStringSubmatch(u)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// parsePrice reads the leading amount of a price label such as "1 250 € CC",
// skipping thousands separators.
func parsePrice(s string) int {
	var result int
	started := false
	for _, c := range s {
		switch {
		case c >= '0' && c <= '9':
			result = result*10 + int(c-'0')
			started = true
		case started && (c == ' ' || c == '\u00a0' || c == '\u202f' || c == '.'):
		case started:
			return result
		}
	}
	return result
}

// parseIntString reads the first run of digits: "3 pièces" is 3, "45 m²" is 45.
func parseIntString(s string) int {
	var result int
	for _, c := range s {
		if c >= '0' && c <= '9' {
			result = result*10 + int(c-'0')
		} else if result > 0 {
			break
		}
	}
	return result
}

var postedLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02 15:04",
	"2006-01-02",
	"02/01/2006 15:04",
	"02/01/2006 à 15:04",
	"02/01/2006",
}

var paris = loadParis()

func loadParis() *time.Location {
	loc, err := time.LoadLocation("Europe/Paris")
	if err != nil {
		return time.UTC
	}
	return loc
}

// parsePostedAt accepts ISO timestamps and the French day-first forms shown
// on listing pages. Zone-less values are read as Paris time.
func parsePostedAt(s string) *time.Time {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	for _, layout := range postedLayouts {
		if t, err := time.ParseInLocation(layout, s, paris); err == nil {
			t = t.UTC()
			return &t
		}
	}
	return nil
}

// parseDetail builds a RawListing from a detail page. Fields the page does
// not show are taken from the search summary.
func parseDetail(doc *goquery.Document, base *url.URL, sel config.DetailSelectors, idPattern *regexp.Regexp, summary models.ListingSummary, source string) models.RawListing {
	root := doc.Selection

	raw := models.RawListing{
		Source:      source,
		SourceID:    summary.SourceID,
		URL:         summary.URL,
		Title:       firstField(root, sel.Title),
		Description: firstField(root, sel.Description),
		City:        firstField(root, sel.City),
		Price:       parsePrice(firstField(root, sel.Price)),
		Rooms:       parseIntString(firstField(root, sel.Rooms)),
		Surface:     parseIntString(firstField(root, sel.Surface)),
		PostedAt:    parsePostedAt(firstField(root, sel.PostedAt)),
	}
	if raw.Title == "" {
		raw.Title = summary.Title
	}
	if raw.City == "" {
		raw.City = summary.City
	}
	if raw.Price == 0 {
		raw.Price = summary.Price
	}
	if raw.SourceID == "" {
		raw.SourceID = sourceIDFromURL(summary.URL, idPattern)
	}

	seen := make(map[string]bool)
	for _, src := range allFields(root, sel.Photos) {
		abs := resolveURL(base, src)
		if abs == "" || seen[abs] {
			continue
		}
		seen[abs] = true
		raw.Photos = append(raw.Photos, abs)
	}
	return raw
}
