package evasion

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Challenge markers checked in order before any text heuristics.
var DefaultSelectors = []string{
	"iframe[src*='captcha']",
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='challenges.cloudflare.com']",
	"iframe#main-iframe",
	"div.g-recaptcha",
	"div.h-captcha",
	"#px-captcha",
	"#captcha",
	"img[src*='captcha']",
	"form#challenge-form",
}

// Loose markers that also show up in ordinary markup. They only count on
// short pages without listing content.
var DefaultWeakSelectors = []string{
	"[id*='captcha']",
	"[class*='captcha']",
}

// Blocking phrases, matched against lowercased visible text.
var DefaultKeywords = []string{
	"verify you are human",
	"verify you are a human",
	"are you a robot",
	"unusual traffic",
	"request unsuccessful. incapsula",
	"incapsula incident id",
	"this request was blocked",
	"vérifiez que vous êtes humain",
	"vérifiez que vous n'êtes pas un robot",
	"êtes-vous un robot",
	"vous avez été bloqué",
	"trafic inhabituel",
}

// Phrases a listing description can contain. Same rule as DefaultWeakSelectors.
var DefaultWeakKeywords = []string{
	"access denied",
	"accès refusé",
}

// DefaultContentMarkers identify search result and ad pages.
var DefaultContentMarkers = []string{
	"[data-qa-id^='aditem']",
	"[data-qa-id^='adview']",
	"[data-test-id^='ad']",
	"[itemtype*='schema.org/Product']",
}

// DefaultShortPage is the visible text length, in bytes, above which weak
// signals are ignored.
const DefaultShortPage = 2000

type Detection struct {
	Blocked bool
	// Signal names what triggered: "selector:<sel>" or "keyword:<phrase>".
	Signal string
	// Selector is the matched challenge element, empty for keyword hits.
	Selector string
	// ImageBased is set when the challenge element is or contains an image.
	ImageBased bool
}

type Detector struct {
	Selectors     []string
	WeakSelectors []string
	Keywords      []string
	WeakKeywords  []string
	// ContentMarkers disable the weak lists when any of them matches.
	ContentMarkers []string
	// ShortPage disables the weak lists on longer pages. Zero means no limit.
	ShortPage int
}

func DefaultDetector() Detector {
	return Detector{
		Selectors:      DefaultSelectors,
		WeakSelectors:  DefaultWeakSelectors,
		Keywords:       DefaultKeywords,
		WeakKeywords:   DefaultWeakKeywords,
		ContentMarkers: DefaultContentMarkers,
		ShortPage:      DefaultShortPage,
	}
}

var spaceRe = regexp.MustCompile(`\s+`)

func (d Detector) Detect(html string) Detection {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return Detection{}
	}

	if det, ok := matchSelectors(doc, d.Selectors); ok {
		return det
	}

	body := doc.Find("body")
	if body.Length() == 0 {
		body = doc.Selection
	}
	body.Find("script, style, noscript, template").Remove()
	text := strings.ToLower(strings.TrimSpace(spaceRe.ReplaceAllString(body.Text(), " ")))
	text = strings.ReplaceAll(text, "’", "'")

	weak := d.weakApplies(doc, text)
	if weak {
		if det, ok := matchSelectors(doc, d.WeakSelectors); ok {
			return det
		}
	}
	if det, ok := matchKeywords(text, d.Keywords); ok {
		return det
	}
	if weak {
		if det, ok := matchKeywords(text, d.WeakKeywords); ok {
			return det
		}
	}
	return Detection{}
}

func (d Detector) weakApplies(doc *goquery.Document, text string) bool {
	if d.ShortPage > 0 && len(text) > d.ShortPage {
		return false
	}
	for _, sel := range d.ContentMarkers {
		if doc.Find(sel).Length() > 0 {
			return false
		}
	}
	return true
}

func matchSelectors(doc *goquery.Document, selectors []string) (Detection, bool) {
	for _, sel := range selectors {
		s := doc.Find(sel).First()
		if s.Length() == 0 {
			continue
		}
		return Detection{
			Blocked:    true,
			Signal:     "selector:" + sel,
			Selector:   sel,
			ImageBased: isImageChallenge(s),
		}, true
	}
	return Detection{}, false
}

func matchKeywords(text string, keywords []string) (Detection, bool) {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return Detection{Blocked: true, Signal: "keyword:" + kw}, true
		}
	}
	return Detection{}, false
}

func isImageChallenge(s *goquery.Selection) bool {
	switch goquery.NodeName(s) {
	case "img", "canvas", "iframe":
		return true
	}
	return s.Find("img, canvas").Length() > 0
}
