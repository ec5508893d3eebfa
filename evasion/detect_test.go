package evasion

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func loadFixture(t *testing.T, name string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join("testdata", name))
	if err != nil {
		t.Fatalf("failed to read fixture %s: %v", name, err)
	}
	return string(data)
}

func TestDetectSelectorFirst(t *testing.T) {
	det := DefaultDetector().Detect(loadFixture(t, "captcha_text.html"))
	assert.True(t, det.Blocked)
	assert.Equal(t, "selector:img[src*='captcha']", det.Signal)
	assert.True(t, det.ImageBased)
}

func TestDetectFrenchKeywords(t *testing.T) {
	det := DefaultDetector().Detect(loadFixture(t, "blocked_fr.html"))
	assert.True(t, det.Blocked)
	assert.Equal(t, "keyword:vous avez été bloqué", det.Signal)
	assert.Empty(t, det.Selector)
	assert.False(t, det.ImageBased)
}

func TestDetectIgnoresScriptText(t *testing.T) {
	det := DefaultDetector().Detect(loadFixture(t, "clean_listing.html"))
	assert.False(t, det.Blocked)
}

func TestDetectCustomLists(t *testing.T) {
	d := Detector{Selectors: []string{"#blocker"}, Keywords: []string{"slow down"}}
	assert.True(t, d.Detect(`<div id="blocker"></div>`).Blocked)
	assert.True(t, d.Detect(`<p>Please   SLOW
		down</p>`).Blocked)
	assert.False(t, d.Detect(`<p>verify you are human</p>`).Blocked)
}

func TestDetectNonImageElement(t *testing.T) {
	det := DefaultDetector().Detect(`<form id="challenge-form"><input type="text"></form>`)
	assert.True(t, det.Blocked)
	assert.Equal(t, "form#challenge-form", det.Selector)
	assert.False(t, det.ImageBased)
}

func TestDetectWeakSignalsSkipListingPages(t *testing.T) {
	listing := `<html><body>
		<h1 data-qa-id="adview_title">Studio meublé</h1>
		<div data-qa-id="adview_description_container">Digicode, accès refusé aux animaux. Access denied to the roof.</div>
		<div class="recaptcha-badge-placeholder"></div>
	</body></html>`
	assert.False(t, DefaultDetector().Detect(listing).Blocked)

	det := DefaultDetector().Detect(`<html><body><h1>Access denied</h1><p>Reference #18.2f</p></body></html>`)
	assert.True(t, det.Blocked)
	assert.Equal(t, "keyword:access denied", det.Signal)

	det = DefaultDetector().Detect(`<div class="captcha-box"><img src="/c.png"></div>`)
	assert.True(t, det.Blocked)
	assert.Equal(t, "selector:[class*='captcha']", det.Signal)
	assert.True(t, det.ImageBased)
}

func TestDetectWeakSignalsSkipLongPages(t *testing.T) {
	long := "<p>" + strings.Repeat("Appartement lumineux proche commerces. ", 80) + "Accès refusé le dimanche.</p>"
	assert.False(t, DefaultDetector().Detect(long).Blocked)

	d := DefaultDetector()
	d.ShortPage = 0
	assert.True(t, d.Detect(long).Blocked)
}

func TestDetectStrongSignalsOnListingPages(t *testing.T) {
	page := `<html><body>
		<a data-qa-id="aditem_container" href="/ad/1">T2</a>
		<div class="g-recaptcha"></div>
	</body></html>`
	det := DefaultDetector().Detect(page)
	assert.True(t, det.Blocked)
	assert.Equal(t, "div.g-recaptcha", det.Selector)
}
