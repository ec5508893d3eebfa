package evasion

import (
	"context"
	"encoding/base64"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"rental_ingest/browser"
	"rental_ingest/browser/browsertest"
	"rental_ingest/models"
	"rental_ingest/storage"
)

const (
	captchaURL = "https://www.example.fr/ad/locations/42"
	cleanHTML  = `<html><body><h1>Chambre 12m²</h1></body></html>`
)

type reportLine struct {
	message string
	delta   float64
}

type fakeReporter struct {
	mu    sync.Mutex
	lines []reportLine
}

func (r *fakeReporter) Advance(ctx context.Context, runID, step, message string, delta float64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, reportLine{message, delta})
	return nil
}

func (r *fakeReporter) Record(ctx context.Context, runID string, level models.LogLevel, message string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lines = append(r.lines, reportLine{message, 0})
	return nil
}

func (r *fakeReporter) snapshot() []reportLine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]reportLine(nil), r.lines...)
}

type memorySink struct {
	mu    sync.Mutex
	names []string
}

func (s *memorySink) SaveEvidence(ctx context.Context, name string, data []byte, contentType string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.names = append(s.names, name)
	return "mem://" + name, nil
}

type gateFixture struct {
	gate     *Gate
	settings *storage.MemoryStore
	reporter *fakeReporter
	sink     *memorySink
	site     *browsertest.Site
	session  browser.Session
	page     browser.Page
}

func newGateFixture(t *testing.T, cfg Config) *gateFixture {
	t.Helper()
	f := &gateFixture{
		settings: storage.NewMemoryStore(),
		reporter: &fakeReporter{},
		sink:     &memorySink{},
		site:     browsertest.NewSite(),
	}
	f.gate = NewGate(cfg, f.settings, f.sink, f.reporter, nil)
	f.site.Set(captchaURL, loadFixture(t, "captcha_text.html"))
	f.site.OnSubmit(func(p *browsertest.Page, input string) string {
		if input != "K7P2Q" {
			return loadFixture(t, "captcha_text.html")
		}
		p.Session().SetCookie(browser.Cookie{Name: "datadome", Value: "fresh-token"})
		return cleanHTML
	})

	driver := browsertest.NewDriver(f.site)
	session, err := driver.Open(context.Background(), browser.Options{
		Cookie: &browser.Cookie{Name: "datadome", Value: "stale-token"},
	})
	require.NoError(t, err)
	f.session = session
	f.page, err = session.NewPage()
	require.NoError(t, err)
	require.NoError(t, f.page.Navigate(context.Background(), captchaURL))
	return f
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.SubmitSettle = 0
	cfg.Timeout = 5 * time.Second
	return cfg
}

func (f *gateFixture) runContext(stop <-chan struct{}) RunContext {
	return RunContext{RunID: "run-1", Session: f.session, Stop: stop, CookieName: "datadome"}
}

func (f *gateFixture) inspectAsync(rc RunContext) <-chan error {
	done := make(chan error, 1)
	go func() { done <- f.gate.Inspect(context.Background(), rc, f.page) }()
	return done
}

func waitAwaiting(t *testing.T, g *Gate) {
	t.Helper()
	require.Eventually(t, func() bool { return g.State() == StateAwaitingOperator }, 2*time.Second, 5*time.Millisecond)
}

func TestInspectCleanPageReturnsImmediately(t *testing.T) {
	f := newGateFixture(t, testConfig())
	page, _ := f.session.NewPage()
	f.site.Set("https://www.example.fr/ad/1", cleanHTML)
	require.NoError(t, page.Navigate(context.Background(), "https://www.example.fr/ad/1"))

	assert.NoError(t, f.gate.Inspect(context.Background(), f.runContext(nil), page))
	assert.Equal(t, StateClean, f.gate.State())
	assert.False(t, f.gate.Notification().HasNotification)
}

func TestPauseAndResume(t *testing.T) {
	f := newGateFixture(t, testConfig())
	done := f.inspectAsync(f.runContext(nil))
	waitAwaiting(t, f.gate)

	n := f.gate.Notification()
	require.True(t, n.HasNotification)
	require.NotNil(t, n.CaptchaDetails)
	assert.Equal(t, captchaURL, n.CaptchaDetails.CaptchaURL)
	img, err := base64.StdEncoding.DecodeString(n.CaptchaDetails.CaptchaImage)
	require.NoError(t, err)
	assert.Equal(t, "element:img[src*='captcha']", string(img))
	assert.Equal(t, "mem://"+f.sink.names[0], n.CaptchaDetails.EvidenceURL)

	// nobody else may navigate while the operator is looking
	cleared := make(chan error, 1)
	go func() { cleared <- f.gate.WaitClear(context.Background(), f.runContext(nil)) }()
	navigationsBefore := f.site.Navigations()
	select {
	case <-cleared:
		t.Fatal("WaitClear returned while a challenge is pending")
	case <-time.After(50 * time.Millisecond):
	}
	assert.Equal(t, navigationsBefore, f.site.Navigations())

	ok, err := f.gate.Resolve(context.Background(), "K7P2Q")
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, <-done)
	require.NoError(t, <-cleared)
	assert.Equal(t, StateResolved, f.gate.State())
	assert.False(t, f.gate.Notification().HasNotification)

	settings, _ := f.settings.GetSettings(context.Background())
	assert.Equal(t, "fresh-token", settings[models.SettingAntibotCookieValue])

	fp := f.page.(*browsertest.Page)
	assert.Equal(t, "K7P2Q", fp.Filled("input[name*='captcha']"))
	assert.Equal(t, []string{"button[type='submit']"}, fp.Clicks())

	for _, line := range f.reporter.snapshot() {
		assert.Zero(t, line.delta, "the gate never moves progress")
	}
}

func TestIncorrectSolutionKeepsWaiting(t *testing.T) {
	f := newGateFixture(t, testConfig())
	done := f.inspectAsync(f.runContext(nil))
	waitAwaiting(t, f.gate)

	ok, err := f.gate.Resolve(context.Background(), "WRONG")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, StateAwaitingOperator, f.gate.State())
	assert.True(t, f.gate.Notification().HasNotification)

	select {
	case err := <-done:
		t.Fatalf("Inspect returned after a rejected solution: %v", err)
	case <-time.After(30 * time.Millisecond):
	}

	settings, _ := f.settings.GetSettings(context.Background())
	assert.Empty(t, settings[models.SettingAntibotCookieValue])

	ok, err = f.gate.Resolve(context.Background(), "K7P2Q")
	require.NoError(t, err)
	assert.True(t, ok)
	require.NoError(t, <-done)
}

func TestTimeoutAbandons(t *testing.T) {
	cfg := testConfig()
	f := newGateFixture(t, cfg)
	rc := f.runContext(nil)
	rc.Timeout = 40 * time.Millisecond

	err := f.gate.Inspect(context.Background(), rc, f.page)
	assert.ErrorIs(t, err, ErrCaptchaTimeout)
	assert.Equal(t, StateAbandoned, f.gate.State())
	assert.False(t, f.gate.Notification().HasNotification)

	_, err = f.gate.Resolve(context.Background(), "late")
	assert.ErrorIs(t, err, ErrNoChallenge)

	// the abandoned run may not navigate again, other runs may
	assert.ErrorIs(t, f.gate.WaitClear(context.Background(), rc), ErrCaptchaTimeout)
	assert.NoError(t, f.gate.WaitClear(context.Background(), RunContext{RunID: "run-2"}))

	// a blocked page of the same run does not open a second episode
	err = f.gate.Inspect(context.Background(), rc, f.page)
	assert.ErrorIs(t, err, ErrCaptchaTimeout)
	assert.Len(t, f.sink.names, 1)
}

func TestTimeoutReleasesWaitersWithError(t *testing.T) {
	f := newGateFixture(t, testConfig())
	rc := f.runContext(nil)
	rc.Timeout = 60 * time.Millisecond
	done := f.inspectAsync(rc)
	waitAwaiting(t, f.gate)

	waiters := make(chan error, 3)
	for i := 0; i < 3; i++ {
		go func() { waiters <- f.gate.WaitClear(context.Background(), rc) }()
	}

	assert.ErrorIs(t, <-done, ErrCaptchaTimeout)
	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, <-waiters, ErrCaptchaTimeout)
	}
	assert.Len(t, f.sink.names, 1, "only one episode is opened")
}

func TestStopWhileAwaiting(t *testing.T) {
	f := newGateFixture(t, testConfig())
	stop := make(chan struct{})
	done := f.inspectAsync(f.runContext(stop))
	waitAwaiting(t, f.gate)

	close(stop)
	assert.ErrorIs(t, <-done, ErrStopped)
	assert.Equal(t, StateAbandoned, f.gate.State())
}

func TestResolveWithoutChallenge(t *testing.T) {
	f := newGateFixture(t, testConfig())
	ok, err := f.gate.Resolve(context.Background(), "anything")
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrNoChallenge)
}

func TestSecondBlockedPageReloadsAfterEpisode(t *testing.T) {
	f := newGateFixture(t, testConfig())
	done := f.inspectAsync(f.runContext(nil))
	waitAwaiting(t, f.gate)

	other, _ := f.session.NewPage()
	require.NoError(t, other.Navigate(context.Background(), captchaURL))
	second := make(chan error, 1)
	go func() { second <- f.gate.Inspect(context.Background(), f.runContext(nil), other) }()
	// let the second page reach the gate before the episode ends
	time.Sleep(50 * time.Millisecond)

	ok, err := f.gate.Resolve(context.Background(), "K7P2Q")
	require.NoError(t, err)
	require.True(t, ok)
	require.NoError(t, <-done)
	assert.ErrorIs(t, <-second, ErrReload)
	assert.Len(t, f.sink.names, 1, "only one episode is opened")
}

func TestAutoClickCheckbox(t *testing.T) {
	cfg := testConfig()
	cfg.AutoClickCheckbox = true
	f := newGateFixture(t, cfg)

	f.site.Set("https://www.example.fr/ad/7", loadFixture(t, "checkbox.html"))
	f.site.OnSubmit(func(p *browsertest.Page, input string) string { return cleanHTML })
	page, _ := f.session.NewPage()
	require.NoError(t, page.Navigate(context.Background(), "https://www.example.fr/ad/7"))

	require.NoError(t, f.gate.Inspect(context.Background(), f.runContext(nil), page))
	assert.Equal(t, StateResolved, f.gate.State())
	assert.Empty(t, f.sink.names, "no evidence when cleared automatically")
}
