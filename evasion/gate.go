package evasion

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
	"rental_ingest/browser"
	"rental_ingest/metrics"
	"rental_ingest/models"
	"rental_ingest/storage"
)

var (
	ErrCaptchaTimeout = errors.New("captcha not resolved before timeout")
	ErrStopped        = errors.New("run stopped")
	ErrNoChallenge    = errors.New("no challenge pending")
	// ErrReload means another page's challenge ended while this one was
	// blocked too; the caller should navigate again instead of opening a
	// second episode on stale content.
	ErrReload = errors.New("challenge ended elsewhere, reload page")
)

type State string

const (
	StateClean            State = "clean"
	StateDetected         State = "detected"
	StateAwaitingOperator State = "awaiting_operator"
	StateResolved         State = "resolved"
	StateAbandoned        State = "abandoned"
)

const DefaultTimeout = 15 * time.Minute

// Fields the operator's solution may be typed into, most specific first.
var DefaultInputSelectors = []string{
	"input[name*='captcha']",
	"input[id*='captcha']",
	"input[name*='Captcha']",
	"input[id*='Captcha']",
	"input[autocomplete='one-time-code']",
	"input[name*='code']",
	"input[name*='answer']",
	"form input[type='text']",
	"input[type='text']",
}

var DefaultSubmitSelectors = []string{
	"button[type='submit']",
	"input[type='submit']",
	"button:has-text('Verify')",
	"button:has-text('Vérifier')",
	"button:has-text('Valider')",
	"button:has-text('Submit')",
	"button:has-text('Continue')",
	"button:has-text('Continuer')",
}

// Checkbox-style challenges that can be clicked once without operator input.
var DefaultCheckboxSelectors = []string{
	"[id*='checkbox']",
	"input[type='checkbox']",
	"span[role='checkbox']",
	"div[role='button']",
}

type Config struct {
	Detector          Detector
	InputSelectors    []string
	SubmitSelectors   []string
	CheckboxSelectors []string
	AutoClickCheckbox bool
	Timeout           time.Duration
	// SubmitSettle is waited between submitting a solution and re-detecting.
	SubmitSettle time.Duration
}

func DefaultConfig() Config {
	return Config{
		Detector:          DefaultDetector(),
		InputSelectors:    DefaultInputSelectors,
		SubmitSelectors:   DefaultSubmitSelectors,
		CheckboxSelectors: DefaultCheckboxSelectors,
		Timeout:           DefaultTimeout,
		SubmitSettle:      2 * time.Second,
	}
}

// Notification is what the operator console polls.
type Notification struct {
	HasNotification bool            `json:"hasNotification"`
	CaptchaDetails  *CaptchaDetails `json:"captchaDetails,omitempty"`
}

type CaptchaDetails struct {
	CaptchaURL   string    `json:"captchaUrl"`
	CaptchaImage string    `json:"captchaImage,omitempty"` // base64 PNG
	EvidenceURL  string    `json:"evidenceUrl,omitempty"`
	Signal       string    `json:"signal"`
	RunID        string    `json:"runId"`
	DetectedAt   time.Time `json:"detectedAt"`
}

// Reporter is the slice of the run controller the gate talks to.
type Reporter interface {
	Advance(ctx context.Context, runID, step, message string, delta float64) error
	Record(ctx context.Context, runID string, level models.LogLevel, message string) error
}

type CookieSource interface {
	Cookies() ([]browser.Cookie, error)
}

// RunContext binds an inspection to the run that owns the page.
type RunContext struct {
	RunID   string
	Session CookieSource
	Stop    <-chan struct{}
	// Timeout overrides Config.Timeout when positive.
	Timeout time.Duration
	// CookieName is the anti-bot cookie harvested after a resolution.
	CookieName string
}

type Gate struct {
	cfg      Config
	settings storage.SettingsStore
	evidence storage.EvidenceSink
	reporter Reporter
	metrics  *metrics.Recorder
	log      *logrus.Entry
	now      func() time.Time

	mu           sync.Mutex
	state        State
	notification Notification
	pending      *episode
	idle         chan struct{}

	// abandonedRun ends every later navigation of that run with abandonErr.
	abandonedRun string
	abandonErr   error
}

type episode struct {
	runID     string
	solutions chan attempt
	done      chan struct{}
}

type attempt struct {
	solution string
	reply    chan bool
}

func NewGate(cfg Config, settings storage.SettingsStore, evidence storage.EvidenceSink, reporter Reporter, m *metrics.Recorder) *Gate {
	idle := make(chan struct{})
	close(idle)
	return &Gate{
		cfg:      cfg,
		settings: settings,
		evidence: evidence,
		reporter: reporter,
		metrics:  m,
		log:      logrus.WithField("component", "evasion"),
		now:      time.Now,
		state:    StateClean,
		idle:     idle,
	}
}

func (g *Gate) State() State {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.state
}

func (g *Gate) Notification() Notification {
	g.mu.Lock()
	defer g.mu.Unlock()
	n := g.notification
	if n.CaptchaDetails != nil {
		d := *n.CaptchaDetails
		n.CaptchaDetails = &d
	}
	return n
}

func (g *Gate) Detect(html string) Detection {
	return g.cfg.Detector.Detect(html)
}

// WaitClear blocks while any challenge is pending so no page navigates
// behind the operator's back. Once a challenge of rc's run was abandoned it
// returns that episode's error instead of letting the run navigate again.
func (g *Gate) WaitClear(ctx context.Context, rc RunContext) error {
	g.mu.Lock()
	idle := g.idle
	err := g.abandonedLocked(rc.RunID)
	g.mu.Unlock()
	if err != nil {
		return err
	}

	select {
	case <-idle:
		return g.abandoned(rc.RunID)
	case <-rc.Stop:
		return ErrStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *Gate) abandoned(runID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.abandonedLocked(runID)
}

func (g *Gate) abandonedLocked(runID string) error {
	if g.abandonErr != nil && g.abandonedRun == runID {
		return g.abandonErr
	}
	return nil
}

// Inspect checks the page just navigated to. A clean page returns nil at once.
// A blocked page suspends the caller until the operator clears it, the run is
// stopped, or the timeout passes.
func (g *Gate) Inspect(ctx context.Context, rc RunContext, page browser.Page) error {
	html, err := page.HTML()
	if err != nil {
		return fmt.Errorf("read page: %w", err)
	}
	det := g.Detect(html)
	if !det.Blocked {
		return nil
	}

	ep, err := g.claim(rc.RunID)
	if err != nil {
		return err
	}
	if ep == nil {
		if err := g.WaitClear(ctx, rc); err != nil {
			return err
		}
		return ErrReload
	}
	return g.handle(ctx, rc, page, det, ep)
}

// claim opens an episode for runID, or returns nil while another is pending.
// A run whose challenge was abandoned never opens another.
func (g *Gate) claim(runID string) (*episode, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.abandonedLocked(runID); err != nil {
		return nil, err
	}
	if g.pending != nil {
		return nil, nil
	}
	ep := &episode{
		runID:     runID,
		solutions: make(chan attempt),
		done:      make(chan struct{}),
	}
	g.pending = ep
	g.state = StateDetected
	g.idle = make(chan struct{})
	return ep, nil
}

func (g *Gate) handle(ctx context.Context, rc RunContext, page browser.Page, det Detection, ep *episode) error {
	log := g.log.WithFields(logrus.Fields{"run_id": rc.RunID, "signal": det.Signal})
	log.Warn("Bot challenge detected")
	g.metrics.Captcha("detected")

	if g.cfg.AutoClickCheckbox && g.tryCheckbox(ctx, page) {
		log.Info("Checkbox challenge cleared without operator")
		g.resolved(ctx, rc, ep)
		return nil
	}

	details := g.captureEvidence(ctx, rc.RunID, page, det)

	g.mu.Lock()
	g.state = StateAwaitingOperator
	g.notification = Notification{HasNotification: true, CaptchaDetails: details}
	g.mu.Unlock()

	g.report(ctx, rc.RunID, fmt.Sprintf("Paused: bot challenge detected (%s), awaiting operator", det.Signal))

	timeout := rc.Timeout
	if timeout <= 0 {
		timeout = g.cfg.Timeout
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			err := ctx.Err()
			g.abandon(ep, "cancelled", err)
			return err
		case <-rc.Stop:
			g.abandon(ep, "stopped", ErrStopped)
			return ErrStopped
		case <-timer.C:
			err := fmt.Errorf("%w after %s", ErrCaptchaTimeout, timeout)
			g.abandon(ep, "abandoned", err)
			log.WithField("timeout", timeout).Error("Challenge not resolved in time")
			return err
		case a := <-ep.solutions:
			ok := g.submit(ctx, page, a.solution)
			a.reply <- ok
			if ok {
				log.Info("Operator solution accepted")
				g.resolved(ctx, rc, ep)
				return nil
			}
			log.Warn("Operator solution rejected, page still blocked")
			g.metrics.Captcha("rejected")
			if g.reporter != nil {
				g.reporter.Record(ctx, rc.RunID, models.LogLevelWarn, "Operator solution rejected, still awaiting operator")
			}
		}
	}
}

// Resolve hands the operator's solution to the goroutine owning the blocked
// page and reports whether the page came back clean.
func (g *Gate) Resolve(ctx context.Context, solution string) (bool, error) {
	g.mu.Lock()
	ep := g.pending
	g.mu.Unlock()
	if ep == nil {
		return false, ErrNoChallenge
	}

	a := attempt{solution: solution, reply: make(chan bool, 1)}
	select {
	case ep.solutions <- a:
	case <-ep.done:
		return false, ErrNoChallenge
	case <-ctx.Done():
		return false, ctx.Err()
	}

	select {
	case ok := <-a.reply:
		return ok, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

func (g *Gate) submit(ctx context.Context, page browser.Page, solution string) bool {
	input := firstVisible(page, g.cfg.InputSelectors)
	if input == "" {
		g.log.Warn("No visible challenge input found")
		return false
	}
	if err := page.Fill(input, solution); err != nil {
		g.log.WithError(err).Warn("Could not fill challenge input")
		return false
	}

	if button := firstVisible(page, g.cfg.SubmitSelectors); button != "" {
		if err := page.Click(button); err != nil {
			g.log.WithError(err).Warn("Submit click failed")
		}
	} else if err := page.Press(input, "Enter"); err != nil {
		g.log.WithError(err).Warn("Submit via Enter failed")
	}

	g.settle(ctx)
	html, err := page.HTML()
	if err != nil {
		return false
	}
	return !g.Detect(html).Blocked
}

func (g *Gate) tryCheckbox(ctx context.Context, page browser.Page) bool {
	sel := firstVisible(page, g.cfg.CheckboxSelectors)
	if sel == "" {
		return false
	}
	if err := page.Click(sel); err != nil {
		return false
	}
	g.settle(ctx)
	html, err := page.HTML()
	return err == nil && !g.Detect(html).Blocked
}

func (g *Gate) settle(ctx context.Context) {
	if g.cfg.SubmitSettle <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(g.cfg.SubmitSettle):
	}
}

func (g *Gate) captureEvidence(ctx context.Context, runID string, page browser.Page, det Detection) *CaptchaDetails {
	details := &CaptchaDetails{
		CaptchaURL: page.URL(),
		Signal:     det.Signal,
		RunID:      runID,
		DetectedAt: g.now(),
	}

	var shot []byte
	var err error
	if det.ImageBased && det.Selector != "" {
		shot, err = page.ScreenshotElement(det.Selector)
	}
	if len(shot) == 0 {
		shot, err = page.Screenshot()
	}
	if err != nil || len(shot) == 0 {
		g.log.WithError(err).Warn("Could not capture challenge screenshot")
		return details
	}
	details.CaptchaImage = base64.StdEncoding.EncodeToString(shot)

	if g.evidence != nil {
		name := fmt.Sprintf("%s/captcha-%s.png", runID, details.DetectedAt.UTC().Format("20060102T150405"))
		loc, err := g.evidence.SaveEvidence(ctx, name, shot, "image/png")
		if err != nil {
			g.log.WithError(err).Warn("Could not store challenge evidence")
		} else {
			details.EvidenceURL = loc
		}
	}
	return details
}

func (g *Gate) resolved(ctx context.Context, rc RunContext, ep *episode) {
	g.refreshCookie(ctx, rc)
	g.finish(ep, StateResolved)
	g.metrics.Captcha("resolved")
	g.report(ctx, rc.RunID, "Challenge resolved, resuming")
}

func (g *Gate) refreshCookie(ctx context.Context, rc RunContext) {
	if rc.Session == nil || rc.CookieName == "" || g.settings == nil {
		return
	}
	cookies, err := rc.Session.Cookies()
	if err != nil {
		g.log.WithError(err).Warn("Could not read cookies after resolution")
		return
	}
	for _, c := range cookies {
		if c.Name != rc.CookieName || c.Value == "" {
			continue
		}
		if err := g.settings.SetSetting(ctx, models.SettingAntibotCookieValue, c.Value); err != nil {
			g.log.WithError(err).Warn("Could not persist refreshed anti-bot cookie")
			return
		}
		g.log.WithField("cookie", c.Name).Info("Stored refreshed anti-bot cookie")
		if g.reporter != nil {
			g.reporter.Record(ctx, rc.RunID, models.LogLevelInfo, "Refreshed anti-bot cookie "+c.Name)
		}
		return
	}
}

func (g *Gate) abandon(ep *episode, outcome string, cause error) {
	g.mu.Lock()
	g.abandonedRun = ep.runID
	g.abandonErr = cause
	g.mu.Unlock()
	g.finish(ep, StateAbandoned)
	g.metrics.Captcha(outcome)
}

func (g *Gate) finish(ep *episode, state State) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.state = state
	g.notification = Notification{}
	if g.pending == ep {
		g.pending = nil
	}
	close(ep.done)
	close(g.idle)
}

func (g *Gate) report(ctx context.Context, runID, message string) {
	if g.reporter == nil || runID == "" {
		return
	}
	if err := g.reporter.Advance(ctx, runID, "captcha", message, 0); err != nil {
		g.log.WithError(err).Warn("Could not update run")
	}
}

func firstVisible(page browser.Page, selectors []string) string {
	for _, sel := range selectors {
		if page.IsVisible(sel) {
			return sel
		}
	}
	return ""
}
