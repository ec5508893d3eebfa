package browser

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/playwright-community/playwright-go"
	"github.com/sirupsen/logrus"
)

// PlaywrightDriver launches a persistent Chromium context through playwright-go.
type PlaywrightDriver struct {
	log *logrus.Entry
}

func NewPlaywrightDriver() *PlaywrightDriver {
	return &PlaywrightDriver{log: logrus.WithField("component", "browser")}
}

func (d *PlaywrightDriver) Open(ctx context.Context, opts Options) (Session, error) {
	opts = opts.withDefaults()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	userDataDir := opts.UserDataDir
	if userDataDir == "" {
		cwd, _ := os.Getwd()
		userDataDir = filepath.Join(cwd, "browser_data")
	}

	bctx, err := pw.Chromium.LaunchPersistentContext(userDataDir, launchOptions(opts))
	if err != nil {
		pw.Stop()
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}

	s := &playwrightSession{pw: pw, bctx: bctx, opts: opts, log: d.log}

	if err := bctx.AddInitScript(playwright.Script{Content: playwright.String(stealthScript)}); err != nil {
		s.Close()
		return nil, fmt.Errorf("add init script: %w", err)
	}

	if c := opts.Cookie; c != nil && c.Name != "" && c.Value != "" {
		if err := bctx.AddCookies([]playwright.OptionalCookie{toPlaywrightCookie(*c)}); err != nil {
			s.Close()
			return nil, fmt.Errorf("inject cookie %s: %w", c.Name, err)
		}
		d.log.WithField("cookie", c.Name).Info("Injected anti-bot cookie")
	}

	return s, nil
}

func launchOptions(opts Options) playwright.BrowserTypeLaunchPersistentContextOptions {
	lo := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:  playwright.Bool(opts.Headless),
		Args:      append([]string(nil), launchArgs...),
		UserAgent: playwright.String(opts.UserAgent),
		Locale:    playwright.String("fr-FR"),
		Viewport:  &playwright.Size{Width: 1366, Height: 768},
	}
	if opts.ProxyURL != "" {
		lo.Proxy = &playwright.Proxy{Server: opts.ProxyURL}
	}
	return lo
}

func toPlaywrightCookie(c Cookie) playwright.OptionalCookie {
	path := c.Path
	if path == "" {
		path = "/"
	}
	return playwright.OptionalCookie{
		Name:   c.Name,
		Value:  c.Value,
		Domain: playwright.String(c.Domain),
		Path:   playwright.String(path),
	}
}

type playwrightSession struct {
	pw   *playwright.Playwright
	bctx playwright.BrowserContext
	opts Options
	log  *logrus.Entry

	mu     sync.Mutex
	pages  []*playwrightPage
	closed bool
}

func (s *playwrightSession) NewPage() (Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	page, err := s.bctx.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create page: %w", err)
	}
	return s.track(&playwrightPage{page: page, opts: s.opts}), nil
}

// track registers p until it is closed. Callers hold s.mu.
func (s *playwrightSession) track(p *playwrightPage) *playwrightPage {
	p.release = s.forget
	s.pages = append(s.pages, p)
	return p
}

func (s *playwrightSession) forget(p *playwrightPage) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, open := range s.pages {
		if open == p {
			s.pages = append(s.pages[:i], s.pages[i+1:]...)
			return
		}
	}
}

func (s *playwrightSession) Cookies() ([]Cookie, error) {
	cookies, err := s.bctx.Cookies()
	if err != nil {
		return nil, err
	}
	out := make([]Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, Cookie{Name: c.Name, Value: c.Value, Domain: c.Domain, Path: c.Path})
	}
	return out, nil
}

// Close tears down pages, the context and the driver process, reporting every failure.
func (s *playwrightSession) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	pages := s.pages
	s.pages = nil
	s.mu.Unlock()

	var result *multierror.Error
	for _, p := range pages {
		if err := p.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close page: %w", err))
		}
	}
	if s.bctx != nil {
		if err := s.bctx.Close(); err != nil {
			result = multierror.Append(result, fmt.Errorf("close context: %w", err))
		}
	}
	if s.pw != nil {
		if err := s.pw.Stop(); err != nil {
			result = multierror.Append(result, fmt.Errorf("stop playwright: %w", err))
		}
	}
	return result.ErrorOrNil()
}

type playwrightPage struct {
	page    playwright.Page
	opts    Options
	release func(*playwrightPage)

	closeOnce sync.Once
	closeErr  error
}

func (p *playwrightPage) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := p.page.Goto(url, playwright.PageGotoOptions{
		Timeout:   playwright.Float(float64(p.opts.NavTimeout.Milliseconds())),
		WaitUntil: playwright.WaitUntilStateDomcontentloaded,
	})
	if err != nil {
		if errors.Is(err, playwright.ErrTimeout) {
			return fmt.Errorf("%w: %s", ErrNavigationTimeout, url)
		}
		return fmt.Errorf("navigate %s: %w", url, err)
	}

	if p.opts.SettleDelay > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.opts.SettleDelay):
		}
	}
	if p.opts.Humanize {
		p.simulateHumanBehavior()
	}
	return nil
}

func (p *playwrightPage) simulateHumanBehavior() {
	mouse := p.page.Mouse()
	mouse.Move(float64(300+rand.Intn(400)), float64(200+rand.Intn(300)))
	p.page.WaitForTimeout(float64(200 + rand.Intn(300)))
	mouse.Move(float64(400+rand.Intn(300)), float64(300+rand.Intn(200)))
	p.page.WaitForTimeout(float64(200 + rand.Intn(300)))
	p.page.Evaluate(fmt.Sprintf(`window.scrollBy(0, %d)`, 100+rand.Intn(300)))
}

func (p *playwrightPage) HTML() (string, error) {
	return p.page.Content()
}

func (p *playwrightPage) URL() string {
	return p.page.URL()
}

func (p *playwrightPage) IsVisible(selector string) bool {
	visible, err := p.page.Locator(selector).First().IsVisible()
	return err == nil && visible
}

func (p *playwrightPage) Fill(selector, value string) error {
	return p.page.Locator(selector).First().Fill(value)
}

func (p *playwrightPage) Click(selector string) error {
	return p.page.Locator(selector).First().Click()
}

func (p *playwrightPage) Press(selector, key string) error {
	return p.page.Locator(selector).First().Press(key)
}

func (p *playwrightPage) Screenshot() ([]byte, error) {
	return p.page.Screenshot(playwright.PageScreenshotOptions{FullPage: playwright.Bool(true)})
}

func (p *playwrightPage) ScreenshotElement(selector string) ([]byte, error) {
	return p.page.Locator(selector).First().Screenshot()
}

func (p *playwrightPage) Close() error {
	p.closeOnce.Do(func() {
		p.closeErr = p.page.Close()
		if p.release != nil {
			p.release(p)
		}
	})
	return p.closeErr
}
