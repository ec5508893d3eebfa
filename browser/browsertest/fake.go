// Package browsertest provides an in-memory browser for tests. Pages are
// served from a URL to HTML map and visibility is answered with goquery.
package browsertest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/PuerkitoBio/goquery"
	"rental_ingest/browser"
)

// Site is the fake web. Handlers may be swapped while pages are open.
type Site struct {
	mu       sync.Mutex
	pages    map[string]string
	failures map[string]error
	onSubmit func(page *Page, input string) string

	// NavDelay is slept inside Navigate so concurrency can be observed.
	NavDelay time.Duration

	navigations atomic.Int64
	inFlight    atomic.Int64
	maxInFlight atomic.Int64
}

func NewSite() *Site {
	return &Site{
		pages:    make(map[string]string),
		failures: make(map[string]error),
	}
}

func (s *Site) Set(url, html string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pages[url] = html
}

// Fail makes navigation to url return err.
func (s *Site) Fail(url string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[url] = err
}

// OnSubmit is called when a challenge form is submitted with the value last
// filled in. The returned HTML replaces the page content.
func (s *Site) OnSubmit(fn func(page *Page, input string) string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.onSubmit = fn
}

func (s *Site) Navigations() int64 { return s.navigations.Load() }

// MaxInFlight is the highest number of concurrent Navigate calls observed.
func (s *Site) MaxInFlight() int64 { return s.maxInFlight.Load() }

func (s *Site) lookup(url string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err, ok := s.failures[url]; ok {
		return "", err
	}
	html, ok := s.pages[url]
	if !ok {
		return "", fmt.Errorf("%w: %s", browser.ErrNavigationTimeout, url)
	}
	return html, nil
}

// Driver opens Sessions against a Site.
type Driver struct {
	Site *Site

	mu       sync.Mutex
	opened   []browser.Options
	sessions []*Session
	OpenErr  error
}

func NewDriver(site *Site) *Driver {
	return &Driver{Site: site}
}

func (d *Driver) Open(ctx context.Context, opts browser.Options) (browser.Session, error) {
	if d.OpenErr != nil {
		return nil, d.OpenErr
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	s := &Session{site: d.Site}
	if opts.Cookie != nil {
		s.cookies = append(s.cookies, *opts.Cookie)
	}
	d.opened = append(d.opened, opts)
	d.sessions = append(d.sessions, s)
	return s, nil
}

// Opened returns the options of every Open call.
func (d *Driver) Opened() []browser.Options {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]browser.Options(nil), d.opened...)
}

// AllClosed reports whether every opened session was closed.
func (d *Driver) AllClosed() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, s := range d.sessions {
		if !s.Closed() {
			return false
		}
	}
	return true
}

type Session struct {
	site *Site

	mu      sync.Mutex
	cookies []browser.Cookie
	closed  bool
}

func (s *Session) NewPage() (browser.Page, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, errors.New("session closed")
	}
	return &Page{site: s.site, session: s}, nil
}

func (s *Session) SetCookie(c browser.Cookie) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.cookies {
		if s.cookies[i].Name == c.Name {
			s.cookies[i] = c
			return
		}
	}
	s.cookies = append(s.cookies, c)
}

func (s *Session) Cookies() ([]browser.Cookie, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]browser.Cookie(nil), s.cookies...), nil
}

func (s *Session) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Session) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type Page struct {
	site    *Site
	session *Session

	mu       sync.Mutex
	url      string
	html     string
	filled   map[string]string
	lastFill string
	clicks   []string
}

func (p *Page) Navigate(ctx context.Context, url string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	p.site.navigations.Add(1)
	n := p.site.inFlight.Add(1)
	defer p.site.inFlight.Add(-1)
	for {
		cur := p.site.maxInFlight.Load()
		if n <= cur || p.site.maxInFlight.CompareAndSwap(cur, n) {
			break
		}
	}
	if p.site.NavDelay > 0 {
		time.Sleep(p.site.NavDelay)
	}

	html, err := p.site.lookup(url)
	if err != nil {
		return err
	}
	p.mu.Lock()
	p.url = url
	p.html = html
	p.mu.Unlock()
	return nil
}

func (p *Page) HTML() (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.html, nil
}

// SetHTML replaces the current DOM without navigating.
func (p *Page) SetHTML(html string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.html = html
}

func (p *Page) Session() *Session { return p.session }

func (p *Page) URL() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.url
}

func (p *Page) doc() *goquery.Document {
	p.mu.Lock()
	html := p.html
	p.mu.Unlock()
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}
	return doc
}

// IsVisible treats any matching element without a hidden attribute or
// display:none style as visible.
func (p *Page) IsVisible(selector string) bool {
	doc := p.doc()
	if doc == nil {
		return false
	}
	// selectors goquery cannot parse (playwright's :has-text) match nothing
	visible := false
	doc.Find(selector).EachWithBreak(func(_ int, s *goquery.Selection) bool {
		if _, hidden := s.Attr("hidden"); hidden {
			return true
		}
		if style, _ := s.Attr("style"); strings.Contains(strings.ReplaceAll(style, " ", ""), "display:none") {
			return true
		}
		visible = true
		return false
	})
	return visible
}

func (p *Page) Fill(selector, value string) error {
	if !p.IsVisible(selector) {
		return fmt.Errorf("no visible element for %s", selector)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.filled == nil {
		p.filled = make(map[string]string)
	}
	p.filled[selector] = value
	p.lastFill = value
	return nil
}

func (p *Page) Click(selector string) error {
	if !p.IsVisible(selector) {
		return fmt.Errorf("no visible element for %s", selector)
	}
	p.mu.Lock()
	p.clicks = append(p.clicks, selector)
	p.mu.Unlock()
	p.submit()
	return nil
}

func (p *Page) Press(selector, key string) error {
	if !p.IsVisible(selector) {
		return fmt.Errorf("no visible element for %s", selector)
	}
	if key == "Enter" {
		p.submit()
	}
	return nil
}

func (p *Page) submit() {
	p.site.mu.Lock()
	fn := p.site.onSubmit
	p.site.mu.Unlock()
	if fn == nil {
		return
	}
	p.mu.Lock()
	input := p.lastFill
	p.mu.Unlock()
	html := fn(p, input)
	p.SetHTML(html)
}

// Filled returns the value last filled into selector.
func (p *Page) Filled(selector string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.filled[selector]
}

func (p *Page) Clicks() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.clicks...)
}

func (p *Page) Screenshot() ([]byte, error) {
	return []byte("full:" + p.URL()), nil
}

func (p *Page) ScreenshotElement(selector string) ([]byte, error) {
	if !p.IsVisible(selector) {
		return nil, fmt.Errorf("no visible element for %s", selector)
	}
	return []byte("element:" + selector), nil
}

func (p *Page) Close() error { return nil }
