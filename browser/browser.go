package browser

import (
	"context"
	"errors"
	"time"
)

// ErrNavigationTimeout is returned by Navigate when the page did not reach
// domcontentloaded in time. Callers decide whether that is fatal.
var ErrNavigationTimeout = errors.New("navigation timeout")

const (
	DefaultNavTimeout  = 45 * time.Second
	DefaultSettleDelay = 2 * time.Second
	DefaultUserAgent   = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

type Cookie struct {
	Name   string
	Value  string
	Domain string
	Path   string
}

type Options struct {
	Headless    bool
	UserAgent   string
	UserDataDir string
	ProxyURL    string
	NavTimeout  time.Duration
	SettleDelay time.Duration
	Humanize    bool
	Cookie      *Cookie
}

func (o Options) withDefaults() Options {
	if o.UserAgent == "" {
		o.UserAgent = DefaultUserAgent
	}
	if o.NavTimeout <= 0 {
		o.NavTimeout = DefaultNavTimeout
	}
	if o.SettleDelay < 0 {
		o.SettleDelay = 0
	}
	return o
}

type Driver interface {
	Open(ctx context.Context, opts Options) (Session, error)
}

// Session is one browser context. Close releases every page opened from it.
type Session interface {
	NewPage() (Page, error)
	Cookies() ([]Cookie, error)
	Close() error
}

// Page is a single tab. Methods other than Navigate act on the current DOM.
type Page interface {
	Navigate(ctx context.Context, url string) error
	HTML() (string, error)
	URL() string
	IsVisible(selector string) bool
	Fill(selector, value string) error
	Click(selector string) error
	Press(selector, key string) error
	Screenshot() ([]byte, error)
	ScreenshotElement(selector string) ([]byte, error)
	Close() error
}
