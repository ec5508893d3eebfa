package browser

import (
	"testing"
	"time"

	"github.com/playwright-community/playwright-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOptionsDefaults(t *testing.T) {
	o := Options{SettleDelay: -time.Second}.withDefaults()
	assert.Equal(t, DefaultUserAgent, o.UserAgent)
	assert.Equal(t, DefaultNavTimeout, o.NavTimeout)
	assert.Equal(t, time.Duration(0), o.SettleDelay)

	o = Options{UserAgent: "custom", NavTimeout: time.Second}.withDefaults()
	assert.Equal(t, "custom", o.UserAgent)
	assert.Equal(t, time.Second, o.NavTimeout)
}

func TestLaunchOptionsCarryCountermeasures(t *testing.T) {
	lo := launchOptions(Options{Headless: true, UserAgent: "ua", ProxyURL: "http://proxy:3128"})

	require.NotNil(t, lo.Headless)
	assert.True(t, *lo.Headless)
	assert.Contains(t, lo.Args, "--disable-blink-features=AutomationControlled")
	require.NotNil(t, lo.UserAgent)
	assert.Equal(t, "ua", *lo.UserAgent)
	require.NotNil(t, lo.Proxy)
	assert.Equal(t, "http://proxy:3128", lo.Proxy.Server)

	lo = launchOptions(Options{})
	assert.Nil(t, lo.Proxy)
}

func TestLaunchArgsNotShared(t *testing.T) {
	lo := launchOptions(Options{})
	lo.Args[0] = "mutated"
	assert.Equal(t, "--disable-blink-features=AutomationControlled", launchArgs[0])
}

func TestToPlaywrightCookie(t *testing.T) {
	c := toPlaywrightCookie(Cookie{Name: "datadome", Value: "abc", Domain: ".example.fr"})
	assert.Equal(t, "datadome", c.Name)
	assert.Equal(t, "abc", c.Value)
	require.NotNil(t, c.Domain)
	assert.Equal(t, ".example.fr", *c.Domain)
	require.NotNil(t, c.Path)
	assert.Equal(t, "/", *c.Path)
}

func TestStealthScriptHidesWebdriver(t *testing.T) {
	assert.Contains(t, stealthScript, "navigator, 'webdriver'")
	assert.Contains(t, stealthScript, "navigator, 'plugins'")
	assert.Contains(t, stealthScript, "navigator, 'languages'")
}

type countingPage struct {
	playwright.Page
	closes int
}

func (p *countingPage) Close(options ...playwright.PageCloseOptions) error {
	p.closes++
	return nil
}

func TestClosedPagesLeaveTheSession(t *testing.T) {
	s := &playwrightSession{}
	first, second := &countingPage{}, &countingPage{}
	s.mu.Lock()
	a := s.track(&playwrightPage{page: first})
	b := s.track(&playwrightPage{page: second})
	s.mu.Unlock()

	require.NoError(t, a.Close())
	require.NoError(t, a.Close())
	assert.Equal(t, 1, first.closes)
	assert.Equal(t, []*playwrightPage{b}, s.pages)

	require.NoError(t, s.Close())
	assert.Equal(t, 1, second.closes)
	assert.Empty(t, s.pages)
	require.NoError(t, b.Close())
	assert.Equal(t, 1, second.closes)
}
