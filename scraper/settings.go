package scraper

import (
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rental_ingest/browser"
	"rental_ingest/models"
	"rental_ingest/vpn"
)

const (
	defaultMaxPages          = 5
	defaultMaxResults        = 100
	defaultMaxDetailFetches  = 50
	defaultDetailConcurrency = 3
	defaultFreshnessHours    = 24
	defaultCaptchaMinutes    = 15
	defaultSettleDelayMS     = 2000
	defaultNavTimeoutMS      = 45000
	defaultCookieName        = "datadome"
)

// RunConfig is the per-run configuration read from the settings table. It is
// snapshotted into the Run record, so secret values are not serialized.
type RunConfig struct {
	SearchURL             string  `json:"search_url"`
	Source                string  `json:"source"`
	MaxPages              int     `json:"max_pages"`
	MaxResults            int     `json:"max_results"`
	MaxDetailFetches      int     `json:"max_detail_fetches"`
	DetailConcurrency     int     `json:"detail_concurrency"`
	DetailRPS             float64 `json:"detail_rps"`
	DetailBatchSize       int     `json:"detail_batch_size"`
	FreshnessWindowHours  int     `json:"freshness_window_hours"`
	CaptchaTimeoutMinutes int     `json:"captcha_timeout_minutes"`
	SettleDelayMS         int     `json:"settle_delay_ms"`
	NavTimeoutMS          int     `json:"nav_timeout_ms"`
	UserAgent             string  `json:"user_agent,omitempty"`
	Headless              bool    `json:"headless"`
	CookieName            string  `json:"antibot_cookie_name"`
	CookieValue           string  `json:"-"`
	CookieDomain          string  `json:"antibot_cookie_domain,omitempty"`
	HasCookie             bool    `json:"has_antibot_cookie"`

	VPN vpn.Config `json:"vpn"`
}

// ParseRunConfig reads settings over the defaults. Malformed numbers fall
// back to the default; a missing or invalid search URL is an error.
func ParseRunConfig(s models.Settings) (RunConfig, error) {
	cfg := RunConfig{
		SearchURL:             strings.TrimSpace(s[models.SettingSearchURL]),
		Source:                strings.TrimSpace(s[models.SettingSource]),
		MaxPages:              settingInt(s, models.SettingMaxPages, defaultMaxPages),
		MaxResults:            settingInt(s, models.SettingMaxResults, defaultMaxResults),
		MaxDetailFetches:      settingInt(s, models.SettingMaxDetailFetches, defaultMaxDetailFetches),
		DetailConcurrency:     settingInt(s, models.SettingDetailConcurrency, defaultDetailConcurrency),
		DetailRPS:             settingFloat(s, models.SettingDetailRPS, 0),
		DetailBatchSize:       settingInt(s, models.SettingDetailBatchSize, 0),
		FreshnessWindowHours:  settingInt(s, models.SettingFreshnessWindowHours, defaultFreshnessHours),
		CaptchaTimeoutMinutes: settingInt(s, models.SettingCaptchaTimeoutMin, defaultCaptchaMinutes),
		SettleDelayMS:         settingInt(s, models.SettingSettleDelayMS, defaultSettleDelayMS),
		NavTimeoutMS:          settingInt(s, models.SettingNavTimeoutMS, defaultNavTimeoutMS),
		UserAgent:             strings.TrimSpace(s[models.SettingUserAgent]),
		Headless:              settingBool(s, models.SettingHeadless, true),
		CookieName:            strings.TrimSpace(s[models.SettingAntibotCookieName]),
		CookieValue:           strings.TrimSpace(s[models.SettingAntibotCookieValue]),
		CookieDomain:          strings.TrimSpace(s[models.SettingAntibotCookieDomain]),
		VPN: vpn.Config{
			Enabled: settingBool(s, models.SettingVPNEnabled, false),
			Region:  strings.TrimSpace(s[models.SettingVPNRegion]),
		},
	}
	if cfg.CookieName == "" {
		cfg.CookieName = defaultCookieName
	}
	cfg.HasCookie = cfg.CookieValue != ""
	if cfg.DetailConcurrency < 1 {
		cfg.DetailConcurrency = 1
	}

	if cfg.SearchURL == "" {
		return cfg, fmt.Errorf("setting %s is required", models.SettingSearchURL)
	}
	u, err := url.Parse(cfg.SearchURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return cfg, fmt.Errorf("setting %s: %q is not an absolute http(s) URL", models.SettingSearchURL, cfg.SearchURL)
	}
	host := strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
	if cfg.Source == "" {
		cfg.Source = host
	}
	if cfg.CookieDomain == "" {
		cfg.CookieDomain = "." + host
	}
	return cfg, nil
}

func (c RunConfig) FreshnessWindow() time.Duration {
	return time.Duration(c.FreshnessWindowHours) * time.Hour
}

func (c RunConfig) CaptchaTimeout() time.Duration {
	return time.Duration(c.CaptchaTimeoutMinutes) * time.Minute
}

// BrowserOptions maps the run config onto a browser launch.
func (c RunConfig) BrowserOptions(base browser.Options) browser.Options {
	opts := base
	opts.Headless = c.Headless
	if c.UserAgent != "" {
		opts.UserAgent = c.UserAgent
	}
	if c.NavTimeoutMS > 0 {
		opts.NavTimeout = time.Duration(c.NavTimeoutMS) * time.Millisecond
	}
	opts.SettleDelay = time.Duration(c.SettleDelayMS) * time.Millisecond
	if c.HasCookie {
		opts.Cookie = &browser.Cookie{
			Name:   c.CookieName,
			Value:  c.CookieValue,
			Domain: c.CookieDomain,
			Path:   "/",
		}
	}
	return opts
}

func settingInt(s models.Settings, key string, fallback int) int {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}

func settingFloat(s models.Settings, key string, fallback float64) float64 {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return fallback
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 {
		return fallback
	}
	return f
}

func settingBool(s models.Settings, key string, fallback bool) bool {
	v := strings.TrimSpace(s[key])
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
