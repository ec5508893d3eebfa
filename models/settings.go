package models

// Settings keys read at run start. Only SettingAntibotCookieValue is written by the pipeline.
const (
	SettingSearchURL            = "search_url"
	SettingSource               = "source"
	SettingMaxPages             = "max_pages"
	SettingMaxResults           = "max_results"
	SettingMaxDetailFetches     = "max_detail_fetches"
	SettingDetailConcurrency    = "detail_concurrency"
	SettingDetailRPS            = "detail_rps"
	SettingDetailBatchSize      = "detail_batch_size"
	SettingFreshnessWindowHours = "freshness_window_hours"
	SettingCaptchaTimeoutMin    = "captcha_timeout_minutes"
	SettingSettleDelayMS        = "settle_delay_ms"
	SettingNavTimeoutMS         = "nav_timeout_ms"
	SettingUserAgent            = "user_agent"
	SettingAntibotCookieName    = "antibot_cookie_name"
	SettingAntibotCookieValue   = "antibot_cookie_value"
	SettingAntibotCookieDomain  = "antibot_cookie_domain"
	SettingVPNEnabled           = "vpn_enabled"
	SettingVPNRegion            = "vpn_region"
	SettingHeadless             = "headless"
)

type Settings map[string]string
