package metrics

import (
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, r *Recorder) string {
	t.Helper()
	rec := httptest.NewRecorder()
	r.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	require.Equal(t, 200, rec.Code)
	return rec.Body.String()
}

func TestRecorderCounts(t *testing.T) {
	r := New()
	r.RunFinished("success", 2*time.Minute)
	r.RunFinished("error", time.Second)
	r.Listings("created", 8)
	r.Listings("skipped", 0)
	r.Captcha("detected")
	r.DetailFailed()
	r.RunProgress(0.5)

	body := scrape(t, r)
	assert.Contains(t, body, `ingest_runs_total{status="success"} 1`)
	assert.Contains(t, body, `ingest_runs_total{status="error"} 1`)
	assert.Contains(t, body, `ingest_listings_total{outcome="created"} 8`)
	assert.NotContains(t, body, `ingest_listings_total{outcome="skipped"}`)
	assert.Contains(t, body, `ingest_captcha_challenges_total{outcome="detected"} 1`)
	assert.Contains(t, body, `ingest_detail_failures_total 1`)
	assert.Contains(t, body, `ingest_run_progress 0.5`)
	assert.Contains(t, body, `ingest_run_duration_seconds_count 2`)
}

func TestNilRecorderIsSafe(t *testing.T) {
	var r *Recorder
	r.RunFinished("success", time.Second)
	r.Listings("created", 1)
	r.Captcha("resolved")
	r.DetailFailed()
	r.RunProgress(1)
	r.VPNRotation("ok")
	assert.Nil(t, r.Registry())
}
