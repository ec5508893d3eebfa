package services

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"rental_ingest/identity"
	"rental_ingest/metrics"
	"rental_ingest/models"
	"rental_ingest/storage"
)

const DefaultFreshnessWindow = 24 * time.Hour

// Outcome counts what one Reconcile call did.
type Outcome struct {
	Created int `json:"created"`
	Updated int `json:"updated"`
	Skipped int `json:"skipped"`
}

// Counters converts the outcome into Run counter deltas.
func (o Outcome) Counters() models.RunCounters {
	return models.RunCounters{
		TotalUpserts:       o.Created + o.Updated,
		CreatedCount:       o.Created,
		UpdatedCount:       o.Updated,
		SkippedRecentCount: o.Skipped,
	}
}

// Reconciler upserts raw listings into the store keyed by fingerprint.
type Reconciler struct {
	store   storage.ListingStore
	window  time.Duration
	metrics *metrics.Recorder
	now     func() time.Time
	log     *logrus.Entry
}

type ReconcilerOption func(*Reconciler)

func WithClock(now func() time.Time) ReconcilerOption {
	return func(r *Reconciler) { r.now = now }
}

func WithMetrics(m *metrics.Recorder) ReconcilerOption {
	return func(r *Reconciler) { r.metrics = m }
}

// NewReconciler creates a Reconciler. A non-positive window uses DefaultFreshnessWindow.
func NewReconciler(store storage.ListingStore, window time.Duration, opts ...ReconcilerOption) *Reconciler {
	if window <= 0 {
		window = DefaultFreshnessWindow
	}
	r := &Reconciler{
		store:  store,
		window: window,
		now:    time.Now,
		log:    logrus.WithField("component", "reconcile"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// WithWindow returns a copy of r using a different freshness window.
func (r *Reconciler) WithWindow(window time.Duration) *Reconciler {
	cp := *r
	if window > 0 {
		cp.window = window
	}
	return &cp
}

// Reconcile creates unseen listings, refreshes those last scraped outside the
// freshness window and skips the rest. A fingerprint repeated within the batch
// is handled once and later copies count as skipped. Safe to call repeatedly
// with the same batch.
func (r *Reconciler) Reconcile(ctx context.Context, raws []models.RawListing) (Outcome, error) {
	var out Outcome
	now := r.now().UTC()
	seen := make(map[string]bool, len(raws))

	for i := range raws {
		raw := &raws[i]
		fingerprint := identity.Fingerprint(raw)
		if seen[fingerprint] {
			out.Skipped++
			continue
		}
		seen[fingerprint] = true

		existing, err := r.store.GetListingByFingerprint(ctx, fingerprint)
		if err != nil {
			r.record(out)
			return out, fmt.Errorf("get listing %s: %w", fingerprint, err)
		}

		if existing == nil {
			listing := newListing(raw, fingerprint, now)
			if err := r.store.CreateListing(ctx, listing); err != nil {
				r.record(out)
				return out, fmt.Errorf("create listing %s: %w", raw.URL, err)
			}
			out.Created++
			continue
		}

		if now.Sub(existing.ScrapedAt) <= r.window {
			out.Skipped++
			continue
		}

		applyRaw(existing, raw, now)
		if err := r.store.UpdateListing(ctx, existing); err != nil {
			r.record(out)
			return out, fmt.Errorf("update listing %s: %w", raw.URL, err)
		}
		out.Updated++
	}

	r.record(out)
	r.log.WithFields(logrus.Fields{
		"created": out.Created,
		"updated": out.Updated,
		"skipped": out.Skipped,
	}).Info("Reconciled batch")
	return out, nil
}

func (r *Reconciler) record(out Outcome) {
	r.metrics.Listings("created", out.Created)
	r.metrics.Listings("updated", out.Updated)
	r.metrics.Listings("skipped", out.Skipped)
}

func newListing(raw *models.RawListing, fingerprint string, now time.Time) *models.Listing {
	var sourceID *string
	if raw.SourceID != "" {
		id := raw.SourceID
		sourceID = &id
	}
	return &models.Listing{
		ID:          uuid.New().String(),
		Source:      raw.Source,
		SourceID:    sourceID,
		URL:         identity.CanonicalURL(raw.URL),
		Title:       raw.Title,
		Description: raw.Description,
		City:        raw.City,
		Price:       raw.Price,
		Rooms:       raw.Rooms,
		Surface:     raw.Surface,
		Photos:      raw.Photos,
		PostedAt:    raw.PostedAt,
		ScrapedAt:   now,
		Fingerprint: fingerprint,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

// applyRaw copies the fields that may change without changing the fingerprint.
func applyRaw(l *models.Listing, raw *models.RawListing, now time.Time) {
	l.URL = identity.CanonicalURL(raw.URL)
	if raw.Description != "" {
		l.Description = raw.Description
	}
	if len(raw.Photos) > 0 {
		l.Photos = raw.Photos
	}
	if raw.PostedAt != nil {
		l.PostedAt = raw.PostedAt
	}
	l.ScrapedAt = now
	l.UpdatedAt = now
}
