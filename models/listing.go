package models

import (
	"encoding/json"
	"time"
)

// Listing is the canonical persisted record of an external listing, keyed by Fingerprint.
type Listing struct {
	ID          string     `json:"id" db:"id"`
	Source      string     `json:"source" db:"source"`
	SourceID    *string    `json:"source_id" db:"source_id"`
	URL         string     `json:"url" db:"url"`
	Title       string     `json:"title" db:"title"`
	Description string     `json:"description" db:"description"`
	City        string     `json:"city" db:"city"`
	Price       int        `json:"price" db:"price"`
	Rooms       int        `json:"rooms" db:"rooms"`
	Surface     int        `json:"surface" db:"surface"` // square meters
	Photos      []string   `json:"photos" db:"photos"`
	PostedAt    *time.Time `json:"posted_at" db:"posted_at"`
	ScrapedAt   time.Time  `json:"scraped_at" db:"scraped_at"`
	Fingerprint string     `json:"fingerprint" db:"fingerprint"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
}

// PhotosJSON encodes Photos for storage in a JSON column.
func (l *Listing) PhotosJSON() []byte {
	if len(l.Photos) == 0 {
		return []byte("[]")
	}
	data, _ := json.Marshal(l.Photos)
	return data
}

// ListingSummary is a search-result entry. URL is always set and canonical.
type ListingSummary struct {
	URL      string `json:"url"`
	SourceID string `json:"source_id,omitempty"`
	Title    string `json:"title,omitempty"`
	Price    int    `json:"price,omitempty"`
	City     string `json:"city,omitempty"`
}

// RawListing is what the detail page yields before fingerprinting.
type RawListing struct {
	Source      string     `json:"source"`
	SourceID    string     `json:"source_id"`
	URL         string     `json:"url"`
	Title       string     `json:"title"`
	Description string     `json:"description"`
	City        string     `json:"city"`
	Price       int        `json:"price"`
	Rooms       int        `json:"rooms"`
	Surface     int        `json:"surface"`
	Photos      []string   `json:"photos"`
	PostedAt    *time.Time `json:"posted_at"`
}
