package identity

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"rental_ingest/models"
)

var (
	multiSpaceRegex = regexp.MustCompile(`\s+`)
	nonAlnumRegex   = regexp.MustCompile(`[^\p{L}\p{N}\s]`)
)

// Fingerprint hashes the normalized (source, sourceId, url, title, city, price, rooms, surface)
// tuple. Two scrapes of an unchanged listing always produce the same value.
func Fingerprint(listing *models.RawListing) string {
	input := fmt.Sprintf("%s|%s|%s|%s|%s|%d|%d|%d",
		NormalizeText(listing.Source),
		strings.TrimSpace(listing.SourceID),
		CanonicalURL(listing.URL),
		NormalizeText(listing.Title),
		NormalizeText(listing.City),
		listing.Price,
		listing.Rooms,
		listing.Surface,
	)
	hash := sha256.Sum256([]byte(input))
	return hex.EncodeToString(hash[:16])
}

// NormalizeText lowercases, drops punctuation and collapses whitespace.
func NormalizeText(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	s = nonAlnumRegex.ReplaceAllString(s, " ")
	s = multiSpaceRegex.ReplaceAllString(s, " ")
	return strings.TrimSpace(s)
}

// CanonicalURL strips query, fragment and trailing slash, and lowercases scheme and host.
// Unparseable input is returned trimmed.
func CanonicalURL(raw string) string {
	raw = strings.TrimSpace(raw)
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		return raw
	}
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	u.RawQuery = ""
	u.Fragment = ""
	u.User = nil
	u.Path = strings.TrimRight(u.Path, "/")
	u.RawPath = ""
	return u.String()
}
