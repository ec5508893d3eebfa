package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Selectors drives extraction from the target site. Every list is ordered by
// priority; the first one that yields something wins.
type Selectors struct {
	Summaries []SummaryStrategy `yaml:"summaries"`
	Next      []string          `yaml:"next"`
	// PageParam is the query parameter used when no next link is found.
	PageParam string          `yaml:"page_param"`
	Detail    DetailSelectors `yaml:"detail"`
}

// SummaryStrategy locates result cards on a search page. Field selectors are
// relative to the card and accept a "@attr" suffix to read an attribute.
type SummaryStrategy struct {
	Name  string `yaml:"name"`
	Item  string `yaml:"item"`
	Link  string `yaml:"link"`
	Title string `yaml:"title"`
	Price string `yaml:"price"`
	City  string `yaml:"city"`
	ID    string `yaml:"id"`
}

type DetailSelectors struct {
	Title       []string `yaml:"title"`
	Description []string `yaml:"description"`
	Price       []string `yaml:"price"`
	City        []string `yaml:"city"`
	Rooms       []string `yaml:"rooms"`
	Surface     []string `yaml:"surface"`
	Photos      []string `yaml:"photos"`
	PostedAt    []string `yaml:"posted_at"`
	// SourceIDPattern is a regexp whose first group extracts the id from the URL.
	SourceIDPattern string `yaml:"source_id_pattern"`
}

func DefaultSelectors() *Selectors {
	return &Selectors{
		Summaries: []SummaryStrategy{
			{
				Name:  "aditem",
				Item:  "a[data-qa-id='aditem_container']",
				Title: "[data-qa-id='aditem_title']",
				Price: "[data-qa-id='aditem_price']",
				City:  "[data-qa-id='aditem_location']",
			},
			{
				Name:  "test-id",
				Item:  "article[data-test-id='ad']",
				Link:  "a",
				Title: "[data-test-id='adcard-title']",
				Price: "[data-test-id='price']",
				City:  "[data-test-id='adcard-location']",
				ID:    "@data-id",
			},
			{
				Name:  "schema-offer",
				Item:  "li[itemtype*='Offer']",
				Link:  "a[itemprop='url']",
				Title: "[itemprop='name']",
				Price: "[itemprop='price']@content",
			},
			{
				Name: "href",
				Item: "a[href*='/ad/']",
			},
		},
		Next: []string{
			"a[data-spark-component='pagination-next-trigger']",
			"a[aria-label='Page suivante']",
			"a[aria-label='Next page']",
			"a[rel='next']",
		},
		PageParam: "page",
		Detail: DetailSelectors{
			Title:           []string{"h1[data-qa-id='adview_title']", "[data-test-id='ad-title']", "h1"},
			Description:     []string{"[data-qa-id='adview_description_container']", "[data-test-id='ad-description']", "[itemprop='description']"},
			Price:           []string{"[data-qa-id='adview_price']", "[data-test-id='price']", "meta[itemprop='price']@content"},
			City:            []string{"[data-qa-id='adview_location_informations'] a", "[data-test-id='ad-location']", "[itemprop='addressLocality']"},
			Rooms:           []string{"[data-qa-id='criteria_item_rooms'] [data-qa-id='criteria_value']", "[data-test-id='criteria-rooms']"},
			Surface:         []string{"[data-qa-id='criteria_item_square'] [data-qa-id='criteria_value']", "[data-test-id='criteria-surface']"},
			Photos:          []string{"[data-qa-id='slideshow_container'] img@src", "[data-test-id='gallery'] img@src", "meta[property='og:image']@content"},
			PostedAt:        []string{"[data-qa-id='adview_date']@datetime", "time@datetime", "[data-qa-id='adview_date']"},
			SourceIDPattern: `/(\d{6,})(?:\.htm)?/?$`,
		},
	}
}

// LoadSelectors reads path over the defaults. A missing file keeps the defaults;
// sections left empty in the file keep theirs.
func LoadSelectors(path string) (*Selectors, error) {
	sel := DefaultSelectors()
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sel, nil
		}
		return nil, err
	}

	var file Selectors
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	for i, s := range file.Summaries {
		if s.Item == "" {
			return nil, fmt.Errorf("parse %s: summary strategy %d has no item selector", path, i)
		}
	}
	if len(file.Summaries) > 0 {
		sel.Summaries = file.Summaries
	}
	if len(file.Next) > 0 {
		sel.Next = file.Next
	}
	if file.PageParam != "" {
		sel.PageParam = file.PageParam
	}
	mergeList(&sel.Detail.Title, file.Detail.Title)
	mergeList(&sel.Detail.Description, file.Detail.Description)
	mergeList(&sel.Detail.Price, file.Detail.Price)
	mergeList(&sel.Detail.City, file.Detail.City)
	mergeList(&sel.Detail.Rooms, file.Detail.Rooms)
	mergeList(&sel.Detail.Surface, file.Detail.Surface)
	mergeList(&sel.Detail.Photos, file.Detail.Photos)
	mergeList(&sel.Detail.PostedAt, file.Detail.PostedAt)
	if file.Detail.SourceIDPattern != "" {
		sel.Detail.SourceIDPattern = file.Detail.SourceIDPattern
	}
	return sel, nil
}

func mergeList(dst *[]string, src []string) {
	if len(src) > 0 {
		*dst = src
	}
}
