package report

import (
	"fmt"
	"strings"
	"time"
)

// Category is one of the four report families published upstream.
type Category string

const (
	Strategy Category = "strategy"
	Macro    Category = "macro"
	Industry Category = "industry"
	Stock    Category = "stock"
)

// Sequence is the order in which categories are synced.
var Sequence = []Category{Strategy, Macro, Industry, Stock}

// ParseCategory validates a category name.
func ParseCategory(s string) (Category, error) {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case Strategy, Macro, Industry, Stock:
		return c, nil
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// HasImpact reports whether impact levels are meaningful for the category.
func (c Category) HasImpact() bool {
	return c == Strategy || c == Macro
}

// Impact is a coarse classification derived from the upstream star rating.
type Impact string

const (
	ImpactHigh   Impact = "high"
	ImpactMedium Impact = "medium"
	ImpactLow    Impact = "low"
)

// ImpactFromStars maps a star value to an impact level.
func ImpactFromStars(stars float64) Impact {
	switch {
	case stars >= 4:
		return ImpactHigh
	case stars >= 2:
		return ImpactMedium
	default:
		return ImpactLow
	}
}

// DataSource tags every report ingested by this pipeline.
const DataSource = "EastMoney"

// UnknownOrg is stored when the upstream record names no organization.
const UnknownOrg = "未知机构"

// CivilZone is the fixed UTC+8 zone used for ingestion timestamps.
var CivilZone = time.FixedZone("UTC+8", 8*60*60)

// Report is the persisted research report.
type Report struct {
	ID            int64     `json:"id"`
	Title         string    `json:"title"`
	Category      Category  `json:"category"`
	Org           string    `json:"org"`
	Author        string    `json:"author"`
	Date          time.Time `json:"date"` // always UTC midnight
	Summary       string    `json:"summary"`
	PDFURL        *string   `json:"pdfUrl"`
	SourceURL     string    `json:"sourceUrl"`
	StockCode     *string   `json:"stockCode"`
	StockName     *string   `json:"stockName"`
	Industry      *string   `json:"industry"`
	Rating        *string   `json:"rating"`
	RatingChange  *string   `json:"ratingChange"`
	TargetPrice   *float64  `json:"targetPrice"`
	ChangePercent *float64  `json:"changePercent"`
	TopicTags     []string  `json:"topicTags"`
	ImpactLevel   *Impact   `json:"impactLevel"`
	DataSource    string    `json:"dataSource"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Key returns the report's natural key.
func (r *Report) Key() Key {
	return Key{Title: r.Title, Date: r.Date, Org: r.Org}
}

// Key is the (title, date, org) natural key used for deduplication.
type Key struct {
	Title string
	Date  time.Time
	Org   string
}

// String renders the key in a form suitable for map lookups.
func (k Key) String() string {
	return k.Title + "\x1f" + k.Date.UTC().Format(time.DateOnly) + "\x1f" + k.Org
}

// KeyedID pairs a stored report id with its natural key.
type KeyedID struct {
	ID  int64
	Key Key
}

// Enrichment is what the detail page adds to a list record.
type Enrichment struct {
	SourceURL string
	Summary   string
	PDFURL    *string
	TopicTags []string
	Impact    *Impact
	StockCode *string
	StockName *string
	Industry  *string
}

// RawRecord is an untyped record from the upstream list API.
type RawRecord map[string]any

// String returns the field as trimmed text, or "" when absent.
func (r RawRecord) String(key string) string {
	v, ok := r[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// First returns the first non-empty field among keys.
func (r RawRecord) First(keys ...string) string {
	for _, k := range keys {
		if s := r.String(k); s != "" {
			return s
		}
	}
	return ""
}

// Title is the record's trimmed title.
func (r RawRecord) Title() string {
	return r.String("title")
}
