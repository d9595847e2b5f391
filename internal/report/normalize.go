package report

import (
	"encoding/json"
	"errors"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/araddon/dateparse"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/research-reports/internal/logger"
)

// ErrEmptyTitle rejects records that cannot be keyed.
var ErrEmptyTitle = errors.New("record has no title")

var (
	datePrefix = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)
	nameSep    = regexp.MustCompile(`[,，、\s]+`)
)

// MaxTopicTags caps the number of tags kept per report.
const MaxTopicTags = 10

// ParseDate maps an upstream date string to midnight UTC of the calendar day
// it names. ok is false when the value was unusable and now's UTC+8 calendar
// day was substituted.
func ParseDate(raw string, now time.Time) (d time.Time, ok bool) {
	raw = strings.TrimSpace(raw)

	if prefix := datePrefix.FindString(raw); prefix != "" {
		// time.Parse rejects days the month does not have.
		if t, err := time.Parse(time.DateOnly, prefix); err == nil {
			return t, true
		}
	} else if raw != "" {
		if t, err := dateparse.ParseIn(raw, CivilZone); err == nil {
			y, mo, day := t.Date()
			return time.Date(y, mo, day, 0, 0, 0, 0, time.UTC), true
		}
	}

	y, mo, day := now.In(CivilZone).Date()
	return time.Date(y, mo, day, 0, 0, 0, 0, time.UTC), false
}

// KeyOf derives the natural key of a raw list record. It agrees with the key
// of the report Normalize produces for the same record and now.
func KeyOf(raw RawRecord, now time.Time) (Key, error) {
	title := raw.Title()
	if title == "" {
		return Key{}, ErrEmptyTitle
	}
	date, _ := ParseDate(raw.String("publishDate"), now)
	return Key{Title: title, Date: date, Org: orgOf(raw)}, nil
}

func orgOf(raw RawRecord) string {
	if org := raw.First("orgSName", "orgName"); org != "" {
		return org
	}
	return UnknownOrg
}

// Normalize turns a raw list record and its enrichment into a Report ready to
// persist.
func Normalize(category Category, raw RawRecord, enr Enrichment, now time.Time) (*Report, error) {
	title := raw.Title()
	if title == "" {
		return nil, ErrEmptyTitle
	}

	date, ok := ParseDate(raw.String("publishDate"), now)
	if !ok {
		logger.Log.WithFields(logrus.Fields{
			"category":    category,
			"title":       title,
			"publishDate": raw["publishDate"],
		}).Warn("unusable publish date, using today")
	}

	r := &Report{
		Title:         title,
		Category:      category,
		Org:           orgOf(raw),
		Author:        normalizeAuthor(raw),
		Date:          date,
		Summary:       enr.Summary,
		PDFURL:        enr.PDFURL,
		SourceURL:     enr.SourceURL,
		StockCode:     firstOf(optString(raw, "stockCode"), enr.StockCode),
		StockName:     firstOf(optString(raw, "stockName"), enr.StockName),
		Industry:      firstOf(optString(raw, "industryName"), enr.Industry),
		Rating:        firstOf(optString(raw, "sRatingName"), optString(raw, "rating")),
		RatingChange:  optString(raw, "ratingChange"),
		TargetPrice:   firstFloat(raw["indvAimPriceT"], raw["indvAimPriceL"]),
		ChangePercent: Number(raw["changePercent"]),
		TopicTags:     dedupeTags(enr.TopicTags),
		DataSource:    DataSource,
		CreatedAt:     now.In(CivilZone),
	}
	if category.HasImpact() {
		r.ImpactLevel = enr.Impact
	}
	return r, nil
}

// normalizeAuthor joins author names with commas. Upstream names may carry a
// dotted qualifier; only the part after the last dot is kept.
func normalizeAuthor(raw RawRecord) string {
	v, ok := raw["author"]
	if !ok || v == nil || v == "" {
		v = raw["researcher"]
	}

	var names []string
	switch t := v.(type) {
	case string:
		names = nameSep.Split(t, -1)
	case []string:
		for _, item := range t {
			names = append(names, nameSep.Split(item, -1)...)
		}
	case []any:
		for _, item := range t {
			if s, ok := item.(string); ok {
				names = append(names, nameSep.Split(s, -1)...)
			}
		}
	}

	out := make([]string, 0, len(names))
	for _, n := range names {
		if i := strings.LastIndex(n, "."); i >= 0 {
			n = n[i+1:]
		}
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return strings.Join(out, ",")
}

func dedupeTags(tags []string) []string {
	out := make([]string, 0, len(tags))
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
		if len(out) == MaxTopicTags {
			break
		}
	}
	return out
}

func optString(raw RawRecord, key string) *string {
	if s := raw.String(key); s != "" {
		return &s
	}
	return nil
}

func firstOf(vals ...*string) *string {
	for _, v := range vals {
		if v != nil {
			return v
		}
	}
	return nil
}

func firstFloat(vals ...any) *float64 {
	for _, v := range vals {
		if f := Number(v); f != nil {
			return f
		}
	}
	return nil
}

// Number converts a loosely typed upstream number. Absent, empty and
// non-finite values yield nil.
func Number(v any) *float64 {
	var f float64
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		f = t
	case int:
		f = float64(t)
	case int64:
		f = float64(t)
	case json.Number:
		p, err := t.Float64()
		if err != nil {
			return nil
		}
		f = p
	case string:
		s := strings.TrimSpace(t)
		if s == "" {
			return nil
		}
		p, err := strconv.ParseFloat(s, 64)
		if err != nil {
			return nil
		}
		f = p
	default:
		return nil
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return nil
	}
	return &f
}
