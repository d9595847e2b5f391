package eastmoney

import (
	"context"
	"fmt"
	"math/rand"
	"net/url"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/retry"
)

type listPage struct {
	Data      []report.RawRecord `json:"data"`
	Hits      int                `json:"hits"`
	TotalPage int                `json:"TotalPage"`
}

// FetchList returns every record the upstream lists for category between
// begin and end (calendar days, inclusive). Pages are requested in order
// until one comes back empty, the upstream reports no further pages, or the
// oldest record on a page predates begin. A page that still fails after
// retries fails the whole call.
func (c *Client) FetchList(ctx context.Context, category report.Category, begin, end time.Time) ([]report.RawRecord, error) {
	cfg, ok := ConfigFor(category)
	if !ok {
		return nil, fmt.Errorf("unknown category %q", category)
	}

	windowStart := time.Date(begin.Year(), begin.Month(), begin.Day(), 0, 0, 0, 0, time.UTC)
	log := logger.Log.WithField("category", category)

	var records []report.RawRecord
	for page := 1; ; page++ {
		if page > c.maxPages {
			log.WithField("maxPages", c.maxPages).Warn("page limit reached, list may be incomplete")
			break
		}

		var p listPage
		err := retry.Do(ctx, c.listRetry, func() error {
			p = listPage{}
			return c.fetchPage(ctx, cfg, page, begin, end, &p)
		})
		if err != nil {
			return nil, fmt.Errorf("fetch %s page %d: %w", category, page, err)
		}

		log.WithFields(logrus.Fields{"page": page, "records": len(p.Data), "hits": p.Hits}).Debug("fetched list page")

		if len(p.Data) == 0 {
			break
		}
		records = append(records, p.Data...)

		if p.TotalPage > 0 && page >= p.TotalPage {
			break
		}
		if p.Hits > 0 && len(records) >= p.Hits {
			break
		}
		if oldest, ok := oldestDate(p.Data); ok && oldest.Before(windowStart) {
			break
		}
	}

	return records, nil
}

func (c *Client) fetchPage(ctx context.Context, cfg CategoryConfig, page int, begin, end time.Time, out *listPage) error {
	callback := "datatable" + strconv.Itoa(rand.Intn(1_000_000))

	q := url.Values{}
	q.Set("cb", callback)
	q.Set("pageSize", strconv.Itoa(c.pageSize))
	q.Set("pageNo", strconv.Itoa(page))
	q.Set("beginTime", begin.Format(time.DateOnly))
	q.Set("endTime", end.Format(time.DateOnly))
	q.Set("fields", "")
	q.Set("qType", strconv.Itoa(cfg.QType))
	if cfg.Wildcards {
		q.Set("industryCode", "*")
		q.Set("industry", "*")
		q.Set("rating", "")
		q.Set("ratingChange", "")
		q.Set("code", "*")
	}

	u := c.listBase.JoinPath(cfg.Endpoint)
	u.RawQuery = q.Encode()

	body, err := c.get(ctx, u.String(), cfg.Referer)
	if err != nil {
		return err
	}
	return Unwrap(body, out)
}

// oldestDate is the earliest parseable publishDate among records.
func oldestDate(records []report.RawRecord) (time.Time, bool) {
	var oldest time.Time
	found := false
	for _, r := range records {
		d, ok := report.ParseDate(r.String("publishDate"), time.Time{})
		if !ok {
			continue
		}
		if !found || d.Before(oldest) {
			oldest, found = d, true
		}
	}
	return oldest, found
}
