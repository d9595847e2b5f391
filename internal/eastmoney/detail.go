package eastmoney

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/andybalholm/cascadia"
	readability "github.com/go-shiori/go-readability"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	"golang.org/x/net/html"

	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/retry"
)

// MaxSummaryRunes caps the stored summary length.
const MaxSummaryRunes = 200

var (
	zwinfoPattern = regexp.MustCompile(`var\s+zwinfo\s*=\s*(\{[\s\S]*?\});`)
	tagSep        = regexp.MustCompile(`[,，、\s]+`)
	spaces        = regexp.MustCompile(`\s+`)

	metaKeywords    = cascadia.MustCompile(`meta[name="keywords"]`)
	metaDescription = cascadia.MustCompile(`meta[name="description"]`)

	// Containers the report body has lived in across page templates.
	contentParagraphs = []cascadia.Selector{
		cascadia.MustCompile(`#ContentBody p`),
		cascadia.MustCompile(`.ctx-content p`),
		cascadia.MustCompile(`.newsContent p`),
		cascadia.MustCompile(`.zw-content p`),
		cascadia.MustCompile(`div.content p`),
	}

	stripTags = bluemonday.StrictPolicy()
)

// DetailURL resolves the detail page for a list record, or "" when the
// record carries no usable identifier.
func (c *Client) DetailURL(category report.Category, raw report.RawRecord) string {
	cfg, ok := ConfigFor(category)
	if !ok {
		return ""
	}

	switch cfg.DetailMode {
	case DetailByInfoCode:
		code := raw.String("infoCode")
		if code == "" {
			return ""
		}
		return c.detailBase.JoinPath("report", "info", code+".html").String()
	case DetailStrategyPage:
		return c.encodedPage("zw_strategy.jshtml", raw.String("encodeUrl"))
	case DetailMacroPage:
		return c.encodedPage("zw_macresearch.jshtml", raw.String("encodeUrl"))
	}
	return ""
}

func (c *Client) encodedPage(page, encoded string) string {
	if encoded == "" {
		return ""
	}
	u := c.detailBase.JoinPath("report", page)
	u.RawQuery = "encodeUrl=" + url.QueryEscape(encoded)
	return u.String()
}

// Enrich fetches and parses the record's detail page. Records without a
// detail page get an empty enrichment. A page that cannot be fetched after
// retries is an error; a page that cannot be fully parsed is not.
func (c *Client) Enrich(ctx context.Context, category report.Category, raw report.RawRecord) (report.Enrichment, error) {
	pageURL := c.DetailURL(category, raw)
	enr := report.Enrichment{SourceURL: pageURL}
	if pageURL == "" {
		return enr, nil
	}
	cfg, _ := ConfigFor(category)

	if err := c.detailSlots.Acquire(ctx, 1); err != nil {
		return enr, err
	}
	defer c.detailSlots.Release(1)

	var body []byte
	err := retry.Do(ctx, c.detailRetry, func() error {
		b, err := c.get(ctx, pageURL, cfg.Referer)
		body = b
		return err
	})
	if err != nil {
		return enr, fmt.Errorf("fetch detail %s: %w", pageURL, err)
	}

	parsed := ParseDetail(body, pageURL)
	parsed.SourceURL = pageURL
	return parsed, nil
}

// ParseDetail extracts an Enrichment from a detail page. It never fails;
// missing pieces are left empty.
func ParseDetail(body []byte, pageURL string) report.Enrichment {
	var enr report.Enrichment

	doc, err := html.Parse(bytes.NewReader(body))
	if err != nil {
		logger.Log.WithError(err).WithField("url", pageURL).Warn("parse detail html")
		doc = nil
	}

	if doc != nil {
		if n := metaKeywords.MatchFirst(doc); n != nil {
			enr.TopicTags = splitTags(attr(n, "content"))
		}
	}

	info := extractZwinfo(body, pageURL)

	enr.Summary = summaryFrom(info, doc, body, pageURL)

	if pdf := info.String("attach_url"); pdf != "" {
		if i := strings.IndexByte(pdf, '?'); i >= 0 {
			pdf = pdf[:i]
		}
		if pdf != "" {
			enr.PDFURL = &pdf
		}
	}

	// rating is read only when star is absent or null.
	stars := info["star"]
	if stars == nil {
		stars = info["rating"]
	}
	if n := report.Number(stars); n != nil {
		impact := report.ImpactFromStars(*n)
		enr.Impact = &impact
	}

	if sec := firstSecurity(info); sec != nil {
		enr.StockCode = optional(sec.String("stock"))
		enr.StockName = optional(sec.String("short_name"))
		if rels, ok := sec["publish_relation"].([]any); ok && len(rels) > 0 {
			if rel, ok := rels[0].(map[string]any); ok {
				enr.Industry = optional(report.RawRecord(rel).String("publishName"))
			}
		}
	}

	return enr
}

// summaryFrom walks the fallback chain: the embedded notice content, the
// meta description, the first two body paragraphs, then a readability pass
// over the whole page.
func summaryFrom(info report.RawRecord, doc *html.Node, body []byte, pageURL string) string {
	if s := cleanText(info.String("notice_content")); s != "" {
		return s
	}
	if doc == nil {
		return ""
	}
	if n := metaDescription.MatchFirst(doc); n != nil {
		if s := cleanText(attr(n, "content")); s != "" {
			return s
		}
	}

	var paras []string
	for _, sel := range contentParagraphs {
		for _, p := range sel.MatchAll(doc) {
			if t := collapse(nodeText(p)); t != "" {
				paras = append(paras, t)
				if len(paras) == 2 {
					break
				}
			}
		}
		if len(paras) == 2 {
			break
		}
	}
	if len(paras) > 0 {
		return truncate(strings.Join(paras, " "))
	}

	u, _ := url.Parse(pageURL)
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return ""
	}
	if s := cleanText(article.Excerpt); s != "" {
		return s
	}
	return cleanText(article.TextContent)
}

func extractZwinfo(body []byte, pageURL string) report.RawRecord {
	m := zwinfoPattern.FindSubmatch(body)
	if m == nil {
		return report.RawRecord{}
	}

	var info report.RawRecord
	dec := json.NewDecoder(bytes.NewReader(m[1]))
	dec.UseNumber()
	if err := dec.Decode(&info); err != nil {
		logger.Log.WithFields(logrus.Fields{"url": pageURL, "error": err}).Warn("parse zwinfo")
		return report.RawRecord{}
	}
	return info
}

func firstSecurity(info report.RawRecord) report.RawRecord {
	list, ok := info["security"].([]any)
	if !ok || len(list) == 0 {
		return nil
	}
	sec, ok := list[0].(map[string]any)
	if !ok {
		return nil
	}
	return sec
}

func splitTags(keywords string) []string {
	var tags []string
	for _, t := range tagSep.Split(keywords, -1) {
		if t = strings.TrimSpace(t); t != "" {
			tags = append(tags, t)
		}
	}
	return tags
}

// cleanText strips markup, collapses whitespace and caps the length.
func cleanText(s string) string {
	if s == "" {
		return ""
	}
	s = html.UnescapeString(stripTags.Sanitize(s))
	return truncate(collapse(s))
}

func collapse(s string) string {
	return strings.TrimSpace(spaces.ReplaceAllString(s, " "))
}

func truncate(s string) string {
	r := []rune(s)
	if len(r) > MaxSummaryRunes {
		r = r[:MaxSummaryRunes]
	}
	return strings.TrimSpace(string(r))
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
