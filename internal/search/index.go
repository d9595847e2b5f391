package search

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/lang/cjk"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/search/query"

	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
)

// Index wraps a Bleve full-text index over stored reports.
type Index struct {
	index bleve.Index
}

// IndexedReport is the searchable projection of a report.
type IndexedReport struct {
	Title     string
	Summary   string
	Org       string
	Author    string
	Category  string
	StockName string
	Industry  string
	Tags      []string
	Date      time.Time
}

// SearchResult represents a search hit.
type SearchResult struct {
	ID        int64               `json:"id"`
	Title     string              `json:"title"`
	Org       string              `json:"org"`
	Category  string              `json:"category"`
	Date      string              `json:"date"`
	Score     float64             `json:"score"`
	Fragments map[string][]string `json:"fragments,omitempty"`
}

// Source yields every stored report for a rebuild.
type Source interface {
	Each(ctx context.Context, fn func(*report.Report) error) error
}

// Open opens or creates a Bleve index
func Open(path string) (*Index, error) {
	idx, err := bleve.Open(path)
	if err == bleve.ErrorIndexPathDoesNotExist {
		idx, err = bleve.New(path, buildIndexMapping())
		if err != nil {
			return nil, fmt.Errorf("create index: %w", err)
		}
	} else if err != nil {
		return nil, fmt.Errorf("open index: %w", err)
	}

	return &Index{index: idx}, nil
}

// OpenMemory creates a throwaway in-memory index.
func OpenMemory() (*Index, error) {
	idx, err := bleve.NewMemOnly(buildIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("create index: %w", err)
	}
	return &Index{index: idx}, nil
}

// buildIndexMapping analyzes text as CJK bigrams, which also handles the
// Latin words that appear in report titles.
func buildIndexMapping() mapping.IndexMapping {
	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = cjk.AnalyzerName

	keywordField := bleve.NewTextFieldMapping()
	keywordField.Analyzer = keyword.Name

	dateField := bleve.NewDateTimeFieldMapping()

	docMapping := bleve.NewDocumentMapping()
	docMapping.AddFieldMappingsAt("Title", textField)
	docMapping.AddFieldMappingsAt("Summary", textField)
	docMapping.AddFieldMappingsAt("Author", textField)
	docMapping.AddFieldMappingsAt("StockName", textField)
	docMapping.AddFieldMappingsAt("Industry", textField)
	docMapping.AddFieldMappingsAt("Tags", textField)
	docMapping.AddFieldMappingsAt("Org", keywordField)
	docMapping.AddFieldMappingsAt("Category", keywordField)
	docMapping.AddFieldMappingsAt("Date", dateField)

	indexMapping := bleve.NewIndexMapping()
	indexMapping.DefaultAnalyzer = cjk.AnalyzerName
	indexMapping.AddDocumentMapping("_default", docMapping)

	return indexMapping
}

// Close closes the index
func (i *Index) Close() error {
	return i.index.Close()
}

func docID(id int64) string {
	return strconv.FormatInt(id, 10)
}

func project(r *report.Report) *IndexedReport {
	doc := &IndexedReport{
		Title:    r.Title,
		Summary:  r.Summary,
		Org:      r.Org,
		Author:   r.Author,
		Category: string(r.Category),
		Tags:     r.TopicTags,
		Date:     r.Date,
	}
	if r.StockName != nil {
		doc.StockName = *r.StockName
	}
	if r.Industry != nil {
		doc.Industry = *r.Industry
	}
	return doc
}

// IndexReport adds or replaces a stored report.
func (i *Index) IndexReport(r *report.Report) error {
	if r.ID == 0 {
		return fmt.Errorf("index report %q: no id", r.Title)
	}
	return i.index.Index(docID(r.ID), project(r))
}

// Delete removes a report from the index
func (i *Index) Delete(id int64) error {
	return i.index.Delete(docID(id))
}

// Search runs a query string search, optionally limited to one category.
func (i *Index) Search(queryStr string, category report.Category, limit int) ([]*SearchResult, error) {
	var q query.Query = bleve.NewQueryStringQuery(queryStr)
	if category != "" {
		cq := bleve.NewTermQuery(string(category))
		cq.SetField("Category")
		q = bleve.NewConjunctionQuery(q, cq)
	}

	req := bleve.NewSearchRequestOptions(q, limit, 0, false)
	req.Highlight = bleve.NewHighlightWithStyle("html")
	req.Fields = []string{"Title", "Org", "Category", "Date"}

	results, err := i.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("search: %w", err)
	}

	out := make([]*SearchResult, 0, len(results.Hits))
	for _, hit := range results.Hits {
		id, err := strconv.ParseInt(hit.ID, 10, 64)
		if err != nil {
			continue
		}
		res := &SearchResult{ID: id, Score: hit.Score, Fragments: hit.Fragments}
		if v, ok := hit.Fields["Title"].(string); ok {
			res.Title = v
		}
		if v, ok := hit.Fields["Org"].(string); ok {
			res.Org = v
		}
		if v, ok := hit.Fields["Category"].(string); ok {
			res.Category = v
		}
		if v, ok := hit.Fields["Date"].(string); ok {
			if t, err := time.Parse(time.RFC3339, v); err == nil {
				v = t.Format(time.DateOnly)
			}
			res.Date = v
		}
		out = append(out, res)
	}
	return out, nil
}

const rebuildBatchSize = 500

// Rebuild indexes every report from src in batches.
func (i *Index) Rebuild(ctx context.Context, src Source) (int, error) {
	batch := i.index.NewBatch()
	total := 0

	flush := func() error {
		if batch.Size() == 0 {
			return nil
		}
		if err := i.index.Batch(batch); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		batch.Reset()
		return nil
	}

	err := src.Each(ctx, func(r *report.Report) error {
		if err := batch.Index(docID(r.ID), project(r)); err != nil {
			return fmt.Errorf("batch index %d: %w", r.ID, err)
		}
		total++
		if batch.Size() >= rebuildBatchSize {
			return flush()
		}
		return nil
	})
	if err != nil {
		return total, err
	}
	if err := flush(); err != nil {
		return total, err
	}

	logger.Log.WithField("reports", total).Info("search index rebuilt")
	return total, nil
}

// Count returns the number of documents in the index
func (i *Index) Count() (uint64, error) {
	return i.index.DocCount()
}
