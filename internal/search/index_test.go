package search

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/research-reports/internal/report"
)

type sliceSource []*report.Report

func (s sliceSource) Each(ctx context.Context, fn func(*report.Report) error) error {
	for _, r := range s {
		if err := fn(r); err != nil {
			return err
		}
	}
	return nil
}

func sample() sliceSource {
	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	name := "贵州茅台"
	return sliceSource{
		{ID: 1, Title: "贵州茅台深度报告", Category: report.Stock, Org: "中信证券", Date: day, StockName: &name, TopicTags: []string{"白酒"}},
		{ID: 2, Title: "Macro outlook for 2025", Category: report.Macro, Org: "CICC", Date: day, Summary: "Rates and growth"},
		{ID: 3, Title: "Strategy outlook", Category: report.Strategy, Org: "CICC", Date: day.AddDate(0, 0, -1)},
	}
}

func TestIndex_RebuildAndSearch(t *testing.T) {
	idx, err := OpenMemory()
	require.NoError(t, err)
	defer idx.Close()

	n, err := idx.Rebuild(context.Background(), sample())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	count, err := idx.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 3, count)

	hits, err := idx.Search("茅台", "", 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(1), hits[0].ID)
	assert.Equal(t, "贵州茅台深度报告", hits[0].Title)
	assert.Equal(t, "stock", hits[0].Category)
	assert.Equal(t, "2025-01-02", hits[0].Date)

	hits, err = idx.Search("outlook", "", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)

	hits, err = idx.Search("outlook", report.Macro, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, int64(2), hits[0].ID)
}

func TestIndex_IndexReportReplacesAndDeletes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "reports.bleve")
	idx, err := Open(path)
	require.NoError(t, err)

	r := sample()[1]
	require.NoError(t, idx.IndexReport(r))
	updated := *r
	updated.Title = "Inflation watch"
	require.NoError(t, idx.IndexReport(&updated))

	hits, err := idx.Search("inflation", "", 10)
	require.NoError(t, err)
	assert.Len(t, hits, 1)
	hits, err = idx.Search("Title:outlook", "", 10)
	require.NoError(t, err)
	assert.Empty(t, hits)

	require.NoError(t, idx.Delete(r.ID))
	count, err := idx.Count()
	require.NoError(t, err)
	assert.Zero(t, count)
	require.NoError(t, idx.Close())

	// Reopening keeps the existing index.
	idx, err = Open(path)
	require.NoError(t, err)
	defer idx.Close()
	require.NoError(t, idx.IndexReport(r))
	count, err = idx.Count()
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)
}

func TestIndex_RejectsUnsavedReport(t *testing.T) {
	idx, err := OpenMemory()
	require.NoError(t, err)
	defer idx.Close()
	assert.Error(t, idx.IndexReport(&report.Report{Title: "x"}))
}
