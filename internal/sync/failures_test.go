package sync

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/research-reports/internal/report"
)

func TestFailureLogNames(t *testing.T) {
	now := time.Date(2025, 1, 3, 9, 4, 5, 0, time.UTC)
	name := FailureLogName(testWindow.Begin, testWindow.End, now)
	assert.Equal(t, "sync-errors-2025-01-01-to-2025-01-02-2025-01-03-090405.json", name)

	retryName := RetryLogName("/tmp/logs/"+name, now.Add(time.Hour))
	assert.Equal(t, "sync-errors-2025-01-01-to-2025-01-02-2025-01-03-090405-retry-2025-01-03-100405.json", retryName)
}

func TestFailureLogRoundTrip(t *testing.T) {
	dir := t.TempDir()
	now := time.Date(2025, 1, 3, 9, 0, 0, 0, time.UTC)
	entries := []FailureEntry{
		{Timestamp: now, Category: report.Stock, Index: 3, Title: "T", Error: "boom", Reason: ReasonEnrichError,
			Record: report.RawRecord{"title": "T", "indvAimPriceT": 12.5}},
		{Timestamp: now, Category: report.Macro, Index: 0, Title: "M", Error: "late", Reason: ReasonEnrichTimeout},
	}

	path, err := WriteFailureLog(dir, "sync-errors-x.json", NewFailureLog(entries, now, ""))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sync-errors-x.json"), path)

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var generic map[string]any
	require.NoError(t, json.Unmarshal(raw, &generic))
	assert.Contains(t, generic, "summary")
	assert.Contains(t, generic, "errors")
	assert.NotContains(t, generic["summary"], "retryFrom")

	got, err := ReadFailureLog(path)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Summary.TotalErrors)
	assert.Equal(t, map[report.Category]int{report.Stock: 1, report.Macro: 1}, got.Summary.ByCategory)
	require.Len(t, got.Errors, 2)
	assert.Equal(t, json.Number("12.5"), got.Errors[0].Record["indvAimPriceT"])
	assert.Equal(t, ReasonEnrichTimeout, got.Errors[1].Reason)

	leftovers, err := filepath.Glob(filepath.Join(dir, ".failure-log-*"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestReadFailureLog_Invalid(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	_, err := ReadFailureLog(path)
	assert.Error(t, err)

	_, err = ReadFailureLog(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}

func TestPendingFailureLogs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"sync-errors-2025-01-02-to-2025-01-03-2025-01-03-000000.json",
		"sync-errors-2025-01-01-to-2025-01-02-2025-01-02-000000.json",
		"sync-errors-2025-01-01-to-2025-01-02-2025-01-02-000000-retry-2025-01-04-000000.json",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644))
	}

	got, err := PendingFailureLogs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "sync-errors-2025-01-01-to-2025-01-02-2025-01-02-000000.json"),
		filepath.Join(dir, "sync-errors-2025-01-02-to-2025-01-03-2025-01-03-000000.json"),
	}, got)

	none, err := PendingFailureLogs(filepath.Join(dir, "nope"))
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestSummarize(t *testing.T) {
	results := []CategoryResult{
		{Category: report.Strategy, Fetched: 3, Inserted: 2, Skipped: 1},
		{Category: report.Macro, Error: "blocked"},
		{Category: report.Stock, Fetched: 5, Inserted: 1, Updated: 2, Errors: 2},
	}
	for i := range results {
		results[i].settle(false)
	}

	s := Summarize(results)
	assert.Equal(t, 8, s.TotalFetched)
	assert.Equal(t, 3, s.TotalInserted)
	assert.Equal(t, 2, s.TotalUpdated)
	assert.Equal(t, 1, s.TotalSkipped)
	assert.Equal(t, 2, s.TotalErrors)
	assert.Equal(t, []report.Category{report.Macro}, s.FailedCategories)
	assert.Equal(t, StatusOK, s.Categories[0].Status)
	assert.Equal(t, StatusFailed, s.Categories[1].Status)
	assert.Equal(t, StatusPartial, s.Categories[2].Status)

	empty := Summarize(nil)
	assert.NotNil(t, empty.FailedCategories)
}

func TestReplayFile(t *testing.T) {
	dir := t.TempDir()
	lister := &fakeLister{lists: map[report.Category][]report.RawRecord{
		report.Stock: records(4, "2025-01-01"),
	}}
	failing := map[string]bool{"Report 1": true, "Report 3": true}
	enricher := &fakeEnricher{fn: func(ctx context.Context, raw report.RawRecord) (report.Enrichment, error) {
		if failing[raw.Title()] {
			return report.Enrichment{}, assert.AnError
		}
		return report.Enrichment{}, nil
	}}
	store := newMemStore()
	w := newTestWorker(lister, enricher, store, Options{FailureLogDir: dir})

	first, err := w.RunSync(context.Background(), nil, testWindow)
	require.NoError(t, err)
	require.Equal(t, 2, first.TotalErrors)
	require.NotEmpty(t, first.FailureLog)

	// Report 3 recovers, Report 1 keeps failing.
	delete(failing, "Report 3")
	listCalls := len(lister.calls)
	replay, err := w.ReplayFile(context.Background(), first.FailureLog, true)
	require.NoError(t, err)
	assert.Equal(t, 2, replay.TotalFetched)
	assert.Equal(t, 1, replay.TotalInserted)
	assert.Equal(t, 1, replay.TotalErrors)
	assert.Equal(t, 3, store.len())
	assert.Len(t, lister.calls, listCalls, "replay never lists")

	require.NotEmpty(t, replay.FailureLog)
	assert.Contains(t, filepath.Base(replay.FailureLog), "-retry-")
	retried, err := ReadFailureLog(replay.FailureLog)
	require.NoError(t, err)
	assert.Equal(t, first.FailureLog, retried.Summary.RetryFrom)
	require.Len(t, retried.Errors, 1)
	assert.Equal(t, "Report 1", retried.Errors[0].Title)
	assert.Equal(t, 1, retried.Errors[0].Index)

	pending, err := PendingFailureLogs(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{first.FailureLog}, pending)

	// Everything recovers; no further log is written.
	delete(failing, "Report 1")
	final, err := w.ReplayFile(context.Background(), replay.FailureLog, true)
	require.NoError(t, err)
	assert.Equal(t, 1, final.TotalInserted)
	assert.Empty(t, final.FailureLog)
	assert.Equal(t, 4, store.len())
}

func TestReplay_SkipIfExists(t *testing.T) {
	store := newMemStore()
	w := newTestWorker(&fakeLister{}, &fakeEnricher{}, store, Options{})
	raw := records(1, "2025-01-01")[0]
	entries := []FailureEntry{{Category: report.Industry, Index: 0, Title: raw.Title(), Record: raw}}

	s, err := w.Replay(context.Background(), entries, true)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalInserted)

	s, err = w.Replay(context.Background(), entries, true)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalSkipped)

	s, err = w.Replay(context.Background(), entries, false)
	require.NoError(t, err)
	assert.Equal(t, 1, s.TotalUpdated)
	assert.Equal(t, 1, store.len())
}

func TestReplay_UnusableEntries(t *testing.T) {
	w := newTestWorker(&fakeLister{}, &fakeEnricher{}, newMemStore(), Options{})
	entries := []FailureEntry{
		{Category: "bonds", Title: "x", Record: report.RawRecord{"title": "x"}},
		{Category: report.Macro, Index: 7, Title: "gone"},
	}

	s, err := w.Replay(context.Background(), entries, true)
	require.NoError(t, err)
	assert.Equal(t, 2, s.TotalErrors)
	require.Len(t, s.Failures, 2)
	assert.Equal(t, ReasonNormalizeRejected, s.Failures[0].Reason)
	assert.Equal(t, ReasonMissingRecord, s.Failures[1].Reason)
	assert.Equal(t, 7, s.Failures[1].Index)
}

func TestReplayPending(t *testing.T) {
	dir := t.TempDir()
	raw := records(2, "2025-01-01")
	now := time.Date(2025, 1, 3, 0, 0, 0, 0, time.UTC)
	for i, r := range raw {
		log := NewFailureLog([]FailureEntry{{Category: report.Stock, Index: i, Title: r.Title(), Record: r}}, now, "")
		_, err := WriteFailureLog(dir, FailureLogName(testWindow.Begin, testWindow.End, now.Add(time.Duration(i)*time.Second)), log)
		require.NoError(t, err)
	}

	store := newMemStore()
	summaries, err := newTestWorker(&fakeLister{}, &fakeEnricher{}, store, Options{}).
		ReplayPending(context.Background(), dir, true)
	require.NoError(t, err)
	assert.Len(t, summaries, 2)
	assert.Equal(t, 2, store.len())
}
