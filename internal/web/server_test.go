package web

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/export"
	"github.com/renderinc/research-reports/internal/lock"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/search"
	"github.com/renderinc/research-reports/internal/storage"
	"github.com/renderinc/research-reports/internal/sync"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeSyncer struct {
	calls   int
	gotCats []report.Category
	gotWin  sync.Window
	err     error
	started chan struct{}
	block   chan struct{}
}

func (f *fakeSyncer) RunSync(ctx context.Context, cats []report.Category, win sync.Window) (*sync.Summary, error) {
	f.calls++
	f.gotCats = cats
	f.gotWin = win
	if f.started != nil {
		close(f.started)
	}
	if f.block != nil {
		<-f.block
	}
	if f.err != nil {
		return nil, f.err
	}
	return &sync.Summary{RunID: "run-1", TotalInserted: 3, FailedCategories: []report.Category{}}, nil
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type fixture struct {
	srv    *Server
	h      http.Handler
	store  *storage.SQLite
	syncer *fakeSyncer
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store, err := storage.OpenSQLite(filepath.Join(t.TempDir(), "reports.db"), 2)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	idx, err := search.OpenMemory()
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	ctx := context.Background()
	day := time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC)
	for i, r := range []*report.Report{
		{Title: "Macro outlook", Category: report.Macro, Org: "CICC", Date: day, Summary: "rates"},
		{Title: "Strategy weekly", Category: report.Strategy, Org: "CITIC", Date: day.AddDate(0, 0, -1)},
		{Title: "Liquor deep dive", Category: report.Stock, Org: "CICC", Date: day.AddDate(0, 0, -2)},
	} {
		r.DataSource = report.DataSource
		r.CreatedAt = day
		r.TopicTags = []string{}
		id, err := store.Insert(ctx, r)
		require.NoError(t, err, "report %d", i)
		r.ID = id
		require.NoError(t, idx.IndexReport(r))
	}

	syncer := &fakeSyncer{}
	srv := NewServer(store, idx, syncer, lock.NewLocal(), config.ServerConfig{Addr: ":0", SyncSecret: "s3cret"}, 30)
	srv.now = func() time.Time { return time.Date(2025, 1, 10, 20, 0, 0, 0, time.UTC) }
	return &fixture{srv: srv, h: srv.Handler(), store: store, syncer: syncer}
}

func (f *fixture) do(t *testing.T, method, target string, body any) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)

	var env envelope
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestListReports(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/reports?pageSize=2", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)

	var page storage.Page
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 3, page.Total)
	assert.Equal(t, 2, page.TotalPages)
	assert.Equal(t, 2, page.PageSize)
	require.Len(t, page.Items, 2)
	assert.Equal(t, "Macro outlook", page.Items[0].Title, "newest first")

	_, env = f.do(t, http.MethodGet, "/api/reports?org=CICC&category=stock", nil)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	require.Len(t, page.Items, 1)
	assert.Equal(t, "Liquor deep dive", page.Items[0].Title)

	_, env = f.do(t, http.MethodGet, "/api/reports?keyword=weekly&category=all", nil)
	require.NoError(t, json.Unmarshal(env.Data, &page))
	assert.Equal(t, 1, page.Total)

	rec, env = f.do(t, http.MethodGet, "/api/reports?startDate=2025/01/01", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.False(t, env.Success)

	rec, _ = f.do(t, http.MethodGet, "/api/reports?category=bonds", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestGetReport(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/report/1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var r report.Report
	require.NoError(t, json.Unmarshal(env.Data, &r))
	assert.Equal(t, "Macro outlook", r.Title)

	rec, env = f.do(t, http.MethodGet, "/api/report/999", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.False(t, env.Success)

	rec, _ = f.do(t, http.MethodGet, "/api/report/abc", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCategories(t *testing.T) {
	f := newFixture(t)
	rec, env := f.do(t, http.MethodGet, "/api/categories", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var counts []storage.CategoryCount
	require.NoError(t, json.Unmarshal(env.Data, &counts))
	assert.Len(t, counts, 3)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodGet, "/api/search?q=outlook", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Count   int                    `json:"count"`
		Results []*search.SearchResult `json:"results"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &body))
	assert.Equal(t, 1, body.Count)
	assert.Equal(t, "Macro outlook", body.Results[0].Title)

	rec, _ = f.do(t, http.MethodGet, "/api/search", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestExport(t *testing.T) {
	f := newFixture(t)
	rec, _ := f.do(t, http.MethodGet, "/api/reports/export?org=CICC", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, export.ContentType, rec.Header().Get("Content-Type"))
	assert.Contains(t, rec.Header().Get("Content-Disposition"), "reports-20250111-040000.xlsx")

	wb, err := excelize.OpenReader(rec.Body)
	require.NoError(t, err)
	defer wb.Close()
	rows, err := wb.GetRows(export.SheetName)
	require.NoError(t, err)
	assert.Len(t, rows, 3)
}

func TestSync_Auth(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/sync", map[string]string{"key": "wrong"})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.False(t, env.Success)
	assert.NotEmpty(t, env.Message)

	rec, _ = f.do(t, http.MethodPost, "/api/sync", map[string]string{})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, f.syncer.calls)

	f.srv.cfg.SyncSecret = ""
	rec, _ = f.do(t, http.MethodPost, "/api/sync", map[string]string{"key": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code, "no secret configured")
}

func TestSync_Runs(t *testing.T) {
	f := newFixture(t)

	rec, env := f.do(t, http.MethodPost, "/api/sync", map[string]any{"key": "s3cret"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.Success)
	var summary sync.Summary
	require.NoError(t, json.Unmarshal(env.Data, &summary))
	assert.Equal(t, 3, summary.TotalInserted)

	// 20:00 UTC on Jan 10 is Jan 11 in UTC+8.
	assert.Equal(t, "2025-01-11", f.syncer.gotWin.End.Format(time.DateOnly))
	assert.Equal(t, "2024-12-12", f.syncer.gotWin.Begin.Format(time.DateOnly))
	assert.Empty(t, f.syncer.gotCats)

	rec, _ = f.do(t, http.MethodPost, "/api/sync", map[string]any{
		"key": "s3cret", "beginDate": "2025-01-01", "endDate": "2025-01-02", "categories": []string{"macro"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, sync.Window{
		Begin: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}, f.syncer.gotWin)
	assert.Equal(t, []report.Category{report.Macro}, f.syncer.gotCats)
}

func TestSync_Validation(t *testing.T) {
	f := newFixture(t)

	for _, body := range []map[string]any{
		{"key": "s3cret", "beginDate": "01/01/2025"},
		{"key": "s3cret", "categories": []string{"bonds"}},
		{"key": "s3cret", "beginDate": "2025-02-01", "endDate": "2025-01-01"},
	} {
		rec, env := f.do(t, http.MethodPost, "/api/sync", body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "%v", body)
		assert.False(t, env.Success)
	}
	assert.Zero(t, f.syncer.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/sync", strings.NewReader("{"))
	rec := httptest.NewRecorder()
	f.h.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSync_RejectsConcurrentRuns(t *testing.T) {
	f := newFixture(t)
	f.syncer.started = make(chan struct{})
	f.syncer.block = make(chan struct{})

	done := make(chan int)
	go func() {
		rec, _ := f.do(t, http.MethodPost, "/api/sync", map[string]any{"key": "s3cret"})
		done <- rec.Code
	}()
	<-f.syncer.started

	rec, env := f.do(t, http.MethodPost, "/api/sync", map[string]any{"key": "s3cret"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.False(t, env.Success)

	close(f.syncer.block)
	assert.Equal(t, http.StatusOK, <-done)
	assert.Equal(t, 1, f.syncer.calls)
}

func TestSync_Failure(t *testing.T) {
	f := newFixture(t)
	f.syncer.err = errors.New("database unavailable")

	rec, env := f.do(t, http.MethodPost, "/api/sync", map[string]any{"key": "s3cret"})
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.Success)
	assert.Contains(t, env.Message, "database unavailable")
}

func TestHealthAndNoRoute(t *testing.T) {
	f := newFixture(t)

	rec, _ := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 3, body["reports"])
	assert.EqualValues(t, 3, body["indexed"])

	rec, _ = f.do(t, http.MethodGet, "/api/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
