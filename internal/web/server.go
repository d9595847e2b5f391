package web

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/export"
	"github.com/renderinc/research-reports/internal/lock"
	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/search"
	"github.com/renderinc/research-reports/internal/storage"
	"github.com/renderinc/research-reports/internal/sync"
)

// Syncer runs one ingestion over a window.
type Syncer interface {
	RunSync(ctx context.Context, categories []report.Category, win sync.Window) (*sync.Summary, error)
}

type Server struct {
	store    storage.Store
	idx      *search.Index
	syncer   Syncer
	locker   lock.Locker
	cfg      config.ServerConfig
	lookback int
	validate *validator.Validate
	now      func() time.Time
}

// NewServer wires the API. idx may be nil, which disables /api/search.
func NewServer(store storage.Store, idx *search.Index, syncer Syncer, locker lock.Locker, cfg config.ServerConfig, lookbackDays int) *Server {
	if locker == nil {
		locker = lock.NewLocal()
	}
	return &Server{
		store:    store,
		idx:      idx,
		syncer:   syncer,
		locker:   locker,
		cfg:      cfg,
		lookback: lookbackDays,
		validate: validator.New(),
		now:      time.Now,
	}
}

func (s *Server) Handler() http.Handler {
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(requestLogger())

	corsConfig := cors.DefaultConfig()
	if len(s.cfg.CORSOrigins) == 0 || slices.Contains(s.cfg.CORSOrigins, "*") {
		corsConfig.AllowAllOrigins = true
	} else {
		corsConfig.AllowOrigins = s.cfg.CORSOrigins
	}
	corsConfig.AddAllowHeaders("Authorization")
	r.Use(cors.New(corsConfig))

	r.GET("/health", s.handleHealth)

	api := r.Group("/api")
	api.GET("/reports", s.handleListReports)
	api.GET("/reports/export", s.handleExport)
	api.GET("/report/:id", s.handleGetReport)
	api.GET("/categories", s.handleCategories)
	api.GET("/search", s.handleSearch)
	api.POST("/sync", s.handleSync)

	r.NoRoute(func(c *gin.Context) {
		fail(c, http.StatusNotFound, "route not found")
	})
	return r
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		entry := logger.Log.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start),
		})
		if len(c.Errors) > 0 {
			entry.WithError(c.Errors.Last()).Error("request failed")
			return
		}
		entry.Debug("request")
	}
}

func ok(c *gin.Context, data any) {
	c.JSON(http.StatusOK, gin.H{"success": true, "data": data})
}

func fail(c *gin.Context, code int, message string) {
	c.JSON(code, gin.H{"success": false, "message": message})
}

func internalError(c *gin.Context, what string, err error) {
	c.Error(err)
	fail(c, http.StatusInternalServerError, what+": "+err.Error())
}

func parseDate(c *gin.Context, name string) (*time.Time, error) {
	v := strings.TrimSpace(c.Query(name))
	if v == "" {
		return nil, nil
	}
	t, err := time.Parse(time.DateOnly, v)
	if err != nil {
		return nil, fmt.Errorf("invalid %s %q, want YYYY-MM-DD", name, v)
	}
	return &t, nil
}

func (s *Server) filterFrom(c *gin.Context) (storage.Filter, error) {
	f := storage.Filter{
		Org:     strings.TrimSpace(c.Query("org")),
		Keyword: strings.TrimSpace(c.Query("keyword")),
	}
	f.Page, _ = strconv.Atoi(c.Query("page"))
	f.PageSize, _ = strconv.Atoi(c.Query("pageSize"))

	if cat := strings.TrimSpace(c.Query("category")); cat != "" && cat != "all" {
		parsed, err := report.ParseCategory(cat)
		if err != nil {
			return f, err
		}
		f.Category = parsed
	}

	var err error
	if f.StartDate, err = parseDate(c, "startDate"); err != nil {
		return f, err
	}
	if f.EndDate, err = parseDate(c, "endDate"); err != nil {
		return f, err
	}
	return f, nil
}

func (s *Server) handleListReports(c *gin.Context) {
	f, err := s.filterFrom(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	page, err := s.store.List(c.Request.Context(), f)
	if err != nil {
		internalError(c, "list reports", err)
		return
	}
	ok(c, page)
}

func (s *Server) handleGetReport(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil || id < 1 {
		fail(c, http.StatusBadRequest, "invalid report id")
		return
	}

	r, err := s.store.Get(c.Request.Context(), id)
	if err != nil {
		internalError(c, "get report", err)
		return
	}
	if r == nil {
		fail(c, http.StatusNotFound, "report not found")
		return
	}
	ok(c, r)
}

func (s *Server) handleCategories(c *gin.Context) {
	counts, err := s.store.CategoryCounts(c.Request.Context())
	if err != nil {
		internalError(c, "count categories", err)
		return
	}
	ok(c, counts)
}

func (s *Server) handleSearch(c *gin.Context) {
	if s.idx == nil {
		fail(c, http.StatusServiceUnavailable, "search index not available")
		return
	}
	q := strings.TrimSpace(c.Query("q"))
	if q == "" {
		fail(c, http.StatusBadRequest, "missing q parameter")
		return
	}

	limit := 20
	if l, err := strconv.Atoi(c.Query("limit")); err == nil && l > 0 && l <= 100 {
		limit = l
	}

	var category report.Category
	if cat := c.Query("category"); cat != "" && cat != "all" {
		parsed, err := report.ParseCategory(cat)
		if err != nil {
			fail(c, http.StatusBadRequest, err.Error())
			return
		}
		category = parsed
	}

	results, err := s.idx.Search(q, category, limit)
	if err != nil {
		internalError(c, "search", err)
		return
	}
	ok(c, gin.H{"query": q, "count": len(results), "results": results})
}

// maxExportRows caps one export.
const maxExportRows = 10000

func (s *Server) handleExport(c *gin.Context) {
	f, err := s.filterFrom(c)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	var rows []*report.Report
	f.PageSize = storage.MaxPageSize
	for f.Page = 1; len(rows) < maxExportRows; f.Page++ {
		page, err := s.store.List(c.Request.Context(), f)
		if err != nil {
			internalError(c, "list reports", err)
			return
		}
		rows = append(rows, page.Items...)
		if f.Page >= page.TotalPages {
			break
		}
	}

	name := fmt.Sprintf("reports-%s.xlsx", s.now().In(report.CivilZone).Format("20060102-150405"))
	c.Header("Content-Type", export.ContentType)
	c.Header("Content-Disposition", "attachment; filename="+name)
	c.Status(http.StatusOK)
	if err := export.Write(c.Writer, rows); err != nil {
		c.Error(err)
	}
}

type syncRequest struct {
	Key        string   `json:"key"`
	BeginDate  string   `json:"beginDate" validate:"omitempty,datetime=2006-01-02"`
	EndDate    string   `json:"endDate" validate:"omitempty,datetime=2006-01-02"`
	Categories []string `json:"categories" validate:"omitempty,dive,oneof=strategy macro industry stock"`
}

// window resolves the requested range. A missing end is today (UTC+8) and a
// missing begin is the lookback before the end.
func (s *Server) window(req syncRequest) (sync.Window, error) {
	if req.BeginDate == "" && req.EndDate == "" {
		return sync.LastDays(s.now(), s.lookback), nil
	}

	end := req.EndDate
	if end == "" {
		end = sync.LastDays(s.now(), 0).End.Format(time.DateOnly)
	}
	begin := req.BeginDate
	if begin == "" {
		e, err := time.Parse(time.DateOnly, end)
		if err != nil {
			return sync.Window{}, err
		}
		begin = e.AddDate(0, 0, -s.lookback).Format(time.DateOnly)
	}
	return sync.ParseWindow(begin, end)
}

func (s *Server) authorized(key string) bool {
	if s.cfg.SyncSecret == "" || key == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.SyncSecret)) == 1
}

func (s *Server) handleSync(c *gin.Context) {
	var req syncRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		fail(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if !s.authorized(req.Key) {
		fail(c, http.StatusUnauthorized, "invalid sync key")
		return
	}
	if err := s.validate.Struct(req); err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}

	win, err := s.window(req)
	if err != nil {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	categories := make([]report.Category, 0, len(req.Categories))
	for _, name := range req.Categories {
		categories = append(categories, report.Category(name))
	}

	release, err := s.locker.Acquire(c.Request.Context())
	if errors.Is(err, lock.ErrLocked) {
		fail(c, http.StatusConflict, err.Error())
		return
	}
	if err != nil {
		internalError(c, "acquire sync lock", err)
		return
	}
	defer release()

	summary, err := s.syncer.RunSync(c.Request.Context(), categories, win)
	if errors.Is(err, sync.ErrNoCategories) {
		fail(c, http.StatusBadRequest, err.Error())
		return
	}
	if err != nil {
		internalError(c, "sync", err)
		return
	}
	ok(c, summary)
}

func (s *Server) handleHealth(c *gin.Context) {
	dbCount, err := s.store.Count(c.Request.Context())
	if err != nil {
		c.Error(err)
		c.JSON(http.StatusServiceUnavailable, gin.H{"success": false, "status": "degraded", "message": err.Error()})
		return
	}

	body := gin.H{"success": true, "status": "ok", "reports": dbCount}
	if s.idx != nil {
		indexCount, _ := s.idx.Count()
		body["indexed"] = indexCount
	}
	c.JSON(http.StatusOK, body)
}
