// Package storage persists research reports.
package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/renderinc/research-reports/internal/config"
	"github.com/renderinc/research-reports/internal/report"
)

// Store is the report table as the ingestion pipeline and the API see it.
type Store interface {
	// FindExisting returns the ids of stored reports matching any of keys,
	// in one round of batched queries.
	FindExisting(ctx context.Context, keys []report.Key) ([]report.KeyedID, error)
	Insert(ctx context.Context, r *report.Report) (int64, error)
	// Update overwrites every mutable field of report id.
	Update(ctx context.Context, id int64, r *report.Report) error

	// Get returns nil, nil when no report has the id.
	Get(ctx context.Context, id int64) (*report.Report, error)
	List(ctx context.Context, f Filter) (*Page, error)
	CategoryCounts(ctx context.Context) ([]CategoryCount, error)
	Count(ctx context.Context) (int, error)
	// Each streams every report, newest first.
	Each(ctx context.Context, fn func(*report.Report) error) error

	Close() error
}

// Filter narrows List results.
type Filter struct {
	Page      int
	PageSize  int
	Category  report.Category
	Org       string
	Keyword   string
	StartDate *time.Time
	EndDate   *time.Time
}

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

func (f Filter) normalized() Filter {
	if f.Page < 1 {
		f.Page = 1
	}
	if f.PageSize < 1 {
		f.PageSize = DefaultPageSize
	}
	if f.PageSize > MaxPageSize {
		f.PageSize = MaxPageSize
	}
	return f
}

func (f Filter) offset() int {
	return (f.Page - 1) * f.PageSize
}

// Page is one page of List results.
type Page struct {
	Items      []*report.Report `json:"items"`
	Page       int              `json:"page"`
	PageSize   int              `json:"pageSize"`
	Total      int              `json:"total"`
	TotalPages int              `json:"totalPages"`
}

func newPage(f Filter, items []*report.Report, total int) *Page {
	if items == nil {
		items = []*report.Report{}
	}
	return &Page{
		Items:      items,
		Page:       f.Page,
		PageSize:   f.PageSize,
		Total:      total,
		TotalPages: (total + f.PageSize - 1) / f.PageSize,
	}
}

// CategoryCount is the number of stored reports in one category.
type CategoryCount struct {
	Category report.Category `json:"category"`
	Count    int             `json:"count"`
}

// Open connects to the backend named by cfg.Driver.
func Open(ctx context.Context, cfg config.DBConfig) (Store, error) {
	switch cfg.Driver {
	case "sqlite", "":
		return OpenSQLite(cfg.Path, cfg.MaxConns)
	case "postgres":
		return OpenPostgres(ctx, cfg.DSN, cfg.MaxConns)
	default:
		return nil, fmt.Errorf("unknown database driver %q", cfg.Driver)
	}
}
