package sync

import (
	"time"

	"github.com/renderinc/research-reports/internal/report"
)

// Status tells a clean category apart from one that lost records.
type Status string

const (
	StatusOK      Status = "ok"      // every fetched record accounted for without error
	StatusPartial Status = "partial" // some records failed or the run was cancelled
	StatusFailed  Status = "failed"  // the list itself could not be fetched
)

// CategoryResult holds the counters for one category.
type CategoryResult struct {
	Category report.Category `json:"category"`
	Status   Status          `json:"status"`
	Fetched  int             `json:"fetched"`
	Inserted int             `json:"inserted"`
	Updated  int             `json:"updated"`
	Skipped  int             `json:"skipped"`
	Errors   int             `json:"errors"`
	// Error is set when the list fetch failed.
	Error    string        `json:"error,omitempty"`
	Duration time.Duration `json:"duration"`
}

func (r *CategoryResult) settle(cancelled bool) {
	switch {
	case r.Error != "":
		r.Status = StatusFailed
	case r.Errors > 0 || cancelled:
		r.Status = StatusPartial
	default:
		r.Status = StatusOK
	}
}

// Summary is the outcome of a sync or replay run.
type Summary struct {
	RunID         string           `json:"runId"`
	TotalFetched  int              `json:"totalFetched"`
	TotalInserted int              `json:"totalInserted"`
	TotalUpdated  int              `json:"totalUpdated"`
	TotalSkipped  int              `json:"totalSkipped"`
	TotalErrors   int              `json:"totalErrors"`
	Categories    []CategoryResult `json:"categories"`
	// FailedCategories lists categories whose list fetch failed.
	FailedCategories []report.Category `json:"failedCategories"`
	Cancelled        bool              `json:"cancelled"`
	FailureLog       string            `json:"failureLog,omitempty"`
	StartedAt        time.Time         `json:"startedAt"`
	Duration         time.Duration     `json:"duration"`

	// Failures are the per-record failures behind TotalErrors.
	Failures []FailureEntry `json:"-"`
}

// Summarize adds up per-category results.
func Summarize(results []CategoryResult) Summary {
	s := Summary{
		Categories:       make([]CategoryResult, len(results)),
		FailedCategories: []report.Category{},
	}
	copy(s.Categories, results)

	for _, r := range results {
		s.TotalFetched += r.Fetched
		s.TotalInserted += r.Inserted
		s.TotalUpdated += r.Updated
		s.TotalSkipped += r.Skipped
		s.TotalErrors += r.Errors
		if r.Status == StatusFailed {
			s.FailedCategories = append(s.FailedCategories, r.Category)
		}
	}
	return s
}
