package sync

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/retry"
)

// Store is the part of the report store the pipeline writes through.
type Store interface {
	FindExisting(ctx context.Context, keys []report.Key) ([]report.KeyedID, error)
	Insert(ctx context.Context, r *report.Report) (int64, error)
	Update(ctx context.Context, id int64, r *report.Report) error
}

// Lister fetches the raw list of one category for a date window.
type Lister interface {
	FetchList(ctx context.Context, category report.Category, begin, end time.Time) ([]report.RawRecord, error)
}

// Enricher adds detail page data to one raw record.
type Enricher interface {
	Enrich(ctx context.Context, category report.Category, raw report.RawRecord) (report.Enrichment, error)
}

// Indexer receives every persisted report. Indexing failures are logged and
// never fail the record.
type Indexer interface {
	IndexReport(r *report.Report) error
}

// Options tunes a Worker.
type Options struct {
	// Concurrency caps records processed at once within a category.
	Concurrency int
	// RecordTimeout bounds one record's enrich, normalize and persist.
	RecordTimeout time.Duration
	// SkipExisting leaves stored reports untouched instead of overwriting.
	SkipExisting bool
	// FailureLogDir receives one failure log per run; empty disables it.
	FailureLogDir string
	// PersistRetry governs store writes and the existence lookup.
	PersistRetry retry.Policy
	// Now defaults to time.Now.
	Now func() time.Time
}

// DefaultPersistRetry retries transient store errors once.
var DefaultPersistRetry = retry.Policy{Attempts: 2, BaseDelay: 500 * time.Millisecond}

// Worker runs the ingestion pipeline.
type Worker struct {
	lister   Lister
	enricher Enricher
	store    Store
	index    Indexer
	opts     Options
}

// NewWorker creates a new sync worker. index may be nil.
func NewWorker(lister Lister, enricher Enricher, store Store, index Indexer, opts Options) *Worker {
	if opts.Concurrency < 1 {
		opts.Concurrency = 1
	}
	if opts.RecordTimeout <= 0 {
		opts.RecordTimeout = 90 * time.Second
	}
	if opts.PersistRetry.Attempts == 0 {
		opts.PersistRetry = DefaultPersistRetry
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		lister:   lister,
		enricher: enricher,
		store:    store,
		index:    index,
		opts:     opts,
	}
}

// Window is an inclusive range of calendar days, each at UTC midnight.
type Window struct {
	Begin time.Time
	End   time.Time
}

// LastDays is the window ending today (UTC+8) and starting days earlier.
func LastDays(now time.Time, days int) Window {
	y, m, d := now.In(report.CivilZone).Date()
	end := time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
	return Window{Begin: end.AddDate(0, 0, -days), End: end}
}

// ParseWindow parses YYYY-MM-DD bounds.
func ParseWindow(begin, end string) (Window, error) {
	b, err := time.Parse(time.DateOnly, begin)
	if err != nil {
		return Window{}, fmt.Errorf("invalid begin date %q: %w", begin, err)
	}
	e, err := time.Parse(time.DateOnly, end)
	if err != nil {
		return Window{}, fmt.Errorf("invalid end date %q: %w", end, err)
	}
	if e.Before(b) {
		return Window{}, fmt.Errorf("end date %s is before begin date %s", end, begin)
	}
	return Window{Begin: b, End: e}, nil
}

var (
	// ErrNoCategories is returned when a run has nothing to do.
	ErrNoCategories = errors.New("no categories to sync")
	// ErrRecordTimeout marks records abandoned after RecordTimeout.
	ErrRecordTimeout = errors.New("record timed out")
)

// RunSync ingests categories one after another in their fixed order. A
// category whose list cannot be fetched is reported as failed and the run
// moves on. Cancelling ctx stops the run between records and returns what
// was done so far.
func (w *Worker) RunSync(ctx context.Context, categories []report.Category, win Window) (*Summary, error) {
	startedAt := w.opts.Now()
	runID := uuid.NewString()
	log := logger.Log.WithField("run", runID)

	ordered := orderCategories(categories)
	if len(ordered) == 0 {
		return nil, ErrNoCategories
	}

	log.WithFields(logrus.Fields{
		"categories":   ordered,
		"begin":        win.Begin.Format(time.DateOnly),
		"end":          win.End.Format(time.DateOnly),
		"skipExisting": w.opts.SkipExisting,
	}).Info("starting sync")

	var (
		results   []CategoryResult
		failures  []FailureEntry
		cancelled bool
	)
	for _, c := range ordered {
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		res, fails, stopped := w.syncCategory(ctx, c, win)
		results = append(results, res)
		failures = append(failures, fails...)
		if stopped {
			cancelled = true
			break
		}
	}

	summary := Summarize(results)
	summary.RunID = runID
	summary.StartedAt = startedAt
	summary.Duration = w.opts.Now().Sub(startedAt)
	summary.Cancelled = cancelled
	summary.Failures = failures

	if len(failures) > 0 && w.opts.FailureLogDir != "" {
		now := w.opts.Now()
		path, err := WriteFailureLog(w.opts.FailureLogDir, FailureLogName(win.Begin, win.End, now), NewFailureLog(failures, now, ""))
		if err != nil {
			log.WithError(err).Error("write failure log")
		} else {
			summary.FailureLog = path
		}
	}

	log.WithFields(logrus.Fields{
		"fetched":   summary.TotalFetched,
		"inserted":  summary.TotalInserted,
		"updated":   summary.TotalUpdated,
		"skipped":   summary.TotalSkipped,
		"errors":    summary.TotalErrors,
		"failed":    summary.FailedCategories,
		"cancelled": summary.Cancelled,
		"duration":  summary.Duration,
	}).Info("sync complete")

	return &summary, nil
}

func orderCategories(categories []report.Category) []report.Category {
	if len(categories) == 0 {
		return append([]report.Category(nil), report.Sequence...)
	}
	rank := make(map[report.Category]int, len(report.Sequence))
	for i, c := range report.Sequence {
		rank[c] = i
	}

	seen := make(map[report.Category]struct{})
	var out []report.Category
	for _, c := range categories {
		if _, ok := rank[c]; !ok {
			continue
		}
		if _, dup := seen[c]; dup {
			continue
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return rank[out[i]] < rank[out[j]] })
	return out
}

func (w *Worker) syncCategory(ctx context.Context, c report.Category, win Window) (CategoryResult, []FailureEntry, bool) {
	started := time.Now()
	res := CategoryResult{Category: c}
	log := logger.Log.WithField("category", c)

	// 1. Fetch the list
	records, err := w.lister.FetchList(ctx, c, win.Begin, win.End)
	if err != nil {
		log.WithError(err).Error("list fetch failed, skipping category")
		res.Error = err.Error()
		res.Duration = time.Since(started)
		res.settle(false)
		return res, nil, ctx.Err() != nil
	}
	res.Fetched = len(records)
	log.WithField("records", len(records)).Info("fetched list")

	items := make([]item, len(records))
	for i, r := range records {
		items[i] = item{index: i, raw: r}
	}

	// 2. Reconcile and process
	fails, cancelled := w.processBatch(ctx, c, items, w.opts.SkipExisting, &res)
	res.Duration = time.Since(started)
	res.settle(cancelled)

	log.WithFields(logrus.Fields{
		"status":   res.Status,
		"inserted": res.Inserted,
		"updated":  res.Updated,
		"skipped":  res.Skipped,
		"errors":   res.Errors,
	}).Info("category done")
	return res, fails, cancelled
}

type item struct {
	index int
	raw   report.RawRecord
}

type recordError struct {
	reason Reason
	err    error
}

func (e *recordError) Error() string { return string(e.reason) + ": " + e.err.Error() }
func (e *recordError) Unwrap() error { return e.err }

// processBatch reconciles items with one existence lookup, then runs the
// per-record pipeline under the concurrency limit, tallying into res.
func (w *Worker) processBatch(ctx context.Context, c report.Category, items []item, skipExisting bool, res *CategoryResult) ([]FailureEntry, bool) {
	now := w.opts.Now()
	log := logger.Log.WithField("category", c)

	var (
		mu       sync.Mutex
		failures []FailureEntry
	)
	fail := func(it item, rerr *recordError) {
		mu.Lock()
		defer mu.Unlock()
		res.Errors++
		failures = append(failures, FailureEntry{
			Timestamp: w.opts.Now(),
			Category:  c,
			Index:     it.index,
			Title:     it.raw.Title(),
			Error:     rerr.Error(),
			Reason:    rerr.reason,
			Record:    it.raw,
		})
		log.WithFields(logrus.Fields{"index": it.index, "title": it.raw.Title()}).WithError(rerr).Warn("record failed")
	}

	keyed := make([]item, 0, len(items))
	keys := make([]report.Key, 0, len(items))
	for _, it := range items {
		if it.raw == nil {
			fail(it, &recordError{reason: ReasonMissingRecord, err: errors.New("no raw record retained, cannot process")})
			continue
		}
		k, err := report.KeyOf(it.raw, now)
		if err != nil {
			fail(it, &recordError{reason: ReasonNormalizeRejected, err: err})
			continue
		}
		keyed = append(keyed, it)
		keys = append(keys, k)
	}

	var decisions []Decision
	err := retry.Do(ctx, w.opts.PersistRetry, func() error {
		var err error
		decisions, err = Reconcile(ctx, w.store, keys, skipExisting)
		return err
	})
	if err != nil {
		res.Error = err.Error()
		for _, it := range keyed {
			fail(it, &recordError{reason: ReasonPersistError, err: err})
		}
		return failures, ctx.Err() != nil
	}

	var g errgroup.Group
	g.SetLimit(w.opts.Concurrency)
	cancelled := false

	for i, it := range keyed {
		d := decisions[i]
		if d.Skips() {
			mu.Lock()
			res.Skipped++
			mu.Unlock()
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		g.Go(func() error {
			action, rerr := w.runRecord(ctx, c, it.raw, d, now)
			if rerr != nil {
				fail(it, rerr)
				return nil
			}
			mu.Lock()
			switch action {
			case ActionInsert:
				res.Inserted++
			case ActionUpdate:
				res.Updated++
			}
			mu.Unlock()
			return nil
		})
	}
	g.Wait()

	if ctx.Err() != nil {
		cancelled = true
	}
	return failures, cancelled
}

// runRecord races the record pipeline against the record timeout. On
// timeout the pipeline's context is cancelled and its result discarded.
func (w *Worker) runRecord(ctx context.Context, c report.Category, raw report.RawRecord, d Decision, now time.Time) (Action, *recordError) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()

	type result struct {
		action Action
		err    *recordError
	}
	done := make(chan result, 1)
	go func() {
		a, err := w.pipeline(rctx, c, raw, d, now)
		done <- result{a, err}
	}()

	timer := time.NewTimer(w.opts.RecordTimeout)
	defer timer.Stop()

	select {
	case r := <-done:
		return r.action, r.err
	case <-timer.C:
		return 0, &recordError{
			reason: ReasonEnrichTimeout,
			err:    fmt.Errorf("%w after %s", ErrRecordTimeout, w.opts.RecordTimeout),
		}
	case <-ctx.Done():
		return 0, &recordError{reason: ReasonCancelled, err: ctx.Err()}
	}
}

func (w *Worker) pipeline(ctx context.Context, c report.Category, raw report.RawRecord, d Decision, now time.Time) (Action, *recordError) {
	// 1. Enrich from the detail page
	enr, err := w.enricher.Enrich(ctx, c, raw)
	if err != nil {
		return 0, &recordError{reason: ReasonEnrichError, err: err}
	}

	// 2. Normalize
	r, err := report.Normalize(c, raw, enr, now)
	if err != nil {
		return 0, &recordError{reason: ReasonNormalizeRejected, err: err}
	}

	// 3. Persist as decided
	switch d.Action {
	case ActionInsert:
		err = retry.Do(ctx, w.opts.PersistRetry, func() error {
			id, err := w.store.Insert(ctx, r)
			r.ID = id
			return err
		})
	case ActionUpdate:
		r.ID = d.ExistingID
		err = retry.Do(ctx, w.opts.PersistRetry, func() error {
			return w.store.Update(ctx, d.ExistingID, r)
		})
	default:
		return d.Action, nil
	}
	if err != nil {
		return 0, &recordError{reason: ReasonPersistError, err: err}
	}

	// 4. Index
	if w.index != nil {
		if err := w.index.IndexReport(r); err != nil {
			logger.Log.WithError(err).WithField("id", r.ID).Warn("index report")
		}
	}

	logger.Log.WithFields(logrus.Fields{
		"category": c,
		"id":       r.ID,
		"action":   d.Action,
	}).Debugf("synced: %s", r.Title)
	return d.Action, nil
}
