package sync

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/renderinc/research-reports/internal/logger"
	"github.com/renderinc/research-reports/internal/report"
)

// Replay reruns the record pipeline over retained raw records from a
// failure log, skipping the list fetch. With skipIfExists, records that
// have since been stored some other way are skipped; otherwise they are
// overwritten.
func (w *Worker) Replay(ctx context.Context, entries []FailureEntry, skipIfExists bool) (*Summary, error) {
	startedAt := w.opts.Now()
	runID := uuid.NewString()

	byCategory := make(map[report.Category][]item)
	var unknown []FailureEntry
	for _, e := range entries {
		if _, err := report.ParseCategory(string(e.Category)); err != nil {
			e.Error = err.Error()
			e.Reason = ReasonNormalizeRejected
			e.Timestamp = w.opts.Now()
			unknown = append(unknown, e)
			continue
		}
		byCategory[e.Category] = append(byCategory[e.Category], item{index: e.Index, raw: e.Record})
	}

	logger.Log.WithFields(logrus.Fields{
		"run":          runID,
		"records":      len(entries),
		"skipIfExists": skipIfExists,
	}).Info("starting replay")

	var (
		results   []CategoryResult
		failures  = unknown
		cancelled bool
	)
	for _, c := range report.Sequence {
		items, ok := byCategory[c]
		if !ok {
			continue
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}

		started := time.Now()
		res := CategoryResult{Category: c, Fetched: len(items)}
		fails, stopped := w.processBatch(ctx, c, items, skipIfExists, &res)
		res.Duration = time.Since(started)
		res.settle(stopped)
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
	summary.TotalErrors += len(unknown)

	logger.Log.WithFields(logrus.Fields{
		"run":      runID,
		"inserted": summary.TotalInserted,
		"updated":  summary.TotalUpdated,
		"skipped":  summary.TotalSkipped,
		"errors":   summary.TotalErrors,
	}).Info("replay complete")
	return &summary, nil
}

// ReplayFile replays the failure log at path. Records that fail again are
// written next to it as a retry log, which is named in the summary.
func (w *Worker) ReplayFile(ctx context.Context, path string, skipIfExists bool) (*Summary, error) {
	flog, err := ReadFailureLog(path)
	if err != nil {
		return nil, err
	}

	summary, err := w.Replay(ctx, flog.Errors, skipIfExists)
	if err != nil {
		return nil, err
	}

	if len(summary.Failures) > 0 {
		now := w.opts.Now()
		out, err := WriteFailureLog(filepath.Dir(path), RetryLogName(path, now), NewFailureLog(summary.Failures, now, path))
		if err != nil {
			return summary, fmt.Errorf("write retry log: %w", err)
		}
		summary.FailureLog = out
	}
	return summary, nil
}

// ReplayPending replays every original failure log in dir in name order. A
// log that cannot be replayed is logged and the rest still run.
func (w *Worker) ReplayPending(ctx context.Context, dir string, skipIfExists bool) ([]*Summary, error) {
	paths, err := PendingFailureLogs(dir)
	if err != nil {
		return nil, err
	}

	var summaries []*Summary
	for _, p := range paths {
		if ctx.Err() != nil {
			break
		}
		s, err := w.ReplayFile(ctx, p, skipIfExists)
		if err != nil {
			logger.Log.WithError(err).WithField("file", filepath.Base(p)).Error("replay failed")
			continue
		}
		summaries = append(summaries, s)
	}
	return summaries, nil
}
