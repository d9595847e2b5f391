package sync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/renderinc/research-reports/internal/report"
)

// Reason classifies why a record failed.
type Reason string

const (
	ReasonEnrichTimeout     Reason = "enrich-timeout"
	ReasonEnrichError       Reason = "enrich-error"
	ReasonNormalizeRejected Reason = "normalize-rejected"
	ReasonPersistError      Reason = "persist-error"
	ReasonCancelled         Reason = "cancelled"
	ReasonMissingRecord     Reason = "missing-record"
)

// FailureEntry is one failed record, with enough of the original input to
// replay it without refetching the list.
type FailureEntry struct {
	Timestamp time.Time        `json:"timestamp"`
	Category  report.Category  `json:"category"`
	Index     int              `json:"index"`
	Title     string           `json:"title"`
	Error     string           `json:"error"`
	Reason    Reason           `json:"reason,omitempty"`
	Record    report.RawRecord `json:"record"`
}

// FailureSummary heads a failure log file.
type FailureSummary struct {
	TotalErrors int                     `json:"totalErrors"`
	ByCategory  map[report.Category]int `json:"byCategory"`
	GeneratedAt time.Time               `json:"generatedAt"`
	RetryFrom   string                  `json:"retryFrom,omitempty"`
}

// FailureLog is the on-disk failure log format.
type FailureLog struct {
	Summary FailureSummary `json:"summary"`
	Errors  []FailureEntry `json:"errors"`
}

// NewFailureLog wraps entries with their summary header.
func NewFailureLog(entries []FailureEntry, now time.Time, retryFrom string) *FailureLog {
	byCategory := make(map[report.Category]int)
	for _, e := range entries {
		byCategory[e.Category]++
	}
	if entries == nil {
		entries = []FailureEntry{}
	}
	return &FailureLog{
		Summary: FailureSummary{
			TotalErrors: len(entries),
			ByCategory:  byCategory,
			GeneratedAt: now,
			RetryFrom:   retryFrom,
		},
		Errors: entries,
	}
}

const failureLogPrefix = "sync-errors-"

// FailureLogName names the failure log of a run over [begin, end].
func FailureLogName(begin, end, now time.Time) string {
	return fmt.Sprintf("%s%s-to-%s-%s.json", failureLogPrefix,
		begin.Format(time.DateOnly), end.Format(time.DateOnly), now.Format("2006-01-02-150405"))
}

// RetryLogName names the log of records that failed again when replaying
// the log at orig.
func RetryLogName(orig string, now time.Time) string {
	base := strings.TrimSuffix(filepath.Base(orig), ".json")
	return fmt.Sprintf("%s-retry-%s.json", base, now.Format("2006-01-02-150405"))
}

// WriteFailureLog writes log to dir/name atomically and returns the path.
func WriteFailureLog(dir, name string, log *FailureLog) (string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create failure log dir: %w", err)
	}

	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal failure log: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".failure-log-*")
	if err != nil {
		return "", fmt.Errorf("create failure log: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("write failure log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return "", fmt.Errorf("close failure log: %w", err)
	}

	path := filepath.Join(dir, name)
	if err := os.Rename(tmp.Name(), path); err != nil {
		return "", fmt.Errorf("rename failure log: %w", err)
	}
	return path, nil
}

// ReadFailureLog loads a failure log. Numbers inside retained records stay
// json.Number so they normalize exactly as they did on the first pass.
func ReadFailureLog(path string) (*FailureLog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read failure log: %w", err)
	}

	var log FailureLog
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(&log); err != nil {
		return nil, fmt.Errorf("parse failure log %s: %w", path, err)
	}
	return &log, nil
}

// PendingFailureLogs lists the original (non-retry) failure logs in dir,
// oldest name first. A missing dir has none.
func PendingFailureLogs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("list failure logs: %w", err)
	}

	var paths []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, failureLogPrefix) || !strings.HasSuffix(name, ".json") {
			continue
		}
		if strings.Contains(name, "-retry-") {
			continue
		}
		paths = append(paths, filepath.Join(dir, name))
	}
	sort.Strings(paths)
	return paths, nil
}
