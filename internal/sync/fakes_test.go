package sync

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/renderinc/research-reports/internal/report"
)

type fakeLister struct {
	lists map[report.Category][]report.RawRecord
	errs  map[report.Category]error
	calls []report.Category
	mu    sync.Mutex
}

func (f *fakeLister) FetchList(ctx context.Context, c report.Category, begin, end time.Time) ([]report.RawRecord, error) {
	f.mu.Lock()
	f.calls = append(f.calls, c)
	f.mu.Unlock()
	if err := f.errs[c]; err != nil {
		return nil, err
	}
	return f.lists[c], nil
}

// fakeEnricher runs fn when set and tracks call counts and peak concurrency.
type fakeEnricher struct {
	fn       func(ctx context.Context, raw report.RawRecord) (report.Enrichment, error)
	delay    time.Duration
	calls    int32
	inFlight int32
	peak     int32
}

func (f *fakeEnricher) Enrich(ctx context.Context, c report.Category, raw report.RawRecord) (report.Enrichment, error) {
	atomic.AddInt32(&f.calls, 1)
	n := atomic.AddInt32(&f.inFlight, 1)
	defer atomic.AddInt32(&f.inFlight, -1)
	for {
		p := atomic.LoadInt32(&f.peak)
		if n <= p || atomic.CompareAndSwapInt32(&f.peak, p, n) {
			break
		}
	}

	if f.delay > 0 {
		time.Sleep(f.delay)
	}
	if f.fn != nil {
		return f.fn(ctx, raw)
	}
	return report.Enrichment{Summary: "summary", SourceURL: "https://detail/" + raw.Title()}, nil
}

// memStore is an in-memory Store.
type memStore struct {
	mu         sync.Mutex
	nextID     int64
	rows       map[int64]*report.Report
	findCalls  int
	insertErrs []error // returned by successive Insert calls before succeeding
}

func newMemStore() *memStore {
	return &memStore{rows: map[int64]*report.Report{}}
}

func (m *memStore) FindExisting(ctx context.Context, keys []report.Key) ([]report.KeyedID, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.findCalls++

	want := map[string]struct{}{}
	for _, k := range keys {
		want[k.String()] = struct{}{}
	}
	var out []report.KeyedID
	for id, r := range m.rows {
		if _, ok := want[r.Key().String()]; ok {
			out = append(out, report.KeyedID{ID: id, Key: r.Key()})
		}
	}
	return out, nil
}

func (m *memStore) Insert(ctx context.Context, r *report.Report) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.insertErrs) > 0 {
		err := m.insertErrs[0]
		m.insertErrs = m.insertErrs[1:]
		return 0, err
	}
	for _, existing := range m.rows {
		if existing.Key().String() == r.Key().String() {
			return 0, errors.New("duplicate natural key")
		}
	}
	m.nextID++
	cp := *r
	cp.ID = m.nextID
	m.rows[m.nextID] = &cp
	return m.nextID, nil
}

func (m *memStore) Update(ctx context.Context, id int64, r *report.Report) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[id]; !ok {
		return fmt.Errorf("no report %d", id)
	}
	cp := *r
	cp.ID = id
	m.rows[id] = &cp
	return nil
}

func (m *memStore) len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.rows)
}

func (m *memStore) all() []*report.Report {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*report.Report, 0, len(m.rows))
	for _, r := range m.rows {
		out = append(out, r)
	}
	return out
}

type fakeIndexer struct {
	mu  sync.Mutex
	ids []int64
}

func (f *fakeIndexer) IndexReport(r *report.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ids = append(f.ids, r.ID)
	return nil
}

func records(n int, date string) []report.RawRecord {
	out := make([]report.RawRecord, n)
	for i := range out {
		out[i] = report.RawRecord{
			"title":       fmt.Sprintf("Report %d", i),
			"orgSName":    "Org",
			"publishDate": date,
			"encodeUrl":   fmt.Sprintf("enc%d", i),
		}
	}
	return out
}
