package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/renderinc/research-reports/internal/report"
)

// keysPerQuery bounds the OR-chain in FindExisting; three parameters per key
// stays well under SQLite's variable limit.
const keysPerQuery = 200

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS reports (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	title TEXT NOT NULL,
	category TEXT NOT NULL,
	org TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	date TEXT NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	pdf_url TEXT,
	source_url TEXT NOT NULL DEFAULT '',
	stock_code TEXT,
	stock_name TEXT,
	industry TEXT,
	rating TEXT,
	rating_change TEXT,
	target_price REAL,
	change_percent REAL,
	topic_tags TEXT NOT NULL DEFAULT '[]',
	impact_level TEXT,
	data_source TEXT NOT NULL,
	created_at TIMESTAMP NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_natural_key ON reports(title, date, org);
CREATE INDEX IF NOT EXISTS idx_reports_category ON reports(category);
CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date);
CREATE INDEX IF NOT EXISTS idx_reports_org ON reports(org);
`

const reportColumns = `id, title, category, org, author, date, summary, pdf_url, source_url,
	stock_code, stock_name, industry, rating, rating_change, target_price, change_percent,
	topic_tags, impact_level, data_source, created_at`

// SQLite is a Store backed by a local SQLite file.
type SQLite struct {
	db *sql.DB
}

// OpenSQLite opens or creates the database at path. maxConns bounds open
// connections and should track the sync concurrency.
func OpenSQLite(path string, maxConns int) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "." && !strings.HasPrefix(path, "file:") && path != ":memory:" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
	}

	dsn := path
	if !strings.Contains(dsn, "?") {
		dsn += "?_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
	}
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if maxConns > 0 {
		db.SetMaxOpenConns(maxConns)
	}

	if _, err := db.Exec(sqliteSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}

	return &SQLite{db: db}, nil
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) FindExisting(ctx context.Context, keys []report.Key) ([]report.KeyedID, error) {
	var found []report.KeyedID
	for start := 0; start < len(keys); start += keysPerQuery {
		end := min(start+keysPerQuery, len(keys))
		chunk := keys[start:end]

		conds := make([]string, len(chunk))
		args := make([]any, 0, len(chunk)*3)
		for i, k := range chunk {
			conds[i] = "(title = ? AND date = ? AND org = ?)"
			args = append(args, k.Title, k.Date.UTC().Format(time.DateOnly), k.Org)
		}

		query := "SELECT id, title, date, org FROM reports WHERE " + strings.Join(conds, " OR ")
		rows, err := s.db.QueryContext(ctx, query, args...)
		if err != nil {
			return nil, classify(fmt.Errorf("find existing: %w", err))
		}
		for rows.Next() {
			var (
				k    report.KeyedID
				date string
			)
			if err := rows.Scan(&k.ID, &k.Key.Title, &date, &k.Key.Org); err != nil {
				rows.Close()
				return nil, err
			}
			if k.Key.Date, err = time.Parse(time.DateOnly, date); err != nil {
				rows.Close()
				return nil, fmt.Errorf("report %d has bad date %q: %w", k.ID, date, err)
			}
			found = append(found, k)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, classify(err)
		}
	}
	return found, nil
}

func (s *SQLite) Insert(ctx context.Context, r *report.Report) (int64, error) {
	tags, err := json.Marshal(nonNilTags(r.TopicTags))
	if err != nil {
		return 0, fmt.Errorf("marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
	INSERT INTO reports (
		title, category, org, author, date, summary, pdf_url, source_url,
		stock_code, stock_name, industry, rating, rating_change, target_price, change_percent,
		topic_tags, impact_level, data_source, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Title, string(r.Category), r.Org, r.Author, r.Date.UTC().Format(time.DateOnly), r.Summary, r.PDFURL, r.SourceURL,
		r.StockCode, r.StockName, r.Industry, r.Rating, r.RatingChange, r.TargetPrice, r.ChangePercent,
		string(tags), impactValue(r.ImpactLevel), r.DataSource, r.CreatedAt,
	)
	if err != nil {
		return 0, classify(fmt.Errorf("insert report: %w", err))
	}
	return res.LastInsertId()
}

func (s *SQLite) Update(ctx context.Context, id int64, r *report.Report) error {
	tags, err := json.Marshal(nonNilTags(r.TopicTags))
	if err != nil {
		return fmt.Errorf("marshal tags: %w", err)
	}

	res, err := s.db.ExecContext(ctx, `
	UPDATE reports SET
		title = ?, category = ?, org = ?, author = ?, date = ?, summary = ?, pdf_url = ?, source_url = ?,
		stock_code = ?, stock_name = ?, industry = ?, rating = ?, rating_change = ?,
		target_price = ?, change_percent = ?, topic_tags = ?, impact_level = ?, data_source = ?
	WHERE id = ?`,
		r.Title, string(r.Category), r.Org, r.Author, r.Date.UTC().Format(time.DateOnly), r.Summary, r.PDFURL, r.SourceURL,
		r.StockCode, r.StockName, r.Industry, r.Rating, r.RatingChange,
		r.TargetPrice, r.ChangePercent, string(tags), impactValue(r.ImpactLevel), r.DataSource,
		id,
	)
	if err != nil {
		return classify(fmt.Errorf("update report %d: %w", id, err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return fmt.Errorf("update report %d: no such report", id)
	}
	return nil
}

func (s *SQLite) Get(ctx context.Context, id int64) (*report.Report, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = ?", id)
	r, err := scanSQLite(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func (s *SQLite) List(ctx context.Context, f Filter) (*Page, error) {
	f = f.normalized()

	var (
		conds []string
		args  []any
	)
	if f.Category != "" {
		conds = append(conds, "category = ?")
		args = append(args, string(f.Category))
	}
	if f.Org != "" {
		conds = append(conds, "org LIKE ?")
		args = append(args, "%"+f.Org+"%")
	}
	if f.Keyword != "" {
		conds = append(conds, "(title LIKE ? OR summary LIKE ?)")
		kw := "%" + f.Keyword + "%"
		args = append(args, kw, kw)
	}
	if f.StartDate != nil {
		conds = append(conds, "date >= ?")
		args = append(args, f.StartDate.UTC().Format(time.DateOnly))
	}
	if f.EndDate != nil {
		conds = append(conds, "date <= ?")
		args = append(args, f.EndDate.UTC().Format(time.DateOnly))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}

	query := "SELECT " + reportColumns + " FROM reports" + where + " ORDER BY date DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, append(args, f.PageSize, f.offset())...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var items []*report.Report
	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return newPage(f, items, total), nil
}

func (s *SQLite) CategoryCounts(ctx context.Context) ([]CategoryCount, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT category, COUNT(*) FROM reports GROUP BY category ORDER BY category")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := []CategoryCount{}
	for rows.Next() {
		var (
			c   string
			cnt int
		)
		if err := rows.Scan(&c, &cnt); err != nil {
			return nil, err
		}
		counts = append(counts, CategoryCount{Category: report.Category(c), Count: cnt})
	}
	return counts, rows.Err()
}

// Count returns the total number of reports.
func (s *SQLite) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM reports").Scan(&count)
	return count, err
}

func (s *SQLite) Each(ctx context.Context, fn func(*report.Report) error) error {
	rows, err := s.db.QueryContext(ctx, "SELECT "+reportColumns+" FROM reports ORDER BY date DESC, id DESC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanSQLite(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSQLite(sc scanner) (*report.Report, error) {
	var (
		r        report.Report
		category string
		date     string
		tags     string
		impact   sql.NullString
	)
	err := sc.Scan(
		&r.ID, &r.Title, &category, &r.Org, &r.Author, &date, &r.Summary, &r.PDFURL, &r.SourceURL,
		&r.StockCode, &r.StockName, &r.Industry, &r.Rating, &r.RatingChange, &r.TargetPrice, &r.ChangePercent,
		&tags, &impact, &r.DataSource, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Category = report.Category(category)
	if r.Date, err = time.Parse(time.DateOnly, date); err != nil {
		return nil, fmt.Errorf("report %d has bad date %q: %w", r.ID, date, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.TopicTags); err != nil {
		return nil, fmt.Errorf("report %d has bad tags: %w", r.ID, err)
	}
	r.TopicTags = nonNilTags(r.TopicTags)
	if impact.Valid {
		lvl := report.Impact(impact.String)
		r.ImpactLevel = &lvl
	}
	return &r, nil
}

func nonNilTags(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

func impactValue(i *report.Impact) any {
	if i == nil {
		return nil
	}
	return string(*i)
}
