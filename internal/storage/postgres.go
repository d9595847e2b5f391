package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/renderinc/research-reports/internal/report"
)

const postgresSchema = `
CREATE TABLE IF NOT EXISTS reports (
	id BIGSERIAL PRIMARY KEY,
	title TEXT NOT NULL,
	category TEXT NOT NULL,
	org TEXT NOT NULL,
	author TEXT NOT NULL DEFAULT '',
	date DATE NOT NULL,
	summary TEXT NOT NULL DEFAULT '',
	pdf_url TEXT,
	source_url TEXT NOT NULL DEFAULT '',
	stock_code TEXT,
	stock_name TEXT,
	industry TEXT,
	rating TEXT,
	rating_change TEXT,
	target_price DOUBLE PRECISION,
	change_percent DOUBLE PRECISION,
	topic_tags TEXT[] NOT NULL DEFAULT '{}',
	impact_level TEXT,
	data_source TEXT NOT NULL,
	created_at TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS idx_reports_natural_key ON reports(title, date, org);
CREATE INDEX IF NOT EXISTS idx_reports_category ON reports(category);
CREATE INDEX IF NOT EXISTS idx_reports_date ON reports(date);
CREATE INDEX IF NOT EXISTS idx_reports_org ON reports(org);
`

// Postgres is a Store backed by a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

// OpenPostgres connects to dsn and makes sure the schema exists.
func OpenPostgres(ctx context.Context, dsn string, maxConns int) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	if _, err := pool.Exec(ctx, postgresSchema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("init schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Close closes the pool.
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) FindExisting(ctx context.Context, keys []report.Key) ([]report.KeyedID, error) {
	if len(keys) == 0 {
		return nil, nil
	}

	titles := make([]string, len(keys))
	dates := make([]time.Time, len(keys))
	orgs := make([]string, len(keys))
	for i, k := range keys {
		titles[i], dates[i], orgs[i] = k.Title, k.Date.UTC(), k.Org
	}

	rows, err := p.pool.Query(ctx, `
	SELECT r.id, r.title, r.date, r.org
	FROM reports r
	JOIN unnest($1::text[], $2::date[], $3::text[]) AS k(title, date, org)
	  ON r.title = k.title AND r.date = k.date AND r.org = k.org`,
		titles, dates, orgs)
	if err != nil {
		return nil, classify(fmt.Errorf("find existing: %w", err))
	}
	defer rows.Close()

	var found []report.KeyedID
	for rows.Next() {
		var k report.KeyedID
		if err := rows.Scan(&k.ID, &k.Key.Title, &k.Key.Date, &k.Key.Org); err != nil {
			return nil, err
		}
		k.Key.Date = k.Key.Date.UTC()
		found = append(found, k)
	}
	return found, classify(rows.Err())
}

func (p *Postgres) Insert(ctx context.Context, r *report.Report) (int64, error) {
	var id int64
	err := p.pool.QueryRow(ctx, `
	INSERT INTO reports (
		title, category, org, author, date, summary, pdf_url, source_url,
		stock_code, stock_name, industry, rating, rating_change, target_price, change_percent,
		topic_tags, impact_level, data_source, created_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	RETURNING id`,
		r.Title, string(r.Category), r.Org, r.Author, r.Date.UTC(), r.Summary, r.PDFURL, r.SourceURL,
		r.StockCode, r.StockName, r.Industry, r.Rating, r.RatingChange, r.TargetPrice, r.ChangePercent,
		nonNilTags(r.TopicTags), impactValue(r.ImpactLevel), r.DataSource, r.CreatedAt,
	).Scan(&id)
	if err != nil {
		return 0, classify(fmt.Errorf("insert report: %w", err))
	}
	return id, nil
}

func (p *Postgres) Update(ctx context.Context, id int64, r *report.Report) error {
	tag, err := p.pool.Exec(ctx, `
	UPDATE reports SET
		title = $1, category = $2, org = $3, author = $4, date = $5, summary = $6, pdf_url = $7, source_url = $8,
		stock_code = $9, stock_name = $10, industry = $11, rating = $12, rating_change = $13,
		target_price = $14, change_percent = $15, topic_tags = $16, impact_level = $17, data_source = $18
	WHERE id = $19`,
		r.Title, string(r.Category), r.Org, r.Author, r.Date.UTC(), r.Summary, r.PDFURL, r.SourceURL,
		r.StockCode, r.StockName, r.Industry, r.Rating, r.RatingChange,
		r.TargetPrice, r.ChangePercent, nonNilTags(r.TopicTags), impactValue(r.ImpactLevel), r.DataSource,
		id,
	)
	if err != nil {
		return classify(fmt.Errorf("update report %d: %w", id, err))
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update report %d: no such report", id)
	}
	return nil
}

func (p *Postgres) Get(ctx context.Context, id int64) (*report.Report, error) {
	row := p.pool.QueryRow(ctx, "SELECT "+reportColumns+" FROM reports WHERE id = $1", id)
	r, err := scanPostgres(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return r, err
}

func (p *Postgres) List(ctx context.Context, f Filter) (*Page, error) {
	f = f.normalized()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}
	if f.Category != "" {
		conds = append(conds, "category = "+arg(string(f.Category)))
	}
	if f.Org != "" {
		conds = append(conds, "org ILIKE "+arg("%"+f.Org+"%"))
	}
	if f.Keyword != "" {
		kw := arg("%" + f.Keyword + "%")
		conds = append(conds, "(title ILIKE "+kw+" OR summary ILIKE "+kw+")")
	}
	if f.StartDate != nil {
		conds = append(conds, "date >= "+arg(f.StartDate.UTC()))
	}
	if f.EndDate != nil {
		conds = append(conds, "date <= "+arg(f.EndDate.UTC()))
	}
	where := ""
	if len(conds) > 0 {
		where = " WHERE " + strings.Join(conds, " AND ")
	}

	var total int
	if err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reports"+where, args...).Scan(&total); err != nil {
		return nil, fmt.Errorf("count reports: %w", err)
	}

	limit := arg(f.PageSize)
	offset := arg(f.offset())
	rows, err := p.pool.Query(ctx, "SELECT "+reportColumns+" FROM reports"+where+
		" ORDER BY date DESC, id DESC LIMIT "+limit+" OFFSET "+offset, args...)
	if err != nil {
		return nil, fmt.Errorf("list reports: %w", err)
	}
	defer rows.Close()

	var items []*report.Report
	for rows.Next() {
		r, err := scanPostgres(rows)
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

func (p *Postgres) CategoryCounts(ctx context.Context) ([]CategoryCount, error) {
	rows, err := p.pool.Query(ctx, "SELECT category, COUNT(*) FROM reports GROUP BY category ORDER BY category")
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

func (p *Postgres) Count(ctx context.Context) (int, error) {
	var count int
	err := p.pool.QueryRow(ctx, "SELECT COUNT(*) FROM reports").Scan(&count)
	return count, err
}

func (p *Postgres) Each(ctx context.Context, fn func(*report.Report) error) error {
	rows, err := p.pool.Query(ctx, "SELECT "+reportColumns+" FROM reports ORDER BY date DESC, id DESC")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		r, err := scanPostgres(rows)
		if err != nil {
			return err
		}
		if err := fn(r); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanPostgres(row pgx.Row) (*report.Report, error) {
	var (
		r        report.Report
		category string
		impact   *string
	)
	err := row.Scan(
		&r.ID, &r.Title, &category, &r.Org, &r.Author, &r.Date, &r.Summary, &r.PDFURL, &r.SourceURL,
		&r.StockCode, &r.StockName, &r.Industry, &r.Rating, &r.RatingChange, &r.TargetPrice, &r.ChangePercent,
		&r.TopicTags, &impact, &r.DataSource, &r.CreatedAt,
	)
	if err != nil {
		return nil, err
	}

	r.Category = report.Category(category)
	r.Date = r.Date.UTC()
	r.TopicTags = nonNilTags(r.TopicTags)
	if impact != nil {
		lvl := report.Impact(*impact)
		r.ImpactLevel = &lvl
	}
	return &r, nil
}
