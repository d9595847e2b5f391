package storage

import (
	"context"
	"os"
	"testing"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/renderinc/research-reports/internal/report"
	"github.com/renderinc/research-reports/internal/retry"
)

func TestClassify_Postgres(t *testing.T) {
	tests := []struct {
		code      string
		transient bool
	}{
		{"08006", true},
		{"40001", true},
		{"40P01", true},
		{"53300", true},
		{"57P01", true},
		{"23505", false},
		{"42P01", false},
	}

	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			err := classify(&pgconn.PgError{Code: tt.code})
			assert.Equal(t, tt.transient, retry.IsTransient(err))
		})
	}
}

// TestPostgres_RoundTrip runs against a real server when TEST_DATABASE_URL
// points at a disposable database.
func TestPostgres_RoundTrip(t *testing.T) {
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()

	db, err := OpenPostgres(ctx, dsn, 2)
	require.NoError(t, err)
	defer db.Close()

	_, err = db.pool.Exec(ctx, "TRUNCATE reports RESTART IDENTITY")
	require.NoError(t, err)

	r := sampleReport("PG", "2025-01-02", report.Strategy)
	id, err := db.Insert(ctx, r)
	require.NoError(t, err)

	found, err := db.FindExisting(ctx, []report.Key{r.Key()})
	require.NoError(t, err)
	require.Len(t, found, 1)
	assert.Equal(t, id, found[0].ID)
	assert.Equal(t, r.Key().String(), found[0].Key.String())

	got, err := db.Get(ctx, id)
	require.NoError(t, err)
	assert.True(t, got.Date.Equal(r.Date))
	assert.Equal(t, []string{"x", "y"}, got.TopicTags)

	page, err := db.List(ctx, Filter{Keyword: "pg"})
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}
