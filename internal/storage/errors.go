package storage

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/mattn/go-sqlite3"

	"github.com/renderinc/research-reports/internal/retry"
)

// classify marks driver errors that are worth retrying: busy or locked SQLite
// databases, and Postgres connection, serialization, deadlock and shutdown
// failures.
func classify(err error) error {
	if err == nil || retry.IsTransient(err) {
		return err
	}

	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return retry.Transient(err)
		}
		return err
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "57P"), // operator intervention
			pgErr.Code == "40001",                // serialization_failure
			pgErr.Code == "40P01",                // deadlock_detected
			pgErr.Code == "53300":                // too_many_connections
			return retry.Transient(err)
		}
		return err
	}

	if pgconn.SafeToRetry(err) || pgconn.Timeout(err) {
		return retry.Transient(err)
	}
	return err
}
