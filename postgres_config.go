package synclock

import (
	"fmt"
	"os"
	"regexp"
)

// DefaultLocksTable and DefaultFenceTable name PostgresBackend's two tables
// when the caller does not override them via WithPostgresTableNames.
const (
	DefaultLocksTable = "synclock_locks"
	DefaultFenceTable = "synclock_fence_counters"
)

var sqlIdentifierPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateTableNames rejects table names PostgresBackend cannot safely
// interpolate into its schema and query templates: non-identifier
// characters (the names are never passed as bind parameters, since
// PostgreSQL has no placeholder syntax for table names, so they must be
// restricted to a safe character set instead), or a fence table equal to
// the locks table.
func ValidateTableNames(locksTable, fenceTable string) error {
	if !sqlIdentifierPattern.MatchString(locksTable) {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "locksTable",
			"value":  locksTable,
			"reason": "must be a valid SQL identifier",
		})
	}
	if !sqlIdentifierPattern.MatchString(fenceTable) {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "fenceTable",
			"value":  fenceTable,
			"reason": "must be a valid SQL identifier",
		})
	}
	if locksTable == fenceTable {
		return WithContext(ErrInvalidConfig, map[string]interface{}{
			"field":  "fenceTable",
			"value":  fenceTable,
			"reason": "must differ from locksTable",
		})
	}
	return nil
}

// PostgresConnString returns a libpq-style connection string populated from
// standard environment variables.
//
// Environment variables read (with defaults):
//   - POSTGRES_HOST (default: "localhost")
//   - POSTGRES_PORT (default: "5432")
//   - POSTGRES_USER (default: "postgres")
//   - POSTGRES_PASSWORD (default: "")
//   - POSTGRES_DB (default: "synclock")
//   - POSTGRES_SSLMODE (default: "disable")
//
// This mirrors RedisOptions' role for the scripted-store backend: a
// convenience surface for 12-factor deployments, while callers with advanced
// needs (replicas, custom pool tuning, pgxpool.ParseConfig knobs) can still
// build a pgxpool.Config by hand.
//
// Example usage:
//
//	pool, err := pgxpool.New(ctx, synclock.PostgresConnString())
func PostgresConnString() string {
	return PostgresConnStringWithOverrides("", "", "", "", "", "")
}

// PostgresConnStringWithOverrides returns a connection string with explicit
// overrides for common parameters. Pass empty strings to fall back to the
// corresponding environment variable (or its default).
func PostgresConnStringWithOverrides(host, port, user, password, database, sslmode string) string {
	host = firstNonEmpty(host, os.Getenv("POSTGRES_HOST"), "localhost")
	port = firstNonEmpty(port, os.Getenv("POSTGRES_PORT"), "5432")
	user = firstNonEmpty(user, os.Getenv("POSTGRES_USER"), "postgres")
	password = firstNonEmpty(password, os.Getenv("POSTGRES_PASSWORD"), "")
	database = firstNonEmpty(database, os.Getenv("POSTGRES_DB"), "synclock")
	sslmode = firstNonEmpty(sslmode, os.Getenv("POSTGRES_SSLMODE"), "disable")

	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=%s",
		host, port, user, password, database, sslmode,
	)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
