// Package postgres implements the store using pgx/v5 with raw SQL.
// Each request is one row holding the JSONB document plus the columns
// needed for filtering. CASUpdate is a conditional UPDATE on the version
// column, a partial unique index enforces one in-flight request per bug
// report, and expired terminal rows are removed by PurgeExpired.
// Migrations are embedded SQL files.
package postgres
