package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wesm/jira-mirror/internal/models"
)

// ErrUnknownEntityType is returned for an entity type missing from the catalog
var ErrUnknownEntityType = errors.New("unknown entity type")

// DB represents the database connection
type DB struct {
	*sql.DB
	now func() time.Time
}

// New creates a new database connection
func New(dbPath string) (*DB, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=off&_busy_timeout=5000&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &DB{DB: db, now: time.Now}, nil
}

// Initialize creates the database schema if it doesn't exist
func (db *DB) Initialize() error {
	schema := `
	CREATE TABLE IF NOT EXISTS accounts (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL DEFAULT '',
		site_url TEXT NOT NULL DEFAULT '',
		scopes TEXT NOT NULL DEFAULT '',
		access_token TEXT NOT NULL,
		refresh_token TEXT NOT NULL DEFAULT '',
		expires_at TIMESTAMP,
		last_refresh_at TIMESTAMP,
		failure_count INTEGER NOT NULL DEFAULT 0,
		active BOOLEAN NOT NULL DEFAULT 1,
		is_primary BOOLEAN NOT NULL DEFAULT 0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS accounts_single_primary
		ON accounts(is_primary) WHERE is_primary = 1 AND active = 1;

	CREATE TABLE IF NOT EXISTS sync_runs (
		id TEXT PRIMARY KEY,
		account_id TEXT NOT NULL,
		started_at TIMESTAMP NOT NULL,
		finished_at TIMESTAMP NOT NULL,
		total_records INTEGER NOT NULL,
		failed_types INTEGER NOT NULL,
		results TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS sync_runs_account ON sync_runs(account_id, finished_at);
	`

	var b strings.Builder
	b.WriteString(schema)
	for _, t := range entityTables {
		b.WriteString(t.createStatement())
	}

	if _, err := db.Exec(b.String()); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}

	return nil
}

// UpsertEntity saves an entity record, overwriting any row with the same natural key
func (db *DB) UpsertEntity(ctx context.Context, rec *models.EntityRecord) error {
	table, ok := LookupTable(rec.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownEntityType, rec.Type)
	}
	if rec.AccountID == "" || rec.NaturalKey == "" {
		return fmt.Errorf("failed to save %s: account id and natural key are required", rec.Type)
	}
	for name := range rec.Fields {
		if !table.hasColumn(name) {
			return fmt.Errorf("failed to save %s: unknown column %q", rec.Type, name)
		}
	}

	raw := string(rec.Raw)
	if raw == "" {
		raw = "null"
	}

	args := make([]any, 0, len(table.Columns)+4)
	args = append(args, rec.AccountID, rec.NaturalKey)
	for _, c := range table.Columns {
		args = append(args, rec.Fields[c.Name])
	}
	args = append(args, raw, db.now().UTC())

	if _, err := db.ExecContext(ctx, table.upsertStatement(), args...); err != nil {
		return fmt.Errorf("failed to save %s %s: %w", rec.Type, rec.NaturalKey, err)
	}

	return nil
}

// ListNaturalKeys returns the natural keys stored for an account and entity type
func (db *DB) ListNaturalKeys(ctx context.Context, accountID, entityType string) ([]string, error) {
	if _, ok := LookupTable(entityType); !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}

	query := fmt.Sprintf(`SELECT natural_key FROM %s WHERE account_id = ? ORDER BY natural_key`, entityType)
	rows, err := db.QueryContext(ctx, query, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s keys: %w", entityType, err)
	}
	defer rows.Close()

	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("failed to scan %s key: %w", entityType, err)
		}
		keys = append(keys, key)
	}

	return keys, rows.Err()
}

// ListEntities returns stored rows of one entity type, ordered by natural key
func (db *DB) ListEntities(ctx context.Context, accountID, entityType string, limit, offset int) ([]*models.EntityRecord, error) {
	table, ok := LookupTable(entityType)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownEntityType, entityType)
	}
	if limit <= 0 {
		limit = 50
	}

	cols := table.ColumnNames()
	query := fmt.Sprintf(`
	SELECT natural_key, %s, raw_payload, updated_at
	FROM %s
	WHERE account_id = ?
	ORDER BY natural_key
	LIMIT ? OFFSET ?
	`, strings.Join(cols, ", "), entityType)

	rows, err := db.QueryContext(ctx, query, accountID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list %s: %w", entityType, err)
	}
	defer rows.Close()

	var records []*models.EntityRecord
	for rows.Next() {
		var (
			key       string
			raw       string
			updatedAt time.Time
		)
		values := make([]any, len(cols))
		dest := make([]any, 0, len(cols)+3)
		dest = append(dest, &key)
		for i := range values {
			dest = append(dest, &values[i])
		}
		dest = append(dest, &raw, &updatedAt)

		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("failed to scan %s row: %w", entityType, err)
		}

		fields := make(map[string]any, len(cols))
		for i, name := range cols {
			if b, ok := values[i].([]byte); ok {
				fields[name] = string(b)
				continue
			}
			fields[name] = values[i]
		}

		records = append(records, &models.EntityRecord{
			Type:       entityType,
			AccountID:  accountID,
			NaturalKey: key,
			Fields:     fields,
			Raw:        []byte(raw),
			UpdatedAt:  updatedAt,
		})
	}

	return records, rows.Err()
}

// CountEntities returns the number of stored rows per entity type for an account
func (db *DB) CountEntities(ctx context.Context, accountID string) ([]models.EntityCount, error) {
	counts := make([]models.EntityCount, 0, len(entityTables))
	for _, t := range entityTables {
		var n int
		query := fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE account_id = ?`, t.Type)
		if err := db.QueryRowContext(ctx, query, accountID).Scan(&n); err != nil {
			return nil, fmt.Errorf("failed to count %s: %w", t.Type, err)
		}
		counts = append(counts, models.EntityCount{Type: t.Type, Count: n})
	}
	return counts, nil
}

// SaveSyncRun records the outcome of a sync run
func (db *DB) SaveSyncRun(ctx context.Context, run *models.SyncRun) error {
	query := `
	INSERT INTO sync_runs (id, account_id, started_at, finished_at, total_records, failed_types, results)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	results := string(run.Results)
	if results == "" {
		results = "[]"
	}

	_, err := db.ExecContext(ctx, query,
		run.ID,
		run.AccountID,
		run.StartedAt.UTC(),
		run.FinishedAt.UTC(),
		run.TotalRecords,
		run.FailedTypes,
		results,
	)
	if err != nil {
		return fmt.Errorf("failed to save sync run: %w", err)
	}

	return nil
}

// LastSyncRun returns the most recent sync run for an account, or nil if none exists
func (db *DB) LastSyncRun(ctx context.Context, accountID string) (*models.SyncRun, error) {
	query := `
	SELECT id, account_id, started_at, finished_at, total_records, failed_types, results
	FROM sync_runs
	WHERE account_id = ?
	ORDER BY finished_at DESC
	LIMIT 1
	`

	var (
		run     models.SyncRun
		results string
	)
	err := db.QueryRowContext(ctx, query, accountID).Scan(
		&run.ID,
		&run.AccountID,
		&run.StartedAt,
		&run.FinishedAt,
		&run.TotalRecords,
		&run.FailedTypes,
		&results,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get last sync run: %w", err)
	}
	run.Results = []byte(results)

	return &run, nil
}

// GetLastSyncTime gets the finish time of the last sync for an account
func (db *DB) GetLastSyncTime(ctx context.Context, accountID string) (time.Time, error) {
	run, err := db.LastSyncRun(ctx, accountID)
	if err != nil {
		return time.Time{}, err
	}
	if run == nil {
		// If no sync has run yet, return zero time
		return time.Time{}, nil
	}
	return run.FinishedAt, nil
}

// Close closes the database connection
func (db *DB) Close() error {
	return db.DB.Close()
}
