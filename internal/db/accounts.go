package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wesm/jira-mirror/internal/models"
)

var (
	// ErrAccountNotFound is returned when an account id has no stored record
	ErrAccountNotFound = errors.New("account not found")

	// ErrAccountInactive is returned when an operation needs an active account
	ErrAccountInactive = errors.New("account is not active")
)

const accountColumns = `id, name, site_url, scopes, access_token, refresh_token, expires_at,
	last_refresh_at, failure_count, active, is_primary, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*models.Account, error) {
	var (
		acct          models.Account
		scopes        string
		expiresAt     sql.NullTime
		lastRefreshAt sql.NullTime
	)
	err := row.Scan(
		&acct.ID,
		&acct.Name,
		&acct.SiteURL,
		&scopes,
		&acct.AccessToken,
		&acct.RefreshToken,
		&expiresAt,
		&lastRefreshAt,
		&acct.FailureCount,
		&acct.Active,
		&acct.Primary,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}

	if scopes != "" {
		acct.Scopes = strings.Fields(scopes)
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		acct.ExpiresAt = &t
	}
	if lastRefreshAt.Valid {
		t := lastRefreshAt.Time
		acct.LastRefreshAt = &t
	}

	return &acct, nil
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC()
}

// SaveAccount inserts or fully updates an account. When the account is marked
// primary every other account loses its primary flag in the same transaction.
func (db *DB) SaveAccount(ctx context.Context, acct *models.Account) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if acct.Primary {
		if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_primary = 0 WHERE id != ?`, acct.ID); err != nil {
			return fmt.Errorf("failed to clear primary account: %w", err)
		}
	}

	now := db.now().UTC()
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = now
	}
	acct.UpdatedAt = now

	query := `
	INSERT INTO accounts (` + accountColumns + `)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(id) DO UPDATE SET
		name = excluded.name,
		site_url = excluded.site_url,
		scopes = excluded.scopes,
		access_token = excluded.access_token,
		refresh_token = excluded.refresh_token,
		expires_at = excluded.expires_at,
		last_refresh_at = excluded.last_refresh_at,
		failure_count = excluded.failure_count,
		active = excluded.active,
		is_primary = excluded.is_primary,
		updated_at = excluded.updated_at
	`

	_, err = tx.ExecContext(ctx, query,
		acct.ID,
		acct.Name,
		acct.SiteURL,
		strings.Join(acct.Scopes, " "),
		acct.AccessToken,
		acct.RefreshToken,
		nullTime(acct.ExpiresAt),
		nullTime(acct.LastRefreshAt),
		acct.FailureCount,
		acct.Active,
		acct.Primary,
		acct.CreatedAt,
		acct.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return tx.Commit()
}

// GetAccount gets an account by id, returning nil if it does not exist
func (db *DB) GetAccount(ctx context.Context, id string) (*models.Account, error) {
	row := db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = ?`, id)
	acct, err := scanAccount(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return acct, nil
}

// ListAccounts returns stored accounts ordered by creation time
func (db *DB) ListAccounts(ctx context.Context, activeOnly bool) ([]*models.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts`
	if activeOnly {
		query += ` WHERE active = 1`
	}
	query += ` ORDER BY created_at, id`

	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		acct, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, acct)
	}

	return accounts, rows.Err()
}

// CountAccounts returns the number of stored accounts, active or not
func (db *DB) CountAccounts(ctx context.Context) (int, error) {
	var n int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM accounts`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count accounts: %w", err)
	}
	return n, nil
}

// UpdateTokens stores refreshed token material and resets the failure counter
func (db *DB) UpdateTokens(ctx context.Context, id string, tokens *models.Tokens, refreshedAt time.Time) error {
	query := `
	UPDATE accounts SET
		access_token = ?,
		refresh_token = ?,
		expires_at = ?,
		last_refresh_at = ?,
		failure_count = 0,
		updated_at = ?
	WHERE id = ?
	`

	res, err := db.ExecContext(ctx, query,
		tokens.AccessToken,
		tokens.RefreshToken,
		nullTime(tokens.ExpiresAt),
		refreshedAt.UTC(),
		db.now().UTC(),
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to update tokens: %w", err)
	}
	return requireRow(res, id)
}

// RecordRefreshFailure increments the failure counter of an account and clears
// its active flag once the counter reaches threshold. It returns the new counter
// value and whether the account is now inactive.
func (db *DB) RecordRefreshFailure(ctx context.Context, id string, threshold int) (int, bool, error) {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `
	UPDATE accounts SET
		failure_count = failure_count + 1,
		active = CASE WHEN failure_count + 1 >= ? THEN 0 ELSE active END,
		updated_at = ?
	WHERE id = ?
	`
	res, err := tx.ExecContext(ctx, query, threshold, db.now().UTC(), id)
	if err != nil {
		return 0, false, fmt.Errorf("failed to record refresh failure: %w", err)
	}
	if err := requireRow(res, id); err != nil {
		return 0, false, err
	}

	var (
		count  int
		active bool
	)
	err = tx.QueryRowContext(ctx, `SELECT failure_count, active FROM accounts WHERE id = ?`, id).Scan(&count, &active)
	if err != nil {
		return 0, false, fmt.Errorf("failed to read failure count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("failed to commit refresh failure: %w", err)
	}
	return count, !active, nil
}

// SetPrimary marks one active account as primary and clears the flag everywhere else
func (db *DB) SetPrimary(ctx context.Context, id string) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var active bool
	err = tx.QueryRowContext(ctx, `SELECT active FROM accounts WHERE id = ?`, id).Scan(&active)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
		}
		return fmt.Errorf("failed to get account: %w", err)
	}
	if !active {
		return fmt.Errorf("%w: %s", ErrAccountInactive, id)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_primary = 0 WHERE id != ?`, id); err != nil {
		return fmt.Errorf("failed to clear primary account: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE accounts SET is_primary = 1, updated_at = ? WHERE id = ?`, db.now().UTC(), id); err != nil {
		return fmt.Errorf("failed to set primary account: %w", err)
	}

	return tx.Commit()
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrAccountNotFound, id)
	}
	return nil
}
