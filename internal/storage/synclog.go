package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/kalambet/vsr/internal/rating"
)

const syncColumns = `id, year, make, model, status, attempt_count, last_attempt_at, next_attempt_at,
	error_message, lease_token, created_at, updated_at`

// EnsureSyncEntry creates a pending sync log entry for key unless one exists.
// created reports whether a new entry was inserted.
func (s *Store) EnsureSyncEntry(ctx context.Context, key rating.Key) (created bool, err error) {
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO sync_log (year, make, model, status, created_at, updated_at)
		VALUES (?, ?, ?, 'pending', ?, ?)
		ON CONFLICT (year, make, model) DO NOTHING`,
		key.Year, key.Make, key.Model, now, now,
	)
	if err != nil {
		return false, fmt.Errorf("creating sync entry %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// GetSyncEntry returns the sync log entry for key.
func (s *Store) GetSyncEntry(ctx context.Context, key rating.Key) (*SyncEntry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+syncColumns+` FROM sync_log
		WHERE year = ? AND make = ? AND model = ?`, key.Year, key.Make, key.Model)
	e, err := scanSyncEntry(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return e, err
}

// ClaimSyncBatch leases up to limit due entries to token and marks them
// syncing. Due entries are pending ones, failed ones whose next attempt time
// has passed, and syncing ones whose lease is older than staleAfter (a worker
// that died mid-batch). Entries are ordered by attempt count ascending, then
// newest model year first.
//
// Each row is claimed with a conditional update, so two workers sharing the
// database can never lease the same entry.
func (s *Store) ClaimSyncBatch(ctx context.Context, limit int, token string, staleAfter time.Duration) ([]SyncEntry, error) {
	if limit <= 0 {
		return nil, nil
	}

	now := s.now()
	nowStr := formatTime(now)
	staleStr := formatTime(now.Add(-staleAfter))

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT `+syncColumns+` FROM sync_log
		WHERE status = 'pending'
		   OR (status = 'failed' AND next_attempt_at IS NOT NULL AND next_attempt_at <= ?)
		   OR (status = 'syncing' AND last_attempt_at IS NOT NULL AND last_attempt_at <= ?)
		ORDER BY attempt_count ASC, year DESC, id ASC
		LIMIT ?`, nowStr, staleStr, limit)
	if err != nil {
		return nil, fmt.Errorf("selecting due sync entries: %w", err)
	}

	var candidates []SyncEntry
	for rows.Next() {
		e, err := scanSyncEntry(rows)
		if err != nil {
			rows.Close()
			return nil, err
		}
		candidates = append(candidates, *e)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, err
	}
	rows.Close()

	claimed := make([]SyncEntry, 0, len(candidates))
	for _, e := range candidates {
		res, err := tx.ExecContext(ctx, `
			UPDATE sync_log
			SET status = 'syncing', lease_token = ?, last_attempt_at = ?, updated_at = ?
			WHERE id = ? AND status = ? AND lease_token = ?`,
			token, nowStr, nowStr, e.ID, string(e.Status), e.LeaseToken,
		)
		if err != nil {
			return nil, fmt.Errorf("leasing sync entry %d: %w", e.ID, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("checking leased rows: %w", err)
		}
		if n != 1 {
			continue
		}
		e.Status = SyncSyncing
		e.LeaseToken = token
		e.LastAttemptAt = &now
		claimed = append(claimed, e)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}
	return claimed, nil
}

// CompleteSync records a finished attempt with a terminal outcome
// (success or no_data) for an entry leased to token.
func (s *Store) CompleteSync(ctx context.Context, id int64, token string, status SyncStatus) error {
	if status != SyncSuccess && status != SyncNoData {
		return fmt.Errorf("invalid completion status %q", status)
	}
	now := formatTime(s.now())
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET status = ?, attempt_count = attempt_count + 1, next_attempt_at = NULL,
		    error_message = '', lease_token = '', updated_at = ?
		WHERE id = ? AND lease_token = ?`,
		string(status), now, id, token,
	)
	if err != nil {
		return fmt.Errorf("completing sync entry %d: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// FailSync records a failed attempt for an entry leased to token. Until
// maxAttempts is reached the entry is rescheduled after backoff×attempts;
// after that it stays failed with no next attempt until ResetFailedSyncs.
func (s *Store) FailSync(ctx context.Context, id int64, token, errMsg string, maxAttempts int, backoff time.Duration) (terminal bool, err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var attempts int
	err = tx.QueryRowContext(ctx, `SELECT attempt_count FROM sync_log WHERE id = ? AND lease_token = ?`, id, token).Scan(&attempts)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}

	now := s.now()
	attempts++

	var next any
	if attempts < maxAttempts {
		next = formatTime(now.Add(backoff * time.Duration(attempts)))
	} else {
		terminal = true
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE sync_log
		SET status = 'failed', attempt_count = ?, next_attempt_at = ?, error_message = ?,
		    lease_token = '', updated_at = ?
		WHERE id = ?`,
		attempts, next, errMsg, formatTime(now), id,
	)
	if err != nil {
		return false, fmt.Errorf("failing sync entry %d: %w", id, err)
	}

	return terminal, tx.Commit()
}

// ResetFailedSyncs moves every failed entry back to pending with a fresh
// attempt budget. Returns the number of entries reset.
func (s *Store) ResetFailedSyncs(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sync_log
		SET status = 'pending', attempt_count = 0, next_attempt_at = NULL,
		    error_message = '', lease_token = '', updated_at = ?
		WHERE status = 'failed'`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("resetting failed syncs: %w", err)
	}
	return res.RowsAffected()
}

// SyncCounts aggregates the sync log by status.
func (s *Store) SyncCounts(ctx context.Context) (SyncCounts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_log GROUP BY status`)
	if err != nil {
		return SyncCounts{}, fmt.Errorf("counting sync log: %w", err)
	}
	defer rows.Close()

	var c SyncCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return SyncCounts{}, err
		}
		c.Total += n
		switch SyncStatus(status) {
		case SyncPending:
			c.Pending = n
		case SyncSyncing:
			c.Syncing = n
		case SyncSuccess:
			c.Success = n
		case SyncNoData:
			c.NoData = n
		case SyncFailed:
			c.Failed = n
		}
	}
	return c, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSyncEntry(row rowScanner) (*SyncEntry, error) {
	var (
		e                    SyncEntry
		status               string
		lastAttempt, nextAtt sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(&e.ID, &e.Year, &e.Make, &e.Model, &status, &e.AttemptCount,
		&lastAttempt, &nextAtt, &e.ErrorMessage, &e.LeaseToken, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	e.Status = SyncStatus(status)

	var err error
	if e.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
		return nil, fmt.Errorf("parsing last_attempt_at for sync entry %d: %w", e.ID, err)
	}
	if e.NextAttemptAt, err = parseNullTime(nextAtt); err != nil {
		return nil, fmt.Errorf("parsing next_attempt_at for sync entry %d: %w", e.ID, err)
	}
	if e.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, fmt.Errorf("parsing created_at for sync entry %d: %w", e.ID, err)
	}
	if e.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, fmt.Errorf("parsing updated_at for sync entry %d: %w", e.ID, err)
	}
	return &e, nil
}
