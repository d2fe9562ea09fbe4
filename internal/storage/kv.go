package storage

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// --- Options ---

// GetOption returns a durable option value, or ErrNotFound.
func (s *Store) GetOption(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM options WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading option %s: %w", key, err)
	}
	return value, nil
}

func (s *Store) SetOption(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO options (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, formatTime(s.now()),
	)
	if err != nil {
		return fmt.Errorf("writing option %s: %w", key, err)
	}
	return nil
}

func (s *Store) DeleteOption(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM options WHERE key = ?`, key); err != nil {
		return fmt.Errorf("deleting option %s: %w", key, err)
	}
	return nil
}

// --- Transients ---

// GetTransient returns a value that has not yet expired, or ErrNotFound.
func (s *Store) GetTransient(ctx context.Context, key string) (string, error) {
	var value string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM transients WHERE key = ? AND expires_at > ?`,
		key, formatTime(s.now())).Scan(&value)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("reading transient %s: %w", key, err)
	}
	return value, nil
}

// SetTransient stores value under key for ttl.
func (s *Store) SetTransient(ctx context.Context, key, value string, ttl time.Duration) error {
	if ttl <= 0 {
		return fmt.Errorf("transient %s: ttl must be positive", key)
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO transients (key, value, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET value = excluded.value, expires_at = excluded.expires_at`,
		key, value, formatTime(s.now().Add(ttl)),
	)
	if err != nil {
		return fmt.Errorf("writing transient %s: %w", key, err)
	}
	return nil
}

// DeleteTransients removes every transient whose key starts with prefix.
// An empty prefix removes all of them.
func (s *Store) DeleteTransients(ctx context.Context, prefix string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transients WHERE key LIKE ? ESCAPE '\'`, escapeLike(prefix)+"%")
	if err != nil {
		return 0, fmt.Errorf("deleting transients %q: %w", prefix, err)
	}
	return res.RowsAffected()
}

// PurgeExpiredTransients removes transients past their expiry.
func (s *Store) PurgeExpiredTransients(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM transients WHERE expires_at <= ?`, formatTime(s.now()))
	if err != nil {
		return 0, fmt.Errorf("purging transients: %w", err)
	}
	return res.RowsAffected()
}

// --- Locks ---

// AcquireLock takes the named lock for token until ttl elapses. It succeeds
// when the lock is free, expired, or already held by token.
func (s *Store) AcquireLock(ctx context.Context, name, token string, ttl time.Duration) (bool, error) {
	now := s.now()
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO locks (name, token, expires_at) VALUES (?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET token = excluded.token, expires_at = excluded.expires_at
		WHERE locks.expires_at <= ? OR locks.token = excluded.token`,
		name, token, formatTime(now.Add(ttl)), formatTime(now),
	)
	if err != nil {
		return false, fmt.Errorf("acquiring lock %s: %w", name, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// ReleaseLock frees the named lock if token still holds it.
func (s *Store) ReleaseLock(ctx context.Context, name, token string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM locks WHERE name = ? AND token = ?`, name, token); err != nil {
		return fmt.Errorf("releasing lock %s: %w", name, err)
	}
	return nil
}
