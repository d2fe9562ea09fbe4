package storage

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/kalambet/vsr/internal/rating"
)

const ratingColumns = `year, make, model, overall_rating, front_crash, side_crash, rollover,
	vehicle_picture, source, cached_at, expires_at`

// GetRating returns the rating for key if it has not expired.
// Absent and expired records both return ErrNotFound.
func (s *Store) GetRating(ctx context.Context, key rating.Key) (*rating.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ratingColumns+`
		FROM ratings
		WHERE year = ? AND make = ? AND model = ?
		  AND (expires_at IS NULL OR expires_at > ?)`,
		key.Year, key.Make, key.Model, formatTime(s.now()),
	)
	return scanRating(row)
}

// GetStaleRating returns the rating for key regardless of expiry.
func (s *Store) GetStaleRating(ctx context.Context, key rating.Key) (*rating.Record, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+ratingColumns+`
		FROM ratings
		WHERE year = ? AND make = ? AND model = ?`,
		key.Year, key.Make, key.Model,
	)
	return scanRating(row)
}

// UpsertRating inserts or updates the rating for key. A ttl of zero or less
// stores a permanent record.
//
// Writes that carry no overall rating never replace api data with csv data,
// and never erase an overall rating obtained from the api or entered manually.
// Every other combination overwrites. The rule is evaluated inside the single
// upsert statement, so concurrent writers to one row resolve last-writer-wins
// subject to it. applied is false when the write was refused.
func (s *Store) UpsertRating(ctx context.Context, key rating.Key, f rating.Fields, src rating.Source, ttl time.Duration) (applied bool, err error) {
	if !key.Valid() {
		return false, fmt.Errorf("invalid vehicle key %q", key.String())
	}
	if !src.Valid() {
		return false, fmt.Errorf("invalid rating source %q", src)
	}

	now := s.now()
	var expiresAt *time.Time
	if ttl > 0 {
		t := now.Add(ttl)
		expiresAt = &t
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ratings (`+ratingColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (year, make, model) DO UPDATE SET
			overall_rating = excluded.overall_rating,
			front_crash = excluded.front_crash,
			side_crash = excluded.side_crash,
			rollover = excluded.rollover,
			vehicle_picture = excluded.vehicle_picture,
			source = excluded.source,
			cached_at = excluded.cached_at,
			expires_at = excluded.expires_at
		WHERE NOT (
			excluded.overall_rating IS NULL AND (
				(ratings.source = 'api' AND excluded.source = 'csv')
				OR (ratings.overall_rating IS NOT NULL AND ratings.source IN ('api', 'manual'))
			)
		)`,
		key.Year, key.Make, key.Model,
		nullFloat(f.Overall), nullFloat(f.FrontCrash), nullFloat(f.SideCrash), nullFloat(f.Rollover),
		f.VehiclePicture, string(src), formatTime(now), nullTime(expiresAt),
	)
	if err != nil {
		return false, fmt.Errorf("upserting rating %s: %w", key, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("checking upserted rows: %w", err)
	}
	return n > 0, nil
}

// FindRatingKeys returns the identities of stored ratings for year and make
// whose model starts with modelPrefix, ordered by model. Expired records are
// included; callers resolve each key through the tiers.
func (s *Store) FindRatingKeys(ctx context.Context, year int, mk, modelPrefix string) ([]rating.Key, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, make, model FROM ratings
		WHERE year = ? AND make = ? AND model LIKE ? ESCAPE '\'
		ORDER BY model ASC`,
		year, mk, escapeLike(modelPrefix)+"%",
	)
	if err != nil {
		return nil, fmt.Errorf("finding ratings: %w", err)
	}
	defer rows.Close()

	var keys []rating.Key
	for rows.Next() {
		var k rating.Key
		if err := rows.Scan(&k.Year, &k.Make, &k.Model); err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// TruncateRatings deletes every rating. Administrative reset only.
func (s *Store) TruncateRatings(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM ratings`); err != nil {
		return fmt.Errorf("truncating ratings: %w", err)
	}
	return nil
}

// RatingStats counts stored ratings by source, presence of an overall rating
// and expiry.
func (s *Store) RatingStats(ctx context.Context) (RatingStats, error) {
	var st RatingStats
	err := s.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COALESCE(SUM(CASE WHEN source = 'csv' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN source = 'api' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN source = 'manual' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN overall_rating IS NOT NULL THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN expires_at IS NOT NULL AND expires_at <= ? THEN 1 ELSE 0 END), 0)
		FROM ratings`, formatTime(s.now()),
	).Scan(&st.Total, &st.CSV, &st.API, &st.Manual, &st.Rated, &st.Expired)
	if err != nil {
		return RatingStats{}, fmt.Errorf("counting ratings: %w", err)
	}
	st.Unrated = st.Total - st.Rated
	return st, nil
}

func scanRating(row *sql.Row) (*rating.Record, error) {
	var (
		r                          rating.Record
		overall, front, side, roll sql.NullFloat64
		src, cachedAt              string
		expiresAt                  sql.NullString
	)
	err := row.Scan(&r.Year, &r.Make, &r.Model, &overall, &front, &side, &roll,
		&r.VehiclePicture, &src, &cachedAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning rating: %w", err)
	}

	r.Overall = floatPtr(overall)
	r.FrontCrash = floatPtr(front)
	r.SideCrash = floatPtr(side)
	r.Rollover = floatPtr(roll)
	r.Source = rating.Source(src)
	if r.CachedAt, err = parseTime(cachedAt); err != nil {
		return nil, fmt.Errorf("parsing cached_at: %w", err)
	}
	if r.ExpiresAt, err = parseNullTime(expiresAt); err != nil {
		return nil, fmt.Errorf("parsing expires_at: %w", err)
	}
	return &r, nil
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
