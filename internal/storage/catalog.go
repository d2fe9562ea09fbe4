package storage

import (
	"context"
	"fmt"

	"github.com/kalambet/vsr/internal/rating"
)

// AddCatalogVehicle records a vehicle the site sells or quotes. Adding an
// existing vehicle is a no-op.
func (s *Store) AddCatalogVehicle(ctx context.Context, key rating.Key) error {
	if !key.Valid() {
		return fmt.Errorf("invalid vehicle key %q", key.String())
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO catalog_vehicles (year, make, model) VALUES (?, ?, ?)
		ON CONFLICT (year, make, model) DO NOTHING`,
		key.Year, key.Make, key.Model,
	)
	if err != nil {
		return fmt.Errorf("adding catalog vehicle %s: %w", key, err)
	}
	return nil
}

// CatalogYearMakes lists the distinct (year, make) pairs in the catalog.
func (s *Store) CatalogYearMakes(ctx context.Context) ([]YearMake, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT year, MIN(make) FROM catalog_vehicles
		GROUP BY year, make
		ORDER BY year DESC, MIN(make) ASC`)
	if err != nil {
		return nil, fmt.Errorf("listing catalog makes: %w", err)
	}
	defer rows.Close()

	var out []YearMake
	for rows.Next() {
		var ym YearMake
		if err := rows.Scan(&ym.Year, &ym.Make); err != nil {
			return nil, err
		}
		out = append(out, ym)
	}
	return out, rows.Err()
}

// CatalogModels lists catalog models for year and make.
func (s *Store) CatalogModels(ctx context.Context, year int, mk string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT model FROM catalog_vehicles WHERE year = ? AND make = ? ORDER BY model ASC`,
		year, mk)
	if err != nil {
		return nil, fmt.Errorf("listing catalog models: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}
