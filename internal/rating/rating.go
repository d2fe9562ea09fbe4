// Package rating defines the canonical vehicle safety rating record shared by
// the importer, the live API client, the durable store and the resolver.
package rating

import (
	"fmt"
	"strings"
	"time"
)

// Source records where a rating came from. It drives merge precedence in the
// durable store.
type Source string

const (
	SourceCSV    Source = "csv"
	SourceAPI    Source = "api"
	SourceManual Source = "manual"
)

// Valid reports whether s is one of the known sources.
func (s Source) Valid() bool {
	switch s {
	case SourceCSV, SourceAPI, SourceManual:
		return true
	}
	return false
}

// Key identifies a vehicle. Make and Model keep the case they were received in;
// comparisons are case-insensitive.
type Key struct {
	Year  int
	Make  string
	Model string
}

// NewKey trims surrounding whitespace from make and model.
func NewKey(year int, mk, model string) Key {
	return Key{Year: year, Make: strings.TrimSpace(mk), Model: strings.TrimSpace(model)}
}

// Valid reports whether the key has a four-digit year and non-empty make and model.
func (k Key) Valid() bool {
	return k.Year >= 1000 && k.Year <= 9999 && k.Make != "" && k.Model != ""
}

// CacheKey is the case-folded key used by the ephemeral tier.
func (k Key) CacheKey() string {
	return fmt.Sprintf("rating:%d:%s:%s", k.Year, strings.ToLower(k.Make), strings.ToLower(k.Model))
}

func (k Key) String() string {
	return fmt.Sprintf("%d %s %s", k.Year, k.Make, k.Model)
}

// Fields holds the rating values of a record. A nil pointer means the value is
// absent; zero is never a valid rating.
type Fields struct {
	Overall        *float64 `json:"overall_rating"`
	FrontCrash     *float64 `json:"front_crash"`
	SideCrash      *float64 `json:"side_crash"`
	Rollover       *float64 `json:"rollover"`
	VehiclePicture string   `json:"vehicle_picture,omitempty"`
}

// Record is a cached rating for one vehicle.
type Record struct {
	Year  int    `json:"year"`
	Make  string `json:"make"`
	Model string `json:"model"`
	Fields
	Source    Source     `json:"source"`
	CachedAt  time.Time  `json:"cached_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// Key returns the identity of the record.
func (r Record) Key() Key {
	return Key{Year: r.Year, Make: r.Make, Model: r.Model}
}

// HasRating reports whether the overall rating is present.
func (r Record) HasRating() bool {
	return r.Overall != nil
}

// Expired reports whether the record has an expiry at or before now.
// Records without an expiry are permanent.
func (r Record) Expired(now time.Time) bool {
	return r.ExpiresAt != nil && !r.ExpiresAt.After(now)
}
