package resolver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kalambet/vsr/internal/rating"
	"github.com/kalambet/vsr/internal/storage"
)

// DefaultAPITTL is how long a rating obtained from the live API stays fresh.
const DefaultAPITTL = 30 * 24 * time.Hour

// sharedResolveTimeout bounds a slow-tier pass shared by concurrent callers.
// It runs detached from any one caller so a cancelled request does not fail
// the others waiting on it.
const sharedResolveTimeout = time.Minute

var (
	// ErrNoRating means every tier was consulted and none knows the vehicle.
	ErrNoRating = errors.New("no rating available")
	// ErrUnavailable means nothing is stored and the live API could not be
	// reached, so the answer is not yet known.
	ErrUnavailable = errors.New("rating temporarily unavailable")
	// ErrInvalidKey is returned for a key without a four-digit year, make and model.
	ErrInvalidKey = errors.New("invalid vehicle key")
)

// Tier names the layer that answered a lookup.
type Tier string

const (
	TierEphemeral Tier = "ephemeral"
	TierDurable   Tier = "durable"
	TierGapFill   Tier = "gap_fill"
	TierLive      Tier = "live"
	TierStale     Tier = "stale"
)

// Durable is the authoritative rating store.
// GetRating and GetStaleRating return storage.ErrNotFound when nothing is stored.
type Durable interface {
	GetRating(ctx context.Context, key rating.Key) (*rating.Record, error)
	GetStaleRating(ctx context.Context, key rating.Key) (*rating.Record, error)
	UpsertRating(ctx context.Context, key rating.Key, f rating.Fields, src rating.Source, ttl time.Duration) (bool, error)
	FindRatingKeys(ctx context.Context, year int, mk, modelPrefix string) ([]rating.Key, error)
}

// Ephemeral is the short-lived cache tier. Get returns (nil, nil) on a miss.
type Ephemeral interface {
	Get(ctx context.Context, key rating.Key) (*rating.Record, error)
	Set(ctx context.Context, rec *rating.Record) error
}

// Fetcher queries the live ratings API. It returns (nil, nil) when the API
// has no data for the vehicle.
type Fetcher interface {
	FetchRating(ctx context.Context, key rating.Key) (*rating.Record, error)
}

// Resolution is a resolved rating and the tier that produced it.
type Resolution struct {
	Record *rating.Record
	Tier   Tier
}

// Resolver answers rating lookups through the tier chain: ephemeral cache,
// durable store, live gap-fill, live cold fetch, stale durable copy.
type Resolver struct {
	durable   Durable
	ephemeral Ephemeral
	fetcher   Fetcher
	apiTTL    time.Duration
	logger    *slog.Logger

	group singleflight.Group
}

// New creates a Resolver. A non-positive apiTTL uses DefaultAPITTL.
func New(durable Durable, ephemeral Ephemeral, fetcher Fetcher, apiTTL time.Duration, logger *slog.Logger) *Resolver {
	if apiTTL <= 0 {
		apiTTL = DefaultAPITTL
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		durable:   durable,
		ephemeral: ephemeral,
		fetcher:   fetcher,
		apiTTL:    apiTTL,
		logger:    logger,
	}
}

// Resolve returns the best available rating for key. It returns ErrNoRating
// or ErrUnavailable when no tier has anything; any other error means the
// durable store itself failed.
//
// Concurrent calls for the same vehicle share one pass through the slow tiers.
// A caller whose ctx ends stops waiting with ctx.Err(); the shared pass keeps
// running for the rest.
func (r *Resolver) Resolve(ctx context.Context, key rating.Key) (Resolution, error) {
	if !key.Valid() {
		return Resolution{}, fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
	}

	rec, err := r.ephemeral.Get(ctx, key)
	if err != nil {
		r.logger.Warn("ephemeral cache read failed", "key", key.CacheKey(), "error", err)
	} else if rec != nil {
		r.logResolved(key, TierEphemeral, rec)
		return Resolution{Record: rec, Tier: TierEphemeral}, nil
	}

	ch := r.group.DoChan(key.CacheKey(), func() (any, error) {
		sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sharedResolveTimeout)
		defer cancel()
		return r.resolveSlow(sctx, key)
	})
	select {
	case <-ctx.Done():
		return Resolution{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Resolution{}, res.Err
		}
		return res.Val.(Resolution), nil
	}
}

func (r *Resolver) resolveSlow(ctx context.Context, key rating.Key) (Resolution, error) {
	stored, err := r.durable.GetRating(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("reading durable rating %s: %w", key, err)
	}

	if stored != nil && stored.HasRating() {
		r.cache(ctx, stored)
		r.logResolved(key, TierDurable, stored)
		return Resolution{Record: stored, Tier: TierDurable}, nil
	}

	live, fetchErr := r.fetcher.FetchRating(ctx, key)
	if fetchErr != nil {
		r.logger.Warn("live rating fetch failed",
			"year", key.Year, "make", key.Make, "model", key.Model, "error", fetchErr)
	}

	if stored != nil {
		if fetchErr == nil && live != nil && live.HasRating() {
			rec, err := r.store(ctx, key, live)
			if err != nil {
				return Resolution{}, err
			}
			r.cache(ctx, rec)
			r.logResolved(key, TierGapFill, rec)
			return Resolution{Record: rec, Tier: TierGapFill}, nil
		}
		// Keep the known vehicle even without a rating. A failed fetch is not
		// cached so the next lookup tries the API again.
		if fetchErr == nil {
			r.cache(ctx, stored)
		}
		r.logResolved(key, TierDurable, stored)
		return Resolution{Record: stored, Tier: TierDurable}, nil
	}

	if fetchErr == nil && live != nil {
		rec, err := r.store(ctx, key, live)
		if err != nil {
			return Resolution{}, err
		}
		r.cache(ctx, rec)
		r.logResolved(key, TierLive, rec)
		return Resolution{Record: rec, Tier: TierLive}, nil
	}

	stale, err := r.durable.GetStaleRating(ctx, key)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return Resolution{}, fmt.Errorf("reading stale rating %s: %w", key, err)
	}
	if stale != nil {
		r.logResolved(key, TierStale, stale)
		return Resolution{Record: stale, Tier: TierStale}, nil
	}

	if fetchErr != nil {
		return Resolution{}, ErrUnavailable
	}
	r.logger.Debug("no rating available", "year", key.Year, "make", key.Make, "model", key.Model)
	return Resolution{}, ErrNoRating
}

// Lookup resolves every stored model of year and make that starts with
// modelPrefix, so "Camry" also returns "Camry Hybrid". The exact vehicle is
// always resolved too, even when only longer variants are stored, so it can
// still reach the live API. Variants that cannot be resolved are left out;
// if none can, the error explains why.
func (r *Resolver) Lookup(ctx context.Context, year int, mk, modelPrefix string) ([]Resolution, error) {
	exact := rating.NewKey(year, mk, modelPrefix)
	if !exact.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, exact.String())
	}

	keys, err := r.durable.FindRatingKeys(ctx, exact.Year, exact.Make, exact.Model)
	if err != nil {
		return nil, fmt.Errorf("finding model variants: %w", err)
	}
	if !slices.ContainsFunc(keys, func(k rating.Key) bool { return k.CacheKey() == exact.CacheKey() }) {
		keys = append([]rating.Key{exact}, keys...)
	}

	var (
		out         []Resolution
		unavailable bool
	)
	for _, k := range keys {
		res, err := r.Resolve(ctx, k)
		switch {
		case err == nil:
			out = append(out, res)
		case errors.Is(err, ErrUnavailable):
			unavailable = true
		case errors.Is(err, ErrNoRating):
		default:
			return nil, err
		}
	}

	if len(out) == 0 {
		if unavailable {
			return nil, ErrUnavailable
		}
		return nil, ErrNoRating
	}
	return out, nil
}

// FetchLive always queries the live API for key and stores whatever it
// returns. It is the worker's path: a nil record with nil error means the API
// confirmed there is no data.
func (r *Resolver) FetchLive(ctx context.Context, key rating.Key) (*rating.Record, error) {
	if !key.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidKey, key.String())
	}
	live, err := r.fetcher.FetchRating(ctx, key)
	if err != nil || live == nil {
		return nil, err
	}
	rec, err := r.store(ctx, key, live)
	if err != nil {
		return nil, err
	}
	r.cache(ctx, rec)
	return rec, nil
}

// store upserts a live record with the api TTL and returns the row as
// persisted, which is the older record when source precedence refused the
// write.
func (r *Resolver) store(ctx context.Context, key rating.Key, live *rating.Record) (*rating.Record, error) {
	applied, err := r.durable.UpsertRating(ctx, key, live.Fields, rating.SourceAPI, r.apiTTL)
	if err != nil {
		return nil, fmt.Errorf("storing live rating %s: %w", key, err)
	}
	if !applied {
		r.logger.Debug("live rating kept out by stored record", "year", key.Year, "make", key.Make, "model", key.Model)
	}

	rec, err := r.durable.GetStaleRating(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("reading stored rating %s: %w", key, err)
	}
	return rec, nil
}

func (r *Resolver) cache(ctx context.Context, rec *rating.Record) {
	if err := r.ephemeral.Set(ctx, rec); err != nil {
		r.logger.Warn("ephemeral cache write failed", "key", rec.Key().CacheKey(), "error", err)
	}
}

func (r *Resolver) logResolved(key rating.Key, tier Tier, rec *rating.Record) {
	r.logger.Debug("rating resolved",
		"year", key.Year, "make", key.Make, "model", key.Model,
		"tier", string(tier), "source", string(rec.Source), "rated", rec.HasRating())
}
